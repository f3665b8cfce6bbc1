// Package sandbox dispatches a code buffer to the external sandboxed
// runner service and normalizes the outcome. The runner owns process
// isolation and hard termination; this package only enforces the
// caller's deadline on the wait.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/npezzotti/go-codearena/internal/types"
)

// ErrInvalidSubmission is returned for a submission with no code and
// no inputs, before any sandbox call is made.
var ErrInvalidSubmission = errors.New("invalid submission")

// Runner is the interface the session engine dispatches runs through.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (types.ExecutionResult, error)
}

// RunRequest describes one execution of the current buffer.
type RunRequest struct {
	RequestId string
	Code      string
	Inputs    []string
	// Deadline bounds the sandbox call. Zero means the dispatcher
	// default applies.
	Deadline time.Duration
}

type runPayload struct {
	Code   string   `json:"code"`
	Inputs []string `json:"inputs"`
}

type runResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

type Dispatcher struct {
	baseURL        string
	client         *http.Client
	log            *log.Logger
	defaultTimeout time.Duration
}

func NewDispatcher(baseURL string, defaultTimeout time.Duration, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		baseURL:        baseURL,
		client:         &http.Client{},
		log:            logger,
		defaultTimeout: defaultTimeout,
	}
}

// Run submits the code to the sandbox and waits for the outcome. The
// returned result's Status distinguishes a completed run (a non-zero
// exit code is still a completion) from a timed-out wait and from the
// sandbox being unreachable. Run never retries: the sandbox does not
// dedupe, and a timed-out run may have had side effects.
func (d *Dispatcher) Run(ctx context.Context, req RunRequest) (types.ExecutionResult, error) {
	if req.Code == "" && req.Inputs == nil {
		return types.ExecutionResult{}, ErrInvalidSubmission
	}

	timeout := req.Deadline
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(runPayload{Code: req.Code, Inputs: req.Inputs})
	if err != nil {
		return types.ExecutionResult{}, fmt.Errorf("marshal run payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return types.ExecutionResult{}, fmt.Errorf("build run request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	result := types.ExecutionResult{RequestId: req.RequestId}

	start := time.Now()
	resp, err := d.client.Do(httpReq)
	result.DurationMs = time.Since(start).Milliseconds()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			d.log.Printf("run %s timed out after %s", req.RequestId, timeout)
			result.Status = types.ExecStatusTimedOut
			return result, nil
		}

		d.log.Printf("run %s: sandbox unreachable: %v", req.RequestId, err)
		result.Status = types.ExecStatusUnavailable
		return result, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		d.log.Printf("run %s: sandbox returned status %d", req.RequestId, resp.StatusCode)
		result.Status = types.ExecStatusUnavailable
		return result, nil
	}

	var runResp runResponse
	if err := json.NewDecoder(resp.Body).Decode(&runResp); err != nil {
		d.log.Printf("run %s: decode sandbox response: %v", req.RequestId, err)
		result.Status = types.ExecStatusUnavailable
		return result, nil
	}

	result.Status = types.ExecStatusCompleted
	result.Stdout = runResp.Stdout
	result.Stderr = runResp.Stderr
	result.ExitCode = runResp.ExitCode

	return result, nil
}
