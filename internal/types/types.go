package types

import (
	"time"
)

type Participant struct {
	Id          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	JoinedAt    time.Time `json:"joined_at,omitempty"`
}

// Challenge is the subset of a content-store challenge record the
// engine keeps locally. Immutable once fetched.
type Challenge struct {
	Id         string `json:"id"`
	Title      string `json:"title"`
	Difficulty string `json:"difficulty"`
	Xp         int    `json:"xp"`
	// TimeLimitSec bounds a single sandbox run for this challenge.
	// Zero means the dispatcher default applies.
	TimeLimitSec int    `json:"time_limit_sec"`
	Mode         string `json:"mode"`
}

// CodeState is the authoritative shared buffer of a room. Revision
// increases by exactly one per accepted edit and never repeats.
type CodeState struct {
	Content      string `json:"content"`
	Revision     int    `json:"revision"`
	LastEditorId string `json:"last_editor_id,omitempty"`
}

type Room struct {
	ChallengeId  string        `json:"challenge_id"`
	RoomId       string        `json:"room_id"`
	Status       string        `json:"status"`
	Challenge    Challenge     `json:"challenge"`
	CodeState    CodeState     `json:"code_state"`
	Participants []Participant `json:"participants"`
}

// ExecutionResult is the normalized outcome of one sandbox run.
// A non-zero ExitCode is a normal completion, not a failure.
type ExecutionResult struct {
	RequestId  string `json:"request_id"`
	Status     string `json:"status"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
}

const (
	ExecStatusCompleted   = "completed"
	ExecStatusTimedOut    = "timed_out"
	ExecStatusUnavailable = "sandbox_unavailable"
)
