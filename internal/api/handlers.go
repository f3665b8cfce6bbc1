package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-codearena/internal/challenge"
	"github.com/npezzotti/go-codearena/internal/server"
)

func (s *CodeArenaApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

// getChallenge previews a random challenge of the requested type
// without creating a room.
func (s *CodeArenaApp) getChallenge(w http.ResponseWriter, r *http.Request) {
	challengeType := r.URL.Query().Get("type")
	if challengeType == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	chal, err := s.selector.PickRandom(r.Context(), challengeType)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, challenge.ErrNotFound) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewServiceUnavailableError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, chal)
}

func (s *CodeArenaApp) healthz(w http.ResponseWriter, _ *http.Request) {
	if err := s.store.Ping(); err != nil {
		errResp := NewServiceUnavailableError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *CodeArenaApp) serveWs(w http.ResponseWriter, r *http.Request) {
	p, ok := SessionParticipant(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(p, conn, s.as, s.log)

	s.as.RegisterClient(client)
	go client.Write()
	go client.Read()
}
