package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/go-codearena/internal/types"
	"github.com/teris-io/shortid"
	"golang.org/x/crypto/bcrypt"
)

// The engine never validates credentials itself: it only unpacks an
// already-issued session token into a participant identity. The login
// endpoint below exists so the service runs standalone; a deployment
// behind the real session provider only needs the cookie format.

var (
	defaultExp     = time.Hour * 24
	tokenCookieKey = "token"
)

const (
	participantIdClaim = "participant-id"
	displayNameClaim   = "display-name"
	expClaim           = "exp"
)

type contextKey string

const participantKey contextKey = "participant"

func SessionParticipant(ctx context.Context) (types.Participant, bool) {
	p, ok := ctx.Value(participantKey).(types.Participant)
	return p, ok
}

func WithParticipant(ctx context.Context, p types.Participant) context.Context {
	return context.WithValue(ctx, participantKey, p)
}

type LoginRequest struct {
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
}

func (s *CodeArenaApp) extractParticipantFromToken(r *http.Request) (types.Participant, error) {
	tokenCookie, err := r.Cookie(tokenCookieKey)
	if err != nil {
		return types.Participant{}, fmt.Errorf("get cookie: %w", err)
	}

	token, err := s.verifyToken(tokenCookie.Value)
	if err != nil {
		return types.Participant{}, fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return types.Participant{}, fmt.Errorf("invalid token claims")
	}

	id, ok := claims[participantIdClaim].(string)
	if !ok || id == "" {
		return types.Participant{}, fmt.Errorf("invalid participant id claim")
	}

	name, _ := claims[displayNameClaim].(string)

	return types.Participant{Id: id, DisplayName: name}, nil
}

func (s *CodeArenaApp) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.extractParticipantFromToken(r)
		if err != nil {
			s.log.Println("failed to extract participant from token:", err)
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		ctx := WithParticipant(r.Context(), p)
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")

		next(w, r.WithContext(ctx))
	}
}

func (s *CodeArenaApp) login(w http.ResponseWriter, r *http.Request) {
	var lr LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&lr); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if lr.DisplayName == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	passwdHash, ok := s.credentials[lr.DisplayName]
	if !ok || !verifyPassword(passwdHash, lr.Password) {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	id, err := shortid.Generate()
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	p := types.Participant{Id: id, DisplayName: lr.DisplayName}

	token, err := s.createSessionToken(p, defaultExp)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	http.SetCookie(w, createSessionCookie(token, defaultExp))

	s.writeJson(w, http.StatusOK, p)
}

func (s *CodeArenaApp) session(w http.ResponseWriter, r *http.Request) {
	p, ok := SessionParticipant(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, p)
}

func (s *CodeArenaApp) logout(w http.ResponseWriter, _ *http.Request) {
	// instruct browser to delete cookie by overwriting it with an expired token
	http.SetCookie(w, createSessionCookie("", time.Duration(time.Unix(0, 0).Unix())))
	w.WriteHeader(http.StatusNoContent)
}

func verifyPassword(passwdHash, passwd string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(passwdHash), []byte(passwd))
	return err == nil
}

func createSessionCookie(tokenString string, exp time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     tokenCookieKey,
		Value:    tokenString,
		Path:     "/",
		Expires:  time.Now().Add(exp),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}

func (s *CodeArenaApp) createSessionToken(p types.Participant, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		participantIdClaim: p.Id,
		displayNameClaim:   p.DisplayName,
		expClaim:           time.Now().Add(exp).Unix(),
	})

	return token.SignedString(s.signingKey)
}

func (s *CodeArenaApp) verifyToken(tokenString string) (*jwt.Token, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return s.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return token, nil
}
