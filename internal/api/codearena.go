package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-codearena/internal/config"
	"github.com/npezzotti/go-codearena/internal/database"
	"github.com/npezzotti/go-codearena/internal/server"
)

type CodeArenaApp struct {
	log            *log.Logger
	as             *server.ArenaServer
	selector       server.ChallengeSelector
	store          database.ContentStore
	srv            *http.Server
	signingKey     []byte
	credentials    map[string]string
	allowedOrigins []string
}

func NewCodeArenaApp(mux *http.ServeMux, logger *log.Logger, as *server.ArenaServer, selector server.ChallengeSelector, store database.ContentStore, cfg *config.Config) *CodeArenaApp {
	s := &CodeArenaApp{
		log:            logger,
		as:             as,
		selector:       selector,
		store:          store,
		signingKey:     cfg.SigningKey,
		credentials:    cfg.Credentials,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.Handle("GET /api/auth/session", s.authMiddleware(s.session))
	mux.Handle("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.Handle("GET /api/challenges", s.authMiddleware(s.getChallenge))
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.srv = srv
	return s
}

func (s *CodeArenaApp) Start() error {
	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *CodeArenaApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
