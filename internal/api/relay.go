package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"slices"

	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/studygroup-relay/internal/auth"
	"github.com/npezzotti/studygroup-relay/internal/config"
	"github.com/npezzotti/studygroup-relay/internal/database"
	"github.com/npezzotti/studygroup-relay/internal/server"
)

type RelayApp struct {
	log            *log.Logger
	members        database.MembershipRepository
	srv            *http.Server
	cs             *server.ChatServer
	authn          *auth.Authenticator
	allowedOrigins []string
	upgrader       websocket.Upgrader
}

func NewRelayApp(mux *http.ServeMux, logger *log.Logger, cs *server.ChatServer, members database.MembershipRepository,
	authn *auth.Authenticator, cfg *config.Config) *RelayApp {
	s := &RelayApp{
		log:            logger,
		members:        members,
		cs:             cs,
		authn:          authn,
		allowedOrigins: cfg.AllowedOrigins,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))
	mux.HandleFunc("GET /healthz", s.healthz)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)
	h = handlers.CombinedLoggingHandler(logger.Writer(), h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *RelayApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *RelayApp) Start() error {
	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *RelayApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}

// checkOrigin accepts handshakes without an Origin header (non-browser
// clients) and those from an allowed origin.
func (s *RelayApp) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	return slices.Contains(s.allowedOrigins, "*") || slices.Contains(s.allowedOrigins, origin)
}
