// Package server exposes the chat engine over HTTP: session CRUD plus a
// blocking and a streaming (SSE) chat endpoint.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Server is the kgrag HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *zap.Logger
}

// Deps holds everything the server needs.
type Deps struct {
	Chat     *ChatService
	Sessions *SessionStore
	Logger   *zap.Logger

	Host string
	Port int
}

// New creates a server with all routes configured.
func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	h := &handlers{chat: d.Chat, sessions: d.Sessions, logger: d.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("POST /api/sessions", h.handleCreateSession)
	mux.HandleFunc("GET /api/sessions", h.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{session_id}", h.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{session_id}", h.handleDeleteSession)
	mux.HandleFunc("GET /api/sessions/{session_id}/messages", h.handleListMessages)
	mux.HandleFunc("POST /api/sessions/{session_id}/messages", h.handleChatTurn)
	mux.HandleFunc("POST /api/chat/stream", h.handleChatStream)

	var handler http.Handler = mux
	handler = recoveryMiddleware(d.Logger, handler)
	handler = loggingMiddleware(d.Logger, handler)

	return &Server{
		httpServer: &http.Server{
			Addr:        fmt.Sprintf("%s:%d", d.Host, d.Port),
			Handler:     handler,
			ReadTimeout: 30 * time.Second,
			// No WriteTimeout: chat runs stream for minutes. The SSE
			// handler relies on the client context for teardown.
		},
		handler: handler,
		logger:  d.Logger,
	}
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("http server starting", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func loggingMiddleware(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

func recoveryMiddleware(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic in handler",
					zap.String("path", r.URL.Path), zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
