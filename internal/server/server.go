// Package server provides the HTTP and WebSocket surface of the relay.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ccluster/ccluster/internal/auth"
	"github.com/ccluster/ccluster/internal/config"
	"github.com/ccluster/ccluster/internal/registry"
	"github.com/ccluster/ccluster/internal/store"
	"github.com/ccluster/ccluster/internal/wire"
)

// Server is the relay's HTTP server.
type Server struct {
	config     *config.Config
	store      *store.Store
	registry   *registry.Registry
	tokens     *auth.TokenIssuer
	resolver   *auth.Resolver
	httpServer *http.Server
}

// New creates a new server instance.
func New(cfg *config.Config, st *store.Store) (*Server, error) {
	tokens := auth.NewTokenIssuer(cfg.JWTSecret, cfg.JWTTTL)

	s := &Server{
		config:   cfg,
		store:    st,
		registry: registry.New(cfg.HeartbeatTimeout, cfg.SweepInterval),
		tokens:   tokens,
		resolver: auth.NewResolver(tokens, st, cfg.LegacyAPIKeys),
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	// WriteTimeout is intentionally zero because WebSocket connections are
	// long-lived. Go's http.Server.WriteTimeout sets a deadline on the
	// underlying net.Conn BEFORE the handler runs, which kills hijacked
	// WebSocket connections after the timeout period.
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     corsMiddleware(securityHeaders(mux), cfg.AllowedOrigins),
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}

	return s, nil
}

// Handler exposes the configured handler chain for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Registry exposes the connection registry for tests.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	slog.Info("Starting relay server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server: connections are closed, then the HTTP
// listener drains.
func (s *Server) Stop(ctx context.Context) error {
	s.registry.Destroy()

	if err := s.store.Close(); err != nil {
		slog.Warn("Failed to close store", "error", err)
	}

	return s.httpServer.Shutdown(ctx)
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("GET /api/auth/me", s.requireAuth(s.handleMe))

	mux.HandleFunc("GET /api/chats", s.requireAuth(s.handleListChats))
	mux.HandleFunc("POST /api/chats", s.requireAuth(s.handleCreateChat))
	mux.HandleFunc("GET /api/chats/{chatId}", s.requireAuth(s.handleGetChat))
	mux.HandleFunc("PATCH /api/chats/{chatId}", s.requireAuth(s.handleUpdateChat))
	mux.HandleFunc("DELETE /api/chats/{chatId}", s.requireAuth(s.handleDeleteChat))
	mux.HandleFunc("GET /api/chats/{chatId}/messages", s.requireAuth(s.handleListMessages))
	mux.HandleFunc("GET /api/chats/{chatId}/producer-status", s.requireAuth(s.handleProducerStatus))

	mux.HandleFunc("POST /api/keys", s.requireAuth(s.handleCreateAPIKey))
	mux.HandleFunc("GET /api/keys", s.requireAuth(s.handleListAPIKeys))
	mux.HandleFunc("DELETE /api/keys/{keyId}", s.requireAuth(s.handleRevokeAPIKey))

	mux.HandleFunc("GET /api/chats/{chatId}/ws", s.handleChatWS)
}

// handleHealth handles the health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
	})
}

type identityKey struct{}

// requireAuth resolves the request credential and stashes the identity in
// the request context.
func (s *Server) requireAuth(next func(http.ResponseWriter, *http.Request, *auth.Identity)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.resolver.Resolve(tokenFromRequest(r))
		if err != nil {
			code := wire.CodeInvalidToken
			if err == auth.ErrMissingToken {
				code = wire.CodeMissingToken
			}
			writeErrorCode(w, http.StatusUnauthorized, code, "authentication required")
			return
		}
		ctx := context.WithValue(r.Context(), identityKey{}, identity)
		next(w, r.WithContext(ctx), identity)
	}
}

// tokenFromRequest pulls the credential from the Authorization header or,
// for WebSocket clients that cannot set headers, the token query parameter.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := false

		for _, o := range allowedOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
			// Support wildcard subdomain patterns like "https://*.example.com"
			if strings.Contains(o, "*.") {
				wildcardIdx := strings.Index(o, "*.")
				prefix := o[:wildcardIdx]
				suffix := o[wildcardIdx+1:] // includes the dot
				if strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) {
					allowed = true
					break
				}
			}
		}

		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// securityHeaders sets baseline response headers on every request.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response without a machine-readable code.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeErrorCode writes an error response with a machine-readable code.
func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}
