// Package httpapi is the HTTP surface of the engine: the inbound mail
// webhook, the admin flow API, and the websocket event feed.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/patrick-hofmann/koompl/internal/config"
)

// Server owns the HTTP listener. Routes are registered by the handlers
// passed in; the server only contributes auth and the health endpoint.
type Server struct {
	cfg  *config.Config
	mux  *http.ServeMux
	http *http.Server
}

func NewServer(cfg *config.Config, inbound *InboundHandler, flows *FlowsHandler, hub *Hub) *Server {
	mux := http.NewServeMux()
	s := &Server{cfg: cfg, mux: mux}

	mux.HandleFunc("GET /health", s.handleHealth)
	if inbound != nil {
		inbound.RegisterRoutes(mux)
	}
	if flows != nil {
		flows.RegisterRoutes(mux, s.auth)
	}
	if hub != nil {
		hub.RegisterRoutes(mux)
	}

	srv := cfg.Snapshot().Server
	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", srv.Host, srv.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the route table, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe blocks until the listener fails or ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server.listening", "addr", s.http.Addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wraps admin handlers with a bearer-token check against the
// inbound token. An empty token leaves the admin API open (dev mode).
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.Snapshot().Server.InboundToken
		if token != "" {
			got := extractBearerToken(r)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	// Websocket clients in browsers cannot set headers; accept ?token=.
	return r.URL.Query().Get("token")
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("server.write_response_failed", "error", err)
	}
}
