// Package server implements aof's HTTP surface: a health check, the
// WebSocket upgrade endpoint that hands connections to the session hub
// (C6/C7), and the read-only RSS pull bridge.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/cpsdqs/aof/internal/config"
	"github.com/cpsdqs/aof/internal/fetcher"
	"github.com/cpsdqs/aof/internal/session"
	"github.com/cpsdqs/aof/internal/store"
)

// Server is aof's HTTP server: chi routing, WebSocket upgrade, RSS pull.
type Server struct {
	cfg   *config.Config
	store *store.Store
	hub   *session.Hub
	fetch *fetcher.Orchestrator

	router    chi.Router
	startedAt time.Time

	rssLimMu sync.Mutex
	rssLim   map[string]*rate.Limiter
}

// New builds a Server. hub must already be installed as the store's
// Dispatcher (store.SetDispatcher(hub)) by the caller.
func New(cfg *config.Config, st *store.Store, fetch *fetcher.Orchestrator, hub *session.Hub, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{cfg: cfg, store: st, hub: hub, fetch: fetch, startedAt: time.Now(), rssLim: make(map[string]*rate.Limiter)}
	wsHandler := &session.Router{Store: st, Fetch: fetch, Log: log}
	s.router = s.buildRouter(wsHandler, log)
	return s
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	srv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting HTTP server", "addr", s.cfg.ListenAddr)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
	}
}

func (s *Server) buildRouter(h session.Handler, log *slog.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/api/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
	})

	r.With(s.requireUser).Get("/ws", s.handleWebSocket(h, log))

	r.Get("/rss/{key}/source/{domain}/*", s.handleRSS)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "aof - a multi-user content aggregator with a sandboxed user-scripted fetcher.\nRunning since %s\n", s.startedAt.Format(time.RFC3339))
	})

	return r
}

func jsonResponse(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// loggingMiddleware logs each HTTP request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

// corsMiddleware adds permissive CORS headers so a browser-hosted client
// can reach the WebSocket/RSS endpoints from any origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
