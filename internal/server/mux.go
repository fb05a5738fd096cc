// Package server provides HTTP server construction for chatsync.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/chatsync/internal/auth"
)

const (
	// ReadTimeout bounds reading a request including its body.
	ReadTimeout = 30 * time.Second

	// WriteTimeout bounds a response. Restores behind the MCP tools can
	// take a while on large buckets.
	WriteTimeout = 5 * time.Minute

	// IdleTimeout closes idle keep-alive connections.
	IdleTimeout = 120 * time.Second
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Keys       *auth.KeyStore
	MCPHandler http.Handler
	Logger     *slog.Logger
}

// NewMux builds the HTTP mux. The MCP endpoint is protected by Bearer
// API key middleware; the health endpoint is open.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok\n"))
	})

	authMiddleware := auth.Middleware(cfg.Keys, cfg.Logger)
	mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))

	return mux
}

// New wraps the mux in an http.Server with the standard timeouts.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  ReadTimeout,
		WriteTimeout: WriteTimeout,
		IdleTimeout:  IdleTimeout,
	}
}
