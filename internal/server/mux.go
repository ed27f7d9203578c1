// Package server provides HTTP server construction for the local control
// surface.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/coach-sync/internal/auth"
	"github.com/alexjbarnes/coach-sync/internal/engine"
)

// MuxConfig holds dependencies for building the HTTP mux. Metrics and
// Status are optional.
type MuxConfig struct {
	APIKeyHash string
	MCPHandler http.Handler
	Metrics    http.Handler
	Status     func() engine.Status
	Logger     *slog.Logger
}

// health is the /healthz body.
type health struct {
	Status        string `json:"status"`
	SignedIn      bool   `json:"signed_in"`
	FeedConnected bool   `json:"feed_connected"`
}

// NewMux builds the HTTP mux with health, metrics and MCP endpoints. The
// MCP endpoint is protected by the API key middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth(cfg.Status))

	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	authMiddleware := auth.Middleware(cfg.APIKeyHash, cfg.Logger)
	mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))

	return mux
}

func handleHealth(status func() engine.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		body := health{Status: "ok"}

		if status != nil {
			s := status()
			body.SignedIn = s.SignedIn
			body.FeedConnected = s.FeedConnected
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}
}
