package api

import (
	"net/http"

	"github.com/onnwee/auditledger/internal/auth"
	"github.com/onnwee/auditledger/internal/middleware"
)

// ServiceName is reported by the root endpoint.
const ServiceName = "auditledger"

// RouterConfig wires handlers into the route table.
type RouterConfig struct {
	Ledger *LedgerHandlers
	Health *HealthHandlers

	// Auth validates bearer tokens on every /v1 route.
	Auth        middleware.TokenValidator
	AuthMetrics *middleware.Metrics // Optional

	// Metrics serves /metrics when set.
	Metrics http.Handler

	Version string
}

// NewRouter builds the HTTP route table. Probe and metrics endpoints are
// unauthenticated; every /v1 route requires a scoped bearer token.
func NewRouter(cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()

	read := middleware.RequireAuth(cfg.Auth, auth.ScopeRead, cfg.AuthMetrics)
	write := middleware.RequireAuth(cfg.Auth, auth.ScopeWrite, cfg.AuthMetrics)
	admin := middleware.RequireAuth(cfg.Auth, auth.ScopeAdmin, cfg.AuthMetrics)

	h := cfg.Ledger
	mux.Handle("POST /v1/events", write(http.HandlerFunc(h.AppendEvent)))
	mux.Handle("GET /v1/events", read(http.HandlerFunc(h.QueryEvents)))
	mux.Handle("GET /v1/events/{id}", read(http.HandlerFunc(h.GetEvent)))
	mux.Handle("GET /v1/streams", read(http.HandlerFunc(h.ListStreams)))
	mux.Handle("GET /v1/streams/{id}/events", read(http.HandlerFunc(h.StreamEvents)))
	mux.Handle("GET /v1/streams/{id}/verify", read(http.HandlerFunc(h.VerifyStream)))
	mux.Handle("GET /v1/streams/{id}/export", read(http.HandlerFunc(h.ExportStream)))
	mux.Handle("GET /v1/streams/{id}/tail", read(http.HandlerFunc(h.TailStream)))
	mux.Handle("POST /v1/streams/{id}/archive", admin(http.HandlerFunc(h.ArchiveStream)))

	if cfg.Health != nil {
		mux.HandleFunc("/health", cfg.Health.Health)
		mux.HandleFunc("/ready", cfg.Health.Ready)
	}
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		// Only handle exact root path, everything else returns 404
		if r.URL.Path != "/" {
			WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
			return
		}
		writeJSON(w, r.Context(), http.StatusOK, map[string]string{
			"service": ServiceName,
			"version": version,
		})
	})

	return mux
}
