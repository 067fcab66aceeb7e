package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/auditledger/internal/audit"
)

// readyTimeout bounds all dependency checks of one readiness probe.
const readyTimeout = 5 * time.Second

// Check states reported by /ready.
const (
	checkOK            = "ok"
	checkError         = "error"
	checkNotConfigured = "not_configured"
	checkDisabled      = "disabled"
	checkPending       = "pending"
	checkViolations    = "violations"
)

// HealthChecker is a dependency that can be pinged.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// SweepStatus reports the last completed chain verification sweep.
// *audit.VerificationJob implements it.
type SweepStatus interface {
	LastSweep() (audit.SweepReport, time.Time, bool)
}

// HealthHandlersConfig configures the health endpoints. Nil checkers are
// reported as not configured.
type HealthHandlersConfig struct {
	DBChecker      HealthChecker // postgres pool; nil with sqlite or memory storage
	RedisChecker   HealthChecker // stream id cache
	Sweeps         SweepStatus   // nil when periodic verification is off
	MetricsEnabled bool
}

// HealthHandlers serves the liveness and readiness probes.
type HealthHandlers struct {
	cfg HealthHandlersConfig
	now func() time.Time
}

// NewHealthHandlers creates the probe handlers.
func NewHealthHandlers(cfg HealthHandlersConfig) *HealthHandlers {
	return &HealthHandlers{cfg: cfg, now: time.Now}
}

// HealthResponse is the body of both probes.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Chain     *ChainStatus      `json:"chain,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// ChainStatus summarizes the last verification sweep.
type ChainStatus struct {
	VerifiedAt     string   `json:"verified_at"`
	StreamsChecked int      `json:"streams_checked"`
	EventsChecked  int      `json:"events_checked"`
	BrokenStreams  []string `json:"broken_streams,omitempty"`
}

// Health handles GET /health. A process that can answer is alive.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, r.Context(), http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}
	h.write(w, r.Context(), http.StatusOK, HealthResponse{
		Status: "healthy",
		Checks: map[string]string{"runtime": checkOK},
	})
}

// Ready handles GET /ready. It answers 503 when a configured storage or cache
// dependency fails its ping. The chain check is informational: a broken stream
// is an incident to investigate, not a reason to pull the instance from
// rotation, so it never fails the probe.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, r.Context(), http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	resp := HealthResponse{Status: "healthy", Checks: map[string]string{}}
	for name, checker := range map[string]HealthChecker{
		"database": h.cfg.DBChecker,
		"redis":    h.cfg.RedisChecker,
	} {
		state := ping(ctx, name, checker)
		resp.Checks[name] = state
		if state == checkError {
			resp.Status = "unhealthy"
		}
	}

	resp.Checks["metrics"] = checkDisabled
	if h.cfg.MetricsEnabled {
		resp.Checks["metrics"] = checkOK
	}

	resp.Checks["chain"], resp.Chain = h.chain()

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	h.write(w, ctx, status, resp)
}

func ping(ctx context.Context, name string, checker HealthChecker) string {
	if checker == nil {
		return checkNotConfigured
	}
	if err := checker.HealthCheck(ctx); err != nil {
		slog.WarnContext(ctx, "readiness check failed", "check", name, "error", err)
		return checkError
	}
	return checkOK
}

func (h *HealthHandlers) chain() (string, *ChainStatus) {
	if h.cfg.Sweeps == nil {
		return checkDisabled, nil
	}
	report, finished, ok := h.cfg.Sweeps.LastSweep()
	if !ok {
		return checkPending, nil
	}
	cs := &ChainStatus{
		VerifiedAt:     finished.UTC().Format(time.RFC3339),
		StreamsChecked: report.StreamsChecked,
		EventsChecked:  report.EventsChecked,
	}
	for _, v := range report.Violations {
		cs.BrokenStreams = append(cs.BrokenStreams, v.StreamID)
	}
	if len(cs.BrokenStreams) > 0 {
		return checkViolations, cs
	}
	return checkOK, cs
}

func (h *HealthHandlers) write(w http.ResponseWriter, ctx context.Context, status int, resp HealthResponse) {
	resp.Timestamp = h.now().UTC().Format(time.RFC3339)
	writeJSON(w, ctx, status, resp)
}
