package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/onnwee/auditledger/internal/audit"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

var (
	up   = pingFunc(func(context.Context) error { return nil })
	down = pingFunc(func(context.Context) error { return errors.New("connection refused") })
)

type fixedSweep struct {
	report   audit.SweepReport
	finished time.Time
	ok       bool
}

func (f fixedSweep) LastSweep() (audit.SweepReport, time.Time, bool) {
	return f.report, f.finished, f.ok
}

var probeTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func probe(t *testing.T, cfg HealthHandlersConfig, handler func(*HealthHandlers) http.HandlerFunc, method string) (*httptest.ResponseRecorder, HealthResponse) {
	t.Helper()
	h := NewHealthHandlers(cfg)
	h.now = func() time.Time { return probeTime }

	rec := httptest.NewRecorder()
	handler(h)(rec, httptest.NewRequest(method, "/", nil))

	var resp HealthResponse
	if rec.Code != http.StatusMethodNotAllowed {
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Timestamp != "2026-03-01T12:00:00Z" {
			t.Errorf("timestamp = %q", resp.Timestamp)
		}
	}
	return rec, resp
}

func health(h *HealthHandlers) http.HandlerFunc { return h.Health }
func ready(h *HealthHandlers) http.HandlerFunc  { return h.Ready }

func TestHealth(t *testing.T) {
	// Liveness ignores dependencies entirely.
	rec, resp := probe(t, HealthHandlersConfig{DBChecker: down}, health, http.MethodGet)
	if rec.Code != http.StatusOK || resp.Status != "healthy" || resp.Checks["runtime"] != checkOK {
		t.Errorf("Health() = %d %+v", rec.Code, resp)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestProbes_MethodNotAllowed(t *testing.T) {
	for name, handler := range map[string]func(*HealthHandlers) http.HandlerFunc{"health": health, "ready": ready} {
		rec, _ := probe(t, HealthHandlersConfig{}, handler, http.MethodPost)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: POST status = %d, want 405", name, rec.Code)
		}
	}
}

func TestReady(t *testing.T) {
	finished := probeTime.Add(-10 * time.Minute)

	tests := []struct {
		name       string
		cfg        HealthHandlersConfig
		wantCode   int
		wantChecks map[string]string
		wantChain  *ChainStatus
	}{
		{
			name:     "memory storage, nothing configured",
			cfg:      HealthHandlersConfig{},
			wantCode: http.StatusOK,
			wantChecks: map[string]string{
				"database": checkNotConfigured, "redis": checkNotConfigured,
				"metrics": checkDisabled, "chain": checkDisabled,
			},
		},
		{
			name:     "postgres and cache up, sweep pending",
			cfg:      HealthHandlersConfig{DBChecker: up, RedisChecker: up, MetricsEnabled: true, Sweeps: fixedSweep{}},
			wantCode: http.StatusOK,
			wantChecks: map[string]string{
				"database": checkOK, "redis": checkOK, "metrics": checkOK, "chain": checkPending,
			},
		},
		{
			name:       "database down",
			cfg:        HealthHandlersConfig{DBChecker: down, RedisChecker: up},
			wantCode:   http.StatusServiceUnavailable,
			wantChecks: map[string]string{"database": checkError, "redis": checkOK},
		},
		{
			name:       "cache down",
			cfg:        HealthHandlersConfig{DBChecker: up, RedisChecker: down},
			wantCode:   http.StatusServiceUnavailable,
			wantChecks: map[string]string{"database": checkOK, "redis": checkError},
		},
		{
			name: "clean sweep",
			cfg: HealthHandlersConfig{DBChecker: up, Sweeps: fixedSweep{
				report:   audit.SweepReport{StreamsChecked: 3, EventsChecked: 40},
				finished: finished, ok: true,
			}},
			wantCode:   http.StatusOK,
			wantChecks: map[string]string{"chain": checkOK},
			wantChain:  &ChainStatus{VerifiedAt: "2026-03-01T11:50:00Z", StreamsChecked: 3, EventsChecked: 40},
		},
		{
			name: "broken stream stays ready",
			cfg: HealthHandlersConfig{DBChecker: up, Sweeps: fixedSweep{
				report: audit.SweepReport{
					StreamsChecked: 3, EventsChecked: 40,
					Violations: []audit.VerificationResult{{StreamID: "s-2", BrokenAtSeq: 7, Reason: audit.ReasonEventHashMismatch}},
				},
				finished: finished, ok: true,
			}},
			wantCode:   http.StatusOK,
			wantChecks: map[string]string{"chain": checkViolations},
			wantChain: &ChainStatus{
				VerifiedAt: "2026-03-01T11:50:00Z", StreamsChecked: 3, EventsChecked: 40,
				BrokenStreams: []string{"s-2"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := probe(t, tt.cfg, ready, http.MethodGet)

			if rec.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", rec.Code, tt.wantCode)
			}
			wantStatus := "healthy"
			if tt.wantCode != http.StatusOK {
				wantStatus = "unhealthy"
			}
			if resp.Status != wantStatus {
				t.Errorf("status = %s, want %s", resp.Status, wantStatus)
			}
			for check, want := range tt.wantChecks {
				if got := resp.Checks[check]; got != want {
					t.Errorf("check %s = %q, want %q", check, got, want)
				}
			}
			if !reflect.DeepEqual(resp.Chain, tt.wantChain) {
				t.Errorf("chain = %+v, want %+v", resp.Chain, tt.wantChain)
			}
		})
	}
}

func TestReady_ChecksShareDeadline(t *testing.T) {
	var deadline time.Time
	slow := pingFunc(func(ctx context.Context) error {
		var ok bool
		deadline, ok = ctx.Deadline()
		if !ok {
			return errors.New("no deadline")
		}
		return nil
	})

	rec, _ := probe(t, HealthHandlersConfig{DBChecker: slow}, ready, http.MethodGet)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if d := time.Until(deadline); d <= 0 || d > readyTimeout {
		t.Errorf("deadline in %v, want within %v", d, readyTimeout)
	}
}
