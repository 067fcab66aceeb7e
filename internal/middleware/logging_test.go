package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

// logLine is the subset of a request log line the tests look at.
type logLine struct {
	Level     string  `json:"level"`
	Msg       string  `json:"msg"`
	Method    string  `json:"method"`
	Path      string  `json:"path"`
	Status    int     `json:"status"`
	LatencyMS *int64  `json:"latency_ms"`
	Size      int     `json:"size"`
	RequestID string  `json:"request_id"`
	TraceID   string  `json:"trace_id"`
	ActorID   string  `json:"actor_id"`
	ActorType string  `json:"actor_type"`
	Service   string  `json:"service"`
	ErrorCode *string `json:"error_code"`
}

// logOnce serves req through Logging and decodes the single line it writes.
func logOnce(t *testing.T, h http.Handler, req *http.Request) logLine {
	t.Helper()
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	Logging(logger)(h).ServeHTTP(httptest.NewRecorder(), req)

	var line logLine
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log output is not one JSON line: %v\n%s", err, buf.String())
	}
	if line.Msg != "request completed" {
		t.Errorf("msg = %q", line.Msg)
	}
	if line.LatencyMS == nil || *line.LatencyMS < 0 {
		t.Errorf("latency_ms = %v, want >= 0", line.LatencyMS)
	}
	return line
}

// respond reports actor and code the way the auth middleware and error
// writers do, then writes status and body.
func respond(actor *Actor, code string, status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if actor != nil {
			ctx = SetActor(ctx, *actor)
		}
		if code != "" {
			ctx = SetErrorCode(ctx, code)
		}
		UpdateResponseContext(w, ctx)
		if status != 0 {
			w.WriteHeader(status)
		}
		_, _ = w.Write([]byte(body))
	}
}

func TestLogging_LedgerRequests(t *testing.T) {
	billing := &Actor{ID: "billing", Type: "SERVICE", Service: "billing"}
	auditor := &Actor{ID: "auditor-1", Type: "USER", Service: "console"}

	tests := []struct {
		name      string
		method    string
		path      string
		handler   http.HandlerFunc
		wantLevel string
		wantCode  string
		wantSize  int
		wantActor *Actor
	}{
		{
			name: "append created", method: http.MethodPost, path: "/v1/events",
			handler:   respond(billing, "", http.StatusCreated, `{"outcome":"created"}`),
			wantLevel: "INFO", wantSize: 21, wantActor: billing,
		},
		{
			name: "code on success is dropped", method: http.MethodPost, path: "/v1/events",
			handler:   respond(billing, "duplicate", http.StatusOK, `{}`),
			wantLevel: "INFO", wantSize: 2, wantActor: billing,
		},
		{
			name: "implicit 200", method: http.MethodGet, path: "/v1/streams",
			handler:   respond(nil, "", 0, "[]"),
			wantLevel: "INFO", wantSize: 2,
		},
		{
			name: "validation failure", method: http.MethodPost, path: "/v1/events",
			handler:   respond(billing, "validation_error", http.StatusBadRequest, `{"error":{}}`),
			wantLevel: "WARN", wantCode: "validation_error", wantSize: 12, wantActor: billing,
		},
		{
			name: "archive forbidden", method: http.MethodPost, path: "/v1/streams/s-1/archive",
			handler:   respond(auditor, "forbidden", http.StatusForbidden, ""),
			wantLevel: "WARN", wantCode: "forbidden", wantActor: auditor,
		},
		{
			name: "unknown stream", method: http.MethodGet, path: "/v1/streams/missing/verify",
			handler:   respond(auditor, "not_found", http.StatusNotFound, ""),
			wantLevel: "WARN", wantCode: "not_found", wantActor: auditor,
		},
		{
			name: "store failure", method: http.MethodGet, path: "/v1/streams/s-1/export",
			handler:   respond(auditor, "internal_error", http.StatusInternalServerError, ""),
			wantLevel: "ERROR", wantCode: "internal_error", wantActor: auditor,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := logOnce(t, tt.handler, httptest.NewRequest(tt.method, tt.path, nil))

			if line.Method != tt.method || line.Path != tt.path {
				t.Errorf("logged %s %s, want %s %s", line.Method, line.Path, tt.method, tt.path)
			}
			if line.Level != tt.wantLevel {
				t.Errorf("level = %s, want %s", line.Level, tt.wantLevel)
			}
			if line.Size != tt.wantSize {
				t.Errorf("size = %d, want %d", line.Size, tt.wantSize)
			}
			switch {
			case tt.wantCode == "" && line.ErrorCode != nil:
				t.Errorf("error_code = %q, want absent", *line.ErrorCode)
			case tt.wantCode != "" && (line.ErrorCode == nil || *line.ErrorCode != tt.wantCode):
				t.Errorf("error_code = %v, want %q", line.ErrorCode, tt.wantCode)
			}
			if tt.wantActor == nil {
				if line.ActorID != "" {
					t.Errorf("actor_id = %q, want absent", line.ActorID)
				}
				return
			}
			if line.ActorID != tt.wantActor.ID || line.ActorType != tt.wantActor.Type || line.Service != tt.wantActor.Service {
				t.Errorf("actor = %s/%s/%s, want %+v", line.ActorID, line.ActorType, line.Service, *tt.wantActor)
			}
		})
	}
}

func TestLogging_RequestAndTraceIDs(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/streams/s-1/verify", nil)
	req = req.WithContext(trace.ContextWithSpanContext(req.Context(), sc))
	req.Header.Set(RequestIDHeader, "verify-run-12")

	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(buf, nil))
	RequestID(Logging(logger)(respond(nil, "", http.StatusOK, "{}"))).ServeHTTP(httptest.NewRecorder(), req)

	var line logLine
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if line.RequestID != "verify-run-12" {
		t.Errorf("request_id = %q", line.RequestID)
	}
	if line.TraceID != traceID.String() {
		t.Errorf("trace_id = %q, want %s", line.TraceID, traceID)
	}
}

func TestLogging_NoTraceWithoutSpan(t *testing.T) {
	line := logOnce(t, respond(nil, "", http.StatusOK, ""), httptest.NewRequest(http.MethodGet, "/v1/streams", nil))
	if line.TraceID != "" {
		t.Errorf("trace_id = %q, want absent", line.TraceID)
	}
}

func TestLogging_LastReportedContextWins(t *testing.T) {
	// The auth layer reports the actor, the handler below it only sees a
	// derived request and reports the error code on top.
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		UpdateResponseContext(w, SetErrorCode(r.Context(), "not_found"))
		w.WriteHeader(http.StatusNotFound)
	})
	outer := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := SetActor(r.Context(), Actor{ID: "ingest", Type: "SERVICE", Service: "ingest"})
		UpdateResponseContext(w, ctx)
		inner.ServeHTTP(w, r.WithContext(ctx))
	})

	line := logOnce(t, outer, httptest.NewRequest(http.MethodGet, "/v1/streams/missing/events", nil))
	if line.ErrorCode == nil || *line.ErrorCode != "not_found" {
		t.Errorf("error_code = %v, want not_found", line.ErrorCode)
	}
	if line.ActorID != "ingest" {
		t.Errorf("actor_id = %q, want ingest", line.ActorID)
	}
}

func TestUpdateResponseContext_UnwrappedWriter(t *testing.T) {
	UpdateResponseContext(httptest.NewRecorder(), context.Background())
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	if _, ok := GetActor(ctx); ok {
		t.Error("GetActor() found an actor in an empty context")
	}
	if code := GetErrorCode(ctx); code != "" {
		t.Errorf("GetErrorCode() = %q on an empty context", code)
	}

	want := Actor{ID: "svc-a", Type: "SERVICE", Service: "svc-a"}
	ctx = SetErrorCode(SetActor(ctx, want), "conflict")
	if got, ok := GetActor(ctx); !ok || got != want {
		t.Errorf("GetActor() = %+v, %v", got, ok)
	}
	if code := GetErrorCode(ctx); code != "conflict" {
		t.Errorf("GetErrorCode() = %q, want conflict", code)
	}
}

func TestResponseWriter_Records(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := newResponseWriter(rec)

	rw.WriteHeader(http.StatusAccepted)
	rw.WriteHeader(http.StatusTeapot)
	n, err := rw.Write([]byte("queued"))
	if err != nil || n != 6 {
		t.Fatalf("Write() = %d, %v", n, err)
	}
	if rw.statusCode != http.StatusAccepted || rec.Code != http.StatusAccepted {
		t.Errorf("status = %d (recorder %d), want 202", rw.statusCode, rec.Code)
	}
	if rw.size != 6 {
		t.Errorf("size = %d, want 6", rw.size)
	}
}

func TestNewLogger(t *testing.T) {
	for _, env := range []string{"production", "development", "test"} {
		if NewLogger(env) == nil {
			t.Errorf("NewLogger(%q) returned nil", env)
		}
	}
}
