package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workspace/cli-supervisor/internal/config"
	"github.com/workspace/cli-supervisor/internal/supervisor"
)

type stubRegistry struct{}

func (stubRegistry) IsAvailable(string) bool { return true }
func (stubRegistry) ResolveRunCommand(cliType string, port int) (supervisor.RunCommand, bool) {
	return supervisor.RunCommand{Command: "sleep", Args: []string{"60"}}, true
}
func (stubRegistry) HealthEndpointPath(string) string { return "/health" }
func (stubRegistry) DefaultCLIType() string           { return "stub-cli" }

func newTestServer(t *testing.T) (*Server, *supervisor.Supervisor) {
	t.Helper()
	sup, err := supervisor.New(supervisor.Options{
		Registry:       stubRegistry{},
		PortBase:       44000,
		DefaultWorkDir: t.TempDir(),
		HealthCheck: supervisor.HealthCheckConfig{
			Enabled: false, Interval: time.Hour, Timeout: time.Second, MaxFailures: 3,
		},
		Recovery: supervisor.RecoveryConfig{
			Enabled: false, MaxRestartAttempts: 3, RestartDelay: time.Millisecond,
			BackoffMultiplier: 1, MaxBackoff: time.Millisecond,
		},
	})
	if err != nil {
		t.Fatalf("supervisor.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})

	cfg := &config.Config{
		Host:             "127.0.0.1",
		Port:             0,
		HTTPReadTimeout:  5 * time.Second,
		HTTPWriteTimeout: 5 * time.Second,
		HTTPIdleTimeout:  5 * time.Second,
	}
	metrics := supervisor.NewPrometheusMetricsCollector("")
	return New(cfg, sup, metrics.Registry()), sup
}

func doRequest(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthzEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestListSessionsEndpoint(t *testing.T) {
	s, sup := newTestServer(t)

	if _, err := sup.CreateSession(supervisor.CreateConfig{ID: "a", Tags: []string{"web"}}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := sup.CreateSession(supervisor.CreateConfig{ID: "b"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	rec := doRequest(t, s, http.MethodGet, "/api/sessions")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var sessions []supervisor.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(sessions))
	}

	rec = doRequest(t, s, http.MethodGet, "/api/sessions?tag=web")
	if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
		t.Fatalf("decode filtered: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "a" {
		t.Fatalf("filtered sessions = %v", sessions)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/sessions?status=idle")
	if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
		t.Fatalf("decode by status: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("by status = %d, want 2", len(sessions))
	}
}

func TestGetSessionEndpoint(t *testing.T) {
	s, sup := newTestServer(t)

	if _, err := sup.CreateSession(supervisor.CreateConfig{ID: "one"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	rec := doRequest(t, s, http.MethodGet, "/api/sessions/one")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var sess supervisor.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sess.ID != "one" {
		t.Fatalf("id = %q", sess.ID)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/sessions/missing")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "error") {
		t.Fatalf("body = %q, want error payload", rec.Body.String())
	}
}

func TestSessionLogsEndpoint(t *testing.T) {
	s, sup := newTestServer(t)

	if _, err := sup.CreateSession(supervisor.CreateConfig{ID: "logged"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	rec := doRequest(t, s, http.MethodGet, "/api/sessions/logged/logs")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var entries []supervisor.LogEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected creation log entry")
	}

	rec = doRequest(t, s, http.MethodGet, "/api/sessions/logged/logs?limit=1")
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode limited: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("limited = %d entries, want 1", len(entries))
	}

	rec = doRequest(t, s, http.MethodGet, "/api/sessions/logged/logs?limit=banana")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/sessions/missing/logs")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	s, sup := newTestServer(t)

	if _, err := sup.CreateSession(supervisor.CreateConfig{ID: "s1"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	rec := doRequest(t, s, http.MethodGet, "/api/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var stats supervisor.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Total != 1 {
		t.Fatalf("total = %d", stats.Total)
	}
}

func TestHostInfoEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/host")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"cpu", "memory", "disk", "uptime", "process"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("missing %q in host info", key)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestEventsWebSocketStream(t *testing.T) {
	s, sup := newTestServer(t)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	defer resp.Body.Close()

	// Give the handler a moment to register its bus subscription.
	time.Sleep(200 * time.Millisecond)

	if _, err := sup.CreateSession(supervisor.CreateConfig{ID: "streamed"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var event supervisor.Event
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if event.Kind != supervisor.EventSessionCreated {
		t.Fatalf("kind = %s", event.Kind)
	}
	if event.Session == nil || event.Session.ID != "streamed" {
		t.Fatalf("event session = %+v", event.Session)
	}
}
