package monitoring

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/23skdu/corellm/internal/errs"
	"github.com/23skdu/corellm/internal/generation"
	"github.com/23skdu/corellm/internal/metrics"
	"github.com/23skdu/corellm/internal/runtime"
)

type fixedStatus runtime.Status

func (f fixedStatus) Status() runtime.Status { return runtime.Status(f) }

func completed(tokens int, d time.Duration) generation.Event {
	return generation.Event{
		Kind:   generation.CompletedEvent,
		Reason: generation.ReasonMaxTokens,
		Stats:  &generation.Stats{GeneratedTokens: tokens, DecodeDuration: d},
	}
}

func get(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func TestHealthEndpoints(t *testing.T) {
	hm := NewHealthMonitor(fixedStatus{Sessions: 2, Active: 1, Models: []runtime.ModelInfo{{Handle: "m1", Architecture: "llama"}}})
	h := hm.Handler()

	for _, path := range []string{"/health", "/healthz"} {
		rr := get(t, h, http.MethodGet, path)
		if rr.Code != http.StatusOK {
			t.Errorf("%s = %d", path, rr.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		if body["status"] != "healthy" {
			t.Errorf("%s status = %q", path, body["status"])
		}
	}

	rr := get(t, h, http.MethodGet, "/status")
	var st HealthStatus
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.Runtime.Sessions != 2 || st.Runtime.Active != 1 || len(st.Runtime.Models) != 1 {
		t.Errorf("runtime status = %+v", st.Runtime)
	}
	if st.Runtime.Models[0].Architecture != "llama" {
		t.Errorf("model info = %+v", st.Runtime.Models[0])
	}
	if st.System.NumCPU == 0 {
		t.Error("system info missing")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.RecordGeneration("completed", "maxTokens")
	rr := get(t, NewHealthMonitor(nil).Handler(), http.MethodGet, "/metrics")
	body, _ := io.ReadAll(rr.Body)
	if !strings.Contains(string(body), "corellm_generations_total") {
		t.Error("metrics output lacks corellm_generations_total")
	}
}

func TestObserveAndAlerts(t *testing.T) {
	hm := NewHealthMonitor(nil)
	hm.Observe(generation.Event{Kind: generation.TokenEmitted, Text: "x"})
	hm.Observe(completed(10, time.Second))
	hm.Observe(completed(30, time.Second))

	perf := hm.Status().Performance
	if perf.Generations != 2 || perf.TokensPerSecond != 20 {
		t.Errorf("performance = %+v", perf)
	}
	if len(hm.Alerts()) != 0 {
		t.Errorf("unexpected alerts %+v", hm.Alerts())
	}

	hm.Observe(completed(1, 10*time.Second))
	if a := hm.Alerts(); len(a) != 1 || a[0].Level != "warning" {
		t.Errorf("low throughput alerts = %+v", a)
	}
	if hm.Status().Status != "healthy" {
		t.Error("warning should not degrade health")
	}

	hm.Observe(generation.Event{
		Kind:    generation.FailedEvent,
		Err:     errs.Errorf(errs.ContextOverflow, "test", "full"),
		ErrKind: errs.ContextOverflow,
	})
	st := hm.Status()
	if st.Status != "degraded" {
		t.Errorf("status after failure = %s", st.Status)
	}
	if st.Performance.ErrorRate != 0.25 {
		t.Errorf("error rate = %v", st.Performance.ErrorRate)
	}
	if rr := get(t, hm.Handler(), http.MethodGet, "/health"); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("/health while degraded = %d", rr.Code)
	}

	hm.ResolveAlert(1)
	if hm.Status().Status != "healthy" {
		t.Error("resolved alert still degrades health")
	}

	h := hm.Handler()
	if rr := get(t, h, http.MethodGet, "/admin/clear-alerts"); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET clear-alerts = %d", rr.Code)
	}
	if rr := get(t, h, http.MethodPost, "/admin/clear-alerts"); rr.Code != http.StatusOK {
		t.Errorf("POST clear-alerts = %d", rr.Code)
	}
	var alerts []Alert
	if err := json.Unmarshal(get(t, h, http.MethodGet, "/admin/alerts").Body.Bytes(), &alerts); err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 0 {
		t.Errorf("alerts after clear = %+v", alerts)
	}
}

func TestStartStop(t *testing.T) {
	hm := NewHealthMonitor(nil)
	addr, err := hm.Start("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Get("http://" + addr.String() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp.StatusCode)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hm.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := http.Get("http://" + addr.String() + "/healthz"); err == nil {
		t.Error("server still answering after Stop")
	}
}
