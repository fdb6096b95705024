package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncSessionStarted("primary")
	IncSessionEnded("confirmed")
	IncIgnoredStart()
	RecordStateTransition("idle", "active")
	SetCurrentState("active", "idle", "active", "closing")
	IncAttempt(true)
	IncAttempt(false)
	IncStrategyResult("structural", "ok")
	ObserveAttemptDuration(0.002)
	RecordConfirmation("quick_confirm", 2, 500)
	IncSave("saved")
	SetStorageBytes(1024)
	IncSinkError("sqlite")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"creditwatch_session_started_total":            false,
		"creditwatch_session_ended_total":              false,
		"creditwatch_session_ignored_starts_total":     false,
		"creditwatch_session_state_transitions_total":  false,
		"creditwatch_session_current_state":            false,
		"creditwatch_extract_attempts_total":           false,
		"creditwatch_extract_strategy_results_total":   false,
		"creditwatch_extract_attempt_duration_seconds": false,
		"creditwatch_stability_confirmations_total":    false,
		"creditwatch_stability_attempts_to_confirm":    false,
		"creditwatch_confirmed_value":                  false,
		"creditwatch_ledger_saves_total":               false,
		"creditwatch_ledger_storage_bytes":             false,
		"creditwatch_history_sink_errors_total":        false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
		if n == "creditwatch_session_current_state" && len(mf.GetMetric()) != 3 {
			t.Fatalf("expected 3 state series, got %d", len(mf.GetMetric()))
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	// Reset regOK gate to allow registration with the default registry used by Handler().
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncSessionStarted("fallback")

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	s := string(b)
	if !strings.Contains(s, "creditwatch_session_started_total") {
		t.Fatalf("metrics output missing started_total: %s", s[:min(200, len(s))])
	}
}

func TestConcurrentIncrements(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncAttempt(true)
			IncStrategyResult("keyword", "error")
			RecordConfirmation("non_zero_repeat", 4, 10)
		}()
	}
	wg.Wait()
	// Ensure gather succeeds under race detector
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestMetricsBeforeRegister(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	// These should be no-ops and not panic when called before Register
	IncSessionStarted("primary")
	IncSessionEnded("exhausted")
	IncIgnoredStart()
	RecordStateTransition("active", "closing")
	SetCurrentState("idle", "idle")
	IncAttempt(false)
	ObserveAttemptDuration(1)
	RecordConfirmation("none", 8, 0)
	IncSave("duplicate")
	SetStorageBytes(1)
	IncSinkError("x")
}

func TestRegisterError(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	err := Register(&errorRegisterer{})
	if err == nil {
		t.Fatal("Register should return error from failing registerer")
	}
	if err.Error() != "test registration error" {
		t.Fatalf("unexpected error: %v", err)
	}
	if regOK.Load() {
		t.Fatal("failed registration must leave the gate closed")
	}
}

// errorRegisterer always fails with a non-AlreadyRegisteredError.
type errorRegisterer struct{}

func (e *errorRegisterer) Register(prometheus.Collector) error {
	return errors.New("test registration error")
}

func (e *errorRegisterer) MustRegister(...prometheus.Collector) {}
func (e *errorRegisterer) Unregister(prometheus.Collector) bool { return false }
