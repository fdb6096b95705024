package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"

	"github.com/loykin/creditwatch/internal/auth"
	"github.com/loykin/creditwatch/internal/diagnostics"
	"github.com/loykin/creditwatch/internal/ledger"
	"github.com/loykin/creditwatch/internal/lifecycle"
	"github.com/loykin/creditwatch/internal/pace"
	"github.com/loykin/creditwatch/internal/store"
)

type fakeTracker struct {
	st  lifecycle.Status
	err error
}

func (f fakeTracker) Status(context.Context) (lifecycle.Status, error) { return f.st, f.err }

type fixture struct {
	st      store.Store
	ledger  *ledger.Ledger
	journal *diagnostics.Journal
	clock   *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return buildFixture()
}

func buildFixture() *fixture {
	gin.SetMode(gin.TestMode)
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 20, 12, 0, 0, 0, time.Local))
	st := store.NewMemory(0)
	return &fixture{
		st:      st,
		ledger:  ledger.New(st, ledger.DefaultConfig(), clock, nil),
		journal: diagnostics.NewJournal(st, clock, nil),
		clock:   clock,
	}
}

func (f *fixture) router(base string, tracker StatusSource) *Router {
	return NewRouter(base, Deps{
		Tracker: tracker,
		Ledger:  f.ledger,
		Journal: f.journal,
		Store:   f.st,
		Plan:    pace.Plan{RenewalDay: 15, PlanStartCredit: 3000},
		Clock:   f.clock,
		Metrics: true,
	})
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	h := f.router("/api", fakeTracker{st: lifecycle.Status{State: "active", Path: "primary", AttemptCount: 3}}).Handler()
	rec := doReq(t, h, http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var st lifecycle.Status
	decode(t, rec, &st)
	if st.State != "active" || st.AttemptCount != 3 {
		t.Fatalf("unexpected status %+v", st)
	}

	h = f.router("/api", fakeTracker{err: lifecycle.ErrStopped}).Handler()
	if rec := doReq(t, h, http.MethodGet, "/api/status", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for stopped tracker, got %d", rec.Code)
	}
	h = f.router("/api", nil).Handler()
	if rec := doReq(t, h, http.MethodGet, "/api/status", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without tracker, got %d", rec.Code)
	}
}

func TestLatestHistoryAndReport(t *testing.T) {
	f := newFixture(t)
	h := f.router("", nil).Handler()

	if rec := doReq(t, h, http.MethodGet, "/latest", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any save, got %d", rec.Code)
	}
	if rec := doReq(t, h, http.MethodGet, "/report", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 report before any save, got %d", rec.Code)
	}
	rec := doReq(t, h, http.MethodGet, "/history", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "[]\n" {
		t.Fatalf("expected empty history, got %d %q", rec.Code, rec.Body.String())
	}

	ctx := context.Background()
	if _, err := f.ledger.Save(ctx, 2800); err != nil {
		t.Fatalf("save: %v", err)
	}
	f.clock.Advance(time.Hour)
	if _, err := f.ledger.Save(ctx, 2750); err != nil {
		t.Fatalf("save: %v", err)
	}

	var latest ledger.Entry
	rec = doReq(t, h, http.MethodGet, "/latest", nil)
	decode(t, rec, &latest)
	if latest.Count != 2750 {
		t.Fatalf("latest = %+v", latest)
	}
	var hist []ledger.Entry
	decode(t, doReq(t, h, http.MethodGet, "/history", nil), &hist)
	if len(hist) != 1 || hist[0].Count != 2800 {
		t.Fatalf("history = %+v", hist)
	}

	var rep reportResp
	rec = doReq(t, h, http.MethodGet, "/report", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("report: %d %s", rec.Code, rec.Body.String())
	}
	decode(t, rec, &rep)
	if rep.Current != 2750 || rep.TotalStart != 3000 {
		t.Fatalf("report = %+v", rep.Report)
	}
	if rep.SinceLastCheck == nil || *rep.SinceLastCheck != 50 {
		t.Fatalf("since last check = %v", rep.SinceLastCheck)
	}
	if rep.ConsumedToday == nil || *rep.ConsumedToday != 50 {
		t.Fatalf("consumed today = %v", rep.ConsumedToday)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	f := newFixture(t)
	h := f.router("/api/", nil).Handler()

	rec := doReq(t, h, http.MethodPut, "/api/settings/renewalDay", map[string]any{"value": 3})
	if rec.Code != http.StatusOK {
		t.Fatalf("put: %d %s", rec.Code, rec.Body.String())
	}
	rec = doReq(t, h, http.MethodPut, "/api/settings/showStatus", map[string]any{"value": "false"})
	if rec.Code != http.StatusOK {
		t.Fatalf("put toggle: %d %s", rec.Code, rec.Body.String())
	}

	var s pace.Settings
	decode(t, doReq(t, h, http.MethodGet, "/api/settings", nil), &s)
	if s.Plan.RenewalDay != 3 || s.Plan.PlanStartCredit != 3000 {
		t.Fatalf("settings = %+v", s)
	}
	if s.Shown("showStatus") {
		t.Fatal("showStatus should be off")
	}

	if rec := doReq(t, h, http.MethodPut, "/api/settings/renewalDay", map[string]any{"value": 40}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for out of range day, got %d", rec.Code)
	}
	if rec := doReq(t, h, http.MethodPut, "/api/settings/renewalDay", map[string]any{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing value, got %d", rec.Code)
	}
	if rec := doReq(t, h, http.MethodPut, "/api/settings/latest", map[string]any{"value": 1}); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown key, got %d", rec.Code)
	}
}

func TestDiagnosticsAndClear(t *testing.T) {
	f := newFixture(t)
	h := f.router("", nil).Handler()
	ctx := context.Background()
	if err := f.journal.RecordSuccess(ctx, 2, 100); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := f.journal.RecordFailure(ctx, diagnostics.FailureRecord{Reason: "all strategies failed"}); err != nil {
		t.Fatalf("record failure: %v", err)
	}

	var rep diagnostics.Report
	decode(t, doReq(t, h, http.MethodGet, "/diagnostics", nil), &rep)
	if rep.Stats.Counts["strategy_2"] != 1 || len(rep.FailureLogs) != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if rec := doReq(t, h, http.MethodDelete, "/diagnostics", nil); rec.Code != http.StatusOK {
		t.Fatalf("clear: %d", rec.Code)
	}
	decode(t, doReq(t, h, http.MethodGet, "/diagnostics", nil), &rep)
	if len(rep.SuccessHistory) != 0 || len(rep.FailureLogs) != 0 {
		t.Fatalf("diagnostics not cleared: %+v", rep)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := doReq(t, f.router("/api", nil).Handler(), http.MethodGet, "/api/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	r := NewRouter("/api", Deps{Ledger: f.ledger, Store: f.st})
	if rec := doReq(t, r.Handler(), http.MethodGet, "/api/metrics", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 with metrics disabled, got %d", rec.Code)
	}
}

func TestMountEcho(t *testing.T) {
	f := newFixture(t)
	e := echo.New()
	f.router("/api", fakeTracker{st: lifecycle.Status{State: "idle"}}).MountEcho(e)

	rec := doReq(t, e, http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 through echo, got %d", rec.Code)
	}
	if rec := doReq(t, e, http.MethodGet, "/other", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 outside base, got %d", rec.Code)
	}
}

func TestNewServer(t *testing.T) {
	f := newFixture(t)
	srv := NewServer("127.0.0.1:0", f.router("/api", nil))
	if srv.Handler == nil || srv.ReadHeaderTimeout == 0 {
		t.Fatalf("server not configured: %+v", srv)
	}
}

func TestAuthGuardsRoutes(t *testing.T) {
	f := newFixture(t)
	hash, err := auth.HashToken("s3cret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	r := f.router("/api", fakeTracker{})
	r.deps.Auth = auth.NewVerifier(auth.Config{Enabled: true, TokenHash: hash})
	h := r.Handler()

	if rec := doReq(t, h, http.MethodGet, "/api/settings", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/settings", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("with token: %d %s", rec.Code, rec.Body.String())
	}
}
