package creditwatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/creditwatch/internal/source"
	"github.com/loykin/creditwatch/internal/store"
)

func TestFacadeServesAPI(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Metrics.Enabled = false
	src, err := source.NewStatic("", "")
	if err != nil {
		t.Fatalf("static source: %v", err)
	}
	w, err := New(context.Background(), cfg, Deps{Store: store.NewMemory(0), Source: src})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = w.Close() }()

	srv := NewHTTPServer("127.0.0.1:0", w)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, cfg.Server.BasePath+"/settings", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("settings code = %d body=%s", rec.Code, rec.Body.String())
	}
	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, cfg.Server.BasePath+"/latest", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("latest on empty store = %d", rec.Code)
	}
}

func TestRegisterMetrics(t *testing.T) {
	if err := RegisterMetrics(prometheus.NewRegistry()); err != nil {
		t.Fatalf("register: %v", err)
	}
}
