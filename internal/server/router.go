package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"

	"github.com/loykin/creditwatch/internal/auth"
	"github.com/loykin/creditwatch/internal/diagnostics"
	"github.com/loykin/creditwatch/internal/ledger"
	"github.com/loykin/creditwatch/internal/lifecycle"
	"github.com/loykin/creditwatch/internal/metrics"
	"github.com/loykin/creditwatch/internal/pace"
	"github.com/loykin/creditwatch/internal/store"
)

// Router provides embeddable HTTP handlers for reading the watcher state.
// Endpoints:
//
//	GET    {basePath}/status            tracker state
//	GET    {basePath}/latest            most recent stored count
//	GET    {basePath}/history           daily counts, newest first
//	GET    {basePath}/report            pace report for the current cycle
//	GET    {basePath}/diagnostics       strategy stats and failure logs
//	DELETE {basePath}/diagnostics       clears diagnostics
//	GET    {basePath}/settings          plan and display settings
//	PUT    {basePath}/settings/:key     body: {"value": ...}
//	GET    {basePath}/metrics           prometheus, when enabled
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	basePath string
	deps     Deps
}

// StatusSource reports the tracker state. *lifecycle.Tracker implements it.
type StatusSource interface {
	Status(ctx context.Context) (lifecycle.Status, error)
}

type Deps struct {
	// Tracker may be nil when only stored data is served.
	Tracker StatusSource
	Ledger  *ledger.Ledger
	Journal *diagnostics.Journal
	Store   store.Store
	Plan    pace.Plan
	Clock   clockwork.Clock
	Log     *slog.Logger
	Metrics bool
	// Auth guards every route when non-nil.
	Auth *auth.Verifier
}

// NewRouter constructs a Router with a configurable basePath.
// Example basePath: "/api" results in /api/status, /api/latest, ...
func NewRouter(basePath string, deps Deps) *Router {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	return &Router{basePath: sanitizeBase(basePath), deps: deps}
}

func (r *Router) BasePath() string { return r.basePath }

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), accessLog(r.deps.Log))
	group := g.Group(r.basePath, r.deps.Auth.GinAuth())
	group.GET("/status", r.handleStatus)
	group.GET("/latest", r.handleLatest)
	group.GET("/history", r.handleHistory)
	group.GET("/report", r.handleReport)
	group.GET("/diagnostics", r.handleDiagnostics)
	group.DELETE("/diagnostics", r.handleClearDiagnostics)
	group.GET("/settings", r.handleSettings)
	group.PUT("/settings/:key", r.handlePutSetting)
	if r.deps.Metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// MountEcho serves the router from an existing Echo instance.
func (r *Router) MountEcho(e *echo.Echo) {
	h := echo.WrapHandler(r.Handler())
	base := r.basePath
	if base == "" {
		e.Any("/*", h)
		return
	}
	e.Any(base, h)
	e.Any(base+"/*", h)
}

// NewServer returns an http.Server for the router. The caller starts it.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type settingReq struct {
	Value any `json:"value"`
}

func (r *Router) handleStatus(c *gin.Context) {
	if r.deps.Tracker == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "tracker not running"})
		return
	}
	st, err := r.deps.Tracker.Status(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleLatest(c *gin.Context) {
	e, err := r.deps.Ledger.Latest(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if e == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no value recorded yet"})
		return
	}
	writeJSON(c, http.StatusOK, e)
}

func (r *Router) handleHistory(c *gin.Context) {
	h, err := r.deps.Ledger.History(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if h == nil {
		h = []ledger.Entry{}
	}
	writeJSON(c, http.StatusOK, h)
}

type reportResp struct {
	pace.Report
	Display map[string]bool `json:"display"`
}

func (r *Router) handleReport(c *gin.Context) {
	ctx := c.Request.Context()
	rep, settings, err := BuildReport(ctx, r.deps.Ledger, r.deps.Store, r.deps.Plan, r.deps.Clock.Now())
	if err != nil {
		writeError(c, err)
		return
	}
	if rep == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no value recorded yet"})
		return
	}
	writeJSON(c, http.StatusOK, reportResp{Report: *rep, Display: settings.Display})
}

func (r *Router) handleDiagnostics(c *gin.Context) {
	rep, err := r.deps.Journal.Report(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rep)
}

func (r *Router) handleClearDiagnostics(c *gin.Context) {
	if err := r.deps.Journal.Clear(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleSettings(c *gin.Context) {
	s, err := pace.LoadSettings(c.Request.Context(), r.deps.Store, r.deps.Plan)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, s)
}

func (r *Router) handlePutSetting(c *gin.Context) {
	key := c.Param("key")
	if !pace.IsSettingKey(key) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown setting: " + key})
		return
	}
	var req settingReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Value == nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "value required"})
		return
	}
	if err := pace.SetSetting(c.Request.Context(), r.deps.Store, key, req.Value); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// BuildReport loads everything a pace report needs. It returns a nil report
// when no value has been stored yet.
func BuildReport(ctx context.Context, l *ledger.Ledger, st store.Store, base pace.Plan, now time.Time) (*pace.Report, pace.Settings, error) {
	settings, err := pace.LoadSettings(ctx, st, base)
	if err != nil {
		return nil, settings, err
	}
	latest, err := l.Latest(ctx)
	if err != nil || latest == nil {
		return nil, settings, err
	}
	hist, err := l.History(ctx)
	if err != nil {
		return nil, settings, err
	}
	prev, err := l.PreviousBalance(ctx)
	if err != nil {
		return nil, settings, err
	}
	rep := pace.Build(now, settings.Plan, latest.Count, hist, prev)
	return &rep, settings, nil
}

func writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, pace.ErrInvalidSetting), errors.Is(err, pace.ErrUnknownSetting):
		code = http.StatusBadRequest
	case errors.Is(err, store.ErrQuotaExceeded):
		code = http.StatusInsufficientStorage
	case errors.Is(err, ledger.ErrDegraded), errors.Is(err, lifecycle.ErrStopped), errors.Is(err, store.ErrClosed):
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, errorResp{Error: err.Error()})
}
