// Package creditwatch embeds the credit watcher in another program.
package creditwatch

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/creditwatch/internal/config"
	"github.com/loykin/creditwatch/internal/history"
	"github.com/loykin/creditwatch/internal/metrics"
	"github.com/loykin/creditwatch/internal/notify"
	"github.com/loykin/creditwatch/internal/pace"
	"github.com/loykin/creditwatch/internal/server"
	"github.com/loykin/creditwatch/internal/session"
	"github.com/loykin/creditwatch/internal/watcher"
)

// Re-export core types for external consumers.

type Config = config.Config

type Watcher = watcher.Watcher

type Deps = watcher.Deps

type ConfirmedValue = session.ConfirmedValue

type Plan = pace.Plan

type Report = pace.Report

type HistorySink = history.Sink

type HistoryEvent = history.Event

type Message = notify.Message

const (
	ValueConfirmed  = notify.ValueConfirmed
	SettingsChanged = notify.SettingsChanged
)

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// New builds a watcher from cfg. Run it, then Close it.
func New(ctx context.Context, cfg *Config, deps Deps) (*Watcher, error) {
	return watcher.New(ctx, cfg, deps)
}

// NewHTTPServer returns an unstarted server exposing the watcher API.
func NewHTTPServer(addr string, w *Watcher) *http.Server {
	return server.NewServer(addr, w.Router())
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
