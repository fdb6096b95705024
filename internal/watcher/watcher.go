// Package watcher assembles a running creditwatch instance from its
// configuration: source, tracker, ledger, diagnostics, notifications,
// history sinks, periodic jobs and the HTTP API.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/creditwatch/internal/auth"
	"github.com/loykin/creditwatch/internal/config"
	"github.com/loykin/creditwatch/internal/cron"
	"github.com/loykin/creditwatch/internal/diagnostics"
	"github.com/loykin/creditwatch/internal/extractor"
	"github.com/loykin/creditwatch/internal/history"
	hfactory "github.com/loykin/creditwatch/internal/history/factory"
	"github.com/loykin/creditwatch/internal/ledger"
	"github.com/loykin/creditwatch/internal/lifecycle"
	"github.com/loykin/creditwatch/internal/metrics"
	"github.com/loykin/creditwatch/internal/notify"
	"github.com/loykin/creditwatch/internal/pace"
	"github.com/loykin/creditwatch/internal/scheduler"
	"github.com/loykin/creditwatch/internal/server"
	"github.com/loykin/creditwatch/internal/session"
	"github.com/loykin/creditwatch/internal/source"
	"github.com/loykin/creditwatch/internal/store"
	tlsconf "github.com/loykin/creditwatch/internal/tls"
	sfactory "github.com/loykin/creditwatch/internal/store/factory"
)

const (
	sinkTimeout     = 10 * time.Second
	shutdownTimeout = 5 * time.Second
	emptyPage       = `<html><body></body></html>`
)

// Deps override parts of the assembly. All fields are optional; nil fields
// are built from the configuration.
type Deps struct {
	Log    *slog.Logger
	Clock  clockwork.Clock
	Source source.Source
	Store  store.Store
	Sinks  history.Sink
}

// Watcher owns every component of a running instance.
type Watcher struct {
	cfg   *config.Config
	log   *slog.Logger
	clock clockwork.Clock

	st      store.Store
	src     source.Source
	ledger  *ledger.Ledger
	journal *diagnostics.Journal
	bus     *notify.Bus
	sinks   history.Sink
	tracker *lifecycle.Tracker
	jobs    *cron.Scheduler

	stopSettings func()
	sinkWG       sync.WaitGroup
	closeOnce    sync.Once
}

// New opens the store and source and wires the tracker. Close releases
// everything New opened.
func New(ctx context.Context, cfg *config.Config, deps Deps) (*Watcher, error) {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	w := &Watcher{cfg: cfg, log: deps.Log, clock: deps.Clock, bus: notify.NewBus()}

	var err error
	defer func() {
		if err != nil {
			_ = w.Close()
		}
	}()

	w.st = deps.Store
	if w.st == nil {
		st, oerr := sfactory.NewFromDSN(cfg.Store.DSN, cfg.Store.QuotaBytes)
		if oerr != nil {
			err = fmt.Errorf("open store: %w", oerr)
			return nil, err
		}
		w.st = st
	}
	w.ledger = ledger.New(w.st, cfg.Ledger(), w.clock, w.log.With("component", "ledger"))
	w.journal = diagnostics.NewJournal(w.st, w.clock, w.log.With("component", "diagnostics"))

	w.sinks = deps.Sinks
	if w.sinks == nil && len(cfg.History.Sinks) > 0 {
		m, oerr := hfactory.Open(cfg.History.Sinks, cfg.History.Breaker, w.log)
		if oerr != nil {
			err = oerr
			return nil, err
		}
		w.sinks = m
	}

	w.src = deps.Source
	if w.src == nil {
		src, oerr := OpenSource(ctx, cfg.Source, w.log)
		if oerr != nil {
			err = oerr
			return nil, err
		}
		w.src = src
	}

	ext := extractor.Default(cfg.Selectors.Selectors, w.log.With("component", "extractor"))
	sched := scheduler.New(ext, cfg.Stability, cfg.Timing.DetectionInterval, w.clock, w.log.With("component", "scheduler"))
	w.tracker = lifecycle.New(cfg.Lifecycle(), lifecycle.Deps{
		Source:    w.src,
		Scheduler: sched,
		Clock:     w.clock,
		Log:       w.log.With("component", "tracker"),
		Journal:   w.journal,
		Handoff:   w.handoff,
		OnOutcome: w.export,
	})

	w.stopSettings = w.st.OnChanged(w.settingsChanged)

	w.jobs = cron.NewScheduler(w.clock, w.log.With("component", "cron"))
	err = w.jobs.Add(&cron.Job{
		Name:      "storage-usage",
		Schedule:  cfg.Store.UsageCheck,
		Delay:     cfg.Store.UsageCheckDelay,
		Singleton: true,
		Run:       w.checkUsage,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Metrics.Enabled {
		if rerr := metrics.Register(prometheus.DefaultRegisterer); rerr != nil {
			err = fmt.Errorf("register metrics: %w", rerr)
			return nil, err
		}
	}
	return w, nil
}

// OpenSource builds the document source named by the configuration.
func OpenSource(ctx context.Context, cfg config.SourceConfig, log *slog.Logger) (source.Source, error) {
	log = log.With("component", "source")
	switch cfg.Type {
	case config.SourceFile:
		f, err := source.NewFile(cfg.Path, cfg.URL, log)
		if err != nil {
			return nil, err
		}
		return f, nil
	case config.SourceBrowser:
		b, err := source.NewBrowser(ctx, cfg.Browser(), log)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.SourceStatic, "":
		html := emptyPage
		if cfg.Path != "" {
			b, err := os.ReadFile(cfg.Path)
			if err != nil {
				return nil, fmt.Errorf("read static page: %w", err)
			}
			html = string(b)
		}
		s, err := source.NewStatic(html, cfg.URL)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown source type %q", cfg.Type)
}

func (w *Watcher) Tracker() *lifecycle.Tracker { return w.tracker }
func (w *Watcher) Ledger() *ledger.Ledger { return w.ledger }
func (w *Watcher) Journal() *diagnostics.Journal { return w.journal }
func (w *Watcher) Store() store.Store { return w.st }
func (w *Watcher) Bus() *notify.Bus { return w.bus }
func (w *Watcher) Source() source.Source { return w.src }
func (w *Watcher) Jobs() *cron.Scheduler { return w.jobs }
func (w *Watcher) Config() *config.Config { return w.cfg }

// Router returns the HTTP API for this watcher.
func (w *Watcher) Router() *server.Router {
	return server.NewRouter(w.cfg.Server.BasePath, server.Deps{
		Tracker: w.tracker,
		Ledger:  w.ledger,
		Journal: w.journal,
		Store:   w.st,
		Plan:    w.cfg.Plan,
		Clock:   w.clock,
		Log:     w.log.With("component", "http"),
		Metrics: w.cfg.Metrics.Enabled && w.cfg.Metrics.Listen == "",
		Auth:    auth.NewVerifier(w.cfg.Server.Auth),
	})
}

// Run drives the tracker and the periodic jobs until ctx is done. With
// serve set it also serves the HTTP API.
func (w *Watcher) Run(ctx context.Context, serve bool) error {
	var api *http.Server
	if serve {
		tc, err := tlsconf.Setup(w.cfg.Server.TLS)
		if err != nil {
			return fmt.Errorf("api tls: %w", err)
		}
		api = server.NewServer(w.cfg.Server.Listen, w.Router())
		api.TLSConfig = tc
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return w.tracker.Run(ctx) })
	g.Go(func() error {
		if err := w.jobs.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		w.jobs.Stop()
		return nil
	})
	if api != nil {
		g.Go(func() error { return w.serveHTTP(ctx, api, "api") })
	}
	if w.cfg.Metrics.Enabled && w.cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: w.cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error { return w.serveHTTP(ctx, srv, "metrics") })
	}

	w.log.Info("watcher started", "source", w.cfg.Source.Type, "serve", serve)
	err := g.Wait()
	w.log.Info("watcher stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Watcher) serveHTTP(ctx context.Context, srv *http.Server, name string) error {
	errc := make(chan error, 1)
	go func() {
		if srv.TLSConfig != nil {
			errc <- srv.ListenAndServeTLS("", "")
			return
		}
		errc <- srv.ListenAndServe()
	}()
	w.log.Info("http listener started", "name", name, "addr", srv.Addr, "tls", srv.TLSConfig != nil)
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s listener: %w", name, err)
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
		return nil
	}
}

// handoff persists a confirmed value, then records it as a strategy success
// and announces it. Only the ledger write decides success.
func (w *Watcher) handoff(ctx context.Context, cv session.ConfirmedValue) error {
	res, err := w.ledger.Save(ctx, cv.Value)
	metrics.IncSave(res.String())
	if err != nil {
		return err
	}
	if res == ledger.Duplicate {
		w.log.Debug("value unchanged", "value", cv.Value)
		return nil
	}
	if err := w.journal.RecordSuccess(ctx, cv.SupportingStrategyID, cv.Value); err != nil {
		w.log.Warn("failed to record strategy success", "error", err)
	}
	if _, err := w.bus.PublishValue(notify.ValueConfirmed, ledger.KeyLatest, cv); err != nil {
		w.log.Warn("failed to publish confirmed value", "error", err)
	}
	w.log.Info("value saved", "value", cv.Value, "rule", cv.RuleName, "result", res.String())
	return nil
}

// export hands a finished session to the history sinks without blocking
// the tracker.
func (w *Watcher) export(o lifecycle.Outcome) {
	if w.sinks == nil {
		return
	}
	e := EventFromOutcome(o)
	w.sinkWG.Add(1)
	go func() {
		defer w.sinkWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		defer cancel()
		if err := w.sinks.Send(ctx, e); err != nil {
			w.log.Warn("history export failed", "session", e.SessionID, "error", err)
		}
	}()
}

// EventFromOutcome converts a tracker outcome to a history event.
func EventFromOutcome(o lifecycle.Outcome) history.Event {
	e := history.Event{
		Type:       history.EventType(o.Result),
		OccurredAt: o.EndedAt,
		SessionID:  o.SessionID,
		Path:       o.Path,
		Attempts:   len(o.Summary.Attempts),
		Duration:   o.EndedAt.Sub(o.StartedAt),
		Values:     o.Summary.Values,
	}
	if o.Confirmed != nil {
		v := o.Confirmed.Value
		e.Value = &v
		e.Rule = o.Confirmed.RuleName
		e.Strategy = o.Confirmed.SupportingStrategyID
		e.Attempts = o.Confirmed.AttemptsUsed
	}
	if e.Values == nil {
		e.Values = []int{}
	}
	return e
}

func (w *Watcher) settingsChanged(changes []store.Change) {
	for _, c := range changes {
		if !pace.IsSettingKey(c.Key) {
			continue
		}
		w.bus.Publish(notify.Message{Kind: notify.SettingsChanged, Key: c.Key, Payload: c.New})
	}
}

func (w *Watcher) checkUsage(ctx context.Context) error {
	u, err := w.ledger.CheckUsage(ctx)
	if err != nil {
		return err
	}
	metrics.SetStorageBytes(u.Bytes)
	return nil
}

// Close waits for pending history exports and releases the source, the
// sinks and the store.
func (w *Watcher) Close() error {
	var errs []error
	w.closeOnce.Do(func() {
		if w.stopSettings != nil {
			w.stopSettings()
		}
		w.sinkWG.Wait()
		if w.src != nil {
			errs = append(errs, w.src.Close())
		}
		if c, ok := w.sinks.(history.Closer); ok {
			errs = append(errs, c.Close())
		}
		if w.st != nil {
			errs = append(errs, w.st.Close())
		}
		w.bus.Close()
	})
	return errors.Join(errs...)
}
