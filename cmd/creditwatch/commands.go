package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/creditwatch/internal/config"
	"github.com/loykin/creditwatch/internal/diagnostics"
	"github.com/loykin/creditwatch/internal/ledger"
	"github.com/loykin/creditwatch/internal/logger"
	"github.com/loykin/creditwatch/internal/notify"
	"github.com/loykin/creditwatch/internal/pace"
	"github.com/loykin/creditwatch/internal/server"
	"github.com/loykin/creditwatch/internal/session"
	"github.com/loykin/creditwatch/internal/store"
	sfactory "github.com/loykin/creditwatch/internal/store/factory"
	"github.com/loykin/creditwatch/internal/watcher"
	"github.com/loykin/creditwatch/pkg/client"
)

var errNoValue = errors.New("no value recorded yet")

// backend is what the read and settings commands need. The local backend
// opens the configured store, the remote one talks to a running server.
type backend interface {
	Latest(ctx context.Context) (client.Entry, error)
	History(ctx context.Context) ([]client.Entry, error)
	Report(ctx context.Context) (client.Report, error)
	Diagnostics(ctx context.Context) (client.Diagnostics, error)
	ClearDiagnostics(ctx context.Context) error
	Settings(ctx context.Context) (client.Settings, error)
	SetSetting(ctx context.Context, key string, value any) error
	Close() error
}

type remoteBackend struct{ *client.Client }

func (remoteBackend) Close() error { return nil }

type localBackend struct {
	cfg     *config.Config
	st      store.Store
	ledger  *ledger.Ledger
	journal *diagnostics.Journal
	now     func() time.Time
	logs    io.Closer
}

func openLocal(cfg *config.Config, log *slog.Logger) (*localBackend, error) {
	st, err := sfactory.NewFromDSN(cfg.Store.DSN, cfg.Store.QuotaBytes)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &localBackend{
		cfg:     cfg,
		st:      st,
		ledger:  ledger.New(st, cfg.Ledger(), nil, log),
		journal: diagnostics.NewJournal(st, nil, log),
		now:     time.Now,
	}, nil
}

func (b *localBackend) Latest(ctx context.Context) (client.Entry, error) {
	e, err := b.ledger.Latest(ctx)
	if err != nil {
		return client.Entry{}, err
	}
	if e == nil {
		return client.Entry{}, fmt.Errorf("%w: %s", client.ErrNotFound, errNoValue)
	}
	return client.Entry{Time: e.Time, Count: e.Count}, nil
}

func (b *localBackend) History(ctx context.Context) ([]client.Entry, error) {
	h, err := b.ledger.History(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]client.Entry, 0, len(h))
	for _, e := range h {
		out = append(out, client.Entry{Time: e.Time, Count: e.Count})
	}
	return out, nil
}

func (b *localBackend) Report(ctx context.Context) (client.Report, error) {
	var out client.Report
	rep, settings, err := server.BuildReport(ctx, b.ledger, b.st, b.cfg.Plan, b.now())
	if err != nil {
		return out, err
	}
	if rep == nil {
		return out, fmt.Errorf("%w: %s", client.ErrNotFound, errNoValue)
	}
	err = reencode(struct {
		pace.Report
		Display map[string]bool `json:"display"`
	}{*rep, settings.Display}, &out)
	return out, err
}

func (b *localBackend) Diagnostics(ctx context.Context) (client.Diagnostics, error) {
	var out client.Diagnostics
	rep, err := b.journal.Report(ctx)
	if err != nil {
		return out, err
	}
	err = reencode(rep, &out)
	return out, err
}

func (b *localBackend) ClearDiagnostics(ctx context.Context) error { return b.journal.Clear(ctx) }

func (b *localBackend) Settings(ctx context.Context) (client.Settings, error) {
	var out client.Settings
	s, err := pace.LoadSettings(ctx, b.st, b.cfg.Plan)
	if err != nil {
		return out, err
	}
	err = reencode(s, &out)
	return out, err
}

func (b *localBackend) SetSetting(ctx context.Context, key string, value any) error {
	return pace.SetSetting(ctx, b.st, key, value)
}

func (b *localBackend) Close() error {
	err := b.st.Close()
	if b.logs != nil {
		err = errors.Join(err, b.logs.Close())
	}
	return err
}

// reencode copies between the engine types and the client types, which
// share their JSON form.
func reencode(src, dst any) error {
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config) (*slog.Logger, io.Closer, error) {
	return logger.New(cfg.Log, cmd.ErrOrStderr())
}

func newClient(g GlobalFlags) *client.Client {
	return client.New(client.Config{
		BaseURL:  g.APIUrl,
		Timeout:  g.APITimeout,
		Token:    g.APIToken,
		Insecure: g.Insecure,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

// openBackend picks the remote backend when --api-url is set.
func openBackend(cmd *cobra.Command, g GlobalFlags) (backend, error) {
	if g.APIUrl != "" {
		return remoteBackend{newClient(g)}, nil
	}
	cfg, err := loadConfig(g.ConfigPath)
	if err != nil {
		return nil, err
	}
	log, closer, err := newLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}
	b, err := openLocal(cfg, log)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}
	b.logs = closer
	return b, nil
}

func withBackend(cmd *cobra.Command, g GlobalFlags, fn func(ctx context.Context, b backend) error) error {
	b, err := openBackend(cmd, g)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()
	return fn(cmd.Context(), b)
}

func runEngine(cmd *cobra.Command, g GlobalFlags, f RunFlags, serve bool) error {
	cfg, err := loadConfig(g.ConfigPath)
	if err != nil {
		return err
	}
	if f.Source != "" {
		cfg.Source.Type = f.Source
	}
	if f.Path != "" {
		cfg.Source.Path = f.Path
	}
	if f.URL != "" {
		cfg.Source.URL = f.URL
	}
	if f.Listen != "" {
		cfg.Server.Listen = f.Listen
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, closer, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w, err := watcher.New(ctx, cfg, watcher.Deps{Log: log})
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	sub := w.Bus().Subscribe(notify.ValueConfirmed)
	done := make(chan struct{})
	go func() {
		defer close(done)
		printConfirmed(cmd.OutOrStdout(), sub.Ch, g.JSON)
	}()

	if serve {
		log.Info("serving API", "listen", cfg.Server.Listen, "base", cfg.Server.BasePath)
	}
	err = w.Run(ctx, serve)
	sub.Close()
	<-done
	return err
}

func printConfirmed(out io.Writer, ch <-chan notify.Message, raw bool) {
	for m := range ch {
		if raw {
			_, _ = fmt.Fprintln(out, string(m.Payload))
			continue
		}
		var cv session.ConfirmedValue
		if err := json.Unmarshal(m.Payload, &cv); err != nil {
			continue
		}
		_, _ = fmt.Fprintf(out, "%s  %d credits  (strategy %d, %s after %d attempts)\n",
			cv.ConfirmedAt.Local().Format(time.DateTime), cv.Value, cv.SupportingStrategyID, cv.RuleName, cv.AttemptsUsed)
	}
}

func cmdStatus(cmd *cobra.Command, g GlobalFlags) error {
	if g.APIUrl == "" {
		cfg, err := loadConfig(g.ConfigPath)
		if err != nil {
			return err
		}
		scheme := "http://"
		if cfg.Server.TLS.Enabled {
			scheme = "https://"
		}
		g.APIUrl = scheme + cfg.Server.Listen + cfg.Server.BasePath
	}
	st, err := newClient(g).Status(cmd.Context())
	if err != nil {
		return fmt.Errorf("server at %s: %w", g.APIUrl, err)
	}
	if g.JSON {
		return printJSON(cmd.OutOrStdout(), st)
	}
	renderStatus(cmd.OutOrStdout(), st)
	return nil
}

func cmdLatest(cmd *cobra.Command, g GlobalFlags) error {
	return withBackend(cmd, g, func(ctx context.Context, b backend) error {
		e, err := b.Latest(ctx)
		if errors.Is(err, client.ErrNotFound) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), errNoValue)
			return nil
		}
		if err != nil {
			return err
		}
		if g.JSON {
			return printJSON(cmd.OutOrStdout(), e)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d credits (%s)\n", e.Count, e.Time.Local().Format(time.DateTime))
		return nil
	})
}

func cmdHistory(cmd *cobra.Command, g GlobalFlags) error {
	return withBackend(cmd, g, func(ctx context.Context, b backend) error {
		h, err := b.History(ctx)
		if err != nil {
			return err
		}
		if g.JSON {
			return printJSON(cmd.OutOrStdout(), h)
		}
		renderHistory(cmd.OutOrStdout(), h)
		return nil
	})
}

func cmdReport(cmd *cobra.Command, g GlobalFlags) error {
	return withBackend(cmd, g, func(ctx context.Context, b backend) error {
		r, err := b.Report(ctx)
		if errors.Is(err, client.ErrNotFound) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), errNoValue)
			return nil
		}
		if err != nil {
			return err
		}
		if g.JSON {
			return printJSON(cmd.OutOrStdout(), r)
		}
		renderReport(cmd.OutOrStdout(), r)
		return nil
	})
}

func cmdDiagnostics(cmd *cobra.Command, g GlobalFlags, clearAll bool) error {
	return withBackend(cmd, g, func(ctx context.Context, b backend) error {
		if clearAll {
			if err := b.ClearDiagnostics(ctx); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "diagnostics cleared")
			return nil
		}
		d, err := b.Diagnostics(ctx)
		if err != nil {
			return err
		}
		if g.JSON {
			return printJSON(cmd.OutOrStdout(), d)
		}
		renderDiagnostics(cmd.OutOrStdout(), d)
		return nil
	})
}

func cmdSettings(cmd *cobra.Command, g GlobalFlags) error {
	return withBackend(cmd, g, func(ctx context.Context, b backend) error {
		s, err := b.Settings(ctx)
		if err != nil {
			return err
		}
		if g.JSON {
			return printJSON(cmd.OutOrStdout(), s)
		}
		renderSettings(cmd.OutOrStdout(), s)
		return nil
	})
}

func cmdSetSetting(cmd *cobra.Command, g GlobalFlags, key, value string) error {
	return withBackend(cmd, g, func(ctx context.Context, b backend) error {
		if err := b.SetSetting(ctx, key, value); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", key, value)
		return nil
	})
}
