package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/loykin/creditwatch/internal/config"
	"github.com/loykin/creditwatch/internal/history"
	"github.com/loykin/creditwatch/internal/lifecycle"
	"github.com/loykin/creditwatch/internal/notify"
	"github.com/loykin/creditwatch/internal/pace"
	"github.com/loykin/creditwatch/internal/session"
	"github.com/loykin/creditwatch/internal/source"
	"github.com/loykin/creditwatch/internal/store"
)

const page = `<div id="app"><div class="n-popover n-popover-shared"><div class="credit-left-item"><span>Credits</span><span>2,480</span></div></div></div>`

type memorySink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memorySink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memorySink) all() []history.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]history.Event(nil), m.events...)
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Metrics.Enabled = false
	return cfg
}

func TestWatcherPersistsConfirmedValue(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := clockwork.NewFakeClock()
	src, err := source.NewStatic(page, "https://app.test/")
	require.NoError(t, err)
	sink := &memorySink{}
	w, err := New(context.Background(), testConfig(t), Deps{Clock: clock, Source: src, Sinks: sink})
	require.NoError(t, err)

	sub := w.Bus().Subscribe(notify.ValueConfirmed)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx, false) }()

	var msg notify.Message
	deadline := time.After(10 * time.Second)
wait:
	for {
		select {
		case msg = <-sub.Ch:
			break wait
		case <-deadline:
			t.Fatal("no confirmed value published")
		default:
			clock.Advance(10 * time.Millisecond)
			time.Sleep(time.Millisecond)
		}
	}
	var cv session.ConfirmedValue
	require.NoError(t, json.Unmarshal(msg.Payload, &cv))
	assert.Equal(t, 2480, cv.Value)

	latest, err := w.Ledger().Latest(context.Background())
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 2480, latest.Count)

	rep, err := w.Journal().Report(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Stats.Counts["strategy_1"])

	// closing the popover ends the session and exports it
	require.NoError(t, src.SetHTML(`<div id="app"></div>`))
	require.Eventually(t, func() bool {
		clock.Advance(10 * time.Millisecond)
		return len(sink.all()) == 1
	}, 10*time.Second, time.Millisecond)
	e := sink.all()[0]
	assert.Equal(t, history.EventConfirmed, e.Type)
	require.NotNil(t, e.Value)
	assert.Equal(t, 2480, *e.Value)
	assert.Equal(t, "quick_confirm", e.Rule)

	cancel()
	require.NoError(t, <-errc)
	sub.Close()
	require.NoError(t, w.Close())
}

func TestSettingsChangesArePublished(t *testing.T) {
	st := store.NewMemory(0)
	src, err := source.NewStatic("", "")
	require.NoError(t, err)
	w, err := New(context.Background(), testConfig(t), Deps{Store: st, Source: src})
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	sub := w.Bus().Subscribe(notify.SettingsChanged)
	defer sub.Close()

	require.NoError(t, st.Set(context.Background(), map[string]any{"latest": 1}))
	require.NoError(t, pace.SetSetting(context.Background(), st, pace.KeyRenewalDay, 12))

	select {
	case m := <-sub.Ch:
		assert.Equal(t, pace.KeyRenewalDay, m.Key)
		assert.JSONEq(t, "12", string(m.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("settings change not published")
	}
}

func TestEventFromOutcome(t *testing.T) {
	start := time.Unix(100, 0)
	e := EventFromOutcome(lifecycle.Outcome{
		SessionID: "s",
		Path:      "fallback",
		Result:    "exhausted",
		StartedAt: start,
		EndedAt:   start.Add(2 * time.Second),
	})
	assert.Equal(t, history.EventExhausted, e.Type)
	assert.Nil(t, e.Value)
	assert.Equal(t, 2*time.Second, e.Duration)
	assert.NotNil(t, e.Values)
}

func TestOpenSource(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "page.html")
	require.NoError(t, os.WriteFile(path, []byte(page), 0o644))

	src, err := OpenSource(ctx, config.SourceConfig{Type: config.SourceStatic, Path: path}, testLogger())
	require.NoError(t, err)
	doc, err := src.Snapshot(ctx)
	require.NoError(t, err)
	assert.NotNil(t, doc)
	require.NoError(t, src.Close())

	src, err = OpenSource(ctx, config.SourceConfig{Type: config.SourceFile, Path: path}, testLogger())
	require.NoError(t, err)
	require.NoError(t, src.Close())

	_, err = OpenSource(ctx, config.SourceConfig{Type: config.SourceStatic, Path: path + ".missing"}, testLogger())
	assert.Error(t, err)
	_, err = OpenSource(ctx, config.SourceConfig{Type: "carrier-pigeon"}, testLogger())
	assert.Error(t, err)
}

func TestNewFailsOnBadStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.DSN = "redis://nowhere"
	_, err := New(context.Background(), cfg, Deps{})
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
}

func TestRunRejectsMissingCertificate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.TLS.Enabled = true
	cfg.Server.TLS.Dir = t.TempDir()
	src, err := source.NewStatic("", "")
	require.NoError(t, err)
	w, err := New(context.Background(), cfg, Deps{Store: store.NewMemory(0), Source: src})
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	err = w.Run(context.Background(), true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api tls")
}
