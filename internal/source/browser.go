package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/loykin/creditwatch/internal/document"
)

// BrowserConfig selects the page a Browser source reads.
type BrowserConfig struct {
	// ControlURL is a DevTools websocket URL. When empty a local browser is
	// launched.
	ControlURL string        `mapstructure:"control_url"`
	Bin        string        `mapstructure:"bin"`
	Headless   bool          `mapstructure:"headless"`
	URL        string        `mapstructure:"url"`
	Poll       time.Duration `mapstructure:"poll"`
}

const defaultPoll = 50 * time.Millisecond

// snapshotJS serializes the page with computed visibility folded in as the
// document.HiddenAttr attribute, so hidden elements stay hidden offline.
const snapshotJS = `(attr) => {
	const live = Array.from(document.documentElement.querySelectorAll('*'));
	const copy = document.documentElement.cloneNode(true);
	const cloned = Array.from(copy.querySelectorAll('*'));
	for (let i = 0; i < live.length && i < cloned.length; i++) {
		const cs = getComputedStyle(live[i]);
		if (cs.display === 'none' || cs.visibility === 'hidden') {
			cloned[i].setAttribute(attr, '');
		}
	}
	return copy.outerHTML;
}`

const observeJS = `(key, subtree, attributes, filter) => {
	window.__cwObservers = window.__cwObservers || {};
	const counters = window.__cwObservers;
	const opts = { childList: true, subtree: subtree, attributes: attributes, characterData: subtree };
	if (attributes && filter.length > 0) opts.attributeFilter = filter;
	const mo = new MutationObserver(() => { counters[key].n++; });
	mo.observe(document.documentElement, opts);
	counters[key] = { n: 0, mo: mo };
	return 0;
}`

const countJS = `(key) => {
	const c = (window.__cwObservers || {})[key];
	return c ? c.n : -1;
}`

const disconnectJS = `(key) => {
	const c = (window.__cwObservers || {})[key];
	if (c) { c.mo.disconnect(); delete window.__cwObservers[key]; }
	return 0;
}`

// Browser reads a live page over the DevTools protocol. Mutation observers
// are installed in the page and their counters are polled.
type Browser struct {
	cfg     BrowserConfig
	log     *slog.Logger
	browser *rod.Browser
	page    *rod.Page

	mu     sync.Mutex
	seq    int
	wg     sync.WaitGroup
	cancel []context.CancelFunc
	closed bool
}

// NewBrowser connects to (or launches) a browser and opens cfg.URL.
func NewBrowser(ctx context.Context, cfg BrowserConfig, log *slog.Logger) (*Browser, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Poll <= 0 {
		cfg.Poll = defaultPoll
	}
	controlURL := cfg.ControlURL
	if controlURL == "" {
		l := launcher.New().Headless(cfg.Headless)
		if cfg.Bin != "" {
			l = l.Bin(cfg.Bin)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		controlURL = u
	}
	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect to browser: %w", err)
	}
	page, err := b.Page(proto.TargetCreateTarget{URL: cfg.URL})
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("open %s: %w", cfg.URL, err)
	}
	if err := page.WaitLoad(); err != nil {
		log.Warn("page did not finish loading", "url", cfg.URL, "error", err)
	}
	return &Browser{cfg: cfg, log: log, browser: b, page: page}, nil
}

func (b *Browser) eval(ctx context.Context, js string, args ...any) (*proto.RuntimeRemoteObject, error) {
	return b.page.Context(ctx).Evaluate(&rod.EvalOptions{JS: js, JSArgs: args, ByValue: true})
}

func (b *Browser) Snapshot(ctx context.Context) (document.Document, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	res, err := b.eval(ctx, snapshotJS, document.HiddenAttr)
	if err != nil {
		return nil, fmt.Errorf("snapshot page: %w", err)
	}
	url := b.cfg.URL
	if info, err := b.page.Info(); err == nil {
		url = info.URL
	}
	return document.ParseString(res.Value.Str(), url)
}

// Observe installs a MutationObserver and calls fn after each poll that saw
// the counter move. Several mutations between polls are reported once.
func (b *Browser) Observe(ctx context.Context, opts ObserveOptions, fn func()) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.seq++
	key := fmt.Sprintf("cw%d", b.seq)
	b.mu.Unlock()

	filter := opts.AttributeFilter
	if filter == nil {
		filter = []string{}
	}
	if _, err := b.eval(ctx, observeJS, key, opts.Subtree, opts.Attributes, filter); err != nil {
		return nil, fmt.Errorf("install observer: %w", err)
	}

	pctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = append(b.cancel, cancel)
	b.mu.Unlock()
	b.wg.Add(1)
	go b.poll(pctx, key, opts.Subtree, opts.Attributes, filter, fn)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			if _, err := b.eval(context.Background(), disconnectJS, key); err != nil && !b.isClosed() {
				b.log.Debug("disconnect observer", "key", key, "error", err)
			}
		})
	}, nil
}

func (b *Browser) poll(ctx context.Context, key string, subtree, attributes bool, filter []string, fn func()) {
	defer b.wg.Done()
	t := time.NewTicker(b.cfg.Poll)
	defer t.Stop()
	last := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		res, err := b.eval(ctx, countJS, key)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			b.log.Debug("poll observer", "key", key, "error", err)
			continue
		}
		n := res.Value.Int()
		if n < 0 {
			// page navigated and the observer is gone; reinstall it
			if _, err := b.eval(ctx, observeJS, key, subtree, attributes, filter); err == nil {
				last = 0
				fn()
			}
			continue
		}
		if n != last {
			last = n
			fn()
		}
	}
}

func (b *Browser) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Browser) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancels := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	b.wg.Wait()
	return b.browser.Close()
}
