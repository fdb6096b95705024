package source

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

var (
	_ Source = (*Static)(nil)
	_ Source = (*File)(nil)
	_ Source = (*Browser)(nil)
)

func TestSourceObserveThroughInterface(t *testing.T) {
	s, err := NewStatic(`<p>1</p>`, "")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var src Source = s
	var n atomic.Int32
	stop, err := src.Observe(context.Background(), ObserveOptions{}, func() { n.Add(1) })
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	stop()
	if err := s.SetHTML(`<p>2</p>`); err != nil {
		t.Fatalf("set: %v", err)
	}
	if n.Load() != 0 {
		t.Fatalf("stopped observer still notified %d times", n.Load())
	}
	if err := src.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestStaticNotifiesObservers(t *testing.T) {
	ctx := context.Background()
	s, err := NewStatic(`<div class="a">1</div>`, "https://x.test/")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var n atomic.Int32
	stop, err := s.Observe(ctx, ObserveOptions{Subtree: true}, func() { n.Add(1) })
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if err := s.SetHTML(`<div class="a">2</div>`); err != nil {
		t.Fatalf("set: %v", err)
	}
	doc, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if e, ok := doc.Query(".a"); !ok || e.Text() != "2" {
		t.Fatalf("snapshot not updated")
	}
	if doc.URL() != "https://x.test/" {
		t.Fatalf("url: %q", doc.URL())
	}
	stop()
	stop()
	_ = s.SetHTML(`<div></div>`)
	if n.Load() != 1 {
		t.Fatalf("expected 1 notification, got %d", n.Load())
	}
	_ = s.Close()
	if _, err := s.Snapshot(ctx); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := s.SetHTML(""); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestFileSource(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "page.html")
	if err := os.WriteFile(path, []byte(`<span id="v">10</span>`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := NewFile(path, "", nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = f.Close() }()

	changed := make(chan struct{}, 16)
	stop, err := f.Observe(ctx, ObserveOptions{}, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	defer stop()

	if err := os.WriteFile(filepath.Join(dir, "other.html"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write other: %v", err)
	}
	if err := os.WriteFile(path, []byte(`<span id="v">20</span>`), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatalf("no change notification")
	}
	doc, err := f.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if e, ok := doc.Query("#v"); !ok || e.Text() != "20" {
		t.Fatalf("expected updated document")
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := f.Observe(ctx, ObserveOptions{}, func() {}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestNewFileMissing(t *testing.T) {
	if _, err := NewFile(filepath.Join(t.TempDir(), "nope.html"), "", nil); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
