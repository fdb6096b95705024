package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/loykin/creditwatch/internal/document"
)

// File serves an HTML file from disk and treats every write to it as a
// mutation. The parent directory is watched so editors that replace the file
// on save are still seen.
type File struct {
	path string
	url  string
	log  *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	obs     observers
	done    chan struct{}
	closed  bool
}

func NewFile(path, url string, log *slog.Logger) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("source file: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	if url == "" {
		url = "file://" + abs
	}
	return &File{path: abs, url: url, log: log}, nil
}

func (f *File) Snapshot(context.Context) (document.Document, error) {
	fh, err := os.Open(f.path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = fh.Close() }()
	return document.Parse(fh, f.url)
}

// Observe starts the watcher on first use.
func (f *File) Observe(_ context.Context, _ ObserveOptions, fn func()) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	if f.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("create watcher: %w", err)
		}
		if err := w.Add(filepath.Dir(f.path)); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("watch %s: %w", filepath.Dir(f.path), err)
		}
		f.watcher = w
		f.done = make(chan struct{})
		go f.run(w, f.done)
	}
	return f.obs.add(fn), nil
}

func (f *File) run(w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != f.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				f.obs.notify()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			f.log.Warn("source file watcher error", "path", f.path, "error", err)
		}
	}
}

func (f *File) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	w, done := f.watcher, f.done
	f.mu.Unlock()
	f.obs.clear()
	if w == nil {
		return nil
	}
	err := w.Close()
	<-done
	return err
}
