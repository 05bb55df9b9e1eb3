// Package watch turns a directory of section drafts into editor edits.
//
// Each file is named after a section ("basic.json", "stages.json", ...)
// and holds that section's payload as a JSON object. Creating or writing
// a file marks the section dirty; the scheduler's debounce coalesces the
// bursts of write events editors produce.
package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/carlosandia/crm-renove-sub007/internal/payload"
	"github.com/carlosandia/crm-renove-sub007/internal/section"
)

// Sink receives section edits. *editor.Editor satisfies it.
type Sink interface {
	MarkSectionDirty(n section.Name, p payload.Payload) error
}

// Watcher watches one drafts directory.
type Watcher struct {
	dir    string
	sink   Sink
	logger *slog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// New creates a watcher for dir. It must be started with Start.
func New(dir string, sink Sink, opts ...Option) *Watcher {
	w := &Watcher{dir: dir, sink: sink, logger: slog.Default()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// SectionFor maps a draft path to its section. ok is false for files
// that are not section drafts.
func SectionFor(path string) (section.Name, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".json") {
		return "", false
	}
	n := section.Name(strings.TrimSuffix(base, ".json"))
	return n, n.Valid()
}

// Scan loads every draft currently in the directory, in tab order.
func (w *Watcher) Scan() error {
	var errs []error
	for _, n := range section.All() {
		path := filepath.Join(w.dir, string(n)+".json")
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		errs = append(errs, w.apply(path, n))
	}
	return errors.Join(errs...)
}

// Start begins watching. Returns an error if the directory cannot be
// watched.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	w.watcher = fw
	w.done = make(chan struct{})
	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	w.logger.Info("watching drafts", "dir", w.dir)
	return nil
}

// Stop stops watching and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			n, ok := SectionFor(ev.Name)
			if !ok {
				continue
			}
			if err := w.apply(ev.Name, n); err != nil {
				// Partial writes decode badly; the next write event retries.
				w.logger.Warn("draft not applied", "path", ev.Name, "error", err)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watch error", "dir", w.dir, "error", err)
		}
	}
}

func (w *Watcher) apply(path string, n section.Name) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read draft %s: %w", n, err)
	}
	p, err := payload.Decode(data)
	if err != nil {
		return fmt.Errorf("read draft %s: %w", n, err)
	}
	if err := w.sink.MarkSectionDirty(n, p); err != nil {
		return fmt.Errorf("apply draft %s: %w", n, err)
	}
	w.logger.Debug("draft applied", "section", string(n))
	return nil
}
