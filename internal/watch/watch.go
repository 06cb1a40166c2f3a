// Package watch monitors the input document directory and triggers
// re-indexing when markdown files change.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docresearch/graphbridge/internal/config"
	"github.com/fsnotify/fsnotify"
)

// Reindexer receives the coalesced batch of changed markdown files.
type Reindexer func(ctx context.Context, files []string)

// Logger captures watcher logs.
type Logger interface {
	Printf(format string, args ...any)
}

// Option customizes watcher construction.
type Option func(*Watcher)

// WithLogger configures the log sink.
func WithLogger(logger Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDebounce overrides the event coalescing window.
func WithDebounce(debounce time.Duration) Option {
	return func(w *Watcher) {
		if debounce > 0 {
			w.debounce = debounce
		}
	}
}

// Watcher coalesces bursts of file events into single re-index batches.
// Editors save through temp-file renames and multi-chunk writes, so each
// event resets the debounce window instead of firing immediately.
type Watcher struct {
	dir      string
	debounce time.Duration
	reindex  Reindexer
	logger   Logger

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
	runCtx  context.Context
}

// NewWatcher builds a watcher over the configured input directory.
func NewWatcher(cfg *config.Config, reindex Reindexer, options ...Option) (*Watcher, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if reindex == nil {
		return nil, errors.New("reindex callback is required")
	}

	watcher := &Watcher{
		dir:      cfg.InputDir,
		debounce: cfg.WatchDebounce,
		reindex:  reindex,
		logger:   log.Default(),
		pending:  map[string]struct{}{},
	}
	if watcher.debounce <= 0 {
		watcher.debounce = 2 * time.Second
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(watcher)
	}
	return watcher, nil
}

// Start begins watching. It returns once the watch is installed; event
// processing continues until Stop or context cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	if err := notifier.Add(w.dir); err != nil {
		_ = notifier.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.watcher = notifier
	w.cancel = cancel
	w.mu.Lock()
	w.runCtx = runCtx
	w.mu.Unlock()

	w.wg.Add(1)
	go w.processEvents(runCtx)

	w.logger.Printf("watch: monitoring %s", w.dir)
	return nil
}

// Stop ends watching and waits for the event loop to exit. Pending events in
// an open debounce window are dropped.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.watcher != nil {
		if err := w.watcher.Close(); err != nil {
			w.logger.Printf("watch: close failed: %v", err)
		}
	}

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	w.wg.Wait()
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("watch: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	if !strings.EqualFold(filepath.Ext(event.Name), ".md") {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[event.Name] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = map[string]struct{}{}
	ctx := w.runCtx
	w.mu.Unlock()

	if len(pending) == 0 || ctx == nil || ctx.Err() != nil {
		return
	}

	files := make([]string, 0, len(pending))
	for file := range pending {
		files = append(files, file)
	}
	sort.Strings(files)

	w.logger.Printf("watch: %d changed markdown files, triggering reindex", len(files))
	w.reindex(ctx, files)
}
