package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/docresearch/graphbridge/internal/config"
)

func TestWatcherCoalescesBurstsIntoOneBatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sink := &batchSink{}
	watcher := newTestWatcher(t, dir, sink)
	defer watcher.Stop()

	writeFile(t, filepath.Join(dir, "one.md"))
	writeFile(t, filepath.Join(dir, "two.md"))

	batch := sink.waitForBatch(t)
	if len(batch) != 2 {
		t.Fatalf("batch = %v, want both files coalesced", batch)
	}
	if batch[0] != filepath.Join(dir, "one.md") || batch[1] != filepath.Join(dir, "two.md") {
		t.Fatalf("batch = %v, want sorted paths", batch)
	}
	if got := sink.batchCount(); got != 1 {
		t.Fatalf("batch count = %d, want 1", got)
	}
}

func TestWatcherIgnoresNonMarkdownFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sink := &batchSink{}
	watcher := newTestWatcher(t, dir, sink)
	defer watcher.Stop()

	writeFile(t, filepath.Join(dir, "notes.txt"))
	writeFile(t, filepath.Join(dir, "image.png"))

	time.Sleep(300 * time.Millisecond)
	if got := sink.batchCount(); got != 0 {
		t.Fatalf("batch count = %d, want 0 for non-markdown files", got)
	}
}

func TestWatcherPicksUpSubsequentBursts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sink := &batchSink{}
	watcher := newTestWatcher(t, dir, sink)
	defer watcher.Stop()

	writeFile(t, filepath.Join(dir, "first.md"))
	sink.waitForBatch(t)

	writeFile(t, filepath.Join(dir, "second.md"))
	batch := sink.waitForBatch(t)
	if len(batch) != 1 || batch[0] != filepath.Join(dir, "second.md") {
		t.Fatalf("second batch = %v", batch)
	}
}

func TestWatcherStopDropsPendingEvents(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sink := &batchSink{}

	cfg := &config.Config{InputDir: dir, WatchDebounce: time.Hour}
	watcher, err := NewWatcher(cfg, sink.record, WithLogger(&silentLogger{}))
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if err := watcher.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	writeFile(t, filepath.Join(dir, "pending.md"))
	time.Sleep(100 * time.Millisecond)
	watcher.Stop()

	if got := sink.batchCount(); got != 0 {
		t.Fatalf("batch count = %d, want 0 after stop with open window", got)
	}
}

func TestWatcherRejectsMissingDirectory(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		InputDir:      filepath.Join(t.TempDir(), "missing"),
		WatchDebounce: 50 * time.Millisecond,
	}
	watcher, err := NewWatcher(cfg, func(context.Context, []string) {}, WithLogger(&silentLogger{}))
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if err := watcher.Start(context.Background()); err == nil {
		watcher.Stop()
		t.Fatal("expected error for missing directory")
	}
}

func newTestWatcher(t *testing.T, dir string, sink *batchSink) *Watcher {
	t.Helper()

	cfg := &config.Config{InputDir: dir, WatchDebounce: 100 * time.Millisecond}
	watcher, err := NewWatcher(cfg, sink.record, WithLogger(&silentLogger{}))
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if err := watcher.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return watcher
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("# doc\n"), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

type batchSink struct {
	mu      sync.Mutex
	batches [][]string
	seen    int
}

func (b *batchSink) record(_ context.Context, files []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, files)
}

func (b *batchSink) batchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batches)
}

// waitForBatch blocks until a batch beyond the ones already consumed arrives.
func (b *batchSink) waitForBatch(t *testing.T) []string {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		if len(b.batches) > b.seen {
			batch := b.batches[b.seen]
			b.seen++
			b.mu.Unlock()
			return batch
		}
		b.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for reindex batch")
	return nil
}

type silentLogger struct{}

func (*silentLogger) Printf(string, ...any) {}
