package doctor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/docresearch/graphbridge/internal/config"
	"github.com/docresearch/graphbridge/internal/events"
)

func TestNewManagerValidatesInputsAndDefaults(t *testing.T) {
	t.Parallel()

	cfg := healthyWorkspace(t)
	prober := &fakeProber{ready: true}
	bus := &captureBus{}

	if _, err := NewManager(nil, prober, bus, Options{}); err == nil {
		t.Fatal("expected error for nil config")
	}
	if _, err := NewManager(cfg, nil, bus, Options{}); err == nil {
		t.Fatal("expected error for nil prober")
	}
	if _, err := NewManager(cfg, prober, nil, Options{}); err == nil {
		t.Fatal("expected error for nil event bus")
	}

	manager, err := NewManager(cfg, prober, bus, Options{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if manager.heartbeatInterval != defaultHeartbeatInterval {
		t.Fatalf("heartbeat interval = %s, want default", manager.heartbeatInterval)
	}
}

func TestRunOnceReportsHealthyEnvironment(t *testing.T) {
	t.Parallel()

	cfg := healthyWorkspace(t)
	bus := &captureBus{}
	prober := &fakeProber{ready: true}

	manager, err := NewManager(cfg, prober, bus, Options{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	manager.now = func() time.Time { return fixed }

	report, err := manager.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}

	if !report.Healthy {
		t.Fatalf("report unhealthy: %+v", report.Checks)
	}
	if report.MarkdownFiles != 2 {
		t.Fatalf("markdown files = %d, want 2", report.MarkdownFiles)
	}
	if !report.SessionConnected {
		t.Fatal("session not probed on healthy environment")
	}
	if report.Heartbeat != fixed {
		t.Fatalf("heartbeat = %s, want %s", report.Heartbeat, fixed)
	}
	if prober.calls != 1 {
		t.Fatalf("prober calls = %d, want 1", prober.calls)
	}

	event := bus.lastOfType(events.EventTypeHealthCheck)
	if event == nil {
		t.Fatal("no health check event published")
	}
	if event.Severity != events.SeverityInfo {
		t.Fatalf("event severity = %q, want info", event.Severity)
	}
}

func TestRunOnceFlagsMissingPieces(t *testing.T) {
	t.Parallel()

	cfg := healthyWorkspace(t)
	cfg.ServerScript = filepath.Join(cfg.Root, "missing.py")
	cfg.Credentials.APIKey = ""
	bus := &captureBus{}
	prober := &fakeProber{ready: true}

	manager, err := NewManager(cfg, prober, bus, Options{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	report, err := manager.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}

	if report.Healthy {
		t.Fatal("report healthy despite missing script and credentials")
	}
	if report.SessionConnected {
		t.Fatal("session probed on broken environment")
	}
	if prober.calls != 0 {
		t.Fatalf("prober calls = %d, want 0", prober.calls)
	}

	failed := failedCheckNames(report)
	if _, ok := failed[CheckServer]; !ok {
		t.Fatalf("server check passed; failed checks = %v", failed)
	}
	if _, ok := failed[CheckCredentials]; !ok {
		t.Fatalf("credentials check passed; failed checks = %v", failed)
	}

	event := bus.lastOfType(events.EventTypeHealthCheck)
	if event == nil {
		t.Fatal("no health check event published")
	}
	if event.Severity != events.SeverityWarn {
		t.Fatalf("event severity = %q, want warn", event.Severity)
	}
}

func TestRunOnceFlagsEmptyInputDirectory(t *testing.T) {
	t.Parallel()

	cfg := healthyWorkspace(t)
	for _, name := range []string{"one.md", "two.md"} {
		if err := os.Remove(filepath.Join(cfg.InputDir, name)); err != nil {
			t.Fatalf("remove input file: %v", err)
		}
	}

	manager, err := NewManager(cfg, &fakeProber{ready: true}, &captureBus{}, Options{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	report, err := manager.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}

	if report.Healthy {
		t.Fatal("report healthy with no input documents")
	}
	if _, ok := failedCheckNames(report)[CheckInput]; !ok {
		t.Fatal("input check passed with no markdown files")
	}
}

func TestRunOnceSkipsProbeWhenDisabled(t *testing.T) {
	t.Parallel()

	cfg := healthyWorkspace(t)
	cfg.Enabled = false
	prober := &fakeProber{ready: true}

	manager, err := NewManager(cfg, prober, &captureBus{}, Options{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	report, err := manager.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if report.SessionConnected {
		t.Fatal("disabled runtime reported a session")
	}
	if prober.calls != 0 {
		t.Fatalf("prober calls = %d, want 0 when disabled", prober.calls)
	}
}

func TestStartRunsHeartbeatUntilCancelled(t *testing.T) {
	t.Parallel()

	cfg := healthyWorkspace(t)
	bus := &captureBus{}
	prober := &fakeProber{ready: true}

	manager, err := NewManager(cfg, prober, bus, Options{HeartbeatInterval: time.Hour})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	tick := make(chan time.Time, 2)
	manager.newTicker = func(time.Duration) *time.Ticker {
		ticker := time.NewTicker(time.Hour)
		ticker.C = tick
		return ticker
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		manager.Start(ctx)
	}()

	tick <- time.Now()
	waitFor(t, func() bool { return bus.countOfType(events.EventTypeHealthCheck) >= 1 })

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("start did not stop on cancellation")
	}
}

func failedCheckNames(report HealthReport) map[string]struct{} {
	failed := map[string]struct{}{}
	for _, check := range report.Checks {
		if !check.OK {
			failed[check.Name] = struct{}{}
		}
	}
	return failed
}

// healthyWorkspace lays out an on-disk workspace that passes every check.
func healthyWorkspace(t *testing.T) *config.Config {
	t.Helper()

	root := t.TempDir()
	inputDir := filepath.Join(root, "input")
	outputDir := filepath.Join(root, "output")
	for _, dir := range []string{inputDir, outputDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}

	python := filepath.Join(root, "python")
	script := filepath.Join(root, "server.py")
	settings := filepath.Join(root, "settings.yaml")
	for _, file := range []string{python, script, settings} {
		if err := os.WriteFile(file, []byte("placeholder\n"), 0o600); err != nil {
			t.Fatalf("write %s: %v", file, err)
		}
	}
	for _, name := range []string{"one.md", "two.md"} {
		if err := os.WriteFile(filepath.Join(inputDir, name), []byte("# doc\n"), 0o600); err != nil {
			t.Fatalf("write input doc: %v", err)
		}
	}

	return &config.Config{
		Enabled:          true,
		PythonExecutable: python,
		ServerScript:     script,
		Root:             root,
		InputDir:         inputDir,
		OutputDir:        outputDir,
		Credentials: config.Credentials{
			APIKey:   "key",
			Endpoint: "https://example.test",
		},
	}
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

type fakeProber struct {
	ready bool
	calls int
}

func (f *fakeProber) EnsureConnection(context.Context) bool {
	f.calls++
	return f.ready
}

type captureBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureBus) Publish(event events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureBus) lastOfType(eventType string) *events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].Type == eventType {
			event := c.events[i]
			return &event
		}
	}
	return nil
}

func (c *captureBus) countOfType(eventType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, event := range c.events {
		if event.Type == eventType {
			count++
		}
	}
	return count
}
