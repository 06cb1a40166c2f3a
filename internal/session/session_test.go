package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docresearch/graphbridge/internal/config"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestEnsureConnectionReusesHealthySession(t *testing.T) {
	t.Parallel()

	connector := &fakeConnector{}
	supervisor := newTestSupervisor(t, connector)

	for i := 0; i < 5; i++ {
		if !supervisor.EnsureConnection(context.Background()) {
			t.Fatalf("ensure connection %d returned false", i)
		}
	}

	if got := connector.connects.Load(); got != 1 {
		t.Fatalf("connect count = %d, want 1 for healthy reuse", got)
	}
}

func TestEnsureConnectionReconnectsAfterProbeFailure(t *testing.T) {
	t.Parallel()

	connector := &fakeConnector{}
	supervisor := newTestSupervisor(t, connector)

	if !supervisor.EnsureConnection(context.Background()) {
		t.Fatal("initial connect returned false")
	}

	first := connector.last()
	first.failListTools(errors.New("pipe closed"))

	if !supervisor.EnsureConnection(context.Background()) {
		t.Fatal("reconnect returned false")
	}

	if got := connector.connects.Load(); got != 2 {
		t.Fatalf("connect count = %d, want 2 after probe failure", got)
	}
	if got := first.closes.Load(); got != 1 {
		t.Fatalf("stale connection close count = %d, want 1", got)
	}
}

func TestEnsureConnectionReturnsFalseWhenDisabled(t *testing.T) {
	t.Parallel()

	connector := &fakeConnector{}
	cfg := testConfig()
	cfg.Enabled = false

	supervisor, err := NewSupervisor(cfg, connector, WithLogger(&silentLogger{}))
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}

	if supervisor.EnsureConnection(context.Background()) {
		t.Fatal("disabled supervisor reported a connection")
	}
	if got := connector.connects.Load(); got != 0 {
		t.Fatalf("connect count = %d, want 0 when disabled", got)
	}
}

func TestEnsureConnectionFailureCleansUpAndReturnsFalse(t *testing.T) {
	t.Parallel()

	connector := &fakeConnector{connectErr: errors.New("spawn failed")}
	supervisor := newTestSupervisor(t, connector)

	if supervisor.EnsureConnection(context.Background()) {
		t.Fatal("failed connect reported success")
	}
	if supervisor.Connected() {
		t.Fatal("supervisor holds a handle after failed connect")
	}

	// The next caller re-triggers the same path.
	connector.setConnectErr(nil)
	if !supervisor.EnsureConnection(context.Background()) {
		t.Fatal("recovery connect returned false")
	}
}

func TestEnsureConnectionSingleflight(t *testing.T) {
	t.Parallel()

	connector := &fakeConnector{connectDelay: 50 * time.Millisecond}
	supervisor := newTestSupervisor(t, connector)

	const callers = 8
	results := make([]bool, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = supervisor.EnsureConnection(context.Background())
		}()
	}
	wg.Wait()

	if got := connector.connects.Load(); got != 1 {
		t.Fatalf("connect count = %d, want exactly 1 under concurrent callers", got)
	}
	for i, ready := range results {
		if !ready {
			t.Fatalf("caller %d observed not-ready after successful singleflight connect", i)
		}
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	t.Parallel()

	connector := &fakeConnector{}
	supervisor := newTestSupervisor(t, connector)

	if !supervisor.EnsureConnection(context.Background()) {
		t.Fatal("connect returned false")
	}
	conn := connector.last()

	supervisor.Cleanup(context.Background())
	supervisor.Cleanup(context.Background())

	if got := conn.closes.Load(); got != 1 {
		t.Fatalf("close count = %d, want 1 across repeated cleanup", got)
	}
	if supervisor.Connected() {
		t.Fatal("supervisor still connected after cleanup")
	}
	if supervisor.Tools() != nil {
		t.Fatal("tools survive cleanup")
	}
}

func TestCleanupSwallowsCloseErrors(t *testing.T) {
	t.Parallel()

	connector := &fakeConnector{closeErr: errors.New("already dead")}
	supervisor := newTestSupervisor(t, connector)

	if !supervisor.EnsureConnection(context.Background()) {
		t.Fatal("connect returned false")
	}

	supervisor.Cleanup(context.Background())
	if supervisor.Connected() {
		t.Fatal("handle not nilled after failing close")
	}
}

func TestInvokeRequiresConnection(t *testing.T) {
	t.Parallel()

	connector := &fakeConnector{}
	supervisor := newTestSupervisor(t, connector)

	_, err := supervisor.Invoke(context.Background(), "local_search", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("error = %v, want ErrNotConnected", err)
	}
}

func TestInvokeReturnsFirstTextPayload(t *testing.T) {
	t.Parallel()

	connector := &fakeConnector{callText: `{"status": "success"}`}
	supervisor := newTestSupervisor(t, connector)

	if !supervisor.EnsureConnection(context.Background()) {
		t.Fatal("connect returned false")
	}

	text, err := supervisor.Invoke(context.Background(), "local_search", map[string]any{"query": "q"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if text != `{"status": "success"}` {
		t.Fatalf("payload = %q", text)
	}

	conn := connector.last()
	if got := conn.lastTool(); got != "local_search" {
		t.Fatalf("tool = %q, want local_search", got)
	}
}

func TestInvokeWrapsCallErrors(t *testing.T) {
	t.Parallel()

	connector := &fakeConnector{callErr: errors.New("transport reset")}
	supervisor := newTestSupervisor(t, connector)

	if !supervisor.EnsureConnection(context.Background()) {
		t.Fatal("connect returned false")
	}

	_, err := supervisor.Invoke(context.Background(), "global_search", nil)
	if err == nil {
		t.Fatal("expected invoke error")
	}
	if !strings.Contains(err.Error(), "call tool global_search") {
		t.Fatalf("error = %v, missing tool wrap", err)
	}
}

func TestEnsureConnectionEnumeratesCapabilities(t *testing.T) {
	t.Parallel()

	connector := &fakeConnector{tools: []string{"index_documents", "local_search", "global_search"}}
	supervisor := newTestSupervisor(t, connector)

	if !supervisor.EnsureConnection(context.Background()) {
		t.Fatal("connect returned false")
	}

	tools := supervisor.Tools()
	if len(tools) != 3 || tools[1] != "local_search" {
		t.Fatalf("tools = %v", tools)
	}
}

func TestStdioConnectorRejectsMissingExecutable(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.PythonExecutable = filepath.Join(t.TempDir(), "bin", "python")

	connector, err := NewStdioConnector(cfg, &silentLogger{})
	if err != nil {
		t.Fatalf("new connector: %v", err)
	}

	_, err = connector.Connect(context.Background())
	if err == nil {
		t.Fatal("expected error for missing executable")
	}
	if !strings.Contains(err.Error(), "python executable") {
		t.Fatalf("error = %v, want executable check failure", err)
	}
}

func TestStdioConnectorRejectsMissingServerScript(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	python := filepath.Join(dir, "python")
	if err := os.WriteFile(python, []byte("#!/bin/sh\n"), 0o700); err != nil {
		t.Fatalf("write fake interpreter: %v", err)
	}

	cfg := testConfig()
	cfg.PythonExecutable = python
	cfg.ServerScript = filepath.Join(dir, "missing", "server.py")

	connector, err := NewStdioConnector(cfg, &silentLogger{})
	if err != nil {
		t.Fatalf("new connector: %v", err)
	}

	_, err = connector.Connect(context.Background())
	if err == nil {
		t.Fatal("expected error for missing server script")
	}
	if !strings.Contains(err.Error(), "server script") {
		t.Fatalf("error = %v, want script check failure", err)
	}
}

func newTestSupervisor(t *testing.T, connector *fakeConnector) *Supervisor {
	t.Helper()

	supervisor, err := NewSupervisor(testConfig(), connector, WithLogger(&silentLogger{}))
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	return supervisor
}

func testConfig() *config.Config {
	return &config.Config{
		Enabled:             true,
		PythonExecutable:    ".venv/bin/python",
		ServerScript:        "graphrag/server.py",
		ConnectTimeout:      5 * time.Second,
		ConnectWaitInterval: 200 * time.Millisecond,
		InvokeTimeout:       time.Minute,
	}
}

type silentLogger struct{}

func (*silentLogger) Printf(string, ...any) {}

type fakeConnector struct {
	mu           sync.Mutex
	connectErr   error
	connectDelay time.Duration
	closeErr     error
	callText     string
	callErr      error
	tools        []string

	connects atomic.Int32
	conns    []*fakeConn
}

func (f *fakeConnector) Connect(ctx context.Context) (Conn, error) {
	if f.connectDelay > 0 {
		select {
		case <-time.After(f.connectDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return nil, f.connectErr
	}

	f.connects.Add(1)
	conn := &fakeConn{
		tools:    f.tools,
		callText: f.callText,
		callErr:  f.callErr,
		closeErr: f.closeErr,
	}
	f.conns = append(f.conns, conn)
	return conn, nil
}

func (f *fakeConnector) setConnectErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

func (f *fakeConnector) last() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

type fakeConn struct {
	mu       sync.Mutex
	tools    []string
	listErr  error
	callText string
	callErr  error
	closeErr error
	tool     string

	closes atomic.Int32
}

func (f *fakeConn) ListTools(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tools, nil
}

func (f *fakeConn) CallTool(_ context.Context, tool string, _ map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tool = tool
	if f.callErr != nil {
		return "", f.callErr
	}
	if f.callText == "" {
		return "{}", nil
	}
	return f.callText, nil
}

func (f *fakeConn) Close() error {
	f.closes.Add(1)
	return f.closeErr
}

func (f *fakeConn) failListTools(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

func (f *fakeConn) lastTool() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tool
}
