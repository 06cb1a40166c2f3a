// Package session supervises the lifecycle of the single stdio connection to
// the knowledge server subprocess: spawn, handshake, reuse, health probing,
// and teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docresearch/graphbridge/internal/config"
	"github.com/docresearch/graphbridge/internal/events"
	"github.com/docresearch/graphbridge/internal/state"
	"github.com/docresearch/graphbridge/internal/telemetry/invariants"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ErrNotConnected indicates a tool invocation without a live session.
var ErrNotConnected = errors.New("knowledge server session is not connected")

// Conn is one live protocol session to the knowledge server.
type Conn interface {
	ListTools(ctx context.Context) ([]string, error)
	CallTool(ctx context.Context, tool string, arguments map[string]any) (string, error)
	Close() error
}

// Connector establishes a fresh connection. Implementations spawn and
// handshake the server subprocess.
type Connector interface {
	Connect(ctx context.Context) (Conn, error)
}

// HealthProbe decides whether an existing connection can be reused.
type HealthProbe interface {
	IsAlive(ctx context.Context, conn Conn) bool
}

// Logger captures supervisor lifecycle logs.
type Logger interface {
	Printf(format string, args ...any)
}

// liveConn pairs a connection with its leak guard. The finalizer fires only
// when the handle was dropped without an explicit cleanup.
type liveConn struct {
	conn     Conn
	released atomic.Bool
}

// Option customizes supervisor construction.
type Option func(*Supervisor)

// WithHealthProbe overrides the reuse probe.
func WithHealthProbe(probe HealthProbe) Option {
	return func(s *Supervisor) {
		if probe != nil {
			s.probe = probe
		}
	}
}

// WithBus configures the event bus used for connection lifecycle events.
func WithBus(bus events.Bus) Option {
	return func(s *Supervisor) {
		s.bus = bus
	}
}

// WithLogger configures the log sink.
func WithLogger(logger Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStateMachine configures the lifecycle state machine.
func WithStateMachine(machine *state.Machine) Option {
	return func(s *Supervisor) {
		if machine != nil {
			s.machine = machine
		}
	}
}

// Supervisor owns the single knowledge-server session. At most one connection
// attempt runs at a time; concurrent callers either reuse the established
// session or wait one bounded interval and re-check.
type Supervisor struct {
	connector    Connector
	probe        HealthProbe
	machine      *state.Machine
	bus          events.Bus
	logger       Logger
	enabled      bool
	waitInterval time.Duration
	connID       string

	conn  atomic.Pointer[liveConn]
	tools atomic.Pointer[[]string]

	mu         sync.Mutex
	connecting bool

	sleep func(time.Duration)
}

// NewSupervisor builds a supervisor over the given connector.
func NewSupervisor(cfg *config.Config, connector Connector, options ...Option) (*Supervisor, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if connector == nil {
		return nil, errors.New("connector is required")
	}

	supervisor := &Supervisor{
		connector:    connector,
		probe:        &ListToolsProbe{},
		logger:       log.Default(),
		enabled:      cfg.Enabled,
		waitInterval: cfg.ConnectWaitInterval,
		connID:       uuid.NewString(),
		sleep:        time.Sleep,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(supervisor)
	}
	if supervisor.machine == nil {
		machine, err := state.NewMachine(noopRecorder{})
		if err != nil {
			return nil, fmt.Errorf("build state machine: %w", err)
		}
		supervisor.machine = machine
	}
	return supervisor, nil
}

// EnsureConnection returns true when a ready session exists or was newly
// established. The reuse probe runs without the lock; a stale read only costs
// a redundant reconnect because cleanup is idempotent.
func (s *Supervisor) EnsureConnection(ctx context.Context) bool {
	if !s.enabled {
		return false
	}

	if live := s.conn.Load(); live != nil {
		if s.probe.IsAlive(ctx, live.conn) {
			return true
		}
		s.logger.Printf("session: health probe failed for connection %s, reconnecting", s.connID)
		s.Cleanup(ctx)
	}

	s.mu.Lock()
	if s.conn.Load() != nil {
		// Another caller connected while we waited for the lock.
		s.mu.Unlock()
		return true
	}
	if s.connecting {
		s.mu.Unlock()
		s.sleep(s.waitInterval)
		return s.conn.Load() != nil
	}
	s.connecting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.connecting = false
		s.mu.Unlock()
	}()

	return s.connect(ctx)
}

func (s *Supervisor) connect(ctx context.Context) bool {
	if err := s.machine.Transition(ctx, s.connID, state.StateAbsent, state.StateConnecting, "connection attempt"); err != nil {
		s.logger.Printf("session: transition to connecting failed: %v", err)
		return false
	}

	conn, err := s.connector.Connect(ctx)
	if err != nil {
		s.logger.Printf("session: connect failed: %v", err)
		s.abortConnect(ctx, "connect failed")
		return false
	}

	live := &liveConn{conn: conn}
	s.installLeakGuard(live)
	s.conn.Store(live)

	// Capabilities are enumerated for the log only. Unknown or missing tools
	// are tolerated, but a transport failure here means the handshake did not
	// actually survive.
	tools, err := conn.ListTools(ctx)
	if err != nil {
		s.logger.Printf("session: capability enumeration failed: %v", err)
		s.Cleanup(ctx)
		s.abortConnect(ctx, "capability enumeration failed")
		return false
	}
	s.tools.Store(&tools)
	s.logger.Printf("session: connected with %d tools: %s", len(tools), strings.Join(tools, ", "))

	if err := s.machine.Transition(ctx, s.connID, state.StateConnecting, state.StateReady, "handshake complete"); err != nil {
		s.logger.Printf("session: transition to ready failed: %v", err)
		s.Cleanup(ctx)
		return false
	}
	s.publish(events.EventTypeConnectionEstablished, events.SeverityInfo, map[string]any{"tools": tools})
	return true
}

// abortConnect returns the lifecycle to absent after a failed attempt. The
// transition may already have happened through Cleanup.
func (s *Supervisor) abortConnect(ctx context.Context, reason string) {
	if s.machine.Current(s.connID) != state.StateConnecting {
		return
	}
	if err := s.machine.Transition(ctx, s.connID, state.StateConnecting, state.StateAbsent, reason); err != nil {
		s.logger.Printf("session: transition to absent failed: %v", err)
	}
}

// Cleanup tears down the session. It is idempotent, never fails, and always
// leaves the handle nil so the next EnsureConnection starts clean.
func (s *Supervisor) Cleanup(ctx context.Context) {
	live := s.conn.Swap(nil)
	s.tools.Store(nil)
	if live == nil {
		return
	}

	live.released.Store(true)
	runtime.SetFinalizer(live, nil)
	if err := live.conn.Close(); err != nil {
		s.logger.Printf("session: close failed: %v", err)
	}

	current := s.machine.Current(s.connID)
	if current != state.StateAbsent {
		if err := s.machine.Transition(ctx, s.connID, current, state.StateAbsent, "cleanup"); err != nil {
			s.logger.Printf("session: transition to absent failed: %v", err)
		}
	}
	s.publish(events.EventTypeConnectionLost, events.SeverityWarn, nil)
}

// Invoke forwards a tool call over the live session and returns the raw text
// payload. Invocation failures are the caller's to handle; this layer never
// retries.
func (s *Supervisor) Invoke(ctx context.Context, tool string, arguments map[string]any) (string, error) {
	live := s.conn.Load()
	if live == nil {
		return "", ErrNotConnected
	}
	text, err := live.conn.CallTool(ctx, tool, arguments)
	if err != nil {
		return "", fmt.Errorf("call tool %s: %w", tool, err)
	}
	return text, nil
}

// Connected reports whether a session handle currently exists. It does not
// probe health.
func (s *Supervisor) Connected() bool {
	return s.conn.Load() != nil
}

// Tools returns the capability names enumerated at connect time.
func (s *Supervisor) Tools() []string {
	tools := s.tools.Load()
	if tools == nil {
		return nil
	}
	out := make([]string, len(*tools))
	copy(out, *tools)
	return out
}

// ConnectionID identifies this supervisor's connection in events and spans.
func (s *Supervisor) ConnectionID() string {
	return s.connID
}

func (s *Supervisor) installLeakGuard(live *liveConn) {
	logger := s.logger
	connID := s.connID
	runtime.SetFinalizer(live, func(leaked *liveConn) {
		if leaked.released.Load() {
			return
		}
		logger.Printf("session: connection %s discarded without cleanup, closing leaked handles", connID)
		invariants.CheckSessionReleased(context.Background(), "session.Supervisor.finalizer", false)
		_ = leaked.conn.Close()
	})
}

func (s *Supervisor) publish(eventType, severity string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:       eventType,
		EntityType: "connection",
		EntityID:   s.connID,
		Payload:    payload,
		Severity:   severity,
	})
}

// ListToolsProbe checks liveness with the cheapest read-only capability query.
type ListToolsProbe struct{}

var _ HealthProbe = (*ListToolsProbe)(nil)

// IsAlive returns false on any transport failure.
func (p *ListToolsProbe) IsAlive(ctx context.Context, conn Conn) bool {
	if conn == nil {
		return false
	}
	_, err := conn.ListTools(ctx)
	return err == nil
}

// noopRecorder satisfies the state machine when no event bus is wired.
type noopRecorder struct{}

func (noopRecorder) RecordTransition(state.TransitionRecord) error { return nil }

// StdioConnector spawns the Python knowledge server and connects over stdio.
type StdioConnector struct {
	cfg      *config.Config
	logger   Logger
	lookPath func(string) (string, error)
	environ  func() []string
}

var _ Connector = (*StdioConnector)(nil)

// NewStdioConnector builds a connector from runtime configuration.
func NewStdioConnector(cfg *config.Config, logger Logger) (*StdioConnector, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &StdioConnector{
		cfg:      cfg,
		logger:   logger,
		lookPath: exec.LookPath,
		environ:  os.Environ,
	}, nil
}

// Connect verifies the interpreter and server script exist, spawns the
// subprocess, and performs the protocol handshake.
func (c *StdioConnector) Connect(ctx context.Context) (Conn, error) {
	python, err := c.resolveExecutable()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(c.cfg.ServerScript); err != nil {
		return nil, fmt.Errorf("server script %q: %w", c.cfg.ServerScript, err)
	}

	connectCtx := ctx
	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}

	// #nosec G204 -- interpreter and script paths come from local configuration.
	cmd := exec.Command(python, c.cfg.ServerScript)
	cmd.Env = c.cfg.ServerEnv(c.environ())
	cmd.Dir = c.cfg.Root

	client := mcp.NewClient(&mcp.Implementation{Name: "graphbridge", Version: "1.0.0"}, nil)
	session, err := client.Connect(connectCtx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to knowledge server: %w", err)
	}

	c.logger.Printf("session: spawned knowledge server %s %s", python, c.cfg.ServerScript)
	return &mcpConn{session: session}, nil
}

func (c *StdioConnector) resolveExecutable() (string, error) {
	executable := c.cfg.PythonExecutable
	if strings.ContainsRune(executable, os.PathSeparator) || strings.Contains(executable, "/") {
		path := executable
		if !filepath.IsAbs(path) {
			path = filepath.Clean(path)
		}
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("python executable %q: %w", executable, err)
		}
		return path, nil
	}
	resolved, err := c.lookPath(executable)
	if err != nil {
		return "", fmt.Errorf("python executable %q: %w", executable, err)
	}
	return resolved, nil
}

// mcpConn adapts an MCP client session to the Conn interface.
type mcpConn struct {
	session *mcp.ClientSession
}

var _ Conn = (*mcpConn)(nil)

func (c *mcpConn) ListTools(ctx context.Context) ([]string, error) {
	result, err := c.session.ListTools(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	return names, nil
}

// CallTool returns the first text payload of the response, or an empty JSON
// object when the response carries no text content.
func (c *mcpConn) CallTool(ctx context.Context, tool string, arguments map[string]any) (string, error) {
	result, err := c.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      tool,
		Arguments: arguments,
	})
	if err != nil {
		return "", err
	}
	for _, content := range result.Content {
		if text, ok := content.(*mcp.TextContent); ok {
			return text.Text, nil
		}
	}
	return "{}", nil
}

func (c *mcpConn) Close() error {
	return c.session.Close()
}
