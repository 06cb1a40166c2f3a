// Package doctor runs deterministic environment preflight checks and a
// periodic session heartbeat for the knowledge-server runtime.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/docresearch/graphbridge/internal/config"
	"github.com/docresearch/graphbridge/internal/events"
)

const defaultHeartbeatInterval = 30 * time.Second

// Check names reported in health events.
const (
	CheckPython      = "python_executable"
	CheckServer      = "server_script"
	CheckWorkspace   = "workspace_root"
	CheckInput       = "input_documents"
	CheckOutput      = "output_directory"
	CheckSettings    = "settings_file"
	CheckCredentials = "credentials"
)

// Prober reports whether a ready knowledge-server session exists or could be
// established. The session supervisor implements it.
type Prober interface {
	EnsureConnection(ctx context.Context) bool
}

// EventBus publishes health and alert events.
type EventBus interface {
	Publish(event events.Event)
}

// Options controls heartbeat cadence.
type Options struct {
	HeartbeatInterval time.Duration
}

// CheckResult is one preflight check outcome.
type CheckResult struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

// HealthReport is emitted on every heartbeat.
type HealthReport struct {
	Checks           []CheckResult `json:"checks"`
	Healthy          bool          `json:"healthy"`
	MarkdownFiles    int           `json:"markdown_files"`
	SessionConnected bool          `json:"session_connected"`
	Heartbeat        time.Time     `json:"heartbeat"`
}

// Manager executes preflight checks and session probes on a periodic ticker.
type Manager struct {
	cfg               *config.Config
	prober            Prober
	bus               EventBus
	heartbeatInterval time.Duration
	now               func() time.Time
	newTicker         func(time.Duration) *time.Ticker
	lookPath          func(string) (string, error)
}

// NewManager builds a doctor manager with sane defaults.
func NewManager(cfg *config.Config, prober Prober, bus EventBus, opts Options) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if prober == nil {
		return nil, errors.New("session prober is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	return &Manager{
		cfg:               cfg,
		prober:            prober,
		bus:               bus,
		heartbeatInterval: opts.HeartbeatInterval,
		now:               time.Now,
		newTicker:         time.NewTicker,
		lookPath:          exec.LookPath,
	}, nil
}

// Start runs heartbeat checks until context cancellation.
func (m *Manager) Start(ctx context.Context) {
	if m == nil {
		return
	}
	ticker := m.newTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.RunOnce(ctx); err != nil {
				m.bus.Publish(events.Event{
					Type:       events.EventTypeSystemAlert,
					Timestamp:  m.now().UTC(),
					EntityType: "health",
					EntityID:   "doctor",
					Payload: map[string]string{
						"error": err.Error(),
					},
					Severity: events.SeverityError,
				})
			}
		}
	}
}

// RunOnce executes one deterministic health check cycle. Failing checks are
// reported in the health event, not returned as errors.
func (m *Manager) RunOnce(ctx context.Context) (HealthReport, error) {
	if m == nil {
		return HealthReport{}, errors.New("doctor manager is nil")
	}

	now := m.now().UTC()
	report := HealthReport{Heartbeat: now, Healthy: true}

	markdownFiles, checks := m.runChecks()
	report.Checks = checks
	report.MarkdownFiles = markdownFiles
	for _, check := range checks {
		if !check.OK {
			report.Healthy = false
		}
	}

	// Only probe the session when the environment can support one; probing a
	// broken environment would spawn a subprocess that immediately dies.
	if report.Healthy && m.cfg.Enabled {
		report.SessionConnected = m.prober.EnsureConnection(ctx)
	}

	severity := events.SeverityInfo
	if !report.Healthy {
		severity = events.SeverityWarn
	}
	m.bus.Publish(events.Event{
		Type:       events.EventTypeHealthCheck,
		Timestamp:  now,
		EntityType: "health",
		EntityID:   "doctor",
		Payload:    report,
		Severity:   severity,
	})

	return report, nil
}

func (m *Manager) runChecks() (int, []CheckResult) {
	checks := []CheckResult{
		m.checkPython(),
		m.checkFile(CheckServer, m.cfg.ServerScript),
		m.checkDirectory(CheckWorkspace, m.cfg.Root),
		m.checkDirectory(CheckOutput, m.cfg.OutputDir),
		m.checkSettings(),
		m.checkCredentials(),
	}

	markdownFiles, inputCheck := m.checkInput()
	checks = append(checks, inputCheck)
	return markdownFiles, checks
}

func (m *Manager) checkPython() CheckResult {
	executable := m.cfg.PythonExecutable
	if strings.Contains(executable, "/") || strings.ContainsRune(executable, os.PathSeparator) {
		return m.checkFile(CheckPython, executable)
	}
	resolved, err := m.lookPath(executable)
	if err != nil {
		return CheckResult{Name: CheckPython, Detail: fmt.Sprintf("%s not found on PATH", executable)}
	}
	return CheckResult{Name: CheckPython, OK: true, Detail: resolved}
}

func (m *Manager) checkFile(name, path string) CheckResult {
	info, err := os.Stat(path)
	if err != nil {
		return CheckResult{Name: name, Detail: fmt.Sprintf("%s: %v", path, err)}
	}
	if info.IsDir() {
		return CheckResult{Name: name, Detail: fmt.Sprintf("%s is a directory", path)}
	}
	return CheckResult{Name: name, OK: true, Detail: path}
}

func (m *Manager) checkDirectory(name, path string) CheckResult {
	info, err := os.Stat(path)
	if err != nil {
		return CheckResult{Name: name, Detail: fmt.Sprintf("%s: %v", path, err)}
	}
	if !info.IsDir() {
		return CheckResult{Name: name, Detail: fmt.Sprintf("%s is not a directory", path)}
	}
	return CheckResult{Name: name, OK: true, Detail: path}
}

func (m *Manager) checkSettings() CheckResult {
	return m.checkFile(CheckSettings, filepath.Join(m.cfg.Root, "settings.yaml"))
}

func (m *Manager) checkInput() (int, CheckResult) {
	entries, err := os.ReadDir(m.cfg.InputDir)
	if err != nil {
		return 0, CheckResult{Name: CheckInput, Detail: fmt.Sprintf("%s: %v", m.cfg.InputDir, err)}
	}

	markdownFiles := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(entry.Name()), ".md") {
			markdownFiles++
		}
	}
	if markdownFiles == 0 {
		return 0, CheckResult{Name: CheckInput, Detail: fmt.Sprintf("no markdown files in %s", m.cfg.InputDir)}
	}
	return markdownFiles, CheckResult{
		Name:   CheckInput,
		OK:     true,
		Detail: fmt.Sprintf("%d markdown files in %s", markdownFiles, m.cfg.InputDir),
	}
}

func (m *Manager) checkCredentials() CheckResult {
	missing := []string{}
	if m.cfg.Credentials.APIKey == "" {
		missing = append(missing, "AZURE_OPENAI_API_KEY")
	}
	if m.cfg.Credentials.Endpoint == "" {
		missing = append(missing, "AZURE_OPENAI_ENDPOINT")
	}
	if len(missing) > 0 {
		return CheckResult{Name: CheckCredentials, Detail: "missing " + strings.Join(missing, ", ")}
	}
	return CheckResult{Name: CheckCredentials, OK: true, Detail: "credentials present"}
}
