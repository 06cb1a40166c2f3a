package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultEnabled             = true
	defaultPythonExecutable    = ".venv/bin/python"
	defaultServerScript        = "graphrag/server.py"
	defaultRoot                = "graphrag"
	defaultInputDir            = "input"
	defaultOutputDir           = "output"
	defaultTopK                = 10
	defaultConnectTimeout      = 30 * time.Second
	defaultConnectWaitInterval = 1 * time.Second
	defaultInvokeTimeout       = 5 * time.Minute
	defaultWatchDebounce       = 2 * time.Second
	defaultFallbackAnswerLimit = 1000
	defaultPreviewLimit        = 300
	defaultLogMaxSizeBytes     = 10 * 1024 * 1024
	defaultLogMaxFiles         = 5
)

// Config stores runtime settings loaded from TOML files and the environment.
type Config struct {
	// Enabled gates every knowledge-server operation. When false, operations
	// return disabled results without spawning anything.
	Enabled bool

	// PythonExecutable is the interpreter used to spawn the knowledge server.
	PythonExecutable string
	// ServerScript is the stdio server entry point handed to the interpreter.
	ServerScript string

	// Root is the knowledge-graph workspace directory. Relative paths resolve
	// against the working directory.
	Root      string
	InputDir  string
	OutputDir string

	DefaultTopK int

	ConnectTimeout      time.Duration
	ConnectWaitInterval time.Duration
	InvokeTimeout       time.Duration
	WatchDebounce       time.Duration

	// FallbackAnswerLimit bounds the raw prefix carried into fallback results.
	FallbackAnswerLimit int
	// PreviewLimit bounds logged response and report previews.
	PreviewLimit int

	LogMaxSizeBytes int64
	LogMaxFiles     int

	Credentials Credentials
}

// Credentials is the model-provider surface forwarded to the server subprocess.
// These are sourced from the environment only, never from config files.
type Credentials struct {
	APIKey              string
	Endpoint            string
	Deployment          string
	EmbeddingDeployment string
	APIVersion          string
}

type fileConfig struct {
	Enabled             *bool   `toml:"enabled"`
	PythonExecutable    *string `toml:"python_executable"`
	ServerScript        *string `toml:"server_script"`
	Root                *string `toml:"root"`
	InputDir            *string `toml:"input_dir"`
	OutputDir           *string `toml:"output_dir"`
	DefaultTopK         *int    `toml:"default_top_k"`
	ConnectTimeout      *string `toml:"connect_timeout"`
	ConnectWaitInterval *string `toml:"connect_wait_interval"`
	InvokeTimeout       *string `toml:"invoke_timeout"`
	WatchDebounce       *string `toml:"watch_debounce"`
	FallbackAnswerLimit *int    `toml:"fallback_answer_limit"`
	PreviewLimit        *int    `toml:"preview_limit"`
	LogMaxSizeMB        *int    `toml:"log_max_size_mb"`
	LogMaxFiles         *int    `toml:"log_max_files"`
}

// Load reads config from ~/.graphbridge/config.toml, overlays a project-local
// .graphbridge/config.toml, then applies environment overrides.
func Load(ctx context.Context) (*Config, error) {
	cfg := defaults()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, ".graphbridge", "config.toml"),
		filepath.Join(workingDir, ".graphbridge", "config.toml"),
	}

	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	if err := overlayFromEnv(&cfg, os.Getenv); err != nil {
		return nil, err
	}
	resolvePaths(&cfg, workingDir)

	_ = ctx
	return &cfg, nil
}

func defaults() Config {
	return Config{
		Enabled:             defaultEnabled,
		PythonExecutable:    defaultPythonExecutable,
		ServerScript:        defaultServerScript,
		Root:                defaultRoot,
		InputDir:            defaultInputDir,
		OutputDir:           defaultOutputDir,
		DefaultTopK:         defaultTopK,
		ConnectTimeout:      defaultConnectTimeout,
		ConnectWaitInterval: defaultConnectWaitInterval,
		InvokeTimeout:       defaultInvokeTimeout,
		WatchDebounce:       defaultWatchDebounce,
		FallbackAnswerLimit: defaultFallbackAnswerLimit,
		PreviewLimit:        defaultPreviewLimit,
		LogMaxSizeBytes:     defaultLogMaxSizeBytes,
		LogMaxFiles:         defaultLogMaxFiles,
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}

	applyStringOverrides(cfg, decoded)
	if err := applyScalarOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyLogOverrides(cfg, decoded, path); err != nil {
		return err
	}

	return nil
}

func applyStringOverrides(cfg *Config, decoded fileConfig) {
	if decoded.PythonExecutable != nil {
		cfg.PythonExecutable = strings.TrimSpace(*decoded.PythonExecutable)
	}
	if decoded.ServerScript != nil {
		cfg.ServerScript = strings.TrimSpace(*decoded.ServerScript)
	}
	if decoded.Root != nil {
		cfg.Root = strings.TrimSpace(*decoded.Root)
	}
	if decoded.InputDir != nil {
		cfg.InputDir = strings.TrimSpace(*decoded.InputDir)
	}
	if decoded.OutputDir != nil {
		cfg.OutputDir = strings.TrimSpace(*decoded.OutputDir)
	}
}

func applyScalarOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.Enabled != nil {
		cfg.Enabled = *decoded.Enabled
	}
	if decoded.DefaultTopK != nil {
		if *decoded.DefaultTopK <= 0 {
			return fmt.Errorf("parse default_top_k in %q: must be > 0", path)
		}
		cfg.DefaultTopK = *decoded.DefaultTopK
	}
	if decoded.FallbackAnswerLimit != nil {
		if *decoded.FallbackAnswerLimit <= 0 {
			return fmt.Errorf("parse fallback_answer_limit in %q: must be > 0", path)
		}
		cfg.FallbackAnswerLimit = *decoded.FallbackAnswerLimit
	}
	if decoded.PreviewLimit != nil {
		if *decoded.PreviewLimit <= 0 {
			return fmt.Errorf("parse preview_limit in %q: must be > 0", path)
		}
		cfg.PreviewLimit = *decoded.PreviewLimit
	}
	return nil
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.ConnectTimeout != nil {
		value, err := parseDuration(*decoded.ConnectTimeout, "connect_timeout", path)
		if err != nil {
			return err
		}
		cfg.ConnectTimeout = value
	}
	if decoded.ConnectWaitInterval != nil {
		value, err := parseDuration(*decoded.ConnectWaitInterval, "connect_wait_interval", path)
		if err != nil {
			return err
		}
		cfg.ConnectWaitInterval = value
	}
	if decoded.InvokeTimeout != nil {
		value, err := parseDuration(*decoded.InvokeTimeout, "invoke_timeout", path)
		if err != nil {
			return err
		}
		cfg.InvokeTimeout = value
	}
	if decoded.WatchDebounce != nil {
		value, err := parseDuration(*decoded.WatchDebounce, "watch_debounce", path)
		if err != nil {
			return err
		}
		cfg.WatchDebounce = value
	}
	return nil
}

func applyLogOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.LogMaxSizeMB != nil {
		if *decoded.LogMaxSizeMB <= 0 {
			return fmt.Errorf("parse log_max_size_mb in %q: must be > 0", path)
		}
		cfg.LogMaxSizeBytes = int64(*decoded.LogMaxSizeMB) * 1024 * 1024
	}
	if decoded.LogMaxFiles != nil {
		if *decoded.LogMaxFiles <= 0 {
			return fmt.Errorf("parse log_max_files in %q: must be > 0", path)
		}
		cfg.LogMaxFiles = *decoded.LogMaxFiles
	}
	return nil
}

// overlayFromEnv applies environment overrides on top of file config. The
// lookup function is injectable for tests.
func overlayFromEnv(cfg *Config, lookup func(string) string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}
	if lookup == nil {
		lookup = os.Getenv
	}

	if value := strings.TrimSpace(lookup("GRAPHRAG_ENABLED")); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("parse GRAPHRAG_ENABLED %q: %w", value, err)
		}
		cfg.Enabled = enabled
	}
	if value := strings.TrimSpace(lookup("GRAPHRAG_ROOT")); value != "" {
		cfg.Root = value
	}
	if value := strings.TrimSpace(lookup("GRAPHRAG_INPUT_DIR")); value != "" {
		cfg.InputDir = value
	}
	if value := strings.TrimSpace(lookup("GRAPHRAG_OUTPUT_DIR")); value != "" {
		cfg.OutputDir = value
	}
	if value := strings.TrimSpace(lookup("GRAPHRAG_MCP_SERVER_SCRIPT")); value != "" {
		cfg.ServerScript = value
	}
	if value := strings.TrimSpace(lookup("GRAPHRAG_PYTHON")); value != "" {
		cfg.PythonExecutable = value
	}

	cfg.Credentials = Credentials{
		APIKey:              strings.TrimSpace(lookup("AZURE_OPENAI_API_KEY")),
		Endpoint:            strings.TrimSpace(lookup("AZURE_OPENAI_ENDPOINT")),
		Deployment:          strings.TrimSpace(lookup("AZURE_OPENAI_DEPLOYMENT")),
		EmbeddingDeployment: strings.TrimSpace(lookup("AZURE_OPENAI_EMBEDDING_DEPLOYMENT")),
		APIVersion:          strings.TrimSpace(lookup("AZURE_OPENAI_API_VERSION")),
	}

	return nil
}

// resolvePaths anchors relative workspace paths against the working directory.
// InputDir and OutputDir resolve inside Root when relative.
func resolvePaths(cfg *Config, workingDir string) {
	if cfg == nil {
		return
	}
	if cfg.Root != "" && !filepath.IsAbs(cfg.Root) {
		cfg.Root = filepath.Join(workingDir, cfg.Root)
	}
	if cfg.PythonExecutable != "" && strings.ContainsRune(cfg.PythonExecutable, os.PathSeparator) && !filepath.IsAbs(cfg.PythonExecutable) {
		cfg.PythonExecutable = filepath.Join(workingDir, cfg.PythonExecutable)
	}
	if cfg.ServerScript != "" && !filepath.IsAbs(cfg.ServerScript) {
		cfg.ServerScript = filepath.Join(workingDir, cfg.ServerScript)
	}
	if cfg.InputDir != "" && !filepath.IsAbs(cfg.InputDir) {
		cfg.InputDir = filepath.Join(cfg.Root, cfg.InputDir)
	}
	if cfg.OutputDir != "" && !filepath.IsAbs(cfg.OutputDir) {
		cfg.OutputDir = filepath.Join(cfg.Root, cfg.OutputDir)
	}
}

// ServerEnv builds the environment slice forwarded to the server subprocess:
// the parent environment plus the credential and workspace variables.
func (c *Config) ServerEnv(base []string) []string {
	if c == nil {
		return base
	}

	overrides := map[string]string{
		"GRAPHRAG_ROOT":                     c.Root,
		"GRAPHRAG_INPUT_DIR":                c.InputDir,
		"GRAPHRAG_OUTPUT_DIR":               c.OutputDir,
		"AZURE_OPENAI_API_KEY":              c.Credentials.APIKey,
		"AZURE_OPENAI_ENDPOINT":             c.Credentials.Endpoint,
		"AZURE_OPENAI_DEPLOYMENT":           c.Credentials.Deployment,
		"AZURE_OPENAI_EMBEDDING_DEPLOYMENT": c.Credentials.EmbeddingDeployment,
		"AZURE_OPENAI_API_VERSION":          c.Credentials.APIVersion,
	}

	env := make([]string, 0, len(base)+len(overrides))
	for _, entry := range base {
		key, _, found := strings.Cut(entry, "=")
		if found {
			if _, overridden := overrides[key]; overridden {
				continue
			}
		}
		env = append(env, entry)
	}
	for _, key := range []string{
		"GRAPHRAG_ROOT",
		"GRAPHRAG_INPUT_DIR",
		"GRAPHRAG_OUTPUT_DIR",
		"AZURE_OPENAI_API_KEY",
		"AZURE_OPENAI_ENDPOINT",
		"AZURE_OPENAI_DEPLOYMENT",
		"AZURE_OPENAI_EMBEDDING_DEPLOYMENT",
		"AZURE_OPENAI_API_VERSION",
	} {
		if value := overrides[key]; value != "" {
			env = append(env, key+"="+value)
		}
	}
	return env
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}
