// internal/config/config.go
//
// This package handles configuration and the .watchdog directory structure.
// Every project that runs the watchdog gets a .watchdog/ folder in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WatchdogDir is the name of the directory we create in each project
	WatchdogDir = ".watchdog"

	DefaultTracePath    = "trace.txt"
	DefaultOutputRoot   = "results"
	DefaultSeparator    = "\t"
	DefaultIDPattern    = "[A-Za-z]+_[0-9]+"
	DefaultPollInterval = 5 * time.Second
	DefaultInactivity   = 15 * time.Second
	DefaultMinProcesses = 5
	DefaultRemote       = "origin"

	DefaultBridgeHost          = "127.0.0.1"
	DefaultBridgePort          = 8765
	DefaultBridgeMaxBody int64 = 1 << 20
)

// ErrNoTerminalSet is returned when no terminal processes are configured.
var ErrNoTerminalSet = errors.New("terminal_processes is required")

const defaultProjectConfigYAML = `# pipeline-watchdog configuration
version: 1

trace:
  # Execution trace written by the workflow engine (relative to the project).
  path: trace.txt
  # separator: "\t"
  # Pattern that extracts the participant id from a task label.
  id_pattern: "[A-Za-z]+_[0-9]+"

# Per-participant results live in <output_root>/<id>/.
output_root: results

# Branch endpoints of the per-participant pipeline. A list or "a, b, c".
terminal_processes: []

detection:
  poll_interval: 5s
  inactivity_threshold: 15s
  # Opt-in: after this much trace silence, RUNNING/SUBMITTED/PENDING processes
  # stop blocking and the participant may be finalized as PARTIAL. Must be far
  # above the longest single task (ICA, HRV on a full recording). Off by default.
  # stall_after: 6h
  min_processes: 5

sync:
  enabled: true
  remote: origin
  # branch: main
  dry_run: false
  cross_process_lock: true
  # command_timeout: 2m

# Remembers finalized participants across restarts. Empty disables.
state_file: .watchdog/state/finalized.json

bridge:
  enabled: false
  host: 127.0.0.1
  port: 8765
  # max_body_bytes: 1048576
`

// TerminalSet is the ordered list of terminal process names. YAML accepts a
// sequence or a comma-separated string.
type TerminalSet []string

// UnmarshalYAML accepts both forms.
func (ts *TerminalSet) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*ts = ParseTerminalSet(node.Value)
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*ts = ParseTerminalSet(strings.Join(items, ","))
		return nil
	default:
		return fmt.Errorf("terminal_processes must be a list or a comma-separated string")
	}
}

// ParseTerminalSet splits a comma-separated list, trimming blanks and
// dropping empty and duplicate entries.
func ParseTerminalSet(raw string) TerminalSet {
	var out TerminalSet
	seen := map[string]struct{}{}
	for _, part := range strings.Split(raw, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// TraceConfig locates and describes the execution trace.
type TraceConfig struct {
	Path      string `yaml:"path"`
	Separator string `yaml:"separator,omitempty"`
	IDPattern string `yaml:"id_pattern,omitempty"`
}

// DetectionConfig tunes the completion detector.
type DetectionConfig struct {
	PollInterval        time.Duration  `yaml:"poll_interval"`
	InactivityThreshold time.Duration  `yaml:"inactivity_threshold"`
	StallAfter          *time.Duration `yaml:"stall_after,omitempty"`
	MinProcesses        int            `yaml:"min_processes"`
}

// SyncConfig controls the result synchronizer.
type SyncConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Remote           string        `yaml:"remote,omitempty"`
	Branch           string        `yaml:"branch,omitempty"`
	DryRun           bool          `yaml:"dry_run"`
	CrossProcessLock bool          `yaml:"cross_process_lock"`
	CommandTimeout   time.Duration `yaml:"command_timeout,omitempty"`
}

// BridgeConfig configures the optional HTTP endpoint receiving engine weblog
// events. Port 0 picks a free port.
type BridgeConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Host         string `yaml:"host,omitempty"`
	Port         int    `yaml:"port,omitempty"`
	MaxBodyBytes int64  `yaml:"max_body_bytes,omitempty"`
}

// Address returns the bind address in host:port form.
func (b BridgeConfig) Address() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// ProjectConfig models .watchdog/config.yaml.
type ProjectConfig struct {
	Version           int             `yaml:"version"`
	Trace             TraceConfig     `yaml:"trace"`
	OutputRoot        string          `yaml:"output_root"`
	TerminalProcesses TerminalSet     `yaml:"terminal_processes"`
	Detection         DetectionConfig `yaml:"detection"`
	Sync              SyncConfig      `yaml:"sync"`
	StateFile         string          `yaml:"state_file"`
	Bridge            BridgeConfig    `yaml:"bridge"`
}

// Config holds the runtime configuration for the watchdog.
type Config struct {
	// ProjectDir is the directory the watchdog was started from
	ProjectDir string

	// WatchdogProjectDir is ProjectDir/.watchdog
	WatchdogProjectDir string

	// ConfigPath is the file the project settings were read from, if any.
	ConfigPath string

	Project ProjectConfig
}

// InitDir creates the .watchdog directory structure in the given project
// directory and writes a default config.yaml when none exists.
//
// Structure created:
// .watchdog/
// ├── config.yaml
// ├── logs/         <- operator log (watchdog.log)
// └── state/        <- finalized participants between runs
func InitDir(projectDir string) error {
	watchdogDir := filepath.Join(projectDir, WatchdogDir)
	dirs := []string{
		filepath.Join(watchdogDir, "logs"),
		filepath.Join(watchdogDir, "state"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	return ensureProjectConfig(filepath.Join(watchdogDir, "config.yaml"))
}

// Load builds the configuration from defaults, the YAML file and WATCHDOG_*
// environment overrides. An empty path means .watchdog/config.yaml; a missing
// default file is not an error. The result is not validated so callers can
// still apply flag overrides before calling Validate.
func Load(projectDir, path string) (*Config, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("config: resolve project dir: %w", err)
	}
	cfg := &Config{
		ProjectDir:         abs,
		WatchdogProjectDir: filepath.Join(abs, WatchdogDir),
		Project:            defaultProjectConfig(),
	}
	explicit := strings.TrimSpace(path) != ""
	cfg.ConfigPath = cfg.ProjectConfigPath()
	if explicit {
		cfg.ConfigPath = resolvePath(abs, path)
	}
	if err := cfg.loadProjectConfig(explicit); err != nil {
		return nil, err
	}
	if err := cfg.Project.applyEnv(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate normalizes paths and checks the settings are usable.
func (c *Config) Validate() error {
	c.Project.applyDefaults()
	c.Project.normalize()
	if err := c.Project.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.WatchdogProjectDir, "logs")
}

// StateDir returns the path to the state directory
func (c *Config) StateDir() string {
	return filepath.Join(c.WatchdogProjectDir, "state")
}

// ProjectConfigPath returns the default on-disk location for the config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.WatchdogProjectDir, "config.yaml")
}

// TracePath returns the absolute trace location.
func (c *Config) TracePath() string {
	return resolvePath(c.ProjectDir, c.Project.Trace.Path)
}

// OutputRoot returns the absolute results root.
func (c *Config) OutputRoot() string {
	return resolvePath(c.ProjectDir, c.Project.OutputRoot)
}

// StatePath returns the absolute finalized-state file, or "" when disabled.
func (c *Config) StatePath() string {
	return resolvePath(c.ProjectDir, c.Project.StateFile)
}

// StallAfter returns the configured stall window. Unset means 0, which keeps
// every RUNNING, SUBMITTED or PENDING process blocking no matter how long the
// trace stays silent.
func (c *Config) StallAfter() time.Duration {
	if c.Project.Detection.StallAfter != nil {
		return *c.Project.Detection.StallAfter
	}
	return 0
}

func (c *Config) loadProjectConfig(required bool) error {
	data, err := os.ReadFile(c.ConfigPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", c.ConfigPath, err)
	}
	parsed := defaultProjectConfig()
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", c.ConfigPath, err)
	}
	c.Project = parsed
	return nil
}

func defaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Version:    1,
		Trace:      TraceConfig{Path: DefaultTracePath, Separator: DefaultSeparator, IDPattern: DefaultIDPattern},
		OutputRoot: DefaultOutputRoot,
		Detection: DetectionConfig{
			PollInterval:        DefaultPollInterval,
			InactivityThreshold: DefaultInactivity,
			MinProcesses:        DefaultMinProcesses,
		},
		Sync: SyncConfig{
			Enabled:          true,
			Remote:           DefaultRemote,
			CrossProcessLock: true,
		},
		StateFile: filepath.Join(WatchdogDir, "state", "finalized.json"),
		Bridge:    BridgeConfig{Host: DefaultBridgeHost, Port: DefaultBridgePort, MaxBodyBytes: DefaultBridgeMaxBody},
	}
}

func (pc *ProjectConfig) applyEnv() error {
	if v, ok := lookupEnv("WATCHDOG_TRACE"); ok {
		pc.Trace.Path = v
	}
	if v, ok := lookupEnv("WATCHDOG_ID_PATTERN"); ok {
		pc.Trace.IDPattern = v
	}
	if v, ok := lookupEnv("WATCHDOG_OUTPUT"); ok {
		pc.OutputRoot = v
	}
	if v, ok := lookupEnv("WATCHDOG_TERMINAL"); ok {
		pc.TerminalProcesses = ParseTerminalSet(v)
	}
	if v, ok := lookupEnv("WATCHDOG_STATE_FILE"); ok {
		pc.StateFile = v
	}
	durations := map[string]*time.Duration{
		"WATCHDOG_POLL_INTERVAL":   &pc.Detection.PollInterval,
		"WATCHDOG_INACTIVITY":      &pc.Detection.InactivityThreshold,
		"WATCHDOG_COMMAND_TIMEOUT": &pc.Sync.CommandTimeout,
	}
	for key, target := range durations {
		if v, ok := lookupEnv(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*target = d
		}
	}
	if v, ok := lookupEnv("WATCHDOG_STALL_AFTER"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("WATCHDOG_STALL_AFTER: %w", err)
		}
		pc.Detection.StallAfter = &d
	}
	if v, ok := lookupEnv("WATCHDOG_BRIDGE_HOST"); ok {
		pc.Bridge.Host = v
	}
	ints := map[string]*int{
		"WATCHDOG_MIN_PROCESSES": &pc.Detection.MinProcesses,
		"WATCHDOG_BRIDGE_PORT":   &pc.Bridge.Port,
	}
	for key, target := range ints {
		if v, ok := lookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*target = n
		}
	}
	bools := map[string]*bool{
		"WATCHDOG_SYNC":           &pc.Sync.Enabled,
		"WATCHDOG_DRY_RUN":        &pc.Sync.DryRun,
		"WATCHDOG_BRIDGE_ENABLED": &pc.Bridge.Enabled,
	}
	for key, target := range bools {
		if v, ok := lookupEnv(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*target = b
		}
	}
	return nil
}

func lookupEnv(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if pc.Trace.Separator == "" {
		pc.Trace.Separator = DefaultSeparator
	}
	if strings.TrimSpace(pc.Trace.IDPattern) == "" {
		pc.Trace.IDPattern = DefaultIDPattern
	}
	if pc.Detection.PollInterval <= 0 {
		pc.Detection.PollInterval = DefaultPollInterval
	}
	if pc.Detection.InactivityThreshold <= 0 {
		pc.Detection.InactivityThreshold = DefaultInactivity
	}
	if pc.Detection.MinProcesses <= 0 {
		pc.Detection.MinProcesses = DefaultMinProcesses
	}
	if strings.TrimSpace(pc.Sync.Remote) == "" {
		pc.Sync.Remote = DefaultRemote
	}
	if strings.TrimSpace(pc.Bridge.Host) == "" {
		pc.Bridge.Host = DefaultBridgeHost
	}
	if pc.Bridge.MaxBodyBytes <= 0 {
		pc.Bridge.MaxBodyBytes = DefaultBridgeMaxBody
	}
}

func (pc *ProjectConfig) normalize() {
	pc.Trace.Path = strings.TrimSpace(pc.Trace.Path)
	pc.Trace.IDPattern = strings.TrimSpace(pc.Trace.IDPattern)
	pc.OutputRoot = strings.TrimSpace(pc.OutputRoot)
	pc.StateFile = strings.TrimSpace(pc.StateFile)
	pc.TerminalProcesses = ParseTerminalSet(strings.Join(pc.TerminalProcesses, ","))
	pc.Sync.Remote = strings.TrimSpace(pc.Sync.Remote)
	pc.Sync.Branch = strings.TrimSpace(pc.Sync.Branch)
	pc.Bridge.Host = strings.TrimSpace(pc.Bridge.Host)
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if pc.Trace.Path == "" {
		return fmt.Errorf("trace.path is required")
	}
	if pc.OutputRoot == "" {
		return fmt.Errorf("output_root is required")
	}
	if len(pc.TerminalProcesses) == 0 {
		return ErrNoTerminalSet
	}
	if pc.Detection.StallAfter != nil && *pc.Detection.StallAfter < 0 {
		return fmt.Errorf("detection.stall_after must not be negative")
	}
	if pc.Sync.CommandTimeout < 0 {
		return fmt.Errorf("sync.command_timeout must not be negative")
	}
	if pc.Bridge.Port < 0 || pc.Bridge.Port > 65535 {
		return fmt.Errorf("bridge.port must be between 0 and 65535")
	}
	return nil
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644)
}
