package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoadDefaultsWhenMissing(t *testing.T) {
	projectDir := t.TempDir()
	c, err := Load(projectDir, "")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if c.Project.Version != 1 {
		t.Fatalf("expected default version == 1, got %d", c.Project.Version)
	}
	if c.Project.Detection.PollInterval != DefaultPollInterval {
		t.Fatalf("expected default poll interval, got %s", c.Project.Detection.PollInterval)
	}
	if c.StallAfter() != 0 {
		t.Fatalf("stall detection must be off unless configured, got %s", c.StallAfter())
	}
	if err := c.Validate(); !errors.Is(err, ErrNoTerminalSet) {
		t.Fatalf("expected ErrNoTerminalSet, got %v", err)
	}
}

func TestLoadParsesYaml(t *testing.T) {
	projectDir := t.TempDir()
	if err := InitDir(projectDir); err != nil {
		t.Fatal(err)
	}
	configYAML := strings.TrimSpace(`
version: 1
trace:
  path: work/trace.txt
  id_pattern: "sub-[0-9]+"
output_root: /data/results
terminal_processes:
  - hrv_analyzer
  - " eda_analyzer "
  - hrv_analyzer
detection:
  poll_interval: 2s
  inactivity_threshold: 1m
  stall_after: 0s
  min_processes: 8
sync:
  enabled: false
  branch: main
  command_timeout: 90s
bridge:
  enabled: true
  port: 9100
`)
	if err := os.WriteFile(filepath.Join(projectDir, WatchdogDir, "config.yaml"), []byte(configYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(projectDir, "")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if diff := cmp.Diff(TerminalSet{"hrv_analyzer", "eda_analyzer"}, c.Project.TerminalProcesses); diff != "" {
		t.Fatalf("terminal set (-want +got):\n%s", diff)
	}
	if c.TracePath() != filepath.Join(c.ProjectDir, "work", "trace.txt") {
		t.Fatalf("trace path not resolved against project: %s", c.TracePath())
	}
	if c.OutputRoot() != filepath.Clean("/data/results") {
		t.Fatalf("absolute output root rewritten: %s", c.OutputRoot())
	}
	if c.Project.Detection.InactivityThreshold != time.Minute || c.Project.Detection.MinProcesses != 8 {
		t.Fatalf("detection block not applied: %+v", c.Project.Detection)
	}
	if c.StallAfter() != 0 {
		t.Fatalf("explicit 0s should disable stall detection, got %s", c.StallAfter())
	}
	if c.Project.Sync.Enabled || c.Project.Sync.Branch != "main" || c.Project.Sync.Remote != DefaultRemote {
		t.Fatalf("sync block not applied: %+v", c.Project.Sync)
	}
	if !c.Project.Sync.CrossProcessLock {
		t.Fatalf("cross process lock should keep its default")
	}
	if c.Project.Sync.CommandTimeout != 90*time.Second {
		t.Fatalf("command timeout = %s", c.Project.Sync.CommandTimeout)
	}
	if !c.Project.Bridge.Enabled || c.Project.Bridge.Port != 9100 || c.Project.Bridge.Host != DefaultBridgeHost {
		t.Fatalf("bridge block not applied: %+v", c.Project.Bridge)
	}
}

func TestTerminalSetAcceptsCommaString(t *testing.T) {
	projectDir := t.TempDir()
	path := filepath.Join(projectDir, "custom.yaml")
	if err := os.WriteFile(path, []byte("terminal_processes: \"a, b,,c\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(projectDir, path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if diff := cmp.Diff(TerminalSet{"a", "b", "c"}, c.Project.TerminalProcesses); diff != "" {
		t.Fatalf("terminal set (-want +got):\n%s", diff)
	}
}

func TestExplicitConfigMustExist(t *testing.T) {
	if _, err := Load(t.TempDir(), "missing.yaml"); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("WATCHDOG_TERMINAL", "x,y")
	t.Setenv("WATCHDOG_INACTIVITY", "45s")
	t.Setenv("WATCHDOG_DRY_RUN", "true")
	t.Setenv("WATCHDOG_MIN_PROCESSES", "3")
	t.Setenv("WATCHDOG_STALL_AFTER", "6h")
	c, err := Load(t.TempDir(), "")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if diff := cmp.Diff(TerminalSet{"x", "y"}, c.Project.TerminalProcesses); diff != "" {
		t.Fatalf("terminal set (-want +got):\n%s", diff)
	}
	if c.Project.Detection.InactivityThreshold != 45*time.Second || c.StallAfter() != 6*time.Hour {
		t.Fatalf("duration overrides not applied: %+v", c.Project.Detection)
	}
	if !c.Project.Sync.DryRun || c.Project.Detection.MinProcesses != 3 {
		t.Fatalf("env overrides not applied: %+v", c.Project)
	}
}

func TestBridgeEnvOverrides(t *testing.T) {
	t.Setenv("WATCHDOG_BRIDGE_ENABLED", "true")
	t.Setenv("WATCHDOG_BRIDGE_HOST", "0.0.0.0")
	t.Setenv("WATCHDOG_BRIDGE_PORT", "9001")
	c, err := Load(t.TempDir(), "")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	b := c.Project.Bridge
	if !b.Enabled || b.Address() != "0.0.0.0:9001" || b.MaxBodyBytes != DefaultBridgeMaxBody {
		t.Fatalf("bridge env overrides not applied: %+v", b)
	}
	t.Setenv("WATCHDOG_BRIDGE_PORT", "http")
	if _, err := Load(t.TempDir(), ""); err == nil {
		t.Fatalf("expected malformed bridge port to fail")
	}
}

func TestEnvRejectsMalformedValues(t *testing.T) {
	t.Setenv("WATCHDOG_POLL_INTERVAL", "soon")
	if _, err := Load(t.TempDir(), ""); err == nil {
		t.Fatalf("expected duration parse error")
	}
}

func TestInitDirKeepsExistingConfig(t *testing.T) {
	projectDir := t.TempDir()
	if err := InitDir(projectDir); err != nil {
		t.Fatalf("InitDir: %v", err)
	}
	path := filepath.Join(projectDir, WatchdogDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("default config missing: %v", err)
	}
	if !strings.Contains(string(data), "terminal_processes") {
		t.Fatalf("default config lacks terminal_processes")
	}
	if err := os.WriteFile(path, []byte("version: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := InitDir(projectDir); err != nil {
		t.Fatalf("InitDir second run: %v", err)
	}
	again, _ := os.ReadFile(path)
	if string(again) != "version: 1\n" {
		t.Fatalf("InitDir overwrote an existing config")
	}
	for _, dir := range []string{"logs", "state"} {
		if info, err := os.Stat(filepath.Join(projectDir, WatchdogDir, dir)); err != nil || !info.IsDir() {
			t.Fatalf("missing %s dir: %v", dir, err)
		}
	}
}

func TestDefaultConfigParses(t *testing.T) {
	projectDir := t.TempDir()
	if err := InitDir(projectDir); err != nil {
		t.Fatal(err)
	}
	c, err := Load(projectDir, "")
	if err != nil {
		t.Fatalf("default config should parse: %v", err)
	}
	if c.Project.Bridge.Enabled {
		t.Fatalf("bridge should be disabled by default")
	}
	if got := c.Project.Bridge.Address(); got != "127.0.0.1:8765" {
		t.Fatalf("bridge address = %s", got)
	}
	if c.StatePath() != filepath.Join(c.ProjectDir, WatchdogDir, "state", "finalized.json") {
		t.Fatalf("state path = %s", c.StatePath())
	}
}
