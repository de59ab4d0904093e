// Package config loads orchestrator-wide settings from a .env file at the
// project root, with environment-variable overrides layered on top.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// RunConfig holds every tunable the orchestration engine needs: bus polling,
// retry/timeout defaults, worker-pool sizing, monitoring cadence, and report
// output.
type RunConfig struct {
	// Device Registry
	DiscoveryPollInterval time.Duration

	// Test Sequencer
	DefaultStepTimeout time.Duration
	RetryBackoff       time.Duration
	MaxParallelDevices int

	// Flash Supervisor
	BootloaderTimeout   time.Duration
	FlashProcessTimeout time.Duration
	ReconnectionTimeout time.Duration
	FlashToolPath       string

	// Monitoring Bus
	HealthCheckInterval    time.Duration
	PeriodicStatusInterval time.Duration
	MaxHistorySize         int
	EnableSnapshots        bool
	Verbosity              LogLevel

	// Report output
	OutputDir       string
	RetentionPeriod time.Duration

	// CI detection
	IsCI bool
}

// LogLevel gates what is written to the human log sink. It never reduces
// what is retained in the monitoring bus's ring buffers.
type LogLevel int

const (
	LogMinimal LogLevel = iota
	LogNormal
	LogVerbose
	LogDebug
)

func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogDebug
	case "verbose":
		return LogVerbose
	case "minimal":
		return LogMinimal
	default:
		return LogNormal
	}
}

// Default returns the baseline configuration; callers layer Load on top of
// this to pick up .env/environment overrides.
func Default() RunConfig {
	return RunConfig{
		DiscoveryPollInterval:  1 * time.Second,
		DefaultStepTimeout:     30 * time.Second,
		RetryBackoff:           1 * time.Second,
		MaxParallelDevices:     4,
		BootloaderTimeout:      10 * time.Second,
		FlashProcessTimeout:    60 * time.Second,
		ReconnectionTimeout:    30 * time.Second,
		HealthCheckInterval:    30 * time.Second,
		PeriodicStatusInterval: 10 * time.Second,
		MaxHistorySize:         200,
		EnableSnapshots:        true,
		Verbosity:              LogNormal,
		OutputDir:              "test_output",
		RetentionPeriod:        14 * 24 * time.Hour,
	}
}

var (
	loaded    *RunConfig
	loadedSet bool
)

// Load reads .env from the project root (if present), applies environment
// variable overrides, applies CI-aware defaults, and caches the result.
func Load() RunConfig {
	if loadedSet {
		return *loaded
	}

	cfg := Default()

	root := findProjectRoot()
	data, err := os.ReadFile(filepath.Join(root, ".env"))
	if err == nil {
		parseEnvFile(string(data), &cfg)
	}
	applyEnvOverrides(&cfg)

	if DetectCI() {
		cfg.IsCI = true
		if cfg.Verbosity == LogNormal {
			cfg.Verbosity = LogMinimal
		}
	}

	loaded = &cfg
	loadedSet = true
	return cfg
}

func parseEnvFile(content string, cfg *RunConfig) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		applyField(cfg, key, value)
	}
}

func applyEnvOverrides(cfg *RunConfig) {
	for _, key := range []string{
		"ORCH_DISCOVERY_POLL_INTERVAL", "ORCH_STEP_TIMEOUT", "ORCH_RETRY_BACKOFF",
		"ORCH_MAX_PARALLEL_DEVICES", "ORCH_BOOTLOADER_TIMEOUT", "ORCH_FLASH_TIMEOUT",
		"ORCH_RECONNECTION_TIMEOUT", "ORCH_FLASH_TOOL_PATH", "ORCH_HEALTH_CHECK_INTERVAL",
		"ORCH_STATUS_INTERVAL", "ORCH_MAX_HISTORY", "ORCH_ENABLE_SNAPSHOTS",
		"ORCH_VERBOSITY", "ORCH_OUTPUT_DIR", "ORCH_RETENTION_PERIOD",
	} {
		if v := os.Getenv(key); v != "" {
			applyField(cfg, key, v)
		}
	}
}

func applyField(cfg *RunConfig, key, value string) {
	switch key {
	case "ORCH_DISCOVERY_POLL_INTERVAL":
		if d, err := time.ParseDuration(value); err == nil {
			cfg.DiscoveryPollInterval = d
		}
	case "ORCH_STEP_TIMEOUT":
		if d, err := time.ParseDuration(value); err == nil {
			cfg.DefaultStepTimeout = d
		}
	case "ORCH_RETRY_BACKOFF":
		if d, err := time.ParseDuration(value); err == nil {
			cfg.RetryBackoff = d
		}
	case "ORCH_MAX_PARALLEL_DEVICES":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.MaxParallelDevices = n
		}
	case "ORCH_BOOTLOADER_TIMEOUT":
		if d, err := time.ParseDuration(value); err == nil {
			cfg.BootloaderTimeout = d
		}
	case "ORCH_FLASH_TIMEOUT":
		if d, err := time.ParseDuration(value); err == nil {
			cfg.FlashProcessTimeout = d
		}
	case "ORCH_RECONNECTION_TIMEOUT":
		if d, err := time.ParseDuration(value); err == nil {
			cfg.ReconnectionTimeout = d
		}
	case "ORCH_FLASH_TOOL_PATH":
		cfg.FlashToolPath = value
	case "ORCH_HEALTH_CHECK_INTERVAL":
		if d, err := time.ParseDuration(value); err == nil {
			cfg.HealthCheckInterval = d
		}
	case "ORCH_STATUS_INTERVAL":
		if d, err := time.ParseDuration(value); err == nil {
			cfg.PeriodicStatusInterval = d
		}
	case "ORCH_MAX_HISTORY":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.MaxHistorySize = n
		}
	case "ORCH_ENABLE_SNAPSHOTS":
		cfg.EnableSnapshots = value == "1" || strings.EqualFold(value, "true")
	case "ORCH_VERBOSITY":
		cfg.Verbosity = ParseLogLevel(value)
	case "ORCH_OUTPUT_DIR":
		cfg.OutputDir = value
	case "ORCH_RETENTION_PERIOD":
		if d, err := time.ParseDuration(value); err == nil {
			cfg.RetentionPeriod = d
		}
	}
}

func findProjectRoot() string {
	cwd, _ := os.Getwd()
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return cwd
	}
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return cwd
		}
		cwd = parent
	}
}

// DetectCI reports whether the process appears to be running under a
// continuous-integration environment. Only used to pick quieter defaults;
// it never changes orchestration semantics.
func DetectCI() bool {
	for _, key := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "BUILDKITE", "TEAMCITY_VERSION"} {
		if v := os.Getenv(key); v != "" && v != "0" && !strings.EqualFold(v, "false") {
			return true
		}
	}
	return false
}
