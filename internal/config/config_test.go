package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LogDebug},
		{"DEBUG", LogDebug},
		{" verbose ", LogVerbose},
		{"minimal", LogMinimal},
		{"normal", LogNormal},
		{"", LogNormal},
		{"garbage", LogNormal},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ParseLogLevel(c.in), "input %q", c.in)
	}
}

func TestDefault_SaneBaseline(t *testing.T) {
	cfg := Default()
	assert.Equal(t, time.Second, cfg.DiscoveryPollInterval)
	assert.Equal(t, 60*time.Second, cfg.FlashProcessTimeout)
	assert.Equal(t, 30*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, 10*time.Second, cfg.PeriodicStatusInterval)
	assert.True(t, cfg.EnableSnapshots)
	assert.Equal(t, LogNormal, cfg.Verbosity)
}

func TestParseEnvFile_AppliesKnownKeysAndSkipsComments(t *testing.T) {
	cfg := Default()
	content := `
# orchestrator overrides
ORCH_STEP_TIMEOUT=45s
ORCH_MAX_PARALLEL_DEVICES=8

ORCH_ENABLE_SNAPSHOTS=false
not_a_pair
ORCH_VERBOSITY=debug
`
	parseEnvFile(content, &cfg)

	assert.Equal(t, 45*time.Second, cfg.DefaultStepTimeout)
	assert.Equal(t, 8, cfg.MaxParallelDevices)
	assert.False(t, cfg.EnableSnapshots)
	assert.Equal(t, LogDebug, cfg.Verbosity)
}

func TestApplyField_MalformedValueLeavesDefault(t *testing.T) {
	cfg := Default()
	applyField(&cfg, "ORCH_STEP_TIMEOUT", "not-a-duration")
	assert.Equal(t, Default().DefaultStepTimeout, cfg.DefaultStepTimeout)

	applyField(&cfg, "ORCH_MAX_HISTORY", "many")
	assert.Equal(t, Default().MaxHistorySize, cfg.MaxHistorySize)
}

func TestApplyEnvOverrides_ReadsProcessEnvironment(t *testing.T) {
	t.Setenv("ORCH_OUTPUT_DIR", "/tmp/orch-reports")
	t.Setenv("ORCH_RETENTION_PERIOD", "72h")

	cfg := Default()
	applyEnvOverrides(&cfg)

	assert.Equal(t, "/tmp/orch-reports", cfg.OutputDir)
	assert.Equal(t, 72*time.Hour, cfg.RetentionPeriod)
}

func TestDetectCI(t *testing.T) {
	for _, key := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "BUILDKITE", "TEAMCITY_VERSION"} {
		t.Setenv(key, "")
	}
	assert.False(t, DetectCI())

	t.Setenv("CI", "false")
	assert.False(t, DetectCI())

	t.Setenv("CI", "true")
	assert.True(t, DetectCI())
}
