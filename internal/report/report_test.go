package report

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hidtestorch/internal/aggregator"
	"hidtestorch/internal/sequencer"
)

func sampleResult() aggregator.SuiteResult {
	start := time.Now().Add(-time.Minute)
	end := time.Now()
	passed := sequencer.Execution{
		Step:      sequencer.Step{Name: "connectivity_check", Required: true},
		Status:    sequencer.StatusCompleted,
		StartTime: start,
		EndTime:   start.Add(time.Second),
	}
	failed := sequencer.Execution{
		Step:         sequencer.Step{Name: "flash_verify", Required: true},
		Status:       sequencer.StatusFailed,
		StartTime:    start,
		EndTime:      start.Add(2 * time.Second),
		ErrorMessage: "checksum mismatch",
	}

	deviceResults := map[string]aggregator.DeviceResult{
		"DEV-1": {
			DeviceSerial:  "DEV-1",
			Executions:    []sequencer.Execution{passed, failed},
			Metrics:       aggregator.CalculateMetrics([]sequencer.Execution{passed, failed}),
			StartTime:     start,
			EndTime:       end,
			OverallStatus: aggregator.OverallFailed,
		},
	}

	return aggregator.SuiteResult{
		SuiteName:        "smoke",
		Description:      "smoke test suite",
		DeviceResults:    deviceResults,
		AggregateMetrics: aggregator.CalculateMetrics([]sequencer.Execution{passed, failed}),
		StartTime:        start,
		EndTime:          end,
		Duration:         end.Sub(start),
		EnvironmentInfo:  map[string]any{"os": "linux"},
	}
}

func TestWriteAll_CreatesOneFilePerFormatAndSupportDirs(t *testing.T) {
	dir := t.TempDir()
	result := sampleResult()

	written, err := WriteAll(dir, result, []Format{FormatJSON, FormatJUnit, FormatCSV, FormatTAP, FormatHTML})
	require.NoError(t, err)
	require.Len(t, written, 5)

	for _, path := range written {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))
	}

	_, err = os.Stat(filepath.Join(dir, "artifacts"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "logs"))
	assert.NoError(t, err)
}

func TestWriteAll_UnknownFormatErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := WriteAll(dir, sampleResult(), []Format{Format("bogus")})
	assert.Error(t, err)
}

func TestSafeName_SanitizesSuiteName(t *testing.T) {
	assert.Equal(t, "my_suite", safeName("my suite"))
	assert.Equal(t, "suite", safeName(""))
}

func TestPruneOldReports_RemovesOnlyStaleFiles(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "old.json")
	fresh := filepath.Join(dir, "new.json")
	require.NoError(t, os.WriteFile(stale, []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("{}"), 0o644))

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	require.NoError(t, PruneOldReports(dir, 24*time.Hour))

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}

func TestPruneOldReports_ZeroRetentionIsNoop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	require.NoError(t, PruneOldReports(dir, 0))
	_, err := os.Stat(path)
	assert.NoError(t, err)
}
