package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hidtestorch/internal/sequencer"
)

func exec(name string, status sequencer.Status, required bool, start time.Time, dur time.Duration) sequencer.Execution {
	return sequencer.Execution{
		Step:      sequencer.Step{Name: name, Required: required},
		Status:    status,
		StartTime: start,
		EndTime:   start.Add(dur),
	}
}

func TestScenarioS1_TwoStepsBothSucceed(t *testing.T) {
	start := time.Now()
	execs := []sequencer.Execution{
		exec("A", sequencer.StatusCompleted, true, start, time.Second),
		exec("B", sequencer.StatusCompleted, true, start.Add(time.Second), time.Second),
	}
	m := CalculateMetrics(execs)
	assert.Equal(t, 2, m.TotalTests)
	assert.Equal(t, 2, m.PassedTests)
	assert.Equal(t, 0, m.FailedTests)
	assert.Equal(t, OverallCompleted, DetermineOverallStatus(execs))
}

func TestScenarioS2_RequiredFailureCascade(t *testing.T) {
	start := time.Now()
	execs := []sequencer.Execution{
		exec("A", sequencer.StatusFailed, true, start, time.Second),
		exec("B", sequencer.StatusSkipped, true, time.Time{}, 0),
		exec("C", sequencer.StatusSkipped, true, time.Time{}, 0),
	}
	m := CalculateMetrics(execs)
	assert.Equal(t, 0, m.PassedTests)
	assert.Equal(t, 1, m.FailedTests)
	assert.Equal(t, 2, m.SkippedTests)
	assert.Equal(t, OverallFailed, DetermineOverallStatus(execs))
}

func TestScenarioS3_OptionalFailureDoesNotCascadeOverall(t *testing.T) {
	start := time.Now()
	execs := []sequencer.Execution{
		exec("A", sequencer.StatusCompleted, true, start, time.Second),
		exec("B", sequencer.StatusFailed, false, start, time.Second),
		exec("C", sequencer.StatusCompleted, true, start, time.Second),
	}
	assert.Equal(t, OverallCompleted, DetermineOverallStatus(execs))
}

func TestDetermineOverallStatus_SkippedRequiredStepFailsDevice(t *testing.T) {
	start := time.Now()
	execs := []sequencer.Execution{
		exec("A", sequencer.StatusSkipped, true, time.Time{}, 0),
		exec("B", sequencer.StatusCompleted, false, start, time.Second),
	}
	assert.Equal(t, OverallFailed, DetermineOverallStatus(execs))
}

func TestDetermineOverallStatus_TimedOutRequiredStepFailsDevice(t *testing.T) {
	start := time.Now()
	execs := []sequencer.Execution{
		exec("A", sequencer.StatusTimeout, true, start, time.Second),
		exec("B", sequencer.StatusCompleted, true, start, time.Second),
	}
	assert.Equal(t, OverallFailed, DetermineOverallStatus(execs))
}

func TestCalculateMetrics_EmptyExecutionsIsZeroValue(t *testing.T) {
	m := CalculateMetrics(nil)
	assert.Equal(t, Metrics{}, m)
	assert.Equal(t, OverallSkipped, DetermineOverallStatus(nil))
}

func TestCollectArtifacts_OmitsEmptyCategories(t *testing.T) {
	start := time.Now()
	execs := []sequencer.Execution{exec("A", sequencer.StatusCompleted, true, start, time.Second)}
	artifacts := CollectArtifacts(execs, "suite")
	require.Len(t, artifacts, 1)
	assert.Equal(t, "timing", artifacts[0].Type)
}

func TestCollectArtifacts_ErrorArtifactOnlyWhenFailuresPresent(t *testing.T) {
	start := time.Now()
	failed := exec("A", sequencer.StatusFailed, true, start, time.Second)
	failed.ErrorMessage = "Device returned error: hardware_fault"
	artifacts := CollectArtifacts([]sequencer.Execution{failed}, "suite")

	var kinds []string
	for _, a := range artifacts {
		kinds = append(kinds, a.Type)
	}
	assert.Contains(t, kinds, "error")
}

func withMetric(v float64) []sequencer.Execution {
	e := exec("A", sequencer.StatusCompleted, true, time.Now(), time.Second)
	e.ResponseData = map[string]any{"performance_metrics": map[string]any{"latency_ms": v}}
	return []sequencer.Execution{e}
}

func TestAnalyzeTrends_RequiresThreeHistoricalSamplesBeforeClassifying(t *testing.T) {
	agg := New(NewMemoryTrendStore())

	for i, v := range []float64{10, 11, 10} {
		trends := agg.AnalyzeTrends(withMetric(v))
		assert.Empty(t, trends, "fewer than three historical samples at sample %d", i)
	}

	trends := agg.AnalyzeTrends(withMetric(10.5))
	require.Len(t, trends, 1)
	assert.Equal(t, "latency_ms", trends[0].MetricName)
	assert.Equal(t, TrendStable, trends[0].TrendDirection)
	assert.False(t, trends[0].RegressionDetected)
}

func TestAnalyzeTrends_DegradingOnRisingValues(t *testing.T) {
	agg := New(NewMemoryTrendStore())

	values := []float64{10, 20, 30, 40, 50, 100}
	var trends []Trend
	for _, v := range values {
		trends = agg.AnalyzeTrends(withMetric(v))
	}
	require.Len(t, trends, 1)
	assert.Equal(t, TrendDegrading, trends[0].TrendDirection)
	assert.True(t, trends[0].RegressionDetected)
}

func TestAnalyzeFailures_FlagsCommonFailureAboveHalf(t *testing.T) {
	result := SuiteResult{
		AggregateMetrics: Metrics{FailedTests: 2},
		DeviceResults: map[string]DeviceResult{
			"D1": {Executions: []sequencer.Execution{exec("A", sequencer.StatusFailed, true, time.Now(), time.Second)}},
			"D2": {Executions: []sequencer.Execution{exec("A", sequencer.StatusFailed, true, time.Now(), time.Second)}},
		},
	}
	analysis := AnalyzeFailures(result)
	require.Len(t, analysis.CommonFailures, 1)
	assert.Equal(t, "A", analysis.CommonFailures[0].TestName)
	assert.Equal(t, 100.0, analysis.CommonFailures[0].FailureRate)
}
