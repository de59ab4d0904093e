package report

import (
	"encoding/json"
	"io"

	"hidtestorch/internal/aggregator"
)

// JSONRenderer writes a {metadata, summary, device_results,
// performance_trends, artifacts, environment_info, analysis} document.
type JSONRenderer struct{}

func (JSONRenderer) Render(w io.Writer, result aggregator.SuiteResult) error {
	doc := buildJSONDocument(result)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func buildJSONDocument(result aggregator.SuiteResult) map[string]any {
	deviceResults := make(map[string]any, len(result.DeviceResults))
	for serial, dr := range result.DeviceResults {
		executions := make([]map[string]any, 0, len(dr.Executions))
		for _, e := range dr.Executions {
			detail := map[string]any{
				"test_name":     e.Step.Name,
				"test_type":     e.Step.TestKind,
				"status":        string(e.Status),
				"start_time":    e.StartTime,
				"end_time":      e.EndTime,
				"duration_secs": e.Duration().Seconds(),
				"retry_attempt": e.RetryAttempt,
				"required":      e.Step.Required,
				"parameters":    e.Step.Parameters,
				"error_message": e.ErrorMessage,
			}
			if e.ResponseData != nil {
				detail["response_data"] = e.ResponseData
			}
			executions = append(executions, detail)
		}

		deviceResults[serial] = map[string]any{
			"device_serial":  serial,
			"overall_status": string(dr.OverallStatus),
			"start_time":     dr.StartTime,
			"end_time":       dr.EndTime,
			"metrics":        metricsMap(dr.Metrics),
			"executions":     executions,
		}
	}

	artifacts := make([]map[string]any, 0, len(result.Artifacts))
	for _, a := range result.Artifacts {
		artifacts = append(artifacts, map[string]any{
			"name":       a.Name,
			"type":       a.Type,
			"timestamp":  a.Timestamp,
			"size_bytes": a.SizeBytes,
			"content":    a.Content,
		})
	}

	trends := make([]map[string]any, 0, len(result.PerformanceTrends))
	for _, t := range result.PerformanceTrends {
		trends = append(trends, map[string]any{
			"metric_name":         t.MetricName,
			"historical_values":   t.HistoricalValues,
			"current_value":       t.CurrentValue,
			"trend_direction":     string(t.TrendDirection),
			"regression_detected": t.RegressionDetected,
			"confidence_level":    t.ConfidenceLevel,
		})
	}

	failureAnalysis := aggregator.AnalyzeFailures(result)
	perfAnalysis := aggregator.AnalyzePerformance(result)

	return map[string]any{
		"metadata": map[string]any{
			"suite_name":  result.SuiteName,
			"description": result.Description,
			"start_time":  result.StartTime,
			"end_time":    result.EndTime,
			"duration":    result.Duration.Seconds(),
		},
		"summary":            metricsMap(result.AggregateMetrics),
		"device_results":     deviceResults,
		"performance_trends": trends,
		"artifacts":          artifacts,
		"environment_info":   result.EnvironmentInfo,
		"analysis": map[string]any{
			"total_failures":    failureAnalysis.TotalFailures,
			"failure_by_test":   failureAnalysis.FailureByTest,
			"failure_by_device": failureAnalysis.FailureByDevice,
			"common_failures":   failureAnalysis.CommonFailures,
			"recommendations":   failureAnalysis.Recommendations,
			"execution_times":   perfAnalysis.ExecutionTimes,
			"slowest_tests":     perfAnalysis.SlowestTests,
		},
	}
}

func metricsMap(m aggregator.Metrics) map[string]any {
	return map[string]any{
		"total_tests":      m.TotalTests,
		"passed_tests":     m.PassedTests,
		"failed_tests":     m.FailedTests,
		"skipped_tests":    m.SkippedTests,
		"timeout_tests":    m.TimeoutTests,
		"total_duration":   m.TotalDuration.Seconds(),
		"average_duration": m.AverageDuration.Seconds(),
		"success_rate":     m.SuccessRate,
	}
}
