package report

import (
	"fmt"
	"io"
	"sort"
	"text/template"

	"hidtestorch/internal/aggregator"
)

// HTMLRenderer writes a self-contained summary-and-device-table HTML
// report for humans, alongside the machine-readable CI formats.
type HTMLRenderer struct{}

type htmlDeviceRow struct {
	Serial  string
	Status  string
	Total   int
	Passed  int
	Failed  int
	Skipped int
	Timeout int
	Rate    float64
}

type htmlViewData struct {
	SuiteName       string
	Description     string
	Duration        float64
	TotalDevices    int
	PassedDevices   int
	Aggregate       aggregator.Metrics
	Devices         []htmlDeviceRow
	CommonFailures  []aggregator.CommonFailure
	Recommendations []string
}

const htmlTemplateSource = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<title>{{.SuiteName}} - Test Report</title>
<style>
body { font-family: 'Segoe UI', Tahoma, Geneva, Verdana, sans-serif; margin: 0; padding: 20px; background-color: #f5f5f5; }
.container { max-width: 1200px; margin: 0 auto; background: white; border-radius: 8px; box-shadow: 0 2px 10px rgba(0,0,0,0.1); overflow: hidden; }
.header { background: linear-gradient(135deg, #667eea 0%, #764ba2 100%); color: white; padding: 30px; text-align: center; }
.summary { display: grid; grid-template-columns: repeat(auto-fit, minmax(200px, 1fr)); gap: 20px; padding: 30px; background-color: #f8f9fa; }
.summary-card { background: white; padding: 20px; border-radius: 8px; text-align: center; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
table { width: 100%; border-collapse: collapse; margin: 0 30px 30px 30px; }
th, td { padding: 10px; border-bottom: 1px solid #eee; text-align: left; }
.status-completed { color: #10B981; }
.status-failed { color: #EF4444; }
</style>
</head>
<body>
<div class="container">
  <div class="header">
    <h1>{{.SuiteName}}</h1>
    <p>{{.Description}}</p>
  </div>
  <div class="summary">
    <div class="summary-card"><h3>Devices</h3><p>{{.PassedDevices}}/{{.TotalDevices}} passed</p></div>
    <div class="summary-card"><h3>Tests</h3><p>{{.Aggregate.PassedTests}}/{{.Aggregate.TotalTests}} passed</p></div>
    <div class="summary-card"><h3>Success Rate</h3><p>{{printf "%.1f" .Aggregate.SuccessRate}}%</p></div>
    <div class="summary-card"><h3>Duration</h3><p>{{printf "%.1f" .Duration}}s</p></div>
  </div>
  <table>
    <tr><th>Device</th><th>Status</th><th>Total</th><th>Passed</th><th>Failed</th><th>Skipped</th><th>Timeout</th><th>Rate</th></tr>
    {{range .Devices}}<tr><td>{{.Serial}}</td><td class="status-{{.Status}}">{{.Status}}</td><td>{{.Total}}</td><td>{{.Passed}}</td><td>{{.Failed}}</td><td>{{.Skipped}}</td><td>{{.Timeout}}</td><td>{{printf "%.1f" .Rate}}%</td></tr>
    {{end}}
  </table>
  {{if .CommonFailures}}
  <table>
    <tr><th colspan="3">Common Failures</th></tr>
    <tr><th>Test</th><th>Failure Rate</th><th>Affected Devices</th></tr>
    {{range .CommonFailures}}<tr><td>{{.TestName}}</td><td>{{printf "%.1f" .FailureRate}}%</td><td>{{.AffectedDevices}}</td></tr>
    {{end}}
  </table>
  {{end}}
  {{if .Recommendations}}
  <div class="summary" style="grid-template-columns: 1fr;">
    <div class="summary-card">
      <h3>Recommendations</h3>
      <ul>{{range .Recommendations}}<li>{{.}}</li>{{end}}</ul>
    </div>
  </div>
  {{end}}
</div>
</body>
</html>
`

var htmlTemplate = template.Must(template.New("report").Parse(htmlTemplateSource))

func (HTMLRenderer) Render(w io.Writer, result aggregator.SuiteResult) error {
	serials := make([]string, 0, len(result.DeviceResults))
	for serial := range result.DeviceResults {
		serials = append(serials, serial)
	}
	sort.Strings(serials)

	passedDevices := 0
	rows := make([]htmlDeviceRow, 0, len(serials))
	for _, serial := range serials {
		dr := result.DeviceResults[serial]
		if dr.OverallStatus == aggregator.OverallCompleted {
			passedDevices++
		}
		rows = append(rows, htmlDeviceRow{
			Serial:  serial,
			Status:  string(dr.OverallStatus),
			Total:   dr.Metrics.TotalTests,
			Passed:  dr.Metrics.PassedTests,
			Failed:  dr.Metrics.FailedTests,
			Skipped: dr.Metrics.SkippedTests,
			Timeout: dr.Metrics.TimeoutTests,
			Rate:    dr.Metrics.SuccessRate,
		})
	}

	failureAnalysis := aggregator.AnalyzeFailures(result)

	data := htmlViewData{
		SuiteName:       result.SuiteName,
		Description:     result.Description,
		Duration:        result.Duration.Seconds(),
		TotalDevices:    len(result.DeviceResults),
		PassedDevices:   passedDevices,
		Aggregate:       result.AggregateMetrics,
		Devices:         rows,
		CommonFailures:  failureAnalysis.CommonFailures,
		Recommendations: failureAnalysis.Recommendations,
	}

	if err := htmlTemplate.Execute(w, data); err != nil {
		return fmt.Errorf("render html report: %w", err)
	}
	return nil
}
