package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"hidtestorch/internal/aggregator"
)

// CSVRenderer writes one row per execution: suite, device, test, type,
// status, duration, start, end, retry, error, required, timeout,
// parameters.
type CSVRenderer struct{}

func (CSVRenderer) Render(w io.Writer, result aggregator.SuiteResult) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	header := []string{"suite", "device", "test", "type", "status", "duration", "start", "end", "retry", "error", "required", "timeout", "parameters"}
	if err := writer.Write(header); err != nil {
		return err
	}

	serials := make([]string, 0, len(result.DeviceResults))
	for serial := range result.DeviceResults {
		serials = append(serials, serial)
	}
	sort.Strings(serials)

	for _, serial := range serials {
		dr := result.DeviceResults[serial]
		for _, e := range dr.Executions {
			params, _ := json.Marshal(e.Step.Parameters)
			row := []string{
				result.SuiteName,
				serial,
				e.Step.Name,
				fmt.Sprintf("%d", e.Step.TestKind),
				string(e.Status),
				fmt.Sprintf("%.3f", e.Duration().Seconds()),
				e.StartTime.Format("2006-01-02T15:04:05"),
				e.EndTime.Format("2006-01-02T15:04:05"),
				fmt.Sprintf("%d", e.RetryAttempt),
				e.ErrorMessage,
				fmt.Sprintf("%t", e.Step.Required),
				e.Step.Timeout.String(),
				string(params),
			}
			if err := writer.Write(row); err != nil {
				return err
			}
		}
	}

	return writer.Error()
}
