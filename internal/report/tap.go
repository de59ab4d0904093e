package report

import (
	"fmt"
	"io"
	"sort"

	"hidtestorch/internal/aggregator"
	"hidtestorch/internal/sequencer"
)

// TAPRenderer writes a TAP v13 stream: a plan line, one ok/not-ok line per
// execution, and a YAMLish diagnostic block under any non-passing line.
type TAPRenderer struct{}

func (TAPRenderer) Render(w io.Writer, result aggregator.SuiteResult) error {
	serials := make([]string, 0, len(result.DeviceResults))
	for serial := range result.DeviceResults {
		serials = append(serials, serial)
	}
	sort.Strings(serials)

	total := 0
	for _, serial := range serials {
		total += len(result.DeviceResults[serial].Executions)
	}

	if _, err := fmt.Fprintln(w, "TAP version 13"); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "1..%d\n", total); err != nil {
		return err
	}

	n := 0
	for _, serial := range serials {
		for _, e := range result.DeviceResults[serial].Executions {
			n++
			name := fmt.Sprintf("%s: %s", serial, e.Step.Name)

			switch e.Status {
			case sequencer.StatusCompleted:
				if _, err := fmt.Fprintf(w, "ok %d - %s\n", n, name); err != nil {
					return err
				}
			case sequencer.StatusSkipped:
				if _, err := fmt.Fprintf(w, "ok %d - %s # SKIP\n", n, name); err != nil {
					return err
				}
			default:
				if _, err := fmt.Fprintf(w, "not ok %d - %s\n", n, name); err != nil {
					return err
				}
				if err := writeDiagnostic(w, e); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func writeDiagnostic(w io.Writer, e sequencer.Execution) error {
	message := e.ErrorMessage
	if message == "" {
		message = string(e.Status)
	}
	lines := []string{
		"  ---",
		fmt.Sprintf("  message: %q", message),
		fmt.Sprintf("  severity: %s", e.Status),
		fmt.Sprintf("  retry_attempt: %d", e.RetryAttempt),
		fmt.Sprintf("  duration: %.3f", e.Duration().Seconds()),
		"  ...",
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
