package report

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"

	"hidtestorch/internal/aggregator"
	"hidtestorch/internal/sequencer"
)

// JUnitRenderer writes a testsuites/testsuite/testcase document, one
// testsuite per device.
type JUnitRenderer struct{}

type junitTestsuites struct {
	XMLName xml.Name      `xml:"testsuites"`
	Name    string        `xml:"name,attr"`
	Tests   int           `xml:"tests,attr"`
	Failures int          `xml:"failures,attr"`
	Suites  []junitSuite  `xml:"testsuite"`
}

type junitSuite struct {
	Name      string      `xml:"name,attr"`
	Tests     int         `xml:"tests,attr"`
	Failures  int         `xml:"failures,attr"`
	Skipped   int         `xml:"skipped,attr"`
	Time      string      `xml:"time,attr"`
	Timestamp string      `xml:"timestamp,attr"`
	Cases     []junitCase `xml:"testcase"`
}

type junitCase struct {
	Classname string        `xml:"classname,attr"`
	Name      string        `xml:"name,attr"`
	Time      string        `xml:"time,attr"`
	Failure   *junitMessage `xml:"failure,omitempty"`
	Error     *junitMessage `xml:"error,omitempty"`
	Skipped   *junitMessage `xml:"skipped,omitempty"`
}

type junitMessage struct {
	Message string `xml:"message,attr"`
	Text    string `xml:",chardata"`
}

func (JUnitRenderer) Render(w io.Writer, result aggregator.SuiteResult) error {
	doc := junitTestsuites{
		Name:     result.SuiteName,
		Tests:    result.AggregateMetrics.TotalTests,
		Failures: result.AggregateMetrics.FailedTests,
	}

	serials := make([]string, 0, len(result.DeviceResults))
	for serial := range result.DeviceResults {
		serials = append(serials, serial)
	}
	sort.Strings(serials)

	for _, serial := range serials {
		dr := result.DeviceResults[serial]
		suite := junitSuite{
			Name:      fmt.Sprintf("%s.%s", result.SuiteName, serial),
			Tests:     dr.Metrics.TotalTests,
			Failures:  dr.Metrics.FailedTests,
			Skipped:   dr.Metrics.SkippedTests,
			Time:      fmt.Sprintf("%.3f", dr.EndTime.Sub(dr.StartTime).Seconds()),
			Timestamp: dr.StartTime.Format("2006-01-02T15:04:05"),
		}

		for _, e := range dr.Executions {
			tc := junitCase{
				Classname: suite.Name,
				Name:      e.Step.Name,
				Time:      fmt.Sprintf("%.3f", e.Duration().Seconds()),
			}
			switch e.Status {
			case sequencer.StatusFailed:
				msg := e.ErrorMessage
				if msg == "" {
					msg = "test failed"
				}
				tc.Failure = &junitMessage{Message: msg, Text: msg}
			case sequencer.StatusTimeout:
				tc.Failure = &junitMessage{Message: "test timeout", Text: "test execution timed out"}
			case sequencer.StatusSkipped:
				tc.Skipped = &junitMessage{Message: "test was skipped"}
			}
			suite.Cases = append(suite.Cases, tc)
		}

		doc.Suites = append(doc.Suites, suite)
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	return enc.Encode(doc)
}
