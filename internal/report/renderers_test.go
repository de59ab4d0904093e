package report

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONRenderer_ProducesExpectedTopLevelShape(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, JSONRenderer{}.Render(&buf, sampleResult()))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))

	for _, key := range []string{"metadata", "summary", "device_results", "performance_trends", "artifacts", "environment_info", "analysis"} {
		assert.Contains(t, doc, key)
	}

	summary := doc["summary"].(map[string]any)
	assert.EqualValues(t, 2, summary["total_tests"])
}

func TestJUnitRenderer_OneTestsuitePerDeviceWithFailureElement(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, JUnitRenderer{}.Render(&buf, sampleResult()))

	var doc junitTestsuites
	require.NoError(t, xml.Unmarshal(buf.Bytes(), &doc))

	require.Len(t, doc.Suites, 1)
	suite := doc.Suites[0]
	require.Len(t, suite.Cases, 2)

	var sawFailure bool
	for _, c := range suite.Cases {
		if c.Failure != nil {
			sawFailure = true
			assert.Equal(t, "checksum mismatch", c.Failure.Message)
		}
	}
	assert.True(t, sawFailure)
}

func TestCSVRenderer_WritesHeaderAndOneRowPerExecution(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, CSVRenderer{}.Render(&buf, sampleResult()))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "suite,device,test,type,status,duration,start,end,retry,error,required,timeout,parameters", lines[0])
}

func TestTAPRenderer_EmitsPlanAndNotOkWithDiagnostic(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, TAPRenderer{}.Render(&buf, sampleResult()))

	out := buf.String()
	assert.Contains(t, out, "TAP version 13")
	assert.Contains(t, out, "1..2")
	assert.Contains(t, out, "ok 1 - DEV-1: connectivity_check")
	assert.Contains(t, out, "not ok 2 - DEV-1: flash_verify")
	assert.Contains(t, out, "message: \"checksum mismatch\"")
}

func TestHTMLRenderer_EmbedsSuiteNameAndDeviceRow(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, HTMLRenderer{}.Render(&buf, sampleResult()))

	out := buf.String()
	assert.Contains(t, out, "<title>smoke - Test Report</title>")
	assert.Contains(t, out, "DEV-1")
	assert.Contains(t, out, "flash_verify")
}
