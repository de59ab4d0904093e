// Package report renders a borrowed aggregator.SuiteResult into
// CI-consumable artifact formats: JSON, JUnit-XML, CSV, TAP, and HTML. Each
// format gets its own renderer rather than a single function
// string-dispatching on a format name.
package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"hidtestorch/internal/aggregator"
)

// Format identifies one renderer variant.
type Format string

const (
	FormatJSON  Format = "json"
	FormatJUnit Format = "junit"
	FormatCSV   Format = "csv"
	FormatTAP   Format = "tap"
	FormatHTML  Format = "html"
)

func (f Format) extension() string {
	switch f {
	case FormatJUnit:
		return "xml"
	case FormatTAP:
		return "tap"
	default:
		return string(f)
	}
}

// Renderer writes one suite result to a sink in its own format.
type Renderer interface {
	Render(w io.Writer, result aggregator.SuiteResult) error
}

func rendererFor(format Format) (Renderer, error) {
	switch format {
	case FormatJSON:
		return JSONRenderer{}, nil
	case FormatJUnit:
		return JUnitRenderer{}, nil
	case FormatCSV:
		return CSVRenderer{}, nil
	case FormatTAP:
		return TAPRenderer{}, nil
	case FormatHTML:
		return HTMLRenderer{}, nil
	default:
		return nil, fmt.Errorf("unknown report format %q", format)
	}
}

// WriteAll renders result in every requested format into outputDir, one
// file per format, and ensures the artifacts/ and logs/ subdirectories
// exist alongside them.
func WriteAll(outputDir string, result aggregator.SuiteResult, formats []Format) ([]string, error) {
	if err := os.MkdirAll(filepath.Join(outputDir, "artifacts"), 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(outputDir, "logs"), 0o755); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}

	var written []string
	for _, format := range formats {
		renderer, err := rendererFor(format)
		if err != nil {
			return written, err
		}

		path := filepath.Join(outputDir, fmt.Sprintf("%s.%s", safeName(result.SuiteName), format.extension()))
		f, err := os.Create(path)
		if err != nil {
			return written, fmt.Errorf("create report file %s: %w", path, err)
		}
		err = renderer.Render(f, result)
		closeErr := f.Close()
		if err != nil {
			return written, fmt.Errorf("render %s report: %w", format, err)
		}
		if closeErr != nil {
			return written, fmt.Errorf("close %s report: %w", format, closeErr)
		}
		written = append(written, path)
	}
	return written, nil
}

func safeName(name string) string {
	if name == "" {
		return "suite"
	}
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// PruneOldReports removes files directly under outputDir (and its
// artifacts/logs subdirectories) whose modification time is older than the
// retention period.
func PruneOldReports(outputDir string, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-retention)

	for _, dir := range []string{outputDir, filepath.Join(outputDir, "artifacts"), filepath.Join(outputDir, "logs")} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("read %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				_ = os.Remove(filepath.Join(dir, entry.Name()))
			}
		}
	}
	return nil
}
