// -- internal/reporting/reporter.go --
package reporting

import (
	"fmt"
	"io"
	"os"

	"github.com/xkilldash9x/osimpipe/internal/engine"
)

// Supported output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Reporter defines the interface for writing run reports to an output.
type Reporter interface {
	// Write renders one finished run.
	Write(report *engine.Report) error
	// Close finalizes the report and closes any underlying file.
	Close() error
}

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

// New creates a reporter for format. An empty outputPath or "stdout" writes to
// stdout, which is never closed.
func New(format, outputPath string, stdout io.Writer) (Reporter, error) {
	switch format {
	case FormatText, FormatJSON:
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}

	var writer io.WriteCloser
	if outputPath == "" || outputPath == "stdout" {
		writer = &nopWriteCloser{stdout}
	} else {
		f, err := os.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
		}
		writer = f
	}

	if format == FormatJSON {
		return &jsonReporter{w: writer}, nil
	}
	return &textReporter{w: writer}, nil
}
