package tracing

import (
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// NewFileExporter writes spans as JSON lines to the given file, creating
// parent directories as needed and appending across runs.
func NewFileExporter(path string) (sdktrace.SpanExporter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create trace directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) //nolint:gosec // G304: user-chosen trace output path
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	return stdouttrace.New(stdouttrace.WithWriter(f))
}
