package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gustycube/cyberstreams/internal/types"
)

// Format represents the output format
type Format string

const (
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
)

var csvHeader = []string{"id", "title", "source_id", "source_name", "url", "risk", "tags", "published_at", "fetched_at"}

// Writer renders documents in one of the supported formats
type Writer struct {
	format    Format
	w         io.Writer
	csvWriter *csv.Writer
	mu        sync.Mutex
	hasHeader bool
}

// NewWriter creates a new output writer
func NewWriter(format string, w io.Writer) (*Writer, error) {
	var f Format
	switch strings.ToLower(format) {
	case "json":
		f = FormatJSON
	case "jsonl", "ndjson":
		f = FormatJSONL
	case "csv":
		f = FormatCSV
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}

	writer := &Writer{
		format: f,
		w:      w,
	}
	if f == FormatCSV {
		writer.csvWriter = csv.NewWriter(w)
	}
	return writer, nil
}

// NewStdoutWriter creates a writer for stdout
func NewStdoutWriter(format string) (*Writer, error) {
	return NewWriter(format, os.Stdout)
}

// WriteDocuments writes docs in the configured format. JSON output is a
// single indented array per call.
func (w *Writer) WriteDocuments(docs []types.Document) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.format {
	case FormatJSON:
		if docs == nil {
			docs = []types.Document{}
		}
		encoder := json.NewEncoder(w.w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(docs)

	case FormatJSONL:
		encoder := json.NewEncoder(w.w)
		for _, d := range docs {
			if err := encoder.Encode(d); err != nil {
				return err
			}
		}
		return nil

	case FormatCSV:
		return w.writeCSV(docs)

	default:
		return fmt.Errorf("unsupported format: %s", w.format)
	}
}

func (w *Writer) writeCSV(docs []types.Document) error {
	if !w.hasHeader {
		if err := w.csvWriter.Write(csvHeader); err != nil {
			return err
		}
		w.hasHeader = true
	}
	for _, d := range docs {
		url := ""
		if d.URL != nil {
			url = *d.URL
		}
		if err := w.csvWriter.Write([]string{
			d.ID,
			d.Title,
			d.SourceID,
			d.SourceName,
			url,
			string(d.Risk),
			strings.Join(d.Tags, ";"),
			d.PublishedAt.UTC().Format(time.RFC3339),
			d.FetchedAt.UTC().Format(time.RFC3339),
		}); err != nil {
			return err
		}
	}
	return w.csvWriter.Error()
}

// Flush flushes any buffered data
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.csvWriter != nil {
		w.csvWriter.Flush()
		return w.csvWriter.Error()
	}
	return nil
}
