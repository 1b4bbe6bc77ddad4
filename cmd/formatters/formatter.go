// Package formatters serialises table rows for export.
package formatters

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrUnsupportedFormat is returned for an unknown format name
var ErrUnsupportedFormat = errors.New("unsupported format")

// ErrRowWidth is returned when a row does not match the column list
var ErrRowWidth = errors.New("row width does not match columns")

// Format names
const (
	FormatJSONL = "jsonl"
	FormatCSV   = "csv"
)

// Formatter creates row writers for one output format.
type Formatter interface {
	// NewWriter starts a stream of rows with the given columns on w.
	NewWriter(w io.Writer, columns []string) (RowWriter, error)

	// Extension returns the file extension (e.g. ".jsonl")
	Extension() string

	MIMEType() string
}

// RowWriter writes rows in column order. Close flushes buffered output but
// does not close the underlying writer.
type RowWriter interface {
	WriteRow(values []interface{}) error
	Close() error
}

// Get returns the formatter named format ("" means JSONL).
func Get(format string) (Formatter, error) {
	switch format {
	case FormatJSONL, "":
		return JSONLFormatter{}, nil
	case FormatCSV:
		return CSVFormatter{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// normalize turns driver values into something both encoders print sensibly.
// MySQL returns text columns as []byte.
func normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

func checkWidth(columns []string, values []interface{}) error {
	if len(values) != len(columns) {
		return fmt.Errorf("%w: expected %d, got %d", ErrRowWidth, len(columns), len(values))
	}
	return nil
}
