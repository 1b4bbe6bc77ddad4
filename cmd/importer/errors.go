package importer

import (
	"errors"
	"fmt"
	"strings"
)

// Request validation errors, reported before any connection is opened.
var (
	ErrSourceTableRequired = errors.New("source table is required")
	ErrTargetTableRequired = errors.New("target table is required")
	ErrEmptyMapping        = errors.New("at least one field must be mapped")
	ErrInvalidMode         = errors.New("import mode must be one of: replace, insert_ignore")
	ErrInvalidPageSize     = errors.New("page size must be >= 0")
	ErrJobNotPending       = errors.New("job has already been started")
	ErrJobPanicked         = errors.New("import panicked")
	ErrJobCancelled        = errors.New("import cancelled")
)

// SchemaError reports a table or columns that do not exist where the job
// needs them.
type SchemaError struct {
	Table  string
	Fields []string
	Err    error
}

func (e *SchemaError) Error() string {
	var b strings.Builder
	b.WriteString("schema error on ")
	b.WriteString(e.Table)
	if len(e.Fields) > 0 {
		fmt.Fprintf(&b, " (fields: %s)", strings.Join(e.Fields, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

var (
	errMissingTargetFields  = errors.New("mapped target fields do not exist")
	errMissingDefaultFields = errors.New("default value fields do not exist")
)

// TransientIOError is one failed attempt at reading or writing a page.
type TransientIOError struct {
	Op      string // "read" or "write"
	Page    int    // 1-based
	Attempt int
	Err     error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("page %d %s attempt %d failed: %v", e.Page, e.Op, e.Attempt, e.Err)
}

func (e *TransientIOError) Unwrap() error {
	return e.Err
}

// FatalIOError is a page read or write that kept failing after every
// allowed attempt. It aborts the job.
type FatalIOError struct {
	Op       string
	Page     int
	Attempts int
	Err      error
}

func (e *FatalIOError) Error() string {
	return fmt.Sprintf("page %d %s failed after %d attempts: %v", e.Page, e.Op, e.Attempts, e.Err)
}

func (e *FatalIOError) Unwrap() error {
	return e.Err
}
