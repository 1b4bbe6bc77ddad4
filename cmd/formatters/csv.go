package formatters

import (
	"encoding/csv"
	"fmt"
	"io"
)

// CSVFormatter writes a header row followed by one record per row. NULL is
// written as an empty field.
type CSVFormatter struct{}

func (CSVFormatter) NewWriter(w io.Writer, columns []string) (RowWriter, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}
	return &csvWriter{w: cw, columns: columns, record: make([]string, len(columns))}, nil
}

func (CSVFormatter) Extension() string { return ".csv" }

func (CSVFormatter) MIMEType() string { return "text/csv" }

type csvWriter struct {
	w       *csv.Writer
	columns []string
	record  []string
}

func (c *csvWriter) WriteRow(values []interface{}) error {
	if err := checkWidth(c.columns, values); err != nil {
		return err
	}
	for i, v := range values {
		if v == nil {
			c.record[i] = ""
			continue
		}
		c.record[i] = fmt.Sprintf("%v", normalize(v))
	}
	if err := c.w.Write(c.record); err != nil {
		return fmt.Errorf("failed to write CSV record: %w", err)
	}
	return nil
}

func (c *csvWriter) Close() error {
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return fmt.Errorf("CSV writer error: %w", err)
	}
	return nil
}
