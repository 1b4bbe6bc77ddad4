package formatters

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// JSONLFormatter writes one JSON object per line, keys in column order.
type JSONLFormatter struct{}

func (JSONLFormatter) NewWriter(w io.Writer, columns []string) (RowWriter, error) {
	keys := make([][]byte, len(columns))
	for i, col := range columns {
		k, err := json.Marshal(col)
		if err != nil {
			return nil, fmt.Errorf("failed to encode column %s: %w", col, err)
		}
		keys[i] = k
	}
	return &jsonlWriter{w: bufio.NewWriter(w), columns: columns, keys: keys}, nil
}

func (JSONLFormatter) Extension() string { return ".jsonl" }

func (JSONLFormatter) MIMEType() string { return "application/x-ndjson" }

type jsonlWriter struct {
	w       *bufio.Writer
	columns []string
	keys    [][]byte
}

func (j *jsonlWriter) WriteRow(values []interface{}) error {
	if err := checkWidth(j.columns, values); err != nil {
		return err
	}
	j.w.WriteByte('{')
	for i, v := range values {
		if i > 0 {
			j.w.WriteByte(',')
		}
		j.w.Write(j.keys[i])
		j.w.WriteByte(':')
		data, err := json.Marshal(normalize(v))
		if err != nil {
			return fmt.Errorf("failed to encode column %s: %w", j.columns[i], err)
		}
		j.w.Write(data)
	}
	j.w.WriteByte('}')
	return j.w.WriteByte('\n')
}

func (j *jsonlWriter) Close() error {
	return j.w.Flush()
}
