package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"

	"github.com/airframesio/table-importer/cmd/compressors"
	"github.com/airframesio/table-importer/cmd/dbconn"
	"github.com/airframesio/table-importer/cmd/formatters"
	"github.com/airframesio/table-importer/cmd/schema"
)

// DefaultPathTemplate places exports under the table name and date.
const DefaultPathTemplate = "exports/{table}/{YYYY}/{MM}/{DD}/{table}-{YYYY}{MM}{DD}{HH}"

var ErrBucketRequired = errors.New("S3 bucket is required")

// PathTemplate expands {table}, {YYYY}, {MM}, {DD} and {HH} into an object key.
type PathTemplate string

func (p PathTemplate) Generate(table string, t time.Time) string {
	r := strings.NewReplacer(
		"{table}", table,
		"{YYYY}", t.Format("2006"),
		"{MM}", t.Format("01"),
		"{DD}", t.Format("02"),
		"{HH}", t.Format("15"),
	)
	return r.Replace(string(p))
}

// ExportOptions selects where and how a table is exported.
type ExportOptions struct {
	Bucket       string `json:"bucket,omitempty"`
	PathTemplate string `json:"path_template,omitempty"` // DefaultPathTemplate when empty
	Format       string `json:"format,omitempty"`        // jsonl (default) or csv
	Compression  string `json:"compression,omitempty"`   // zstd (default), lz4, gzip or none
	Level        int    `json:"compression_level,omitempty"`
}

// ExportResult describes an uploaded export.
type ExportResult struct {
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
	Location string `json:"location"`
	Rows     int64  `json:"rows"`
}

var contentTypes = map[string]string{
	".zst": "application/zstd",
	".gz":  "application/gzip",
	".lz4": "application/x-lz4",
}

// Export streams every row of table through the chosen formatter and
// compressor into a multipart upload. Nothing is buffered beyond one upload
// part.
func Export(ctx context.Context, db *sql.DB, d dbconn.Dialect, table string, opts ExportOptions, up s3manageriface.UploaderAPI) (ExportResult, error) {
	if opts.Bucket == "" {
		return ExportResult{}, ErrBucketRequired
	}
	formatter, err := formatters.Get(opts.Format)
	if err != nil {
		return ExportResult{}, err
	}
	compressor, err := compressors.Get(opts.Compression)
	if err != nil {
		return ExportResult{}, err
	}
	level := opts.Level
	if level == 0 {
		level = compressor.DefaultLevel()
	}

	ok, err := schema.Exists(ctx, db, d, table)
	if err != nil {
		return ExportResult{}, err
	}
	if !ok {
		return ExportResult{}, fmt.Errorf("%w: '%s'", schema.ErrTableNotFound, table)
	}

	tmpl := PathTemplate(opts.PathTemplate)
	if tmpl == "" {
		tmpl = DefaultPathTemplate
	}
	key := tmpl.Generate(table, now()) + formatter.Extension() + compressor.Extension()
	contentType := formatter.MIMEType()
	if ct, ok := contentTypes[compressor.Extension()]; ok {
		contentType = ct
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pr, pw := io.Pipe()
	var rows int64
	produced := make(chan error, 1)
	go func() {
		err := writeTable(ctx, db, d, table, formatter, compressor, level, pw, &rows)
		pw.CloseWithError(err)
		produced <- err
	}()

	out, uploadErr := up.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(opts.Bucket),
		Key:         aws.String(key),
		Body:        pr,
		ContentType: aws.String(contentType),
	})
	if uploadErr != nil {
		cancel()
	}
	// unblock the producer if the uploader stopped reading early
	pr.CloseWithError(io.ErrClosedPipe)
	produceErr := <-produced

	if uploadErr != nil {
		return ExportResult{}, fmt.Errorf("failed to upload s3://%s/%s: %w", opts.Bucket, key, uploadErr)
	}
	if produceErr != nil {
		return ExportResult{}, fmt.Errorf("failed to export %s: %w", table, produceErr)
	}

	res := ExportResult{Bucket: opts.Bucket, Key: key, Rows: rows}
	if out != nil {
		res.Location = out.Location
	}
	return res, nil
}

func writeTable(ctx context.Context, db *sql.DB, d dbconn.Dialect, table string, f formatters.Formatter, c compressors.Compressor, level int, w io.Writer, count *int64) error {
	cw, err := c.NewWriter(w, level)
	if err != nil {
		return err
	}

	var rw formatters.RowWriter
	err = scanRows(ctx, db, "SELECT * FROM "+d.QuoteIdent(table), nil, func(columns []string) error {
		var err error
		rw, err = f.NewWriter(cw, columns)
		return err
	}, func(values []interface{}) error {
		*count++
		return rw.WriteRow(values)
	})
	if err != nil {
		cw.Close()
		return err
	}

	if err := rw.Close(); err != nil {
		cw.Close()
		return err
	}
	if err := cw.Close(); err != nil {
		return fmt.Errorf("failed to flush compressor: %w", err)
	}
	return nil
}
