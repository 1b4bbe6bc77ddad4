// Package importer copies rows from a source table into a target table page
// by page, one transaction per page, with bounded retries.
package importer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/airframesio/table-importer/cmd/dbconn"
	"github.com/airframesio/table-importer/cmd/history"
	"github.com/airframesio/table-importer/cmd/mapping"
	"github.com/airframesio/table-importer/cmd/schema"
)

// Recorder receives the terminal entry of every job.
type Recorder interface {
	Append(history.Entry) error
}

// LogResetter clears the progress log.
type LogResetter interface {
	Reset() error
}

// Engine runs import jobs. One Engine serves any number of concurrent jobs;
// each job opens its own connections.
type Engine struct {
	provider dbconn.Provider
	history  Recorder
	log      LogResetter
	logger   *slog.Logger
	sleep    func(context.Context, time.Duration) error
}

// NewEngine returns an engine opening connections through provider and
// appending finished jobs to rec (which may be nil).
func NewEngine(provider dbconn.Provider, rec Recorder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		provider: provider,
		history:  rec,
		logger:   logger,
		sleep:    sleepContext,
	}
}

// ResetLogOnStart makes every job clear log when a worker picks it up, before
// its first message.
func (e *Engine) ResetLogOnStart(log LogResetter) {
	e.log = log
}

// Plan is what preflight learned about both tables.
type Plan struct {
	Source  *schema.Table
	Target  *schema.Table
	Columns []string // effective write columns
	// MissingSources lists mapped source columns the source table lacks.
	// Their targets fall back to defaults.
	MissingSources []string

	template dbconn.WriteTemplate
	orderBy  []string
}

type side struct {
	db      *sql.DB
	dialect dbconn.Dialect
}

// Preflight checks a request against both databases without touching any
// rows: the tables exist, every mapped and defaulted target column exists,
// and the target can take the requested write mode.
func (e *Engine) Preflight(ctx context.Context, req Request, settings Settings) (*Plan, error) {
	req = req.withDefaults()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	src, tgt, closeAll, err := e.open(ctx, settings)
	if err != nil {
		return nil, err
	}
	defer closeAll()

	return e.plan(ctx, req, src, tgt)
}

// Run executes job to completion. The returned error is the job failure; the
// job itself and its history entry carry the same outcome. Cancelling ctx or
// calling job.Cancel stops the job between pages or during a retry wait.
func (e *Engine) Run(ctx context.Context, job *Job) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	if err := job.start(cancel); err != nil {
		cancel()
		return err
	}
	logger := e.logger.With("job_id", job.ID)

	defer func() {
		cancel()
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrJobPanicked, r)
		}
		if err != nil {
			logger.Error(fmt.Sprintf("Import failed: %v", err))
		}
		job.finish(err)
		e.record(job, logger)
		job.markDone()
	}()

	return e.execute(ctx, job, logger)
}

func (e *Engine) execute(ctx context.Context, job *Job, logger *slog.Logger) error {
	req := job.Request
	pageSize := req.PageSize

	if e.log != nil {
		if err := e.log.Reset(); err != nil {
			e.logger.Warn(fmt.Sprintf("Failed to clear import log: %v", err))
		}
	}
	logger.Info("Starting data import...")
	logger.Info(fmt.Sprintf("Using page size: %d records", pageSize))

	if err := ctx.Err(); err != nil {
		return e.stopped(ctx, err)
	}
	src, tgt, closeAll, err := e.open(ctx, job.Settings)
	if err != nil {
		logger.Error("Database connection failed")
		return e.stopped(ctx, err)
	}
	defer closeAll()

	plan, err := e.plan(ctx, req, src, tgt)
	if err != nil {
		return e.stopped(ctx, err)
	}
	for _, name := range plan.MissingSources {
		logger.Warn(fmt.Sprintf("Source column %s does not exist, its target uses the default value", name))
	}
	logger.Debug(fmt.Sprintf("Write columns: %v", plan.Columns))

	var total int64
	if err := src.db.QueryRowContext(ctx, dbconn.CountQuery(src.dialect, req.SourceTable)).Scan(&total); err != nil {
		return e.stopped(ctx, fmt.Errorf("failed to count source rows: %w", err))
	}
	job.setTotal(total)
	pages := int((total + int64(pageSize) - 1) / int64(pageSize))
	logger.Info(fmt.Sprintf("Source table %s has %d records", req.SourceTable, total))
	logger.Info(fmt.Sprintf("Importing in %d pages of %d records", pages, pageSize))

	retry := newRetrier(job.Settings, e.sleep, logger)
	pageQuery := dbconn.PageQuery(src.dialect, req.SourceTable, plan.orderBy)
	maxParams := tgt.dialect.MaxBindParams()

	var (
		builder  *rowBuilder
		imported int64
	)
	for p := 0; p < pages; p++ {
		if err := ctx.Err(); err != nil {
			return e.stopped(ctx, err)
		}

		offset := p * pageSize
		progress := p * 100 / pages
		job.setProgress(progress)
		logger.Info(fmt.Sprintf("Importing page %d/%d... (progress: %d%%)", p+1, pages, progress))

		var page sourcePage
		err := retry.do(ctx, "read", p+1, pages, func(ctx context.Context) error {
			var err error
			page, err = readPage(ctx, src.db, pageQuery, pageSize, offset)
			return err
		})
		if err != nil {
			return e.stopped(ctx, err)
		}
		if len(page.rows) == 0 {
			continue
		}
		if builder == nil {
			b := newRowBuilder(plan.Columns, req.Mapping, req.Defaults, page.columns)
			builder = &b
		}

		err = retry.do(ctx, "write", p+1, pages, func(ctx context.Context) error {
			return writePage(ctx, tgt.db, plan.template, maxParams, *builder, page.rows)
		})
		if err != nil {
			return e.stopped(ctx, err)
		}

		imported = job.addImported(int64(len(page.rows)))
		logger.Info(fmt.Sprintf("Page %d/%d imported, %d records, %d/%d total", p+1, pages, len(page.rows), imported, total))
	}

	logger.Info(fmt.Sprintf("Data import finished! %d records imported", imported))
	return nil
}

// stopped reports any failure after the job context ended as ErrJobCancelled.
func (e *Engine) stopped(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrJobCancelled, ctx.Err())
	}
	return err
}

func (e *Engine) open(ctx context.Context, s Settings) (side, side, func(), error) {
	srcDialect, err := dbconn.ForDriver(s.Source.Driver)
	if err != nil {
		return side{}, side{}, nil, err
	}
	tgtDialect, err := dbconn.ForDriver(s.Target.Driver)
	if err != nil {
		return side{}, side{}, nil, err
	}

	srcDB, err := e.provider.Open(ctx, s.Source)
	if err != nil {
		return side{}, side{}, nil, err
	}
	tgtDB, err := e.provider.Open(ctx, s.Target)
	if err != nil {
		srcDB.Close()
		return side{}, side{}, nil, err
	}

	closeAll := func() {
		srcDB.Close()
		tgtDB.Close()
	}
	return side{db: srcDB, dialect: srcDialect}, side{db: tgtDB, dialect: tgtDialect}, closeAll, nil
}

func (e *Engine) plan(ctx context.Context, req Request, src, tgt side) (*Plan, error) {
	source, err := describe(ctx, src, req.SourceTable)
	if err != nil {
		return nil, err
	}
	target, err := describe(ctx, tgt, req.TargetTable)
	if err != nil {
		return nil, err
	}

	if missing := absent(target, req.Mapping.Targets()); len(missing) > 0 {
		return nil, &SchemaError{Table: req.TargetTable, Fields: missing, Err: errMissingTargetFields}
	}
	if missing := absent(target, req.Defaults.Targets()); len(missing) > 0 {
		return nil, &SchemaError{Table: req.TargetTable, Fields: missing, Err: errMissingDefaultFields}
	}

	columns := mapping.WriteColumns(req.Mapping, req.Defaults)
	tmpl, err := tgt.dialect.WriteTemplate(req.TargetTable, columns, target.PrimaryKey(), req.Mode.conflict())
	if err != nil {
		return nil, &SchemaError{Table: req.TargetTable, Err: err}
	}

	var sources []string
	for _, p := range req.Mapping.Pairs() {
		sources = append(sources, p.Source)
	}

	return &Plan{
		Source:         source,
		Target:         target,
		Columns:        columns,
		MissingSources: absent(source, sources),
		template:       tmpl,
		orderBy:        source.PrimaryKey(),
	}, nil
}

func describe(ctx context.Context, s side, table string) (*schema.Table, error) {
	t, err := schema.Describe(ctx, s.db, s.dialect, table)
	if errors.Is(err, schema.ErrTableNotFound) {
		return nil, &SchemaError{Table: table, Err: err}
	}
	return t, err
}

func absent(t *schema.Table, names []string) []string {
	var missing []string
	for _, n := range names {
		if !t.Has(n) {
			missing = append(missing, n)
		}
	}
	return missing
}

type sourcePage struct {
	columns []string
	rows    [][]interface{}
}

func readPage(ctx context.Context, db *sql.DB, query string, limit, offset int) (sourcePage, error) {
	rows, err := db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return sourcePage{}, fmt.Errorf("failed to query page: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return sourcePage{}, fmt.Errorf("failed to read columns: %w", err)
	}

	page := sourcePage{columns: columns, rows: make([][]interface{}, 0, limit)}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return sourcePage{}, fmt.Errorf("failed to scan row: %w", err)
		}
		page.rows = append(page.rows, values)
	}
	if err := rows.Err(); err != nil {
		return sourcePage{}, fmt.Errorf("error iterating page: %w", err)
	}
	return page, nil
}

// writePage writes rows in one transaction, split into as few statements as
// the bind parameter limit allows.
func writePage(ctx context.Context, db *sql.DB, tmpl dbconn.WriteTemplate, maxParams int, b rowBuilder, rows [][]interface{}) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	perStatement := tmpl.RowsPerStatement(maxParams)
	args := make([]interface{}, 0, min(perStatement, len(rows))*b.width())
	for start := 0; start < len(rows); start += perStatement {
		end := min(start+perStatement, len(rows))
		args = args[:0]
		for _, row := range rows[start:end] {
			args = b.appendRow(args, row)
		}
		if _, err = tx.ExecContext(ctx, tmpl.Render(end-start), args...); err != nil {
			return fmt.Errorf("failed to write rows: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (e *Engine) record(job *Job, logger *slog.Logger) {
	if e.history == nil {
		return
	}
	snap := job.Snapshot()
	status := history.StatusSucceeded
	if snap.State == StateFailed {
		status = history.StatusFailed
	}
	entry := history.Entry{
		JobID:        snap.ID,
		Timestamp:    time.Now(),
		SourceTable:  snap.SourceTable,
		TargetTable:  snap.TargetTable,
		FieldMapping: snap.Mapping,
		ImportMode:   string(snap.Mode),
		Status:       status,
		RecordsCount: snap.ImportedRecords,
		TotalRecords: snap.TotalRecords,
		Duration:     snap.Duration,
		Error:        snap.Error,
	}
	if err := e.history.Append(entry); err != nil {
		logger.Error(fmt.Sprintf("Failed to save import history: %v", err))
	}
}
