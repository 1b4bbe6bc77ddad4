// Package service exposes the importer's operations to the CLI and the HTTP
// API. Every operation reads one settings snapshot when it starts.
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"

	"github.com/airframesio/table-importer/cmd/dbconn"
	"github.com/airframesio/table-importer/cmd/history"
	"github.com/airframesio/table-importer/cmd/importer"
	"github.com/airframesio/table-importer/cmd/joblog"
	"github.com/airframesio/table-importer/cmd/mapping"
	"github.com/airframesio/table-importer/cmd/matcher"
	"github.com/airframesio/table-importer/cmd/schema"
	"github.com/airframesio/table-importer/cmd/snapshot"
)

var (
	ErrInvalidSide         = errors.New("side must be 'source' or 'target'")
	ErrMissingSourceFields = errors.New("mapped source fields do not exist")
)

// Side selects one of the two configured databases.
type Side string

const (
	SideSource Side = "source"
	SideTarget Side = "target"
)

// ParseSide accepts "source" and "target".
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case SideSource, SideTarget:
		return Side(s), nil
	default:
		return "", fmt.Errorf("%w, got '%s'", ErrInvalidSide, s)
	}
}

// UploaderFunc builds an S3 uploader from the current settings.
type UploaderFunc func(snapshot.S3Config) (s3manageriface.UploaderAPI, error)

// Options wires a Service.
type Options struct {
	Config   *ConfigStore
	Provider dbconn.Provider
	History  *history.Store
	Sink     *joblog.Sink
	Workers  int
	Uploader UploaderFunc // snapshot.NewUploader when nil
	Logger   *slog.Logger
}

// Service runs imports in the background and answers the read-side queries.
type Service struct {
	config   *ConfigStore
	provider dbconn.Provider
	engine   *importer.Engine
	manager  *importer.Manager
	history  *history.Store
	sink     *joblog.Sink
	uploader UploaderFunc
	logger   *slog.Logger
}

// New starts the job workers. Call Close to stop them.
func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	uploader := opts.Uploader
	if uploader == nil {
		uploader = snapshot.NewUploader
	}

	jobLogger := slog.New(joblog.NewHandler(opts.Sink, logger.Handler()))
	engine := importer.NewEngine(opts.Provider, opts.History, jobLogger)
	if opts.Sink != nil {
		engine.ResetLogOnStart(opts.Sink)
	}

	return &Service{
		config:   opts.Config,
		provider: opts.Provider,
		engine:   engine,
		manager:  importer.NewManager(engine, opts.Workers, logger),
		history:  opts.History,
		sink:     opts.Sink,
		uploader: uploader,
		logger:   logger,
	}
}

// Close stops accepting jobs and waits for running ones until ctx ends.
func (s *Service) Close(ctx context.Context) error {
	return s.manager.Shutdown(ctx)
}

// StartImport checks req against both databases and queues the job. A
// missing table, an unknown target column or an unreachable database is
// returned here and no job is created. The progress log is cleared once a
// worker starts the job.
func (s *Service) StartImport(ctx context.Context, req importer.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	settings, _ := s.config.Load()
	jobSettings := settings.jobSettings()

	plan, err := s.engine.Preflight(ctx, req, jobSettings)
	if err != nil {
		return "", err
	}
	for _, name := range plan.MissingSources {
		s.logger.Warn(fmt.Sprintf("Source column %s does not exist in %s, its target uses the default value", name, req.SourceTable))
	}

	job := importer.NewJob(req, jobSettings)
	return s.manager.Submit(job)
}

// Wait blocks until job id is terminal or ctx ends.
func (s *Service) Wait(ctx context.Context, id string) (importer.Snapshot, error) {
	job, ok := s.manager.Job(id)
	if !ok {
		return importer.Snapshot{}, fmt.Errorf("%w: %s", importer.ErrJobNotFound, id)
	}
	select {
	case <-job.Done():
		return job.Snapshot(), nil
	case <-ctx.Done():
		return job.Snapshot(), ctx.Err()
	}
}

// ValidateImport runs the import preflight and additionally rejects mapped
// source columns the source table lacks.
func (s *Service) ValidateImport(ctx context.Context, req importer.Request) (*importer.Plan, error) {
	settings, _ := s.config.Load()
	plan, err := s.engine.Preflight(ctx, req, settings.jobSettings())
	if err != nil {
		return nil, err
	}
	if len(plan.MissingSources) > 0 {
		return plan, &importer.SchemaError{Table: req.SourceTable, Fields: plan.MissingSources, Err: ErrMissingSourceFields}
	}
	return plan, nil
}

// JobStatus returns a snapshot of job id.
func (s *Service) JobStatus(id string) (importer.Snapshot, error) {
	snap, ok := s.manager.Get(id)
	if !ok {
		return importer.Snapshot{}, fmt.Errorf("%w: %s", importer.ErrJobNotFound, id)
	}
	return snap, nil
}

// Jobs lists known jobs, newest first.
func (s *Service) Jobs() []importer.Snapshot {
	return s.manager.List()
}

// CancelJob stops job id.
func (s *Service) CancelJob(id string) error {
	return s.manager.Cancel(id)
}

// GetLog returns the progress log of the latest import.
func (s *Service) GetLog() (string, error) {
	return s.sink.Read()
}

// LogPath is the file GetLog reads.
func (s *Service) LogPath() string {
	return s.sink.Path()
}

// GetHistory returns finished imports, newest first.
func (s *Service) GetHistory() []history.Entry {
	return s.history.All()
}

// Fields describes both tables and proposes a mapping between them.
type Fields struct {
	SourceFields []schema.Field       `json:"source_fields"`
	TargetFields []schema.Field       `json:"target_fields"`
	Mapping      mapping.FieldMapping `json:"mapping"`
	Matches      []matcher.Proposal   `json:"matches"`
}

// GetFields describes sourceTable and targetTable and matches their columns.
func (s *Service) GetFields(ctx context.Context, sourceTable, targetTable string) (Fields, error) {
	settings, _ := s.config.Load()

	var source, target *schema.Table
	err := s.withDB(ctx, settings, SideSource, func(db *sql.DB, d dbconn.Dialect) error {
		var err error
		source, err = schema.Describe(ctx, db, d, sourceTable)
		return err
	})
	if err != nil {
		return Fields{}, err
	}
	err = s.withDB(ctx, settings, SideTarget, func(db *sql.DB, d dbconn.Dialect) error {
		var err error
		target, err = schema.Describe(ctx, db, d, targetTable)
		return err
	})
	if err != nil {
		return Fields{}, err
	}

	matches := matcher.MatchDetailed(source.Names(), target.Names())
	var m mapping.FieldMapping
	for _, match := range matches {
		if err := m.Add(match.Target, match.Source); err != nil {
			return Fields{}, err
		}
	}
	return Fields{
		SourceFields: source.Fields,
		TargetFields: target.Fields,
		Mapping:      m,
		Matches:      matches,
	}, nil
}

// TestConnection opens and pings one side.
func (s *Service) TestConnection(ctx context.Context, side Side) error {
	settings, _ := s.config.Load()
	return s.withDB(ctx, settings, side, func(*sql.DB, dbconn.Dialect) error { return nil })
}

// ListTables lists the tables on one side.
func (s *Service) ListTables(ctx context.Context, side Side) ([]string, error) {
	settings, _ := s.config.Load()
	var tables []string
	err := s.withDB(ctx, settings, side, func(db *sql.DB, d dbconn.Dialect) error {
		var err error
		tables, err = schema.ListTables(ctx, db, d)
		return err
	})
	return tables, err
}

// Backup copies a target-side table into a new backup table.
func (s *Service) Backup(ctx context.Context, table, name string) (snapshot.Result, error) {
	settings, _ := s.config.Load()
	var res snapshot.Result
	err := s.withDB(ctx, settings, SideTarget, func(db *sql.DB, d dbconn.Dialect) error {
		var err error
		res, err = snapshot.Backup(ctx, db, d, table, name)
		return err
	})
	if err != nil {
		return res, err
	}
	s.logger.Info(fmt.Sprintf("💾 Backed up %s to %s (%d records)", table, res.Table, res.Rows))
	return res, nil
}

// Restore refills a target-side table from one of its backups.
func (s *Service) Restore(ctx context.Context, table, backup, mode string) (snapshot.Result, error) {
	settings, _ := s.config.Load()
	var res snapshot.Result
	err := s.withDB(ctx, settings, SideTarget, func(db *sql.DB, d dbconn.Dialect) error {
		var err error
		res, err = snapshot.Restore(ctx, db, d, table, backup, mode)
		return err
	})
	if err != nil {
		return res, err
	}
	s.logger.Info(fmt.Sprintf("♻️  Restored %s from %s (%d records)", table, backup, res.Rows))
	return res, nil
}

// ListBackups lists target-side backup tables.
func (s *Service) ListBackups(ctx context.Context) ([]string, error) {
	settings, _ := s.config.Load()
	var backups []string
	err := s.withDB(ctx, settings, SideTarget, func(db *sql.DB, d dbconn.Dialect) error {
		var err error
		backups, err = snapshot.ListBackups(ctx, db, d)
		return err
	})
	return backups, err
}

// Preview returns the first limit rows of a table on one side.
func (s *Service) Preview(ctx context.Context, side Side, table string, limit int) (snapshot.Sample, error) {
	settings, _ := s.config.Load()
	var sample snapshot.Sample
	err := s.withDB(ctx, settings, side, func(db *sql.DB, d dbconn.Dialect) error {
		var err error
		sample, err = snapshot.Preview(ctx, db, d, table, limit)
		return err
	})
	return sample, err
}

// Export uploads a target-side table to the configured bucket.
func (s *Service) Export(ctx context.Context, table string) (snapshot.ExportResult, error) {
	settings, _ := s.config.Load()
	opts := settings.Export
	if opts.Bucket == "" {
		opts.Bucket = settings.S3.Bucket
	}
	if opts.Bucket == "" {
		return snapshot.ExportResult{}, snapshot.ErrBucketRequired
	}
	up, err := s.uploader(settings.S3)
	if err != nil {
		return snapshot.ExportResult{}, err
	}

	var res snapshot.ExportResult
	err = s.withDB(ctx, settings, SideTarget, func(db *sql.DB, d dbconn.Dialect) error {
		var err error
		res, err = snapshot.Export(ctx, db, d, table, opts, up)
		return err
	})
	if err != nil {
		return res, err
	}
	s.logger.Info(fmt.Sprintf("☁️  Exported %s to s3://%s/%s (%d records)", table, res.Bucket, res.Key, res.Rows))
	return res, nil
}

// Settings returns the current settings and their version.
func (s *Service) Settings() (Settings, uint64) {
	return s.config.Load()
}

// UpdateSettings validates and stores next if version is still current. Jobs
// already queued keep the settings they were created with.
func (s *Service) UpdateSettings(next Settings, version uint64) (uint64, error) {
	if err := next.Validate(); err != nil {
		return 0, err
	}
	return s.config.CompareAndSwap(next, version)
}

func (s *Service) withDB(ctx context.Context, settings Settings, side Side, fn func(*sql.DB, dbconn.Dialect) error) error {
	if _, err := ParseSide(string(side)); err != nil {
		return err
	}
	cfg := settings.connection(side)
	d, err := dbconn.ForDriver(cfg.Driver)
	if err != nil {
		return err
	}
	db, err := s.provider.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db, d)
}
