// Package snapshot copies whole tables inside one database: backups before an
// import, restores from them, previews and exports to S3.
package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/airframesio/table-importer/cmd/dbconn"
	"github.com/airframesio/table-importer/cmd/schema"
)

var (
	ErrBackupExists       = errors.New("backup table already exists")
	ErrBackupNotFound     = errors.New("backup table not found")
	ErrInvalidRestoreMode = errors.New("invalid restore mode")
)

// Restore modes
const (
	RestoreOverwrite = "overwrite"
	RestoreAppend    = "append"
)

// DefaultPreviewLimit is the row count Preview returns when asked for none.
const DefaultPreviewLimit = 10

var now = time.Now

// BackupName is the default backup table name for table at t.
func BackupName(table string, t time.Time) string {
	return fmt.Sprintf("%s_backup_%s", table, t.Format("20060102_150405"))
}

// Result describes a finished copy.
type Result struct {
	Table string `json:"table"`
	Rows  int64  `json:"rows"`
}

// Backup copies table into a new table called name (BackupName when empty)
// and returns how many rows the copy holds.
func Backup(ctx context.Context, db *sql.DB, d dbconn.Dialect, table, name string) (Result, error) {
	if name == "" {
		name = BackupName(table, now())
	}
	if !schema.ValidIdentifier(name) {
		return Result{}, fmt.Errorf("%w: '%s'", schema.ErrInvalidIdentifier, name)
	}

	tables, err := schema.ListTables(ctx, db, d)
	if err != nil {
		return Result{}, err
	}
	if !contains(tables, table) {
		return Result{}, fmt.Errorf("%w: '%s'", schema.ErrTableNotFound, table)
	}
	if contains(tables, name) {
		return Result{}, fmt.Errorf("%w: '%s'", ErrBackupExists, name)
	}

	create := fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s", d.QuoteIdent(name), d.QuoteIdent(table))
	if _, err := db.ExecContext(ctx, create); err != nil {
		return Result{}, fmt.Errorf("failed to create backup %s: %w", name, err)
	}

	var rows int64
	if err := db.QueryRowContext(ctx, dbconn.CountQuery(d, name)).Scan(&rows); err != nil {
		return Result{}, fmt.Errorf("failed to count backup %s: %w", name, err)
	}
	return Result{Table: name, Rows: rows}, nil
}

// Restore copies every row of backup into target in one transaction. In
// overwrite mode target is emptied first. It returns the rows inserted.
func Restore(ctx context.Context, db *sql.DB, d dbconn.Dialect, target, backup, mode string) (res Result, err error) {
	switch mode {
	case "":
		mode = RestoreOverwrite
	case RestoreOverwrite, RestoreAppend:
	default:
		return Result{}, fmt.Errorf("%w: '%s'", ErrInvalidRestoreMode, mode)
	}

	tables, err := schema.ListTables(ctx, db, d)
	if err != nil {
		return Result{}, err
	}
	if !contains(tables, backup) {
		return Result{}, fmt.Errorf("%w: '%s'", ErrBackupNotFound, backup)
	}
	if !contains(tables, target) {
		return Result{}, fmt.Errorf("%w: '%s'", schema.ErrTableNotFound, target)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if mode == RestoreOverwrite {
		if _, err = tx.ExecContext(ctx, dbconn.ClearQuery(d, target)); err != nil {
			return Result{}, fmt.Errorf("failed to clear %s: %w", target, err)
		}
	}

	insert := fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", d.QuoteIdent(target), d.QuoteIdent(backup))
	r, err := tx.ExecContext(ctx, insert)
	if err != nil {
		return Result{}, fmt.Errorf("failed to restore %s from %s: %w", target, backup, err)
	}
	rows, err := r.RowsAffected()
	if err != nil {
		return Result{}, fmt.Errorf("failed to read restored row count: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("failed to commit restore: %w", err)
	}
	return Result{Table: target, Rows: rows}, nil
}

// ListBackups returns the tables whose name mentions "backup".
func ListBackups(ctx context.Context, db *sql.DB, d dbconn.Dialect) ([]string, error) {
	tables, err := schema.ListTables(ctx, db, d)
	if err != nil {
		return nil, err
	}
	backups := []string{}
	for _, t := range tables {
		if strings.Contains(strings.ToLower(t), "backup") {
			backups = append(backups, t)
		}
	}
	return backups, nil
}

// Sample is the first rows of a table rendered as text.
type Sample struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// Preview returns up to limit rows of table (DefaultPreviewLimit when <= 0).
// NULL values read as "NULL".
func Preview(ctx context.Context, db *sql.DB, d dbconn.Dialect, table string, limit int) (Sample, error) {
	if limit <= 0 {
		limit = DefaultPreviewLimit
	}
	ok, err := schema.Exists(ctx, db, d, table)
	if err != nil {
		return Sample{}, err
	}
	if !ok {
		return Sample{}, fmt.Errorf("%w: '%s'", schema.ErrTableNotFound, table)
	}

	query := fmt.Sprintf("SELECT * FROM %s LIMIT %s", d.QuoteIdent(table), d.Placeholder(1))
	sample := Sample{Rows: [][]string{}}
	err = scanRows(ctx, db, query, []interface{}{limit}, func(columns []string) error {
		sample.Columns = columns
		return nil
	}, func(values []interface{}) error {
		row := make([]string, len(values))
		for i, v := range values {
			row[i] = text(v)
		}
		sample.Rows = append(sample.Rows, row)
		return nil
	})
	return sample, err
}

func text(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(x)
	case time.Time:
		return x.Format("2006-01-02 15:04:05")
	default:
		return fmt.Sprintf("%v", x)
	}
}

// scanRows runs query and hands the column list, then each row, to the
// callbacks. Row slices are reused between calls.
func scanRows(ctx context.Context, db *sql.DB, query string, args []interface{}, onColumns func([]string) error, onRow func([]interface{}) error) error {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query rows: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("failed to read columns: %w", err)
	}
	if err := onColumns(columns); err != nil {
		return err
	}

	values := make([]interface{}, len(columns))
	ptrs := make([]interface{}, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}
		if err := onRow(values); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating rows: %w", err)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
