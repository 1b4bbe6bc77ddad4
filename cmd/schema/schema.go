// Package schema lists tables and describes their columns. Table names handed
// to any query builder must first be found here, which keeps identifiers on
// an allow-list of what the server reports.
package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"github.com/airframesio/table-importer/cmd/dbconn"
)

var (
	ErrTableNotFound     = errors.New("table not found")
	ErrInvalidIdentifier = errors.New("identifier is invalid: must be 1-64 characters, start with a letter or underscore, and contain only letters, numbers, and underscores")
)

// Key roles as reported by DESCRIBE
const (
	KeyPrimary  = "PRI"
	KeyUnique   = "UNI"
	KeyMultiple = "MUL"
)

var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidIdentifier reports whether name is safe to create as a new table.
// Existing tables are checked against ListTables instead.
func ValidIdentifier(name string) bool {
	return name != "" && len(name) <= 64 && validIdentifier.MatchString(name)
}

// Field describes one column.
type Field struct {
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Nullable bool    `json:"nullable"`
	Key      string  `json:"key"`
	Default  *string `json:"default"`
	Extra    string  `json:"extra"`
}

// Table is a described table with its fields in declaration order.
type Table struct {
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`
}

// Names returns the column names in declaration order.
func (t *Table) Names() []string {
	names := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		names[i] = f.Name
	}
	return names
}

func (t *Table) Has(name string) bool {
	_, ok := t.Field(name)
	return ok
}

func (t *Table) Field(name string) (Field, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// PrimaryKey returns the primary key columns in declaration order.
func (t *Table) PrimaryKey() []string {
	var keys []string
	for _, f := range t.Fields {
		if f.Key == KeyPrimary {
			keys = append(keys, f.Name)
		}
	}
	return keys
}

// ListTables returns the table names in the order the server reports them.
func ListTables(ctx context.Context, db *sql.DB, d dbconn.Dialect) ([]string, error) {
	rows, err := db.QueryContext(ctx, d.ListTablesQuery())
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tables: %w", err)
	}
	return tables, nil
}

// Exists reports whether table is among ListTables.
func Exists(ctx context.Context, db *sql.DB, d dbconn.Dialect, table string) (bool, error) {
	tables, err := ListTables(ctx, db, d)
	if err != nil {
		return false, err
	}
	return contains(tables, table), nil
}

// DescribeTable returns the columns of table in declaration order. The name
// must be one ListTables reports.
func DescribeTable(ctx context.Context, db *sql.DB, d dbconn.Dialect, table string) ([]Field, error) {
	ok, err := Exists(ctx, db, d, table)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	return describe(ctx, db, d, table)
}

// Describe is DescribeTable wrapped in a Table.
func Describe(ctx context.Context, db *sql.DB, d dbconn.Dialect, table string) (*Table, error) {
	fields, err := DescribeTable(ctx, db, d, table)
	if err != nil {
		return nil, err
	}
	return &Table{Name: table, Fields: fields}, nil
}

func describe(ctx context.Context, db *sql.DB, d dbconn.Dialect, table string) ([]Field, error) {
	query, args := d.DescribeQuery(table)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s: %w", table, err)
	}
	defer rows.Close()

	var fields []Field
	for rows.Next() {
		var (
			f                     Field
			null, key, extra, def sql.NullString
		)
		if err := rows.Scan(&f.Name, &f.Type, &null, &key, &def, &extra); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		f.Nullable = null.String == "YES"
		f.Key = key.String
		f.Extra = extra.String
		if def.Valid {
			v := def.String
			f.Default = &v
		}
		fields = append(fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	return fields, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
