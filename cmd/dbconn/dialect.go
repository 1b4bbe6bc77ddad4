package dbconn

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// MaxBindParams is the largest number of placeholders a single statement may
// carry on both supported engines.
const MaxBindParams = 65535

// ErrNoConflictKey is returned when an upsert needs a key the table lacks.
var ErrNoConflictKey = errors.New("replace mode requires a primary key on the target table")

// Conflict selects what happens to a row whose key already exists.
type Conflict int

const (
	// ConflictReplace overwrites the existing row.
	ConflictReplace Conflict = iota
	// ConflictIgnore keeps the existing row and skips the new one.
	ConflictIgnore
)

// Dialect hides the SQL text that differs between engines.
type Dialect interface {
	Name() string
	QuoteIdent(name string) string
	// Placeholder returns the bind marker for the n-th (1-based) argument.
	Placeholder(n int) string
	ListTablesQuery() string
	// DescribeQuery returns rows of (name, type, null, key, default, extra).
	DescribeQuery(table string) (string, []interface{})
	// WriteTemplate prepares a multi-row write into table. keys are the
	// table's primary key columns.
	WriteTemplate(table string, columns, keys []string, conflict Conflict) (WriteTemplate, error)
	MaxBindParams() int
}

// ForDriver returns the dialect for a driver name.
func ForDriver(driver string) (Dialect, error) {
	switch driver {
	case "", DriverMySQL:
		return MySQL{}, nil
	case DriverPostgres:
		return Postgres{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, driver)
	}
}

// WriteTemplate renders one INSERT-like statement for any row count. It is
// built once per job.
type WriteTemplate struct {
	prefix      string
	suffix      string
	columns     int
	placeholder func(int) string
}

// Columns is the number of values per row.
func (t WriteTemplate) Columns() int {
	return t.columns
}

// Render returns the statement text for rows value tuples.
func (t WriteTemplate) Render(rows int) string {
	var b strings.Builder
	b.WriteString(t.prefix)
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 0; c < t.columns; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			b.WriteString(t.placeholder(n))
			n++
		}
		b.WriteByte(')')
	}
	b.WriteString(t.suffix)
	return b.String()
}

// RowsPerStatement is the largest row count a single rendered statement can
// hold without exceeding maxParams bind parameters.
func (t WriteTemplate) RowsPerStatement(maxParams int) int {
	if t.columns == 0 {
		return 1
	}
	rows := maxParams / t.columns
	if rows < 1 {
		rows = 1
	}
	return rows
}

func quoteList(d Dialect, names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = d.QuoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

// MySQL speaks MySQL/MariaDB.
type MySQL struct{}

func (MySQL) Name() string { return DriverMySQL }

func (MySQL) QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (MySQL) Placeholder(int) string { return "?" }

func (MySQL) ListTablesQuery() string { return "SHOW TABLES" }

func (d MySQL) DescribeQuery(table string) (string, []interface{}) {
	return "DESCRIBE " + d.QuoteIdent(table), nil
}

func (d MySQL) WriteTemplate(table string, columns, _ []string, conflict Conflict) (WriteTemplate, error) {
	verb := "REPLACE INTO"
	if conflict == ConflictIgnore {
		verb = "INSERT IGNORE INTO"
	}
	return WriteTemplate{
		prefix:      fmt.Sprintf("%s %s (%s) VALUES ", verb, d.QuoteIdent(table), quoteList(d, columns)),
		columns:     len(columns),
		placeholder: d.Placeholder,
	}, nil
}

func (MySQL) MaxBindParams() int { return MaxBindParams }

// Postgres speaks PostgreSQL through lib/pq.
type Postgres struct{}

func (Postgres) Name() string { return DriverPostgres }

func (Postgres) QuoteIdent(name string) string { return pq.QuoteIdentifier(name) }

func (Postgres) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (Postgres) ListTablesQuery() string {
	return `SELECT tablename FROM pg_tables WHERE schemaname = current_schema() ORDER BY tablename`
}

func (Postgres) DescribeQuery(table string) (string, []interface{}) {
	query := `
		SELECT c.column_name,
		       c.data_type,
		       c.is_nullable,
		       COALESCE((
		           SELECT CASE tc.constraint_type WHEN 'PRIMARY KEY' THEN 'PRI' ELSE 'UNI' END
		           FROM information_schema.key_column_usage k
		           JOIN information_schema.table_constraints tc
		             ON tc.constraint_name = k.constraint_name
		            AND tc.table_schema = k.table_schema
		           WHERE k.table_schema = c.table_schema
		             AND k.table_name = c.table_name
		             AND k.column_name = c.column_name
		             AND tc.constraint_type IN ('PRIMARY KEY', 'UNIQUE')
		           ORDER BY tc.constraint_type
		           LIMIT 1
		       ), '') AS key_role,
		       c.column_default,
		       '' AS extra
		FROM information_schema.columns c
		WHERE c.table_schema = current_schema() AND c.table_name = $1
		ORDER BY c.ordinal_position
	`
	return query, []interface{}{table}
}

func (d Postgres) WriteTemplate(table string, columns, keys []string, conflict Conflict) (WriteTemplate, error) {
	t := WriteTemplate{
		prefix:      fmt.Sprintf("INSERT INTO %s (%s) VALUES ", d.QuoteIdent(table), quoteList(d, columns)),
		columns:     len(columns),
		placeholder: d.Placeholder,
	}

	if conflict == ConflictIgnore {
		t.suffix = " ON CONFLICT DO NOTHING"
		return t, nil
	}

	if len(keys) == 0 {
		return WriteTemplate{}, ErrNoConflictKey
	}
	isKey := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		isKey[k] = struct{}{}
	}
	var sets []string
	for _, c := range columns {
		if _, ok := isKey[c]; ok {
			continue
		}
		q := d.QuoteIdent(c)
		sets = append(sets, q+" = EXCLUDED."+q)
	}
	if len(sets) == 0 {
		t.suffix = fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", quoteList(d, keys))
	} else {
		t.suffix = fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", quoteList(d, keys), strings.Join(sets, ", "))
	}
	return t, nil
}

func (Postgres) MaxBindParams() int { return MaxBindParams }

// CountQuery counts the rows of table.
func CountQuery(d Dialect, table string) string {
	return "SELECT COUNT(*) FROM " + d.QuoteIdent(table)
}

// PageQuery selects one LIMIT/OFFSET page of table. The limit and offset are
// the two bind arguments. A non-empty orderBy keeps offsets stable between
// pages.
func PageQuery(d Dialect, table string, orderBy []string) string {
	q := "SELECT * FROM " + d.QuoteIdent(table)
	if len(orderBy) > 0 {
		q += " ORDER BY " + quoteList(d, orderBy)
	}
	return q + fmt.Sprintf(" LIMIT %s OFFSET %s", d.Placeholder(1), d.Placeholder(2))
}

// ClearQuery deletes every row of table. Unlike TRUNCATE it stays inside
// the surrounding transaction on MySQL.
func ClearQuery(d Dialect, table string) string {
	return "DELETE FROM " + d.QuoteIdent(table)
}
