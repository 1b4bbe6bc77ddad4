// Package dbconn opens database handles for either side of an import and
// hides the SQL differences between the supported engines.
package dbconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

// ConnectionError reports a side that could not be opened. It carries the
// identifying parameters of the connection but never its password.
type ConnectionError struct {
	Host     string
	Port     int
	Database string
	User     string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("cannot connect to %s@%s:%d/%s: %v", e.User, e.Host, e.Port, e.Database, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func newConnectionError(cfg Config, err error) *ConnectionError {
	if cfg.Password != "" && strings.Contains(err.Error(), cfg.Password) {
		err = errors.New(strings.ReplaceAll(err.Error(), cfg.Password, "****"))
	}
	return &ConnectionError{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Database: cfg.Database,
		User:     cfg.User,
		Err:      err,
	}
}

// Provider opens a ready-to-use handle for a connection config.
type Provider interface {
	Open(ctx context.Context, cfg Config) (*sql.DB, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, cfg Config) (*sql.DB, error)

func (f ProviderFunc) Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	return f(ctx, cfg)
}

// DriverProvider opens real connections through database/sql.
type DriverProvider struct {
	// MaxOpenConns caps the pool per handle (0 = driver default).
	MaxOpenConns int
}

// Open builds the DSN, opens the pool and pings within the connect timeout.
// Every failure comes back as *ConnectionError.
func (p DriverProvider) Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, newConnectionError(cfg, err)
	}

	dsn, err := cfg.DSN()
	if err != nil {
		return nil, newConnectionError(cfg, err)
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, newConnectionError(cfg, err)
	}
	if p.MaxOpenConns > 0 {
		db.SetMaxOpenConns(p.MaxOpenConns)
	}
	db.SetConnMaxIdleTime(cfg.IdleTimeout)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, newConnectionError(cfg, err)
	}
	return db, nil
}

// IsTransient reports whether a failed statement is worth retrying. Errors the
// server raises for malformed statements or rejected data fail the same way
// on every attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		_, permanent := permanentMySQLErrors[myErr.Number]
		return !permanent
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23", "42":
			return false
		}
	}
	return true
}

var permanentMySQLErrors = map[uint16]struct{}{
	1044: {}, // access denied to database
	1045: {}, // access denied for user
	1048: {}, // column cannot be null
	1054: {}, // unknown column
	1064: {}, // syntax error
	1136: {}, // column count mismatch
	1142: {}, // command denied
	1146: {}, // table doesn't exist
	1264: {}, // out of range value
	1292: {}, // incorrect datetime value
	1364: {}, // field has no default
	1366: {}, // incorrect value for column
	1406: {}, // data too long
}
