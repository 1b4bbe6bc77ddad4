package dbconn

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Supported drivers
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Defaults applied to zero-valued Config fields
const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultReadTimeout    = 10 * time.Minute
	DefaultWriteTimeout   = 10 * time.Minute
	DefaultIdleTimeout    = 8 * time.Hour
	DefaultCharset        = "utf8mb4"
)

var (
	ErrUnsupportedDriver = errors.New("unsupported database driver")
	ErrHostRequired      = errors.New("database host is required")
	ErrPortInvalid       = errors.New("database port must be between 1 and 65535")
	ErrUserRequired      = errors.New("database user is required")
	ErrDatabaseRequired  = errors.New("database name is required")
)

// Config describes one side of an import. It never appears in logs or errors
// with its password.
type Config struct {
	Driver   string `json:"driver"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password,omitempty"`
	Database string `json:"database"`
	Charset  string `json:"charset,omitempty"`
	SSLMode  string `json:"sslmode,omitempty"`

	ConnectTimeout   time.Duration `json:"connect_timeout,omitempty"`
	ReadTimeout      time.Duration `json:"read_timeout,omitempty"`
	WriteTimeout     time.Duration `json:"write_timeout,omitempty"`
	IdleTimeout      time.Duration `json:"idle_timeout,omitempty"`
	StatementTimeout time.Duration `json:"statement_timeout,omitempty"` // postgres only, 0 = none
}

// WithDefaults returns a copy with unset fields filled in.
func (c Config) WithDefaults() Config {
	if c.Driver == "" {
		c.Driver = DriverMySQL
	}
	if c.Port == 0 {
		switch c.Driver {
		case DriverPostgres:
			c.Port = 5432
		default:
			c.Port = 3306
		}
	}
	if c.Charset == "" && c.Driver == DriverMySQL {
		c.Charset = DefaultCharset
	}
	if c.SSLMode == "" && c.Driver == DriverPostgres {
		c.SSLMode = "disable"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	return c
}

func (c Config) Validate() error {
	if c.Driver != "" && c.Driver != DriverMySQL && c.Driver != DriverPostgres {
		return fmt.Errorf("%w: %s", ErrUnsupportedDriver, c.Driver)
	}
	if c.Host == "" {
		return ErrHostRequired
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w, got %d", ErrPortInvalid, c.Port)
	}
	if c.User == "" {
		return ErrUserRequired
	}
	if c.Database == "" {
		return ErrDatabaseRequired
	}
	return nil
}

// Addr is host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Redacted returns a copy safe to log or serialize.
func (c Config) Redacted() Config {
	if c.Password != "" {
		c.Password = "****"
	}
	return c
}

// DSN builds the driver-specific connection string. Call on a config that
// already went through WithDefaults.
func (c Config) DSN() (string, error) {
	switch c.Driver {
	case DriverMySQL:
		return c.mysqlDSN(), nil
	case DriverPostgres:
		return c.postgresDSN(), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedDriver, c.Driver)
	}
}

func (c Config) mysqlDSN() string {
	mc := mysql.NewConfig()
	mc.User = c.User
	mc.Passwd = c.Password
	mc.Net = "tcp"
	mc.Addr = c.Addr()
	mc.DBName = c.Database
	mc.Timeout = c.ConnectTimeout
	mc.ReadTimeout = c.ReadTimeout
	mc.WriteTimeout = c.WriteTimeout
	mc.Params = map[string]string{
		"charset":             c.Charset,
		"sql_mode":            "'TRADITIONAL'",
		"wait_timeout":        seconds(c.IdleTimeout),
		"interactive_timeout": seconds(c.IdleTimeout),
		"net_read_timeout":    seconds(c.ReadTimeout),
		"net_write_timeout":   seconds(c.WriteTimeout),
	}
	return mc.FormatDSN()
}

func (c Config) postgresDSN() string {
	params := map[string]string{
		"host":            c.Host,
		"port":            strconv.Itoa(c.Port),
		"user":            c.User,
		"password":        c.Password,
		"dbname":          c.Database,
		"sslmode":         c.SSLMode,
		"connect_timeout": seconds(c.ConnectTimeout),

		"idle_in_transaction_session_timeout": strconv.FormatInt(c.IdleTimeout.Milliseconds(), 10),
	}
	if c.StatementTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(c.StatementTimeout.Milliseconds(), 10)
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+quoteConnValue(params[k]))
	}
	return strings.Join(parts, " ")
}

func seconds(d time.Duration) string {
	return strconv.Itoa(int(d / time.Second))
}

// quoteConnValue quotes a libpq key/value connection parameter when needed.
func quoteConnValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}
