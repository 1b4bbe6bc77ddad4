package cmd

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/airframesio/table-importer/cmd/compressors"
	"github.com/airframesio/table-importer/cmd/dbconn"
	"github.com/airframesio/table-importer/cmd/formatters"
	"github.com/airframesio/table-importer/cmd/importer"
	"github.com/airframesio/table-importer/cmd/service"
	"github.com/airframesio/table-importer/cmd/snapshot"
)

// Static errors for configuration validation
var (
	ErrPageSizeInvalid         = errors.New("page size must be at least 1")
	ErrPageSizeMaximum         = errors.New("page size must not exceed 100000")
	ErrWorkersMinimum          = errors.New("workers must be at least 1")
	ErrWorkersMaximum          = errors.New("workers must not exceed 64")
	ErrMaxRetriesInvalid       = errors.New("database max retries must be at least 1")
	ErrRetryDelayInvalid       = errors.New("database retry delay must be >= 0")
	ErrStatementTimeoutInvalid = errors.New("database statement timeout must be >= 0")
	ErrLogFileRequired         = errors.New("log file is required")
	ErrHistoryFileRequired     = errors.New("history file is required")
	ErrHistoryLimitInvalid     = errors.New("history limit must be at least 1")
	ErrServerAddrRequired      = errors.New("server address is required")
	ErrS3RegionInvalid         = errors.New("S3 region contains invalid characters or is too long")
	ErrPathTemplateInvalid     = errors.New("path template must contain {table} placeholder")
	ErrOutputFormatInvalid     = errors.New("output format must be one of: jsonl, csv")
	ErrCompressionInvalid      = errors.New("compression must be one of: zstd, lz4, gzip, none")
	ErrCompressionLevelInvalid = errors.New("compression level must be between 1 and 22 (zstd), 1-9 (lz4/gzip)")
)

const regionAuto = "auto"

// Config is everything read from flags, the environment and the config file.
type Config struct {
	Debug        bool
	LogFormat    string
	Source       DatabaseConfig
	Target       DatabaseConfig
	PageSize     int
	Workers      int
	MaxRetries   int
	RetryDelay   time.Duration
	LogFile      string
	HistoryFile  string
	HistoryLimit int
	ServerAddr   string
	S3           snapshot.S3Config
	Export       ExportConfig
}

type DatabaseConfig struct {
	Driver           string
	Host             string
	Port             int
	User             string
	Password         string
	Name             string
	Charset          string
	SSLMode          string
	ConnectTimeout   time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	StatementTimeout time.Duration // postgres only, 0 = no timeout
}

type ExportConfig struct {
	Bucket           string
	PathTemplate     string
	Format           string
	Compression      string
	CompressionLevel int // 0 = codec default
}

var validRegion = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// isValidRegion validates that an S3 region is reasonable
func isValidRegion(region string) bool {
	if region == "" || len(region) > 50 {
		return false
	}
	return validRegion.MatchString(region)
}

// isValidPathTemplate validates that a path template contains required placeholders
func isValidPathTemplate(template string) bool {
	return regexp.MustCompile(`\{table\}`).MatchString(template)
}

// isValidCompressionLevel validates compression level based on compression type.
// Zero selects the codec's default.
func isValidCompressionLevel(compression string, level int) bool {
	if level == 0 {
		return true
	}
	switch compression {
	case "", compressors.Zstd:
		return level >= 1 && level <= 22
	case compressors.LZ4, compressors.Gzip:
		return level >= 1 && level <= 9
	default:
		return false
	}
}

func (d DatabaseConfig) connection() dbconn.Config {
	return dbconn.Config{
		Driver:           d.Driver,
		Host:             d.Host,
		Port:             d.Port,
		User:             d.User,
		Password:         d.Password,
		Database:         d.Name,
		Charset:          d.Charset,
		SSLMode:          d.SSLMode,
		ConnectTimeout:   d.ConnectTimeout,
		ReadTimeout:      d.ReadTimeout,
		WriteTimeout:     d.WriteTimeout,
		IdleTimeout:      d.IdleTimeout,
		StatementTimeout: d.StatementTimeout,
	}
}

func (d DatabaseConfig) validate(side string) error {
	if err := d.connection().WithDefaults().Validate(); err != nil {
		return fmt.Errorf("%s database: %w", side, err)
	}
	if d.StatementTimeout < 0 {
		return fmt.Errorf("%s database: %w, got %s", side, ErrStatementTimeoutInvalid, d.StatementTimeout)
	}
	return nil
}

func (c *Config) Validate() error {
	if err := c.Source.validate("source"); err != nil {
		return err
	}
	if err := c.Target.validate("target"); err != nil {
		return err
	}

	if c.PageSize < 1 {
		return fmt.Errorf("%w, got %d", ErrPageSizeInvalid, c.PageSize)
	}
	if c.PageSize > 100000 {
		return fmt.Errorf("%w, got %d", ErrPageSizeMaximum, c.PageSize)
	}
	if c.Workers < 1 {
		return ErrWorkersMinimum
	}
	if c.Workers > 64 {
		return fmt.Errorf("%w, got %d", ErrWorkersMaximum, c.Workers)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("%w, got %d", ErrMaxRetriesInvalid, c.MaxRetries)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("%w, got %s", ErrRetryDelayInvalid, c.RetryDelay)
	}

	if c.LogFile == "" {
		return ErrLogFileRequired
	}
	if c.HistoryFile == "" {
		return ErrHistoryFileRequired
	}
	if c.HistoryLimit < 1 {
		return fmt.Errorf("%w, got %d", ErrHistoryLimitInvalid, c.HistoryLimit)
	}
	if c.ServerAddr == "" {
		return ErrServerAddrRequired
	}

	if c.S3.Region != "" && c.S3.Region != regionAuto && !isValidRegion(c.S3.Region) {
		return fmt.Errorf("%w: %s", ErrS3RegionInvalid, c.S3.Region)
	}

	if c.Export.PathTemplate != "" && !isValidPathTemplate(c.Export.PathTemplate) {
		return fmt.Errorf("%w: '%s'", ErrPathTemplateInvalid, c.Export.PathTemplate)
	}
	if _, err := formatters.Get(c.Export.Format); err != nil {
		return fmt.Errorf("%w: '%s'", ErrOutputFormatInvalid, c.Export.Format)
	}
	if _, err := compressors.Get(c.Export.Compression); err != nil {
		return fmt.Errorf("%w: '%s'", ErrCompressionInvalid, c.Export.Compression)
	}
	if !isValidCompressionLevel(c.Export.Compression, c.Export.CompressionLevel) {
		return fmt.Errorf("%w for compression %s: got %d", ErrCompressionLevelInvalid, c.Export.Compression, c.Export.CompressionLevel)
	}

	return nil
}

// Settings converts the configuration into the service's settings snapshot.
func (c *Config) Settings() service.Settings {
	return service.Settings{
		Source:     c.Source.connection(),
		Target:     c.Target.connection(),
		PageSize:   c.PageSize,
		MaxRetries: c.MaxRetries,
		RetryDelay: c.RetryDelay,
		S3:         c.S3,
		Export: snapshot.ExportOptions{
			Bucket:       c.Export.Bucket,
			PathTemplate: c.Export.PathTemplate,
			Format:       c.Export.Format,
			Compression:  c.Export.Compression,
			Level:        c.Export.CompressionLevel,
		},
	}
}

func loadDatabaseConfig(prefix string) DatabaseConfig {
	return DatabaseConfig{
		Driver:           viper.GetString(prefix + ".driver"),
		Host:             viper.GetString(prefix + ".host"),
		Port:             viper.GetInt(prefix + ".port"),
		User:             viper.GetString(prefix + ".user"),
		Password:         viper.GetString(prefix + ".password"),
		Name:             viper.GetString(prefix + ".name"),
		Charset:          viper.GetString(prefix + ".charset"),
		SSLMode:          viper.GetString(prefix + ".sslmode"),
		ConnectTimeout:   viper.GetDuration(prefix + ".connect_timeout"),
		ReadTimeout:      viper.GetDuration(prefix + ".read_timeout"),
		WriteTimeout:     viper.GetDuration(prefix + ".write_timeout"),
		IdleTimeout:      viper.GetDuration(prefix + ".idle_timeout"),
		StatementTimeout: viper.GetDuration(prefix + ".statement_timeout"),
	}
}

// loadConfig reads the merged flag, environment and file values from viper.
func loadConfig() *Config {
	return &Config{
		Debug:        viper.GetBool("debug"),
		LogFormat:    viper.GetString("log_format"),
		Source:       loadDatabaseConfig("source"),
		Target:       loadDatabaseConfig("target"),
		PageSize:     viper.GetInt("page_size"),
		Workers:      viper.GetInt("workers"),
		MaxRetries:   viper.GetInt("db.max_retries"),
		RetryDelay:   viper.GetDuration("db.retry_delay"),
		LogFile:      viper.GetString("log_file"),
		HistoryFile:  viper.GetString("history_file"),
		HistoryLimit: viper.GetInt("history_limit"),
		ServerAddr:   viper.GetString("server.addr"),
		S3: snapshot.S3Config{
			Endpoint:  viper.GetString("s3.endpoint"),
			Region:    viper.GetString("s3.region"),
			Bucket:    viper.GetString("s3.bucket"),
			AccessKey: viper.GetString("s3.access_key"),
			SecretKey: viper.GetString("s3.secret_key"),
		},
		Export: ExportConfig{
			Bucket:           viper.GetString("export.bucket"),
			PathTemplate:     viper.GetString("export.path_template"),
			Format:           viper.GetString("export.format"),
			Compression:      viper.GetString("export.compression"),
			CompressionLevel: viper.GetInt("export.compression_level"),
		},
	}
}

// registerConfigFlags adds the persistent flags shared by every subcommand
// and binds each to its config key.
func registerConfigFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()

	for _, side := range []string{"source", "target"} {
		flags.String(side+"-driver", dbconn.DriverMySQL, side+" database driver (mysql, postgres)")
		flags.String(side+"-host", "localhost", side+" database host")
		flags.Int(side+"-port", 0, side+" database port (0 = driver default)")
		flags.String(side+"-user", "", side+" database user")
		flags.String(side+"-password", "", side+" database password")
		flags.String(side+"-name", "", side+" database name")

		_ = viper.BindPFlag(side+".driver", flags.Lookup(side+"-driver"))
		_ = viper.BindPFlag(side+".host", flags.Lookup(side+"-host"))
		_ = viper.BindPFlag(side+".port", flags.Lookup(side+"-port"))
		_ = viper.BindPFlag(side+".user", flags.Lookup(side+"-user"))
		_ = viper.BindPFlag(side+".password", flags.Lookup(side+"-password"))
		_ = viper.BindPFlag(side+".name", flags.Lookup(side+"-name"))
	}

	flags.Int("workers", 4, "number of imports that may run at once")
	flags.Int("db-max-retries", importer.DefaultMaxRetries, "attempts per page read or write before the job fails")
	flags.Duration("db-retry-delay", importer.DefaultRetryDelay, "delay between attempts")
	flags.String("log-file", "logs/import.log", "progress log of the latest import")
	flags.String("history-file", "logs/import_history.json", "import history file")
	flags.Int("history-limit", 50, "number of history entries to keep")

	flags.String("s3-endpoint", "", "S3-compatible endpoint URL")
	flags.String("s3-bucket", "", "S3 bucket name")
	flags.String("s3-access-key", "", "S3 access key")
	flags.String("s3-secret-key", "", "S3 secret key")
	flags.String("s3-region", regionAuto, "S3 region")

	_ = viper.BindPFlag("debug", flags.Lookup("debug"))
	_ = viper.BindPFlag("log_format", flags.Lookup("log-format"))
	_ = viper.BindPFlag("workers", flags.Lookup("workers"))
	_ = viper.BindPFlag("db.max_retries", flags.Lookup("db-max-retries"))
	_ = viper.BindPFlag("db.retry_delay", flags.Lookup("db-retry-delay"))
	_ = viper.BindPFlag("log_file", flags.Lookup("log-file"))
	_ = viper.BindPFlag("history_file", flags.Lookup("history-file"))
	_ = viper.BindPFlag("history_limit", flags.Lookup("history-limit"))
	_ = viper.BindPFlag("s3.endpoint", flags.Lookup("s3-endpoint"))
	_ = viper.BindPFlag("s3.bucket", flags.Lookup("s3-bucket"))
	_ = viper.BindPFlag("s3.access_key", flags.Lookup("s3-access-key"))
	_ = viper.BindPFlag("s3.secret_key", flags.Lookup("s3-secret-key"))
	_ = viper.BindPFlag("s3.region", flags.Lookup("s3-region"))

	viper.SetDefault("page_size", importer.DefaultPageSize)
	viper.SetDefault("server.addr", ":5000")
	viper.SetDefault("export.path_template", snapshot.DefaultPathTemplate)
	viper.SetDefault("export.format", formatters.FormatJSONL)
	viper.SetDefault("export.compression", compressors.Zstd)
}

func bindFlag(key string, flag *pflag.Flag) {
	_ = viper.BindPFlag(key, flag)
}
