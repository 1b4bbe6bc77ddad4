package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version information - set via ldflags during build
	// Example: go build -ldflags "-X github.com/airframesio/table-importer/cmd.Version=1.2.3"
	Version = "dev"

	// signalContext is set by main() before Cobra initialization
	signalContext context.Context

	cfgFile   string
	debug     bool
	logFormat string

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true).
			Underline(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00D9FF"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFAA00"))

	logger *slog.Logger
)

// SetSignalContext stores the signal-aware context created in main().
// It must be called before Execute.
func SetSignalContext(ctx context.Context) {
	signalContext = ctx
}

func commandContext() context.Context {
	if signalContext != nil {
		return signalContext
	}
	return context.Background()
}

// textOnlyHandler outputs human-readable lines without key=value pairs,
// suitable for interactive terminal usage.
type textOnlyHandler struct {
	opts   slog.HandlerOptions
	writer io.Writer
}

func newTextOnlyHandler(w io.Writer, opts *slog.HandlerOptions) *textOnlyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &textOnlyHandler{
		opts:   *opts,
		writer: w,
	}
}

func (h *textOnlyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *textOnlyHandler) Handle(_ context.Context, r slog.Record) error {
	// Format: YYYY-MM-DD HH:MM:SS LEVEL message
	_, err := fmt.Fprintf(h.writer, "%s %s %s\n", r.Time.Format("2006-01-02 15:04:05"), r.Level.String(), r.Message)
	return err
}

func (h *textOnlyHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	return h
}

func (h *textOnlyHandler) WithGroup(_ string) slog.Handler {
	return h
}

// newLogHandler builds the console handler for the given format.
func newLogHandler(w io.Writer, isDebug bool, format string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if isDebug {
		opts.Level = slog.LevelDebug
	}

	switch format {
	case "json":
		return slog.NewJSONHandler(w, opts)
	case "logfmt":
		return slog.NewTextHandler(w, opts)
	default: // "text" or anything else
		return newTextOnlyHandler(w, opts)
	}
}

// initLogger initializes the package logger based on debug flag and log format.
func initLogger(isDebug bool, format string) {
	initLoggerTo(os.Stdout, isDebug, format)
}

// initLoggerTo is initLogger with an explicit destination; nil discards.
func initLoggerTo(w io.Writer, isDebug bool, format string) {
	if w == nil {
		w = io.Discard
	}
	logger = slog.New(newLogHandler(w, isDebug, format))
	slog.SetDefault(logger)
}

var rootCmd = &cobra.Command{
	Use:     "table-importer",
	Version: Version,
	Short:   "🔀 Copy rows between database tables with field mapping",
	Long: titleStyle.Render("Table Importer") + `

A CLI tool to copy rows from a source table into a differently shaped target table.
Matches columns by name, alias and similarity, fills unmapped columns with defaults,
and transfers pages in their own transactions with retry on transient faults.
Also backs up and restores target tables and exports backups to S3.`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Help()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.table-importer.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, logfmt, json)")

	registerConfigFlags(rootCmd)
}

func initConfig() {
	// a missing .env is normal; values then come from the file or environment
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".table-importer")
	}

	viper.SetEnvPrefix("IMPORTER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && debug {
		fmt.Println(infoStyle.Render("📋 Using config file: " + viper.ConfigFileUsed()))
	}
}
