package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/airframesio/table-importer/cmd/dbconn"
	"github.com/airframesio/table-importer/cmd/history"
	"github.com/airframesio/table-importer/cmd/joblog"
	"github.com/airframesio/table-importer/cmd/service"
)

const shutdownTimeout = 30 * time.Second

// app is the validated configuration plus the service built from it.
type app struct {
	config  *Config
	service *service.Service
}

// setup loads and validates the configuration, initializes the logger and
// starts the service. Callers must call close.
func setup(quiet bool) (*app, error) {
	config := loadConfig()

	if quiet && config.interactive() {
		// the progress view owns the terminal; only the log file keeps the lines
		initLoggerTo(nil, config.Debug, config.LogFormat)
	} else {
		initLogger(config.Debug, config.LogFormat)
	}

	logger.Debug("Validating configuration...")
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	logger.Debug("Configuration validated successfully")

	svc := service.New(service.Options{
		Config:   service.NewConfigStore(config.Settings()),
		Provider: dbconn.DriverProvider{MaxOpenConns: config.Workers * 2},
		History:  history.NewStore(config.HistoryFile, config.HistoryLimit, logger),
		Sink:     joblog.NewSink(config.LogFile),
		Workers:  config.Workers,
		Logger:   logger,
	})
	return &app{config: config, service: svc}, nil
}

// interactive reports whether a foreground import shows the progress view
// instead of plain log lines.
func (c *Config) interactive() bool {
	return !c.Debug && (c.LogFormat == "" || c.LogFormat == "text")
}

func (a *app) interactive() bool {
	return a.config.interactive()
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.service.Close(ctx); err != nil {
		logger.Warn(fmt.Sprintf("⚠️  Shutdown did not finish cleanly: %v", err))
	}
}

// withApp wraps a RunE body with setup and teardown.
func withApp(quiet bool, fn func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := setup(quiet)
		if err != nil {
			return err
		}
		defer a.close()
		return fn(commandContext(), a, cmd, args)
	}
}

func printSection(title string) {
	fmt.Fprintln(os.Stdout, titleStyle.Render(title))
}
