package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/airframesio/table-importer/cmd/schema"
	"github.com/airframesio/table-importer/cmd/service"
	"github.com/airframesio/table-importer/cmd/snapshot"
)

var ErrSideRequired = errors.New("side must be 'source', 'target' or 'both'")

var inspectFlags struct {
	side        string
	sourceTable string
	targetTable string
	table       string
	limit       int
}

var fieldsCmd = &cobra.Command{
	Use:   "fields",
	Short: "Describe both tables and propose a field mapping",
	RunE:  withApp(false, runFields),
}

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "List the tables of one database",
	RunE:  withApp(false, runTables),
}

var testConnectionCmd = &cobra.Command{
	Use:   "test-connection",
	Short: "Check that the configured databases are reachable",
	RunE:  withApp(false, runTestConnection),
}

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Show the first rows of a table",
	RunE:  withApp(false, runPreview),
}

func init() {
	rootCmd.AddCommand(fieldsCmd, tablesCmd, testConnectionCmd, previewCmd)

	fieldsCmd.Flags().StringVar(&inspectFlags.sourceTable, "source-table", "", "source table (required)")
	fieldsCmd.Flags().StringVar(&inspectFlags.targetTable, "target-table", "", "target table (required)")
	_ = fieldsCmd.MarkFlagRequired("source-table")
	_ = fieldsCmd.MarkFlagRequired("target-table")

	tablesCmd.Flags().StringVar(&inspectFlags.side, "side", string(service.SideSource), "database to list: source or target")
	testConnectionCmd.Flags().StringVar(&inspectFlags.side, "side", "both", "database to check: source, target or both")

	previewCmd.Flags().StringVar(&inspectFlags.table, "table", "", "table to preview (required)")
	previewCmd.Flags().IntVar(&inspectFlags.limit, "limit", snapshot.DefaultPreviewLimit, "number of rows")
	previewCmd.Flags().StringVar(&inspectFlags.side, "side", string(service.SideSource), "database holding the table: source or target")
	_ = previewCmd.MarkFlagRequired("table")
}

func runFields(ctx context.Context, a *app, _ *cobra.Command, _ []string) error {
	fields, err := a.service.GetFields(ctx, inspectFlags.sourceTable, inspectFlags.targetTable)
	if err != nil {
		return err
	}

	printSection("Source: " + inspectFlags.sourceTable)
	writeFields(os.Stdout, fields.SourceFields)
	fmt.Println()
	printSection("Target: " + inspectFlags.targetTable)
	writeFields(os.Stdout, fields.TargetFields)
	fmt.Println()

	printSection("Proposed mapping")
	if len(fields.Matches) == 0 {
		fmt.Println(warnStyle.Render("  No columns matched"))
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, m := range fields.Matches {
		fmt.Fprintf(w, "  %s\t← %s\t%s\t%.2f\n", m.Target, m.Source, m.Tier, m.Ratio)
	}
	return w.Flush()
}

func writeFields(out io.Writer, fields []schema.Field) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  NAME\tTYPE\tNULL\tKEY\tDEFAULT\tEXTRA")
	for _, f := range fields {
		def := "NULL"
		if f.Default != nil {
			def = *f.Default
		}
		null := "NO"
		if f.Nullable {
			null = "YES"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%s\n", f.Name, f.Type, null, f.Key, def, f.Extra)
	}
	w.Flush()
}

func runTables(ctx context.Context, a *app, _ *cobra.Command, _ []string) error {
	side, err := service.ParseSide(inspectFlags.side)
	if err != nil {
		return err
	}
	tables, err := a.service.ListTables(ctx, side)
	if err != nil {
		return err
	}
	printSection(fmt.Sprintf("Tables (%s, %d)", side, len(tables)))
	for _, t := range tables {
		fmt.Println("  " + t)
	}
	return nil
}

// sidesFor expands "both" into source and target.
func sidesFor(s string) ([]service.Side, error) {
	if s == "both" || s == "" {
		return []service.Side{service.SideSource, service.SideTarget}, nil
	}
	side, err := service.ParseSide(s)
	if err != nil {
		return nil, fmt.Errorf("%w, got '%s'", ErrSideRequired, s)
	}
	return []service.Side{side}, nil
}

func runTestConnection(ctx context.Context, a *app, _ *cobra.Command, _ []string) error {
	sides, err := sidesFor(inspectFlags.side)
	if err != nil {
		return err
	}

	var failed []string
	for _, side := range sides {
		if err := a.service.TestConnection(ctx, side); err != nil {
			logger.Error(fmt.Sprintf("❌ %s database connection failed: %v", side, err))
			failed = append(failed, string(side))
			continue
		}
		logger.Info(fmt.Sprintf("✅ %s database connection succeeded", side))
	}
	if len(failed) > 0 {
		return fmt.Errorf("connection failed: %s", strings.Join(failed, ", "))
	}
	return nil
}

func runPreview(ctx context.Context, a *app, _ *cobra.Command, _ []string) error {
	side, err := service.ParseSide(inspectFlags.side)
	if err != nil {
		return err
	}
	sample, err := a.service.Preview(ctx, side, inspectFlags.table, inspectFlags.limit)
	if err != nil {
		return err
	}

	printSection(fmt.Sprintf("%s (%s, %d rows)", inspectFlags.table, side, len(sample.Rows)))
	writeSample(os.Stdout, sample)
	return nil
}

func writeSample(out io.Writer, sample snapshot.Sample) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  "+strings.Join(sample.Columns, "\t"))
	for _, row := range sample.Rows {
		fmt.Fprintln(w, "  "+strings.Join(row, "\t"))
	}
	w.Flush()
}
