package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var historyFlags struct {
	limit  int
	asJSON bool
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show finished imports, newest first",
	RunE:  withApp(false, runHistory),
}

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Print the progress log of the latest import",
	RunE:  withApp(false, runLog),
}

func init() {
	rootCmd.AddCommand(historyCmd, logCmd)

	historyCmd.Flags().IntVar(&historyFlags.limit, "limit", 0, "show at most this many entries (0 = all)")
	historyCmd.Flags().BoolVar(&historyFlags.asJSON, "json", false, "print entries as JSON")
}

func runHistory(_ context.Context, a *app, _ *cobra.Command, _ []string) error {
	entries := a.service.GetHistory()
	if historyFlags.limit > 0 && len(entries) > historyFlags.limit {
		entries = entries[:historyFlags.limit]
	}

	if historyFlags.asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	printSection(fmt.Sprintf("Import history (%d)", len(entries)))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TIME\tSOURCE\tTARGET\tMODE\tSTATUS\tRECORDS\tDURATION")
	for _, e := range entries {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%d/%d\t%.2fs\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05"),
			e.SourceTable, e.TargetTable, e.ImportMode, e.Status,
			e.RecordsCount, e.TotalRecords, e.Duration)
	}
	return w.Flush()
}

func runLog(_ context.Context, a *app, _ *cobra.Command, _ []string) error {
	text, err := a.service.GetLog()
	if err != nil {
		return err
	}
	if text == "" {
		fmt.Println(warnStyle.Render("No import log yet (" + a.service.LogPath() + ")"))
		return nil
	}
	fmt.Print(text)
	return nil
}
