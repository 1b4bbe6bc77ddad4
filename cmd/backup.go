package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/airframesio/table-importer/cmd/snapshot"
)

var backupFlags struct {
	table  string
	name   string
	backup string
	mode   string
	export bool

	format      string
	compression string
	level       int
	template    string
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Copy a target table into a new backup table",
	Long: `Copy a target table into <table>_backup_<YYYYMMDD_HHMMSS> (or --name).
With --export the backup is also streamed to S3 as compressed JSONL or CSV.`,
	RunE: withApp(false, runBackup),
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Refill a target table from one of its backups",
	RunE:  withApp(false, runRestore),
}

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "List the backup tables of the target database",
	RunE:  withApp(false, runBackups),
}

func init() {
	rootCmd.AddCommand(backupCmd, restoreCmd, backupsCmd)

	backupCmd.Flags().StringVar(&backupFlags.table, "table", "", "target table to back up (required)")
	backupCmd.Flags().StringVar(&backupFlags.name, "name", "", "backup table name (default <table>_backup_<timestamp>)")
	backupCmd.Flags().BoolVar(&backupFlags.export, "export", false, "also export the backup to S3")
	backupCmd.Flags().StringVar(&backupFlags.format, "output-format", "", "export format: jsonl, csv")
	backupCmd.Flags().StringVar(&backupFlags.compression, "compression", "", "export compression: zstd, lz4, gzip, none")
	backupCmd.Flags().IntVar(&backupFlags.level, "compression-level", 0, "compression level (0 = codec default)")
	backupCmd.Flags().StringVar(&backupFlags.template, "path-template", "", "S3 path template with placeholders: {table}, {YYYY}, {MM}, {DD}, {HH}")
	_ = backupCmd.MarkFlagRequired("table")

	bindFlag("export.format", backupCmd.Flags().Lookup("output-format"))
	bindFlag("export.compression", backupCmd.Flags().Lookup("compression"))
	bindFlag("export.compression_level", backupCmd.Flags().Lookup("compression-level"))
	bindFlag("export.path_template", backupCmd.Flags().Lookup("path-template"))

	restoreCmd.Flags().StringVar(&backupFlags.table, "table", "", "target table to restore (required)")
	restoreCmd.Flags().StringVar(&backupFlags.backup, "backup", "", "backup table to restore from (required)")
	restoreCmd.Flags().StringVar(&backupFlags.mode, "mode", snapshot.RestoreOverwrite, "restore mode: overwrite or append")
	_ = restoreCmd.MarkFlagRequired("table")
	_ = restoreCmd.MarkFlagRequired("backup")
}

func runBackup(ctx context.Context, a *app, _ *cobra.Command, _ []string) error {
	res, err := a.service.Backup(ctx, backupFlags.table, backupFlags.name)
	if err != nil {
		return err
	}
	fmt.Println(infoStyle.Render(fmt.Sprintf("💾 Backup %s created with %d records", res.Table, res.Rows)))

	if !backupFlags.export {
		return nil
	}
	out, err := a.service.Export(ctx, res.Table)
	if err != nil {
		return fmt.Errorf("backup %s was created but not exported: %w", res.Table, err)
	}
	fmt.Println(infoStyle.Render(fmt.Sprintf("☁️  Exported to s3://%s/%s", out.Bucket, out.Key)))
	return nil
}

func runRestore(ctx context.Context, a *app, _ *cobra.Command, _ []string) error {
	res, err := a.service.Restore(ctx, backupFlags.table, backupFlags.backup, backupFlags.mode)
	if err != nil {
		return err
	}
	fmt.Println(infoStyle.Render(fmt.Sprintf("♻️  Restored %d records into %s", res.Rows, res.Table)))
	return nil
}

func runBackups(ctx context.Context, a *app, _ *cobra.Command, _ []string) error {
	backups, err := a.service.ListBackups(ctx)
	if err != nil {
		return err
	}
	printSection(fmt.Sprintf("Backups (%d)", len(backups)))
	for _, b := range backups {
		fmt.Println("  " + b)
	}
	return nil
}
