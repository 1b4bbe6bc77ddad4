package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/airframesio/table-importer/cmd/importer"
	"github.com/airframesio/table-importer/cmd/mapping"
	"github.com/airframesio/table-importer/cmd/service"
)

var ErrPairFormat = errors.New("expected target=value")

var importFlags struct {
	sourceTable  string
	targetTable  string
	maps         []string
	defaults     []string
	autoMap      bool
	mode         string
	pageSize     int
	validateOnly bool
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Copy rows from a source table into a target table",
	Long: `Copy every row of the source table into the target table, one page per transaction.
Map columns with --map target=source, or let --auto-map propose a mapping. Target columns
without a source can be filled with --default target=value.`,
	RunE: withApp(true, runImport),
}

func init() {
	rootCmd.AddCommand(importCmd)

	f := importCmd.Flags()
	f.StringVar(&importFlags.sourceTable, "source-table", "", "source table (required)")
	f.StringVar(&importFlags.targetTable, "target-table", "", "target table (required)")
	f.StringArrayVar(&importFlags.maps, "map", nil, "map a target column to a source column: target=source (repeatable)")
	f.StringArrayVar(&importFlags.defaults, "default", nil, "default for a target column: target=value (repeatable)")
	f.BoolVar(&importFlags.autoMap, "auto-map", false, "add matched columns not mapped explicitly")
	f.StringVar(&importFlags.mode, "mode", string(importer.ModeInsertIgnore), "conflict mode: replace or insert_ignore")
	f.IntVar(&importFlags.pageSize, "page-size", 0, "rows per page (0 = configured page size)")
	f.BoolVar(&importFlags.validateOnly, "validate-only", false, "check the import against both tables without copying")

	_ = importCmd.MarkFlagRequired("source-table")
	_ = importCmd.MarkFlagRequired("target-table")
}

// splitPair splits "target=value". The value may be empty or contain '='.
func splitPair(s string) (string, string, error) {
	target, value, ok := strings.Cut(s, "=")
	target = strings.TrimSpace(target)
	if !ok || target == "" {
		return "", "", fmt.Errorf("%w: '%s'", ErrPairFormat, s)
	}
	return target, value, nil
}

// parseMapping builds the explicit mapping from --map pairs, in flag order.
func parseMapping(pairs []string) (mapping.FieldMapping, error) {
	var m mapping.FieldMapping
	for _, p := range pairs {
		target, source, err := splitPair(p)
		if err != nil {
			return mapping.FieldMapping{}, err
		}
		if err := m.Add(target, strings.TrimSpace(source)); err != nil {
			return mapping.FieldMapping{}, err
		}
	}
	return m, nil
}

func parseDefaults(pairs []string) (mapping.Defaults, error) {
	var d mapping.Defaults
	for _, p := range pairs {
		target, literal, err := splitPair(p)
		if err != nil {
			return mapping.Defaults{}, err
		}
		if err := d.Set(target, literal); err != nil {
			return mapping.Defaults{}, err
		}
	}
	return d, nil
}

// mergeMapping appends the proposed pairs whose target and source are both
// still free in explicit.
func mergeMapping(explicit, proposed mapping.FieldMapping) mapping.FieldMapping {
	out, _ := mapping.New(explicit.Pairs()...)
	for _, p := range proposed.Pairs() {
		if _, taken := out.Source(p.Target); taken || out.SourceUsed(p.Source) {
			continue
		}
		_ = out.Add(p.Target, p.Source)
	}
	return out
}

func buildRequest(ctx context.Context, svc *service.Service) (importer.Request, error) {
	mode, err := importer.ParseMode(importFlags.mode)
	if err != nil {
		return importer.Request{}, err
	}
	m, err := parseMapping(importFlags.maps)
	if err != nil {
		return importer.Request{}, err
	}
	defaults, err := parseDefaults(importFlags.defaults)
	if err != nil {
		return importer.Request{}, err
	}

	if importFlags.autoMap {
		fields, err := svc.GetFields(ctx, importFlags.sourceTable, importFlags.targetTable)
		if err != nil {
			return importer.Request{}, err
		}
		m = mergeMapping(m, fields.Mapping)
		for _, match := range fields.Matches {
			logger.Debug(fmt.Sprintf("Matched %s ← %s (%s, %.2f)", match.Target, match.Source, match.Tier, match.Ratio))
		}
	}

	return importer.Request{
		SourceTable: importFlags.sourceTable,
		TargetTable: importFlags.targetTable,
		Mapping:     m,
		Defaults:    defaults,
		Mode:        mode,
		PageSize:    importFlags.pageSize,
	}, nil
}

func runImport(ctx context.Context, a *app, _ *cobra.Command, _ []string) error {
	req, err := buildRequest(ctx, a.service)
	if err != nil {
		return err
	}

	if importFlags.validateOnly {
		return runValidate(ctx, a, req)
	}

	for _, p := range req.Mapping.Pairs() {
		logger.Debug(fmt.Sprintf("  %s ← %s", p.Target, p.Source))
	}

	id, err := a.service.StartImport(ctx, req)
	if err != nil {
		return err
	}
	logger.Info(fmt.Sprintf("🚀 Started import %s: %s → %s", id, req.SourceTable, req.TargetTable))

	var snap importer.Snapshot
	if a.interactive() {
		snap, err = followWithProgress(ctx, a.service, id)
	} else {
		snap, err = followWithLogs(ctx, a.service, id)
	}
	if err != nil {
		return err
	}

	printImportSummary(snap)
	if snap.State == importer.StateFailed {
		return fmt.Errorf("import failed: %s", snap.Error)
	}
	return nil
}

func runValidate(ctx context.Context, a *app, req importer.Request) error {
	plan, err := a.service.ValidateImport(ctx, req)
	if plan != nil {
		printSection("Write columns")
		for _, c := range plan.Columns {
			fmt.Println("  " + c)
		}
		for _, missing := range plan.MissingSources {
			fmt.Println(warnStyle.Render("  ⚠️  Source column does not exist: " + missing))
		}
	}
	if err != nil {
		return err
	}
	fmt.Println(infoStyle.Render("✅ Import configuration is valid"))
	return nil
}

// followWithLogs waits for the job while the logger prints progress lines.
// An interrupt cancels the job and still waits for it to record its outcome.
func followWithLogs(ctx context.Context, svc *service.Service, id string) (importer.Snapshot, error) {
	snap, err := svc.Wait(ctx, id)
	if err == nil {
		return snap, nil
	}
	logger.Warn("⚠️  Interrupted, cancelling import...")
	if cerr := svc.CancelJob(id); cerr != nil && !errors.Is(cerr, importer.ErrJobNotFound) {
		return snap, cerr
	}
	return svc.Wait(context.Background(), id)
}

func followWithProgress(ctx context.Context, svc *service.Service, id string) (importer.Snapshot, error) {
	model := newProgressModel(id,
		func() (importer.Snapshot, error) { return svc.JobStatus(id) },
		svc.GetLog,
		func() error { return svc.CancelJob(id) },
	)
	p := tea.NewProgram(model)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			p.Send(interruptMsg{})
		case <-stop:
		}
	}()

	final, err := p.Run()
	if err != nil {
		return importer.Snapshot{}, fmt.Errorf("progress view failed: %w", err)
	}
	if m, ok := final.(progressModel); ok && m.err != nil {
		return m.snap, m.err
	}
	// the view may have been left early; the job still records its outcome
	return svc.Wait(context.Background(), id)
}

func printImportSummary(s importer.Snapshot) {
	printSection("Import summary")
	fmt.Printf("  Job:      %s\n", s.ID)
	fmt.Printf("  Tables:   %s → %s\n", s.SourceTable, s.TargetTable)
	fmt.Printf("  Mode:     %s\n", s.Mode)
	fmt.Printf("  State:    %s\n", s.State)
	fmt.Printf("  Records:  %d/%d\n", s.ImportedRecords, s.TotalRecords)
	fmt.Printf("  Duration: %.2fs\n", s.Duration)
	if s.Error != "" {
		fmt.Println(warnStyle.Render("  Error:    " + s.Error))
	}
}
