// cmd/breakdown/run_command.go
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Corphon/SceneBreakdown/internal/breakdown"
	"github.com/Corphon/SceneBreakdown/internal/config"
	apperrors "github.com/Corphon/SceneBreakdown/internal/errors"
	"github.com/Corphon/SceneBreakdown/internal/models"
	"github.com/Corphon/SceneBreakdown/internal/services"
	"github.com/Corphon/SceneBreakdown/internal/storage"
	"github.com/Corphon/SceneBreakdown/internal/utils"
)

type runOptions struct {
	scriptPath string
	seriesPath string
	outPath    string
	unitID     string
	replayPath string
	asJSON     bool
	save       bool
	quiet      bool
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate a breakdown collection for one script",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return runBreakdown(cmd, cfg, ctx.logger(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.scriptPath, "script", "s", "", "Script document (JSON or YAML, - for stdin)")
	cmd.Flags().StringVar(&opts.seriesPath, "series", "", "Series context file (YAML or JSON)")
	cmd.Flags().StringVarP(&opts.outPath, "out", "o", "", "Write the collection JSON to this file")
	cmd.Flags().StringVar(&opts.unitID, "unit-id", "", "Unit identifier (defaults to the script id)")
	cmd.Flags().StringVar(&opts.replayPath, "replay", "", "Serve the provider output from this file instead of the configured chain")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "Print the collection as JSON")
	cmd.Flags().BoolVar(&opts.save, "save", false, "Store the collection in the configured data directory")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Do not print stage progress")
	_ = cmd.MarkFlagRequired("script")

	return cmd
}

func runBreakdown(cmd *cobra.Command, cfg *config.Config, logger *utils.Logger, opts runOptions) error {
	defer logger.Sync()

	doc, err := loadScript(cmd, opts.scriptPath)
	if err != nil {
		return err
	}
	series, err := loadSeries(opts.seriesPath)
	if err != nil {
		return err
	}

	// 回放模式只替换生成链，预算等其余配置保持不变
	if opts.replayPath != "" {
		replay := *cfg
		replay.Primary = config.ProviderConfig{Name: "replay", Settings: map[string]string{"file": opts.replayPath}}
		replay.Secondary = config.ProviderConfig{}
		replay.CacheEnabled = false
		cfg = &replay
	}

	metrics := utils.NewMetricsCollector()
	llmService := services.NewLLMService(cfg, logger, utils.NewAPIMetrics(metrics, logger))
	if !llmService.IsReady() {
		return apperrors.NewProviderUnavailableError(llmService.GetReadyState(), nil)
	}

	pipeline, err := breakdown.NewPipeline(llmService, cfg.Pipeline.Options(), logger, metrics)
	if err != nil {
		return err
	}

	unitID := firstNonBlank(opts.unitID, doc.ID)
	if unitID == "" {
		unitID = uuid.NewString()
	}
	if !storage.ValidUnitID(unitID) {
		return apperrors.NewValidationError(fmt.Sprintf("invalid unit id %q", unitID), nil)
	}

	stderr := cmd.ErrOrStderr()
	var observer breakdown.Observer
	if !opts.quiet {
		observer = func(ev breakdown.StageEvent) {
			fmt.Fprintf(stderr, "[%s] %s\n", ev.State, ev.Detail)
		}
	}

	col, err := pipeline.RunObserved(cmd.Context(), breakdown.Input{
		UnitID:   unitID,
		Document: doc,
		Series:   series,
	}, observer)
	if err != nil {
		return err
	}

	if opts.save {
		store, err := storage.OpenCollectionStore(cfg.StorageBackend, cfg.DataDir, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Save(cmd.Context(), col); err != nil {
			return apperrors.WrapError(err, "save collection", apperrors.ErrorTypeError)
		}
		fmt.Fprintf(stderr, "saved %s (%s)\n", col.UnitID, cfg.StorageBackend)
	}

	if opts.outPath != "" {
		if err := writeJSONFile(opts.outPath, col); err != nil {
			return err
		}
	}

	if opts.asJSON {
		return writeJSON(cmd, col)
	}
	renderCollection(cmd, col)
	return nil
}

func renderCollection(cmd *cobra.Command, col *models.BreakdownCollection) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)

	headers := []string{"Scene", "Title", "Location", "Time", "Min", "Cast", "Budget", "Source"}
	aligns := []columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignLeft}

	rows := make([][]string, 0, len(col.Records))
	for _, rec := range col.Records {
		names := make([]string, 0, len(rec.Cast))
		for _, c := range rec.Cast {
			names = append(names, c.Name)
		}
		source := string(rec.Provenance)
		if rec.Provenance != models.ProvenanceParsed {
			source = colorWarn(source, colorize)
		}
		rows = append(rows, []string{
			strconv.Itoa(rec.SceneNumber),
			rec.Title,
			rec.Location,
			string(rec.TimeOfDay),
			strconv.Itoa(rec.EstimatedDurationMinutes),
			strings.Join(names, ", "),
			money(rec.BudgetImpact),
			source,
		})
	}

	fmt.Fprintf(out, "%s  %s\n", col.UnitID, col.Title)
	fmt.Fprintln(out, renderTable(headers, rows, aligns, colorize))
	fmt.Fprintf(out, "scenes: %d  minutes: %d  budget: %s\n", col.TotalUnits, col.TotalEstimatedTime, money(col.TotalBudgetImpact))
	if col.BudgetOverage > 0 {
		fmt.Fprintln(out, colorWarn(fmt.Sprintf("over episode cap by %s", money(col.BudgetOverage)), colorize))
	}

	if len(col.Warnings) == 0 {
		fmt.Fprintln(out, colorOK("no warnings", colorize))
		return
	}
	fmt.Fprintf(out, "warnings (%d):\n", len(col.Warnings))
	for _, w := range col.Warnings {
		fmt.Fprintf(out, "  - %s\n", w)
	}
}

func writeJSONFile(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	return encodeIndented(f, v)
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
