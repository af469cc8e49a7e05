// internal/breakdown/pipeline.go
package breakdown

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/Corphon/SceneBreakdown/internal/errors"
	"github.com/Corphon/SceneBreakdown/internal/llm"
	"github.com/Corphon/SceneBreakdown/internal/models"
	"github.com/Corphon/SceneBreakdown/internal/utils"
)

// Options are the tunables of one pipeline. Budget caps are configuration,
// never constants baked into the stages.
type Options struct {
	PerUnitCap     float64
	CollectionCap  float64
	FallbackBudget float64
	MaxSceneChars  int

	Temperature       float64
	MaxTokens         int
	BackfillMaxTokens int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		PerUnitCap:        10000,
		CollectionCap:     100000,
		FallbackBudget:    250,
		MaxSceneChars:     4000,
		Temperature:       0.2,
		MaxTokens:         8192,
		BackfillMaxTokens: 4096,
	}
}

// Validate checks the cap relationships.
func (o Options) Validate() error {
	switch {
	case o.PerUnitCap <= 0:
		return apperrors.NewValidationError("per-scene budget cap must be positive", nil)
	case o.CollectionCap <= 0:
		return apperrors.NewValidationError("episode budget cap must be positive", nil)
	case o.CollectionCap < o.PerUnitCap:
		return apperrors.NewValidationError(
			fmt.Sprintf("episode budget cap %.2f is below per-scene cap %.2f", o.CollectionCap, o.PerUnitCap), nil)
	case o.FallbackBudget < 0 || o.FallbackBudget > o.PerUnitCap:
		return apperrors.NewValidationError(
			fmt.Sprintf("fallback budget %.2f must be within [0, %.2f]", o.FallbackBudget, o.PerUnitCap), nil)
	case o.MaxSceneChars < 0 || o.MaxTokens < 0 || o.BackfillMaxTokens < 0:
		return apperrors.NewValidationError("size limits must not be negative", nil)
	}
	return nil
}

// State is a pipeline stage.
type State string

const (
	StateSegmented  State = "segmented"
	StateGenerated  State = "generated"
	StateExtracted  State = "extracted"
	StateReconciled State = "reconciled"
	StateNormalized State = "normalized"
	StateComplete   State = "complete"
	StateFailed     State = "failed"
)

// StageEvent is emitted after each state transition.
type StageEvent struct {
	UnitID string
	State  State
	Detail string
	Time   time.Time
}

// Observer receives stage events. It is called synchronously.
type Observer func(StageEvent)

// Input is one pipeline run request.
type Input struct {
	UnitID   string
	Title    string
	Document *models.ScriptDocument
	Series   models.SeriesContext
}

// Generator is the generation boundary, satisfied by *llm.FallbackClient.
type Generator interface {
	Generate(ctx context.Context, req llm.GenerationRequest) (*llm.Generation, error)
}

// 指标名称
const (
	MetricRuns               = "breakdown.runs"
	MetricFailures           = "breakdown.failures"
	MetricProviderFallbacks  = "breakdown.provider_fallbacks"
	MetricRecoveredObjects   = "breakdown.recovered_objects"
	MetricBackfillRequests   = "breakdown.backfill_requests"
	MetricSynthesizedRecords = "breakdown.synthesized_records"
	MetricBudgetClamps       = "breakdown.budget_clamps"
	MetricDuration           = "breakdown.duration_ms"
)

// Pipeline runs segment → generate → extract → reconcile → normalize.
// It holds no mutable state and is safe for concurrent runs.
type Pipeline struct {
	gen        Generator
	opts       Options
	logger     *utils.Logger
	metrics    *utils.MetricsCollector
	normalizer *Normalizer
	reconciler *Reconciler
	now        func() time.Time
}

// NewPipeline wires a pipeline. A nil metrics collector gets a private one.
func NewPipeline(gen Generator, opts Options, logger *utils.Logger, metrics *utils.MetricsCollector) (*Pipeline, error) {
	if gen == nil {
		return nil, apperrors.NewValidationError("generator is required", nil)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = utils.NewMetricsCollector()
	}
	return &Pipeline{
		gen:        gen,
		opts:       opts,
		logger:     logger,
		metrics:    metrics,
		normalizer: NewNormalizer(opts),
		reconciler: NewReconciler(gen, opts, logger),
		now:        time.Now,
	}, nil
}

// Options returns the options the pipeline was built with.
func (p *Pipeline) Options() Options {
	return p.opts
}

// Run executes one pipeline run.
func (p *Pipeline) Run(ctx context.Context, in Input) (*models.BreakdownCollection, error) {
	return p.RunObserved(ctx, in, nil)
}

// RunObserved executes one run, reporting every state transition to obs.
// On failure or cancellation it returns a nil collection.
func (p *Pipeline) RunObserved(ctx context.Context, in Input, obs Observer) (*models.BreakdownCollection, error) {
	start := time.Now()
	p.metrics.IncrementCounter(MetricRuns)

	unitID := in.UnitID
	if unitID == "" && in.Document != nil {
		unitID = in.Document.ID
	}
	emit := func(state State, detail string) {
		if obs != nil {
			obs(StageEvent{UnitID: unitID, State: state, Detail: detail, Time: p.now()})
		}
	}
	log := p.logger.With(map[string]interface{}{"unit_id": unitID})

	col, err := p.run(ctx, unitID, in, emit, log)
	p.metrics.ObserveSince(MetricDuration, start)
	if err != nil {
		p.metrics.IncrementCounter(MetricFailures)
		emit(StateFailed, err.Error())
		log.Error("breakdown run failed", map[string]interface{}{
			"error":      err.Error(),
			"error_type": string(apperrors.TypeOf(err)),
		})
		return nil, err
	}

	log.Info("breakdown run complete", map[string]interface{}{
		"records":  len(col.Records),
		"warnings": len(col.Warnings),
		"budget":   col.TotalBudgetImpact,
		"duration": time.Since(start).String(),
	})
	return col, nil
}

func (p *Pipeline) run(ctx context.Context, unitID string, in Input, emit func(State, string), log *utils.Logger) (*models.BreakdownCollection, error) {
	if in.Document == nil {
		return nil, apperrors.NewValidationError("script document is required", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	title := firstNonEmpty(in.Title, in.Document.Title, in.Series.EpisodeTitle)
	var warnings []string

	// 分场
	seg := Segment(in.Document)
	warnings = append(warnings, seg.Diagnostics...)
	if seg.UntaggedElements > 0 {
		warnings = append(warnings,
			fmt.Sprintf("%d script elements were not attributed to a numbered scene", seg.UntaggedElements))
		log.Warn("segmentation drift", map[string]interface{}{"untagged": seg.UntaggedElements})
	}
	emit(StateSegmented, fmt.Sprintf("%d scenes", len(seg.Scenes)))

	if len(seg.Scenes) == 0 {
		warnings = append(warnings, "script contains no numbered scenes")
		emit(StateComplete, "0 records")
		return p.normalizer.Assemble(unitID, title, nil, warnings, p.now()), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 生成
	c := NewConstraints(seg.Scenes, p.opts)
	brief := AssembleBrief(in.Series, seg.Scenes, c)
	gen, err := p.gen.Generate(ctx, llm.GenerationRequest{
		SystemPrompt: brief.System,
		UserPrompt:   brief.User,
		Temperature:  p.opts.Temperature,
		MaxTokens:    p.opts.MaxTokens,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, apperrors.WrapError(err, "scene breakdown generation failed", apperrors.ErrorTypeProviderUnavailable)
	}
	if gen.UsedFallback {
		p.metrics.IncrementCounter(MetricProviderFallbacks)
		warnings = append(warnings, fmt.Sprintf("primary provider failed; breakdown generated by %s", gen.Provider))
	}
	emit(StateGenerated, gen.Provider)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 解析
	ex, err := Extract(gen.Text)
	if err != nil {
		return nil, err
	}
	if n := ex.RecoveredCount(); n > 0 {
		log.Warn("provider output needed repair", map[string]interface{}{
			"stage":   ex.Stage.String(),
			"objects": n,
		})
	}
	emit(StateExtracted, fmt.Sprintf("%d objects (%s)", len(ex.Objects), ex.Stage))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 完整性校验
	rec, err := p.reconciler.Reconcile(ctx, in.Series, seg.Scenes, ex.Objects, c)
	if err != nil {
		return nil, err
	}
	warnings = append(warnings, rec.Warnings...)
	p.metrics.AddCounter(MetricRecoveredObjects, int64(rec.RecoveredObjects))
	if rec.BackfillRequested {
		p.metrics.IncrementCounter(MetricBackfillRequests)
	}
	if rec.BackfillUsedFallback {
		p.metrics.IncrementCounter(MetricProviderFallbacks)
	}
	if n := len(rec.Synthesized); n > 0 {
		p.metrics.AddCounter(MetricSynthesizedRecords, int64(n))
	}
	emit(StateReconciled, fmt.Sprintf("%d candidates, %d backfilled, %d synthesized",
		len(rec.Candidates), len(rec.Backfilled), len(rec.Synthesized)))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 规范化
	units := make(map[int]models.SceneUnit, len(seg.Scenes))
	for _, u := range seg.Scenes {
		units[u.SceneNumber] = u
	}
	records := make([]models.BreakdownRecord, 0, len(rec.Candidates))
	clamps := 0
	for _, cand := range rec.Candidates {
		r, clamped := p.normalizer.Normalize(cand, units[cand.SceneNumber()])
		if clamped {
			clamps++
		}
		records = append(records, r)
	}
	if clamps > 0 {
		p.metrics.AddCounter(MetricBudgetClamps, int64(clamps))
	}
	emit(StateNormalized, fmt.Sprintf("%d records", len(records)))

	col := p.normalizer.Assemble(unitID, title, records, warnings, p.now())
	emit(StateComplete, fmt.Sprintf("%d records", len(col.Records)))
	return col, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
