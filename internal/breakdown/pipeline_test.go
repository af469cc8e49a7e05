package breakdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Corphon/SceneBreakdown/internal/errors"
	"github.com/Corphon/SceneBreakdown/internal/models"
	"github.com/Corphon/SceneBreakdown/internal/utils"
)

func newTestPipeline(t *testing.T, gen Generator, opts Options) (*Pipeline, *utils.MetricsCollector) {
	t.Helper()
	metrics := utils.NewMetricsCollector()
	p, err := NewPipeline(gen, opts, utils.NewNopLogger(), metrics)
	require.NoError(t, err)
	p.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return p, metrics
}

func recordNumbers(col *models.BreakdownCollection) []int {
	out := make([]int, len(col.Records))
	for i, r := range col.Records {
		out[i] = r.SceneNumber
	}
	return out
}

func TestPipelineFencedOutputMissingMiddleScene(t *testing.T) {
	raw := "```json\n" + sceneArray(sceneJSON(1, "Kitchen"), sceneJSON(3, "Roof")) + "\n```"
	gen := newScriptedGenerator(reply{text: raw}, reply{text: "[]"})
	p, metrics := newTestPipeline(t, gen, DefaultOptions())

	col, err := p.Run(context.Background(), Input{UnitID: "ep-1", Document: scriptDoc(1, 2, 3), Series: seriesFixture})
	require.NoError(t, err)

	require.Equal(t, []int{1, 2, 3}, recordNumbers(col))
	assert.Equal(t, "Kitchen", col.Records[0].Title)
	assert.Equal(t, models.ProvenanceParsed, col.Records[0].Provenance)
	assert.Equal(t, "Roof", col.Records[2].Title)
	assert.Equal(t, models.ProvenanceParsed, col.Records[2].Provenance)

	synth := col.Records[1]
	assert.Equal(t, models.ProvenanceSynthesized, synth.Provenance)
	assert.True(t, hasWarning(synth.Warnings, "automatic fallback"))
	assert.Equal(t, models.TimeNight, synth.TimeOfDay)

	assert.Equal(t, "ep-1", col.UnitID)
	assert.Equal(t, "Pilot", col.Title)
	assert.Equal(t, 3, col.TotalUnits)
	assert.Equal(t, 1250.0, col.TotalBudgetImpact)
	assert.Equal(t, SchemaVersion, col.SchemaVersion)

	assert.Equal(t, 2, gen.callCount())
	assert.Equal(t, int64(1), metrics.GetCounterValue(MetricBackfillRequests))
	assert.Equal(t, int64(1), metrics.GetCounterValue(MetricSynthesizedRecords))
	assert.Equal(t, int64(1), metrics.GetCounterValue(MetricRuns))
	assert.Zero(t, metrics.GetCounterValue(MetricFailures))
}

func TestPipelineGapSynthesisLeavesOtherScenesUntouched(t *testing.T) {
	primary := sceneArray(sceneJSON(1, "A"), sceneJSON(2, "B"), sceneJSON(4, "D"), sceneJSON(5, "E"))
	gen := newScriptedGenerator(reply{text: primary}, reply{err: errors.New("rate limited")})
	p, _ := newTestPipeline(t, gen, DefaultOptions())

	col, err := p.Run(context.Background(), Input{Document: scriptDoc(1, 2, 3, 4, 5)})
	require.NoError(t, err)

	require.Equal(t, []int{1, 2, 3, 4, 5}, recordNumbers(col))
	for i, title := range map[int]string{0: "A", 1: "B", 3: "D", 4: "E"} {
		rec := col.Records[i]
		assert.Equal(t, title, rec.Title)
		assert.Equal(t, models.ProvenanceParsed, rec.Provenance)
		assert.Empty(t, rec.Warnings)
		assert.Equal(t, 500.0, rec.BudgetImpact)
	}
	assert.Equal(t, models.ProvenanceSynthesized, col.Records[2].Provenance)
	assert.True(t, hasWarning(col.Records[2].Warnings, "automatic fallback"))
	assert.Equal(t, "doc-1", col.UnitID)
}

func TestPipelineCompleteness(t *testing.T) {
	cases := map[string]string{
		"empty array":    "[]",
		"only strangers": sceneArray(sceneJSON(42, "X")),
		"truncated":      `[{"sceneNumber":2,"title":"B"},{"sceneNumber":4,"ti`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			gen := newScriptedGenerator(reply{text: raw}, reply{text: "not json"})
			p, _ := newTestPipeline(t, gen, DefaultOptions())

			col, err := p.Run(context.Background(), Input{Document: scriptDoc(1, 2, 3, 4)})
			require.NoError(t, err)
			assert.Equal(t, []int{1, 2, 3, 4}, recordNumbers(col))
		})
	}
}

func TestPipelineBudgetCapsHold(t *testing.T) {
	opts := DefaultOptions()
	opts.PerUnitCap = 1000
	opts.CollectionCap = 2000
	opts.FallbackBudget = 100

	raw := sceneArray(
		`{"sceneNumber":1,"budgetImpact":99999,"budgetBreakdown":{"cast":50000,"equipment":49999}}`,
		`{"sceneNumber":2,"budgetImpact":"1,500"}`,
		`{"sceneNumber":3,"budgetImpact":900}`,
	)
	gen := newScriptedGenerator(reply{text: raw})
	p, metrics := newTestPipeline(t, gen, opts)

	col, err := p.Run(context.Background(), Input{Document: scriptDoc(1, 2, 3)})
	require.NoError(t, err)

	for _, rec := range col.Records {
		assert.LessOrEqual(t, rec.BudgetImpact, opts.PerUnitCap)
		assert.LessOrEqual(t, rec.BudgetBreakdown.Total(), rec.BudgetImpact+subtotalTolerance)
	}
	assert.Equal(t, 2000.0, col.TotalBudgetImpact)
	assert.Equal(t, 900.0, col.BudgetOverage)
	assert.True(t, hasWarning(col.Warnings, "exceeds episode cap"))
	assert.Equal(t, int64(2), metrics.GetCounterValue(MetricBudgetClamps))
}

func TestPipelineFractionalCaps(t *testing.T) {
	opts := DefaultOptions()
	opts.PerUnitCap = 1234.5678
	opts.CollectionCap = 2469.1357
	opts.FallbackBudget = 100

	raw := sceneArray(
		`{"sceneNumber":1,"budgetImpact":5000}`,
		`{"sceneNumber":2,"budgetImpact":5000}`,
		`{"sceneNumber":3,"budgetImpact":5000}`,
	)
	p, metrics := newTestPipeline(t, newScriptedGenerator(reply{text: raw}), opts)

	doc := scriptDoc(1, 2, 3)
	col, err := p.Run(context.Background(), Input{Document: doc})
	require.NoError(t, err)

	units := Segment(doc).Scenes
	require.Len(t, col.Records, len(units))
	n := NewNormalizer(opts)
	for i, rec := range col.Records {
		assert.LessOrEqual(t, rec.BudgetImpact, opts.PerUnitCap)
		assert.Equal(t, 1234.56, rec.BudgetImpact)
		assert.Equal(t, rec, n.Renormalize(rec, units[i]))
	}
	assert.LessOrEqual(t, col.TotalBudgetImpact, opts.CollectionCap)
	assert.Equal(t, 2469.13, col.TotalBudgetImpact)
	assert.Equal(t, int64(3), metrics.GetCounterValue(MetricBudgetClamps))
}

func TestPipelineWarnsOnTruncatedRecord(t *testing.T) {
	raw := "```json\n[" + sceneJSON(1, "One") + "," + sceneJSON(2, "Two") + `,{"sceneNumber":3,"title":"Thr`
	p, _ := newTestPipeline(t, newScriptedGenerator(reply{text: raw}), DefaultOptions())

	col, err := p.Run(context.Background(), Input{Document: scriptDoc(1, 2, 3)})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, recordNumbers(col))

	assert.NotContains(t, col.Records[0].Warnings, TruncatedRecordWarning)
	assert.NotContains(t, col.Records[1].Warnings, TruncatedRecordWarning)
	assert.Contains(t, col.Records[2].Warnings, TruncatedRecordWarning)
	assert.Equal(t, "Thr", col.Records[2].Title)
	assert.Equal(t, models.ProvenanceRecovered, col.Records[2].Provenance)
}

func TestPipelineProviderUnavailable(t *testing.T) {
	gen := newScriptedGenerator(reply{err: apperrors.NewProviderUnavailableError("all providers failed", nil)})
	p, metrics := newTestPipeline(t, gen, DefaultOptions())

	col, err := p.Run(context.Background(), Input{Document: scriptDoc(1, 2)})
	assert.Nil(t, col)
	require.Error(t, err)
	assert.True(t, apperrors.IsProviderUnavailable(err))
	assert.Equal(t, int64(1), metrics.GetCounterValue(MetricFailures))
}

func TestPipelineUnrecoverableOutput(t *testing.T) {
	gen := newScriptedGenerator(reply{text: "I cannot help with that."})
	p, _ := newTestPipeline(t, gen, DefaultOptions())

	col, err := p.Run(context.Background(), Input{Document: scriptDoc(1)})
	assert.Nil(t, col)
	assert.True(t, apperrors.IsUnrecoverableOutput(err))
}

func TestPipelineFallbackProviderWarning(t *testing.T) {
	gen := newScriptedGenerator(reply{text: sceneArray(sceneJSON(1, "A")), provider: "google", fallback: true})
	p, metrics := newTestPipeline(t, gen, DefaultOptions())

	col, err := p.Run(context.Background(), Input{Document: scriptDoc(1)})
	require.NoError(t, err)
	assert.True(t, hasWarning(col.Warnings, "generated by google"))
	assert.Equal(t, int64(1), metrics.GetCounterValue(MetricProviderFallbacks))
}

func TestPipelineCancellation(t *testing.T) {
	t.Run("before start", func(t *testing.T) {
		gen := newScriptedGenerator(reply{text: "[]"})
		p, _ := newTestPipeline(t, gen, DefaultOptions())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		col, err := p.Run(ctx, Input{Document: scriptDoc(1)})
		assert.Nil(t, col)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, gen.callCount())
	})

	t.Run("during generation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		gen := newScriptedGenerator(reply{text: "[]", hook: cancel})
		p, _ := newTestPipeline(t, gen, DefaultOptions())

		col, err := p.Run(ctx, Input{Document: scriptDoc(1)})
		assert.Nil(t, col)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("during backfill", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		gen := newScriptedGenerator(reply{text: sceneArray(sceneJSON(1, "A"))}, reply{hook: cancel})
		p, _ := newTestPipeline(t, gen, DefaultOptions())

		col, err := p.Run(ctx, Input{Document: scriptDoc(1, 2)})
		assert.Nil(t, col)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestPipelineEmptyDocument(t *testing.T) {
	gen := newScriptedGenerator()
	p, _ := newTestPipeline(t, gen, DefaultOptions())

	col, err := p.Run(context.Background(), Input{UnitID: "empty", Document: &models.ScriptDocument{}})
	require.NoError(t, err)
	assert.Empty(t, col.Records)
	assert.True(t, hasWarning(col.Warnings, "no numbered scenes"))
	assert.Zero(t, gen.callCount())

	_, err = p.Run(context.Background(), Input{})
	assert.True(t, apperrors.IsValidationError(err))
}

func TestPipelineObserverSeesEveryState(t *testing.T) {
	gen := newScriptedGenerator(reply{text: sceneArray(sceneJSON(1, "A"))})
	p, _ := newTestPipeline(t, gen, DefaultOptions())

	var states []State
	_, err := p.RunObserved(context.Background(), Input{UnitID: "u", Document: scriptDoc(1)}, func(ev StageEvent) {
		assert.Equal(t, "u", ev.UnitID)
		states = append(states, ev.State)
	})
	require.NoError(t, err)
	assert.Equal(t, []State{StateSegmented, StateGenerated, StateExtracted, StateReconciled, StateNormalized, StateComplete}, states)
}

func TestNewPipelineValidatesOptions(t *testing.T) {
	opts := DefaultOptions()
	opts.CollectionCap = opts.PerUnitCap - 1
	_, err := NewPipeline(newScriptedGenerator(), opts, nil, nil)
	assert.True(t, apperrors.IsValidationError(err))

	_, err = NewPipeline(nil, DefaultOptions(), nil, nil)
	assert.True(t, apperrors.IsValidationError(err))
}
