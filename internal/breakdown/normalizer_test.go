package breakdown

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/SceneBreakdown/internal/models"
)

func fieldsOf(t *testing.T, raw string) map[string]interface{} {
	t.Helper()
	fields, ok := decodeObject(raw)
	require.True(t, ok, raw)
	return fields
}

var roofUnit = models.SceneUnit{
	SceneNumber:   3,
	Heading:       "3. EXT. ROOF - DUSK",
	Content:       "Anna looks down at the city.",
	DialogueLines: map[string]int{"ANNA": 4},
}

func TestNormalizeCoercesFields(t *testing.T) {
	n := NewNormalizer(DefaultOptions())
	fields := fieldsOf(t, `{
		"scene_number": "3",
		"time_of_day": "evening",
		"duration": "2.6",
		"characters": [
			{"name": "Anna", "importance": "Main"},
			{"name": "Guard", "lines": 2, "role": "cameo"},
			"Crowd"
		],
		"props": [
			{"name": "Rope", "source": "rental", "cost": "$1,200.50", "importance": "key"},
			{"item": "Flashlight", "cost": -5, "source": "found"}
		],
		"special_requirements": ["Safety rigging", "Safety rigging", " "],
		"budget_breakdown": {"materials": 1200.5, "location": 300}
	}`)

	rec, clamped := n.Normalize(RecoveredCandidate{Scene: 3, Fields: fields, Stage: StageDirect}, roofUnit)
	assert.False(t, clamped)

	assert.Equal(t, models.ProvenanceParsed, rec.Provenance)
	assert.Equal(t, "3. EXT. ROOF - DUSK", rec.Title)
	assert.Equal(t, "ROOF", rec.Location)
	assert.Equal(t, models.TimeNight, rec.TimeOfDay)
	assert.Equal(t, 3, rec.EstimatedDurationMinutes)

	require.Len(t, rec.Cast, 3)
	assert.Equal(t, models.CastMember{Name: "Anna", LineCount: 4, Importance: models.CastLead}, rec.Cast[0])
	assert.Equal(t, models.CastMember{Name: "Guard", LineCount: 2, Importance: models.CastSupporting}, rec.Cast[1])
	assert.Equal(t, "Crowd", rec.Cast[2].Name)

	require.Len(t, rec.Materials, 2)
	assert.Equal(t, models.Material{Item: "Rope", Importance: models.MaterialHero, Source: models.SourceRent, Cost: 1200.5}, rec.Materials[0])
	assert.Equal(t, models.Material{Item: "Flashlight", Importance: models.MaterialSecondary, Source: models.SourceBuy, Cost: 0}, rec.Materials[1])

	assert.Equal(t, []string{"Safety rigging"}, rec.SpecialRequirements)
	assert.Equal(t, 1500.5, rec.BudgetImpact)
	assert.Equal(t, 300.0, rec.BudgetBreakdown.Locations)

	assert.True(t, hasWarning(rec.Warnings, `unknown cast importance "cameo"`))
	assert.True(t, hasWarning(rec.Warnings, `unknown material source "found"`))
}

func TestNormalizeFallsBackToHeading(t *testing.T) {
	n := NewNormalizer(DefaultOptions())
	rec, _ := n.Normalize(RecoveredCandidate{Scene: 3, Fields: map[string]interface{}{}, Stage: StageFragmentScan}, roofUnit)

	assert.Equal(t, models.ProvenanceRecovered, rec.Provenance)
	assert.Equal(t, "ROOF", rec.Location)
	assert.Equal(t, models.TimeSunset, rec.TimeOfDay)
	assert.Equal(t, 1, rec.EstimatedDurationMinutes)
	assert.Empty(t, rec.Cast)
	assert.NotNil(t, rec.Cast)
	assert.Zero(t, rec.BudgetImpact)
	assert.True(t, hasWarning(rec.Warnings, "recovered from malformed provider output (fragment-scan)"))
}

func TestNormalizeUnknownTimeOfDay(t *testing.T) {
	n := NewNormalizer(DefaultOptions())
	rec, _ := n.Normalize(RecoveredCandidate{Scene: 3, Fields: map[string]interface{}{"timeOfDay": "brunch"}}, roofUnit)

	assert.Equal(t, models.TimeDay, rec.TimeOfDay)
	assert.True(t, hasWarning(rec.Warnings, `unknown timeOfDay "brunch"`))
}

func TestNormalizeClampsBudget(t *testing.T) {
	opts := DefaultOptions()
	n := NewNormalizer(opts)
	fields := fieldsOf(t, `{"budgetImpact": 50000, "budgetBreakdown": {"cast": 30000, "other": 20000}}`)

	rec, clamped := n.Normalize(RecoveredCandidate{Scene: 3, Fields: fields}, roofUnit)
	assert.True(t, clamped)
	assert.Equal(t, opts.PerUnitCap, rec.BudgetImpact)
	assert.InDelta(t, opts.PerUnitCap, rec.BudgetBreakdown.Total(), subtotalTolerance)
	assert.Equal(t, 6000.0, rec.BudgetBreakdown.Cast)
	assert.True(t, hasWarning(rec.Warnings, "exceeds per-scene cap"))
}

func TestNormalizeClampsToFractionalCap(t *testing.T) {
	for _, limit := range []float64{1234.5678, 999.995, 0.29} {
		opts := DefaultOptions()
		opts.PerUnitCap = limit
		n := NewNormalizer(opts)

		fields := fieldsOf(t, `{"budgetImpact": 5000, "budgetBreakdown": {"cast": 3000, "other": 2000}}`)
		rec, clamped := n.Normalize(RecoveredCandidate{Scene: 3, Fields: fields}, roofUnit)
		assert.True(t, clamped)
		assert.LessOrEqual(t, rec.BudgetImpact, limit, "cap %v", limit)
		assert.Equal(t, roundMoney(rec.BudgetImpact), rec.BudgetImpact)
		assert.LessOrEqual(t, rec.BudgetBreakdown.Total(), rec.BudgetImpact+subtotalTolerance)

		if diff := cmp.Diff(rec, n.Renormalize(rec, roofUnit)); diff != "" {
			t.Errorf("cap %v: renormalize changed record (-first +second):\n%s", limit, diff)
		}
	}

	n := NewNormalizer(Options{PerUnitCap: 1234.5678, CollectionCap: 1234.5678})
	rec, _ := n.Normalize(RecoveredCandidate{Scene: 3, Fields: fieldsOf(t, `{"budgetImpact": 5000}`)}, roofUnit)
	assert.Equal(t, 1234.56, rec.BudgetImpact)
}

func TestNormalizeFlagsTruncatedRecord(t *testing.T) {
	n := NewNormalizer(DefaultOptions())
	fields := fieldsOf(t, `{"sceneNumber": 3, "title": "Ro"}`)

	rec, _ := n.Normalize(RecoveredCandidate{Scene: 3, Fields: fields, Stage: StageBalanceRepair, Truncated: true}, roofUnit)
	assert.Equal(t, models.ProvenanceRecovered, rec.Provenance)
	assert.Equal(t, "Ro", rec.Title)
	assert.Contains(t, rec.Warnings, TruncatedRecordWarning)

	if diff := cmp.Diff(rec, n.Renormalize(rec, roofUnit)); diff != "" {
		t.Errorf("renormalize changed record (-first +second):\n%s", diff)
	}

	complete, _ := n.Normalize(RecoveredCandidate{Scene: 3, Fields: fields, Stage: StageBalanceRepair}, roofUnit)
	assert.NotContains(t, complete.Warnings, TruncatedRecordWarning)
}

func TestNormalizeRescalesSubtotals(t *testing.T) {
	n := NewNormalizer(DefaultOptions())
	fields := fieldsOf(t, `{"budgetImpact": 100, "budgetBreakdown": {"cast": 80, "materials": 60}}`)

	rec, clamped := n.Normalize(RecoveredCandidate{Scene: 3, Fields: fields}, roofUnit)
	assert.False(t, clamped)
	assert.Equal(t, 100.0, rec.BudgetImpact)
	assert.Equal(t, 57.14, rec.BudgetBreakdown.Cast)
	assert.Equal(t, 42.86, rec.BudgetBreakdown.Materials)
	assert.True(t, hasWarning(rec.Warnings, "rescaled"))
}

func TestNormalizeMergesDuplicates(t *testing.T) {
	n := NewNormalizer(DefaultOptions())
	fields := fieldsOf(t, `{
		"cast": [{"name": "ANNA", "lineCount": 3, "importance": "supporting"}, {"name": "anna", "lineCount": 2, "importance": "lead"}],
		"materials": [{"item": "Rope", "cost": 10}, {"item": "rope", "cost": 5.5, "importance": "hero"}]
	}`)

	rec, _ := n.Normalize(RecoveredCandidate{Scene: 3, Fields: fields}, roofUnit)
	require.Len(t, rec.Cast, 1)
	assert.Equal(t, models.CastMember{Name: "ANNA", LineCount: 5, Importance: models.CastLead}, rec.Cast[0])
	require.Len(t, rec.Materials, 1)
	assert.Equal(t, 15.5, rec.Materials[0].Cost)
	assert.Equal(t, models.MaterialHero, rec.Materials[0].Importance)
	assert.Equal(t, 15.5, rec.BudgetImpact)
}

func TestNormalizeSynthesized(t *testing.T) {
	r := NewReconciler(nil, DefaultOptions(), nil)
	cand := r.synthesize(roofUnit)

	rec, clamped := NewNormalizer(DefaultOptions()).Normalize(cand, roofUnit)
	assert.False(t, clamped)
	assert.Equal(t, models.ProvenanceSynthesized, rec.Provenance)
	assert.Equal(t, models.TimeSunset, rec.TimeOfDay)
	assert.Equal(t, 250.0, rec.BudgetImpact)
	assert.Equal(t, 250.0, rec.BudgetBreakdown.Other)
	assert.Equal(t, []models.CastMember{{Name: "ANNA", LineCount: 4, Importance: models.CastSupporting}}, rec.Cast)
	assert.Empty(t, rec.Materials)
	assert.True(t, hasWarning(rec.Warnings, "automatic fallback"))
}

func TestNormalizeIsIdempotent(t *testing.T) {
	n := NewNormalizer(DefaultOptions())
	inputs := []Candidate{
		RecoveredCandidate{Scene: 3, Stage: StageBalanceRepair, Fields: fieldsOf(t, `{
			"timeOfDay": "brunch",
			"cast": [{"name": "ANNA", "importance": "star"}, {"name": "anna", "lineCount": 1}, "Guard"],
			"materials": [{"item": "Rope", "cost": "12.345"}, {"item": "rope", "cost": 1}],
			"budgetImpact": 99999,
			"budgetBreakdown": {"cast": 70000, "materials": 29999},
			"notes": ["bring rain cover", "night shoot"],
			"warnings": ["provider note"]
		}`)},
		RecoveredCandidate{Scene: 3, Fields: fieldsOf(t, `{"budgetImpact": 100, "budgetBreakdown": {"cast": 80, "materials": 60}}`)},
		RecoveredCandidate{Scene: 3, Fields: fieldsOf(t, `{"budgetImpact": -20, "duration": 0}`)},
		NewReconciler(nil, DefaultOptions(), nil).synthesize(roofUnit),
	}

	for _, c := range inputs {
		first, _ := n.Normalize(c, roofUnit)
		second := n.Renormalize(first, roofUnit)
		if diff := cmp.Diff(first, second); diff != "" {
			t.Errorf("renormalize changed record (-first +second):\n%s", diff)
		}

		// JSON 往返后依然一致
		data, err := json.Marshal(first)
		require.NoError(t, err)
		var decoded models.BreakdownRecord
		require.NoError(t, json.Unmarshal(data, &decoded))
		if diff := cmp.Diff(first, n.Renormalize(decoded, roofUnit)); diff != "" {
			t.Errorf("renormalize after decode changed record (-first +second):\n%s", diff)
		}
	}
}

func TestAssembleCapsCollectionTotal(t *testing.T) {
	opts := DefaultOptions()
	opts.CollectionCap = 15000
	n := NewNormalizer(opts)

	records := []models.BreakdownRecord{
		{SceneNumber: 3, BudgetImpact: 6000, EstimatedDurationMinutes: 2},
		{SceneNumber: 1, BudgetImpact: 6000, EstimatedDurationMinutes: 3},
		{SceneNumber: 2, BudgetImpact: 6000, EstimatedDurationMinutes: 4},
	}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	col := n.Assemble("unit-1", "Pilot", records, []string{"a", "a"}, at)

	assert.Equal(t, []int{1, 2, 3}, []int{col.Records[0].SceneNumber, col.Records[1].SceneNumber, col.Records[2].SceneNumber})
	assert.Equal(t, 3, col.TotalUnits)
	assert.Equal(t, 9, col.TotalEstimatedTime)
	assert.Equal(t, 15000.0, col.TotalBudgetImpact)
	assert.Equal(t, 3000.0, col.BudgetOverage)
	assert.Equal(t, SchemaVersion, col.SchemaVersion)
	assert.Equal(t, at, col.GeneratedAt)
	require.Len(t, col.Warnings, 2)
	assert.Equal(t, "a", col.Warnings[0])
	assert.Contains(t, col.Warnings[1], "exceeds episode cap")
}

func TestAssembleCapsAtFractionalCollectionCap(t *testing.T) {
	opts := DefaultOptions()
	opts.CollectionCap = 2469.1357
	n := NewNormalizer(opts)

	records := []models.BreakdownRecord{
		{SceneNumber: 1, BudgetImpact: 1234.56},
		{SceneNumber: 2, BudgetImpact: 1234.56},
		{SceneNumber: 3, BudgetImpact: 1234.56},
	}
	col := n.Assemble("unit-1", "Pilot", records, nil, time.Now())
	assert.LessOrEqual(t, col.TotalBudgetImpact, opts.CollectionCap)
	assert.Equal(t, 2469.13, col.TotalBudgetImpact)
	assert.Equal(t, 1234.55, col.BudgetOverage)
}

func TestAssembleEmpty(t *testing.T) {
	col := NewNormalizer(DefaultOptions()).Assemble("u", "", nil, nil, time.Now())
	assert.NotNil(t, col.Records)
	assert.NotNil(t, col.Warnings)
	assert.Zero(t, col.TotalBudgetImpact)
	assert.Zero(t, col.BudgetOverage)
}
