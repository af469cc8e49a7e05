package breakdown

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func extracted(t *testing.T, raw string) []RawObject {
	t.Helper()
	ex, err := Extract(raw)
	require.NoError(t, err)
	return ex.Objects
}

func candidateNumbers(cands []Candidate) []int {
	out := make([]int, len(cands))
	for i, c := range cands {
		out[i] = c.SceneNumber()
	}
	return out
}

func TestReconcilePassThroughWhenComplete(t *testing.T) {
	gen := newScriptedGenerator()
	seg := Segment(scriptDoc(1, 2))
	r := NewReconciler(gen, DefaultOptions(), nil)

	res, err := r.Reconcile(context.Background(), seriesFixture, seg.Scenes,
		extracted(t, sceneArray(sceneJSON(2, "B"), sceneJSON(1, "A"))), NewConstraints(seg.Scenes, DefaultOptions()))
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2}, candidateNumbers(res.Candidates))
	assert.Empty(t, res.Missing)
	assert.False(t, res.BackfillRequested)
	assert.Zero(t, gen.callCount())
}

func TestReconcileDropsUnknownAndDuplicateScenes(t *testing.T) {
	gen := newScriptedGenerator()
	seg := Segment(scriptDoc(1, 2))
	r := NewReconciler(gen, DefaultOptions(), nil)

	raw := sceneArray(sceneJSON(1, "first"), sceneJSON(1, "second"), sceneJSON(9, "ghost"), sceneJSON(2, "B"), `{"title":"no number"}`)
	res, err := r.Reconcile(context.Background(), seriesFixture, seg.Scenes, extracted(t, raw), NewConstraints(seg.Scenes, DefaultOptions()))
	require.NoError(t, err)

	require.Equal(t, []int{1, 2}, candidateNumbers(res.Candidates))
	first := res.Candidates[0].(RecoveredCandidate)
	assert.Equal(t, "first", first.Fields["title"])
	assert.True(t, hasWarning(res.Warnings, "duplicate breakdown for scene 1"))
	assert.True(t, hasWarning(res.Warnings, "scene 9: not in script"))
	assert.True(t, hasWarning(res.Warnings, "without a valid scene number"))
}

func TestReconcileBackfillsMissingScene(t *testing.T) {
	gen := newScriptedGenerator(reply{text: sceneArray(sceneJSON(3, "Backfilled"), sceneJSON(1, "Intruder"))})
	seg := Segment(scriptDoc(1, 2, 3, 4, 5))
	opts := DefaultOptions()
	r := NewReconciler(gen, opts, nil)

	primary := sceneArray(sceneJSON(1, "A"), sceneJSON(2, "B"), sceneJSON(4, "D"), sceneJSON(5, "E"))
	res, err := r.Reconcile(context.Background(), seriesFixture, seg.Scenes, extracted(t, primary), NewConstraints(seg.Scenes, opts))
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3, 4, 5}, candidateNumbers(res.Candidates))
	assert.Equal(t, []int{3}, res.Missing)
	assert.Equal(t, []int{3}, res.Backfilled)
	assert.Empty(t, res.Synthesized)

	backfilled := res.Candidates[2].(RecoveredCandidate)
	assert.True(t, backfilled.Backfill)
	assert.Equal(t, "Backfilled", backfilled.Fields["title"])
	assert.Equal(t, "A", res.Candidates[0].(RecoveredCandidate).Fields["title"])
	assert.True(t, hasWarning(res.Warnings, "backfill returned unrequested scene 1"))

	require.Equal(t, 1, gen.callCount())
	assert.Equal(t, opts.BackfillMaxTokens, gen.calls[0].MaxTokens)
	assert.Contains(t, gen.calls[0].UserPrompt, "### Scene 3 ")
	assert.NotContains(t, gen.calls[0].UserPrompt, "### Scene 1 ")
}

func TestReconcileSynthesizesWhenBackfillFails(t *testing.T) {
	gen := newScriptedGenerator(reply{err: errors.New("backfill provider down")})
	seg := Segment(scriptDoc(1, 2, 3, 4, 5))
	r := NewReconciler(gen, DefaultOptions(), nil)

	primary := sceneArray(sceneJSON(1, "A"), sceneJSON(2, "B"), sceneJSON(4, "D"), sceneJSON(5, "E"))
	res, err := r.Reconcile(context.Background(), seriesFixture, seg.Scenes, extracted(t, primary), NewConstraints(seg.Scenes, DefaultOptions()))
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3, 4, 5}, candidateNumbers(res.Candidates))
	assert.Equal(t, []int{3}, res.Synthesized)
	synth, ok := res.Candidates[2].(SynthesizedCandidate)
	require.True(t, ok)
	assert.Equal(t, "ROOM 3", synth.Location)
	assert.Equal(t, 250.0, synth.Budget)
	assert.Contains(t, synth.Reason, "automatic fallback")
	assert.True(t, hasWarning(res.Warnings, "backfill request failed"))
}

func TestReconcileUnrecoverableBackfillIsWarning(t *testing.T) {
	gen := newScriptedGenerator(reply{text: "sorry, no JSON today"})
	seg := Segment(scriptDoc(1, 2))
	r := NewReconciler(gen, DefaultOptions(), nil)

	res, err := r.Reconcile(context.Background(), seriesFixture, seg.Scenes, extracted(t, "[]"), NewConstraints(seg.Scenes, DefaultOptions()))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, res.Synthesized)
	assert.True(t, hasWarning(res.Warnings, "backfill output unrecoverable"))
}

func TestReconcileCancelledDuringBackfill(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gen := newScriptedGenerator(reply{hook: cancel})
	seg := Segment(scriptDoc(1, 2))
	r := NewReconciler(gen, DefaultOptions(), nil)

	res, err := r.Reconcile(ctx, seriesFixture, seg.Scenes, extracted(t, sceneArray(sceneJSON(1, "A"))), NewConstraints(seg.Scenes, DefaultOptions()))
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.Canceled)
}
