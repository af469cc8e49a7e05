// internal/breakdown/reconciler.go
package breakdown

import (
	"context"
	"fmt"
	"sort"

	"github.com/Corphon/SceneBreakdown/internal/llm"
	"github.com/Corphon/SceneBreakdown/internal/models"
	"github.com/Corphon/SceneBreakdown/internal/utils"
)

// Reconciliation is the reconciler output: exactly one candidate per scene
// unit, sorted by scene number.
type Reconciliation struct {
	Candidates []Candidate
	Warnings   []string

	// Missing lists the scenes absent from the primary response.
	Missing []int
	// Backfilled lists the scenes supplied by the backfill request.
	Backfilled []int
	// Synthesized lists the scenes built from script text alone.
	Synthesized []int

	BackfillRequested    bool
	BackfillUsedFallback bool
	RecoveredObjects     int
}

// Reconciler enforces completeness against the segmented scene list.
type Reconciler struct {
	gen    Generator
	opts   Options
	logger *utils.Logger
}

// NewReconciler creates a reconciler that issues backfill requests via gen.
func NewReconciler(gen Generator, opts Options, logger *utils.Logger) *Reconciler {
	return &Reconciler{gen: gen, opts: opts, logger: logger}
}

// Reconcile matches extracted objects to scene units. Missing scenes get one
// backfill request; whatever is still missing afterwards is synthesized.
// Only cancellation is fatal.
func (r *Reconciler) Reconcile(ctx context.Context, series models.SeriesContext, scenes []models.SceneUnit, objects []RawObject, c Constraints) (*Reconciliation, error) {
	res := &Reconciliation{}

	units := make(map[int]models.SceneUnit, len(scenes))
	for _, u := range scenes {
		units[u.SceneNumber] = u
	}
	accepted := make(map[int]Candidate, len(scenes))

	r.accept(objects, false, func(n int) bool { _, ok := units[n]; return ok }, accepted, res)

	missing := missingUnits(scenes, accepted)
	if len(missing) > 0 {
		res.Missing = unitNumbers(missing)
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("provider omitted scenes %s; requesting backfill", joinInts(res.Missing)))

		if err := r.backfill(ctx, series, missing, c, accepted, res); err != nil {
			return nil, err
		}
		missing = missingUnits(scenes, accepted)
	}

	if len(missing) > 0 {
		res.Synthesized = unitNumbers(missing)
		for _, u := range missing {
			accepted[u.SceneNumber] = r.synthesize(u)
		}
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("scenes %s were synthesized from script text", joinInts(res.Synthesized)))
		r.logger.Warn("synthesized breakdowns for missing scenes", map[string]interface{}{
			"scenes": res.Synthesized,
		})
	}

	res.Candidates = make([]Candidate, 0, len(accepted))
	for _, cand := range accepted {
		res.Candidates = append(res.Candidates, cand)
	}
	sort.Slice(res.Candidates, func(i, j int) bool {
		return res.Candidates[i].SceneNumber() < res.Candidates[j].SceneNumber()
	})
	return res, nil
}

// accept keeps the first object for every allowed scene number.
func (r *Reconciler) accept(objects []RawObject, backfill bool, allowed func(int) bool, accepted map[int]Candidate, res *Reconciliation) {
	for _, obj := range objects {
		n, ok := SceneNumberOf(obj.Fields)
		if !ok {
			res.Warnings = append(res.Warnings, "discarded provider object without a valid scene number")
			continue
		}
		if !allowed(n) {
			if backfill {
				res.Warnings = append(res.Warnings, fmt.Sprintf("backfill returned unrequested scene %d; ignored", n))
			} else {
				res.Warnings = append(res.Warnings, fmt.Sprintf("discarded breakdown for scene %d: not in script", n))
			}
			continue
		}
		if _, dup := accepted[n]; dup {
			res.Warnings = append(res.Warnings, fmt.Sprintf("duplicate breakdown for scene %d; kept the first", n))
			continue
		}
		if obj.Recovered {
			res.RecoveredObjects++
		}
		accepted[n] = RecoveredCandidate{Scene: n, Fields: obj.Fields, Stage: obj.Stage, Backfill: backfill, Truncated: obj.Truncated}
		if backfill {
			res.Backfilled = append(res.Backfilled, n)
		}
	}
}

// backfill issues the single follow-up request. Provider and extraction
// failures only add warnings.
func (r *Reconciler) backfill(ctx context.Context, series models.SeriesContext, missing []models.SceneUnit, c Constraints, accepted map[int]Candidate, res *Reconciliation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.gen == nil {
		res.Warnings = append(res.Warnings, "backfill skipped: no generator configured")
		return nil
	}

	brief := AssembleBackfillBrief(series, missing, c)
	res.BackfillRequested = true

	gen, err := r.gen.Generate(ctx, llm.GenerationRequest{
		SystemPrompt: brief.System,
		UserPrompt:   brief.User,
		Temperature:  r.opts.Temperature,
		MaxTokens:    r.opts.BackfillMaxTokens,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		r.logger.Warn("backfill request failed", map[string]interface{}{"error": err.Error()})
		res.Warnings = append(res.Warnings, fmt.Sprintf("backfill request failed: %v", err))
		return nil
	}
	res.BackfillUsedFallback = gen.UsedFallback

	ex, err := Extract(gen.Text)
	if err != nil {
		r.logger.Warn("backfill output unrecoverable", map[string]interface{}{"error": err.Error()})
		res.Warnings = append(res.Warnings, fmt.Sprintf("backfill output unrecoverable: %v", err))
		return nil
	}

	wanted := make(map[int]bool, len(missing))
	for _, u := range missing {
		wanted[u.SceneNumber] = true
	}
	r.accept(ex.Objects, true, func(n int) bool { return wanted[n] }, accepted, res)
	return nil
}

// synthesize builds the deterministic fallback candidate for a scene.
func (r *Reconciler) synthesize(u models.SceneUnit) SynthesizedCandidate {
	heading := parseHeading(u.Heading)
	tod := models.TimeDay
	if heading.HasTime {
		tod = heading.TimeOfDay
	}
	location := heading.Location
	if location == "" {
		location = u.Heading
	}

	budget := r.opts.FallbackBudget
	if r.opts.PerUnitCap > 0 && budget > r.opts.PerUnitCap {
		budget = r.opts.PerUnitCap
	}

	return SynthesizedCandidate{
		Scene:           u.SceneNumber,
		Title:           u.Heading,
		Location:        location,
		TimeOfDay:       tod,
		Cast:            castFromDialogue(u.DialogueLines),
		DurationMinutes: estimateDuration(u),
		Budget:          budget,
		Reason: fmt.Sprintf("automatic fallback: scene %d was not described by the provider; "+
			"breakdown synthesized from script text with placeholder budget %.2f", u.SceneNumber, budget),
	}
}

// castFromDialogue lists speaking characters, most lines first.
func castFromDialogue(lines map[string]int) []models.CastMember {
	cast := make([]models.CastMember, 0, len(lines))
	for name, n := range lines {
		cast = append(cast, models.CastMember{Name: name, LineCount: n, Importance: models.CastSupporting})
	}
	sort.Slice(cast, func(i, j int) bool {
		if cast[i].LineCount != cast[j].LineCount {
			return cast[i].LineCount > cast[j].LineCount
		}
		return cast[i].Name < cast[j].Name
	})
	return cast
}

func missingUnits(scenes []models.SceneUnit, accepted map[int]Candidate) []models.SceneUnit {
	var out []models.SceneUnit
	for _, u := range scenes {
		if _, ok := accepted[u.SceneNumber]; !ok {
			out = append(out, u)
		}
	}
	return out
}

func unitNumbers(units []models.SceneUnit) []int {
	out := make([]int, len(units))
	for i, u := range units {
		out[i] = u.SceneNumber
	}
	return out
}
