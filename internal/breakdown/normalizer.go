// internal/breakdown/normalizer.go
package breakdown

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/Corphon/SceneBreakdown/internal/models"
)

// SchemaVersion tags every collection produced by this package.
const SchemaVersion = "breakdown.v1"

// 预算分项之和允许的误差
const subtotalTolerance = 0.05

// wordsPerMinute drives the scene-length duration estimate.
const wordsPerMinute = 180

var castImportanceSynonyms = map[string]models.CastImportance{
	"LEAD":        models.CastLead,
	"MAIN":        models.CastLead,
	"PRINCIPAL":   models.CastLead,
	"PRIMARY":     models.CastLead,
	"PROTAGONIST": models.CastLead,
	"STAR":        models.CastLead,
	"主演":          models.CastLead,
	"主角":          models.CastLead,
	"SUPPORTING":  models.CastSupporting,
	"SUPPORT":     models.CastSupporting,
	"SECONDARY":   models.CastSupporting,
	"FEATURED":    models.CastSupporting,
	"DAY PLAYER":  models.CastSupporting,
	"配角":          models.CastSupporting,
	"BACKGROUND":  models.CastBackground,
	"EXTRA":       models.CastBackground,
	"EXTRAS":      models.CastBackground,
	"BG":          models.CastBackground,
	"ATMOSPHERE":  models.CastBackground,
	"群演":          models.CastBackground,
}

var materialImportanceSynonyms = map[string]models.MaterialImportance{
	"HERO":          models.MaterialHero,
	"KEY":           models.MaterialHero,
	"CRITICAL":      models.MaterialHero,
	"PRIMARY":       models.MaterialHero,
	"MAIN":          models.MaterialHero,
	"SECONDARY":     models.MaterialSecondary,
	"SUPPORTING":    models.MaterialSecondary,
	"STANDARD":      models.MaterialSecondary,
	"MEDIUM":        models.MaterialSecondary,
	"BACKGROUND":    models.MaterialBackground,
	"SET DRESSING":  models.MaterialBackground,
	"MINOR":         models.MaterialBackground,
	"LOW":           models.MaterialBackground,
	"ATMOSPHERE":    models.MaterialBackground,
}

var materialSourceSynonyms = map[string]models.MaterialSource{
	"BUY":       models.SourceBuy,
	"PURCHASE":  models.SourceBuy,
	"PURCHASED": models.SourceBuy,
	"NEW":       models.SourceBuy,
	"购买":        models.SourceBuy,
	"RENT":      models.SourceRent,
	"RENTAL":    models.SourceRent,
	"RENTED":    models.SourceRent,
	"HIRE":      models.SourceRent,
	"租赁":        models.SourceRent,
	"BORROW":    models.SourceBorrow,
	"BORROWED":  models.SourceBorrow,
	"LOAN":      models.SourceBorrow,
	"借用":        models.SourceBorrow,
	"OWNED":     models.SourceOwned,
	"OWN":       models.SourceOwned,
	"EXISTING":  models.SourceOwned,
	"INVENTORY": models.SourceOwned,
	"IN STOCK":  models.SourceOwned,
	"自有":        models.SourceOwned,
}

var castRank = map[models.CastImportance]int{
	models.CastBackground: 0, models.CastSupporting: 1, models.CastLead: 2,
}

var materialRank = map[models.MaterialImportance]int{
	models.MaterialBackground: 0, models.MaterialSecondary: 1, models.MaterialHero: 2,
}

// TruncatedRecordWarning marks a record whose provider object was cut off and
// closed by repair; its last values may be incomplete.
const TruncatedRecordWarning = "provider output was truncated inside this record; closed by repair, trailing fields may be incomplete"

// Normalizer converts candidates into records and enforces the budget caps.
type Normalizer struct {
	perUnitCap    float64
	collectionCap float64
}

// NewNormalizer creates a normalizer for the given caps.
func NewNormalizer(opts Options) *Normalizer {
	return &Normalizer{perUnitCap: opts.PerUnitCap, collectionCap: opts.CollectionCap}
}

// Normalize converts a candidate into a record. The second result reports
// whether budgetImpact had to be clamped.
func (n *Normalizer) Normalize(c Candidate, unit models.SceneUnit) (models.BreakdownRecord, bool) {
	switch cand := c.(type) {
	case RecoveredCandidate:
		var extra []string
		if cand.Stage.Recovered() {
			extra = append(extra, fmt.Sprintf("record recovered from malformed provider output (%s)", cand.Stage))
		}
		if cand.Truncated {
			extra = append(extra, TruncatedRecordWarning)
		}
		return n.normalizeFields(cand.Scene, cand.Fields, unit, cand.Provenance(), extra)
	case SynthesizedCandidate:
		return n.normalizeFields(cand.Scene, synthesizedFields(cand), unit, models.ProvenanceSynthesized, nil)
	default:
		rec, clamped := n.normalizeFields(c.SceneNumber(), map[string]interface{}{}, unit, c.Provenance(), nil)
		return rec, clamped
	}
}

// Renormalize runs an already-normalised record through the same path.
// The result equals the input for any record produced by Normalize.
func (n *Normalizer) Renormalize(rec models.BreakdownRecord, unit models.SceneUnit) models.BreakdownRecord {
	data, err := json.Marshal(rec)
	if err != nil {
		return rec
	}
	fields, ok := decodeObject(string(data))
	if !ok {
		return rec
	}
	out, _ := n.normalizeFields(rec.SceneNumber, fields, unit, rec.Provenance, nil)
	return out
}

func synthesizedFields(c SynthesizedCandidate) map[string]interface{} {
	cast := make([]interface{}, 0, len(c.Cast))
	for _, m := range c.Cast {
		cast = append(cast, map[string]interface{}{
			"name":       m.Name,
			"lineCount":  float64(m.LineCount),
			"importance": string(m.Importance),
		})
	}
	return map[string]interface{}{
		"sceneNumber":              float64(c.Scene),
		"title":                    c.Title,
		"location":                 c.Location,
		"timeOfDay":                string(c.TimeOfDay),
		"estimatedDurationMinutes": float64(c.DurationMinutes),
		"cast":                     cast,
		"materials":                []interface{}{},
		"specialRequirements":      []interface{}{},
		"budgetImpact":             c.Budget,
		"budgetBreakdown":          map[string]interface{}{"other": c.Budget},
		"warnings":                 []interface{}{c.Reason},
		"notes":                    "",
	}
}

type warningList struct {
	items []string
}

func (w *warningList) add(format string, args ...interface{}) {
	w.items = append(w.items, fmt.Sprintf(format, args...))
}

func (n *Normalizer) normalizeFields(scene int, fields map[string]interface{}, unit models.SceneUnit, prov models.Provenance, extra []string) (models.BreakdownRecord, bool) {
	w := &warningList{}
	if v, ok := lookup(fields, "warnings", "warning"); ok {
		w.items = append(w.items, stringList(v)...)
	}
	w.items = append(w.items, extra...)

	heading := parseHeading(unit.Heading)

	rec := models.BreakdownRecord{
		SceneNumber: scene,
		Provenance:  prov,
	}

	// 标题与地点缺失时回退到场景标题
	rec.Title = firstString(fields, "title", "sceneTitle", "scene_title", "name")
	if rec.Title == "" {
		rec.Title = strings.TrimSpace(unit.Heading)
	}
	if rec.Title == "" {
		rec.Title = fmt.Sprintf("Scene %d", scene)
	}

	rec.Location = firstString(fields, "location", "setting", "place")
	if rec.Location == "" {
		rec.Location = heading.Location
	}
	if rec.Location == "" {
		rec.Location = strings.TrimSpace(unit.Heading)
	}
	if rec.Location == "" {
		rec.Location = "UNKNOWN"
	}

	rec.TimeOfDay = n.timeOfDay(fields, heading, w)
	rec.EstimatedDurationMinutes = n.duration(fields, unit, w)
	rec.Cast = n.cast(fields, unit, w)
	rec.Materials = n.materials(fields, w)
	rec.SpecialRequirements = dedupeStrings(listOf(fields, "specialRequirements", "special_requirements", "requirements"))
	rec.BudgetBreakdown = subtotals(fields)
	rec.Notes = notesOf(fields)

	clamped := n.enforceBudget(&rec, fields, w)

	rec.Warnings = dedupeStrings(w.items)
	return rec, clamped
}

func (n *Normalizer) timeOfDay(fields map[string]interface{}, heading parsedHeading, w *warningList) models.TimeOfDay {
	raw := firstString(fields, "timeOfDay", "time_of_day", "time", "dayNight")
	if raw != "" {
		if tod, ok := lookupTimeOfDay(raw); ok {
			return tod
		}
		w.add("unknown timeOfDay %q; defaulted to %s", raw, models.TimeDay)
		return models.TimeDay
	}
	if heading.HasTime {
		return heading.TimeOfDay
	}
	w.add("timeOfDay missing; defaulted to %s", models.TimeDay)
	return models.TimeDay
}

func (n *Normalizer) duration(fields map[string]interface{}, unit models.SceneUnit, w *warningList) int {
	v, ok := lookup(fields, "estimatedDurationMinutes", "estimated_duration_minutes", "durationMinutes", "duration")
	if ok {
		if f, ok := numberValue(v); ok {
			if f > 0 {
				return int(math.Max(1, math.Round(f)))
			}
			w.add("invalid estimatedDurationMinutes %v; estimated from scene length", f)
		}
	}
	return estimateDuration(unit)
}

// estimateDuration is the scene-length heuristic, never below one minute.
func estimateDuration(unit models.SceneUnit) int {
	words := len(strings.Fields(unit.Content)) + len(strings.Fields(unit.Heading))
	minutes := int(math.Ceil(float64(words) / wordsPerMinute))
	if minutes < 1 {
		return 1
	}
	return minutes
}

func (n *Normalizer) cast(fields map[string]interface{}, unit models.SceneUnit, w *warningList) []models.CastMember {
	out := make([]models.CastMember, 0)
	index := make(map[string]int)

	v, _ := lookup(fields, "cast", "characters")
	items, _ := v.([]interface{})
	for _, item := range items {
		var member models.CastMember
		lineCountSet := false

		switch t := item.(type) {
		case string:
			member.Name = strings.TrimSpace(t)
		case map[string]interface{}:
			member.Name = firstString(t, "name", "character", "actor")
			if lc, ok := lookup(t, "lineCount", "line_count", "lines", "dialogueLines"); ok {
				if f, ok := numberValue(lc); ok {
					member.LineCount = int(math.Max(0, math.Floor(f)))
					lineCountSet = true
				}
			}
			if raw := firstString(t, "importance", "role", "billing"); raw != "" {
				if imp, ok := castImportanceSynonyms[canonicalKey(raw)]; ok {
					member.Importance = imp
				} else {
					w.add("unknown cast importance %q for %s; defaulted to %s", raw, member.Name, models.CastSupporting)
				}
			}
		}
		if member.Name == "" {
			continue
		}
		if member.Importance == "" {
			member.Importance = models.CastSupporting
		}
		if !lineCountSet {
			member.LineCount = unit.DialogueLines[speakerName(member.Name)]
		}

		key := strings.ToLower(member.Name)
		if i, dup := index[key]; dup {
			prev := &out[i]
			prev.LineCount += member.LineCount
			if castRank[member.Importance] > castRank[prev.Importance] {
				prev.Importance = member.Importance
			}
			w.add("merged duplicate cast entry %q", member.Name)
			continue
		}
		index[key] = len(out)
		out = append(out, member)
	}
	return out
}

func (n *Normalizer) materials(fields map[string]interface{}, w *warningList) []models.Material {
	out := make([]models.Material, 0)
	index := make(map[string]int)

	v, _ := lookup(fields, "materials", "props", "items")
	items, _ := v.([]interface{})
	for _, item := range items {
		var m models.Material
		switch t := item.(type) {
		case string:
			m.Item = strings.TrimSpace(t)
		case map[string]interface{}:
			m.Item = firstString(t, "item", "name", "prop")
			if raw := firstString(t, "importance", "priority"); raw != "" {
				if imp, ok := materialImportanceSynonyms[canonicalKey(raw)]; ok {
					m.Importance = imp
				} else {
					w.add("unknown material importance %q for %s; defaulted to %s", raw, m.Item, models.MaterialSecondary)
				}
			}
			if raw := firstString(t, "source", "acquisition"); raw != "" {
				if src, ok := materialSourceSynonyms[canonicalKey(raw)]; ok {
					m.Source = src
				} else {
					w.add("unknown material source %q for %s; defaulted to %s", raw, m.Item, models.SourceBuy)
				}
			}
			if c, ok := lookup(t, "cost", "price", "estimatedCost"); ok {
				if f, ok := numberValue(c); ok {
					m.Cost = roundMoney(math.Max(0, f))
				}
			}
		}
		if m.Item == "" {
			continue
		}
		if m.Importance == "" {
			m.Importance = models.MaterialSecondary
		}
		if m.Source == "" {
			m.Source = models.SourceBuy
		}

		key := strings.ToLower(m.Item)
		if i, dup := index[key]; dup {
			prev := &out[i]
			prev.Cost = roundMoney(prev.Cost + m.Cost)
			if materialRank[m.Importance] > materialRank[prev.Importance] {
				prev.Importance = m.Importance
			}
			w.add("merged duplicate material %q", m.Item)
			continue
		}
		index[key] = len(out)
		out = append(out, m)
	}
	return out
}

func subtotals(fields map[string]interface{}) models.BudgetBreakdown {
	var bb models.BudgetBreakdown
	v, _ := lookup(fields, "budgetBreakdown", "budget_breakdown", "budgetDetails")
	m, _ := v.(map[string]interface{})
	if m == nil {
		return bb
	}
	get := func(keys ...string) float64 {
		if raw, ok := lookup(m, keys...); ok {
			if f, ok := numberValue(raw); ok {
				return roundMoney(math.Max(0, f))
			}
		}
		return 0
	}
	bb.Cast = get("cast", "talent")
	bb.Materials = get("materials", "props")
	bb.Locations = get("locations", "location")
	bb.Equipment = get("equipment", "gear")
	bb.Other = get("other", "misc", "miscellaneous")
	return bb
}

// enforceBudget fills in budgetImpact, clamps it to the per-unit cap and
// rescales the subtotals so they never exceed it.
func (n *Normalizer) enforceBudget(rec *models.BreakdownRecord, fields map[string]interface{}, w *warningList) bool {
	impact, provided := 0.0, false
	if v, ok := lookup(fields, "budgetImpact", "budget_impact", "budget", "estimatedBudget", "totalBudget"); ok {
		impact, provided = numberValue(v)
	}
	switch {
	case provided && impact < 0:
		w.add("negative budgetImpact %.2f clamped to 0", impact)
		impact = 0
	case !provided:
		// 缺省：分项之和，否则道具成本之和
		if total := rec.BudgetBreakdown.Total(); total > 0 {
			impact = total
		} else {
			impact = 0
			for _, m := range rec.Materials {
				impact += m.Cost
			}
		}
	}
	impact = roundMoney(impact)

	clamped := false
	if n.perUnitCap > 0 && impact > n.perUnitCap {
		capped := floorMoney(n.perUnitCap)
		w.add("budgetImpact %.2f exceeds per-scene cap %v; clamped to %.2f", impact, n.perUnitCap, capped)
		impact = capped
		clamped = true
	}
	rec.BudgetImpact = impact

	if sum := rec.BudgetBreakdown.Total(); sum > impact+subtotalTolerance {
		factor := 0.0
		if sum > 0 {
			factor = impact / sum
		}
		bb := &rec.BudgetBreakdown
		bb.Cast = roundMoney(bb.Cast * factor)
		bb.Materials = roundMoney(bb.Materials * factor)
		bb.Locations = roundMoney(bb.Locations * factor)
		bb.Equipment = roundMoney(bb.Equipment * factor)
		bb.Other = roundMoney(bb.Other * factor)
		w.add("budget breakdown rescaled to fit budgetImpact %.2f", impact)
	}
	return clamped
}

// Assemble builds the collection from normalised records, applying the
// collection cap. The stored total never exceeds the cap; the excess is
// reported in BudgetOverage and a warning.
func (n *Normalizer) Assemble(unitID, title string, records []models.BreakdownRecord, warnings []string, generatedAt time.Time) *models.BreakdownCollection {
	sorted := make([]models.BreakdownRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].SceneNumber < sorted[j].SceneNumber })

	col := &models.BreakdownCollection{
		UnitID:        unitID,
		Title:         title,
		TotalUnits:    len(sorted),
		Records:       sorted,
		SchemaVersion: SchemaVersion,
		GeneratedAt:   generatedAt,
	}

	total := 0.0
	for _, r := range sorted {
		col.TotalEstimatedTime += r.EstimatedDurationMinutes
		total += r.BudgetImpact
	}
	total = roundMoney(total)

	all := append([]string(nil), warnings...)
	if n.collectionCap > 0 && total > n.collectionCap {
		capped := floorMoney(n.collectionCap)
		col.BudgetOverage = roundMoney(total - capped)
		all = append(all, fmt.Sprintf("total budget %.2f exceeds episode cap %v by %.2f; stored total capped",
			total, n.collectionCap, col.BudgetOverage))
		total = capped
	}
	col.TotalBudgetImpact = total
	col.Warnings = dedupeStrings(all)
	return col
}

func roundMoney(v float64) float64 {
	return math.Round(v*100) / 100
}

// floorMoney returns the largest whole-cent amount not above v, so a clamped
// value stays within its cap and survives roundMoney unchanged.
func floorMoney(v float64) float64 {
	c := math.Floor(v*100+1e-6) / 100
	for c > v {
		c = (math.Round(c*100) - 1) / 100
	}
	return c
}

func firstString(fields map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := fields[k]; ok {
			if s := stringValue(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func listOf(fields map[string]interface{}, keys ...string) []string {
	v, ok := lookup(fields, keys...)
	if !ok {
		return nil
	}
	return stringList(v)
}

// stringList accepts a list of scalars or a single scalar.
func stringList(v interface{}) []string {
	switch t := v.(type) {
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, el := range t {
			if s := stringValue(el); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		if s := stringValue(v); s != "" {
			return []string{s}
		}
	}
	return nil
}

func notesOf(fields map[string]interface{}) string {
	v, ok := lookup(fields, "notes", "note", "comments")
	if !ok {
		return ""
	}
	return strings.Join(stringList(v), "; ")
}

// dedupeStrings trims, drops empties and keeps first occurrences. The result
// is never nil.
func dedupeStrings(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
