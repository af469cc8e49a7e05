// internal/breakdown/assembler.go
package breakdown

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/Corphon/SceneBreakdown/internal/models"
)

const truncationMarker = " …[truncated]"

// Constraints are the hard numeric limits stated in every brief.
type Constraints struct {
	ExpectedCount int
	FirstScene    int
	LastScene     int
	SceneNumbers  []int
	Contiguous    bool
	PerUnitCap    float64
	CollectionCap float64
	MaxSceneChars int
}

// NewConstraints derives the constraints for a set of scene units.
func NewConstraints(scenes []models.SceneUnit, opts Options) Constraints {
	c := Constraints{
		ExpectedCount: len(scenes),
		PerUnitCap:    opts.PerUnitCap,
		CollectionCap: opts.CollectionCap,
		MaxSceneChars: opts.MaxSceneChars,
		Contiguous:    true,
	}
	c.SceneNumbers = make([]int, len(scenes))
	for i, s := range scenes {
		c.SceneNumbers[i] = s.SceneNumber
		if i > 0 && s.SceneNumber != scenes[i-1].SceneNumber+1 {
			c.Contiguous = false
		}
	}
	if len(scenes) > 0 {
		c.FirstScene = scenes[0].SceneNumber
		c.LastScene = scenes[len(scenes)-1].SceneNumber
	}
	return c
}

// Brief is the assembled prompt pair plus the constraints it encodes.
type Brief struct {
	System      string
	User        string
	Constraints Constraints
}

const systemPrompt = `You are a film production coordinator producing scene breakdowns.
Respond with a JSON array only: no markdown, no commentary.
Each array element describes exactly one scene and has these fields:
  sceneNumber (integer, must match the script), title, location,
  timeOfDay (one of DAY, NIGHT, SUNRISE, SUNSET, MAGIC_HOUR),
  estimatedDurationMinutes (integer >= 1),
  cast: [{name, lineCount (integer), importance (lead | supporting | background)}],
  materials: [{item, importance (hero | secondary | background), source (buy | rent | borrow | owned), cost (number)}],
  specialRequirements: [string],
  budgetImpact (number),
  budgetBreakdown: {cast, materials, locations, equipment, other} (numbers summing to budgetImpact),
  notes (string).
Never invent scenes and never merge or skip scenes.`

// AssembleBrief builds the primary brief for the full scene list.
func AssembleBrief(series models.SeriesContext, scenes []models.SceneUnit, c Constraints) Brief {
	var b strings.Builder
	writeSeries(&b, series)
	writeConstraints(&b, c)
	writeScenes(&b, scenes, c.MaxSceneChars)
	return Brief{System: systemPrompt, User: b.String(), Constraints: c}
}

// AssembleBackfillBrief builds the reduced brief covering only the missing
// scenes. Budget ceilings are carried over unchanged.
func AssembleBackfillBrief(series models.SeriesContext, missing []models.SceneUnit, c Constraints) Brief {
	reduced := NewConstraints(missing, Options{
		PerUnitCap:    c.PerUnitCap,
		CollectionCap: c.CollectionCap,
		MaxSceneChars: c.MaxSceneChars,
	})

	var b strings.Builder
	b.WriteString("A previous response omitted some scenes. Produce breakdowns for these scenes only.\n\n")
	writeSeries(&b, series)
	writeConstraints(&b, reduced)
	writeScenes(&b, missing, reduced.MaxSceneChars)
	return Brief{System: systemPrompt, User: b.String(), Constraints: reduced}
}

func writeSeries(b *strings.Builder, s models.SeriesContext) {
	b.WriteString("## Series context\n")
	writeField(b, "Series", s.SeriesTitle)
	writeField(b, "Episode", s.EpisodeTitle)
	writeField(b, "Genre", s.Genre)
	writeField(b, "Logline", s.Logline)
	if len(s.WorldRules) > 0 {
		b.WriteString("World rules:\n")
		for _, r := range s.WorldRules {
			fmt.Fprintf(b, "- %s\n", r)
		}
	}
	if len(s.PrincipalCast) > 0 {
		b.WriteString("Principal cast:\n")
		for _, c := range s.PrincipalCast {
			if c.Description != "" {
				fmt.Fprintf(b, "- %s: %s\n", c.Name, c.Description)
			} else {
				fmt.Fprintf(b, "- %s\n", c.Name)
			}
		}
	}
	b.WriteString("\n")
}

func writeField(b *strings.Builder, label, value string) {
	if strings.TrimSpace(value) != "" {
		fmt.Fprintf(b, "%s: %s\n", label, value)
	}
}

func writeConstraints(b *strings.Builder, c Constraints) {
	b.WriteString("## Constraints\n")
	fmt.Fprintf(b, "- Return exactly %d scene objects, one per scene number.\n", c.ExpectedCount)
	if c.ExpectedCount > 0 {
		fmt.Fprintf(b, "- Scene numbers run from %d to %d inclusive.\n", c.FirstScene, c.LastScene)
	}
	if !c.Contiguous {
		fmt.Fprintf(b, "- Numbering is not contiguous; the only valid scene numbers are: %s.\n", joinInts(c.SceneNumbers))
	}
	fmt.Fprintf(b, "- budgetImpact per scene must not exceed %s.\n", formatMoney(c.PerUnitCap))
	fmt.Fprintf(b, "- The sum of budgetImpact across all scenes must not exceed %s.\n", formatMoney(c.CollectionCap))
	b.WriteString("- timeOfDay: DAY | NIGHT | SUNRISE | SUNSET | MAGIC_HOUR\n")
	b.WriteString("- cast importance: lead | supporting | background\n")
	b.WriteString("- material importance: hero | secondary | background; source: buy | rent | borrow | owned\n\n")
}

func writeScenes(b *strings.Builder, scenes []models.SceneUnit, maxChars int) {
	b.WriteString("## Scenes\n")
	for _, s := range scenes {
		fmt.Fprintf(b, "### Scene %d (pages %d-%d)\n%s\n", s.SceneNumber, s.PageStart, s.PageEnd, s.Heading)
		if content := truncateRunes(s.Content, maxChars); content != "" {
			b.WriteString(content)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
}

// truncateRunes bounds s to max runes; max <= 0 disables the bound.
func truncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + truncationMarker
}

func joinInts(nums []int) string {
	parts := make([]string, len(nums))
	for i, n := range nums {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ", ")
}

func formatMoney(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
