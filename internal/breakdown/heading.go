// internal/breakdown/heading.go
package breakdown

import (
	"regexp"
	"strings"

	"github.com/Corphon/SceneBreakdown/internal/models"
)

// 时间段同义词（键为大写、空格分隔）
var timeOfDaySynonyms = map[string]models.TimeOfDay{
	"DAY":          models.TimeDay,
	"DAYTIME":      models.TimeDay,
	"MORNING":      models.TimeDay,
	"AFTERNOON":    models.TimeDay,
	"NOON":         models.TimeDay,
	"MIDDAY":       models.TimeDay,
	"日":            models.TimeDay,
	"白天":           models.TimeDay,
	"NIGHT":        models.TimeNight,
	"NIGHTTIME":    models.TimeNight,
	"EVENING":      models.TimeNight,
	"MIDNIGHT":     models.TimeNight,
	"LATE NIGHT":   models.TimeNight,
	"夜":            models.TimeNight,
	"夜晚":           models.TimeNight,
	"SUNRISE":      models.TimeSunrise,
	"DAWN":         models.TimeSunrise,
	"EARLY MORNING": models.TimeSunrise,
	"FIRST LIGHT":  models.TimeSunrise,
	"清晨":           models.TimeSunrise,
	"黎明":           models.TimeSunrise,
	"SUNSET":       models.TimeSunset,
	"DUSK":         models.TimeSunset,
	"TWILIGHT":     models.TimeSunset,
	"黄昏":           models.TimeSunset,
	"傍晚":           models.TimeSunset,
	"MAGIC HOUR":   models.TimeMagicHour,
	"GOLDEN HOUR":  models.TimeMagicHour,
	"BLUE HOUR":    models.TimeMagicHour,
}

func canonicalKey(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// lookupTimeOfDay maps free text to the closed enumeration.
func lookupTimeOfDay(s string) (models.TimeOfDay, bool) {
	tod, ok := timeOfDaySynonyms[canonicalKey(s)]
	return tod, ok
}

var (
	headingNumberPrefix = regexp.MustCompile(`^\s*(?:\d+[A-Za-z]?\s*[.):]?\s+)`)
	headingIntExtPrefix = regexp.MustCompile(`(?i)^\s*(?:INT\.?\s*/\s*EXT\.?|EXT\.?\s*/\s*INT\.?|I\s*/\s*E\.?|INT\.|EXT\.|INT\s|EXT\s|内景|外景|内/外景)\s*`)
	headingSeparator    = regexp.MustCompile(`\s+-+\s+|\s*[–—]+\s*|\s*-{2,}\s*|\s*[|｜]\s*`)
)

// parsedHeading is what keyword matching can recover from a scene heading.
type parsedHeading struct {
	Location  string
	TimeOfDay models.TimeOfDay
	HasTime   bool
}

// parseHeading splits "12. INT. KITCHEN - NIGHT" into location and time of
// day. Unknown trailing segments ("CONTINUOUS", "LATER") are kept in the
// location only when no time keyword was found.
func parseHeading(heading string) parsedHeading {
	h := headingNumberPrefix.ReplaceAllString(heading, "")
	h = headingIntExtPrefix.ReplaceAllString(h, "")
	h = strings.TrimSpace(h)

	var out parsedHeading
	parts := headingSeparator.Split(h, -1)

	// 从后往前找时间关键字
	for i := len(parts) - 1; i >= 0 && i >= len(parts)-2; i-- {
		if tod, ok := lookupTimeOfDay(parts[i]); ok {
			out.TimeOfDay, out.HasTime = tod, true
			parts = parts[:i]
			break
		}
	}
	if !out.HasTime {
		// 中文标题常用空格分隔："内景 厨房 夜"
		fields := strings.Fields(h)
		if n := len(fields); n > 1 {
			if tod, ok := lookupTimeOfDay(fields[n-1]); ok {
				out.TimeOfDay, out.HasTime = tod, true
				parts = []string{strings.Join(fields[:n-1], " ")}
			}
		}
	}

	locParts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			locParts = append(locParts, p)
		}
	}
	out.Location = strings.Join(locParts, " - ")
	return out
}
