// internal/breakdown/candidate.go
package breakdown

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/Corphon/SceneBreakdown/internal/models"
)

// Candidate is a pre-normalisation breakdown: either a RecoveredCandidate
// built from provider output or a SynthesizedCandidate built from script
// text alone. Only the Normalizer turns a Candidate into a BreakdownRecord.
type Candidate interface {
	SceneNumber() int
	Provenance() models.Provenance
	isCandidate()
}

// RecoveredCandidate wraps an untrusted provider object.
type RecoveredCandidate struct {
	Scene     int
	Fields    map[string]interface{}
	Stage     RecoveryStage
	Backfill  bool
	Truncated bool
}

func (c RecoveredCandidate) SceneNumber() int { return c.Scene }

func (c RecoveredCandidate) Provenance() models.Provenance {
	if c.Stage.Recovered() {
		return models.ProvenanceRecovered
	}
	return models.ProvenanceParsed
}

func (RecoveredCandidate) isCandidate() {}

// SynthesizedCandidate is the deterministic fallback for a scene the provider
// never described.
type SynthesizedCandidate struct {
	Scene           int
	Title           string
	Location        string
	TimeOfDay       models.TimeOfDay
	Cast            []models.CastMember
	DurationMinutes int
	Budget          float64
	Reason          string
}

func (c SynthesizedCandidate) SceneNumber() int { return c.Scene }

func (SynthesizedCandidate) Provenance() models.Provenance { return models.ProvenanceSynthesized }

func (SynthesizedCandidate) isCandidate() {}

// SceneNumberOf reads the scene number from a provider object, accepting
// the known key spellings and numeric strings such as "3" or "Scene 3".
func SceneNumberOf(fields map[string]interface{}) (int, bool) {
	for _, key := range sceneNumberKeys {
		v, ok := fields[key]
		if !ok {
			continue
		}
		if n, ok := intValue(v); ok && n > 0 {
			return n, true
		}
	}
	return 0, false
}

func intValue(v interface{}) (int, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		s = strings.TrimLeft(s, "#")
		lower := strings.ToLower(s)
		for _, prefix := range []string{"scene", "sc.", "sc", "场景", "第"} {
			if strings.HasPrefix(lower, prefix) {
				s = strings.TrimSpace(s[len(prefix):])
				break
			}
		}
		end := 0
		for end < len(s) && s[end] >= '0' && s[end] <= '9' {
			end++
		}
		if end == 0 {
			return 0, false
		}
		n, err := strconv.Atoi(s[:end])
		return n, err == nil
	default:
		f, ok := numberValue(v)
		if !ok || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
			return 0, false
		}
		return int(f), true
	}
}

// numberValue accepts JSON numbers and numeric strings ("1,200.50", "$300").
func numberValue(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		s := strings.TrimSpace(t)
		s = strings.NewReplacer("$", "", "¥", "", "￥", "", "€", "", "£", "", ",", "", " ", "").Replace(s)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// stringValue renders scalar values as text; containers yield "".
func stringValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

// lookup returns the first present key.
func lookup(fields map[string]interface{}, keys ...string) (interface{}, bool) {
	for _, k := range keys {
		if v, ok := fields[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}
