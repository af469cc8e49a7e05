package breakdown

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/SceneBreakdown/internal/models"
)

func TestSegmentBuildsUnitsInOrder(t *testing.T) {
	doc := &models.ScriptDocument{Pages: []models.ScriptPage{
		{PageNumber: 1, Elements: []models.ScriptElement{
			{Type: models.ElementAction, Text: "COLD OPEN"},
			{Type: models.ElementHeading, Text: "1. INT. KITCHEN - NIGHT", SceneNumber: num(1)},
			{Type: models.ElementCharacter, Text: "ANNA"},
			{Type: models.ElementDialogue, Text: "Hi."},
			{Type: models.ElementCharacter, Text: "BEN (V.O.)"},
			{Type: models.ElementParenthetical, Text: "(quietly)"},
			{Type: models.ElementDialogue, Text: "Hello."},
			{Type: models.ElementHeading, Text: "EXT. STREET - DAY"},
		}},
		{Elements: []models.ScriptElement{
			{Type: models.ElementHeading, Text: "2. EXT. ROOF - DAY", SceneNumber: num(2)},
			{Type: models.ElementAction, Text: "Wind."},
			{Type: models.ElementHeading, Text: "1. INT. KITCHEN - NIGHT", SceneNumber: num(1)},
		}},
	}}

	seg := Segment(doc)
	require.Equal(t, []int{1, 2}, seg.SceneNumbers())
	assert.Equal(t, 2, seg.UntaggedElements)
	assert.Len(t, seg.Diagnostics, 2)

	first := seg.Scenes[0]
	assert.Equal(t, "1. INT. KITCHEN - NIGHT", first.Heading)
	assert.Equal(t, map[string]int{"ANNA": 1, "BEN": 1}, first.DialogueLines)
	assert.Contains(t, first.Content, "EXT. STREET - DAY")
	assert.Equal(t, 1, first.PageStart)

	second := seg.Scenes[1]
	assert.Equal(t, 2, second.PageStart)
	assert.Equal(t, 2, second.PageEnd)
	assert.Equal(t, "Wind.\n1. INT. KITCHEN - NIGHT", second.Content)
}

func TestSegmentSortsOutOfOrderNumbers(t *testing.T) {
	doc := &models.ScriptDocument{Pages: []models.ScriptPage{{Elements: []models.ScriptElement{
		{Type: models.ElementHeading, Text: "3. INT. HALL - DAY", SceneNumber: num(3)},
		{Type: models.ElementHeading, Text: "2. INT. LOBBY - DAY", SceneNumber: num(2)},
	}}}}

	seg := Segment(doc)
	assert.Equal(t, []int{2, 3}, seg.SceneNumbers())
	require.Len(t, seg.Diagnostics, 1)
	assert.Contains(t, seg.Diagnostics[0], "out of order")
}

func TestSegmentEmptyDocument(t *testing.T) {
	seg := Segment(&models.ScriptDocument{})
	assert.Empty(t, seg.Scenes)
	assert.Zero(t, seg.UntaggedElements)

	assert.Empty(t, Segment(nil).Scenes)
}

func TestParseHeading(t *testing.T) {
	cases := []struct {
		heading  string
		location string
		tod      models.TimeOfDay
		hasTime  bool
	}{
		{"12. INT. KITCHEN - NIGHT", "KITCHEN", models.TimeNight, true},
		{"EXT. ROOF -- DUSK", "ROOF", models.TimeSunset, true},
		{"INT./EXT. CAR – MAGIC HOUR", "CAR", models.TimeMagicHour, true},
		{"INT. HALL - NIGHT - CONTINUOUS", "HALL", models.TimeNight, true},
		{"内景 厨房 夜", "厨房", models.TimeNight, true},
		{"INT. WAREHOUSE", "WAREHOUSE", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.heading, func(t *testing.T) {
			got := parseHeading(tc.heading)
			assert.Equal(t, tc.location, got.Location)
			assert.Equal(t, tc.hasTime, got.HasTime)
			if tc.hasTime {
				assert.Equal(t, tc.tod, got.TimeOfDay)
			}
		})
	}
}
