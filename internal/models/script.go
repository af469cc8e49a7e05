// internal/models/script.go
package models

// ElementType 剧本元素类型
type ElementType string

const (
	ElementHeading       ElementType = "heading"
	ElementAction        ElementType = "action"
	ElementCharacter     ElementType = "character"
	ElementDialogue      ElementType = "dialogue"
	ElementParenthetical ElementType = "parenthetical"
	ElementTransition    ElementType = "transition"
)

// ScriptDocument is the machine-authored script handed over by the
// script-generation step: an ordered list of pages.
type ScriptDocument struct {
	ID    string       `json:"id,omitempty" yaml:"id,omitempty"`
	Title string       `json:"title,omitempty" yaml:"title,omitempty"`
	Pages []ScriptPage `json:"pages" yaml:"pages"`
}

// ScriptPage 一页剧本。PageNumber 为 0 时按文档中的位置编号（从1开始）
type ScriptPage struct {
	PageNumber int             `json:"pageNumber,omitempty" yaml:"pageNumber,omitempty"`
	Elements   []ScriptElement `json:"elements" yaml:"elements"`
}

// ScriptElement 剧本中的单个元素。只有 heading 元素会携带场景编号
type ScriptElement struct {
	Type        ElementType `json:"type" yaml:"type"`
	Text        string      `json:"text" yaml:"text"`
	SceneNumber *int        `json:"sceneNumber,omitempty" yaml:"sceneNumber,omitempty"`
}

// IsHeading reports whether the element is a scene heading.
func (e ScriptElement) IsHeading() bool {
	return e.Type == ElementHeading
}

// ElementCount returns the number of elements across all pages.
func (d *ScriptDocument) ElementCount() int {
	if d == nil {
		return 0
	}
	n := 0
	for _, p := range d.Pages {
		n += len(p.Elements)
	}
	return n
}

// SceneUnit is a contiguous, scene-numbered span of a script document.
// It is produced by the segmenter and never mutated afterwards.
type SceneUnit struct {
	SceneNumber int    `json:"sceneNumber"`
	Heading     string `json:"heading"`
	Content     string `json:"content"`
	PageStart   int    `json:"pageStart"`
	PageEnd     int    `json:"pageEnd"`

	// DialogueLines counts dialogue blocks per speaking character.
	DialogueLines map[string]int `json:"dialogueLines,omitempty"`
}

// CastProfile 系列主要角色
type CastProfile struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// SeriesContext carries the series/episode metadata merged into the brief.
type SeriesContext struct {
	SeriesTitle   string        `json:"seriesTitle,omitempty" yaml:"seriesTitle,omitempty"`
	EpisodeTitle  string        `json:"episodeTitle,omitempty" yaml:"episodeTitle,omitempty"`
	Genre         string        `json:"genre,omitempty" yaml:"genre,omitempty"`
	Logline       string        `json:"logline,omitempty" yaml:"logline,omitempty"`
	WorldRules    []string      `json:"worldRules,omitempty" yaml:"worldRules,omitempty"`
	PrincipalCast []CastProfile `json:"principalCast,omitempty" yaml:"principalCast,omitempty"`
}
