// internal/breakdown/segmenter.go
package breakdown

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Corphon/SceneBreakdown/internal/models"
)

// Segmentation is the segmenter output. UntaggedElements counts elements
// that could not be attributed to a numbered scene heading; a non-zero value
// signals segmentation drift upstream.
type Segmentation struct {
	Scenes           []models.SceneUnit
	UntaggedElements int
	Diagnostics      []string
}

// SceneNumbers returns the scene numbers in order.
func (s Segmentation) SceneNumbers() []int {
	out := make([]int, len(s.Scenes))
	for i, u := range s.Scenes {
		out[i] = u.SceneNumber
	}
	return out
}

type sceneBuilder struct {
	unit    models.SceneUnit
	content []string
	speaker string // 最近一次的角色提示，等待对白
}

func (b *sceneBuilder) add(el models.ScriptElement, page int) {
	text := strings.TrimSpace(el.Text)
	if text != "" {
		b.content = append(b.content, text)
	}
	if page > b.unit.PageEnd {
		b.unit.PageEnd = page
	}

	switch el.Type {
	case models.ElementCharacter:
		b.speaker = speakerName(text)
	case models.ElementParenthetical:
		// 括号提示不打断角色与对白的关联
	case models.ElementDialogue:
		if b.speaker != "" {
			if b.unit.DialogueLines == nil {
				b.unit.DialogueLines = make(map[string]int)
			}
			b.unit.DialogueLines[b.speaker]++
			b.speaker = ""
		}
	default:
		b.speaker = ""
	}
}

func (b *sceneBuilder) build() models.SceneUnit {
	u := b.unit
	u.Content = strings.Join(b.content, "\n")
	return u
}

// speakerName strips cue extensions such as "(V.O.)" or "(CONT'D)".
func speakerName(cue string) string {
	if i := strings.IndexAny(cue, "(（"); i >= 0 {
		cue = cue[:i]
	}
	return strings.ToUpper(strings.TrimSpace(cue))
}

// Segment partitions a script into scene units. It never fails: problems are
// reported through UntaggedElements and Diagnostics.
func Segment(doc *models.ScriptDocument) Segmentation {
	var seg Segmentation
	if doc == nil {
		return seg
	}

	var (
		current *sceneBuilder
		built   []*sceneBuilder
		seen    = make(map[int]bool)
	)

	for pageIdx, page := range doc.Pages {
		pageNo := page.PageNumber
		if pageNo <= 0 {
			pageNo = pageIdx + 1
		}

		for _, el := range page.Elements {
			if !el.IsHeading() {
				if current == nil {
					seg.UntaggedElements++
					continue
				}
				current.add(el, pageNo)
				continue
			}

			heading := strings.TrimSpace(el.Text)

			// 无编号的场景标题：记为未标记，文本并入上一场景
			if el.SceneNumber == nil || *el.SceneNumber <= 0 {
				seg.UntaggedElements++
				seg.Diagnostics = append(seg.Diagnostics,
					fmt.Sprintf("page %d: scene heading %q has no scene number", pageNo, heading))
				if current != nil {
					current.add(models.ScriptElement{Type: models.ElementAction, Text: heading}, pageNo)
				}
				continue
			}

			num := *el.SceneNumber
			if seen[num] {
				if current != nil && current.unit.SceneNumber != num {
					seg.Diagnostics = append(seg.Diagnostics,
						fmt.Sprintf("page %d: scene %d heading repeated after scene %d; attached to scene %d",
							pageNo, num, current.unit.SceneNumber, current.unit.SceneNumber))
				}
				if current != nil {
					current.add(models.ScriptElement{Type: models.ElementAction, Text: heading}, pageNo)
				}
				continue
			}

			if current != nil && num < current.unit.SceneNumber {
				seg.Diagnostics = append(seg.Diagnostics,
					fmt.Sprintf("page %d: scene %d follows scene %d (numbering out of order)",
						pageNo, num, current.unit.SceneNumber))
			}

			seen[num] = true
			current = &sceneBuilder{unit: models.SceneUnit{
				SceneNumber: num,
				Heading:     heading,
				PageStart:   pageNo,
				PageEnd:     pageNo,
			}}
			built = append(built, current)
		}
	}

	seg.Scenes = make([]models.SceneUnit, 0, len(built))
	for _, b := range built {
		seg.Scenes = append(seg.Scenes, b.build())
	}
	sort.SliceStable(seg.Scenes, func(i, j int) bool {
		return seg.Scenes[i].SceneNumber < seg.Scenes[j].SceneNumber
	})
	return seg
}
