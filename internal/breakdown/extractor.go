// internal/breakdown/extractor.go
package breakdown

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	apperrors "github.com/Corphon/SceneBreakdown/internal/errors"
)

// RecoveryStage identifies which extraction stage produced an object.
type RecoveryStage int

const (
	StageDirect RecoveryStage = iota + 1
	StageBracketSlice
	StageStringRepair
	StageBalanceRepair
	StageFragmentScan
)

func (s RecoveryStage) String() string {
	switch s {
	case StageDirect:
		return "direct"
	case StageBracketSlice:
		return "bracket-slice"
	case StageStringRepair:
		return "string-repair"
	case StageBalanceRepair:
		return "balance-repair"
	case StageFragmentScan:
		return "fragment-scan"
	default:
		return "unknown"
	}
}

// Recovered reports whether the stage had to rewrite the provider text.
func (s RecoveryStage) Recovered() bool {
	return s >= StageStringRepair
}

// RawObject is one candidate object as found in provider output. Numbers are
// kept as json.Number.
type RawObject struct {
	Fields    map[string]interface{}
	Stage     RecoveryStage
	Recovered bool
	// Truncated marks an object the provider never finished; repair closed
	// it, so its trailing values may be cut short.
	Truncated bool
}

// Extraction is the extractor result.
type Extraction struct {
	Objects []RawObject
	Stage   RecoveryStage
}

// RecoveredCount returns how many objects needed repair.
func (e *Extraction) RecoveredCount() int {
	n := 0
	for _, o := range e.Objects {
		if o.Recovered {
			n++
		}
	}
	return n
}

// 包装数组常用的字段名，按优先级
var wrapperKeys = []string{"scenes", "records", "breakdowns", "breakdown", "items", "data", "results"}

// sceneNumberKeys are the accepted spellings of the scene number field.
var sceneNumberKeys = []string{"sceneNumber", "scene_number", "sceneNo", "scene_no", "scene"}

// Extract turns raw provider text into candidate objects. Stages run in
// order and the first that yields an accepted shape wins. It fails with an
// UnrecoverableOutput error only when every stage, including the fragment
// scan, finds nothing.
func Extract(raw string) (*Extraction, error) {
	cleaned := stripNoise(raw)

	// 1. 去掉包装后直接解析
	if objs, ok := parseShapes(cleaned); ok {
		return newExtraction(objs, StageDirect), nil
	}

	// 2. 截取第一个 [ 到最后一个 ] 之间的内容
	if objs, ok := parseShapes(bracketSlice(cleaned, '[', ']')); ok {
		return newExtraction(objs, StageBracketSlice), nil
	}
	// 仅当最外层是对象时才尝试 {...}，否则截断数组会只剩第一个对象
	if i := strings.IndexAny(cleaned, "[{"); i >= 0 && cleaned[i] == '{' {
		if objs, ok := parseShapes(bracketSlice(cleaned, '{', '}')); ok {
			return newExtraction(objs, StageBracketSlice), nil
		}
	}

	// 3. 字符串内的换行/控制字符转义，全角符号与弯引号规范化
	repaired := dropTrailingCommas(escapeStringLiterals(cleaned))
	if objs, ok := parseShapes(repaired); ok {
		return newExtraction(objs, StageStringRepair), nil
	}
	if objs, ok := parseShapes(bracketSlice(repaired, '[', ']')); ok {
		return newExtraction(objs, StageStringRepair), nil
	}

	// 4. 括号平衡修复（截断输出）
	body := fromFirstOpener(repaired)
	if body != "" {
		trimmed := trimDangling(body)
		stack := scanStructure(trimmed).stack
		if objs, ok := parseShapes(dropTrailingCommas(trimmed + closersFor(stack))); ok {
			ex := newExtraction(objs, StageBalanceRepair)
			if n := len(ex.Objects); n > 0 && elementLeftOpen(stack) {
				ex.Objects[n-1].Truncated = true
			}
			return ex, nil
		}
		if cut, ok := truncateToLastComplete(body); ok {
			if objs, ok := parseShapes(dropTrailingCommas(cut)); ok {
				return newExtraction(objs, StageBalanceRepair), nil
			}
		}
	}

	// 5. 按场景编号字段逐个提取对象片段
	var objs []map[string]interface{}
	var truncated []bool
	for _, frag := range objectFragments(repaired) {
		closed := false
		obj, ok := decodeObject(frag)
		if !ok {
			obj, ok = decodeObject(dropTrailingCommas(repairBalance(frag)))
			closed = true
		}
		if ok {
			if _, has := SceneNumberOf(obj); has {
				objs = append(objs, obj)
				truncated = append(truncated, closed)
			}
		}
	}
	if len(objs) > 0 {
		ex := newExtraction(objs, StageFragmentScan)
		for i := range ex.Objects {
			ex.Objects[i].Truncated = truncated[i]
		}
		return ex, nil
	}

	return nil, apperrors.NewUnrecoverableOutputError(
		fmt.Sprintf("no recoverable breakdown objects in provider output (%d bytes)", len(raw)), nil)
}

func newExtraction(objs []map[string]interface{}, stage RecoveryStage) *Extraction {
	ex := &Extraction{Stage: stage, Objects: make([]RawObject, 0, len(objs))}
	for _, o := range objs {
		ex.Objects = append(ex.Objects, RawObject{Fields: o, Stage: stage, Recovered: stage.Recovered()})
	}
	return ex
}

func bracketSlice(s string, open, close byte) string {
	start := strings.IndexByte(s, open)
	end := strings.LastIndexByte(s, close)
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func fromFirstOpener(s string) string {
	start := strings.IndexAny(s, "[{")
	if start < 0 {
		return ""
	}
	return s[start:]
}

// decodeJSON decodes exactly one JSON value, keeping numbers as json.Number.
func decodeJSON(s string) (interface{}, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty input")
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after JSON value")
	}
	return v, nil
}

func decodeObject(s string) (map[string]interface{}, bool) {
	v, err := decodeJSON(s)
	if err != nil {
		return nil, false
	}
	m, ok := v.(map[string]interface{})
	return m, ok
}

// parseShapes accepts an array of objects, an object wrapping such an array,
// or a single scene object.
func parseShapes(s string) ([]map[string]interface{}, bool) {
	v, err := decodeJSON(s)
	if err != nil {
		return nil, false
	}
	return shapeObjects(v, 0)
}

func shapeObjects(v interface{}, depth int) ([]map[string]interface{}, bool) {
	switch t := v.(type) {
	case []interface{}:
		return objectArray(t)
	case map[string]interface{}:
		if _, ok := SceneNumberOf(t); ok {
			return []map[string]interface{}{t}, true
		}
		if depth > 1 {
			return nil, false
		}
		for _, key := range wrapperOrder(t) {
			switch inner := t[key].(type) {
			case []interface{}:
				// 非常见包装字段只接受非空对象数组
				if objs, ok := objectArray(inner); ok && (len(objs) > 0 || isWrapperKey(key)) {
					return objs, true
				}
			case map[string]interface{}:
				if objs, ok := shapeObjects(inner, depth+1); ok {
					return objs, true
				}
			}
		}
	}
	return nil, false
}

// objectArray accepts arrays whose elements are objects; an empty array is
// a valid (if useless) answer.
func objectArray(arr []interface{}) ([]map[string]interface{}, bool) {
	out := make([]map[string]interface{}, 0, len(arr))
	for _, el := range arr {
		if m, ok := el.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	if len(arr) > 0 && len(out) == 0 {
		return nil, false
	}
	return out, true
}

func isWrapperKey(key string) bool {
	for _, k := range wrapperKeys {
		if k == key {
			return true
		}
	}
	return false
}

// wrapperOrder lists the preferred wrapper keys first, then the rest sorted.
func wrapperOrder(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	seen := make(map[string]bool, len(m))
	for _, k := range wrapperKeys {
		if _, ok := m[k]; ok {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	rest := make([]string, 0, len(m))
	for k := range m {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}
