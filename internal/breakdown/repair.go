// internal/breakdown/repair.go
package breakdown

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// 清理模型输出中常见的噪声字符
var jsonNoiseReplacer = strings.NewReplacer(
	"\ufeff", "",
	"\u00a0", " ",
	"\u2028", "\n",
	"\u2029", "\n",
)

// 字符串外的全角结构符号
var structuralPunctuationMap = map[rune]rune{
	'：': ':',
	'﹕': ':',
	'，': ',',
	'﹐': ',',
	'【': '[',
	'】': ']',
	'［': '[',
	'］': ']',
	'｛': '{',
	'｝': '}',
}

// 字符串外出现的引号 → 对应的闭合引号
var quotePairs = map[rune]rune{
	'“': '”',
	'”': '”',
	'„': '”',
	'‟': '”',
	'「': '」',
	'『': '』',
	'＂': '＂',
}

// stripNoise removes wrapper markers: the first fenced block is unwrapped,
// then BOM, zero-width and stray control characters are dropped.
func stripNoise(s string) string {
	s = unwrapFence(s)
	s = stripFenceMarkers(s)
	s = jsonNoiseReplacer.Replace(s)
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff':
			return -1
		}
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// unwrapFence returns the body of the first fenced block that looks like
// JSON. An unterminated fence (truncated output) yields everything after it.
func unwrapFence(s string) string {
	rest := s
	for {
		open := indexOutsideStrings(rest, "```")
		if open < 0 {
			return s
		}
		body := rest[open+3:]
		// 跳过语言标记
		if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.ContainsAny(body[:nl], "[{") {
			body = body[nl+1:]
		}
		end := indexOutsideStrings(body, "```")
		if end < 0 {
			end = strings.Index(body, "```")
		}
		if end < 0 {
			return body
		}
		if strings.ContainsAny(body[:end], "[{") {
			return body[:end]
		}
		rest = body[end+3:]
	}
}

// stripFenceMarkers drops leftover ``` markers (and their language tag) that
// sit outside string literals. Fences quoted inside a value are kept.
func stripFenceMarkers(s string) string {
	for {
		i := indexOutsideStrings(s, "```")
		if i < 0 {
			return s
		}
		j := i + 3
		for _, tag := range []string{"json", "JSON"} {
			if strings.HasPrefix(s[j:], tag) {
				j += len(tag)
				break
			}
		}
		s = s[:i] + s[j:]
	}
}

// indexOutsideStrings is strings.Index that ignores matches inside JSON
// string literals.
func indexOutsideStrings(s, sub string) int {
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			continue
		}
		if strings.HasPrefix(s[i:], sub) {
			return i
		}
	}
	return -1
}

// escapeStringLiterals is the pre-pass repair: literal control characters
// inside string literals are escaped, and outside strings full-width
// structural punctuation and typographic quotes are replaced by their ASCII
// forms.
func escapeStringLiterals(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 16)

	inString := false
	escaped := false
	closing := '"'

	for _, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
				b.WriteRune(r)
			case r == '\\':
				escaped = true
				b.WriteRune(r)
			case r == closing || r == '"':
				inString = false
				b.WriteByte('"')
			case r == '\n':
				b.WriteString(`\n`)
			case r == '\r':
				b.WriteString(`\r`)
			case r == '\t':
				b.WriteString(`\t`)
			case r < 0x20:
				fmt.Fprintf(&b, `\u%04x`, r)
			default:
				b.WriteRune(r)
			}
			continue
		}

		if repl, ok := structuralPunctuationMap[r]; ok {
			b.WriteRune(repl)
			continue
		}
		if c, ok := quotePairs[r]; ok {
			inString = true
			closing = c
			b.WriteByte('"')
			continue
		}
		if r == '"' {
			inString = true
			closing = '"'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// dropTrailingCommas removes commas directly followed by a closer.
func dropTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			b.WriteByte(c)
			continue
		}
		if c == '"' {
			inString = true
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && isJSONSpace(s[j]) {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isJSONSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t'
}

// cutPoint is a position right after a complete array element object,
// together with the open containers at that point.
type cutPoint struct {
	pos   int
	stack []byte
}

// scanState is the result of a string-aware structural scan.
type scanState struct {
	stack    []byte
	inString bool
	escaped  bool

	// 当前未闭合的字符串
	strStart int
	strIsKey bool

	// 最近一个已闭合的字符串
	lastStrStart int
	lastStrEnd   int
	lastStrIsKey bool

	cuts []cutPoint
}

func scanStructure(s string) scanState {
	st := scanState{lastStrStart: -1, lastStrEnd: -1}
	var lastSig byte

	for i := 0; i < len(s); i++ {
		c := s[i]
		if st.inString {
			switch {
			case st.escaped:
				st.escaped = false
			case c == '\\':
				st.escaped = true
			case c == '"':
				st.inString = false
				st.lastStrStart, st.lastStrEnd, st.lastStrIsKey = st.strStart, i, st.strIsKey
				lastSig = '"'
			}
			continue
		}

		switch c {
		case '"':
			st.inString = true
			st.strStart = i
			st.strIsKey = len(st.stack) > 0 && st.stack[len(st.stack)-1] == '{' && (lastSig == '{' || lastSig == ',')
		case '{', '[':
			st.stack = append(st.stack, c)
		case '}', ']':
			if n := len(st.stack); n > 0 {
				st.stack = st.stack[:n-1]
				if c == '}' && n-1 > 0 && st.stack[n-2] == '[' {
					st.cuts = append(st.cuts, cutPoint{pos: i + 1, stack: append([]byte(nil), st.stack...)})
				}
			}
		}
		if !isJSONSpace(c) {
			lastSig = c
		}
	}
	return st
}

func closersFor(stack []byte) string {
	var b strings.Builder
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}

func isLiteralByte(c byte) bool {
	return c == '.' || c == '+' || c == '-' ||
		(c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// fixLiteral completes or replaces a bare token cut off at end of input.
func fixLiteral(lit string) string {
	switch lit {
	case "true", "false", "null":
		return lit
	}
	for _, word := range []string{"true", "false", "null"} {
		if strings.HasPrefix(word, lit) {
			return "null"
		}
	}
	num := strings.TrimRight(lit, ".eE+-")
	if num == "" || num == "-" {
		return "null"
	}
	if _, err := strconv.ParseFloat(num, 64); err != nil {
		return "null"
	}
	return num
}

// repairBalance closes whatever the text left open: an unterminated string is
// closed (or dropped when it was an object key), a dangling comma or key is
// removed, a dangling colon gets null, and missing closers are appended in
// stack order.
func repairBalance(s string) string {
	t := trimDangling(s)
	return t + closersFor(scanStructure(t).stack)
}

// trimDangling is the first half of repairBalance: it fixes the tail of the
// text but leaves the containers open.
func trimDangling(s string) string {
	t := s
	for i := 0; i < 32; i++ {
		st := scanStructure(t)
		if st.inString {
			if st.strIsKey {
				t = t[:st.strStart]
				continue
			}
			if st.escaped {
				t = t[:len(t)-1]
			}
			t += `"`
			continue
		}

		trimmed := strings.TrimRightFunc(t, unicode.IsSpace)
		if trimmed == "" {
			return ""
		}
		last := trimmed[len(trimmed)-1]

		switch {
		case last == ',':
			t = trimmed[:len(trimmed)-1]
			continue
		case last == ':':
			t = trimmed + "null"
			continue
		case last == '"' && st.lastStrIsKey && st.lastStrEnd == len(trimmed)-1:
			t = trimmed[:st.lastStrStart]
			continue
		case (last == '{' || last == '[') && len(st.stack) > 1:
			prev := strings.TrimRightFunc(trimmed[:len(trimmed)-1], unicode.IsSpace)
			if prev != "" && (prev[len(prev)-1] == ',' || prev[len(prev)-1] == '[') {
				t = prev
				continue
			}
		case isLiteralByte(last):
			j := len(trimmed)
			for j > 0 && isLiteralByte(trimmed[j-1]) {
				j--
			}
			if fixed := fixLiteral(trimmed[j:]); fixed != trimmed[j:] {
				t = trimmed[:j] + fixed
				continue
			}
		}
		t = trimmed
		break
	}
	return t
}

// elementLeftOpen reports whether the last record object was still open in a
// truncated text with the given container stack. The first '[' is the record
// array; anything opened after it belongs to an unfinished element. Without
// an array the text is a single object.
func elementLeftOpen(stack []byte) bool {
	for i, c := range stack {
		if c == '[' {
			return i+1 < len(stack)
		}
	}
	return len(stack) > 0 && stack[0] == '{'
}

// truncateToLastComplete cuts the text after the last complete object inside
// an array and closes the remaining containers.
func truncateToLastComplete(s string) (string, bool) {
	st := scanStructure(s)
	if len(st.cuts) == 0 {
		return "", false
	}
	cut := st.cuts[len(st.cuts)-1]
	return s[:cut.pos] + closersFor(cut.stack), true
}

// sceneKeyPattern locates object fragments that carry a scene number.
var sceneKeyPattern = regexp.MustCompile(`"(?:sceneNumber|scene_number|sceneNo|scene_no|scene)"\s*:\s*"?\d`)

// objectFragments returns the innermost object around every scene-number
// key. Objects that never close run until the next fragment begins.
func objectFragments(s string) []string {
	locs := sceneKeyPattern.FindAllStringIndex(s, -1)
	if len(locs) == 0 {
		return nil
	}

	owners := make([]int, 0, len(locs))
	closeAt := make(map[int]int)
	var objStack []int
	var stack []byte
	inString, escaped := false, false
	li := 0

	for i := 0; i < len(s) && (li < len(locs) || len(objStack) > 0); i++ {
		for li < len(locs) && locs[li][0] < i {
			li++ // 匹配位于字符串内部
		}
		if li < len(locs) && locs[li][0] == i && !inString {
			if n := len(objStack); n > 0 {
				owners = append(owners, objStack[n-1])
			}
			li++
		}

		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, c)
			objStack = append(objStack, i)
		case '[':
			stack = append(stack, c)
		case '}':
			if n := len(stack); n > 0 && stack[n-1] == '{' {
				stack = stack[:n-1]
				closeAt[objStack[len(objStack)-1]] = i
				objStack = objStack[:len(objStack)-1]
			}
		case ']':
			if n := len(stack); n > 0 && stack[n-1] == '[' {
				stack = stack[:n-1]
			}
		}
	}

	var frags []string
	coveredUntil := -1
	for k, start := range owners {
		if start <= coveredUntil {
			continue
		}
		end, closed := closeAt[start]
		if closed {
			frags = append(frags, s[start:end+1])
			coveredUntil = end
			continue
		}
		stop := len(s)
		for _, next := range owners[k+1:] {
			if next > start {
				stop = next
				break
			}
		}
		frag := strings.TrimRightFunc(s[start:stop], func(r rune) bool {
			return unicode.IsSpace(r) || r == ','
		})
		frags = append(frags, frag)
		coveredUntil = stop - 1
	}
	return frags
}
