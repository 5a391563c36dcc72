package tts

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// SplitMode selects how the engine slices input text before synthesis.
type SplitMode string

const (
	SplitNone          SplitMode = "none"
	SplitFourSentences SplitMode = "four-sentences"
	SplitFiftyChars    SplitMode = "fifty-chars"
	SplitCJKPeriod     SplitMode = "cjk-period"
	SplitLatinPeriod   SplitMode = "latin-period"
	SplitPunctuation   SplitMode = "punctuation"
)

// DefaultSplitMode matches the original form's default selection.
const DefaultSplitMode = SplitCJKPeriod

// engineLabels are the labels the upstream engine uses for each mode.
var engineLabels = map[SplitMode]string{
	SplitNone:          "不切",
	SplitFourSentences: "凑四句一切",
	SplitFiftyChars:    "凑50字一切",
	SplitCJKPeriod:     "按中文句号。切",
	SplitLatinPeriod:   "按英文句号.切",
	SplitPunctuation:   "按标点符号切",
}

// apiCutMethods are the text_split_method names of the engine's HTTP API.
var apiCutMethods = map[SplitMode]string{
	SplitNone:          "cut0",
	SplitFourSentences: "cut1",
	SplitFiftyChars:    "cut2",
	SplitCJKPeriod:     "cut3",
	SplitLatinPeriod:   "cut4",
	SplitPunctuation:   "cut5",
}

// SplitModes lists every mode in display order.
func SplitModes() []SplitMode {
	return []SplitMode{SplitNone, SplitFourSentences, SplitFiftyChars, SplitCJKPeriod, SplitLatinPeriod, SplitPunctuation}
}

// EngineLabel returns the label the engine expects for m.
func (m SplitMode) EngineLabel() string {
	if l, ok := engineLabels[m]; ok {
		return l
	}
	return engineLabels[DefaultSplitMode]
}

// CutMethod returns the HTTP API name for m.
func (m SplitMode) CutMethod() string {
	if c, ok := apiCutMethods[m]; ok {
		return c
	}
	return apiCutMethods[DefaultSplitMode]
}

// ParseSplitMode accepts either the mode name or the engine label.
// An empty string yields DefaultSplitMode.
func ParseSplitMode(s string) (SplitMode, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultSplitMode, nil
	}
	for _, m := range SplitModes() {
		if strings.EqualFold(s, string(m)) || s == engineLabels[m] {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown split mode %q", s)
}

const (
	cjkTerminals   = "。！？"
	latinTerminals = ".!?"
	clauseMarks    = "，,；;：:"
)

// EstimateSegments guesses how many segments the engine will emit for text.
// It is a progress heuristic only and never returns less than 1.
func EstimateSegments(text string, mode SplitMode) int {
	var n int
	switch mode {
	case SplitNone:
		n = 1
	case SplitCJKPeriod:
		n = countAny(text, cjkTerminals)
	case SplitLatinPeriod:
		n = countAny(text, latinTerminals)
	case SplitPunctuation:
		n = countAny(text, cjkTerminals+latinTerminals+clauseMarks)
	case SplitFourSentences:
		n = ceilDiv(countAny(text, cjkTerminals+latinTerminals), 4)
	case SplitFiftyChars:
		n = ceilDiv(utf8.RuneCountInString(strings.TrimSpace(text)), 50)
	default:
		n = countAny(text, cjkTerminals+latinTerminals)
	}
	if n < 1 {
		return 1
	}
	return n
}

// SplitText slices text the way EstimateSegments counts it. The mock engine uses
// it to emit one segment per slice.
func SplitText(text string, mode SplitMode) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var pieces []string
	switch mode {
	case SplitNone:
		return []string{text}
	case SplitCJKPeriod:
		pieces = splitAfterAny(text, cjkTerminals)
	case SplitLatinPeriod:
		pieces = splitAfterAny(text, latinTerminals)
	case SplitPunctuation:
		pieces = splitAfterAny(text, cjkTerminals+latinTerminals+clauseMarks)
	case SplitFourSentences:
		pieces = groupN(splitAfterAny(text, cjkTerminals+latinTerminals), 4)
	case SplitFiftyChars:
		pieces = chunkRunes(text, 50)
	default:
		pieces = splitAfterAny(text, cjkTerminals+latinTerminals)
	}
	if len(pieces) == 0 {
		return []string{text}
	}
	return pieces
}

func countAny(text, set string) int {
	n := 0
	for _, r := range text {
		if strings.ContainsRune(set, r) {
			n++
		}
	}
	return n
}

func splitAfterAny(text, set string) []string {
	var out []string
	start := 0
	for i, r := range text {
		if strings.ContainsRune(set, r) {
			end := i + utf8.RuneLen(r)
			if piece := strings.TrimSpace(text[start:end]); piece != "" {
				out = append(out, piece)
			}
			start = end
		}
	}
	if tail := strings.TrimSpace(text[start:]); tail != "" {
		out = append(out, tail)
	}
	return out
}

func groupN(pieces []string, n int) []string {
	var out []string
	for i := 0; i < len(pieces); i += n {
		end := min(i+n, len(pieces))
		out = append(out, strings.Join(pieces[i:end], " "))
	}
	return out
}

func chunkRunes(text string, size int) []string {
	runes := []rune(text)
	var out []string
	for i := 0; i < len(runes); i += size {
		end := min(i+size, len(runes))
		out = append(out, string(runes[i:end]))
	}
	return out
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
