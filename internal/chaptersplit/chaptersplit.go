// Package chaptersplit locates chapter boundaries within a document's raw
// text well enough to extract a chapter's slice for a chapter-targeted
// phase. Per this build's Open Question decision (see DESIGN.md), fidelity
// is presentational: boundaries are guaranteed monotonic and in-bounds, not
// verified against prose-level chapter breaks.
package chaptersplit

import (
	"fmt"
	"regexp"
	"sort"
)

// Offset is a detected chapter boundary within a document's text.
type Offset struct {
	ChapterKey string
	Start      int
	End        int
}

// headingPattern matches a line starting with "Chapter", "CHAPTER", "Part"
// or "PART" followed by an arabic or roman numeral ("Chapter 1", "Part II").
// Spelled-out numbers ("CHAPTER ONE"), numbered markdown headings and
// other heading styles are not matched.
var headingPattern = regexp.MustCompile(`(?m)^\s*(Chapter|CHAPTER|Part|PART)\s+[\dIVXLCivxlc]+\b.*$`)

// Split detects chapter headings in text and returns one Offset per
// detected chapter, keyed "ch-1", "ch-2", ... in document order. Offsets
// are always monotonic and within [0, len(text)].
func Split(text string) []Offset {
	locs := headingPattern.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}

	offsets := make([]Offset, 0, len(locs))
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		offsets = append(offsets, Offset{
			ChapterKey: fmt.Sprintf("ch-%d", i+1),
			Start:      loc[0],
			End:        end,
		})
	}

	sort.Slice(offsets, func(i, j int) bool { return offsets[i].Start < offsets[j].Start })
	return offsets
}

// Extract returns the text slice for chapterKey, or ok=false if no chapter
// with that key was detected.
func Extract(text string, chapterKey string) (string, bool) {
	for _, off := range Split(text) {
		if off.ChapterKey == chapterKey {
			if off.Start < 0 || off.End > len(text) || off.Start > off.End {
				return "", false
			}
			return text[off.Start:off.End], true
		}
	}
	return "", false
}
