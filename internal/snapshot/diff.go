package snapshot

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Chunk is one changed run of lines between two captures.
type Chunk struct {
	Type    string `json:"type"` // "added" or "removed"
	Content string `json:"content"`
}

// Delta is the line-level difference between two captures.
type Delta struct {
	Added   int     `json:"added"`
	Removed int     `json:"removed"`
	Chunks  []Chunk `json:"chunks,omitempty"`
}

// Lines returns the total number of changed lines.
func (d Delta) Lines() int { return d.Added + d.Removed }

// Diff compares two HTML captures line by line. Serialized DOMs are often a
// single line, so tags are split onto their own lines first.
func Diff(before, after string) Delta {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(splitTags(before), splitTags(after))
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)

	var d Delta
	for _, df := range diffs {
		n := strings.Count(df.Text, "\n")
		if n == 0 && df.Text != "" {
			n = 1
		}
		switch df.Type {
		case diffmatchpatch.DiffInsert:
			d.Added += n
		case diffmatchpatch.DiffDelete:
			d.Removed += n
		default:
			continue
		}
		if strings.TrimSpace(df.Text) == "" {
			continue
		}
		typ := "added"
		if df.Type == diffmatchpatch.DiffDelete {
			typ = "removed"
		}
		d.Chunks = append(d.Chunks, Chunk{Type: typ, Content: df.Text})
	}
	return d
}

func splitTags(html string) string {
	if html == "" {
		return ""
	}
	s := strings.ReplaceAll(html, "><", ">\n<")
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s
}
