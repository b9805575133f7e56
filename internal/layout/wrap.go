// Package layout implements the exec layout cache, assistant layout
// cache, and merged exec aggregator: width-keyed, grapheme-aware wrapping
// and caching of rendered exec/assistant cells so a terminal resize
// doesn't force re-parsing the underlying conversation item, only
// re-wrapping already-segmented text. Word-wrap uses
// github.com/mattn/go-runewidth and github.com/rivo/uniseg for
// grapheme-cluster-aware width accounting.
package layout

import (
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/rivo/uniseg"
)

// Line is one rendered, already-wrapped row of text.
type Line string

// wrapText word-wraps s to at most width display columns per line,
// breaking on spaces when possible and hard-breaking mid-word only when a
// single word exceeds width. Grapheme clusters are never split.
func wrapText(s string, width int) []Line {
	if width <= 0 {
		width = 1
	}
	if s == "" {
		return []Line{""}
	}

	var lines []Line
	for _, raw := range strings.Split(s, "\n") {
		lines = append(lines, wrapOneLine(raw, width)...)
	}
	return lines
}

func wrapOneLine(s string, width int) []Line {
	if s == "" {
		return []Line{""}
	}

	words := strings.Split(s, " ")
	var lines []Line
	var cur strings.Builder
	curWidth := 0

	flush := func() {
		lines = append(lines, Line(cur.String()))
		cur.Reset()
		curWidth = 0
	}

	for _, word := range words {
		w := displayWidth(word)
		if w > width {
			// Hard-break an overlong word at grapheme boundaries.
			if curWidth > 0 {
				flush()
			}
			for _, piece := range hardBreak(word, width) {
				lines = append(lines, Line(piece))
			}
			continue
		}

		sep := 0
		if curWidth > 0 {
			sep = 1
		}
		if curWidth+sep+w > width {
			flush()
			sep = 0
		}
		if sep == 1 {
			cur.WriteByte(' ')
			curWidth++
		}
		cur.WriteString(word)
		curWidth += w
	}
	if curWidth > 0 || len(lines) == 0 {
		flush()
	}
	return lines
}

// hardBreak splits a single overlong word into width-sized grapheme-safe
// chunks.
func hardBreak(word string, width int) []string {
	var chunks []string
	gr := uniseg.NewGraphemes(word)
	var cur strings.Builder
	curWidth := 0
	for gr.Next() {
		cluster := gr.Str()
		w := runewidth.StringWidth(cluster)
		if curWidth+w > width && curWidth > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curWidth = 0
		}
		cur.WriteString(cluster)
		curWidth += w
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	if len(chunks) == 0 {
		chunks = []string{word}
	}
	return chunks
}

func displayWidth(s string) int {
	return runewidth.StringWidth(s)
}

// wrapHangingIndent wraps s at width, indenting every continuation row so
// it aligns under the first content column (used for bullet items where
// the first row carries a marker like "- " or "1. ").
func wrapHangingIndent(s string, width, indent int) []Line {
	contentWidth := width - indent
	if contentWidth <= 0 {
		contentWidth = 1
	}
	wrapped := wrapText(s, contentWidth)
	pad := strings.Repeat(" ", indent)
	for i := 1; i < len(wrapped); i++ {
		wrapped[i] = Line(pad + string(wrapped[i]))
	}
	return wrapped
}

// trimBlankEdges drops leading and trailing blank lines from a block.
func trimBlankEdges(lines []Line) []Line {
	start := 0
	for start < len(lines) && strings.TrimSpace(string(lines[start])) == "" {
		start++
	}
	end := len(lines)
	for end > start && strings.TrimSpace(string(lines[end-1])) == "" {
		end--
	}
	return lines[start:end]
}
