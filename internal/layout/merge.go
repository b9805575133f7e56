package layout

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/codexdrive/core/internal/parsedcmd"
)

// MergedExecEntry is one exec cell contributed to a merge.
type MergedExecEntry struct {
	Parts ExecRenderParts
}

// MergedLayout is the aggregated rendering of a run of mergeable,
// completed Read exec cells.
type MergedLayout struct {
	Width         int
	PreLines      []Line
	OutBlocks     [][]Line // one wrapped output block per retained entry
	HeaderRows    int
	PreTotal      int
	OutBlockTotal int
}

// Mergeable reports whether entries are all completed Read cells. The
// parent container is responsible for the "adjacent in history" half of
// the merge decision.
func Mergeable(entries []MergedExecEntry) bool {
	if len(entries) == 0 {
		return false
	}
	for _, e := range entries {
		if !e.Parts.Complete || parsedcmd.ActionOf(e.Parts.Parsed) != parsedcmd.KindRead {
			return false
		}
	}
	return true
}

var fileRangesLinePattern = regexp.MustCompile(`^(.+?) \(lines (.+)\)$`)

// parseFileRangesLine recovers (file, ranges) from a "<file> (lines A to
// B, C to end)" preamble line, the format buildRawPreamble/
// coalescedContentLines produce for Read entries with a known range.
func parseFileRangesLine(line string) (file string, ranges []parsedcmd.Range, ok bool) {
	m := fileRangesLinePattern.FindStringSubmatch(line)
	if m == nil {
		return "", nil, false
	}
	file = m[1]
	for _, part := range strings.Split(m[2], ", ") {
		r, ok := parseOneRange(part)
		if !ok {
			return "", nil, false
		}
		ranges = append(ranges, r)
	}
	return file, ranges, true
}

func parseOneRange(s string) (parsedcmd.Range, bool) {
	if strings.HasSuffix(s, " to end") {
		start, err := strconv.Atoi(strings.TrimSuffix(s, " to end"))
		if err != nil {
			return parsedcmd.Range{}, false
		}
		return parsedcmd.Range{Start: start, End: parsedcmd.Unbounded}, true
	}
	parts := strings.SplitN(s, " to ", 2)
	if len(parts) != 2 {
		return parsedcmd.Range{}, false
	}
	start, errA := strconv.Atoi(parts[0])
	end, errB := strconv.Atoi(parts[1])
	if errA != nil || errB != nil {
		return parsedcmd.Range{}, false
	}
	return parsedcmd.Range{Start: start, End: end}, true
}

// MergeReadCells coalesces consecutive completed Read exec cells:
// concatenates their preambles (dropping individual headers), keeps only
// lines that parse as "<file> (lines A to B)", re-applies the range
// coalescer across all retained lines, and sums each entry's own wrapped
// output block height at width-2.
func MergeReadCells(entries []MergedExecEntry, width int) *MergedLayout {
	if !Mergeable(entries) {
		return nil
	}

	var order []string
	byFile := map[string][]parsedcmd.Range{}
	seen := map[string]bool{}

	for _, e := range entries {
		for _, line := range coalescedContentLines(e.Parts.Parsed) {
			file, ranges, ok := parseFileRangesLine(line)
			if !ok {
				continue
			}
			if !seen[file] {
				seen[file] = true
				order = append(order, file)
			}
			byFile[file] = append(byFile[file], ranges...)
		}
	}

	var preRaw []Line
	for i, file := range order {
		merged := coalesceRanges(byFile[file])
		line := formatFileRanges(file, merged)
		if i == 0 {
			preRaw = append(preRaw, Line("└ "+line))
		} else {
			preRaw = append(preRaw, Line("  "+line))
		}
	}

	var preWrapped []Line
	for _, l := range preRaw {
		preWrapped = append(preWrapped, wrapText(string(l), width)...)
	}

	outWidth := width - 2
	if outWidth < 1 {
		outWidth = 1
	}
	var blocks [][]Line
	outTotal := 0
	for _, e := range entries {
		raw := trimBlankEdges(buildRawOutput(e.Parts))
		var wrapped []Line
		for _, l := range raw {
			wrapped = append(wrapped, wrapText(string(l), outWidth)...)
		}
		blocks = append(blocks, wrapped)
		outTotal += len(wrapped)
	}

	return &MergedLayout{
		Width:         width,
		PreLines:      preWrapped,
		OutBlocks:     blocks,
		HeaderRows:    1,
		PreTotal:      len(preWrapped),
		OutBlockTotal: outTotal,
	}
}
