package layout

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codexdrive/core/internal/execstate"
	"github.com/codexdrive/core/internal/parsedcmd"
)

// ExecLayout is the cached, width-wrapped rendering of one exec cell.
// PreLines/OutLines are the wrapped preamble and output blocks;
// PreTotal/OutBlockTotal are their row counts (PreTotal includes the
// trailing running-status line when present).
type ExecLayout struct {
	Width         int
	PreLines      []Line
	OutLines      []Line
	PreTotal      int
	OutBlockTotal int
}

// ExecRenderParts is the raw, width-independent input to the exec layout
// cache: the parsed command classification plus captured output, built
// once when the exec cell is created/completed.
type ExecRenderParts struct {
	Parsed []parsedcmd.ParsedCommand
	// Complete is false while the exec is still running; the cache only
	// memoizes the raw block construction once Complete is true.
	Complete bool
	ExitCode *int
	// OutputHead/OutputTail are the head+tail output preview lines; when
	// both are non-empty, OmittedLines reports the line count collapsed
	// between them.
	OutputHead   []string
	OutputTail   []string
	OmittedLines int
	ContextLabel string // e.g. "main" or a subagent name, for the running status line
}

// ExecCache implements ensure_layout(width) -> *ExecLayout, memoizing the
// raw (width-independent) preamble/output blocks once the exec completes,
// and the width-wrapped Layout per distinct width requested.
type ExecCache struct {
	mu sync.Mutex

	parts ExecRenderParts
	state *execstate.State

	rawPreamble []Line // memoized once Complete
	rawOutput   []Line // memoized once Complete
	rawMemoized bool

	byWidth map[int]*ExecLayout
}

// NewExecCache creates a cache bound to a wait/output state; the state's
// invalidation hook is wired to drop all width-keyed layouts.
func NewExecCache(state *execstate.State) *ExecCache {
	c := &ExecCache{
		state:   state,
		byWidth: make(map[int]*ExecLayout),
	}
	if state != nil {
		state.OnInvalidate(c.invalidate)
	}
	return c
}

// SetParts replaces the render parts (e.g. once output finishes streaming
// in) and drops all cached layouts.
func (c *ExecCache) SetParts(parts ExecRenderParts) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parts = parts
	c.rawMemoized = false
	c.byWidth = make(map[int]*ExecLayout)
}

func (c *ExecCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byWidth = make(map[int]*ExecLayout)
}

// EnsureLayout returns the cached Layout for width, building it if absent.
func (c *ExecCache) EnsureLayout(width int) *ExecLayout {
	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.byWidth[width]; ok {
		return l
	}

	if !c.rawMemoized || !c.parts.Complete {
		c.rawPreamble = buildRawPreamble(c.parts)
		c.rawOutput = buildRawOutput(c.parts)
		if c.parts.Complete {
			c.rawMemoized = true
		}
	}

	pre := trimBlankEdges(c.rawPreamble)
	out := trimBlankEdges(c.rawOutput)

	var preWrapped []Line
	for _, l := range pre {
		preWrapped = append(preWrapped, wrapText(string(l), width)...)
	}

	var outWrapped []Line
	outWidth := width - 2
	if outWidth < 1 {
		outWidth = 1
	}
	for _, l := range out {
		outWrapped = append(outWrapped, wrapText(string(l), outWidth)...)
	}

	preTotal := len(preWrapped)
	if c.state != nil && c.state.Waiting() && !c.parts.Complete {
		status := runningStatusLine(c.state, c.parts.ContextLabel)
		preWrapped = append(preWrapped, Line(status))
		preTotal++
	}

	layout := &ExecLayout{
		Width:         width,
		PreLines:      preWrapped,
		OutLines:      outWrapped,
		PreTotal:      preTotal,
		OutBlockTotal: len(outWrapped),
	}
	c.byWidth[width] = layout
	return layout
}

// runningStatusLine renders "└ Running… [in <ctx>] (<elapsed>)".
func runningStatusLine(state *execstate.State, ctxLabel string) string {
	verb := "Running"
	elapsed := ""
	if ms, ok := state.TotalWait(); ok {
		elapsed = formatElapsed(time.Duration(ms) * time.Millisecond)
	} else if ms, ok := state.RunDuration(); ok {
		elapsed = formatElapsed(time.Duration(ms) * time.Millisecond)
	}

	var b strings.Builder
	b.WriteString("└ ")
	b.WriteString(verb)
	b.WriteString("…")
	if ctxLabel != "" {
		fmt.Fprintf(&b, " [in %s]", ctxLabel)
	}
	if elapsed != "" {
		fmt.Fprintf(&b, " (%s)", elapsed)
	}
	return b.String()
}

func formatElapsed(d time.Duration) string {
	if d < time.Second {
		return "0s"
	}
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) - m*60
	return fmt.Sprintf("%dm%02ds", m, s)
}

// buildRawPreamble builds the header + parsed-content lines with connector
// glyphs, applying range coalescing across adjacent Read entries for the
// same file.
func buildRawPreamble(parts ExecRenderParts) []Line {
	header := headerLine(parts.Parsed)
	contentLines := coalescedContentLines(parts.Parsed)

	var lines []Line
	if header != "" {
		lines = append(lines, Line(header))
	}
	action := parsedcmd.ActionOf(parts.Parsed)
	for i, c := range contentLines {
		if action == parsedcmd.KindRun {
			lines = append(lines, Line(c))
			continue
		}
		if i == 0 {
			lines = append(lines, Line("└ "+c))
		} else {
			lines = append(lines, Line("  "+c))
		}
	}
	return lines
}

func headerLine(parsed []parsedcmd.ParsedCommand) string {
	switch parsedcmd.ActionOf(parsed) {
	case parsedcmd.KindRead:
		return "Read"
	case parsedcmd.KindSearch:
		return "Search"
	case parsedcmd.KindList:
		return "List"
	default:
		return ""
	}
}

// coalescedContentLines renders one content line per classified command,
// merging adjacent Read entries for the same file into a single
// "<file> (lines a to b, c to d)" line.
func coalescedContentLines(parsed []parsedcmd.ParsedCommand) []string {
	var lines []string
	byFile := make(map[string][]parsedcmd.Range)
	fileOrder := []string{}

	flushPending := func() {
		for _, f := range fileOrder {
			ranges := coalesceRanges(byFile[f])
			lines = append(lines, formatFileRanges(f, ranges))
		}
		byFile = make(map[string][]parsedcmd.Range)
		fileOrder = nil
	}

	for _, c := range parsed {
		switch c.Kind {
		case parsedcmd.KindRead:
			if c.Range != nil {
				if _, ok := byFile[c.Name]; !ok {
					fileOrder = append(fileOrder, c.Name)
				}
				byFile[c.Name] = append(byFile[c.Name], *c.Range)
				continue
			}
			flushPending()
			if c.LastN != nil {
				lines = append(lines, fmt.Sprintf("%s (last %d lines)", c.Name, *c.LastN))
			} else {
				lines = append(lines, c.Name)
			}
		case parsedcmd.KindSearch:
			flushPending()
			if c.Path != "" {
				lines = append(lines, fmt.Sprintf("%q in %s", c.Query, c.Path))
			} else {
				lines = append(lines, fmt.Sprintf("%q", c.Query))
			}
		case parsedcmd.KindList:
			flushPending()
			if c.Path != "" {
				lines = append(lines, c.Path)
			} else {
				lines = append(lines, ".")
			}
		case parsedcmd.KindRun:
			flushPending()
			lines = append(lines, c.Raw)
		}
	}
	flushPending()
	return lines
}

// coalesceRanges sorts ranges and merges touching/overlapping ones.
// Coalescing an already-coalesced list is a no-op.
func coalesceRanges(ranges []parsedcmd.Range) []parsedcmd.Range {
	if len(ranges) == 0 {
		return nil
	}
	sorted := append([]parsedcmd.Range(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End < sorted[j].End
	})

	merged := []parsedcmd.Range{sorted[0]}
	for _, r := range sorted[1:] {
		last := &merged[len(merged)-1]
		if last.End == parsedcmd.Unbounded {
			continue // already unbounded, nothing can extend it
		}
		if r.Start <= last.End+1 {
			if r.End == parsedcmd.Unbounded || r.End > last.End {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

func formatFileRanges(file string, ranges []parsedcmd.Range) string {
	parts := make([]string, 0, len(ranges))
	for _, r := range ranges {
		if r.End == parsedcmd.Unbounded {
			parts = append(parts, fmt.Sprintf("%d to end", r.Start))
		} else {
			parts = append(parts, fmt.Sprintf("%d to %d", r.Start, r.End))
		}
	}
	return fmt.Sprintf("%s (lines %s)", file, strings.Join(parts, ", "))
}

// buildRawOutput builds the head+tail output preview lines plus an
// exit-code error block when the exec failed. Elided middle lines are
// stood in for by a single "⋮" row.
func buildRawOutput(parts ExecRenderParts) []Line {
	var lines []Line
	for _, l := range parts.OutputHead {
		lines = append(lines, Line(l))
	}
	if parts.OmittedLines > 0 {
		lines = append(lines, Line("⋮"))
	}
	for _, l := range parts.OutputTail {
		lines = append(lines, Line(l))
	}
	if parts.ExitCode != nil && *parts.ExitCode != 0 {
		lines = append(lines, Line(fmt.Sprintf("exit code %d", *parts.ExitCode)))
	}
	return lines
}

// previewHeadLines/previewTailLines bound the output preview: the first 2
// and last 5 non-empty lines survive, everything between collapses into
// the "⋮" row.
const (
	previewHeadLines = 2
	previewTailLines = 5
)

// SplitPreview partitions combined stdout+stderr text into the head/tail
// preview the output block renders. Blank lines are dropped before
// partitioning; omitted is the count of non-empty lines collapsed between
// head and tail.
func SplitPreview(stdout, stderr string) (head, tail []string, omitted int) {
	var nonEmpty []string
	for _, l := range strings.Split(stdout+stderr, "\n") {
		if strings.TrimSpace(l) != "" {
			nonEmpty = append(nonEmpty, l)
		}
	}
	if len(nonEmpty) <= previewHeadLines+previewTailLines {
		return nonEmpty, nil, 0
	}
	head = nonEmpty[:previewHeadLines]
	tail = nonEmpty[len(nonEmpty)-previewTailLines:]
	return head, tail, len(nonEmpty) - previewHeadLines - previewTailLines
}
