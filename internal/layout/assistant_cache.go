package layout

import (
	"regexp"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// SegmentKind tags an AssistantSegment's variant.
type SegmentKind int

const (
	SegmentText SegmentKind = iota
	SegmentBullet
	SegmentCode
)

// AssistantSegment is one markdown block as segmented for rendering:
// plain text, a bullet/numbered list item, or a fenced code block.
type AssistantSegment struct {
	Kind SegmentKind

	Lines []Line

	// Code only
	Lang         string
	MaxLineWidth int

	// Bullet only
	HangingIndent int
}

var hrPattern = regexp.MustCompile(`^[-*_]{3,}$`)
var bulletPattern = regexp.MustCompile(`^(\s*)([-•◦·∘⋅☐✔]|\d+[.)])\s+(.*)$`)
var langSentinelPattern = regexp.MustCompile(`^⟦LANG:([^⟧]*)⟧`)

// AssistantLayout is the cached, width-wrapped rendering of one finalized
// assistant message.
type AssistantLayout struct {
	Width    int
	Segments []AssistantSegment
	RowTotal int // includes one row of top/bottom padding
}

// AssistantCache segments a finalized markdown message once, then wraps
// per requested width, caching each width's result.
type AssistantCache struct {
	mu sync.Mutex

	markdown string
	byWidth  map[int]*AssistantLayout
}

// NewAssistantCache creates a cache for one finalized markdown message.
func NewAssistantCache(markdown string) *AssistantCache {
	return &AssistantCache{
		markdown: markdown,
		byWidth:  make(map[int]*AssistantLayout),
	}
}

// EnsureLayout returns the cached Layout for width, building it if absent.
func (c *AssistantCache) EnsureLayout(width int) *AssistantLayout {
	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.byWidth[width]; ok {
		return l
	}

	blocks := segmentMarkdown(c.markdown)
	segments := make([]AssistantSegment, 0, len(blocks))
	rowTotal := 2 // top/bottom padding band
	for _, blk := range blocks {
		seg := wrapBlock(blk, width)
		segments = append(segments, seg)
		rowTotal += len(seg.Lines)
	}

	layout := &AssistantLayout{Width: width, Segments: segments, RowTotal: rowTotal}
	c.byWidth[width] = layout
	return layout
}

// rawBlock is a width-independent markdown block, produced once per
// message regardless of how many widths are later requested.
type rawBlock struct {
	kind SegmentKind
	text string // raw text for Text/Bullet; code body for Code
	lang string
}

// segmentMarkdown walks the goldmark AST and groups lines into
// Text/Bullet/Code blocks.
func segmentMarkdown(source string) []rawBlock {
	src := []byte(source)
	md := goldmark.New()
	doc := md.Parser().Parse(text.NewReader(src))

	var blocks []rawBlock
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.FencedCodeBlock:
			lang := string(node.Language(src))
			blocks = append(blocks, rawBlock{kind: SegmentCode, text: blockLines(node, src), lang: lang})
			return ast.WalkSkipChildren, nil
		case *ast.CodeBlock:
			blocks = append(blocks, rawBlock{kind: SegmentCode, text: blockLines(node, src)})
			return ast.WalkSkipChildren, nil
		case *ast.ThematicBreak:
			blocks = append(blocks, rawBlock{kind: SegmentBullet, text: "---"})
			return ast.WalkSkipChildren, nil
		case *ast.ListItem:
			blocks = append(blocks, rawBlock{kind: SegmentBullet, text: strings.TrimSpace(nodeText(node, src))})
			return ast.WalkSkipChildren, nil
		case *ast.Paragraph, *ast.TextBlock, *ast.Heading:
			if _, isListItem := n.Parent().(*ast.ListItem); isListItem {
				return ast.WalkContinue, nil
			}
			line := strings.TrimSpace(nodeText(node, src))
			if line == "" {
				return ast.WalkContinue, nil
			}
			if hrPattern.MatchString(line) {
				blocks = append(blocks, rawBlock{kind: SegmentBullet, text: line})
			} else if m := bulletPattern.FindStringSubmatch(line); m != nil {
				blocks = append(blocks, rawBlock{kind: SegmentBullet, text: line})
			} else {
				blocks = append(blocks, rawBlock{kind: SegmentText, text: line})
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return blocks
}

func blockLines(node ast.Node, src []byte) string {
	lines := node.Lines()
	var b strings.Builder
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(src))
	}
	return strings.TrimRight(b.String(), "\n")
}

func nodeText(node ast.Node, src []byte) string {
	var b strings.Builder
	for c := node.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			b.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte(' ')
			}
		} else {
			b.WriteString(nodeText(c, src))
		}
	}
	return b.String()
}

// wrapBlock wraps one raw block at width, applying each kind's layout
// rule.
func wrapBlock(blk rawBlock, width int) AssistantSegment {
	switch blk.kind {
	case SegmentCode:
		lang := blk.lang
		body := blk.text
		if m := langSentinelPattern.FindStringSubmatch(body); m != nil {
			lang = m[1]
			body = body[len(m[0]):]
		}
		lines := strings.Split(body, "\n")
		maxWidth := 0
		wrapped := make([]Line, 0, len(lines))
		for _, l := range lines {
			wrapped = append(wrapped, Line(l))
			if w := displayWidth(l); w > maxWidth {
				maxWidth = w
			}
		}
		return AssistantSegment{Kind: SegmentCode, Lines: wrapped, Lang: lang, MaxLineWidth: maxWidth}

	case SegmentBullet:
		if hrPattern.MatchString(blk.text) {
			return AssistantSegment{Kind: SegmentBullet, Lines: []Line{Line(strings.Repeat("─", width))}}
		}
		m := bulletPattern.FindStringSubmatch(blk.text)
		if m == nil {
			return AssistantSegment{Kind: SegmentBullet, Lines: wrapText(blk.text, width)}
		}
		indent := len(m[1]) + displayWidth(m[2]) + 1
		wrapped := wrapHangingIndent(blk.text, width, indent)
		return AssistantSegment{Kind: SegmentBullet, Lines: wrapped, HangingIndent: indent}

	default:
		return AssistantSegment{Kind: SegmentText, Lines: wrapText(blk.text, width)}
	}
}
