// Package parsedcmd classifies a shell invocation structurally into
// Read/Search/List/Run variants with path and range hints, used by the
// exec layout cache to render a useful preamble instead of echoing the
// raw argv. Tokenization of `bash -lc "..."` scripts into
// pipeline/chained command groups is delegated to
// internal/command_safety's shell parser.
package parsedcmd

import (
	"strconv"
	"strings"

	"github.com/codexdrive/core/internal/command_safety"
)

// Kind is the tag of a ParsedCommand's variant.
type Kind string

const (
	KindRead   Kind = "read"
	KindSearch Kind = "search"
	KindList   Kind = "list"
	KindRun    Kind = "run"
)

// Range is an inclusive line range, as extracted from sed/head/tail
// invocations. End == Unbounded means "to end of file".
type Range struct {
	Start int
	End   int
}

// Unbounded marks a Range with no upper bound (tail -n +K).
const Unbounded = -1

// ParsedCommand is a tagged union over the four classifications. Only
// the fields relevant to Kind are populated.
type ParsedCommand struct {
	Kind Kind

	// Read
	Name  string // file path, if known
	Range *Range // line range, if known
	LastN *int   // set for `tail -n N`/bare `tail`: "last N lines" marker

	// Search
	Query string
	Path  string // optional path scoped to, Search and List

	// Run
	Raw string // joined original tokens
}

// ActionOf returns the first non-Run classification in cmds, or KindRun if
// all entries are Run (or cmds is empty).
func ActionOf(cmds []ParsedCommand) Kind {
	for _, c := range cmds {
		if c.Kind != KindRun {
			return c.Kind
		}
	}
	return KindRun
}

// Classify parses a full argv (as passed to the shell collaborator, e.g.
// ["bash", "-lc", "sed -n '10,20p' a.rs && cat b.rs"]) into one
// ParsedCommand per pipeline/chained command group. Non-"-lc"/"-c" argvs
// and scripts with unsafe constructs fall back to a single Run entry over
// the whole argv.
func Classify(argv []string) []ParsedCommand {
	groups := commandGroups(argv)
	if groups == nil {
		return []ParsedCommand{{Kind: KindRun, Raw: strings.Join(argv, " ")}}
	}

	cmds := make([]ParsedCommand, 0, len(groups))
	for _, words := range groups {
		cmds = append(cmds, classifyGroup(words))
	}
	return cmds
}

// commandGroups splits a bash/zsh/sh -lc|-c argv into its word-only command
// groups, reusing command_safety's tokenizer. Returns nil if argv is not
// such an invocation, or the script contains constructs the tokenizer
// rejects (redirections, substitutions, etc.) — callers should fall back
// to treating the whole argv as a single Run.
func commandGroups(argv []string) [][]string {
	return command_safety.ParseShellLcPlainCommands(argv)
}

// classifyGroup classifies one simple command's words; first matching
// rule wins.
func classifyGroup(words []string) ParsedCommand {
	if len(words) == 0 {
		return ParsedCommand{Kind: KindRun, Raw: ""}
	}

	raw := strings.Join(words, " ")

	switch words[0] {
	case "sed":
		if pc, ok := classifySed(words); ok {
			return pc
		}
	case "head":
		return classifyHead(words)
	case "tail":
		return classifyTail(words)
	case "rg", "grep", "ag":
		return classifySearch(words)
	case "ls", "find":
		return classifyList(words)
	}

	return ParsedCommand{Kind: KindRun, Raw: raw}
}

// classifySed recognizes `sed -n 'A,Bp' <file>`.
func classifySed(words []string) (ParsedCommand, bool) {
	if len(words) < 2 || words[1] != "-n" {
		return ParsedCommand{}, false
	}
	// Expect: sed -n 'A,Bp' [file]
	if len(words) < 3 {
		return ParsedCommand{}, false
	}
	start, end, ok := parseRangeAddress(words[2])
	if !ok {
		return ParsedCommand{}, false
	}
	var file string
	if len(words) >= 4 {
		file = words[3]
	}
	return ParsedCommand{
		Kind:  KindRead,
		Name:  file,
		Range: &Range{Start: start, End: end},
	}, true
}

// parseRangeAddress parses a sed range address of the form "A,Bp".
func parseRangeAddress(addr string) (start, end int, ok bool) {
	addr = strings.TrimSuffix(addr, "p")
	parts := strings.SplitN(addr, ",", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	a, errA := strconv.Atoi(parts[0])
	b, errB := strconv.Atoi(parts[1])
	if errA != nil || errB != nil {
		return 0, 0, false
	}
	return a, b, true
}

// classifyHead recognizes `head -n N <file>` or bare `head`, yielding
// Read{range=(1, N|10)}.
func classifyHead(words []string) ParsedCommand {
	n := 10
	var file string
	i := 1
	for i < len(words) {
		switch {
		case words[i] == "-n" && i+1 < len(words):
			if v, err := strconv.Atoi(strings.TrimPrefix(words[i+1], "-")); err == nil {
				n = v
			}
			i += 2
		case strings.HasPrefix(words[i], "-n"):
			if v, err := strconv.Atoi(strings.TrimPrefix(words[i], "-n")); err == nil {
				n = v
			}
			i++
		case !strings.HasPrefix(words[i], "-"):
			file = words[i]
			i++
		default:
			i++
		}
	}
	return ParsedCommand{Kind: KindRead, Name: file, Range: &Range{Start: 1, End: n}}
}

// classifyTail recognizes `tail -n +K <file>` → Read{range=(K, ∞)}, and
// `tail -n N`/bare `tail` → a last-N marker.
func classifyTail(words []string) ParsedCommand {
	var file string
	for i := 1; i < len(words); i++ {
		if !strings.HasPrefix(words[i], "-") && words[i] != "+" {
			file = words[i]
		}
	}

	for i := 1; i < len(words); i++ {
		if words[i] == "-n" && i+1 < len(words) {
			arg := words[i+1]
			if strings.HasPrefix(arg, "+") {
				if k, err := strconv.Atoi(strings.TrimPrefix(arg, "+")); err == nil {
					return ParsedCommand{Kind: KindRead, Name: file, Range: &Range{Start: k, End: Unbounded}}
				}
			}
			if n, err := strconv.Atoi(arg); err == nil {
				return ParsedCommand{Kind: KindRead, Name: file, LastN: &n}
			}
		}
	}

	n := 10
	return ParsedCommand{Kind: KindRead, Name: file, LastN: &n}
}

// classifySearch recognizes `rg|grep|ag [-C N] <query> [path]`.
func classifySearch(words []string) ParsedCommand {
	var query, path string
	i := 1
	for i < len(words) {
		switch {
		case words[i] == "-C" || words[i] == "--context":
			i += 2 // skip the context count argument
		case strings.HasPrefix(words[i], "-C") || strings.HasPrefix(words[i], "--context="):
			i++
		case strings.HasPrefix(words[i], "-"):
			i++
		case query == "":
			query = prettifyQuery(words[i])
			i++
		default:
			path = words[i]
			i++
		}
	}
	return ParsedCommand{Kind: KindSearch, Query: query, Path: path}
}

// prettifyQuery general-unescapes backslashes and balances unmatched
// parens/braces left over from shell quoting.
func prettifyQuery(q string) string {
	q = strings.ReplaceAll(q, `\(`, "(")
	q = strings.ReplaceAll(q, `\)`, ")")
	q = strings.ReplaceAll(q, `\{`, "{")
	q = strings.ReplaceAll(q, `\}`, "}")
	return balanceBraces(q)
}

// balanceBraces strips a trailing unmatched closer or appends a missing
// closer for '(' and '{' so a partially-escaped regex reads cleanly.
func balanceBraces(q string) string {
	q = balanceOne(q, '(', ')')
	q = balanceOne(q, '{', '}')
	return q
}

func balanceOne(q string, open, close byte) string {
	depth := 0
	for i := 0; i < len(q); i++ {
		switch q[i] {
		case open:
			depth++
		case close:
			depth--
		}
	}
	if depth > 0 {
		return q + strings.Repeat(string(close), depth)
	}
	if depth < 0 {
		return strings.Repeat(string(open), -depth) + q
	}
	return q
}

// classifyList recognizes `ls` or `find <dir>` with no filter expression.
func classifyList(words []string) ParsedCommand {
	if words[0] == "find" {
		// Only a bare "find <dir>" (no predicate flags) counts as a list.
		if len(words) == 2 && !strings.HasPrefix(words[1], "-") {
			return ParsedCommand{Kind: KindList, Path: words[1]}
		}
		return ParsedCommand{Kind: KindRun, Raw: strings.Join(words, " ")}
	}

	var path string
	for i := 1; i < len(words); i++ {
		if !strings.HasPrefix(words[i], "-") {
			path = words[i]
		}
	}
	return ParsedCommand{Kind: KindList, Path: path}
}
