package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"

	"github.com/codexdrive/core/internal/approval"
	"github.com/codexdrive/core/internal/execstate"
	"github.com/codexdrive/core/internal/layout"
	"github.com/codexdrive/core/internal/parsedcmd"
)

// approvalFields recognizes an outgoing approval dispatch method
// (`exec/approval`, `applyPatch/approval`, `tool/dynamic`,
// `item/tool/requestUserInput`) forwarded through the same event bridge
// used for codex/event/* notifications, and extracts the fields the
// selector needs.
func approvalFields(ev eventMsg) (callID string, method approval.Method, summary string, ok bool) {
	switch ev.method {
	case string(approval.MethodExecApproval), string(approval.MethodApplyPatchApproval),
		string(approval.MethodToolDynamic), string(approval.MethodRequestUserInputTool):
	default:
		return "", "", "", false
	}

	payload, _ := ev.payload.(map[string]interface{})
	id, _ := payload["call_id"].(string)
	if id == "" {
		return "", "", "", false
	}

	summary = fmt.Sprintf("%v", payload["command"])
	if payload["command"] == nil {
		summary = fmt.Sprintf("%v", payload["tool"])
	}
	return id, approval.Method(ev.method), summary, true
}

// renderAssistantMessage renders a finalized assistant message: through
// glamour when a markdown renderer is available, otherwise segmented and
// wrapped through the assistant layout cache.
func renderAssistantMessage(payload interface{}, width int, md *glamour.TermRenderer) string {
	m, _ := payload.(map[string]interface{})
	text, _ := m["text"].(string)
	if text == "" {
		return ""
	}
	if md != nil {
		if rendered, err := md.Render(text); err == nil {
			return rendered
		}
	}
	cache := layout.NewAssistantCache(text)
	out := cache.EnsureLayout(width)
	var s string
	for _, seg := range out.Segments {
		for _, line := range seg.Lines {
			s += string(line) + "\n"
		}
	}
	return s
}

func renderUserMessage(payload interface{}, styles Styles) string {
	m, _ := payload.(map[string]interface{})
	text, _ := m["text"].(string)
	return styles.UserMessage.Render("❯ "+text) + "\n"
}

// renderExecEvent builds an ExecRenderParts from a raw exec_command event
// payload and renders it through the exec layout cache,
// coloring the exit-code status line and any "└ Running…" wait note.
func renderExecEvent(payload interface{}, width int, styles Styles) string {
	m, _ := payload.(map[string]interface{})
	cmd, _ := m["command"].(string)
	if cmd == "" {
		return ""
	}

	parsed := parsedcmd.Classify([]string{"bash", "-lc", cmd})

	exitCode := 0
	if v, ok := m["exit_code"].(float64); ok {
		exitCode = int(v)
	}
	stdout, _ := m["stdout"].(string)
	stderr, _ := m["stderr"].(string)
	head, tail, omitted := layout.SplitPreview(stdout, stderr)

	state := execstate.New()
	cache := layout.NewExecCache(state)
	cache.SetParts(layout.ExecRenderParts{
		Parsed:       parsed,
		Complete:     true,
		ExitCode:     &exitCode,
		OutputHead:   head,
		OutputTail:   tail,
		OmittedLines: omitted,
	})

	out := cache.EnsureLayout(width)
	var s string
	for _, line := range out.PreLines {
		s += styleExecLine(string(line), exitCode, styles) + "\n"
	}
	for _, line := range out.OutLines {
		s += string(line) + "\n"
	}
	return s
}

// styleExecLine colors a wrapped preamble line of an exec cell: a
// trailing "└ Running…" wait note gets ExecWaitNote, anything else gets
// ExecSuccess/ExecFailure by the command's exit code.
func styleExecLine(line string, exitCode int, styles Styles) string {
	if strings.HasPrefix(strings.TrimSpace(line), "└ Running") {
		return styles.ExecWaitNote.Render(line)
	}
	if exitCode == 0 {
		return styles.ExecSuccess.Render(line)
	}
	return styles.ExecFailure.Render(line)
}
