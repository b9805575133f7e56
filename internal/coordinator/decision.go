// Package coordinator implements the coordinator decision parser and the
// coordinator loop: the supervisory planning thread that drives
// auto-coordination by repeatedly asking a model for a structured
// next-step decision.
package coordinator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// FinishStatus is the normalized completion state of a Decision.
type FinishStatus string

const (
	FinishContinue FinishStatus = "continue"
	FinishSuccess  FinishStatus = "finish_success"
	FinishFailed   FinishStatus = "finish_failed"
)

// AgentSpec is one requested helper-model invocation in a continue
// decision's agents list.
type AgentSpec struct {
	Prompt  string   `json:"prompt"`
	Context string   `json:"context,omitempty"`
	Write   bool     `json:"write,omitempty"`
	Models  []string `json:"models,omitempty"`
}

// CLIDirective is the instruction handed back to the driven CLI/turn loop
// for a continue decision.
type CLIDirective struct {
	Prompt string `json:"prompt"`
}

// Decision is the parsed, normalized form of a coordinator response,
// regardless of which of the two wire schemas it was decoded from.
type Decision struct {
	FinishStatus FinishStatus
	Current      string // human-readable status/progress note
	CLI          *CLIDirective
	Agents       []AgentSpec
}

// wireDecisionNew is the current wire schema.
type wireDecisionNew struct {
	FinishStatus string      `json:"finish_status"`
	Current      *string     `json:"current,omitempty"`
	CLI          *wireCLINew `json:"cli,omitempty"`
	Agents       []AgentSpec `json:"agents,omitempty"`
}

type wireCLINew struct {
	Prompt *string `json:"prompt,omitempty"`
}

// wireDecisionLegacy is the older schema, kept for backward compatibility
// with coordinator responses produced before the `cli`/`agents` nesting
// was introduced.
type wireDecisionLegacy struct {
	Status     string      `json:"status"`
	Summary    *string     `json:"summary,omitempty"`
	NextPrompt *string     `json:"next_prompt,omitempty"`
	Agents     []AgentSpec `json:"agents,omitempty"`
}

// rolePrefixes are stripped from cleaned optional strings.
var rolePrefixes = []string{"Coordinator:", "CLI:"}

// ParseDecision decodes a raw model response into a Decision. It first
// attempts a strict JSON parse; on failure it scans for the first
// balanced `{…}` object (respecting string/escape state) and parses that
// instead. It then tries the new schema, falling back to the legacy
// schema, and normalizes/validates the result.
func ParseDecision(raw string) (Decision, error) {
	payload := strings.TrimSpace(raw)

	if !json.Valid([]byte(payload)) {
		recovered, ok := extractBalancedObject(payload)
		if !ok {
			return Decision{}, fmt.Errorf("decoding coordinator decision failed: payload_snippet=%s", snippet(payload))
		}
		payload = recovered
	}

	if err := validateDecisionSchema(payload); err != nil {
		return Decision{}, fmt.Errorf("decision failed schema validation: %w; payload_snippet=%s", err, snippet(payload))
	}

	var newErr, legacyErr error

	var wn wireDecisionNew
	if err := strictUnmarshal(payload, &wn); err != nil {
		newErr = err
	} else if d, derr := normalizeNew(wn); derr != nil {
		newErr = derr
	} else {
		return d, nil
	}

	var wl wireDecisionLegacy
	if err := strictUnmarshal(payload, &wl); err != nil {
		legacyErr = err
	} else if d, derr := normalizeLegacy(wl); derr != nil {
		legacyErr = derr
	} else {
		return d, nil
	}

	return Decision{}, fmt.Errorf(
		"decoding coordinator decision failed: new_err=%v; legacy_err=%v; payload_snippet=%s",
		newErr, legacyErr, snippet(payload))
}

func strictUnmarshal(payload string, v interface{}) error {
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func normalizeNew(w wireDecisionNew) (Decision, error) {
	status, err := normalizeFinishStatus(w.FinishStatus)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{FinishStatus: status, Agents: dedupSortAgents(w.Agents)}
	if w.Current != nil {
		d.Current = cleanOptionalString(*w.Current)
	}

	if status == FinishContinue {
		var prompt string
		if w.CLI != nil && w.CLI.Prompt != nil {
			prompt = cleanOptionalString(*w.CLI.Prompt)
		}
		if prompt == "" {
			return Decision{}, fmt.Errorf("missing cli prompt for continue")
		}
		d.CLI = &CLIDirective{Prompt: prompt}
	}

	return d, nil
}

func normalizeLegacy(w wireDecisionLegacy) (Decision, error) {
	status, err := normalizeFinishStatus(w.Status)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{FinishStatus: status, Agents: dedupSortAgents(w.Agents)}
	if w.Summary != nil {
		d.Current = cleanOptionalString(*w.Summary)
	}

	if status == FinishContinue {
		var prompt string
		if w.NextPrompt != nil {
			prompt = cleanOptionalString(*w.NextPrompt)
		}
		if prompt == "" {
			return Decision{}, fmt.Errorf("missing cli prompt for continue")
		}
		d.CLI = &CLIDirective{Prompt: prompt}
	}

	return d, nil
}

// normalizeFinishStatus case-insensitively maps a raw status string to one
// of the three canonical values.
func normalizeFinishStatus(raw string) (FinishStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "continue":
		return FinishContinue, nil
	case "finish_success", "success":
		return FinishSuccess, nil
	case "finish_failed", "failed", "failure":
		return FinishFailed, nil
	default:
		return "", fmt.Errorf("unexpected finish_status '%s'", raw)
	}
}

// cleanOptionalString trims whitespace and strips a leading role prefix
// (e.g. "Coordinator: ", "CLI: "); an empty result after cleaning is
// returned as "".
func cleanOptionalString(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range rolePrefixes {
		if strings.HasPrefix(s, prefix) {
			s = strings.TrimSpace(strings.TrimPrefix(s, prefix))
			break
		}
	}
	return s
}

// dedupSortAgents deduplicates agent specs by (prompt, context) and sorts
// by prompt, then sorts and dedups each entry's models list.
func dedupSortAgents(agents []AgentSpec) []AgentSpec {
	if len(agents) == 0 {
		return nil
	}
	seen := map[string]bool{}
	var out []AgentSpec
	for _, a := range agents {
		models := append([]string(nil), a.Models...)
		sort.Strings(models)
		models = dedupStrings(models)
		a.Models = models

		key := a.Prompt + "\x00" + a.Context
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Prompt < out[j].Prompt })
	return out
}

func dedupStrings(sorted []string) []string {
	if len(sorted) == 0 {
		return sorted
	}
	out := sorted[:1]
	for _, s := range sorted[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}

// extractBalancedObject scans s for the first balanced `{...}` object,
// correctly skipping over braces inside quoted strings (respecting
// backslash escapes), returning it and ok=true if found.
func extractBalancedObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
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
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func snippet(s string) string {
	const limit = 2000
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

// RecoverableErrorInfo is the {summary, guidance} pair the loop feeds back
// as a Thinking event when a decode error is recoverable.
type RecoverableErrorInfo struct {
	Summary  string
	Guidance string
}

// ClassifyRecoverableError maps a ParseDecision error to retry guidance,
// or ok=false if the error is not recoverable and the loop should fail
// the planning attempt immediately.
func ClassifyRecoverableError(err error) (RecoverableErrorInfo, bool) {
	if err == nil {
		return RecoverableErrorInfo{}, false
	}
	msg := err.Error()

	switch {
	case strings.HasPrefix(msg, "decision failed schema validation"):
		return RecoverableErrorInfo{
			Summary:  "decision failed schema validation",
			Guidance: "Your response did not match either decision schema (fields of the wrong type, or an unrecognized shape). Re-emit strict JSON matching the documented decision schema.",
		}, true
	case strings.Contains(msg, "missing cli prompt for continue"):
		return RecoverableErrorInfo{
			Summary:  "missing cli prompt for continue",
			Guidance: "Your decision said to continue but did not include a cli.prompt. " +
				"Re-emit the decision with a non-empty cli.prompt.",
		}, true
	case strings.Contains(msg, "unexpected finish_status"):
		return RecoverableErrorInfo{
			Summary:  msg,
			Guidance: "finish_status must be one of continue, finish_success, finish_failed.",
		}, true
	case strings.HasPrefix(msg, "decoding coordinator decision failed"):
		return RecoverableErrorInfo{
			Summary:  "decoding coordinator decision failed",
			Guidance: "Your response was not valid JSON matching the decision schema. Re-emit strict JSON only.",
		}, true
	default:
		return RecoverableErrorInfo{}, false
	}
}
