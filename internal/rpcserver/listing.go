// Session listing, auth, and one-off exec: the JSON-RPC methods that
// don't belong to an existing conversation. Listing pages over
// internal/rollout files merged with the manager's live registry; the
// auth methods read and write internal/config's API-key store.
package rpcserver

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"time"

	"github.com/codexdrive/core/internal/config"
	"github.com/codexdrive/core/internal/conversation"
	"github.com/codexdrive/core/internal/coreerr"
	execpkg "github.com/codexdrive/core/internal/exec"
	"github.com/codexdrive/core/internal/rollout"
)

type listConversationsParams struct {
	Cursor   string `json:"cursor"`
	PageSize int    `json:"page_size"`
}

func (p *Processor) handleListConversations(ctx context.Context, conn string, raw json.RawMessage) (interface{}, error) {
	var params listConversationsParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, coreerr.Wrap(coreerr.InvalidRequest, err, "invalid listConversations params")
		}
	}

	cursor, err := rollout.DecodeCursor(params.Cursor)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.InvalidRequest, err, "invalid cursor")
	}

	items, next, err := p.convs.List(p.homeDir(), cursor, params.PageSize)
	if err != nil {
		return nil, err
	}

	result := map[string]interface{}{"items": listedConversationsToWire(items)}
	if next != (rollout.Cursor{}) {
		result["next_cursor"] = next.Encode()
	}
	return result, nil
}

func listedConversationsToWire(items []conversation.ListedConversation) []map[string]interface{} {
	wire := make([]map[string]interface{}, len(items))
	for i, item := range items {
		wire[i] = map[string]interface{}{
			"conversation_id": item.ConversationID,
			"path":            item.Path,
			"preview":         item.Preview,
			"timestamp":       item.Timestamp,
		}
	}
	return wire
}

type getAuthStatusParams struct {
	IncludeToken bool `json:"include_token"`
}

// handleGetAuthStatus reports whether an API key is on file; auth_token
// is only populated when the caller explicitly asks for it.
func (p *Processor) handleGetAuthStatus(ctx context.Context, conn string, raw json.RawMessage) (interface{}, error) {
	var params getAuthStatusParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, coreerr.Wrap(coreerr.InvalidRequest, err, "invalid getAuthStatus params")
		}
	}

	state, err := config.LoadAuth(p.homeDir())
	if err != nil {
		return nil, err
	}

	result := map[string]interface{}{}
	if state.APIKey != "" {
		result["auth_method"] = "api_key"
		if params.IncludeToken {
			result["auth_token"] = state.APIKey
		}
	} else {
		result["requires_openai_auth"] = true
	}
	return result, nil
}

type loginApiKeyParams struct {
	APIKey string `json:"api_key"`
}

func (p *Processor) handleLoginApiKey(ctx context.Context, conn string, raw json.RawMessage) (interface{}, error) {
	var params loginApiKeyParams
	if err := json.Unmarshal(raw, &params); err != nil || params.APIKey == "" {
		return nil, coreerr.New(coreerr.InvalidRequest, "loginApiKey requires a non-empty api_key")
	}

	if err := config.SaveAuth(p.homeDir(), config.AuthState{APIKey: params.APIKey}); err != nil {
		return nil, err
	}
	return map[string]interface{}{}, nil
}

type execOneOffCommandParams struct {
	Command       string          `json:"command"`
	Cwd           string          `json:"cwd"`
	TimeoutMs     int             `json:"timeout_ms"`
	SandboxPolicy json.RawMessage `json:"sandbox_policy"`
}

// handleExecOneOffCommand runs a single bash -c command outside any
// conversation's turn, the same bash -c shape internal/tools/handlers's
// ShellTool uses, minus tool-router plumbing since there's no invocation
// to route. sandbox_policy is rejected outright; one-off commands always
// run unsandboxed.
func (p *Processor) handleExecOneOffCommand(ctx context.Context, conn string, raw json.RawMessage) (interface{}, error) {
	var params execOneOffCommandParams
	if err := json.Unmarshal(raw, &params); err != nil || params.Command == "" {
		return nil, coreerr.New(coreerr.InvalidRequest, "execOneOffCommand requires a non-empty command")
	}
	if len(params.SandboxPolicy) > 0 && string(params.SandboxPolicy) != "null" {
		return nil, coreerr.New(coreerr.InvalidRequest, "execOneOffCommand does not accept a sandbox_policy override")
	}

	runCtx := ctx
	if params.TimeoutMs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(params.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "bash", "-c", params.Command)
	if params.Cwd != "" {
		cmd.Dir = params.Cwd
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		if runCtx.Err() != nil {
			return nil, runCtx.Err()
		}
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, coreerr.Wrap(coreerr.Internal, runErr, "failed to run command")
		}
	}

	stdout, _ := execpkg.LimitOutput(stdoutBuf.Bytes())
	stderr, _ := execpkg.LimitOutput(stderrBuf.Bytes())
	return map[string]interface{}{
		"exit_code": exitCode,
		"stdout":    string(stdout),
		"stderr":    string(stderr),
	}, nil
}
