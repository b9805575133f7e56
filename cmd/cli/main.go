// cli is the interactive front-end for the core: it wires a fresh
// conversation manager, approval broker, and JSON-RPC request processor
// in-process, with no socket between client and core, and drives them
// through internal/tui's bubbletea program.
//
// Usage:
//
//	cli -m "hello"                 Start a new conversation with an initial message
//	cli                            Start a new conversation, enter input immediately
//	cli --model gpt-4o-mini        Use a specific model
//	cli --approval-mode never      Run every tool call without prompting
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/codexdrive/core/internal/config"
	"github.com/codexdrive/core/internal/tui"
)

func main() {
	message := flag.String("m", "", "Initial message (sent once the conversation opens)")
	message2 := flag.String("message", "", "Initial message (alias for -m)")
	model := flag.String("model", "", "LLM model to use (defaults to config.toml's model key)")
	approvalMode := flag.String("approval-mode", "", "Approval policy: untrusted, on-failure, on-request, never")
	cwd := flag.String("cwd", "", "Working directory for the conversation (defaults to the current directory)")
	noColor := flag.Bool("no-color", false, "Disable colored output")
	noMarkdown := flag.Bool("no-markdown", false, "Disable markdown rendering")
	inline := flag.Bool("inline", false, "Run without the terminal alt-screen (useful when piping output)")
	flag.Parse()

	msg := *message
	if msg == "" {
		msg = *message2
	}

	workdir := *cwd
	if workdir == "" {
		workdir, _ = os.Getwd()
	}

	home := config.Home()
	usingOverride := os.Getenv("CODE_HOME") != "" || os.Getenv("CODEX_HOME") != ""
	fileCfg, err := config.Load(home, usingOverride)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load %s: %v\n", config.Path(home), err)
	}

	resolvedModel := *model
	if resolvedModel == "" {
		resolvedModel = fileCfg.Model
	}

	cfg := tui.Config{
		Cwd:            workdir,
		Model:          resolvedModel,
		ApprovalPolicy: *approvalMode,
		NoColor:        *noColor,
		NoMarkdown:     *noMarkdown,
		Inline:         *inline,
		RolloutHome:    home,
		Message:        msg,
	}

	// Watching config.toml lets a model/profile edit made in another editor
	// take effect on the *next* conversation without restarting the CLI;
	// the running conversation's model is unaffected.
	watcher, watchErr := config.Watch(home, usingOverride, func(reloaded config.Config, loadErr error) {
		if loadErr != nil {
			fmt.Fprintf(os.Stderr, "\nWarning: failed to reload %s: %v\n", config.Path(home), loadErr)
			return
		}
		fmt.Fprintf(os.Stderr, "\n%s changed; new conversations will use model %q\n", config.Path(home), reloaded.Model)
	})
	if watchErr == nil {
		defer watcher.Close()
	}

	if err := tui.Run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
