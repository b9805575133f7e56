// Package config resolves the core's home directory and loads/persists
// config.toml.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/codexdrive/core/internal/coreerr"
	"github.com/codexdrive/core/internal/models"
)

// FileName is the config file's name inside the home directory.
const FileName = "config.toml"

// Home resolves the core's home directory: CODE_HOME or CODEX_HOME
// override it; if neither is set, it defaults to ~/.code.
func Home() string {
	if v := os.Getenv("CODE_HOME"); v != "" {
		return v
	}
	if v := os.Getenv("CODEX_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".code")
}

// legacyHome is the pre-rename home directory, consulted for reads only
// when neither CODE_HOME nor CODEX_HOME is set and Home()'s config file is
// absent.
func legacyHome() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".codex")
}

// ProfileConfig is one entry of the `profiles.<name>.*` table: a named
// bundle of overrides a conversation can opt into via newConversation's
// `profile` param.
type ProfileConfig struct {
	Model          string              `toml:"model"`
	Provider       string              `toml:"provider"`
	ApprovalPolicy models.ApprovalMode `toml:"approval_policy"`
	SandboxMode    string              `toml:"sandbox_mode"`
}

// ProjectConfig is one entry of the `projects.<path>.*` table.
type ProjectConfig struct {
	TrustLevel          string              `toml:"trust_level"`
	ApprovalPolicy      models.ApprovalMode `toml:"approval_policy"`
	SandboxMode         string              `toml:"sandbox_mode"`
	AlwaysAllowCommands []string            `toml:"always_allow_commands"`
}

// TUIConfig holds `tui.*` keys.
type TUIConfig struct {
	Theme         string `toml:"theme"`
	ShowReasoning bool   `toml:"show_reasoning"`
	Notifications bool   `toml:"notifications"`
}

// GitHubConfig holds `github.*` keys.
type GitHubConfig struct {
	CheckWorkflows bool `toml:"check_workflows"`
}

// ValidationConfig holds `validation.{groups,tools}` keys.
type ValidationConfig struct {
	Groups []string `toml:"groups"`
	Tools  []string `toml:"tools"`
}

// Config is the core's resolved config.toml: model,
// model_reasoning_effort, profiles.<name>.*, projects.<path>.*, tui.*,
// github.*, validation.{groups,tools}.
type Config struct {
	Model                string                         `toml:"model"`
	ModelReasoningEffort string                         `toml:"model_reasoning_effort"`
	Profiles             map[string]ProfileConfig       `toml:"profiles"`
	Projects             map[string]ProjectConfig       `toml:"projects"`
	TUI                  TUIConfig                      `toml:"tui"`
	GitHub               GitHubConfig                   `toml:"github"`
	Validation           ValidationConfig               `toml:"validation"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Model: "gpt-4o-mini",
		TUI:   TUIConfig{Notifications: true},
	}
}

// Path returns the resolved config.toml path under home.
func Path(home string) string {
	return filepath.Join(home, FileName)
}

// Load reads config.toml from home, falling back to the legacy ~/.codex
// directory (read-only) when home has no override and no file of its
// own, and finally to Default() if neither exists.
func Load(home string, usingOverride bool) (Config, error) {
	cfg := Default()

	path := Path(home)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, coreerr.Wrap(coreerr.Internal, err, "failed to read config file")
		}
		if usingOverride {
			return cfg, nil
		}
		data, err = os.ReadFile(Path(legacyHome()))
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, nil
			}
			return cfg, coreerr.Wrap(coreerr.Internal, err, "failed to read legacy config file")
		}
	}

	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return Config{}, coreerr.Wrap(coreerr.Internal, err, "failed to parse config file")
	}
	return cfg, nil
}

// Save persists cfg to home's config.toml atomically: it encodes to a
// temporary file in the same directory, then renames over the target, so
// a reader never observes a partially-written file.
func Save(home string, cfg Config) error {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return coreerr.Wrap(coreerr.Internal, err, "failed to create home directory")
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return coreerr.Wrap(coreerr.Internal, err, "failed to encode config")
	}

	tmp, err := os.CreateTemp(home, fmt.Sprintf(".%s.tmp-*", FileName))
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, err, "failed to create temp config file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return coreerr.Wrap(coreerr.Internal, err, "failed to write temp config file")
	}
	if err := tmp.Close(); err != nil {
		return coreerr.Wrap(coreerr.Internal, err, "failed to close temp config file")
	}

	if err := os.Rename(tmpPath, Path(home)); err != nil {
		return coreerr.Wrap(coreerr.Internal, err, "failed to persist config file")
	}
	return nil
}

// ResolveProject looks up the `projects.<path>.*` entry for an absolute
// project path, returning the zero value if none is configured.
func (c Config) ResolveProject(path string) ProjectConfig {
	return c.Projects[path]
}
