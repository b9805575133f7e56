package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codexdrive/core/internal/models"
)

func TestHome_PrefersCodeHomeOverCodexHome(t *testing.T) {
	t.Setenv("CODE_HOME", "/tmp/code-home")
	t.Setenv("CODEX_HOME", "/tmp/codex-home")
	assert.Equal(t, "/tmp/code-home", Home())
}

func TestHome_FallsBackToCodexHome(t *testing.T) {
	t.Setenv("CODE_HOME", "")
	t.Setenv("CODEX_HOME", "/tmp/codex-home")
	assert.Equal(t, "/tmp/codex-home", Home())
}

func TestHome_DefaultsToDotCode(t *testing.T) {
	t.Setenv("CODE_HOME", "")
	t.Setenv("CODEX_HOME", "")
	home, _ := os.UserHomeDir()
	assert.Equal(t, filepath.Join(home, ".code"), Home())
}

func TestLoad_MissingFileReturnsDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir, true)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestSaveThenLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Model = "claude-sonnet"
	cfg.ModelReasoningEffort = "high"
	cfg.Profiles = map[string]ProfileConfig{
		"fast": {Model: "gpt-4o-mini", Provider: "openai", ApprovalPolicy: models.ApprovalNever},
	}
	cfg.Projects = map[string]ProjectConfig{
		"/repo": {TrustLevel: "trusted", ApprovalPolicy: models.ApprovalOnFailure, SandboxMode: "workspace-write"},
	}

	require.NoError(t, Save(dir, cfg))
	assert.FileExists(t, Path(dir))

	got, err := Load(dir, true)
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet", got.Model)
	assert.Equal(t, "high", got.ModelReasoningEffort)
	assert.Equal(t, "gpt-4o-mini", got.Profiles["fast"].Model)
	assert.Equal(t, models.ApprovalOnFailure, got.Projects["/repo"].ApprovalPolicy)
}

func TestSave_WritesAtomicallyViaTempFileRename(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(dir, Default()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, FileName, entries[0].Name())
}

func TestLoad_UsingOverrideSkipsLegacyFallback(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir, true)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestResolveProject_UnknownPathReturnsZeroValue(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ProjectConfig{}, cfg.ResolveProject("/nope"))
}
