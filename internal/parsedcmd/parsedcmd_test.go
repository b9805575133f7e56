package parsedcmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_SedRange(t *testing.T) {
	cmds := Classify([]string{"bash", "-lc", "sed -n '10,20p' a.rs"})
	require.Len(t, cmds, 1)
	assert.Equal(t, KindRead, cmds[0].Kind)
	assert.Equal(t, "a.rs", cmds[0].Name)
	require.NotNil(t, cmds[0].Range)
	assert.Equal(t, 10, cmds[0].Range.Start)
	assert.Equal(t, 20, cmds[0].Range.End)
}

func TestClassify_HeadDefaultsToTen(t *testing.T) {
	cmds := Classify([]string{"bash", "-lc", "head a.rs"})
	require.Len(t, cmds, 1)
	assert.Equal(t, KindRead, cmds[0].Kind)
	assert.Equal(t, 1, cmds[0].Range.Start)
	assert.Equal(t, 10, cmds[0].Range.End)
}

func TestClassify_HeadWithN(t *testing.T) {
	cmds := Classify([]string{"bash", "-lc", "head -n 50 a.rs"})
	require.Len(t, cmds, 1)
	assert.Equal(t, KindRead, cmds[0].Kind)
	assert.Equal(t, 1, cmds[0].Range.Start)
	assert.Equal(t, 50, cmds[0].Range.End)
}

func TestClassify_TailPlusK(t *testing.T) {
	cmds := Classify([]string{"bash", "-lc", "tail -n +100 a.rs"})
	require.Len(t, cmds, 1)
	assert.Equal(t, KindRead, cmds[0].Kind)
	require.NotNil(t, cmds[0].Range)
	assert.Equal(t, 100, cmds[0].Range.Start)
	assert.Equal(t, Unbounded, cmds[0].Range.End)
	assert.Nil(t, cmds[0].LastN)
}

func TestClassify_TailLastN(t *testing.T) {
	cmds := Classify([]string{"bash", "-lc", "tail -n 25 a.rs"})
	require.Len(t, cmds, 1)
	assert.Equal(t, KindRead, cmds[0].Kind)
	assert.Nil(t, cmds[0].Range)
	require.NotNil(t, cmds[0].LastN)
	assert.Equal(t, 25, *cmds[0].LastN)
}

func TestClassify_BareTail(t *testing.T) {
	cmds := Classify([]string{"bash", "-lc", "tail a.rs"})
	require.Len(t, cmds, 1)
	assert.Equal(t, KindRead, cmds[0].Kind)
	require.NotNil(t, cmds[0].LastN)
	assert.Equal(t, 10, *cmds[0].LastN)
}

func TestClassify_Search(t *testing.T) {
	cmds := Classify([]string{"bash", "-lc", "rg -C 3 foo src"})
	require.Len(t, cmds, 1)
	assert.Equal(t, KindSearch, cmds[0].Kind)
	assert.Equal(t, "foo", cmds[0].Query)
	assert.Equal(t, "src", cmds[0].Path)
}

func TestClassify_SearchQueryPrettify(t *testing.T) {
	cmds := Classify([]string{"bash", "-lc", `grep 'foo\(bar' src`})
	require.Len(t, cmds, 1)
	assert.Equal(t, KindSearch, cmds[0].Kind)
	assert.Equal(t, "foo(bar)", cmds[0].Query)
}

func TestClassify_List(t *testing.T) {
	cmds := Classify([]string{"bash", "-lc", "ls src"})
	require.Len(t, cmds, 1)
	assert.Equal(t, KindList, cmds[0].Kind)
	assert.Equal(t, "src", cmds[0].Path)
}

func TestClassify_FindBareDir(t *testing.T) {
	cmds := Classify([]string{"bash", "-lc", "find src"})
	require.Len(t, cmds, 1)
	assert.Equal(t, KindList, cmds[0].Kind)
	assert.Equal(t, "src", cmds[0].Path)
}

func TestClassify_FindWithPredicateIsRun(t *testing.T) {
	cmds := Classify([]string{"bash", "-lc", "find src -name *.go"})
	require.Len(t, cmds, 1)
	assert.Equal(t, KindRun, cmds[0].Kind)
}

func TestClassify_ChainedCommands(t *testing.T) {
	cmds := Classify([]string{"bash", "-lc", "ls src && cat a.rs"})
	require.Len(t, cmds, 2)
	assert.Equal(t, KindList, cmds[0].Kind)
	assert.Equal(t, KindRun, cmds[1].Kind)
}

func TestClassify_UnsafeConstructFallsBackToRun(t *testing.T) {
	cmds := Classify([]string{"bash", "-lc", "ls $(pwd)"})
	require.Len(t, cmds, 1)
	assert.Equal(t, KindRun, cmds[0].Kind)
}

func TestClassify_NonShellArgv(t *testing.T) {
	cmds := Classify([]string{"python3", "script.py"})
	require.Len(t, cmds, 1)
	assert.Equal(t, KindRun, cmds[0].Kind)
	assert.Equal(t, "python3 script.py", cmds[0].Raw)
}

func TestActionOf_FirstNonRun(t *testing.T) {
	cmds := []ParsedCommand{
		{Kind: KindRun, Raw: "echo hi"},
		{Kind: KindSearch, Query: "foo"},
		{Kind: KindList, Path: "."},
	}
	assert.Equal(t, KindSearch, ActionOf(cmds))
}

func TestActionOf_AllRun(t *testing.T) {
	cmds := []ParsedCommand{
		{Kind: KindRun, Raw: "echo hi"},
		{Kind: KindRun, Raw: "echo bye"},
	}
	assert.Equal(t, KindRun, ActionOf(cmds))
}

func TestActionOf_Empty(t *testing.T) {
	assert.Equal(t, KindRun, ActionOf(nil))
}
