package gitops

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gobby/internal/llm"
	"gobby/internal/logging"
)

func TestParseConflictHunks(t *testing.T) {
	content := strings.Join([]string{
		"package main",
		"<<<<<<< HEAD",
		"const version = \"2.0\"",
		"=======",
		"const version = \"1.5\"",
		">>>>>>> feature",
		"func main() {}",
	}, "\n")

	hunks := parseConflictHunks(content)
	require.Len(t, hunks, 1)
	assert.Equal(t, "const version = \"2.0\"", hunks[0].Ours)
	assert.Equal(t, "const version = \"1.5\"", hunks[0].Theirs)
	assert.Empty(t, hunks[0].Base)
}

func TestParseConflictHunksDiff3(t *testing.T) {
	content := strings.Join([]string{
		"<<<<<<< HEAD",
		"ours line",
		"||||||| merged common ancestors",
		"base line",
		"=======",
		"theirs line",
		">>>>>>> feature",
	}, "\n")

	hunks := parseConflictHunks(content)
	require.Len(t, hunks, 1)
	assert.Equal(t, "ours line", hunks[0].Ours)
	assert.Equal(t, "base line", hunks[0].Base)
	assert.Equal(t, "theirs line", hunks[0].Theirs)
}

func TestReplaceConflictRegions(t *testing.T) {
	content := strings.Join([]string{
		"a",
		"<<<<<<< HEAD",
		"ours",
		"=======",
		"theirs",
		">>>>>>> x",
		"b",
	}, "\n")

	merged := replaceConflictRegions(content, []string{"resolved"})
	assert.Equal(t, "a\nresolved\nb", merged)
	assert.False(t, HasConflictMarkers(merged))
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, "plain", stripFences("plain"))
	assert.Equal(t, "x := 1", stripFences("```go\nx := 1\n```"))
	assert.Equal(t, "x := 1", stripFences("```\nx := 1\n```"))
}

func TestValidateResolutionRejectsMarkers(t *testing.T) {
	err := validateResolution("<<<<<<< HEAD\nx")
	require.Error(t, err)
	assert.NoError(t, validateResolution("clean content"))
}

func TestDiffTruncation(t *testing.T) {
	out := truncate(strings.Repeat("x", 100), 10)
	assert.True(t, strings.HasPrefix(out, "xxxxxxxxxx"))
	assert.True(t, strings.HasSuffix(out, "[diff truncated]"))
	assert.Equal(t, "short", truncate("short", 10))
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

// initRepo creates a repo on branch main with one committed file.
func initRepo(t *testing.T, g *Git) string {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "test"},
	} {
		_, err := g.run(ctx, dir, args...)
		require.NoError(t, err)
	}
	writeFile(t, dir, "notes.txt", "line one\nline two\nline three\n")
	require.NoError(t, g.AddAll(ctx, dir))
	require.NoError(t, g.Commit(ctx, dir, "initial"))
	return dir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

// divergeBranches makes main and a feature branch edit the same line.
func divergeBranches(t *testing.T, g *Git, dir string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, g.CheckoutNewBranch(ctx, dir, "feature"))
	writeFile(t, dir, "notes.txt", "line one\nfeature edit\nline three\n")
	require.NoError(t, g.AddAll(ctx, dir))
	require.NoError(t, g.Commit(ctx, dir, "feature change"))

	_, err := g.run(ctx, dir, "checkout", "main")
	require.NoError(t, err)
	writeFile(t, dir, "notes.txt", "line one\nmain edit\nline three\n")
	require.NoError(t, g.AddAll(ctx, dir))
	require.NoError(t, g.Commit(ctx, dir, "main change"))
}

func TestMergeCleanReportsGitAuto(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	g := New(logging.Nop())
	dir := initRepo(t, g)

	require.NoError(t, g.CheckoutNewBranch(ctx, dir, "feature"))
	writeFile(t, dir, "other.txt", "new file\n")
	require.NoError(t, g.AddAll(ctx, dir))
	require.NoError(t, g.Commit(ctx, dir, "add other"))
	_, err := g.run(ctx, dir, "checkout", "main")
	require.NoError(t, err)

	r := NewResolver(g, nil, "", logging.Nop())
	outcome, err := r.MergeBranch(ctx, dir, "feature")
	require.NoError(t, err)
	assert.True(t, outcome.Merged)
	assert.Equal(t, TierGitAuto, outcome.Tier)
}

func TestMergeConflictStructured(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	g := New(logging.Nop())
	dir := initRepo(t, g)
	divergeBranches(t, g, dir)

	res, err := g.Merge(ctx, dir, "feature")
	require.NoError(t, err)
	require.False(t, res.Clean)
	require.Len(t, res.Conflicts, 1)

	c := res.Conflicts[0]
	assert.Equal(t, "notes.txt", c.Path)
	assert.Contains(t, c.Ours, "main edit")
	assert.Contains(t, c.Theirs, "feature edit")
	assert.Contains(t, c.Base, "line two")
	require.Len(t, c.Hunks, 1)

	require.NoError(t, g.AbortMerge(ctx, dir))
}

type scriptedCompleter struct {
	text string
	err  error
}

func (s *scriptedCompleter) Complete(context.Context, string, llm.Request) (*llm.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Text: s.text}, nil
}

func TestResolverConflictOnlyTier(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	g := New(logging.Nop())
	dir := initRepo(t, g)
	divergeBranches(t, g, dir)

	r := NewResolver(g, &scriptedCompleter{text: "merged edit"}, "", logging.Nop())
	outcome, err := r.MergeBranch(ctx, dir, "feature")
	require.NoError(t, err)
	assert.True(t, outcome.Merged)
	assert.Equal(t, TierConflictAI, outcome.Tier)

	raw, err := os.ReadFile(filepath.Join(dir, "notes.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "merged edit")
	assert.False(t, HasConflictMarkers(string(raw)))
}

func TestResolverEscalatesToHumanWithoutLLM(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	g := New(logging.Nop())
	dir := initRepo(t, g)
	divergeBranches(t, g, dir)

	r := NewResolver(g, nil, "", logging.Nop())
	outcome, err := r.MergeBranch(ctx, dir, "feature")
	require.NoError(t, err)
	assert.False(t, outcome.Merged)
	assert.Equal(t, TierHumanReview, outcome.Tier)
	require.NotEmpty(t, outcome.Conflicts)

	// Merge was aborted so the tree is back to main's content.
	raw, err := os.ReadFile(filepath.Join(dir, "notes.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "main edit")
}

func TestWorktreeLifecycle(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	g := New(logging.Nop())
	dir := initRepo(t, g)

	wtPath := filepath.Join(t.TempDir(), "wt")
	require.NoError(t, g.AddWorktree(ctx, dir, wtPath, "task-branch", "main"))

	infos, err := g.ListWorktrees(ctx, dir)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "task-branch", infos[1].Branch)

	branch, err := g.CurrentBranch(ctx, wtPath)
	require.NoError(t, err)
	assert.Equal(t, "task-branch", branch)

	require.NoError(t, g.RemoveWorktree(ctx, dir, wtPath, true))
	infos, err = g.ListWorktrees(ctx, dir)
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}
