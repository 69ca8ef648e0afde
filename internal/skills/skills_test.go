package skills

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSkill(t *testing.T, dir, file, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(dir, file)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644))
}

const reviewSkill = `---
name: code-review
description: How to review a pull request in this repo
category: process
---

# Reviewing

Read the diff top to bottom.
`

func TestLoadAndGet(t *testing.T) {
	global := t.TempDir()
	writeSkill(t, global, "review.md", reviewSkill)

	lib, err := Load(global, "")
	require.NoError(t, err)

	metas := lib.List()
	require.Len(t, metas, 1)
	assert.Equal(t, "code-review", metas[0].Name)
	assert.Equal(t, ScopeGlobal, metas[0].Scope)

	s, err := lib.Get("Code Review")
	require.NoError(t, err)
	assert.Equal(t, "Reviewing", s.Title)
	assert.Contains(t, s.Body, "top to bottom")
}

func TestProjectShadowsGlobal(t *testing.T) {
	global := t.TempDir()
	project := t.TempDir()
	writeSkill(t, global, "review.md", reviewSkill)
	writeSkill(t, project, "review.md", `---
name: code-review
description: Project-specific review checklist
---
Use the project checklist.
`)

	lib, err := Load(global, project)
	require.NoError(t, err)
	s, err := lib.Get("code-review")
	require.NoError(t, err)
	assert.Equal(t, ScopeProject, s.Scope)
	assert.Contains(t, s.Body, "project checklist")
}

func TestBundleDirAndNameFallback(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, filepath.Join("deploy-guide", "SKILL.md"), `---
description: Deploying the daemon
---
Run the release script.
`)

	lib, err := Load(dir, "")
	require.NoError(t, err)
	s, err := lib.Get("deploy-guide")
	require.NoError(t, err)
	assert.Equal(t, "Deploying the daemon", s.Description)
}

func TestMissingDescriptionFails(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "bad.md", "---\nname: bad\n---\nbody\n")
	_, err := Load(dir, "")
	require.Error(t, err)
}

func TestAlwaysApplyAndMicro(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "pinned.md", `---
name: commit-style
description: Commit message rules
always_apply: true
---
Use imperative mood.
`)
	writeSkill(t, dir, "fix.md", `---
name: fix-lockfile
description: What to do when the lockfile conflicts
micro: true
---
Delete the lockfile and reinstall.
`)

	lib, err := Load(dir, "")
	require.NoError(t, err)

	pinned := lib.AlwaysApply()
	require.Len(t, pinned, 1)
	assert.Equal(t, "commit-style", pinned[0].Name)

	assert.Contains(t, lib.Micro("fix-lockfile"), "reinstall")
	assert.Empty(t, lib.Micro("commit-style"))
}

func TestSearchRanksByTermHits(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "review.md", reviewSkill)
	writeSkill(t, dir, "deploy.md", `---
name: deploy
description: Rolling deploys and rollback
---
Rollback with the previous tag.
`)

	lib, err := Load(dir, "")
	require.NoError(t, err)

	hits := lib.Search("rollback deploy", 5)
	require.Len(t, hits, 1)
	assert.Equal(t, "deploy", hits[0].Name)

	assert.Empty(t, lib.Search("", 5))
}

func TestMissingDirsAreEmpty(t *testing.T) {
	lib, err := Load(filepath.Join(t.TempDir(), "nope"), "")
	require.NoError(t, err)
	assert.Empty(t, lib.List())
}
