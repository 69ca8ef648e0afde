package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gobby/internal/gerrors"
	"gobby/internal/logging"
)

func writeWorkflow(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(body), 0o644))
}

func TestLoaderExtendsChildWins(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "base", `
name: base
type: phase
variables:
  depth: 1
  owner: base-team
phases:
  - name: plan
    allowed_tools: [Read, Glob, Grep]
    on_enter:
      - action: inject_message
        template: "planning"
  - name: execute
    allowed_tools: [all]
`)
	writeWorkflow(t, dir, "strict", `
name: strict
extends: base
variables:
  depth: 2
phases:
  - name: plan
    allowed_tools: [Read]
`)

	loader := NewLoader(logging.Nop(), dir)
	defs, err := loader.Load()
	require.NoError(t, err)

	strict := defs["strict"]
	require.NotNil(t, strict)
	require.Len(t, strict.Phases, 2)

	plan := strict.FindPhase("plan")
	require.NotNil(t, plan)
	assert.Equal(t, []string{"Read"}, plan.AllowedTools)
	// Unset child fields inherit from the parent.
	require.Len(t, plan.OnEnter, 1)
	assert.Equal(t, "inject_message", plan.OnEnter[0].Action)

	assert.Equal(t, 2, strict.Variables["depth"])
	assert.Equal(t, "base-team", strict.Variables["owner"])
	assert.NotNil(t, strict.FindPhase("execute"))
}

func TestLoaderExtendsCyclePath(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "a", "name: a\nextends: b\nphases: [{name: p}]\n")
	writeWorkflow(t, dir, "b", "name: b\nextends: a\nphases: [{name: p}]\n")

	loader := NewLoader(logging.Nop(), dir)
	_, err := loader.Load()
	require.Error(t, err)
	assert.Equal(t, gerrors.KindConstraintViolation, gerrors.KindOf(err))
	assert.Contains(t, err.Error(), "->")
}

func TestLoaderProjectShadowsGlobal(t *testing.T) {
	global := t.TempDir()
	project := t.TempDir()
	writeWorkflow(t, global, "dev", "name: dev\nphases: [{name: global-phase}]\n")
	writeWorkflow(t, project, "dev", "name: dev\nphases: [{name: project-phase}]\n")

	loader := NewLoader(logging.Nop(), global, project)
	def, err := loader.Get("dev")
	require.NoError(t, err)
	assert.NotNil(t, def.FindPhase("project-phase"))
	assert.Nil(t, def.FindPhase("global-phase"))
}

func TestLoaderSkipsMalformedFiles(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "good", "name: good\nphases: [{name: p}]\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("{{{not yaml"), 0o644))

	loader := NewLoader(logging.Nop(), dir)
	names, err := loader.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"good", "worktree-agent"}, names)
}

func TestBuiltinWorktreeAgentShips(t *testing.T) {
	loader := NewLoader(logging.Nop(), t.TempDir())
	def, err := loader.Get("worktree-agent")
	require.NoError(t, err)

	phase := def.FindPhase("work")
	require.NotNil(t, phase)
	assert.True(t, blocked(phase, "start_agent"))
	assert.False(t, blocked(phase, "Read"))
	assert.False(t, blocked(phase, "close_task"))
	assert.False(t, blocked(phase, "send_to_parent"))

	// A file of the same name shadows the builtin.
	dir := t.TempDir()
	writeWorkflow(t, dir, "worktree-agent", "name: worktree-agent\nphases: [{name: custom}]\n")
	def, err = NewLoader(logging.Nop(), dir).Get("worktree-agent")
	require.NoError(t, err)
	assert.NotNil(t, def.FindPhase("custom"))
	assert.Nil(t, def.FindPhase("work"))
}

func TestSnapshotRoundTrip(t *testing.T) {
	def := &Definition{
		Name: "wf",
		Type: TypePhase,
		Phases: []Phase{{
			Name:         "plan",
			AllowedTools: []string{"Read"},
			Rules:        []Rule{{When: `tool == "Edit"`, Action: "block", Message: "no edits"}},
		}},
	}
	snap, err := def.Snapshot()
	require.NoError(t, err)

	back, err := ParseSnapshot(snap)
	require.NoError(t, err)
	assert.Equal(t, def.Name, back.Name)
	require.Len(t, back.Phases, 1)
	assert.Equal(t, def.Phases[0].Rules[0].When, back.Phases[0].Rules[0].When)
}
