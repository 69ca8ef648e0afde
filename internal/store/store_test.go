package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gobby/internal/gerrors"
	"gobby/internal/logging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:", WithLogger(logging.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestProject(t *testing.T, s *Store, name string) *Project {
	t.Helper()
	proj, err := s.Projects.Create(context.Background(), name, "/tmp/"+name, "main")
	require.NoError(t, err)
	return proj
}

func newTestTask(t *testing.T, s *Store, projectID, title string, blocks ...string) *Task {
	t.Helper()
	task, err := s.Tasks.Create(context.Background(), CreateTaskParams{
		ProjectID: projectID,
		Title:     title,
		Blocks:    blocks,
	})
	require.NoError(t, err)
	return task
}

func TestReadyWorkDAG(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	proj := newTestProject(t, s, "dag")

	t1 := newTestTask(t, s, proj.ID, "T1")
	t2 := newTestTask(t, s, proj.ID, "T2", t1.ID)
	t3 := newTestTask(t, s, proj.ID, "T3", t2.ID)

	ready, err := s.Tasks.ListReady(ctx, ListFilters{ProjectID: proj.ID})
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, t1.ID, ready[0].ID)

	require.NoError(t, s.Tasks.SetStatus(ctx, t1.ID, TaskCompleted, "", ""))
	ready, err = s.Tasks.ListReady(ctx, ListFilters{ProjectID: proj.ID})
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, t2.ID, ready[0].ID)

	require.NoError(t, s.Tasks.SetStatus(ctx, t2.ID, TaskCompleted, "", ""))
	ready, err = s.Tasks.ListReady(ctx, ListFilters{ProjectID: proj.ID})
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, t3.ID, ready[0].ID)

	// Closing the loop is a constraint violation with the cycle path.
	err = s.Tasks.AddDependency(ctx, t1.ID, t3.ID, DepBlocks)
	require.Error(t, err)
	assert.Equal(t, gerrors.KindConstraintViolation, gerrors.KindOf(err))
	assert.Contains(t, err.Error(), "cycle")
}

func TestRelatedEdgesNeverBlock(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	proj := newTestProject(t, s, "related")

	a := newTestTask(t, s, proj.ID, "A")
	b := newTestTask(t, s, proj.ID, "B")
	// A circular related edge is legal and does not affect readiness.
	require.NoError(t, s.Tasks.AddDependency(ctx, a.ID, b.ID, DepRelated))
	require.NoError(t, s.Tasks.AddDependency(ctx, b.ID, a.ID, DepRelated))

	ready, err := s.Tasks.ListReady(ctx, ListFilters{ProjectID: proj.ID})
	require.NoError(t, err)
	assert.Len(t, ready, 2)
}

func TestSelfDependencyRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	proj := newTestProject(t, s, "selfdep")
	a := newTestTask(t, s, proj.ID, "A")

	err := s.Tasks.AddDependency(ctx, a.ID, a.ID, DepBlocks)
	assert.Equal(t, gerrors.KindConstraintViolation, gerrors.KindOf(err))
}

func TestParentBlockedByChildren(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	proj := newTestProject(t, s, "parent")

	parent := newTestTask(t, s, proj.ID, "epic")
	child, err := s.Tasks.Create(ctx, CreateTaskParams{
		ProjectID:    proj.ID,
		ParentTaskID: parent.ID,
		Title:        "subtask",
	})
	require.NoError(t, err)

	ready, err := s.Tasks.ListReady(ctx, ListFilters{ProjectID: proj.ID})
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, child.ID, ready[0].ID)

	require.NoError(t, s.Tasks.SetStatus(ctx, child.ID, TaskCompleted, "", ""))
	ready, err = s.Tasks.ListReady(ctx, ListFilters{ProjectID: proj.ID})
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, parent.ID, ready[0].ID)
}

func TestTaskSeqNumsPerProject(t *testing.T) {
	s := newTestStore(t)
	p1 := newTestProject(t, s, "p1")
	p2 := newTestProject(t, s, "p2")

	a := newTestTask(t, s, p1.ID, "a")
	b := newTestTask(t, s, p1.ID, "b")
	c := newTestTask(t, s, p2.ID, "c")

	assert.Equal(t, 1, a.SeqNum)
	assert.Equal(t, 2, b.SeqNum)
	assert.Equal(t, 1, c.SeqNum)
}

func TestResolveTaskRef(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p1 := newTestProject(t, s, "ref1")
	p2 := newTestProject(t, s, "ref2")

	a := newTestTask(t, s, p1.ID, "a")
	newTestTask(t, s, p2.ID, "b")

	// #1 with project is deterministic.
	id, err := s.Tasks.ResolveRef(ctx, "#1", p1.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, id)

	// Bare numeric works too.
	id, err = s.Tasks.ResolveRef(ctx, "1", p1.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, id)

	// #1 without project is ambiguous across two projects.
	_, err = s.Tasks.ResolveRef(ctx, "#1", "")
	assert.Equal(t, gerrors.KindAmbiguousReference, gerrors.KindOf(err))

	// Full id and unambiguous prefix resolve.
	id, err = s.Tasks.ResolveRef(ctx, a.ID, "")
	require.NoError(t, err)
	assert.Equal(t, a.ID, id)

	id, err = s.Tasks.ResolveRef(ctx, a.ID[:5], "")
	if err == nil {
		assert.Equal(t, a.ID, id)
	} else {
		// Short-hash prefixes can legitimately collide across tasks.
		assert.Equal(t, gerrors.KindAmbiguousReference, gerrors.KindOf(err))
	}

	_, err = s.Tasks.ResolveRef(ctx, "#99", p1.ID)
	assert.Equal(t, gerrors.KindNotFound, gerrors.KindOf(err))
}

func TestSessionSeqAndRefs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	proj := newTestProject(t, s, "sess")

	s1, err := s.Sessions.Create(ctx, CreateSessionParams{ProjectID: proj.ID, Source: "claude"})
	require.NoError(t, err)
	s2, err := s.Sessions.Create(ctx, CreateSessionParams{ProjectID: proj.ID, Source: "codex"})
	require.NoError(t, err)
	assert.Equal(t, 1, s1.SeqNum)
	assert.Equal(t, 2, s2.SeqNum)

	id, err := s.Sessions.ResolveRef(ctx, "#2", proj.ID)
	require.NoError(t, err)
	assert.Equal(t, s2.ID, id)
}

func TestAgentDepthInheritance(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	proj := newTestProject(t, s, "depth")

	parent, err := s.Sessions.Create(ctx, CreateSessionParams{ProjectID: proj.ID})
	require.NoError(t, err)
	child, err := s.Sessions.Create(ctx, CreateSessionParams{
		ProjectID:       proj.ID,
		ParentSessionID: parent.ID,
		AgentDepth:      parent.AgentDepth + 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, child.AgentDepth)
}

func TestHandoffConsumeExpiresOldest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	proj := newTestProject(t, s, "handoff")

	s1, err := s.Sessions.Create(ctx, CreateSessionParams{ProjectID: proj.ID, MachineID: "m1"})
	require.NoError(t, err)
	require.NoError(t, s.Sessions.SetSummary(ctx, s1.ID, "# summary one"))

	got, err := s.Sessions.ConsumeHandoff(ctx, proj.ID, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, s1.ID, got.ID)

	expired, err := s.Sessions.Get(ctx, s1.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionExpired, expired.Status)

	// Nothing left to consume.
	got, err = s.Sessions.ConsumeHandoff(ctx, proj.ID, "m1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestProjectDeleteReassignsToOrphaned(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	proj := newTestProject(t, s, "doomed")
	task := newTestTask(t, s, proj.ID, "survivor")

	require.NoError(t, s.Projects.Delete(ctx, proj.ID))

	orphan, err := s.Projects.GetByName(ctx, OrphanedProjectName)
	require.NoError(t, err)
	moved, err := s.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, orphan.ID, moved.ProjectID)
}

func TestProtectedProjectNotDeletable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	orphan, err := s.Projects.EnsureOrphaned(ctx)
	require.NoError(t, err)

	err = s.Projects.Delete(ctx, orphan.ID)
	assert.Equal(t, gerrors.KindConstraintViolation, gerrors.KindOf(err))
}

func TestRenameToOrphanedRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	proj := newTestProject(t, s, "renameme")
	err := s.Projects.Rename(ctx, proj.ID, OrphanedProjectName)
	assert.Equal(t, gerrors.KindConstraintViolation, gerrors.KindOf(err))
}

func TestMarkReadIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	proj := newTestProject(t, s, "msgs")
	a, err := s.Sessions.Create(ctx, CreateSessionParams{ProjectID: proj.ID})
	require.NoError(t, err)
	b, err := s.Sessions.Create(ctx, CreateSessionParams{ProjectID: proj.ID})
	require.NoError(t, err)

	msg, err := s.Messages.Send(ctx, a.ID, b.ID, "hello", PriorityUrgent)
	require.NoError(t, err)

	require.NoError(t, s.Messages.MarkRead(ctx, msg.ID))
	after, err := s.Messages.Poll(ctx, b.ID, false)
	require.NoError(t, err)
	require.Len(t, after, 1)
	firstRead := after[0].ReadAt
	require.NotNil(t, firstRead)

	require.NoError(t, s.Messages.MarkRead(ctx, msg.ID))
	again, err := s.Messages.Poll(ctx, b.ID, false)
	require.NoError(t, err)
	assert.Equal(t, firstRead.UnixNano(), again[0].ReadAt.UnixNano())

	unread, err := s.Messages.Poll(ctx, b.ID, true)
	require.NoError(t, err)
	assert.Empty(t, unread)
}

func TestSinglePhaseWorkflowPerSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	proj := newTestProject(t, s, "wf")
	sess, err := s.Sessions.Create(ctx, CreateSessionParams{ProjectID: proj.ID})
	require.NoError(t, err)

	first := &WorkflowState{SessionID: sess.ID, WorkflowName: "plan-execute", WorkflowType: "phase", Definition: "a: 1"}
	require.NoError(t, s.Workflows.Activate(ctx, first))

	// Same definition: idempotent.
	require.NoError(t, s.Workflows.Activate(ctx, &WorkflowState{
		SessionID: sess.ID, WorkflowName: "plan-execute", WorkflowType: "phase", Definition: "a: 1"}))

	// Different workflow: rejected while the first is active.
	err = s.Workflows.Activate(ctx, &WorkflowState{
		SessionID: sess.ID, WorkflowName: "tdd", WorkflowType: "phase", Definition: "b: 2"})
	assert.Equal(t, gerrors.KindConstraintViolation, gerrors.KindOf(err))

	// Lifecycle workflows coexist freely.
	require.NoError(t, s.Workflows.Activate(ctx, &WorkflowState{
		SessionID: sess.ID, WorkflowName: "autosave", WorkflowType: "lifecycle"}))

	// After deactivation a new phase workflow may activate.
	require.NoError(t, s.Workflows.Deactivate(ctx, sess.ID, "plan-execute"))
	require.NoError(t, s.Workflows.Activate(ctx, &WorkflowState{
		SessionID: sess.ID, WorkflowName: "tdd", WorkflowType: "phase", Definition: "b: 2"}))
}

func TestAuditOrderPreserved(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	proj := newTestProject(t, s, "audit")
	sess, err := s.Sessions.Create(ctx, CreateSessionParams{ProjectID: proj.ID})
	require.NoError(t, err)

	for i, result := range []string{"allow", "block", "transition"} {
		require.NoError(t, s.Audit.Append(ctx, &AuditEntry{
			SessionID: sess.ID,
			Phase:     "plan",
			EventType: AuditToolCall,
			Result:    result,
			Reason:    "entry",
			Context:   JSONMap{"i": i},
		}))
	}
	entries, err := s.Audit.List(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "allow", entries[0].Result)
	assert.Equal(t, "transition", entries[2].Result)
}

func TestTitleSlug(t *testing.T) {
	assert.Equal(t, "fix-the-parser", TitleSlug("Fix the parser!", 40))
	assert.Equal(t, "a-b", TitleSlug("  A   b  ", 40))
	assert.Equal(t, "abcde", TitleSlug("abcdefgh", 5))
}
