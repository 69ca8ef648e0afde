package handoff

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gobby/internal/llm"
	"gobby/internal/memory"
	"gobby/internal/store"
)

func fixture(t *testing.T, provider llm.Provider) (*Provider, *store.Store, *store.Project) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	proj, err := st.Projects.Create(ctx, "demo", t.TempDir(), "main")
	require.NoError(t, err)

	mem, err := memory.New(t.TempDir(), nil, nil)
	require.NoError(t, err)

	p := New(st, provider, mem, nil, "m1", nil)
	return p, st, proj
}

func newSession(t *testing.T, st *store.Store, projectID string) *store.Session {
	t.Helper()
	sess, err := st.Sessions.Create(context.Background(), store.CreateSessionParams{
		ProjectID: projectID,
		Source:    "claude",
		MachineID: "m1",
	})
	require.NoError(t, err)
	return sess
}

func TestSummarizeMechanicalDigest(t *testing.T) {
	p, st, proj := fixture(t, nil)
	ctx := context.Background()
	sess := newSession(t, st, proj.ID)
	_, err := st.Tasks.Create(ctx, store.CreateTaskParams{
		ProjectID:          proj.ID,
		Title:              "wire retries",
		Priority:           2,
		CreatedInSessionID: sess.ID,
	})
	require.NoError(t, err)

	require.NoError(t, p.Summarize(ctx, sess.ID))

	got, err := st.Sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionHandoffReady, got.Status)
	assert.Contains(t, got.SummaryMarkdown, "wire retries")
	assert.Contains(t, got.SummaryMarkdown, "Still open")
}

func TestSummarizeUsesLLMWhenAvailable(t *testing.T) {
	fake := llm.NewFake(&llm.Response{Text: "Wrapped up the retry work."})
	p, st, proj := fixture(t, fake)
	ctx := context.Background()
	sess := newSession(t, st, proj.ID)

	require.NoError(t, p.Summarize(ctx, sess.ID))
	got, err := st.Sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "Wrapped up the retry work.", got.SummaryMarkdown)
}

func TestInjectHandoffConsumesPreviousSession(t *testing.T) {
	p, st, proj := fixture(t, nil)
	ctx := context.Background()

	prev := newSession(t, st, proj.ID)
	require.NoError(t, st.Sessions.SetSummary(ctx, prev.ID, "finished the parser"))

	next := newSession(t, st, proj.ID)
	text, err := p.Inject(ctx, next.ID, SourceHandoff)
	require.NoError(t, err)
	assert.Contains(t, text, "Handoff from session #1")
	assert.Contains(t, text, "finished the parser")

	// Consumed: a second injection finds nothing.
	text, err = p.Inject(ctx, next.ID, SourceHandoff)
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestInjectMemoriesOnlyPinned(t *testing.T) {
	p, st, proj := fixture(t, nil)
	ctx := context.Background()
	sess := newSession(t, st, proj.ID)

	_, err := p.memory.Add(ctx, proj.ID, "always run gofmt", nil, true)
	require.NoError(t, err)
	_, err = p.memory.Add(ctx, proj.ID, "not pinned", nil, false)
	require.NoError(t, err)

	text, err := p.Inject(ctx, sess.ID, SourceMemories)
	require.NoError(t, err)
	assert.Contains(t, text, "always run gofmt")
	assert.NotContains(t, text, "not pinned")
}

func TestInjectTaskContextListsReady(t *testing.T) {
	p, st, proj := fixture(t, nil)
	ctx := context.Background()
	sess := newSession(t, st, proj.ID)
	_, err := st.Tasks.Create(ctx, store.CreateTaskParams{ProjectID: proj.ID, Title: "fix flaky test", Priority: 2})
	require.NoError(t, err)

	text, err := p.Inject(ctx, sess.ID, SourceTaskContext)
	require.NoError(t, err)
	assert.Contains(t, text, "fix flaky test")
}

func TestInjectUnknownSource(t *testing.T) {
	p, st, proj := fixture(t, nil)
	sess := newSession(t, st, proj.ID)
	_, err := p.Inject(context.Background(), sess.ID, "nope")
	assert.Error(t, err)
}
