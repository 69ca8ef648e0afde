package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gobby/internal/logging"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), nil, logging.Nop())
	require.NoError(t, err)
	return s
}

func TestAddAndListNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.Add(ctx, "proj-1", "the API gateway lives in infra/gateway", nil, false)
	require.NoError(t, err)
	second, err := s.Add(ctx, "proj-1", "deploys go through the staging ring first", []string{"deploy"}, false)
	require.NoError(t, err)

	list, err := s.List("proj-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
}

func TestAddRejectsEmptyContent(t *testing.T) {
	s := newStore(t)
	_, err := s.Add(context.Background(), "proj-1", "   ", nil, false)
	require.Error(t, err)
}

func TestAlwaysApplyMergesGlobal(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.Add(ctx, "proj-1", "always run make lint before committing", nil, true)
	require.NoError(t, err)
	_, err = s.Add(ctx, GlobalScope, "prefer squash merges", nil, true)
	require.NoError(t, err)
	_, err = s.Add(ctx, "proj-1", "not pinned", nil, false)
	require.NoError(t, err)

	pinned, err := s.AlwaysApply("proj-1")
	require.NoError(t, err)
	require.Len(t, pinned, 2)
}

func TestSubstringSearchRanksByTermHits(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.Add(ctx, "proj-1", "database migrations use goose", []string{"database"}, false)
	require.NoError(t, err)
	_, err = s.Add(ctx, "proj-1", "frontend builds with vite", nil, false)
	require.NoError(t, err)

	results, err := s.Search(ctx, "proj-1", "database goose", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Memory.Content, "goose")
	assert.InDelta(t, 1.0, float64(results[0].Similarity), 0.01)
}

func TestSearchIncludesGlobalScope(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.Add(ctx, GlobalScope, "tokens live in the keychain", nil, false)
	require.NoError(t, err)

	results, err := s.Search(ctx, "proj-1", "keychain", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, GlobalScope, results[0].Memory.Scope)
}

func TestDeleteRemovesAndPersists(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	m, err := s.Add(ctx, "proj-1", "temporary note", nil, false)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "proj-1", m.ID))

	list, err := s.List("proj-1")
	require.NoError(t, err)
	assert.Empty(t, list)

	err = s.Delete(ctx, "proj-1", m.ID)
	require.Error(t, err)

	// A fresh store reads the same file.
	again, err := New(s.dir, nil, logging.Nop())
	require.NoError(t, err)
	list, err = again.List("proj-1")
	require.NoError(t, err)
	assert.Empty(t, list)
}
