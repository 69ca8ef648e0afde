package task

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gobby/internal/config"
	"gobby/internal/logging"
	"gobby/internal/store"
)

func readLines(t *testing.T, path string) []Record {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out []Record
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var rec Record
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		out = append(out, rec)
	}
	return out
}

func TestExportWritesRecordsAndMeta(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := NewSyncer(f.store, config.TasksConfig{}, logging.Nop())

	a := f.newTask(t, store.CreateTaskParams{Title: "first"})
	b := f.newTask(t, store.CreateTaskParams{Title: "second", Blocks: []string{a.ID}})

	require.NoError(t, s.Export(ctx, f.project.ID))

	path := filepath.Join(f.project.RepoPath, ".gobby", "tasks.jsonl")
	recs := readLines(t, path)
	require.Len(t, recs, 2)
	assert.Equal(t, a.ID, recs[0].ID)
	assert.Equal(t, b.ID, recs[1].ID)
	require.Len(t, recs[1].Dependencies, 1)
	assert.Equal(t, a.ID, recs[1].Dependencies[0].DependsOn)
	assert.Equal(t, store.DepBlocks, recs[1].Dependencies[0].DepType)

	var meta exportMeta
	data, err := os.ReadFile(filepath.Join(f.project.RepoPath, ".gobby", "tasks_meta.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.NotEmpty(t, meta.ContentHash)
	assert.False(t, meta.LastExportAt.IsZero())
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newFixture(t)
	s := NewSyncer(src.store, config.TasksConfig{}, logging.Nop())

	a := src.newTask(t, store.CreateTaskParams{Title: "migration", Labels: []string{"db"}})
	b := src.newTask(t, store.CreateTaskParams{Title: "endpoint", Blocks: []string{a.ID}})
	require.NoError(t, s.Export(ctx, src.project.ID))

	// A second daemon clone of the same repo picks the file up on import.
	dst := newFixture(t)
	srcPath := filepath.Join(src.project.RepoPath, ".gobby", "tasks.jsonl")
	dstPath := filepath.Join(dst.project.RepoPath, ".gobby", "tasks.jsonl")
	require.NoError(t, os.MkdirAll(filepath.Dir(dstPath), 0o755))
	data, err := os.ReadFile(srcPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dstPath, data, 0o644))

	d := NewSyncer(dst.store, config.TasksConfig{}, logging.Nop())
	require.NoError(t, d.Import(ctx, dst.project.ID))

	got, err := dst.store.Tasks.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "endpoint", got.Title)

	deps, err := dst.store.Tasks.Dependencies(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, a.ID, deps[0].DependsOn)
}

func TestImportLastWriteWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := NewSyncer(f.store, config.TasksConfig{}, logging.Nop())
	task := f.newTask(t, store.CreateTaskParams{Title: "original"})

	path := filepath.Join(f.project.RepoPath, ".gobby", "tasks.jsonl")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	stale := Record{
		ID:        task.ID,
		ProjectID: f.project.ID,
		SeqNum:    task.SeqNum,
		Title:     "stale title",
		Status:    store.TaskPending,
		Priority:  2,
		Type:      store.TypeTask,
		CreatedAt: task.CreatedAt,
		UpdatedAt: task.UpdatedAt.Add(-time.Hour),
	}
	fresh := stale
	fresh.Title = "fresh title"
	fresh.UpdatedAt = task.UpdatedAt.Add(time.Hour)

	writeRecords := func(recs ...Record) {
		var b strings.Builder
		for _, r := range recs {
			line, err := json.Marshal(r)
			require.NoError(t, err)
			b.Write(line)
			b.WriteByte('\n')
		}
		require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	}

	writeRecords(stale)
	require.NoError(t, s.Import(ctx, f.project.ID))
	got, err := f.store.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", got.Title)

	writeRecords(fresh)
	require.NoError(t, s.Import(ctx, f.project.ID))
	got, err = f.store.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "fresh title", got.Title)
}

func TestImportSkipsMalformedLines(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := NewSyncer(f.store, config.TasksConfig{}, logging.Nop())

	path := filepath.Join(f.project.RepoPath, ".gobby", "tasks.jsonl")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	good := Record{
		ID:        "demo-abc123",
		ProjectID: f.project.ID,
		SeqNum:    1,
		Title:     "survives",
		Status:    store.TaskPending,
		Priority:  2,
		Type:      store.TypeTask,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	line, err := json.Marshal(good)
	require.NoError(t, err)
	body := "this is not json\n" + string(line) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	require.NoError(t, s.Import(ctx, f.project.ID))
	got, err := f.store.Tasks.Get(ctx, "demo-abc123")
	require.NoError(t, err)
	assert.Equal(t, "survives", got.Title)
}

func TestImportMissingFileIsNoop(t *testing.T) {
	f := newFixture(t)
	s := NewSyncer(f.store, config.TasksConfig{}, logging.Nop())
	require.NoError(t, s.Import(context.Background(), f.project.ID))
}

func TestMarkDirtyDebouncesExport(t *testing.T) {
	f := newFixture(t)
	s := NewSyncer(f.store, config.TasksConfig{SyncDebounce: 20 * time.Millisecond}, logging.Nop())
	f.newTask(t, store.CreateTaskParams{Title: "debounced"})

	s.MarkDirty(f.project.ID)
	s.MarkDirty(f.project.ID)

	path := filepath.Join(f.project.RepoPath, ".gobby", "tasks.jsonl")
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, readLines(t, path), 1)
}

func TestInstallGitHooks(t *testing.T) {
	repo := t.TempDir()
	hooksDir := filepath.Join(repo, ".git", "hooks")
	require.NoError(t, os.MkdirAll(hooksDir, 0o755))

	// A hook we did not write is left untouched.
	foreign := filepath.Join(hooksDir, "pre-commit")
	require.NoError(t, os.WriteFile(foreign, []byte("#!/bin/sh\nlint\n"), 0o755))

	require.NoError(t, InstallGitHooks(repo, logging.Nop()))

	data, err := os.ReadFile(foreign)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\nlint\n", string(data))

	for _, name := range []string{"post-merge", "post-checkout"} {
		data, err := os.ReadFile(filepath.Join(hooksDir, name))
		require.NoError(t, err)
		assert.Contains(t, string(data), "gobby tasks sync --import")
		info, err := os.Stat(filepath.Join(hooksDir, name))
		require.NoError(t, err)
		assert.NotZero(t, info.Mode()&0o111)
	}
}
