package task

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gobby/internal/config"
	"gobby/internal/gerrors"
	"gobby/internal/logging"
	"gobby/internal/store"
)

const (
	defaultSyncDebounce = 5 * time.Second
	jsonlFileName       = "tasks.jsonl"
	metaFileName        = "tasks_meta.json"
)

// Record is one JSONL line: a task with its outgoing dependency edges
// embedded, so the file is self-contained for import on another clone.
type Record struct {
	ID           string      `json:"id"`
	ProjectID    string      `json:"project_id"`
	ParentTaskID *string     `json:"parent_task_id,omitempty"`
	SeqNum       int         `json:"seq_num"`
	Title        string      `json:"title"`
	Description  string      `json:"description,omitempty"`
	Details      string      `json:"details,omitempty"`
	TestStrategy string      `json:"test_strategy,omitempty"`
	Status       string      `json:"status"`
	Priority     int         `json:"priority"`
	Type         string      `json:"type"`
	Labels       []string    `json:"labels"`
	Commits      []string    `json:"commits"`
	Dependencies []DepRecord `json:"dependencies"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// DepRecord is an embedded dependency edge.
type DepRecord struct {
	DependsOn string `json:"depends_on"`
	DepType   string `json:"dep_type"`
}

type exportMeta struct {
	LastExportAt time.Time `json:"last_export_at"`
	ContentHash  string    `json:"content_hash"`
}

// Syncer mirrors a project's task set to a JSONL file in the repo (or under
// ~/.gobby in stealth mode) so tasks travel with git. Mutations mark the
// project dirty; exports are debounced.
type Syncer struct {
	store  *store.Store
	cfg    config.TasksConfig
	logger logging.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewSyncer builds a syncer.
func NewSyncer(st *store.Store, cfg config.TasksConfig, logger logging.Logger) *Syncer {
	return &Syncer{
		store:  st,
		cfg:    cfg,
		logger: logging.OrNop(logger),
		timers: make(map[string]*time.Timer),
	}
}

// MarkDirty schedules a debounced export for the project. Repeated calls
// within the window coalesce into one export.
func (s *Syncer) MarkDirty(projectID string) {
	debounce := s.cfg.SyncDebounce
	if debounce <= 0 {
		debounce = defaultSyncDebounce
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[projectID]; ok {
		timer.Reset(debounce)
		return
	}
	s.timers[projectID] = time.AfterFunc(debounce, func() {
		s.mu.Lock()
		delete(s.timers, projectID)
		s.mu.Unlock()
		if err := s.Export(context.Background(), projectID); err != nil {
			s.logger.Warn("task export for %s: %v", projectID, err)
		}
	})
}

// Flush cancels pending timers and exports every dirty project now.
func (s *Syncer) Flush(ctx context.Context) {
	s.mu.Lock()
	var pending []string
	for id, timer := range s.timers {
		timer.Stop()
		pending = append(pending, id)
	}
	s.timers = make(map[string]*time.Timer)
	s.mu.Unlock()
	for _, id := range pending {
		if err := s.Export(ctx, id); err != nil {
			s.logger.Warn("task export for %s: %v", id, err)
		}
	}
}

// Path returns where the project's JSONL lives: `.gobby/tasks.jsonl` in the
// repo, or `~/.gobby/tasks/<project_id>.jsonl` in stealth mode.
func (s *Syncer) Path(projectID, repoPath string) (string, error) {
	if s.cfg.StealthMode {
		home, err := config.Home()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "tasks", projectID+".jsonl"), nil
	}
	return filepath.Join(repoPath, ".gobby", jsonlFileName), nil
}

// Export writes the project's tasks as JSONL plus a meta file recording the
// export time and content hash. The write is atomic via rename.
func (s *Syncer) Export(ctx context.Context, projectID string) error {
	proj, err := s.store.Projects.Get(ctx, projectID)
	if err != nil {
		return err
	}
	tasks, err := s.store.Tasks.List(ctx, store.ListFilters{ProjectID: projectID})
	if err != nil {
		return err
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].SeqNum < tasks[j].SeqNum })

	var buf strings.Builder
	for i := range tasks {
		deps, err := s.store.Tasks.Dependencies(ctx, tasks[i].ID)
		if err != nil {
			return err
		}
		line, err := json.Marshal(toRecord(&tasks[i], deps))
		if err != nil {
			return gerrors.Wrap(gerrors.KindIntegrity, err, "marshal task record")
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	path, err := s.Path(projectID, proj.RepoPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "create tasks dir")
	}
	if err := writeAtomic(path, []byte(buf.String())); err != nil {
		return err
	}

	hash := sha256.Sum256([]byte(buf.String()))
	meta, _ := json.MarshalIndent(exportMeta{
		LastExportAt: time.Now().UTC(),
		ContentHash:  hex.EncodeToString(hash[:]),
	}, "", "  ")
	if err := writeAtomic(filepath.Join(filepath.Dir(path), metaFileName), meta); err != nil {
		return err
	}
	s.logger.Debug("exported %d tasks for %s to %s", len(tasks), projectID, path)
	return nil
}

// Import merges the project's JSONL into the store, last-write-wins by
// updated_at. Dependencies are replaced for every imported row after all
// rows exist, so forward references resolve.
func (s *Syncer) Import(ctx context.Context, projectID string) error {
	proj, err := s.store.Projects.Get(ctx, projectID)
	if err != nil {
		return err
	}
	path, err := s.Path(projectID, proj.RepoPath)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "open tasks jsonl")
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			s.logger.Warn("skip malformed task record at %s:%d: %v", path, lineNo, err)
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "read tasks jsonl")
	}

	changed := 0
	for i := range records {
		ok, err := s.store.Tasks.Upsert(ctx, fromRecord(&records[i], projectID))
		if err != nil {
			return err
		}
		if ok {
			changed++
		}
	}
	for i := range records {
		deps := make([]store.Dependency, 0, len(records[i].Dependencies))
		for _, d := range records[i].Dependencies {
			deps = append(deps, store.Dependency{DependsOn: d.DependsOn, DepType: d.DepType})
		}
		if err := s.store.Tasks.ReplaceDependencies(ctx, records[i].ID, deps); err != nil {
			s.logger.Warn("import dependencies for %s: %v", records[i].ID, err)
		}
	}
	s.logger.Info("imported %d/%d task records for %s", changed, len(records), projectID)
	return nil
}

func toRecord(task *store.Task, deps []store.Dependency) Record {
	rec := Record{
		ID:           task.ID,
		ProjectID:    task.ProjectID,
		ParentTaskID: task.ParentTaskID,
		SeqNum:       task.SeqNum,
		Title:        task.Title,
		Description:  task.Description,
		Details:      task.Details,
		TestStrategy: task.TestStrategy,
		Status:       task.Status,
		Priority:     task.Priority,
		Type:         task.Type,
		Labels:       task.Labels,
		Commits:      task.Commits,
		Dependencies: []DepRecord{},
		CreatedAt:    task.CreatedAt,
		UpdatedAt:    task.UpdatedAt,
	}
	if rec.Labels == nil {
		rec.Labels = []string{}
	}
	if rec.Commits == nil {
		rec.Commits = []string{}
	}
	for _, d := range deps {
		rec.Dependencies = append(rec.Dependencies, DepRecord{DependsOn: d.DependsOn, DepType: d.DepType})
	}
	return rec
}

func fromRecord(rec *Record, projectID string) *store.Task {
	task := &store.Task{
		ID:           rec.ID,
		ProjectID:    projectID,
		ParentTaskID: rec.ParentTaskID,
		SeqNum:       rec.SeqNum,
		Title:        rec.Title,
		Description:  rec.Description,
		Details:      rec.Details,
		TestStrategy: rec.TestStrategy,
		Status:       rec.Status,
		Priority:     rec.Priority,
		Type:         rec.Type,
		Labels:       store.JSONStrings(rec.Labels),
		Commits:      store.JSONStrings(rec.Commits),
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
	if task.Labels == nil {
		task.Labels = store.JSONStrings{}
	}
	if task.Commits == nil {
		task.Commits = store.JSONStrings{}
	}
	if task.Priority == 0 {
		task.Priority = 2
	}
	if task.Type == "" {
		task.Type = store.TypeTask
	}
	if task.Status == "" {
		task.Status = store.TaskPending
	}
	return task
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "write tasks file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "replace tasks file")
	}
	return nil
}

// Git hook bodies. Import runs after history moves, export before a commit
// snapshots the repo.
var gitHooks = map[string]string{
	"pre-commit":    "gobby tasks sync --export",
	"post-merge":    "gobby tasks sync --import",
	"post-checkout": "gobby tasks sync --import",
}

const hookMarker = "# installed by gobby"

// InstallGitHooks writes the sync hooks into the repo's .git/hooks. Hooks
// that exist and were not written by us are left alone.
func InstallGitHooks(repoDir string, logger logging.Logger) error {
	logger = logging.OrNop(logger)
	hooksDir := filepath.Join(repoDir, ".git", "hooks")
	info, err := os.Stat(hooksDir)
	if err != nil || !info.IsDir() {
		return gerrors.Git("no hooks directory at %s", hooksDir)
	}
	for name, cmd := range gitHooks {
		path := filepath.Join(hooksDir, name)
		if existing, err := os.ReadFile(path); err == nil {
			if !strings.Contains(string(existing), hookMarker) {
				logger.Warn("hook %s exists and is not ours, skipping", name)
				continue
			}
		}
		body := fmt.Sprintf("#!/bin/sh\n%s\n%s >/dev/null 2>&1 || true\n", hookMarker, cmd)
		if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
			return gerrors.Wrap(gerrors.KindIntegrity, err, "write git hook")
		}
	}
	return nil
}
