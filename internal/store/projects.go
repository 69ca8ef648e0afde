package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"

	"gobby/internal/gerrors"
	"gobby/internal/logging"
)

// OrphanedProjectName is the lazily created catch-all project that absorbs
// tasks and sessions from deleted projects.
const OrphanedProjectName = "_orphaned"

// protectedProjectNames may never be deleted.
var protectedProjectNames = map[string]bool{
	OrphanedProjectName: true,
	"gobby":             true,
}

// Projects manages the projects table.
type Projects struct {
	db     *sqlx.DB
	logger logging.Logger
}

// Create inserts a new project. Names are unique; OrphanedProjectName is
// reserved for the lazily created orphan bucket.
func (p *Projects) Create(ctx context.Context, name, repoPath, baseBranch string) (*Project, error) {
	if name == OrphanedProjectName {
		return nil, gerrors.ConstraintViolation("project name %q is reserved", name)
	}
	return p.insert(ctx, name, repoPath, baseBranch, false)
}

func (p *Projects) insert(ctx context.Context, name, repoPath, baseBranch string, orphaned bool) (*Project, error) {
	if strings.TrimSpace(name) == "" {
		return nil, gerrors.ConstraintViolation("project name is required")
	}
	if baseBranch == "" {
		baseBranch = "main"
	}
	proj := &Project{
		ID:         NewUUID(),
		Name:       name,
		RepoPath:   repoPath,
		BaseBranch: baseBranch,
		IsOrphaned: orphaned,
		CreatedAt:  now(),
		UpdatedAt:  now(),
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, repo_path, base_branch, github_url, is_orphaned, created_at, updated_at)
		VALUES (?, ?, ?, ?, '', ?, ?, ?)`,
		proj.ID, proj.Name, proj.RepoPath, proj.BaseBranch, proj.IsOrphaned, proj.CreatedAt, proj.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, gerrors.ConstraintViolation("project name %q already exists", name)
		}
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "insert project")
	}
	return proj, nil
}

// Get returns a project by id.
func (p *Projects) Get(ctx context.Context, id string) (*Project, error) {
	var proj Project
	err := p.db.GetContext(ctx, &proj, `SELECT * FROM projects WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gerrors.NotFound("project %s", id)
	}
	if err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "get project")
	}
	return &proj, nil
}

// GetByName returns a project by its unique name.
func (p *Projects) GetByName(ctx context.Context, name string) (*Project, error) {
	var proj Project
	err := p.db.GetContext(ctx, &proj, `SELECT * FROM projects WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gerrors.NotFound("project %q", name)
	}
	if err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "get project by name")
	}
	return &proj, nil
}

// GetOrCreateByPath resolves the project owning repoPath, creating it with
// the directory basename on first session in that directory.
func (p *Projects) GetOrCreateByPath(ctx context.Context, repoPath string) (*Project, error) {
	var proj Project
	err := p.db.GetContext(ctx, &proj, `SELECT * FROM projects WHERE repo_path = ?`, repoPath)
	if err == nil {
		return &proj, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "lookup project by path")
	}
	name := filepath.Base(repoPath)
	created, err := p.Create(ctx, name, repoPath, "main")
	if err == nil {
		return created, nil
	}
	// Name taken by another path: disambiguate with a short suffix.
	if gerrors.KindOf(err) == gerrors.KindConstraintViolation {
		return p.Create(ctx, name+"-"+NewUUID()[:6], repoPath, "main")
	}
	return nil, err
}

// EnsureOrphaned returns the `_orphaned` project, creating it on first use.
func (p *Projects) EnsureOrphaned(ctx context.Context) (*Project, error) {
	proj, err := p.GetByName(ctx, OrphanedProjectName)
	if err == nil {
		return proj, nil
	}
	if gerrors.KindOf(err) != gerrors.KindNotFound {
		return nil, err
	}
	return p.insert(ctx, OrphanedProjectName, "", "main", true)
}

// List returns all projects ordered by name.
func (p *Projects) List(ctx context.Context) ([]Project, error) {
	var out []Project
	if err := p.db.SelectContext(ctx, &out, `SELECT * FROM projects ORDER BY name`); err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "list projects")
	}
	return out, nil
}

// Rename changes a project's name. Renaming to the orphan bucket name is
// rejected.
func (p *Projects) Rename(ctx context.Context, id, newName string) error {
	if newName == OrphanedProjectName {
		return gerrors.ConstraintViolation("cannot rename project to %q", OrphanedProjectName)
	}
	res, err := p.db.ExecContext(ctx, `UPDATE projects SET name = ?, updated_at = ? WHERE id = ?`, newName, now(), id)
	if err != nil {
		if isUniqueViolation(err) {
			return gerrors.ConstraintViolation("project name %q already exists", newName)
		}
		return gerrors.Wrap(gerrors.KindIntegrity, err, "rename project")
	}
	return requireRow(res, "project %s", id)
}

// Update sets mutable project fields.
func (p *Projects) Update(ctx context.Context, id string, repoPath, baseBranch, githubURL *string) error {
	proj, err := p.Get(ctx, id)
	if err != nil {
		return err
	}
	if repoPath != nil {
		proj.RepoPath = *repoPath
	}
	if baseBranch != nil {
		proj.BaseBranch = *baseBranch
	}
	if githubURL != nil {
		proj.GithubURL = *githubURL
	}
	_, err = p.db.ExecContext(ctx, `
		UPDATE projects SET repo_path = ?, base_branch = ?, github_url = ?, updated_at = ? WHERE id = ?`,
		proj.RepoPath, proj.BaseBranch, proj.GithubURL, now(), id)
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "update project")
	}
	return nil
}

// Delete removes a project, reassigning its tasks and sessions to the
// orphan bucket. Protected names are refused.
func (p *Projects) Delete(ctx context.Context, id string) error {
	proj, err := p.Get(ctx, id)
	if err != nil {
		return err
	}
	if protectedProjectNames[proj.Name] {
		return gerrors.ConstraintViolation("project %q is protected and cannot be deleted", proj.Name)
	}
	orphan, err := p.EnsureOrphaned(ctx)
	if err != nil {
		return err
	}
	return withTx(ctx, p.db, func(tx *sqlx.Tx) error {
		// Reassigned rows keep their seq_num; the orphan project tolerates
		// duplicate sequence numbers by suffixing on conflict.
		if err := reassignSeqScoped(ctx, tx, "tasks", id, orphan.ID); err != nil {
			return err
		}
		if err := reassignSeqScoped(ctx, tx, "sessions", id, orphan.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id); err != nil {
			return gerrors.Wrap(gerrors.KindIntegrity, err, "delete project")
		}
		return nil
	})
}

// reassignSeqScoped moves rows between projects, renumbering to keep the
// (project_id, seq_num) constraint intact.
func reassignSeqScoped(ctx context.Context, tx *sqlx.Tx, table, fromProject, toProject string) error {
	var maxSeq int
	if err := tx.GetContext(ctx, &maxSeq,
		`SELECT COALESCE(MAX(seq_num), 0) FROM `+table+` WHERE project_id = ?`, toProject); err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "max seq for reassign")
	}
	var ids []string
	if err := tx.SelectContext(ctx, &ids,
		`SELECT id FROM `+table+` WHERE project_id = ? ORDER BY seq_num`, fromProject); err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "list rows for reassign")
	}
	for i, rowID := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE `+table+` SET project_id = ?, seq_num = ?, updated_at = ? WHERE id = ?`,
			toProject, maxSeq+i+1, now(), rowID); err != nil {
			return gerrors.Wrap(gerrors.KindIntegrity, err, "reassign row")
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func requireRow(res sql.Result, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "rows affected")
	}
	if n == 0 {
		return gerrors.NotFound(format, args...)
	}
	return nil
}
