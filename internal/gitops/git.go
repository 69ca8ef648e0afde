// Package gitops wraps the git CLI for worktree, clone, and merge
// operations. All commands run through one exec path with captured stderr so
// failures carry git's own diagnostics.
package gitops

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"gobby/internal/gerrors"
	"gobby/internal/logging"
)

// Git executes git commands against arbitrary working directories.
type Git struct {
	logger logging.Logger

	// remoteURLs caches origin URL lookups per repo path.
	remoteURLs *lru.Cache[string, string]
}

const remoteURLCacheSize = 64

// New builds a Git runner.
func New(logger logging.Logger) *Git {
	cache, _ := lru.New[string, string](remoteURLCacheSize)
	return &Git{
		logger:     logging.OrNop(logger),
		remoteURLs: cache,
	}
}

// run executes git with the given args in dir and returns trimmed stdout.
func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	g.logger.Debug("git %s (dir=%s)", strings.Join(args, " "), dir)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", gerrors.Wrap(gerrors.KindCancelled, ctx.Err(), "git "+args[0])
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", gerrors.Git("git %s: %s", args[0], msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// RepoRoot returns the top-level directory of the repository containing dir.
func (g *Git) RepoRoot(ctx context.Context, dir string) (string, error) {
	return g.run(ctx, dir, "rev-parse", "--show-toplevel")
}

// CurrentBranch returns the checked-out branch name.
func (g *Git) CurrentBranch(ctx context.Context, dir string) (string, error) {
	return g.run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// Head returns the current commit SHA.
func (g *Git) Head(ctx context.Context, dir string) (string, error) {
	return g.run(ctx, dir, "rev-parse", "HEAD")
}

// RemoteURL resolves the origin URL for a repo, cached per repo path.
func (g *Git) RemoteURL(ctx context.Context, dir string) (string, error) {
	root, err := g.RepoRoot(ctx, dir)
	if err != nil {
		return "", err
	}
	if url, ok := g.remoteURLs.Get(root); ok {
		return url, nil
	}
	url, err := g.run(ctx, root, "remote", "get-url", "origin")
	if err != nil {
		return "", err
	}
	g.remoteURLs.Add(root, url)
	return url, nil
}

// AddWorktree creates a worktree at path with a new branch off base.
func (g *Git) AddWorktree(ctx context.Context, repoDir, path, branch, base string) error {
	args := []string{"worktree", "add", "-b", branch, path}
	if base != "" {
		args = append(args, base)
	}
	_, err := g.run(ctx, repoDir, args...)
	return err
}

// RemoveWorktree removes a worktree registration and its directory.
func (g *Git) RemoveWorktree(ctx context.Context, repoDir, path string, force bool) error {
	args := []string{"worktree", "remove", path}
	if force {
		args = append(args, "--force")
	}
	_, err := g.run(ctx, repoDir, args...)
	return err
}

// WorktreeInfo is one entry from `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path   string
	Head   string
	Branch string
}

// ListWorktrees parses the porcelain worktree listing.
func (g *Git) ListWorktrees(ctx context.Context, repoDir string) ([]WorktreeInfo, error) {
	out, err := g.run(ctx, repoDir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var infos []WorktreeInfo
	var cur WorktreeInfo
	flush := func() {
		if cur.Path != "" {
			infos = append(infos, cur)
		}
		cur = WorktreeInfo{}
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	flush()
	return infos, nil
}

// ShallowClone clones remote at depth 1 on base into path.
func (g *Git) ShallowClone(ctx context.Context, remote, path, base string) error {
	args := []string{"clone", "--depth=1"}
	if base != "" {
		args = append(args, "--branch="+base)
	}
	args = append(args, remote, path)
	_, err := g.run(ctx, ".", args...)
	return err
}

// CheckoutNewBranch creates and checks out branch in dir.
func (g *Git) CheckoutNewBranch(ctx context.Context, dir, branch string) error {
	_, err := g.run(ctx, dir, "checkout", "-b", branch)
	return err
}

// Fetch fetches a ref from a remote.
func (g *Git) Fetch(ctx context.Context, dir, remote string, refs ...string) error {
	args := append([]string{"fetch", remote}, refs...)
	_, err := g.run(ctx, dir, args...)
	return err
}

// Push pushes branch to remote, creating the upstream on first push.
func (g *Git) Push(ctx context.Context, dir, remote, branch string) error {
	_, err := g.run(ctx, dir, "push", "--set-upstream", remote, branch)
	return err
}

// Pull runs a fast-forward-only pull.
func (g *Git) Pull(ctx context.Context, dir string) error {
	_, err := g.run(ctx, dir, "pull", "--ff-only")
	return err
}

// AddAll stages everything under dir.
func (g *Git) AddAll(ctx context.Context, dir string) error {
	_, err := g.run(ctx, dir, "add", "-A")
	return err
}

// Add stages specific paths.
func (g *Git) Add(ctx context.Context, dir string, paths ...string) error {
	_, err := g.run(ctx, dir, append([]string{"add", "--"}, paths...)...)
	return err
}

// Commit records staged changes.
func (g *Git) Commit(ctx context.Context, dir, message string) error {
	_, err := g.run(ctx, dir, "commit", "-m", message)
	return err
}

const diffTruncatedNote = "\n... [diff truncated]"

// Diff returns staged plus unstaged changes, truncated to maxBytes when
// maxBytes > 0.
func (g *Git) Diff(ctx context.Context, dir string, maxBytes int) (string, error) {
	staged, err := g.run(ctx, dir, "diff", "--cached")
	if err != nil {
		return "", err
	}
	unstaged, err := g.run(ctx, dir, "diff")
	if err != nil {
		return "", err
	}
	out := staged
	if unstaged != "" {
		if out != "" {
			out += "\n"
		}
		out += unstaged
	}
	return truncate(out, maxBytes), nil
}

// DiffRange returns the diff between two commits.
func (g *Git) DiffRange(ctx context.Context, dir, from, to string, maxBytes int) (string, error) {
	out, err := g.run(ctx, dir, "diff", fmt.Sprintf("%s..%s", from, to))
	if err != nil {
		return "", err
	}
	return truncate(out, maxBytes), nil
}

func truncate(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + diffTruncatedNote
}

// DeleteBranch removes a local branch.
func (g *Git) DeleteBranch(ctx context.Context, dir, branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := g.run(ctx, dir, "branch", flag, branch)
	return err
}

// stageVersion reads one stage of a conflicted file: 1=base, 2=ours,
// 3=theirs. Missing stages (add/add conflicts) return empty content.
func (g *Git) stageVersion(ctx context.Context, dir string, stage int, path string) (string, error) {
	out, err := g.run(ctx, dir, "show", fmt.Sprintf(":%d:%s", stage, path))
	if err != nil {
		if gerrors.KindOf(err) == gerrors.KindGit {
			return "", nil
		}
		return "", err
	}
	return out, nil
}
