package gitops

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// ConflictHunk is one marker region from a conflicted file.
type ConflictHunk struct {
	Ours   string
	Theirs string
	// Base is present only with diff3-style markers.
	Base string
}

// Conflict describes one conflicted file from a merge attempt.
type Conflict struct {
	Path    string
	Content string // working tree content, markers included
	Ours    string // stage 2
	Theirs  string // stage 3
	Base    string // stage 1, empty for add/add
	Hunks   []ConflictHunk
}

// MergeResult is the outcome of a raw merge attempt.
type MergeResult struct {
	Clean     bool
	Conflicts []Conflict
}

// Merge attempts to merge ref into the branch checked out in dir. A
// conflicted merge is left in progress so a resolver can finish or abort it.
func (g *Git) Merge(ctx context.Context, dir, ref string) (*MergeResult, error) {
	if _, err := g.run(ctx, dir, "merge", "--no-ff", "--no-edit", ref); err == nil {
		return &MergeResult{Clean: true}, nil
	}
	out, err := g.run(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	paths := strings.Fields(out)
	if len(paths) == 0 {
		// Merge failed for a reason other than content conflicts.
		_, mergeErr := g.run(ctx, dir, "merge", "--no-ff", "--no-edit", ref)
		return nil, mergeErr
	}

	conflicts := make([]Conflict, 0, len(paths))
	for _, p := range paths {
		c := Conflict{Path: p}
		raw, readErr := os.ReadFile(filepath.Join(dir, p))
		if readErr == nil {
			c.Content = string(raw)
			c.Hunks = parseConflictHunks(c.Content)
		}
		if c.Base, err = g.stageVersion(ctx, dir, 1, p); err != nil {
			return nil, err
		}
		if c.Ours, err = g.stageVersion(ctx, dir, 2, p); err != nil {
			return nil, err
		}
		if c.Theirs, err = g.stageVersion(ctx, dir, 3, p); err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return &MergeResult{Conflicts: conflicts}, nil
}

// AbortMerge discards an in-progress merge.
func (g *Git) AbortMerge(ctx context.Context, dir string) error {
	_, err := g.run(ctx, dir, "merge", "--abort")
	return err
}

// CommitMerge concludes an in-progress merge with the default message.
func (g *Git) CommitMerge(ctx context.Context, dir string) error {
	_, err := g.run(ctx, dir, "commit", "--no-edit")
	return err
}

const (
	markerOurs   = "<<<<<<<"
	markerBase   = "|||||||"
	markerSplit  = "======="
	markerTheirs = ">>>>>>>"
)

// parseConflictHunks extracts marker regions, tolerating diff3 base
// sections. Malformed regions are skipped.
func parseConflictHunks(content string) []ConflictHunk {
	var hunks []ConflictHunk
	lines := strings.Split(content, "\n")
	i := 0
	for i < len(lines) {
		if !strings.HasPrefix(lines[i], markerOurs) {
			i++
			continue
		}
		var ours, base, theirs []string
		section := &ours
		j := i + 1
		closed := false
		for ; j < len(lines); j++ {
			switch {
			case strings.HasPrefix(lines[j], markerBase):
				section = &base
			case lines[j] == markerSplit || strings.HasPrefix(lines[j], markerSplit+" "):
				section = &theirs
			case strings.HasPrefix(lines[j], markerTheirs):
				closed = true
			default:
				*section = append(*section, lines[j])
			}
			if closed {
				break
			}
		}
		if closed {
			hunks = append(hunks, ConflictHunk{
				Ours:   strings.Join(ours, "\n"),
				Base:   strings.Join(base, "\n"),
				Theirs: strings.Join(theirs, "\n"),
			})
			i = j + 1
			continue
		}
		i++
	}
	return hunks
}

// HasConflictMarkers reports whether content still contains merge markers.
func HasConflictMarkers(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, markerOurs) ||
			strings.HasPrefix(line, markerTheirs) ||
			line == markerSplit || strings.HasPrefix(line, markerSplit+" ") {
			return true
		}
	}
	return false
}

// replaceConflictRegions rebuilds content by substituting each marker region
// with the resolution returned for its hunk, in order.
func replaceConflictRegions(content string, resolutions []string) string {
	lines := strings.Split(content, "\n")
	var out []string
	hunk := 0
	i := 0
	for i < len(lines) {
		if !strings.HasPrefix(lines[i], markerOurs) {
			out = append(out, lines[i])
			i++
			continue
		}
		j := i + 1
		for j < len(lines) && !strings.HasPrefix(lines[j], markerTheirs) {
			j++
		}
		if j == len(lines) {
			out = append(out, lines[i:]...)
			break
		}
		if hunk < len(resolutions) {
			if r := resolutions[hunk]; r != "" {
				out = append(out, strings.Split(r, "\n")...)
			}
			hunk++
		}
		i = j + 1
	}
	return strings.Join(out, "\n")
}
