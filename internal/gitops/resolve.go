package gitops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"gobby/internal/gerrors"
	"gobby/internal/llm"
	"gobby/internal/logging"
)

// Resolution tiers, escalated in order.
const (
	TierGitAuto     = "git_auto"
	TierConflictAI  = "conflict_only_ai"
	TierFullFileAI  = "full_file_ai"
	TierHumanReview = "human_review"
)

// Outcome reports how a merge concluded.
type Outcome struct {
	Merged bool
	Tier   string
	// Conflicts is populated when the merge escalated to human review.
	Conflicts []Conflict
}

// completer is the slice of llm.Router the resolver needs.
type completer interface {
	Complete(ctx context.Context, ref string, req llm.Request) (*llm.Response, error)
}

// Resolver merges branches, escalating conflicted files through AI tiers
// before handing off to a human.
type Resolver struct {
	git      *Git
	llm      completer
	provider string
	logger   logging.Logger
}

// NewResolver builds a resolver. llmClient may be nil, in which case every
// conflicted merge escalates straight to human review.
func NewResolver(git *Git, llmClient completer, provider string, logger logging.Logger) *Resolver {
	return &Resolver{git: git, llm: llmClient, provider: provider, logger: logging.OrNop(logger)}
}

// MergeBranch merges ref into the branch checked out in dir. Conflicted
// files are resolved hunk-by-hunk first, then whole-file, and the merge is
// aborted when any file survives both AI tiers.
func (r *Resolver) MergeBranch(ctx context.Context, dir, ref string) (*Outcome, error) {
	res, err := r.git.Merge(ctx, dir, ref)
	if err != nil {
		return nil, err
	}
	if res.Clean {
		return &Outcome{Merged: true, Tier: TierGitAuto}, nil
	}

	if r.llm == nil {
		if err := r.git.AbortMerge(ctx, dir); err != nil {
			r.logger.Warn("abort merge in %s: %v", dir, err)
		}
		return &Outcome{Tier: TierHumanReview, Conflicts: res.Conflicts}, nil
	}

	tier := TierConflictAI
	for _, c := range res.Conflicts {
		resolved, fileTier, resolveErr := r.resolveFile(ctx, c)
		if resolveErr != nil {
			r.logger.Warn("merge %s: %s unresolved: %v", ref, c.Path, resolveErr)
			if err := r.git.AbortMerge(ctx, dir); err != nil {
				r.logger.Warn("abort merge in %s: %v", dir, err)
			}
			return &Outcome{Tier: TierHumanReview, Conflicts: res.Conflicts}, nil
		}
		if fileTier == TierFullFileAI {
			tier = TierFullFileAI
		}
		if err := os.WriteFile(filepath.Join(dir, c.Path), []byte(resolved), 0o644); err != nil {
			return nil, fmt.Errorf("write resolved %s: %w", c.Path, err)
		}
		if err := r.git.Add(ctx, dir, c.Path); err != nil {
			return nil, err
		}
	}
	if err := r.git.CommitMerge(ctx, dir); err != nil {
		return nil, err
	}
	return &Outcome{Merged: true, Tier: tier}, nil
}

// resolveFile tries the conflict-only tier, then the full-file tier.
func (r *Resolver) resolveFile(ctx context.Context, c Conflict) (string, string, error) {
	if len(c.Hunks) > 0 {
		resolved, err := r.resolveHunks(ctx, c)
		if err == nil {
			return resolved, TierConflictAI, nil
		}
		r.logger.Debug("conflict-only tier failed for %s: %v", c.Path, err)
	}
	resolved, err := r.resolveFullFile(ctx, c)
	if err != nil {
		return "", "", err
	}
	return resolved, TierFullFileAI, nil
}

func (r *Resolver) resolveHunks(ctx context.Context, c Conflict) (string, error) {
	resolutions := make([]string, 0, len(c.Hunks))
	for i, h := range c.Hunks {
		prompt := fmt.Sprintf(
			"Resolve this merge conflict from %s. Reply with only the merged replacement text, no fences, no commentary.\n\nOURS:\n%s\n\nTHEIRS:\n%s\n",
			c.Path, h.Ours, h.Theirs)
		if h.Base != "" {
			prompt += fmt.Sprintf("\nBASE:\n%s\n", h.Base)
		}
		resp, err := r.llm.Complete(ctx, r.provider, llm.Request{
			System:   "You are a merge conflict resolver. Preserve the intent of both sides.",
			Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		})
		if err != nil {
			return "", err
		}
		text := stripFences(resp.Text)
		if err := validateResolution(text); err != nil {
			return "", fmt.Errorf("hunk %d of %s: %w", i+1, c.Path, err)
		}
		resolutions = append(resolutions, text)
	}
	merged := replaceConflictRegions(c.Content, resolutions)
	if err := validateResolution(merged); err != nil {
		return "", err
	}
	return merged, nil
}

func (r *Resolver) resolveFullFile(ctx context.Context, c Conflict) (string, error) {
	dmp := diffmatchpatch.New()
	oursDiff := dmp.DiffPrettyText(dmp.DiffMain(c.Base, c.Ours, false))
	theirsDiff := dmp.DiffPrettyText(dmp.DiffMain(c.Base, c.Theirs, false))

	prompt := fmt.Sprintf(
		"Two branches changed %s. Produce the merged file. Reply with only the complete file content, no fences, no commentary.\n\nBASE:\n%s\n\nOURS:\n%s\n\nTHEIRS:\n%s\n\nCHANGES base->ours:\n%s\n\nCHANGES base->theirs:\n%s\n",
		c.Path, c.Base, c.Ours, c.Theirs, oursDiff, theirsDiff)
	resp, err := r.llm.Complete(ctx, r.provider, llm.Request{
		System:   "You are a merge conflict resolver. Preserve the intent of both sides.",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	text := stripFences(resp.Text)
	if err := validateResolution(text); err != nil {
		return "", err
	}
	return text, nil
}

// validateResolution rejects output that is not valid UTF-8 or still carries
// conflict markers.
func validateResolution(text string) error {
	if !utf8.ValidString(text) {
		return gerrors.Integrity("resolution is not valid UTF-8")
	}
	if HasConflictMarkers(text) {
		return gerrors.Integrity("resolution still contains conflict markers")
	}
	return nil
}

func stripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
