// Package handoff carries context between sessions: it resolves
// inject_context sources for the workflow engine (handoff summaries,
// pinned memories and skills, ready work) and writes the end-of-session
// summary the next session picks up.
package handoff

import (
	"context"
	"fmt"
	"strings"

	"gobby/internal/gerrors"
	"gobby/internal/llm"
	"gobby/internal/logging"
	"gobby/internal/memory"
	"gobby/internal/skills"
	"gobby/internal/store"
)

// Inject sources.
const (
	SourceHandoff     = "handoff"
	SourceMemories    = "memories"
	SourceSkills      = "skills"
	SourceTaskContext = "task_context"
)

const maxReadyTasks = 5

// Provider resolves inject_context sources. memory, skillLib, and llm are
// optional; absent collaborators yield empty injections for their sources.
type Provider struct {
	store     *store.Store
	llm       llm.Provider
	memory    *memory.Store
	skillLib  func() *skills.Library
	machineID string
	logger    logging.Logger
}

// New builds a provider. machineID scopes handoff consumption to this host.
func New(st *store.Store, provider llm.Provider, mem *memory.Store, skillLib func() *skills.Library, machineID string, logger logging.Logger) *Provider {
	return &Provider{
		store:     st,
		llm:       provider,
		memory:    mem,
		skillLib:  skillLib,
		machineID: machineID,
		logger:    logging.OrNop(logger),
	}
}

// Inject implements the workflow engine's context provider.
func (p *Provider) Inject(ctx context.Context, sessionID, source string) (string, error) {
	sess, err := p.store.Sessions.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	switch source {
	case SourceHandoff:
		return p.injectHandoff(ctx, sess)
	case SourceMemories:
		return p.injectMemories(sess.ProjectID)
	case SourceSkills:
		return p.injectSkills(), nil
	case SourceTaskContext:
		return p.injectTasks(ctx, sess.ProjectID)
	default:
		return "", gerrors.NotFound("inject source %q", source)
	}
}

// injectHandoff consumes the oldest handoff-ready session for the project.
// No pending handoff is not an error; the injection is simply empty.
func (p *Provider) injectHandoff(ctx context.Context, sess *store.Session) (string, error) {
	prev, err := p.store.Sessions.ConsumeHandoff(ctx, sess.ProjectID, p.machineID)
	if gerrors.KindOf(err) == gerrors.KindNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("## Handoff from session #%d\n\n%s", prev.SeqNum, prev.SummaryMarkdown), nil
}

func (p *Provider) injectMemories(projectID string) (string, error) {
	if p.memory == nil {
		return "", nil
	}
	pinned, err := p.memory.AlwaysApply(projectID)
	if err != nil {
		return "", err
	}
	if len(pinned) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("## Memories\n")
	for _, m := range pinned {
		fmt.Fprintf(&b, "- %s\n", m.Content)
	}
	return b.String(), nil
}

func (p *Provider) injectSkills() string {
	if p.skillLib == nil {
		return ""
	}
	pinned := p.skillLib().AlwaysApply()
	if len(pinned) == 0 {
		return ""
	}
	var b strings.Builder
	for _, s := range pinned {
		fmt.Fprintf(&b, "## Skill: %s\n\n%s\n", s.Name, s.Body)
	}
	return b.String()
}

func (p *Provider) injectTasks(ctx context.Context, projectID string) (string, error) {
	ready, err := p.store.Tasks.ListReady(ctx, store.ListFilters{ProjectID: projectID})
	if err != nil {
		return "", err
	}
	if len(ready) == 0 {
		return "", nil
	}
	if len(ready) > maxReadyTasks {
		ready = ready[:maxReadyTasks]
	}
	var b strings.Builder
	b.WriteString("## Ready tasks\n")
	for _, t := range ready {
		fmt.Fprintf(&b, "- #%d %s\n", t.SeqNum, t.Title)
	}
	return b.String(), nil
}

// Summarize writes the session's handoff summary and marks it ready. With
// an LLM configured the summary is generated from the session's task
// activity; otherwise a mechanical digest is stored.
func (p *Provider) Summarize(ctx context.Context, sessionID string) error {
	sess, err := p.store.Sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	digest, err := p.taskDigest(ctx, sess)
	if err != nil {
		return err
	}
	summary := digest
	if p.llm != nil {
		resp, err := p.llm.Complete(ctx, llm.Request{
			System: "Write a short markdown handoff note so the next session can resume this project's work. Lead with what changed, then what is still open.",
			Messages: []llm.Message{
				{Role: llm.RoleUser, Content: digest},
			},
			MaxTokens: 512,
		})
		if err != nil {
			p.logger.Warn("handoff summary for %s falls back to digest: %v", sessionID, err)
		} else if strings.TrimSpace(resp.Text) != "" {
			summary = resp.Text
		}
	}
	return p.store.Sessions.SetSummary(ctx, sessionID, summary)
}

// taskDigest lists what the session created and what remains open.
func (p *Provider) taskDigest(ctx context.Context, sess *store.Session) (string, error) {
	all, err := p.store.Tasks.List(ctx, store.ListFilters{ProjectID: sess.ProjectID})
	if err != nil {
		return "", err
	}
	var mine, open []store.Task
	for _, t := range all {
		if t.CreatedInSessionID != nil && *t.CreatedInSessionID == sess.ID {
			mine = append(mine, t)
		}
		if t.Status == store.TaskPending || t.Status == store.TaskInProgress || t.Status == store.TaskReview {
			open = append(open, t)
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Session #%d (%s) ended.\n", sess.SeqNum, sess.Source)
	if len(mine) > 0 {
		b.WriteString("\nCreated this session:\n")
		for _, t := range mine {
			fmt.Fprintf(&b, "- #%d %s (%s)\n", t.SeqNum, t.Title, t.Status)
		}
	}
	if len(open) > 0 {
		b.WriteString("\nStill open:\n")
		for _, t := range open {
			fmt.Fprintf(&b, "- #%d %s (%s)\n", t.SeqNum, t.Title, t.Status)
		}
	}
	return b.String(), nil
}
