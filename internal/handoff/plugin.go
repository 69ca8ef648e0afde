package handoff

import (
	"context"

	"gobby/internal/hooks"
)

// Plugin summarizes the session when it ends, running after core handling
// so the session row is already closed out.
type Plugin struct {
	provider *Provider
}

// NewPlugin wraps the provider as a hook pipeline plugin.
func NewPlugin(provider *Provider) *Plugin {
	return &Plugin{provider: provider}
}

func (p *Plugin) Name() string  { return "handoff" }
func (p *Plugin) Priority() int { return 90 }

func (p *Plugin) Handle(ctx context.Context, ev *hooks.HookEvent) (*hooks.Response, error) {
	if ev.EventType != hooks.EventSessionEnd {
		return nil, nil
	}
	sess, err := p.provider.store.Sessions.GetByCLIID(ctx, ev.Source, ev.SessionID)
	if err != nil {
		return nil, err
	}
	if err := p.provider.Summarize(ctx, sess.ID); err != nil {
		return nil, err
	}
	return nil, nil
}
