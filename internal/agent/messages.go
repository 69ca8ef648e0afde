package agent

import (
	"context"
	"time"

	"gobby/internal/events"
	"gobby/internal/gerrors"
	"gobby/internal/store"
)

// SendToChild delivers a message from a parent session to the child session
// behind a run.
func (o *Orchestrator) SendToChild(ctx context.Context, fromSessionID, runID, content, priority string) (*store.Message, error) {
	run, err := o.store.Runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.ChildSessionID == nil {
		return nil, gerrors.ConstraintViolation("run %s has no child session", runID)
	}
	return o.send(ctx, fromSessionID, *run.ChildSessionID, content, priority)
}

// SendToParent delivers a message from an agent's session up to its parent.
func (o *Orchestrator) SendToParent(ctx context.Context, childSessionID, content, priority string) (*store.Message, error) {
	child, err := o.store.Sessions.Get(ctx, childSessionID)
	if err != nil {
		return nil, err
	}
	if child.ParentSessionID == nil {
		return nil, gerrors.ConstraintViolation("session %s has no parent", childSessionID)
	}
	return o.send(ctx, childSessionID, *child.ParentSessionID, content, priority)
}

func (o *Orchestrator) send(ctx context.Context, from, to, content, priority string) (*store.Message, error) {
	if priority == "" {
		priority = store.PriorityNormal
	}
	msg, err := o.store.Messages.Send(ctx, from, to, content, priority)
	if err != nil {
		return nil, err
	}
	o.publish(events.Event{
		Type:      events.TypeMessageSent,
		SessionID: to,
		Timestamp: time.Now().UTC(),
		Payload: map[string]any{
			"message_id":   msg.ID,
			"from_session": from,
			"priority":     priority,
		},
	})
	return msg, nil
}

// PollMessages returns a session's messages, unread first when unreadOnly.
func (o *Orchestrator) PollMessages(ctx context.Context, sessionID string, unreadOnly bool) ([]store.Message, error) {
	return o.store.Messages.Poll(ctx, sessionID, unreadOnly)
}

// MarkMessageRead records that a message has been consumed.
func (o *Orchestrator) MarkMessageRead(ctx context.Context, messageID string) error {
	return o.store.Messages.MarkRead(ctx, messageID)
}
