package conductor

import (
	"context"

	"gobby/internal/mcpsurface"
)

// Registry exposes the conductor over the gobby-orchestration namespace.
func (c *Conductor) Registry() *mcpsurface.Registry {
	r := mcpsurface.NewRegistry("gobby-orchestration", "Control the autonomous conductor loop.")

	r.Add(&mcpsurface.ToolSpec{
		Name: "conductor_status", Category: "read",
		Description: "Show the conductor loop state: running, autonomous, claimed tasks, budget.",
		InputSchema: map[string]any{"type": "object"},
		Handler: func(_ context.Context, _ string, _ map[string]any) (any, error) {
			return c.Statusz(), nil
		},
	})

	r.Add(&mcpsurface.ToolSpec{
		Name: "conductor_start", Category: "write",
		Description: "Start the conductor loop.",
		InputSchema: map[string]any{"type": "object"},
		Handler: func(ctx context.Context, _ string, _ map[string]any) (any, error) {
			if err := c.Start(context.WithoutCancel(ctx)); err != nil {
				return nil, err
			}
			return c.Statusz(), nil
		},
	})

	r.Add(&mcpsurface.ToolSpec{
		Name: "conductor_stop", Category: "write",
		Description: "Stop the conductor loop and wait for supervisors to finish.",
		InputSchema: map[string]any{"type": "object"},
		Handler: func(_ context.Context, _ string, _ map[string]any) (any, error) {
			c.Stop()
			return c.Statusz(), nil
		},
	})

	r.Add(&mcpsurface.ToolSpec{
		Name: "conductor_chat", Category: "write",
		Description: "Ask the conductor about orchestration state or next actions.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message":    map[string]any{"type": "string", "description": "the question or instruction"},
				"project_id": map[string]any{"type": "string", "description": "project whose task counts to include"},
			},
			"required": []string{"message"},
		},
		Handler: func(ctx context.Context, _ string, args map[string]any) (any, error) {
			message, _ := args["message"].(string)
			projectID, _ := args["project_id"].(string)
			return c.Chat(ctx, projectID, message)
		},
	})

	return r
}
