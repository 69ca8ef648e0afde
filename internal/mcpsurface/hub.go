// Package mcpsurface exposes gobby's tool surface over MCP with
// progressive disclosure: a small hub of meta-tools lists namespaces and
// lightweight tool metadata, and full schemas are fetched only on demand.
// Every listing and invocation passes through the workflow tool filter.
package mcpsurface

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"gobby/internal/gerrors"
	"gobby/internal/llm"
	"gobby/internal/logging"
)

// Handler executes one tool call. The returned value is serialized to JSON
// for the caller.
type Handler func(ctx context.Context, sessionID string, args map[string]any) (any, error)

// ToolSpec describes one registered tool.
type ToolSpec struct {
	Name        string
	Description string
	Category    string
	InputSchema map[string]any
	Handler     Handler
}

// ToolMeta is the lightweight listing row.
type ToolMeta struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category,omitempty"`
}

// ServerMeta describes one namespace.
type ServerMeta struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	ToolCount   int    `json:"tool_count"`
}

// Registry is one tool namespace.
type Registry struct {
	Name        string
	Description string

	tools  []*ToolSpec
	byName map[string]*ToolSpec
}

// NewRegistry builds an empty namespace.
func NewRegistry(name, description string) *Registry {
	return &Registry{Name: name, Description: description, byName: make(map[string]*ToolSpec)}
}

// Add registers a tool; later registrations replace earlier ones.
func (r *Registry) Add(spec *ToolSpec) *Registry {
	if _, exists := r.byName[spec.Name]; !exists {
		r.tools = append(r.tools, spec)
	} else {
		for i, t := range r.tools {
			if t.Name == spec.Name {
				r.tools[i] = spec
				break
			}
		}
	}
	r.byName[spec.Name] = spec
	return r
}

// toolFilter is the slice of the workflow engine the hub consults.
type toolFilter interface {
	ListAllowedTools(ctx context.Context, sessionID string, tools []string) ([]string, error)
}

// Hub holds every namespace and answers the meta-tools.
type Hub struct {
	mu         sync.RWMutex
	registries map[string]*Registry
	filter     toolFilter
	logger     logging.Logger
}

// NewHub builds a hub. filter may be nil; all tools are then visible.
func NewHub(filter toolFilter, logger logging.Logger) *Hub {
	return &Hub{
		registries: make(map[string]*Registry),
		filter:     filter,
		logger:     logging.OrNop(logger),
	}
}

// Mount attaches a namespace to the hub.
func (h *Hub) Mount(r *Registry) {
	h.mu.Lock()
	h.registries[r.Name] = r
	h.mu.Unlock()
}

// Servers lists the mounted namespaces.
func (h *Hub) Servers() []ServerMeta {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ServerMeta, 0, len(h.registries))
	for _, r := range h.registries {
		out = append(out, ServerMeta{Name: r.Name, Description: r.Description, ToolCount: len(r.tools)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListTools returns the metadata rows for a namespace, restricted to what
// the session's workflow phase allows.
func (h *Hub) ListTools(ctx context.Context, sessionID, server string) ([]ToolMeta, error) {
	r, err := h.registry(server)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(r.tools))
	for _, t := range r.tools {
		names = append(names, t.Name)
	}
	allowed, err := h.allowed(ctx, sessionID, names)
	if err != nil {
		return nil, err
	}
	out := make([]ToolMeta, 0, len(allowed))
	for _, t := range r.tools {
		if _, ok := allowed[t.Name]; ok {
			out = append(out, ToolMeta{Name: t.Name, Description: t.Description, Category: t.Category})
		}
	}
	return out, nil
}

// Schema returns the full input schema for one tool.
func (h *Hub) Schema(server, tool string) (map[string]any, error) {
	spec, err := h.spec(server, tool)
	if err != nil {
		return nil, err
	}
	if spec.InputSchema == nil {
		return map[string]any{"type": "object"}, nil
	}
	return spec.InputSchema, nil
}

// Invoke runs a namespaced tool after the workflow filter clears it.
func (h *Hub) Invoke(ctx context.Context, sessionID, server, tool string, args map[string]any) (string, error) {
	spec, err := h.spec(server, tool)
	if err != nil {
		return "", err
	}
	allowed, err := h.allowed(ctx, sessionID, []string{tool})
	if err != nil {
		return "", err
	}
	if _, ok := allowed[tool]; !ok {
		return "", gerrors.PermissionDenied("tool %s/%s is blocked in the current workflow phase", server, tool)
	}

	result, err := spec.Handler(ctx, sessionID, args)
	if err != nil {
		return "", err
	}
	return encode(result)
}

func (h *Hub) registry(server string) (*Registry, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.registries[server]
	if !ok {
		return nil, gerrors.NotFound("mcp server %q", server)
	}
	return r, nil
}

func (h *Hub) spec(server, tool string) (*ToolSpec, error) {
	r, err := h.registry(server)
	if err != nil {
		return nil, err
	}
	spec, ok := r.byName[tool]
	if !ok {
		return nil, gerrors.NotFound("tool %q in server %s", tool, server)
	}
	return spec, nil
}

// allowed maps the subset of names the workflow filter passes. Filter
// errors fail open with a warning, matching the hook pipeline.
func (h *Hub) allowed(ctx context.Context, sessionID string, names []string) (map[string]struct{}, error) {
	kept := names
	if h.filter != nil && sessionID != "" {
		filtered, err := h.filter.ListAllowedTools(ctx, sessionID, names)
		if err != nil {
			h.logger.Warn("tool filter for session %s: %v", sessionID, err)
		} else {
			kept = filtered
		}
	}
	out := make(map[string]struct{}, len(kept))
	for _, n := range kept {
		out[n] = struct{}{}
	}
	return out, nil
}

func encode(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", gerrors.Wrap(gerrors.KindInternal, err, "encode tool result")
	}
	return string(data), nil
}

// hubToolDefs are the meta-tools an in-process agent starts with. The full
// namespaces stay hidden until listed, keeping the initial prompt small.
func hubToolDefs() []llm.ToolDef {
	obj := func(props map[string]any, required ...string) map[string]any {
		schema := map[string]any{"type": "object", "properties": props}
		if len(required) > 0 {
			schema["required"] = required
		}
		return schema
	}
	str := func(desc string) map[string]any {
		return map[string]any{"type": "string", "description": desc}
	}
	return []llm.ToolDef{
		{
			Name:        "list_mcp_servers",
			Description: "List the available tool namespaces.",
			InputSchema: obj(map[string]any{}),
		},
		{
			Name:        "list_tools",
			Description: "List the tools of one namespace (name, one-line description, category).",
			InputSchema: obj(map[string]any{"server": str("namespace name")}, "server"),
		},
		{
			Name:        "get_tool_schema",
			Description: "Fetch the full input schema for one tool.",
			InputSchema: obj(map[string]any{"server": str("namespace name"), "tool": str("tool name")}, "server", "tool"),
		},
		{
			Name:        "call_tool",
			Description: "Invoke a tool with JSON arguments.",
			InputSchema: obj(map[string]any{
				"server": str("namespace name"),
				"tool":   str("tool name"),
				"args":   map[string]any{"type": "object", "description": "tool arguments"},
			}, "server", "tool"),
		},
	}
}

// Tools implements the in-process agent tool surface with the hub
// meta-tools, so progressive disclosure applies to in-process agents too.
func (h *Hub) Tools(_ context.Context, _ string) []llm.ToolDef {
	return hubToolDefs()
}

// Call dispatches a hub meta-tool for an in-process agent.
func (h *Hub) Call(ctx context.Context, sessionID, name string, args map[string]any) (string, error) {
	str := func(key string) string {
		s, _ := args[key].(string)
		return s
	}
	switch name {
	case "list_mcp_servers":
		return encode(h.Servers())
	case "list_tools":
		metas, err := h.ListTools(ctx, sessionID, str("server"))
		if err != nil {
			return "", err
		}
		return encode(metas)
	case "get_tool_schema":
		schema, err := h.Schema(str("server"), str("tool"))
		if err != nil {
			return "", err
		}
		return encode(schema)
	case "call_tool":
		toolArgs, _ := args["args"].(map[string]any)
		return h.Invoke(ctx, sessionID, str("server"), str("tool"), toolArgs)
	}
	return "", gerrors.NotFound("hub tool %q", name)
}
