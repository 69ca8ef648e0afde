package mcpsurface

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"gobby/internal/skills"
)

const serverVersion = "0.1.0"

// instructions teach clients the disclosure pattern instead of front-loading
// every schema.
const instructions = `gobby exposes its tools behind a small hub.
Start with list_mcp_servers to see the namespaces, then list_tools(server)
for lightweight tool metadata. Fetch a full schema with
get_tool_schema(server, tool) only when you are about to use the tool, and
invoke it with call_tool(server, tool, args). Skills work the same way:
list_skills / search_skills return summaries, get_skill(name) returns the
full playbook. Pass your gobby session id when you have one so phase
restrictions apply.`

// SkillSource returns the current skill library; called per request so
// reloads are picked up.
type SkillSource func() *skills.Library

// NewServer builds the MCP server with the hub meta-tools. Run it with
// server.Run(ctx, &mcp.StdioTransport{}).
func NewServer(hub *Hub, skillSrc SkillSource) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "gobby",
		Version: serverVersion,
	}, &mcp.ServerOptions{
		Instructions: instructions,
	})

	type listServersArgs struct {
		SessionID string `json:"session_id,omitempty" jsonschema:"gobby session id, enables phase filtering"`
	}
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_mcp_servers",
		Description: "List gobby's tool namespaces with tool counts.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true},
	}, func(ctx context.Context, req *mcp.CallToolRequest, args listServersArgs) (*mcp.CallToolResult, any, error) {
		return textResult(encode(hub.Servers()))
	})

	type listToolsArgs struct {
		Server    string `json:"server" jsonschema:"namespace name from list_mcp_servers"`
		SessionID string `json:"session_id,omitempty" jsonschema:"gobby session id, enables phase filtering"`
	}
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_tools",
		Description: "List a namespace's tools: name, one-line description, category. Fetch full schemas separately.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true},
	}, func(ctx context.Context, req *mcp.CallToolRequest, args listToolsArgs) (*mcp.CallToolResult, any, error) {
		metas, err := hub.ListTools(ctx, args.SessionID, args.Server)
		if err != nil {
			return errorResult(err)
		}
		return textResult(encode(metas))
	})

	type schemaArgs struct {
		Server string `json:"server" jsonschema:"namespace name"`
		Tool   string `json:"tool" jsonschema:"tool name"`
	}
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_tool_schema",
		Description: "Fetch the full input schema for one tool.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true},
	}, func(ctx context.Context, req *mcp.CallToolRequest, args schemaArgs) (*mcp.CallToolResult, any, error) {
		schema, err := hub.Schema(args.Server, args.Tool)
		if err != nil {
			return errorResult(err)
		}
		return textResult(encode(schema))
	})

	type callArgs struct {
		Server    string         `json:"server" jsonschema:"namespace name"`
		Tool      string         `json:"tool" jsonschema:"tool name"`
		Args      map[string]any `json:"args,omitempty" jsonschema:"tool arguments per its schema"`
		SessionID string         `json:"session_id,omitempty" jsonschema:"gobby session id, enables phase filtering"`
	}
	mcp.AddTool(server, &mcp.Tool{
		Name:        "call_tool",
		Description: "Invoke a namespaced tool with JSON arguments.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args callArgs) (*mcp.CallToolResult, any, error) {
		out, err := hub.Invoke(ctx, args.SessionID, args.Server, args.Tool, args.Args)
		if err != nil {
			return errorResult(err)
		}
		return textResult(out, nil)
	})

	registerSkillTools(server, skillSrc)
	return server
}

func registerSkillTools(server *mcp.Server, src SkillSource) {
	type noArgs struct{}
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_skills",
		Description: "List available skills: name, one-line description, scope.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true},
	}, func(ctx context.Context, req *mcp.CallToolRequest, args noArgs) (*mcp.CallToolResult, any, error) {
		return textResult(encode(src().List()))
	})

	type getSkillArgs struct {
		Name string `json:"name" jsonschema:"skill name from list_skills"`
	}
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_skill",
		Description: "Fetch the full body of one skill.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true},
	}, func(ctx context.Context, req *mcp.CallToolRequest, args getSkillArgs) (*mcp.CallToolResult, any, error) {
		skill, err := src().Get(args.Name)
		if err != nil {
			return errorResult(err)
		}
		return textResult(encode(skill))
	})

	type searchSkillArgs struct {
		Query string `json:"query" jsonschema:"search terms matched against name, description, and body"`
		Limit int    `json:"limit,omitempty" jsonschema:"max results, default 5"`
	}
	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_skills",
		Description: "Search skills by keyword; returns summaries.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true},
	}, func(ctx context.Context, req *mcp.CallToolRequest, args searchSkillArgs) (*mcp.CallToolResult, any, error) {
		limit := args.Limit
		if limit <= 0 {
			limit = 5
		}
		return textResult(encode(src().Search(args.Query, limit)))
	})
}

func textResult(text string, errs ...error) (*mcp.CallToolResult, any, error) {
	for _, err := range errs {
		if err != nil {
			return errorResult(err)
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, nil, nil
}

func errorResult(err error) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
	}, nil, nil
}
