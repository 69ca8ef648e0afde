package llm

import (
	"context"
	"encoding/json"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"gobby/internal/gerrors"
	"gobby/internal/logging"
)

// messagesClient is the subset of the Anthropic SDK used by the adapter.
// *sdk.MessageService satisfies it; tests pass a stub.
type messagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

type anthropicProvider struct {
	name   string
	msg    messagesClient
	model  string
	logger logging.Logger
}

const defaultAnthropicMaxTokens = 4096

// NewAnthropic builds a provider backed by the Anthropic Messages API.
func NewAnthropic(name, apiKey, baseURL, model string, logger logging.Logger) (Provider, error) {
	if apiKey == "" {
		return nil, gerrors.ConstraintViolation("provider %s: api_key is required", name)
	}
	if model == "" {
		return nil, gerrors.ConstraintViolation("provider %s: model is required", name)
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := sdk.NewClient(opts...)
	return &anthropicProvider{
		name:   name,
		msg:    &client.Messages,
		model:  model,
		logger: logging.OrNop(logger),
	}, nil
}

func (p *anthropicProvider) Name() string { return p.name }

func (p *anthropicProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	params, err := p.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("anthropic request: model=%s messages=%d tools=%d", params.Model, len(params.Messages), len(params.Tools))
	msg, err := p.msg.New(ctx, *params)
	if err != nil {
		return nil, gerrors.Wrap(gerrors.KindProvider, err, "anthropic messages.new")
	}
	return decodeAnthropicMessage(msg), nil
}

func (p *anthropicProvider) encodeRequest(req Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, gerrors.ConstraintViolation("anthropic: messages are required")
	}
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	msgs := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		blocks, err := encodeAnthropicBlocks(m)
		if err != nil {
			return nil, err
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case RoleUser:
			msgs = append(msgs, sdk.NewUserMessage(blocks...))
		case RoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, gerrors.ConstraintViolation("anthropic: unsupported role %q", m.Role)
		}
	}
	if len(msgs) == 0 {
		return nil, gerrors.ConstraintViolation("anthropic: at least one non-empty message is required")
	}

	params := &sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = append([]string(nil), req.StopSequences...)
	}
	for _, def := range req.Tools {
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: def.InputSchema}, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		params.Tools = append(params.Tools, u)
	}
	return params, nil
}

func encodeAnthropicBlocks(m Message) ([]sdk.ContentBlockParamUnion, error) {
	blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls)+len(m.ToolResults))
	for _, tr := range m.ToolResults {
		blocks = append(blocks, sdk.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
	}
	if m.Content != "" {
		blocks = append(blocks, sdk.NewTextBlock(m.Content))
	}
	for _, tc := range m.ToolCalls {
		var input any
		if len(tc.Input) > 0 {
			if err := json.Unmarshal(tc.Input, &input); err != nil {
				return nil, fmt.Errorf("anthropic: tool call %s input: %w", tc.ID, err)
			}
		}
		blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
	}
	return blocks, nil
}

func decodeAnthropicMessage(msg *sdk.Message) *Response {
	resp := &Response{StopReason: string(msg.StopReason)}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Text += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: json.RawMessage(block.Input),
			})
		}
	}
	resp.Usage = Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	return resp
}
