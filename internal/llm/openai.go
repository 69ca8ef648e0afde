package llm

import (
	"context"
	"encoding/json"

	oa "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"gobby/internal/gerrors"
	"gobby/internal/logging"
)

// chatClient is the subset of the OpenAI SDK used by the adapter.
// *oa.ChatCompletionService satisfies it; tests pass a stub.
type chatClient interface {
	New(ctx context.Context, body oa.ChatCompletionNewParams, opts ...option.RequestOption) (*oa.ChatCompletion, error)
}

type openaiProvider struct {
	name   string
	chat   chatClient
	model  string
	logger logging.Logger
}

// NewOpenAI builds a provider backed by the Chat Completions API. A custom
// base URL covers OpenAI-compatible endpoints (vLLM, Ollama, proxies).
func NewOpenAI(name, apiKey, baseURL, model string, logger logging.Logger) (Provider, error) {
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
	client := oa.NewClient(opts...)
	return &openaiProvider{
		name:   name,
		chat:   &client.Chat.Completions,
		model:  model,
		logger: logging.OrNop(logger),
	}, nil
}

func (p *openaiProvider) Name() string { return p.name }

func (p *openaiProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	params, err := p.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("openai request: model=%s messages=%d tools=%d", params.Model, len(params.Messages), len(params.Tools))
	completion, err := p.chat.New(ctx, *params)
	if err != nil {
		return nil, gerrors.Wrap(gerrors.KindProvider, err, "openai chat.completions.new")
	}
	return decodeOpenAICompletion(completion)
}

func (p *openaiProvider) encodeRequest(req Request) (*oa.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, gerrors.ConstraintViolation("openai: messages are required")
	}
	model := req.Model
	if model == "" {
		model = p.model
	}

	messages := make([]oa.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, oa.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		for _, tr := range m.ToolResults {
			messages = append(messages, oa.ToolMessage(tr.Content, tr.ToolCallID))
		}
		switch m.Role {
		case RoleUser:
			if m.Content != "" {
				messages = append(messages, oa.UserMessage(m.Content))
			}
		case RoleAssistant:
			assistant := oa.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				assistant.Content.OfString = oa.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, oa.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: oa.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			if assistant.Content.OfString.Valid() || len(assistant.ToolCalls) > 0 {
				messages = append(messages, oa.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
			}
		default:
			return nil, gerrors.ConstraintViolation("openai: unsupported role %q", m.Role)
		}
	}
	if len(messages) == 0 {
		return nil, gerrors.ConstraintViolation("openai: at least one non-empty message is required")
	}

	params := &oa.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = oa.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = oa.Float(req.Temperature)
	}
	if len(req.StopSequences) > 0 {
		params.Stop.OfStringArray = append([]string(nil), req.StopSequences...)
	}
	for _, def := range req.Tools {
		params.Tools = append(params.Tools, oa.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        def.Name,
				Description: oa.String(def.Description),
				Parameters:  shared.FunctionParameters(def.InputSchema),
			},
		})
	}
	return params, nil
}

func decodeOpenAICompletion(completion *oa.ChatCompletion) (*Response, error) {
	if len(completion.Choices) == 0 {
		return nil, gerrors.Provider("openai: completion returned no choices")
	}
	choice := completion.Choices[0]
	resp := &Response{
		Text:       choice.Message.Content,
		StopReason: string(choice.FinishReason),
	}
	if resp.StopReason == "tool_calls" {
		resp.StopReason = StopToolUse
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(tc.Function.Arguments),
		})
	}
	resp.Usage = Usage{
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
	}
	return resp, nil
}
