package llm

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	anthopt "github.com/anthropics/anthropic-sdk-go/option"
	oa "github.com/openai/openai-go"
	oaopt "github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gobby/internal/config"
	"gobby/internal/gerrors"
	"gobby/internal/logging"
)

type stubMessages struct {
	got  sdk.MessageNewParams
	resp *sdk.Message
	err  error
}

func (s *stubMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...anthopt.RequestOption) (*sdk.Message, error) {
	s.got = body
	return s.resp, s.err
}

func TestAnthropicAdapterRoundTrip(t *testing.T) {
	stub := &stubMessages{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "working on it"},
			{Type: "tool_use", ID: "tu_1", Name: "close_task", Input: json.RawMessage(`{"ref":"#3"}`)},
		},
		StopReason: "tool_use",
		Usage:      sdk.Usage{InputTokens: 12, OutputTokens: 7},
	}}
	p := &anthropicProvider{name: "claude", msg: stub, model: "claude-sonnet-4-5", logger: logging.Nop()}

	resp, err := p.Complete(context.Background(), Request{
		System:   "be brief",
		Messages: []Message{{Role: RoleUser, Content: "close #3"}},
		Tools:    []ToolDef{{Name: "close_task", Description: "close a task", InputSchema: map[string]any{"type": "object"}}},
	})
	require.NoError(t, err)

	assert.Equal(t, sdk.Model("claude-sonnet-4-5"), stub.got.Model)
	require.Len(t, stub.got.System, 1)
	assert.Equal(t, "be brief", stub.got.System[0].Text)
	assert.Len(t, stub.got.Tools, 1)

	assert.Equal(t, "working on it", resp.Text)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "close_task", resp.ToolCalls[0].Name)
	assert.Equal(t, StopToolUse, resp.StopReason)
	assert.Equal(t, 12, resp.Usage.InputTokens)
}

func TestAnthropicAdapterRequiresMessages(t *testing.T) {
	p := &anthropicProvider{name: "claude", msg: &stubMessages{}, model: "m", logger: logging.Nop()}
	_, err := p.Complete(context.Background(), Request{})
	assert.Equal(t, gerrors.KindConstraintViolation, gerrors.KindOf(err))
}

type stubChat struct {
	got  oa.ChatCompletionNewParams
	resp *oa.ChatCompletion
	err  error
}

func (s *stubChat) New(_ context.Context, body oa.ChatCompletionNewParams, _ ...oaopt.RequestOption) (*oa.ChatCompletion, error) {
	s.got = body
	return s.resp, s.err
}

func TestOpenAIAdapterRoundTrip(t *testing.T) {
	stub := &stubChat{resp: &oa.ChatCompletion{
		Choices: []oa.ChatCompletionChoice{{
			Message: oa.ChatCompletionMessage{
				Content: "done",
				ToolCalls: []oa.ChatCompletionMessageToolCall{{
					ID:       "call_1",
					Function: oa.ChatCompletionMessageToolCallFunction{Name: "list_tasks", Arguments: `{"status":"pending"}`},
				}},
			},
			FinishReason: "tool_calls",
		}},
		Usage: oa.CompletionUsage{PromptTokens: 20, CompletionTokens: 4},
	}}
	p := &openaiProvider{name: "gpt", chat: stub, model: "gpt-4o", logger: logging.Nop()}

	resp, err := p.Complete(context.Background(), Request{
		System:   "sys",
		Messages: []Message{{Role: RoleUser, Content: "list pending"}},
	})
	require.NoError(t, err)

	require.Len(t, stub.got.Messages, 2) // system + user
	assert.Equal(t, "done", resp.Text)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "list_tasks", resp.ToolCalls[0].Name)
	assert.Equal(t, StopToolUse, resp.StopReason)
	assert.Equal(t, 20, resp.Usage.InputTokens)
}

func TestRouterResolvesConfiguredProviders(t *testing.T) {
	r := NewRouter(config.LLMConfig{
		DefaultProvider: "claude",
		Providers: map[string]config.ProviderConfig{
			"claude": {Type: "anthropic", APIKey: "k", Model: "claude-sonnet-4-5"},
			"local":  {Type: "openai", APIKey: "k", BaseURL: "http://localhost:11434/v1", Model: "qwen"},
		},
	}, logging.Nop())

	p, model, err := r.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "claude", p.Name())
	assert.Empty(t, model)

	p, model, err = r.Resolve("local/llama3")
	require.NoError(t, err)
	assert.Equal(t, "local", p.Name())
	assert.Equal(t, "llama3", model)

	_, _, err = r.Resolve("missing")
	assert.Equal(t, gerrors.KindNotFound, gerrors.KindOf(err))
}

type flakyProvider struct {
	calls int
}

func (f *flakyProvider) Name() string { return "flaky" }

func (f *flakyProvider) Complete(context.Context, Request) (*Response, error) {
	f.calls++
	if f.calls == 1 {
		return nil, gerrors.Provider("rate limited")
	}
	return &Response{Text: "recovered"}, nil
}

func TestRouterRetriesTransientFailures(t *testing.T) {
	flaky := &flakyProvider{}
	r := NewRouter(config.LLMConfig{DefaultProvider: "flaky"}, logging.Nop())
	r.Retry.BaseDelay = time.Millisecond
	r.Register("flaky", flaky)

	resp, err := r.Complete(context.Background(), "", Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Text)
	assert.Equal(t, 2, flaky.calls)
}

func TestFakePlaysScriptInOrder(t *testing.T) {
	f := NewFake(&Response{Text: "one"}, &Response{Text: "two"})
	r1, err := f.Complete(context.Background(), Request{})
	require.NoError(t, err)
	r2, _ := f.Complete(context.Background(), Request{})
	r3, _ := f.Complete(context.Background(), Request{})
	assert.Equal(t, "one", r1.Text)
	assert.Equal(t, "two", r2.Text)
	assert.Equal(t, "two", r3.Text)
}
