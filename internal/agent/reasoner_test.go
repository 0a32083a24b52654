package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/replaykit/api/schemas"
	"github.com/xkilldash9x/replaykit/internal/llmclient"
)

type stubClient struct {
	content string
	tokens  int
	err     error
	lastReq llmclient.GenerationRequest
}

func (s *stubClient) GenerateResponse(_ context.Context, req llmclient.GenerationRequest) (*llmclient.GenerationResult, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return &llmclient.GenerationResult{Content: s.content, TokensUsed: s.tokens}, nil
}

func newTestReasoner(client llmclient.Client) *Reasoner {
	return NewReasoner(client, llmclient.GenerationOptions{Temperature: 0.2}, zap.NewNop())
}

func TestNextProducesToolCall(t *testing.T) {
	t.Parallel()
	client := &stubClient{
		content: `{"thought": "need the login page", "action": {"tool": "navigate", "input": {"url": "https://example.com/login"}}}`,
		tokens:  120,
	}
	r := newTestReasoner(client)

	dec, err := r.Next(context.Background(), nil, []schemas.ToolDefinition{{Name: "navigate", Description: "open a URL"}})
	require.NoError(t, err)

	assert.Equal(t, schemas.DecisionContinue, dec.Signal)
	assert.Equal(t, 120, dec.TokensUsed)
	require.Len(t, dec.Delta, 1)
	call := dec.Delta[0].ToolCall
	require.NotNil(t, call)
	assert.Equal(t, "navigate", call.Tool)
	assert.Equal(t, "https://example.com/login", call.Input["url"])
	assert.NotEmpty(t, call.ID)
	assert.True(t, client.lastReq.Options.ForceJSONFormat)
}

func TestNextDoneAndFailed(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		body   string
		signal schemas.DecisionSignal
	}{
		{"done", `{"thought": "goal reached", "status": "done"}`, schemas.DecisionDone},
		{"failed", `{"thought": "stuck", "status": "failed"}`, schemas.DecisionFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := newTestReasoner(&stubClient{content: tc.body})
			dec, err := r.Next(context.Background(), nil, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.signal, dec.Signal)
			assert.Nil(t, dec.Delta[0].ToolCall)
		})
	}
}

func TestNextToleratesCodeFences(t *testing.T) {
	t.Parallel()
	r := newTestReasoner(&stubClient{
		content: "```json\n{\"thought\": \"ok\", \"status\": \"done\"}\n```",
	})
	dec, err := r.Next(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schemas.DecisionDone, dec.Signal)
}

func TestNextRejectsMalformedReply(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		body string
	}{
		{"not json", "I think we should click the button"},
		{"no action or status", `{"thought": "hmm"}`},
		{"action without tool", `{"thought": "x", "action": {"input": {}}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := newTestReasoner(&stubClient{content: tc.body})
			_, err := r.Next(context.Background(), nil, nil)
			assert.Error(t, err)
		})
	}
}

func TestPromptCarriesHistoryAndTools(t *testing.T) {
	t.Parallel()
	client := &stubClient{content: `{"thought": "ok", "status": "done"}`}
	r := newTestReasoner(client)

	history := []schemas.Message{
		{Role: schemas.RoleSystem, Content: "Goal: log in"},
		{Role: schemas.RoleAssistant, ToolCall: &schemas.ToolCall{ID: "c1", Tool: "click", Input: map[string]any{"x": 1}}},
		{Role: schemas.RoleTool, ToolResult: &schemas.ToolResult{Tool: "click", Error: "element vanished"}},
	}
	_, err := r.Next(context.Background(), history, []schemas.ToolDefinition{{Name: "click", Description: "press a point"}})
	require.NoError(t, err)

	prompt := client.lastReq.UserPrompt
	assert.Contains(t, prompt, "Goal: log in")
	assert.Contains(t, prompt, "click: press a point")
	assert.Contains(t, prompt, "element vanished")
}
