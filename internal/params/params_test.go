package params

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/replaykit/internal/cachestore"
	"github.com/xkilldash9x/replaykit/internal/llmclient"
)

func stepsWithUser() []cachestore.Step {
	return []cachestore.Step{
		{ID: "step-0", Tool: "navigate", Cacheable: true,
			Input: map[string]any{"url": "https://portal.test/login"}},
		{ID: "step-1", Tool: "type_text", Cacheable: true,
			Input: map[string]any{"text": "{{user}}", "field": "username"}},
	}
}

func TestReferences(t *testing.T) {
	t.Parallel()

	steps := []cachestore.Step{
		{Input: map[string]any{"text": "hello {{user}}", "meta": map[string]any{"note": "{{date}}"}}},
		{Input: map[string]any{"values": []any{"{{user}}", "literal"}}},
	}
	assert.Equal(t, []string{"date", "user"}, References(steps))
	assert.Empty(t, References(nil))
}

func TestCheckResolvable(t *testing.T) {
	t.Parallel()

	steps := stepsWithUser()

	t.Run("all values present", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, CheckResolvable(steps, map[string]string{"user": "alice"}))
	})

	t.Run("missing value names the parameter", func(t *testing.T) {
		t.Parallel()
		err := CheckResolvable(steps, map[string]string{})
		require.ErrorIs(t, err, ErrMissingParameter)
		assert.Contains(t, err.Error(), "{{user}}")
	})
}

func TestSubstitute(t *testing.T) {
	t.Parallel()

	input := map[string]any{
		"text":  "sign in as {{user}} on {{date}}",
		"count": float64(3),
		"nested": map[string]any{
			"list": []any{"{{user}}", true},
		},
	}
	values := map[string]string{"user": "alice", "date": "2026-08-30"}

	out, err := Substitute(input, values)
	require.NoError(t, err)
	assert.Equal(t, "sign in as alice on 2026-08-30", out["text"])
	assert.Equal(t, float64(3), out["count"])
	assert.Equal(t, "alice", out["nested"].(map[string]any)["list"].([]any)[0])

	// The source map must stay parameterized.
	assert.Equal(t, "sign in as {{user}} on {{date}}", input["text"])

	_, err = Substitute(input, map[string]string{"user": "alice"})
	assert.ErrorIs(t, err, ErrMissingParameter)
}

func TestMatchText(t *testing.T) {
	t.Parallel()

	values, ok := MatchText("book a flight on {{date_1}}", "book a flight on 2026-09-01")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"date_1": "2026-09-01"}, values)

	values, ok = MatchText("mail {{to}} about {{subject}}", "mail bob@corp.test about the outage")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"to": "bob@corp.test", "subject": "the outage"}, values)

	// A repeated name must bind one value.
	values, ok = MatchText("move {{item}} next to {{item}}", "move cup next to cup")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"item": "cup"}, values)
	_, ok = MatchText("move {{item}} next to {{item}}", "move cup next to plate")
	assert.False(t, ok)

	// Literal text must match exactly.
	_, ok = MatchText("book a flight on {{date_1}}", "book a hotel on 2026-09-01")
	assert.False(t, ok)

	// No placeholders degenerates to plain equality.
	values, ok = MatchText("static goal", "static goal")
	require.True(t, ok)
	assert.Empty(t, values)
	_, ok = MatchText("static goal", "different goal")
	assert.False(t, ok)
}

func TestManualDetector(t *testing.T) {
	t.Parallel()

	dets, err := ManualDetector{}.Detect(context.Background(), stepsWithUser(), "log in as {{user}} before {{deadline}}")
	require.NoError(t, err)

	names := make([]string, 0, len(dets))
	for _, d := range dets {
		names = append(names, d.Name)
	}
	assert.ElementsMatch(t, []string{"user", "deadline"}, names)
}

func TestHeuristicDetector(t *testing.T) {
	t.Parallel()

	steps := []cachestore.Step{
		{ID: "step-0", Tool: "type_text", Cacheable: true,
			Input: map[string]any{"text": "report for 2026-08-29 sent to ops@example.test"}},
		{ID: "step-1", Tool: "type_text", Cacheable: true,
			Input: map[string]any{"text": "order 1234567"}},
		{ID: "step-2", Tool: "screenshot", Cacheable: false,
			Input: map[string]any{"note": "2099-01-01"}},
	}

	dets, err := HeuristicDetector{}.Detect(context.Background(), steps, "file the 2026-08-29 report")
	require.NoError(t, err)

	byValue := map[string]Detection{}
	for _, d := range dets {
		byValue[d.Value+"@"+d.Path()] = d
	}

	// The same literal date in a step and the goal shares one name.
	stepDate, ok := byValue["2026-08-29@trajectory[0].input.text"]
	require.True(t, ok)
	goalDate, ok := byValue["2026-08-29@goal"]
	require.True(t, ok)
	assert.Equal(t, stepDate.Name, goalDate.Name)

	_, ok = byValue["ops@example.test@trajectory[0].input.text"]
	assert.True(t, ok, "email should be detected")
	_, ok = byValue["1234567@trajectory[1].input.text"]
	assert.True(t, ok, "long number should be detected")

	// Non-cacheable step inputs are never scanned.
	for _, d := range dets {
		assert.NotEqual(t, 2, d.StepIndex)
	}
}

// stubClient returns a canned response for LLM detector tests.
type stubClient struct {
	response string
	err      error
}

func (s *stubClient) GenerateResponse(context.Context, llmclient.GenerationRequest) (*llmclient.GenerationResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llmclient.GenerationResult{Content: s.response}, nil
}

func TestLLMDetector(t *testing.T) {
	t.Parallel()

	steps := []cachestore.Step{
		{ID: "step-0", Tool: "type_text", Cacheable: true,
			Input: map[string]any{"text": "alice@corp.test"}},
	}

	t.Run("accepts grounded proposals and drops hallucinations", func(t *testing.T) {
		t.Parallel()
		client := &stubClient{response: "```json\n" + `[
		 {"step_index": 0, "input_key": "text", "value": "alice@corp.test", "name": "login_email", "description": "the account email"},
		 {"step_index": 0, "input_key": "text", "value": "bob@corp.test", "name": "ghost", "description": "not present"},
		 {"step_index": 5, "input_key": "text", "value": "alice@corp.test", "name": "oob", "description": "bad index"},
		 {"step_index": 0, "input_key": "text", "value": "alice@corp.test", "name": "bad name!", "description": "illegal"}
		]` + "\n```"}

		dets, err := NewLLMDetector(client, zap.NewNop()).Detect(context.Background(), steps, "email the report")
		require.NoError(t, err)
		require.Len(t, dets, 1)
		assert.Equal(t, "login_email", dets[0].Name)
		assert.Equal(t, "trajectory[0].input.text", dets[0].Path())
	})

	t.Run("unparseable response is an error for the caller to degrade on", func(t *testing.T) {
		t.Parallel()
		client := &stubClient{response: "sorry, I cannot help with that"}
		_, err := NewLLMDetector(client, zap.NewNop()).Detect(context.Background(), steps, "goal")
		assert.Error(t, err)
	})
}
