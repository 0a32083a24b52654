// Package agent adapts an LLM behind the ReasoningStep interface: it
// renders conversation history into a prompt, asks the model for the next
// action as JSON, and maps the reply to a turn decision.
package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/replaykit/api/schemas"
	"github.com/xkilldash9x/replaykit/internal/llmclient"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const reasonerSystemPrompt = `You are a UI automation agent. You are given a goal, the conversation so far, and a set of tools. Decide the single next action.

Respond with ONLY a JSON object, no prose around it, in one of these forms:
{"thought": "<short reasoning>", "action": {"tool": "<tool name>", "input": {<tool arguments>}}}
{"thought": "<short reasoning>", "status": "done"}
{"thought": "<short reasoning>", "status": "failed"}

Rules:
- One action per response. Never batch.
- Use "done" only when the goal is verifiably achieved, "failed" only when no tool can make progress.
- Tool inputs must match the declared argument names exactly.`

// modelReply is the JSON shape the model is instructed to produce.
type modelReply struct {
	Thought string `json:"thought"`
	Action  *struct {
		Tool  string         `json:"tool"`
		Input map[string]any `json:"input"`
	} `json:"action"`
	Status string `json:"status"`
}

var jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

// Reasoner drives goal planning through the configured LLM.
type Reasoner struct {
	client llmclient.Client
	opts   llmclient.GenerationOptions
	log    *zap.Logger
}

func NewReasoner(client llmclient.Client, opts llmclient.GenerationOptions, logger *zap.Logger) *Reasoner {
	opts.ForceJSONFormat = true
	return &Reasoner{client: client, opts: opts, log: logger.Named("reasoner")}
}

var _ schemas.ReasoningStep = (*Reasoner)(nil)

// Next produces the next decision for the conversation.
func (r *Reasoner) Next(ctx context.Context, history []schemas.Message, tools []schemas.ToolDefinition) (*schemas.Decision, error) {
	res, err := r.client.GenerateResponse(ctx, llmclient.GenerationRequest{
		SystemPrompt: reasonerSystemPrompt,
		UserPrompt:   renderPrompt(history, tools),
		Options:      r.opts,
	})
	if err != nil {
		return nil, fmt.Errorf("llm generation failed: %w", err)
	}

	reply, err := parseReply(res.Content)
	if err != nil {
		return nil, fmt.Errorf("unparseable model reply: %w", err)
	}

	msg := schemas.Message{
		Role:      schemas.RoleAssistant,
		Content:   reply.Thought,
		Timestamp: time.Now().UTC(),
	}
	signal := schemas.DecisionContinue

	switch {
	case reply.Action != nil:
		if reply.Action.Tool == "" {
			return nil, fmt.Errorf("model proposed an action without a tool name")
		}
		input := reply.Action.Input
		if input == nil {
			input = map[string]any{}
		}
		msg.ToolCall = &schemas.ToolCall{
			ID:    uuid.NewString(),
			Tool:  reply.Action.Tool,
			Input: input,
		}
	case reply.Status == "done":
		signal = schemas.DecisionDone
	case reply.Status == "failed":
		signal = schemas.DecisionFailed
	default:
		return nil, fmt.Errorf("model reply carries neither action nor terminal status")
	}

	r.log.Debug("Reasoning turn",
		zap.String("signal", string(signal)),
		zap.Int("tokens", res.TokensUsed))
	return &schemas.Decision{
		Delta:      []schemas.Message{msg},
		Signal:     signal,
		TokensUsed: res.TokensUsed,
	}, nil
}

// parseReply tolerates code fences and stray prose around the JSON object.
func parseReply(content string) (*modelReply, error) {
	raw := strings.TrimSpace(content)
	if match := jsonObjectRe.FindString(raw); match != "" {
		raw = match
	}
	var reply modelReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// renderPrompt flattens the tool catalog and history into the user prompt.
// Screenshots are referenced, not inlined; the model reasons over the
// textual trace.
func renderPrompt(history []schemas.Message, tools []schemas.ToolDefinition) string {
	var b strings.Builder

	b.WriteString("Available tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}

	b.WriteString("\nConversation so far:\n")
	for _, msg := range history {
		switch {
		case msg.ToolCall != nil:
			args, _ := json.Marshal(msg.ToolCall.Input)
			fmt.Fprintf(&b, "[%s] invoked %s with %s\n", msg.Role, msg.ToolCall.Tool, args)
		case msg.ToolResult != nil:
			if msg.ToolResult.Error != "" {
				fmt.Fprintf(&b, "[tool:%s] ERROR: %s\n", msg.ToolResult.Tool, msg.ToolResult.Error)
			} else {
				fmt.Fprintf(&b, "[tool:%s] %s\n", msg.ToolResult.Tool, truncate(msg.ToolResult.Content, 2000))
			}
			if len(msg.ToolResult.Screenshot) > 0 {
				b.WriteString("(a screenshot was captured)\n")
			}
		case msg.Content != "":
			fmt.Fprintf(&b, "[%s] %s\n", msg.Role, truncate(msg.Content, 2000))
		}
	}

	b.WriteString("\nDecide the next action.")
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
