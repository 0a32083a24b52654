package schemas

import (
	"context"
)

// -- Tooling Interfaces --

// ToolDefinition describes a tool the agent may invoke.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// Cacheable marks tools that are safe to replay verbatim without fresh
	// reasoning. Non-cacheable tools always pause replay.
	Cacheable bool `json:"cacheable"`
	// InteractionSensitive marks pointer-click and text-entry tools, the
	// ones that get a visual fingerprint attached at record time.
	InteractionSensitive bool `json:"interaction_sensitive"`
	// CoordinateKeys names the input fields holding the x and y target
	// coordinate, in that order, when the tool acts on a screen point.
	CoordinateKeys []string `json:"coordinate_keys,omitempty"`
}

// ToolCatalog answers replay-safety questions about the available tools.
type ToolCatalog interface {
	// IsCacheable reports whether the named tool may be replayed verbatim.
	// Unknown tools are not cacheable.
	IsCacheable(name string) bool
	// Definition returns the full definition for a named tool.
	Definition(name string) (ToolDefinition, bool)
	// Definitions lists every available tool, in a stable order.
	Definitions() []ToolDefinition
}

// ExecResult is the outcome of one tool invocation.
type ExecResult struct {
	Content string
	// Screenshot is an optional post-action capture of the screen.
	Screenshot []byte
}

// ToolExecutor performs a tool call against the real environment. In-flight
// calls are not interruptible; cancellation is honored between calls only.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, input map[string]any) (*ExecResult, error)
}

// ScreenCapturer takes a fresh screenshot of the current environment state.
// The replay engine uses it to validate a region before a gated step.
type ScreenCapturer interface {
	CaptureScreen(ctx context.Context) ([]byte, error)
}

// -- Reasoning Interface --

// DecisionSignal is the reasoning step's verdict for the current turn.
type DecisionSignal string

const (
	DecisionContinue DecisionSignal = "continue"
	DecisionDone     DecisionSignal = "done"
	DecisionFailed   DecisionSignal = "failed"
)

// Decision is one reasoning turn: the messages it produced (typically an
// assistant message, optionally carrying a ToolCall) and whether the goal is
// finished.
type Decision struct {
	Delta      []Message
	Signal     DecisionSignal
	TokensUsed int
}

// ReasoningStep is the opaque model-driven planner. Given the history so far
// and the tool catalog it yields the next decision.
type ReasoningStep interface {
	Next(ctx context.Context, history []Message, tools []ToolDefinition) (*Decision, error)
}
