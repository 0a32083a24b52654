package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/replaykit/api/schemas"
)

// TokenSink receives the reasoning token spend of each live turn. The
// recorder implements it.
type TokenSink interface {
	AddTokens(n int)
}

// LiveAgent is the TurnExecutor that drives the reasoning model. Each turn
// it forwards history to the reasoning step, executes at most one requested
// tool, and maps the decision signal to a turn signal.
type LiveAgent struct {
	reasoner schemas.ReasoningStep
	exec     schemas.ToolExecutor
	catalog  schemas.ToolCatalog
	tokens   TokenSink
	log      *zap.Logger
}

func NewLiveAgent(
	reasoner schemas.ReasoningStep,
	exec schemas.ToolExecutor,
	catalog schemas.ToolCatalog,
	tokens TokenSink,
	logger *zap.Logger,
) *LiveAgent {
	return &LiveAgent{
		reasoner: reasoner,
		exec:     exec,
		catalog:  catalog,
		tokens:   tokens,
		log:      logger.Named("live_agent"),
	}
}

// Step runs one reasoning turn. A tool execution failure is surfaced to the
// model as an error result in the next turn's history, not as a Go error;
// the model decides whether to retry or give up.
func (a *LiveAgent) Step(ctx context.Context, history []schemas.Message) (*schemas.TurnResult, error) {
	decision, err := a.reasoner.Next(ctx, history, a.catalog.Definitions())
	if err != nil {
		return nil, fmt.Errorf("reasoning step failed: %w", err)
	}
	if a.tokens != nil {
		a.tokens.AddTokens(decision.TokensUsed)
	}

	delta := make([]schemas.Message, 0, len(decision.Delta)+1)
	for _, msg := range decision.Delta {
		msg.Origin = schemas.OriginLiveAgent
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now().UTC()
		}
		delta = append(delta, msg)
	}

	if call := pendingCall(delta); call != nil {
		result := schemas.ToolResult{CallID: call.ID, Tool: call.Tool}
		res, execErr := a.exec.Execute(ctx, call.Tool, call.Input)
		if execErr != nil {
			a.log.Warn("Tool execution failed",
				zap.String("tool", call.Tool), zap.Error(execErr))
			result.Error = execErr.Error()
		} else {
			result.Content = res.Content
			result.Screenshot = res.Screenshot
		}
		delta = append(delta, schemas.Message{
			Role:       schemas.RoleTool,
			Origin:     schemas.OriginLiveAgent,
			ToolResult: &result,
			Timestamp:  time.Now().UTC(),
		})
	}

	return &schemas.TurnResult{
		Delta:  delta,
		Signal: signalFor(decision.Signal),
	}, nil
}

// pendingCall finds the tool call of this turn, if the model requested one.
func pendingCall(delta []schemas.Message) *schemas.ToolCall {
	for i := len(delta) - 1; i >= 0; i-- {
		if delta[i].ToolCall != nil {
			return delta[i].ToolCall
		}
	}
	return nil
}

func signalFor(s schemas.DecisionSignal) schemas.TurnSignal {
	switch s {
	case schemas.DecisionDone:
		return schemas.TurnDone
	case schemas.DecisionFailed:
		return schemas.TurnFailed
	default:
		return schemas.TurnContinue
	}
}
