package schemas

import (
	"context"
)

// -- Turn Contract --

// ExecutorName is the closed set of executors that can drive a turn. It is a
// tagged enum on purpose: dispatch happens through a behavior table keyed by
// these values, never through an open string registry.
type ExecutorName string

const (
	ExecutorLiveAgent   ExecutorName = "live_agent"
	ExecutorCachePlayer ExecutorName = "cache_player"
)

// TurnSignal tells the orchestrator what to do after a turn's delta has been
// appended to history.
type TurnSignal string

const (
	// TurnContinue keeps the current executor active for the next turn.
	TurnContinue TurnSignal = "continue"
	// TurnSwitch hands control to TurnResult.SwitchTo, preserving state.
	TurnSwitch TurnSignal = "switch"
	// TurnDone ends the goal execution successfully.
	TurnDone TurnSignal = "done"
	// TurnFailed ends the goal execution unsuccessfully.
	TurnFailed TurnSignal = "failed"
)

// TurnResult is the outcome of one executor turn. Delta is appended to the
// shared history unconditionally before the signal is acted on.
type TurnResult struct {
	Delta    []Message
	Signal   TurnSignal
	SwitchTo ExecutorName
}

// TurnExecutor produces one conversation turn. Exactly one executor is
// active per goal execution at any moment.
type TurnExecutor interface {
	Step(ctx context.Context, history []Message) (*TurnResult, error)
}
