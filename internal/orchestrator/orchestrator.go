// Package orchestrator runs the per-goal turn loop: a 2-state machine that
// hands each turn to either the live reasoning agent or the cache player,
// merges the resulting delta into shared history, and acts on the returned
// control signal.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/replaykit/api/schemas"
	"github.com/xkilldash9x/replaykit/internal/cachestore"
	"github.com/xkilldash9x/replaykit/internal/params"
	"github.com/xkilldash9x/replaykit/internal/recorder"
	"github.com/xkilldash9x/replaykit/internal/validation"
)

// ErrTurnBudget means the loop hit its turn ceiling before the goal
// resolved either way.
var ErrTurnBudget = errors.New("turn budget exhausted")

// ExecutionState is the explicit resumable state of one goal execution.
// Handing control between executors never loses it.
type ExecutionState struct {
	Active  schemas.ExecutorName
	History []schemas.Message
	// Cache is the activated cache file, nil when running purely live.
	Cache *cachestore.CacheFile
	// Params are the resolved parameter values for this run.
	Params map[string]string
	// ResumeIndex is the step the player resumes at after a handoff.
	ResumeIndex int
	// PendingHandoff is set while the live agent performs a non-cacheable
	// step on the player's behalf.
	PendingHandoff bool
	// PendingTool names the tool of the step the player paused on. Replay
	// resumes only after the live agent performs that tool successfully.
	PendingTool string
}

// Result summarizes one goal execution.
type Result struct {
	Success bool
	Turns   int
	History []schemas.Message
	// ReplayedSteps counts steps satisfied from cache.
	ReplayedSteps int
	// Recorded is the trajectory persisted at completion, nil when the run
	// was skipped (pure replay) or failed.
	Recorded *cachestore.CacheFile
}

// GoalRecorder is the recorder surface the loop feeds. *recorder.Recorder
// implements it.
type GoalRecorder interface {
	Observe(msg schemas.Message)
	AddTokens(n int)
	Tokens() int
	Finish(ctx context.Context, goal string) (*cachestore.CacheFile, error)
}

// ReplayPlayer is the player surface the loop drives. *player.Player
// implements it.
type ReplayPlayer interface {
	schemas.TurnExecutor
	Activate(file *cachestore.CacheFile, values map[string]string, startIndex int) error
	Active() bool
	Cursor() int
	PendingHandoff() bool
}

// CacheSource is the subset of the file store the loop needs.
type CacheSource interface {
	Load(goal string) (*cachestore.CacheFile, error)
	RecordAttempt(file *cachestore.CacheFile) error
	AddTokenCost(file *cachestore.CacheFile, tokens int) error
	Invalidate(file *cachestore.CacheFile, reason string) error
}

// Options tune one goal execution.
type Options struct {
	// MaxTurns caps the loop. Zero means the configured default of 40.
	MaxTurns int
	// UseCache enables trajectory lookup and replay.
	UseCache bool
	// Record enables trajectory recording at completion.
	Record bool
}

// Orchestrator owns the turn loop for one goal execution. Strictly
// sequential: one executor active, one step in flight. Cancellation is
// checked between turns only.
type Orchestrator struct {
	agent     schemas.TurnExecutor
	player    ReplayPlayer
	recorder  GoalRecorder
	store     CacheSource
	validator *validation.Composite
	opts      Options
	log       *zap.Logger
}

func New(
	agent schemas.TurnExecutor,
	player ReplayPlayer,
	rec GoalRecorder,
	store CacheSource,
	validator *validation.Composite,
	opts Options,
	logger *zap.Logger,
) *Orchestrator {
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = 40
	}
	return &Orchestrator{
		agent:     agent,
		player:    player,
		recorder:  rec,
		store:     store,
		validator: validator,
		opts:      opts,
		log:       logger.Named("orchestrator"),
	}
}

// Run executes one goal to completion. paramValues resolve any {{name}}
// placeholders in a cached trajectory.
func (o *Orchestrator) Run(ctx context.Context, goal string, paramValues map[string]string) (*Result, error) {
	state := &ExecutionState{
		Active: schemas.ExecutorLiveAgent,
		Params: paramValues,
	}
	o.commit(state, schemas.Message{
		Role:      schemas.RoleSystem,
		Origin:    schemas.OriginLiveAgent,
		Content:   "Goal: " + goal,
		Timestamp: time.Now().UTC(),
	})

	if o.opts.UseCache {
		if file, values := o.tryActivateCache(goal, paramValues); file != nil {
			state.Cache = file
			state.Params = values
			state.Active = schemas.ExecutorCachePlayer
		}
	}

	result := &Result{}
	for turn := 0; ; turn++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if turn >= o.opts.MaxTurns {
			result.Turns = turn
			result.History = state.History
			return result, ErrTurnBudget
		}

		executor := o.executorFor(state.Active)
		turnResult, err := executor.Step(ctx, state.History)
		if err != nil {
			return nil, fmt.Errorf("turn %d (%s): %w", turn, state.Active, err)
		}

		// The delta joins history before the signal is acted on.
		for _, msg := range turnResult.Delta {
			o.commit(state, msg)
			if msg.Origin == schemas.OriginReplay && msg.ToolResult != nil && msg.ToolResult.Error == "" {
				result.ReplayedSteps++
			}
		}

		switch turnResult.Signal {
		case schemas.TurnContinue:
			o.maybeResumeReplay(state, turnResult.Delta)

		case schemas.TurnSwitch:
			o.handleSwitch(state, turnResult.SwitchTo)

		case schemas.TurnDone:
			result.Success = true
			result.Turns = turn + 1
			result.History = state.History
			o.finish(ctx, goal, state, result)
			return result, nil

		case schemas.TurnFailed:
			result.Turns = turn + 1
			result.History = state.History
			o.log.Warn("Goal execution failed", zap.String("goal", goal), zap.Int("turns", result.Turns))
			return result, nil

		default:
			return nil, fmt.Errorf("unknown turn signal %q", turnResult.Signal)
		}
	}
}

func (o *Orchestrator) executorFor(name schemas.ExecutorName) schemas.TurnExecutor {
	// Closed dispatch table. Anything outside the two known executors is a
	// programming error caught by the default.
	switch name {
	case schemas.ExecutorCachePlayer:
		return o.player
	default:
		return o.agent
	}
}

func (o *Orchestrator) commit(state *ExecutionState, msg schemas.Message) {
	state.History = append(state.History, msg)
	o.recorder.Observe(msg)
}

// handleSwitch moves control to the named executor. A switch away from a
// player that paused on a non-cacheable step arms the resume bookkeeping.
func (o *Orchestrator) handleSwitch(state *ExecutionState, to schemas.ExecutorName) {
	state.Active = to
	if to == schemas.ExecutorLiveAgent && o.player.PendingHandoff() {
		state.PendingHandoff = true
		state.ResumeIndex = o.player.Cursor() + 1
		state.PendingTool = pausedTool(state.Cache, o.player.Cursor())
		o.log.Info("Live agent taking over non-cacheable step",
			zap.Int("step", o.player.Cursor()),
			zap.String("tool", state.PendingTool))
	}
}

// pausedTool names the tool at the paused step, empty when out of range.
func pausedTool(file *cachestore.CacheFile, index int) string {
	if file == nil || index < 0 || index >= len(file.Trajectory) {
		return ""
	}
	return file.Trajectory[index].Tool
}

// maybeResumeReplay hands control back to the player once the live agent
// has performed the paused step's tool, observable as a successful result
// for that tool in its delta. Results from other tools the agent runs first
// (a look around, a wait) do not count.
func (o *Orchestrator) maybeResumeReplay(state *ExecutionState, delta []schemas.Message) {
	if state.Active != schemas.ExecutorLiveAgent || !state.PendingHandoff || state.Cache == nil {
		return
	}
	performed := false
	for _, msg := range delta {
		if msg.ToolResult == nil || msg.ToolResult.Error != "" {
			continue
		}
		if state.PendingTool != "" && msg.ToolResult.Tool != state.PendingTool {
			continue
		}
		performed = true
		break
	}
	if !performed {
		return
	}

	if err := o.player.Activate(state.Cache, state.Params, state.ResumeIndex); err != nil {
		o.log.Warn("Could not resume replay, continuing live", zap.Error(err))
		state.PendingHandoff = false
		state.PendingTool = ""
		return
	}
	o.log.Info("Resuming replay after handoff", zap.Int("step", state.ResumeIndex))
	state.PendingHandoff = false
	state.PendingTool = ""
	state.Active = schemas.ExecutorCachePlayer
}

// tryActivateCache loads and arms a cached trajectory for the goal. Every
// failure mode degrades to a live run; a corrupt or unusable cache never
// stops the goal. The returned values include any derived from the goal
// pattern and are the ones the player was armed with.
func (o *Orchestrator) tryActivateCache(goal string, values map[string]string) (*cachestore.CacheFile, map[string]string) {
	file, err := o.store.Load(goal)
	switch {
	case errors.Is(err, cachestore.ErrCacheMiss):
		return nil, nil
	case errors.Is(err, cachestore.ErrCorruptCache):
		o.log.Warn("Cache file unreadable, running live", zap.Error(err))
		return nil, nil
	case err != nil:
		o.log.Warn("Cache lookup failed, running live", zap.Error(err))
		return nil, nil
	}

	if !file.Metadata.IsValid {
		o.log.Info("Cache marked invalid, running live",
			zap.Stringp("reason", file.Metadata.InvalidReason))
		return nil, nil
	}
	if o.validator != nil {
		if d := o.validator.Evaluate(file, validation.NoStep); d.Invalidate {
			o.log.Info("Cache failed validation, running live", zap.String("reason", d.Reason))
			if err := o.store.Invalidate(file, d.Reason); err != nil {
				o.log.Error("Failed to persist invalidation", zap.Error(err))
			}
			return nil, nil
		}
	}

	values = mergeGoalValues(file, goal, values)
	if err := o.player.Activate(file, values, 0); err != nil {
		if errors.Is(err, params.ErrMissingParameter) {
			o.log.Warn("Cache needs parameter values that were not supplied, running live", zap.Error(err))
		} else {
			o.log.Warn("Replay activation failed, running live", zap.Error(err))
		}
		return nil, nil
	}

	if err := o.store.RecordAttempt(file); err != nil {
		o.log.Error("Failed to record attempt", zap.Error(err))
	}
	o.log.Info("Replaying cached trajectory",
		zap.String("goal", goal), zap.Int("steps", len(file.Trajectory)))
	return file, values
}

// mergeGoalValues fills in parameter values recoverable from the concrete
// goal. The recorded goal pattern names where each value sat; matching it
// against this run's goal yields those values. Explicitly supplied values
// win over derived ones.
func mergeGoalValues(file *cachestore.CacheFile, goal string, supplied map[string]string) map[string]string {
	pattern := file.Metadata.GoalPattern
	if pattern == "" {
		return supplied
	}
	derived, ok := params.MatchText(pattern, goal)
	if !ok || len(derived) == 0 {
		return supplied
	}
	merged := make(map[string]string, len(derived)+len(supplied))
	for k, v := range derived {
		merged[k] = v
	}
	for k, v := range supplied {
		merged[k] = v
	}
	return merged
}

// finish records the trajectory at successful completion. A pure replay is
// never re-recorded; its token spend is added to the existing file instead.
func (o *Orchestrator) finish(ctx context.Context, goal string, state *ExecutionState, result *Result) {
	if !o.opts.Record {
		return
	}
	file, err := o.recorder.Finish(ctx, goal)
	switch {
	case err == nil:
		result.Recorded = file
	case errors.Is(err, recorder.ErrReplaySatisfied):
		if state.Cache != nil && o.recorder.Tokens() > 0 {
			if err := o.store.AddTokenCost(state.Cache, o.recorder.Tokens()); err != nil {
				o.log.Error("Failed to update token cost", zap.Error(err))
			}
		}
	case errors.Is(err, recorder.ErrNoSteps):
		o.log.Debug("Nothing to record", zap.String("goal", goal))
	default:
		o.log.Error("Trajectory recording failed", zap.Error(err))
	}
}
