// Package player replays a persisted trajectory one step per turn,
// pausing for non-cacheable steps and gating interaction steps on a
// visual fingerprint check.
package player

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/replaykit/api/schemas"
	"github.com/xkilldash9x/replaykit/internal/cachestore"
	"github.com/xkilldash9x/replaykit/internal/config"
	"github.com/xkilldash9x/replaykit/internal/imagehash"
	"github.com/xkilldash9x/replaykit/internal/params"
	"github.com/xkilldash9x/replaykit/internal/validation"
)

var (
	// ErrNotActivated is returned when Step runs without a prior Activate.
	ErrNotActivated = errors.New("player has no activated trajectory")
	// ErrCacheInvalid rejects activation of a cache marked invalid.
	ErrCacheInvalid = errors.New("cache file is marked invalid")
)

// Player is a TurnExecutor that replays one cached step per turn. It owns
// an explicit cursor; the orchestrator re-activates it with a starting
// index after a handoff instead of the player guessing from history.
type Player struct {
	store     *cachestore.FileStore
	exec      schemas.ToolExecutor
	capturer  schemas.ScreenCapturer
	validator *validation.Composite
	cfg       config.PlayerConfig
	log       *zap.Logger

	file           *cachestore.CacheFile
	values         map[string]string
	cursor         int
	pendingHandoff bool
}

func New(
	store *cachestore.FileStore,
	exec schemas.ToolExecutor,
	capturer schemas.ScreenCapturer,
	validator *validation.Composite,
	cfg config.PlayerConfig,
	logger *zap.Logger,
) *Player {
	return &Player{
		store:     store,
		exec:      exec,
		capturer:  capturer,
		validator: validator,
		cfg:       cfg,
		log:       logger.Named("player"),
	}
}

// Activate arms the player with a trajectory, resolved parameter values and
// a starting cursor. The whole trajectory must be resolvable up front: a
// missing value rejects activation before any step runs, never partway
// through.
func (p *Player) Activate(file *cachestore.CacheFile, values map[string]string, startIndex int) error {
	if file == nil {
		return errors.New("nil cache file")
	}
	if !file.Metadata.IsValid {
		return ErrCacheInvalid
	}
	if startIndex < 0 || startIndex > len(file.Trajectory) {
		return fmt.Errorf("start index %d out of range for %d steps", startIndex, len(file.Trajectory))
	}
	if err := params.CheckResolvable(file.Trajectory, values); err != nil {
		return err
	}
	p.file = file
	p.values = values
	p.cursor = startIndex
	p.pendingHandoff = false
	p.log.Info("Replay activated",
		zap.String("goal", file.Metadata.Goal),
		zap.Int("steps", len(file.Trajectory)),
		zap.Int("start_index", startIndex))
	return nil
}

// Active reports whether a trajectory is currently armed.
func (p *Player) Active() bool { return p.file != nil }

// Cursor is the index of the next step to replay.
func (p *Player) Cursor() int { return p.cursor }

// PendingHandoff reports whether the player last paused for a non-cacheable
// step. The orchestrator resumes replay at Cursor()+1 once the live agent
// has performed that step.
func (p *Player) PendingHandoff() bool { return p.pendingHandoff }

// Deactivate disarms the player. The cursor is preserved so the
// orchestrator can compute the resume index after a handoff.
func (p *Player) Deactivate() { p.file = nil }

// Step replays the step under the cursor. Exactly one step per turn.
func (p *Player) Step(ctx context.Context, _ []schemas.Message) (*schemas.TurnResult, error) {
	if p.file == nil {
		return nil, ErrNotActivated
	}

	if p.cursor >= len(p.file.Trajectory) {
		total := len(p.file.Trajectory)
		p.Deactivate()
		return &schemas.TurnResult{
			Delta: []schemas.Message{replayNote(fmt.Sprintf(
				"All %d cached steps have been replayed. Verify the goal is achieved and finish, or continue working toward it.", total))},
			Signal:   schemas.TurnSwitch,
			SwitchTo: schemas.ExecutorLiveAgent,
		}, nil
	}

	step := p.file.Trajectory[p.cursor]

	// Non-cacheable steps always pause here with the cursor unchanged. The
	// orchestrator resumes at cursor+1 once the live agent has performed it.
	if !step.Cacheable {
		p.log.Info("Pausing replay at non-cacheable step",
			zap.Int("index", p.cursor), zap.String("tool", step.Tool))
		p.Deactivate()
		p.pendingHandoff = true
		return &schemas.TurnResult{
			Delta: []schemas.Message{replayNote(fmt.Sprintf(
				"Replay paused at step %d: tool %q requires fresh reasoning and cannot be replayed. Perform this action, then replay will resume.", p.cursor, step.Tool))},
			Signal:   schemas.TurnSwitch,
			SwitchTo: schemas.ExecutorLiveAgent,
		}, nil
	}

	input, err := params.Substitute(step.Input, p.values)
	if err != nil {
		// Activate checked resolvability, so this is a programming error
		// rather than a user-facing condition.
		return nil, fmt.Errorf("substituting step %d: %w", p.cursor, err)
	}

	if result, gated, err := p.visualGate(ctx, step); err != nil {
		return nil, err
	} else if gated {
		return result, nil
	}

	res, execErr := p.exec.Execute(ctx, step.Tool, input)
	if execErr != nil {
		return p.handleExecFailure(step, input, execErr)
	}

	p.pause(ctx)

	call := &schemas.ToolCall{ID: step.ID, Tool: step.Tool, Input: input}
	resultMsg := schemas.Message{
		Role:   schemas.RoleTool,
		Origin: schemas.OriginReplay,
		ToolResult: &schemas.ToolResult{
			CallID:     step.ID,
			Tool:       step.Tool,
			Content:    res.Content,
			Screenshot: res.Screenshot,
		},
		Timestamp: time.Now().UTC(),
	}
	callMsg := schemas.Message{
		Role:      schemas.RoleAssistant,
		Origin:    schemas.OriginReplay,
		ToolCall:  call,
		Timestamp: time.Now().UTC(),
	}

	p.log.Debug("Replayed step",
		zap.Int("index", p.cursor), zap.String("tool", step.Tool))
	p.cursor++
	return &schemas.TurnResult{
		Delta:  []schemas.Message{callMsg, resultMsg},
		Signal: schemas.TurnContinue,
	}, nil
}

// visualGate compares the current screen region against the recorded
// fingerprint. It returns gated=true with a handoff result when the region
// diverged beyond the threshold. Capture or hashing problems skip the gate;
// a flaky screenshot must not fail a replay the executor could complete.
func (p *Player) visualGate(ctx context.Context, step cachestore.Step) (*schemas.TurnResult, bool, error) {
	stored, ok, err := step.Fingerprint()
	if err != nil {
		p.log.Warn("Stored fingerprint unreadable, skipping visual gate",
			zap.Int("index", p.cursor), zap.Error(err))
		return nil, false, nil
	}
	if !ok || p.capturer == nil {
		return nil, false, nil
	}
	method := p.file.Metadata.VisualMethod
	if !method.Valid() || method == imagehash.MethodNone {
		return nil, false, nil
	}

	shot, err := p.capturer.CaptureScreen(ctx)
	if err != nil {
		p.log.Warn("Screen capture failed, skipping visual gate",
			zap.Int("index", p.cursor), zap.Error(err))
		return nil, false, nil
	}
	current, err := imagehash.FingerprintRegion(shot, step.CoordX, step.CoordY, p.file.Metadata.RegionSize, method)
	if err != nil {
		p.log.Warn("Fingerprinting current screen failed, skipping visual gate",
			zap.Int("index", p.cursor), zap.Error(err))
		return nil, false, nil
	}

	distance := imagehash.Distance(stored, current)
	threshold := p.file.Metadata.VisualThreshold
	if distance <= threshold {
		return nil, false, nil
	}

	p.log.Warn("Visual validation mismatch",
		zap.Int("index", p.cursor),
		zap.Int("distance", distance),
		zap.Int("threshold", threshold))
	index := p.cursor
	file := p.file
	p.recordFailure(file, index, fmt.Sprintf("visual validation mismatch: distance %d > threshold %d", distance, threshold))
	p.Deactivate()
	return &schemas.TurnResult{
		Delta: []schemas.Message{replayNote(fmt.Sprintf(
			"Replay stopped at step %d: the screen no longer matches the recorded state (Hamming distance %d exceeds threshold %d). Assess the current state and proceed manually.", index, distance, threshold))},
		Signal:   schemas.TurnSwitch,
		SwitchTo: schemas.ExecutorLiveAgent,
	}, true, nil
}

// handleExecFailure records the failure, consults the validator, and hands
// control back with the error visible in history.
func (p *Player) handleExecFailure(step cachestore.Step, input map[string]any, execErr error) (*schemas.TurnResult, error) {
	index := p.cursor
	file := p.file
	p.recordFailure(file, index, execErr.Error())
	p.Deactivate()

	callMsg := schemas.Message{
		Role:      schemas.RoleAssistant,
		Origin:    schemas.OriginReplay,
		ToolCall:  &schemas.ToolCall{ID: step.ID, Tool: step.Tool, Input: input},
		Timestamp: time.Now().UTC(),
	}
	errMsg := schemas.Message{
		Role:   schemas.RoleTool,
		Origin: schemas.OriginReplay,
		ToolResult: &schemas.ToolResult{
			CallID: step.ID,
			Tool:   step.Tool,
			Error:  fmt.Sprintf("replayed step %d failed: %v", index, execErr),
		},
		Timestamp: time.Now().UTC(),
	}
	return &schemas.TurnResult{
		Delta:    []schemas.Message{callMsg, errMsg},
		Signal:   schemas.TurnSwitch,
		SwitchTo: schemas.ExecutorLiveAgent,
	}, nil
}

// recordFailure persists the failure record and applies any invalidation
// the validator votes for. Persistence errors are logged, not propagated:
// the handoff to the live agent matters more than the bookkeeping.
func (p *Player) recordFailure(file *cachestore.CacheFile, index int, msg string) {
	if err := p.store.RecordStepFailure(file, index, msg); err != nil {
		p.log.Error("Failed to record step failure", zap.Error(err))
	}
	if p.validator == nil {
		return
	}
	if d := p.validator.Evaluate(file, index); d.Invalidate {
		p.log.Warn("Cache invalidated", zap.String("reason", d.Reason))
		if err := p.store.Invalidate(file, d.Reason); err != nil {
			p.log.Error("Failed to persist invalidation", zap.Error(err))
		}
	}
}

// pause waits the configured inter-step delay, returning early on
// cancellation.
func (p *Player) pause(ctx context.Context) {
	if p.cfg.StepDelay <= 0 {
		return
	}
	t := time.NewTimer(p.cfg.StepDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func replayNote(content string) schemas.Message {
	return schemas.Message{
		Role:      schemas.RoleAssistant,
		Origin:    schemas.OriginReplay,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}
