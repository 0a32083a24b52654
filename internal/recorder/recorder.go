// Package recorder turns a completed conversation history into a
// parameterized, fingerprinted trajectory and persists it as a cache file.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/replaykit/api/schemas"
	"github.com/xkilldash9x/replaykit/internal/cachestore"
	"github.com/xkilldash9x/replaykit/internal/config"
	"github.com/xkilldash9x/replaykit/internal/imagehash"
	"github.com/xkilldash9x/replaykit/internal/params"
)

// Skip sentinels: the goal finished but nothing should be recorded.
var (
	// ErrReplaySatisfied means every tool invocation came from cache
	// replay. A replay is never re-recorded as a new trajectory.
	ErrReplaySatisfied = errors.New("goal satisfied via replay, nothing to record")
	// ErrNoSteps means the goal completed without any tool invocation.
	ErrNoSteps = errors.New("history contains no tool invocations")
)

// Recorder accumulates conversation messages through explicit Observe calls
// and derives a cache file at goal completion. One Recorder serves one goal
// execution.
type Recorder struct {
	catalog  schemas.ToolCatalog
	detector params.Detector
	store    *cachestore.FileStore
	valCfg   config.ValidationConfig
	recCfg   config.RecorderConfig
	log      *zap.Logger

	history []schemas.Message
	tokens  int
}

func New(
	catalog schemas.ToolCatalog,
	detector params.Detector,
	store *cachestore.FileStore,
	valCfg config.ValidationConfig,
	recCfg config.RecorderConfig,
	logger *zap.Logger,
) *Recorder {
	return &Recorder{
		catalog:  catalog,
		detector: detector,
		store:    store,
		valCfg:   valCfg,
		recCfg:   recCfg,
		log:      logger.Named("recorder"),
	}
}

// Observe appends one message to the recorder's view of the conversation.
// The orchestrator calls it for every delta it commits to history.
func (r *Recorder) Observe(msg schemas.Message) {
	r.history = append(r.history, msg)
}

// AddTokens accumulates reasoning token spend for the metadata.
func (r *Recorder) AddTokens(n int) {
	if n > 0 {
		r.tokens += n
	}
}

// Tokens reports the total reasoning spend observed so far.
func (r *Recorder) Tokens() int { return r.tokens }

// Finish derives the trajectory from the observed history, parameterizes
// and fingerprints it, and persists the cache file. Detector and hashing
// problems degrade that single enhancement; they never abort persistence.
func (r *Recorder) Finish(ctx context.Context, goal string) (*cachestore.CacheFile, error) {
	steps, sawLive, err := r.extractSteps()
	if err != nil {
		return nil, err
	}
	if !sawLive {
		return nil, ErrReplaySatisfied
	}

	goalText := r.detectParameters(ctx, steps, goal)

	// The file stays addressed by the concrete goal so a byte-identical
	// re-run finds it. The rewritten text is kept as the pattern.
	pattern := ""
	if goalText.goal != goal {
		pattern = goalText.goal
	}

	file := &cachestore.CacheFile{
		Metadata: cachestore.Metadata{
			Version:         cachestore.SchemaVersion,
			CreatedAt:       time.Now().UTC(),
			Goal:            goal,
			GoalPattern:     pattern,
			Attempts:        0,
			TokenCost:       r.tokens,
			Failures:        []cachestore.FailureRecord{},
			IsValid:         true,
			VisualMethod:    r.visualMethod(),
			RegionSize:      r.valCfg.RegionSize,
			VisualThreshold: r.valCfg.Threshold,
		},
		Trajectory: steps,
		Parameters: goalText.definitions,
	}

	if err := r.store.Save(file); err != nil {
		return nil, fmt.Errorf("failed to persist trajectory: %w", err)
	}
	r.log.Info("Trajectory recorded",
		zap.String("goal", file.Metadata.Goal),
		zap.Int("steps", len(steps)),
		zap.Int("parameters", len(file.Parameters)))
	return file, nil
}

// extractSteps walks the history and builds the ordered step list. The
// second return reports whether any invocation was produced live. Non
// cacheable tools keep their identity and order with a blanked input, so
// the player still pauses there.
func (r *Recorder) extractSteps() ([]cachestore.Step, bool, error) {
	var steps []cachestore.Step
	sawLive := false

	for i, msg := range r.history {
		call := msg.ToolCall
		if call == nil {
			continue
		}
		if msg.Origin != schemas.OriginReplay {
			sawLive = true
		}

		idx := len(steps)
		step := cachestore.Step{
			ID:        fmt.Sprintf("step-%d", idx),
			Tool:      call.Tool,
			Input:     map[string]any{},
			Cacheable: r.catalog.IsCacheable(call.Tool),
		}
		if step.Cacheable {
			for k, v := range call.Input {
				step.Input[k] = v
			}
			r.attachFingerprint(&step, call, i)
		}
		steps = append(steps, step)
	}

	if len(steps) == 0 {
		return nil, false, ErrNoSteps
	}
	return steps, sawLive, nil
}

// attachFingerprint hashes the pre-action screen region for interaction
// sensitive steps. Any failure leaves the step without a fingerprint.
func (r *Recorder) attachFingerprint(step *cachestore.Step, call *schemas.ToolCall, msgIndex int) {
	if !r.recCfg.Fingerprints || !r.valCfg.Enabled {
		return
	}
	method := r.visualMethod()
	if method == imagehash.MethodNone {
		return
	}
	def, ok := r.catalog.Definition(call.Tool)
	if !ok || !def.InteractionSensitive {
		return
	}

	// The most recent screenshot before the call is the pre-action state.
	shot := schemas.LastScreenshotBefore(r.history, msgIndex)
	if shot == nil {
		r.log.Debug("No prior screenshot for fingerprinting", zap.String("step", step.ID))
		return
	}

	x, y := coordinateOf(call.Input, def.CoordinateKeys)
	fp, err := imagehash.FingerprintRegion(shot, x, y, r.valCfg.RegionSize, method)
	if err != nil {
		r.log.Warn("Fingerprinting failed, step recorded without one",
			zap.String("step", step.ID), zap.Error(err))
		return
	}
	step.VisualHash = fp.Hex()
	step.CoordX = x
	step.CoordY = y
}

// coordinateOf pulls the action's target point from the input map. Missing
// or malformed coordinates mean the whole frame gets hashed.
func coordinateOf(input map[string]any, keys []string) (*int, *int) {
	if len(keys) != 2 {
		return nil, nil
	}
	x, okX := asInt(input[keys[0]])
	y, okY := asInt(input[keys[1]])
	if !okX || !okY {
		return nil, nil
	}
	return &x, &y
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	}
	return 0, false
}

// parameterized bundles the rewritten goal text with the collected
// parameter definitions.
type parameterized struct {
	goal        string
	definitions map[string]string
}

// detectParameters runs the configured detector and applies its proposals
// in place. Placeholders already present are always registered, whatever
// the mode. Detector errors degrade to no automatic detections.
func (r *Recorder) detectParameters(ctx context.Context, steps []cachestore.Step, goal string) parameterized {
	out := parameterized{goal: goal, definitions: map[string]string{}}

	detections, err := r.detector.Detect(ctx, steps, goal)
	if err != nil {
		r.log.Warn("Parameter detection failed, recording without automatic parameters", zap.Error(err))
		detections = nil
	}

	for _, det := range detections {
		if det.Value != "" {
			if det.StepIndex == params.GoalIndex {
				out.goal = strings.ReplaceAll(out.goal, det.Value, "{{"+det.Name+"}}")
			} else if det.StepIndex >= 0 && det.StepIndex < len(steps) {
				if s, ok := steps[det.StepIndex].Input[det.InputKey].(string); ok {
					steps[det.StepIndex].Input[det.InputKey] = strings.ReplaceAll(s, det.Value, "{{"+det.Name+"}}")
				}
			}
		}
		if _, exists := out.definitions[det.Name]; !exists {
			out.definitions[det.Name] = det.Description
		}
	}

	// Pre-existing placeholders count as parameters even when the detector
	// missed them.
	for _, name := range params.References(steps) {
		if _, exists := out.definitions[name]; !exists {
			out.definitions[name] = "manually declared parameter"
		}
	}
	for _, name := range params.ReferencesInText(out.goal) {
		if _, exists := out.definitions[name]; !exists {
			out.definitions[name] = "manually declared parameter"
		}
	}
	return out
}

func (r *Recorder) visualMethod() imagehash.Method {
	m := imagehash.Method(r.valCfg.Method)
	if !m.Valid() {
		return imagehash.MethodNone
	}
	return m
}
