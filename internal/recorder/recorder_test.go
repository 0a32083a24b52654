package recorder

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/replaykit/api/schemas"
	"github.com/xkilldash9x/replaykit/internal/cachestore"
	"github.com/xkilldash9x/replaykit/internal/config"
	"github.com/xkilldash9x/replaykit/internal/imagehash"
	"github.com/xkilldash9x/replaykit/internal/params"
)

// stubCatalog serves a fixed tool set for recorder tests.
type stubCatalog struct {
	defs map[string]schemas.ToolDefinition
}

func newStubCatalog() *stubCatalog {
	return &stubCatalog{defs: map[string]schemas.ToolDefinition{
		"click": {
			Name: "click", Cacheable: true,
			InteractionSensitive: true, CoordinateKeys: []string{"x", "y"},
		},
		"type_text": {Name: "type_text", Cacheable: true, InteractionSensitive: true},
		"navigate":  {Name: "navigate", Cacheable: true},
		"solve_captcha": {
			Name: "solve_captcha", Cacheable: false,
		},
	}}
}

func (c *stubCatalog) IsCacheable(name string) bool {
	d, ok := c.defs[name]
	return ok && d.Cacheable
}

func (c *stubCatalog) Definition(name string) (schemas.ToolDefinition, bool) {
	d, ok := c.defs[name]
	return d, ok
}

func (c *stubCatalog) Definitions() []schemas.ToolDefinition {
	out := make([]schemas.ToolDefinition, 0, len(c.defs))
	for _, d := range c.defs {
		out = append(out, d)
	}
	return out
}

// stubDetector returns canned detections.
type stubDetector struct {
	detections []params.Detection
	err        error
}

func (d *stubDetector) Detect(_ context.Context, _ []cachestore.Step, _ string) ([]params.Detection, error) {
	return d.detections, d.err
}

func screenshotPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	for y := 0; y < 240; y++ {
		for x := 0; x < 320; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestRecorder(t *testing.T, det params.Detector) (*Recorder, *cachestore.FileStore) {
	t.Helper()
	store, err := cachestore.NewFileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	valCfg := config.ValidationConfig{Enabled: true, Method: "phash", RegionSize: 128, Threshold: 10}
	recCfg := config.RecorderConfig{ParameterMode: "manual", Fingerprints: true}
	return New(newStubCatalog(), det, store, valCfg, recCfg, zap.NewNop()), store
}

func toolCallMsg(tool string, input map[string]any, origin schemas.MessageOrigin) schemas.Message {
	return schemas.Message{
		Role:   schemas.RoleAssistant,
		Origin: origin,
		ToolCall: &schemas.ToolCall{
			ID: "call-" + tool, Tool: tool, Input: input,
		},
		Timestamp: time.Now().UTC(),
	}
}

func toolResultMsg(tool string, shot []byte) schemas.Message {
	return schemas.Message{
		Role:   schemas.RoleTool,
		Origin: schemas.OriginLiveAgent,
		ToolResult: &schemas.ToolResult{
			CallID: "call-" + tool, Tool: tool, Content: "ok", Screenshot: shot,
		},
		Timestamp: time.Now().UTC(),
	}
}

func TestFinishRecordsTrajectory(t *testing.T) {
	t.Parallel()
	rec, store := newTestRecorder(t, &stubDetector{})
	shot := screenshotPNG(t)

	rec.Observe(schemas.Message{Role: schemas.RoleAssistant, Content: "starting"})
	rec.Observe(toolCallMsg("navigate", map[string]any{"url": "https://example.com"}, schemas.OriginLiveAgent))
	rec.Observe(toolResultMsg("navigate", shot))
	rec.Observe(toolCallMsg("click", map[string]any{"x": float64(40), "y": float64(60)}, schemas.OriginLiveAgent))
	rec.Observe(toolResultMsg("click", shot))
	rec.AddTokens(1234)

	file, err := rec.Finish(context.Background(), "log in to example")
	require.NoError(t, err)
	require.Len(t, file.Trajectory, 2)

	assert.Equal(t, "step-0", file.Trajectory[0].ID)
	assert.Equal(t, "navigate", file.Trajectory[0].Tool)
	assert.True(t, file.Trajectory[0].Cacheable)
	// navigate is not interaction sensitive, no fingerprint expected.
	assert.Empty(t, file.Trajectory[0].VisualHash)

	click := file.Trajectory[1]
	assert.Equal(t, "click", click.Tool)
	assert.NotEmpty(t, click.VisualHash, "click should carry a fingerprint")
	require.NotNil(t, click.CoordX)
	require.NotNil(t, click.CoordY)
	assert.Equal(t, 40, *click.CoordX)
	assert.Equal(t, 60, *click.CoordY)

	assert.Equal(t, 1234, file.Metadata.TokenCost)
	assert.True(t, file.Metadata.IsValid)
	assert.Equal(t, imagehash.MethodPHash, file.Metadata.VisualMethod)

	// The file is on disk under the goal address.
	loaded, err := store.Load("log in to example")
	require.NoError(t, err)
	assert.Len(t, loaded.Trajectory, 2)
}

func TestFinishBlanksNonCacheableInput(t *testing.T) {
	t.Parallel()
	rec, _ := newTestRecorder(t, &stubDetector{})

	rec.Observe(toolCallMsg("navigate", map[string]any{"url": "https://example.com"}, schemas.OriginLiveAgent))
	rec.Observe(toolResultMsg("navigate", nil))
	rec.Observe(toolCallMsg("solve_captcha", map[string]any{"secret": "hunter2"}, schemas.OriginLiveAgent))
	rec.Observe(toolResultMsg("solve_captcha", nil))

	file, err := rec.Finish(context.Background(), "pass the gate")
	require.NoError(t, err)
	require.Len(t, file.Trajectory, 2)

	captcha := file.Trajectory[1]
	assert.Equal(t, "solve_captcha", captcha.Tool)
	assert.False(t, captcha.Cacheable)
	assert.Empty(t, captcha.Input, "non-cacheable input must not be persisted")
}

func TestFinishSkipsPureReplay(t *testing.T) {
	t.Parallel()
	rec, _ := newTestRecorder(t, &stubDetector{})

	rec.Observe(toolCallMsg("navigate", map[string]any{"url": "https://example.com"}, schemas.OriginReplay))
	rec.Observe(toolResultMsg("navigate", nil))

	_, err := rec.Finish(context.Background(), "already cached goal")
	assert.ErrorIs(t, err, ErrReplaySatisfied)
}

func TestFinishNoToolCalls(t *testing.T) {
	t.Parallel()
	rec, _ := newTestRecorder(t, &stubDetector{})
	rec.Observe(schemas.Message{Role: schemas.RoleAssistant, Content: "nothing to do"})

	_, err := rec.Finish(context.Background(), "trivial goal")
	assert.ErrorIs(t, err, ErrNoSteps)
}

func TestFinishMixedReplayAndLiveRecords(t *testing.T) {
	t.Parallel()
	rec, _ := newTestRecorder(t, &stubDetector{})

	rec.Observe(toolCallMsg("navigate", map[string]any{"url": "https://example.com"}, schemas.OriginReplay))
	rec.Observe(toolResultMsg("navigate", nil))
	rec.Observe(toolCallMsg("type_text", map[string]any{"text": "hello"}, schemas.OriginLiveAgent))
	rec.Observe(toolResultMsg("type_text", nil))

	file, err := rec.Finish(context.Background(), "partially replayed goal")
	require.NoError(t, err)
	assert.Len(t, file.Trajectory, 2, "replayed steps are kept alongside live ones")
}

func TestFinishAppliesDetections(t *testing.T) {
	t.Parallel()
	det := &stubDetector{detections: []params.Detection{
		{
			StepIndex: 0, InputKey: "text", Value: "alice@example.com",
			Name: "email", Description: "account email address",
		},
		{
			StepIndex: params.GoalIndex, Value: "alice@example.com",
			Name: "email", Description: "account email address",
		},
	}}
	rec, _ := newTestRecorder(t, det)

	rec.Observe(toolCallMsg("type_text", map[string]any{"text": "alice@example.com"}, schemas.OriginLiveAgent))
	rec.Observe(toolResultMsg("type_text", nil))

	file, err := rec.Finish(context.Background(), "log in as alice@example.com")
	require.NoError(t, err)

	assert.Equal(t, "{{email}}", file.Trajectory[0].Input["text"])
	assert.Equal(t, "log in as alice@example.com", file.Metadata.Goal,
		"the concrete goal stays the file address")
	assert.Equal(t, "log in as {{email}}", file.Metadata.GoalPattern)
	assert.Equal(t, map[string]string{"email": "account email address"}, file.Parameters)
}

func TestFinishParameterizedGoalStaysLoadable(t *testing.T) {
	t.Parallel()
	store, err := cachestore.NewFileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	valCfg := config.ValidationConfig{Enabled: true, Method: "phash", RegionSize: 128, Threshold: 10}
	recCfg := config.RecorderConfig{ParameterMode: "heuristic", Fingerprints: false}
	rec := New(newStubCatalog(), params.HeuristicDetector{}, store, valCfg, recCfg, zap.NewNop())

	rec.Observe(toolCallMsg("navigate", map[string]any{"url": "https://flights.example.com/book?date=2026-09-01"}, schemas.OriginLiveAgent))
	rec.Observe(toolResultMsg("navigate", nil))

	goal := "book a flight on 2026-09-01"
	file, err := rec.Finish(context.Background(), goal)
	require.NoError(t, err)

	assert.Equal(t, goal, file.Metadata.Goal)
	assert.Equal(t, "book a flight on {{date_1}}", file.Metadata.GoalPattern)
	assert.Contains(t, file.Parameters, "date_1")

	// A byte-identical re-run must find the file.
	loaded, err := store.Load(goal)
	require.NoError(t, err)
	assert.Equal(t, goal, loaded.Metadata.Goal)
}

func TestFinishDetectorErrorDegrades(t *testing.T) {
	t.Parallel()
	det := &stubDetector{err: assert.AnError}
	rec, _ := newTestRecorder(t, det)

	rec.Observe(toolCallMsg("navigate", map[string]any{"url": "https://example.com"}, schemas.OriginLiveAgent))
	rec.Observe(toolResultMsg("navigate", nil))

	file, err := rec.Finish(context.Background(), "resilient goal")
	require.NoError(t, err, "detector failure must not abort recording")
	assert.Empty(t, file.Parameters)
}

func TestFinishRegistersPreexistingPlaceholders(t *testing.T) {
	t.Parallel()
	rec, _ := newTestRecorder(t, &stubDetector{})

	rec.Observe(toolCallMsg("type_text", map[string]any{"text": "{{username}}"}, schemas.OriginLiveAgent))
	rec.Observe(toolResultMsg("type_text", nil))

	file, err := rec.Finish(context.Background(), "log in as {{username}}")
	require.NoError(t, err)
	assert.Contains(t, file.Parameters, "username")
}

func TestFinishNoFingerprintWithoutScreenshot(t *testing.T) {
	t.Parallel()
	rec, _ := newTestRecorder(t, &stubDetector{})

	// Click with no prior screenshot in history.
	rec.Observe(toolCallMsg("click", map[string]any{"x": float64(5), "y": float64(5)}, schemas.OriginLiveAgent))
	rec.Observe(toolResultMsg("click", nil))

	file, err := rec.Finish(context.Background(), "blind click goal")
	require.NoError(t, err)
	assert.Empty(t, file.Trajectory[0].VisualHash)
}

func TestFinishFingerprintingDisabled(t *testing.T) {
	t.Parallel()
	store, err := cachestore.NewFileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	valCfg := config.ValidationConfig{Enabled: true, Method: "phash", RegionSize: 128, Threshold: 10}
	recCfg := config.RecorderConfig{ParameterMode: "manual", Fingerprints: false}
	rec := New(newStubCatalog(), &stubDetector{}, store, valCfg, recCfg, zap.NewNop())

	shot := screenshotPNG(t)
	rec.Observe(toolResultMsg("navigate", shot))
	rec.Observe(toolCallMsg("click", map[string]any{"x": float64(10), "y": float64(10)}, schemas.OriginLiveAgent))
	rec.Observe(toolResultMsg("click", shot))

	file, err := rec.Finish(context.Background(), "unfingerprinted goal")
	require.NoError(t, err)
	assert.Empty(t, file.Trajectory[0].VisualHash)
}
