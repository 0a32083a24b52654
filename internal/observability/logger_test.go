package observability

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/replaykit/internal/config"
)

// memSink is an in-memory WriteSyncer for capturing log output.
type memSink struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (s *memSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *memSink) Sync() error { return nil }

func (s *memSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestInitialize(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	sink := &memSink{}
	Initialize(config.LoggerConfig{
		Level:       "debug",
		Format:      "json",
		ServiceName: "test-suite",
	}, zapcore.AddSync(sink))

	logger := GetLogger()
	require.NotNil(t, logger)
	logger.Info("hello from the test")
	require.NoError(t, logger.Sync())

	out := sink.String()
	assert.Contains(t, out, `"msg":"hello from the test"`)
	assert.Contains(t, out, "test-suite")
}

func TestInitializeRunsOnce(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	first := &memSink{}
	second := &memSink{}
	Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "one"}, zapcore.AddSync(first))
	Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "two"}, zapcore.AddSync(second))

	GetLogger().Info("routed to the first sink")
	_ = GetLogger().Sync()

	assert.Contains(t, first.String(), "routed to the first sink")
	assert.Empty(t, second.String())
}

func TestGetLoggerBeforeInitialize(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	assert.NotNil(t, GetLogger())
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	sink := &memSink{}
	Initialize(config.LoggerConfig{Level: "chatty", Format: "json", ServiceName: "svc"}, zapcore.AddSync(sink))

	GetLogger().Debug("below the fallback level")
	GetLogger().Info("at the fallback level")
	_ = GetLogger().Sync()

	out := sink.String()
	assert.NotContains(t, out, "below the fallback level")
	assert.Contains(t, out, "at the fallback level")
}
