package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/replaykit/internal/config"
	"github.com/xkilldash9x/replaykit/internal/params"
)

func TestParseParamFlags(t *testing.T) {
	t.Parallel()

	values, err := parseParamFlags([]string{"user=alice", "date=2026-08-30", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"user": "alice", "date": "2026-08-30", "empty": ""}, values)

	_, err = parseParamFlags([]string{"no-equals-sign"})
	assert.Error(t, err)

	_, err = parseParamFlags([]string{"=value"})
	assert.Error(t, err)
}

func TestBuildDetectorModes(t *testing.T) {
	t.Parallel()
	log := zap.NewNop()

	cfg := config.NewDefaultConfig()
	cfg.Recorder.ParameterMode = "manual"
	det, err := buildDetector(cfg, nil, log)
	require.NoError(t, err)
	assert.IsType(t, params.ManualDetector{}, det)

	cfg.Recorder.ParameterMode = "heuristic"
	det, err = buildDetector(cfg, nil, log)
	require.NoError(t, err)
	assert.IsType(t, params.HeuristicDetector{}, det)

	cfg.Recorder.ParameterMode = "invalid"
	_, err = buildDetector(cfg, nil, log)
	assert.Error(t, err)
}

func TestBuildValidatorUsesCachePolicies(t *testing.T) {
	t.Parallel()
	cfg := config.NewDefaultConfig()
	v := buildValidator(cfg)
	require.NotNil(t, v)
}
