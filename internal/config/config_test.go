package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, ".replaykit/cache", cfg.Cache.Dir)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 720*time.Hour, cfg.Cache.MaxAge)
	assert.Equal(t, 3, cfg.Cache.MaxStepFailures)
	assert.Equal(t, "phash", cfg.Validation.Method)
	assert.Equal(t, 10, cfg.Validation.Threshold)
	assert.Equal(t, 128, cfg.Validation.RegionSize)
	assert.Equal(t, "heuristic", cfg.Recorder.ParameterMode)
	assert.True(t, cfg.Recorder.Fingerprints)
	assert.Equal(t, 500*time.Millisecond, cfg.Player.StepDelay)
	assert.Equal(t, 40, cfg.LLM.MaxTurns)
}

func TestNewConfigFromViper(t *testing.T) {
	t.Parallel()

	t.Run("overrides land in the struct", func(t *testing.T) {
		t.Parallel()
		v := viper.New()
		SetDefaults(v)
		v.Set("validation.method", "ahash")
		v.Set("validation.threshold", 16)
		v.Set("player.step_delay", "2s")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "ahash", cfg.Validation.Method)
		assert.Equal(t, 16, cfg.Validation.Threshold)
		assert.Equal(t, 2*time.Second, cfg.Player.StepDelay)
	})

	t.Run("rejects bad values", func(t *testing.T) {
		t.Parallel()
		cases := map[string]any{
			"validation.method":       "md5",
			"validation.threshold":    65,
			"recorder.parameter_mode": "telepathy",
			"cache.max_failure_rate":  1.5,
			"cache.dir":               "",
			"llm.max_turns":           0,
		}
		for key, val := range cases {
			v := viper.New()
			SetDefaults(v)
			v.Set(key, val)
			_, err := NewConfigFromViper(v)
			assert.Error(t, err, "expected %s=%v to be rejected", key, val)
		}
	})
}
