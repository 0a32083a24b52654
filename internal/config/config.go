// Package config holds the application configuration, loaded through viper
// with defaults, a YAML config file, and REPLAYKIT_* environment overrides.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration object.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Cache      CacheConfig      `mapstructure:"cache" yaml:"cache"`
	Validation ValidationConfig `mapstructure:"validation" yaml:"validation"`
	Recorder   RecorderConfig   `mapstructure:"recorder" yaml:"recorder"`
	Player     PlayerConfig     `mapstructure:"player" yaml:"player"`
	LLM        LLMConfig        `mapstructure:"llm" yaml:"llm"`
	Browser    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// CacheConfig locates the trajectory store and tunes invalidation policy.
type CacheConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
	// Enabled gates replay entirely; recording still happens so a later run
	// can replay.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// MaxAge invalidates files older than this. Zero disables the policy.
	MaxAge time.Duration `mapstructure:"max_age" yaml:"max_age"`
	// MaxStepFailures invalidates once a single step index has failed this
	// many times.
	MaxStepFailures int `mapstructure:"max_step_failures" yaml:"max_step_failures"`
	// MaxFailureRate invalidates once failures/attempts exceeds this ratio.
	MaxFailureRate float64 `mapstructure:"max_failure_rate" yaml:"max_failure_rate"`
}

// ValidationConfig tunes the visual gate applied before interaction steps.
type ValidationConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Method is phash, ahash or none.
	Method string `mapstructure:"method" yaml:"method"`
	// RegionSize is the side length of the square crop around the action
	// coordinate.
	RegionSize int `mapstructure:"region_size" yaml:"region_size"`
	// Threshold is the maximum acceptable Hamming distance, 0-64.
	Threshold int `mapstructure:"threshold" yaml:"threshold"`
}

// RecorderConfig controls trajectory capture.
type RecorderConfig struct {
	// ParameterMode selects the detector: heuristic, manual or llm.
	ParameterMode string `mapstructure:"parameter_mode" yaml:"parameter_mode"`
	// Fingerprints toggles visual fingerprinting of interaction steps.
	Fingerprints bool `mapstructure:"fingerprints" yaml:"fingerprints"`
}

// PlayerConfig controls replay pacing.
type PlayerConfig struct {
	// StepDelay is the scheduling pause between replayed steps.
	StepDelay time.Duration `mapstructure:"step_delay" yaml:"step_delay"`
}

// LLMConfig configures the reasoning model.
type LLMConfig struct {
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	// MaxTurns bounds the live reasoning loop per goal.
	MaxTurns int `mapstructure:"max_turns" yaml:"max_turns"`
}

// BrowserConfig holds settings for the headless browser tool executor.
type BrowserConfig struct {
	Headless       bool          `mapstructure:"headless" yaml:"headless"`
	ViewportWidth  int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	ActionTimeout  time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "replaykit")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Cache --
	v.SetDefault("cache.dir", ".replaykit/cache")
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.max_age", "720h")
	v.SetDefault("cache.max_step_failures", 3)
	v.SetDefault("cache.max_failure_rate", 0.5)

	// -- Validation --
	v.SetDefault("validation.enabled", true)
	v.SetDefault("validation.method", "phash")
	v.SetDefault("validation.region_size", 128)
	v.SetDefault("validation.threshold", 10)

	// -- Recorder --
	v.SetDefault("recorder.parameter_mode", "heuristic")
	v.SetDefault("recorder.fingerprints", true)

	// -- Player --
	v.SetDefault("player.step_delay", "500ms")

	// -- LLM --
	v.SetDefault("llm.model", "gemini-2.5-flash")
	v.SetDefault("llm.api_timeout", "30s")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.max_turns", 40)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 800)
	v.SetDefault("browser.action_timeout", "15s")
}

// NewDefaultConfig returns a configuration populated with defaults only.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a validated configuration from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	v.BindEnv("llm.api_key", "REPLAYKIT_LLM_API_KEY", "GEMINI_API_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for sane values.
func (c *Config) Validate() error {
	if c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir must not be empty")
	}
	if c.Cache.MaxFailureRate < 0 || c.Cache.MaxFailureRate > 1 {
		return fmt.Errorf("cache.max_failure_rate must be within [0, 1]")
	}
	if c.Validation.Threshold < 0 || c.Validation.Threshold > 64 {
		return fmt.Errorf("validation.threshold must be within [0, 64]")
	}
	switch c.Validation.Method {
	case "phash", "ahash", "none":
	default:
		return fmt.Errorf("validation.method must be phash, ahash or none")
	}
	switch c.Recorder.ParameterMode {
	case "heuristic", "manual", "llm":
	default:
		return fmt.Errorf("recorder.parameter_mode must be heuristic, manual or llm")
	}
	if c.Player.StepDelay < 0 {
		return fmt.Errorf("player.step_delay must not be negative")
	}
	if c.LLM.MaxTurns <= 0 {
		return fmt.Errorf("llm.max_turns must be a positive integer")
	}
	return nil
}
