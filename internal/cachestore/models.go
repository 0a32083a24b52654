// Package cachestore defines the versioned on-disk trajectory cache format
// and a file-backed store with in-memory schema migration.
package cachestore

import (
	"fmt"
	"regexp"
	"time"

	"github.com/xkilldash9x/replaykit/internal/imagehash"
)

// SchemaVersion is the current cache file schema. Readers also accept the
// immediately prior schema, a bare step array, and upgrade it in memory.
const SchemaVersion = "0.2"

// paramNameRe is the grammar for parameter names.
var paramNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Step is one recorded tool invocation. Input values may contain {{param}}
// placeholders. VisualHash is present only when the step is cacheable and
// its tool is interaction sensitive (pointer click, text entry).
type Step struct {
	ID        string         `json:"id"`
	Tool      string         `json:"tool"`
	Input     map[string]any `json:"input"`
	Cacheable bool           `json:"cacheable"`
	// VisualHash is the hex form of the recorded region fingerprint, or
	// empty when no fingerprint was attached.
	VisualHash string `json:"visual_representation,omitempty"`
	// CoordX/CoordY locate the action's target point inside the frame the
	// fingerprint was taken from. Nil when the whole frame was hashed.
	CoordX *int `json:"coord_x,omitempty"`
	CoordY *int `json:"coord_y,omitempty"`
}

// Fingerprint decodes the stored visual hash. The second return is false
// when the step carries no fingerprint.
func (s *Step) Fingerprint() (imagehash.Fingerprint, bool, error) {
	if s.VisualHash == "" {
		return 0, false, nil
	}
	fp, err := imagehash.ParseHex(s.VisualHash)
	if err != nil {
		return 0, false, err
	}
	return fp, true, nil
}

// FailureRecord is one replay failure. The failure list is append-only and
// never rewritten.
type FailureRecord struct {
	Timestamp time.Time `json:"timestamp"`
	StepIndex int       `json:"step_index"`
	Error     string    `json:"error_message"`
	// CountAtStep is the historical failure count for this step index,
	// including this record.
	CountAtStep int `json:"failure_count_at_step"`
}

// Metadata carries everything about a cache file except the trajectory
// itself. It is the only part mutated after recording.
type Metadata struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	// Goal is the concrete goal text as executed. The file is addressed by
	// this text, so a byte-identical re-run always finds it.
	Goal string `json:"goal"`
	// GoalPattern is the goal with detected values rewritten to {{name}}
	// placeholders. Empty when nothing in the goal was parameterized.
	GoalPattern    string          `json:"goal_pattern,omitempty"`
	LastExecutedAt *time.Time      `json:"last_executed_at"`
	Attempts       int             `json:"execution_attempts"`
	TokenCost      int             `json:"total_token_cost"`
	Failures       []FailureRecord `json:"failures"`
	IsValid        bool            `json:"is_valid"`
	InvalidReason  *string         `json:"invalidation_reason"`

	// Visual validation configuration captured at record time.
	VisualMethod    imagehash.Method `json:"visual_verification_method"`
	RegionSize      int              `json:"visual_validation_region_size"`
	VisualThreshold int              `json:"visual_validation_threshold"`
}

// CacheFile is one persisted trajectory plus its metadata and parameter
// definitions (name to description). The trajectory is immutable once
// recorded; only metadata changes afterwards.
type CacheFile struct {
	Metadata   Metadata          `json:"metadata"`
	Trajectory []Step            `json:"trajectory"`
	Parameters map[string]string `json:"parameters"`
}

// Validate checks structural invariants: unique step ids, legal parameter
// names, a sane visual threshold.
func (f *CacheFile) Validate() error {
	seen := make(map[string]struct{}, len(f.Trajectory))
	for i, s := range f.Trajectory {
		if s.ID == "" {
			return fmt.Errorf("step %d has an empty id", i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	for name := range f.Parameters {
		if !paramNameRe.MatchString(name) {
			return fmt.Errorf("invalid parameter name %q", name)
		}
	}
	if f.Metadata.VisualThreshold < 0 || f.Metadata.VisualThreshold > 64 {
		return fmt.Errorf("visual threshold %d out of range [0,64]", f.Metadata.VisualThreshold)
	}
	return nil
}

// StepFailureCount returns how many recorded failures hit the given step
// index.
func (f *CacheFile) StepFailureCount(stepIndex int) int {
	n := 0
	for _, rec := range f.Metadata.Failures {
		if rec.StepIndex == stepIndex {
			n++
		}
	}
	return n
}

// FailureRate is failures over attempts, or 0 before the first attempt.
func (f *CacheFile) FailureRate() float64 {
	if f.Metadata.Attempts == 0 {
		return 0
	}
	return float64(len(f.Metadata.Failures)) / float64(f.Metadata.Attempts)
}
