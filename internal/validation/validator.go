// Package validation decides whether a cache file is still trustworthy
// enough to replay. Policies are pure functions over the file's metadata;
// all persistence happens through the store's explicit mutation entrypoints.
package validation

import (
	"fmt"
	"time"

	"github.com/xkilldash9x/replaykit/internal/cachestore"
)

// NoStep is passed as the step index when a decision is not step-scoped.
const NoStep = -1

// Decision is the outcome of evaluating a cache file.
type Decision struct {
	Invalidate bool
	// Reason comes from the first policy that triggered.
	Reason string
}

// Policy votes on a single invalidation concern.
type Policy interface {
	Name() string
	// Evaluate returns a human-readable reason and true when the policy
	// wants the file invalidated.
	Evaluate(file *cachestore.CacheFile, stepIndex int) (string, bool)
}

// -- Policies --

// Staleness invalidates files older than MaxAge. Zero disables the policy.
type Staleness struct {
	MaxAge time.Duration
	// now is swappable for tests.
	Now func() time.Time
}

func (Staleness) Name() string { return "staleness" }

func (p Staleness) Evaluate(file *cachestore.CacheFile, _ int) (string, bool) {
	if p.MaxAge <= 0 {
		return "", false
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	age := now().Sub(file.Metadata.CreatedAt)
	if age > p.MaxAge {
		return fmt.Sprintf("cache is stale: age %s exceeds %s", age.Round(time.Second), p.MaxAge), true
	}
	return "", false
}

// StepFailures invalidates when a specific step index has failed at least
// Max times. It only votes when a step index is in scope.
type StepFailures struct {
	Max int
}

func (StepFailures) Name() string { return "step_failures" }

func (p StepFailures) Evaluate(file *cachestore.CacheFile, stepIndex int) (string, bool) {
	if p.Max <= 0 || stepIndex == NoStep {
		return "", false
	}
	if n := file.StepFailureCount(stepIndex); n >= p.Max {
		return fmt.Sprintf("step %d failed %d times (limit %d)", stepIndex, n, p.Max), true
	}
	return "", false
}

// FailureRate invalidates when failures/attempts exceeds Max. It never votes
// before the first attempt.
type FailureRate struct {
	Max float64
}

func (FailureRate) Name() string { return "failure_rate" }

func (p FailureRate) Evaluate(file *cachestore.CacheFile, _ int) (string, bool) {
	if p.Max <= 0 || file.Metadata.Attempts == 0 {
		return "", false
	}
	if rate := file.FailureRate(); rate > p.Max {
		return fmt.Sprintf("failure rate %.2f exceeds %.2f", rate, p.Max), true
	}
	return "", false
}

// -- Composition --

// Composite evaluates policies in order with OR semantics: the first policy
// that triggers wins and supplies the reason.
type Composite struct {
	policies []Policy
}

func NewComposite(policies ...Policy) *Composite {
	return &Composite{policies: policies}
}

// Evaluate runs the policy chain. Pass NoStep when no specific step is in
// scope.
func (c *Composite) Evaluate(file *cachestore.CacheFile, stepIndex int) Decision {
	for _, p := range c.policies {
		if reason, triggered := p.Evaluate(file, stepIndex); triggered {
			return Decision{Invalidate: true, Reason: reason}
		}
	}
	return Decision{}
}
