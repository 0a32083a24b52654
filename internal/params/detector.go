package params

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"github.com/xkilldash9x/replaykit/internal/cachestore"
)

// Detection is one proposed parameterization: a concrete value occurring at
// a location in the trajectory (or the goal text) that is likely to vary
// across runs.
type Detection struct {
	// StepIndex locates the input holding the value; GoalIndex means the
	// goal text itself.
	StepIndex int
	// InputKey is the top-level input field the value sits under. Empty for
	// goal detections.
	InputKey string
	// Value is the literal text to rewrite.
	Value string
	// Name is the parameter name to substitute in.
	Name string
	// Description explains what the value is, persisted alongside the name.
	Description string
}

// GoalIndex marks a detection against the goal text rather than a step.
const GoalIndex = -1

// Path renders the detection location in the (path, name, description) form
// of the detector contract.
func (d Detection) Path() string {
	if d.StepIndex == GoalIndex {
		return "goal"
	}
	return fmt.Sprintf("trajectory[%d].input.%s", d.StepIndex, d.InputKey)
}

// Detector proposes parameterizations for a freshly recorded trajectory.
// Implementations must not mutate the trajectory; the recorder applies
// accepted detections itself. A deterministic implementation is a drop-in
// substitute for the model-backed one.
type Detector interface {
	Detect(ctx context.Context, trajectory []cachestore.Step, goal string) ([]Detection, error)
}

// -- Manual mode --

// ManualDetector only recognizes placeholders already written by the author:
// pre-existing {{name}} occurrences in step inputs and goal text. It never
// invents parameters.
type ManualDetector struct{}

func (ManualDetector) Detect(_ context.Context, trajectory []cachestore.Step, goal string) ([]Detection, error) {
	var out []Detection
	for _, name := range References(trajectory) {
		out = append(out, Detection{
			StepIndex:   GoalIndex,
			Name:        name,
			Description: "manually declared parameter",
		})
	}
	for _, name := range ReferencesInText(goal) {
		out = append(out, Detection{
			StepIndex:   GoalIndex,
			Name:        name,
			Description: "manually declared parameter",
		})
	}
	return dedupeByName(out), nil
}

// -- Automatic heuristic mode --

// heuristicPattern pairs a regex with a parameter name stem and description.
type heuristicPattern struct {
	re          *regexp.Regexp
	stem        string
	description string
}

// Ordered: earlier patterns win when matches overlap.
var heuristicPatterns = []heuristicPattern{
	{regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`), "date", "a date value likely to vary across runs"},
	{regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), "email", "an email address likely to vary across runs"},
	{regexp.MustCompile(`\b\d{5,}\b`), "number", "a numeric identifier likely to vary across runs"},
}

// HeuristicDetector is the deterministic automatic detector: a regex scan of
// cacheable step inputs and the goal text for values that usually change
// between runs (dates, identifiers, addresses).
//
// Inputs and goal text are scanned independently. A value is rewritten only
// where it was detected; the two scopes share a parameter name only when
// the identical literal matches a pattern in both.
type HeuristicDetector struct{}

func (HeuristicDetector) Detect(_ context.Context, trajectory []cachestore.Step, goal string) ([]Detection, error) {
	var out []Detection
	counters := map[string]int{}

	appendMatches := func(stepIndex int, key, text string) {
		for _, p := range heuristicPatterns {
			for _, match := range p.re.FindAllString(text, -1) {
				if ContainsPlaceholder(match) {
					continue
				}
				name := nameFor(match, p.stem, counters, out)
				out = append(out, Detection{
					StepIndex:   stepIndex,
					InputKey:    key,
					Value:       match,
					Name:        name,
					Description: p.description,
				})
			}
		}
	}

	for i, step := range trajectory {
		if !step.Cacheable {
			continue
		}
		for _, key := range sortedKeys(step.Input) {
			if s, ok := step.Input[key].(string); ok {
				appendMatches(i, key, s)
			}
		}
	}
	appendMatches(GoalIndex, "", goal)

	return out, nil
}

// nameFor reuses the name of an identical previously detected value so the
// same literal maps to one parameter everywhere, and numbers fresh ones.
func nameFor(value, stem string, counters map[string]int, prior []Detection) string {
	for _, d := range prior {
		if d.Value == value {
			return d.Name
		}
	}
	counters[stem]++
	return fmt.Sprintf("%s_%d", stem, counters[stem])
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func dedupeByName(in []Detection) []Detection {
	seen := map[string]struct{}{}
	out := in[:0]
	for _, d := range in {
		if _, dup := seen[d.Name]; dup {
			continue
		}
		seen[d.Name] = struct{}{}
		out = append(out, d)
	}
	return out
}
