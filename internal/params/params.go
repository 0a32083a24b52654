// Package params implements the {{name}} template engine used to
// parameterize recorded trajectories and to resolve values at replay time.
package params

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/xkilldash9x/replaykit/internal/cachestore"
)

// ErrMissingParameter is returned when a referenced placeholder has no
// supplied value. Callers must reject activation before any step executes.
var ErrMissingParameter = errors.New("missing parameter value")

// placeholderRe matches {{name}} occurrences with a legal parameter name.
var placeholderRe = regexp.MustCompile(`\{\{([A-Za-z_][A-Za-z0-9_]*)\}\}`)

// References collects every parameter name referenced anywhere in a
// trajectory's inputs, sorted for stable output.
func References(trajectory []cachestore.Step) []string {
	seen := map[string]struct{}{}
	for _, step := range trajectory {
		collectRefs(step.Input, seen)
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func collectRefs(v any, seen map[string]struct{}) {
	switch t := v.(type) {
	case string:
		for _, m := range placeholderRe.FindAllStringSubmatch(t, -1) {
			seen[m[1]] = struct{}{}
		}
	case map[string]any:
		for _, inner := range t {
			collectRefs(inner, seen)
		}
	case []any:
		for _, inner := range t {
			collectRefs(inner, seen)
		}
	}
}

// ReferencesInText returns the placeholder names present in a plain string,
// such as the parameterized goal text.
func ReferencesInText(s string) []string {
	seen := map[string]struct{}{}
	for _, m := range placeholderRe.FindAllStringSubmatch(s, -1) {
		seen[m[1]] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CheckResolvable verifies that every placeholder referenced by the
// trajectory has a value. It is the activation gate: on failure nothing may
// have executed yet.
func CheckResolvable(trajectory []cachestore.Step, values map[string]string) error {
	for _, name := range References(trajectory) {
		if _, ok := values[name]; !ok {
			return fmt.Errorf("%w: {{%s}}", ErrMissingParameter, name)
		}
	}
	return nil
}

// Substitute resolves every placeholder in a step input, returning a deep
// copy. The original input is never mutated; the stored trajectory stays
// parameterized.
func Substitute(input map[string]any, values map[string]string) (map[string]any, error) {
	out, err := substituteValue(input, values)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func substituteValue(v any, values map[string]string) (any, error) {
	switch t := v.(type) {
	case string:
		return substituteString(t, values)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			sub, err := substituteValue(inner, values)
			if err != nil {
				return nil, err
			}
			out[k] = sub
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			sub, err := substituteValue(inner, values)
			if err != nil {
				return nil, err
			}
			out[i] = sub
		}
		return out, nil
	default:
		return v, nil
	}
}

func substituteString(s string, values map[string]string) (string, error) {
	var missing string
	result := placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		if v, ok := values[name]; ok {
			return v
		}
		if missing == "" {
			missing = name
		}
		return m
	})
	if missing != "" {
		return "", fmt.Errorf("%w: {{%s}}", ErrMissingParameter, missing)
	}
	return result, nil
}

// SubstituteText resolves placeholders in plain text, such as goal strings.
func SubstituteText(s string, values map[string]string) (string, error) {
	return substituteString(s, values)
}

// ContainsPlaceholder reports whether s holds at least one {{name}}.
func ContainsPlaceholder(s string) bool {
	return strings.Contains(s, "{{") && placeholderRe.MatchString(s)
}

// MatchText derives parameter values by matching a parameterized pattern
// against concrete text. The second return is false when the text does not
// fit the pattern or one name would have to bind two different values.
func MatchText(pattern, text string) (map[string]string, bool) {
	locs := placeholderRe.FindAllStringSubmatchIndex(pattern, -1)
	if len(locs) == 0 {
		return map[string]string{}, pattern == text
	}

	var sb strings.Builder
	sb.WriteString(`\A`)
	names := make([]string, 0, len(locs))
	last := 0
	for _, loc := range locs {
		sb.WriteString(regexp.QuoteMeta(pattern[last:loc[0]]))
		sb.WriteString(`(.+?)`)
		names = append(names, pattern[loc[2]:loc[3]])
		last = loc[1]
	}
	sb.WriteString(regexp.QuoteMeta(pattern[last:]))
	sb.WriteString(`\z`)

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, false
	}
	m := re.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}

	values := make(map[string]string, len(names))
	for i, name := range names {
		v := m[i+1]
		if prev, seen := values[name]; seen && prev != v {
			return nil, false
		}
		values[name] = v
	}
	return values, true
}
