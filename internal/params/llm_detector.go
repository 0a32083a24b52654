package params

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/replaykit/internal/cachestore"
	"github.com/xkilldash9x/replaykit/internal/llmclient"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var jsonArrayRe = regexp.MustCompile("(?s)(?:```json\\s*|)(\\[.*\\])(?:```|)")

// LLMDetector asks a language model to propose parameterizations. Any model
// or parsing failure degrades to an empty detection list; detection is an
// enhancement and must never abort recording.
type LLMDetector struct {
	client llmclient.Client
	logger *zap.Logger
}

func NewLLMDetector(client llmclient.Client, logger *zap.Logger) *LLMDetector {
	return &LLMDetector{
		client: client,
		logger: logger.Named("param_detector"),
	}
}

// llmDetection is the wire contract with the model.
type llmDetection struct {
	StepIndex   int    `json:"step_index"`
	InputKey    string `json:"input_key"`
	Value       string `json:"value"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

const detectorSystemPrompt = `You identify values in a recorded UI automation trajectory that would change between runs: dates, usernames, emails, identifiers, free-form user text.
Respond ONLY with a JSON array. Each element:
{"step_index": <int, -1 for the goal text>, "input_key": "<input field, empty for goal>", "value": "<exact literal to replace>", "name": "<snake_case identifier>", "description": "<what the value is>"}
Rules:
1. Only propose values that literally occur in the given inputs or goal.
2. Never propose values that are already {{placeholders}}.
3. Use the same name for identical values appearing in multiple places.
4. Return [] when nothing should be parameterized.`

func (d *LLMDetector) Detect(ctx context.Context, trajectory []cachestore.Step, goal string) ([]Detection, error) {
	trajJSON, err := json.Marshal(trajectory)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal trajectory for detection: %w", err)
	}

	userPrompt := fmt.Sprintf("Goal: %s\n\nTrajectory (JSON):\n%s\n\nList the values to parameterize.", goal, trajJSON)
	resp, err := d.client.GenerateResponse(ctx, llmclient.GenerationRequest{
		SystemPrompt: detectorSystemPrompt,
		UserPrompt:   userPrompt,
		Options: llmclient.GenerationOptions{
			Temperature:     0.1,
			ForceJSONFormat: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("llm detection failed: %w", err)
	}

	proposals, err := parseDetections(resp.Content)
	if err != nil {
		return nil, err
	}

	out := make([]Detection, 0, len(proposals))
	for _, p := range proposals {
		det := Detection{
			StepIndex:   p.StepIndex,
			InputKey:    p.InputKey,
			Value:       p.Value,
			Name:        p.Name,
			Description: p.Description,
		}
		if !d.plausible(det, trajectory, goal) {
			d.logger.Debug("Dropping implausible detection",
				zap.String("name", det.Name), zap.String("path", det.Path()))
			continue
		}
		out = append(out, det)
	}
	return out, nil
}

// parseDetections tolerates code-fenced responses the way the reasoning
// parser does.
func parseDetections(response string) ([]llmDetection, error) {
	response = strings.TrimSpace(response)
	toParse := response
	if m := jsonArrayRe.FindStringSubmatch(response); len(m) > 1 {
		toParse = m[1]
	}
	var proposals []llmDetection
	if err := json.Unmarshal([]byte(toParse), &proposals); err != nil {
		return nil, fmt.Errorf("failed to parse detector response: %w", err)
	}
	return proposals, nil
}

// plausible rejects hallucinated proposals: the value must literally occur
// at the claimed location, the name must be legal, and placeholders are
// never re-parameterized.
func (d *LLMDetector) plausible(det Detection, trajectory []cachestore.Step, goal string) bool {
	if det.Value == "" || !legalName(det.Name) || ContainsPlaceholder(det.Value) {
		return false
	}
	if det.StepIndex == GoalIndex {
		return strings.Contains(goal, det.Value)
	}
	if det.StepIndex < 0 || det.StepIndex >= len(trajectory) {
		return false
	}
	s, ok := trajectory[det.StepIndex].Input[det.InputKey].(string)
	return ok && strings.Contains(s, det.Value)
}

var legalNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func legalName(name string) bool {
	return legalNameRe.MatchString(name)
}

var _ Detector = (*LLMDetector)(nil)
