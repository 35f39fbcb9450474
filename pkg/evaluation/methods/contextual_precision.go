package methods

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/snow-ghost/skilltuner/pkg/evaluation"
	"github.com/snow-ghost/skilltuner/pkg/judge"
)

// ErrMissingContext is returned for a log without retrieval context.
var ErrMissingContext = errors.New("log has no retrieval context")

// ContextualPrecision checks that relevant context nodes rank above
// irrelevant ones.
type ContextualPrecision struct {
	judge judge.Judge
}

type contextualPrecisionParams struct {
	ExpectedOutput string `mapstructure:"expected_output"`
}

type nodeVerdicts struct {
	Verdicts []struct {
		Verdict string `json:"verdict"`
		Reason  string `json:"reason"`
	} `json:"verdicts"`
}

// NewContextualPrecision creates the contextual_precision method
func NewContextualPrecision(j judge.Judge) *ContextualPrecision {
	return &ContextualPrecision{judge: j}
}

func (m *ContextualPrecision) Details() evaluation.MethodDetails {
	return evaluation.MethodDetails{
		Name:        ContextualPrecisionName,
		Description: "Scores whether relevant context nodes are ranked ahead of irrelevant ones.",
		UsesJudge:   true,
	}
}

func (m *ContextualPrecision) ParameterSchema() map[string]any {
	return map[string]any{
		"expected_output": map[string]any{"type": "string"},
	}
}

func (m *ContextualPrecision) Evaluate(ctx context.Context, job evaluation.Job) (*evaluation.Verdict, error) {
	nodes := job.Triple.Context
	if len(nodes) == 0 {
		return nil, ErrMissingContext
	}
	var extra contextualPrecisionParams
	if err := job.Params.DecodeExtra(&extra); err != nil {
		return nil, err
	}

	prompt, err := render(contextVerdictPrompt, map[string]any{
		"Input":    job.Triple.Input,
		"Output":   job.Triple.Output,
		"Expected": extra.ExpectedOutput,
		"Nodes":    nodes,
	})
	if err != nil {
		return nil, err
	}
	res, err := m.judge.Evaluate(ctx, prompt, judgeOptions(job.Params))
	if err != nil {
		return nil, fmt.Errorf("context verdicts: %w", err)
	}

	var parsed nodeVerdicts
	if err := decodeMetadata(res, &parsed); err != nil || len(parsed.Verdicts) == 0 {
		return nil, fmt.Errorf("context verdicts: %w", ErrNoScore)
	}

	relevant := make([]bool, len(nodes))
	details := make([]map[string]any, len(nodes))
	for i := range nodes {
		detail := map[string]any{"node": i + 1, "relevant": false}
		if i < len(parsed.Verdicts) {
			v := parsed.Verdicts[i]
			relevant[i] = isYes(v.Verdict)
			detail["relevant"] = relevant[i]
			detail["reason"] = v.Reason
		}
		details[i] = detail
	}

	score := WeightedPrecision(relevant)
	return &evaluation.Verdict{
		Score:     score,
		Reasoning: precisionReason(relevant, score),
		Output: map[string]any{
			"context_nodes": len(nodes),
			"verdicts":      details,
		},
		Metadata: map[string]any{"judge_model": res.Model},
	}, nil
}

// WeightedPrecision is the mean of precision@k over the ranks k holding a
// relevant node. No relevant node scores 0.
func WeightedPrecision(relevant []bool) float64 {
	var hits int
	var sum float64
	for k, rel := range relevant {
		if rel {
			hits++
			sum += float64(hits) / float64(k+1)
		}
	}
	if hits == 0 {
		return 0
	}
	return sum / float64(hits)
}

func isYes(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y", "true", "relevant":
		return true
	}
	return false
}

func precisionReason(relevant []bool, score float64) string {
	var hits int
	for _, r := range relevant {
		if r {
			hits++
		}
	}
	if hits == 0 {
		return "None of the context nodes were relevant."
	}
	return fmt.Sprintf("%d of %d context nodes were relevant; weighted precision %.2f.", hits, len(relevant), score)
}
