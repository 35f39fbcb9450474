package methods

import (
	"context"
	"fmt"

	"github.com/snow-ghost/skilltuner/pkg/evaluation"
	"github.com/snow-ghost/skilltuner/pkg/judge"
)

// ArgumentCorrectness asks the judge whether each tool call carried the
// right arguments.
type ArgumentCorrectness struct {
	judge judge.Judge
}

// NewArgumentCorrectness creates the argument_correctness method
func NewArgumentCorrectness(j judge.Judge) *ArgumentCorrectness {
	return &ArgumentCorrectness{judge: j}
}

func (m *ArgumentCorrectness) Details() evaluation.MethodDetails {
	return evaluation.MethodDetails{
		Name:        ArgumentCorrectnessName,
		Description: "Scores the fraction of tool calls whose arguments fit the request.",
		UsesJudge:   true,
	}
}

func (m *ArgumentCorrectness) ParameterSchema() map[string]any {
	return map[string]any{}
}

func (m *ArgumentCorrectness) Evaluate(ctx context.Context, job evaluation.Job) (*evaluation.Verdict, error) {
	calls := job.Triple.ToolCalls
	if len(calls) == 0 {
		return &evaluation.Verdict{
			Score:     1.0,
			Reasoning: "No tool calls were made, so there were no arguments to get wrong.",
			Output:    map[string]any{"tool_calls": 0},
		}, nil
	}

	prompt, err := render(argumentVerdictPrompt, map[string]any{
		"Input": job.Triple.Input,
		"Calls": callViews(calls),
	})
	if err != nil {
		return nil, err
	}
	res, err := m.judge.Evaluate(ctx, prompt, judgeOptions(job.Params))
	if err != nil {
		return nil, fmt.Errorf("argument verdicts: %w", err)
	}

	var parsed callVerdicts
	if err := decodeMetadata(res, &parsed); err != nil || len(parsed.Verdicts) == 0 {
		return nil, fmt.Errorf("argument verdicts: %w", ErrNoScore)
	}

	score, details := matchVerdicts(calls, parsed.Verdicts)
	reason := parsed.Reason
	if reason == "" {
		reason = summarizeDetails(details)
	}
	return &evaluation.Verdict{
		Score:     score,
		Reasoning: reason,
		Output: map[string]any{
			"tool_calls": len(calls),
			"verdicts":   details,
		},
		Metadata: map[string]any{"judge_model": res.Model},
	}, nil
}
