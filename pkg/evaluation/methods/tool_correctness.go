package methods

import (
	"context"
	"fmt"
	"strings"

	"github.com/snow-ghost/skilltuner/pkg/evaluation"
	"github.com/snow-ghost/skilltuner/pkg/judge"
)

// ToolCorrectness checks that the agent called the right tools. With
// expected_tools set it compares names directly; otherwise the judge rules
// on each call.
type ToolCorrectness struct {
	judge judge.Judge
}

type toolCorrectnessParams struct {
	ExpectedTools    []string `mapstructure:"expected_tools"`
	ConsiderOrdering bool     `mapstructure:"consider_ordering"`
}

// NewToolCorrectness creates the tool_correctness method
func NewToolCorrectness(j judge.Judge) *ToolCorrectness {
	return &ToolCorrectness{judge: j}
}

func (m *ToolCorrectness) Details() evaluation.MethodDetails {
	return evaluation.MethodDetails{
		Name:        ToolCorrectnessName,
		Description: "Scores the fraction of tool calls that were the right tool for the request.",
		UsesJudge:   true,
	}
}

func (m *ToolCorrectness) ParameterSchema() map[string]any {
	return map[string]any{
		"expected_tools": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
		"consider_ordering": map[string]any{"type": "boolean"},
	}
}

func (m *ToolCorrectness) Evaluate(ctx context.Context, job evaluation.Job) (*evaluation.Verdict, error) {
	var extra toolCorrectnessParams
	if err := job.Params.DecodeExtra(&extra); err != nil {
		return nil, err
	}

	called := job.Triple.ToolNames()
	if extra.ExpectedTools != nil {
		return compareTools(extra.ExpectedTools, called, extra.ConsiderOrdering), nil
	}

	if len(called) == 0 {
		return &evaluation.Verdict{
			Score:     1.0,
			Reasoning: "No tools were called and none were expected.",
			Output:    map[string]any{"called_tools": []string{}},
		}, nil
	}

	prompt, err := render(toolVerdictPrompt, map[string]any{
		"Input":     job.Triple.Input,
		"Available": job.Triple.Tools,
		"Calls":     callViews(job.Triple.ToolCalls),
	})
	if err != nil {
		return nil, err
	}
	res, err := m.judge.Evaluate(ctx, prompt, judgeOptions(job.Params))
	if err != nil {
		return nil, fmt.Errorf("tool verdicts: %w", err)
	}

	var parsed callVerdicts
	if err := decodeMetadata(res, &parsed); err != nil || len(parsed.Verdicts) == 0 {
		if res.HasScore {
			return &evaluation.Verdict{
				Score:     res.Score,
				Reasoning: res.Reasoning,
				Output:    map[string]any{"called_tools": called},
			}, nil
		}
		return nil, fmt.Errorf("tool verdicts: %w", ErrNoScore)
	}

	score, details := matchVerdicts(job.Triple.ToolCalls, parsed.Verdicts)
	reason := parsed.Reason
	if reason == "" {
		reason = summarizeDetails(details)
	}
	return &evaluation.Verdict{
		Score:     score,
		Reasoning: reason,
		Output: map[string]any{
			"called_tools": called,
			"verdicts":     details,
		},
		Metadata: map[string]any{"judge_model": res.Model},
	}, nil
}

// compareTools scores called against expected. Unordered, each expected
// tool may be matched by one call. Ordered, the score is the longest common
// subsequence over the expected length.
func compareTools(expected, called []string, ordered bool) *evaluation.Verdict {
	output := map[string]any{
		"expected_tools": expected,
		"called_tools":   called,
	}
	if len(expected) == 0 {
		if len(called) == 0 {
			return &evaluation.Verdict{Score: 1.0, Reasoning: "No tools were expected and none were called.", Output: output}
		}
		return &evaluation.Verdict{
			Score:     0.0,
			Reasoning: fmt.Sprintf("No tools were expected but %s were called.", strings.Join(called, ", ")),
			Output:    output,
		}
	}

	var matched []string
	if ordered {
		matched = orderedMatches(expected, called)
	} else {
		matched = unorderedMatches(expected, called)
	}
	output["matched_tools"] = matched

	var missing []string
	for _, name := range expected {
		if !containsTool(matched, name) {
			missing = append(missing, name)
		}
	}

	score := float64(len(matched)) / float64(len(expected))
	reason := fmt.Sprintf("%d of %d expected tools were called", len(matched), len(expected))
	if ordered {
		reason += " in order"
	}
	if len(missing) > 0 {
		reason += "; missing: " + strings.Join(missing, ", ")
	}
	return &evaluation.Verdict{Score: score, Reasoning: reason + ".", Output: output}
}

func unorderedMatches(expected, called []string) []string {
	used := make([]bool, len(called))
	var matched []string
	for _, want := range expected {
		for i, got := range called {
			if !used[i] && sameTool(want, got) {
				used[i] = true
				matched = append(matched, want)
				break
			}
		}
	}
	return matched
}

func orderedMatches(expected, called []string) []string {
	n, k := len(expected), len(called)
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, k+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := k - 1; j >= 0; j-- {
			if sameTool(expected[i], called[j]) {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else {
				lcs[i][j] = max(lcs[i+1][j], lcs[i][j+1])
			}
		}
	}

	var matched []string
	for i, j := 0, 0; i < n && j < k; {
		switch {
		case sameTool(expected[i], called[j]):
			matched = append(matched, expected[i])
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			i++
		default:
			j++
		}
	}
	return matched
}

func containsTool(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func summarizeDetails(details []map[string]any) string {
	var wrong []string
	for _, d := range details {
		if ok, _ := d["correct"].(bool); !ok {
			wrong = append(wrong, fmt.Sprint(d["tool"]))
		}
	}
	if len(wrong) == 0 {
		return "All tool calls were judged correct."
	}
	return "Incorrect calls: " + strings.Join(wrong, ", ") + "."
}
