package methods

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/snow-ghost/skilltuner/pkg/evaluation"
	"github.com/snow-ghost/skilltuner/pkg/judge"
)

// TaskCompletion asks the judge what task was requested and what was
// achieved, then how completely the outcome fulfils the task.
type TaskCompletion struct {
	judge judge.Judge
}

type taskCompletionParams struct {
	// Task skips the extraction step when the task is known up front.
	Task string `mapstructure:"task"`
}

type taskOutcome struct {
	Task    string `json:"task"`
	Outcome string `json:"outcome"`
}

// NewTaskCompletion creates the task_completion method
func NewTaskCompletion(j judge.Judge) *TaskCompletion {
	return &TaskCompletion{judge: j}
}

func (m *TaskCompletion) Details() evaluation.MethodDetails {
	return evaluation.MethodDetails{
		Name:        TaskCompletionName,
		Description: "Scores how completely the agent accomplished the task it was given.",
		UsesJudge:   true,
	}
}

func (m *TaskCompletion) ParameterSchema() map[string]any {
	return map[string]any{
		"task": map[string]any{"type": "string"},
	}
}

func (m *TaskCompletion) Evaluate(ctx context.Context, job evaluation.Job) (*evaluation.Verdict, error) {
	var extra taskCompletionParams
	if err := job.Params.DecodeExtra(&extra); err != nil {
		return nil, err
	}
	opts := judgeOptions(job.Params)

	to, err := m.extract(ctx, job, extra.Task, opts)
	if err != nil {
		return nil, err
	}

	prompt, err := render(taskVerdictPrompt, to)
	if err != nil {
		return nil, err
	}
	res, err := m.judge.Evaluate(ctx, prompt, opts)
	if err != nil {
		return nil, fmt.Errorf("task verdict: %w", err)
	}

	score, ok := res.Score, res.HasScore
	if !ok {
		score, ok = scoreFromPhrases(res.Raw)
	}
	if !ok {
		return nil, fmt.Errorf("task verdict: %w", ErrNoScore)
	}

	return &evaluation.Verdict{
		Score:     score,
		Reasoning: res.Reasoning,
		Output: map[string]any{
			"task":    to.Task,
			"outcome": to.Outcome,
		},
		Metadata: map[string]any{
			"judge_model": res.Model,
			"tokens_in":   res.TokensIn,
			"tokens_out":  res.TokensOut,
		},
	}, nil
}

// extract resolves the task and outcome. Each field falls back in turn to
// the JSON reply, "task:"/"outcome:" lines of the reply, and finally the
// raw input and output of the log.
func (m *TaskCompletion) extract(ctx context.Context, job evaluation.Job, task string, opts judge.Options) (taskOutcome, error) {
	to := taskOutcome{Task: task}
	if to.Task == "" || job.Triple.Output != "" {
		prompt, err := render(taskExtractionPrompt, map[string]any{
			"Input":  job.Triple.Input,
			"Output": job.Triple.Output,
			"Calls":  callViews(job.Triple.ToolCalls),
		})
		if err != nil {
			return to, err
		}
		res, err := m.judge.Evaluate(ctx, prompt, opts)
		if err != nil {
			return to, fmt.Errorf("task extraction: %w", err)
		}

		var parsed taskOutcome
		if judge.DecodeJSON(res.Raw, &parsed) != nil {
			parsed.Task = labelledLine(res.Raw, "task")
			parsed.Outcome = labelledLine(res.Raw, "outcome")
		}
		if to.Task == "" {
			to.Task = parsed.Task
		}
		to.Outcome = parsed.Outcome
	}

	if to.Task == "" {
		to.Task = job.Triple.Input
	}
	if to.Outcome == "" {
		to.Outcome = job.Triple.Output
	}
	return to, nil
}

var labelPattern = regexp.MustCompile(`(?im)^\W*(task|outcome)\W*:\s*(.+)$`)

func labelledLine(text, label string) string {
	for _, m := range labelPattern.FindAllStringSubmatch(text, -1) {
		if strings.EqualFold(m[1], label) {
			return strings.TrimSpace(m[2])
		}
	}
	return ""
}

// completionPhrases are checked in order; negative phrases come first so
// "not completed" never matches as "completed".
var completionPhrases = []struct {
	pattern *regexp.Regexp
	score   float64
}{
	{regexp.MustCompile(`(?i)\b(not|never|wasn't|was not|isn't|is not)\s+(fully\s+)?(completed|accomplished|achieved)\b`), 0.0},
	{regexp.MustCompile(`(?i)\b(failed|fails|unable)\s+to\s+(complete|accomplish|achieve)\b`), 0.0},
	{regexp.MustCompile(`(?i)\b(did not|didn't)\s+(complete|accomplish|achieve)\b`), 0.0},
	{regexp.MustCompile(`(?i)\bpartial(ly)?\s+(completed|complete|accomplished|achieved)\b`), 0.5},
	{regexp.MustCompile(`(?i)\b(fully|successfully|completely)\s+(completed|accomplished|achieved)\b`), 1.0},
	{regexp.MustCompile(`(?i)\b(task|request)\s+(was|is|has been)\s+(completed|accomplished)\b`), 1.0},
}

func scoreFromPhrases(text string) (float64, bool) {
	for _, p := range completionPhrases {
		if p.pattern.MatchString(text) {
			return p.score, true
		}
	}
	return 0, false
}
