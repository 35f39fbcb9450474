package methods

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snow-ghost/skilltuner/pkg/evaluation"
	"github.com/snow-ghost/skilltuner/pkg/judge/judgetest"
	"github.com/snow-ghost/skilltuner/pkg/router/core"
)

func job(t *testing.T, triple evaluation.Triple, bag map[string]any) evaluation.Job {
	t.Helper()
	params, err := evaluation.DecodeParams(bag)
	require.NoError(t, err)
	return evaluation.Job{
		RunID:  "run-1",
		Log:    &core.Log{ID: "log-1"},
		Triple: triple,
		Params: params,
	}
}

func calls(names ...string) []evaluation.ToolCall {
	out := make([]evaluation.ToolCall, len(names))
	for i, n := range names {
		out[i] = evaluation.ToolCall{ID: n, Name: n, Arguments: `{"q":"x"}`}
	}
	return out
}

// twoStep answers the task extraction prompt with extraction and every
// other prompt with verdict.
func twoStep(extraction, verdict string) *judgetest.Fake {
	return &judgetest.Fake{Reply: func(prompt string) (string, error) {
		if strings.Contains(prompt, "identify the task") {
			return extraction, nil
		}
		return verdict, nil
	}}
}

func TestRegister(t *testing.T) {
	reg := evaluation.NewRegistry()
	require.NoError(t, Register(reg, judgetest.Static(`{}`)))

	var names []string
	for _, d := range reg.Details() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{
		ArgumentCorrectnessName,
		ContextualPrecisionName,
		TaskCompletionName,
		ToolCorrectnessName,
	}, names)

	_, err := reg.Validate(ToolCorrectnessName, map[string]any{"expected_tools": []string{"search"}})
	assert.NoError(t, err)
	_, err = reg.Validate(ToolCorrectnessName, map[string]any{"expected_tools": "search"})
	assert.Error(t, err)
}

func TestTaskCompletion_JSONVerdict(t *testing.T) {
	fake := twoStep(`{"task":"book a flight","outcome":"flight booked"}`, `{"score":0.9,"reason":"booked as asked"}`)
	m := NewTaskCompletion(fake)

	v, err := m.Evaluate(context.Background(), job(t, evaluation.Triple{Input: "book me a flight", Output: "done"}, nil))
	require.NoError(t, err)
	assert.InDelta(t, 0.9, v.Score, 1e-9)
	assert.Equal(t, "booked as asked", v.Reasoning)
	assert.Equal(t, "book a flight", v.Output["task"])
	assert.Equal(t, "flight booked", v.Output["outcome"])
	assert.Equal(t, 2, fake.Calls())
	assert.Contains(t, fake.Prompts()[1], "book a flight")
}

func TestTaskCompletion_Fallbacks(t *testing.T) {
	cases := []struct {
		name    string
		verdict string
		want    float64
	}{
		{"score line", "The agent mostly succeeded.\nScore: 0.75", 0.75},
		{"bare number", "I would rate this 0.4 overall", 0.4},
		{"negative phrase", "The task was not completed because the API failed.", 0.0},
		{"partial phrase", "The request was partially completed.", 0.5},
		{"positive phrase", "The agent successfully completed everything asked.", 1.0},
		{"step number is not a score", "Step 1: the agent did not complete the task.", 0.0},
		{"count is not a score", "The agent failed to complete the task after 1 attempt.", 0.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewTaskCompletion(twoStep(`{"task":"t","outcome":"o"}`, tc.verdict))
			v, err := m.Evaluate(context.Background(), job(t, evaluation.Triple{Input: "in", Output: "out"}, nil))
			require.NoError(t, err)
			assert.InDelta(t, tc.want, v.Score, 1e-9)
		})
	}
}

func TestTaskCompletion_ExtractionFallsBackToLabelsAndLog(t *testing.T) {
	m := NewTaskCompletion(twoStep("Task: summarize the report\nno outcome given", `{"score":1}`))
	v, err := m.Evaluate(context.Background(), job(t, evaluation.Triple{Input: "summarize", Output: "summary text"}, nil))
	require.NoError(t, err)
	assert.Equal(t, "summarize the report", v.Output["task"])
	assert.Equal(t, "summary text", v.Output["outcome"])
}

func TestTaskCompletion_ConfiguredTaskSkipsExtraction(t *testing.T) {
	fake := twoStep(`{"task":"ignored"}`, `{"score":0.6,"reason":"ok"}`)
	m := NewTaskCompletion(fake)
	v, err := m.Evaluate(context.Background(), job(t, evaluation.Triple{Input: "in"}, map[string]any{"task": "translate to French"}))
	require.NoError(t, err)
	assert.Equal(t, "translate to French", v.Output["task"])
	assert.Equal(t, 1, fake.Calls())
}

func TestTaskCompletion_NoScore(t *testing.T) {
	m := NewTaskCompletion(twoStep(`{"task":"t","outcome":"o"}`, "I cannot tell."))
	_, err := m.Evaluate(context.Background(), job(t, evaluation.Triple{Input: "in", Output: "out"}, nil))
	assert.ErrorIs(t, err, ErrNoScore)
}

func TestTaskCompletion_JudgeError(t *testing.T) {
	boom := errors.New("upstream down")
	m := NewTaskCompletion(&judgetest.Fake{Reply: func(string) (string, error) { return "", boom }})
	_, err := m.Evaluate(context.Background(), job(t, evaluation.Triple{Input: "in", Output: "out"}, nil))
	assert.ErrorIs(t, err, boom)
}

func TestToolCorrectness_ExpectedToolsUnordered(t *testing.T) {
	fake := judgetest.Static(`{}`)
	m := NewToolCorrectness(fake)
	triple := evaluation.Triple{ToolCalls: calls("search_flights", "Book-Flight")}

	v, err := m.Evaluate(context.Background(), job(t, triple, map[string]any{
		"expected_tools": []any{"book_flight", "search_flights", "send_email"},
	}))
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3.0, v.Score, 1e-9)
	assert.Contains(t, v.Reasoning, "send_email")
	assert.Zero(t, fake.Calls())
}

func TestToolCorrectness_ExpectedToolsOrdered(t *testing.T) {
	m := NewToolCorrectness(judgetest.Static(`{}`))
	triple := evaluation.Triple{ToolCalls: calls("book", "search")}

	v, err := m.Evaluate(context.Background(), job(t, triple, map[string]any{
		"expected_tools":    []any{"search", "book"},
		"consider_ordering": true,
	}))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, v.Score, 1e-9)

	v, err = m.Evaluate(context.Background(), job(t, triple, map[string]any{
		"expected_tools": []any{"search", "book"},
	}))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, v.Score, 1e-9)
}

func TestToolCorrectness_NothingExpectedNothingCalled(t *testing.T) {
	m := NewToolCorrectness(judgetest.Static(`{}`))

	v, err := m.Evaluate(context.Background(), job(t, evaluation.Triple{}, map[string]any{"expected_tools": []any{}}))
	require.NoError(t, err)
	assert.Equal(t, 1.0, v.Score)

	v, err = m.Evaluate(context.Background(), job(t, evaluation.Triple{}, nil))
	require.NoError(t, err)
	assert.Equal(t, 1.0, v.Score)
}

func TestToolCorrectness_JudgeVerdicts(t *testing.T) {
	fake := judgetest.Static(`{"verdicts":[
		{"tool":"search_flights","correct":true,"reason":"needed"},
		{"tool":"book_flight","correct":false,"reason":"user only asked to search"}
	],"reason":"one unnecessary call"}`)
	m := NewToolCorrectness(fake)
	triple := evaluation.Triple{Input: "find flights", Tools: []string{"search_flights", "book_flight"}, ToolCalls: calls("search_flights", "book_flight")}

	v, err := m.Evaluate(context.Background(), job(t, triple, nil))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, v.Score, 1e-9)
	assert.Equal(t, "one unnecessary call", v.Reasoning)
	assert.Contains(t, fake.Prompts()[0], "Available tools: search_flights, book_flight")
}

func TestArgumentCorrectness(t *testing.T) {
	t.Run("no calls", func(t *testing.T) {
		fake := judgetest.Static(`{}`)
		v, err := NewArgumentCorrectness(fake).Evaluate(context.Background(), job(t, evaluation.Triple{}, nil))
		require.NoError(t, err)
		assert.Equal(t, 1.0, v.Score)
		assert.NotEmpty(t, v.Reasoning)
		assert.Zero(t, fake.Calls())
	})

	t.Run("loosely typed verdicts", func(t *testing.T) {
		fake := judgetest.Static(`{"verdicts":[{"tool":"a","correct":"true"},{"tool":"b","correct":"false"},{"tool":"c","correct":true}]}`)
		v, err := NewArgumentCorrectness(fake).Evaluate(context.Background(), job(t, evaluation.Triple{ToolCalls: calls("a", "b", "c")}, nil))
		require.NoError(t, err)
		assert.InDelta(t, 2.0/3.0, v.Score, 1e-9)
		assert.Contains(t, fake.Prompts()[0], `{"q":"x"}`)
	})

	t.Run("missing verdict counts as incorrect", func(t *testing.T) {
		fake := judgetest.Static(`{"verdicts":[{"tool":"a","correct":true}]}`)
		v, err := NewArgumentCorrectness(fake).Evaluate(context.Background(), job(t, evaluation.Triple{ToolCalls: calls("a", "b")}, nil))
		require.NoError(t, err)
		assert.InDelta(t, 0.5, v.Score, 1e-9)
	})

	t.Run("no verdicts", func(t *testing.T) {
		fake := judgetest.Static(`not json`)
		_, err := NewArgumentCorrectness(fake).Evaluate(context.Background(), job(t, evaluation.Triple{ToolCalls: calls("a")}, nil))
		assert.ErrorIs(t, err, ErrNoScore)
	})
}

func TestContextualPrecision(t *testing.T) {
	fake := judgetest.Static(`{"verdicts":[{"verdict":"yes","reason":"r1"},{"verdict":"no","reason":"r2"},{"verdict":"yes","reason":"r3"}]}`)
	m := NewContextualPrecision(fake)
	triple := evaluation.Triple{Input: "q", Output: "a", Context: []string{"n1", "n2", "n3"}}

	v, err := m.Evaluate(context.Background(), job(t, triple, map[string]any{"expected_output": "the answer"}))
	require.NoError(t, err)
	assert.InDelta(t, (1.0+2.0/3.0)/2, v.Score, 1e-9)
	assert.Contains(t, fake.Prompts()[0], "Expected output:\nthe answer")
	assert.Contains(t, fake.Prompts()[0], "3. n3")
}

func TestContextualPrecision_MissingContext(t *testing.T) {
	fake := judgetest.Static(`{}`)
	_, err := NewContextualPrecision(fake).Evaluate(context.Background(), job(t, evaluation.Triple{Input: "q"}, nil))
	assert.ErrorIs(t, err, ErrMissingContext)
	assert.Zero(t, fake.Calls())
}

func TestWeightedPrecision(t *testing.T) {
	assert.Equal(t, 1.0, WeightedPrecision([]bool{true, true}))
	assert.Equal(t, 0.5, WeightedPrecision([]bool{false, true}))
	assert.Equal(t, 0.0, WeightedPrecision([]bool{false, false}))
	assert.Equal(t, 0.0, WeightedPrecision(nil))
}

func TestNameSimilarity(t *testing.T) {
	assert.True(t, sameTool("get_weather", "Get-Weather"))
	assert.True(t, sameTool("get_weather", "get_wether"))
	assert.False(t, sameTool("get_weather", "send_email"))
}
