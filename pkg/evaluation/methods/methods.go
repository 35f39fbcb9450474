// Package methods holds the evaluation methods plugged into the pipeline
// registry.
package methods

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/go-viper/mapstructure/v2"

	"github.com/snow-ghost/skilltuner/pkg/evaluation"
	"github.com/snow-ghost/skilltuner/pkg/judge"
)

// Method names
const (
	TaskCompletionName      = "task_completion"
	ToolCorrectnessName     = "tool_correctness"
	ArgumentCorrectnessName = "argument_correctness"
	ContextualPrecisionName = "contextual_precision"
)

// ErrNoScore is returned when no score can be recovered from a judge reply.
var ErrNoScore = errors.New("judge reply carried no usable score")

// NameSimilarity is the minimum levenshtein similarity for two tool names
// to be treated as the same tool.
const NameSimilarity = 0.8

// Register adds every method to reg, all sharing j.
func Register(reg *evaluation.Registry, j judge.Judge) error {
	for _, m := range []evaluation.Method{
		NewTaskCompletion(j),
		NewToolCorrectness(j),
		NewArgumentCorrectness(j),
		NewContextualPrecision(j),
	} {
		if err := reg.Register(m); err != nil {
			return err
		}
	}
	return nil
}

func judgeOptions(p evaluation.Params) judge.Options {
	return judge.Options{
		Model:       p.Model,
		Temperature: p.Temperature,
		JSONMode:    true,
	}
}

var funcs = template.FuncMap{
	"add":  func(a, b int) int { return a + b },
	"join": strings.Join,
}

func mustTemplate(name, text string) *template.Template {
	return template.Must(template.New(name).Funcs(funcs).Parse(text))
}

func render(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s prompt: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}

// decodeMetadata decodes the JSON object of a judge reply into out,
// accepting loosely typed values such as "true" for booleans.
func decodeMetadata(res *judge.Result, out any) error {
	if res.Metadata == nil {
		return fmt.Errorf("judge reply has no JSON object")
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "json",
	})
	if err != nil {
		return err
	}
	return decoder.Decode(res.Metadata)
}

func normalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer("-", "_", " ", "_", ".", "_").Replace(name)
}

// nameSimilarity is 1 - distance/maxLen over normalized names.
func nameSimilarity(a, b string) float64 {
	a, b = normalizeName(a), normalizeName(b)
	if a == b {
		return 1.0
	}
	maxLen := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if maxLen == 0 {
		return 1.0
	}
	return 1.0 - float64(levenshtein.ComputeDistance(a, b))/float64(maxLen)
}

func sameTool(a, b string) bool {
	return nameSimilarity(a, b) >= NameSimilarity
}

// callVerdict is the judge's opinion of one recorded tool call.
type callVerdict struct {
	Tool    string `json:"tool"`
	Correct bool   `json:"correct"`
	Reason  string `json:"reason"`
}

type callVerdicts struct {
	Verdicts []callVerdict `json:"verdicts"`
	Reason   string        `json:"reason"`
}

// matchVerdicts pairs each call with a verdict: the same position when the
// names agree, otherwise the closest unused verdict by name. Calls left
// without a verdict count as incorrect.
func matchVerdicts(calls []evaluation.ToolCall, verdicts []callVerdict) (float64, []map[string]any) {
	if len(calls) == 0 {
		return 1.0, nil
	}

	used := make([]bool, len(verdicts))
	details := make([]map[string]any, len(calls))
	correct := 0
	for i, call := range calls {
		idx := -1
		if i < len(verdicts) && !used[i] && (verdicts[i].Tool == "" || sameTool(verdicts[i].Tool, call.Name)) {
			idx = i
		} else {
			best := NameSimilarity
			for j, v := range verdicts {
				if used[j] {
					continue
				}
				if s := nameSimilarity(v.Tool, call.Name); s >= best {
					best, idx = s, j
				}
			}
		}

		detail := map[string]any{"tool": call.Name, "correct": false}
		if idx >= 0 {
			used[idx] = true
			detail["correct"] = verdicts[idx].Correct
			detail["reason"] = verdicts[idx].Reason
			if verdicts[idx].Correct {
				correct++
			}
		} else {
			detail["reason"] = "no verdict returned for this call"
		}
		details[i] = detail
	}
	return float64(correct) / float64(len(calls)), details
}

type callView struct {
	Index     int
	Name      string
	Arguments string
}

func callViews(calls []evaluation.ToolCall) []callView {
	views := make([]callView, len(calls))
	for i, c := range calls {
		args := c.Arguments
		if args == "" {
			args = "{}"
		}
		views[i] = callView{Index: i + 1, Name: c.Name, Arguments: args}
	}
	return views
}
