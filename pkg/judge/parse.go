package judge

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Verdict is the common shape judges are prompted to answer with.
type Verdict struct {
	Score     *float64 `json:"score" validate:"required,gte=0,lte=1"`
	Reason    string   `json:"reason"`
	Reasoning string   `json:"reasoning"`
}

// Explanation returns whichever of reason/reasoning the judge filled in.
func (v Verdict) Explanation() string {
	if v.Reasoning != "" {
		return v.Reasoning
	}
	return v.Reason
}

// ExtractJSON pulls the first JSON object out of an LLM reply: a ```json
// fence, then any fence holding an object, then the first balanced braces.
func ExtractJSON(response string) string {
	response = strings.TrimSpace(response)

	if start := strings.Index(response, "```json"); start != -1 {
		start += len("```json")
		if end := strings.Index(response[start:], "```"); end != -1 {
			return strings.TrimSpace(response[start : start+end])
		}
	}

	if start := strings.Index(response, "```"); start != -1 {
		start += 3
		if nl := strings.Index(response[start:], "\n"); nl != -1 {
			start += nl + 1
		}
		if end := strings.Index(response[start:], "```"); end != -1 {
			candidate := strings.TrimSpace(response[start : start+end])
			if strings.HasPrefix(candidate, "{") {
				return candidate
			}
		}
	}

	start := strings.Index(response, "{")
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(response); i++ {
		c := response[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return response[start : i+1]
			}
		}
	}
	return ""
}

// DecodeJSON extracts the JSON object from response into out.
func DecodeJSON(response string, out any) error {
	raw := ExtractJSON(response)
	if raw == "" {
		return fmt.Errorf("no JSON object in judge response")
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("failed to decode judge JSON: %w", err)
	}
	return nil
}

// ParseVerdict decodes and validates a Verdict from response.
func ParseVerdict(response string) (Verdict, error) {
	var v Verdict
	if err := DecodeJSON(response, &v); err != nil {
		return Verdict{}, err
	}
	if err := validate.Struct(v); err != nil {
		return Verdict{}, fmt.Errorf("invalid judge verdict: %w", err)
	}
	return v, nil
}

var (
	scoreLine    = regexp.MustCompile(`(?im)^\W*score\W*[:=]\s*([0-9]*\.?[0-9]+)`)
	// "rated 0.4", "the score is .9", "rating of 1"
	scoreWord    = regexp.MustCompile(`(?i)\b(?:score[ds]?|rat(?:e|ed|ing))\b(?:\s+(?:is|of|this|it|at|as))*\s*[:=]?\s*([0-9]*\.?[0-9]+)`)
	// "0.6/1", "0.6 out of 1"
	unitFraction = regexp.MustCompile(`(?i)(?:^|[^0-9.])([0-9]*\.?[0-9]+)\s*(?:/|out of)\s*1(?:\.0+)?(?:[^0-9.]|$)`)
)

// ScoreFromText recovers a score from a reply without usable JSON. Only
// numbers in a score context count: a "score: x" line, a number after
// score/rate/rating, or a fraction of 1. Step numbers and counts are ignored.
func ScoreFromText(response string) (float64, bool) {
	for _, re := range []*regexp.Regexp{scoreLine, scoreWord, unitFraction} {
		m := re.FindStringSubmatch(response)
		if m == nil {
			continue
		}
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v >= 0 && v <= 1 {
			return v, true
		}
	}
	return 0, false
}

// NewResult parses raw into a Result. An unparseable reply is not an error;
// HasScore stays false and methods apply their own fallbacks.
func NewResult(provider, model, raw string, tokensIn, tokensOut int) *Result {
	res := &Result{
		Raw:       raw,
		Provider:  provider,
		Model:     model,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
	}

	var fields map[string]any
	if err := DecodeJSON(raw, &fields); err == nil {
		res.Metadata = fields
	}

	if v, err := ParseVerdict(raw); err == nil {
		res.Score = *v.Score
		res.HasScore = true
		res.Reasoning = v.Explanation()
		return res
	}

	if res.Metadata != nil {
		if s, ok := res.Metadata["reasoning"].(string); ok {
			res.Reasoning = s
		} else if s, ok := res.Metadata["reason"].(string); ok {
			res.Reasoning = s
		}
	} else {
		res.Reasoning = strings.TrimSpace(raw)
	}
	res.Score, res.HasScore = ScoreFromText(raw)
	return res
}
