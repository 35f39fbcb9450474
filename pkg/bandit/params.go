package bandit

import (
	"math"
	"math/rand"

	"github.com/snow-ghost/skilltuner/pkg/router/core"
)

// ArmSpec describes an arm to create during regeneration
type ArmSpec struct {
	SystemPrompt string         `json:"system_prompt" yaml:"system_prompt"`
	Params       core.ArmParams `json:"params" yaml:"params"`
}

// SampledParams are point values drawn from an arm's ranges at dispatch time.
// Nil fields leave the provider default in place.
type SampledParams struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	TopK             *int     `json:"top_k,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	ThinkingBudget   *int     `json:"thinking_budget,omitempty"`
}

// SampleParams draws a uniform value inside every configured range of the arm.
func SampleParams(arm *core.Arm, rng *rand.Rand) SampledParams {
	var out SampledParams
	p := arm.Params
	out.Temperature = sampleFloat(p.Temperature, rng)
	out.TopP = sampleFloat(p.TopP, rng)
	out.TopK = sampleInt(p.TopK, rng)
	out.FrequencyPenalty = sampleFloat(p.FrequencyPenalty, rng)
	out.PresencePenalty = sampleFloat(p.PresencePenalty, rng)
	out.ThinkingBudget = sampleInt(p.ThinkingBudget, rng)
	return out
}

func sampleFloat(r *core.ParamRange, rng *rand.Rand) *float64 {
	if r == nil {
		return nil
	}
	lo, hi := r.Min, r.Max
	if hi < lo {
		lo, hi = hi, lo
	}
	v := lo + rng.Float64()*(hi-lo)
	return &v
}

func sampleInt(r *core.ParamRange, rng *rand.Rand) *int {
	if r == nil {
		return nil
	}
	lo, hi := int(math.Ceil(math.Min(r.Min, r.Max))), int(math.Floor(math.Max(r.Min, r.Max)))
	if hi < lo {
		v := lo
		return &v
	}
	v := lo + rng.Intn(hi-lo+1)
	return &v
}

// Apply writes the sampled values and the arm's system prompt onto a
// canonical request. An existing system message is replaced.
func (s SampledParams) Apply(req *core.ChatRequest, systemPrompt string) {
	if s.Temperature != nil {
		req.Temperature = float32(*s.Temperature)
	}
	if s.TopP != nil {
		req.TopP = float32(*s.TopP)
	}
	if s.TopK != nil {
		req.TopK = *s.TopK
	}
	if s.FrequencyPenalty != nil {
		req.FrequencyPenalty = float32(*s.FrequencyPenalty)
	}
	if s.PresencePenalty != nil {
		req.PresencePenalty = float32(*s.PresencePenalty)
	}
	if s.ThinkingBudget != nil {
		req.ThinkingBudget = *s.ThinkingBudget
	}

	if systemPrompt == "" {
		return
	}
	for i := range req.Messages {
		if req.Messages[i].Role == "system" {
			req.Messages[i].Content = systemPrompt
			return
		}
	}
	req.Messages = append([]core.Message{{Role: "system", Content: systemPrompt}}, req.Messages...)
}

// DefaultArmSpecs returns the initial grid used for a first optimization
// pass: the skill's system prompt at low, mid and high temperature.
func DefaultArmSpecs(skill *core.Skill) []ArmSpec {
	topP := func() *core.ParamRange { return &core.ParamRange{Min: 0.9, Max: 1.0} }
	return []ArmSpec{
		{
			SystemPrompt: skill.SystemPrompt,
			Params:       core.ArmParams{Temperature: &core.ParamRange{Min: 0.0, Max: 0.3}, TopP: topP()},
		},
		{
			SystemPrompt: skill.SystemPrompt,
			Params:       core.ArmParams{Temperature: &core.ParamRange{Min: 0.3, Max: 0.7}, TopP: topP()},
		},
		{
			SystemPrompt: skill.SystemPrompt,
			Params:       core.ArmParams{Temperature: &core.ParamRange{Min: 0.7, Max: 1.0}, TopP: topP()},
		},
	}
}
