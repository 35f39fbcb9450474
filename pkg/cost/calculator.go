// Package cost prices judge calls from their token usage.
package cost

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrUnpriced is returned for a model missing from the price table.
var ErrUnpriced = errors.New("model has no pricing")

// Pricing is the per-1k-token price of a model
type Pricing struct {
	Currency    string  `json:"currency" yaml:"currency"`
	InputPer1K  float64 `json:"input_per_1k" yaml:"input_per_1k" validate:"gte=0"`
	OutputPer1K float64 `json:"output_per_1k" yaml:"output_per_1k" validate:"gte=0"`
}

// Table maps "provider:model" or bare model names to prices.
type Table map[string]Pricing

// Lookup prefers the provider-qualified entry over the bare model name.
func (t Table) Lookup(provider, model string) (Pricing, bool) {
	if p, ok := t[provider+":"+model]; ok {
		return p, true
	}
	p, ok := t[model]
	return p, ok
}

// LoadTable reads a YAML price table from path
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read price table %s: %w", path, err)
	}
	var table Table
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse price table: %w", err)
	}
	return table, nil
}

// Result is the priced breakdown of one call
type Result struct {
	InputCost    float64 `json:"input_cost"`
	OutputCost   float64 `json:"output_cost"`
	TotalCost    float64 `json:"total_cost"`
	Currency     string  `json:"currency"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
}

// CalcCost prices token counts, rounded to 6 decimal places.
func CalcCost(inputTokens, outputTokens int, p Pricing) (inputCost, outputCost, total float64) {
	inputCost = round6(float64(inputTokens) * p.InputPer1K / 1000.0)
	outputCost = round6(float64(outputTokens) * p.OutputPer1K / 1000.0)
	total = round6(inputCost + outputCost)
	return inputCost, outputCost, total
}

func round6(v float64) float64 {
	return math.Round(v*1000000) / 1000000
}

// Calculator prices calls against a Table
type Calculator struct {
	table Table
}

// NewCalculator creates a calculator. A nil table prices nothing.
func NewCalculator(table Table) *Calculator {
	return &Calculator{table: table}
}

// Cost prices a call of model at provider.
func (c *Calculator) Cost(provider, model string, inputTokens, outputTokens int) (*Result, error) {
	pricing, ok := c.table.Lookup(provider, model)
	if !ok {
		return nil, fmt.Errorf("%w: %s:%s", ErrUnpriced, provider, model)
	}

	inputCost, outputCost, total := CalcCost(inputTokens, outputTokens, pricing)
	currency := pricing.Currency
	if currency == "" {
		currency = "USD"
	}
	return &Result{
		InputCost:    inputCost,
		OutputCost:   outputCost,
		TotalCost:    total,
		Currency:     currency,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	}, nil
}
