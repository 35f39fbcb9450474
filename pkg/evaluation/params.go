package evaluation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

var validate = validator.New()

// Parameter defaults shared by every method.
const (
	DefaultThreshold = 0.5
	DefaultBatchSize = 10
)

// Params is the decoded parameter bag of an Evaluation. Keys the common
// fields do not know land in Extra for the method to decode.
type Params struct {
	Model         string         `mapstructure:"model"`
	Temperature   *float64       `mapstructure:"temperature" validate:"omitempty,gte=0,lte=2"`
	Threshold     float64        `mapstructure:"threshold" validate:"gte=0,lte=1"`
	StrictMode    bool           `mapstructure:"strict_mode"`
	BatchSize     int            `mapstructure:"batch_size" validate:"gte=1,lte=100"`
	AsyncMode     bool           `mapstructure:"async_mode"`
	IncludeReason bool           `mapstructure:"include_reason"`
	Extra         map[string]any `mapstructure:",remain"`
}

// DefaultParams returns the parameters used for keys a bag leaves out.
func DefaultParams() Params {
	return Params{
		Threshold:     DefaultThreshold,
		BatchSize:     DefaultBatchSize,
		AsyncMode:     true,
		IncludeReason: true,
	}
}

// DecodeParams overlays bag onto DefaultParams and validates the result.
func DecodeParams(bag map[string]any) (Params, error) {
	p := DefaultParams()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &p,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Params{}, err
	}
	if err := decoder.Decode(bag); err != nil {
		return Params{}, fmt.Errorf("failed to decode parameters: %w", err)
	}
	if err := validate.Struct(p); err != nil {
		return Params{}, fmt.Errorf("invalid parameters: %w", err)
	}
	return p, nil
}

// EffectiveThreshold is the pass mark; strict mode forces it to 1.
func (p Params) EffectiveThreshold() float64 {
	if p.StrictMode {
		return 1.0
	}
	return p.Threshold
}

// ApplyStrict maps a score to exactly 1 or 0 in strict mode.
func (p Params) ApplyStrict(score float64) float64 {
	if !p.StrictMode {
		return score
	}
	if score == 1.0 {
		return 1.0
	}
	return 0.0
}

// DecodeExtra decodes the method-specific keys into out.
func (p Params) DecodeExtra(out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(p.Extra); err != nil {
		return fmt.Errorf("failed to decode method parameters: %w", err)
	}
	return nil
}

var commonProperties = map[string]any{
	"model":          map[string]any{"type": "string"},
	"temperature":    map[string]any{"type": "number", "minimum": 0, "maximum": 2},
	"threshold":      map[string]any{"type": "number", "minimum": 0, "maximum": 1},
	"strict_mode":    map[string]any{"type": "boolean"},
	"batch_size":     map[string]any{"type": "integer", "minimum": 1, "maximum": 100},
	"async_mode":     map[string]any{"type": "boolean"},
	"include_reason": map[string]any{"type": "boolean"},
}

// CommonSchema returns the JSON schema of the shared parameters.
func CommonSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": maps.Clone(commonProperties),
	}
}

func compileSchema(name string, methodProps map[string]any) (*jsonschema.Schema, error) {
	props := maps.Clone(commonProperties)
	maps.Copy(props, methodProps)

	doc := map[string]any{
		"$schema":              "https://json-schema.org/draft/2020-12/schema",
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}

	raw, err := jsonschemaValue(doc)
	if err != nil {
		return nil, err
	}

	url := name + ".params.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, raw); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile parameter schema: %w", err)
	}
	return schema, nil
}

// jsonschemaValue round-trips doc through JSON so numbers use the types
// the compiler expects.
func jsonschemaValue(doc map[string]any) (any, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize schema: %w", err)
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(data))
}
