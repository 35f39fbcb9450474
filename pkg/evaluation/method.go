// Package evaluation runs LLM-judge evaluators over captured logs and turns
// their verdicts into scored outputs and run-level aggregates.
package evaluation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/snow-ghost/skilltuner/pkg/router/core"
)

// ErrUnknownMethod is returned for a method name that is not registered.
var ErrUnknownMethod = errors.New("unknown evaluation method")

// MethodDetails describes a method for listings and validation messages.
type MethodDetails struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// UsesJudge is false for methods that score purely from the log.
	UsesJudge bool `json:"uses_judge"`
}

// Job is the unit of work handed to a method: one log, already extracted.
type Job struct {
	RunID  string
	Log    *core.Log
	Triple Triple
	Params Params
}

// Verdict is a method's raw judgement of one log, before strict mode and
// thresholding are applied by the pipeline.
type Verdict struct {
	Score     float64
	Reasoning string
	// Output is merged into the persisted LogOutput.Output payload.
	Output   map[string]any
	Metadata map[string]any
}

// Method is one evaluator variant. The pipeline owns batching, persistence
// and aggregation; a method only judges a single job.
type Method interface {
	Details() MethodDetails
	// ParameterSchema returns JSON-schema properties for method-specific
	// parameters. They are merged with the common parameter schema.
	ParameterSchema() map[string]any
	Evaluate(ctx context.Context, job Job) (*Verdict, error)
}

type registered struct {
	method Method
	schema *jsonschema.Schema
}

// Registry maps method names to methods. It is filled at startup.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]registered
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]registered)}
}

// Register adds m, compiling its parameter schema. Registering a name twice
// replaces the earlier method.
func (r *Registry) Register(m Method) error {
	name := m.Details().Name
	if name == "" {
		return fmt.Errorf("evaluation method has no name")
	}
	schema, err := compileSchema(name, m.ParameterSchema())
	if err != nil {
		return fmt.Errorf("method %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[name] = registered{method: m, schema: schema}
	return nil
}

// Get returns the method registered under name.
func (r *Registry) Get(name string) (Method, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.methods[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, name)
	}
	return reg.method, nil
}

// Details lists every registered method sorted by name.
func (r *Registry) Details() []MethodDetails {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]MethodDetails, 0, len(r.methods))
	for _, reg := range r.methods {
		out = append(out, reg.method.Details())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate checks a parameter bag against the method's schema and decodes it.
func (r *Registry) Validate(name string, bag map[string]any) (Params, error) {
	r.mu.RLock()
	reg, ok := r.methods[name]
	r.mu.RUnlock()
	if !ok {
		return Params{}, fmt.Errorf("%w: %q", ErrUnknownMethod, name)
	}

	if bag == nil {
		bag = map[string]any{}
	}
	// Normalize Go values (ints, typed slices) into the JSON data model.
	data, err := json.Marshal(bag)
	if err != nil {
		return Params{}, fmt.Errorf("failed to encode parameters: %w", err)
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Params{}, fmt.Errorf("failed to decode parameters: %w", err)
	}
	if err := reg.schema.Validate(value); err != nil {
		return Params{}, fmt.Errorf("invalid parameters for %s: %w", name, err)
	}
	return DecodeParams(bag)
}
