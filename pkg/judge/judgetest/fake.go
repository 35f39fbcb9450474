// Package judgetest provides a scripted Judge for tests.
package judgetest

import (
	"context"
	"sync"

	"github.com/snow-ghost/skilltuner/pkg/judge"
)

// Reply computes the raw judge text for a prompt.
type Reply func(prompt string) (string, error)

// Fake is a Judge whose replies come from a function. Calls are recorded.
type Fake struct {
	Reply Reply

	mu      sync.Mutex
	prompts []string
}

// Static returns a Fake that always answers raw.
func Static(raw string) *Fake {
	return &Fake{Reply: func(string) (string, error) { return raw, nil }}
}

func (f *Fake) Provider() string { return "fake" }
func (f *Fake) Model() string    { return "fake-judge" }

// Evaluate records prompt and parses the scripted reply.
func (f *Fake) Evaluate(ctx context.Context, prompt string, opts judge.Options) (*judge.Result, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := f.Reply(prompt)
	if err != nil {
		return nil, err
	}
	return judge.NewResult(f.Provider(), f.Model(), raw, len(prompt)/4, len(raw)/4), nil
}

// Prompts returns the prompts seen so far.
func (f *Fake) Prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

// Calls returns how many times Evaluate ran.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}
