package bandit

import (
	"math"

	"github.com/snow-ghost/skilltuner/pkg/router/core"
	"github.com/snow-ghost/skilltuner/pkg/stats"
)

// Policy scores an arm given the total number of pulls across its cluster.
// Higher scores are preferred. Arms with no pulls are handled by the engine.
type Policy interface {
	Name() string
	Score(s core.ArmStats, totalPulls int64) float64
}

// UCB1 is the classic upper confidence bound: mean + c*sqrt(2 ln N / n)
type UCB1 struct {
	C float64
}

// Name returns the policy name
func (p UCB1) Name() string { return PolicyUCB1 }

// Score computes the UCB1 index
func (p UCB1) Score(s core.ArmStats, totalPulls int64) float64 {
	if s.N == 0 {
		return math.Inf(1)
	}
	return s.Mean + p.C*math.Sqrt(2*math.Log(float64(totalPulls))/float64(s.N))
}

// UCB1Tuned bounds the exploration term by the arm's observed variance:
// mean + c*sqrt(ln N / n * min(1/4, var + sqrt(2 ln N / n)))
type UCB1Tuned struct {
	C float64
}

// Name returns the policy name
func (p UCB1Tuned) Name() string { return PolicyUCB1Tuned }

// Score computes the UCB1-Tuned index
func (p UCB1Tuned) Score(s core.ArmStats, totalPulls int64) float64 {
	if s.N == 0 {
		return math.Inf(1)
	}
	n := float64(s.N)
	logTotal := math.Log(float64(totalPulls))
	v := stats.Variance(s) + math.Sqrt(2*logTotal/n)
	return s.Mean + p.C*math.Sqrt(logTotal/n*math.Min(0.25, v))
}

// Greedy always exploits the best observed mean
type Greedy struct{}

// Name returns the policy name
func (Greedy) Name() string { return PolicyGreedy }

// Score returns the observed mean
func (Greedy) Score(s core.ArmStats, _ int64) float64 {
	if s.N == 0 {
		return math.Inf(1)
	}
	return s.Mean
}

const (
	PolicyUCB1      = "ucb1"
	PolicyUCB1Tuned = "ucb1-tuned"
	PolicyGreedy    = "greedy"
)

// NewPolicy resolves a policy by name. Unknown names fall back to UCB1-Tuned.
func NewPolicy(name string, c float64) Policy {
	if c <= 0 {
		c = 1.0
	}
	switch name {
	case PolicyUCB1:
		return UCB1{C: c}
	case PolicyGreedy:
		return Greedy{}
	default:
		return UCB1Tuned{C: c}
	}
}
