package stats

import (
	"math"

	"github.com/snow-ghost/skilltuner/pkg/router/core"
)

// Update folds one reward into the accumulator using Welford's single-pass algorithm.
// The caller is responsible for clamping the reward.
func Update(s core.ArmStats, reward float64) core.ArmStats {
	s.N++
	delta := reward - s.Mean
	s.Mean += delta / float64(s.N)
	delta2 := reward - s.Mean
	s.N2 += delta * delta2
	s.TotalReward += reward
	return s
}

// Variance returns the population variance N2/N, or 0 when nothing was observed.
func Variance(s core.ArmStats) float64 {
	if s.N == 0 {
		return 0
	}
	return s.N2 / float64(s.N)
}

// StdDev returns the population standard deviation.
func StdDev(s core.ArmStats) float64 {
	return math.Sqrt(Variance(s))
}

// Merge combines two independent accumulators (Chan et al. parallel update).
func Merge(a, b core.ArmStats) core.ArmStats {
	if a.N == 0 {
		return b
	}
	if b.N == 0 {
		return a
	}
	n := a.N + b.N
	delta := b.Mean - a.Mean
	mean := a.Mean + delta*float64(b.N)/float64(n)
	n2 := a.N2 + b.N2 + delta*delta*float64(a.N)*float64(b.N)/float64(n)
	return core.ArmStats{
		N:           n,
		Mean:        mean,
		N2:          n2,
		TotalReward: a.TotalReward + b.TotalReward,
	}
}

// Clamp limits v to [lo, hi]. NaN collapses to lo.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampUnit limits a reward to [0, 1].
func ClampUnit(v float64) float64 {
	return Clamp(v, 0, 1)
}

// MoveMean shifts a running vector mean toward x, where n is the number of
// observations already folded into mean. mean is updated in place.
func MoveMean(mean, x []float64, n int64) {
	if len(mean) != len(x) {
		return
	}
	denom := float64(n + 1)
	for i := range mean {
		mean[i] += (x[i] - mean[i]) / denom
	}
}

// WeightedMean combines two vector means weighted by their observation counts.
func WeightedMean(a []float64, na int64, b []float64, nb int64) []float64 {
	out := make([]float64, len(a))
	total := float64(na + nb)
	if total == 0 || len(a) != len(b) {
		copy(out, a)
		return out
	}
	for i := range a {
		out[i] = (a[i]*float64(na) + b[i]*float64(nb)) / total
	}
	return out
}
