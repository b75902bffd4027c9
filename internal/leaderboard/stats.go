package leaderboard

import (
	"math"
	"sort"
)

// logGrowthFloor clamps per-trade returns so a total loss contributes
// log(0.01) instead of negative infinity.
const logGrowthFloor = -0.99

// median returns the middle value of xs, averaging the two central values
// for even lengths. Empty input yields 0.
func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

// mean returns the arithmetic mean, 0 for empty input.
func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// percentile returns the p-th percentile (0..100) by linear interpolation
// between closest ranks.
func percentile(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	if len(s) == 1 {
		return s[0]
	}

	rank := p / 100 * float64(len(s)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return s[lo]
	}
	frac := rank - float64(lo)
	return s[lo]*(1-frac) + s[hi]*frac
}

// winsorize clamps every value to the [2.5, 97.5] percentile band of xs.
func winsorize(xs []float64) []float64 {
	if len(xs) == 0 {
		return nil
	}
	lo := percentile(xs, 2.5)
	hi := percentile(xs, 97.5)
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = math.Min(math.Max(x, lo), hi)
	}
	return out
}

// logGrowth returns log(1 + max(r, floor)) for a per-trade return r.
func logGrowth(r float64) float64 {
	return math.Log(1 + math.Max(r, logGrowthFloor))
}

// expectedValue computes winRate·median(win returns) − (1−winRate)·|median(loss returns)|.
func expectedValue(returns []float64, pnls []float64) float64 {
	var winReturns, lossReturns []float64
	wins, losses := 0, 0
	for i, r := range returns {
		if pnls[i] > 0 {
			wins++
			winReturns = append(winReturns, r)
		} else {
			losses++
			lossReturns = append(lossReturns, r)
		}
	}
	if wins+losses == 0 {
		return 0
	}
	winRate := float64(wins) / float64(wins+losses)
	return winRate*median(winReturns) - (1-winRate)*math.Abs(median(lossReturns))
}
