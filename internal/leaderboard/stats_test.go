package leaderboard

import (
	"math"
	"testing"
)

func TestMedian(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   []float64
		want float64
	}{
		{"empty", nil, 0},
		{"single", []float64{3}, 3},
		{"odd", []float64{5, 1, 3}, 3},
		{"even", []float64{4, 1, 3, 2}, 2.5},
	}
	for _, tc := range cases {
		if got := median(tc.in); got != tc.want {
			t.Errorf("%s: median = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestPercentileInterpolates(t *testing.T) {
	t.Parallel()

	xs := []float64{0, 10, 20, 30, 40}
	if got := percentile(xs, 50); got != 20 {
		t.Errorf("p50 = %v, want 20", got)
	}
	if got := percentile(xs, 25); got != 10 {
		t.Errorf("p25 = %v, want 10", got)
	}
	if got := percentile(xs, 97.5); math.Abs(got-39) > 1e-9 {
		t.Errorf("p97.5 = %v, want 39", got)
	}
}

func TestWinsorizeClampsTails(t *testing.T) {
	t.Parallel()

	xs := make([]float64, 100)
	for i := range xs {
		xs[i] = float64(i)
	}
	xs[99] = 1e6 // outlier

	w := winsorize(xs)
	hi := percentile(xs, 97.5)
	for i, v := range w {
		if v > hi {
			t.Fatalf("winsorized[%d] = %v exceeds p97.5 %v", i, v, hi)
		}
	}
	// Interior values untouched.
	if w[50] != 50 {
		t.Errorf("winsorized[50] = %v, want 50", w[50])
	}
}

func TestLogGrowthFloorsTotalLoss(t *testing.T) {
	t.Parallel()

	if got := logGrowth(-1.0); math.IsInf(got, -1) {
		t.Fatal("logGrowth(-1) must be floored, got -Inf")
	}
	want := math.Log(1 + logGrowthFloor)
	if got := logGrowth(-5.0); math.Abs(got-want) > 1e-12 {
		t.Errorf("logGrowth(-5) = %v, want floored %v", got, want)
	}
	if got := logGrowth(0.5); math.Abs(got-math.Log(1.5)) > 1e-12 {
		t.Errorf("logGrowth(0.5) = %v, want %v", got, math.Log(1.5))
	}
}

func TestExpectedValue(t *testing.T) {
	t.Parallel()

	// Two wins with returns 0.5 and 0.3, one loss with return -0.2.
	// winRate = 2/3, ev = 2/3·0.4 − 1/3·0.2 = 0.2.
	returns := []float64{0.5, 0.3, -0.2}
	pnls := []float64{10, 6, -4}
	if got := expectedValue(returns, pnls); math.Abs(got-0.2) > 1e-9 {
		t.Errorf("ev = %v, want 0.2", got)
	}
}
