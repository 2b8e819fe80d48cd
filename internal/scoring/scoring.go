// Package scoring implements dynamic challenge values that decay with solves.
package scoring

import "math"

// Params are the decay parameters of one challenge
type Params struct {
	Initial int
	Minimum int
	Decay   int
}

// Recompute returns the challenge value after solveCount solves. The first
// solve does not decay the value; the curve is quadratic in the remaining
// solves and never drops below Minimum.
func Recompute(p Params, solveCount int) int {
	decay := float64(p.Decay)
	if decay == 0 {
		decay = 1
	}

	solves := float64(solveCount - 1)
	if solves < 0 {
		solves = 0
	}

	initial := float64(p.Initial)
	minimum := float64(p.Minimum)
	value := math.Ceil(initial + (minimum-initial)/(decay*decay)*(solves*solves))

	if value < minimum {
		return p.Minimum
	}
	return int(value)
}
