// Package score turns model/data overlaps into the Bayesian biasing
// energy, its per-atom derivatives, and the virial, in either the
// closed-form marginal mode or the explicitly sampled mode.
package score

// FitScale computes the unweighted least-squares global scale between
// model and data overlaps. Degenerate accumulators fall back to 1.
func FitScale(ovmd, ovdd []float64) float64 {
	bn := 0.0
	bd := 0.0
	for i := range ovmd {
		bn += ovmd[i] * ovdd[i]
		bd += ovmd[i] * ovmd[i]
	}
	if bd <= 0 || bn <= 0 {
		return 1
	}
	return bn / bd
}

// FitScaleWeighted is the inverse-variance-weighted fit used in the
// sampled mode.
func FitScaleWeighted(ovmd, ovdd, invS2 []float64) float64 {
	bn := 0.0
	bd := 0.0
	for i := range ovmd {
		bn += ovmd[i] * ovdd[i] * invS2[i]
		bd += ovmd[i] * ovmd[i] * invS2[i]
	}
	if bd <= 0 || bn <= 0 {
		return 1
	}
	return bn / bd
}
