// Package overlap evaluates model/data Gaussian overlaps: static pair
// precomputation, adaptive neighbor-list pruning, and the exact
// overlap/derivative engine.
package overlap

import (
	"fmt"
	"math"

	"gmmfit/internal/gmm"
	"gmmfit/internal/model"
)

const (
	// DefaultExpCutoff bounds the exponent range of the shared lookup
	// table; quadratic forms beyond it are treated as zero overlap.
	DefaultExpCutoff = 15.0
	// DefaultExpSamples is the table resolution over [0, cutoff].
	DefaultExpSamples = 1000000
)

// Table holds the static per-(atomType, dataComponent) interaction
// terms and the shared tabulated exponential. It is rebuilt only when
// the blur parameter or the GMM inputs change, never per step.
type Table struct {
	nComp  int
	nTypes int

	pre []float64
	inv []model.Sym

	tab  []float64
	dexp float64
}

// NewTable precomputes prefactors and inverse covariance sums for
// every (atom type, data component) pair and tabulates exp(-x) over
// [0, expCutoff] at expSamples points.
func NewTable(d *gmm.Data, m *gmm.Model, blur, expCutoff float64, expSamples int) (*Table, error) {
	if expCutoff <= 0 {
		return nil, fmt.Errorf("exponential cutoff must be positive, got %v", expCutoff)
	}
	if expSamples < 2 {
		return nil, fmt.Errorf("exponential table needs at least 2 samples, got %d", expSamples)
	}
	nTypes := m.Types.Len()
	nComp := d.Len()
	t := &Table{
		nComp:  nComp,
		nTypes: nTypes,
		pre:    make([]float64, nTypes*nComp),
		inv:    make([]model.Sym, nTypes*nComp),
	}
	for typeID := 0; typeID < nTypes; typeID++ {
		cov := m.Covariance(typeID, blur)
		for j := 0; j < nComp; j++ {
			pre, inv := gmm.PairPrefactor(cov, d.Covs[j], m.TypeWeights[typeID], d.Weights[j])
			k := t.Index(typeID, j)
			t.pre[k] = pre
			t.inv[k] = inv
		}
	}
	t.dexp = expCutoff / float64(expSamples-1)
	t.tab = make([]float64, expSamples)
	for i := range t.tab {
		t.tab[i] = math.Exp(-float64(i) * t.dexp)
	}
	return t, nil
}

// Index locates the pair entry for an atom type and a data component.
func (t *Table) Index(typeID, comp int) int { return typeID*t.nComp + comp }

func (t *Table) Prefactor(k int) float64 { return t.pre[k] }

func (t *Table) InvCov(k int) model.Sym { return t.inv[k] }

// ExpHalf approximates exp(-q/2) through the shared table. ok is false
// when q/2 falls beyond the tabulated range; such interactions are
// dropped by design, not an error.
func (t *Table) ExpHalf(q float64) (float64, bool) {
	itab := int(math.Round(0.5 * q / t.dexp))
	if itab < 0 || itab >= len(t.tab) {
		return 0, false
	}
	return t.tab[itab], true
}
