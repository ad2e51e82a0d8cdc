package gmm

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"gmmfit/internal/model"
)

// CFact is the Gaussian-product normalization (2*pi)^-1.5.
const CFact = 0.06349363593424097

// Params controls the derived per-component statistics of the data GMM.
// The hot and cold factors set the relative uncertainty in the mean
// estimate for components of class 1 and 0 respectively.
type Params struct {
	SigmaMeanHot  float64
	SigmaMeanCold float64
}

// OverlapStats summarizes the data-GMM self-overlap distribution; the
// median anchors the Monte Carlo step scale and min/max bound sigma.
type OverlapStats struct {
	Median  float64
	Average float64
	Min     float64
	Max     float64
}

// Data is the static data-side GMM plus derived per-component
// statistics. Everything here is frozen after Load; the sampled
// uncertainty state lives in the sampler, not in the store.
type Data struct {
	Means   []model.Vec
	Covs    []model.Sym
	Weights []float64
	Beta    []int

	// SelfOverlap is the dense, unpruned overlap of each component
	// with the whole data GMM, the normalization baseline.
	SelfOverlap []float64
	// SigmaMean is the class-scaled uncertainty in the mean estimate.
	SigmaMean []float64
	// ErrRMS is the per-component RMS experimental error, zero when no
	// error table was supplied.
	ErrRMS []float64

	Stats     OverlapStats
	TotalMass float64
}

// PairPrefactor computes the overlap prefactor and the inverse of the
// summed covariances for a pair of Gaussians.
func PairPrefactor(cov0, cov1 model.Sym, w0, w1 float64) (float64, model.Sym) {
	sum := cov0.Add(cov1)
	pre := CFact / math.Sqrt(sum.Det()) * w0 * w1
	return pre, sum.Inverse()
}

// Overlap evaluates the Gaussian-product integral between two
// components separated by diff, together with its derivative with
// respect to the first mean.
func Overlap(diff model.Vec, pre float64, inv model.Sym) (float64, model.Vec) {
	p := inv.MulVec(diff)
	ov := pre * math.Exp(-0.5*diff.Dot(p))
	return ov, p.Scale(ov)
}

// Load validates the pre-parsed records and derives the static
// per-component statistics. Validation failures are fatal by design:
// a non-positive-definite covariance, a non-positive weight, or an
// out-of-range class label poisons every downstream quantity.
func Load(records []model.ComponentRecord, errs []model.ErrorRecord, p Params) (*Data, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("data GMM is empty")
	}
	d := &Data{
		Means:   make([]model.Vec, 0, len(records)),
		Covs:    make([]model.Sym, 0, len(records)),
		Weights: make([]float64, 0, len(records)),
		Beta:    make([]int, 0, len(records)),
	}
	for _, rec := range records {
		if !rec.Cov.PositiveDefinite() {
			return nil, fmt.Errorf("component %d: covariance matrix is not positive definite", rec.ID)
		}
		if rec.Weight <= 0 {
			return nil, fmt.Errorf("component %d: weight must be positive", rec.ID)
		}
		if rec.Beta != 0 && rec.Beta != 1 {
			return nil, fmt.Errorf("component %d: class label must be 0 or 1, got %d", rec.ID, rec.Beta)
		}
		d.Means = append(d.Means, rec.Mean)
		d.Covs = append(d.Covs, rec.Cov)
		d.Weights = append(d.Weights, rec.Weight)
		d.Beta = append(d.Beta, rec.Beta)
	}
	d.TotalMass = floats.Sum(d.Weights)

	d.SelfOverlap = make([]float64, d.Len())
	for i := range d.SelfOverlap {
		d.SelfOverlap[i] = d.selfOverlap(i)
	}
	sorted := append([]float64(nil), d.SelfOverlap...)
	sort.Float64s(sorted)
	d.Stats = OverlapStats{
		Median:  stat.Quantile(0.5, stat.Empirical, sorted, nil),
		Average: floats.Sum(sorted) / float64(len(sorted)),
		Min:     sorted[0],
		Max:     sorted[len(sorted)-1],
	}

	d.ErrRMS = make([]float64, d.Len())
	for _, er := range errs {
		if er.ID < 0 || er.ID >= d.Len() {
			return nil, fmt.Errorf("error record for unknown component %d", er.ID)
		}
		if len(er.Errors) == 0 {
			return nil, fmt.Errorf("error record for component %d has no magnitudes", er.ID)
		}
		sum2 := 0.0
		for _, e := range er.Errors {
			sum2 += e * e
		}
		d.ErrRMS[er.ID] = math.Sqrt(sum2 / float64(len(er.Errors)))
	}

	d.SigmaMean = make([]float64, d.Len())
	for i := range d.SigmaMean {
		if d.Beta[i] == 1 {
			d.SigmaMean[i] = p.SigmaMeanHot * d.SelfOverlap[i]
		} else {
			d.SigmaMean[i] = p.SigmaMeanCold * d.SelfOverlap[i]
		}
	}
	return d, nil
}

func (d *Data) Len() int { return len(d.Means) }

// selfOverlap sums the dense all-pairs overlap of component id with
// every component, without pruning or periodicity.
func (d *Data) selfOverlap(id int) float64 {
	total := 0.0
	for i := range d.Means {
		pre, inv := PairPrefactor(d.Covs[id], d.Covs[i], d.Weights[id], d.Weights[i])
		ov, _ := Overlap(d.Means[id].Sub(d.Means[i]), pre, inv)
		total += ov
	}
	return total
}

// Sigma0 returns the fixed marginal-mode deviation scale,
// sqrt(err^2 + sigmaMean^2), per component.
func (d *Data) Sigma0() []float64 {
	out := make([]float64, d.Len())
	for i := range out {
		out[i] = math.Sqrt(d.ErrRMS[i]*d.ErrRMS[i] + d.SigmaMean[i]*d.SigmaMean[i])
	}
	return out
}

// RelativeErrorStats reports the ErrRMS/SelfOverlap distribution for
// the initialization log; meaningful only when an error table was
// loaded.
func (d *Data) RelativeErrorStats() OverlapStats {
	rel := make([]float64, d.Len())
	for i := range rel {
		rel[i] = d.ErrRMS[i] / d.SelfOverlap[i]
	}
	sort.Float64s(rel)
	return OverlapStats{
		Median:  stat.Quantile(0.5, stat.Empirical, rel, nil),
		Average: floats.Sum(rel) / float64(len(rel)),
		Min:     rel[0],
		Max:     rel[len(rel)-1],
	}
}
