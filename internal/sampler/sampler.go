// Package sampler holds the explicit per-component uncertainty state of
// the sampled scoring mode and updates it with cluster Metropolis
// moves. Exactly one worker per ensemble unit owns a Sampler; everyone
// else receives sigma through the ensemble collectives.
package sampler

import (
	"fmt"
	"math"
	"math/rand"

	"gmmfit/internal/gmm"
)

// Config sets up the Monte Carlo mover. Step and SigmaInit are consumed
// relative to the median data self-overlap, the way the blur-corrected
// map units demand.
type Config struct {
	// Step is the maximum collective shift, scaled by the median
	// self-overlap at New.
	Step float64
	// Stride is the step interval between Monte Carlo trials.
	Stride int64
	// Cut is the spatial cutoff of the cluster neighborhoods.
	Cut float64
	// Prior is the exponent of the Jeffreys-like prior
	// p(sigma) = 1/sigma^(2*Prior-1); it biases sampling toward small
	// uncertainty and never enters the reported score.
	Prior float64
	// SigmaInit seeds sigma at SigmaInit times the median self-overlap,
	// clamped into the per-component bounds.
	SigmaInit float64
	// KbT is the thermal energy of the Metropolis criterion.
	KbT float64
	// Rand is the single generator of the instance; the sampler is its
	// only consumer.
	Rand *rand.Rand
}

// Sampler owns the mutable sigma vector, its bounds, and the static
// cluster neighborhoods.
type Sampler struct {
	cfg  Config
	step float64 // Config.Step scaled by the median self-overlap

	data  *gmm.Data
	neigh [][]int

	sigma    []float64
	sigmaMin []float64
	sigmaMax []float64

	accepted int64
	first    int64
}

// New derives bounds and the initial sigma from the data statistics and
// builds the static neighborhood arena. The neighborhoods are never
// recomputed during sampling.
func New(d *gmm.Data, cfg Config) (*Sampler, error) {
	if cfg.SigmaInit <= 0 {
		return nil, fmt.Errorf("sampling requires a positive initial uncertainty, got %v", cfg.SigmaInit)
	}
	if cfg.Step < 0 {
		return nil, fmt.Errorf("monte carlo step must be non-negative, got %v", cfg.Step)
	}
	if cfg.Step > 0 && cfg.Stride <= 0 {
		return nil, fmt.Errorf("monte carlo moves require a positive stride, got %d", cfg.Stride)
	}
	if cfg.Step > 0 && cfg.Cut <= 0 {
		return nil, fmt.Errorf("monte carlo moves require a positive cluster cutoff, got %v", cfg.Cut)
	}
	if cfg.KbT <= 0 {
		return nil, fmt.Errorf("thermal energy must be positive, got %v", cfg.KbT)
	}
	if cfg.Rand == nil && cfg.Step > 0 {
		return nil, fmt.Errorf("monte carlo moves require a random source")
	}

	s := &Sampler{
		cfg:      cfg,
		step:     cfg.Step * d.Stats.Median,
		data:     d,
		sigma:    make([]float64, d.Len()),
		sigmaMin: make([]float64, d.Len()),
		sigmaMax: make([]float64, d.Len()),
		first:    -1,
	}
	for i := 0; i < d.Len(); i++ {
		s.sigmaMin[i] = d.ErrRMS[i]
		s.sigmaMax[i] = 2*d.Stats.Max + d.ErrRMS[i] + s.step
		s.sigma[i] = math.Max(s.sigmaMin[i], math.Min(s.sigmaMax[i], cfg.SigmaInit*d.Stats.Median))
	}

	s.neigh = make([][]int, d.Len())
	for i := range s.neigh {
		for j := 0; j < d.Len(); j++ {
			if d.Means[i].Sub(d.Means[j]).Norm() <= cfg.Cut {
				s.neigh[i] = append(s.neigh[i], j)
			}
		}
	}
	return s, nil
}

// Sigma exposes the live uncertainty vector. Callers outside the owner
// treat it as read-only.
func (s *Sampler) Sigma() []float64 { return s.sigma }

// SetSigma restores a checkpointed vector, clamping nothing: persisted
// values were produced inside the bounds.
func (s *Sampler) SetSigma(sigma []float64) error {
	if len(sigma) != len(s.sigma) {
		return fmt.Errorf("checkpoint has %d components, data GMM has %d", len(sigma), len(s.sigma))
	}
	copy(s.sigma, sigma)
	return nil
}

// InvS2 fills dst with 1/(sigmaMean^2 + sigma^2) per component.
func (s *Sampler) InvS2(dst []float64) {
	for i := range dst {
		sm := s.data.SigmaMean[i]
		dst[i] = 1.0 / (sm*sm + s.sigma[i]*s.sigma[i])
	}
}

// Neighborhood exposes the static cluster of a component.
func (s *Sampler) Neighborhood(i int) []int { return s.neigh[i] }

// reflect mirrors a proposal off the bounds; with a shift bounded by
// the step the mirrored value lands inside [min,max].
func reflect(v, lo, hi float64) float64 {
	if v > hi {
		v = 2*hi - v
	}
	if v < lo {
		v = 2*lo - v
	}
	return v
}

// Move runs one cluster Metropolis trial: pick a component uniformly,
// shift the sigma of its whole neighborhood by one shared scalar with
// boundary reflection, and accept or reject the summed energy change
// (including the prior term) for the cluster as a whole.
func (s *Sampler) Move(ovmd []float64, scale float64) bool {
	pick := s.cfg.Rand.Intn(s.data.Len())
	shift := s.step * (2.0*s.cfg.Rand.Float64() - 1.0)

	cluster := s.neigh[pick]
	next := make([]float64, len(cluster))
	oldEne := 0.0
	newEne := 0.0
	for j, i := range cluster {
		dev := scale*ovmd[i] - s.data.SelfOverlap[i]
		pre := 0.5 * s.cfg.KbT * dev * dev
		sm2 := s.data.SigmaMean[i] * s.data.SigmaMean[i]

		oldS2 := sm2 + s.sigma[i]*s.sigma[i]
		oldEne += pre/oldS2 + s.cfg.KbT*s.cfg.Prior*math.Log(oldS2)

		ns := reflect(s.sigma[i]+shift, s.sigmaMin[i], s.sigmaMax[i])
		newS2 := sm2 + ns*ns
		newEne += pre/newS2 + s.cfg.KbT*s.cfg.Prior*math.Log(newS2)
		next[j] = ns
	}

	if !s.accept(oldEne, newEne) {
		return false
	}
	for j, i := range cluster {
		s.sigma[i] = next[j]
	}
	s.accepted++
	return true
}

// accept applies the Metropolis criterion; a negative energy change is
// always taken.
func (s *Sampler) accept(oldEne, newEne float64) bool {
	delta := (newEne - oldEne) / s.cfg.KbT
	if delta < 0 {
		return true
	}
	return s.cfg.Rand.Float64() < math.Exp(-delta)
}

// Accepted returns the acceptance counter, for publication to the
// workers that do not sample.
func (s *Sampler) Accepted() int64 { return s.accepted }

// SetAccepted restores the counter on workers receiving it from the
// owner.
func (s *Sampler) SetAccepted(n int64) { s.accepted = n }

// Acceptance latches the first step it is asked about and reports
// accepted moves over trials since then. The latch survives restarts:
// trials are counted from the first post-restart step.
func (s *Sampler) Acceptance(step int64) float64 {
	if s.cfg.Stride <= 0 {
		return 0
	}
	if s.first < 0 {
		s.first = step
	}
	trials := math.Floor(float64(step-s.first)/float64(s.cfg.Stride)) + 1.0
	return float64(s.accepted) / trials
}
