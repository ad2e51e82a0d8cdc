package sampler

import (
	"math"
	"math/rand"
	"testing"

	"gmmfit/internal/gmm"
	"gmmfit/internal/model"
)

func lineData(t *testing.T, n int, spacing float64) *gmm.Data {
	t.Helper()
	recs := make([]model.ComponentRecord, n)
	for i := range recs {
		recs[i] = model.ComponentRecord{
			ID:     i,
			Weight: 1,
			Mean:   model.Vec{spacing * float64(i), 0, 0},
			Cov:    model.Isotropic(0.02),
			Beta:   1,
		}
	}
	d, err := gmm.Load(recs, nil, gmm.Params{SigmaMeanHot: 0.1, SigmaMeanCold: 0.1})
	if err != nil {
		t.Fatalf("load data: %v", err)
	}
	return d
}

func newSampler(t *testing.T, d *gmm.Data, cfg Config) *Sampler {
	t.Helper()
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(7))
	}
	if cfg.KbT == 0 {
		cfg.KbT = 2.49
	}
	if cfg.SigmaInit == 0 {
		cfg.SigmaInit = 0.5
	}
	s, err := New(d, cfg)
	if err != nil {
		t.Fatalf("new sampler: %v", err)
	}
	return s
}

func TestZeroStepLeavesSigmaInvariant(t *testing.T) {
	d := lineData(t, 4, 0.3)
	s := newSampler(t, d, Config{Step: 0, Stride: 1, Cut: 1})
	before := append([]float64(nil), s.Sigma()...)
	ovmd := []float64{1, 1, 1, 1}
	for i := 0; i < 50; i++ {
		s.Move(ovmd, 1.0)
	}
	for i, v := range s.Sigma() {
		if v != before[i] {
			t.Fatalf("sigma[%d] changed with zero step: %v -> %v", i, before[i], v)
		}
	}
}

func TestReflectionMirrorsIntoBounds(t *testing.T) {
	cases := []struct {
		v, lo, hi, want float64
	}{
		{1.2, 0, 1, 0.8},
		{-0.3, 0, 1, 0.3},
		{0.5, 0, 1, 0.5},
		{1.0, 0, 1, 1.0},
	}
	for _, tc := range cases {
		got := reflect(tc.v, tc.lo, tc.hi)
		if math.Abs(got-tc.want) > 1e-15 {
			t.Fatalf("reflect(%v,[%v,%v]) = %v, want %v", tc.v, tc.lo, tc.hi, got, tc.want)
		}
		if got < tc.lo || got > tc.hi {
			t.Fatalf("reflected value %v escaped [%v,%v]", got, tc.lo, tc.hi)
		}
	}
}

func TestSigmaStaysWithinBoundsUnderSampling(t *testing.T) {
	d := lineData(t, 5, 0.25)
	s := newSampler(t, d, Config{Step: 1.5, Stride: 1, Cut: 0.6})
	ovmd := make([]float64, d.Len())
	for i := range ovmd {
		ovmd[i] = d.SelfOverlap[i] * 1.3
	}
	for trial := 0; trial < 500; trial++ {
		s.Move(ovmd, 1.0)
		for i, v := range s.Sigma() {
			if v < s.sigmaMin[i] || v > s.sigmaMax[i] {
				t.Fatalf("trial %d: sigma[%d]=%v outside [%v,%v]", trial, i, v, s.sigmaMin[i], s.sigmaMax[i])
			}
		}
	}
}

func TestClusterMoveCommitsWholeNeighborhoodOrNothing(t *testing.T) {
	d := lineData(t, 6, 0.2)
	s := newSampler(t, d, Config{Step: 0.8, Stride: 1, Cut: 0.45})
	ovmd := make([]float64, d.Len())
	for i := range ovmd {
		ovmd[i] = d.SelfOverlap[i]
	}
	for trial := 0; trial < 200; trial++ {
		before := append([]float64(nil), s.Sigma()...)
		accepted := s.Move(ovmd, 1.0)
		changed := 0
		for i := range before {
			if s.Sigma()[i] != before[i] {
				changed++
			}
		}
		if !accepted && changed != 0 {
			t.Fatalf("trial %d: rejected move mutated %d sigmas", trial, changed)
		}
		if accepted && changed == 0 {
			// a zero-shift proposal can legitimately change nothing
			continue
		}
	}
}

func TestNeighborhoodIsSpatialAndStatic(t *testing.T) {
	d := lineData(t, 5, 0.3)
	s := newSampler(t, d, Config{Step: 0.1, Stride: 1, Cut: 0.35})
	// spacing 0.3, cutoff 0.35: immediate neighbors only
	want := [][]int{{0, 1}, {0, 1, 2}, {1, 2, 3}, {2, 3, 4}, {3, 4}}
	for i := range want {
		got := s.Neighborhood(i)
		if len(got) != len(want[i]) {
			t.Fatalf("component %d neighborhood: got %v want %v", i, got, want[i])
		}
		for j := range got {
			if got[j] != want[i][j] {
				t.Fatalf("component %d neighborhood: got %v want %v", i, got, want[i])
			}
		}
	}
}

func TestAcceptanceCountsTrialsSinceFirstStep(t *testing.T) {
	d := lineData(t, 3, 0.3)
	s := newSampler(t, d, Config{Step: 0.5, Stride: 10, Cut: 1})
	s.SetAccepted(3)
	if got := s.Acceptance(100); got != 3.0 {
		t.Fatalf("first query latches the step: got %v want 3", got)
	}
	if got := s.Acceptance(130); got != 3.0/4.0 {
		t.Fatalf("after 3 more strides: got %v want 0.75", got)
	}
}

func TestPriorBiasesTowardSmallSigma(t *testing.T) {
	// with model matching data exactly, the residual term vanishes and
	// only the prior drives the walk: sigma should drift down
	d := lineData(t, 3, 0.3)
	s := newSampler(t, d, Config{Step: 0.8, Stride: 1, Cut: 1, Prior: 1})
	ovmd := append([]float64(nil), d.SelfOverlap...)
	start := append([]float64(nil), s.Sigma()...)
	for trial := 0; trial < 2000; trial++ {
		s.Move(ovmd, 1.0)
	}
	for i := range start {
		if s.Sigma()[i] >= start[i] {
			t.Fatalf("sigma[%d] did not shrink under the prior: %v -> %v", i, start[i], s.Sigma()[i])
		}
	}
}

func TestNewValidation(t *testing.T) {
	d := lineData(t, 2, 0.3)
	rng := rand.New(rand.NewSource(1))
	if _, err := New(d, Config{SigmaInit: 0, KbT: 1, Rand: rng}); err == nil {
		t.Fatal("missing positive initial uncertainty must be rejected")
	}
	if _, err := New(d, Config{SigmaInit: 1, Step: 0.1, Stride: 0, Cut: 1, KbT: 1, Rand: rng}); err == nil {
		t.Fatal("moves without a stride must be rejected")
	}
	if _, err := New(d, Config{SigmaInit: 1, Step: 0.1, Stride: 5, Cut: 0, KbT: 1, Rand: rng}); err == nil {
		t.Fatal("moves without a cluster cutoff must be rejected")
	}
	if _, err := New(d, Config{SigmaInit: 1, Step: 0.1, Stride: 5, Cut: 1, KbT: 0, Rand: rng}); err == nil {
		t.Fatal("non-positive thermal energy must be rejected")
	}
	if _, err := New(d, Config{SigmaInit: 1, Step: 0.1, Stride: 5, Cut: 1, KbT: 1}); err == nil {
		t.Fatal("moves without a random source must be rejected")
	}

	s := newSampler(t, d, Config{Step: 0, Stride: 1, Cut: 1})
	if err := s.SetSigma([]float64{1}); err == nil {
		t.Fatal("checkpoint length mismatch must be rejected")
	}
}
