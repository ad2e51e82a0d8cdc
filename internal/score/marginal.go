package score

import (
	"math"

	"gmmfit/internal/ensemble"
	"gmmfit/internal/model"
	"gmmfit/internal/overlap"
)

const (
	invSqrt2    = 0.707106781186548
	sqrt2OverPi = 0.797884560802865

	// below this |dev| the marginal score switches to its series
	// expansion; the 1/dev and Gaussian-tail terms cancel to O(dev)
	smallDev = 1e-6
)

// Inputs bundles the per-step context shared by both scorers. Model
// overlaps arrive already ensemble averaged; the scorers only perform
// the intra-replica worker reduction of derivatives and virial.
type Inputs struct {
	Model     []float64
	Data      []float64
	Scale     float64
	Entries   []overlap.Entry
	Gradients []model.Vec
	Positions []model.Vec
	PBC       overlap.PBC
	Comm      *ensemble.Comm
	Means     []model.Vec
}

// Output is one step's scoring result.
type Output struct {
	Energy  float64
	AtomDer []model.Vec
	Virial  model.Mat
}

// Marginal is the closed-form scorer: per-component uncertainty is
// analytically integrated out against the fixed sigma0 scale.
type Marginal struct {
	KbT      float64
	Replicas int
	Sigma0   []float64

	errF []float64
	expF []float64
}

// Score evaluates the marginal Bayesian energy and chains the overlap
// gradients into per-atom derivatives and the virial.
func (m *Marginal) Score(in Inputs) Output {
	n := len(in.Model)
	if m.errF == nil {
		m.errF = make([]float64, n)
		m.expF = make([]float64, n)
	}

	ene := 0.0
	for i := 0; i < n; i++ {
		dev := (in.Scale*in.Model[i] - in.Data[i]) / m.Sigma0[i]
		m.errF[i] = math.Erf(dev * invSqrt2)
		m.expF[i] = math.Exp(-0.5 * dev * dev)
		if math.Abs(dev) < smallDev {
			// series limit of (0.5/dev)*erf(dev/sqrt2)
			ene += -math.Log(0.5 * sqrt2OverPi * (1.0 - dev*dev/6.0))
			continue
		}
		ene += -math.Log(0.5 / dev * m.errF[i])
	}
	ene *= m.KbT * float64(m.Replicas)

	atomDer := make([]model.Vec, len(in.Positions))
	var virial model.Mat
	rank, size := in.Comm.Rank(), in.Comm.Size()
	for i := rank; i < len(in.Entries); i += size {
		ent := in.Entries[i]
		id, im := ent.Component, ent.Atom

		dev := (in.Scale*in.Model[id] - in.Data[id]) / m.Sigma0[id]
		var der float64
		if math.Abs(dev) < smallDev {
			der = m.KbT * dev / (3.0 * m.Sigma0[id])
		} else {
			der = -m.KbT / m.errF[id] * sqrt2OverPi * m.expF[id] / m.Sigma0[id]
			der += m.KbT / (in.Scale*in.Model[id] - in.Data[id])
		}
		totDer := in.Gradients[i].Scale(der * in.Scale)

		pos := in.Positions[im]
		if in.PBC != nil {
			pos = in.PBC.Distance(in.Means[id], in.Positions[im]).Add(in.Means[id])
		}
		atomDer[im] = atomDer[im].Add(totDer)
		virial.AddOuter(pos, totDer.Scale(-1))
	}
	reduceDerivatives(in.Comm, atomDer, &virial)

	return Output{Energy: ene, AtomDer: atomDer, Virial: virial}
}

// reduceDerivatives sums per-atom derivatives and the virial across the
// worker group.
func reduceDerivatives(comm *ensemble.Comm, atomDer []model.Vec, virial *model.Mat) {
	if comm.Size() == 1 {
		return
	}
	flat := make([]float64, 3*len(atomDer)+9)
	for i, d := range atomDer {
		flat[3*i], flat[3*i+1], flat[3*i+2] = d[0], d[1], d[2]
	}
	virial.Flatten(flat[3*len(atomDer):])
	comm.SumFloat64s(flat)
	for i := range atomDer {
		atomDer[i] = model.Vec{flat[3*i], flat[3*i+1], flat[3*i+2]}
	}
	virial.Unflatten(flat[3*len(atomDer):])
}
