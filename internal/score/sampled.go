package score

import "gmmfit/internal/model"

// Sampled is the explicit-uncertainty scorer: the per-component sigma
// state lives in the Monte Carlo sampler and arrives here as the
// precomputed inverse variances. The reported energy never includes the
// sampling prior.
type Sampled struct {
	KbT      float64
	Replicas int
}

// Score evaluates the sampled-mode energy
// 0.5*kT * sum (scale*model - data)^2 / (sigmaMean^2 + sigma^2)
// and chains the overlap gradients into per-atom derivatives and the
// virial. The ensemble factor enters the derivatives because the model
// overlaps are replica averages.
func (s *Sampled) Score(in Inputs, invS2 []float64) Output {
	escale := 1.0 / float64(s.Replicas)

	ene := 0.0
	for i := range in.Model {
		dev := in.Scale*in.Model[i] - in.Data[i]
		ene += dev * dev * invS2[i]
	}
	ene *= 0.5 * s.KbT

	atomDer := make([]model.Vec, len(in.Positions))
	var virial model.Mat
	rank, size := in.Comm.Rank(), in.Comm.Size()
	for i := rank; i < len(in.Entries); i += size {
		ent := in.Entries[i]
		id, im := ent.Component, ent.Atom

		der := s.KbT * (in.Scale*in.Model[id] - in.Data[id]) * invS2[id]
		totDer := in.Gradients[i].Scale(der * escale * in.Scale)

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
