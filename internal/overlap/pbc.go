package overlap

import (
	"math"

	"gmmfit/internal/model"
)

// PBC supplies the periodic-boundary distance primitive. Distance
// returns the minimal-image displacement b-a. The restraint never
// inspects box internals; the host owns the box state.
type PBC interface {
	Distance(a, b model.Vec) model.Vec
}

// Orthorhombic is a rectangular box with the given edge lengths.
type Orthorhombic model.Vec

func (o Orthorhombic) Distance(a, b model.Vec) model.Vec {
	d := b.Sub(a)
	for i := 0; i < 3; i++ {
		if o[i] > 0 {
			d[i] -= o[i] * math.Round(d[i]/o[i])
		}
	}
	return d
}
