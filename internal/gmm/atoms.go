package gmm

import (
	"fmt"
	"math"

	"gmmfit/internal/model"
)

// TypeTable maps element symbols to electron-scattering parameters.
// Each entry carries the B coefficient (Angstrom squared) of the
// single-Gaussian scattering factor f(s) = A * exp(-B*s^2) and the
// integrated weight A.
type TypeTable struct {
	index   map[string]int
	widths  []float64
	weights []float64
}

// DefaultTypeTable returns the canonical four-entry table for the
// heavy atoms of a protein system.
func DefaultTypeTable() *TypeTable {
	return &TypeTable{
		index:   map[string]int{"C": 0, "O": 1, "N": 2, "S": 3},
		widths:  []float64{15.146, 8.59722, 11.1116, 15.8952},
		weights: []float64{2.49982, 1.97692, 2.20402, 5.14099},
	}
}

func (t *TypeTable) Len() int { return len(t.widths) }

func (t *TypeTable) Lookup(symbol string) (int, bool) {
	id, ok := t.index[symbol]
	return id, ok
}

func (t *TypeTable) Weight(id int) float64 { return t.weights[id] }

// Variance returns the isotropic real-space variance of a type's
// density Gaussian, plus the blur contribution. The density Gaussian is
// the Fourier transform of the scattering factor,
// f(r) = A * (pi/B)^1.5 * exp(-pi^2/B * r^2), with widths converted
// from Angstrom to nm.
func (t *TypeTable) Variance(id int, blur float64) float64 {
	s := math.Sqrt(0.5*t.widths[id]) / math.Pi * 0.1
	return s*s + 0.25*blur*blur
}

// ElementOf extracts the element symbol from an atom name: the first
// character unless it is a digit, in which case the second.
func ElementOf(name string) string {
	if name == "" {
		return ""
	}
	if name[0] >= '0' && name[0] <= '9' {
		if len(name) < 2 {
			return ""
		}
		return string(name[1])
	}
	return string(name[0])
}

// Model is the model-side GMM: one isotropic Gaussian per atom, typed
// through the scattering table. Positions are host owned and read each
// step; only the static typing lives here.
type Model struct {
	Types   *TypeTable
	TypeIDs []int
	// TypeWeights are the table weights rescaled so the model density
	// integrates to the data mass; indexed by type id.
	TypeWeights []float64
}

// BuildModel types every atom and normalizes the per-type weights so
// the model density integrates to dataMass.
func BuildModel(table *TypeTable, symbols []string, dataMass float64) (*Model, error) {
	if table == nil {
		return nil, fmt.Errorf("type table is required")
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("at least one atom is required")
	}
	m := &Model{
		Types:       table,
		TypeIDs:     make([]int, 0, len(symbols)),
		TypeWeights: make([]float64, table.Len()),
	}
	total := 0.0
	for _, sym := range symbols {
		id, ok := table.Lookup(sym)
		if !ok {
			return nil, fmt.Errorf("unknown atom type %q", sym)
		}
		m.TypeIDs = append(m.TypeIDs, id)
		total += table.Weight(id)
	}
	// not strictly needed with regression enabled, but keeps the raw
	// score on the data scale
	for id := range m.TypeWeights {
		m.TypeWeights[id] = table.Weight(id) * dataMass / total
	}
	return m, nil
}

func (m *Model) NAtoms() int { return len(m.TypeIDs) }

// Covariance returns the model Gaussian covariance for an atom type.
func (m *Model) Covariance(typeID int, blur float64) model.Sym {
	return model.Isotropic(m.Types.Variance(typeID, blur))
}
