package overlap

import (
	"fmt"
	"sort"

	"gmmfit/internal/ensemble"
	"gmmfit/internal/gmm"
	"gmmfit/internal/model"
)

// Entry is one (data component, atom) interaction worth evaluating.
type Entry struct {
	Component int
	Atom      int
}

// Config tunes the neighbor-list manager and the engine's parallel and
// periodic context.
type Config struct {
	// Retain is the fraction of per-component approximate overlap mass
	// the neighbor list must keep, in (0,1]. The manager discards the
	// smallest contributors while the retained sum stays at or above
	// Retain times the component's total; with Retain=1 nothing is
	// pruned.
	Retain float64
	// Stride is the step interval between neighbor-list rebuilds.
	Stride int64
	// PBC is nil for non-periodic systems.
	PBC PBC
	// Comm stripes work across the replica's workers; nil when serial.
	Comm *ensemble.Comm
}

// Engine owns the neighbor list and evaluates exact overlaps and
// per-interaction position gradients for every listed pair.
type Engine struct {
	data *gmm.Data
	mdl  *gmm.Model
	tab  *Table
	cfg  Config

	first bool
	list  []Entry
	grads []model.Vec
	ov    []float64
	flat  []float64
}

func NewEngine(d *gmm.Data, m *gmm.Model, tab *Table, cfg Config) (*Engine, error) {
	if cfg.Retain <= 0 || cfg.Retain > 1 {
		return nil, fmt.Errorf("neighbor-list retain fraction must be in (0,1], got %v", cfg.Retain)
	}
	if cfg.Stride <= 0 {
		return nil, fmt.Errorf("neighbor-list stride must be positive, got %d", cfg.Stride)
	}
	return &Engine{
		data:  d,
		mdl:   m,
		tab:   tab,
		cfg:   cfg,
		first: true,
		ov:    make([]float64, d.Len()),
	}, nil
}

func (e *Engine) displacement(mean, pos model.Vec) model.Vec {
	if e.cfg.PBC != nil {
		return e.cfg.PBC.Distance(mean, pos)
	}
	return pos.Sub(mean)
}

// Entries exposes the current neighbor list; valid until the next
// rebuild.
func (e *Engine) Entries() []Entry { return e.list }

// Gradients exposes the per-entry position gradients from the last
// Overlaps call, aligned with Entries.
func (e *Engine) Gradients() []model.Vec { return e.grads }

// Overlaps rebuilds the neighbor list when due (first call, a replica
// exchange, or the step stride) and evaluates the per-component model
// overlaps and per-entry gradients, reduced across the worker group.
// The returned slice is owned by the engine and valid until the next
// call.
func (e *Engine) Overlaps(positions []model.Vec, step int64, exchanged bool) ([]float64, error) {
	if len(positions) != e.mdl.NAtoms() {
		return nil, fmt.Errorf("got %d positions for %d atoms", len(positions), e.mdl.NAtoms())
	}
	if e.first || exchanged || step%e.cfg.Stride == 0 {
		e.rebuild(positions)
		e.first = false
	}

	for i := range e.ov {
		e.ov[i] = 0
	}
	for i := range e.grads {
		e.grads[i] = model.Vec{}
	}

	rank, size := e.cfg.Comm.Rank(), e.cfg.Comm.Size()
	for i := rank; i < len(e.list); i += size {
		ent := e.list[i]
		k := e.tab.Index(e.mdl.TypeIDs[ent.Atom], ent.Component)
		diff := e.displacement(e.data.Means[ent.Component], positions[ent.Atom])
		// full-precision exponential on this path; the gradients feed
		// forces
		ov, grad := gmm.Overlap(diff, e.tab.Prefactor(k), e.tab.InvCov(k))
		e.ov[ent.Component] += ov
		e.grads[i] = grad
	}

	e.cfg.Comm.SumFloat64s(e.ov)
	e.reduceGradients()
	return e.ov, nil
}

func (e *Engine) reduceGradients() {
	if e.cfg.Comm.Size() == 1 {
		return
	}
	if cap(e.flat) < 3*len(e.grads) {
		e.flat = make([]float64, 3*len(e.grads))
	}
	flat := e.flat[:3*len(e.grads)]
	for i, g := range e.grads {
		flat[3*i], flat[3*i+1], flat[3*i+2] = g[0], g[1], g[2]
	}
	e.cfg.Comm.SumFloat64s(flat)
	for i := range e.grads {
		e.grads[i] = model.Vec{flat[3*i], flat[3*i+1], flat[3*i+2]}
	}
}

type candidate struct {
	ov   float64
	atom int
}

// rebuild recomputes the neighbor list wholesale: per component,
// approximate every atom's overlap through the shared exponential
// table, drop the atoms beyond its range, then discard the smallest
// contributors while the retained mass stays within bounds. Components
// are striped across workers and the local lists are allgathered so
// the global list is identical everywhere.
func (e *Engine) rebuild(positions []model.Vec) {
	nAtoms := e.mdl.NAtoms()
	rank, size := e.cfg.Comm.Rank(), e.cfg.Comm.Size()

	var local []int
	var cands []candidate
	for comp := rank; comp < e.data.Len(); comp += size {
		cands = cands[:0]
		total := 0.0
		for atom := 0; atom < nAtoms; atom++ {
			k := e.tab.Index(e.mdl.TypeIDs[atom], comp)
			diff := e.displacement(e.data.Means[comp], positions[atom])
			q := e.tab.InvCov(k).Quadratic(diff)
			ex, ok := e.tab.ExpHalf(q)
			if !ok {
				continue
			}
			ov := e.tab.Prefactor(k) * ex
			cands = append(cands, candidate{ov: ov, atom: atom})
			total += ov
		}
		if len(cands) == 0 {
			continue
		}
		sort.Slice(cands, func(i, j int) bool { return cands[i].ov < cands[j].ov })
		bound := e.cfg.Retain * total
		removed := 0.0
		keepFrom := 0
		for keepFrom < len(cands) && total-removed-cands[keepFrom].ov >= bound {
			removed += cands[keepFrom].ov
			keepFrom++
		}
		kept := cands[keepFrom:]
		sort.Slice(kept, func(i, j int) bool { return kept[i].atom < kept[j].atom })
		for _, c := range kept {
			local = append(local, comp*nAtoms+c.atom)
		}
	}

	global := e.cfg.Comm.AllgatherInts(local)
	e.list = e.list[:0]
	for _, code := range global {
		e.list = append(e.list, Entry{Component: code / nAtoms, Atom: code % nAtoms})
	}
	// derivative storage tracks the list size
	if cap(e.grads) < len(e.list) {
		e.grads = make([]model.Vec, len(e.list))
	}
	e.grads = e.grads[:len(e.list)]
}
