// Package ensemble provides synchronous in-process collectives for the
// two-level parallel layout of the restraint: an inner worker group
// cooperating on one replica's evaluation and an outer group of replica
// leaders jointly refining one map. Every member of a group must issue
// the same collective in the same order each step; the collectives are
// fixed-membership barriers, never speculative or cancellable.
package ensemble

import (
	"fmt"
	"sync"
)

// Group coordinates a fixed set of workers. Create one Group per
// worker set and hand each worker its Comm once at startup.
type Group struct {
	n int

	mu      sync.Mutex
	cond    *sync.Cond
	gen     uint64
	arrived int

	floatSlots [][]float64
	intSlots   [][]int
}

// NewGroup creates a group of n workers and returns one communicator
// handle per rank.
func NewGroup(n int) ([]*Comm, error) {
	if n <= 0 {
		return nil, fmt.Errorf("group size must be positive, got %d", n)
	}
	g := &Group{
		n:          n,
		floatSlots: make([][]float64, n),
		intSlots:   make([][]int, n),
	}
	g.cond = sync.NewCond(&g.mu)
	comms := make([]*Comm, n)
	for rank := 0; rank < n; rank++ {
		comms[rank] = &Comm{g: g, rank: rank}
	}
	return comms, nil
}

// barrier blocks until every member of the group has arrived.
func (g *Group) barrier() {
	g.mu.Lock()
	gen := g.gen
	g.arrived++
	if g.arrived == g.n {
		g.arrived = 0
		g.gen++
		g.cond.Broadcast()
	} else {
		for gen == g.gen {
			g.cond.Wait()
		}
	}
	g.mu.Unlock()
}

// Comm is one worker's handle on its group. A nil Comm behaves as a
// single-member group, so serial callers need no special casing.
type Comm struct {
	g    *Group
	rank int
}

func (c *Comm) Rank() int {
	if c == nil {
		return 0
	}
	return c.rank
}

func (c *Comm) Size() int {
	if c == nil {
		return 1
	}
	return c.g.n
}

// SumFloat64s replaces x in place with the element-wise sum over all
// members. Every member reduces the published slices in rank order, so
// the result is bitwise identical everywhere.
func (c *Comm) SumFloat64s(x []float64) {
	if c == nil || c.g.n == 1 {
		return
	}
	g := c.g
	g.floatSlots[c.rank] = x
	g.barrier()
	tmp := make([]float64, len(x))
	for r := 0; r < g.n; r++ {
		slot := g.floatSlots[r]
		for i := range tmp {
			tmp[i] += slot[i]
		}
	}
	// second barrier: nobody may overwrite x before all members have
	// finished reading it through the slot
	g.barrier()
	copy(x, tmp)
}

// SumInt returns the sum of each member's value.
func (c *Comm) SumInt(v int) int {
	if c == nil || c.g.n == 1 {
		return v
	}
	g := c.g
	g.intSlots[c.rank] = []int{v}
	g.barrier()
	total := 0
	for r := 0; r < g.n; r++ {
		total += g.intSlots[r][0]
	}
	g.barrier()
	return total
}

// AllgatherInts concatenates the members' variable-length slices in
// rank order; every member receives the identical global slice.
func (c *Comm) AllgatherInts(local []int) []int {
	if c == nil || c.g.n == 1 {
		out := make([]int, len(local))
		copy(out, local)
		return out
	}
	g := c.g
	g.intSlots[c.rank] = local
	g.barrier()
	total := 0
	for r := 0; r < g.n; r++ {
		total += len(g.intSlots[r])
	}
	out := make([]int, 0, total)
	for r := 0; r < g.n; r++ {
		out = append(out, g.intSlots[r]...)
	}
	g.barrier()
	return out
}

// Broadcast overwrites x on every member with the root's values.
func (c *Comm) Broadcast(root int, x []float64) {
	if c == nil || c.g.n == 1 {
		return
	}
	g := c.g
	g.floatSlots[c.rank] = x
	g.barrier()
	tmp := make([]float64, len(x))
	copy(tmp, g.floatSlots[root])
	g.barrier()
	copy(x, tmp)
}

// Barrier blocks until every member reaches it.
func (c *Comm) Barrier() {
	if c == nil || c.g.n == 1 {
		return
	}
	c.g.barrier()
}

// Context describes one worker's place in the two-level layout.
type Context struct {
	// Replicas and ReplicaID describe the outer grouping; a single
	// replica uses Replicas=1, ReplicaID=0.
	Replicas  int
	ReplicaID int
	// Workers is the intra-replica communicator, nil when serial.
	Workers *Comm
	// Leaders connects the leader (rank 0) workers of co-refining
	// replicas; nil on followers and in single-replica runs.
	Leaders *Comm
	// Average enables cross-replica ensemble averaging of the model
	// overlaps before scoring.
	Average bool
}

// Normalize fills defaults and checks internal consistency.
func (c Context) Normalize() (Context, error) {
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.ReplicaID < 0 || c.ReplicaID >= c.Replicas {
		return c, fmt.Errorf("replica id %d out of range [0,%d)", c.ReplicaID, c.Replicas)
	}
	if c.Leaders != nil && !c.Leader() {
		return c, fmt.Errorf("only the leader worker may hold the replica communicator")
	}
	if c.Replicas > 1 && c.Leader() && c.Leaders == nil {
		return c, fmt.Errorf("multi-replica run requires a replica communicator on the leader")
	}
	return c, nil
}

// Leader reports whether this worker is rank 0 of its replica.
func (c Context) Leader() bool { return c.Workers.Rank() == 0 }

// GlobalLeader reports whether this worker owns ensemble-wide state,
// the leader of replica 0.
func (c Context) GlobalLeader() bool { return c.Leader() && c.ReplicaID == 0 }
