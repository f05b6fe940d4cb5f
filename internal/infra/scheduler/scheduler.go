// Package scheduler picks, for every worker machine, the tree node it
// should try to extend. It tracks per-node failure weight so nodes
// that repeatedly fail under the current γ are retired from the pool
// until γ shrinks, and prefers starting new trees while the grid of
// extendable nodes is thin.
package scheduler

import (
	"log"
	"sort"
	"sync"

	"github.com/harrier-ml/harrier/internal/domain"
)

// NoAssignment marks a machine with nothing to work on.
const NoAssignment = -1

// Config bounds the shape of the ensemble and the failure policy.
type Config struct {
	MaxDepth         int     // deepest allowed node (root is depth 0)
	MaxChildren      int     // children cap per node; tree cap on node 0
	MinGridSize      int     // prefer new trees below this many open nodes
	FailureThreshold float64 // retire a node at this accumulated failure weight
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxDepth:         2,
		MaxChildren:      16,
		MinGridSize:      4,
		FailureThreshold: 3,
	}
}

// Scheduler is shared between the head sync loop (writes) and the
// status API (reads), so the table is behind a reader/writer lock.
type Scheduler struct {
	mu  sync.RWMutex
	cfg Config

	assignments map[int]int     // machine id -> node id
	failures    map[int]float64 // node id -> accumulated failure weight
	cursor      int             // round-robin position over the open-node pool
}

// New creates an empty scheduler; machines join via Register.
func New(cfg Config) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		assignments: make(map[int]int),
		failures:    make(map[int]float64),
	}
}

// Register adds a machine to the table with no assignment. Already
// known machines are left alone.
func (s *Scheduler) Register(machineID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assignments[machineID]; !ok {
		s.assignments[machineID] = NoAssignment
	}
}

// AssignmentFor returns the node currently assigned to a machine, or
// NoAssignment.
func (s *Scheduler) AssignmentFor(machineID int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if node, ok := s.assignments[machineID]; ok {
		return node
	}
	return NoAssignment
}

// Snapshot copies the assignment table for broadcasts and the API.
func (s *Scheduler) Snapshot() map[int]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]int, len(s.assignments))
	for m, n := range s.assignments {
		out[m] = n
	}
	return out
}

// Update assigns a node to every idle machine, round-robin across the
// open-node pool, and returns how many assignments changed. New trees
// are preferred while the ensemble still has tree capacity and the
// pool of extendable interior nodes is below the grid floor.
func (s *Scheduler) Update(model *domain.Model) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	interior := s.openInterior(model)
	preferRoot := s.rootOpen(model) && len(interior) < s.cfg.MinGridSize
	changed := 0

	machines := make([]int, 0, len(s.assignments))
	for m := range s.assignments {
		machines = append(machines, m)
	}
	sort.Ints(machines)
	for _, m := range machines {
		if s.assignments[m] != NoAssignment {
			continue
		}
		var node int
		switch {
		case preferRoot:
			node = domain.RootNodeID
		case len(interior) > 0:
			node = interior[s.cursor%len(interior)]
			s.cursor++
		case s.rootOpen(model):
			node = domain.RootNodeID
		default:
			continue
		}
		s.assignments[m] = node
		changed++
		log.Printf("[scheduler] machine %d -> node %d", m, node)
	}
	return changed
}

// Clear drops a machine's assignment so the next Update hands it
// fresh work.
func (s *Scheduler) Clear(machineID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments[machineID] = NoAssignment
}

// HandleSuccess records an accepted packet for a node: the failure
// count resets and the worker goes back to the idle pool. It returns
// true when the node has no room left for further children, so the
// caller can retire it from its availability accounting.
func (s *Scheduler) HandleSuccess(machineID, nodeID int, model *domain.Model) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, nodeID)
	s.assignments[machineID] = NoAssignment
	return !s.hasRoom(model, nodeID)
}

// HandleFailure adds the worker's observed node-count weight to the
// node's failure tally and idles the worker.
func (s *Scheduler) HandleFailure(machineID, nodeID int, weight float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if weight <= 0 {
		weight = 1
	}
	s.failures[nodeID] += weight
	s.assignments[machineID] = NoAssignment
	if s.failures[nodeID] >= s.cfg.FailureThreshold {
		log.Printf("[scheduler] node %d retired (failure weight %.1f)", nodeID, s.failures[nodeID])
	}
}

// ResetFailures clears every failure tally. Called when γ shrinks:
// nodes that were hopeless at the old edge are worth another look.
func (s *Scheduler) ResetFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = make(map[int]float64)
}

// OpenNodes reports the size of the current extendable pool, interior
// nodes plus the root slot, for the status API.
func (s *Scheduler) OpenNodes(model *domain.Model) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.openInterior(model))
	if s.rootOpen(model) {
		n++
	}
	return n
}

// openInterior lists extendable non-root nodes, deepest remaining
// budget first then by id, excluding retired nodes. Callers hold the
// lock.
func (s *Scheduler) openInterior(model *domain.Model) []int {
	var open []int
	for i := 1; i < model.Size(); i++ {
		if s.failures[i] >= s.cfg.FailureThreshold {
			continue
		}
		if s.hasRoom(model, i) {
			open = append(open, i)
		}
	}
	sort.Slice(open, func(a, b int) bool {
		da := s.cfg.MaxDepth - model.Nodes[open[a]].Depth
		db := s.cfg.MaxDepth - model.Nodes[open[b]].Depth
		if da != db {
			return da > db
		}
		return open[a] < open[b]
	})
	return open
}

// rootOpen reports whether a new tree may still be started.
func (s *Scheduler) rootOpen(model *domain.Model) bool {
	if s.failures[domain.RootNodeID] >= s.cfg.FailureThreshold {
		return false
	}
	trees := 0
	for i := 1; i < model.Size(); i++ {
		if model.Nodes[i].Depth == 1 {
			trees++
		}
	}
	return trees < s.cfg.MaxChildren
}

// hasRoom reports whether a node can accept another child.
func (s *Scheduler) hasRoom(model *domain.Model, nodeID int) bool {
	if nodeID == domain.RootNodeID {
		return s.rootOpen(model)
	}
	node := &model.Nodes[nodeID]
	return node.Depth < s.cfg.MaxDepth && len(node.Children) < s.cfg.MaxChildren
}
