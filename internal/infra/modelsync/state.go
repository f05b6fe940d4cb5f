package modelsync

import (
	"sync"
	"sync/atomic"
)

// State is the shared run flag. Model-sync owns the only writer that
// matters — any component observing a fatal condition flips it to
// false and every head-side loop drains out.
type State struct {
	running atomic.Bool
}

// NewState returns a running state.
func NewState() *State {
	s := &State{}
	s.running.Store(true)
	return s
}

// Running reports whether the trainer should keep going.
func (s *State) Running() bool { return s.running.Load() }

// Stop flips the flag; idempotent.
func (s *State) Stop() { s.running.Store(false) }

// SampleState is the head's view of the sample pipeline: the monotone
// sample version and, when the local sampler reports them, per-node
// example counts of the latest published sample. Read-mostly, hence
// the reader/writer lock.
type SampleState struct {
	mu         sync.RWMutex
	version    int
	nodeCounts map[int]int
}

// NewSampleState starts at version zero with no counts.
func NewSampleState() *SampleState {
	return &SampleState{nodeCounts: make(map[int]int)}
}

// Publish records a newly published sample set. Versions are monotone;
// a stale publish is ignored.
func (s *SampleState) Publish(version int, nodeCounts map[int]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version <= s.version && version != 0 {
		return
	}
	if version > s.version {
		s.version = version
	}
	if nodeCounts != nil {
		s.nodeCounts = nodeCounts
	}
}

// Version returns the current sample version.
func (s *SampleState) Version() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// NodeCount returns the example count observed for a node, or zero.
func (s *SampleState) NodeCount(nodeID int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodeCounts[nodeID]
}

// Total returns the total example count of the latest sample.
func (s *SampleState) Total() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, n := range s.nodeCounts {
		if n > total {
			total = n
		}
	}
	return total
}
