package scheduler

import (
	"testing"

	"github.com/harrier-ml/harrier/internal/domain"
)

func smallConfig() Config {
	return Config{
		MaxDepth:         2,
		MaxChildren:      2,
		MinGridSize:      2,
		FailureThreshold: 2,
	}
}

// grownModel returns a model with two tree roots (nodes 1 and 2), the
// first of which has one child (node 3).
func grownModel(t *testing.T) *domain.Model {
	t.Helper()
	m := domain.NewModel(0)
	_, err := m.Apply(domain.UpdateList{
		{SplitFeature: 0, Threshold: 1, IsNewTreeRoot: true},
		{SplitFeature: 1, Threshold: 2, IsNewTreeRoot: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Apply(domain.UpdateList{{ParentNodeID: 1, SplitFeature: 2, Threshold: 3}}); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestUpdate_PrefersRootOnFreshModel(t *testing.T) {
	s := New(smallConfig())
	s.Register(0)
	s.Register(1)
	m := domain.NewModel(0)

	if changed := s.Update(m); changed != 2 {
		t.Fatalf("Update() changed %d assignments, want 2", changed)
	}
	for _, machine := range []int{0, 1} {
		if got := s.AssignmentFor(machine); got != domain.RootNodeID {
			t.Errorf("machine %d assigned node %d, want root", machine, got)
		}
	}
}

func TestUpdate_SpreadsAcrossInterior(t *testing.T) {
	cfg := smallConfig()
	cfg.MinGridSize = 1 // grid already wide enough, no root preference
	s := New(cfg)
	m := grownModel(t)
	for machine := 0; machine < 3; machine++ {
		s.Register(machine)
	}
	if changed := s.Update(m); changed != 3 {
		t.Fatalf("Update() changed %d, want 3", changed)
	}
	seen := make(map[int]int)
	for machine := 0; machine < 3; machine++ {
		seen[s.AssignmentFor(machine)]++
	}
	// Open interior nodes: 1 and 2 (node 3 sits at the depth cap).
	// Round-robin covers both before repeating.
	if seen[1] == 0 || seen[2] == 0 {
		t.Errorf("round-robin skipped an open node: %v", seen)
	}
	if seen[1]+seen[2] != 3 {
		t.Errorf("assignments outside the open pool: %v", seen)
	}
}

func TestUpdate_IdleMachinesOnly(t *testing.T) {
	s := New(smallConfig())
	s.Register(0)
	m := domain.NewModel(0)
	s.Update(m)
	before := s.AssignmentFor(0)
	if changed := s.Update(m); changed != 0 {
		t.Errorf("second Update() changed %d assignments", changed)
	}
	if s.AssignmentFor(0) != before {
		t.Error("assignment changed without a packet")
	}
}

func TestHandleSuccess_ResetsFailuresAndReportsExhaustion(t *testing.T) {
	s := New(smallConfig())
	s.Register(0)
	m := grownModel(t)
	s.HandleFailure(0, 2, 1)
	if exhausted := s.HandleSuccess(0, 2, m); exhausted {
		t.Error("node 2 reported exhausted with room left")
	}
	if s.AssignmentFor(0) != NoAssignment {
		t.Error("machine not idled after success")
	}
	if s.failures[2] != 0 {
		t.Errorf("failure weight = %v after success", s.failures[2])
	}

	// Node 1 already has one child; MaxChildren 2 means one more fills
	// it. Give it two children and expect exhaustion.
	if _, err := m.Apply(domain.UpdateList{{ParentNodeID: 1, SplitFeature: 0, Threshold: 0}}); err != nil {
		t.Fatal(err)
	}
	if exhausted := s.HandleSuccess(0, 1, m); !exhausted {
		t.Error("node 1 at the children cap not reported exhausted")
	}
}

func TestHandleSuccess_DepthCap(t *testing.T) {
	s := New(smallConfig())
	s.Register(0)
	m := grownModel(t)
	// Node 3 sits at depth 2 == MaxDepth: a child would exceed the cap.
	if exhausted := s.HandleSuccess(0, 3, m); !exhausted {
		t.Error("node at the depth cap not reported exhausted")
	}
	cfg := smallConfig()
	cfg.MaxDepth = 3
	s2 := New(cfg)
	s2.Register(0)
	if exhausted := s2.HandleSuccess(0, 3, m); exhausted {
		t.Error("node below a deeper cap reported exhausted")
	}
}

func TestHandleFailure_RetiresNode(t *testing.T) {
	cfg := smallConfig()
	cfg.MinGridSize = 1
	s := New(cfg)
	m := grownModel(t)
	s.Register(0)

	s.HandleFailure(0, 2, 1)
	s.HandleFailure(0, 2, 1) // reaches threshold 2
	s.Update(m)
	if got := s.AssignmentFor(0); got == 2 {
		t.Error("retired node handed out again")
	}

	// γ shrink resets every tally and the node returns to the pool.
	s.ResetFailures()
	if s.failures[2] != 0 {
		t.Error("failures survived ResetFailures")
	}
}

func TestHandleFailure_WeightedByNodeCount(t *testing.T) {
	s := New(smallConfig())
	s.Register(0)
	s.HandleFailure(0, 1, 5)
	if s.failures[1] != 5 {
		t.Errorf("failure weight = %v, want 5", s.failures[1])
	}
	// Non-positive weights still count as one observation.
	s.HandleFailure(0, 2, 0)
	if s.failures[2] != 1 {
		t.Errorf("failure weight = %v, want 1", s.failures[2])
	}
}

func TestRootRetirement_BlocksNewTrees(t *testing.T) {
	s := New(smallConfig())
	s.Register(0)
	m := domain.NewModel(0)
	s.HandleFailure(0, domain.RootNodeID, 2)
	if changed := s.Update(m); changed != 0 {
		t.Errorf("Update() assigned %d machines with only a retired root", changed)
	}
}
