// Package gamma owns the target edge of the weak learner search. The
// head holds the single controller; workers only ever see broadcast
// snapshots of its values.
//
// Two edges are tracked independently: Gamma gates extensions of
// existing nodes, RootGamma gates starting a new tree. RootGamma
// shrinks unconditionally on every root failure; Gamma shrinks on
// windowed failure statistics. Both are non-increasing for the
// lifetime of a run.
package gamma

import "log"

// Controller tracks the two edges, their version counters, and the
// success/failure window driving non-root shrinks. It is owned by the
// head's sync loop and is not safe for concurrent use.
type Controller struct {
	Gamma       float64
	RootGamma   float64
	Version     int
	RootVersion int

	shrinkFactor float64
	minGamma     float64
	windowSize   int
	failureRatio float64

	numSuccess int
	numFailure int
}

// New creates a controller starting both edges at defaultGamma.
// windowSize is the number of counted packets per statistics window
// and failureRatio the fraction of failures that triggers a shrink.
func New(defaultGamma, minGamma, shrinkFactor float64, windowSize int, failureRatio float64) *Controller {
	return &Controller{
		Gamma:        defaultGamma,
		RootGamma:    defaultGamma,
		shrinkFactor: shrinkFactor,
		minGamma:     minGamma,
		windowSize:   windowSize,
		failureRatio: failureRatio,
	}
}

// RecordSuccess counts an accepted non-root packet toward the window.
func (c *Controller) RecordSuccess() { c.numSuccess++ }

// RecordFailure counts an empty non-root packet toward the window.
func (c *Controller) RecordFailure() { c.numFailure++ }

// Adjust evaluates the current window and shrinks Gamma when the
// failure share is too high. It returns true when it mutated the edge,
// so the caller knows to broadcast.
func (c *Controller) Adjust() bool {
	total := c.numSuccess + c.numFailure
	if total == 0 || total < c.windowSize {
		return false
	}
	failed := float64(c.numFailure) / float64(total)
	c.numSuccess, c.numFailure = 0, 0
	if failed < c.failureRatio {
		return false
	}
	c.Gamma *= c.shrinkFactor
	c.Version++
	log.Printf("[gamma] shrink: gamma=%.6f version=%d (failure share %.2f)", c.Gamma, c.Version, failed)
	return true
}

// DecreaseRootGamma shrinks the new-tree edge. Called once per empty
// root packet: failing to start a tree is a much stronger signal than
// failing to extend one.
func (c *Controller) DecreaseRootGamma() {
	c.RootGamma *= c.shrinkFactor
	c.RootVersion++
	log.Printf("[gamma] shrink root: root_gamma=%.6f version=%d", c.RootGamma, c.RootVersion)
}

// Valid reports whether the edge is still significant. Once Gamma
// falls below the floor the trainer halts.
func (c *Controller) Valid() bool { return c.Gamma >= c.minGamma }

// ResetWindow clears the statistics window, e.g. after a broadcast
// made the old counts meaningless.
func (c *Controller) ResetWindow() { c.numSuccess, c.numFailure = 0, 0 }
