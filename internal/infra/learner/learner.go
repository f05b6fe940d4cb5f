// Package learner implements the weak-learner search: scan weighted
// batches, keep per-(branch, feature, bin) histogram statistics for
// the assigned tree node, and fire a candidate split once its
// empirical edge clears the target γ with confidence. If no candidate
// appears within the trial budget, the learner reports a fallback so
// the head can shrink γ.
package learner

import (
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/harrier-ml/harrier/internal/domain"
	"github.com/harrier-ml/harrier/internal/infra/bins"
)

const predictionSmoothing = 1e-8

// parallelThreshold is the batch size below which sharded accumulation
// is not worth the extra allocations.
const parallelThreshold = 512

// BoundFunc maps a scanned-example count and confidence parameter to
// the slack added on top of γ. It must be monotone non-increasing in
// n, otherwise the trial-budget logic is meaningless.
type BoundFunc func(n int, delta float64) float64

// Hoeffding is the default confidence bound: with probability at least
// 1-delta the true edge is within this margin of the empirical one.
func Hoeffding(n int, delta float64) float64 {
	if n <= 0 {
		return math.Inf(1)
	}
	return math.Sqrt(math.Log(2/delta) / (2 * float64(n)))
}

// Candidate is a split whose edge cleared γ. Edge is the empirical
// edge at the moment of return; Scanned is the number of examples the
// decision is based on.
type Candidate struct {
	Update  domain.NodeUpdate
	Edge    float64
	Scanned int
}

// accumulator holds the running weighted label histograms for one
// branch of the assigned node's split. Slot k counts examples whose
// feature code is above threshold k-1 and at most threshold k, so the
// prefix through slot k is "code <= threshold k"; the last slot is
// everything above the top threshold.
type accumulator struct {
	wPos  [][]float64 // [feature][slot]
	wNeg  [][]float64
	count [][]int
}

func newAccumulator(b *bins.Bins) *accumulator {
	a := &accumulator{
		wPos:  make([][]float64, b.NumFeatures()),
		wNeg:  make([][]float64, b.NumFeatures()),
		count: make([][]int, b.NumFeatures()),
	}
	for f := 0; f < b.NumFeatures(); f++ {
		slots := len(b.Thresholds[f]) + 1
		a.wPos[f] = make([]float64, slots)
		a.wNeg[f] = make([]float64, slots)
		a.count[f] = make([]int, slots)
	}
	return a
}

func (a *accumulator) reset() {
	for f := range a.wPos {
		for s := range a.wPos[f] {
			a.wPos[f][s] = 0
			a.wNeg[f][s] = 0
			a.count[f][s] = 0
		}
	}
}

func (a *accumulator) merge(other *accumulator) {
	for f := range a.wPos {
		for s := range a.wPos[f] {
			a.wPos[f][s] += other.wPos[f][s]
			a.wNeg[f][s] += other.wNeg[f][s]
			a.count[f][s] += other.count[f][s]
		}
	}
}

// add records one example into every feature histogram.
func (a *accumulator) add(b *bins.Bins, ex *domain.Example, weight float64) {
	for f := range a.wPos {
		ths := b.Thresholds[f]
		// First threshold >= v: values equal to threshold k land in
		// slot k, so the prefix through slot k is exactly "v <= ths[k]".
		slot := sort.SearchInts(ths, int(ex.Features[b.From+f]))
		if ex.Label > 0 {
			a.wPos[f][slot] += weight
		} else {
			a.wNeg[f][slot] += weight
		}
		a.count[f][slot]++
	}
}

// Learner searches one node extension at a time. It is owned by a
// single booster goroutine and is not safe for concurrent use.
type Learner struct {
	bins  *bins.Bins
	delta float64
	bound BoundFunc

	model    *domain.Model
	nodeID   int
	gamma    float64
	assigned bool

	maxTrials int
	scanned   int
	sumWeight float64

	// One accumulator per branch of the assigned node's split;
	// new-tree-root assignments use only branch 0.
	branch [2]*accumulator
}

// New creates a learner over the given bins. delta is the confidence
// parameter of the bound; maxTrials the number of examples scanned
// before the learner gives up on the current γ.
func New(b *bins.Bins, delta float64, maxTrials int) *Learner {
	return &Learner{
		bins:      b,
		delta:     delta,
		bound:     Hoeffding,
		maxTrials: maxTrials,
		branch:    [2]*accumulator{newAccumulator(b), newAccumulator(b)},
	}
}

// SetBound replaces the confidence bound. Deployment-specific; the
// default is Hoeffding.
func (l *Learner) SetBound(fn BoundFunc) { l.bound = fn }

// SetModel replaces the model snapshot used for path gating and resets
// the histograms: statistics collected against an older model are no
// longer comparable.
func (l *Learner) SetModel(m *domain.Model) {
	l.model = m
	l.Reset()
}

// Assign points the learner at a tree node and target edge. Node 0
// means "grow a new tree root" at the root γ.
func (l *Learner) Assign(nodeID int, gamma float64) {
	l.nodeID = nodeID
	l.gamma = gamma
	l.assigned = true
	l.Reset()
}

// Reset zeroes the histograms and the trial counter; bins, model, and
// assignment survive.
func (l *Learner) Reset() {
	l.branch[0].reset()
	l.branch[1].reset()
	l.scanned = 0
	l.sumWeight = 0
}

// Scanned returns the number of examples folded in since the last reset.
func (l *Learner) Scanned() int { return l.scanned }

// Update folds one weighted batch into the histograms and checks for a
// valid candidate. It returns (candidate, false) when a split cleared
// γ with confidence, (nil, true) when the trial budget is exhausted —
// the caller should emit a fallback packet and Reset — and
// (nil, false) otherwise. Zero, NaN, and infinite weights skip
// accumulation.
func (l *Learner) Update(batch []domain.ScoredExample, weights []float64) (*Candidate, bool) {
	if l.model == nil || !l.assigned {
		return nil, false
	}
	l.accumulate(batch, weights)

	if cand := l.bestCandidate(); cand != nil {
		return cand, false
	}
	if l.scanned > l.maxTrials {
		return nil, true
	}
	return nil, false
}

func (l *Learner) accumulate(batch []domain.ScoredExample, weights []float64) {
	shards := runtime.GOMAXPROCS(0)
	if len(batch) < parallelThreshold || shards < 2 {
		l.accumulateRange(l.branch, batch, weights)
		return
	}

	// Shard-local histograms reduced at the end; no shared mutable
	// state inside the parallel region.
	locals := make([][2]*accumulator, shards)
	tallies := make([]tally, shards)
	var g errgroup.Group
	chunk := (len(batch) + shards - 1) / shards
	for s := 0; s < shards; s++ {
		lo := s * chunk
		hi := lo + chunk
		if hi > len(batch) {
			hi = len(batch)
		}
		if lo >= hi {
			continue
		}
		locals[s] = [2]*accumulator{newAccumulator(l.bins), newAccumulator(l.bins)}
		shard := s
		g.Go(func() error {
			tallies[shard] = l.accumulateInto(locals[shard], batch[lo:hi], weights[lo:hi])
			return nil
		})
	}
	_ = g.Wait()
	for s, local := range locals {
		if local[0] == nil {
			continue
		}
		l.branch[0].merge(local[0])
		l.branch[1].merge(local[1])
		l.scanned += tallies[s].scanned
		l.sumWeight += tallies[s].sumWeight
	}
}

type tally struct {
	scanned   int
	sumWeight float64
}

func (l *Learner) accumulateRange(dst [2]*accumulator, batch []domain.ScoredExample, weights []float64) {
	t := l.accumulateInto(dst, batch, weights)
	l.scanned += t.scanned
	l.sumWeight += t.sumWeight
}

// accumulateInto folds a slice of the batch into the given branch
// accumulators and reports what it used.
func (l *Learner) accumulateInto(dst [2]*accumulator, batch []domain.ScoredExample, weights []float64) tally {
	var t tally
	for i := range batch {
		w := weights[i]
		if w == 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			continue
		}
		ex := &batch[i].Example
		include, onRight := l.gate(ex)
		if !include {
			continue
		}
		b := 0
		if onRight {
			b = 1
		}
		dst[b].add(l.bins, ex, w)
		t.scanned++
		t.sumWeight += w
	}
	return t
}

// gate decides whether an example belongs to the assigned node's
// region and, for non-root assignments, which branch of the node's
// split it takes. A new-tree-root assignment sees every example on
// branch 0.
func (l *Learner) gate(ex *domain.Example) (include bool, onRight bool) {
	if l.nodeID == domain.RootNodeID {
		return true, false
	}
	if !l.model.Reaches(ex, l.nodeID) {
		return false, false
	}
	node := &l.model.Nodes[l.nodeID]
	return true, ex.Features[node.Feature] > node.Threshold
}

// bestCandidate scans every live candidate and returns the one with
// the highest confident edge, or nil. Ties break toward the lowest
// feature index, then the lowest threshold, then the left branch.
func (l *Learner) bestCandidate() *Candidate {
	if l.sumWeight <= 0 || l.scanned == 0 {
		return nil
	}
	required := l.gamma + l.bound(l.scanned, l.delta)

	branches := 2
	if l.nodeID == domain.RootNodeID {
		branches = 1
	}
	type prefix struct {
		posLeft, negLeft   float64
		countLeft          int
		posTotal, negTotal float64
		countTotal         int
	}
	var best *Candidate
	for f := 0; f < l.bins.NumFeatures(); f++ {
		ths := l.bins.Thresholds[f]
		var runs [2]prefix
		for b := 0; b < branches; b++ {
			acc := l.branch[b]
			for s := range acc.wPos[f] {
				runs[b].posTotal += acc.wPos[f][s]
				runs[b].negTotal += acc.wNeg[f][s]
				runs[b].countTotal += acc.count[f][s]
			}
		}
		for k := range ths {
			for b := 0; b < branches; b++ {
				acc := l.branch[b]
				r := &runs[b]
				r.posLeft += acc.wPos[f][k]
				r.negLeft += acc.wNeg[f][k]
				r.countLeft += acc.count[f][k]
				// A side with no examples cannot carry a candidate.
				if r.countLeft == 0 || r.countTotal-r.countLeft == 0 {
					continue
				}
				posRight, negRight := r.posTotal-r.posLeft, r.negTotal-r.negLeft
				edge := (math.Abs(r.posLeft-r.negLeft) + math.Abs(posRight-negRight)) / (2 * l.sumWeight)
				if edge < required {
					continue
				}
				if best != nil && edge <= best.Edge {
					continue
				}
				best = l.candidateAt(b, f, k, r.posLeft, r.negLeft, posRight, negRight, edge)
			}
		}
	}
	return best
}

func (l *Learner) candidateAt(branch, f, k int, posLeft, negLeft, posRight, negRight, edge float64) *Candidate {
	update := domain.NodeUpdate{
		ParentNodeID:  l.nodeID,
		SplitFeature:  l.bins.From + f,
		Threshold:     uint8(l.bins.Thresholds[f][k]),
		OnRight:       branch == 1,
		IsNewTreeRoot: l.nodeID == domain.RootNodeID,
		GammaEstimate: edge,
		PredLeft:      0.5 * math.Log((posLeft+predictionSmoothing)/(negLeft+predictionSmoothing)),
		PredRight:     0.5 * math.Log((posRight+predictionSmoothing)/(negRight+predictionSmoothing)),
	}
	return &Candidate{Update: update, Edge: edge, Scanned: l.scanned}
}
