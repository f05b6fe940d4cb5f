// Package sampler provides the in-memory sampler behind the loader's
// drop box. The stratified on-disk storage of a full deployment is a
// separate system; this sampler keeps the example pool in memory,
// rescores it as models arrive, and publishes importance-resampled
// buffers so single-machine runs and tests exercise the exact loader
// protocol.
package sampler

import (
	"log"
	"math"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/harrier-ml/harrier/internal/domain"
	"github.com/harrier-ml/harrier/internal/infra/loader"
)

// idleSleep paces the non-blocking run loop between publishes.
const idleSleep = 50 * time.Millisecond

// Sampler resamples a fixed pool proportional to boosting weights.
type Sampler struct {
	mailbox *loader.Mailbox
	signals <-chan loader.Signal
	models  <-chan *domain.Model
	size    int
	loss    domain.LossKind
	rng     *rand.Rand

	// OnPublish, when set, observes every published buffer: the new
	// sample version and per-node example counts under the model the
	// buffer was drawn with. The head feeds these into its sample
	// state.
	OnPublish func(version int, nodeCounts map[int]int)

	mu      sync.Mutex
	pool    []domain.Example
	scores  []float64
	model   *domain.Model
	version int
}

// New creates a sampler over a fixed example pool. size is the buffer
// size it publishes.
func New(
	pool []domain.Example,
	size int,
	mailbox *loader.Mailbox,
	signals <-chan loader.Signal,
	models <-chan *domain.Model,
	loss domain.LossKind,
	seed int64,
) *Sampler {
	return &Sampler{
		mailbox: mailbox,
		signals: signals,
		models:  models,
		size:    size,
		loss:    loss,
		rng:     rand.New(rand.NewSource(seed)),
		pool:    pool,
		scores:  make([]float64, len(pool)),
	}
}

// Run drives the sampler until stop closes. In blocking mode it only
// assembles on START; otherwise it keeps a fresh buffer published
// whenever the model has advanced or the loader asked for one.
func (s *Sampler) Run(blocking bool, stop <-chan struct{}) {
	wantPublish := !blocking
	for {
		select {
		case <-stop:
			return
		case m := <-s.models:
			s.UpdateModel(m)
			wantPublish = true
		case sig := <-s.signals:
			if sig == loader.SignalStart {
				wantPublish = true
			}
		default:
			if wantPublish {
				s.Publish()
				wantPublish = false
				if blocking {
					// Wait for the loader's STOP before the next round.
					select {
					case <-s.signals:
					case <-stop:
						return
					}
				}
			}
			time.Sleep(idleSleep)
		}
	}
}

// UpdateModel rescores the pool under a newer model. The sweep is
// data-parallel; each shard owns its slice of the score vector.
func (s *Sampler) UpdateModel(m *domain.Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model != nil && m.Size() <= s.model.Size() {
		s.model = m
		return
	}
	from := 0
	if s.model != nil {
		from = s.model.Size()
	}
	shards := runtime.GOMAXPROCS(0)
	if shards > len(s.pool) {
		shards = 1
	}
	var g errgroup.Group
	chunk := (len(s.pool) + shards - 1) / shards
	for sh := 0; sh < shards; sh++ {
		lo := sh * chunk
		hi := lo + chunk
		if hi > len(s.pool) {
			hi = len(s.pool)
		}
		if lo >= hi {
			continue
		}
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				s.scores[i] += m.PredictRange(&s.pool[i], from, m.Size())
			}
			return nil
		})
	}
	_ = g.Wait()
	s.model = m
}

// Publish assembles one importance-resampled buffer and drops it in
// the mailbox under the next sample version.
func (s *Sampler) Publish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pool) == 0 {
		return
	}

	weights := make([]float64, len(s.pool))
	total := 0.0
	for i := range s.pool {
		w := math.Exp(-float64(s.pool[i].Label) * s.scores[i])
		if s.loss == domain.LossLogistic {
			w = 1.0 / (1.0 + math.Exp(float64(s.pool[i].Label)*s.scores[i]))
		}
		if math.IsNaN(w) || math.IsInf(w, 0) {
			w = 0
		}
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return
	}
	// Cumulative distribution for weighted draws with replacement.
	cum := make([]float64, len(weights))
	acc := 0.0
	for i, w := range weights {
		acc += w
		cum[i] = acc
	}

	modelLen := 0
	if s.model != nil {
		modelLen = s.model.Size()
	}
	examples := make([]domain.ExampleWithScore, s.size)
	for i := range examples {
		idx := searchFloat(cum, s.rng.Float64()*total)
		examples[i] = domain.ExampleWithScore{
			Example: s.pool[idx],
			Score:   domain.Score{Value: s.scores[idx], ModelLen: modelLen},
		}
	}

	s.version++
	s.mailbox.Publish(loader.ScoredBuffer{Examples: examples, Version: s.version})
	log.Printf("[sampler] published sample version %d (%d examples)", s.version, len(examples))

	if s.OnPublish != nil {
		s.OnPublish(s.version, s.nodeCounts(examples))
	}
}

// nodeCounts tallies how many published examples reach each model
// node. Callers hold the lock.
func (s *Sampler) nodeCounts(examples []domain.ExampleWithScore) map[int]int {
	counts := make(map[int]int)
	if s.model == nil {
		counts[domain.RootNodeID] = len(examples)
		return counts
	}
	for i := range examples {
		for id := 0; id < s.model.Size(); id++ {
			if s.model.Reaches(&examples[i].Example, id) {
				counts[id]++
			}
		}
	}
	return counts
}

// searchFloat returns the first index whose cumulative value exceeds x.
func searchFloat(cum []float64, x float64) int {
	lo, hi := 0, len(cum)-1
	for lo < hi {
		mid := (lo + hi) / 2
		if cum[mid] <= x {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
