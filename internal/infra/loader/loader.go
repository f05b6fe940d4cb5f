// Package loader implements the double-buffered sample stream feeding
// the weak learner. One buffer serves batches at steady state while
// the sampler assembles its successor in the background; the two swap
// through a single-slot mailbox. The loader also tracks the effective
// sample size of the live buffer and asks the sampler for a fresh
// sample when it degrades.
package loader

import (
	"errors"
	"log"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/harrier-ml/harrier/internal/domain"
)

var ErrNoFirstBuffer = errors.New("loader: no sample buffer arrived before the init deadline")

// Signal is the loader→sampler control message.
type Signal int

const (
	SignalStart Signal = iota
	SignalStop
)

// pollInterval is how long a blocking switch sleeps between drop-box
// probes.
const pollInterval = 100 * time.Millisecond

// Loader owns the live sample buffer. All methods are called from the
// single booster goroutine; only the mailbox is shared with the
// gatherer.
type Loader struct {
	target    int
	size      int
	batchSize int
	numBatch  int

	examples []domain.ScoredExample
	version  int
	curr     int

	mailbox  *Mailbox
	signals  chan<- Signal
	blocking bool
	loss     domain.LossKind
	minESS   float64

	ess float64
}

// New creates a loader. size is the target live-buffer size and
// batchSize the slice handed to the learner per call. In non-blocking
// mode the sampler runs continuously and the loader polls the mailbox;
// in blocking mode the loader drives the sampler with START/STOP
// around each switch. minESS of 0 disables ESS-triggered resampling.
func New(size, batchSize int, mailbox *Mailbox, signals chan<- Signal, blocking bool, loss domain.LossKind, minESS float64) *Loader {
	l := &Loader{
		target:    size,
		size:      size,
		batchSize: batchSize,
		numBatch:  (size + batchSize - 1) / batchSize,
		mailbox:   mailbox,
		signals:   signals,
		blocking:  blocking,
		loss:      loss,
		minESS:    minESS,
		ess:       1.0,
	}
	if !l.blocking {
		l.signal(SignalStart)
	}
	return l
}

// NumBatches returns how many GetNextBatch calls cover the buffer once.
func (l *Loader) NumBatches() int { return l.numBatch }

// ESS returns the effective sample size of the live buffer, in [0, 1];
// it is 0 only when every weight in the buffer is zero.
func (l *Loader) ESS() float64 { return l.ess }

// SampleVersion returns the version of the live buffer's sample set.
func (l *Loader) SampleVersion() int { return l.version }

// InitBlock waits for the first buffer to arrive, retrying the switch
// at a fixed interval. Training cannot start without a sample set, so
// failure here is fatal to the run.
func (l *Loader) InitBlock(deadline time.Duration) error {
	until := time.Now().Add(deadline)
	for !l.TrySwitch() {
		if time.Now().After(until) {
			return ErrNoFirstBuffer
		}
		time.Sleep(pollInterval)
	}
	return nil
}

// GetNextBatch returns the next slice of the live buffer. With
// allowSwitch the mailbox is probed first and a newly published buffer
// adopted. The buffer is scanned repeatedly: crossing the end
// recomputes ESS and wraps the cursor.
func (l *Loader) GetNextBatch(allowSwitch bool) []domain.ScoredExample {
	if allowSwitch {
		l.TrySwitch()
	}
	if len(l.examples) == 0 {
		return nil
	}
	l.curr += l.batchSize
	if l.curr >= l.size {
		l.updateESS()
		l.curr = 0
	}
	tail := l.curr + l.batchSize
	if tail > l.size {
		tail = l.size
	}
	return l.examples[l.curr:tail]
}

// TrySwitch adopts a freshly published buffer if one is available and
// reports whether it did. In blocking mode it drives the sampler and
// sleeps between probes; in non-blocking mode it never waits.
func (l *Loader) TrySwitch() bool {
	if l.blocking {
		l.signal(SignalStart)
		buf, ok := l.mailbox.TryTake()
		for !ok {
			time.Sleep(pollInterval)
			buf, ok = l.mailbox.TryTake()
		}
		l.signal(SignalStop)
		l.adopt(buf)
		return true
	}
	buf, ok := l.mailbox.TryTake()
	if !ok {
		return false
	}
	l.adopt(buf)
	return true
}

func (l *Loader) adopt(buf ScoredBuffer) {
	examples := make([]domain.ScoredExample, len(buf.Examples))
	for i, ews := range buf.Examples {
		examples[i] = domain.NewScoredExample(ews)
	}
	l.examples = examples
	l.size = l.target
	if len(examples) < l.size {
		l.size = len(examples)
	}
	l.numBatch = (l.size + l.batchSize - 1) / l.batchSize
	l.version = buf.Version
	l.curr = 0
	l.updateESS()
	log.Printf("[loader] switched buffer: %d examples, sample version %d, ess %.3f",
		len(examples), l.version, l.ess)
}

// UpdateScores advances every example's current score by the model
// nodes it has not seen yet, then recomputes ESS. The sweep is
// data-parallel with no shared state per example.
func (l *Loader) UpdateScores(model *domain.Model) {
	size := model.Size()
	shards := runtime.GOMAXPROCS(0)
	if shards > len(l.examples) {
		shards = 1
	}
	var g errgroup.Group
	chunk := (len(l.examples) + shards - 1) / shards
	for s := 0; s < shards; s++ {
		lo := s * chunk
		hi := lo + chunk
		if hi > len(l.examples) {
			hi = len(l.examples)
		}
		if lo >= hi {
			continue
		}
		part := l.examples[lo:hi]
		g.Go(func() error {
			for i := range part {
				ex := &part[i]
				ex.Curr.Value += model.PredictRange(&ex.Example, ex.Curr.ModelLen, size)
				ex.Curr.ModelLen = size
			}
			return nil
		})
	}
	_ = g.Wait()
	l.updateESS()
}

// updateESS recomputes (Σw)² / (N·Σw²) over the live buffer and asks
// the sampler for a fresh sample when it falls below the floor.
func (l *Loader) updateESS() {
	if len(l.examples) == 0 {
		return
	}
	var sum, sumSq float64
	for i := range l.examples {
		w := l.loss.Weight(&l.examples[i])
		sum += w
		sumSq += w * w
	}
	if sumSq == 0 {
		l.ess = 0
	} else {
		l.ess = sum * sum / sumSq / float64(len(l.examples))
	}
	if l.minESS > 0 && l.ess < l.minESS {
		l.signal(SignalStart)
	}
}

// signal never blocks: a full channel means the sampler already has
// work queued.
func (l *Loader) signal(s Signal) {
	if l.signals == nil {
		return
	}
	select {
	case l.signals <- s:
	default:
	}
}
