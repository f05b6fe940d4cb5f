// Package booster drives one worker: pull a batch from the loader,
// feed the weak learner, and turn candidates and fallbacks into
// packets for the head. Model broadcasts replace the local model,
// advance the buffer scores, and hand the worker its next assignment.
package booster

import (
	"errors"
	"log"
	"math"
	"time"

	"github.com/harrier-ml/harrier/internal/domain"
	"github.com/harrier-ml/harrier/internal/infra/learner"
	"github.com/harrier-ml/harrier/internal/infra/loader"
	"github.com/harrier-ml/harrier/internal/infra/metrics"
	"github.com/harrier-ml/harrier/internal/infra/scheduler"
	"github.com/harrier-ml/harrier/internal/infra/transport"
)

var ErrNoExamples = errors.New("booster: loader produced no examples")

// idleSleep paces the loop while the worker has nothing to scan:
// no assignment yet, or a packet in flight.
const idleSleep = 10 * time.Millisecond

// Network is the worker side of the transport.
type Network interface {
	Send(*domain.Packet) error
	TryRecv() (*transport.Broadcast, bool)
}

// Config carries the per-worker parameters.
type Config struct {
	MachineName string
	MachineID   int
	MinGamma    float64
	Loss        domain.LossKind
}

// Booster is the worker training loop.
type Booster struct {
	cfg     Config
	loader  *loader.Loader
	learner *learner.Learner
	network Network

	// modelOut forwards adopted models to the local sampler so the
	// stratified pool reweights; nil when the sampler runs elsewhere.
	modelOut chan<- *domain.Model

	model        *domain.Model
	gamma        float64
	rootGamma    float64
	gammaVersion int
	rootGammaVer int

	nodeID      int
	awaitingAck bool
	sentAt      time.Time
	counter     int
}

// New creates a worker loop. The booster owns the loader and learner;
// everything it shares with other goroutines goes through the network
// and the model channel.
func New(cfg Config, ld *loader.Loader, lr *learner.Learner, network Network, modelOut chan<- *domain.Model) *Booster {
	return &Booster{
		cfg:      cfg,
		loader:   ld,
		learner:  lr,
		network:  network,
		modelOut: modelOut,
		nodeID:   scheduler.NoAssignment,
	}
}

// Run trains until the head broadcasts shutdown, γ collapses below the
// floor, or stop closes.
func (b *Booster) Run(stop <-chan struct{}) {
	log.Printf("[booster] worker %s (%d) starting", b.cfg.MachineName, b.cfg.MachineID)
	for {
		select {
		case <-stop:
			return
		default:
		}

		if shutdown := b.drainBroadcasts(); shutdown {
			log.Printf("[booster] worker %d: shutdown broadcast", b.cfg.MachineID)
			return
		}
		if b.model != nil && b.gamma < b.cfg.MinGamma {
			log.Printf("[booster] worker %d: gamma %.6f below floor", b.cfg.MachineID, b.gamma)
			return
		}
		if b.model == nil || b.nodeID == scheduler.NoAssignment || b.awaitingAck {
			time.Sleep(idleSleep)
			continue
		}

		b.iterate()
	}
}

// iterate runs one boosting step: batch → weights → learner → packet.
func (b *Booster) iterate() {
	batch := b.loader.GetNextBatch(true)
	if len(batch) == 0 {
		time.Sleep(idleSleep)
		return
	}
	metrics.BatchesServed.Inc()
	metrics.BufferESS.Set(b.loader.ESS())
	metrics.SampleVersion.Set(float64(b.loader.SampleVersion()))

	weights := b.cfg.Loss.Weights(batch)
	cand, fallback := b.learner.Update(batch, weights)
	switch {
	case cand != nil:
		b.sendPacket(domain.UpdateList{cand.Update}, cand.Edge, false)
	case fallback:
		b.sendPacket(nil, b.targetGamma(), true)
	}
}

// sendPacket assembles and ships one packet, then resets the learner:
// whatever happens to the packet, its statistics are spent.
func (b *Booster) sendPacket(updates domain.UpdateList, edge float64, fallback bool) {
	b.counter++
	packet := domain.NewPacket(
		b.cfg.MachineName, b.cfg.MachineID, b.nodeID, b.counter,
		b.model.Size()+len(updates),
		updates, edge, b.loader.ESS(), b.loader.SampleVersion(),
		b.model.Sig, fallback,
	)
	if err := b.network.Send(&packet); err != nil {
		// Operational: the head reconciles on the next broadcast.
		log.Printf("[booster] worker %d: send failed: %v", b.cfg.MachineID, err)
	} else {
		b.awaitingAck = true
		b.sentAt = time.Now()
	}
	b.learner.Reset()
}

// drainBroadcasts applies every queued broadcast, newest last, and
// reports whether a shutdown marker arrived. Duplicate broadcasts
// (same signature and γ versions) are ignored.
func (b *Booster) drainBroadcasts() bool {
	for {
		bc, ok := b.network.TryRecv()
		if !ok {
			return false
		}
		if bc.Shutdown {
			return true
		}
		b.apply(bc)
	}
}

func (b *Booster) apply(bc *transport.Broadcast) {
	fresh := b.model == nil ||
		bc.Model.Sig != b.model.Sig ||
		bc.GammaVersion != b.gammaVersion ||
		bc.RootGammaVer != b.rootGammaVer

	assignment := scheduler.NoAssignment
	if node, ok := bc.Assignments[b.cfg.MachineID]; ok {
		assignment = node
	}

	if !fresh && assignment == b.nodeID {
		return
	}

	if b.model == nil || bc.Model.Sig != b.model.Sig {
		b.model = bc.Model
		b.loader.UpdateScores(b.model)
		b.learner.SetModel(b.model)
		if b.awaitingAck {
			metrics.PacketRoundtrip.Observe(time.Since(b.sentAt).Seconds())
		}
		if b.modelOut != nil {
			select {
			case b.modelOut <- b.model:
			default:
			}
		}
	}
	b.gamma = bc.Gamma
	b.rootGamma = bc.RootGamma
	b.gammaVersion = bc.GammaVersion
	b.rootGammaVer = bc.RootGammaVer
	b.awaitingAck = false

	b.nodeID = assignment
	if b.nodeID != scheduler.NoAssignment {
		b.learner.Assign(b.nodeID, b.targetGamma())
	}
	log.Printf("[booster] worker %d: model %s (%d nodes), gamma %.4f, assignment %d",
		b.cfg.MachineID, b.model.Sig, b.model.Size(), b.gamma, b.nodeID)
}

// targetGamma picks the edge for the current assignment: the root edge
// for new trees, the regular edge otherwise.
func (b *Booster) targetGamma() float64 {
	if b.nodeID == domain.RootNodeID {
		return b.rootGamma
	}
	return b.gamma
}

// BootstrapRoot scans up to maxSampleSize examples and builds the
// initial one-node model carrying the label-balancing prediction
// ½·ln(n⁺/n⁻). The returned γ is the constant rule's edge,
// |½ − n⁺/(n⁺+n⁻)|.
func BootstrapRoot(maxSampleSize int, ld *loader.Loader) (*domain.Model, float64, error) {
	nPos, nNeg := 0, 0
	remaining := maxSampleSize
	for remaining > 0 {
		batch := ld.GetNextBatch(true)
		if len(batch) == 0 {
			break
		}
		for i := range batch {
			if batch[i].Example.Label > 0 {
				nPos++
			} else {
				nNeg++
			}
		}
		remaining -= len(batch)
	}
	if nPos+nNeg == 0 {
		return nil, 0, ErrNoExamples
	}

	prediction := 0.5 * logRatio(nPos, nNeg)
	gamma0 := math.Abs(0.5 - float64(nPos)/float64(nPos+nNeg))
	log.Printf("[booster] root tree: %d pos, %d neg, prediction %.4f, gamma %.4f",
		nPos, nNeg, prediction, gamma0)
	return domain.NewModel(prediction), gamma0, nil
}

func logRatio(a, b int) float64 {
	const eps = 1e-9
	return math.Log((float64(a) + eps) / (float64(b) + eps))
}
