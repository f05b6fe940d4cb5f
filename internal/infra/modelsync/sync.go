// Package modelsync runs the head node: it classifies worker packets,
// extends the global model with accepted update lists, drives the γ
// controller and the scheduler, and broadcasts every new model and
// assignment table back to the workers. Packets are processed strictly
// one at a time, so model mutations are linearised; there is no global
// ordering across workers — stale work is rejected by signature, not
// prevented.
package modelsync

import (
	"log"
	"sync"
	"time"

	"github.com/harrier-ml/harrier/internal/domain"
	"github.com/harrier-ml/harrier/internal/infra/gamma"
	"github.com/harrier-ml/harrier/internal/infra/metrics"
	"github.com/harrier-ml/harrier/internal/infra/scheduler"
	"github.com/harrier-ml/harrier/internal/infra/transport"
)

// backoff tuning for the try-receive loop: short sleeps on consecutive
// misses instead of spinning.
const (
	backoffStep = time.Millisecond
	backoffMax  = 50 * time.Millisecond
)

// Network is the slice of the transport hub the sync loop needs.
type Network interface {
	TryRecv() (*transport.HubPacket, bool)
	Broadcast(*transport.Broadcast)
	Machines() []int
}

// Persister is the durable-storage surface consumed on accepts.
type Persister interface {
	UploadModel(model *domain.Model, sig string, gamma, rootGamma float64, expName string) error
	WriteSnapshot(model *domain.Model, iteration int, final bool) (string, error)
}

// Config carries the deployment parameters of the sync loop.
type Config struct {
	NumIterations    int // accepted non-root nodes before stopping; 0 = forever
	MinESS           float64
	ExpName          string
	SnapshotInterval int // accepted packets between audit snapshots
}

// Sync is the head-side protocol driver.
type Sync struct {
	cfg     Config
	model   *domain.Model
	gamma   *gamma.Controller
	sched   *scheduler.Scheduler
	network Network
	persist Persister
	state   *State
	samples *SampleState

	acceptedNonroot int
	acceptedTotal   int

	statusMu sync.RWMutex
	status   StatusSnapshot
}

// StatusSnapshot is the read side of the sync loop for the HTTP API:
// updated on every broadcast, safe to read from other goroutines.
type StatusSnapshot struct {
	ModelSize     int
	ModelSig      string
	Gamma         float64
	RootGamma     float64
	SampleVersion int
	Accepted      int
}

// New wires a sync loop around an initial model (usually the bootstrap
// root tree).
func New(
	cfg Config,
	model *domain.Model,
	gc *gamma.Controller,
	sched *scheduler.Scheduler,
	network Network,
	persist Persister,
	state *State,
	samples *SampleState,
) *Sync {
	return &Sync{
		cfg:     cfg,
		model:   model,
		gamma:   gc,
		sched:   sched,
		network: network,
		persist: persist,
		state:   state,
		samples: samples,
	}
}

// Model returns the current global model. Owned by the sync loop; do
// not read concurrently with Run — the API uses Status instead.
func (s *Sync) Model() *domain.Model { return s.model }

// Accepted returns the number of accepted non-root extensions.
func (s *Sync) Accepted() int { return s.acceptedNonroot }

// Status returns the latest broadcast-time snapshot.
func (s *Sync) Status() StatusSnapshot {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// Run drives the head until the state flag drops, γ collapses, or the
// iteration budget is reached. On exit it writes a final snapshot and
// broadcasts the shutdown marker.
func (s *Sync) Run() {
	log.Printf("[sync] head loop starting: model size %d, gamma %.4f", s.model.Size(), s.gamma.Gamma)
	s.broadcast(true)

	misses := 0
	for s.state.Running() && s.continueTraining() {
		// γ first: a shrink resets failure tallies and re-opens
		// retired nodes before new assignments go out.
		if s.gamma.Adjust() {
			s.sched.ResetFailures()
			s.broadcast(false)
		}

		for _, machine := range s.network.Machines() {
			s.sched.Register(machine)
		}
		if s.sched.Update(s.model) > 0 {
			s.broadcast(false)
		}

		hp, ok := s.network.TryRecv()
		if !ok {
			misses++
			sleep := time.Duration(misses) * backoffStep
			if sleep > backoffMax {
				sleep = backoffMax
			}
			time.Sleep(sleep)
			continue
		}
		misses = 0
		s.handlePacket(hp)
	}

	log.Printf("[sync] head loop quitting: model size %d, gamma valid %v, accepted %d",
		s.model.Size(), s.gamma.Valid(), s.acceptedNonroot)
	if _, err := s.persist.WriteSnapshot(s.model, s.acceptedTotal, true); err != nil {
		log.Printf("[sync] final snapshot failed: %v", err)
	}
	s.network.Broadcast(&transport.Broadcast{Shutdown: true, Model: s.model.Clone()})
	s.state.Stop()
}

func (s *Sync) continueTraining() bool {
	if !s.gamma.Valid() {
		return false
	}
	return s.cfg.NumIterations <= 0 || s.acceptedNonroot < s.cfg.NumIterations
}

// handlePacket classifies one packet and dispatches on the taxonomy.
func (s *Sync) handlePacket(hp *transport.HubPacket) {
	p := &hp.Packet
	view := domain.HeadView{
		AssignedNode: s.sched.AssignmentFor(hp.MachineID),
		ModelSig:     s.model.Sig,
		SampleVer:    s.samples.Version(),
		MinESS:       s.cfg.MinESS,
	}
	ptype := p.Classify(view)
	metrics.PacketsReceived.WithLabelValues(ptype.String()).Inc()

	switch ptype {
	case domain.AcceptRoot, domain.AcceptNonroot:
		s.handleAccept(hp, ptype)
	case domain.EmptyRoot:
		s.sched.HandleFailure(hp.MachineID, p.NodeID, s.failureWeight(p.NodeID))
		s.gamma.DecreaseRootGamma()
		s.broadcast(false)
	case domain.EmptyNonroot:
		s.sched.HandleFailure(hp.MachineID, p.NodeID, s.failureWeight(p.NodeID))
		s.gamma.RecordFailure()
	case domain.RejectSample, domain.RejectBaseModel, domain.AssignMismatch, domain.SmallEffSize:
		// Discard: no model mutation, no γ statistics.
		log.Printf("[sync] %s from machine %d (node %d, sample %d, base %s)",
			ptype, hp.MachineID, p.NodeID, p.SampleVer, p.BaseModelSig)
	}
}

func (s *Sync) handleAccept(hp *transport.HubPacket, ptype domain.PacketType) {
	p := &hp.Packet
	depths, err := s.model.Apply(p.Updates)
	if err != nil {
		// A malformed accept is a protocol bug on the worker; drop it.
		log.Printf("[sync] apply from machine %d failed: %v", hp.MachineID, err)
		return
	}
	s.acceptedTotal++
	if ptype == domain.AcceptNonroot {
		s.acceptedNonroot++
		s.gamma.RecordSuccess()
		metrics.NodesAccepted.WithLabelValues("nonroot").Add(float64(len(depths)))
	} else {
		metrics.NodesAccepted.WithLabelValues("root").Add(float64(len(depths)))
	}
	metrics.ModelSize.Set(float64(s.model.Size()))

	if s.sched.HandleSuccess(hp.MachineID, p.NodeID, s.model) {
		log.Printf("[sync] node %d exhausted", p.NodeID)
	}
	log.Printf("[sync] accepted %s from machine %d: node %d +%d nodes, model %d (%s)",
		p.PacketSig, hp.MachineID, p.NodeID, len(depths), s.model.Size(), s.model.Sig)
	s.broadcast(true)
}

// failureWeight scales a failure by the share of the sample reaching
// the node; an unknown count weighs one full observation.
func (s *Sync) failureWeight(nodeID int) float64 {
	count := s.samples.NodeCount(nodeID)
	total := s.samples.Total()
	if count <= 0 || total <= 0 {
		return 1
	}
	return float64(count) / float64(total)
}

// broadcast ships the current model, edges, sample version, and
// assignment table to every worker. With persist set the model is also
// uploaded to durable storage; upload failure is operational, not
// fatal — training reconciles on the next accepted packet.
func (s *Sync) broadcast(persist bool) {
	if persist {
		if err := s.persist.UploadModel(s.model, s.model.Sig, s.gamma.Gamma, s.gamma.RootGamma, s.cfg.ExpName); err != nil {
			log.Printf("[sync] upload model %s failed: %v", s.model.Sig, err)
		}
		if s.cfg.SnapshotInterval > 0 && s.acceptedTotal%s.cfg.SnapshotInterval == 0 {
			if _, err := s.persist.WriteSnapshot(s.model, s.acceptedTotal, false); err != nil {
				log.Printf("[sync] snapshot failed: %v", err)
			}
		}
	}
	s.network.Broadcast(&transport.Broadcast{
		Model:         s.model.Clone(),
		Gamma:         s.gamma.Gamma,
		RootGamma:     s.gamma.RootGamma,
		GammaVersion:  s.gamma.Version,
		RootGammaVer:  s.gamma.RootVersion,
		SampleVersion: s.samples.Version(),
		Assignments:   s.sched.Snapshot(),
		Shutdown:      false,
	})
	metrics.BroadcastsSent.Inc()
	metrics.CurrentGamma.Set(s.gamma.Gamma)
	metrics.CurrentRootGamma.Set(s.gamma.RootGamma)

	s.statusMu.Lock()
	s.status = StatusSnapshot{
		ModelSize:     s.model.Size(),
		ModelSig:      s.model.Sig,
		Gamma:         s.gamma.Gamma,
		RootGamma:     s.gamma.RootGamma,
		SampleVersion: s.samples.Version(),
		Accepted:      s.acceptedNonroot,
	}
	s.statusMu.Unlock()
}
