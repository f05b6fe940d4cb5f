package modelsync

import (
	"testing"
	"time"

	"github.com/harrier-ml/harrier/internal/domain"
	"github.com/harrier-ml/harrier/internal/infra/gamma"
	"github.com/harrier-ml/harrier/internal/infra/scheduler"
	"github.com/harrier-ml/harrier/internal/infra/transport"
)

// fakeNetwork scripts inbound packets and records broadcasts.
type fakeNetwork struct {
	inbound    []*transport.HubPacket
	broadcasts []*transport.Broadcast
	machines   []int
}

func (f *fakeNetwork) TryRecv() (*transport.HubPacket, bool) {
	if len(f.inbound) == 0 {
		return nil, false
	}
	p := f.inbound[0]
	f.inbound = f.inbound[1:]
	return p, true
}

func (f *fakeNetwork) Broadcast(b *transport.Broadcast) { f.broadcasts = append(f.broadcasts, b) }
func (f *fakeNetwork) Machines() []int                  { return f.machines }

// fakePersister records calls.
type fakePersister struct {
	uploads   []string
	snapshots []bool // final flags
	failNext  bool
}

func (f *fakePersister) UploadModel(_ *domain.Model, sig string, _, _ float64, _ string) error {
	f.uploads = append(f.uploads, sig)
	return nil
}

func (f *fakePersister) WriteSnapshot(_ *domain.Model, _ int, final bool) (string, error) {
	f.snapshots = append(f.snapshots, final)
	return "snap.json", nil
}

type fixture struct {
	sync    *Sync
	net     *fakeNetwork
	persist *fakePersister
	gamma   *gamma.Controller
	sched   *scheduler.Scheduler
	samples *SampleState
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, scheduler.DefaultConfig())
}

func newFixtureWith(t *testing.T, schedCfg scheduler.Config) *fixture {
	t.Helper()
	net := &fakeNetwork{machines: []int{0}}
	persist := &fakePersister{}
	gc := gamma.New(0.25, 0.001, 0.8, 4, 0.9)
	sched := scheduler.New(schedCfg)
	sched.Register(0)
	samples := NewSampleState()
	samples.Publish(1, nil)
	sync := New(
		Config{MinESS: 0.1, SnapshotInterval: 1},
		domain.NewModel(0.2),
		gc,
		sched,
		net,
		persist,
		NewState(),
		samples,
	)
	return &fixture{sync: sync, net: net, persist: persist, gamma: gc, sched: sched, samples: samples}
}

func rootPacket(t *testing.T, fx *fixture, machineID int) *transport.HubPacket {
	t.Helper()
	p := domain.NewPacket("w", machineID, domain.RootNodeID, 1, fx.sync.Model().Size(),
		domain.UpdateList{{
			SplitFeature:  0,
			Threshold:     3,
			IsNewTreeRoot: true,
			PredLeft:      0.4,
			PredRight:     -0.4,
		}},
		0.25, 0.9, fx.samples.Version(), fx.sync.Model().Sig, false)
	return &transport.HubPacket{Packet: p, MachineID: machineID}
}

func TestHandlePacket_AcceptExtendsAndBroadcasts(t *testing.T) {
	fx := newFixture(t)
	fx.sched.Update(fx.sync.Model()) // assigns machine 0 to the root

	before := fx.sync.Model().Sig
	fx.sync.handlePacket(rootPacket(t, fx, 0))

	if fx.sync.Model().Size() != 2 {
		t.Fatalf("model size = %d, want 2", fx.sync.Model().Size())
	}
	if fx.sync.Model().Sig == before {
		t.Error("signature did not advance on accept")
	}
	if len(fx.net.broadcasts) == 0 {
		t.Fatal("accept did not broadcast")
	}
	last := fx.net.broadcasts[len(fx.net.broadcasts)-1]
	if last.Model.Sig != fx.sync.Model().Sig {
		t.Error("broadcast carries a stale model")
	}
	if len(fx.persist.uploads) == 0 || fx.persist.uploads[len(fx.persist.uploads)-1] != fx.sync.Model().Sig {
		t.Error("accepted model not uploaded")
	}
	// The worker goes back to the idle pool.
	if fx.sched.AssignmentFor(0) != scheduler.NoAssignment {
		t.Error("machine still assigned after accept")
	}
}

func TestHandlePacket_StaleSampleRejected(t *testing.T) {
	fx := newFixture(t)
	fx.sched.Update(fx.sync.Model())
	hp := rootPacket(t, fx, 0)
	hp.Packet.SampleVer = 0 // head is at version 1

	broadcastsBefore := len(fx.net.broadcasts)
	fx.sync.handlePacket(hp)
	if fx.sync.Model().Size() != 1 {
		t.Error("stale packet mutated the model")
	}
	if len(fx.net.broadcasts) != broadcastsBefore {
		t.Error("reject triggered a broadcast")
	}
	// A repeat of the same packet classifies the same way.
	fx.sync.handlePacket(hp)
	if fx.sync.Model().Size() != 1 {
		t.Error("repeated stale packet mutated the model")
	}
}

func TestHandlePacket_StaleBaseModelRejected(t *testing.T) {
	fx := newFixture(t)
	fx.sched.Update(fx.sync.Model())
	hp := rootPacket(t, fx, 0)
	hp.Packet.BaseModelSig = "someone-elses-model"
	fx.sync.handlePacket(hp)
	if fx.sync.Model().Size() != 1 {
		t.Error("stale-base packet mutated the model")
	}
}

func TestHandlePacket_EmptyRootShrinksRootGamma(t *testing.T) {
	fx := newFixture(t)
	fx.sched.Update(fx.sync.Model())
	hp := rootPacket(t, fx, 0)
	hp.Packet.Fallback = true
	hp.Packet.Updates = nil

	rootBefore := fx.gamma.RootGamma
	gammaBefore := fx.gamma.Gamma
	fx.sync.handlePacket(hp)

	if fx.gamma.RootGamma >= rootBefore {
		t.Errorf("root gamma = %v, want < %v", fx.gamma.RootGamma, rootBefore)
	}
	if fx.gamma.Gamma != gammaBefore {
		t.Error("non-root gamma moved on a root failure")
	}
	if len(fx.net.broadcasts) == 0 {
		t.Error("empty root did not re-broadcast the new gamma")
	}
	if fx.sync.Model().Size() != 1 {
		t.Error("empty packet mutated the model")
	}
}

func TestHandlePacket_EmptyNonrootFeedsGammaWindow(t *testing.T) {
	cfg := scheduler.DefaultConfig()
	cfg.MinGridSize = 0 // no root preference: hand out the interior node
	cfg.FailureThreshold = 100
	fx := newFixtureWith(t, cfg)
	// Grow a non-root node and assign the worker to it.
	if _, err := fx.sync.Model().Apply(domain.UpdateList{{
		SplitFeature: 0, Threshold: 1, IsNewTreeRoot: true,
	}}); err != nil {
		t.Fatal(err)
	}
	fx.sched.Update(fx.sync.Model())
	node := fx.sched.AssignmentFor(0)
	if node == scheduler.NoAssignment {
		t.Fatal("no assignment")
	}

	gammaBefore := fx.gamma.Gamma
	// Window size 4, all failures: γ must shrink on Adjust.
	for i := 0; i < 4; i++ {
		p := domain.NewPacket("w", 0, node, i, fx.sync.Model().Size(), nil,
			0.25, 0.9, fx.samples.Version(), fx.sync.Model().Sig, true)
		fx.sync.handlePacket(&transport.HubPacket{Packet: p, MachineID: 0})
		fx.sched.Update(fx.sync.Model()) // re-assign for the next round
	}
	if !fx.gamma.Adjust() {
		t.Fatal("gamma did not shrink after an all-failure window")
	}
	if fx.gamma.Gamma >= gammaBefore {
		t.Errorf("gamma = %v, want < %v", fx.gamma.Gamma, gammaBefore)
	}
}

func TestRun_GammaCollapseWritesFinalSnapshotAndShutdown(t *testing.T) {
	fx := newFixture(t)
	// Collapse γ below the floor before starting.
	for fx.gamma.Valid() {
		for i := 0; i < 4; i++ {
			fx.gamma.RecordFailure()
		}
		fx.gamma.Adjust()
	}

	done := make(chan struct{})
	go func() {
		fx.sync.Run()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not exit on collapsed gamma")
	}

	var finals int
	for _, final := range fx.persist.snapshots {
		if final {
			finals++
		}
	}
	if finals != 1 {
		t.Errorf("final snapshots = %d, want 1", finals)
	}
	last := fx.net.broadcasts[len(fx.net.broadcasts)-1]
	if !last.Shutdown {
		t.Error("last broadcast is not the shutdown marker")
	}
}

func TestSampleState_MonotoneVersion(t *testing.T) {
	s := NewSampleState()
	s.Publish(3, map[int]int{0: 100})
	s.Publish(2, map[int]int{0: 50})
	if s.Version() != 3 {
		t.Errorf("Version() = %d, want 3", s.Version())
	}
	if s.NodeCount(0) != 100 {
		t.Errorf("NodeCount(0) = %d; stale publish overwrote counts", s.NodeCount(0))
	}
}
