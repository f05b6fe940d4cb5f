package loader

import (
	"math"
	"testing"
	"time"

	"github.com/harrier-ml/harrier/internal/domain"
)

func uniformBuffer(n int, score float64, version int) ScoredBuffer {
	examples := make([]domain.ExampleWithScore, n)
	for i := range examples {
		examples[i] = domain.ExampleWithScore{
			Example: domain.Example{Features: []uint8{0, 1, 2}, Label: 1},
			Score:   domain.Score{Value: score, ModelLen: 0},
		}
	}
	return ScoredBuffer{Examples: examples, Version: version}
}

func newTestLoader(t *testing.T) (*Loader, *Mailbox) {
	t.Helper()
	mailbox := &Mailbox{}
	l := New(100, 10, mailbox, nil, false, domain.LossExp, 0)
	return l, mailbox
}

// ─── Batching and switching ─────────────────────────────────────────────────

func TestGetNextBatch_ServesBufferRepeatedly(t *testing.T) {
	l, mailbox := newTestLoader(t)
	mailbox.Publish(uniformBuffer(100, 1.0, 1))

	for i := 0; i < 20; i++ {
		batch := l.GetNextBatch(true)
		if len(batch) != 10 {
			t.Fatalf("batch %d: len = %d, want 10", i, len(batch))
		}
		for j := range batch {
			if batch[j].Curr.Value != 1.0 || batch[j].Base.Value != 1.0 {
				t.Fatalf("batch %d example %d: scores = (%v, %v), want 1.0",
					i, j, batch[j].Base.Value, batch[j].Curr.Value)
			}
		}
	}

	mailbox.Publish(uniformBuffer(100, 2.0, 2))
	for i := 0; i < 10; i++ {
		batch := l.GetNextBatch(true)
		if len(batch) != 10 {
			t.Fatalf("batch %d after switch: len = %d", i, len(batch))
		}
		for j := range batch {
			if batch[j].Curr.Value != 2.0 {
				t.Fatalf("batch %d example %d: curr = %v, want 2.0", i, j, batch[j].Curr.Value)
			}
		}
	}
	if l.SampleVersion() != 2 {
		t.Errorf("SampleVersion() = %d, want 2", l.SampleVersion())
	}
}

func TestGetNextBatch_EmptyMailboxKeepsBuffer(t *testing.T) {
	l, mailbox := newTestLoader(t)
	mailbox.Publish(uniformBuffer(50, 1.0, 1))
	if l.GetNextBatch(true) == nil {
		t.Fatal("no batch after publish")
	}
	// Mailbox drained: further switches are no-ops.
	for i := 0; i < 30; i++ {
		if batch := l.GetNextBatch(true); len(batch) == 0 {
			t.Fatalf("batch %d empty with a live buffer", i)
		}
	}
	if l.SampleVersion() != 1 {
		t.Errorf("SampleVersion() = %d, want 1", l.SampleVersion())
	}
}

func TestGetNextBatch_NoSwitchWithoutPermission(t *testing.T) {
	l, mailbox := newTestLoader(t)
	mailbox.Publish(uniformBuffer(50, 1.0, 1))
	if l.GetNextBatch(true) == nil {
		t.Fatal("no batch")
	}
	mailbox.Publish(uniformBuffer(50, 2.0, 2))
	batch := l.GetNextBatch(false)
	if batch[0].Curr.Value != 1.0 {
		t.Errorf("GetNextBatch(false) adopted the new buffer")
	}
}

func TestGetNextBatch_NoBuffer(t *testing.T) {
	l, _ := newTestLoader(t)
	if batch := l.GetNextBatch(true); batch != nil {
		t.Errorf("batch from empty loader: %v", batch)
	}
}

func TestInitBlock_Timeout(t *testing.T) {
	l, _ := newTestLoader(t)
	if err := l.InitBlock(50 * time.Millisecond); err != ErrNoFirstBuffer {
		t.Errorf("InitBlock() = %v, want ErrNoFirstBuffer", err)
	}
}

func TestMailbox_OverwriteKeepsNewest(t *testing.T) {
	m := &Mailbox{}
	m.Publish(uniformBuffer(10, 1.0, 1))
	m.Publish(uniformBuffer(10, 2.0, 2))
	buf, ok := m.TryTake()
	if !ok {
		t.Fatal("TryTake() empty after two publishes")
	}
	if buf.Version != 2 {
		t.Errorf("Version = %d, want the newest (2)", buf.Version)
	}
	if _, ok := m.TryTake(); ok {
		t.Error("TryTake() returned a second buffer")
	}
}

// ─── Signals ────────────────────────────────────────────────────────────────

func TestNew_NonBlockingSendsStart(t *testing.T) {
	signals := make(chan Signal, 4)
	New(100, 10, &Mailbox{}, signals, false, domain.LossExp, 0)
	select {
	case s := <-signals:
		if s != SignalStart {
			t.Errorf("signal = %v, want SignalStart", s)
		}
	default:
		t.Error("non-blocking loader did not start the sampler")
	}
}

func TestBlockingSwitch_StartThenStop(t *testing.T) {
	signals := make(chan Signal, 4)
	mailbox := &Mailbox{}
	l := New(20, 10, mailbox, signals, true, domain.LossExp, 0)
	mailbox.Publish(uniformBuffer(20, 0, 1))
	if !l.TrySwitch() {
		t.Fatal("blocking switch failed with a published buffer")
	}
	if got := <-signals; got != SignalStart {
		t.Errorf("first signal = %v, want START", got)
	}
	if got := <-signals; got != SignalStop {
		t.Errorf("second signal = %v, want STOP", got)
	}
}

// ─── Scores and ESS ─────────────────────────────────────────────────────────

func TestUpdateScores_Consistency(t *testing.T) {
	l, mailbox := newTestLoader(t)
	mailbox.Publish(uniformBuffer(100, 0.5, 1))
	l.GetNextBatch(true)

	model := domain.NewModel(0.25)
	l.UpdateScores(model)
	model2 := model.Clone()
	if _, err := model2.Apply(domain.UpdateList{{
		SplitFeature:  0,
		Threshold:     1,
		IsNewTreeRoot: true,
		PredLeft:      0.5,
		PredRight:     -0.5,
	}}); err != nil {
		t.Fatal(err)
	}
	l.UpdateScores(model2)

	for i := 0; i < 10; i++ {
		batch := l.GetNextBatch(false)
		for j := range batch {
			ex := batch[j]
			want := ex.Base.Value + model2.PredictRange(&ex.Example, ex.Base.ModelLen, model2.Size())
			if math.Abs(ex.Curr.Value-want) > 1e-12 {
				t.Fatalf("curr = %v, want %v", ex.Curr.Value, want)
			}
			if ex.Curr.ModelLen != model2.Size() {
				t.Fatalf("curr model len = %d, want %d", ex.Curr.ModelLen, model2.Size())
			}
			if ex.Base.Value != 0.5 || ex.Base.ModelLen != 0 {
				t.Fatal("base score mutated")
			}
		}
	}
}

func TestESS_UniformWeights(t *testing.T) {
	l, mailbox := newTestLoader(t)
	mailbox.Publish(uniformBuffer(100, 1.0, 1))
	l.GetNextBatch(true)
	if math.Abs(l.ESS()-1.0) > 1e-12 {
		t.Errorf("ESS = %v, want 1.0", l.ESS())
	}
}

func TestESS_HalfZeroWeights(t *testing.T) {
	buf := uniformBuffer(100, 0, 1)
	mailbox := &Mailbox{}
	l := New(100, 10, mailbox, nil, false, domain.LossExp, 0)
	mailbox.Publish(buf)
	l.GetNextBatch(true)

	// Drive half the buffer to (numerically) zero weight by pushing
	// the margin far out, then recompute through a scan wrap.
	model := domain.NewModel(0)
	l.UpdateScores(model)
	for i := 0; i < 50; i++ {
		l.examples[i].Curr.Value = 800 // exp(-800) underflows to 0
	}
	l.updateESS()
	if math.Abs(l.ESS()-0.5) > 1e-9 {
		t.Errorf("ESS = %v, want 0.5", l.ESS())
	}
}

func TestESS_LowTriggersResample(t *testing.T) {
	signals := make(chan Signal, 8)
	mailbox := &Mailbox{}
	l := New(10, 5, mailbox, signals, false, domain.LossExp, 0.9)
	<-signals // the construction-time START
	buf := uniformBuffer(10, 0, 1)
	mailbox.Publish(buf)
	l.GetNextBatch(true)
	for i := 0; i < 5; i++ {
		l.examples[i].Curr.Value = 800
	}
	l.updateESS()
	select {
	case s := <-signals:
		if s != SignalStart {
			t.Errorf("signal = %v, want START", s)
		}
	default:
		t.Error("low ESS did not request resampling")
	}
}
