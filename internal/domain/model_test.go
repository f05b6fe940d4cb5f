package domain

import (
	"encoding/json"
	"math"
	"reflect"
	"testing"
)

func newChild(parent int, feature int, threshold uint8, onRight bool) NodeUpdate {
	return NodeUpdate{
		ParentNodeID: parent,
		SplitFeature: feature,
		Threshold:    threshold,
		OnRight:      onRight,
		PredLeft:     0.5,
		PredRight:    -0.5,
	}
}

func newTreeRoot(feature int, threshold uint8) NodeUpdate {
	return NodeUpdate{
		SplitFeature:  feature,
		Threshold:     threshold,
		IsNewTreeRoot: true,
		PredLeft:      0.25,
		PredRight:     -0.25,
	}
}

// ─── Apply ──────────────────────────────────────────────────────────────────

func TestModel_Apply_TwoChildrenAndRoot(t *testing.T) {
	m := NewModel(0.1)
	updates := UpdateList{
		newChild(0, 1, 3, false),
		newChild(0, 2, 7, true),
		newTreeRoot(4, 9),
	}
	depths, err := m.Apply(updates)
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if m.Size() != 4 {
		t.Fatalf("Size() = %d, want 4", m.Size())
	}
	wantDepths := []int{0, 1, 1, 1}
	wantParents := []int{-1, 0, 0, -1}
	for i, n := range m.Nodes {
		if n.Depth != wantDepths[i] {
			t.Errorf("node %d depth = %d, want %d", i, n.Depth, wantDepths[i])
		}
		if n.Parent != wantParents[i] {
			t.Errorf("node %d parent = %d, want %d", i, n.Parent, wantParents[i])
		}
		if n.ID != i {
			t.Errorf("node %d has ID %d", i, n.ID)
		}
	}
	if !reflect.DeepEqual(depths, []int{1, 1, 1}) {
		t.Errorf("Apply() depths = %v", depths)
	}
	if got := m.Nodes[0].Children; !reflect.DeepEqual(got, []int{1, 2}) {
		t.Errorf("root children = %v, want [1 2]", got)
	}
}

func TestModel_Apply_UnknownParent(t *testing.T) {
	m := NewModel(0)
	before := m.Sig
	_, err := m.Apply(UpdateList{newChild(7, 0, 0, false)})
	if err == nil {
		t.Fatal("Apply() with bad parent succeeded")
	}
	if m.Size() != 1 || m.Sig != before {
		t.Errorf("model mutated on failed apply: size=%d sig=%q", m.Size(), m.Sig)
	}
}

func TestModel_AppendOnly_PrefixStable(t *testing.T) {
	m := NewModel(0.1)
	if _, err := m.Apply(UpdateList{newTreeRoot(0, 5)}); err != nil {
		t.Fatal(err)
	}
	snap := m.Clone()
	if _, err := m.Apply(UpdateList{newChild(1, 2, 3, true)}); err != nil {
		t.Fatal(err)
	}
	for i, n := range snap.Nodes {
		if m.Nodes[i].ID != n.ID || m.Nodes[i].Feature != n.Feature || m.Nodes[i].Depth != n.Depth {
			t.Errorf("node %d changed after append", i)
		}
	}
}

// ─── Signatures ─────────────────────────────────────────────────────────────

func TestDeriveSignature_MatchesApply(t *testing.T) {
	updates := UpdateList{newChild(0, 1, 3, false)}
	m := NewModel(0)
	want := DeriveSignature(m.Sig, updates)
	if _, err := m.Apply(updates); err != nil {
		t.Fatal(err)
	}
	if m.Sig != want {
		t.Errorf("Sig = %q, want %q", m.Sig, want)
	}
	// Same inputs, same signature: workers can derive it locally.
	if got := DeriveSignature("init", updates); got != want {
		t.Errorf("DeriveSignature not deterministic: %q vs %q", got, want)
	}
	if DeriveSignature("other", updates) == want {
		t.Error("signature ignores base model")
	}
}

func TestModel_JSONRoundTrip(t *testing.T) {
	m := NewModel(0.2027)
	if _, err := m.Apply(UpdateList{newTreeRoot(3, 8), newChild(1, 0, 2, true)}); err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	var back Model
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(m.Nodes, back.Nodes) || m.Sig != back.Sig {
		t.Error("model changed across JSON round trip")
	}
}

// ─── Prediction ─────────────────────────────────────────────────────────────

func TestModel_Predict_RootOnly(t *testing.T) {
	m := NewModel(0.2027)
	ex := Example{Features: []uint8{0, 0, 0}, Label: 1}
	if got := m.Predict(&ex); math.Abs(got-0.2027) > 1e-12 {
		t.Errorf("Predict() = %v, want 0.2027", got)
	}
}

func TestModel_Predict_PathGating(t *testing.T) {
	m := NewModel(0)
	// Tree root splitting on feature 0 at 5, then a child refining its
	// right branch with a split on feature 1 at 3.
	if _, err := m.Apply(UpdateList{newTreeRoot(0, 5)}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Apply(UpdateList{newChild(1, 1, 3, true)}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		features []uint8
		want     float64
	}{
		// Left of the root split: only the root contributes.
		{"left branch skips child", []uint8{2, 0}, 0.25},
		// Right of the root split, left of the child split.
		{"right branch child left", []uint8{9, 1}, -0.25 + 0.5},
		// Right of the root split, right of the child split.
		{"right branch child right", []uint8{9, 9}, -0.25 - 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := Example{Features: tt.features, Label: 1}
			if got := m.Predict(&ex); math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("Predict(%v) = %v, want %v", tt.features, got, tt.want)
			}
		})
	}
}

func TestModel_PredictRange_Additive(t *testing.T) {
	m := NewModel(0.1)
	if _, err := m.Apply(UpdateList{newTreeRoot(0, 5), newChild(0, 1, 3, false)}); err != nil {
		t.Fatal(err)
	}
	ex := Example{Features: []uint8{7, 1}, Label: -1}
	total := m.Predict(&ex)
	split := m.PredictRange(&ex, 0, 1) + m.PredictRange(&ex, 1, m.Size())
	if math.Abs(total-split) > 1e-12 {
		t.Errorf("PredictRange not additive: %v vs %v", total, split)
	}
}

// ─── Weights ────────────────────────────────────────────────────────────────

func TestLossKind_Weight(t *testing.T) {
	ex := ScoredExample{
		Example: Example{Features: []uint8{0}, Label: 1},
		Base:    Score{Value: 0, ModelLen: 0},
		Curr:    Score{Value: 1, ModelLen: 2},
	}
	if got, want := LossExp.Weight(&ex), math.Exp(-1); math.Abs(got-want) > 1e-12 {
		t.Errorf("exp weight = %v, want %v", got, want)
	}
	if got, want := LossLogistic.Weight(&ex), 1/(1+math.E); math.Abs(got-want) > 1e-12 {
		t.Errorf("logistic weight = %v, want %v", got, want)
	}

	ex.Curr.Value = math.NaN()
	if got := LossExp.Weight(&ex); got != 0 {
		t.Errorf("NaN score weight = %v, want 0", got)
	}
}
