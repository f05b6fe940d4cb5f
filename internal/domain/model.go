package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// RootNodeID is the index of the synthetic depth-0 root that carries
// the global label-balancing prediction. Assigning a worker to node 0
// means "grow a new tree root".
const RootNodeID = 0

var (
	ErrUnknownParent = errors.New("update references a node that does not exist")
	ErrEmptyModel    = errors.New("model has no nodes")
)

// Node is one entry of the append-only ensemble. A node, once created,
// is never removed or rewritten; its ID is its index in the model
// vector. OnRight records which branch of the parent's split the node
// refines (unused for roots).
type Node struct {
	ID        int     `json:"id"`
	Parent    int     `json:"parent"` // -1 for the synthetic root and new-tree roots
	Depth     int     `json:"depth"`
	Feature   int     `json:"feature"`
	Threshold uint8   `json:"threshold"`
	PredLeft  float64 `json:"pred_left"`
	PredRight float64 `json:"pred_right"`
	OnRight   bool    `json:"on_right"`
	Gamma     float64 `json:"gamma"`
	Children  []int   `json:"children,omitempty"`
}

// IsLeaf reports whether the node has no children yet.
func (n *Node) IsLeaf() bool { return len(n.Children) == 0 }

// predict evaluates the node's own stump on an example.
func (n *Node) predict(ex *Example) float64 {
	if ex.Features[n.Feature] <= n.Threshold {
		return n.PredLeft
	}
	return n.PredRight
}

// goesRight reports which branch of this node's split the example takes.
func (n *Node) goesRight(ex *Example) bool {
	return ex.Features[n.Feature] > n.Threshold
}

// Model is the ensemble: a vector of tree nodes plus the content-derived
// signature of the current version. The vector is append-only, so any
// older model is a prefix of any newer one and node IDs are stable.
type Model struct {
	Nodes []Node `json:"nodes"`
	Sig   string `json:"sig"`
}

// NewModel creates a model containing only the synthetic root with the
// given constant prediction.
func NewModel(rootPrediction float64) *Model {
	return &Model{
		Nodes: []Node{{
			ID:        RootNodeID,
			Parent:    -1,
			Depth:     0,
			PredLeft:  rootPrediction,
			PredRight: rootPrediction,
		}},
		Sig: "init",
	}
}

// Size returns the number of nodes in the model.
func (m *Model) Size() int { return len(m.Nodes) }

// Clone returns a deep copy safe to hand to another goroutine.
func (m *Model) Clone() *Model {
	nodes := make([]Node, len(m.Nodes))
	copy(nodes, m.Nodes)
	for i := range nodes {
		if len(m.Nodes[i].Children) > 0 {
			nodes[i].Children = append([]int(nil), m.Nodes[i].Children...)
		}
	}
	return &Model{Nodes: nodes, Sig: m.Sig}
}

// Reaches reports whether the example satisfies the branch conditions
// on the path leading to node id. Roots (depth <= 1) apply everywhere.
func (m *Model) Reaches(ex *Example, id int) bool {
	for m.Nodes[id].Depth > 1 {
		parent := &m.Nodes[m.Nodes[id].Parent]
		if parent.goesRight(ex) != m.Nodes[id].OnRight {
			return false
		}
		id = parent.ID
	}
	return true
}

// Predict returns the full ensemble score of an example.
func (m *Model) Predict(ex *Example) float64 {
	return m.PredictRange(ex, 0, len(m.Nodes))
}

// PredictRange sums the contributions of nodes [from, to). Because the
// model is append-only, a score computed at model length L advances to
// length L' by adding PredictRange(ex, L, L').
func (m *Model) PredictRange(ex *Example, from, to int) float64 {
	sum := 0.0
	for i := from; i < to; i++ {
		if m.Reaches(ex, i) {
			sum += m.Nodes[i].predict(ex)
		}
	}
	return sum
}

// NodeUpdate describes one node extension: a new child of an existing
// node, or a new tree root when IsNewTreeRoot is set.
type NodeUpdate struct {
	ParentNodeID  int     `json:"parent_node_id"`
	SplitFeature  int     `json:"split_feature"`
	Threshold     uint8   `json:"threshold"`
	OnRight       bool    `json:"on_right"`
	IsNewTreeRoot bool    `json:"is_new_tree_root"`
	GammaEstimate float64 `json:"gamma_estimate"`
	PredLeft      float64 `json:"pred_left"`
	PredRight     float64 `json:"pred_right"`
}

// UpdateList is an ordered, atomic batch of node extensions. Applying
// it to a model with signature S yields a unique signature derived
// from (S, list).
type UpdateList []NodeUpdate

// DeriveSignature computes the signature that results from applying
// the list to a model with signature base. It depends only on its
// inputs, so head and workers agree on the outcome without another
// round trip.
func DeriveSignature(base string, updates UpdateList) string {
	payload, _ := json.Marshal(updates)
	h := sha256.New()
	h.Write([]byte(base))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Apply appends the listed nodes to the model and advances its
// signature. It returns the depths of the created nodes. The model is
// left untouched on error.
func (m *Model) Apply(updates UpdateList) ([]int, error) {
	if len(m.Nodes) == 0 {
		return nil, ErrEmptyModel
	}
	// Validate against a scratch view first so a bad entry mid-list
	// cannot leave a partially applied batch behind.
	depths := make([]int, 0, len(updates))
	next := len(m.Nodes)
	added := make(map[int]int) // new node id -> depth
	for _, u := range updates {
		var depth int
		if u.IsNewTreeRoot {
			depth = 1
		} else {
			if u.ParentNodeID < 0 || u.ParentNodeID >= next {
				return nil, fmt.Errorf("%w: parent %d of %d nodes", ErrUnknownParent, u.ParentNodeID, next)
			}
			if d, ok := added[u.ParentNodeID]; ok {
				depth = d + 1
			} else if u.ParentNodeID < len(m.Nodes) {
				depth = m.Nodes[u.ParentNodeID].Depth + 1
			}
		}
		added[next] = depth
		depths = append(depths, depth)
		next++
	}

	for i, u := range updates {
		id := len(m.Nodes)
		node := Node{
			ID:        id,
			Parent:    -1,
			Depth:     depths[i],
			Feature:   u.SplitFeature,
			Threshold: u.Threshold,
			PredLeft:  u.PredLeft,
			PredRight: u.PredRight,
			OnRight:   u.OnRight,
			Gamma:     u.GammaEstimate,
		}
		if !u.IsNewTreeRoot {
			node.Parent = u.ParentNodeID
			m.Nodes[u.ParentNodeID].Children = append(m.Nodes[u.ParentNodeID].Children, id)
		}
		m.Nodes = append(m.Nodes, node)
	}
	m.Sig = DeriveSignature(m.Sig, updates)
	return depths, nil
}
