package domain

import "fmt"

// PacketType is the head-side classification of an incoming packet.
type PacketType int

const (
	// RejectSample: the packet was computed on a stale sample set.
	RejectSample PacketType = iota
	// RejectBaseModel: the packet was computed on a stale model version.
	RejectBaseModel
	// AssignMismatch: the worker extended a node it no longer holds.
	AssignMismatch
	// SmallEffSize: the worker's effective sample size is below the floor.
	SmallEffSize
	// EmptyRoot: fallback packet for the new-tree-root assignment.
	EmptyRoot
	// EmptyNonroot: fallback packet for an interior node assignment.
	EmptyNonroot
	// AcceptRoot: a valid new tree root.
	AcceptRoot
	// AcceptNonroot: a valid interior node extension.
	AcceptNonroot
)

// String returns the label used in logs and metrics.
func (t PacketType) String() string {
	switch t {
	case RejectSample:
		return "reject_sample"
	case RejectBaseModel:
		return "reject_base_model"
	case AssignMismatch:
		return "assign_mismatch"
	case SmallEffSize:
		return "small_eff_size"
	case EmptyRoot:
		return "empty_root"
	case EmptyNonroot:
		return "empty_nonroot"
	case AcceptRoot:
		return "accept_root"
	case AcceptNonroot:
		return "accept_nonroot"
	default:
		return "unknown"
	}
}

// Accepted reports whether the packet extends the model.
func (t PacketType) Accepted() bool { return t == AcceptRoot || t == AcceptNonroot }

// Rejected reports whether the packet is discarded without touching
// model or γ statistics.
func (t PacketType) Rejected() bool {
	return t == RejectSample || t == RejectBaseModel || t == AssignMismatch || t == SmallEffSize
}

// Empty reports whether the packet is a fallback (the worker gave up
// on its assignment under the current γ).
func (t PacketType) Empty() bool { return t == EmptyRoot || t == EmptyNonroot }

// Packet is one worker→head message: either a proposed model extension
// or a fallback report. All fields must survive the wire bitwise.
type Packet struct {
	PacketSig    string     `json:"packet_sig"`
	SourceName   string     `json:"source_name"`
	SourceID     int        `json:"source_id"`
	NodeID       int        `json:"node_id"`
	Updates      UpdateList `json:"updates,omitempty"`
	Gamma        float64    `json:"gamma"`
	ESS          float64    `json:"ess"`
	SampleVer    int        `json:"sample_version"`
	BaseModelSig string     `json:"base_model_sig"`
	ThisModelSig string     `json:"this_model_sig"`
	Fallback     bool       `json:"fallback"`
}

// NewPacket assembles a packet for the given assignment. counter is a
// per-worker sequence number folded into the packet signature so
// retransmissions can be told apart in logs.
func NewPacket(
	name string, machineID, nodeID, counter, modelSize int,
	updates UpdateList, gamma, ess float64, sampleVer int,
	baseModelSig string, fallback bool,
) Packet {
	thisSig := fmt.Sprintf("%s_%d", name, modelSize)
	return Packet{
		PacketSig:    fmt.Sprintf("pac_%s_%d", thisSig, counter),
		SourceName:   name,
		SourceID:     machineID,
		NodeID:       nodeID,
		Updates:      updates,
		Gamma:        gamma,
		ESS:          ess,
		SampleVer:    sampleVer,
		BaseModelSig: baseModelSig,
		ThisModelSig: thisSig,
		Fallback:     fallback,
	}
}

// HeadView is the slice of head state a packet is judged against.
type HeadView struct {
	AssignedNode int // node currently assigned to the packet's source; -1 if none
	ModelSig     string
	SampleVer    int
	MinESS       float64
}

// Classify implements the packet taxonomy. It depends only on its
// inputs and is idempotent under repetition; staleness checks come
// before content checks so stale work never counts toward γ statistics.
func (p *Packet) Classify(view HeadView) PacketType {
	switch {
	case p.SampleVer != view.SampleVer:
		return RejectSample
	case p.BaseModelSig != view.ModelSig:
		return RejectBaseModel
	case p.NodeID != view.AssignedNode:
		return AssignMismatch
	case p.ESS < view.MinESS:
		return SmallEffSize
	case p.Fallback && p.NodeID == RootNodeID:
		return EmptyRoot
	case p.Fallback:
		return EmptyNonroot
	case p.NodeID == RootNodeID:
		return AcceptRoot
	default:
		return AcceptNonroot
	}
}
