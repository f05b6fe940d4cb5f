// Package transport carries packets from workers to the head and
// model broadcasts from the head to workers. Frames are
// length-prefixed JSON over TCP: delivery may duplicate or reorder
// across workers, and the protocol above tolerates both — staleness is
// rejected by signature, broadcasts deduplicate by signature.
package transport

import (
	"encoding/json"
	"fmt"

	"github.com/harrier-ml/harrier/internal/domain"
)

// Kind tags an envelope.
type Kind string

const (
	KindHello     Kind = "hello"
	KindPacket    Kind = "packet"
	KindBroadcast Kind = "broadcast"
)

// Hello introduces a worker connection to the head.
type Hello struct {
	MachineID int    `json:"machine_id"`
	Name      string `json:"name"`
}

// Broadcast is the head→worker message: the full model snapshot plus
// everything a worker needs to act on it. Receivers deduplicate by
// the model signature and γ versions.
type Broadcast struct {
	Model         *domain.Model `json:"model"`
	Gamma         float64       `json:"gamma"`
	RootGamma     float64       `json:"root_gamma"`
	GammaVersion  int           `json:"gamma_version"`
	RootGammaVer  int           `json:"root_gamma_version"`
	SampleVersion int           `json:"sample_version"`
	Assignments   map[int]int   `json:"assignments"`
	Shutdown      bool          `json:"shutdown"`
}

// envelope is the wire union; exactly one pointer is set per frame.
type envelope struct {
	Kind      Kind           `json:"kind"`
	Hello     *Hello         `json:"hello,omitempty"`
	Packet    *domain.Packet `json:"packet,omitempty"`
	Broadcast *Broadcast     `json:"broadcast,omitempty"`
}

func encodeEnvelope(e envelope) ([]byte, error) {
	return json.Marshal(e)
}

func decodeEnvelope(raw []byte) (envelope, error) {
	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return envelope{}, fmt.Errorf("transport: bad frame: %w", err)
	}
	return e, nil
}
