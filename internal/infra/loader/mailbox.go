package loader

import (
	"sync"

	"github.com/harrier-ml/harrier/internal/domain"
)

// ScoredBuffer is one published sample set plus the sample version it
// was drawn under.
type ScoredBuffer struct {
	Examples []domain.ExampleWithScore
	Version  int
}

// Mailbox is the single-slot drop box between the sample gatherer and
// the loader: single producer, single consumer. The producer always
// overwrites (a newer sample set supersedes an unclaimed one); the
// consumer takes without blocking, so a slow gatherer can never stall
// the training loop.
type Mailbox struct {
	mu      sync.Mutex
	pending *ScoredBuffer
}

// Publish places a buffer in the slot, replacing whatever is there.
func (m *Mailbox) Publish(buf ScoredBuffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = &buf
}

// TryTake removes and returns the pending buffer. It never blocks: if
// the producer holds the lock, the caller keeps its current buffer and
// polls again on the next batch.
func (m *Mailbox) TryTake() (ScoredBuffer, bool) {
	if !m.mu.TryLock() {
		return ScoredBuffer{}, false
	}
	defer m.mu.Unlock()
	if m.pending == nil {
		return ScoredBuffer{}, false
	}
	buf := *m.pending
	m.pending = nil
	return buf, true
}
