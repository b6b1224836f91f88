package udpsession

import (
	"sync"
	"time"

	"github.com/tuicmesh/tuicd/pkg/logger"
	"github.com/tuicmesh/tuicd/pkg/wire"
)

// maxFragmentEntries bounds the FragmentBuffer's cardinality so a peer
// cannot exhaust memory by opening unbounded partial reassemblies.
const maxFragmentEntries = 1024

// fragmentTTL is how long a FragmentBuffer entry survives without a new
// fragment before it is evicted.
const fragmentTTL = 30 * time.Second

type fragmentEntry struct {
	fragTotal   uint8
	received    map[uint8][]byte
	lastUpdated time.Time
	target      wire.Address
	targetSet   bool
	source      *wire.Address
}

// FragmentBuffer reassembles fragmented Packet commands for one UDP
// association (each Session owns one), keyed by (assoc_id, pkt_id). It is safe for concurrent use.
type FragmentBuffer struct {
	mu      sync.Mutex
	entries map[FragmentKey]*fragmentEntry
}

// NewFragmentBuffer creates an empty FragmentBuffer.
func NewFragmentBuffer() *FragmentBuffer {
	return &FragmentBuffer{entries: make(map[FragmentKey]*fragmentEntry)}
}

// Process folds one fragment into the reassembly for key. It returns a
// non-nil Packet once every fragment from 0..fragTotal-1 has arrived, and nil
// otherwise. A fragTotal of 0 or 1 is never fragmented and is reassembled
// immediately without touching the buffer.
func (b *FragmentBuffer) Process(key FragmentKey, fragTotal, fragID uint8, payload []byte, source *wire.Address, target wire.Address) *Packet {
	if fragTotal <= 1 {
		return &Packet{Source: source, Target: target, Payload: append([]byte(nil), payload...)}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[key]
	if !ok {
		if len(b.entries) >= maxFragmentEntries {
			b.evictOldestLocked()
		}
		entry = &fragmentEntry{fragTotal: fragTotal, received: make(map[uint8][]byte, fragTotal)}
		b.entries[key] = entry
	}

	if fragID >= fragTotal || entry.fragTotal != fragTotal {
		delete(b.entries, key)
		logger.Warn("dropping inconsistent udp fragment reassembly",
			"assoc_id", key.AssocID, "pkt_id", key.PktID, "frag_id", fragID, "frag_total", fragTotal, "entry_frag_total", entry.fragTotal)
		return nil
	}

	if fragID == 0 {
		entry.target = target
		entry.targetSet = true
		if source != nil {
			entry.source = source
		}
	}

	entry.received[fragID] = append([]byte(nil), payload...)
	entry.lastUpdated = time.Now()

	if len(entry.received) < int(entry.fragTotal) {
		return nil
	}

	reassembled := make([]byte, 0, len(payload)*int(entry.fragTotal))
	for i := uint8(0); i < entry.fragTotal; i++ {
		reassembled = append(reassembled, entry.received[i]...)
	}
	target = entry.target
	source = entry.source
	delete(b.entries, key)

	return &Packet{Source: source, Target: target, Payload: reassembled}
}

// Cleanup evicts every entry that has not been updated within fragmentTTL
// of now.
func (b *FragmentBuffer) Cleanup(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, entry := range b.entries {
		if now.Sub(entry.lastUpdated) > fragmentTTL {
			delete(b.entries, key)
		}
	}
}

// evictOldestLocked drops the least-recently-updated entry. Called with mu
// held when the buffer is at capacity.
func (b *FragmentBuffer) evictOldestLocked() {
	var oldestKey FragmentKey
	var oldestTime time.Time
	first := true

	for key, entry := range b.entries {
		if first || entry.lastUpdated.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.lastUpdated
			first = false
		}
	}

	if !first {
		delete(b.entries, oldestKey)
	}
}
