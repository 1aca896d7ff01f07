package trace

import "sync"

// TraceLevel controls which epochs are kept in the ring.
type TraceLevel string

const (
	// TraceLevelNone disables epoch recording.
	TraceLevelNone TraceLevel = "none"
	// TraceLevelEpochs records every epoch.
	TraceLevelEpochs TraceLevel = "epochs"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:   true,
	TraceLevelEpochs: true,
	"":               true, // empty defaults to epochs
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// DefaultCapacity sizes the ring for open-ended runs.
const DefaultCapacity = 4096

// Ring is a fixed-capacity epoch history. When full, the oldest record is
// overwritten and counted as dropped. Storage is allocated once.
//
// Thread-safety: safe for concurrent use.
type Ring struct {
	mu      sync.Mutex
	buf     []EpochRecord
	start   int
	size    int
	dropped int
	level   TraceLevel
}

// NewRing creates a ring holding at most capacity records (DefaultCapacity
// when capacity <= 0).
func NewRing(capacity int, level TraceLevel) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if level == "" {
		level = TraceLevelEpochs
	}
	return &Ring{buf: make([]EpochRecord, capacity), level: level}
}

// Append stores r, evicting the oldest record when full.
func (b *Ring) Append(r EpochRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.level == TraceLevelNone {
		return
	}
	capacity := len(b.buf)
	if b.size < capacity {
		b.buf[(b.start+b.size)%capacity] = r
		b.size++
		return
	}
	b.buf[b.start] = r
	b.start = (b.start + 1) % capacity
	b.dropped++
}

// Len is the number of records held.
func (b *Ring) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap is the ring capacity.
func (b *Ring) Cap() int { return len(b.buf) }

// Dropped counts records evicted by overwrites.
func (b *Ring) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Snapshot copies the held records, oldest first.
func (b *Ring) Snapshot() []EpochRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// Flush returns the held records, oldest first, and empties the ring.
func (b *Ring) Flush() []EpochRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.snapshotLocked()
	for i := range b.buf {
		b.buf[i] = EpochRecord{}
	}
	b.start, b.size = 0, 0
	return out
}

func (b *Ring) snapshotLocked() []EpochRecord {
	out := make([]EpochRecord, b.size)
	for i := range out {
		out[i] = b.buf[(b.start+i)%len(b.buf)]
	}
	return out
}
