package audio

import (
	"sync"
	"sync/atomic"

	"github.com/p2pvoice/voicelink/internal/wire"
)

// DefaultJitterFrames is the jitter buffer depth in 20ms frames (400ms).
const DefaultJitterFrames = 20

// JitterBuffer is a fixed-capacity sample ring shared by the network receive
// path (Enqueue) and the real-time playback callback (Read).
//
// The buffer never reallocates. When the producer outruns the consumer the
// oldest unread samples are overwritten. Read never waits for the lock: if the
// producer holds it, the callback gets silence for that tick.
type JitterBuffer struct {
	mu       sync.Mutex
	buf      []float32
	readPos  int
	writePos int
	buffered int

	underflows atomic.Uint64
	overruns   atomic.Uint64
	contended  atomic.Uint64
}

// NewJitterBuffer allocates a ring of capacity samples. Non-positive capacity
// selects DefaultJitterFrames × wire.FrameSamples.
func NewJitterBuffer(capacity int) *JitterBuffer {
	if capacity <= 0 {
		capacity = DefaultJitterFrames * wire.FrameSamples
	}
	return &JitterBuffer{buf: make([]float32, capacity)}
}

func (b *JitterBuffer) Capacity() int { return len(b.buf) }

func (b *JitterBuffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffered
}

// Enqueue appends samples at the write cursor.
func (b *JitterBuffer) Enqueue(samples []float32) {
	if len(samples) == 0 {
		return
	}
	capacity := len(b.buf)
	if len(samples) > capacity {
		samples = samples[len(samples)-capacity:]
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	n := copy(b.buf[b.writePos:], samples)
	if n < len(samples) {
		copy(b.buf, samples[n:])
	}
	b.writePos = (b.writePos + len(samples)) % capacity

	b.buffered += len(samples)
	if b.buffered > capacity {
		// The oldest unread sample now sits right after the newest write.
		b.buffered = capacity
		b.readPos = b.writePos
		b.overruns.Add(1)
	}
}

// Read fills out with buffered samples followed by silence and returns how
// many real samples were copied.
func (b *JitterBuffer) Read(out []float32) int {
	if !b.mu.TryLock() {
		b.contended.Add(1)
		clear(out)
		return 0
	}
	defer b.mu.Unlock()

	n := len(out)
	if n > b.buffered {
		n = b.buffered
	}
	if n > 0 {
		first := copy(out[:n], b.buf[b.readPos:])
		if first < n {
			copy(out[first:n], b.buf)
		}
		b.readPos = (b.readPos + n) % len(b.buf)
		b.buffered -= n
	}
	if n < len(out) {
		clear(out[n:])
		b.underflows.Add(1)
	}
	return n
}

// Clear drops all buffered audio.
func (b *JitterBuffer) Clear() {
	b.mu.Lock()
	b.readPos = 0
	b.writePos = 0
	b.buffered = 0
	b.mu.Unlock()
}

type JitterStats struct {
	Buffered   int
	Underflows uint64
	Overruns   uint64
	Contended  uint64
}

func (b *JitterBuffer) Stats() JitterStats {
	return JitterStats{
		Buffered:   b.Buffered(),
		Underflows: b.underflows.Load(),
		Overruns:   b.overruns.Load(),
		Contended:  b.contended.Load(),
	}
}
