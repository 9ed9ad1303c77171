package transport

import (
	"sync"
	"sync/atomic"
)

// sendQueue is a byte-bounded FIFO of encoded messages. When full, the oldest
// messages give way to new ones.
//
// Capture callbacks enqueue; a single writer goroutine dequeues and hands the
// message to the DataChannel, so capture never waits on SCTP back-pressure.
type sendQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxBytes int
	curBytes int
	msgs     [][]byte

	drops atomic.Uint64
}

func newSendQueue(maxBytes int) *sendQueue {
	q := &sendQueue{maxBytes: maxBytes}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *sendQueue) DropCount() uint64 {
	return q.drops.Load()
}

// Enqueue appends msg, evicting the oldest pending messages until it fits in
// the byte budget, and returns how many were evicted. It never blocks. msg
// itself is rejected only when the queue is closed or msg alone exceeds the
// budget. Evictions and rejections both count as drops.
func (q *sendQueue) Enqueue(msg []byte) (ok bool, evicted int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(msg) > q.maxBytes {
		q.drops.Add(1)
		return false, 0
	}
	for len(q.msgs) > 0 && q.curBytes+len(msg) > q.maxBytes {
		q.curBytes -= len(q.msgs[0])
		q.msgs[0] = nil
		q.msgs = q.msgs[1:]
		evicted++
	}
	if evicted > 0 {
		q.drops.Add(uint64(evicted))
	}
	q.msgs = append(q.msgs, msg)
	q.curBytes += len(msg)
	q.notEmpty.Signal()
	return true, evicted
}

// Dequeue blocks until a message is available or the queue is closed.
func (q *sendQueue) Dequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.msgs) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.closed {
		return nil, false
	}
	msg := q.msgs[0]
	q.msgs[0] = nil
	q.msgs = q.msgs[1:]
	q.curBytes -= len(msg)
	if len(q.msgs) == 0 {
		q.msgs = nil
	}
	return msg, true
}

func (q *sendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

// Close discards pending messages and wakes the writer.
func (q *sendQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.msgs = nil
	q.curBytes = 0
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
