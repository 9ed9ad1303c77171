package webrtcpeer

import (
	"sync"

	"github.com/p2pvoice/voicelink/internal/transport"
)

type event struct {
	prev, next State
	dc         transport.DataChannel
}

// eventQueue delivers observer events in order from one goroutine. pion
// callbacks only append, so they never wait on the observer.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []event
	closed bool
	done   chan struct{}
}

func newEventQueue(obs Observer) *eventQueue {
	q := &eventQueue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run(obs)
	return q
}

func (q *eventQueue) push(ev event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.events = append(q.events, ev)
	q.cond.Signal()
}

// close stops accepting events. Events already queued are still delivered.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *eventQueue) run(obs Observer) {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.events) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.events) == 0 {
			q.mu.Unlock()
			return
		}
		ev := q.events[0]
		q.events[0] = event{}
		q.events = q.events[1:]
		q.mu.Unlock()

		if obs == nil {
			continue
		}
		if ev.dc != nil {
			obs.AudioChannel(ev.dc)
			continue
		}
		obs.StateChanged(ev.prev, ev.next)
	}
}
