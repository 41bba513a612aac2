package mesh

import "sync"

// eventQueue is an unbounded FIFO. Producers never block, so engine callbacks
// and the signaling read loop cannot stall on a busy orchestrator.
type eventQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool
	events   []event
}

func newEventQueue() *eventQueue {
	q := &eventQueue{}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// push reports false once the queue is closed.
func (q *eventQueue) push(ev event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.events = append(q.events, ev)
	q.notEmpty.Signal()
	return true
}

// pop blocks until an event is available or the queue is closed.
func (q *eventQueue) pop() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.events) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.closed {
		return event{}, false
	}
	return q.shiftLocked(), true
}

func (q *eventQueue) shiftLocked() event {
	ev := q.events[0]
	q.events[0] = event{}
	q.events = q.events[1:]
	return ev
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.events = nil
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
