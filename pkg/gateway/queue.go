package gateway

import (
	"sync"

	"caseroom/pkg/bus"
)

// outQueue is the bounded per-connection delivery buffer. When full it sheds
// the oldest droppable event; an event that cannot be shed and cannot fit
// means the consumer is hopeless and push reports that the connection must
// be closed.
type outQueue struct {
	mu     sync.Mutex
	items  []bus.Event
	max    int
	signal chan struct{}
	closed bool
	onDrop func(kind string)
}

func newOutQueue(max int, onDrop func(string)) *outQueue {
	if max <= 0 {
		max = 128
	}
	return &outQueue{max: max, signal: make(chan struct{}, 1), onDrop: onDrop}
}

// push enqueues an event. A false return means the queue was full of
// must-deliver events and could not absorb another one.
func (q *outQueue) push(evt bus.Event) bool {
	var droppedKind string
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return true
	}
	if len(q.items) >= q.max {
		idx := -1
		for i, it := range q.items {
			if droppable(it.Kind) {
				idx = i
				break
			}
		}
		switch {
		case idx >= 0:
			droppedKind = q.items[idx].Kind
			q.items = append(q.items[:idx], q.items[idx+1:]...)
		case droppable(evt.Kind):
			// Nothing older to shed, but the newcomer itself is sheddable.
			q.mu.Unlock()
			q.drop(evt.Kind)
			return true
		default:
			q.mu.Unlock()
			return false
		}
	}
	q.items = append(q.items, evt)
	q.mu.Unlock()
	if droppedKind != "" {
		q.drop(droppedKind)
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *outQueue) drop(kind string) {
	if q.onDrop != nil {
		q.onDrop(kind)
	}
}

func (q *outQueue) pop() (bus.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return bus.Event{}, false
	}
	evt := q.items[0]
	q.items = q.items[1:]
	return evt, true
}

func (q *outQueue) ready() <-chan struct{} {
	return q.signal
}

func (q *outQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *outQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
}
