package engine

import (
	"context"
	"sync"
)

// eventQueue sits between a job and its Events channel so the copy loop
// never blocks on a slow or absent consumer once the job is cancelled.
// Progress is bounded by limit and dropped after cancellation; outcomes and
// the final EventDone are always queued.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Event
	limit  int
	closed bool
	out    chan Event
}

func newEventQueue(limit int) *eventQueue {
	q := &eventQueue{limit: limit, out: make(chan Event)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// progress queues ev, waiting for room while ctx is live.
func (q *eventQueue) progress(ctx context.Context, ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) >= q.limit && ctx.Err() == nil {
		q.cond.Wait()
	}
	if ctx.Err() != nil {
		return
	}
	q.items = append(q.items, ev)
	q.cond.Broadcast()
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.cond.Broadcast()
	q.mu.Unlock()
}

// close marks the end of the stream. Queued events are still delivered.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// wake releases progress waiters, used when the job context ends.
func (q *eventQueue) wake() {
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

// forward delivers queued events in order and closes out after the last one.
func (q *eventQueue) forward() {
	defer close(q.out)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		ev := q.items[0]
		q.items[0] = Event{}
		q.items = q.items[1:]
		q.cond.Broadcast()
		q.mu.Unlock()
		q.out <- ev
	}
}
