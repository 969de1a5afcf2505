/*
Package dispatch delivers notifications one at a time, in the order they were
queued.

The state manager and the lifecycle machine both change under a lock and
notify their listeners after releasing it. A Queue keeps those notifications
in the order of the changes: the owner pushes a notification while still
holding its own lock, and flushes the queue once it released it.

	m.mu.Lock()
	... change ...
	t := m.queue.Push(ctx, notify)
	m.mu.Unlock()
	m.queue.Flush(ctx, t)

Only one goroutine delivers at a time. A notification pushed from within a
delivery (a listener triggering a further change with the context it was
given) is delivered after the current one, by the goroutine already
delivering, and Flush returns immediately. Any other caller of Flush blocks
until its notification was delivered.
*/
package dispatch

import (
	"context"
	"sync"
)

// A Ticket identifies a pushed notification.
type Ticket uint64

type item struct {
	ctx context.Context
	fn  func(context.Context)
}

// Queue is a FIFO queue of notifications. The zero value is ready to use.
type Queue struct {
	mu         sync.Mutex
	cond       *sync.Cond
	items      []item
	pushed     uint64
	delivered  uint64
	delivering bool
}

// Push queues fn to be called with ctx and returns the ticket to flush it
// with. Push never calls fn itself, so it is safe to call under the caller's
// own locks.
func (q *Queue) Push(ctx context.Context, fn func(context.Context)) Ticket {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := Ticket(q.pushed)
	q.pushed++
	q.items = append(q.items, item{ctx: ctx, fn: fn})
	return t
}

// Flush returns once the notification of ticket t was delivered. When no other
// goroutine is delivering, Flush delivers every queued notification itself.
func (q *Queue) Flush(ctx context.Context, t Ticket) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cond == nil {
		q.cond = sync.NewCond(&q.mu)
	}
	for uint64(t) >= q.delivered {
		if !q.delivering {
			q.drain()
			return
		}
		if ctx.Value(q) != nil {
			// Pushed from within a delivery: the delivering goroutine picks it up.
			return
		}
		q.cond.Wait()
	}
}

// drain delivers queued notifications until none is left. The caller holds
// q.mu, which drain releases while calling out.
func (q *Queue) drain() {
	q.delivering = true
	for len(q.items) > 0 {
		it := q.items[0]
		q.items[0] = item{}
		q.items = q.items[1:]
		q.mu.Unlock()
		it.fn(context.WithValue(it.ctx, q, true))
		q.mu.Lock()
		q.delivered++
	}
	q.delivering = false
	q.cond.Broadcast()
}
