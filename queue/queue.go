// Package queue holds UDP datagrams until their egress deadline. A binary
// heap orders items by absolute deadline; the single consumer blocks on a
// timed wait against the head's deadline rather than polling.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sys/unix"
)

// Item is an owned copy of everything needed to perform the deferred
// next-layer sendto. Payload and address are deep copies taken at enqueue;
// the caller may reuse its buffers immediately.
type Item struct {
	FD       int
	Payload  []byte
	Flags    int
	To       unix.Sockaddr
	Deadline time.Time
}

type itemHeap []Item

func (h itemHeap) Len() int            { return len(h) }
func (h itemHeap) Less(i, j int) bool  { return h[i].Deadline.Before(h[j].Deadline) }
func (h itemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(Item)) }
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Queue is a deadline-ordered egress queue with one blocking consumer.
type Queue struct {
	clock clockwork.Clock

	mu     sync.Mutex
	items  itemHeap
	closed bool
	// wake carries one token: "the heap changed". The consumer re-examines
	// the head after each receive, so coalescing wakeups is fine.
	wake chan struct{}
}

// New returns an empty queue driven by the given clock.
func New(clock clockwork.Clock) *Queue {
	return &Queue{
		clock: clock,
		wake:  make(chan struct{}, 1),
	}
}

// Push schedules the item delay from now. Negative delays mean the deadline
// already passed; the item becomes immediately poppable.
func (q *Queue) Push(it Item, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	it.Deadline = q.clock.Now().Add(delay)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	heap.Push(&q.items, it)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pop blocks until the head item's deadline has passed, removes it and
// returns it. It returns ok=false only after Close once the queue is empty.
// An insertion that displaces the head interrupts the timed wait so the
// earlier deadline is honored.
func (q *Queue) Pop() (Item, bool) {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			if q.closed {
				q.mu.Unlock()
				return Item{}, false
			}
			q.mu.Unlock()
			<-q.wake
			continue
		}
		wait := q.items[0].Deadline.Sub(q.clock.Now())
		if wait <= 0 {
			it := heap.Pop(&q.items).(Item)
			q.mu.Unlock()
			return it, true
		}
		q.mu.Unlock()

		select {
		case <-q.clock.After(wait):
		case <-q.wake:
		}
	}
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close lets the consumer drain the remaining items and then stop. Pushes
// after Close are discarded.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}
