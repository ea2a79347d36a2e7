// Package udp drains the timed egress queue: a single worker pops each
// datagram once its deadline has passed and hands it to the next layer.
package udp

import (
	"socketretarder/logging"
	"socketretarder/metrics"
	"socketretarder/pending"
	"socketretarder/queue"
	"socketretarder/sock"
	"socketretarder/state"
)

// Worker is the single consumer of the timed queue.
type Worker struct {
	next    sock.Layer
	queue   *queue.Queue
	pending *pending.Registry
	stats   *state.Stats
	log     *logging.Logger
	done    chan struct{}
}

// NewWorker wires the worker; call Run on its own goroutine.
func NewWorker(next sock.Layer, q *queue.Queue, reg *pending.Registry, stats *state.Stats, log *logging.Logger) *Worker {
	return &Worker{
		next:    next,
		queue:   q,
		pending: reg,
		stats:   stats,
		log:     log,
		done:    make(chan struct{}),
	}
}

// Run loops until the queue is closed and drained. Failures from the next
// layer are not retried; the application may already have closed the
// descriptor, and a failed datagram still releases its pending bytes so
// close never blocks on it. No locks are held across the next-layer call.
func (w *Worker) Run() {
	defer close(w.done)
	for {
		it, ok := w.queue.Pop()
		if !ok {
			return
		}
		metrics.QueueDepth.Set(float64(w.queue.Len()))

		_, err := w.next.Sendto(it.FD, it.Payload, it.Flags, it.To)
		if err != nil {
			w.stats.DatagramSendError()
			metrics.DatagramSendErrs.Inc()
			w.log.Debugf("udp egress: sendto fd=%d len=%d: %v", it.FD, len(it.Payload), err)
		} else {
			w.stats.DatagramSent()
			metrics.DatagramsSent.Inc()
		}

		n := int64(len(it.Payload))
		w.pending.Sub(it.FD, n)
		metrics.PendingBytes.Sub(float64(n))
	}
}

// Wait blocks until Run has returned.
func (w *Worker) Wait() {
	<-w.done
}
