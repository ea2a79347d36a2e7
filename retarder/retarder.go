//go:build linux

// Package retarder is the interposition surface: a sock.Layer that injects
// configurable latency and faults before forwarding to the next layer.
// TCP connects are rewritten through the loopback proxy; UDP datagrams pass
// through the timed egress queue; close blocks until the descriptor's
// pending bytes have drained.
package retarder

import (
	"github.com/jonboulle/clockwork"
	"golang.org/x/sys/unix"

	"socketretarder/config"
	"socketretarder/logging"
	"socketretarder/metrics"
	"socketretarder/pending"
	"socketretarder/proxy"
	"socketretarder/queue"
	"socketretarder/sock"
	"socketretarder/state"
	"socketretarder/udp"
)

var loopback = [4]byte{127, 0, 0, 1}

// Options override the collaborators; zero values select the real ones.
type Options struct {
	Next   sock.Layer
	Ops    sock.Ops
	Clock  clockwork.Clock
	Logger *logging.Logger
}

// Retarder implements sock.Layer over a next layer.
type Retarder struct {
	cfg   *config.Config
	next  sock.Layer
	ops   sock.Ops
	log   *logging.Logger
	clock clockwork.Clock

	scenario *state.ScenarioState
	stats    *state.Stats
	pending  *pending.Registry
	queue    *queue.Queue
	proxy    *proxy.Proxy
	worker   *udp.Worker
}

var _ sock.Layer = (*Retarder)(nil)

// New builds the whole machinery and starts it: samplers from the
// configured scenario, the pending registry, the timed queue with its egress
// worker, and the loopback proxy. New returns only once the proxy listener
// is accepting, so the surface is never exposed before its divert target
// exists.
func New(cfg *config.Config, opts Options) (*Retarder, error) {
	if opts.Next == nil {
		opts.Next = sock.OSLayer{}
	}
	if opts.Ops == nil {
		opts.Ops = sock.OSOps{}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewStderr(cfg.Debug)
	}

	scenario, err := state.NewScenarioState(cfg.Scenario)
	if err != nil {
		return nil, err
	}

	r := &Retarder{
		cfg:      cfg,
		next:     opts.Next,
		ops:      opts.Ops,
		log:      opts.Logger,
		clock:    opts.Clock,
		scenario: scenario,
		stats:    state.NewStats(),
		pending:  pending.NewRegistry(),
		queue:    queue.New(opts.Clock),
	}
	r.pending.OnUnderflow = func(fd int, count int64) {
		r.stats.AccountingError()
		r.log.Errorf("pending bytes underflow on fd=%d (%d); clamped to zero", fd, count)
	}

	r.proxy = proxy.New(r.next, scenario, r.pending, r.stats, r.log, r.clock)
	if err := r.proxy.Start(); err != nil {
		return nil, err
	}

	r.worker = udp.NewWorker(r.next, r.queue, r.pending, r.stats, r.log)
	go r.worker.Run()

	return r, nil
}

// Scenario exposes the runtime-adjustable scenario state.
func (r *Retarder) Scenario() *state.ScenarioState { return r.scenario }

// Stats exposes the traffic counters.
func (r *Retarder) Stats() *state.Stats { return r.stats }

// Pending exposes the pending-bytes registry (read-only use intended).
func (r *Retarder) Pending() *pending.Registry { return r.pending }

// ProxyPort returns the loopback proxy's bound port.
func (r *Retarder) ProxyPort() int { return r.proxy.Port() }

// Shutdown stops the proxy listener and drains the egress queue. Only the
// standalone binary calls this; under interposition the machinery lives for
// the process lifetime.
func (r *Retarder) Shutdown() {
	_ = r.proxy.Close()
	r.queue.Close()
	r.worker.Wait()
}

// Connect diverts retarded stream connects through the loopback proxy and
// relays the next-layer result back to the caller. The descriptor's
// file-status flags are identical before and after the call.
func (r *Retarder) Connect(fd int, sa unix.Sockaddr) error {
	if !sock.ShouldRetard(r.ops, fd, sa, r.cfg.RetardDNS) {
		return r.next.Connect(fd, sa)
	}
	sa4 := sa.(*unix.SockaddrInet4)

	sampler, _ := r.scenario.Samplers()
	if d := sampler.Sample(); d > 0 {
		r.stats.Delayed(d.Milliseconds())
		metrics.InjectedDelayMs.Observe(float64(d.Milliseconds()))
		r.clock.Sleep(d)
	}

	// If the descriptor's flags cannot be read or changed, forward rather
	// than guess at the descriptor's state.
	nonblocking, err := r.ops.Nonblocking(fd)
	if err != nil {
		return r.next.Connect(fd, sa)
	}
	if nonblocking {
		if err := r.ops.SetNonblocking(fd, false); err != nil {
			return r.next.Connect(fd, sa)
		}
	}
	divertErr := r.next.Connect(fd, &unix.SockaddrInet4{Port: r.proxy.Port(), Addr: loopback})
	if nonblocking {
		if err := r.ops.SetNonblocking(fd, true); err != nil {
			r.log.Errorf("restore O_NONBLOCK on fd=%d: %v", fd, err)
		}
	}
	if divertErr != nil {
		// The proxy is in-process and accepting; failure here means the
		// machinery itself is broken.
		r.log.Fatalf("connect fd=%d to in-process proxy 127.0.0.1:%d: %v", fd, r.proxy.Port(), divertErr)
	}

	frame := sock.EncodeConnectRequest(sock.ConnectRequest{FD: fd, Addr: sa4.Addr, Port: sa4.Port})
	if err := r.sendAll(fd, frame); err != nil {
		return err
	}

	r.pending.Insert(fd)

	rc, err := r.recvReply(fd)
	if err != nil {
		return err
	}
	if rcErr := sock.ReplyError(rc); rcErr != nil {
		return rcErr
	}
	r.stats.ConnectionDiverted()
	metrics.ConnectionsDiverted.Inc()
	return nil
}

// Sendto diverts eligible UDP datagrams into the timed egress queue and
// reports them as sent. Drop, damage and duplicate fire independently.
func (r *Retarder) Sendto(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	if len(p) == 0 {
		return r.next.Sendto(fd, p, flags, to)
	}

	_, faults := r.scenario.Samplers()
	if faults.Drop() {
		// The application sees a successful send; the datagram vanishes.
		r.stats.DatagramDropped()
		metrics.DatagramOutcomes.WithLabelValues("dropped").Inc()
		return len(p), nil
	}

	if !sock.DatagramEligible(to, r.cfg.RetardDNS) {
		metrics.DatagramOutcomes.WithLabelValues("forwarded").Inc()
		return r.next.Sendto(fd, p, flags, to)
	}
	to4 := to.(*unix.SockaddrInet4)

	// Owned copies: the caller may reuse its buffers the moment we return.
	payload := make([]byte, len(p))
	copy(payload, p)
	dst := &unix.SockaddrInet4{Port: to4.Port, Addr: to4.Addr}

	if faults.MaybeDamage(payload) {
		r.stats.DatagramDamaged()
		metrics.DatagramOutcomes.WithLabelValues("damaged").Inc()
	}

	r.enqueue(fd, payload, flags, dst)

	if faults.Duplicate() {
		dup := make([]byte, len(payload))
		copy(dup, payload)
		// The duplicate accounts its own bytes so close blocks until both
		// copies have drained.
		r.enqueue(fd, dup, flags, &unix.SockaddrInet4{Port: to4.Port, Addr: to4.Addr})
		r.stats.DatagramDuplicated()
		metrics.DatagramOutcomes.WithLabelValues("duplicated").Inc()
	}

	return len(p), nil
}

func (r *Retarder) enqueue(fd int, payload []byte, flags int, dst *unix.SockaddrInet4) {
	sampler, _ := r.scenario.Samplers()
	d := sampler.Sample()
	if d > 0 {
		r.stats.Delayed(d.Milliseconds())
		metrics.InjectedDelayMs.Observe(float64(d.Milliseconds()))
	}

	n := int64(len(payload))
	r.pending.Add(fd, n)
	metrics.PendingBytes.Add(float64(n))

	r.queue.Push(queue.Item{FD: fd, Payload: payload, Flags: flags, To: dst}, d)
	r.stats.DatagramEnqueued()
	metrics.DatagramOutcomes.WithLabelValues("enqueued").Inc()
	metrics.QueueDepth.Set(float64(r.queue.Len()))
}

// Sendmsg delays, then forwards. The payload is not routed through the
// egress queue and carries no pending accounting.
func (r *Retarder) Sendmsg(fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	sampler, _ := r.scenario.Samplers()
	if d := sampler.Sample(); d > 0 {
		r.stats.Delayed(d.Milliseconds())
		metrics.InjectedDelayMs.Observe(float64(d.Milliseconds()))
		r.clock.Sleep(d)
	}
	return r.next.Sendmsg(fd, p, oob, to, flags)
}

// Send accounts bytes against descriptors already routed through the
// machinery, then forwards. Short writes and failures reconcile the
// accounting so close cannot block on bytes the next layer never took.
func (r *Retarder) Send(fd int, p []byte, flags int) (int, error) {
	if len(p) == 0 {
		return r.next.Send(fd, p, flags)
	}
	credited := r.pending.AddIfPresent(fd, int64(len(p)))
	if credited {
		metrics.PendingBytes.Add(float64(len(p)))
	}

	n, err := r.next.Send(fd, p, flags)
	if credited {
		taken := n
		if taken < 0 {
			taken = 0
		}
		if short := int64(len(p) - taken); short > 0 {
			r.pending.Sub(fd, short)
			metrics.PendingBytes.Sub(float64(short))
		}
	}
	return n, err
}

// Close waits for the descriptor's pending bytes to drain, then forwards.
// For descriptors that never touched the machinery this is a plain wrapper.
func (r *Retarder) Close(fd int) error {
	r.pending.WaitAndRemove(fd)
	return r.next.Close(fd)
}

// sendAll pushes the whole buffer through the next layer's send.
func (r *Retarder) sendAll(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := r.next.Send(fd, buf, 0)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// recvReply blocks for the proxy worker's reply word on the diverted
// descriptor, honoring a non-blocking descriptor via readiness waits.
func (r *Retarder) recvReply(fd int) (int32, error) {
	buf := make([]byte, sock.ConnectReplySize)
	for off := 0; off < len(buf); {
		if err := r.ops.AwaitReadable(fd); err != nil {
			return 0, err
		}
		n, err := r.ops.Recv(fd, buf[off:], 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				continue
			}
			return 0, err
		}
		if n == 0 {
			return 0, unix.ECONNRESET
		}
		off += n
	}
	return sock.DecodeConnectReply(buf)
}
