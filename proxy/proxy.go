//go:build linux

// Package proxy implements the TCP indirection stage. Diverted application
// connects land on a loopback listener; a worker per connection performs the
// true connect on the application's behalf, reports the result over the
// control channel, then relays bytes both ways, delaying and accounting the
// client-to-server direction.
package proxy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sys/unix"

	"socketretarder/logging"
	"socketretarder/metrics"
	"socketretarder/pending"
	"socketretarder/sock"
	"socketretarder/state"
)

// Listener port search range on 127.0.0.1; first free port wins. Exhausting
// the range is an initialization-fatal condition.
const (
	PortRangeStart = 20000
	PortRangeEnd   = 20500
	listenBacklog  = 10
)

const relayBufSize = 64 * 1024

var loopback = [4]byte{127, 0, 0, 1}

// Proxy owns the loopback listener and spawns a worker per diverted
// connection.
type Proxy struct {
	next     sock.Layer
	scenario *state.ScenarioState
	pending  *pending.Registry
	stats    *state.Stats
	log      *logging.Logger
	clock    clockwork.Clock

	mu       sync.Mutex
	listenFD int
	port     int
	closed   bool
}

// New wires a proxy; Start binds the listener.
func New(next sock.Layer, scenario *state.ScenarioState, reg *pending.Registry, stats *state.Stats, log *logging.Logger, clock clockwork.Clock) *Proxy {
	return &Proxy{
		next:     next,
		scenario: scenario,
		pending:  reg,
		stats:    stats,
		log:      log,
		clock:    clock,
		listenFD: -1,
	}
}

// Start binds the first free loopback port in the range, listens, and spawns
// the acceptor goroutine. Returning without error is the readiness barrier:
// the listener is accepting before any connect is diverted to it.
func (p *Proxy) Start() error {
	fd, port, err := bindRange()
	if err != nil {
		return err
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("listen on 127.0.0.1:%d: %w", port, err)
	}

	p.mu.Lock()
	p.listenFD = fd
	p.port = port
	p.mu.Unlock()

	p.log.Infof("proxy listening on 127.0.0.1:%d", port)
	go p.acceptLoop(fd)
	return nil
}

func bindRange() (int, int, error) {
	for port := PortRangeStart; port <= PortRangeEnd; port++ {
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return -1, 0, fmt.Errorf("proxy socket: %w", err)
		}
		err = unix.Bind(fd, &unix.SockaddrInet4{Port: port, Addr: loopback})
		if err == nil {
			return fd, port, nil
		}
		_ = unix.Close(fd)
		if !errors.Is(err, unix.EADDRINUSE) && !errors.Is(err, unix.EACCES) {
			return -1, 0, fmt.Errorf("bind 127.0.0.1:%d: %w", port, err)
		}
	}
	return -1, 0, fmt.Errorf("no free proxy port in %d..%d", PortRangeStart, PortRangeEnd)
}

// Port returns the bound listener port. Valid once Start has returned.
func (p *Proxy) Port() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port
}

// Close shuts the listener down; in-flight workers finish their relays.
func (p *Proxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.listenFD >= 0 {
		return unix.Close(p.listenFD)
	}
	return nil
}

func (p *Proxy) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Proxy) acceptLoop(listenFD int) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	for {
		clientFD, _, err := unix.Accept(listenFD)
		if err != nil {
			if p.isClosed() {
				return
			}
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.ECONNABORTED) {
				continue
			}
			p.log.Errorf("proxy accept: %v", err)
			p.clock.Sleep(bo.NextBackOff())
			continue
		}
		bo.Reset()
		go p.worker(clientFD)
	}
}

// worker handles one diverted connection for its whole lifetime.
func (p *Proxy) worker(clientFD int) {
	id := uuid.NewString()[:8]
	metrics.ProxyWorkers.Inc()
	defer metrics.ProxyWorkers.Dec()
	defer unix.Close(clientFD)

	// The control frame arrives before any payload bytes; read it whole.
	frame := make([]byte, sock.ConnectRequestSize)
	if err := readFull(clientFD, frame); err != nil {
		p.log.Errorf("proxy[%s]: control frame: %v", id, err)
		return
	}
	cr, err := sock.DecodeConnectRequest(frame)
	if err != nil {
		p.log.Errorf("proxy[%s]: %v", id, err)
		return
	}
	dst := cr.Sockaddr()
	p.log.Debugf("proxy[%s]: fd=%d -> %d.%d.%d.%d:%d", id, cr.FD,
		dst.Addr[0], dst.Addr[1], dst.Addr[2], dst.Addr[3], dst.Port)

	// Fresh downstream socket, true connect through the next layer.
	serverFD, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		p.log.Errorf("proxy[%s]: downstream socket: %v", id, err)
		_ = writeFull(clientFD, sock.EncodeConnectReply(sock.ReplyCode(err)))
		return
	}
	defer unix.Close(serverFD)

	connectErr := p.next.Connect(serverFD, dst)
	if err := writeFull(clientFD, sock.EncodeConnectReply(sock.ReplyCode(connectErr))); err != nil {
		p.log.Errorf("proxy[%s]: reply: %v", id, err)
		return
	}
	if connectErr != nil {
		p.stats.ConnectFailed()
		metrics.ConnectFailures.Inc()
		p.log.Debugf("proxy[%s]: connect failed: %v", id, connectErr)
		return
	}

	p.relay(id, clientFD, serverFD, cr.FD)
}

// relay shuttles bytes until either side reaches end of stream. A single
// worker serves both directions, so ordering within each direction is
// preserved across bursts. Delay applies per readable burst on the
// client-to-server path only.
func (p *Proxy) relay(id string, clientFD, serverFD, origFD int) {
	buf := make([]byte, relayBufSize)
	pollFDs := []unix.PollFd{
		{Fd: int32(clientFD), Events: unix.POLLIN},
		{Fd: int32(serverFD), Events: unix.POLLIN},
	}

	for {
		pollFDs[0].Revents = 0
		pollFDs[1].Revents = 0
		if _, err := unix.Poll(pollFDs, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			p.log.Errorf("proxy[%s]: poll: %v", id, err)
			return
		}

		if pollFDs[0].Revents != 0 {
			sampler, _ := p.scenario.Samplers()
			if d := sampler.Sample(); d > 0 {
				p.stats.Delayed(d.Milliseconds())
				metrics.InjectedDelayMs.Observe(float64(d.Milliseconds()))
				p.clock.Sleep(d)
			}
			moved, eof, err := drainTo(clientFD, serverFD, buf)
			if moved > 0 {
				p.stats.RelayedClientToServer(int64(moved))
				metrics.RelayBytes.WithLabelValues("client_to_server").Add(float64(moved))
				// Bytes the application accounted at send time have now
				// traversed the delay stage; release them last so a close
				// woken by the release sees settled state.
				p.pending.Sub(origFD, int64(moved))
				metrics.PendingBytes.Sub(float64(moved))
			}
			if err != nil {
				p.log.Debugf("proxy[%s]: client->server: %v", id, err)
				return
			}
			if eof {
				p.log.Debugf("proxy[%s]: client closed", id)
				return
			}
		}

		if pollFDs[1].Revents != 0 {
			moved, eof, err := drainTo(serverFD, clientFD, buf)
			if moved > 0 {
				p.stats.RelayedServerToClient(int64(moved))
				metrics.RelayBytes.WithLabelValues("server_to_client").Add(float64(moved))
			}
			if err != nil {
				p.log.Debugf("proxy[%s]: server->client: %v", id, err)
				return
			}
			if eof {
				p.log.Debugf("proxy[%s]: server closed", id)
				return
			}
		}
	}
}

// drainTo moves every currently readable byte from src to dst without
// blocking on src. eof is reported when a read returns zero after the
// readiness notification.
func drainTo(src, dst int, buf []byte) (moved int, eof bool, err error) {
	for {
		n, rerr := unix.Recvfrom(src, buf, unix.MSG_DONTWAIT)
		if rerr != nil {
			if errors.Is(rerr, unix.EAGAIN) || errors.Is(rerr, unix.EWOULDBLOCK) {
				return moved, false, nil
			}
			if errors.Is(rerr, unix.EINTR) {
				continue
			}
			return moved, false, rerr
		}
		if n == 0 {
			return moved, true, nil
		}
		if werr := writeFull(dst, buf[:n]); werr != nil {
			return moved, false, werr
		}
		moved += n
	}
}

func readFull(fd int, buf []byte) error {
	for off := 0; off < len(buf); {
		n, err := unix.Read(fd, buf[off:])
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		if n == 0 {
			return fmt.Errorf("short read: %d of %d bytes", off, len(buf))
		}
		off += n
	}
	return nil
}

func writeFull(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		buf = buf[n:]
	}
	return nil
}
