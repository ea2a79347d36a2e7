//go:build linux

package retarder

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"socketretarder/config"
	"socketretarder/logging"
	"socketretarder/sock"
)

type sendtoCall struct {
	fd      int
	payload []byte
	to      unix.Sockaddr
}

// fakeLayer records every forwarded call.
type fakeLayer struct {
	mu       sync.Mutex
	sendN    int // forced Send result; -1 means "whole buffer"
	sendtos  chan sendtoCall
	sends    [][]byte
	sendmsgs int
	connects []unix.Sockaddr
	closes   []int
}

func newFakeLayer() *fakeLayer {
	return &fakeLayer{sendN: -1, sendtos: make(chan sendtoCall, 16)}
}

func (l *fakeLayer) Connect(fd int, sa unix.Sockaddr) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connects = append(l.connects, sa)
	return nil
}

func (l *fakeLayer) Sendto(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	l.sendtos <- sendtoCall{fd: fd, payload: cp, to: to}
	return len(p), nil
}

func (l *fakeLayer) Sendmsg(fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sendmsgs++
	return len(p), nil
}

func (l *fakeLayer) Send(fd int, p []byte, flags int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	l.sends = append(l.sends, cp)
	if l.sendN >= 0 {
		return l.sendN, nil
	}
	return len(p), nil
}

func (l *fakeLayer) Close(fd int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closes = append(l.closes, fd)
	return nil
}

// fakeOps classifies descriptors from a map; flags are tracked per fd.
type fakeOps struct {
	mu    sync.Mutex
	types map[int]int
	nb    map[int]bool
}

func (o *fakeOps) SockType(fd int) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.types[fd], nil
}

func (o *fakeOps) Nonblocking(fd int) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.nb[fd], nil
}

func (o *fakeOps) SetNonblocking(fd int, nb bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.nb == nil {
		o.nb = make(map[int]bool)
	}
	o.nb[fd] = nb
	return nil
}

func (o *fakeOps) AwaitReadable(fd int) error                 { return nil }
func (o *fakeOps) Recv(fd int, p []byte, fl int) (int, error) { return 0, unix.ECONNRESET }

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func zeroDelayConfig() *config.Config {
	sc := config.DefaultScenario()
	sc.NormalMeanMs = 0
	sc.NormalVarianceMs = 0
	return &config.Config{Scenario: sc}
}

func newTestRetarder(t *testing.T, cfg *config.Config, opts Options) *Retarder {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.New(testWriter{t}, logging.LevelDebug)
	}
	r, err := New(cfg, opts)
	require.NoError(t, err)
	t.Cleanup(r.Shutdown)
	return r
}

func dst(port int) *unix.SockaddrInet4 {
	return &unix.SockaddrInet4{Port: port, Addr: [4]byte{192, 0, 2, 7}}
}

func awaitSendto(t *testing.T, ch chan sendtoCall) sendtoCall {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no next-layer sendto observed")
		return sendtoCall{}
	}
}

func requireNoSendto(t *testing.T, ch chan sendtoCall, wait time.Duration) {
	t.Helper()
	select {
	case c := <-ch:
		t.Fatalf("unexpected next-layer sendto: %v", c)
	case <-time.After(wait):
	}
}

func closePromptly(t *testing.T, r *Retarder, fd int) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- r.Close(fd) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("close blocked")
	}
}

func TestSendto_DropReportsSuccess(t *testing.T) {
	cfg := zeroDelayConfig()
	cfg.Scenario.DropProbability = 1
	next := newFakeLayer()
	r := newTestRetarder(t, cfg, Options{Next: next, Ops: &fakeOps{}})

	payload := []byte("vanishes")
	n, err := r.Sendto(5, payload, 0, dst(9000))
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	requireNoSendto(t, next.sendtos, 100*time.Millisecond)
	require.Zero(t, r.Pending().Count(5))
	require.Equal(t, int64(1), r.Stats().Snapshot().DatagramsDropped)
	closePromptly(t, r, 5)
}

func TestSendto_DeliveredOnce(t *testing.T) {
	next := newFakeLayer()
	r := newTestRetarder(t, zeroDelayConfig(), Options{Next: next, Ops: &fakeOps{}})

	payload := []byte("one shot")
	n, err := r.Sendto(5, payload, 0, dst(9000))
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	call := awaitSendto(t, next.sendtos)
	require.Equal(t, 5, call.fd)
	require.Equal(t, payload, call.payload)
	requireNoSendto(t, next.sendtos, 100*time.Millisecond)
	closePromptly(t, r, 5)
}

func TestSendto_DuplicateDeliversTwice(t *testing.T) {
	cfg := zeroDelayConfig()
	cfg.Scenario.DuplicateProbability = 1
	next := newFakeLayer()
	r := newTestRetarder(t, cfg, Options{Next: next, Ops: &fakeOps{}})

	payload := []byte("twice")
	n, err := r.Sendto(5, payload, 0, dst(9000))
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	first := awaitSendto(t, next.sendtos)
	second := awaitSendto(t, next.sendtos)
	require.Equal(t, first.payload, second.payload)
	require.Equal(t, first.to, second.to)
	requireNoSendto(t, next.sendtos, 100*time.Millisecond)

	// Both copies accounted their own bytes; both have drained.
	closePromptly(t, r, 5)
	require.Equal(t, int64(1), r.Stats().Snapshot().DatagramsDuplicated)
}

func TestSendto_DamageCorrupts(t *testing.T) {
	cfg := zeroDelayConfig()
	cfg.Scenario.DamageProbability = 1
	next := newFakeLayer()
	r := newTestRetarder(t, cfg, Options{Next: next, Ops: &fakeOps{}})

	payload := make([]byte, 256)
	orig := make([]byte, len(payload))
	copy(orig, payload)

	n, err := r.Sendto(5, payload, 0, dst(9000))
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	// The caller's buffer is never touched; corruption hits the owned copy.
	require.Equal(t, orig, payload)

	call := awaitSendto(t, next.sendtos)
	require.Len(t, call.payload, len(orig))
	require.NotEqual(t, orig, call.payload)
	for i := range call.payload {
		ok := call.payload[i] == orig[i] || call.payload[i] == orig[i]^0xFF
		require.True(t, ok, "byte %d corrupted by something other than XOR 0xFF", i)
	}
	closePromptly(t, r, 5)
}

func TestSendto_DNSForwardedSynchronously(t *testing.T) {
	next := newFakeLayer()
	r := newTestRetarder(t, zeroDelayConfig(), Options{Next: next, Ops: &fakeOps{}})

	payload := []byte("query")
	n, err := r.Sendto(5, payload, 0, dst(53))
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	// Forwarded inline: the call has already happened.
	call := awaitSendto(t, next.sendtos)
	require.Equal(t, payload, call.payload)
	require.Zero(t, r.Pending().Count(5))
	require.Zero(t, r.Stats().Snapshot().DatagramsEnqueued)
}

func TestSendto_DNSRetardedWhenOptedIn(t *testing.T) {
	cfg := zeroDelayConfig()
	cfg.RetardDNS = true
	next := newFakeLayer()
	r := newTestRetarder(t, cfg, Options{Next: next, Ops: &fakeOps{}})

	_, err := r.Sendto(5, []byte("query"), 0, dst(53))
	require.NoError(t, err)
	awaitSendto(t, next.sendtos)
	require.Equal(t, int64(1), r.Stats().Snapshot().DatagramsEnqueued)
	closePromptly(t, r, 5)
}

func TestSendto_NonIPv4Forwarded(t *testing.T) {
	next := newFakeLayer()
	r := newTestRetarder(t, zeroDelayConfig(), Options{Next: next, Ops: &fakeOps{}})

	_, err := r.Sendto(5, []byte("six"), 0, &unix.SockaddrInet6{Port: 9000})
	require.NoError(t, err)
	awaitSendto(t, next.sendtos)
	require.Zero(t, r.Stats().Snapshot().DatagramsEnqueued)
}

func TestSendto_ZeroByteForwardedVerbatim(t *testing.T) {
	cfg := zeroDelayConfig()
	cfg.Scenario.DropProbability = 1 // must not apply to empty sends
	next := newFakeLayer()
	r := newTestRetarder(t, cfg, Options{Next: next, Ops: &fakeOps{}})

	n, err := r.Sendto(5, nil, 0, dst(9000))
	require.NoError(t, err)
	require.Zero(t, n)

	call := awaitSendto(t, next.sendtos)
	require.Empty(t, call.payload)
	require.Zero(t, r.Pending().Count(5))
}

func TestSend_AccountsOnlyRegisteredDescriptors(t *testing.T) {
	next := newFakeLayer()
	r := newTestRetarder(t, zeroDelayConfig(), Options{Next: next, Ops: &fakeOps{}})

	payload := []byte("0123456789")
	n, err := r.Send(3, payload, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Zero(t, r.Pending().Count(3))

	r.Pending().Insert(4)
	_, err = r.Send(4, payload, 0)
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), r.Pending().Count(4))
}

func TestSend_ShortWriteReconciled(t *testing.T) {
	next := newFakeLayer()
	next.sendN = 3
	r := newTestRetarder(t, zeroDelayConfig(), Options{Next: next, Ops: &fakeOps{}})

	r.Pending().Insert(4)
	n, err := r.Send(4, []byte("0123456789"), 0)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	// Only the bytes the next layer actually took stay accounted.
	require.Equal(t, int64(3), r.Pending().Count(4))
}

func TestSendmsg_Forwards(t *testing.T) {
	next := newFakeLayer()
	r := newTestRetarder(t, zeroDelayConfig(), Options{Next: next, Ops: &fakeOps{}})

	n, err := r.Sendmsg(3, []byte("msg"), nil, dst(9000), 0)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	next.mu.Lock()
	defer next.mu.Unlock()
	require.Equal(t, 1, next.sendmsgs)
}

func TestConnect_NonRetardedForwards(t *testing.T) {
	next := newFakeLayer()
	ops := &fakeOps{types: map[int]int{3: unix.SOCK_DGRAM}}
	r := newTestRetarder(t, zeroDelayConfig(), Options{Next: next, Ops: ops})

	sa := dst(9000)
	require.NoError(t, r.Connect(3, sa))

	next.mu.Lock()
	defer next.mu.Unlock()
	require.Len(t, next.connects, 1)
	require.Equal(t, unix.Sockaddr(sa), next.connects[0])
}

func TestClose_NeverRetardedForwardsImmediately(t *testing.T) {
	next := newFakeLayer()
	r := newTestRetarder(t, zeroDelayConfig(), Options{Next: next, Ops: &fakeOps{}})

	closePromptly(t, r, 99)
	next.mu.Lock()
	defer next.mu.Unlock()
	require.Equal(t, []int{99}, next.closes)
}

func TestClose_WaitsForPendingDatagram(t *testing.T) {
	cfg := zeroDelayConfig()
	cfg.Scenario.NormalMeanMs = 150 // deterministic: variance 0
	next := newFakeLayer()
	r := newTestRetarder(t, cfg, Options{Next: next, Ops: &fakeOps{}})

	payload := make([]byte, 1024)
	start := time.Now()
	_, err := r.Sendto(5, payload, 0, dst(9000))
	require.NoError(t, err)

	require.NoError(t, r.Close(5))
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 120*time.Millisecond, "close returned before the datagram drained")

	call := awaitSendto(t, next.sendtos)
	require.Len(t, call.payload, 1024)
	requireNoSendto(t, next.sendtos, 100*time.Millisecond)
}
