package udp

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"socketretarder/logging"
	"socketretarder/pending"
	"socketretarder/queue"
	"socketretarder/state"
)

type sendtoCall struct {
	fd      int
	payload []byte
	flags   int
	to      unix.Sockaddr
}

// recordingLayer records Sendto calls and can fail them on demand.
type recordingLayer struct {
	sendtoErr error
	calls     chan sendtoCall
}

func newRecordingLayer() *recordingLayer {
	return &recordingLayer{calls: make(chan sendtoCall, 16)}
}

func (l *recordingLayer) Connect(fd int, sa unix.Sockaddr) error { return nil }

func (l *recordingLayer) Sendto(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	l.calls <- sendtoCall{fd: fd, payload: cp, flags: flags, to: to}
	if l.sendtoErr != nil {
		return 0, l.sendtoErr
	}
	return len(p), nil
}

func (l *recordingLayer) Sendmsg(fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	return len(p), nil
}

func (l *recordingLayer) Send(fd int, p []byte, flags int) (int, error) { return len(p), nil }
func (l *recordingLayer) Close(fd int) error                           { return nil }

func testWorker(t *testing.T, next *recordingLayer) (*Worker, *queue.Queue, *pending.Registry) {
	t.Helper()
	q := queue.New(clockwork.NewRealClock())
	reg := pending.NewRegistry()
	w := NewWorker(next, q, reg, state.NewStats(), logging.New(testWriter{t}, logging.LevelDebug))
	return w, q, reg
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func awaitCall(t *testing.T, ch chan sendtoCall) sendtoCall {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no next-layer sendto observed")
		return sendtoCall{}
	}
}

func TestWorker_DispatchesAndReleasesPending(t *testing.T) {
	t.Parallel()
	next := newRecordingLayer()
	w, q, reg := testWorker(t, next)
	go w.Run()

	dst := &unix.SockaddrInet4{Port: 9000, Addr: [4]byte{127, 0, 0, 1}}
	payload := []byte("datagram")
	reg.Add(5, int64(len(payload)))
	q.Push(queue.Item{FD: 5, Payload: payload, Flags: 0, To: dst}, 0)

	call := awaitCall(t, next.calls)
	require.Equal(t, 5, call.fd)
	require.Equal(t, payload, call.payload)
	require.Equal(t, unix.Sockaddr(dst), call.to)

	// close must not block once the worker has released the bytes
	reg.WaitAndRemove(5)

	q.Close()
	w.Wait()
}

func TestWorker_ReleasesPendingOnSendError(t *testing.T) {
	t.Parallel()
	next := newRecordingLayer()
	// The owning descriptor may already be gone when the deadline fires.
	next.sendtoErr = unix.EBADF
	w, q, reg := testWorker(t, next)
	go w.Run()

	payload := []byte("doomed")
	reg.Add(7, int64(len(payload)))
	q.Push(queue.Item{FD: 7, Payload: payload, To: &unix.SockaddrInet4{Port: 1}}, 0)

	awaitCall(t, next.calls)
	reg.WaitAndRemove(7)

	q.Close()
	w.Wait()
}

func TestWorker_StopsWhenQueueCloses(t *testing.T) {
	t.Parallel()
	next := newRecordingLayer()
	w, q, _ := testWorker(t, next)
	go w.Run()

	q.Close()
	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop on queue close")
	}
}
