// Package sock defines the interposition contract: the socket primitives the
// retarder replaces, the next-layer implementation it forwards to, and the
// control frame spoken between the diverted connect and the proxy worker.
//
// Layer mirrors the shape of the intercepted symbols. The retarder
// implements Layer by wrapping a next Layer, exactly as a dynamic-loader
// interposer wraps the symbols resolved beneath it.
package sock

import "golang.org/x/sys/unix"

// Layer is the set of intercepted socket primitives, expressed over raw
// descriptors. Return values carry the underlying primitive's semantics:
// byte counts on success, errno-derived errors on failure.
type Layer interface {
	Connect(fd int, sa unix.Sockaddr) error
	Sendto(fd int, p []byte, flags int, to unix.Sockaddr) (int, error)
	Sendmsg(fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error)
	Send(fd int, p []byte, flags int) (int, error)
	Close(fd int) error
}

// Ops are the descriptor-inspection primitives the retarder needs around the
// intercepted calls: socket classification, file-status flag preservation,
// and the control-channel read. Split from Layer so tests can fake them
// independently of the forwarding path.
type Ops interface {
	// SockType returns the SO_TYPE of the descriptor (SOCK_STREAM, ...).
	SockType(fd int) (int, error)
	// Nonblocking reports whether O_NONBLOCK is set on the descriptor.
	Nonblocking(fd int) (bool, error)
	// SetNonblocking sets or clears O_NONBLOCK, leaving other flags alone.
	SetNonblocking(fd int, nonblocking bool) error
	// AwaitReadable blocks until the descriptor has data to read. Needed
	// because the application's descriptor may be non-blocking while the
	// surface performs synthetic blocking reads on it.
	AwaitReadable(fd int) error
	// Recv reads from the descriptor. It blocks only when neither the flags
	// nor the descriptor's O_NONBLOCK say otherwise; a non-blocking
	// descriptor with no data yields EAGAIN.
	Recv(fd int, p []byte, flags int) (int, error)
}
