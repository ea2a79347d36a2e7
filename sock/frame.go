package sock

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// ConnectRequest is the control record a diverted connect sends to the proxy
// worker before any payload bytes: the application's descriptor and the
// destination it originally dialed.
type ConnectRequest struct {
	FD   int
	Addr [4]byte
	Port int
}

// Wire sizes of the control exchange. The request is a fixed frame so the
// worker can read it with a single exact-length receive; the reply is one
// signed 32-bit word holding the next-layer connect result (0, or -errno).
const (
	ConnectRequestSize = 16
	ConnectReplySize   = 4
)

// Sockaddr returns the original destination as a sockaddr for the next-layer
// connect.
func (cr *ConnectRequest) Sockaddr() *unix.SockaddrInet4 {
	return &unix.SockaddrInet4{Port: cr.Port, Addr: cr.Addr}
}

// EncodeConnectRequest serializes the request into its fixed frame:
// descriptor (int64 LE), IPv4 address (4 bytes), port (uint16 BE, sockaddr
// order), 2 reserved bytes.
func EncodeConnectRequest(cr ConnectRequest) []byte {
	buf := make([]byte, ConnectRequestSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(cr.FD))
	copy(buf[8:12], cr.Addr[:])
	binary.BigEndian.PutUint16(buf[12:14], uint16(cr.Port))
	return buf
}

// DecodeConnectRequest parses a fixed control frame.
func DecodeConnectRequest(buf []byte) (ConnectRequest, error) {
	if len(buf) != ConnectRequestSize {
		return ConnectRequest{}, fmt.Errorf("connect request frame: want %d bytes, got %d", ConnectRequestSize, len(buf))
	}
	cr := ConnectRequest{
		FD:   int(int64(binary.LittleEndian.Uint64(buf[0:8]))),
		Port: int(binary.BigEndian.Uint16(buf[12:14])),
	}
	copy(cr.Addr[:], buf[8:12])
	return cr, nil
}

// EncodeConnectReply serializes the next-layer connect result: 0 on success,
// the negated errno on failure.
func EncodeConnectReply(rc int32) []byte {
	buf := make([]byte, ConnectReplySize)
	binary.LittleEndian.PutUint32(buf, uint32(rc))
	return buf
}

// DecodeConnectReply parses the reply word.
func DecodeConnectReply(buf []byte) (int32, error) {
	if len(buf) != ConnectReplySize {
		return 0, fmt.Errorf("connect reply: want %d bytes, got %d", ConnectReplySize, len(buf))
	}
	return int32(binary.LittleEndian.Uint32(buf)), nil
}

// ReplyError maps a reply word to the error the application should observe.
func ReplyError(rc int32) error {
	if rc >= 0 {
		return nil
	}
	return unix.Errno(-rc)
}

// ReplyCode maps a next-layer connect error to the wire word.
func ReplyCode(err error) int32 {
	if err == nil {
		return 0
	}
	if errno, ok := err.(unix.Errno); ok {
		return -int32(errno)
	}
	return -int32(unix.ECONNREFUSED)
}
