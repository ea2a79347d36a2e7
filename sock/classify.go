package sock

import "golang.org/x/sys/unix"

// dnsPort is excluded from retarding unless the DNS flag opts it in;
// delaying resolver traffic stalls most applications before they reach the
// interesting connections.
const dnsPort = 53

// ShouldRetard classifies a connect destination: true iff the address is
// IPv4, the port is not DNS (or DNS retarding is enabled), and the socket is
// a stream socket. Classification failures fall back to "forward".
func ShouldRetard(ops Ops, fd int, sa unix.Sockaddr, retardDNS bool) bool {
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return false
	}
	if sa4.Port == dnsPort && !retardDNS {
		return false
	}
	typ, err := ops.SockType(fd)
	if err != nil {
		return false
	}
	return typ == unix.SOCK_STREAM
}

// DatagramEligible classifies a sendto destination for the UDP pipeline:
// the destination must be present, IPv4, and not DNS unless opted in.
func DatagramEligible(to unix.Sockaddr, retardDNS bool) bool {
	sa4, ok := to.(*unix.SockaddrInet4)
	if !ok || sa4 == nil {
		return false
	}
	if sa4.Port == dnsPort && !retardDNS {
		return false
	}
	return true
}
