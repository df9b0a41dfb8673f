package ipmicore

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// wantRecvBufferBytes is what Manager asks the OS for; the OS almost
// always clamps this to its own maximum (net.core.rmem_max on Linux), and
// max_pending is derived from whatever the kernel actually granted rather
// than from this aspiration.
const wantRecvBufferBytes = 4 << 20

// transport owns the single dual-stack UDP socket a Manager multiplexes
// every session over.
type transport struct {
	conn       *net.UDPConn
	maxPending int
}

// newTransport opens one UDP socket bound to a dual-stack wildcard
// address. IPv4 peers are reached by dialing a v4-mapped v6 address so a
// single socket serves both families ("not IPv4-only").
func newTransport() (*transport, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv6unspecified, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("ipmicore: opening UDP socket: %w", err)
	}

	_ = conn.SetReadBuffer(wantRecvBufferBytes)
	applied := readSORcvBuf(conn)

	maxPending := applied / 1000
	if maxPending < 1 {
		maxPending = 1
	}

	return &transport{conn: conn, maxPending: maxPending}, nil
}

// readSORcvBuf reads back whatever receive-buffer size the kernel actually
// applied. net.UDPConn exposes no getter for this, so the raw fd is read
// through SyscallConn and golang.org/x/sys/unix.GetsockoptInt — the
// platform-specific getsockopt wrapper the standard library omits.
func readSORcvBuf(conn *net.UDPConn) int {
	raw, err := conn.SyscallConn()
	if err != nil {
		return wantRecvBufferBytes
	}
	var applied int
	walkErr := raw.Control(func(fd uintptr) {
		v, gerr := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF)
		if gerr == nil {
			applied = v
		}
	})
	if walkErr != nil || applied == 0 {
		return wantRecvBufferBytes
	}
	// Linux doubles the requested value for bookkeeping; other platforms
	// report the raw value. Either way this is only used as a throttle
	// heuristic so the discrepancy does not matter.
	return applied
}

func (t *transport) sendTo(addr *net.UDPAddr, buf []byte) error {
	_, err := t.conn.WriteToUDP(buf, addr)
	if err != nil && isTemporary(err) {
		_, err = t.conn.WriteToUDP(buf, addr)
	}
	return err
}

func (t *transport) close() error {
	return t.conn.Close()
}

// resolvePeer maps a host:port to a UDP address usable on the dual-stack
// socket, preferring an IPv6 (or v4-mapped-v6) result so one socket can
// dial either family.
func resolvePeer(host string, port int) (*net.UDPAddr, error) {
	ips, err := net.DefaultResolver.LookupIP(nil, "ip", host)
	if err != nil || len(ips) == 0 {
		addr, err2 := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
		if err2 != nil {
			return nil, fmt.Errorf("ipmicore: resolving %s: %w", host, err)
		}
		return addr, nil
	}
	ip := ips[0]
	if v4 := ip.To4(); v4 != nil {
		ip = v4.To16() // v4-mapped v6, so WriteToUDP targets the dual-stack socket
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}

// isTemporary reports whether a socket error is worth retrying rather
// than treated as fatal.
func isTemporary(err error) bool {
	var errno syscall.Errno
	if e, ok := err.(*net.OpError); ok {
		if inner, ok := e.Err.(syscall.Errno); ok {
			errno = inner
		}
	}
	return errno == syscall.EAGAIN || errno == syscall.EINTR
}
