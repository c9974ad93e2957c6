package fleet

//
// NodeStack: the userspace network stack bound to a topology node.
//

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"sync"
	"syscall"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
)

// NodeStack is the network stack of a topology node. The zero value is
// invalid; please, use [NewNodeStack] to construct.
//
// Because [NodeStack] implements [UnderlyingNetwork], you can use it to
// dial TCP/UDP connections, create listening sockets, and perform DNS
// lookups against the topology's embedded resolver. Use the [NIC] side
// of the stack to read and write the raw [Frame]s it produces, which is
// what [Link]s do.
type NodeStack struct {
	// ns is the gvisor network stack.
	ns *gvisorStack

	// resoAddr is the resolver IPv4 address.
	resoAddr netip.Addr
}

var (
	_ NIC               = &NodeStack{}
	_ UnderlyingNetwork = &NodeStack{}
)

// NewNodeStack constructs a new [NodeStack] instance.
//
// Arguments:
//
// - logger is the logger to use;
//
// - mtu is the MTU to use (1500 is a good value);
//
// - stackAddress is the IPv4 address to assign to the stack;
//
// - resolverAddress is the IPv4 address of the DNS resolver the stack
// should use; use 0.0.0.0 if you don't need DNS resolution.
func NewNodeStack(
	logger Logger,
	mtu uint32,
	stackAddress string,
	resolverAddress string,
) (*NodeStack, error) {
	stackAddr, err := netip.ParseAddr(stackAddress)
	if err != nil {
		return nil, err
	}
	if !stackAddr.Is4() {
		return nil, syscall.EAFNOSUPPORT
	}

	resolverAddr, err := netip.ParseAddr(resolverAddress)
	if err != nil {
		return nil, err
	}
	if !resolverAddr.Is4() {
		return nil, syscall.EAFNOSUPPORT
	}

	ns, err := newGVisorStack(logger, stackAddr, mtu)
	if err != nil {
		return nil, err
	}

	return &NodeStack{
		ns:       ns,
		resoAddr: resolverAddr,
	}, nil
}

// FrameAvailable implements NIC.
func (ns *NodeStack) FrameAvailable() <-chan any {
	return ns.ns.FrameAvailable()
}

// ReadFrameNonblocking implements NIC.
func (ns *NodeStack) ReadFrameNonblocking() (*Frame, error) {
	return ns.ns.ReadFrameNonblocking()
}

// StackClosed implements NIC.
func (ns *NodeStack) StackClosed() <-chan any {
	return ns.ns.StackClosed()
}

// IPAddress implements NIC.
func (ns *NodeStack) IPAddress() string {
	return ns.ns.IPAddress()
}

// InterfaceName implements NIC.
func (ns *NodeStack) InterfaceName() string {
	return ns.ns.InterfaceName()
}

// WriteFrame implements NIC.
func (ns *NodeStack) WriteFrame(frame *Frame) error {
	return ns.ns.WriteFrame(frame)
}

// Close shuts down the node's network stack.
func (ns *NodeStack) Close() error {
	return ns.ns.Close()
}

// DialContext implements UnderlyingNetwork. The address argument must
// contain an IPv4 address, not a domain name.
func (ns *NodeStack) DialContext(
	ctx context.Context, network string, address string) (net.Conn, error) {
	var (
		conn net.Conn
		err  error
	)

	addrport, err := netip.ParseAddrPort(address)
	if err != nil {
		return nil, err
	}

	switch network {
	case "tcp":
		conn, err = ns.ns.DialContextTCPAddrPort(ctx, addrport)

	case "udp":
		conn, err = ns.ns.DialUDPAddrPort(netip.AddrPort{}, addrport)

	default:
		return nil, syscall.EPROTOTYPE
	}

	if err != nil {
		return nil, mapNetstackError(err)
	}

	// wrap returned connection to correctly map errors
	return &netstackConnWrapper{conn}, nil
}

// GetaddrinfoLookupANY implements UnderlyingNetwork by querying the
// configured resolver inside the emulated network.
func (ns *NodeStack) GetaddrinfoLookupANY(ctx context.Context, domain string) ([]string, string, error) {
	// shortcircuit IP addresses
	if net.ParseIP(domain) != nil {
		return []string{domain}, "", nil
	}

	query := newDNSRequestA(domain)
	resp, err := dnsRoundTrip(ctx, ns, ns.resoAddr.String(), query)
	if err != nil {
		return nil, "", err
	}
	return dnsParseResponse(query, resp)
}

// ListenTCP implements UnderlyingNetwork.
func (ns *NodeStack) ListenTCP(network string, addr *net.TCPAddr) (net.Listener, error) {
	if network != "tcp" {
		return nil, syscall.EPROTOTYPE
	}

	ipaddr, good := netip.AddrFromSlice(addr.IP)
	if !good {
		return nil, syscall.EADDRNOTAVAIL
	}
	addrport := netip.AddrPortFrom(ipaddr, uint16(addr.Port))

	listener, err := ns.ns.ListenTCPAddrPort(addrport)
	if err != nil {
		return nil, mapNetstackError(err)
	}

	return &netstackListenerWrapper{
		closed: make(chan any),
		l:      listener,
	}, nil
}

// ListenUDP implements UnderlyingNetwork.
func (ns *NodeStack) ListenUDP(network string, addr *net.UDPAddr) (net.PacketConn, error) {
	if network != "udp" {
		return nil, syscall.EPROTOTYPE
	}

	ipaddr, good := netip.AddrFromSlice(addr.IP)
	if !good {
		return nil, syscall.EADDRNOTAVAIL
	}
	addrport := netip.AddrPortFrom(ipaddr, uint16(addr.Port))

	pconn, err := ns.ns.DialUDPAddrPort(addrport, netip.AddrPort{})
	if err != nil {
		return nil, mapNetstackError(err)
	}

	return &netstackPacketConnWrapper{pconn}, nil
}

// netstackSuffixToError maps a gvisor error suffix to an stdlib error.
type netstackSuffixToError struct {
	// suffix is the gvisor err.Error() suffix.
	suffix string

	// err is generally a syscall error but it could
	// also be any other stdlib error.
	err error
}

// allNetstackSyscallErrors defines [netstackSuffixToError] rules for
// the gvisor errors that matter to experiment code.
//
// See https://github.com/google/gvisor/blob/master/pkg/tcpip/errors.go
var allNetstackSyscallErrors = []*netstackSuffixToError{{
	suffix: "endpoint is closed for receive",
	err:    net.ErrClosed,
}, {
	suffix: "endpoint is closed for send",
	err:    net.ErrClosed,
}, {
	suffix: "connection aborted",
	err:    syscall.ECONNABORTED,
}, {
	suffix: "connection was refused",
	err:    syscall.ECONNREFUSED,
}, {
	suffix: "connection reset by peer",
	err:    syscall.ECONNRESET,
}, {
	suffix: "network is unreachable",
	err:    syscall.ENETUNREACH,
}, {
	suffix: "no route to host",
	err:    syscall.EHOSTUNREACH,
}, {
	suffix: "host is down",
	err:    syscall.EHOSTDOWN,
}, {
	suffix: "machine is not on the network",
	err:    syscall.ENETDOWN,
}, {
	suffix: "operation timed out",
	err:    syscall.ETIMEDOUT,
}, {
	suffix: "endpoint is in invalid state",
	err:    syscall.EINVAL,
}, {
	suffix: "operation canceled",
	err:    net.ErrClosed,
}}

// mapNetstackError maps a gvisor error to an stdlib error.
func mapNetstackError(err error) error {
	if err != nil {
		estring := err.Error()
		for _, entry := range allNetstackSyscallErrors {
			if strings.HasSuffix(estring, entry.suffix) {
				return entry.err
			}
		}
	}
	return err
}

// netstackConnWrapper wraps a [net.Conn] to remap gvisor errors
// so that we emulate stdlib errors.
type netstackConnWrapper struct {
	c net.Conn
}

var _ net.Conn = &netstackConnWrapper{}

// Close implements net.Conn.
func (cw *netstackConnWrapper) Close() error {
	return cw.c.Close()
}

// LocalAddr implements net.Conn.
func (cw *netstackConnWrapper) LocalAddr() net.Addr {
	return cw.c.LocalAddr()
}

// Read implements net.Conn.
func (cw *netstackConnWrapper) Read(b []byte) (int, error) {
	count, err := cw.c.Read(b)
	return count, mapNetstackError(err)
}

// RemoteAddr implements net.Conn.
func (cw *netstackConnWrapper) RemoteAddr() net.Addr {
	return cw.c.RemoteAddr()
}

// SetDeadline implements net.Conn.
func (cw *netstackConnWrapper) SetDeadline(t time.Time) error {
	return cw.c.SetDeadline(t)
}

// SetReadDeadline implements net.Conn.
func (cw *netstackConnWrapper) SetReadDeadline(t time.Time) error {
	return cw.c.SetReadDeadline(t)
}

// SetWriteDeadline implements net.Conn.
func (cw *netstackConnWrapper) SetWriteDeadline(t time.Time) error {
	return cw.c.SetWriteDeadline(t)
}

// Write implements net.Conn.
func (cw *netstackConnWrapper) Write(b []byte) (int, error) {
	count, err := cw.c.Write(b)
	return count, mapNetstackError(err)
}

// netstackPacketConnWrapper wraps a [net.PacketConn] to remap
// gvisor errors so that we emulate stdlib errors.
type netstackPacketConnWrapper struct {
	c *gonet.UDPConn
}

var _ net.PacketConn = &netstackPacketConnWrapper{}

// Close implements net.PacketConn.
func (pcw *netstackPacketConnWrapper) Close() error {
	return pcw.c.Close()
}

// LocalAddr implements net.PacketConn.
func (pcw *netstackPacketConnWrapper) LocalAddr() net.Addr {
	return pcw.c.LocalAddr()
}

// ReadFrom implements net.PacketConn.
func (pcw *netstackPacketConnWrapper) ReadFrom(p []byte) (int, net.Addr, error) {
	count, addr, err := pcw.c.ReadFrom(p)
	return count, addr, mapNetstackError(err)
}

// SetDeadline implements net.PacketConn.
func (pcw *netstackPacketConnWrapper) SetDeadline(t time.Time) error {
	return pcw.c.SetDeadline(t)
}

// SetReadDeadline implements net.PacketConn.
func (pcw *netstackPacketConnWrapper) SetReadDeadline(t time.Time) error {
	return pcw.c.SetReadDeadline(t)
}

// SetWriteDeadline implements net.PacketConn.
func (pcw *netstackPacketConnWrapper) SetWriteDeadline(t time.Time) error {
	return pcw.c.SetWriteDeadline(t)
}

// WriteTo implements net.PacketConn.
func (pcw *netstackPacketConnWrapper) WriteTo(p []byte, addr net.Addr) (int, error) {
	count, err := pcw.c.WriteTo(p, addr)
	return count, mapNetstackError(err)
}

// netstackListenerWrapper wraps a [net.Listener] and maps gvisor
// errors to the corresponding stdlib errors. After Close, Accept
// always returns [net.ErrClosed] like a stdlib listener would.
type netstackListenerWrapper struct {
	closeOnce sync.Once
	closed    chan any
	l         *gonet.TCPListener
}

var _ net.Listener = &netstackListenerWrapper{}

// Accept implements net.Listener.
func (lw *netstackListenerWrapper) Accept() (net.Conn, error) {
	conn, err := lw.l.Accept()
	if err != nil {
		select {
		case <-lw.closed:
			return nil, net.ErrClosed
		default:
			return nil, mapNetstackError(err)
		}
	}
	return &netstackConnWrapper{conn}, nil
}

// Addr implements net.Listener.
func (lw *netstackListenerWrapper) Addr() net.Addr {
	return lw.l.Addr()
}

// Close implements net.Listener.
func (lw *netstackListenerWrapper) Close() error {
	lw.closeOnce.Do(func() {
		close(lw.closed)
	})
	return lw.l.Close()
}
