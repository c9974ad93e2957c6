package fleet

//
// Gvisor-based userspace TCP/IP stack.
//
// Adapted from https://github.com/WireGuard/wireguard-go
//
// SPDX-License-Identifier: MIT
//

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"

	"gvisor.dev/gvisor/pkg/bufferv2"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

// gvisorStack is a TCP/IP stack in userspace. Seen from above this
// stack allows creating TCP and UDP connections. Seen from below, it
// allows one to read and write IPv4 packets. The zero value of this
// structure is invalid; please, use [newGVisorStack] to instantiate.
//
// The experiment topologies we emulate are IPv4-only, so this stack
// registers the IPv4 protocol only.
type gvisorStack struct {
	// closeOnce ensures that Close has once semantics.
	closeOnce sync.Once

	// closed is closed by Close and signals that we should
	// not perform any further TCP/IP operation.
	closed chan any

	// endpoint is the endpoint receiving gvisor notifications.
	endpoint *channel.Endpoint

	// incomingPacket is the channel posted by gvisor
	// when there is an incoming IP packet.
	incomingPacket chan any

	// ipAddress is the IP address we're using.
	ipAddress netip.Addr

	// logger is the logger to use.
	logger Logger

	// name is the interface name.
	name string

	// stack is the network stack in userspace.
	stack *stack.Stack
}

// newGVisorStack creates a new [gvisorStack] instance.
func newGVisorStack(logger Logger, addr netip.Addr, mtu uint32) (*gvisorStack, error) {
	stackOptions := stack.Options{
		NetworkProtocols: []stack.NetworkProtocolFactory{
			ipv4.NewProtocol,
		},
		TransportProtocols: []stack.TransportProtocolFactory{
			tcp.NewProtocol,
			udp.NewProtocol,
		},
		HandleLocal: true,
	}

	name := newNICName()
	gvs := &gvisorStack{
		closeOnce:      sync.Once{},
		closed:         make(chan any),
		endpoint:       channel.New(1024, mtu, ""),
		incomingPacket: make(chan any),
		ipAddress:      addr,
		logger:         logger,
		name:           name,
		stack:          stack.New(stackOptions),
	}

	// register as the notification target for gvisor
	gvs.endpoint.AddNotify(gvs)

	// create a NIC to attach to this stack
	if err := gvs.stack.CreateNIC(1, gvs.endpoint); err != nil {
		return nil, errors.New(err.String())
	}

	// configure the IPv4 address for the NIC we created
	protoAddr := tcpip.ProtocolAddress{
		Protocol:          ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.Address(addr.AsSlice()).WithPrefix(),
	}
	if err := gvs.stack.AddProtocolAddress(1, protoAddr, stack.AddressProperties{}); err != nil {
		return nil, errors.New(err.String())
	}

	// install the default route
	gvs.stack.AddRoute(tcpip.Route{Destination: header.IPv4EmptySubnet, NIC: 1})

	logger.Debugf("fleet: ifconfig %s mtu %d", name, mtu)
	logger.Debugf("fleet: ifconfig %s %s up", name, addr)
	logger.Debugf("fleet: ip route add default dev %s", name)
	return gvs, nil
}

var _ NIC = &gvisorStack{}

// IPAddress implements NIC.
func (gvs *gvisorStack) IPAddress() string {
	return gvs.ipAddress.String()
}

// FrameAvailable implements NIC.
func (gvs *gvisorStack) FrameAvailable() <-chan any {
	return gvs.incomingPacket
}

// ReadFrameNonblocking implements NIC.
func (gvs *gvisorStack) ReadFrameNonblocking() (*Frame, error) {
	// avoid reading if we've been closed
	select {
	case <-gvs.closed:
		return nil, ErrStackClosed
	default:
	}

	// obtain the packet buffer from the endpoint
	pktbuf := gvs.endpoint.Read()
	if pktbuf.IsNil() {
		return nil, ErrNoPacket
	}
	view := pktbuf.ToView()
	pktbuf.DecRef()

	// read the actual packet payload
	buffer := make([]byte, gvs.endpoint.MTU())
	count, err := view.Read(buffer)
	if err != nil {
		return nil, err
	}

	return NewFrame(buffer[:count]), nil
}

// InterfaceName implements NIC.
func (gvs *gvisorStack) InterfaceName() string {
	return gvs.name
}

// StackClosed implements NIC.
func (gvs *gvisorStack) StackClosed() <-chan any {
	return gvs.closed
}

// WriteNotify implements channel.Notification. Gvisor calls this
// callback function every time there's a new readable packet.
func (gvs *gvisorStack) WriteNotify() {
	gvs.incomingPacket <- true
}

// WriteFrame implements NIC.
func (gvs *gvisorStack) WriteFrame(frame *Frame) error {
	// there is clearly a race condition with closing but the intent is just
	// to behave and return an error long after we've been closed
	select {
	case <-gvs.closed:
		return net.ErrClosed
	default:
	}

	packet := frame.Payload
	if len(packet) < 1 || packet[0]>>4 != 4 {
		return ErrPacketDropped
	}
	pkb := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: bufferv2.MakeWithData(packet),
	})
	gvs.endpoint.InjectInbound(header.IPv4ProtocolNumber, pkb)
	return nil
}

// Close ensures that we cannot send and recv additional packets and
// that we cannot establish new TCP/UDP connections.
func (gvs *gvisorStack) Close() error {
	gvs.closeOnce.Do(func() {
		// synchronize with other users (MUST be first)
		close(gvs.closed)

		gvs.logger.Debugf("fleet: ifconfig %s down", gvs.name)
	})
	return nil
}

// DialContextTCPAddrPort establishes a new TCP connection.
func (gvs *gvisorStack) DialContextTCPAddrPort(
	ctx context.Context, addr netip.AddrPort) (*gonet.TCPConn, error) {
	fa, pn := gvisorConvertToFullAddr(addr)
	return gonet.DialContextTCP(ctx, gvs.stack, fa, pn)
}

// ListenTCPAddrPort creates a new listening TCP socket.
func (gvs *gvisorStack) ListenTCPAddrPort(addr netip.AddrPort) (*gonet.TCPListener, error) {
	fa, pn := gvisorConvertToFullAddr(addr)
	return gonet.ListenTCP(gvs.stack, fa, pn)
}

// DialUDPAddrPort allows to create UDP sockets. Using a nil
// raddr is equivalent to [net.ListenUDP]. Using nil laddr instead
// is equivalent to [net.Dial] with an "udp" network.
func (gvs *gvisorStack) DialUDPAddrPort(laddr, raddr netip.AddrPort) (*gonet.UDPConn, error) {
	var lfa, rfa *tcpip.FullAddress
	var pn tcpip.NetworkProtocolNumber

	if laddr.IsValid() || laddr.Port() > 0 {
		var addr tcpip.FullAddress
		addr, pn = gvisorConvertToFullAddr(laddr)
		lfa = &addr
	}

	if raddr.IsValid() || raddr.Port() > 0 {
		var addr tcpip.FullAddress
		addr, pn = gvisorConvertToFullAddr(raddr)
		rfa = &addr
	}

	return gonet.DialUDP(gvs.stack, lfa, rfa, pn)
}

// gvisorConvertToFullAddr is a convenience function for converting
// a [netip.AddrPort] to the kind of addrs used by gvisor.
func gvisorConvertToFullAddr(endpoint netip.AddrPort) (tcpip.FullAddress, tcpip.NetworkProtocolNumber) {
	fa := tcpip.FullAddress{
		NIC:  1,
		Addr: tcpip.Address(endpoint.Addr().AsSlice()),
		Port: endpoint.Port(),
	}
	return fa, ipv4.ProtocolNumber
}
