package fleet

//
// Data model
//

import (
	"context"
	"net"
	"time"
)

// Frame contains an IPv4 packet traveling on a [Link].
type Frame struct {
	// Deadline is the time when this frame should be delivered.
	Deadline time.Time

	// Flags contains the frame flags.
	Flags int64

	// Payload contains the packet bytes.
	Payload []byte
}

// FrameFlagDrop indicates that a frame should be dropped at the
// receiving end of the link, as if it had been lost in flight.
const FrameFlagDrop = int64(1) << 0

// NewFrame constructs a [Frame] for the given payload with the
// delivery deadline set to the current time.
func NewFrame(payload []byte) *Frame {
	return &Frame{
		Deadline: time.Now(),
		Flags:    0,
		Payload:  payload,
	}
}

// ShallowCopy returns a copy of the frame sharing the payload with
// the original. Use it before mutating deadline or flags.
func (f *Frame) ShallowCopy() *Frame {
	return &Frame{
		Deadline: f.Deadline,
		Flags:    f.Flags,
		Payload:  f.Payload,
	}
}

// FrameReader allows one to read incoming frames.
type FrameReader interface {
	// FrameAvailable returns a channel that becomes readable
	// when a new frame has arrived.
	FrameAvailable() <-chan any

	// ReadFrameNonblocking reads an incoming frame. You should only call
	// this function after FrameAvailable has been readable. This function
	// returns one of the following errors:
	//
	// - [ErrStackClosed] if the underlying stack has been closed;
	//
	// - [ErrNoPacket] if no packet is available.
	//
	// Callers should ignore ErrNoPacket and try reading again later.
	ReadFrameNonblocking() (*Frame, error)

	// StackClosed returns a channel that becomes readable when the
	// underlying network stack has been closed.
	StackClosed() <-chan any
}

// ReadableNIC is the read side of a [NIC].
type ReadableNIC interface {
	FrameReader
	InterfaceName() string
}

// WriteableNIC is the write side of a [NIC].
type WriteableNIC interface {
	InterfaceName() string
	WriteFrame(frame *Frame) error
}

// NIC is a network interface card with which you can send and receive
// [Frame]s. [Link]s connect pairs of NICs.
type NIC interface {
	FrameReader

	// Close closes this network interface.
	Close() error

	// IPAddress returns the IP address assigned to the NIC.
	IPAddress() string

	// InterfaceName returns the name of the NIC.
	InterfaceName() string

	// WriteFrame writes a frame or returns an error. This function
	// returns [ErrStackClosed] when the underlying stack has been closed.
	WriteFrame(frame *Frame) error
}

// Logger is the logger used by this package. The [github.com/apex/log]
// package-level logger implements this interface.
type Logger interface {
	// Debugf formats and emits a debug message.
	Debugf(format string, v ...any)

	// Debug emits a debug message.
	Debug(message string)

	// Infof formats and emits an informational message.
	Infof(format string, v ...any)

	// Info emits an informational message.
	Info(message string)

	// Warnf formats and emits a warning message.
	Warnf(format string, v ...any)

	// Warn emits a warning message.
	Warn(message string)
}

// UnderlyingNetwork is the network functionality used by gateways,
// probes, and traffic generators. Both [NodeStack] (emulated network)
// and [Stdlib] (host network) implement this interface, so the same
// code can run over either network.
type UnderlyingNetwork interface {
	// DialContext dials a TCP or UDP connection. Unlike [net.Dialer],
	// this function does not resolve domain names; see [Net] for that.
	DialContext(ctx context.Context, network, address string) (net.Conn, error)

	// GetaddrinfoLookupANY resolves a domain name to IP addresses, also
	// returning the CNAME when one is available.
	GetaddrinfoLookupANY(ctx context.Context, domain string) ([]string, string, error)

	// ListenTCP creates a new listening TCP socket.
	ListenTCP(network string, addr *net.TCPAddr) (net.Listener, error)

	// ListenUDP creates a new listening UDP socket.
	ListenUDP(network string, addr *net.UDPAddr) (net.PacketConn, error)
}
