package fleet

//
// Static NICs for testing
//

import "sync"

// StaticReadableNIC is a [ReadableNIC] that emits a static list of
// frames and nothing else. The zero value is invalid; please, use
// [NewStaticReadableNIC] to construct.
type StaticReadableNIC struct {
	// closeOnce gives Close once semantics.
	closeOnce sync.Once

	// closed is closed by CloseNetworkStack.
	closed chan any

	// frames contains the frames to emit.
	frames []*Frame

	// mu protects frames.
	mu sync.Mutex

	// name is the interface name.
	name string

	// notifications is readable while there are frames to emit.
	notifications chan any
}

var _ ReadableNIC = &StaticReadableNIC{}

// NewStaticReadableNIC constructs a [StaticReadableNIC] with the
// given interface name and list of frames to emit.
func NewStaticReadableNIC(name string, frames ...*Frame) *StaticReadableNIC {
	notifications := make(chan any, len(frames))
	for range frames {
		notifications <- true
	}
	return &StaticReadableNIC{
		closeOnce:     sync.Once{},
		closed:        make(chan any),
		frames:        frames,
		mu:            sync.Mutex{},
		name:          name,
		notifications: notifications,
	}
}

// FrameAvailable implements ReadableNIC.
func (n *StaticReadableNIC) FrameAvailable() <-chan any {
	return n.notifications
}

// ReadFrameNonblocking implements ReadableNIC.
func (n *StaticReadableNIC) ReadFrameNonblocking() (*Frame, error) {
	defer n.mu.Unlock()
	n.mu.Lock()
	if len(n.frames) <= 0 {
		return nil, ErrNoPacket
	}
	frame := n.frames[0]
	n.frames = n.frames[1:]
	return frame, nil
}

// StackClosed implements ReadableNIC.
func (n *StaticReadableNIC) StackClosed() <-chan any {
	return n.closed
}

// InterfaceName implements ReadableNIC.
func (n *StaticReadableNIC) InterfaceName() string {
	return n.name
}

// CloseNetworkStack tells the NIC that the network stack that
// should read from it is now shutting down.
func (n *StaticReadableNIC) CloseNetworkStack() {
	n.closeOnce.Do(func() {
		close(n.closed)
	})
}

// StaticWriteableNIC is a [WriteableNIC] that collects the frames
// it receives and makes them available through a channel. The zero
// value is invalid; please, use [NewStaticWriteableNIC] to construct.
type StaticWriteableNIC struct {
	// frames is where we post the frames we receive.
	frames chan *Frame

	// name is the interface name.
	name string
}

var _ WriteableNIC = &StaticWriteableNIC{}

// NewStaticWriteableNIC constructs a [StaticWriteableNIC] with the
// given interface name.
func NewStaticWriteableNIC(name string) *StaticWriteableNIC {
	return &StaticWriteableNIC{
		frames: make(chan *Frame, 1024),
		name:   name,
	}
}

// WriteFrame implements WriteableNIC.
func (n *StaticWriteableNIC) WriteFrame(frame *Frame) error {
	n.frames <- frame
	return nil
}

// InterfaceName implements WriteableNIC.
func (n *StaticWriteableNIC) InterfaceName() string {
	return n.name
}

// Frames returns the channel where we post frames.
func (n *StaticWriteableNIC) Frames() <-chan *Frame {
	return n.frames
}
