package fleet

//
// Link modeling: frame forwarding with per-direction traffic shaping
//

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// linkShape contains the shaping parameters of one link direction,
// derived from a [LinkProfile].
type linkShape struct {
	// bandwidth is the link bandwidth in bits per second (0 = unshaped).
	bandwidth int64

	// delay is the one-way propagation delay.
	delay time.Duration

	// jitter is the maximum random extra delay per frame.
	jitter time.Duration

	// loss is the packet loss rate.
	loss float64

	// unbounded disables the drop-tail queue cap.
	unbounded bool
}

// NICWrapper wraps a [NIC], e.g. to capture PCAPs ([NewPCAPDumper]).
type NICWrapper func(nic NIC) NIC

// LinkConfig contains config for creating a [Link].
type LinkConfig struct {
	// Profile describes the impairments applied to the link. The
	// forward direction is left to right.
	Profile LinkProfile

	// LeftNICWrapper OPTIONALLY wraps the left NIC.
	LeftNICWrapper NICWrapper

	// RightNICWrapper OPTIONALLY wraps the right NIC.
	RightNICWrapper NICWrapper
}

// Link models a link between a "left" and a "right" NIC shaping the
// traffic in each direction according to a [LinkProfile]. The zero
// value is invalid; please, use [NewLink] to construct.
//
// The kind of half-duplex link modeled here looks much more like a
// shared geographical link than an ethernet link: frames may be
// delivered out of order when jitter scatters them.
//
// Once created, a link immediately starts to forward traffic until you
// call [Link.Close] to shut it down.
type Link struct {
	// closeOnce allows Close to have once semantics.
	closeOnce sync.Once

	// left is the left network stack.
	left NIC

	// right is the right network stack.
	right NIC

	// wg allows us to wait for the forwarding goroutines.
	wg *sync.WaitGroup
}

// NewLink creates a new [Link] instance and spawns goroutines for
// forwarding traffic between the left and the right NIC. You MUST call
// [Link.Close] to stop these goroutines when you are done.
//
// The returned [Link] TAKES OWNERSHIP of the left and right network
// stacks and ensures that their Close method is called when you call
// [Link.Close].
func NewLink(logger Logger, left, right NIC, config *LinkConfig) *Link {
	if config.LeftNICWrapper != nil {
		left = config.LeftNICWrapper(left)
	}
	if config.RightNICWrapper != nil {
		right = config.RightNICWrapper(right)
	}

	wg := &sync.WaitGroup{}

	// forward traffic from left to right
	wg.Add(1)
	go shapeTraffic(&shapeConfig{
		logger: logger,
		reader: left,
		shape:  config.Profile.forwardShape(),
		wg:     wg,
		writer: right,
	})

	// forward traffic from right to left
	wg.Add(1)
	go shapeTraffic(&shapeConfig{
		logger: logger,
		reader: right,
		shape:  config.Profile.reverseShape(),
		wg:     wg,
		writer: left,
	})

	return &Link{
		closeOnce: sync.Once{},
		left:      left,
		right:     right,
		wg:        wg,
	}
}

// Close closes the [Link] and the two NICs it owns.
func (lnk *Link) Close() error {
	lnk.closeOnce.Do(func() {
		lnk.left.Close()
		lnk.right.Close()
		lnk.wg.Wait()
	})
	return nil
}

// shapeConfig contains config for [shapeTraffic]. All the fields are
// MANDATORY.
type shapeConfig struct {
	// logger is the logger to use.
	logger Logger

	// reader is the NIC from which to read frames.
	reader ReadableNIC

	// shape contains the shaping parameters for this direction.
	shape linkShape

	// wg is notified when the forwarding goroutine terminates.
	wg *sync.WaitGroup

	// writer is the NIC where to write frames.
	writer WriteableNIC
}

// defaultQueueBytes is the drop-tail TX queue size cap.
const defaultQueueBytes = 1 << 16

// txSlotInterval is the interval at which the forwarder wakes up to
// perform I/O.
const txSlotInterval = 100 * time.Microsecond

// shapeTraffic forwards frames from reader to writer applying the
// configured bandwidth, delay, jitter, loss rate, and queue discipline.
//
// Be careful when modifying this algorithm to preserve the packet
// level properties we care about:
//
// - jitter scattering packets to mitigate bursts;
//
// - packet pacing at the TX derived from the link bandwidth;
//
// - out-of-order delivery both at the TX and at the RX such
// that jitter actually works;
//
// - drop-tail, small-buffer TX queue discipline.
func shapeTraffic(cfg *shapeConfig) {
	linkName := fmt.Sprintf(
		"link %s -> %s",
		cfg.reader.InterfaceName(),
		cfg.writer.InterfaceName(),
	)
	cfg.logger.Debugf("fleet: %s up", linkName)
	defer cfg.logger.Debugf("fleet: %s down", linkName)

	// synchronize with stop
	defer cfg.wg.Done()

	// outgoing contains the frames queued for transmission
	var outgoing []*Frame

	// accounting for queued bytes
	var queuedBytes int

	// inflight contains the frames currently in flight
	var inflight []*Frame

	// ticker to schedule I/O
	ticker := time.NewTicker(txSlotInterval)
	defer ticker.Stop()

	// random number generator for jitter and losses
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		select {
		case <-cfg.reader.StackClosed():
			return

		// Userspace handler
		//
		// Whenever there is an IP packet, we enqueue it into a virtual
		// interface, account for the serialization delay, and moderate
		// the queue to avoid the most severe bufferbloat.
		case <-cfg.reader.FrameAvailable():
			frame, err := cfg.reader.ReadFrameNonblocking()
			if err != nil {
				if err != ErrNoPacket {
					cfg.logger.Warnf("fleet: %s: ReadFrameNonblocking: %s", linkName, err.Error())
				}
				continue
			}

			// drop the incoming packet if the TX buffer is full
			if !cfg.shape.unbounded && queuedBytes > defaultQueueBytes {
				continue
			}

			// avoid potential data races
			frame = frame.ShallowCopy()

			// create frame TX deadline accounting for the time needed
			// to send all the previously queued frames
			frame.Deadline = time.Now().Add(serializationDelay(cfg.shape.bandwidth, queuedBytes))

			// add to queue and wait for the TX to wake up
			outgoing = append(outgoing, frame)
			queuedBytes += len(frame.Payload)

		// Ticker to emulate (slotted) sending and receiving over the channel
		case <-ticker.C:
			// wake up the transmitter first
			if len(outgoing) > 0 {
				// avoid head of line blocking that may be caused by jitter
				sortFramesByDeadline(outgoing)

				// if the front frame is still pending, waste a cycle
				frame := outgoing[0]
				if d := time.Until(frame.Deadline); d > 0 {
					continue
				}

				// dequeue the first frame in the buffer
				queuedBytes -= len(frame.Payload)
				outgoing = outgoing[1:]

				// add random jitter to offset the effect of bursts
				var jitter time.Duration
				if cfg.shape.jitter > 0 {
					jitter = time.Duration(rng.Int63n(int64(cfg.shape.jitter)))
				}

				// check whether we need to drop this frame (we will drop it
				// at the RX so we simulate it being dropped in flight)
				if rng.Float64() < cfg.shape.loss {
					frame.Flags |= FrameFlagDrop
				}

				// create frame RX deadline
				frame.Deadline = time.Now().Add(cfg.shape.delay + jitter)

				// the frame is now in flight
				inflight = append(inflight, frame)
			}

			// now wake up the receiver
			if len(inflight) > 0 {
				// avoid head of line blocking that may be caused by jitter
				sortFramesByDeadline(inflight)

				// if the front frame is still pending, waste a cycle
				frame := inflight[0]
				if d := time.Until(frame.Deadline); d > 0 {
					continue
				}

				// the frame is no longer in flight
				inflight = inflight[1:]

				// don't leak the deadline to the destination NIC
				frame.Deadline = time.Time{}

				// deliver or drop the frame
				if frame.Flags&FrameFlagDrop == 0 {
					_ = cfg.writer.WriteFrame(frame)
				}
			}
		}
	}
}

// serializationDelay returns the time needed to transmit queuedBytes
// at the given bandwidth in bits per second.
func serializationDelay(bandwidth int64, queuedBytes int) time.Duration {
	if bandwidth <= 0 {
		return 0
	}
	bits := int64(queuedBytes) * 8
	return time.Duration(bits * int64(time.Second) / bandwidth)
}

// sortFramesByDeadline sorts the given frames by deadline in place.
func sortFramesByDeadline(frames []*Frame) {
	sort.SliceStable(frames, func(i, j int) bool {
		return frames[i].Deadline.Before(frames[j].Deadline)
	})
}
