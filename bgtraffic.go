package fleet

//
// Background traffic generation
//

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TrafficSinkPort is the TCP port where traffic sinks listen.
const TrafficSinkPort = 9091

// trafficChunkSize is the size of a traffic write.
const trafficChunkSize = 1 << 14

// TrafficPattern selects how a stream distributes its writes
// over time.
type TrafficPattern string

const (
	// TrafficConstant writes at a constant rate.
	TrafficConstant = TrafficPattern("constant")

	// TrafficPoisson spaces writes with exponentially
	// distributed intervals.
	TrafficPoisson = TrafficPattern("poisson")

	// TrafficBursty alternates on periods at triple rate
	// with silent off periods.
	TrafficBursty = TrafficPattern("bursty")
)

// TrafficSpec describes one background traffic stream.
type TrafficSpec struct {
	// From is the source node ID.
	From string `yaml:"from"`

	// To is the destination node ID.
	To string `yaml:"to"`

	// Pattern selects the traffic pattern. Empty implies
	// [TrafficConstant].
	Pattern TrafficPattern `yaml:"pattern"`

	// RateBps is the average send rate in bits per second.
	RateBps int64 `yaml:"rate_bps"`

	// Start is the stream start offset relative to the run start.
	Start Duration `yaml:"start"`

	// Duration is how long the stream lasts. Zero means until the
	// controller is stopped.
	Duration Duration `yaml:"duration"`
}

// TrafficWindow records the activity of one stream, for persisting
// with the run results.
type TrafficWindow struct {
	// StreamID uniquely identifies the stream.
	StreamID string `json:"stream_id"`

	// From is the source node ID.
	From string `json:"from"`

	// To is the destination node ID.
	To string `json:"to"`

	// Pattern is the traffic pattern.
	Pattern TrafficPattern `json:"pattern"`

	// Started is when the stream started sending.
	Started time.Time `json:"started"`

	// Ended is when the stream finished.
	Ended time.Time `json:"ended"`

	// BytesSent is the number of bytes written.
	BytesSent int64 `json:"bytes_sent"`

	// Failure is the failure that interrupted the stream, if any.
	Failure string `json:"failure,omitempty"`
}

// TrafficController runs background traffic streams over a built
// [Topology]. Stream failures never abort an experiment: they are
// logged and recorded in the stream's [TrafficWindow]. The zero value
// is invalid; construct using [NewTrafficController].
type TrafficController struct {
	// cancel interrupts the streams.
	cancel context.CancelFunc

	// logger is the logger to use.
	logger Logger

	// mu protects windows.
	mu sync.Mutex

	// sinks are the listeners draining traffic at destinations.
	sinks []*trafficSink

	// stopOnce allows Stop to have once semantics.
	stopOnce sync.Once

	// topo is the topology over which we generate traffic.
	topo *Topology

	// wg tracks the stream goroutines.
	wg sync.WaitGroup

	// windows records per-stream activity.
	windows []*TrafficWindow
}

// NewTrafficController creates a new [TrafficController] instance.
func NewTrafficController(logger Logger, topo *Topology) *TrafficController {
	return &TrafficController{
		cancel:   nil,
		logger:   logger,
		mu:       sync.Mutex{},
		sinks:    nil,
		stopOnce: sync.Once{},
		topo:     topo,
		wg:       sync.WaitGroup{},
		windows:  nil,
	}
}

// Start launches the sinks and the stream goroutines and returns
// without waiting for the streams. Start fails only when a spec
// references an unknown node or a sink cannot listen, in which case
// the error wraps [ErrTraffic]; stream runtime failures are logged
// and recorded instead.
func (tc *TrafficController) Start(ctx context.Context, specs []TrafficSpec) error {
	// a sink per distinct destination node
	seen := map[string]bool{}
	for _, spec := range specs {
		if _, found := tc.topo.Node(spec.From); !found {
			return fmt.Errorf("%w: unknown source node %s", ErrTraffic, spec.From)
		}
		dest, found := tc.topo.Node(spec.To)
		if !found {
			return fmt.Errorf("%w: unknown destination node %s", ErrTraffic, spec.To)
		}
		if seen[spec.To] {
			continue
		}
		sink, err := newTrafficSink(tc.logger, dest)
		if err != nil {
			return fmt.Errorf("%w: sink %s: %s", ErrTraffic, spec.To, err.Error())
		}
		tc.sinks = append(tc.sinks, sink)
		seen[spec.To] = true
	}

	ctx, tc.cancel = context.WithCancel(ctx)
	for _, spec := range specs {
		tc.wg.Add(1)
		go tc.runStream(ctx, spec)
	}
	return nil
}

// runStream runs a single stream from start offset to completion.
func (tc *TrafficController) runStream(ctx context.Context, spec TrafficSpec) {
	defer tc.wg.Done()

	window := &TrafficWindow{
		StreamID: uuid.NewString(),
		From:     spec.From,
		To:       spec.To,
		Pattern:  spec.Pattern,
	}
	if window.Pattern == "" {
		window.Pattern = TrafficConstant
	}
	defer func() {
		window.Ended = time.Now()
		tc.mu.Lock()
		tc.windows = append(tc.windows, window)
		tc.mu.Unlock()
	}()

	// honour the start offset
	if spec.Start > 0 {
		timer := time.NewTimer(spec.Start.D())
		defer timer.Stop()
		select {
		case <-ctx.Done():
			window.Started = time.Now()
			return
		case <-timer.C:
		}
	}
	window.Started = time.Now()

	// honour the stream duration
	if spec.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Duration.D())
		defer cancel()
	}

	source, _ := tc.topo.Node(spec.From)
	target := net.JoinHostPort(NodeDomain(spec.To), strconv.Itoa(TrafficSinkPort))
	netx := &Net{Stack: source.Stack}
	conn, err := netx.DialContext(ctx, "tcp", target)
	if err != nil {
		window.Failure = err.Error()
		tc.logger.Warnf("fleet: traffic %s -> %s: %s", spec.From, spec.To, err.Error())
		return
	}
	defer conn.Close()

	tc.logger.Infof(
		"fleet: traffic %s: %s -> %s (%s, %d bit/s)",
		window.StreamID, spec.From, spec.To, window.Pattern, spec.RateBps,
	)
	sent, err := sendTraffic(ctx, conn, window.Pattern, spec.RateBps)
	window.BytesSent = sent
	if err != nil {
		window.Failure = err.Error()
		tc.logger.Warnf("fleet: traffic %s -> %s: %s", spec.From, spec.To, err.Error())
	}
}

// sendTraffic writes chunks over conn according to the pattern until
// the context expires or the connection fails. Returns the number of
// bytes written.
func sendTraffic(
	ctx context.Context,
	conn net.Conn,
	pattern TrafficPattern,
	rateBps int64,
) (int64, error) {
	chunk := make([]byte, trafficChunkSize)
	if _, err := rand.Read(chunk); err != nil {
		return 0, err
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	// mean interval between chunk writes at the average rate
	interval := time.Second
	if rateBps > 0 {
		interval = time.Duration(int64(trafficChunkSize) * 8 * int64(time.Second) / rateBps)
	}

	// bursty alternates one second on at triple rate with
	// two seconds off, keeping the same average rate
	const (
		burstOn  = time.Second
		burstOff = 2 * time.Second
	)
	burstDeadline := time.Now().Add(burstOn)
	bursting := true

	var total int64
	for {
		select {
		case <-ctx.Done():
			return total, nil
		default:
		}

		var pause time.Duration
		switch pattern {
		case TrafficPoisson:
			pause = time.Duration(rng.ExpFloat64() * float64(interval))

		case TrafficBursty:
			now := time.Now()
			if now.After(burstDeadline) {
				bursting = !bursting
				if bursting {
					burstDeadline = now.Add(burstOn)
				} else {
					burstDeadline = now.Add(burstOff)
				}
			}
			if !bursting {
				pause = time.Until(burstDeadline)
				break
			}
			pause = interval / 3

		default:
			pause = interval
		}

		if pause > 0 {
			timer := time.NewTimer(pause)
			select {
			case <-ctx.Done():
				timer.Stop()
				return total, nil
			case <-timer.C:
			}
		}

		if pattern == TrafficBursty && !bursting {
			continue
		}

		count, err := conn.Write(chunk)
		total += int64(count)
		if err != nil {
			select {
			case <-ctx.Done():
				return total, nil
			default:
				return total, err
			}
		}
	}
}

// Stop interrupts all streams, waits for them to record their
// windows, and closes the sinks. Stop is idempotent.
func (tc *TrafficController) Stop() {
	tc.stopOnce.Do(func() {
		if tc.cancel != nil {
			tc.cancel()
		}
		tc.wg.Wait()
		for _, sink := range tc.sinks {
			sink.Close()
		}
	})
}

// Windows returns a copy of the recorded stream windows sorted by
// start time.
func (tc *TrafficController) Windows() []*TrafficWindow {
	defer tc.mu.Unlock()
	tc.mu.Lock()
	out := make([]*TrafficWindow, len(tc.windows))
	copy(out, tc.windows)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Started.Before(out[j].Started)
	})
	return out
}

// trafficSink drains background traffic at a destination node.
type trafficSink struct {
	closeOnce sync.Once
	conns     map[net.Conn]bool
	listener  net.Listener
	mu        sync.Mutex
	wg        sync.WaitGroup
}

// newTrafficSink starts a sink on the given node's stack.
func newTrafficSink(logger Logger, node *Node) (*trafficSink, error) {
	listener, err := node.Stack.ListenTCP("tcp", &net.TCPAddr{
		IP:   net.ParseIP(node.Spec.Address),
		Port: TrafficSinkPort,
	})
	if err != nil {
		return nil, err
	}
	sink := &trafficSink{
		closeOnce: sync.Once{},
		conns:     map[net.Conn]bool{},
		listener:  listener,
		mu:        sync.Mutex{},
		wg:        sync.WaitGroup{},
	}
	sink.wg.Add(1)
	go sink.acceptLoop(logger)
	return sink, nil
}

// acceptLoop accepts and drains connections until closed.
func (ts *trafficSink) acceptLoop(logger Logger) {
	defer ts.wg.Done()
	for {
		conn, err := ts.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warnf("fleet: traffic sink: Accept: %s", err.Error())
			continue
		}
		ts.wg.Add(1)
		go func() {
			defer ts.wg.Done()
			ts.trackConn(conn, true)
			defer ts.trackConn(conn, false)
			defer conn.Close()
			_, _ = io.Copy(io.Discard, conn)
		}()
	}
}

// trackConn adds or removes a conn from the set of open conns.
func (ts *trafficSink) trackConn(conn net.Conn, add bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if add {
		ts.conns[conn] = true
		return
	}
	delete(ts.conns, conn)
}

// Close stops the sink. It also closes any draining connection that
// is still open, so we never wait for a lingering sender.
func (ts *trafficSink) Close() error {
	ts.closeOnce.Do(func() {
		ts.listener.Close()
		ts.mu.Lock()
		for conn := range ts.conns {
			conn.Close()
		}
		ts.mu.Unlock()
		ts.wg.Wait()
	})
	return nil
}
