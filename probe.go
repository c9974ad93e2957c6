package fleet

//
// Connectivity probes
//

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
)

// ProbePort is the TCP port where probe responders listen.
const ProbePort = 9090

// defaultProbeSamples is how many echo round trips we perform
// per participant.
const defaultProbeSamples = 3

// probePayloadSize is the size of an echo payload.
const probePayloadSize = 64

// ProbeResponder is a TCP echo server running on a node's emulated
// stack. The zero value is invalid; construct with
// [NewProbeResponder].
type ProbeResponder struct {
	closeOnce sync.Once
	conns     map[net.Conn]bool
	listener  net.Listener
	mu        sync.Mutex
	wg        sync.WaitGroup
}

// NewProbeResponder starts an echo server on the given stack. Call
// [ProbeResponder.Close] to stop it.
func NewProbeResponder(logger Logger, stack UnderlyingNetwork, address string) (*ProbeResponder, error) {
	listener, err := stack.ListenTCP("tcp", &net.TCPAddr{
		IP:   net.ParseIP(address),
		Port: ProbePort,
	})
	if err != nil {
		return nil, err
	}
	pr := &ProbeResponder{
		closeOnce: sync.Once{},
		conns:     map[net.Conn]bool{},
		listener:  listener,
		mu:        sync.Mutex{},
		wg:        sync.WaitGroup{},
	}
	pr.wg.Add(1)
	go pr.acceptLoop(logger)
	return pr, nil
}

// acceptLoop accepts probe connections and echoes their bytes.
func (pr *ProbeResponder) acceptLoop(logger Logger) {
	defer pr.wg.Done()
	for {
		conn, err := pr.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warnf("fleet: probe responder: Accept: %s", err.Error())
			continue
		}
		pr.wg.Add(1)
		go pr.echo(conn)
	}
}

// echo reflects everything it reads back to the sender.
func (pr *ProbeResponder) echo(conn net.Conn) {
	defer pr.wg.Done()
	pr.trackConn(conn, true)
	defer pr.trackConn(conn, false)
	defer conn.Close()
	buffer := make([]byte, probePayloadSize)
	for {
		count, err := conn.Read(buffer)
		if err != nil {
			return
		}
		if _, err := conn.Write(buffer[:count]); err != nil {
			return
		}
	}
}

// trackConn adds or removes a conn from the set of open conns.
func (pr *ProbeResponder) trackConn(conn net.Conn, add bool) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if add {
		pr.conns[conn] = true
		return
	}
	delete(pr.conns, conn)
}

// Close stops the responder. It also closes any echo connection that
// is still open, so we never wait for a lingering peer.
func (pr *ProbeResponder) Close() error {
	pr.closeOnce.Do(func() {
		pr.listener.Close()
		pr.mu.Lock()
		for conn := range pr.conns {
			conn.Close()
		}
		pr.mu.Unlock()
		pr.wg.Wait()
	})
	return nil
}

// ProbeResult is the outcome of probing one participant.
type ProbeResult struct {
	// Node is the probed node's ID.
	Node string `json:"node"`

	// Target is the dialed endpoint.
	Target string `json:"target"`

	// OK indicates whether the probe succeeded.
	OK bool `json:"ok"`

	// Failure is the failure message when OK is false.
	Failure string `json:"failure,omitempty"`

	// MinRTT is the minimum observed round trip time.
	MinRTT time.Duration `json:"min_rtt"`

	// AvgRTT is the mean observed round trip time.
	AvgRTT time.Duration `json:"avg_rtt"`

	// MaxRTT is the maximum observed round trip time.
	MaxRTT time.Duration `json:"max_rtt"`
}

// ProberConfig contains config for [NewProber].
type ProberConfig struct {
	// Logger is the MANDATORY logger to use.
	Logger Logger

	// Network is the MANDATORY network from which probes originate,
	// typically the coordinator's stack.
	Network UnderlyingNetwork

	// Timeout is the per-participant timeout. Zero implies 10s.
	Timeout time.Duration

	// Samples is the number of round trips per participant. Zero
	// implies three.
	Samples int
}

// Prober verifies that participants are reachable before training
// starts. The zero value is invalid; construct using [NewProber].
type Prober struct {
	config *ProberConfig
	netx   *Net
}

// NewProber creates a new [Prober] instance.
func NewProber(config *ProberConfig) *Prober {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Samples <= 0 {
		config.Samples = defaultProbeSamples
	}
	return &Prober{
		config: config,
		netx:   &Net{Stack: config.Network},
	}
}

// VerifyConnectivity probes each given node sequentially and returns
// the per-node results. When one or more nodes are unreachable the
// returned error wraps [ErrConnectivity] and names them; the results
// are returned in both cases.
func (p *Prober) VerifyConnectivity(ctx context.Context, nodes []*Node) ([]*ProbeResult, error) {
	var (
		results []*ProbeResult
		failed  []string
	)
	for _, node := range nodes {
		result := p.probeNode(ctx, node)
		results = append(results, result)
		if !result.OK {
			failed = append(failed, node.Spec.ID)
		}
	}
	if len(failed) > 0 {
		return results, fmt.Errorf("%w: %s", ErrConnectivity, strings.Join(failed, ", "))
	}
	return results, nil
}

// probeNode performs the echo round trips towards a single node.
func (p *Prober) probeNode(ctx context.Context, node *Node) *ProbeResult {
	target := net.JoinHostPort(NodeDomain(node.Spec.ID), fmt.Sprintf("%d", ProbePort))
	result := &ProbeResult{
		Node:   node.Spec.ID,
		Target: target,
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	conn, err := p.netx.DialContext(ctx, "tcp", target)
	if err != nil {
		result.Failure = err.Error()
		p.config.Logger.Warnf("fleet: probe %s: %s", node.Spec.ID, err.Error())
		return result
	}
	defer conn.Close()
	if deadline, good := ctx.Deadline(); good {
		_ = conn.SetDeadline(deadline)
	}

	rtts, err := p.sample(conn)
	if err != nil {
		result.Failure = err.Error()
		p.config.Logger.Warnf("fleet: probe %s: %s", node.Spec.ID, err.Error())
		return result
	}

	result.OK = true
	result.MinRTT, result.AvgRTT, result.MaxRTT = summarizeRTT(rtts)
	p.config.Logger.Infof(
		"fleet: probe %s: ok min/avg/max %s/%s/%s",
		node.Spec.ID, result.MinRTT, result.AvgRTT, result.MaxRTT,
	)
	return result
}

// sample performs the echo round trips over an established conn.
func (p *Prober) sample(conn net.Conn) ([]time.Duration, error) {
	payload := make([]byte, probePayloadSize)
	buffer := make([]byte, probePayloadSize)
	var rtts []time.Duration
	for idx := 0; idx < p.config.Samples; idx++ {
		payload[0] = byte(idx)
		t0 := time.Now()
		if _, err := conn.Write(payload); err != nil {
			return nil, err
		}
		if _, err := conn.Read(buffer); err != nil {
			return nil, err
		}
		rtts = append(rtts, time.Since(t0))
	}
	return rtts, nil
}

// summarizeRTT computes min, mean, and max of the given samples.
func summarizeRTT(rtts []time.Duration) (min, avg, max time.Duration) {
	values := make([]float64, 0, len(rtts))
	for _, rtt := range rtts {
		values = append(values, float64(rtt))
	}
	minv := Must1(stats.Min(values))
	avgv := Must1(stats.Mean(values))
	maxv := Must1(stats.Max(values))
	return time.Duration(minv), time.Duration(avgv), time.Duration(maxv)
}
