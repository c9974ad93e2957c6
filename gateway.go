package fleet

//
// Gateways bridging OS processes into the emulated network
//

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// gatewayDialTimeout bounds the time to connect to the relay target.
const gatewayDialTimeout = 10 * time.Second

// GatewayConfig contains config for [NewGateway]. All fields are
// MANDATORY.
type GatewayConfig struct {
	// Logger is the logger to use.
	Logger Logger

	// Accept is the network where the gateway listens.
	Accept UnderlyingNetwork

	// ListenAddr is the TCP address where the gateway listens.
	ListenAddr *net.TCPAddr

	// Dial is the network through which the gateway connects
	// to the target.
	Dial UnderlyingNetwork

	// Target is the "IP:port" address to relay connections to.
	Target string
}

// Gateway is a TCP relay joining two networks. An experiment uses a
// pair of gateways per node: one listening on the node's emulated
// stack and relaying to the process listening on the host loopback,
// and one listening on the host loopback and relaying into the
// emulated network, so that traffic between processes traverses the
// emulated links. The zero value is invalid; construct using
// [NewGateway].
type Gateway struct {
	// closeOnce allows Close to have once semantics.
	closeOnce sync.Once

	// config is the gateway config.
	config *GatewayConfig

	// conns tracks the active relayed connections.
	conns map[net.Conn]bool

	// listener is the listening socket.
	listener net.Listener

	// mu protects conns.
	mu sync.Mutex

	// wg tracks the relay goroutines.
	wg sync.WaitGroup
}

// NewGateway creates a [Gateway] and starts accepting connections in
// the background. Call [Gateway.Close] to stop the gateway and tear
// down all the connections it relayed.
func NewGateway(config *GatewayConfig) (*Gateway, error) {
	listener, err := config.Accept.ListenTCP("tcp", config.ListenAddr)
	if err != nil {
		return nil, err
	}
	gw := &Gateway{
		closeOnce: sync.Once{},
		config:    config,
		conns:     map[net.Conn]bool{},
		listener:  listener,
		mu:        sync.Mutex{},
		wg:        sync.WaitGroup{},
	}
	gw.wg.Add(1)
	go gw.acceptLoop()
	return gw, nil
}

// Addr returns the address where the gateway is listening.
func (gw *Gateway) Addr() net.Addr {
	return gw.listener.Addr()
}

// acceptLoop accepts and relays connections until closed.
func (gw *Gateway) acceptLoop() {
	defer gw.wg.Done()
	logger := gw.config.Logger
	logger.Debugf("fleet: gateway %s -> %s up", gw.listener.Addr(), gw.config.Target)
	defer logger.Debugf("fleet: gateway %s -> %s down", gw.listener.Addr(), gw.config.Target)
	for {
		conn, err := gw.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warnf("fleet: gateway: Accept: %s", err.Error())
			continue
		}
		gw.wg.Add(1)
		go gw.relay(conn)
	}
}

// relay connects to the target and shuffles bytes in both directions
// until either side closes.
func (gw *Gateway) relay(local net.Conn) {
	defer gw.wg.Done()
	logger := gw.config.Logger

	ctx, cancel := context.WithTimeout(context.Background(), gatewayDialTimeout)
	defer cancel()
	remote, err := gw.config.Dial.DialContext(ctx, "tcp", gw.config.Target)
	if err != nil {
		logger.Warnf("fleet: gateway: dial %s: %s", gw.config.Target, err.Error())
		local.Close()
		return
	}

	gw.track(local)
	gw.track(remote)
	defer func() {
		gw.untrack(local)
		gw.untrack(remote)
	}()

	// closing both conns unblocks the other copier
	wg := &sync.WaitGroup{}
	wg.Add(2)
	copier := func(dst, src net.Conn) {
		defer wg.Done()
		_, _ = io.Copy(dst, src)
		dst.Close()
		src.Close()
	}
	go copier(remote, local)
	copier(local, remote)
	wg.Wait()
}

// track registers an active connection.
func (gw *Gateway) track(conn net.Conn) {
	gw.mu.Lock()
	gw.conns[conn] = true
	gw.mu.Unlock()
}

// untrack unregisters a connection.
func (gw *Gateway) untrack(conn net.Conn) {
	gw.mu.Lock()
	delete(gw.conns, conn)
	gw.mu.Unlock()
}

// Close stops the gateway and tears down the relayed connections.
func (gw *Gateway) Close() error {
	gw.closeOnce.Do(func() {
		gw.listener.Close()
		gw.mu.Lock()
		for conn := range gw.conns {
			conn.Close()
		}
		gw.mu.Unlock()
		gw.wg.Wait()
	})
	return nil
}
