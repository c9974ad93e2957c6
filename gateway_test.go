package fleet

import (
	"net"
	"testing"
	"time"
)

// startLoopbackEcho starts an echo server on the host loopback and
// returns its address.
func startLoopbackEcho(t *testing.T) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		listener.Close()
	})
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buffer := make([]byte, 1024)
				for {
					count, err := conn.Read(buffer)
					if err != nil {
						return
					}
					if _, err := conn.Write(buffer[:count]); err != nil {
						return
					}
				}
			}()
		}
	}()
	return listener.Addr().String()
}

func TestGateway(t *testing.T) {
	t.Run("relays bytes in both directions", func(t *testing.T) {
		target := startLoopbackEcho(t)
		gw, err := NewGateway(&GatewayConfig{
			Logger: &NullLogger{},
			Accept: &Stdlib{},
			ListenAddr: &net.TCPAddr{
				IP:   net.ParseIP("127.0.0.1"),
				Port: 0,
			},
			Dial:   &Stdlib{},
			Target: target,
		})
		if err != nil {
			t.Fatal(err)
		}
		defer gw.Close()

		conn, err := net.Dial("tcp", gw.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		if _, err := conn.Write([]byte("ping")); err != nil {
			t.Fatal(err)
		}
		buffer := make([]byte, 1024)
		count, err := conn.Read(buffer)
		if err != nil {
			t.Fatal(err)
		}
		if string(buffer[:count]) != "ping" {
			t.Fatal("unexpected payload", string(buffer[:count]))
		}
	})

	t.Run("a pair of chained gateways still relays", func(t *testing.T) {
		target := startLoopbackEcho(t)
		inner, err := NewGateway(&GatewayConfig{
			Logger: &NullLogger{},
			Accept: &Stdlib{},
			ListenAddr: &net.TCPAddr{
				IP:   net.ParseIP("127.0.0.1"),
				Port: 0,
			},
			Dial:   &Stdlib{},
			Target: target,
		})
		if err != nil {
			t.Fatal(err)
		}
		defer inner.Close()
		outer, err := NewGateway(&GatewayConfig{
			Logger: &NullLogger{},
			Accept: &Stdlib{},
			ListenAddr: &net.TCPAddr{
				IP:   net.ParseIP("127.0.0.1"),
				Port: 0,
			},
			Dial:   &Stdlib{},
			Target: inner.Addr().String(),
		})
		if err != nil {
			t.Fatal(err)
		}
		defer outer.Close()

		conn, err := net.Dial("tcp", outer.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		if _, err := conn.Write([]byte("hop hop")); err != nil {
			t.Fatal(err)
		}
		buffer := make([]byte, 1024)
		count, err := conn.Read(buffer)
		if err != nil {
			t.Fatal(err)
		}
		if string(buffer[:count]) != "hop hop" {
			t.Fatal("unexpected payload", string(buffer[:count]))
		}
	})

	t.Run("an unreachable target closes the local connection", func(t *testing.T) {
		// grab a port that is not listening
		probe, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		target := probe.Addr().String()
		probe.Close()

		gw, err := NewGateway(&GatewayConfig{
			Logger: &NullLogger{},
			Accept: &Stdlib{},
			ListenAddr: &net.TCPAddr{
				IP:   net.ParseIP("127.0.0.1"),
				Port: 0,
			},
			Dial:   &Stdlib{},
			Target: target,
		})
		if err != nil {
			t.Fatal(err)
		}
		defer gw.Close()

		conn, err := net.Dial("tcp", gw.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		buffer := make([]byte, 1024)
		if _, err := conn.Read(buffer); err == nil {
			t.Fatal("expected the connection to be closed")
		}
	})

	t.Run("Close is idempotent and tears down connections", func(t *testing.T) {
		target := startLoopbackEcho(t)
		gw, err := NewGateway(&GatewayConfig{
			Logger: &NullLogger{},
			Accept: &Stdlib{},
			ListenAddr: &net.TCPAddr{
				IP:   net.ParseIP("127.0.0.1"),
				Port: 0,
			},
			Dial:   &Stdlib{},
			Target: target,
		})
		if err != nil {
			t.Fatal(err)
		}

		conn, err := net.Dial("tcp", gw.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		if _, err := conn.Write([]byte("x")); err != nil {
			t.Fatal(err)
		}
		buffer := make([]byte, 1024)
		if _, err := conn.Read(buffer); err != nil {
			t.Fatal(err)
		}

		if err := gw.Close(); err != nil {
			t.Fatal(err)
		}
		if err := gw.Close(); err != nil {
			t.Fatal(err)
		}
		if _, err := conn.Read(buffer); err == nil {
			t.Fatal("expected the relayed connection to be closed")
		}
	})
}
