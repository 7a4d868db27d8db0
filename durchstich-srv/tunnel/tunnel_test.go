package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/durchstich/durchstich-srv/config"
)

// startEchoServer runs a TCP server that copies input back to the
// sender. Returns the bound host and port.
func startEchoServer(t *testing.T) (string, int) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()

	addr := listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

// startRealProxy runs a working CONNECT proxy that dials the requested
// target and splices bytes in both directions.
func startRealProxy(t *testing.T) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				reader := bufio.NewReader(conn)
				req, err := http.ReadRequest(reader)
				if err != nil || req.Method != http.MethodConnect {
					return
				}
				target, err := net.DialTimeout("tcp", req.Host, 5*time.Second)
				if err != nil {
					fmt.Fprintf(conn, "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n")
					return
				}
				defer target.Close()
				fmt.Fprintf(conn, "HTTP/1.1 200 Connection Established\r\n\r\n")

				done := make(chan struct{}, 2)
				go func() {
					_, _ = io.Copy(target, reader)
					done <- struct{}{}
				}()
				go func() {
					_, _ = io.Copy(conn, target)
					done <- struct{}{}
				}()
				<-done
			}()
		}
	}()

	return listener.Addr().String()
}

// startTunnel spins up the engine for the given config and waits for
// every listener to be bound. Returns the engine and its bound
// addresses, one per tunnel spec.
func startTunnel(t *testing.T, cfg *config.Config) (*Tunnel, []net.Addr) {
	t.Helper()

	engine := NewTunnel(cfg)
	go func() {
		_ = engine.Start()
	}()
	t.Cleanup(func() { _ = engine.Stop() })

	require.Eventually(t, func() bool {
		return len(engine.ListenAddrs()) == len(cfg.Tunnels)
	}, 5*time.Second, 10*time.Millisecond, "listeners never bound")

	return engine, engine.ListenAddrs()
}

func testConfig(proxyAddr string, tunnels ...config.Tunnel) *config.Config {
	return &config.Config{
		Tunnels:        tunnels,
		ProxyAddress:   proxyAddr,
		LocalOnly:      true,
		TimeoutSeconds: 5,
	}
}

func TestTunnelEchoRoundTrip(t *testing.T) {
	echoHost, echoPort := startEchoServer(t)
	proxyAddr := startRealProxy(t)

	cfg := testConfig(proxyAddr, config.Tunnel{ListenPort: 0, DestHost: echoHost, DestPort: echoPort})
	_, addrs := startTunnel(t, cfg)

	conn, err := net.Dial("tcp", addrs[0].String())
	require.NoError(t, err)
	defer conn.Close()

	payload := []byte("hello through the tunnel")
	_, err = conn.Write(payload)
	require.NoError(t, err)

	echoed := make([]byte, len(payload))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(conn, echoed)
	require.NoError(t, err)
	assert.Equal(t, payload, echoed)
}

func TestTunnelBulkTransferBothDirections(t *testing.T) {
	echoHost, echoPort := startEchoServer(t)
	proxyAddr := startRealProxy(t)

	cfg := testConfig(proxyAddr, config.Tunnel{ListenPort: 0, DestHost: echoHost, DestPort: echoPort})
	_, addrs := startTunnel(t, cfg)

	conn, err := net.Dial("tcp", addrs[0].String())
	require.NoError(t, err)
	defer conn.Close()

	// Several relay chunks worth of data, not chunk-aligned.
	payload := make([]byte, RelayChunkSize*5+123)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	writeErr := make(chan error, 1)
	go func() {
		_, err := conn.Write(payload)
		writeErr <- err
	}()

	echoed := make([]byte, len(payload))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	_, err = io.ReadFull(conn, echoed)
	require.NoError(t, err)
	require.NoError(t, <-writeErr)
	assert.Equal(t, payload, echoed)
}

func TestTunnelMultipleListeners(t *testing.T) {
	echoHost, echoPort := startEchoServer(t)
	secondHost, secondPort := startEchoServer(t)
	proxyAddr := startRealProxy(t)

	cfg := testConfig(proxyAddr,
		config.Tunnel{ListenPort: 0, DestHost: echoHost, DestPort: echoPort},
		config.Tunnel{ListenPort: 0, DestHost: secondHost, DestPort: secondPort},
	)
	_, addrs := startTunnel(t, cfg)
	require.Len(t, addrs, 2)

	for i, addr := range addrs {
		conn, err := net.Dial("tcp", addr.String())
		require.NoError(t, err)

		msg := []byte(fmt.Sprintf("tunnel-%d", i))
		_, err = conn.Write(msg)
		require.NoError(t, err)

		echoed := make([]byte, len(msg))
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, err = io.ReadFull(conn, echoed)
		require.NoError(t, err)
		assert.Equal(t, msg, echoed)
		_ = conn.Close()
	}
}

func TestTunnelHandshakeRefusalClosesOnlyThatConnection(t *testing.T) {
	echoHost, echoPort := startEchoServer(t)

	// Proxy that refuses CONNECTs to one destination and serves the rest.
	refusedDest := "refused.internal:99"
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				reader := bufio.NewReader(conn)
				req, err := http.ReadRequest(reader)
				if err != nil {
					return
				}
				if req.Host == refusedDest {
					fmt.Fprintf(conn, "HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\n\r\n")
					return
				}
				target, err := net.DialTimeout("tcp", req.Host, 5*time.Second)
				if err != nil {
					fmt.Fprintf(conn, "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n")
					return
				}
				defer target.Close()
				fmt.Fprintf(conn, "HTTP/1.1 200 Connection Established\r\n\r\n")
				done := make(chan struct{}, 2)
				go func() { _, _ = io.Copy(target, reader); done <- struct{}{} }()
				go func() { _, _ = io.Copy(conn, target); done <- struct{}{} }()
				<-done
			}()
		}
	}()
	proxyAddr := listener.Addr().String()

	cfg := testConfig(proxyAddr,
		config.Tunnel{ListenPort: 0, DestHost: "refused.internal", DestPort: 99},
		config.Tunnel{ListenPort: 0, DestHost: echoHost, DestPort: echoPort},
	)
	engine, addrs := startTunnel(t, cfg)

	// The refused tunnel: the client conn is closed after the failed
	// handshake, observed as EOF.
	refused, err := net.Dial("tcp", addrs[0].String())
	require.NoError(t, err)
	require.NoError(t, refused.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = refused.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	_ = refused.Close()

	// The engine keeps serving: the other tunnel still works.
	working, err := net.Dial("tcp", addrs[1].String())
	require.NoError(t, err)
	defer working.Close()
	_, err = working.Write([]byte("still alive"))
	require.NoError(t, err)
	echoed := make([]byte, 11)
	require.NoError(t, working.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(working, echoed)
	require.NoError(t, err)
	assert.Equal(t, "still alive", string(echoed))

	// No leaked pairs from the refused handshake.
	require.Eventually(t, func() bool {
		return engine.ActiveTunnels() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

// stallingDialer blocks DialTunnel for one destination until released
// and dials everything else directly, bypassing any proxy.
type stallingDialer struct {
	stalledDest string
	release     chan struct{}
}

func (d *stallingDialer) DialTunnel(ctx context.Context, dest string) (net.Conn, error) {
	if dest == d.stalledDest {
		select {
		case <-d.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("stalled handshake released without a tunnel")
	}
	var dialer net.Dialer
	return dialer.DialContext(ctx, "tcp", dest)
}

func TestTunnelStalledHandshakeDoesNotBlockOthers(t *testing.T) {
	echoHost, echoPort := startEchoServer(t)

	cfg := testConfig("unused.proxy:8080",
		config.Tunnel{ListenPort: 0, DestHost: "stalled.internal", DestPort: 99},
		config.Tunnel{ListenPort: 0, DestHost: echoHost, DestPort: echoPort},
	)
	cfg.TimeoutSeconds = 30

	dialer := &stallingDialer{
		stalledDest: "stalled.internal:99",
		release:     make(chan struct{}),
	}
	engine := NewTunnel(cfg)
	engine.SetDialer(dialer)
	go func() { _ = engine.Start() }()
	t.Cleanup(func() {
		close(dialer.release)
		_ = engine.Stop()
	})
	require.Eventually(t, func() bool {
		return len(engine.ListenAddrs()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	addrs := engine.ListenAddrs()

	// Open a connection whose handshake hangs.
	stalled, err := net.Dial("tcp", addrs[0].String())
	require.NoError(t, err)
	defer stalled.Close()

	// Other connections proceed while that handshake is pending.
	start := time.Now()
	working, err := net.Dial("tcp", addrs[1].String())
	require.NoError(t, err)
	defer working.Close()

	_, err = working.Write([]byte("not blocked"))
	require.NoError(t, err)
	echoed := make([]byte, 11)
	require.NoError(t, working.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(working, echoed)
	require.NoError(t, err)
	assert.Equal(t, "not blocked", string(echoed))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestTunnelRemoteCloseReachesClient(t *testing.T) {
	// Destination that sends a greeting and closes.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			_, _ = conn.Write([]byte("bye"))
			_ = conn.Close()
		}
	}()
	destAddr := listener.Addr().(*net.TCPAddr)

	proxyAddr := startRealProxy(t)
	cfg := testConfig(proxyAddr, config.Tunnel{ListenPort: 0, DestHost: destAddr.IP.String(), DestPort: destAddr.Port})
	engine, addrs := startTunnel(t, cfg)

	conn, err := net.Dial("tcp", addrs[0].String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	greeting := make([]byte, 3)
	_, err = io.ReadFull(conn, greeting)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(greeting))

	// The remote close propagates as EOF and the pair leaves the table.
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	require.Eventually(t, func() bool {
		return engine.ActiveTunnels() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTunnelClientCloseTearsDownPair(t *testing.T) {
	echoHost, echoPort := startEchoServer(t)
	proxyAddr := startRealProxy(t)

	cfg := testConfig(proxyAddr, config.Tunnel{ListenPort: 0, DestHost: echoHost, DestPort: echoPort})
	engine, addrs := startTunnel(t, cfg)

	conn, err := net.Dial("tcp", addrs[0].String())
	require.NoError(t, err)

	_, err = conn.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(conn, make([]byte, 1))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return engine.ActiveTunnels() == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return engine.ActiveTunnels() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTunnelStopClosesListenersAndPairs(t *testing.T) {
	echoHost, echoPort := startEchoServer(t)
	proxyAddr := startRealProxy(t)

	cfg := testConfig(proxyAddr, config.Tunnel{ListenPort: 0, DestHost: echoHost, DestPort: echoPort})
	engine, addrs := startTunnel(t, cfg)

	conn, err := net.Dial("tcp", addrs[0].String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(conn, make([]byte, 1))
	require.NoError(t, err)

	require.NoError(t, engine.Stop())
	assert.Equal(t, 0, engine.ActiveTunnels())

	// The established connection is gone.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)

	// New connections are refused after Stop.
	_, err = net.DialTimeout("tcp", addrs[0].String(), time.Second)
	assert.Error(t, err)

	// Stop is idempotent.
	assert.NoError(t, engine.Stop())
}

func TestTunnelStartFailsWithoutTunnels(t *testing.T) {
	engine := NewTunnel(&config.Config{ProxyAddress: "proxy:8080"})
	err := engine.Start()
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestTunnelStartFailsWithoutProxy(t *testing.T) {
	engine := NewTunnel(&config.Config{
		Tunnels: []config.Tunnel{{ListenPort: 0, DestHost: "host", DestPort: 1}},
	})
	err := engine.Start()
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestTunnelStartAllOrNothing(t *testing.T) {
	// Occupy a port so the second bind fails.
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()
	occupiedPort := occupied.Addr().(*net.TCPAddr).Port

	cfg := testConfig("proxy:8080",
		config.Tunnel{ListenPort: 0, DestHost: "host", DestPort: 1},
		config.Tunnel{ListenPort: occupiedPort, DestHost: "host", DestPort: 2},
	)
	engine := NewTunnel(cfg)
	err = engine.Start()
	require.Error(t, err)

	var tunnelErr *Error
	require.ErrorAs(t, err, &tunnelErr)
	assert.Equal(t, ErrCodeListenFailed, tunnelErr.Code)
}
