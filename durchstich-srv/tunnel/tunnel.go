package tunnel

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/durchstich/durchstich-srv/config"
	"github.com/codefionn/durchstich/durchstich-srv/logger"
	"github.com/codefionn/durchstich/durchstich-srv/stats"
	"golang.org/x/net/netutil"
)

// endpoint is one bound listening socket serving one tunnel spec.
type endpoint struct {
	spec     config.Tunnel
	listener net.Listener
}

// Tunnel is the relay engine: it binds one listener per configured
// tunnel spec, negotiates a CONNECT tunnel per inbound connection, and
// relays bytes between the paired sockets until either side closes.
type Tunnel struct {
	config    *config.Config
	dialer    Dialer
	collector stats.Collector
	pairs     *pairingTable

	endpoints []*endpoint
	stopping  atomic.Bool
	stopOnce  sync.Once
	wg        sync.WaitGroup
	connWg    sync.WaitGroup
}

// NewTunnel creates a tunnel engine from the configuration. The CONNECT
// dialer and statistics collector are assembled here; tests can swap
// the dialer with SetDialer before Start.
func NewTunnel(cfg *config.Config) *Tunnel {
	t := &Tunnel{
		config: cfg,
		pairs:  newPairingTable(),
	}

	var credentials CredentialProvider
	if cfg.ProxyUsername != nil {
		password := ""
		if cfg.ProxyPassword != nil {
			password = *cfg.ProxyPassword
		}
		credentials = StaticCredentials(*cfg.ProxyUsername, password)
	}
	t.dialer = NewConnectDialer(cfg.ProxyAddress, credentials, time.Duration(cfg.TimeoutSeconds)*time.Second)

	if cfg.Statistics.Enabled {
		factory := stats.NewCollectorFactory()
		collector, err := factory.CreateCollector(&cfg.Statistics)
		if err != nil {
			logger.Error("Failed to initialize statistics collector: %v", err)
			t.collector = stats.NewDummyCollector()
		} else {
			t.collector = collector
		}
	} else {
		t.collector = stats.NewDummyCollector()
	}

	return t
}

// SetDialer replaces the handshake dialer. Must be called before Start.
func (t *Tunnel) SetDialer(dialer Dialer) {
	t.dialer = dialer
}

// Start binds every configured listener and serves until Stop is
// called. Startup is all-or-nothing: if any listen port cannot be
// bound, the already-bound listeners are closed and the error is
// returned without serving any tunnel.
func (t *Tunnel) Start() error {
	if err := t.bindAll(); err != nil {
		return err
	}

	for _, ep := range t.endpoints {
		t.wg.Add(1)
		go t.acceptLoop(ep)
	}

	t.wg.Wait()
	t.connWg.Wait()
	return nil
}

// bindAll creates one listening socket per tunnel spec.
func (t *Tunnel) bindAll() error {
	if len(t.config.Tunnels) == 0 {
		return NewTunnelError(ErrCodeNoTunnelsConfigured, GetErrorDescription(ErrCodeNoTunnelsConfigured), nil)
	}
	if t.config.ProxyAddress == "" {
		return NewTunnelError(ErrCodeNoProxyConfigured, GetErrorDescription(ErrCodeNoProxyConfigured), nil)
	}

	host := ""
	if t.config.LocalOnly {
		host = "127.0.0.1"
	}

	for _, spec := range t.config.Tunnels {
		addr := net.JoinHostPort(host, strconv.Itoa(spec.ListenPort))
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			t.closeListeners()
			return NewTunnelError(ErrCodeListenFailed, GetErrorDescription(ErrCodeListenFailed),
				fmt.Errorf("tunnel %s: %w", spec.String(), err))
		}

		if t.config.MaxConcurrentConnections > 0 {
			listener = netutil.LimitListener(listener, t.config.MaxConcurrentConnections)
		}

		logger.Info("Listening on %s for %s", listener.Addr(), spec.Dest())
		t.endpoints = append(t.endpoints, &endpoint{spec: spec, listener: listener})
	}

	return nil
}

// acceptLoop accepts inbound connections for one endpoint. Each
// accepted connection gets its own goroutine for the CONNECT handshake,
// so a slow proxy negotiation never delays other tunnels or accepts.
func (t *Tunnel) acceptLoop(ep *endpoint) {
	defer t.wg.Done()

	for {
		conn, err := ep.listener.Accept()
		if err != nil {
			if isClosedConnError(err) || t.stopping.Load() {
				return
			}
			logger.Error("Failed to accept connection on %s: %v", ep.listener.Addr(), err)
			continue
		}

		t.connWg.Add(1)
		go func() {
			defer t.connWg.Done()
			t.handleConnection(ep.spec, conn)
		}()
	}
}

// handleConnection performs the CONNECT handshake for one accepted
// client connection and, on success, registers the pair and starts the
// relay. A handshake failure closes only this client connection.
func (t *Tunnel) handleConnection(spec config.Tunnel, clientConn net.Conn) {
	dest := spec.Dest()
	clientAddr := clientConn.RemoteAddr().String()
	logger.Info("Connection requested: %s for %s", clientAddr, dest)

	ctx := context.Background()
	var cancel context.CancelFunc
	if t.config.TimeoutSeconds > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(t.config.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	upstream, err := t.dialer.DialTunnel(ctx, dest)
	if err != nil {
		reason := HandshakeStatus(err)
		logger.Info("Connection failed: %s for %s: %s", clientAddr, dest, reason)
		if statErr := t.collector.RecordHandshakeFailure(context.Background(), clientAddr, dest, reason); statErr != nil {
			logger.Error("Failed to record handshake failure: %v", statErr)
		}
		if closeErr := clientConn.Close(); closeErr != nil {
			logger.Debug("Error closing client connection: %v", closeErr)
		}
		return
	}

	connectionID, statErr := t.collector.StartConnection(context.Background(), clientAddr, spec.DestHost, spec.DestPort)
	if statErr != nil {
		logger.Error("Failed to record connection start: %v", statErr)
	}
	tracked := newTrackedConn(context.Background(), upstream, t.collector, connectionID)

	pair := newRelayPair(clientConn, tracked, pairMeta{
		connectionID: connectionID,
		clientAddr:   clientAddr,
		dest:         dest,
		startedAt:    time.Now(),
	})
	t.pairs.register(pair)

	// Stop may have run between the handshake and registration; tear
	// the pair down instead of leaking it past shutdown.
	if t.stopping.Load() {
		t.teardownPair(pair, net.ErrClosed)
		return
	}

	logger.Info("Connection established: %s for %s (proxy-side %s)",
		clientAddr, dest, upstream.LocalAddr())

	t.startRelay(pair).Wait()
}

// Stop closes all listeners and tears down every active pair. Safe to
// call more than once.
func (t *Tunnel) Stop() error {
	t.stopOnce.Do(func() {
		t.stopping.Store(true)
		t.closeListeners()

		for _, pair := range t.pairs.activePairs() {
			t.teardownPair(pair, net.ErrClosed)
		}

		t.connWg.Wait()

		if err := t.collector.Close(); err != nil {
			logger.Error("Error closing stats collector: %v", err)
		}
	})
	return nil
}

func (t *Tunnel) closeListeners() {
	for _, ep := range t.endpoints {
		if err := ep.listener.Close(); err != nil && !isClosedConnError(err) {
			logger.Error("Error closing listener %s: %v", ep.listener.Addr(), err)
		}
	}
}

// ListenAddrs returns the bound address of every endpoint, in the order
// of the configured tunnel specs. Useful when listening on port 0.
func (t *Tunnel) ListenAddrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(t.endpoints))
	for _, ep := range t.endpoints {
		addrs = append(addrs, ep.listener.Addr())
	}
	return addrs
}

// ActiveTunnels returns the number of currently established relay pairs.
func (t *Tunnel) ActiveTunnels() int {
	return t.pairs.size() / 2
}

// OverviewStats exposes collector statistics for status reporting.
func (t *Tunnel) OverviewStats(ctx context.Context) (*stats.OverviewStats, error) {
	return t.collector.GetOverviewStats(ctx)
}
