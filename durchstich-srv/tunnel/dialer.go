package tunnel

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/codefionn/durchstich/durchstich-srv/logger"
)

// CredentialProvider supplies proxy credentials on demand. It returns
// ok=false when no credentials are configured.
type CredentialProvider func() (username, password string, ok bool)

// StaticCredentials returns a CredentialProvider for a fixed pair, or
// nil-equivalent behavior when username is empty.
func StaticCredentials(username, password string) CredentialProvider {
	return func() (string, string, bool) {
		if username == "" {
			return "", "", false
		}
		return username, password, true
	}
}

// Dialer opens a raw byte stream to a destination. The tunnel engine
// only depends on this interface; the production implementation
// negotiates HTTP CONNECT, tests may substitute their own.
type Dialer interface {
	DialTunnel(ctx context.Context, dest string) (net.Conn, error)
}

// ConnectDialer establishes tunnels through an HTTP forward proxy using
// the CONNECT method.
type ConnectDialer struct {
	proxyAddr   string
	credentials CredentialProvider
	timeout     time.Duration
}

// NewConnectDialer creates a dialer for the given proxy address
// (host:port). credentials may be nil when the proxy needs none.
func NewConnectDialer(proxyAddr string, credentials CredentialProvider, timeout time.Duration) *ConnectDialer {
	return &ConnectDialer{
		proxyAddr:   proxyAddr,
		credentials: credentials,
		timeout:     timeout,
	}
}

// DialTunnel dials the proxy and negotiates a CONNECT tunnel to dest.
// On success the returned conn is the raw byte pipe to dest. A refusal
// by the proxy surfaces as a handshake *Error wrapping a
// *HandshakeError that carries the proxy's status line. No retry is
// attempted; a failed handshake fails only this attempt.
func (d *ConnectDialer) DialTunnel(ctx context.Context, dest string) (net.Conn, error) {
	logger.Debug("Dialing HTTP proxy %s to reach %s", d.proxyAddr, dest)

	dialer := &net.Dialer{Timeout: d.timeout}
	proxyConn, err := dialer.DialContext(ctx, "tcp", d.proxyAddr)
	if err != nil {
		return nil, NewTunnelError(ErrCodeProxyDialFailed, GetErrorDescription(ErrCodeProxyDialFailed),
			fmt.Errorf("proxy server %s: %w", d.proxyAddr, err))
	}

	// Bound the whole handshake; cleared again before handing the conn
	// to the relay.
	if d.timeout > 0 {
		if err := proxyConn.SetDeadline(time.Now().Add(d.timeout)); err != nil {
			closeQuietly(proxyConn)
			return nil, NewTunnelError(ErrCodeConnectRequestFailed, GetErrorDescription(ErrCodeConnectRequestFailed),
				fmt.Errorf("setting handshake deadline: %w", err))
		}
	}

	connectReq, err := http.NewRequest(http.MethodConnect, "http://"+dest, http.NoBody) // URL is dummy for CONNECT
	if err != nil {
		closeQuietly(proxyConn)
		return nil, NewTunnelError(ErrCodeConnectRequestFailed, GetErrorDescription(ErrCodeConnectRequestFailed),
			fmt.Errorf("creating for target %s: %w", dest, err))
	}
	connectReq.Host = dest
	connectReq.Header.Set("User-Agent", "durchstich/1.0")
	connectReq.Header.Set("Proxy-Connection", "keep-alive")

	if d.credentials != nil {
		if username, password, ok := d.credentials(); ok {
			proxyAuth := username + ":" + password
			authEncoded := base64.StdEncoding.EncodeToString([]byte(proxyAuth))
			connectReq.Header.Set("Proxy-Authorization", "Basic "+authEncoded)
			logger.Debug("Added Proxy-Authorization header for user %s", username)
		}
	}

	err = connectReq.Write(proxyConn)
	if err != nil {
		closeQuietly(proxyConn)
		return nil, NewTunnelError(ErrCodeConnectRequestFailed, GetErrorDescription(ErrCodeConnectRequestFailed),
			fmt.Errorf("sending to proxy %s: %w", d.proxyAddr, err))
	}

	proxyReader := bufio.NewReader(proxyConn)
	connectResp, err := http.ReadResponse(proxyReader, connectReq)
	if err != nil {
		closeQuietly(proxyConn)
		return nil, NewTunnelError(ErrCodeConnectResponseFailed, GetErrorDescription(ErrCodeConnectResponseFailed),
			fmt.Errorf("reading from proxy %s: %w", d.proxyAddr, err))
	}
	defer func() {
		if closeErr := connectResp.Body.Close(); closeErr != nil {
			logger.Error("Error closing CONNECT response body: %v", closeErr)
		}
	}()

	// Any 2xx opens the tunnel; everything else is a refusal whose
	// status line gets surfaced to the caller.
	if connectResp.StatusCode < 200 || connectResp.StatusCode >= 300 {
		// Drain a little of the body for log context before closing.
		bodyBytes, _ := io.ReadAll(io.LimitReader(connectResp.Body, 512))
		closeQuietly(proxyConn)
		logger.Debug("Proxy %s denied CONNECT to %s with status %s. Body: %s",
			d.proxyAddr, dest, connectResp.Status, string(bodyBytes))

		code := ErrCodeConnectDenied
		if connectResp.StatusCode == http.StatusProxyAuthRequired {
			code = ErrCodeProxyAuthRequired
		}
		return nil, NewTunnelError(code, GetErrorDescription(code), &HandshakeError{
			Dest:       dest,
			Status:     connectResp.Status,
			StatusCode: connectResp.StatusCode,
		})
	}

	if d.timeout > 0 {
		if err := proxyConn.SetDeadline(time.Time{}); err != nil {
			closeQuietly(proxyConn)
			return nil, NewTunnelError(ErrCodeConnectResponseFailed, GetErrorDescription(ErrCodeConnectResponseFailed),
				fmt.Errorf("clearing handshake deadline: %w", err))
		}
	}

	logger.Debug("CONNECT tunnel established via proxy %s to %s (local %s)",
		d.proxyAddr, dest, proxyConn.LocalAddr())

	// http.ReadResponse consumes only the status line and headers for a
	// successful CONNECT, but a nonconforming proxy could have sent
	// early bytes that landed in the bufio.Reader. Keep them.
	if proxyReader.Buffered() > 0 {
		logger.Warn("Proxy %s sent %d bytes before the tunnel was opened; preserving them",
			d.proxyAddr, proxyReader.Buffered())
		buffered := make([]byte, proxyReader.Buffered())
		if _, err := io.ReadFull(proxyReader, buffered); err != nil {
			closeQuietly(proxyConn)
			return nil, NewTunnelError(ErrCodeConnectResponseFailed, GetErrorDescription(ErrCodeConnectResponseFailed),
				fmt.Errorf("draining buffered bytes from proxy %s: %w", d.proxyAddr, err))
		}
		return &bufferConn{Conn: proxyConn, buf: buffered}, nil
	}

	return proxyConn, nil
}

// bufferConn replays bytes that were read past the CONNECT response
// before handing reads back to the underlying conn.
type bufferConn struct {
	net.Conn
	buf []byte
}

func (bc *bufferConn) Read(b []byte) (int, error) {
	if len(bc.buf) > 0 {
		n := copy(b, bc.buf)
		bc.buf = bc.buf[n:]
		return n, nil
	}
	return bc.Conn.Read(b)
}

func closeQuietly(conn net.Conn) {
	if closeErr := conn.Close(); closeErr != nil {
		logger.Error("Error closing proxy connection: %v", closeErr)
	}
}
