package tunnel

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	withCause := NewTunnelError(ErrCodeProxyDialFailed, GetErrorDescription(ErrCodeProxyDialFailed),
		fmt.Errorf("connection refused"))
	assert.Equal(t, "[E2001] Failed to dial proxy server: connection refused", withCause.Error())

	withoutCause := NewTunnelError(ErrCodeNoProxyConfigured, GetErrorDescription(ErrCodeNoProxyConfigured), nil)
	assert.Equal(t, "[E1003] No proxy configured", withoutCause.Error())
}

func TestErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := NewTunnelError(ErrCodeConnectRequestFailed, "desc", cause)
	assert.ErrorIs(t, err, cause)
}

func TestErrorClassification(t *testing.T) {
	configErr := NewTunnelError(ErrCodeListenFailed, "desc", nil)
	assert.True(t, IsConfigError(configErr))
	assert.False(t, IsConnectionError(configErr))
	assert.False(t, IsHandshakeError(configErr))

	connErr := NewTunnelError(ErrCodeProxyDialFailed, "desc", nil)
	assert.True(t, IsConnectionError(connErr))
	assert.False(t, IsConfigError(connErr))

	handshakeErr := NewTunnelError(ErrCodeConnectDenied, "desc", nil)
	assert.True(t, IsHandshakeError(handshakeErr))
	assert.False(t, IsConnectionError(handshakeErr))

	// Wrapped errors classify the same way.
	wrapped := fmt.Errorf("context: %w", handshakeErr)
	assert.True(t, IsHandshakeError(wrapped))

	assert.False(t, IsConfigError(errors.New("plain error")))
	assert.False(t, IsConfigError(nil))
}

func TestHandshakeStatus(t *testing.T) {
	hsErr := &HandshakeError{Dest: "host:443", Status: "403 Forbidden", StatusCode: 403}
	wrapped := NewTunnelError(ErrCodeConnectDenied, GetErrorDescription(ErrCodeConnectDenied), hsErr)

	assert.Equal(t, "403 Forbidden", HandshakeStatus(wrapped))
	assert.Contains(t, hsErr.Error(), "host:443")
	assert.Contains(t, hsErr.Error(), "403 Forbidden")

	// Failures below HTTP surface their plain error text.
	plain := fmt.Errorf("dial tcp: connection refused")
	assert.Equal(t, "dial tcp: connection refused", HandshakeStatus(plain))

	assert.Empty(t, HandshakeStatus(nil))
}

func TestGetErrorDescription(t *testing.T) {
	assert.Equal(t, "Proxy denied CONNECT request", GetErrorDescription(ErrCodeConnectDenied))
	assert.Equal(t, "Unknown error code", GetErrorDescription("E9999"))
}
