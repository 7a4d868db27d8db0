package tunnel

import (
	"errors"
	"fmt"
)

// Error represents a tunnel-specific error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewTunnelError creates a new Error with the given code and description
func NewTunnelError(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// Tunnel Error Codes
const (
	// Configuration and Startup Errors (E1000-E1999)
	ErrCodeInvalidTunnelSpec   = "E1001"
	ErrCodeNoTunnelsConfigured = "E1002"
	ErrCodeNoProxyConfigured   = "E1003"
	ErrCodeListenFailed        = "E1004"

	// Connection and Network Errors (E2000-E2999)
	ErrCodeProxyDialFailed  = "E2001"
	ErrCodeConnectionClosed = "E2002"

	// CONNECT Handshake Errors (E3000-E3999)
	ErrCodeConnectRequestFailed  = "E3001"
	ErrCodeConnectResponseFailed = "E3002"
	ErrCodeConnectDenied         = "E3003"
	ErrCodeProxyAuthRequired     = "E3004"

	// Relay Errors (E4000-E4999)
	ErrCodeRelayReadFailed  = "E4001"
	ErrCodeRelayWriteFailed = "E4002"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeInvalidTunnelSpec:   "Invalid tunnel specification",
	ErrCodeNoTunnelsConfigured: "No tunnels configured",
	ErrCodeNoProxyConfigured:   "No proxy configured",
	ErrCodeListenFailed:        "Failed to bind listening socket",

	ErrCodeProxyDialFailed:  "Failed to dial proxy server",
	ErrCodeConnectionClosed: "Connection closed unexpectedly",

	ErrCodeConnectRequestFailed:  "Failed to send CONNECT request",
	ErrCodeConnectResponseFailed: "Failed to read CONNECT response",
	ErrCodeConnectDenied:         "Proxy denied CONNECT request",
	ErrCodeProxyAuthRequired:     "Proxy requires authentication",

	ErrCodeRelayReadFailed:  "Failed to read from relay socket",
	ErrCodeRelayWriteFailed: "Failed to write to relay socket",
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// IsConfigError checks if the error is configuration-related
func IsConfigError(err error) bool {
	var tunnelErr *Error
	if errors.As(err, &tunnelErr) {
		return tunnelErr.Code >= "E1000" && tunnelErr.Code < "E2000"
	}
	return false
}

// IsConnectionError checks if the error is connection-related
func IsConnectionError(err error) bool {
	var tunnelErr *Error
	if errors.As(err, &tunnelErr) {
		return tunnelErr.Code >= "E2000" && tunnelErr.Code < "E3000"
	}
	return false
}

// IsHandshakeError checks if the error is CONNECT handshake-related
func IsHandshakeError(err error) bool {
	var tunnelErr *Error
	if errors.As(err, &tunnelErr) {
		return tunnelErr.Code >= "E3000" && tunnelErr.Code < "E4000"
	}
	return false
}

// HandshakeError reports a CONNECT attempt the proxy refused. It keeps
// the proxy's status line so callers can log the refusal reason.
type HandshakeError struct {
	Dest       string
	Status     string
	StatusCode int
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("proxy refused CONNECT to %s: %s", e.Dest, e.Status)
}

// HandshakeStatus extracts the proxy status line from an error chain,
// or the plain error text when the failure happened below HTTP.
func HandshakeStatus(err error) string {
	var hsErr *HandshakeError
	if errors.As(err, &hsErr) {
		return hsErr.Status
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
