package stats

import (
	"context"
	"time"
)

// Collector defines the interface for collecting tunnel statistics
type Collector interface {
	// Connection tracking
	StartConnection(ctx context.Context, clientAddr, destHost string, destPort int) (int64, error)
	EndConnection(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error

	// Bandwidth tracking
	RecordDataTransfer(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64) error

	// Error tracking
	RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error
	RecordHandshakeFailure(ctx context.Context, clientAddr, dest, reason string) error

	// Queries
	GetOverviewStats(ctx context.Context) (*OverviewStats, error)

	// Health check
	HealthCheck(ctx context.Context) error

	// Close cleans up resources
	Close() error
}

// ConnectionInfo holds information about a tunneled connection
type ConnectionInfo struct {
	ID            int64
	ClientAddr    string
	DestHost      string
	DestPort      int
	StartedAt     time.Time
	EndedAt       *time.Time
	BytesSent     int64
	BytesReceived int64
	Duration      time.Duration
	CloseReason   string
}

// HandshakeFailureInfo holds information about a failed CONNECT handshake
type HandshakeFailureInfo struct {
	ClientAddr string
	Dest       string
	Reason     string
	Timestamp  time.Time
}

// OverviewStats provides high-level statistics
type OverviewStats struct {
	TotalConnections  int64 `json:"total_connections"`
	ActiveConnections int64 `json:"active_connections"`
	HandshakeFailures int64 `json:"handshake_failures"`
	TotalErrors       int64 `json:"total_errors"`
	TotalBytesIn      int64 `json:"total_bytes_in"`
	TotalBytesOut     int64 `json:"total_bytes_out"`
}
