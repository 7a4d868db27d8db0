package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/codefionn/durchstich/durchstich-srv/logger"
	_ "github.com/lib/pq"
)

// PostgreSQLCollector implements Collector using PostgreSQL as the backend
type PostgreSQLCollector struct {
	db *sql.DB
}

// NewPostgreSQLCollector creates a new PostgreSQL-based statistics collector
func NewPostgreSQLCollector(dsn string) (*PostgreSQLCollector, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	collector := &PostgreSQLCollector{db: db}
	if err := collector.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized postgres stats collector")

	return collector, nil
}

// initSchema creates the necessary tables if they don't exist
func (p *PostgreSQLCollector) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS tunnel_connections (
			id BIGSERIAL PRIMARY KEY,
			client_addr TEXT NOT NULL,
			dest_host TEXT NOT NULL,
			dest_port INTEGER NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			bytes_sent BIGINT NOT NULL DEFAULT 0,
			bytes_received BIGINT NOT NULL DEFAULT 0,
			duration_ms BIGINT,
			close_reason TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS handshake_failures (
			id BIGSERIAL PRIMARY KEY,
			client_addr TEXT NOT NULL,
			dest TEXT NOT NULL,
			reason TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS connection_errors (
			id BIGSERIAL PRIMARY KEY,
			connection_id BIGINT NOT NULL,
			error_type TEXT NOT NULL,
			error_message TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_started_at ON tunnel_connections(started_at)`,
	}

	for _, stmt := range schema {
		if _, err := p.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// StartConnection records the start of a tunneled connection
func (p *PostgreSQLCollector) StartConnection(ctx context.Context, clientAddr, destHost string, destPort int) (int64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO tunnel_connections (client_addr, dest_host, dest_port, started_at)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		clientAddr, destHost, destPort, time.Now()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to record connection start: %w", err)
	}
	return id, nil
}

// EndConnection records the end of a tunneled connection
func (p *PostgreSQLCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE tunnel_connections
		 SET ended_at = $1, bytes_sent = $2, bytes_received = $3, duration_ms = $4, close_reason = $5
		 WHERE id = $6`,
		time.Now(), bytesSent, bytesReceived, duration.Milliseconds(), closeReason, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record connection end: %w", err)
	}
	return nil
}

// RecordDataTransfer accumulates transferred byte counts on the connection row
func (p *PostgreSQLCollector) RecordDataTransfer(ctx context.Context, connectionID, bytesSent, bytesReceived int64) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE tunnel_connections
		 SET bytes_sent = bytes_sent + $1, bytes_received = bytes_received + $2
		 WHERE id = $3`,
		bytesSent, bytesReceived, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record data transfer: %w", err)
	}
	return nil
}

// RecordError records a relay error for a connection
func (p *PostgreSQLCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO connection_errors (connection_id, error_type, error_message, occurred_at)
		 VALUES ($1, $2, $3, $4)`,
		connectionID, errorType, errorMessage, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

// RecordHandshakeFailure records a failed CONNECT handshake
func (p *PostgreSQLCollector) RecordHandshakeFailure(ctx context.Context, clientAddr, dest, reason string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO handshake_failures (client_addr, dest, reason, occurred_at)
		 VALUES ($1, $2, $3, $4)`,
		clientAddr, dest, reason, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record handshake failure: %w", err)
	}
	return nil
}

// GetOverviewStats returns high-level statistics
func (p *PostgreSQLCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	overview := &OverviewStats{}

	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE ended_at IS NULL),
		        COALESCE(SUM(bytes_received), 0),
		        COALESCE(SUM(bytes_sent), 0)
		 FROM tunnel_connections`).
		Scan(&overview.TotalConnections, &overview.ActiveConnections,
			&overview.TotalBytesIn, &overview.TotalBytesOut)
	if err != nil {
		return nil, fmt.Errorf("failed to query connection stats: %w", err)
	}

	err = p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM handshake_failures`).
		Scan(&overview.HandshakeFailures)
	if err != nil {
		return nil, fmt.Errorf("failed to query handshake failures: %w", err)
	}

	err = p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM connection_errors`).
		Scan(&overview.TotalErrors)
	if err != nil {
		return nil, fmt.Errorf("failed to query errors: %w", err)
	}

	return overview, nil
}

// HealthCheck verifies the database connection
func (p *PostgreSQLCollector) HealthCheck(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgreSQLCollector) Close() error {
	return p.db.Close()
}
