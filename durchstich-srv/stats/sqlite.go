package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/codefionn/durchstich/durchstich-srv/logger"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteCollector implements Collector using SQLite as the backend
type SQLiteCollector struct {
	db *sql.DB
}

// NewSQLiteCollector creates a new SQLite-based statistics collector
func NewSQLiteCollector(dbPath string) (*SQLiteCollector, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	collector := &SQLiteCollector{db: db}
	if err := collector.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized sqlite stats collector at %s", dbPath)

	return collector, nil
}

// initSchema creates the necessary tables if they don't exist
func (s *SQLiteCollector) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS tunnel_connections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			client_addr TEXT NOT NULL,
			dest_host TEXT NOT NULL,
			dest_port INTEGER NOT NULL,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP,
			bytes_sent INTEGER NOT NULL DEFAULT 0,
			bytes_received INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER,
			close_reason TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS handshake_failures (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			client_addr TEXT NOT NULL,
			dest TEXT NOT NULL,
			reason TEXT NOT NULL,
			occurred_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS connection_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			connection_id INTEGER NOT NULL,
			error_type TEXT NOT NULL,
			error_message TEXT NOT NULL,
			occurred_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_started_at ON tunnel_connections(started_at)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// StartConnection records the start of a tunneled connection
func (s *SQLiteCollector) StartConnection(ctx context.Context, clientAddr, destHost string, destPort int) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO tunnel_connections (client_addr, dest_host, dest_port, started_at)
		 VALUES (?, ?, ?, ?)`,
		clientAddr, destHost, destPort, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to record connection start: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get connection ID: %w", err)
	}

	return id, nil
}

// EndConnection records the end of a tunneled connection
func (s *SQLiteCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tunnel_connections
		 SET ended_at = ?, bytes_sent = ?, bytes_received = ?, duration_ms = ?, close_reason = ?
		 WHERE id = ?`,
		time.Now(), bytesSent, bytesReceived, duration.Milliseconds(), closeReason, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record connection end: %w", err)
	}
	return nil
}

// RecordDataTransfer accumulates transferred byte counts on the connection row
func (s *SQLiteCollector) RecordDataTransfer(ctx context.Context, connectionID, bytesSent, bytesReceived int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tunnel_connections
		 SET bytes_sent = bytes_sent + ?, bytes_received = bytes_received + ?
		 WHERE id = ?`,
		bytesSent, bytesReceived, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record data transfer: %w", err)
	}
	return nil
}

// RecordError records a relay error for a connection
func (s *SQLiteCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connection_errors (connection_id, error_type, error_message, occurred_at)
		 VALUES (?, ?, ?, ?)`,
		connectionID, errorType, errorMessage, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

// RecordHandshakeFailure records a failed CONNECT handshake
func (s *SQLiteCollector) RecordHandshakeFailure(ctx context.Context, clientAddr, dest, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO handshake_failures (client_addr, dest, reason, occurred_at)
		 VALUES (?, ?, ?, ?)`,
		clientAddr, dest, reason, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record handshake failure: %w", err)
	}
	return nil
}

// GetOverviewStats returns high-level statistics
func (s *SQLiteCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	overview := &OverviewStats{}

	err := s.db.QueryRowContext(ctx,
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

	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM handshake_failures`).
		Scan(&overview.HandshakeFailures)
	if err != nil {
		return nil, fmt.Errorf("failed to query handshake failures: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM connection_errors`).
		Scan(&overview.TotalErrors)
	if err != nil {
		return nil, fmt.Errorf("failed to query errors: %w", err)
	}

	return overview, nil
}

// HealthCheck verifies the database connection
func (s *SQLiteCollector) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteCollector) Close() error {
	return s.db.Close()
}
