package stats

import (
	"context"
	"sync"
	"time"

	"github.com/codefionn/durchstich/durchstich-srv/logger"
)

// BufferedCollector wraps another Collector and batches the high-rate
// RecordDataTransfer calls, flushing accumulated deltas on an interval.
// Connection start/end and failure events pass straight through so the
// backend always has a row to attach transfers to.
type BufferedCollector struct {
	underlying Collector
	interval   time.Duration

	mu        sync.Mutex
	transfers map[int64]*transferDelta

	stopChan chan struct{}
	wg       sync.WaitGroup
}

type transferDelta struct {
	bytesSent     int64
	bytesReceived int64
}

// NewBufferedCollector creates a buffered collector with the default
// 5-second flush interval.
func NewBufferedCollector(underlying Collector) *BufferedCollector {
	return NewBufferedCollectorWithInterval(underlying, 5*time.Second)
}

// NewBufferedCollectorWithInterval creates a buffered collector with a
// custom flush interval.
func NewBufferedCollectorWithInterval(underlying Collector, interval time.Duration) *BufferedCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	b := &BufferedCollector{
		underlying: underlying,
		interval:   interval,
		transfers:  make(map[int64]*transferDelta),
		stopChan:   make(chan struct{}),
	}

	b.wg.Add(1)
	go b.flushLoop()

	return b
}

func (b *BufferedCollector) flushLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.stopChan:
			b.flush()
			return
		}
	}
}

// flush writes all accumulated transfer deltas to the underlying collector.
func (b *BufferedCollector) flush() {
	b.mu.Lock()
	pending := b.transfers
	b.transfers = make(map[int64]*transferDelta)
	b.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	ctx := context.Background()
	for connectionID, delta := range pending {
		if err := b.underlying.RecordDataTransfer(ctx, connectionID, delta.bytesSent, delta.bytesReceived); err != nil {
			logger.Error("Failed to flush data transfer for connection %d: %v", connectionID, err)
		}
	}
}

// flushConnection writes any pending delta for a single connection.
func (b *BufferedCollector) flushConnection(ctx context.Context, connectionID int64) {
	b.mu.Lock()
	delta, ok := b.transfers[connectionID]
	if ok {
		delete(b.transfers, connectionID)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	if err := b.underlying.RecordDataTransfer(ctx, connectionID, delta.bytesSent, delta.bytesReceived); err != nil {
		logger.Error("Failed to flush data transfer for connection %d: %v", connectionID, err)
	}
}

// StartConnection passes through to the underlying collector
func (b *BufferedCollector) StartConnection(ctx context.Context, clientAddr, destHost string, destPort int) (int64, error) {
	return b.underlying.StartConnection(ctx, clientAddr, destHost, destPort)
}

// EndConnection flushes pending transfers for the connection, then passes through
func (b *BufferedCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	// Totals are carried in the end record itself; drop the pending
	// delta so it is not double-counted.
	b.mu.Lock()
	delete(b.transfers, connectionID)
	b.mu.Unlock()
	return b.underlying.EndConnection(ctx, connectionID, bytesSent, bytesReceived, duration, closeReason)
}

// RecordDataTransfer accumulates the delta for the next flush
func (b *BufferedCollector) RecordDataTransfer(ctx context.Context, connectionID, bytesSent, bytesReceived int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delta, ok := b.transfers[connectionID]
	if !ok {
		delta = &transferDelta{}
		b.transfers[connectionID] = delta
	}
	delta.bytesSent += bytesSent
	delta.bytesReceived += bytesReceived
	return nil
}

// RecordError passes through to the underlying collector
func (b *BufferedCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	return b.underlying.RecordError(ctx, connectionID, errorType, errorMessage)
}

// RecordHandshakeFailure passes through to the underlying collector
func (b *BufferedCollector) RecordHandshakeFailure(ctx context.Context, clientAddr, dest, reason string) error {
	return b.underlying.RecordHandshakeFailure(ctx, clientAddr, dest, reason)
}

// GetOverviewStats flushes pending deltas, then queries the underlying collector
func (b *BufferedCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	b.flush()
	return b.underlying.GetOverviewStats(ctx)
}

// HealthCheck passes through to the underlying collector
func (b *BufferedCollector) HealthCheck(ctx context.Context) error {
	return b.underlying.HealthCheck(ctx)
}

// Close stops the flush loop, flushes remaining data, and closes the underlying collector
func (b *BufferedCollector) Close() error {
	close(b.stopChan)
	b.wg.Wait()
	return b.underlying.Close()
}
