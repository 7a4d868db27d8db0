package tunnel

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/durchstich/durchstich-srv/stats"
)

// flushThreshold is how many transferred bytes accumulate before a
// periodic delta is reported for long-lived tunnels.
const flushThreshold = 64 * 1024

// trackedConn is a wrapper around net.Conn that reports byte counts to
// a stats collector. Only the upstream half of a relay pair is wrapped,
// so each relayed byte is counted once.
type trackedConn struct {
	net.Conn
	collector    stats.Collector
	connectionID int64
	startTime    time.Time
	ctx          context.Context

	bytesSent     int64 // accessed atomically
	bytesReceived int64 // accessed atomically
	flushSent     int64 // accessed atomically
	flushReceived int64 // accessed atomically
	endOnce       sync.Once
}

// newTrackedConn creates a new tracked connection.
func newTrackedConn(ctx context.Context, conn net.Conn, collector stats.Collector, connectionID int64) *trackedConn {
	return &trackedConn{
		Conn:         conn,
		collector:    collector,
		connectionID: connectionID,
		startTime:    time.Now(),
		ctx:          ctx,
	}
}

// Read reads data from the connection, tracking the number of bytes received.
func (c *trackedConn) Read(b []byte) (n int, err error) {
	n, err = c.Conn.Read(b)
	if n > 0 {
		atomic.AddInt64(&c.bytesReceived, int64(n))
		c.maybeFlush()
	}
	return n, err
}

// Write writes data to the connection, tracking the number of bytes sent.
func (c *trackedConn) Write(b []byte) (n int, err error) {
	n, err = c.Conn.Write(b)
	if n > 0 {
		atomic.AddInt64(&c.bytesSent, int64(n))
		c.maybeFlush()
	}
	return n, err
}

// maybeFlush reports transfer deltas once enough bytes have accumulated
// since the last report, so long connections show up in stats before
// they end. Deltas are reported so nothing is double-counted.
func (c *trackedConn) maybeFlush() {
	currentSent := atomic.LoadInt64(&c.bytesSent)
	currentReceived := atomic.LoadInt64(&c.bytesReceived)
	lastSent := atomic.LoadInt64(&c.flushSent)
	lastReceived := atomic.LoadInt64(&c.flushReceived)

	deltaSent := currentSent - lastSent
	deltaReceived := currentReceived - lastReceived
	if deltaSent+deltaReceived < flushThreshold {
		return
	}

	if atomic.CompareAndSwapInt64(&c.flushSent, lastSent, currentSent) {
		atomic.StoreInt64(&c.flushReceived, currentReceived)
		_ = c.collector.RecordDataTransfer(c.ctx, c.connectionID, deltaSent, deltaReceived)
	}
}

// Close closes the connection and records the final statistics.
func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	duration := time.Since(c.startTime)
	closeReason := "normal"
	if err != nil {
		closeReason = err.Error()
	}
	c.endOnce.Do(func() {
		finalSent := atomic.LoadInt64(&c.bytesSent)
		finalReceived := atomic.LoadInt64(&c.bytesReceived)
		_ = c.collector.EndConnection(c.ctx, c.connectionID, finalSent, finalReceived, duration, closeReason)
	})
	return err
}
