package tunnel

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/durchstich/durchstich-srv/stats"
)

// countingCollector records the byte totals it receives.
type countingCollector struct {
	stats.Collector // embed dummy for the methods this test ignores

	mu            sync.Mutex
	ended         bool
	finalSent     int64
	finalReceived int64
	deltaSent     int64
	deltaReceived int64
	closeReason   string
}

func newCountingCollector() *countingCollector {
	return &countingCollector{Collector: stats.NewDummyCollector()}
}

func (c *countingCollector) RecordDataTransfer(_ context.Context, _ int64, bytesSent, bytesReceived int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deltaSent += bytesSent
	c.deltaReceived += bytesReceived
	return nil
}

func (c *countingCollector) EndConnection(_ context.Context, _ int64, bytesSent, bytesReceived int64, _ time.Duration, closeReason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ended = true
	c.finalSent = bytesSent
	c.finalReceived = bytesReceived
	c.closeReason = closeReason
	return nil
}

func TestTrackedConnCountsBytes(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	collector := newCountingCollector()
	tracked := newTrackedConn(context.Background(), local, collector, 42)

	go func() {
		buf := make([]byte, 16)
		n, _ := remote.Read(buf)
		_, _ = remote.Write(buf[:n])
	}()

	_, err := tracked.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(tracked, buf)
	require.NoError(t, err)

	require.NoError(t, tracked.Close())

	collector.mu.Lock()
	defer collector.mu.Unlock()
	assert.True(t, collector.ended)
	assert.Equal(t, int64(5), collector.finalSent)
	assert.Equal(t, int64(5), collector.finalReceived)
	assert.Equal(t, "normal", collector.closeReason)
}

func TestTrackedConnFlushesLargeTransfers(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	collector := newCountingCollector()
	tracked := newTrackedConn(context.Background(), local, collector, 7)
	defer tracked.Close()

	total := flushThreshold + 4096
	go func() {
		_, _ = io.CopyN(io.Discard, remote, int64(total))
	}()

	payload := make([]byte, 4096)
	written := 0
	for written < total {
		n, err := tracked.Write(payload)
		require.NoError(t, err)
		written += n
	}

	// At least one periodic delta must have been reported before Close.
	collector.mu.Lock()
	defer collector.mu.Unlock()
	assert.Greater(t, collector.deltaSent, int64(0))
}

func TestTrackedConnCloseReportsOnce(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	collector := newCountingCollector()
	tracked := newTrackedConn(context.Background(), local, collector, 1)

	require.NoError(t, tracked.Close())
	_ = tracked.Close()

	collector.mu.Lock()
	defer collector.mu.Unlock()
	assert.True(t, collector.ended)
}
