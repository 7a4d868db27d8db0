package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/codefionn/durchstich/durchstich-srv/logger"
)

// start launches the two relay directions for an established pair. The
// returned WaitGroup is done when both directions have finished and the
// pair is torn down.
func (t *Tunnel) startRelay(pair *relayPair) *sync.WaitGroup {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		t.relayDirection(pair, pair.client, pair.upstream, "client->dest")
	}()
	go func() {
		defer wg.Done()
		t.relayDirection(pair, pair.upstream, pair.client, "dest->client")
	}()

	return &wg
}

// relayDirection moves bytes from src to dst in chunks of up to
// RelayChunkSize. Every chunk is written in full before the next read,
// so a slow peer pushes back on the reading side instead of growing an
// internal buffer. The first EOF, read error, or write error on either
// direction tears down the whole pair.
func (t *Tunnel) relayDirection(pair *relayPair, src, dst net.Conn, direction string) {
	buf := getBuffer()
	defer putBuffer(buf)

	for {
		n, readErr := src.Read(*buf)
		if n > 0 {
			written, writeErr := dst.Write((*buf)[:n])
			if writeErr != nil {
				t.teardownPair(pair, writeErr)
				return
			}
			if written < n {
				t.teardownPair(pair, io.ErrShortWrite)
				return
			}
			logger.Trace("Tunnel %s: relayed %d bytes (%s)", pair.meta.dest, n, direction)
		}
		if readErr != nil {
			// EOF and read errors end the pair the same way.
			t.teardownPair(pair, readErr)
			return
		}
	}
}

// teardownPair closes both members of a pair and removes both table
// entries in one step. It runs at most once per pair regardless of
// which direction hit EOF or an error first, so the close event is
// logged exactly once.
func (t *Tunnel) teardownPair(pair *relayPair, cause error) {
	pair.closeOnce.Do(func() {
		t.pairs.unregister(pair)

		if closeErr := pair.client.Close(); closeErr != nil && !isClosedConnError(closeErr) {
			logger.Debug("Error closing client connection: %v", closeErr)
		}
		if closeErr := pair.upstream.Close(); closeErr != nil && !isClosedConnError(closeErr) {
			logger.Debug("Error closing upstream connection: %v", closeErr)
		}

		if cause == nil || errors.Is(cause, io.EOF) || isClosedConnError(cause) {
			logger.Info("Connection closed: %s for %s", pair.meta.clientAddr, pair.meta.dest)
		} else {
			logger.Info("Connection closed: %s for %s (%v)", pair.meta.clientAddr, pair.meta.dest, cause)
			if err := t.collector.RecordError(context.Background(), pair.meta.connectionID, "relay", cause.Error()); err != nil {
				logger.Error("Failed to record relay error: %v", err)
			}
		}
	})
}

func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, net.ErrClosed)
}
