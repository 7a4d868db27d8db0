package tunnel

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPair(t *testing.T) *relayPair {
	t.Helper()
	client, clientPeer := net.Pipe()
	upstream, upstreamPeer := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = clientPeer.Close()
		_ = upstream.Close()
		_ = upstreamPeer.Close()
	})
	return newRelayPair(client, upstream, pairMeta{clientAddr: "test", dest: "dest:1"})
}

func TestPairingTableRegisterAndLookup(t *testing.T) {
	table := newPairingTable()
	pair := newTestPair(t)

	table.register(pair)
	assert.Equal(t, 2, table.size())

	peer, ok := table.peerOf(pair.client)
	require.True(t, ok)
	assert.Same(t, pair.upstream, peer)

	peer, ok = table.peerOf(pair.upstream)
	require.True(t, ok)
	assert.Same(t, pair.client, peer)
}

func TestPairingTableUnregisterRemovesBothEntries(t *testing.T) {
	table := newPairingTable()
	pair := newTestPair(t)

	table.register(pair)
	table.unregister(pair)

	assert.Equal(t, 0, table.size())
	_, ok := table.peerOf(pair.client)
	assert.False(t, ok)
	_, ok = table.peerOf(pair.upstream)
	assert.False(t, ok)

	// Unregistering again is a no-op.
	table.unregister(pair)
	assert.Equal(t, 0, table.size())
}

func TestPairingTableActivePairsDeduplicates(t *testing.T) {
	table := newPairingTable()
	first := newTestPair(t)
	second := newTestPair(t)

	table.register(first)
	table.register(second)

	active := table.activePairs()
	assert.Len(t, active, 2)
	assert.Contains(t, active, first)
	assert.Contains(t, active, second)
}

func TestPairingTableConcurrentAccess(t *testing.T) {
	table := newPairingTable()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client, clientPeer := net.Pipe()
			upstream, upstreamPeer := net.Pipe()
			defer client.Close()
			defer clientPeer.Close()
			defer upstream.Close()
			defer upstreamPeer.Close()

			pair := newRelayPair(client, upstream, pairMeta{})
			table.register(pair)
			_, ok := table.peerOf(client)
			assert.True(t, ok)
			table.unregister(pair)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, table.size())
}

func TestRelayPairPeerOf(t *testing.T) {
	pair := newTestPair(t)
	assert.Same(t, pair.upstream, pair.peerOf(pair.client))
	assert.Same(t, pair.client, pair.peerOf(pair.upstream))
}
