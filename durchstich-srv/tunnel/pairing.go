package tunnel

import (
	"net"
	"sync"
	"time"
)

// pairMeta carries the descriptive fields of a relay pair used for
// logging and statistics.
type pairMeta struct {
	connectionID int64
	clientAddr   string
	dest         string
	startedAt    time.Time
}

// relayPair is one active tunnel: the client-facing conn and the
// proxy-facing conn, torn down together. The pairing table owns both
// halves; neither conn outlives its peer.
type relayPair struct {
	client   net.Conn
	upstream net.Conn
	meta     pairMeta

	closeOnce sync.Once
}

func newRelayPair(client, upstream net.Conn, meta pairMeta) *relayPair {
	return &relayPair{
		client:   client,
		upstream: upstream,
		meta:     meta,
	}
}

// peerOf returns the other half of the pair. conn must be one of the
// pair's members.
func (p *relayPair) peerOf(conn net.Conn) net.Conn {
	if conn == p.client {
		return p.upstream
	}
	return p.client
}

// pairingTable maps every live relay socket to its pair. Both entries
// of a pair are inserted and removed inside one critical section, so no
// lookup ever observes a half-registered pair.
type pairingTable struct {
	mu    sync.Mutex
	pairs map[net.Conn]*relayPair
}

func newPairingTable() *pairingTable {
	return &pairingTable{
		pairs: make(map[net.Conn]*relayPair),
	}
}

// register inserts both members of the pair.
func (t *pairingTable) register(pair *relayPair) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pairs[pair.client] = pair
	t.pairs[pair.upstream] = pair
}

// unregister removes both members of the pair. It is safe to call for a
// pair that was already removed.
func (t *pairingTable) unregister(pair *relayPair) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pairs, pair.client)
	delete(t.pairs, pair.upstream)
}

// peerOf looks up the counterpart of a registered relay socket.
func (t *pairingTable) peerOf(conn net.Conn) (net.Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pair, ok := t.pairs[conn]
	if !ok {
		return nil, false
	}
	return pair.peerOf(conn), true
}

// activePairs returns a snapshot of the live pairs, each exactly once.
func (t *pairingTable) activePairs() []*relayPair {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[*relayPair]struct{}, len(t.pairs)/2)
	pairs := make([]*relayPair, 0, len(t.pairs)/2)
	for _, pair := range t.pairs {
		if _, dup := seen[pair]; dup {
			continue
		}
		seen[pair] = struct{}{}
		pairs = append(pairs, pair)
	}
	return pairs
}

// size returns the number of registered relay sockets (two per pair).
func (t *pairingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pairs)
}
