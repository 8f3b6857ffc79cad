// Package peerstore holds the node's in-memory picture of what each
// connected peer currently advertises: per-peer (filename→hash) and
// (hash→size) maps, replaced wholesale on every announcement. See spec §3
// "Peer store" and §4.D.
package peerstore

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/privateshare/node/wire"
)

// Snapshot is one peer's advertised file set, derived from a FileMessage.
type Snapshot struct {
	Files map[string]string // filename -> hash
	Index map[string]uint64 // hash -> size
}

// Store is the per-peer file-advertisement table.
type Store struct {
	mu    sync.RWMutex
	peers map[peer.ID]Snapshot
}

// New returns an empty Store.
func New() *Store {
	return &Store{peers: make(map[peer.ID]Snapshot)}
}

// Apply atomically replaces p's entry with the snapshot derived from msg.
// Duplicate filenames within msg: first one wins, matching spec §4.D.
func (s *Store) Apply(p peer.ID, msg *wire.FileMessage) {
	snap := Snapshot{
		Files: make(map[string]string, len(msg.Files)),
		Index: make(map[string]uint64, len(msg.Files)),
	}
	for _, f := range msg.Files {
		if _, exists := snap.Files[f.Filename]; exists {
			continue
		}
		snap.Files[f.Filename] = f.Hash
		snap.Index[f.Hash] = f.FileSize
	}

	s.mu.Lock()
	s.peers[p] = snap
	s.mu.Unlock()
}

// Drop removes p's entry entirely, used when a peer is removed by the
// RemovePeers command. A disconnect alone does not drop the entry.
func (s *Store) Drop(p peer.ID) {
	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
}

// Snapshot returns a copy of the full peer->advertisement table, safe for
// the caller to range over without holding any lock.
func (s *Store) Snapshot() map[peer.ID]Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[peer.ID]Snapshot, len(s.peers))
	for id, snap := range s.peers {
		out[id] = snap
	}
	return out
}

// Get returns one peer's snapshot, if present.
func (s *Store) Get(p peer.ID) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.peers[p]
	return snap, ok
}
