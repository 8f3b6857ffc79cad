package node

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/privateshare/node/event"
	"github.com/privateshare/node/filecache"
	"github.com/privateshare/node/store"
	"github.com/privateshare/node/xerr"
)

// storeResolver adapts *store.Store to event.Resolver, whose return type
// is the narrow FileHandle interface rather than the concrete
// *filecache.Handle — Go interfaces aren't covariant on return types, so
// this small wrapper is the cleanest fix.
type storeResolver struct {
	store *store.Store
}

func (r storeResolver) ResolveForServing(filename, hash string) (event.FileHandle, error) {
	h, err := r.store.ResolveForServing(filename, hash)
	if err != nil {
		return nil, err
	}
	return handleAdapter{h}, nil
}

type handleAdapter struct{ h *filecache.Handle }

func (a handleAdapter) ReadAt(p []byte, off int64) (int, error) { return a.h.ReadAt(p, off) }
func (a handleAdapter) Close() error                            { return a.h.Close() }

// gossipBook is the node's bookkeeping for the gossip-explicit peer list
// and the request/response routing candidate book, both loop-owned (only
// ever mutated from Node.Run's goroutine).
type gossipBook struct {
	explicit   map[peer.ID]struct{}
	candidates map[peer.ID]multiaddr.Multiaddr
}

func newGossipBook() *gossipBook {
	return &gossipBook{
		explicit:   make(map[peer.ID]struct{}),
		candidates: make(map[peer.ID]multiaddr.Multiaddr),
	}
}

func (b *gossipBook) AddExplicitPeer(p peer.ID)    { b.explicit[p] = struct{}{} }
func (b *gossipBook) RemoveExplicitPeer(p peer.ID) { delete(b.explicit, p) }
func (b *gossipBook) AddCandidate(p peer.ID, addr multiaddr.Multiaddr) {
	b.candidates[p] = addr
}
func (b *gossipBook) RemoveCandidate(p peer.ID) { delete(b.candidates, p) }

// connectedBook is the node's (peer -> observed addresses) map, used for
// ListPeers and for disconnecting on RemovePeers. It has its own mutex
// because command.Handler's Snapshot/Disconnect must stay safe to call
// even though, in this node, both only ever run from the loop — the lock
// costs nothing and protects the type if reused elsewhere.
type connectedBook struct {
	host host.Host
	mu   sync.Mutex
	addr map[peer.ID][]multiaddr.Multiaddr
}

func newConnectedBook(h host.Host) *connectedBook {
	return &connectedBook{host: h, addr: make(map[peer.ID][]multiaddr.Multiaddr)}
}

func (b *connectedBook) Add(p peer.ID, addr multiaddr.Multiaddr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addr[p] = append(b.addr[p], addr)
}

func (b *connectedBook) Remove(p peer.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.addr, p)
}

func (b *connectedBook) Snapshot() map[peer.ID][]multiaddr.Multiaddr {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[peer.ID][]multiaddr.Multiaddr, len(b.addr))
	for p, addrs := range b.addr {
		out[p] = append([]multiaddr.Multiaddr(nil), addrs...)
	}
	return out
}

func (b *connectedBook) Disconnect(p peer.ID) error {
	if err := b.host.Network().ClosePeer(p); err != nil {
		return xerr.Wrapf(xerr.Other, "disconnect peer "+p.String(), err)
	}
	return nil
}

// connectedness adapts host.Host to discover.Connectedness.
type connectedness struct{ host host.Host }

func (c connectedness) Connectedness(p peer.ID) network.Connectedness {
	return c.host.Network().Connectedness(p)
}
