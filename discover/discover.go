// Package discover turns identify events into DiscoverMessage gossip and
// turns received DiscoverMessages into request/response routing
// candidates. See spec §4.F.
package discover

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"

	"github.com/privateshare/node/wire"
	"github.com/privateshare/node/xerr"
)

// ExplicitPeerAdder tracks the gossip-explicit list, normally backed by
// go-libp2p-pubsub's PubSub.AddExplicitPeer.
type ExplicitPeerAdder interface {
	AddExplicitPeer(p peer.ID)
}

// Publisher publishes a marshaled DiscoverMessage on the discover topic.
type Publisher interface {
	Publish(data []byte) error
}

// Connectedness reports whether the host already holds a connection to a
// peer, normally backed by go-libp2p's host.Network().
type Connectedness interface {
	Connectedness(p peer.ID) network.Connectedness
}

// AddressBook records request/response routing candidates, normally
// backed by the node's connector/connection bookkeeping.
type AddressBook interface {
	AddCandidate(p peer.ID, addr multiaddr.Multiaddr)
}

// Handler implements spec §4.F's identify->discover and discover->book
// directions.
type Handler struct {
	localPeer peer.ID
	explicit  ExplicitPeerAdder
	publisher Publisher
	network   Connectedness
	book      AddressBook
	log       zerolog.Logger

	mu           sync.Mutex
	externalAddr map[string]struct{}
}

// New returns a Handler for localPeer.
func New(localPeer peer.ID, explicit ExplicitPeerAdder, publisher Publisher, network Connectedness, book AddressBook, log zerolog.Logger) *Handler {
	return &Handler{
		localPeer:    localPeer,
		explicit:     explicit,
		publisher:    publisher,
		network:      network,
		book:         book,
		log:          log.With().Str("component", "discover").Logger(),
		externalAddr: make(map[string]struct{}),
	}
}

// OnIdentify runs when the transport surfaces an identify event for a
// remote peer: observedAddr is the address the remote reports seeing us
// dial from (nil if none was reported), listenAddrs are the remote's own
// advertised listen addresses.
func (h *Handler) OnIdentify(remote peer.ID, observedAddr multiaddr.Multiaddr, listenAddrs []multiaddr.Multiaddr) error {
	if observedAddr != nil {
		h.recordExternalAddr(observedAddr)
	}

	h.explicit.AddExplicitPeer(remote)

	peers := make([]wire.Peer, 0, len(listenAddrs))
	for _, addr := range listenAddrs {
		peers = append(peers, wire.Peer{PeerID: remote.String(), Addr: addr.Bytes()})
	}
	if len(peers) == 0 {
		return nil
	}

	msg := &wire.DiscoverMessage{Peers: peers, DiscoverTime: uint64(time.Now().UnixMicro())}
	if err := h.publisher.Publish(msg.Marshal()); err != nil {
		return xerr.Wrapf(xerr.Other, "discover: publish discover message", err)
	}
	return nil
}

// recordExternalAddr adds addr to the local external-address set if new,
// logging the discovery. The set itself has no further consumer in this
// node (no NAT port-mapping layer), so it exists purely as the
// informational record spec §4.F calls for.
func (h *Handler) recordExternalAddr(addr multiaddr.Multiaddr) {
	key := addr.String()
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, known := h.externalAddr[key]; known {
		return
	}
	h.externalAddr[key] = struct{}{}
	h.log.Info().Stringer("addr", addr).Msg("discover: new observed external address")
}

// ExternalAddrs returns a snapshot of the recorded external addresses.
func (h *Handler) ExternalAddrs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.externalAddr))
	for addr := range h.externalAddr {
		out = append(out, addr)
	}
	return out
}

// OnDiscoverMessage registers every listed peer id/address pair as a
// request/response routing candidate, unless a connection to that peer
// already exists.
func (h *Handler) OnDiscoverMessage(msg *wire.DiscoverMessage) error {
	for _, p := range msg.Peers {
		id, err := peer.Decode(p.PeerID)
		if err != nil {
			h.log.Warn().Err(err).Msg("discover: discover message has invalid peer id")
			continue
		}
		if id == h.localPeer {
			continue
		}
		addr, err := multiaddr.NewMultiaddrBytes(p.Addr)
		if err != nil {
			h.log.Warn().Err(err).Msg("discover: discover message has invalid address")
			continue
		}
		if h.network.Connectedness(id) == network.Connected {
			continue
		}
		h.book.AddCandidate(id, addr)
	}
	return nil
}
