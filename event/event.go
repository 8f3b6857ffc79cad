// Package event dispatches swarm-level events (connection lifecycle,
// gossip deliveries, request/response traffic, identify completions) into
// the node's subsystems. See spec §4.J.
package event

import (
	"errors"
	"sync"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"

	"github.com/privateshare/node/discover"
	"github.com/privateshare/node/peerstore"
	"github.com/privateshare/node/wire"
	"github.com/privateshare/node/xerr"
)

// Resolver answers inbound file requests, normally the node's store.
type Resolver interface {
	ResolveForServing(filename, hash string) (FileHandle, error)
}

// FileHandle is the subset of filecache.Handle the event handler needs to
// serve a byte range.
type FileHandle interface {
	ReadAt(p []byte, off int64) (int, error)
	Close() error
}

// ExplicitPeers tracks the gossip-explicit list.
type ExplicitPeers interface {
	AddExplicitPeer(p peer.ID)
	RemoveExplicitPeer(p peer.ID)
}

// ConnectingSet reports in-flight outbound dials, backed by
// connector.Connector.
type ConnectingSet interface {
	IsConnecting(p peer.ID) bool
}

// ConnectedPeers is the node's live (peer -> addresses) bookkeeping.
type ConnectedPeers interface {
	Add(p peer.ID, addr multiaddr.Multiaddr)
	Remove(p peer.ID)
}

// RetryScheduler re-enqueues a failed dial's address, backed by
// connector.Connector.
type RetryScheduler interface {
	EnqueueRetry(addr multiaddr.Multiaddr)
}

// InFlightRequests delivers chunk responses/failures back to the
// file-sync engine, correlated by request id.
type InFlightRequests interface {
	WriteChunk(requestID uint64, content []byte) error
}

// Handler implements spec §4.J's dispatch table. Like command.Handler and
// filesync.Engine, its methods run only on the node's single event-loop
// goroutine.
type Handler struct {
	resolver  Resolver
	peers     *peerstore.Store
	discover  *discover.Handler
	explicit  ExplicitPeers
	connSet   ConnectingSet
	connected ConnectedPeers
	retry     RetryScheduler
	inflight  InFlightRequests
	log       zerolog.Logger

	mu sync.Mutex
}

// New returns a Handler wired to the node's subsystems.
func New(
	resolver Resolver,
	peers *peerstore.Store,
	disc *discover.Handler,
	explicit ExplicitPeers,
	connSet ConnectingSet,
	connected ConnectedPeers,
	retry RetryScheduler,
	inflight InFlightRequests,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		resolver:  resolver,
		peers:     peers,
		discover:  disc,
		explicit:  explicit,
		connSet:   connSet,
		connected: connected,
		retry:     retry,
		inflight:  inflight,
		log:       log.With().Str("component", "event").Logger(),
	}
}

// OnConnectionEstablished handles a new libp2p connection, inbound or
// outbound: the peer joins gossip-explicit and the connected-peer map.
func (h *Handler) OnConnectionEstablished(p peer.ID, addr multiaddr.Multiaddr) {
	h.explicit.AddExplicitPeer(p)
	h.connected.Add(p, addr)
}

// OnConnectionClosed removes p from gossip-explicit and the connected-peer
// map.
func (h *Handler) OnConnectionClosed(p peer.ID) {
	h.explicit.RemoveExplicitPeer(p)
	h.connected.Remove(p)
}

// OnOutgoingConnError re-enqueues addr for a delayed redial if p had an
// outstanding dial, per spec §4.J.
func (h *Handler) OnOutgoingConnError(p peer.ID, addr multiaddr.Multiaddr) {
	if h.connSet.IsConnecting(p) {
		h.retry.EnqueueRetry(addr)
	}
}

// OnGossipFileMessage decodes and applies a FileMessage gossip delivery
// to the peer store.
func (h *Handler) OnGossipFileMessage(from peer.ID, data []byte) error {
	msg, err := wire.UnmarshalFileMessage(data)
	if err != nil {
		return err
	}
	h.peers.Apply(from, msg)
	return nil
}

// OnGossipDiscoverMessage decodes and forwards a DiscoverMessage gossip
// delivery to the discover handler.
func (h *Handler) OnGossipDiscoverMessage(data []byte) error {
	msg, err := wire.UnmarshalDiscoverMessage(data)
	if err != nil {
		return err
	}
	return h.discover.OnDiscoverMessage(msg)
}

// OnInboundRequest answers a FileRequest: absent content if the file is
// missing, an error (signaling the caller to reset the stream rather than
// write a frame) on a hash mismatch, otherwise a short read at the
// requested offset.
func (h *Handler) OnInboundRequest(req *wire.FileRequest) (*wire.FileResponse, error) {
	handle, err := h.resolver.ResolveForServing(req.Filename, req.Hash)
	if err != nil {
		if errors.Is(err, xerr.NotFound) {
			return &wire.FileResponse{HasContent: false}, nil
		}
		if errors.Is(err, xerr.InvalidData) {
			h.log.Error().Err(err).Str("filename", req.Filename).Str("hash", req.Hash).
				Msg("event: inbound request hash mismatch")
			return nil, err
		}
		return nil, err
	}
	defer handle.Close()

	buf := make([]byte, req.Length)
	n, err := handle.ReadAt(buf, int64(req.Offset))
	if err != nil && n == 0 {
		return nil, xerr.Wrapf(xerr.Other, "event: read requested range", err)
	}
	return &wire.FileResponse{Content: buf[:n], HasContent: true}, nil
}

// OnInboundResponse delivers a FileResponse's content to the file-sync
// engine, correlated by requestID. Absent content maps to a nil slice, the
// file-sync engine's no-op signal.
func (h *Handler) OnInboundResponse(requestID uint64, resp *wire.FileResponse) error {
	if !resp.HasContent {
		return h.inflight.WriteChunk(requestID, nil)
	}
	return h.inflight.WriteChunk(requestID, resp.Content)
}

// OnOutboundFailure maps a transport-level send failure to one of the
// typed I/O kinds spec §4.J names and logs it, then delivers the request
// to the file-sync engine as an absent (nil) chunk; the kind itself is
// not passed on.
func (h *Handler) OnOutboundFailure(requestID uint64, cause error) error {
	kind := classifyOutboundFailure(cause)
	h.log.Warn().Err(kind).Uint64("request_id", requestID).Msg("event: outbound request failed")
	return h.inflight.WriteChunk(requestID, nil)
}

type timeoutError interface {
	Timeout() bool
}

// classifyOutboundFailure maps a raw network error to the typed kind spec
// §4.J calls for: dial/unsupported-protocol failures are "other", context
// deadline exceeded is "timed out", a closed connection is "connection
// aborted".
func classifyOutboundFailure(err error) error {
	switch {
	case errors.Is(err, network.ErrReset):
		return xerr.Wrap(xerr.ConnectionAborted, "stream reset")
	case isTimeout(err):
		return xerr.Wrap(xerr.TimedOut, "request timed out")
	default:
		return xerr.Wrapf(xerr.Other, "outbound request failed", err)
	}
}

func isTimeout(err error) bool {
	te, ok := err.(timeoutError)
	return ok && te.Timeout()
}

// OnIdentify forwards an identify completion to the discover handler.
func (h *Handler) OnIdentify(remote peer.ID, observed multiaddr.Multiaddr, listenAddrs []multiaddr.Multiaddr) error {
	return h.discover.OnIdentify(remote, observed, listenAddrs)
}
