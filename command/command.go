// Package command implements the node's closed set of operator-facing
// operations, each delivered through the node loop's command channel and
// answered through a one-shot reply. See spec §4.I.
package command

import (
	"errors"
	"io"
	"path/filepath"
	"sort"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"

	"github.com/privateshare/node/config"
	"github.com/privateshare/node/connector"
	"github.com/privateshare/node/peerstore"
	"github.com/privateshare/node/store"
	"github.com/privateshare/node/xerr"
)

// ConnectedPeers reports the node's live (peer -> addresses) map,
// normally backed by the event handler's bookkeeping.
type ConnectedPeers interface {
	Snapshot() map[peer.ID][]multiaddr.Multiaddr
	Disconnect(p peer.ID) error
}

// ExplicitPeerRemover removes a peer from the gossip-explicit list and
// the request/response address book, normally backed by pubsub and
// discover.
type ExplicitPeerRemover interface {
	RemoveExplicitPeer(p peer.ID)
	RemoveCandidate(p peer.ID)
}

// BandwidthCounters reports cumulative transport byte counts.
type BandwidthCounters interface {
	Counters() (inbound, outbound uint64)
}

// FileFetcher is supplied by the caller of GetFile (normally the HTTP
// layer) to stream the resolved path back to its client.
type FileFetcher func(path string) error

// ListedFile is one row of a ListFiles result.
type ListedFile struct {
	Filename string
	Hash     string
	Size     uint64
	Peers    []peer.ID // non-empty only for peer-only entries when include_peer is set
}

// Handler implements every spec §4.I operation against the node's shared
// subsystems. Every method is safe to call only from the node's single
// event-loop goroutine — like filesync.Engine, it takes no internal lock.
type Handler struct {
	store     *store.Store
	peerstore *peerstore.Store
	config    *config.Manager
	connector *connector.Connector
	conns     ConnectedPeers
	explicit  ExplicitPeerRemover
	bandwidth BandwidthCounters
	log       zerolog.Logger
}

// New returns a Handler wired to the node's subsystems.
func New(
	st *store.Store,
	ps *peerstore.Store,
	cfg *config.Manager,
	conn *connector.Connector,
	conns ConnectedPeers,
	explicit ExplicitPeerRemover,
	bandwidth BandwidthCounters,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		store:     st,
		peerstore: ps,
		config:    cfg,
		connector: conn,
		conns:     conns,
		explicit:  explicit,
		bandwidth: bandwidth,
		log:       log.With().Str("component", "command").Logger(),
	}
}

// Store exposes the underlying store directly, for callers (the HTTP
// layer's upload handler) that need to stream a large request body
// through IngestStream on their own goroutine rather than inside a
// Submit call, per UploadFile's doc comment below. The store has no
// internal state that needs the node loop's protection.
func (h *Handler) Store() *store.Store {
	return h.store
}

// AddFile ingests a local file into the store. See spec §4.I "AddFile".
func (h *Handler) AddFile(path string) (store.FileInfo, error) {
	return h.store.IngestLocal(path)
}

// UploadFile publishes filename under hash if already indexed (fast is
// true); otherwise it streams r through IngestStream synchronously on the
// calling goroutine (fast is false). Because that stream can be long, the
// HTTP layer does not call UploadFile from the node loop: it routes only
// the known-hash check through Submit and runs IngestStream itself on its
// own goroutine.
func (h *Handler) UploadFile(filename string, hash *string, r io.Reader) (store.FileInfo, bool, error) {
	if hash != nil {
		if info, err := h.store.PublishExisting(filename, *hash); err == nil {
			return info, true, nil
		} else if !errors.Is(err, xerr.NotFound) {
			return store.FileInfo{}, true, err
		}
	}
	info, err := h.store.IngestStream(filename, hash, r)
	return info, false, err
}

// ListFiles returns the local file list, merged with unique peer-only
// (filename,hash) pairs when includePeer is set. Sorted by filename.
// Within local entries, local always wins; across peer entries, the
// first (filename,hash) pair seen wins and later peers offering the same
// filename under the SAME hash just extend the peer set — a different
// hash under an already-seen filename is dropped, never overwriting.
// See SPEC_FULL.md's "peer-store first-wins policy" resolution.
func (h *Handler) ListFiles(includePeer bool) ([]ListedFile, error) {
	local, err := h.store.ListLocal()
	if err != nil {
		return nil, err
	}

	byName := make(map[string]*ListedFile, len(local))
	order := make([]string, 0, len(local))
	for _, info := range local {
		lf := &ListedFile{Filename: info.Filename, Hash: info.Hash, Size: info.Size}
		byName[info.Filename] = lf
		order = append(order, info.Filename)
	}

	if includePeer {
		for p, snap := range h.peerstore.Snapshot() {
			for filename, hash := range snap.Files {
				existing, seen := byName[filename]
				if !seen {
					lf := &ListedFile{Filename: filename, Hash: hash, Size: snap.Index[hash], Peers: []peer.ID{p}}
					byName[filename] = lf
					order = append(order, filename)
					continue
				}
				if existing.Hash == hash && len(existing.Peers) > 0 {
					existing.Peers = append(existing.Peers, p)
				}
				// Local entries keep an empty peer set; a different hash
				// under the same filename is dropped, first wins.
			}
		}
	}

	out := make([]ListedFile, 0, len(order))
	for _, name := range order {
		out = append(out, *byName[name])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

// ListPeers snapshots the connected-peer map.
func (h *Handler) ListPeers() map[peer.ID][]multiaddr.Multiaddr {
	return h.conns.Snapshot()
}

// GetBandwidth reads cumulative transport byte counters.
func (h *Handler) GetBandwidth() (inbound, outbound uint64) {
	return h.bandwidth.Counters()
}

// AddPeers filters out addresses already configured, appends the rest to
// the persisted peer list, enqueues each for an immediate dial, and
// persists the config atomically.
func (h *Handler) AddPeers(addrs []multiaddr.Multiaddr) error {
	var added []string
	err := h.config.Mutate(func(cfg *config.Config) error {
		existing := make(map[string]struct{}, len(cfg.PeerAddrs))
		for _, a := range cfg.PeerAddrs {
			existing[a] = struct{}{}
		}
		for _, addr := range addrs {
			s := addr.String()
			if _, dup := existing[s]; dup {
				continue
			}
			cfg.PeerAddrs = append(cfg.PeerAddrs, s)
			added = append(added, s)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		if containsString(added, addr.String()) {
			h.connector.EnqueueNow(addr)
		}
	}
	return nil
}

// RemovePeers disconnects, removes gossip/request-response bookkeeping,
// drops the peer store entry, and removes each address from the
// persisted peer list, for every address with an embedded peer id.
func (h *Handler) RemovePeers(addrs []multiaddr.Multiaddr) error {
	var ids []peer.ID
	var removedAddrStrings []string
	for _, addr := range addrs {
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			h.log.Warn().Err(err).Stringer("addr", addr).Msg("command: RemovePeers address has no embedded peer id")
			continue
		}
		ids = append(ids, info.ID)
		removedAddrStrings = append(removedAddrStrings, addr.String())
	}

	for _, id := range ids {
		if err := h.conns.Disconnect(id); err != nil {
			h.log.Warn().Err(err).Stringer("peer", id).Msg("command: disconnect failed")
		}
		h.explicit.RemoveExplicitPeer(id)
		h.explicit.RemoveCandidate(id)
		h.peerstore.Drop(id)
	}

	return h.config.Mutate(func(cfg *config.Config) error {
		cfg.PeerAddrs = removeAll(cfg.PeerAddrs, removedAddrStrings)
		return nil
	})
}

// GetFile verifies filename exists in the store and delegates to fetch
// with its on-disk path.
func (h *Handler) GetFile(filename string, fetch FileFetcher) error {
	infos, err := h.store.ListLocal()
	if err != nil {
		return err
	}
	for _, info := range infos {
		if info.Filename == filename {
			return fetch(h.storePath(filename))
		}
	}
	return xerr.Wrap(xerr.NotFound, "file "+filename+" not found")
}

func (h *Handler) storePath(filename string) string {
	return filepath.Join(h.store.StoreDir(), filename)
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func removeAll(list []string, remove []string) []string {
	if len(remove) == 0 {
		return list
	}
	drop := make(map[string]struct{}, len(remove))
	for _, s := range remove {
		drop[s] = struct{}{}
	}
	out := list[:0]
	for _, s := range list {
		if _, gone := drop[s]; !gone {
			out = append(out, s)
		}
	}
	return out
}
