// Package filesync implements the chunked, resumable file-sync engine:
// diff against peer advertisements, schedule bounded chunk requests,
// write returned chunks, and finalize completed entries. See spec §4.H.
package filesync

import (
	"math/rand"
	"os"
	"sort"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"

	"github.com/privateshare/node/peerstore"
	"github.com/privateshare/node/store"
	"github.com/privateshare/node/wire"
	"github.com/privateshare/node/xerr"
)

// ChunkSize is the byte size of one requested range, per spec §4.H.
const ChunkSize = 8 * 1024 * 1024

// MaxConcurrentSyncTasks bounds the number of outstanding chunk requests
// across all entries at any one time, per spec §4.H.
const MaxConcurrentSyncTasks = 16

// SyncEntry tracks one in-progress hash: which local names would receive
// it, which peers can serve it, and how far the resumable write has
// progressed.
type SyncEntry struct {
	Hash          string
	Size          uint64
	Filenames     map[string]struct{}
	Peers         map[peer.ID]string // peer -> one filename that peer advertised for this hash
	SyncingOffset uint64

	file *os.File
}

type inflightChunk struct {
	hash   string
	offset uint64
	length uint64
}

// ChunkRequest is one scheduled, dispatchable FileRequest.
type ChunkRequest struct {
	RequestID uint64
	Peer      peer.ID
	Request   wire.FileRequest
}

// Engine owns the in-progress entry table across sync ticks; its methods
// are only ever called from the node's single event loop goroutine, so it
// holds no internal lock (matching the node/store-of-truth split recorded
// in SPEC_FULL.md's node section).
type Engine struct {
	store *store.Store
	peers *peerstore.Store
	log   zerolog.Logger

	entries       map[string]*SyncEntry
	inflight      map[uint64]*inflightChunk
	nextRequestID uint64
}

// New returns an Engine with an empty in-progress table.
func New(st *store.Store, peers *peerstore.Store, log zerolog.Logger) *Engine {
	return &Engine{
		store:    st,
		peers:    peers,
		log:      log.With().Str("component", "filesync").Logger(),
		entries:  make(map[string]*SyncEntry),
		inflight: make(map[uint64]*inflightChunk),
	}
}

// Diff walks the local store and every peer's advertised snapshot,
// accumulating a sync entry for every hash the peers have that the local
// store doesn't, coalescing duplicate hashes across peers and names.
// Entries carried over from a previous, unfinished tick are preserved and
// simply gain any newly-seen filenames/peers.
func (e *Engine) Diff() error {
	local, err := e.store.ListLocal()
	if err != nil {
		return xerr.Wrapf(xerr.Other, "filesync: diff local store", err)
	}
	localHashes := make(map[string]struct{}, len(local))
	for _, info := range local {
		localHashes[info.Hash] = struct{}{}
	}

	for p, snap := range e.peers.Snapshot() {
		for filename, hash := range snap.Files {
			if _, have := localHashes[hash]; have {
				continue
			}
			entry, ok := e.entries[hash]
			if !ok {
				entry = &SyncEntry{
					Hash:      hash,
					Size:      snap.Index[hash],
					Filenames: make(map[string]struct{}),
					Peers:     make(map[peer.ID]string),
				}
				e.entries[hash] = entry
			}
			entry.Filenames[filename] = struct{}{}
			if _, already := entry.Peers[p]; !already {
				entry.Peers[p] = filename
			}
		}
	}
	return nil
}

// Schedule dispatches chunk requests until either every entry's
// syncing_offset has reached its size or the global outstanding budget
// (MaxConcurrentSyncTasks, minus whatever is already in flight) is
// exhausted. syncing_offset advances unconditionally at dispatch time,
// not on response — see SPEC_FULL.md's "sync retry granularity"
// resolution.
func (e *Engine) Schedule() ([]ChunkRequest, error) {
	available := MaxConcurrentSyncTasks - len(e.inflight)
	if available <= 0 {
		return nil, nil
	}

	var requests []ChunkRequest
	for _, hash := range e.sortedHashes() {
		if available <= 0 {
			break
		}
		entry := e.entries[hash]
		for entry.SyncingOffset < entry.Size && available > 0 {
			p, filename, ok := entry.pickPeer()
			if !ok {
				break
			}
			if entry.file == nil {
				f, err := e.store.OpenSyncTemp(hash)
				if err != nil {
					return nil, err
				}
				entry.file = f
			}

			length := ChunkSize
			if remaining := entry.Size - entry.SyncingOffset; remaining < uint64(length) {
				length = int(remaining)
			}

			reqID := e.nextRequestID
			e.nextRequestID++
			e.inflight[reqID] = &inflightChunk{hash: hash, offset: entry.SyncingOffset, length: uint64(length)}
			requests = append(requests, ChunkRequest{
				RequestID: reqID,
				Peer:      p,
				Request: wire.FileRequest{
					Filename: filename,
					Hash:     hash,
					Offset:   entry.SyncingOffset,
					Length:   uint64(length),
				},
			})

			entry.SyncingOffset += uint64(length)
			available--
		}
	}
	return requests, nil
}

// WriteChunk applies a chunk response correlated by requestID. content
// being nil means the peer no longer has the file: spec §4.H treats that
// as a no-op, leaving the byte range to be retried on a later full
// re-plan. An unrecognized requestID (a response that arrived after its
// entry was finalized or dropped) is ignored.
func (e *Engine) WriteChunk(requestID uint64, content []byte) error {
	pending, ok := e.inflight[requestID]
	if !ok {
		return nil
	}
	delete(e.inflight, requestID)

	if content == nil {
		return nil
	}

	entry, ok := e.entries[pending.hash]
	if !ok || entry.file == nil {
		return nil
	}
	if _, err := entry.file.WriteAt(content, int64(pending.offset)); err != nil {
		return xerr.Wrapf(xerr.Other, "filesync: write chunk for "+pending.hash, err)
	}
	return nil
}

// Outstanding reports how many dispatched chunk requests haven't yet
// been resolved by WriteChunk or dropped. Finalize should only be called
// once this reaches zero, per spec §4.H's "when all outstanding chunks
// have returned."
func (e *Engine) Outstanding() int {
	return len(e.inflight)
}

// Finalize renames every entry whose syncing_offset has reached its size
// into the index, symlinks every candidate filename to it, and removes
// the entry from the in-progress table. Entries not yet complete are
// left untouched and carried into the next tick, preserving
// syncing_offset — the resumability contract.
func (e *Engine) Finalize() error {
	for hash, entry := range e.entries {
		if entry.SyncingOffset < entry.Size {
			continue
		}
		if entry.file != nil {
			entry.file.Close()
			entry.file = nil
		}
		if err := e.store.FinalizeSyncTemp(hash); err != nil {
			e.log.Warn().Err(err).Str("hash", hash).Msg("filesync: finalize failed, retrying next tick")
			continue
		}
		for filename := range entry.Filenames {
			if _, err := e.store.PublishExisting(filename, hash); err != nil {
				e.log.Warn().Err(err).Str("filename", filename).Str("hash", hash).Msg("filesync: publish failed")
			}
		}
		delete(e.entries, hash)
	}
	return nil
}

// Pending reports whether the in-progress table still holds any entry
// that Finalize has not yet removed, including entries whose bytes are
// all scheduled but not yet finalized.
func (e *Engine) Pending() bool {
	return len(e.entries) > 0
}

func (e *Engine) sortedHashes() []string {
	hashes := make([]string, 0, len(e.entries))
	for hash := range e.entries {
		hashes = append(hashes, hash)
	}
	sort.Strings(hashes)
	return hashes
}

// pickPeer chooses uniformly at random among an entry's candidate peers.
func (se *SyncEntry) pickPeer() (peer.ID, string, bool) {
	if len(se.Peers) == 0 {
		return "", "", false
	}
	ids := make([]peer.ID, 0, len(se.Peers))
	for id := range se.Peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	chosen := ids[rand.Intn(len(ids))]
	return chosen, se.Peers[chosen], true
}
