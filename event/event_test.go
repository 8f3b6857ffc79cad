package event

import (
	"crypto/rand"
	"errors"
	"testing"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privateshare/node/discover"
	"github.com/privateshare/node/peerstore"
	"github.com/privateshare/node/wire"
	"github.com/privateshare/node/xerr"
)

type fakeResolver struct {
	handle *fakeHandle
	err    error
}

func (f *fakeResolver) ResolveForServing(filename, hash string) (FileHandle, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.handle, nil
}

type fakeHandle struct {
	data   []byte
	closed bool
}

func (f *fakeHandle) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(f.data)) {
		return 0, errors.New("eof")
	}
	n := copy(p, f.data[off:])
	return n, nil
}

func (f *fakeHandle) Close() error { f.closed = true; return nil }

type fakeExplicitPeers struct {
	added   []peer.ID
	removed []peer.ID
}

func (f *fakeExplicitPeers) AddExplicitPeer(p peer.ID)    { f.added = append(f.added, p) }
func (f *fakeExplicitPeers) RemoveExplicitPeer(p peer.ID) { f.removed = append(f.removed, p) }

type fakeConnSet struct{ connecting map[peer.ID]bool }

func (f *fakeConnSet) IsConnecting(p peer.ID) bool { return f.connecting[p] }

type fakeConnected struct {
	added   map[peer.ID]multiaddr.Multiaddr
	removed []peer.ID
}

func (f *fakeConnected) Add(p peer.ID, addr multiaddr.Multiaddr) {
	if f.added == nil {
		f.added = make(map[peer.ID]multiaddr.Multiaddr)
	}
	f.added[p] = addr
}
func (f *fakeConnected) Remove(p peer.ID) { f.removed = append(f.removed, p) }

type fakeRetry struct{ enqueued []multiaddr.Multiaddr }

func (f *fakeRetry) EnqueueRetry(addr multiaddr.Multiaddr) { f.enqueued = append(f.enqueued, addr) }

type fakeInflight struct {
	writes map[uint64][]byte
}

func (f *fakeInflight) WriteChunk(requestID uint64, content []byte) error {
	if f.writes == nil {
		f.writes = make(map[uint64][]byte)
	}
	f.writes[requestID] = content
	return nil
}

func testPeerID(t *testing.T) peer.ID {
	t.Helper()
	_, pub, err := p2pcrypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := peer.IDFromPublicKey(pub)
	require.NoError(t, err)
	return id
}

func newTestHandler(t *testing.T, resolver Resolver) (*Handler, *fakeExplicitPeers, *fakeConnSet, *fakeConnected, *fakeRetry, *fakeInflight) {
	t.Helper()
	explicit := &fakeExplicitPeers{}
	connSet := &fakeConnSet{connecting: map[peer.ID]bool{}}
	connected := &fakeConnected{}
	retry := &fakeRetry{}
	inflight := &fakeInflight{}
	disc := discover.New(testPeerID(t), explicit, noopPublisher{}, noopConnectedness{}, noopBook{}, zerolog.Nop())
	h := New(resolver, peerstore.New(), disc, explicit, connSet, connected, retry, inflight, zerolog.Nop())
	return h, explicit, connSet, connected, retry, inflight
}

type noopPublisher struct{}

func (noopPublisher) Publish(data []byte) error { return nil }

type noopConnectedness struct{}

func (noopConnectedness) Connectedness(p peer.ID) network.Connectedness {
	return network.NotConnected
}

type noopBook struct{}

func (noopBook) AddCandidate(p peer.ID, addr multiaddr.Multiaddr) {}

func TestOnConnectionEstablishedAndClosed(t *testing.T) {
	h, explicit, _, connected, _, _ := newTestHandler(t, &fakeResolver{})
	p := testPeerID(t)
	addr, err := multiaddr.NewMultiaddr("/ip4/1.2.3.4/tcp/4001")
	require.NoError(t, err)

	h.OnConnectionEstablished(p, addr)
	assert.Contains(t, explicit.added, p)
	assert.Equal(t, addr, connected.added[p])

	h.OnConnectionClosed(p)
	assert.Contains(t, explicit.removed, p)
	assert.Contains(t, connected.removed, p)
}

func TestOnOutgoingConnErrorOnlyRetriesIfConnecting(t *testing.T) {
	h, _, connSet, _, retry, _ := newTestHandler(t, &fakeResolver{})
	addr, err := multiaddr.NewMultiaddr("/ip4/1.2.3.4/tcp/4001")
	require.NoError(t, err)
	p := testPeerID(t)

	h.OnOutgoingConnError(p, addr)
	assert.Empty(t, retry.enqueued)

	connSet.connecting[p] = true
	h.OnOutgoingConnError(p, addr)
	assert.Len(t, retry.enqueued, 1)
}

func TestOnGossipFileMessageAppliesToPeerStore(t *testing.T) {
	h, _, _, _, _, _ := newTestHandler(t, &fakeResolver{})
	p := testPeerID(t)
	msg := &wire.FileMessage{PeerID: p.String(), Files: []wire.File{{Filename: "a", Hash: "H", FileSize: 1}}}
	require.NoError(t, h.OnGossipFileMessage(p, msg.Marshal()))

	snap, ok := h.peers.Get(p)
	require.True(t, ok)
	assert.Equal(t, "H", snap.Files["a"])
}

func TestOnInboundRequestMissingFileReturnsAbsent(t *testing.T) {
	h, _, _, _, _, _ := newTestHandler(t, &fakeResolver{err: xerr.Wrap(xerr.NotFound, "nope")})
	resp, err := h.OnInboundRequest(&wire.FileRequest{Filename: "f", Hash: "H", Length: 4})
	require.NoError(t, err)
	assert.False(t, resp.HasContent)
}

func TestOnInboundRequestHashMismatchReturnsError(t *testing.T) {
	h, _, _, _, _, _ := newTestHandler(t, &fakeResolver{err: xerr.Wrap(xerr.InvalidData, "mismatch")})
	_, err := h.OnInboundRequest(&wire.FileRequest{Filename: "f", Hash: "H", Length: 4})
	assert.Error(t, err)
}

func TestOnInboundRequestServesBytes(t *testing.T) {
	h, _, _, _, _, _ := newTestHandler(t, &fakeResolver{handle: &fakeHandle{data: []byte("hello world")}})
	resp, err := h.OnInboundRequest(&wire.FileRequest{Filename: "f", Hash: "H", Offset: 6, Length: 5})
	require.NoError(t, err)
	assert.True(t, resp.HasContent)
	assert.Equal(t, "world", string(resp.Content))
}

func TestOnInboundResponseDeliversToInflight(t *testing.T) {
	h, _, _, _, _, inflight := newTestHandler(t, &fakeResolver{})
	require.NoError(t, h.OnInboundResponse(7, &wire.FileResponse{Content: []byte("x"), HasContent: true}))
	assert.Equal(t, []byte("x"), inflight.writes[7])

	require.NoError(t, h.OnInboundResponse(8, &wire.FileResponse{HasContent: false}))
	assert.Nil(t, inflight.writes[8])
}

func TestClassifyOutboundFailure(t *testing.T) {
	assert.ErrorIs(t, classifyOutboundFailure(errors.New("boom")), xerr.Other)
}
