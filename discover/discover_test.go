package discover

import (
	"crypto/rand"
	"testing"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privateshare/node/wire"
)

type fakeExplicit struct{ added []peer.ID }

func (f *fakeExplicit) AddExplicitPeer(p peer.ID) { f.added = append(f.added, p) }

type fakePublisher struct{ published [][]byte }

func (f *fakePublisher) Publish(data []byte) error {
	f.published = append(f.published, data)
	return nil
}

type fakeConnectedness struct{ connected map[peer.ID]bool }

func (f *fakeConnectedness) Connectedness(p peer.ID) network.Connectedness {
	if f.connected[p] {
		return network.Connected
	}
	return network.NotConnected
}

type fakeBook struct {
	candidates map[peer.ID]multiaddr.Multiaddr
}

func (f *fakeBook) AddCandidate(p peer.ID, addr multiaddr.Multiaddr) {
	if f.candidates == nil {
		f.candidates = make(map[peer.ID]multiaddr.Multiaddr)
	}
	f.candidates[p] = addr
}

func testPeerID(t *testing.T) peer.ID {
	t.Helper()
	_, pub, err := p2pcrypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := peer.IDFromPublicKey(pub)
	require.NoError(t, err)
	return id
}

func TestOnIdentifyAddsExplicitPeerAndPublishes(t *testing.T) {
	local := testPeerID(t)
	remote := testPeerID(t)
	explicit := &fakeExplicit{}
	pub := &fakePublisher{}
	conn := &fakeConnectedness{connected: map[peer.ID]bool{}}
	book := &fakeBook{}

	h := New(local, explicit, pub, conn, book, zerolog.Nop())

	listenAddr, err := multiaddr.NewMultiaddr("/ip4/10.0.0.1/tcp/4001")
	require.NoError(t, err)
	observed, err := multiaddr.NewMultiaddr("/ip4/203.0.113.5/tcp/5555")
	require.NoError(t, err)

	require.NoError(t, h.OnIdentify(remote, observed, []multiaddr.Multiaddr{listenAddr}))

	assert.Equal(t, []peer.ID{remote}, explicit.added)
	assert.Contains(t, h.ExternalAddrs(), observed.String())
	require.Len(t, pub.published, 1)

	msg, err := wire.UnmarshalDiscoverMessage(pub.published[0])
	require.NoError(t, err)
	require.Len(t, msg.Peers, 1)
	assert.Equal(t, remote.String(), msg.Peers[0].PeerID)
	assert.NotZero(t, msg.DiscoverTime)
}

func TestOnIdentifySkipsPublishWithNoListenAddrs(t *testing.T) {
	pub := &fakePublisher{}
	h := New(testPeerID(t), &fakeExplicit{}, pub, &fakeConnectedness{connected: map[peer.ID]bool{}}, &fakeBook{}, zerolog.Nop())
	require.NoError(t, h.OnIdentify(testPeerID(t), nil, nil))
	assert.Empty(t, pub.published)
}

func TestOnDiscoverMessageSkipsAlreadyConnectedPeers(t *testing.T) {
	local := testPeerID(t)
	already := testPeerID(t)
	fresh := testPeerID(t)
	conn := &fakeConnectedness{connected: map[peer.ID]bool{already: true}}
	book := &fakeBook{}
	h := New(local, &fakeExplicit{}, &fakePublisher{}, conn, book, zerolog.Nop())

	addr, err := multiaddr.NewMultiaddr("/ip4/10.0.0.2/tcp/4001")
	require.NoError(t, err)

	msg := &wire.DiscoverMessage{Peers: []wire.Peer{
		{PeerID: already.String(), Addr: addr.Bytes()},
		{PeerID: fresh.String(), Addr: addr.Bytes()},
	}}
	require.NoError(t, h.OnDiscoverMessage(msg))

	_, hasAlready := book.candidates[already]
	assert.False(t, hasAlready)
	_, hasFresh := book.candidates[fresh]
	assert.True(t, hasFresh)
}

func TestOnDiscoverMessageSkipsSelf(t *testing.T) {
	local := testPeerID(t)
	conn := &fakeConnectedness{connected: map[peer.ID]bool{}}
	book := &fakeBook{}
	h := New(local, &fakeExplicit{}, &fakePublisher{}, conn, book, zerolog.Nop())

	addr, err := multiaddr.NewMultiaddr("/ip4/10.0.0.2/tcp/4001")
	require.NoError(t, err)
	msg := &wire.DiscoverMessage{Peers: []wire.Peer{{PeerID: local.String(), Addr: addr.Bytes()}}}
	require.NoError(t, h.OnDiscoverMessage(msg))
	assert.Empty(t, book.candidates)
}
