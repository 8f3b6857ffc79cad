package node

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privateshare/node/filecache"
	"github.com/privateshare/node/store"
)

func testPeerID(t *testing.T) peer.ID {
	t.Helper()
	_, pub, err := p2pcrypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := peer.IDFromPublicKey(pub)
	require.NoError(t, err)
	return id
}

func testAddr(t *testing.T, s string) multiaddr.Multiaddr {
	t.Helper()
	a, err := multiaddr.NewMultiaddr(s)
	require.NoError(t, err)
	return a
}

func TestGossipBookAddRemove(t *testing.T) {
	b := newGossipBook()
	p := testPeerID(t)
	addr := testAddr(t, "/ip4/1.2.3.4/tcp/4001")

	b.AddExplicitPeer(p)
	_, explicit := b.explicit[p]
	assert.True(t, explicit)

	b.AddCandidate(p, addr)
	assert.Equal(t, addr, b.candidates[p])

	b.RemoveExplicitPeer(p)
	b.RemoveCandidate(p)
	_, explicit = b.explicit[p]
	assert.False(t, explicit)
	_, candidate := b.candidates[p]
	assert.False(t, candidate)
}

func TestConnectedBookAddRemoveSnapshot(t *testing.T) {
	b := newConnectedBook(nil)
	p1, p2 := testPeerID(t), testPeerID(t)
	addr1 := testAddr(t, "/ip4/1.2.3.4/tcp/4001")
	addr2 := testAddr(t, "/ip4/5.6.7.8/tcp/4001")

	b.Add(p1, addr1)
	b.Add(p2, addr2)

	snap := b.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, []multiaddr.Multiaddr{addr1}, snap[p1])

	b.Remove(p1)
	snap = b.Snapshot()
	assert.NotContains(t, snap, p1)
	assert.Contains(t, snap, p2)
}

func TestStoreResolverDelegatesAndAdaptsHandle(t *testing.T) {
	root := t.TempDir()
	s, err := store.New(filepath.Join(root, "index"), filepath.Join(root, "files"), filecache.New(), zerolog.Nop())
	require.NoError(t, err)

	src := filepath.Join(root, "a.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello world"), 0o600))
	info, err := s.IngestLocal(src)
	require.NoError(t, err)

	resolver := storeResolver{s}
	h, err := resolver.ResolveForServing(info.Filename, info.Hash)
	require.NoError(t, err)
	defer h.Close()

	buf := make([]byte, 5)
	n, err := h.ReadAt(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))
}
