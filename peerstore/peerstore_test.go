package peerstore

import (
	"crypto/rand"
	"testing"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privateshare/node/wire"
)

func testPeerID(t *testing.T) peer.ID {
	t.Helper()
	_, pub, err := p2pcrypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := peer.IDFromPublicKey(pub)
	require.NoError(t, err)
	return id
}

func TestApplyFirstFilenameWins(t *testing.T) {
	s := New()
	id := testPeerID(t)

	s.Apply(id, &wire.FileMessage{
		PeerID: id.String(),
		Files: []wire.File{
			{Filename: "a.txt", Hash: "HASH1", FileSize: 10},
			{Filename: "a.txt", Hash: "HASH2", FileSize: 20},
		},
	})

	snap, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, "HASH1", snap.Files["a.txt"])
	assert.EqualValues(t, 10, snap.Index["HASH1"])
	_, exists := snap.Index["HASH2"]
	assert.False(t, exists)
}

func TestApplyReplacesWholesale(t *testing.T) {
	s := New()
	id := testPeerID(t)

	s.Apply(id, &wire.FileMessage{Files: []wire.File{{Filename: "old.txt", Hash: "OLD", FileSize: 1}}})
	s.Apply(id, &wire.FileMessage{Files: []wire.File{{Filename: "new.txt", Hash: "NEW", FileSize: 2}}})

	snap, _ := s.Get(id)
	assert.Len(t, snap.Files, 1)
	_, hasOld := snap.Files["old.txt"]
	assert.False(t, hasOld)
}

func TestDrop(t *testing.T) {
	s := New()
	id := testPeerID(t)
	s.Apply(id, &wire.FileMessage{})
	s.Drop(id)
	_, ok := s.Get(id)
	assert.False(t, ok)
}
