package announce

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privateshare/node/filecache"
	"github.com/privateshare/node/store"
	"github.com/privateshare/node/wire"
)

type recordingPublisher struct {
	published [][]byte
	err       error
}

func (p *recordingPublisher) Publish(data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, data)
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

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	indexDir := filepath.Join(dir, "index")
	storeDir := filepath.Join(dir, "store")
	require.NoError(t, os.MkdirAll(indexDir, 0o755))
	require.NoError(t, os.MkdirAll(storeDir, 0o755))
	st, err := store.New(indexDir, storeDir, filecache.New(), zerolog.Nop())
	require.NoError(t, err)
	return st
}

func TestFirePublishesLocalFiles(t *testing.T) {
	st := newTestStore(t)
	src := filepath.Join(t.TempDir(), "hello.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello\n"), 0o644))
	_, err := st.IngestLocal(src)
	require.NoError(t, err)

	pub := &recordingPublisher{}
	id := testPeerID(t)
	ticker := New(time.Hour, st, id, pub, zerolog.Nop())
	ticker.Start()
	defer ticker.Stop()

	require.NoError(t, ticker.Fire())
	require.Len(t, pub.published, 1)

	msg, err := wire.UnmarshalFileMessage(pub.published[0])
	require.NoError(t, err)
	assert.Equal(t, id.String(), msg.PeerID)
	require.Len(t, msg.Files, 1)
	assert.Equal(t, "hello.txt", msg.Files[0].Filename)
	assert.NotZero(t, msg.RefreshTime)
}

func TestFireRearmsTimerEvenOnNoPeers(t *testing.T) {
	st := newTestStore(t)
	pub := &recordingPublisher{err: ErrNoPeers}
	ticker := New(20*time.Millisecond, st, testPeerID(t), pub, zerolog.Nop())
	ticker.Start()
	defer ticker.Stop()

	// Consume the initial fire so the select below can only succeed if
	// Fire rearmed the timer.
	<-ticker.C()

	err := ticker.Fire()
	assert.ErrorIs(t, err, ErrNoPeers)

	select {
	case <-ticker.C():
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timer was not rearmed after a no-peers publish")
	}
}
