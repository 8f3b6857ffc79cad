package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privateshare/node/command"
	"github.com/privateshare/node/config"
	"github.com/privateshare/node/connector"
	"github.com/privateshare/node/filecache"
	"github.com/privateshare/node/peerstore"
	"github.com/privateshare/node/store"
	"github.com/privateshare/node/xerr"
)

// inlineSubmitter runs fn synchronously, standing in for node.Node.Submit
// in tests that don't need a real event loop.
type inlineSubmitter struct {
	handler *command.Handler
}

func (s inlineSubmitter) Submit(_ context.Context, fn func(*command.Handler) (interface{}, error)) (interface{}, error) {
	return fn(s.handler)
}

type fakeConns struct{}

func (fakeConns) Snapshot() map[peer.ID][]multiaddr.Multiaddr { return nil }
func (fakeConns) Disconnect(p peer.ID) error                  { return nil }

type fakeExplicit struct{}

func (fakeExplicit) RemoveExplicitPeer(p peer.ID) {}
func (fakeExplicit) RemoveCandidate(p peer.ID)    {}

type fakeBandwidth struct{}

func (fakeBandwidth) Counters() (uint64, uint64) { return 3, 4 }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	root := t.TempDir()
	st, err := store.New(filepath.Join(root, "index"), filepath.Join(root, "files"), filecache.New(), zerolog.Nop())
	require.NoError(t, err)

	cfgDir := t.TempDir()
	writeTestConfig(t, cfgDir)
	cfgMgr, err := config.Load(cfgDir)
	require.NoError(t, err)

	h := command.New(st, peerstore.New(), cfgMgr, connector.New(nil, zerolog.Nop()), fakeConns{}, fakeExplicit{}, fakeBandwidth{}, zerolog.Nop())
	return New(inlineSubmitter{h}, zerolog.Nop())
}

func writeTestConfig(t *testing.T, dir string) {
	t.Helper()
	const body = `
index_dir: index
store_dir: files
secret_key_path: secret.pem
public_key_path: public.pem
pre_share_key: test
refresh_interval: 30s
sync_file_interval: 10s
peer_addrs: []
http_listen: []
swarm_listen: /ip4/0.0.0.0/tcp/0
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte(body), 0o600))
}

func TestListFilesEmpty(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/list_files", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var out []listedFileJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Empty(t, out)
}

func TestAddFileMissingPathIsBadRequest(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/add_file", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetFileNotFoundReturns404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/get_file/missing.txt", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddPeersMalformedAddressIsBadRequest(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(peersRequest{Peers: []string{"not-a-multiaddr"}})
	req := httptest.NewRequest(http.MethodPost, "/api/add_peers", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddPeersValidAddressSucceeds(t *testing.T) {
	s := newTestServer(t)
	addr := testMultiaddrWithPeerID(t)
	body, _ := json.Marshal(peersRequest{Peers: []string{addr}})
	req := httptest.NewRequest(http.MethodPost, "/api/add_peers", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUploadFileStreamsIntoStore(t *testing.T) {
	s := newTestServer(t)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "note.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("hello there"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload_file", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var info store.FileInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "note.txt", info.Filename)
	assert.EqualValues(t, 11, info.Size)
}

func TestWriteErrorStatusMapping(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, xerr.Wrap(xerr.NotFound, "x"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	writeError(rec, xerr.Wrap(xerr.InvalidData, "x"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	writeError(rec, xerr.Wrap(xerr.Other, "x"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func testMultiaddrWithPeerID(t *testing.T) string {
	t.Helper()
	_, pub, err := p2pcrypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := peer.IDFromPublicKey(pub)
	require.NoError(t, err)
	return "/ip4/1.2.3.4/tcp/4001/p2p/" + id.String()
}
