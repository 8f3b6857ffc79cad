package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileRequestRoundTrip(t *testing.T) {
	req := &FileRequest{Filename: "notes.txt", Hash: "ABCD", Offset: 8 << 20, Length: 4 << 20}
	got, err := UnmarshalFileRequest(req.Marshal())
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestFileResponseRoundTripAbsent(t *testing.T) {
	resp := &FileResponse{}
	got, err := UnmarshalFileResponse(resp.Marshal())
	require.NoError(t, err)
	assert.False(t, got.HasContent)
	assert.Nil(t, got.Content)
}

func TestFileResponseRoundTripPresent(t *testing.T) {
	resp := &FileResponse{Content: []byte("hello\n"), HasContent: true}
	got, err := UnmarshalFileResponse(resp.Marshal())
	require.NoError(t, err)
	assert.True(t, got.HasContent)
	assert.Equal(t, resp.Content, got.Content)
}

func TestFileMessageRoundTrip(t *testing.T) {
	msg := &FileMessage{
		PeerID: "12D3KooWexample",
		Files: []File{
			{Filename: "a.txt", Hash: "AAAA", FileSize: 10},
			{Filename: "b.txt", Hash: "BBBB", FileSize: 20},
		},
		RefreshTime: 1700000000000000,
	}
	got, err := UnmarshalFileMessage(msg.Marshal())
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestDiscoverMessageRoundTrip(t *testing.T) {
	msg := &DiscoverMessage{
		Peers: []Peer{
			{PeerID: "12D3KooWpeerA", Addr: []byte{0x04, 0x7f, 0x00, 0x00, 0x01}},
		},
		DiscoverTime: 42,
	}
	got, err := UnmarshalDiscoverMessage(msg.Marshal())
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestFrameRoundTripAndLimit(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("a frame")
	require.NoError(t, WriteFrame(&buf, payload))
	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	oversized := make([]byte, MaxFrameSize+1)
	err = WriteFrame(&buf, oversized)
	assert.Error(t, err)
}
