// Package wire implements the length-prefixed framing and tag-numbered
// message encoding used by both message families in the node's protocol:
// the request/response file-chunk protocol and the two gossip topics.
package wire

import (
	"io"

	"github.com/libp2p/go-msgio"

	"github.com/privateshare/node/xerr"
)

// MaxFrameSize is the hard ceiling on a single encoded frame. Decoding a
// frame larger than this fails with xerr.InvalidData.
const MaxFrameSize = 16 * 1024 * 1024

// ReadFrame reads one length-prefixed frame from r, enforcing MaxFrameSize.
func ReadFrame(r io.Reader) ([]byte, error) {
	reader := msgio.NewVarintReaderSize(r, MaxFrameSize)
	data, err := reader.ReadMsg()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if err == msgio.ErrMsgTooLarge {
			return nil, xerr.Wrapf(xerr.InvalidData, "frame exceeds max size", err)
		}
		return nil, xerr.Wrapf(xerr.Other, "read frame", err)
	}
	return data, nil
}

// WriteFrame writes payload to w with a varint length prefix.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return xerr.Wrap(xerr.InvalidData, "frame exceeds max size")
	}
	writer := msgio.NewVarintWriter(w)
	if err := writer.WriteMsg(payload); err != nil {
		return xerr.Wrapf(xerr.Other, "write frame", err)
	}
	return nil
}
