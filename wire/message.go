package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/privateshare/node/xerr"
)

// Field numbers below are fixed wire-format contracts, not implementation
// detail: another node decoding these messages must agree on them byte for
// byte, so they are pinned to what the original implementation emitted.

// FileRequest is sent on the "/file-share/1" protocol to ask for a byte
// range of a named, hashed file.
type FileRequest struct {
	Filename string
	Hash     string
	Offset   uint64
	Length   uint64
}

const (
	fileRequestFilename protowire.Number = 1
	fileRequestHash     protowire.Number = 2
	fileRequestOffset   protowire.Number = 3
	fileRequestLength   protowire.Number = 4
)

// Marshal encodes a FileRequest to its wire representation.
func (r *FileRequest) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fileRequestFilename, protowire.BytesType)
	b = protowire.AppendString(b, r.Filename)
	b = protowire.AppendTag(b, fileRequestHash, protowire.BytesType)
	b = protowire.AppendString(b, r.Hash)
	b = protowire.AppendTag(b, fileRequestOffset, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Offset)
	b = protowire.AppendTag(b, fileRequestLength, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Length)
	return b
}

// UnmarshalFileRequest decodes a FileRequest from its wire representation.
func UnmarshalFileRequest(data []byte) (*FileRequest, error) {
	r := &FileRequest{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		switch num {
		case fileRequestFilename:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			r.Filename = s
			return b[n:], nil
		case fileRequestHash:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			r.Hash = s
			return b[n:], nil
		case fileRequestOffset:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			r.Offset = v
			return b[n:], nil
		case fileRequestLength:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			r.Length = v
			return b[n:], nil
		default:
			return skipField(typ, b)
		}
	})
	if err != nil {
		return nil, xerr.Wrapf(xerr.InvalidData, "decode FileRequest", err)
	}
	return r, nil
}

// FileResponse answers a FileRequest. Content is absent (nil, HasContent
// false) to signal "the peer no longer has this file."
type FileResponse struct {
	Content    []byte
	HasContent bool
}

const fileResponseContent protowire.Number = 1

// Marshal encodes a FileResponse to its wire representation.
func (r *FileResponse) Marshal() []byte {
	var b []byte
	if r.HasContent {
		b = protowire.AppendTag(b, fileResponseContent, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Content)
	}
	return b
}

// UnmarshalFileResponse decodes a FileResponse from its wire representation.
func UnmarshalFileResponse(data []byte) (*FileResponse, error) {
	r := &FileResponse{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		switch num {
		case fileResponseContent:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			r.Content = append([]byte(nil), v...)
			r.HasContent = true
			return b[n:], nil
		default:
			return skipField(typ, b)
		}
	})
	if err != nil {
		return nil, xerr.Wrapf(xerr.InvalidData, "decode FileResponse", err)
	}
	return r, nil
}

// File is one entry of a FileMessage's snapshot.
type File struct {
	Filename string
	Hash     string
	FileSize uint64
}

const (
	fileFilename protowire.Number = 1
	fileHash     protowire.Number = 2
	fileSize     protowire.Number = 3
)

func (f *File) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fileFilename, protowire.BytesType)
	b = protowire.AppendString(b, f.Filename)
	b = protowire.AppendTag(b, fileHash, protowire.BytesType)
	b = protowire.AppendString(b, f.Hash)
	b = protowire.AppendTag(b, fileSize, protowire.VarintType)
	b = protowire.AppendVarint(b, f.FileSize)
	return b
}

func unmarshalFile(data []byte) (*File, error) {
	f := &File{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		switch num {
		case fileFilename:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			f.Filename = s
			return b[n:], nil
		case fileHash:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			f.Hash = s
			return b[n:], nil
		case fileSize:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			f.FileSize = v
			return b[n:], nil
		default:
			return skipField(typ, b)
		}
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// FileMessage is the full-snapshot gossip message published on the
// "private-share" topic: everything the publishing peer currently has.
type FileMessage struct {
	PeerID      string
	Files       []File
	RefreshTime uint64
}

const (
	fileMessagePeerID      protowire.Number = 1
	fileMessageFiles       protowire.Number = 2
	fileMessageRefreshTime protowire.Number = 3
)

// Marshal encodes a FileMessage to its wire representation.
func (m *FileMessage) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fileMessagePeerID, protowire.BytesType)
	b = protowire.AppendString(b, m.PeerID)
	for i := range m.Files {
		b = protowire.AppendTag(b, fileMessageFiles, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Files[i].marshal())
	}
	b = protowire.AppendTag(b, fileMessageRefreshTime, protowire.VarintType)
	b = protowire.AppendVarint(b, m.RefreshTime)
	return b
}

// UnmarshalFileMessage decodes a FileMessage from its wire representation.
func UnmarshalFileMessage(data []byte) (*FileMessage, error) {
	m := &FileMessage{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		switch num {
		case fileMessagePeerID:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.PeerID = s
			return b[n:], nil
		case fileMessageFiles:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			f, err := unmarshalFile(raw)
			if err != nil {
				return nil, err
			}
			m.Files = append(m.Files, *f)
			return b[n:], nil
		case fileMessageRefreshTime:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.RefreshTime = v
			return b[n:], nil
		default:
			return skipField(typ, b)
		}
	})
	if err != nil {
		return nil, xerr.Wrapf(xerr.InvalidData, "decode FileMessage", err)
	}
	return m, nil
}

// Peer is one entry of a DiscoverMessage.
type Peer struct {
	PeerID string
	Addr   []byte
}

const (
	peerPeerID protowire.Number = 1
	peerAddr   protowire.Number = 2
)

func (p *Peer) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, peerPeerID, protowire.BytesType)
	b = protowire.AppendString(b, p.PeerID)
	b = protowire.AppendTag(b, peerAddr, protowire.BytesType)
	b = protowire.AppendBytes(b, p.Addr)
	return b
}

func unmarshalPeer(data []byte) (*Peer, error) {
	p := &Peer{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		switch num {
		case peerPeerID:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			p.PeerID = s
			return b[n:], nil
		case peerAddr:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			p.Addr = append([]byte(nil), v...)
			return b[n:], nil
		default:
			return skipField(typ, b)
		}
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// DiscoverMessage is published on the "private-share/discover" topic,
// listing peer-id/address pairs derived from identify events.
type DiscoverMessage struct {
	Peers        []Peer
	DiscoverTime uint64
}

const (
	discoverMessagePeers        protowire.Number = 1
	discoverMessageDiscoverTime protowire.Number = 2
)

// Marshal encodes a DiscoverMessage to its wire representation.
func (m *DiscoverMessage) Marshal() []byte {
	var b []byte
	for i := range m.Peers {
		b = protowire.AppendTag(b, discoverMessagePeers, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Peers[i].marshal())
	}
	b = protowire.AppendTag(b, discoverMessageDiscoverTime, protowire.VarintType)
	b = protowire.AppendVarint(b, m.DiscoverTime)
	return b
}

// UnmarshalDiscoverMessage decodes a DiscoverMessage from its wire
// representation.
func UnmarshalDiscoverMessage(data []byte) (*DiscoverMessage, error) {
	m := &DiscoverMessage{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		switch num {
		case discoverMessagePeers:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			p, err := unmarshalPeer(raw)
			if err != nil {
				return nil, err
			}
			m.Peers = append(m.Peers, *p)
			return b[n:], nil
		case discoverMessageDiscoverTime:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.DiscoverTime = v
			return b[n:], nil
		default:
			return skipField(typ, b)
		}
	})
	if err != nil {
		return nil, xerr.Wrapf(xerr.InvalidData, "decode DiscoverMessage", err)
	}
	return m, nil
}

// walkFields repeatedly consumes one tag+value from data, handing the
// remaining slice to fn until data is exhausted.
func walkFields(data []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error)) error {
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("consume tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		rest, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		b = rest
	}
	return nil
}

// skipField discards a field this decoder doesn't recognize, for
// forward-compatible decoding.
func skipField(typ protowire.Type, b []byte) ([]byte, error) {
	n := protowire.ConsumeFieldValue(0, typ, b)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	return b[n:], nil
}
