// Package api is the node's HTTP/WS control surface, mapping each
// endpoint in spec §6's table onto the corresponding command.Handler
// method, routed through node.Node.Submit so every call runs on the
// node's own loop goroutine. See spec §6.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"

	"github.com/privateshare/node/command"
	"github.com/privateshare/node/store"
	"github.com/privateshare/node/xerr"
)

// Submitter runs fn against the node's command.Handler on its own loop
// goroutine and returns its result, normally backed by node.Node.Submit.
type Submitter interface {
	Submit(ctx context.Context, fn func(*command.Handler) (interface{}, error)) (interface{}, error)
}

// Server is the HTTP/WS control surface.
type Server struct {
	node     Submitter
	log      zerolog.Logger
	router   *httprouter.Router
	upgrader websocket.Upgrader
}

// New returns a Server ready to be handed to http.Serve.
func New(n Submitter, log zerolog.Logger) *Server {
	s := &Server{
		node:     n,
		log:      log.With().Str("component", "api").Logger(),
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}

	r := httprouter.New()
	r.GET("/api/list_files", s.listFiles)
	r.POST("/api/add_file", s.addFile)
	r.POST("/api/upload_file", s.uploadFile)
	r.GET("/api/list_peers", s.listPeers)
	r.GET("/api/get_bandwidth", s.getBandwidth)
	r.POST("/api/add_peers", s.addPeers)
	r.POST("/api/remove_peers", s.removePeers)
	r.GET("/api/get_file/:filename", s.getFile)
	s.router = r

	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) submit(r *http.Request, fn func(*command.Handler) (interface{}, error)) (interface{}, error) {
	return s.node.Submit(r.Context(), fn)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, xerr.NotFound):
		status = http.StatusNotFound
	case errors.Is(err, xerr.InvalidData):
		status = http.StatusBadRequest
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(err.Error()))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
}

// listedFileJSON is the wire shape of one command.ListedFile entry.
type listedFileJSON struct {
	Filename string   `json:"filename"`
	Hash     string   `json:"hash"`
	Size     uint64   `json:"size"`
	Peers    []string `json:"peers,omitempty"`
}

func (s *Server) listFiles(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	includePeer := r.URL.Query().Get("include_peer") == "true"

	val, err := s.submit(r, func(h *command.Handler) (interface{}, error) {
		return h.ListFiles(includePeer)
	})
	if err != nil {
		writeError(w, err)
		return
	}

	files := val.([]command.ListedFile)
	out := make([]listedFileJSON, 0, len(files))
	for _, f := range files {
		lf := listedFileJSON{Filename: f.Filename, Hash: f.Hash, Size: f.Size}
		for _, p := range f.Peers {
			lf.Peers = append(lf.Peers, p.String())
		}
		out = append(out, lf)
	}
	writeJSON(w, out)
}

type addFileRequest struct {
	FilePath string `json:"file_path"`
}

func (s *Server) addFile(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req addFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FilePath == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	val, err := s.submit(r, func(h *command.Handler) (interface{}, error) {
		return h.AddFile(req.FilePath)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, val)
}

// uploadFile tries the fast "hash already known" publish path through
// Submit (a quick store lookup, safe to run on the loop); if that
// doesn't apply, it streams the multipart body into the store directly
// on this goroutine rather than the loop, so a slow upload doesn't stall
// the node's event processing. See command.Handler.UploadFile's doc
// comment for why the split exists.
func (s *Server) uploadFile(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	defer file.Close()

	var hash *string
	if h := r.FormValue("hash"); h != "" {
		hash = &h
	}

	if hash != nil {
		val, err := s.submit(r, func(h *command.Handler) (interface{}, error) {
			return h.Store().PublishExisting(header.Filename, *hash)
		})
		if err == nil {
			writeJSON(w, val)
			return
		}
		if !errors.Is(err, xerr.NotFound) {
			writeError(w, err)
			return
		}
	}

	var st *store.Store
	if _, err := s.submit(r, func(h *command.Handler) (interface{}, error) {
		st = h.Store()
		return nil, nil
	}); err != nil {
		writeError(w, err)
		return
	}

	info, err := st.IngestStream(header.Filename, hash, file)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, info)
}

type peerJSON struct {
	ID        string   `json:"id"`
	Addresses []string `json:"addresses"`
}

func (s *Server) listPeers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	val, err := s.submit(r, func(h *command.Handler) (interface{}, error) {
		return h.ListPeers(), nil
	})
	if err != nil {
		writeError(w, err)
		return
	}

	conns := val.(map[peer.ID][]multiaddr.Multiaddr)
	out := make([]peerJSON, 0, len(conns))
	for p, addrs := range conns {
		pj := peerJSON{ID: p.String()}
		for _, a := range addrs {
			pj.Addresses = append(pj.Addresses, a.String())
		}
		out = append(out, pj)
	}
	writeJSON(w, out)
}

// bandwidthFrame is one periodic WS frame for /api/get_bandwidth.
type bandwidthFrame struct {
	Inbound  uint64 `json:"inbound"`
	Outbound uint64 `json:"outbound"`
}

func (s *Server) getBandwidth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	interval := time.Second
	if raw := r.URL.Query().Get("interval"); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			interval = parsed
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("api: websocket upgrade failed")
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			val, err := s.submit(r, func(h *command.Handler) (interface{}, error) {
				in, out := h.GetBandwidth()
				return bandwidthFrame{Inbound: in, Outbound: out}, nil
			})
			if err != nil {
				return
			}
			if err := conn.WriteJSON(val); err != nil {
				return
			}
		}
	}
}

type peersRequest struct {
	Peers []string `json:"peers"`
}

func parsePeerAddrs(raw []string) ([]multiaddr.Multiaddr, error) {
	out := make([]multiaddr.Multiaddr, 0, len(raw))
	for _, s := range raw {
		a, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return nil, xerr.Wrapf(xerr.InvalidData, "parse peer address "+s, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Server) addPeers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req peersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	addrs, err := parsePeerAddrs(req.Peers)
	if err != nil {
		writeError(w, err)
		return
	}

	_, err = s.submit(r, func(h *command.Handler) (interface{}, error) {
		return nil, h.AddPeers(addrs)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) removePeers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req peersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	addrs, err := parsePeerAddrs(req.Peers)
	if err != nil {
		writeError(w, err)
		return
	}

	_, err = s.submit(r, func(h *command.Handler) (interface{}, error) {
		return nil, h.RemovePeers(addrs)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// getFile resolves filename to its on-disk path through the node loop
// (a cheap lookup, safe to run there) and streams it to the client
// outside the loop, so a slow client reading a large file never stalls
// the node's single-threaded event processing.
func (s *Server) getFile(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	filename := ps.ByName("filename")
	if filename == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	val, err := s.submit(r, func(h *command.Handler) (interface{}, error) {
		var path string
		err := h.GetFile(filename, func(p string) error {
			path = p
			return nil
		})
		return path, err
	})
	if err != nil {
		writeError(w, err)
		return
	}

	path := val.(string)
	f, err := os.Open(path)
	if err != nil {
		writeError(w, xerr.Wrapf(xerr.Other, "open "+filename, err))
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	if size, err := f.Seek(0, io.SeekEnd); err == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		_, _ = f.Seek(0, io.SeekStart)
	}
	_, _ = io.Copy(w, f)
}
