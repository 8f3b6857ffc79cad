package node

import (
	"context"
	"errors"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pevent "github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/multiformats/go-multiaddr"

	"github.com/privateshare/node/announce"
	"github.com/privateshare/node/filesync"
	"github.com/privateshare/node/wire"
)

// Run is the node's single-threaded event loop: a select over the
// command channel, gossip deliveries, chunk request/response results,
// connection-lifecycle notifications, identify completions, the dial
// delay queue's wake timer, and the announce/sync tickers. The open-file
// cache is swept after every iteration. No other
// package's state is ever touched outside this goroutine.
func (n *Node) Run(ctx context.Context) error {
	for _, raw := range n.cfgMgr.Get().PeerAddrs {
		addr, err := multiaddr.NewMultiaddr(raw)
		if err != nil {
			n.log.Warn().Err(err).Str("addr", raw).Msg("node: configured peer address is invalid")
			continue
		}
		n.connector.EnqueueNow(addr)
	}

	n.announce.Start()
	defer n.announce.Stop()

	syncTimer := time.NewTimer(n.syncInterval)
	defer syncTimer.Stop()

	go n.readGossip(ctx, n.fileSub, false)
	go n.readGossip(ctx, n.discoverSub, true)
	go n.readIdentify(ctx)

	dialTimer := time.NewTimer(time.Hour)
	dialTimerArmed := true
	resetDialTimer := func() {
		if dialTimerArmed && !dialTimer.Stop() {
			select {
			case <-dialTimer.C:
			default:
			}
		}
		dialTimerArmed = false
		if wake, ok := n.connector.NextWake(); ok {
			d := time.Until(wake)
			if d < 0 {
				d = 0
			}
			dialTimer.Reset(d)
			dialTimerArmed = true
		}
	}
	resetDialTimer()
	defer dialTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case req := <-n.commandCh:
			val, err := req.fn(n.command)
			req.reply <- commandResult{Value: val, Err: err}

		case gm := <-n.gossipCh:
			n.dispatchGossip(gm)

		case cr := <-n.chunkResCh:
			n.handleChunkResult(cr)

		case ce := <-n.connEventCh:
			n.dispatchConnEvent(ce)

		case ie := <-n.identifyCh:
			if err := n.event.OnIdentify(ie.remote, ie.observedAddr, ie.listenAddrs); err != nil {
				n.log.Warn().Err(err).Msg("node: identify handling failed")
			}

		case <-dialTimer.C:
			dialTimerArmed = false
			n.connector.Drain(ctx, time.Now())
			resetDialTimer()

		case dr := <-n.connector.Results():
			if dr.Err != nil {
				n.log.Debug().Err(dr.Err).Stringer("peer", dr.PeerID).Msg("node: dial attempt failed")
			}
			resetDialTimer()

		case <-n.announce.C():
			if err := n.announce.Fire(); err != nil && !errors.Is(err, announce.ErrNoPeers) {
				n.log.Warn().Err(err).Msg("node: announce failed")
			}

		case <-syncTimer.C:
			n.runSyncTick(ctx)
			syncTimer.Reset(n.syncInterval)
		}
		n.cache.Sweep(time.Now())
	}
}

// Close tears down the node's topics, subscriptions, and libp2p host.
func (n *Node) Close() error {
	n.fileSub.Cancel()
	n.discoverSub.Cancel()
	_ = n.fileTopic.Close()
	_ = n.discoverTopic.Close()
	return n.host.Close()
}

func (n *Node) runSyncTick(ctx context.Context) {
	if err := n.filesync.Diff(); err != nil {
		n.log.Warn().Err(err).Msg("node: sync diff failed")
		return
	}
	reqs, err := n.filesync.Schedule()
	if err != nil {
		n.log.Warn().Err(err).Msg("node: sync schedule failed")
		return
	}
	for _, req := range reqs {
		n.dispatchChunkRequest(ctx, req)
	}
	// Finalize only once every chunk dispatched so far has returned —
	// calling it while requests are still outstanding would rename an
	// entry into the index before all of its bytes have actually arrived.
	// If anything is still in flight, handleChunkResult finalizes as soon
	// as the last one lands.
	if n.filesync.Outstanding() == 0 {
		n.finalizeSync()
	}
}

func (n *Node) finalizeSync() {
	if err := n.filesync.Finalize(); err != nil {
		n.log.Warn().Err(err).Msg("node: sync finalize failed")
	}
}

// dispatchChunkRequest opens a stream to req.Peer, writes the framed
// FileRequest, reads back the framed FileResponse, and reports the
// outcome on chunkResCh for the loop to feed into the sync engine. It
// runs on its own goroutine per request, mirroring connector.dial.
func (n *Node) dispatchChunkRequest(parent context.Context, req filesync.ChunkRequest) {
	go func() {
		ctx, cancel := context.WithTimeout(parent, 30*time.Second)
		defer cancel()

		s, err := n.host.NewStream(ctx, req.Peer, ProtocolID)
		if err != nil {
			n.deliverChunkResult(chunkResult{req.RequestID, nil, err})
			return
		}
		defer s.Close()

		payload := req.Request.Marshal()
		if err := wire.WriteFrame(s, payload); err != nil {
			s.Reset()
			n.deliverChunkResult(chunkResult{req.RequestID, nil, err})
			return
		}
		n.bandwidth.AddOutbound(len(payload))

		data, err := wire.ReadFrame(s)
		if err != nil {
			s.Reset()
			n.deliverChunkResult(chunkResult{req.RequestID, nil, err})
			return
		}
		n.bandwidth.AddInbound(len(data))

		resp, err := wire.UnmarshalFileResponse(data)
		if err != nil {
			n.deliverChunkResult(chunkResult{req.RequestID, nil, err})
			return
		}
		n.deliverChunkResult(chunkResult{req.RequestID, resp, nil})
	}()
}

func (n *Node) deliverChunkResult(cr chunkResult) {
	n.chunkResCh <- cr
}

func (n *Node) handleChunkResult(cr chunkResult) {
	if cr.err != nil {
		if err := n.event.OnOutboundFailure(cr.requestID, cr.err); err != nil {
			n.log.Warn().Err(err).Msg("node: outbound failure handling error")
		}
	} else if err := n.event.OnInboundResponse(cr.requestID, cr.resp); err != nil {
		n.log.Warn().Err(err).Msg("node: inbound response handling error")
	}

	if n.filesync.Outstanding() == 0 {
		n.finalizeSync()
	}
}

func (n *Node) dispatchGossip(gm gossipMsg) {
	n.bandwidth.AddInbound(len(gm.data))
	var err error
	if gm.discover {
		err = n.event.OnGossipDiscoverMessage(gm.data)
	} else {
		err = n.event.OnGossipFileMessage(gm.from, gm.data)
	}
	if err != nil {
		n.log.Warn().Err(err).Bool("discover", gm.discover).Msg("node: gossip handling failed")
	}
}

func (n *Node) dispatchConnEvent(ce connEvent) {
	switch ce.kind {
	case "connected":
		n.event.OnConnectionEstablished(ce.peer, ce.addr)
	case "disconnected":
		n.event.OnConnectionClosed(ce.peer)
		n.event.OnOutgoingConnError(ce.peer, ce.addr)
	}
}

// handleInboundStream serves one file request. It runs on libp2p's own
// per-stream goroutine rather than the node loop, which is safe because
// event.OnInboundRequest only touches the store and file cache, both
// already safe for concurrent use.
func (n *Node) handleInboundStream(s network.Stream) {
	defer s.Close()

	data, err := wire.ReadFrame(s)
	if err != nil {
		s.Reset()
		return
	}
	n.bandwidth.AddInbound(len(data))

	req, err := wire.UnmarshalFileRequest(data)
	if err != nil {
		s.Reset()
		return
	}

	resp, err := n.event.OnInboundRequest(req)
	if err != nil {
		s.Reset()
		return
	}

	payload := resp.Marshal()
	if err := wire.WriteFrame(s, payload); err != nil {
		s.Reset()
		return
	}
	n.bandwidth.AddOutbound(len(payload))
}

func (n *Node) notifiee() network.Notifiee {
	return &network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			select {
			case n.connEventCh <- connEvent{kind: "connected", peer: c.RemotePeer(), addr: c.RemoteMultiaddr()}:
			default:
			}
		},
		DisconnectedF: func(_ network.Network, c network.Conn) {
			select {
			case n.connEventCh <- connEvent{kind: "disconnected", peer: c.RemotePeer(), addr: c.RemoteMultiaddr()}:
			default:
			}
		},
	}
}

func (n *Node) readGossip(ctx context.Context, sub *pubsub.Subscription, isDiscover bool) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		select {
		case n.gossipCh <- gossipMsg{discover: isDiscover, from: msg.ReceivedFrom, data: msg.Data}:
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) readIdentify(ctx context.Context) {
	sub, err := n.host.EventBus().Subscribe(new(libp2pevent.EvtPeerIdentificationCompleted))
	if err != nil {
		n.log.Error().Err(err).Msg("node: subscribe identify events failed")
		return
	}
	defer sub.Close()

	for {
		select {
		case raw, ok := <-sub.Out():
			if !ok {
				return
			}
			evt := raw.(libp2pevent.EvtPeerIdentificationCompleted)
			ie := identifyEvent{remote: evt.Peer, observedAddr: evt.ObservedAddr, listenAddrs: evt.ListenAddrs}
			select {
			case n.identifyCh <- ie:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
