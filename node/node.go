// Package node wires every subsystem (store, peer store, connector,
// announce, discover, file sync, command, event, bandwidth) into one
// single-threaded event loop, the only place any of them is mutated. See
// spec §4.K.
package node

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/net/pnet"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"

	"github.com/privateshare/node/announce"
	"github.com/privateshare/node/bwmeter"
	"github.com/privateshare/node/command"
	"github.com/privateshare/node/config"
	"github.com/privateshare/node/connector"
	"github.com/privateshare/node/discover"
	"github.com/privateshare/node/event"
	"github.com/privateshare/node/filecache"
	"github.com/privateshare/node/filesync"
	peerstorex "github.com/privateshare/node/peerstore"
	"github.com/privateshare/node/store"
	"github.com/privateshare/node/wire"
)

// ProtocolID is the request/response stream protocol used to serve file
// chunks between peers. See spec §4.C "wire codec".
const ProtocolID = protocol.ID("/file-share/1")

const (
	fileTopicName     = "private-share"
	discoverTopicName = "private-share/discover"
)

// commandRequest is one operator command, delivered through the loop's
// capacity-1 channel and answered through reply. The closure pattern lets
// the api package express any command.Handler call without node needing a
// case per command.
type commandRequest struct {
	fn    func(*command.Handler) (interface{}, error)
	reply chan commandResult
}

type commandResult struct {
	Value interface{}
	Err   error
}

// gossipMsg is one pubsub delivery, queued off the subscription-reading
// goroutine for the loop to dispatch.
type gossipMsg struct {
	discover bool
	from     peer.ID
	data     []byte
}

// chunkResult is the outcome of one dispatched file request/response
// round trip, queued for the loop to feed into the sync engine.
type chunkResult struct {
	requestID uint64
	resp      *wire.FileResponse
	err       error
}

// connEvent is one connection-lifecycle notification from the swarm.
type connEvent struct {
	kind string // "connected", "disconnected"
	peer peer.ID
	addr multiaddr.Multiaddr
}

// identifyEvent carries an identify completion through to the loop.
type identifyEvent struct {
	remote       peer.ID
	observedAddr multiaddr.Multiaddr
	listenAddrs  []multiaddr.Multiaddr
}

// Node owns every subsystem and the single goroutine that mutates them.
type Node struct {
	cfgMgr *config.Manager
	log    zerolog.Logger

	host          host.Host
	fileTopic     *pubsub.Topic
	fileSub       *pubsub.Subscription
	discoverTopic *pubsub.Topic
	discoverSub   *pubsub.Subscription

	bandwidth *bwmeter.Meter
	cache     *filecache.Cache

	connector    *connector.Connector
	announce     *announce.Ticker
	discover     *discover.Handler
	filesync     *filesync.Engine
	command      *command.Handler
	event        *event.Handler
	syncInterval time.Duration

	commandCh   chan commandRequest
	gossipCh    chan gossipMsg
	chunkResCh  chan chunkResult
	connEventCh chan connEvent
	identifyCh  chan identifyEvent
}

// topicPublisher adapts a *pubsub.Topic to announce.Publisher /
// discover.Publisher, both of which need only Publish(data []byte) error.
type topicPublisher struct {
	topic *pubsub.Topic
}

func (p topicPublisher) Publish(data []byte) error {
	return p.topic.Publish(context.Background(), data)
}

// New constructs a Node from a loaded configuration: builds the libp2p
// host from the node's identity and pre-share key, joins the two gossip
// topics, and wires every subsystem together. The returned Node has not
// started its subscription/event-bridging goroutines yet; call Run to do
// that.
func New(cfgMgr *config.Manager, secret ed25519.PrivateKey, log zerolog.Logger) (*Node, error) {
	cfg := cfgMgr.Get()

	priv, err := p2pcrypto.UnmarshalEd25519PrivateKey(secret)
	if err != nil {
		return nil, fmt.Errorf("convert node identity: %w", err)
	}

	psk := pnet.PSK(config.PreSharedKey(cfg.PreShareKey)[:])

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(cfg.SwarmListen),
		libp2p.PrivateNetwork(psk),
	)
	if err != nil {
		return nil, fmt.Errorf("construct libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(context.Background(), h)
	if err != nil {
		return nil, fmt.Errorf("construct gossipsub: %w", err)
	}

	fileTopic, err := ps.Join(fileTopicName)
	if err != nil {
		return nil, fmt.Errorf("join file topic: %w", err)
	}
	fileSub, err := fileTopic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("subscribe file topic: %w", err)
	}

	discoverTopic, err := ps.Join(discoverTopicName)
	if err != nil {
		return nil, fmt.Errorf("join discover topic: %w", err)
	}
	discoverSub, err := discoverTopic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("subscribe discover topic: %w", err)
	}

	cache := filecache.New()
	st, err := store.New(cfg.IndexDir, cfg.StoreDir, cache, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	peers := peerstorex.New()
	bw := bwmeter.New()
	conn := connector.New(h, log)
	book := newGossipBook()
	connBook := newConnectedBook(h)

	disc := discover.New(h.ID(), book, topicPublisher{discoverTopic}, connectedness{h}, book, log)

	sync := filesync.New(st, peers, log)

	ann := announce.New(cfg.RefreshInterval.Duration, st, h.ID(), topicPublisher{fileTopic}, log)

	cmdHandler := command.New(st, peers, cfgMgr, conn, connBook, book, bwmeterAdapter{bw}, log)

	evtHandler := event.New(storeResolver{st}, peers, disc, book, conn, connBook, conn, sync, log)

	n := &Node{
		cfgMgr:        cfgMgr,
		log:           log.With().Str("component", "node").Logger(),
		host:          h,
		fileTopic:     fileTopic,
		fileSub:       fileSub,
		discoverTopic: discoverTopic,
		discoverSub:   discoverSub,
		bandwidth:     bw,
		cache:         cache,
		connector:     conn,
		announce:      ann,
		discover:      disc,
		filesync:      sync,
		command:       cmdHandler,
		event:         evtHandler,
		syncInterval:  cfg.SyncFileInterval.Duration,
		commandCh:     make(chan commandRequest, 1),
		gossipCh:      make(chan gossipMsg, 64),
		chunkResCh:    make(chan chunkResult, MaxInflightResults),
		connEventCh:   make(chan connEvent, 64),
		identifyCh:    make(chan identifyEvent, 16),
	}

	h.SetStreamHandler(ProtocolID, n.handleInboundStream)
	h.Network().Notify(n.notifiee())

	return n, nil
}

// MaxInflightResults bounds the chunk-result channel; it only ever needs
// to hold filesync.MaxConcurrentSyncTasks results at once.
const MaxInflightResults = filesync.MaxConcurrentSyncTasks

// Host returns the underlying libp2p host, used by main to print the
// node's listen addresses at startup.
func (n *Node) Host() host.Host { return n.host }

// Submit enqueues fn to run on the loop goroutine against the shared
// command.Handler and blocks for its result. This is how the HTTP/WS
// control surface (or the CLI) reaches into the node without taking any
// of its locks directly.
func (n *Node) Submit(ctx context.Context, fn func(*command.Handler) (interface{}, error)) (interface{}, error) {
	reply := make(chan commandResult, 1)
	select {
	case n.commandCh <- commandRequest{fn: fn, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// bwmeterAdapter narrows *bwmeter.Meter to command.BandwidthCounters.
type bwmeterAdapter struct{ m *bwmeter.Meter }

func (a bwmeterAdapter) Counters() (uint64, uint64) { return a.m.Counters() }
