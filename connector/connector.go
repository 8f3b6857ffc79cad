// Package connector dials the peers named in config and in AddPeers
// commands, backing off through a delay queue on failure. See spec §4.G.
package connector

import (
	"context"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"

	"github.com/privateshare/node/xerr"
)

// RetryDelay is how long a failed dial waits before its address is
// re-enqueued, matching the original node's fixed backoff.
const RetryDelay = 3 * time.Second

// DialResult reports the outcome of one dial attempt, delivered to the
// node's event loop over Results().
type DialResult struct {
	PeerID peer.ID
	Addr   multiaddr.Multiaddr
	Err    error
}

// Connector owns the delay queue and the set of in-flight outbound dials.
// Everything it touches is cheap enough to run from the single-threaded
// event loop except the blocking host.Connect call itself, which runs on
// its own goroutine per attempt and reports back on results.
type Connector struct {
	host    host.Host
	log     zerolog.Logger
	queue   *DelayQueue
	results chan DialResult

	mu         sync.Mutex
	connecting map[peer.ID]multiaddr.Multiaddr
}

// New returns a Connector bound to h.
func New(h host.Host, log zerolog.Logger) *Connector {
	return &Connector{
		host:       h,
		log:        log,
		queue:      NewDelayQueue(),
		results:    make(chan DialResult, 32),
		connecting: make(map[peer.ID]multiaddr.Multiaddr),
	}
}

// Results is the channel the node loop selects on to learn the outcome of
// dispatched dials.
func (c *Connector) Results() <-chan DialResult {
	return c.results
}

// EnqueueNow schedules addr for an immediate dial attempt on the next
// drain, used for the configured peer_addrs at startup and for addresses
// passed to the AddPeers command.
func (c *Connector) EnqueueNow(addr multiaddr.Multiaddr) {
	c.queue.Push(addr, 0)
}

// EnqueueRetry schedules addr to be redialed after RetryDelay, satisfying
// event.RetryScheduler for the case where a connection the event handler
// observes closing unexpectedly was one the connector had marked
// in-flight.
func (c *Connector) EnqueueRetry(addr multiaddr.Multiaddr) {
	c.enqueueRetry(addr)
}

// enqueueRetry schedules addr to be redialed after RetryDelay.
func (c *Connector) enqueueRetry(addr multiaddr.Multiaddr) {
	c.queue.Push(addr, RetryDelay)
}

// NextWake returns when the queue next has work, mirroring DelayQueue's
// own accessor so the node loop doesn't need direct queue access.
func (c *Connector) NextWake() (time.Time, bool) {
	return c.queue.NextWake()
}

// Drain dials every address due by now. Each dial runs on its own
// goroutine; Drain itself never blocks.
func (c *Connector) Drain(ctx context.Context, now time.Time) {
	for _, addr := range c.queue.PopReady(now) {
		c.Connect(ctx, addr)
	}
}

// Connect parses the peer id embedded in addr and dials it, unless already
// connected or already dialing. A parse failure or a peer id-less address
// is dropped with a logged warning rather than propagated, since the
// caller (the delay queue drain, or a command handler) has no one to
// report it to synchronously.
func (c *Connector) Connect(ctx context.Context, addr multiaddr.Multiaddr) {
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		c.log.Warn().Err(err).Stringer("addr", addr).Msg("connector: address has no embedded peer id")
		return
	}

	if c.host.Network().Connectedness(info.ID) == network.Connected {
		return
	}

	c.mu.Lock()
	if _, dialing := c.connecting[info.ID]; dialing {
		c.mu.Unlock()
		return
	}
	c.connecting[info.ID] = addr
	c.mu.Unlock()

	go c.dial(ctx, *info, addr)
}

func (c *Connector) dial(ctx context.Context, info peer.AddrInfo, addr multiaddr.Multiaddr) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := c.host.Connect(dialCtx, info)
	if err != nil {
		err = xerr.Wrapf(xerr.ConnectionAborted, "dial "+addr.String(), err)
	}

	c.mu.Lock()
	delete(c.connecting, info.ID)
	c.mu.Unlock()

	if err != nil {
		c.enqueueRetry(addr)
	}

	select {
	case c.results <- DialResult{PeerID: info.ID, Addr: addr, Err: err}:
	case <-ctx.Done():
	}
}

// IsConnecting reports whether p currently has an outbound dial in
// flight, used by the event handler to decide whether an unexpected
// disconnect warrants a fresh enqueue.
func (c *Connector) IsConnecting(p peer.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.connecting[p]
	return ok
}
