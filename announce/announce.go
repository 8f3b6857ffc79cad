// Package announce periodically republishes the node's local file set to
// the swarm. See spec §4.E.
package announce

import (
	"errors"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"

	"github.com/privateshare/node/store"
	"github.com/privateshare/node/wire"
	"github.com/privateshare/node/xerr"
)

// ErrNoPeers signals a publish attempt with nobody subscribed yet. Fire
// logs it at info level and the node loop does not treat it as a failure,
// matching spec §4.E's "informational, not an error".
var ErrNoPeers = errors.New("announce: no peers subscribed")

// Publisher abstracts the pubsub topic so the ticker is testable without a
// real swarm.
type Publisher interface {
	Publish(data []byte) error
}

// Ticker scans the store on each fire and republishes a full FileMessage
// snapshot. It rearms itself with time.Timer.Reset only after a fire
// completes, so a slow publish cannot queue a second tick hot on its
// heels — see spec §4.E's "tick is reset after firing".
type Ticker struct {
	interval  time.Duration
	store     *store.Store
	localPeer peer.ID
	publisher Publisher
	log       zerolog.Logger
	timer     *time.Timer
}

// New returns a Ticker armed for interval, not yet started.
func New(interval time.Duration, st *store.Store, localPeer peer.ID, publisher Publisher, log zerolog.Logger) *Ticker {
	return &Ticker{
		interval:  interval,
		store:     st,
		localPeer: localPeer,
		publisher: publisher,
		log:       log.With().Str("component", "announce").Logger(),
	}
}

// Start arms the underlying timer. C reports when the next fire is due.
func (t *Ticker) Start() {
	t.timer = time.NewTimer(t.interval)
}

// C returns the channel the node loop selects on.
func (t *Ticker) C() <-chan time.Time {
	return t.timer.C
}

// Stop releases the timer's resources.
func (t *Ticker) Stop() {
	t.timer.Stop()
}

// Fire scans the store, builds and publishes a FileMessage, then rearms
// the timer regardless of outcome. ErrNoPeers is returned so the caller
// can distinguish it from a real failure, but the timer is rearmed either
// way.
func (t *Ticker) Fire() error {
	defer t.timer.Reset(t.interval)

	infos, err := t.store.ListLocal()
	if err != nil {
		return xerr.Wrapf(xerr.Other, "announce: list local files", err)
	}

	files := make([]wire.File, 0, len(infos))
	for _, info := range infos {
		files = append(files, wire.File{Filename: info.Filename, Hash: info.Hash, FileSize: info.Size})
	}

	msg := &wire.FileMessage{
		PeerID:      t.localPeer.String(),
		Files:       files,
		RefreshTime: uint64(time.Now().UnixMicro()),
	}

	if err := t.publisher.Publish(msg.Marshal()); err != nil {
		if errors.Is(err, ErrNoPeers) {
			t.log.Info().Msg("announce: no subscribers yet, skipping this tick")
			return ErrNoPeers
		}
		return xerr.Wrapf(xerr.Other, "announce: publish file message", err)
	}
	return nil
}
