package sfu

import (
	"maps"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Party/internal/core"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// Relay is a producer: it fans the host's RTP packets out to every OutTrack.
// Packets are pushed by the owning transport's read loop.
type Relay struct {
	id    string
	kind  core.MediaKind
	codec core.RTPCodec

	mu        sync.RWMutex
	outTracks map[string]*OutTrack

	closed  atomic.Bool
	onClose func()
	release func()
	logger  zerolog.Logger
}

func NewRelay(id string, kind core.MediaKind, codec core.RTPCodec, logger zerolog.Logger) *Relay {
	return &Relay{
		id:        id,
		kind:      kind,
		codec:     codec,
		outTracks: make(map[string]*OutTrack),
		logger:    logger.With().Str("producer", id).Logger(),
	}
}

func (r *Relay) ID() string            { return r.id }
func (r *Relay) Kind() core.MediaKind  { return r.kind }
func (r *Relay) Codec() core.RTPCodec { return r.codec }
func (r *Relay) Closed() bool          { return r.closed.Load() }

func (r *Relay) OnClose(fn func()) {
	r.mu.Lock()
	r.onClose = fn
	r.mu.Unlock()
}

func (r *Relay) forward(pkt *rtp.Packet) {
	r.mu.RLock()
	snapshot := maps.Clone(r.outTracks)
	r.mu.RUnlock()

	dirty := make([]string, 0, len(snapshot))
	for id, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, id)
		case TrackStateMuted:
		case TrackStateOk:
			if err := ot.Track.WriteRTP(pkt); err != nil {
				r.logger.Error().
					Err(err).
					Str("consumer", id).
					Msg("relay write RTP error, closing consumer")
				ot.Close()
				dirty = append(dirty, id)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range dirty {
		delete(r.outTracks, id)
	}
}

func (r *Relay) closeAll() {
	r.mu.Lock()
	tracks := make([]*OutTrack, 0, len(r.outTracks))
	for id, ot := range r.outTracks {
		tracks = append(tracks, ot)
		delete(r.outTracks, id)
	}
	r.mu.Unlock()
	for _, ot := range tracks {
		ot.Close()
	}
}

func (r *Relay) AddOutTrack(ot *OutTrack) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return core.ErrProducerClosed
	}
	r.outTracks[ot.ID()] = ot
	return nil
}

func (r *Relay) Subscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.outTracks)
}

// Close closes every consumer, then fires the close callback.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed.Swap(true) {
		r.mu.Unlock()
		return
	}
	fn, release := r.onClose, r.release
	r.mu.Unlock()

	r.closeAll()
	if release != nil {
		release()
	}
	r.logger.Info().Msg("producer closed")
	if fn != nil {
		fn()
	}
}
