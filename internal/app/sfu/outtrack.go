package sfu

import (
	"sync"
	"sync/atomic"

	"github.com/dkeye/Party/internal/core"
	"github.com/pion/webrtc/v4"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// OutTrack is a consumer: a single outgoing copy of a producer for one listener.
// It starts muted; Resume lets packets through.
type OutTrack struct {
	Track *webrtc.TrackLocalStaticRTP

	id         string
	producerID string
	kind       core.MediaKind
	rtp        core.RTPParameters
	state      atomic.Int32

	mu      sync.Mutex
	onClose func()
}

func NewOutTrack(id, producerID string, kind core.MediaKind, track *webrtc.TrackLocalStaticRTP, rtp core.RTPParameters) *OutTrack {
	ot := &OutTrack{
		Track:      track,
		id:         id,
		producerID: producerID,
		kind:       kind,
		rtp:        rtp,
	}
	ot.state.Store(int32(TrackStateMuted))
	return ot
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

// MarkOk unmutes; a deleted track stays deleted.
func (ot *OutTrack) MarkOk() bool {
	return ot.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateOk))
}

func (ot *OutTrack) MarkMuted() bool {
	return ot.state.CompareAndSwap(int32(TrackStateOk), int32(TrackStateMuted))
}

// MarkDelete reports whether this call did the transition.
func (ot *OutTrack) MarkDelete() bool {
	return ot.state.Swap(int32(TrackStateDelete)) != int32(TrackStateDelete)
}

func (ot *OutTrack) ID() string           { return ot.id }
func (ot *OutTrack) ProducerID() string   { return ot.producerID }
func (ot *OutTrack) Kind() core.MediaKind { return ot.kind }
func (ot *OutTrack) Paused() bool         { return ot.GetState() == TrackStateMuted }
func (ot *OutTrack) Closed() bool         { return ot.GetState() == TrackStateDelete }

func (ot *OutTrack) Parameters() core.ConsumerParameters {
	return core.ConsumerParameters{
		ID:            ot.id,
		ProducerID:    ot.producerID,
		Kind:          ot.kind,
		RTPParameters: ot.rtp,
		Paused:        ot.Paused(),
	}
}

func (ot *OutTrack) Resume() error {
	if ot.MarkOk() || ot.GetState() == TrackStateOk {
		return nil
	}
	return core.ErrProducerClosed
}

func (ot *OutTrack) OnClose(fn func()) {
	ot.mu.Lock()
	ot.onClose = fn
	ot.mu.Unlock()
}

// Close marks the track deleted; the relay drops it on its next packet.
func (ot *OutTrack) Close() {
	if !ot.MarkDelete() {
		return
	}
	ot.mu.Lock()
	fn := ot.onClose
	ot.mu.Unlock()
	if fn != nil {
		fn()
	}
}
