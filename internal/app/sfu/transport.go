package sfu

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/Party/internal/adapters/rtc"
	"github.com/dkeye/Party/internal/core"
	"github.com/oklog/ulid/v2"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var (
	ErrAlreadyConnected      = errors.New("transport already connected")
	ErrUnexpectedDescription = errors.New("unexpected session description type")
)

// Transport is one PeerConnection. A send transport receives the host's
// track and feeds its current producer; a recv transport carries at most one
// consumer to a listener.
type Transport struct {
	id     string
	dir    core.TransportDirection
	router *Router
	conn   *rtc.PeerConn
	logger zerolog.Logger

	// recv only
	transceiver *webrtc.RTPTransceiver
	offer       *core.DTLSParameters

	mu        sync.Mutex
	connected bool
	closed    bool
	onClose   func()
	remote    *webrtc.TrackRemote
	producer  *Relay
	consumer  *OutTrack
}

func (t *Transport) ID() string                          { return t.id }
func (t *Transport) Direction() core.TransportDirection { return t.dir }

func (t *Transport) Parameters() core.TransportParameters {
	return core.TransportParameters{
		ID:         t.id,
		Direction:  t.dir,
		ICEServers: t.router.iceServersParam(),
		Offer:      t.offer,
	}
}

func (t *Transport) prepareOffer(ctx context.Context) error {
	tr, err := t.conn.AddTransceiver(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverDirectionSendonly)
	if err != nil {
		return err
	}
	offer, err := t.conn.CreateOffer(ctx)
	if err != nil {
		return err
	}
	t.transceiver = tr
	t.offer = &core.DTLSParameters{Type: offer.Type.String(), SDP: offer.SDP}
	go t.drainRTCP(tr.Sender())
	return nil
}

// drainRTCP keeps the interceptors fed; receiver reports are only logged.
func (t *Transport) drainRTCP(sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range pkts {
			if rr, ok := p.(*rtcp.ReceiverReport); ok {
				for _, r := range rr.Reports {
					t.logger.Debug().
						Uint8("fraction_lost", r.FractionLost).
						Uint32("jitter", r.Jitter).
						Msg("receiver report")
				}
			}
		}
	}
}

func (t *Transport) Connect(ctx context.Context, params core.DTLSParameters) (*core.DTLSParameters, error) {
	desc, err := rtc.SessionDescription(params.Type, params.SDP)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	switch {
	case t.closed:
		t.mu.Unlock()
		return nil, core.ErrTransportClosed
	case t.connected:
		t.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	t.connected = true
	t.mu.Unlock()

	switch {
	case t.dir == core.DirectionSend && desc.Type == webrtc.SDPTypeOffer:
		answer, err := t.conn.ApplyOfferAndCreateAnswer(ctx, desc)
		if err != nil {
			t.resetConnected()
			return nil, err
		}
		return &core.DTLSParameters{Type: answer.Type.String(), SDP: answer.SDP}, nil
	case t.dir == core.DirectionRecv && desc.Type == webrtc.SDPTypeAnswer:
		if err := t.conn.ApplyAnswer(desc); err != nil {
			t.resetConnected()
			return nil, err
		}
		return nil, nil
	default:
		t.resetConnected()
		return nil, ErrUnexpectedDescription
	}
}

func (t *Transport) resetConnected() {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
}

// Produce registers a new producer on this transport. A previous producer of
// the same transport is closed.
func (t *Transport) Produce(_ context.Context, kind core.MediaKind, params core.RTPParameters) (core.Producer, error) {
	if t.dir != core.DirectionSend {
		return nil, core.ErrWrongDirection
	}
	codec, err := t.selectCodec(kind, params)
	if err != nil {
		return nil, err
	}

	relay := NewRelay(ulid.Make().String(), kind, codec, t.logger)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, core.ErrTransportClosed
	}
	old := t.producer
	t.producer = relay
	t.mu.Unlock()

	t.router.relays.Add(relay)
	if old != nil {
		old.Close()
	}
	t.logger.Info().Str("producer", relay.ID()).Str("codec", codec.MimeType).Msg("producer created")
	return relay, nil
}

func (t *Transport) selectCodec(kind core.MediaKind, params core.RTPParameters) (core.RTPCodec, error) {
	caps := t.router.caps
	if !caps.CanProduce(kind) {
		return core.RTPCodec{}, core.ErrIncompatibleCapabilities
	}
	if len(params.Codecs) == 0 {
		for _, c := range caps.Codecs {
			if c.Kind == kind {
				return c, nil
			}
		}
	}
	for _, c := range params.Codecs {
		if m, ok := caps.Match(c); ok && m.Kind == kind {
			return m, nil
		}
	}
	return core.RTPCodec{}, core.ErrIncompatibleCapabilities
}

func (t *Transport) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	t.mu.Lock()
	t.remote = track
	t.mu.Unlock()
	go t.pump(track)
}

// pump reads the host's track and forwards every packet to the current producer.
func (t *Transport) pump(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			t.logger.Info().Err(err).Msg("remote track ended")
			t.mu.Lock()
			p := t.producer
			t.producer = nil
			t.mu.Unlock()
			if p != nil {
				p.Close()
			}
			return
		}
		t.mu.Lock()
		p := t.producer
		t.mu.Unlock()
		if p != nil && !p.Closed() {
			p.forward(pkt)
		}
	}
}

// Consume attaches producer to this transport's sender. The consumer starts paused.
func (t *Transport) Consume(_ context.Context, producer core.Producer, caps core.RTPCapabilities) (core.Consumer, error) {
	if t.dir != core.DirectionRecv {
		return nil, core.ErrWrongDirection
	}
	relay, ok := t.router.relays.Get(producer.ID())
	if !ok || relay.Closed() {
		return nil, core.ErrProducerClosed
	}
	codec, ok := caps.Match(relay.Codec())
	if !ok {
		return nil, core.ErrIncompatibleCapabilities
	}

	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:    relay.Codec().MimeType,
		ClockRate:   relay.Codec().ClockRate,
		Channels:    relay.Codec().Channels,
		SDPFmtpLine: relay.Codec().SDPFmtpLine,
	}, string(relay.Kind()), "party-"+relay.ID())
	if err != nil {
		return nil, err
	}
	if err := t.transceiver.Sender().ReplaceTrack(track); err != nil {
		return nil, err
	}

	ot := NewOutTrack(ulid.Make().String(), relay.ID(), relay.Kind(), track, core.RTPParameters{
		MID:    t.transceiver.Mid(),
		Codecs: []core.RTPCodec{codec},
	})

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, core.ErrTransportClosed
	}
	old := t.consumer
	t.consumer = ot
	t.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if err := relay.AddOutTrack(ot); err != nil {
		ot.Close()
		return nil, err
	}
	t.logger.Info().Str("consumer", ot.ID()).Str("producer", relay.ID()).Msg("consumer created")
	return ot, nil
}

func (t *Transport) OnClose(fn func()) {
	t.mu.Lock()
	t.onClose = fn
	t.mu.Unlock()
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close is safe to call from the PeerConnection's own close callback.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	producer, consumer, fn := t.producer, t.consumer, t.onClose
	t.producer, t.consumer = nil, nil
	t.mu.Unlock()

	if consumer != nil {
		consumer.Close()
	}
	if producer != nil {
		producer.Close()
	}
	t.conn.Close()
	t.router.forget(t.id)
	t.logger.Info().Msg("transport closed")
	if fn != nil {
		fn()
	}
}
