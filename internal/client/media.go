package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Party/internal/adapters/rtc"
	"github.com/dkeye/Party/internal/core"
	"github.com/oklog/ulid/v2"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrNoOffer = errors.New("consumer transport without offer")

// MediaEngine is the client half of the relay: the "device" and its transports.
type MediaEngine interface {
	// Load checks the router capabilities against what this client can handle.
	Load(router core.RTPCapabilities) error
	Capabilities() core.RTPCapabilities
	NewSendTransport(ctx context.Context, params core.TransportParameters) (SendTransport, error)
	NewRecvTransport(ctx context.Context, params core.TransportParameters, out AudioOutput) (RecvTransport, error)
}

type SendTransport interface {
	ID() string
	Offer(ctx context.Context) (core.DTLSParameters, error)
	SetAnswer(answer core.DTLSParameters) error
	// Attach puts stream on the outgoing sender and returns what to announce in produce.
	Attach(stream CaptureStream) (core.RTPParameters, error)
	Closed() bool
	Close()
}

type RecvTransport interface {
	ID() string
	// Answer answers the offer carried in the transport parameters.
	Answer(ctx context.Context) (core.DTLSParameters, error)
	Consume(params core.ConsumerParameters) error
	Closed() bool
	Close()
}

// AudioOutput receives the relayed audio of a listener.
type AudioOutput interface {
	WriteRTP(pkt *rtp.Packet) error
	SetPlaying(playing bool)
}

// PionMedia implements MediaEngine on pion/webrtc.
type PionMedia struct {
	api   *webrtc.API
	local core.RTPCapabilities

	mu     sync.Mutex
	loaded *core.RTPCapabilities
}

func NewPionMedia(s rtc.Settings) (*PionMedia, error) {
	api, err := rtc.NewAPI(s)
	if err != nil {
		return nil, err
	}
	return &PionMedia{
		api: api,
		local: core.RTPCapabilities{Codecs: []core.RTPCodec{{
			Kind:        core.KindAudio,
			MimeType:    rtc.OpusCapability.MimeType,
			ClockRate:   rtc.OpusCapability.ClockRate,
			Channels:    rtc.OpusCapability.Channels,
			SDPFmtpLine: rtc.OpusCapability.SDPFmtpLine,
			PayloadType: uint8(rtc.OpusPayloadType),
		}}},
	}, nil
}

func (m *PionMedia) Load(router core.RTPCapabilities) error {
	common := m.local.Intersect(router)
	if len(common.Codecs) == 0 {
		return core.ErrIncompatibleCapabilities
	}
	m.mu.Lock()
	m.loaded = &common
	m.mu.Unlock()
	return nil
}

func (m *PionMedia) Capabilities() core.RTPCapabilities {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded != nil {
		return *m.loaded
	}
	return m.local
}

func iceServers(in []core.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(in))
	for _, s := range in {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}

func (m *PionMedia) NewSendTransport(_ context.Context, params core.TransportParameters) (SendTransport, error) {
	conn, err := rtc.NewPeerConn(m.api, iceServers(params.ICEServers), "send/"+params.ID)
	if err != nil {
		return nil, err
	}
	tr, err := conn.AddTransceiver(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverDirectionSendonly)
	if err != nil {
		conn.Close()
		return nil, err
	}
	t := &pionSend{id: params.ID, conn: conn, tr: tr}
	conn.OnClosed(func() { t.closed.Store(true) })
	go drainRTCP(tr.Sender())
	return t, nil
}

func (m *PionMedia) NewRecvTransport(_ context.Context, params core.TransportParameters, out AudioOutput) (RecvTransport, error) {
	if params.Offer == nil {
		return nil, ErrNoOffer
	}
	conn, err := rtc.NewPeerConn(m.api, iceServers(params.ICEServers), "recv/"+params.ID)
	if err != nil {
		return nil, err
	}
	t := &pionRecv{
		id:     params.ID,
		conn:   conn,
		offer:  *params.Offer,
		out:    out,
		logger: log.With().Str("module", "client.media").Str("transport", params.ID).Logger(),
	}
	conn.OnClosed(func() { t.closed.Store(true) })
	conn.OnTrack(t.handleTrack)
	return t, nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

type pionSend struct {
	id     string
	conn   *rtc.PeerConn
	tr     *webrtc.RTPTransceiver
	closed atomic.Bool
}

func (t *pionSend) ID() string { return t.id }

func (t *pionSend) Offer(ctx context.Context) (core.DTLSParameters, error) {
	offer, err := t.conn.CreateOffer(ctx)
	if err != nil {
		return core.DTLSParameters{}, err
	}
	return core.DTLSParameters{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (t *pionSend) SetAnswer(answer core.DTLSParameters) error {
	desc, err := rtc.SessionDescription(answer.Type, answer.SDP)
	if err != nil {
		return err
	}
	return t.conn.ApplyAnswer(desc)
}

func (t *pionSend) Attach(stream CaptureStream) (core.RTPParameters, error) {
	if err := t.tr.Sender().ReplaceTrack(stream.Track()); err != nil {
		return core.RTPParameters{}, err
	}
	return core.RTPParameters{MID: t.tr.Mid(), Codecs: []core.RTPCodec{stream.Codec()}}, nil
}

func (t *pionSend) Closed() bool { return t.closed.Load() }
func (t *pionSend) Close()       { t.conn.Close() }

type pionRecv struct {
	id     string
	conn   *rtc.PeerConn
	offer  core.DTLSParameters
	out    AudioOutput
	logger zerolog.Logger

	consumer atomic.Value // string
	closed   atomic.Bool
}

func (t *pionRecv) ID() string { return t.id }

func (t *pionRecv) Answer(ctx context.Context) (core.DTLSParameters, error) {
	offer, err := rtc.SessionDescription(t.offer.Type, t.offer.SDP)
	if err != nil {
		return core.DTLSParameters{}, err
	}
	answer, err := t.conn.ApplyOfferAndCreateAnswer(ctx, offer)
	if err != nil {
		return core.DTLSParameters{}, err
	}
	return core.DTLSParameters{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (t *pionRecv) Consume(params core.ConsumerParameters) error {
	if params.Kind != core.KindAudio {
		return core.ErrIncompatibleCapabilities
	}
	t.consumer.Store(params.ID)
	t.logger.Info().Str("consumer", params.ID).Str("producer", params.ProducerID).Msg("consuming")
	return nil
}

func (t *pionRecv) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	go func() {
		id := ulid.Make().String()
		t.logger.Info().Str("track", id).Str("codec", track.Codec().MimeType).Msg("remote audio started")
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				t.logger.Info().Err(err).Str("track", id).Msg("remote audio ended")
				return
			}
			if t.out == nil {
				continue
			}
			if err := t.out.WriteRTP(pkt); err != nil {
				t.logger.Warn().Err(err).Msg("audio output write")
			}
		}
	}()
}

func (t *pionRecv) Closed() bool { return t.closed.Load() }
func (t *pionRecv) Close()       { t.conn.Close() }
