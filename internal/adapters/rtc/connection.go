package rtc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Settings tune the ICE agent of every PeerConnection built from an API.
type Settings struct {
	ICEServers      []webrtc.ICEServer
	UDPPortMin      uint16
	UDPPortMax      uint16
	NAT1To1IPs      []string
	IncludeLoopback bool
}

func DefaultSettings() Settings {
	return Settings{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

var OpusCapability = webrtc.RTPCodecCapability{
	MimeType:    webrtc.MimeTypeOpus,
	ClockRate:   48000,
	Channels:    2,
	SDPFmtpLine: "minptime=10;useinbandfec=1",
}

const OpusPayloadType webrtc.PayloadType = 111

// NewAPI builds an audio-only pion API with the default interceptors (NACK, RTCP reports).
func NewAPI(s Settings) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: OpusCapability,
		PayloadType:        OpusPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if s.UDPPortMin > 0 && s.UDPPortMax >= s.UDPPortMin {
		if err := se.SetEphemeralUDPPortRange(s.UDPPortMin, s.UDPPortMax); err != nil {
			return nil, fmt.Errorf("udp port range: %w", err)
		}
	}
	if len(s.NAT1To1IPs) > 0 {
		se.SetNAT1To1IPs(s.NAT1To1IPs, webrtc.ICECandidateTypeHost)
	}
	se.SetIncludeLoopbackCandidate(s.IncludeLoopback)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

// PeerConn wraps a pion PeerConnection with vanilla ICE: every description it
// hands out already carries all gathered candidates.
type PeerConn struct {
	pc     *webrtc.PeerConnection
	label  string
	logger zerolog.Logger

	mu       sync.Mutex
	onTrack  func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onClosed func()

	closedFired atomic.Bool
}

func NewPeerConn(api *webrtc.API, iceServers []webrtc.ICEServer, label string) (*PeerConn, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}
	c := &PeerConn{
		pc:     pc,
		label:  label,
		logger: log.With().Str("module", "webrtc").Str("pc", label).Logger(),
	}
	c.start()
	return c, nil
}

func (c *PeerConn) start() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed {
			c.fireClosed()
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Str("codec", track.Codec().MimeType).
			Msg("OnTrack received")
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(track, receiver)
		}
	})
}

// fireClosed may re-enter through the callback calling Close.
func (c *PeerConn) fireClosed() {
	if !c.closedFired.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	fn := c.onClosed
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *PeerConn) gathered(ctx context.Context, gatherComplete <-chan struct{}) (*webrtc.SessionDescription, error) {
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, fmt.Errorf("ice gathering: %w", ctx.Err())
	}
	return c.pc.LocalDescription(), nil
}

func (c *PeerConn) ApplyOfferAndCreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return c.gathered(ctx, gatherComplete)
}

func (c *PeerConn) CreateOffer(ctx context.Context) (*webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return c.gathered(ctx, gatherComplete)
}

func (c *PeerConn) ApplyAnswer(answer webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(answer)
}

// AddTransceiver adds a single-direction transceiver of the given kind.
func (c *PeerConn) AddTransceiver(kind webrtc.RTPCodecType, dir webrtc.RTPTransceiverDirection) (*webrtc.RTPTransceiver, error) {
	return c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: dir})
}

func (c *PeerConn) Close() {
	if err := c.pc.Close(); err != nil {
		c.logger.Error().Err(err).Msg("close error")
	} else {
		c.logger.Info().Msg("closed")
	}
	c.fireClosed()
}

func (c *PeerConn) LocalDescription() *webrtc.SessionDescription {
	return c.pc.LocalDescription()
}

// OnTrack sets application-level callback for remote tracks.
func (c *PeerConn) OnTrack(fn func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

// OnClosed fires once, on Close or when the connection fails.
func (c *PeerConn) OnClosed(fn func()) {
	c.mu.Lock()
	c.onClosed = fn
	c.mu.Unlock()
}

// SessionDescription converts a wire description into pion's.
func SessionDescription(typ, sdp string) (webrtc.SessionDescription, error) {
	t := webrtc.NewSDPType(typ)
	if t == webrtc.SDPTypeUnknown {
		return webrtc.SessionDescription{}, fmt.Errorf("unknown sdp type %q", typ)
	}
	return webrtc.SessionDescription{Type: t, SDP: sdp}, nil
}
