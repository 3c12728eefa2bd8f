// Package sfu implements the media relay on pion/webrtc: one router per session,
// one PeerConnection per transport, producers fanned out to consumers without transcoding.
package sfu

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/Party/internal/adapters/rtc"
	"github.com/dkeye/Party/internal/core"
	"github.com/oklog/ulid/v2"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrRouterClosed = errors.New("router closed")

// Capabilities is what every router supports: Opus audio only.
func Capabilities() core.RTPCapabilities {
	return core.RTPCapabilities{Codecs: []core.RTPCodec{{
		Kind:        core.KindAudio,
		MimeType:    rtc.OpusCapability.MimeType,
		ClockRate:   rtc.OpusCapability.ClockRate,
		Channels:    rtc.OpusCapability.Channels,
		SDPFmtpLine: rtc.OpusCapability.SDPFmtpLine,
		PayloadType: uint8(rtc.OpusPayloadType),
	}}}
}

type RouterFactory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
}

func NewRouterFactory(s rtc.Settings) (*RouterFactory, error) {
	api, err := rtc.NewAPI(s)
	if err != nil {
		return nil, err
	}
	return &RouterFactory{api: api, iceServers: s.ICEServers}, nil
}

func (f *RouterFactory) NewRouter(_ context.Context) (core.MediaRouter, error) {
	id := ulid.Make().String()
	r := &Router{
		id:         id,
		api:        f.api,
		iceServers: f.iceServers,
		caps:       Capabilities(),
		relays:     NewRelayManager(),
		transports: make(map[string]*Transport),
		logger:     log.With().Str("module", "sfu").Str("router", id).Logger(),
	}
	r.logger.Info().Msg("router created")
	return r, nil
}

type Router struct {
	id         string
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	caps       core.RTPCapabilities
	relays     *RelayManager
	logger     zerolog.Logger

	mu         sync.Mutex
	transports map[string]*Transport
	closed     bool
}

func (r *Router) ID() string                          { return r.id }
func (r *Router) Capabilities() core.RTPCapabilities { return r.caps }

// CreateTransport builds a PeerConnection. Recv transports also gather and
// offer right away so the listener only has to answer.
func (r *Router) CreateTransport(ctx context.Context, opts core.TransportOptions) (core.MediaTransport, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrRouterClosed
	}

	id := ulid.Make().String()
	conn, err := rtc.NewPeerConn(r.api, r.iceServers, opts.Label+"/"+id)
	if err != nil {
		return nil, err
	}
	t := &Transport{
		id:     id,
		dir:    opts.Direction,
		router: r,
		conn:   conn,
		logger: r.logger.With().Str("transport", id).Str("dir", string(opts.Direction)).Logger(),
	}
	conn.OnClosed(t.Close)

	switch opts.Direction {
	case core.DirectionSend:
		conn.OnTrack(t.handleTrack)
	case core.DirectionRecv:
		if err := t.prepareOffer(ctx); err != nil {
			conn.Close()
			return nil, err
		}
	default:
		conn.Close()
		return nil, core.ErrWrongDirection
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		t.Close()
		return nil, ErrRouterClosed
	}
	r.transports[id] = t
	r.mu.Unlock()
	return t, nil
}

func (r *Router) forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, id)
}

func (r *Router) iceServersParam() []core.ICEServer {
	out := make([]core.ICEServer, 0, len(r.iceServers))
	for _, s := range r.iceServers {
		srv := core.ICEServer{URLs: s.URLs, Username: s.Username}
		if cred, ok := s.Credential.(string); ok {
			srv.Credential = cred
		}
		out = append(out, srv)
	}
	return out
}

func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	ts := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		ts = append(ts, t)
	}
	r.mu.Unlock()

	for _, t := range ts {
		t.Close()
	}
	r.relays.StopAll()
	r.logger.Info().Int("transports", len(ts)).Msg("router closed")
}
