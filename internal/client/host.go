package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Party/internal/domain"
	"github.com/dkeye/Party/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type HostState string

const (
	HostIdle             HostState = "idle"
	HostConnecting       HostState = "connecting"
	HostSessionCreated   HostState = "session_created"
	HostTransportReady   HostState = "transport_ready"
	HostProducing        HostState = "producing"
	HostAwaitingPlayback HostState = "awaiting_playback"
	HostEnded            HostState = "ended"
	// HostFaulted: the socket dropped after the transport was up. Reconcile recovers.
	HostFaulted HostState = "faulted"
)

func (s HostState) mediaReady() bool {
	return s == HostTransportReady || s == HostProducing || s == HostAwaitingPlayback
}

// TrackResolver fills in track metadata, usually from the catalog.
type TrackResolver interface {
	TrackByID(ctx context.Context, id domain.TrackID) (*domain.Track, error)
}

type HostOptions struct {
	URL       string
	Dial      Dialer
	Media     MediaEngine
	Element   AudioElement
	Graphs    *CaptureGraphs
	Store     *StateStore
	Tracks    TrackResolver
	PublicURL string
	Clock     clock.Clock
	// HeartbeatPeriod is the position broadcast interval.
	HeartbeatPeriod time.Duration
}

// HostController publishes the local audio element and its transport state.
type HostController struct {
	opts   HostOptions
	reg    *Registry
	logger zerolog.Logger

	ensureMu sync.Mutex

	mu        sync.Mutex
	state     HostState
	sid       domain.SessionID
	listeners int
	track     *domain.Track
	onState   func(HostState)
}

func NewHostController(opts HostOptions) *HostController {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.HeartbeatPeriod <= 0 {
		opts.HeartbeatPeriod = time.Second
	}
	if opts.Graphs == nil {
		opts.Graphs = NewCaptureGraphs()
	}
	return &HostController{
		opts:   opts,
		reg:    NewRegistry(),
		state:  HostIdle,
		logger: log.With().Str("module", "client.host").Logger(),
	}
}

func (c *HostController) State() HostState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *HostController) SessionID() domain.SessionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sid
}

func (c *HostController) ListenerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listeners
}

func (c *HostController) InviteLink() string {
	sid := c.SessionID()
	if sid == "" {
		return ""
	}
	return InviteLink(c.opts.PublicURL, sid)
}

// OnStateChange registers a callback run after every transition.
func (c *HostController) OnStateChange(fn func(HostState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *HostController) setState(s HostState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	fn := c.onState
	c.mu.Unlock()
	if prev != s {
		c.logger.Info().Str("from", string(prev)).Str("to", string(s)).Msg("host state")
	}
	if fn != nil {
		fn(s)
	}
}

// Start creates (or resumes) the session and sets up the send transport.
// Publishing starts right away if the element is already playing.
func (c *HostController) Start(ctx context.Context) error {
	resume := c.SessionID()
	if resume == "" {
		if st, err := c.opts.Store.Load(); err != nil {
			c.logger.Warn().Err(err).Msg("persisted state unreadable")
		} else if st.SessionActive && st.Role == RoleHost {
			resume = st.SessionID
		}
	}

	c.setState(HostConnecting)
	sig, err := c.opts.Dial(ctx, c.opts.URL, c.handleNotification)
	if err != nil {
		c.setState(HostIdle)
		return err
	}
	if old := c.reg.SetSignal(sig); old != nil {
		old.Close()
	}

	if err := c.createSession(ctx, sig, resume); err != nil {
		c.abort()
		return err
	}
	if err := c.setupTransport(ctx, sig); err != nil {
		c.abort()
		return err
	}
	c.setState(HostTransportReady)
	go c.watch(sig)
	c.startHeartbeat()

	c.mu.Lock()
	track := c.track.Clone()
	c.mu.Unlock()
	if track != nil {
		_ = c.send(protocol.NowPlaying(track))
	}

	if c.opts.Element.Playing() {
		return c.EnsureProducer(ctx)
	}
	c.setState(HostAwaitingPlayback)
	return nil
}

func (c *HostController) createSession(ctx context.Context, sig SignalClient, resume domain.SessionID) error {
	resp, err := sig.Request(ctx, protocol.Message{Type: protocol.TypeCreateSession, ResumeSessionID: resume})
	if err != nil {
		return err
	}
	if resp.SessionID == "" || resp.RouterCapabilities == nil {
		return &NegotiationError{Request: protocol.TypeCreateSession, Err: errors.New("incomplete sessionCreated")}
	}
	if err := c.opts.Media.Load(*resp.RouterCapabilities); err != nil {
		return &RelayError{Op: "load", Err: err}
	}

	resumed := resume != "" && resume == resp.SessionID
	c.mu.Lock()
	c.sid = resp.SessionID
	if !resumed {
		c.listeners = 0
	}
	listeners := c.listeners
	c.mu.Unlock()

	if err := c.opts.Store.Save(PartyState{
		SessionActive: true,
		Role:          RoleHost,
		SessionID:     resp.SessionID,
		ListenerCount: listeners,
		InviteLink:    InviteLink(c.opts.PublicURL, resp.SessionID),
	}); err != nil {
		c.logger.Warn().Err(err).Msg("persist state")
	}
	c.logger.Info().Str("sid", string(resp.SessionID)).Bool("resumed", resumed).Msg("session created")
	c.setState(HostSessionCreated)
	return nil
}

func (c *HostController) setupTransport(ctx context.Context, sig SignalClient) error {
	resp, err := sig.Request(ctx, protocol.Message{Type: protocol.TypeCreateProducerTransport})
	if err != nil {
		return err
	}
	if resp.Transport == nil {
		return &NegotiationError{Request: protocol.TypeCreateProducerTransport, Err: errors.New("missing transport")}
	}
	t, err := c.opts.Media.NewSendTransport(ctx, *resp.Transport)
	if err != nil {
		return &RelayError{Op: "transport", Err: err}
	}
	offer, err := t.Offer(ctx)
	if err != nil {
		t.Close()
		return &RelayError{Op: "offer", Err: err}
	}
	conn, err := sig.Request(ctx, protocol.Message{
		Type:           protocol.TypeConnectTransport,
		TransportID:    t.ID(),
		DTLSParameters: &offer,
	})
	if err != nil {
		t.Close()
		return err
	}
	if conn.DTLSParameters == nil {
		t.Close()
		return &NegotiationError{Request: protocol.TypeConnectTransport, Err: errors.New("missing answer")}
	}
	if err := t.SetAnswer(*conn.DTLSParameters); err != nil {
		t.Close()
		return &RelayError{Op: "answer", Err: err}
	}
	if old := c.reg.SetSendTransport(t); old != nil {
		old.Close()
	}
	return nil
}

// abort drops a half-built session setup. Persisted state is kept for Reconcile.
func (c *HostController) abort() {
	c.reg.Release()
	c.setState(HostIdle)
}

// EnsureProducer publishes the capture stream unless a live producer exists.
func (c *HostController) EnsureProducer(ctx context.Context) error {
	c.ensureMu.Lock()
	defer c.ensureMu.Unlock()

	if c.reg.ProducerLive() {
		return nil
	}
	sig, send := c.reg.Signal(), c.reg.SendTransport()
	if sig == nil || send == nil || send.Closed() {
		return ErrNotReady
	}

	stream, err := c.opts.Graphs.GetOrCreate(c.opts.Element)
	if err != nil {
		return err
	}
	params, err := send.Attach(stream)
	if err != nil {
		return &RelayError{Op: "attach", Err: err}
	}
	resp, err := sig.Request(ctx, protocol.Message{
		Type:          protocol.TypeProduce,
		TransportID:   send.ID(),
		Kind:          stream.Kind(),
		RTPParameters: &params,
	})
	var remote *RemoteError
	if errors.As(err, &remote) {
		return &RelayError{Op: "produce", Err: err}
	}
	if err != nil {
		return err
	}

	c.reg.SetProducer(resp.ProducerID)
	c.logger.Info().Str("producer", resp.ProducerID).Msg("producing")
	c.setState(HostProducing)
	return nil
}

// OnTrackChange announces a new track. Missing metadata is filled from the resolver.
func (c *HostController) OnTrackChange(ctx context.Context, track *domain.Track) error {
	if track == nil {
		return domain.ErrTrackIDEmpty
	}
	track = track.Clone()
	if c.opts.Tracks != nil {
		if known, err := c.opts.Tracks.TrackByID(ctx, track.ID); err != nil {
			c.logger.Warn().Err(err).Str("track", string(track.ID)).Msg("track lookup")
		} else {
			mergeTrack(track, known)
		}
	}
	if track.Duration == 0 {
		track.Duration = c.opts.Element.Duration()
	}
	if err := track.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	c.track = track
	c.mu.Unlock()
	return c.send(protocol.NowPlaying(track))
}

func mergeTrack(dst, src *domain.Track) {
	if src == nil {
		return
	}
	if dst.Title == "" {
		dst.Title = src.Title
	}
	if dst.ArtistName == "" {
		dst.ArtistName = src.ArtistName
	}
	if dst.ArtistSlug == "" {
		dst.ArtistSlug = src.ArtistSlug
	}
	if dst.ReleaseTitle == "" {
		dst.ReleaseTitle = src.ReleaseTitle
	}
	if dst.ReleaseID == "" {
		dst.ReleaseID = src.ReleaseID
	}
	if dst.Cover == "" {
		dst.Cover = src.Cover
	}
	if dst.Duration == 0 {
		dst.Duration = src.Duration
	}
}

// OnPlay announces playback and makes sure the audio is published.
func (c *HostController) OnPlay(ctx context.Context) error {
	if err := c.send(protocol.Message{Type: protocol.TypeResume}); err != nil {
		return err
	}
	if !c.State().mediaReady() {
		return nil
	}
	return c.EnsureProducer(ctx)
}

func (c *HostController) OnPause() error {
	return c.send(protocol.Message{Type: protocol.TypePause})
}

// send is best-effort: without a live socket metadata is dropped.
func (c *HostController) send(m protocol.Message) error {
	sig := c.reg.Signal()
	if sig == nil {
		return nil
	}
	select {
	case <-sig.Done():
		return nil
	default:
	}
	return sig.Send(m)
}

func (c *HostController) startHeartbeat() {
	ticker := c.opts.Clock.Ticker(c.opts.HeartbeatPeriod)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				el := c.opts.Element
				if err := c.send(protocol.Position(el.CurrentTime(), el.Duration())); err != nil {
					c.logger.Debug().Err(err).Msg("heartbeat")
				}
			case <-stop:
				return
			}
		}
	}()
	var once sync.Once
	c.reg.SetHeartbeat(func() {
		once.Do(func() {
			ticker.Stop()
			close(stop)
		})
	})
}

func (c *HostController) watch(sig SignalClient) {
	<-sig.Done()
	if c.reg.Signal() != sig {
		return
	}
	state := c.State()
	if state == HostEnded {
		return
	}
	c.logger.Warn().Err(sig.Err()).Str("state", string(state)).Msg("signaling lost")
	c.reg.Release()
	if state.mediaReady() {
		c.setState(HostFaulted)
	} else {
		c.setState(HostIdle)
	}
}

// handleNotification runs on the socket's read loop and must not issue requests.
func (c *HostController) handleNotification(m protocol.Message) {
	switch m.Type {
	case protocol.TypeListenerCount:
		if m.Count == nil {
			return
		}
		n := *m.Count
		c.mu.Lock()
		c.listeners = n
		c.mu.Unlock()
		if err := c.opts.Store.Update(func(st *PartyState) { st.ListenerCount = n }); err != nil {
			c.logger.Warn().Err(err).Msg("persist listener count")
		}
	case protocol.TypeSessionEnded:
		c.logger.Info().Str("reason", string(m.Reason)).Msg("session ended by server")
		c.finish()
	case protocol.TypeError:
		c.logger.Warn().Str("request", m.RequestType).Str("code", m.Code).Str("error", m.Error).Msg("server error")
	default:
		c.logger.Debug().Str("type", m.Type).Msg("ignored notification")
	}
}

// finish tears everything down and forgets the session.
func (c *HostController) finish() {
	c.reg.Release()
	if err := c.opts.Store.Clear(); err != nil {
		c.logger.Warn().Err(err).Msg("clear state")
	}
	c.mu.Lock()
	c.sid = ""
	c.listeners = 0
	c.mu.Unlock()
	c.setState(HostEnded)
}

// EndSession ends the broadcast for everybody and clears persisted state.
func (c *HostController) EndSession(ctx context.Context) error {
	var err error
	if sig := c.reg.Signal(); sig != nil && c.reg.SignalLive() {
		_, err = sig.Request(ctx, protocol.Message{Type: protocol.TypeEndSession})
	}
	c.finish()
	return err
}

// Reconcile repairs the live side after a reload or a dropped socket.
func (c *HostController) Reconcile(ctx context.Context) error {
	st, err := c.opts.Store.Load()
	if err != nil {
		return err
	}
	if !c.reg.SignalLive() {
		if (st.SessionActive && st.Role == RoleHost) || c.SessionID() != "" {
			c.logger.Info().Str("sid", string(st.SessionID)).Msg("reconciling session")
			return c.Start(ctx)
		}
		return nil
	}
	if c.State().mediaReady() && !c.reg.ProducerLive() && c.opts.Element.Playing() {
		return c.EnsureProducer(ctx)
	}
	return nil
}

// Close drops every handle without ending the session.
func (c *HostController) Close() {
	c.reg.Release()
}
