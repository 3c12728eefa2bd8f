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

type ListenerState string

const (
	ListenerIdle             ListenerState = "idle"
	ListenerJoining          ListenerState = "joining"
	ListenerDeviceLoaded     ListenerState = "device_loaded"
	ListenerTransportReady   ListenerState = "transport_ready"
	ListenerConsumerActive   ListenerState = "consumer_active"
	ListenerAwaitingProducer ListenerState = "awaiting_producer"
	ListenerReconnecting     ListenerState = "reconnecting"
	ListenerEnded            ListenerState = "ended"
)

func (s ListenerState) mediaReady() bool {
	return s == ListenerTransportReady || s == ListenerConsumerActive || s == ListenerAwaitingProducer
}

const (
	DefaultReconnectDelay    = 3 * time.Second
	DefaultReconnectMaxDelay = time.Minute
)

type ListenerOptions struct {
	URL       string
	Dial      Dialer
	Media     MediaEngine
	Output    AudioOutput
	Store     *StateStore
	PublicURL string
	Clock     clock.Clock

	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
}

// ListenerClient joins a session, consumes the host's audio and follows its playback.
type ListenerClient struct {
	opts   ListenerOptions
	reg    *Registry
	logger zerolog.Logger

	mu        sync.Mutex
	state     ListenerState
	sid       domain.SessionID
	lid       domain.ListenerID
	snapshot  domain.PlaybackSnapshot
	reason    domain.EndReason
	done      bool
	failures  int
	consuming bool
	again     bool
	onState   func(ListenerState)
}

func NewListenerClient(opts ListenerOptions) *ListenerClient {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.ReconnectMaxDelay < opts.ReconnectDelay {
		opts.ReconnectMaxDelay = max(DefaultReconnectMaxDelay, opts.ReconnectDelay)
	}
	return &ListenerClient{
		opts:   opts,
		reg:    NewRegistry(),
		state:  ListenerIdle,
		logger: log.With().Str("module", "client.listener").Logger(),
	}
}

func (c *ListenerClient) State() ListenerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *ListenerClient) ListenerID() domain.ListenerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lid
}

// EndReason is set once the server ended the session.
func (c *ListenerClient) EndReason() domain.EndReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *ListenerClient) Snapshot() domain.PlaybackSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot.Rebased(c.snapshot.ObservedAt)
}

// DisplayPosition interpolates the host position at now.
func (c *ListenerClient) DisplayPosition(now time.Time) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot.At(now)
}

func (c *ListenerClient) OnStateChange(fn func(ListenerState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *ListenerClient) setState(s ListenerState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	fn := c.onState
	c.mu.Unlock()
	if prev != s {
		c.logger.Info().Str("from", string(prev)).Str("to", string(s)).Msg("listener state")
	}
	if fn != nil {
		fn(s)
	}
}

// Connect joins sid and starts consuming. A host that is not publishing yet is
// not an error: the client waits for producerAvailable.
func (c *ListenerClient) Connect(ctx context.Context, sid domain.SessionID) error {
	if sid == "" {
		return &NegotiationError{Request: protocol.TypeJoin, Err: errors.New("empty session id")}
	}
	c.mu.Lock()
	c.sid = sid
	c.done = false
	c.reason = ""
	c.failures = 0
	c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		c.reg.Release()
		c.setState(ListenerIdle)
		return err
	}
	return nil
}

func (c *ListenerClient) connect(ctx context.Context) error {
	c.mu.Lock()
	sid := c.sid
	c.mu.Unlock()

	c.setState(ListenerJoining)
	sig, err := c.opts.Dial(ctx, c.opts.URL, c.handleNotification)
	if err != nil {
		return err
	}
	if old := c.reg.SetSignal(sig); old != nil {
		old.Close()
	}

	joined, err := sig.Request(ctx, protocol.Message{Type: protocol.TypeJoin, SessionID: sid})
	if err != nil {
		return err
	}
	if joined.RouterCapabilities == nil {
		return &NegotiationError{Request: protocol.TypeJoin, Err: errors.New("missing routerCapabilities")}
	}
	c.mu.Lock()
	c.lid = joined.ListenerID
	c.snapshot = joined.Snapshot.Playback(c.opts.Clock.Now())
	c.mu.Unlock()
	c.logger.Info().Str("sid", string(sid)).Str("lid", string(joined.ListenerID)).Msg("joined")

	if err := c.opts.Store.Save(PartyState{
		SessionActive: true,
		Role:          RoleListener,
		SessionID:     sid,
		InviteLink:    InviteLink(c.opts.PublicURL, sid),
	}); err != nil {
		c.logger.Warn().Err(err).Msg("persist state")
	}

	if err := c.opts.Media.Load(*joined.RouterCapabilities); err != nil {
		return &RelayError{Op: "load", Err: err}
	}
	c.setState(ListenerDeviceLoaded)

	if err := c.setupTransport(ctx, sig); err != nil {
		return err
	}
	c.setState(ListenerTransportReady)

	if err := c.consume(ctx); err != nil && !errors.Is(err, ErrNoProducer) {
		return err
	}
	c.mu.Lock()
	c.failures = 0
	c.mu.Unlock()
	go c.watch(sig)
	return nil
}

func (c *ListenerClient) setupTransport(ctx context.Context, sig SignalClient) error {
	resp, err := sig.Request(ctx, protocol.Message{Type: protocol.TypeCreateConsumerTransport})
	if err != nil {
		return err
	}
	if resp.Transport == nil {
		return &NegotiationError{Request: protocol.TypeCreateConsumerTransport, Err: errors.New("missing transport")}
	}
	t, err := c.opts.Media.NewRecvTransport(ctx, *resp.Transport, c.opts.Output)
	if err != nil {
		return &RelayError{Op: "transport", Err: err}
	}
	answer, err := t.Answer(ctx)
	if err != nil {
		t.Close()
		return &RelayError{Op: "answer", Err: err}
	}
	if _, err := sig.Request(ctx, protocol.Message{
		Type:           protocol.TypeConnectTransport,
		TransportID:    t.ID(),
		DTLSParameters: &answer,
	}); err != nil {
		t.Close()
		return err
	}
	if old := c.reg.SetRecvTransport(t); old != nil {
		old.Close()
	}
	return nil
}

// consume runs one consume attempt. A producerAvailable that arrives while an
// attempt is in flight is folded into it.
func (c *ListenerClient) consume(ctx context.Context) error {
	c.mu.Lock()
	if c.consuming {
		c.again = true
		c.mu.Unlock()
		return nil
	}
	c.consuming = true
	c.mu.Unlock()

	for {
		err := c.consumeOnce(ctx)
		c.mu.Lock()
		retry := c.again && errors.Is(err, ErrNoProducer)
		c.again = false
		if !retry {
			c.consuming = false
			c.mu.Unlock()
			return err
		}
		c.mu.Unlock()
	}
}

func (c *ListenerClient) consumeOnce(ctx context.Context) error {
	if c.reg.ConsumerLive() {
		return nil
	}
	sig, recv := c.reg.Signal(), c.reg.RecvTransport()
	if sig == nil || recv == nil || recv.Closed() {
		return ErrNotReady
	}

	caps := c.opts.Media.Capabilities()
	resp, err := sig.Request(ctx, protocol.Message{Type: protocol.TypeConsume, RTPCapabilities: &caps})
	if errors.Is(err, ErrNoProducer) {
		c.setState(ListenerAwaitingProducer)
		return err
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return &RelayError{Op: "consume", Err: err}
	}
	if err != nil {
		return err
	}
	if resp.Consumer == nil {
		return &NegotiationError{Request: protocol.TypeConsume, Err: errors.New("missing consumer")}
	}
	if err := recv.Consume(*resp.Consumer); err != nil {
		return &RelayError{Op: "consume", Err: err}
	}
	// recorded only once resumed; a paused consumer must not block the next producerAvailable
	if _, err := sig.Request(ctx, protocol.Message{Type: protocol.TypeResumeConsumer, ConsumerID: resp.Consumer.ID}); err != nil {
		c.setState(ListenerAwaitingProducer)
		return &RelayError{Op: "resumeConsumer", Err: err}
	}
	c.reg.SetConsumer(resp.Consumer)
	c.mu.Lock()
	playing := c.snapshot.IsPlaying
	c.mu.Unlock()
	c.setPlaying(playing)
	c.logger.Info().Str("consumer", resp.Consumer.ID).Str("producer", resp.Consumer.ProducerID).Msg("consumer active")
	c.setState(ListenerConsumerActive)
	return nil
}

func (c *ListenerClient) setPlaying(playing bool) {
	if c.opts.Output != nil {
		c.opts.Output.SetPlaying(playing)
	}
}

// handleNotification runs on the socket's read loop; requests go to their own goroutine.
func (c *ListenerClient) handleNotification(m protocol.Message) {
	now := c.opts.Clock.Now()
	switch m.Type {
	case protocol.TypeNowPlaying:
		c.mu.Lock()
		c.snapshot = c.snapshot.WithTrack(m.Track, now)
		c.mu.Unlock()
		if c.reg.ConsumerLive() {
			c.setPlaying(true)
		}
	case protocol.TypePause, protocol.TypeResume:
		playing := m.Type == protocol.TypeResume
		c.mu.Lock()
		c.snapshot = c.snapshot.WithPlaying(playing, now)
		c.mu.Unlock()
		if c.reg.ConsumerLive() {
			c.setPlaying(playing)
		}
	case protocol.TypePosition:
		if m.CurrentTime == nil {
			return
		}
		var duration float64
		if m.Duration != nil {
			duration = *m.Duration
		}
		c.mu.Lock()
		if s, err := c.snapshot.WithPosition(*m.CurrentTime, duration, now); err == nil {
			c.snapshot = s
		}
		c.mu.Unlock()
	case protocol.TypeProducerAvailable:
		go c.producerAvailable()
	case protocol.TypeProducerClosed:
		c.mu.Lock()
		c.snapshot = c.snapshot.WithPlaying(false, now)
		c.mu.Unlock()
		c.setPlaying(false)
		if c.reg.CloseConsumer(m.ProducerID) {
			c.setState(ListenerAwaitingProducer)
		}
	case protocol.TypeSessionEnded:
		c.logger.Info().Str("reason", string(m.Reason)).Msg("session ended")
		c.end(m.Reason)
	case protocol.TypeError:
		c.logger.Warn().Str("request", m.RequestType).Str("code", m.Code).Str("error", m.Error).Msg("server error")
	default:
		c.logger.Debug().Str("type", m.Type).Msg("ignored notification")
	}
}

func (c *ListenerClient) producerAvailable() {
	if c.reg.ConsumerLive() || !c.State().mediaReady() {
		return
	}
	if err := c.consume(context.Background()); err != nil && !errors.Is(err, ErrNoProducer) {
		c.logger.Warn().Err(err).Msg("consume after producerAvailable")
	}
}

// end drops the session for good; no reconnect follows.
func (c *ListenerClient) end(reason domain.EndReason) {
	c.mu.Lock()
	c.done = true
	c.reason = reason
	c.snapshot = domain.PlaybackSnapshot{}
	c.mu.Unlock()

	c.setPlaying(false)
	c.reg.Release()
	if err := c.opts.Store.Clear(); err != nil {
		c.logger.Warn().Err(err).Msg("clear state")
	}
	c.setState(ListenerEnded)
}

func (c *ListenerClient) watch(sig SignalClient) {
	<-sig.Done()
	if c.reg.Signal() != sig {
		return
	}
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done {
		return
	}
	c.logger.Warn().Err(sig.Err()).Msg("signaling lost")
	c.dropLive()
	c.scheduleReconnect()
}

func (c *ListenerClient) dropLive() {
	c.setPlaying(false)
	c.reg.ReleaseMedia()
	if s := c.reg.SetSignal(nil); s != nil {
		s.Close()
	}
}

// backoff doubles the base delay per consecutive failure, up to the cap.
func (c *ListenerClient) backoff(failures int) time.Duration {
	d := c.opts.ReconnectDelay
	for i := 0; i < failures && d < c.opts.ReconnectMaxDelay; i++ {
		d *= 2
	}
	return min(d, c.opts.ReconnectMaxDelay)
}

// scheduleReconnect arms the reconnect timer, replacing any pending one.
func (c *ListenerClient) scheduleReconnect() {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	delay := c.backoff(c.failures)
	var t *clock.Timer
	t = c.opts.Clock.AfterFunc(delay, func() {
		c.mu.Lock()
		fired := t
		c.mu.Unlock()
		c.reg.ReconnectFired(fired)
		c.reconnect()
	})
	c.reg.SetReconnect(t)
	c.mu.Unlock()

	c.logger.Info().Dur("delay", delay).Msg("reconnect scheduled")
	c.setState(ListenerReconnecting)
}

func (c *ListenerClient) reconnect() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done {
		return
	}

	err := c.connect(context.Background())
	if err == nil {
		c.logger.Info().Msg("reconnected")
		return
	}
	if IsCode(err, protocol.CodeSessionNotFound) {
		c.logger.Info().Msg("session gone")
		c.end("")
		return
	}
	c.logger.Warn().Err(err).Msg("reconnect failed")
	c.mu.Lock()
	c.failures++
	c.mu.Unlock()
	c.dropLive()
	c.scheduleReconnect()
}

// Leave disconnects and forgets the session.
func (c *ListenerClient) Leave() {
	c.mu.Lock()
	c.done = true
	c.snapshot = domain.PlaybackSnapshot{}
	c.mu.Unlock()

	c.setPlaying(false)
	c.reg.Release()
	if err := c.opts.Store.Clear(); err != nil {
		c.logger.Warn().Err(err).Msg("clear state")
	}
	c.setState(ListenerIdle)
}
