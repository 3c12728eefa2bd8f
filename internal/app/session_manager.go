package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Party/internal/core"
	"github.com/dkeye/Party/internal/domain"
	"github.com/dkeye/Party/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrManagerClosed = errors.New("session manager closed")
	ErrNotMetadata   = errors.New("not a playback message")
)

type Options struct {
	// HostGracePeriod keeps an orphaned session alive for the host to resume.
	// Zero ends the session as soon as the host socket is gone.
	HostGracePeriod time.Duration
	Policy          Policy
	Clock           clock.Clock
}

type activeSession struct {
	desc       domain.Session
	caps       core.RTPCapabilities
	graceTimer *clock.Timer
}

// SessionManager owns the single session slot. Every mutation happens under mu;
// relay round-trips run outside it and re-validate before committing.
// Handles are closed only after mu is released since their close callbacks
// re-enter the manager.
type SessionManager struct {
	mu      sync.Mutex
	routers core.RouterFactory
	reg     *Registry
	policy  Policy
	clock   clock.Clock
	grace   time.Duration
	logger  zerolog.Logger

	active *activeSession
	closed bool
	status *statusFeed
}

func NewSessionManager(routers core.RouterFactory, reg *Registry, opts Options) *SessionManager {
	if opts.Policy == nil {
		opts.Policy = SimplePolicy{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &SessionManager{
		routers: routers,
		reg:     reg,
		policy:  opts.Policy,
		clock:   opts.Clock,
		grace:   opts.HostGracePeriod,
		logger:  log.With().Str("module", "app.session").Logger(),
		status:  newStatusFeed(),
	}
}

// teardown collects the handles of a detached session so they can be closed outside mu.
type teardown struct {
	host      HostEntry
	listeners []ListenerEntry
}

func (td *teardown) release() {
	if td == nil {
		return
	}
	for _, l := range td.listeners {
		if l.Consumer != nil {
			l.Consumer.Close()
		}
		if l.Transport != nil {
			l.Transport.Close()
		}
	}
	if td.host.Producer != nil {
		td.host.Producer.Close()
	}
	if td.host.Transport != nil {
		td.host.Transport.Close()
	}
	if td.host.Router != nil {
		td.host.Router.Close()
	}
}

func (m *SessionManager) currentLocked(sid domain.SessionID) (*activeSession, error) {
	if m.active == nil || m.active.desc.ID != sid {
		return nil, ErrSessionNotFound
	}
	return m.active, nil
}

// detachLocked frees the slot and notifies everybody still attached.
// except is skipped; it is the host that is about to own the next session.
func (m *SessionManager) detachLocked(reason domain.EndReason, except core.SignalConnection) *teardown {
	s := m.active
	if s == nil {
		return nil
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	sid := s.desc.ID
	host, listeners := m.reg.UnbindSession(sid)
	ended := protocol.SessionEnded(reason)
	for _, l := range listeners {
		if err := m.send(l.Conn, ended); errors.Is(err, core.ErrBackpressure) {
			l.Conn.Close()
		}
	}
	if host.Conn != nil && host.Conn != except {
		_ = m.send(host.Conn, ended)
	}
	m.active = nil
	m.logger.Info().Str("sid", string(sid)).Str("reason", string(reason)).Int("listeners", len(listeners)).Msg("session ended")
	return &teardown{host: host, listeners: listeners}
}

func (m *SessionManager) statusLocked() Status {
	if m.active == nil {
		return Status{}
	}
	snap := m.active.desc.Snapshot
	return Status{
		Active:        true,
		ListenerCount: m.reg.CountListeners(m.active.desc.ID),
		CurrentTrack:  snap.Track.Clone(),
		IsPlaying:     snap.IsPlaying,
	}
}

func (m *SessionManager) send(conn core.SignalConnection, msg protocol.Message) error {
	if conn == nil {
		return core.ErrConnClosed
	}
	f, err := protocol.Encode(msg)
	if err != nil {
		m.logger.Error().Err(err).Msg("encode")
		return err
	}
	return conn.TrySend(f)
}

// CreateSession supersedes any previous session. Listeners of the previous
// session have sessionEnded queued before the new id is returned.
// A resumeID naming the current session re-attaches host to it instead, but
// only while that session is orphaned and inside its grace window.
func (m *SessionManager) CreateSession(
	ctx context.Context,
	host core.SignalConnection,
	resumeID domain.SessionID,
) (domain.SessionID, core.RTPCapabilities, error) {
	if resumeID != "" {
		if caps, ok := m.resume(host, resumeID); ok {
			return resumeID, caps, nil
		}
	}

	router, err := m.routers.NewRouter(ctx)
	if err != nil {
		return "", core.RTPCapabilities{}, fmt.Errorf("create router: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		router.Close()
		return "", core.RTPCapabilities{}, ErrManagerClosed
	}
	prev := m.detachLocked(domain.EndReasonSuperseded, host)
	now := m.clock.Now()
	s := &activeSession{
		desc: domain.Session{
			ID:        domain.NewSessionID(),
			CreatedAt: now,
			Snapshot:  domain.PlaybackSnapshot{ObservedAt: now},
		},
		caps: router.Capabilities(),
	}
	m.active = s
	m.reg.BindHost(s.desc.ID, host, router)
	st := m.statusLocked()
	m.mu.Unlock()

	prev.release()
	m.status.publish(st)
	m.logger.Info().Str("sid", string(s.desc.ID)).Str("router", router.ID()).Msg("session created")
	return s.desc.ID, s.caps, nil
}

func (m *SessionManager) resume(host core.SignalConnection, sid domain.SessionID) (core.RTPCapabilities, bool) {
	m.mu.Lock()
	s, err := m.currentLocked(sid)
	if err != nil {
		m.mu.Unlock()
		m.logger.Info().Str("sid", string(sid)).Msg("resume requested for a session that is gone")
		return core.RTPCapabilities{}, false
	}
	// only an orphaned session inside its grace window can be taken over
	if cur, _ := m.reg.Host(sid); cur.Conn != host && (cur.Conn != nil || s.graceTimer == nil) {
		m.mu.Unlock()
		m.logger.Warn().Str("sid", string(sid)).Msg("resume refused: session still has a host")
		return core.RTPCapabilities{}, false
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	m.reg.SetHostConn(sid, host)
	count := m.reg.CountListeners(sid)
	caps := s.caps
	m.mu.Unlock()

	_ = m.send(host, protocol.ListenerCount(count))
	m.logger.Info().Str("sid", string(sid)).Int("listeners", count).Msg("host resumed session")
	return caps, true
}

// HostDisconnected is called when a host socket closes. Stale sockets of a
// host that already resumed are ignored.
func (m *SessionManager) HostDisconnected(sid domain.SessionID, conn core.SignalConnection) {
	m.mu.Lock()
	s, err := m.currentLocked(sid)
	if err != nil {
		m.mu.Unlock()
		return
	}
	host, ok := m.reg.Host(sid)
	if !ok || host.Conn != conn {
		m.mu.Unlock()
		return
	}
	if m.grace <= 0 {
		td := m.detachLocked(domain.EndReasonHostDisconnected, nil)
		st := m.statusLocked()
		m.mu.Unlock()
		td.release()
		m.status.publish(st)
		return
	}

	m.reg.SetHostConn(sid, nil)
	t := m.reg.SetHostTransport(sid, nil)
	p := m.reg.SetProducer(sid, nil)
	s.desc.ProducerID = ""
	s.graceTimer = m.clock.AfterFunc(m.grace, func() { m.expireHost(sid) })
	m.mu.Unlock()

	m.logger.Warn().Str("sid", string(sid)).Dur("grace", m.grace).Msg("host gone, holding session")
	if p != nil {
		p.Close()
	}
	if t != nil {
		t.Close()
	}
}

func (m *SessionManager) expireHost(sid domain.SessionID) {
	m.mu.Lock()
	s, err := m.currentLocked(sid)
	if err != nil {
		m.mu.Unlock()
		return
	}
	s.graceTimer = nil
	if host, ok := m.reg.Host(sid); ok && host.Conn != nil {
		m.mu.Unlock()
		return
	}
	td := m.detachLocked(domain.EndReasonHostDisconnected, nil)
	st := m.statusLocked()
	m.mu.Unlock()

	td.release()
	m.status.publish(st)
}

func (m *SessionManager) CreateHostTransport(ctx context.Context, sid domain.SessionID) (core.TransportParameters, error) {
	m.mu.Lock()
	if _, err := m.currentLocked(sid); err != nil {
		m.mu.Unlock()
		return core.TransportParameters{}, err
	}
	host, _ := m.reg.Host(sid)
	router := host.Router
	m.mu.Unlock()

	t, err := router.CreateTransport(ctx, core.TransportOptions{Direction: core.DirectionSend, Label: "host"})
	if err != nil {
		return core.TransportParameters{}, fmt.Errorf("create host transport: %w", err)
	}

	m.mu.Lock()
	host, ok := m.reg.Host(sid)
	if _, err := m.currentLocked(sid); err != nil || !ok || host.Router != router {
		m.mu.Unlock()
		t.Close()
		return core.TransportParameters{}, ErrSessionNotFound
	}
	old := m.reg.SetHostTransport(sid, t)
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return t.Parameters(), nil
}

func (m *SessionManager) hostTransportLocked(sid domain.SessionID, transportID string) (core.MediaTransport, error) {
	if _, err := m.currentLocked(sid); err != nil {
		return nil, err
	}
	host, _ := m.reg.Host(sid)
	if host.Transport == nil {
		return nil, ErrNoTransport
	}
	if host.Transport.ID() != transportID {
		return nil, fmt.Errorf("%w: %w", ErrNoTransport, ErrTransportMismatch)
	}
	return host.Transport, nil
}

func (m *SessionManager) ConnectHostTransport(
	ctx context.Context,
	sid domain.SessionID,
	transportID string,
	remote core.DTLSParameters,
) (*core.DTLSParameters, error) {
	m.mu.Lock()
	t, err := m.hostTransportLocked(sid, transportID)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return t.Connect(ctx, remote)
}

// RegisterProducer replaces an open producer explicitly: listeners see
// producerClosed for the old one before producerAvailable for the new one.
func (m *SessionManager) RegisterProducer(
	ctx context.Context,
	sid domain.SessionID,
	transportID string,
	kind core.MediaKind,
	params core.RTPParameters,
) (string, error) {
	m.mu.Lock()
	t, err := m.hostTransportLocked(sid, transportID)
	if err == nil && !m.active.caps.CanProduce(kind) {
		err = ErrUnsupportedKind
	}
	m.mu.Unlock()
	if err != nil {
		return "", err
	}

	p, err := t.Produce(ctx, kind, params)
	if err != nil {
		return "", fmt.Errorf("produce: %w", err)
	}
	pid := p.ID()
	p.OnClose(func() { m.onProducerClosed(sid, pid) })

	m.mu.Lock()
	s, err := m.currentLocked(sid)
	host, _ := m.reg.Host(sid)
	if err == nil && host.Transport != t {
		err = ErrNoTransport
	}
	if err == nil && p.Closed() {
		err = core.ErrProducerClosed
	}
	if err != nil {
		m.mu.Unlock()
		p.Close()
		return "", err
	}
	old := m.reg.SetProducer(sid, p)
	s.desc.ProducerID = pid
	m.mu.Unlock()

	if old != nil && old != p {
		old.Close()
	}
	m.logger.Info().Str("sid", string(sid)).Str("producer", pid).Str("kind", string(kind)).Msg("producer registered")
	m.BroadcastMetadata(sid, protocol.ProducerAvailable(pid))
	return pid, nil
}

func (m *SessionManager) onProducerClosed(sid domain.SessionID, pid string) {
	m.mu.Lock()
	s, err := m.currentLocked(sid)
	if err != nil {
		m.mu.Unlock()
		return
	}
	if m.reg.ClearProducer(sid, pid) {
		s.desc.ProducerID = ""
	}
	consumers := m.reg.DetachConsumers(sid, pid)
	m.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	m.logger.Info().Str("sid", string(sid)).Str("producer", pid).Int("consumers", len(consumers)).Msg("producer closed")
	m.BroadcastMetadata(sid, protocol.ProducerClosed(pid))
}

// JoinListener succeeds whether or not a producer exists.
// The returned snapshot is interpolated to the join instant.
func (m *SessionManager) JoinListener(
	_ context.Context,
	sid domain.SessionID,
	conn core.SignalConnection,
) (core.RTPCapabilities, domain.PlaybackSnapshot, domain.ListenerID, error) {
	m.mu.Lock()
	s, err := m.currentLocked(sid)
	if err != nil {
		m.mu.Unlock()
		return core.RTPCapabilities{}, domain.PlaybackSnapshot{}, "", err
	}
	lid := domain.NewListenerID()
	m.reg.BindListener(lid, sid, conn)
	count := m.reg.CountListeners(sid)
	s.desc.ListenerCount = count
	snap := s.desc.Snapshot.Rebased(m.clock.Now())
	host, _ := m.reg.Host(sid)
	caps := s.caps
	st := m.statusLocked()
	m.mu.Unlock()

	_ = m.send(host.Conn, protocol.ListenerCount(count))
	m.status.publish(st)
	return caps, snap, lid, nil
}

// LeaveListener prunes a listener whose socket closed.
func (m *SessionManager) LeaveListener(lid domain.ListenerID) {
	m.mu.Lock()
	e, ok := m.reg.UnbindListener(lid)
	if !ok {
		m.mu.Unlock()
		return
	}
	var hostConn core.SignalConnection
	count := -1
	var st Status
	if s, err := m.currentLocked(e.SessionID); err == nil {
		count = m.reg.CountListeners(e.SessionID)
		s.desc.ListenerCount = count
		host, _ := m.reg.Host(e.SessionID)
		hostConn = host.Conn
		st = m.statusLocked()
	}
	m.mu.Unlock()

	if e.Consumer != nil {
		e.Consumer.Close()
	}
	if e.Transport != nil {
		e.Transport.Close()
	}
	if count >= 0 {
		_ = m.send(hostConn, protocol.ListenerCount(count))
		m.status.publish(st)
	}
}

func (m *SessionManager) listenerLocked(lid domain.ListenerID) (ListenerEntry, HostEntry, error) {
	e, ok := m.reg.Listener(lid)
	if !ok {
		return ListenerEntry{}, HostEntry{}, ErrListenerNotFound
	}
	if _, err := m.currentLocked(e.SessionID); err != nil {
		return ListenerEntry{}, HostEntry{}, err
	}
	host, _ := m.reg.Host(e.SessionID)
	return e, host, nil
}

func (m *SessionManager) CreateListenerTransport(ctx context.Context, lid domain.ListenerID) (core.TransportParameters, error) {
	m.mu.Lock()
	_, host, err := m.listenerLocked(lid)
	m.mu.Unlock()
	if err != nil {
		return core.TransportParameters{}, err
	}

	t, err := host.Router.CreateTransport(ctx, core.TransportOptions{Direction: core.DirectionRecv, Label: string(lid)})
	if err != nil {
		return core.TransportParameters{}, fmt.Errorf("create listener transport: %w", err)
	}

	m.mu.Lock()
	_, again, err := m.listenerLocked(lid)
	if err == nil && again.Router != host.Router {
		err = ErrSessionNotFound
	}
	if err != nil {
		m.mu.Unlock()
		t.Close()
		return core.TransportParameters{}, err
	}
	oldT, oldC := m.reg.SetListenerTransport(lid, t)
	m.mu.Unlock()

	if oldC != nil {
		oldC.Close()
	}
	if oldT != nil {
		oldT.Close()
	}
	return t.Parameters(), nil
}

func (m *SessionManager) ConnectListenerTransport(
	ctx context.Context,
	lid domain.ListenerID,
	transportID string,
	remote core.DTLSParameters,
) (*core.DTLSParameters, error) {
	m.mu.Lock()
	e, _, err := m.listenerLocked(lid)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if e.Transport == nil {
		return nil, ErrNoTransport
	}
	if e.Transport.ID() != transportID {
		return nil, fmt.Errorf("%w: %w", ErrNoTransport, ErrTransportMismatch)
	}
	return e.Transport.Connect(ctx, remote)
}

// CreateListenerConsumer returns ErrNoProducer while the host is not producing;
// callers wait for producerAvailable and retry.
func (m *SessionManager) CreateListenerConsumer(
	ctx context.Context,
	lid domain.ListenerID,
	caps core.RTPCapabilities,
) (core.ConsumerParameters, error) {
	m.mu.Lock()
	e, host, err := m.listenerLocked(lid)
	if err == nil && e.Transport == nil {
		err = ErrNoTransport
	}
	if err == nil && (host.Producer == nil || host.Producer.Closed()) {
		err = ErrNoProducer
	}
	m.mu.Unlock()
	if err != nil {
		return core.ConsumerParameters{}, err
	}

	c, err := e.Transport.Consume(ctx, host.Producer, caps)
	if err != nil {
		if errors.Is(err, core.ErrProducerClosed) {
			return core.ConsumerParameters{}, ErrNoProducer
		}
		return core.ConsumerParameters{}, fmt.Errorf("consume: %w", err)
	}

	m.mu.Lock()
	again, hostAgain, err := m.listenerLocked(lid)
	if err == nil && (again.Transport != e.Transport || hostAgain.Producer != host.Producer) {
		err = ErrNoProducer
	}
	if err != nil {
		m.mu.Unlock()
		c.Close()
		return core.ConsumerParameters{}, err
	}
	old := m.reg.SetConsumer(lid, c, caps)
	m.mu.Unlock()

	if old != nil && old != c {
		old.Close()
	}
	return c.Parameters(), nil
}

func (m *SessionManager) ResumeConsumer(lid domain.ListenerID, consumerID string) error {
	m.mu.Lock()
	e, _, err := m.listenerLocked(lid)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if e.Consumer == nil || e.Consumer.ID() != consumerID {
		return ErrConsumerNotFound
	}
	return e.Consumer.Resume()
}

// UpdatePlayback applies a host metadata message to the snapshot and fans it out.
func (m *SessionManager) UpdatePlayback(sid domain.SessionID, msg protocol.Message) error {
	m.mu.Lock()
	s, err := m.currentLocked(sid)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	now := m.clock.Now()
	var out protocol.Message
	switch msg.Type {
	case protocol.TypeNowPlaying:
		if msg.Track == nil {
			err = domain.ErrTrackIDEmpty
			break
		}
		if err = msg.Track.Validate(); err != nil {
			break
		}
		s.desc.Snapshot = s.desc.Snapshot.WithTrack(msg.Track, now)
		out = protocol.NowPlaying(msg.Track)
	case protocol.TypePause:
		s.desc.Snapshot = s.desc.Snapshot.WithPlaying(false, now)
		out = protocol.Message{Type: protocol.TypePause}
	case protocol.TypeResume:
		s.desc.Snapshot = s.desc.Snapshot.WithPlaying(true, now)
		out = protocol.Message{Type: protocol.TypeResume}
	case protocol.TypePosition:
		if msg.CurrentTime == nil {
			err = domain.ErrPositionInvalid
			break
		}
		var duration float64
		if msg.Duration != nil {
			duration = *msg.Duration
		}
		var snap domain.PlaybackSnapshot
		if snap, err = s.desc.Snapshot.WithPosition(*msg.CurrentTime, duration, now); err == nil {
			s.desc.Snapshot = snap
			out = protocol.Position(*msg.CurrentTime, duration)
		}
	default:
		err = fmt.Errorf("%w: %s", ErrNotMetadata, msg.Type)
	}
	st := m.statusLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.BroadcastMetadata(sid, out)
	if msg.Type != protocol.TypePosition {
		m.status.publish(st)
	}
	return nil
}

// BroadcastMetadata enqueues msg on every listener socket of sid without blocking.
// It returns the number of listeners the message was queued for.
func (m *SessionManager) BroadcastMetadata(sid domain.SessionID, msg protocol.Message) int {
	f, err := protocol.Encode(msg)
	if err != nil {
		m.logger.Error().Err(err).Str("sid", string(sid)).Msg("broadcast encode")
		return 0
	}
	sent := 0
	for _, l := range m.reg.ListenersOf(sid) {
		err := l.Conn.TrySend(f)
		switch {
		case err == nil:
			sent++
		case errors.Is(err, core.ErrBackpressure):
			if m.policy.OnBackpressure(l.ID, msg.Type) == EvictListener {
				m.logger.Warn().Str("sid", string(sid)).Str("lid", string(l.ID)).Str("type", msg.Type).Msg("listener too slow, evicting")
				l.Conn.Close()
			} else {
				m.logger.Debug().Str("sid", string(sid)).Str("lid", string(l.ID)).Str("type", msg.Type).Msg("dropped for slow listener")
			}
		default:
			m.logger.Debug().Err(err).Str("sid", string(sid)).Str("lid", string(l.ID)).Msg("broadcast send")
		}
	}
	return sent
}

func (m *SessionManager) EndSession(sid domain.SessionID, reason domain.EndReason) error {
	m.mu.Lock()
	if _, err := m.currentLocked(sid); err != nil {
		m.mu.Unlock()
		return err
	}
	td := m.detachLocked(reason, nil)
	st := m.statusLocked()
	m.mu.Unlock()

	td.release()
	m.status.publish(st)
	return nil
}

// Current returns a copy of the active session descriptor.
func (m *SessionManager) Current() (domain.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return domain.Session{}, false
	}
	d := m.active.desc
	d.Snapshot = d.Snapshot.Rebased(m.clock.Now())
	d.ListenerCount = m.reg.CountListeners(d.ID)
	return d, true
}

func (m *SessionManager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// Subscribe streams status changes until cancel is called or the manager closes.
func (m *SessionManager) Subscribe() (<-chan Status, func()) {
	return m.status.subscribe()
}

// Close ends the active session with reason shutdown and refuses new ones.
func (m *SessionManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	td := m.detachLocked(domain.EndReasonShutdown, nil)
	m.mu.Unlock()

	td.release()
	m.status.closeAll()
}
