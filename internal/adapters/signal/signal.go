// Package signal is the server side of the party signaling protocol over WebSocket.
package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Party/internal/core"
	"github.com/dkeye/Party/internal/domain"
	"github.com/dkeye/Party/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sessions is the part of app.SessionManager the controller drives.
type Sessions interface {
	CreateSession(ctx context.Context, host core.SignalConnection, resumeID domain.SessionID) (domain.SessionID, core.RTPCapabilities, error)
	HostDisconnected(sid domain.SessionID, conn core.SignalConnection)
	CreateHostTransport(ctx context.Context, sid domain.SessionID) (core.TransportParameters, error)
	ConnectHostTransport(ctx context.Context, sid domain.SessionID, transportID string, remote core.DTLSParameters) (*core.DTLSParameters, error)
	RegisterProducer(ctx context.Context, sid domain.SessionID, transportID string, kind core.MediaKind, params core.RTPParameters) (string, error)
	UpdatePlayback(sid domain.SessionID, msg protocol.Message) error
	EndSession(sid domain.SessionID, reason domain.EndReason) error

	JoinListener(ctx context.Context, sid domain.SessionID, conn core.SignalConnection) (core.RTPCapabilities, domain.PlaybackSnapshot, domain.ListenerID, error)
	LeaveListener(lid domain.ListenerID)
	CreateListenerTransport(ctx context.Context, lid domain.ListenerID) (core.TransportParameters, error)
	ConnectListenerTransport(ctx context.Context, lid domain.ListenerID, transportID string, remote core.DTLSParameters) (*core.DTLSParameters, error)
	CreateListenerConsumer(ctx context.Context, lid domain.ListenerID, caps core.RTPCapabilities) (core.ConsumerParameters, error)
	ResumeConsumer(lid domain.ListenerID, consumerID string) error
}

type Options struct {
	ReadLimit      int64
	PingPeriod     time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	RequestTimeout time.Duration
	// Limiter throttles createSession and join per client token. Nil disables it.
	Limiter *RateLimiter
	Clock   clock.Clock
}

func (o *Options) defaults() {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32768
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 32
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

type SignalWSController struct {
	sessions Sessions
	opts     Options
	upgrader websocket.Upgrader
}

func NewSignalWSController(sessions Sessions, opts Options) *SignalWSController {
	opts.defaults()
	return &SignalWSController{
		sessions: sessions,
		opts:     opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// WsSignalConn queues outgoing frames for the write pump. Close lets the pump
// flush what is already queued before the socket goes away.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
}

type role int

const (
	roleNone role = iota
	roleHost
	roleListener
)

func (r role) String() string {
	switch r {
	case roleHost:
		return "host"
	case roleListener:
		return "listener"
	}
	return "none"
}

// peer is the per-socket protocol state. It is only touched by the read pump.
type peer struct {
	conn   *WsSignalConn
	token  string
	role   role
	sid    domain.SessionID
	lid    domain.ListenerID
	ctx    context.Context
	logger zerolog.Logger
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	log.Info().Str("module", "signal").Str("client", token).Msg("new WS connection")

	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.opts.ReadLimit)

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.opts.SendBuffer),
	}
	p := &peer{
		conn:   conn,
		token:  token,
		ctx:    ctx,
		logger: log.With().Str("module", "signal").Str("client", token).Logger(),
	}

	go ctl.writePump(conn)
	go ctl.readPump(p)
}

func (ctl *SignalWSController) reply(p *peer, m protocol.Message) {
	f, err := protocol.Encode(m)
	if err != nil {
		p.logger.Error().Err(err).Msg("encode reply")
		return
	}
	if err := p.conn.TrySend(f); err != nil {
		p.logger.Warn().Err(err).Str("type", m.Type).Msg("reply dropped")
	}
}
