package client

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Party/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SignalClient is one signaling socket.
type SignalClient interface {
	// Send writes a message that expects no response.
	Send(m protocol.Message) error
	// Request writes m and waits for its correlated response.
	Request(ctx context.Context, m protocol.Message) (protocol.Message, error)
	// Done is closed when the socket is gone.
	Done() <-chan struct{}
	Err() error
	Close()
}

// Dialer opens a SignalClient. notify receives every message that is not a response.
type Dialer func(ctx context.Context, url string, notify func(protocol.Message)) (SignalClient, error)

type ConnOptions struct {
	RequestTimeout time.Duration
	WriteTimeout   time.Duration
	Clock          clock.Clock
}

// WebSocketDialer returns a Dialer over gorilla/websocket.
func WebSocketDialer(opts ConnOptions) Dialer {
	return func(ctx context.Context, url string, notify func(protocol.Message)) (SignalClient, error) {
		return Dial(ctx, url, notify, opts)
	}
}

type WSClient struct {
	url     string
	conn    *websocket.Conn
	req     *Requester
	notify  func(protocol.Message)
	timeout time.Duration
	logger  zerolog.Logger

	writeMu sync.Mutex

	mu   sync.Mutex
	err  error
	done chan struct{}
}

func Dial(ctx context.Context, url string, notify func(protocol.Message), opts ConnOptions) (*WSClient, error) {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, &ConnectionError{URL: url, Err: err}
	}
	c := &WSClient{
		url:     url,
		conn:    ws,
		req:     NewRequester(opts.Clock, opts.RequestTimeout),
		notify:  notify,
		timeout: opts.WriteTimeout,
		logger:  log.With().Str("module", "client.signal").Str("url", url).Logger(),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *WSClient) readLoop() {
	var err error
	defer func() { c.shutdown(err) }()
	for {
		var data []byte
		_, data, err = c.conn.ReadMessage()
		if err != nil {
			return
		}
		m, derr := protocol.Decode(data)
		if derr != nil {
			c.logger.Warn().Err(derr).Msg("bad message from server")
			continue
		}
		if c.req.Resolve(m) {
			continue
		}
		if c.notify != nil {
			c.notify(m)
		}
	}
}

func (c *WSClient) shutdown(cause error) {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return
	default:
	}
	if cause == nil {
		cause = ErrClosed
	}
	c.err = &ConnectionError{URL: c.url, Err: cause}
	close(c.done)
	c.mu.Unlock()

	_ = c.conn.Close()
	c.req.FailAll(c.err)
	c.logger.Info().Err(cause).Msg("signaling closed")
}

func (c *WSClient) Send(m protocol.Message) error {
	f, err := protocol.Encode(m)
	if err != nil {
		return &NegotiationError{Request: m.Type, Err: err}
	}
	select {
	case <-c.done:
		return c.Err()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return &ConnectionError{URL: c.url, Err: err}
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, f); err != nil {
		return &ConnectionError{URL: c.url, Err: err}
	}
	return nil
}

func (c *WSClient) Request(ctx context.Context, m protocol.Message) (protocol.Message, error) {
	ch, err := c.req.Begin(m.Type)
	if err != nil {
		return protocol.Message{}, err
	}
	if err := c.Send(m); err != nil {
		c.req.Cancel(m.Type, err)
	}
	select {
	case res := <-ch:
		return res.msg, res.err
	case <-ctx.Done():
		c.req.Cancel(m.Type, ctx.Err())
		res := <-ch
		return res.msg, res.err
	}
}

func (c *WSClient) Done() <-chan struct{} { return c.done }

func (c *WSClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *WSClient) Close() {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown(ErrClosed)
}
