// Package coretest provides in-memory implementations of the core interfaces for tests.
package coretest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Party/internal/core"
)

var seq atomic.Int64

func nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, seq.Add(1))
}

var OpusCodec = core.RTPCodec{
	Kind:        core.KindAudio,
	MimeType:    "audio/opus",
	ClockRate:   48000,
	Channels:    2,
	SDPFmtpLine: "minptime=10;useinbandfec=1",
	PayloadType: 111,
}

func OpusCaps() core.RTPCapabilities {
	return core.RTPCapabilities{Codecs: []core.RTPCodec{OpusCodec}}
}

// Conn records every frame it is asked to send.
type Conn struct {
	mu     sync.Mutex
	frames []core.Frame
	closed bool
	// Full makes TrySend report backpressure.
	Full bool
}

func (c *Conn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnClosed
	}
	if c.Full {
		return core.ErrBackpressure
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Types returns the "type" of every recorded frame in order.
func (c *Conn) Types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(f, &env)
		out = append(out, env.Type)
	}
	return out
}

// Last decodes the most recent frame of the given type into v.
func (c *Conn) Last(msgType string, v any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.frames) - 1; i >= 0; i-- {
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(c.frames[i], &env)
		if env.Type == msgType {
			return json.Unmarshal(c.frames[i], v) == nil
		}
	}
	return false
}

type RouterFactory struct {
	mu      sync.Mutex
	Routers []*Router
	Err     error
}

func (f *RouterFactory) NewRouter(context.Context) (core.MediaRouter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	r := &Router{id: nextID("router"), caps: OpusCaps()}
	f.Routers = append(f.Routers, r)
	return r, nil
}

func (f *RouterFactory) Last() *Router {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Routers) == 0 {
		return nil
	}
	return f.Routers[len(f.Routers)-1]
}

type Router struct {
	id   string
	caps core.RTPCapabilities

	mu         sync.Mutex
	Transports []*Transport
	closed     bool
}

func (r *Router) ID() string                          { return r.id }
func (r *Router) Capabilities() core.RTPCapabilities { return r.caps }

func (r *Router) CreateTransport(_ context.Context, opts core.TransportOptions) (core.MediaTransport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, core.ErrTransportClosed
	}
	t := &Transport{id: nextID("transport"), dir: opts.Direction, router: r}
	r.Transports = append(r.Transports, t)
	return t, nil
}

func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	ts := append([]*Transport(nil), r.Transports...)
	r.mu.Unlock()
	for _, t := range ts {
		t.Close()
	}
}

func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type Transport struct {
	id     string
	dir    core.TransportDirection
	router *Router

	mu        sync.Mutex
	connected bool
	closed    bool
	onClose   func()
	producers []*Producer
	consumers []*Consumer
}

func (t *Transport) ID() string                          { return t.id }
func (t *Transport) Direction() core.TransportDirection { return t.dir }

func (t *Transport) Parameters() core.TransportParameters {
	p := core.TransportParameters{ID: t.id, Direction: t.dir}
	if t.dir == core.DirectionRecv {
		p.Offer = &core.DTLSParameters{Type: "offer", SDP: "v=0 fake offer " + t.id}
	}
	return p
}

func (t *Transport) Connect(_ context.Context, remote core.DTLSParameters) (*core.DTLSParameters, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, core.ErrTransportClosed
	}
	t.connected = true
	if remote.Type == "offer" {
		return &core.DTLSParameters{Type: "answer", SDP: "v=0 fake answer " + t.id}, nil
	}
	return nil, nil
}

func (t *Transport) Produce(_ context.Context, kind core.MediaKind, _ core.RTPParameters) (core.Producer, error) {
	if t.dir != core.DirectionSend {
		return nil, core.ErrWrongDirection
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, core.ErrTransportClosed
	}
	p := &Producer{id: nextID("producer"), kind: kind}
	t.producers = append(t.producers, p)
	return p, nil
}

func (t *Transport) Consume(_ context.Context, p core.Producer, caps core.RTPCapabilities) (core.Consumer, error) {
	if t.dir != core.DirectionRecv {
		return nil, core.ErrWrongDirection
	}
	if p.Closed() {
		return nil, core.ErrProducerClosed
	}
	if _, ok := caps.Match(p.Codec()); !ok {
		return nil, core.ErrIncompatibleCapabilities
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, core.ErrTransportClosed
	}
	c := &Consumer{id: nextID("consumer"), producerID: p.ID(), kind: p.Kind()}
	c.paused.Store(true)
	t.consumers = append(t.consumers, c)
	return c, nil
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

func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	ps, cs, fn := t.producers, t.consumers, t.onClose
	t.mu.Unlock()
	for _, p := range ps {
		p.Close()
	}
	for _, c := range cs {
		c.Close()
	}
	if fn != nil {
		fn()
	}
}

type handle struct {
	mu      sync.Mutex
	closed  bool
	onClose func()
}

func (h *handle) OnClose(fn func()) {
	h.mu.Lock()
	h.onClose = fn
	h.mu.Unlock()
}

func (h *handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *handle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	fn := h.onClose
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type Producer struct {
	handle
	id   string
	kind core.MediaKind
}

func NewProducer() *Producer {
	return &Producer{id: nextID("producer"), kind: core.KindAudio}
}

func (p *Producer) ID() string            { return p.id }
func (p *Producer) Kind() core.MediaKind  { return p.kind }
func (p *Producer) Codec() core.RTPCodec { return OpusCodec }

type Consumer struct {
	handle
	id         string
	producerID string
	kind       core.MediaKind
	paused     atomic.Bool
}

func (c *Consumer) ID() string         { return c.id }
func (c *Consumer) ProducerID() string { return c.producerID }
func (c *Consumer) Paused() bool       { return c.paused.Load() }

func (c *Consumer) Resume() error {
	if c.Closed() {
		return core.ErrProducerClosed
	}
	c.paused.Store(false)
	return nil
}

func (c *Consumer) Parameters() core.ConsumerParameters {
	return core.ConsumerParameters{
		ID:            c.id,
		ProducerID:    c.producerID,
		Kind:          c.kind,
		RTPParameters: core.RTPParameters{MID: "0", Codecs: []core.RTPCodec{OpusCodec}},
		Paused:        c.Paused(),
	}
}
