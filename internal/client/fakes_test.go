package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Party/internal/core"
	"github.com/dkeye/Party/internal/core/coretest"
	"github.com/dkeye/Party/internal/domain"
	"github.com/dkeye/Party/internal/protocol"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// fakeServer answers requests the way the signaling server would.
type fakeServer struct {
	mu              sync.Mutex
	counts          map[string]int
	requests        []protocol.Message
	noProducer      bool
	sessionNotFound bool
	rejectResume    int
	snapshot        *protocol.Snapshot
	sid             domain.SessionID
}

func newFakeServer() *fakeServer {
	return &fakeServer{counts: make(map[string]int), sid: "sid-1"}
}

func (s *fakeServer) count(msgType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[msgType]
}

func (s *fakeServer) last(msgType string) (protocol.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.requests) - 1; i >= 0; i-- {
		if s.requests[i].Type == msgType {
			return s.requests[i], true
		}
	}
	return protocol.Message{}, false
}

func (s *fakeServer) set(fn func(s *fakeServer)) {
	s.mu.Lock()
	fn(s)
	s.mu.Unlock()
}

func (s *fakeServer) reject(m protocol.Message, code string) (protocol.Message, error) {
	return protocol.Message{}, remoteError(protocol.NewError(m.Type, code, nil))
}

func (s *fakeServer) handle(m protocol.Message) (protocol.Message, error) {
	s.mu.Lock()
	s.counts[m.Type]++
	s.requests = append(s.requests, m)
	noProducer, notFound, snap, sid := s.noProducer, s.sessionNotFound, s.snapshot, s.sid
	s.mu.Unlock()

	caps := coretest.OpusCaps()
	switch m.Type {
	case protocol.TypeCreateSession:
		if m.ResumeSessionID != "" {
			sid = m.ResumeSessionID
		}
		return protocol.Message{Type: protocol.TypeSessionCreated, SessionID: sid, RouterCapabilities: &caps}, nil
	case protocol.TypeCreateProducerTransport:
		return protocol.Message{Type: protocol.TypeProducerTransportCreated, Transport: &core.TransportParameters{
			ID: "send-1", Direction: core.DirectionSend,
		}}, nil
	case protocol.TypeConnectTransport:
		resp := protocol.Message{Type: protocol.TypeTransportConnected, TransportID: m.TransportID}
		if m.DTLSParameters != nil && m.DTLSParameters.Type == "offer" {
			resp.DTLSParameters = &core.DTLSParameters{Type: "answer", SDP: "v=0 answer"}
		}
		return resp, nil
	case protocol.TypeProduce:
		return protocol.Message{Type: protocol.TypeProduced, ProducerID: "producer-1"}, nil
	case protocol.TypeEndSession:
		return protocol.SessionEnded(domain.EndReasonEnded), nil
	case protocol.TypeJoin:
		if notFound {
			return s.reject(m, protocol.CodeSessionNotFound)
		}
		return protocol.Message{Type: protocol.TypeJoined, ListenerID: "lid-1", RouterCapabilities: &caps, Snapshot: snap}, nil
	case protocol.TypeCreateConsumerTransport:
		return protocol.Message{Type: protocol.TypeConsumerTransportCreated, Transport: &core.TransportParameters{
			ID: "recv-1", Direction: core.DirectionRecv, Offer: &core.DTLSParameters{Type: "offer", SDP: "v=0 offer"},
		}}, nil
	case protocol.TypeConsume:
		if noProducer {
			return s.reject(m, protocol.CodeNoProducer)
		}
		return protocol.Message{Type: protocol.TypeConsumed, Consumer: &core.ConsumerParameters{
			ID: "consumer-1", ProducerID: "producer-1", Kind: core.KindAudio, Paused: true,
		}}, nil
	case protocol.TypeResumeConsumer:
		s.mu.Lock()
		rejected := s.rejectResume > 0
		if rejected {
			s.rejectResume--
		}
		s.mu.Unlock()
		if rejected {
			return s.reject(m, protocol.CodeRelayFailed)
		}
		return protocol.Message{Type: protocol.TypeConsumerResumed, ConsumerID: m.ConsumerID}, nil
	}
	return s.reject(m, protocol.CodeUnknownType)
}

type fakeSignal struct {
	srv    *fakeServer
	notify func(protocol.Message)

	mu   sync.Mutex
	sent []protocol.Message

	once sync.Once
	done chan struct{}
}

func (f *fakeSignal) Send(m protocol.Message) error {
	select {
	case <-f.done:
		return &ConnectionError{URL: "fake", Err: ErrClosed}
	default:
	}
	f.mu.Lock()
	f.sent = append(f.sent, m)
	f.mu.Unlock()
	return nil
}

func (f *fakeSignal) Request(_ context.Context, m protocol.Message) (protocol.Message, error) {
	select {
	case <-f.done:
		return protocol.Message{}, &ConnectionError{URL: "fake", Err: ErrClosed}
	default:
	}
	return f.srv.handle(m)
}

func (f *fakeSignal) Done() <-chan struct{} { return f.done }

func (f *fakeSignal) Err() error {
	select {
	case <-f.done:
		return &ConnectionError{URL: "fake", Err: ErrClosed}
	default:
		return nil
	}
}

func (f *fakeSignal) Close() { f.once.Do(func() { close(f.done) }) }

func (f *fakeSignal) sentOf(msgType string) []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Message
	for _, m := range f.sent {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

// fakeDialer hands out fakeSignals bound to one fakeServer.
type fakeDialer struct {
	srv *fakeServer

	mu      sync.Mutex
	signals []*fakeSignal
	fail    bool
}

func (d *fakeDialer) dial(_ context.Context, _ string, notify func(protocol.Message)) (SignalClient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		d.signals = append(d.signals, nil)
		return nil, &ConnectionError{URL: "fake", Err: errors.New("connection refused")}
	}
	s := &fakeSignal{srv: d.srv, notify: notify, done: make(chan struct{})}
	d.signals = append(d.signals, s)
	return s, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.signals)
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

func (d *fakeDialer) current() *fakeSignal {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.signals) - 1; i >= 0; i-- {
		if d.signals[i] != nil {
			return d.signals[i]
		}
	}
	return nil
}

type fakeMedia struct {
	mu    sync.Mutex
	sends []*fakeSend
	recvs []*fakeRecv
}

func (m *fakeMedia) Load(router core.RTPCapabilities) error {
	if len(coretest.OpusCaps().Intersect(router).Codecs) == 0 {
		return core.ErrIncompatibleCapabilities
	}
	return nil
}

func (m *fakeMedia) Capabilities() core.RTPCapabilities { return coretest.OpusCaps() }

func (m *fakeMedia) NewSendTransport(_ context.Context, params core.TransportParameters) (SendTransport, error) {
	t := &fakeSend{id: params.ID}
	m.mu.Lock()
	m.sends = append(m.sends, t)
	m.mu.Unlock()
	return t, nil
}

func (m *fakeMedia) NewRecvTransport(_ context.Context, params core.TransportParameters, _ AudioOutput) (RecvTransport, error) {
	if params.Offer == nil {
		return nil, ErrNoOffer
	}
	t := &fakeRecv{id: params.ID}
	m.mu.Lock()
	m.recvs = append(m.recvs, t)
	m.mu.Unlock()
	return t, nil
}

type fakeSend struct {
	id       string
	attached atomic.Int32
	closed   atomic.Bool
	answer   atomic.Value
}

func (t *fakeSend) ID() string { return t.id }

func (t *fakeSend) Offer(context.Context) (core.DTLSParameters, error) {
	return core.DTLSParameters{Type: "offer", SDP: "v=0 offer"}, nil
}

func (t *fakeSend) SetAnswer(answer core.DTLSParameters) error {
	t.answer.Store(answer)
	return nil
}

func (t *fakeSend) Attach(stream CaptureStream) (core.RTPParameters, error) {
	t.attached.Add(1)
	return core.RTPParameters{MID: "0", Codecs: []core.RTPCodec{stream.Codec()}}, nil
}

func (t *fakeSend) Closed() bool { return t.closed.Load() }
func (t *fakeSend) Close()       { t.closed.Store(true) }

type fakeRecv struct {
	id       string
	consumed atomic.Int32
	closed   atomic.Bool
}

func (t *fakeRecv) ID() string { return t.id }

func (t *fakeRecv) Answer(context.Context) (core.DTLSParameters, error) {
	return core.DTLSParameters{Type: "answer", SDP: "v=0 answer"}, nil
}

func (t *fakeRecv) Consume(core.ConsumerParameters) error {
	t.consumed.Add(1)
	return nil
}

func (t *fakeRecv) Closed() bool { return t.closed.Load() }
func (t *fakeRecv) Close()       { t.closed.Store(true) }

type fakeStream struct{}

func (fakeStream) Track() webrtc.TrackLocal { return nil }
func (fakeStream) Kind() core.MediaKind     { return core.KindAudio }
func (fakeStream) Codec() core.RTPCodec     { return coretest.OpusCodec }

// fakeElement refuses a second BindCapture like a real media element.
type fakeElement struct {
	binds   atomic.Int32
	playing atomic.Bool
}

func (e *fakeElement) ID() string { return "element-1" }

func (e *fakeElement) BindCapture() (CaptureStream, error) {
	if e.binds.Add(1) > 1 {
		return nil, ErrAlreadyBound
	}
	return fakeStream{}, nil
}

func (e *fakeElement) Playing() bool        { return e.playing.Load() }
func (e *fakeElement) CurrentTime() float64 { return 12.5 }
func (e *fakeElement) Duration() float64    { return 200 }

type fakeOutput struct {
	playing atomic.Bool
	packets atomic.Int32
}

func (o *fakeOutput) WriteRTP(*rtp.Packet) error {
	o.packets.Add(1)
	return nil
}

func (o *fakeOutput) SetPlaying(playing bool) { o.playing.Store(playing) }
