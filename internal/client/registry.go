package client

import (
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Party/internal/core"
)

// Registry owns the live handles of one client: socket, transports, the
// producer or consumer, and timers. Controllers hold ids and state, never handles.
type Registry struct {
	mu sync.Mutex

	signal     SignalClient
	send       SendTransport
	recv       RecvTransport
	producerID string
	consumer   *core.ConsumerParameters

	stopHeartbeat func()
	reconnect     *clock.Timer
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Signal() SignalClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.signal
}

// SignalLive reports whether a socket exists and has not closed.
func (r *Registry) SignalLive() bool {
	s := r.Signal()
	if s == nil {
		return false
	}
	select {
	case <-s.Done():
		return false
	default:
		return true
	}
}

func (r *Registry) SetSignal(s SignalClient) SignalClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.signal
	r.signal = s
	return old
}

func (r *Registry) SendTransport() SendTransport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.send
}

// SetSendTransport also forgets the producer of the previous transport.
func (r *Registry) SetSendTransport(t SendTransport) SendTransport {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.send
	r.send = t
	r.producerID = ""
	return old
}

func (r *Registry) RecvTransport() RecvTransport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recv
}

func (r *Registry) SetRecvTransport(t RecvTransport) RecvTransport {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.recv
	r.recv = t
	r.consumer = nil
	return old
}

func (r *Registry) SetProducer(id string) {
	r.mu.Lock()
	r.producerID = id
	r.mu.Unlock()
}

func (r *Registry) ProducerID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.producerID
}

// ProducerLive is true while a producer id exists on an open send transport.
func (r *Registry) ProducerLive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.producerID != "" && r.send != nil && !r.send.Closed()
}

func (r *Registry) SetConsumer(c *core.ConsumerParameters) {
	r.mu.Lock()
	r.consumer = c
	r.mu.Unlock()
}

func (r *Registry) Consumer() *core.ConsumerParameters {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.consumer == nil {
		return nil
	}
	c := *r.consumer
	return &c
}

// CloseConsumer marks the consumer of producerID closed. An empty id matches any.
func (r *Registry) CloseConsumer(producerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.consumer == nil || (producerID != "" && r.consumer.ProducerID != producerID) {
		return false
	}
	r.consumer = nil
	return true
}

func (r *Registry) ConsumerLive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consumer != nil && r.recv != nil && !r.recv.Closed()
}

func (r *Registry) SetHeartbeat(stop func()) {
	r.mu.Lock()
	prev := r.stopHeartbeat
	r.stopHeartbeat = stop
	r.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// SetReconnect replaces the pending reconnect timer; at most one is armed.
func (r *Registry) SetReconnect(t *clock.Timer) {
	r.mu.Lock()
	prev := r.reconnect
	r.reconnect = t
	r.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
}

func (r *Registry) ReconnectPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reconnect != nil
}

// ReleaseMedia closes transports and forgets producer and consumer.
func (r *Registry) ReleaseMedia() {
	r.mu.Lock()
	send, recv := r.send, r.recv
	r.send, r.recv = nil, nil
	r.producerID = ""
	r.consumer = nil
	r.mu.Unlock()

	if send != nil {
		send.Close()
	}
	if recv != nil {
		recv.Close()
	}
}

// Release closes every handle and stops every timer.
func (r *Registry) Release() {
	r.SetHeartbeat(nil)
	r.SetReconnect(nil)
	r.ReleaseMedia()
	if s := r.SetSignal(nil); s != nil {
		s.Close()
	}
}

// ReconnectFired forgets t once it has run, unless a newer timer replaced it.
func (r *Registry) ReconnectFired(t *clock.Timer) {
	r.mu.Lock()
	if r.reconnect == t {
		r.reconnect = nil
	}
	r.mu.Unlock()
}
