package app

import (
	"sync"

	"github.com/dkeye/Party/internal/core"
	"github.com/dkeye/Party/internal/domain"
	"github.com/rs/zerolog/log"
)

// HostEntry holds the live handles of a session's host side.
// Conn is nil while the host is inside its grace window.
type HostEntry struct {
	Conn      core.SignalConnection
	Router    core.MediaRouter
	Transport core.MediaTransport
	Producer  core.Producer
}

type ListenerEntry struct {
	ID        domain.ListenerID
	SessionID domain.SessionID
	Conn      core.SignalConnection
	Caps      *core.RTPCapabilities
	Transport core.MediaTransport
	Consumer  core.Consumer
}

// Registry is the only owner of non-serializable handles on the server.
// Getters return copies; mutations go through the setters.
type Registry struct {
	mu        sync.RWMutex
	hosts     map[domain.SessionID]*HostEntry
	listeners map[domain.ListenerID]*ListenerEntry
}

func NewRegistry() *Registry {
	return &Registry{
		hosts:     make(map[domain.SessionID]*HostEntry),
		listeners: make(map[domain.ListenerID]*ListenerEntry),
	}
}

func (r *Registry) BindHost(sid domain.SessionID, conn core.SignalConnection, router core.MediaRouter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosts[sid] = &HostEntry{Conn: conn, Router: router}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("bound host")
}

func (r *Registry) Host(sid domain.SessionID) (HostEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.hosts[sid]
	if !ok {
		return HostEntry{}, false
	}
	return *e, true
}

// SetHostConn swaps the host socket and returns the previous one.
func (r *Registry) SetHostConn(sid domain.SessionID, conn core.SignalConnection) core.SignalConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.hosts[sid]
	if !ok {
		return nil
	}
	old := e.Conn
	e.Conn = conn
	return old
}

func (r *Registry) SetHostTransport(sid domain.SessionID, t core.MediaTransport) core.MediaTransport {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.hosts[sid]
	if !ok {
		return nil
	}
	old := e.Transport
	e.Transport = t
	return old
}

func (r *Registry) SetProducer(sid domain.SessionID, p core.Producer) core.Producer {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.hosts[sid]
	if !ok {
		return nil
	}
	old := e.Producer
	e.Producer = p
	return old
}

// ClearProducer drops p only if it is still the registered producer.
func (r *Registry) ClearProducer(sid domain.SessionID, producerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.hosts[sid]
	if !ok || e.Producer == nil || e.Producer.ID() != producerID {
		return false
	}
	e.Producer = nil
	return true
}

func (r *Registry) BindListener(lid domain.ListenerID, sid domain.SessionID, conn core.SignalConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[lid] = &ListenerEntry{ID: lid, SessionID: sid, Conn: conn}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("lid", string(lid)).Msg("bound listener")
}

func (r *Registry) Listener(lid domain.ListenerID) (ListenerEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.listeners[lid]
	if !ok {
		return ListenerEntry{}, false
	}
	return *e, true
}

// SetListenerTransport also unlinks the consumer, which lives on the old transport.
func (r *Registry) SetListenerTransport(lid domain.ListenerID, t core.MediaTransport) (core.MediaTransport, core.Consumer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.listeners[lid]
	if !ok {
		return nil, nil
	}
	oldT, oldC := e.Transport, e.Consumer
	e.Transport = t
	e.Consumer = nil
	return oldT, oldC
}

func (r *Registry) SetConsumer(lid domain.ListenerID, c core.Consumer, caps core.RTPCapabilities) core.Consumer {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.listeners[lid]
	if !ok {
		return nil
	}
	old := e.Consumer
	e.Consumer = c
	e.Caps = &caps
	return old
}

// DetachConsumers unlinks every consumer of producerID in session sid and returns them.
func (r *Registry) DetachConsumers(sid domain.SessionID, producerID string) []core.Consumer {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.Consumer
	for _, e := range r.listeners {
		if e.SessionID != sid || e.Consumer == nil || e.Consumer.ProducerID() != producerID {
			continue
		}
		out = append(out, e.Consumer)
		e.Consumer = nil
	}
	return out
}

func (r *Registry) UnbindListener(lid domain.ListenerID) (ListenerEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.listeners[lid]
	if !ok {
		return ListenerEntry{}, false
	}
	delete(r.listeners, lid)
	log.Info().Str("module", "app.registry").Str("sid", string(e.SessionID)).Str("lid", string(lid)).Msg("unbind listener")
	return *e, true
}

func (r *Registry) ListenersOf(sid domain.SessionID) []ListenerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ListenerEntry, 0, len(r.listeners))
	for _, e := range r.listeners {
		if e.SessionID == sid {
			out = append(out, *e)
		}
	}
	return out
}

func (r *Registry) CountListeners(sid domain.SessionID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.listeners {
		if e.SessionID == sid {
			n++
		}
	}
	return n
}

// UnbindSession removes the host entry and every listener of sid.
func (r *Registry) UnbindSession(sid domain.SessionID) (HostEntry, []ListenerEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var host HostEntry
	if e, ok := r.hosts[sid]; ok {
		host = *e
		delete(r.hosts, sid)
	}
	var listeners []ListenerEntry
	for lid, e := range r.listeners {
		if e.SessionID == sid {
			listeners = append(listeners, *e)
			delete(r.listeners, lid)
		}
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Int("listeners", len(listeners)).Msg("unbind session")
	return host, listeners
}
