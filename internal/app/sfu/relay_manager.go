package sfu

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// RelayManager indexes the producers of one router by id.
type RelayManager struct {
	mu     sync.RWMutex
	relays map[string]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[string]*Relay),
	}
}

// Add registers a relay and unregisters it again when it closes.
func (m *RelayManager) Add(relay *Relay) {
	m.mu.Lock()
	m.relays[relay.ID()] = relay
	m.mu.Unlock()

	relay.mu.Lock()
	relay.release = func() { m.remove(relay.ID()) }
	relay.mu.Unlock()

	log.Info().Str("module", "relay").Str("producer", relay.ID()).Msg("relay registered")
}

func (m *RelayManager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.relays, id)
}

func (m *RelayManager) Get(id string) (*Relay, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	relay, ok := m.relays[id]
	return relay, ok
}

// HasRelay reports whether a live relay exists for id.
func (m *RelayManager) HasRelay(id string) bool {
	relay, ok := m.Get(id)
	return ok && !relay.Closed()
}

// StopAll closes every relay.
func (m *RelayManager) StopAll() {
	m.mu.Lock()
	relays := make([]*Relay, 0, len(m.relays))
	for _, r := range m.relays {
		relays = append(relays, r)
	}
	m.mu.Unlock()
	for _, r := range relays {
		r.Close()
	}
}
