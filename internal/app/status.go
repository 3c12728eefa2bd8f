package app

import (
	"sync"

	"github.com/dkeye/Party/internal/domain"
)

// Status is what passive clients may learn about the broadcast.
// It never carries the session id.
type Status struct {
	Active        bool          `json:"active"`
	ListenerCount int           `json:"listenerCount"`
	CurrentTrack  *domain.Track `json:"currentTrack"`
	IsPlaying     bool          `json:"isPlaying"`
}

type statusFeed struct {
	mu   sync.RWMutex
	subs map[chan Status]struct{}
}

func newStatusFeed() *statusFeed {
	return &statusFeed{subs: make(map[chan Status]struct{})}
}

func (f *statusFeed) subscribe() (chan Status, func()) {
	ch := make(chan Status, 8)

	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}

// publish never blocks; a subscriber that lags misses intermediate states.
func (f *statusFeed) publish(s Status) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for ch := range f.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

func (f *statusFeed) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		delete(f.subs, ch)
		close(ch)
	}
}
