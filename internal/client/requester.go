package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Party/internal/protocol"
)

const DefaultRequestTimeout = 12 * time.Second

type result struct {
	msg protocol.Message
	err error
}

type pending struct {
	request string
	ch      chan result
	timer   *clock.Timer
}

// Requester correlates responses with requests by type. At most one request
// per type is outstanding.
type Requester struct {
	mu      sync.Mutex
	pending map[string]*pending
	clock   clock.Clock
	timeout time.Duration
}

func NewRequester(clk clock.Clock, timeout time.Duration) *Requester {
	if clk == nil {
		clk = clock.New()
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Requester{
		pending: make(map[string]*pending),
		clock:   clk,
		timeout: timeout,
	}
}

// Begin registers a request and arms its timeout. The channel yields exactly one result.
func (r *Requester) Begin(requestType string) (<-chan result, error) {
	respType, ok := protocol.ResponseTo(requestType)
	if !ok {
		return nil, &NegotiationError{Request: requestType, Err: fmt.Errorf("%q expects no response", requestType)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.pending[respType]; busy {
		return nil, &NegotiationError{Request: requestType, Err: ErrRequestInFlight}
	}
	p := &pending{request: requestType, ch: make(chan result, 1)}
	p.timer = r.clock.AfterFunc(r.timeout, func() {
		r.settle(respType, p, result{err: &NegotiationError{Request: requestType, Err: ErrRequestTimeout}})
	})
	r.pending[respType] = p
	return p.ch, nil
}

// settle delivers res if p is still the pending request for respType.
func (r *Requester) settle(respType string, p *pending, res result) bool {
	r.mu.Lock()
	if r.pending[respType] != p {
		r.mu.Unlock()
		return false
	}
	delete(r.pending, respType)
	r.mu.Unlock()

	p.timer.Stop()
	p.ch <- res
	return true
}

// Resolve hands m to its pending request. It reports false for notifications.
func (r *Requester) Resolve(m protocol.Message) bool {
	respType := m.Type
	var res result
	if m.Type == protocol.TypeError {
		if m.RequestType == "" {
			return false
		}
		t, ok := protocol.ResponseTo(m.RequestType)
		if !ok {
			return false
		}
		respType = t
		res.err = remoteError(m)
	} else {
		res.msg = m
	}

	r.mu.Lock()
	p, ok := r.pending[respType]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return r.settle(respType, p, res)
}

// Cancel drops the pending request of requestType, e.g. when sending it failed.
func (r *Requester) Cancel(requestType string, err error) {
	respType, ok := protocol.ResponseTo(requestType)
	if !ok {
		return
	}
	r.mu.Lock()
	p, ok := r.pending[respType]
	r.mu.Unlock()
	if ok {
		r.settle(respType, p, result{err: err})
	}
}

// FailAll fails every pending request with err.
func (r *Requester) FailAll(err error) {
	r.mu.Lock()
	all := r.pending
	r.pending = make(map[string]*pending)
	r.mu.Unlock()

	for _, p := range all {
		p.timer.Stop()
		p.ch <- result{err: err}
	}
}

func (r *Requester) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
