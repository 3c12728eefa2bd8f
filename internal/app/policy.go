package app

import (
	"github.com/dkeye/Party/internal/domain"
	"github.com/dkeye/Party/internal/protocol"
)

type BackpressureAction int

const (
	DropMessage BackpressureAction = iota
	EvictListener
)

// Policy decides what happens to a listener whose send queue is full.
type Policy interface {
	OnBackpressure(lid domain.ListenerID, msgType string) BackpressureAction
}

// SimplePolicy drops position heartbeats and evicts on anything else.
// An evicted listener reconnects and rejoins with a fresh snapshot.
type SimplePolicy struct{}

func (SimplePolicy) OnBackpressure(_ domain.ListenerID, msgType string) BackpressureAction {
	if msgType == protocol.TypePosition {
		return DropMessage
	}
	return EvictListener
}

type DropPolicy struct{}

func (DropPolicy) OnBackpressure(domain.ListenerID, string) BackpressureAction { return DropMessage }

type EvictPolicy struct{}

func (EvictPolicy) OnBackpressure(domain.ListenerID, string) BackpressureAction { return EvictListener }

// PolicyByName maps the session.backpressure config value.
func PolicyByName(name string) Policy {
	switch name {
	case "drop":
		return DropPolicy{}
	case "evict":
		return EvictPolicy{}
	default:
		return SimplePolicy{}
	}
}
