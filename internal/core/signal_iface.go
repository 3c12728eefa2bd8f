package core

import "errors"

// Frame is an encoded signaling message.
type Frame []byte

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
// TrySend never blocks: a full queue yields ErrBackpressure.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
