package core

import (
	"context"
	"errors"
)

var (
	ErrIncompatibleCapabilities = errors.New("no common codec")
	ErrTransportClosed          = errors.New("transport closed")
	ErrWrongDirection           = errors.New("operation not valid for transport direction")
	ErrProducerClosed           = errors.New("producer closed")
)

// RouterFactory mints one media router per session.
type RouterFactory interface {
	NewRouter(ctx context.Context) (MediaRouter, error)
}

// MediaRouter is the narrow surface of the media relay (SFU) the session layer drives.
type MediaRouter interface {
	ID() string
	Capabilities() RTPCapabilities
	// CreateTransport may block while ICE candidates are gathered.
	CreateTransport(ctx context.Context, opts TransportOptions) (MediaTransport, error)
	Close()
}

type MediaTransport interface {
	ID() string
	Direction() TransportDirection
	Parameters() TransportParameters
	// Connect applies the remote description. The returned description is the
	// local answer when the remote side offered, nil otherwise.
	Connect(ctx context.Context, remote DTLSParameters) (*DTLSParameters, error)
	// Produce is valid on send transports (client sends, relay receives).
	Produce(ctx context.Context, kind MediaKind, params RTPParameters) (Producer, error)
	// Consume is valid on recv transports. The consumer starts paused.
	Consume(ctx context.Context, p Producer, caps RTPCapabilities) (Consumer, error)
	// OnClose sets a callback fired once when the transport closes for any reason.
	OnClose(func())
	Closed() bool
	Close()
}

type Producer interface {
	ID() string
	Kind() MediaKind
	Codec() RTPCodec
	OnClose(func())
	Closed() bool
	Close()
}

type Consumer interface {
	ID() string
	ProducerID() string
	Parameters() ConsumerParameters
	Paused() bool
	Resume() error
	OnClose(func())
	Closed() bool
	Close()
}
