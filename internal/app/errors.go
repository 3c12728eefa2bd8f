package app

import (
	"errors"

	"github.com/dkeye/Party/internal/core"
)

var (
	ErrSessionNotFound          = errors.New("session not found")
	ErrNoTransport              = errors.New("no transport")
	ErrNoProducer               = errors.New("no producer")
	ErrIncompatibleCapabilities = core.ErrIncompatibleCapabilities
	ErrListenerNotFound         = errors.New("listener not found")
	ErrTransportMismatch        = errors.New("transport id mismatch")
	ErrConsumerNotFound         = errors.New("consumer not found")
	ErrUnsupportedKind          = errors.New("media kind not supported by router")
)
