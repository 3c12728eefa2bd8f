package client

import (
	"errors"
	"fmt"

	"github.com/dkeye/Party/internal/protocol"
)

var (
	// ErrNoProducer means the host is not publishing yet. It is expected control flow:
	// the listener waits for producerAvailable.
	ErrNoProducer = errors.New("no producer")

	ErrRequestTimeout  = errors.New("request timed out")
	ErrRequestInFlight = errors.New("request of this type already pending")
	ErrClosed          = errors.New("signaling connection closed")
	ErrNotReady        = errors.New("transport not ready")
	ErrAlreadyBound    = errors.New("audio element already bound to a capture graph")
)

// ConnectionError is a dial or socket failure.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string { return fmt.Sprintf("signaling %s: %v", e.URL, e.Err) }
func (e *ConnectionError) Unwrap() error { return e.Err }

// NegotiationError is a request that got no usable answer.
type NegotiationError struct {
	Request string
	Err     error
}

func (e *NegotiationError) Error() string { return fmt.Sprintf("%s: %v", e.Request, e.Err) }
func (e *NegotiationError) Unwrap() error { return e.Err }

type CaptureError struct {
	Element string
	Err     error
}

func (e *CaptureError) Error() string { return fmt.Sprintf("capture %s: %v", e.Element, e.Err) }
func (e *CaptureError) Unwrap() error { return e.Err }

// RelayError is a producer, consumer or transport the relay rejected.
type RelayError struct {
	Op  string
	Err error
}

func (e *RelayError) Error() string { return fmt.Sprintf("relay %s: %v", e.Op, e.Err) }
func (e *RelayError) Unwrap() error { return e.Err }

// RemoteError is an error message the server sent for a request.
type RemoteError struct {
	RequestType string
	Code        string
	Message     string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s rejected: %s", e.RequestType, e.Code)
	}
	return fmt.Sprintf("%s rejected: %s (%s)", e.RequestType, e.Code, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrNoProducer && e.Code == protocol.CodeNoProducer
}

func remoteError(m protocol.Message) *RemoteError {
	return &RemoteError{RequestType: m.RequestType, Code: m.Code, Message: m.Error}
}

// IsCode reports whether err carries a RemoteError with the given code.
func IsCode(err error, code string) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Code == code
}
