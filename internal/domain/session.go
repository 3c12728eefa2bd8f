package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

type (
	SessionID  string
	ListenerID string
)

// NewSessionID mints an opaque identifier; its unguessability is the only access control.
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// NewListenerID returns a sortable id; join order is visible in logs.
func NewListenerID() ListenerID {
	return ListenerID(ulid.Make().String())
}

// Session is the serializable descriptor of the active broadcast.
// Live handles (sockets, transports, producers, consumers) never live here.
type Session struct {
	ID            SessionID        `json:"id"`
	CreatedAt     time.Time        `json:"createdAt"`
	ListenerCount int              `json:"listenerCount"`
	Snapshot      PlaybackSnapshot `json:"snapshot"`
	ProducerID    string           `json:"producerId,omitempty"`
}

// EndReason tells listeners why a session went away.
type EndReason string

const (
	EndReasonEnded            EndReason = "ended"
	EndReasonSuperseded       EndReason = "superseded"
	EndReasonHostDisconnected EndReason = "host_disconnected"
	EndReasonShutdown         EndReason = "shutdown"
)
