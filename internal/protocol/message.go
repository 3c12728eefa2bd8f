// Package protocol holds the signaling message catalog shared by the server and the clients.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Party/internal/core"
	"github.com/dkeye/Party/internal/domain"
)

const (
	TypeCreateSession            = "createSession"
	TypeSessionCreated           = "sessionCreated"
	TypeCreateProducerTransport  = "createProducerTransport"
	TypeProducerTransportCreated = "producerTransportCreated"
	TypeConnectTransport         = "connectTransport"
	TypeTransportConnected       = "transportConnected"
	TypeProduce                  = "produce"
	TypeProduced                 = "produced"
	TypeNowPlaying               = "nowPlaying"
	TypePause                    = "pause"
	TypeResume                   = "resume"
	TypePosition                 = "position"
	TypeEndSession               = "endSession"
	TypeSessionEnded             = "sessionEnded"
	TypeListenerCount            = "listenerCount"
	TypeJoin                     = "join"
	TypeJoined                   = "joined"
	TypeCreateConsumerTransport  = "createConsumerTransport"
	TypeConsumerTransportCreated = "consumerTransportCreated"
	TypeConsume                  = "consume"
	TypeConsumed                 = "consumed"
	TypeResumeConsumer           = "resumeConsumer"
	TypeConsumerResumed          = "consumerResumed"
	TypeProducerAvailable        = "producerAvailable"
	TypeProducerClosed           = "producerClosed"
	TypeError                    = "error"
	TypePing                     = "ping"
	TypePong                     = "pong"
)

// Error codes carried by error messages.
const (
	CodeBadPayload               = "bad_payload"
	CodeWrongRole                = "wrong_role"
	CodeSessionNotFound          = "session_not_found"
	CodeNoTransport              = "no_transport"
	CodeNoProducer               = "no_producer"
	CodeIncompatibleCapabilities = "incompatible_capabilities"
	CodeNotJoined                = "not_joined"
	CodeRateLimited              = "rate_limited"
	CodeRelayFailed              = "relay_failed"
	CodeUnknownType              = "unknown_type"
)

var ErrMissingType = errors.New("message without type")

var responses = map[string]string{
	TypeCreateSession:           TypeSessionCreated,
	TypeCreateProducerTransport: TypeProducerTransportCreated,
	TypeConnectTransport:        TypeTransportConnected,
	TypeProduce:                 TypeProduced,
	TypeEndSession:              TypeSessionEnded,
	TypeJoin:                    TypeJoined,
	TypeCreateConsumerTransport: TypeConsumerTransportCreated,
	TypeConsume:                 TypeConsumed,
	TypeResumeConsumer:          TypeConsumerResumed,
	TypePing:                    TypePong,
}

var requests = func() map[string]string {
	out := make(map[string]string, len(responses))
	for req, resp := range responses {
		out[resp] = req
	}
	return out
}()

// ResponseTo returns the response type correlated with a request type.
func ResponseTo(requestType string) (string, bool) {
	t, ok := responses[requestType]
	return t, ok
}

// RequestFor is the inverse of ResponseTo.
func RequestFor(responseType string) (string, bool) {
	t, ok := requests[responseType]
	return t, ok
}

// Snapshot is the wire form of the playback state handed to joining listeners.
type Snapshot struct {
	CurrentTrack *domain.Track `json:"currentTrack"`
	IsPlaying    bool          `json:"isPlaying"`
	CurrentTime  float64       `json:"currentTime"`
}

func SnapshotAt(s domain.PlaybackSnapshot, now time.Time) *Snapshot {
	return &Snapshot{
		CurrentTrack: s.Track.Clone(),
		IsPlaying:    s.IsPlaying,
		CurrentTime:  s.At(now),
	}
}

// Playback rebuilds a local snapshot observed at now.
func (s *Snapshot) Playback(now time.Time) domain.PlaybackSnapshot {
	if s == nil {
		return domain.PlaybackSnapshot{ObservedAt: now}
	}
	return domain.PlaybackSnapshot{
		Track:      s.CurrentTrack.Clone(),
		IsPlaying:  s.IsPlaying,
		Position:   s.CurrentTime,
		ObservedAt: now,
	}
}

// Message is the flat envelope for every signaling message.
// Only the fields relevant to Type are set.
type Message struct {
	Type string `json:"type"`

	RequestType string `json:"requestType,omitempty"`
	Code        string `json:"code,omitempty"`
	Error       string `json:"error,omitempty"`

	SessionID       domain.SessionID  `json:"sessionId,omitempty"`
	ResumeSessionID domain.SessionID  `json:"resumeSessionId,omitempty"`
	ListenerID      domain.ListenerID `json:"listenerId,omitempty"`
	Reason          domain.EndReason  `json:"reason,omitempty"`

	RouterCapabilities *core.RTPCapabilities     `json:"routerCapabilities,omitempty"`
	RTPCapabilities    *core.RTPCapabilities     `json:"rtpCapabilities,omitempty"`
	Transport          *core.TransportParameters `json:"transport,omitempty"`
	TransportID        string                    `json:"transportId,omitempty"`
	DTLSParameters     *core.DTLSParameters      `json:"dtlsParameters,omitempty"`
	Kind               core.MediaKind            `json:"kind,omitempty"`
	RTPParameters      *core.RTPParameters       `json:"rtpParameters,omitempty"`
	ProducerID         string                    `json:"producerId,omitempty"`
	Consumer           *core.ConsumerParameters  `json:"consumer,omitempty"`
	ConsumerID         string                    `json:"consumerId,omitempty"`

	Snapshot    *Snapshot     `json:"snapshot,omitempty"`
	Track       *domain.Track `json:"track,omitempty"`
	CurrentTime *float64      `json:"currentTime,omitempty"`
	Duration    *float64      `json:"duration,omitempty"`
	Count       *int          `json:"count,omitempty"`
}

func Encode(m Message) (core.Frame, error) {
	if m.Type == "" {
		return nil, ErrMissingType
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	return b, nil
}

func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode: %w", err)
	}
	if m.Type == "" {
		return Message{}, ErrMissingType
	}
	return m, nil
}

// IsMetadata reports whether t is a playback message the host may broadcast.
func IsMetadata(t string) bool {
	switch t {
	case TypeNowPlaying, TypePause, TypeResume, TypePosition:
		return true
	}
	return false
}

func Float(v float64) *float64 { return &v }

func NewError(requestType, code string, err error) Message {
	m := Message{Type: TypeError, RequestType: requestType, Code: code}
	if err != nil {
		m.Error = err.Error()
	}
	return m
}

func Position(current, duration float64) Message {
	return Message{Type: TypePosition, CurrentTime: Float(current), Duration: Float(duration)}
}

func NowPlaying(t *domain.Track) Message {
	return Message{Type: TypeNowPlaying, Track: t.Clone()}
}

func ListenerCount(n int) Message {
	return Message{Type: TypeListenerCount, Count: &n}
}

func SessionEnded(reason domain.EndReason) Message {
	return Message{Type: TypeSessionEnded, Reason: reason}
}

func ProducerAvailable(producerID string) Message {
	return Message{Type: TypeProducerAvailable, ProducerID: producerID}
}

func ProducerClosed(producerID string) Message {
	return Message{Type: TypeProducerClosed, ProducerID: producerID}
}
