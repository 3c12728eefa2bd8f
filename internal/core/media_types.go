package core

import "strings"

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool { return k == KindAudio || k == KindVideo }

// TransportDirection is named from the client's point of view.
type TransportDirection string

const (
	DirectionSend TransportDirection = "send" // host publishes, relay receives
	DirectionRecv TransportDirection = "recv" // relay sends, listener receives
)

type TransportOptions struct {
	Direction TransportDirection
	// Label shows up in logs only.
	Label string
}

type RTPCodec struct {
	Kind        MediaKind `json:"kind"`
	MimeType    string    `json:"mimeType"`
	ClockRate   uint32    `json:"clockRate"`
	Channels    uint16    `json:"channels,omitempty"`
	SDPFmtpLine string    `json:"sdpFmtpLine,omitempty"`
	PayloadType uint8     `json:"payloadType,omitempty"`
}

// Compatible ignores payload type and fmtp; those are settled during SDP negotiation.
func (c RTPCodec) Compatible(o RTPCodec) bool {
	if !strings.EqualFold(c.MimeType, o.MimeType) || c.ClockRate != o.ClockRate {
		return false
	}
	return c.Channels == 0 || o.Channels == 0 || c.Channels == o.Channels
}

type RTPCapabilities struct {
	Codecs []RTPCodec `json:"codecs"`
}

// Match returns the first capability codec compatible with c.
func (caps RTPCapabilities) Match(c RTPCodec) (RTPCodec, bool) {
	for _, own := range caps.Codecs {
		if own.Compatible(c) {
			return own, true
		}
	}
	return RTPCodec{}, false
}

func (caps RTPCapabilities) CanProduce(kind MediaKind) bool {
	for _, c := range caps.Codecs {
		if c.Kind == kind {
			return true
		}
	}
	return false
}

// Intersect keeps codecs of caps that other also supports, in caps order.
func (caps RTPCapabilities) Intersect(other RTPCapabilities) RTPCapabilities {
	out := RTPCapabilities{}
	for _, c := range caps.Codecs {
		if _, ok := other.Match(c); ok {
			out.Codecs = append(out.Codecs, c)
		}
	}
	return out
}

type RTPParameters struct {
	MID    string     `json:"mid,omitempty"`
	Codecs []RTPCodec `json:"codecs"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// DTLSParameters carries a session description. DTLS fingerprints and ICE
// credentials travel inside the SDP.
type DTLSParameters struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type TransportParameters struct {
	ID         string             `json:"id"`
	Direction  TransportDirection `json:"direction"`
	ICEServers []ICEServer        `json:"iceServers,omitempty"`
	// Offer is set on recv transports: the relay offers, the listener answers via connectTransport.
	Offer *DTLSParameters `json:"offer,omitempty"`
}

type ConsumerParameters struct {
	ID            string        `json:"id"`
	ProducerID    string        `json:"producerId"`
	Kind          MediaKind     `json:"kind"`
	RTPParameters RTPParameters `json:"rtpParameters"`
	Paused        bool          `json:"paused"`
}
