// Package types holds the wire-level and in-memory data shapes shared by
// every core component: the protocol envelope, peer and listener entries,
// pending requests, handshake records, stream sessions and presence
// payloads.
package types

import (
	"time"

	"github.com/google/uuid"
)

// ProtocolMarker is the small integer sentinel identifying the envelope
// family on the wire. It never changes across protocol versions; only
// Version does.
const ProtocolMarker = 0x5843 // "XC"

// ProtocolVersion is the current wire protocol version.
const ProtocolVersion = 1

// Kind is the message kind tag carried by every envelope.
type Kind string

// Stable wire kind tags.
const (
	KindSignal       Kind = "sig"
	KindRequest      Kind = "req"
	KindResponse     Kind = "res"
	KindAck          Kind = "ack"
	KindHandshakeInit Kind = "hsk_init"
	KindHandshakeAck  Kind = "hsk_ack"
	KindHandshakeDone Kind = "hsk_done"
	KindHeartbeatPing Kind = "png"
	KindHeartbeatPong Kind = "pog"
	KindGoodbye       Kind = "bye"
	KindBroadcast     Kind = "bc"
	KindStream        Kind = "stream"
	KindPresence      Kind = "presence"
)

// Envelope is the immutable protocol message. Once constructed, the core
// never mutates an Envelope; transforms (hooks) produce new values.
type Envelope struct {
	Marker    int            `json:"pm"`
	Version   int            `json:"version"`
	ID        string         `json:"id"`
	Kind      Kind           `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Payload   any            `json:"payload"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// NewEnvelope builds a canonical envelope with a fresh identifier and the
// current protocol marker/version.
func NewEnvelope(kind Kind, payload any, meta map[string]any) Envelope {
	return Envelope{
		Marker:    ProtocolMarker,
		Version:   ProtocolVersion,
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
		Meta:      meta,
	}
}

// IsWrapped reports whether a raw decoded payload already carries the
// protocol marker, i.e. is already a wire envelope rather than a bare
// application payload that still needs wrapping by the router.
func IsWrapped(raw map[string]any) bool {
	if raw == nil {
		return false
	}
	if pm, ok := raw["pm"]; ok {
		if f, ok := toFloat(pm); ok {
			return int(f) == ProtocolMarker
		}
	}
	// short transport-wrapper shape used for broadcast delivery.
	if _, ok := raw["t"]; ok {
		if _, ok := raw["ts"]; ok {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Source describes who emitted a signal or request, attached to the
// wrapped SignalEvent / RequestPayload.
type Source struct {
	PeerID string `json:"peerId"`
}

// SignalPayload is the payload shape for sig/bc kinds.
type SignalPayload struct {
	Name string `json:"name"`
	Data any    `json:"data"`
	Source Source `json:"source"`
	Dest   string `json:"dest,omitempty"`
}

// RequestPayload is the payload shape for req kind; the outer envelope ID
// is the correlation id.
type RequestPayload struct {
	Name   string `json:"name"`
	Data   any    `json:"data"`
	Source Source `json:"source"`
	Dest   string `json:"dest"`
}

// ResponseError is the {code,message} error shape nested in ResponsePayload.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponsePayload is the payload shape for res kind.
type ResponsePayload struct {
	RequestID string         `json:"requestId"`
	Data      any            `json:"data,omitempty"`
	Source    Source         `json:"source"`
	Success   bool           `json:"success"`
	Error     *ResponseError `json:"error,omitempty"`
}
