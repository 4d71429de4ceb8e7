// Package errors implements the bus's single closed error model: one
// Kind enum, one BusError type carrying retryability, default message,
// operator suggestion, details and an optional wrapped cause.
package errors

import (
	"encoding/json"
	stderrors "errors"

	pkgerrors "github.com/pkg/errors"
)

// Kind enumerates the closed set of error categories.
type Kind string

const (
	HandshakeTimeout  Kind = "handshake-timeout"
	HandshakeRejected Kind = "handshake-rejected"
	OriginForbidden   Kind = "origin-forbidden"
	PeerExists        Kind = "peer-exists"
	PeerNotFound      Kind = "peer-not-found"
	PeerDisconnected  Kind = "peer-disconnected"
	ReconnectFailed   Kind = "reconnect-failed"
	AckTimeout        Kind = "ack-timeout"
	ResponseTimeout   Kind = "response-timeout"
	QueueFull         Kind = "queue-full"
	InvalidMessage    Kind = "invalid-message"
	VersionMismatch   Kind = "version-mismatch"
	CloneError        Kind = "clone-error"
	TransferError     Kind = "transfer-error"
	MessageTooLarge   Kind = "message-too-large"
	Unreachable       Kind = "unreachable"
	TTLExceeded       Kind = "ttl-exceeded"
	NoRoute           Kind = "no-route"
	NoHandler         Kind = "no-handler"
	HandlerError      Kind = "handler-error"
	HandlerTimeout    Kind = "handler-timeout"
	HandlerExists     Kind = "handler-exists"
	SendFailed        Kind = "send-failed"
	ChannelFailed     Kind = "channel-failed"
	ChannelClosed     Kind = "channel-closed"
	MaxPeers          Kind = "max-peers"
	MaxPending        Kind = "max-pending"
	Destroyed         Kind = "destroyed"
	CircuitOpen       Kind = "circuit-open"
	PayloadTooLarge   Kind = "payload-too-large"
	RateLimited       Kind = "rate-limited"
	Unauthorized      Kind = "unauthorized"
	InvalidPayload    Kind = "invalid-payload"
)

type descriptor struct {
	message    string
	retryable  bool
	suggestion string
}

var registry = map[Kind]descriptor{
	HandshakeTimeout:  {"handshake did not complete before the timeout", true, "retry the handshake or increase the timeout"},
	HandshakeRejected: {"handshake was rejected by the remote peer", false, "inspect the rejection reason before retrying"},
	OriginForbidden:   {"origin is not present on the allowlist", false, "add the origin to the allowed list or enable allow-all for local development only"},
	PeerExists:        {"a peer with this identifier is already registered", false, "use a unique peer identifier per connection"},
	PeerNotFound:      {"no peer is registered under this identifier", false, "verify the target peer id or wait for it to connect"},
	PeerDisconnected:  {"the target peer disconnected", true, "retry once the peer reconnects"},
	ReconnectFailed:   {"the transport failed to reconnect to the peer", true, "inspect the transport's connection logs"},
	AckTimeout:        {"no acknowledgement was received before the timeout", true, "retry the request or increase the timeout"},
	ResponseTimeout:   {"no response was received before the timeout", true, "retry the request or increase the timeout"},
	QueueFull:         {"the peer's offline queue is at capacity", true, "drain the queue or increase its capacity"},
	InvalidMessage:    {"the message could not be parsed into a known shape", false, "check the sender's wire encoding"},
	VersionMismatch:   {"the message protocol version is not supported", false, "upgrade the sender or receiver to a compatible version"},
	CloneError:        {"the payload could not be structurally cloned", false, "remove non-cloneable values from the payload"},
	TransferError:     {"the payload could not be transferred to the target context", false, "check the transport's transfer support"},
	MessageTooLarge:   {"the message exceeds the configured size limit", false, "split the payload or raise the limit"},
	Unreachable:       {"the target peer is not reachable through any transport", true, "verify transports are wired and the peer is connected"},
	TTLExceeded:       {"the message exceeded its time-to-live before delivery", false, "raise the TTL or reduce hop count"},
	NoRoute:           {"no route exists to the requested destination", false, "verify the destination peer or broadcast configuration"},
	NoHandler:         {"no handler is registered for this request name", false, "register a handler with Handle before issuing requests"},
	HandlerError:      {"the handler returned an error", false, "inspect the handler's error for the underlying cause"},
	HandlerTimeout:    {"the handler did not complete before the timeout", true, "optimize the handler or raise its timeout"},
	HandlerExists:     {"a handler is already registered under this name", false, "unregister the previous handler first"},
	SendFailed:        {"the transport's send call returned an error", true, "inspect the transport's send failure"},
	ChannelFailed:     {"the underlying channel failed", true, "inspect the transport for a concrete cause"},
	ChannelClosed:     {"the underlying channel is closed", false, "re-establish the transport connection"},
	MaxPeers:          {"the router is at its configured peer capacity", false, "remove idle peers or raise the capacity"},
	MaxPending:        {"the pending-request table is at its configured capacity", true, "retry after in-flight requests settle or raise the capacity"},
	Destroyed:         {"the bus has been destroyed", false, "construct a new bus instance"},
	CircuitOpen:       {"the circuit breaker is open for this target", true, "retry after the circuit's cooldown elapses"},
	PayloadTooLarge:   {"the payload exceeds the configured size limit", false, "split the payload or raise the limit"},
	RateLimited:       {"the caller exceeded the handler's configured rate limit", true, "retry after the current second elapses"},
	Unauthorized:      {"the peer is not authorized to call this handler", false, "add the peer to the handler's allowed-peer list"},
	InvalidPayload:     {"the payload failed handler validation", false, "check the payload against the handler's validator"},
}

// BusError is the single error type surfaced across all three
// propagation bands.
type BusError struct {
	Kind    Kind
	Message string
	Retryable bool
	Details map[string]any
	cause   error
}

// New builds a BusError for Kind with the registry's default message.
func New(kind Kind, details map[string]any) *BusError {
	d := registry[kind]
	return &BusError{Kind: kind, Message: d.message, Retryable: d.retryable, Details: details}
}

// Wrap builds a BusError for Kind, attaching cause as the wrapped
// underlying error.
func Wrap(kind Kind, cause error, details map[string]any) *BusError {
	e := New(kind, details)
	if cause != nil {
		e.cause = pkgerrors.WithStack(cause)
	}
	return e
}

// Suggestion returns the operator-facing remediation hint for a Kind.
func Suggestion(kind Kind) string {
	return registry[kind].suggestion
}

// Retryable reports whether errors of this Kind are retryable by default.
func Retryable(kind Kind) bool {
	return registry[kind].retryable
}

func (e *BusError) Error() string {
	if e.cause != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.cause.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *BusError) Unwrap() error {
	return e.cause
}

// Cause returns the innermost non-BusError cause, mirroring
// github.com/pkg/errors.Cause.
func (e *BusError) Cause() error {
	if e.cause == nil {
		return nil
	}
	return pkgerrors.Cause(e.cause)
}

type wireError struct {
	Kind       Kind           `json:"kind"`
	Message    string         `json:"message"`
	Retryable  bool           `json:"retryable"`
	Suggestion string         `json:"suggestion,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Cause      string         `json:"cause,omitempty"`
}

// MarshalJSON implements json.Marshaler so BusError can be carried on the
// wire as a response error detail.
func (e *BusError) MarshalJSON() ([]byte, error) {
	w := wireError{
		Kind:       e.Kind,
		Message:    e.Message,
		Retryable:  e.Retryable,
		Suggestion: Suggestion(e.Kind),
		Details:    e.Details,
	}
	if e.cause != nil {
		w.Cause = e.cause.Error()
	}
	return json.Marshal(w)
}

// Code is a stable string used on the wire's {code,message} response
// error shape.
func (e *BusError) Code() string {
	return string(e.Kind)
}

// FromCode maps a wire error code string back into a Kind, defaulting to
// HandlerError for unknown codes.
func FromCode(code string) Kind {
	k := Kind(code)
	if _, ok := registry[k]; ok {
		return k
	}
	return HandlerError
}

// Is reports whether err is a *BusError of the given Kind.
func Is(err error, kind Kind) bool {
	var be *BusError
	if !stderrors.As(err, &be) {
		return false
	}
	return be.Kind == kind
}
