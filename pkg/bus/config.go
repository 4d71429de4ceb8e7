package bus

import (
	"time"

	"github.com/crossbus-go/bus/pkg/bus/core"
	"github.com/crossbus-go/bus/pkg/bus/definition"
)

// Validator re-exports core.Validator at the facade boundary.
type Validator = core.Validator

// Config configures one Bus instance, splitting local identity/limits
// from the allowed-origins list.
type Config struct {
	// PeerID is this process's stable identifier.
	PeerID string

	// Logger is the ambient logger; defaults to definition.NewDefaultLogger().
	Logger definition.Logger

	// AllowedOrigins configures the origin allowlist. Entries may
	// contain a bounded `*` wildcard.
	AllowedOrigins []string

	// SameOrigin is the process-wide same-origin reference used when
	// AllowedOrigins is empty.
	SameOrigin string

	// AllowAllOrigins disables origin checking entirely.
	// SecureConfiguration sets it to false.
	AllowAllOrigins bool

	// MaxPeers bounds the router's peer registry. 0 = unbounded.
	MaxPeers int

	// MaxPendingRequests bounds the pending-request tracker. 0 = unbounded.
	MaxPendingRequests int

	// DefaultRequestTimeout is used by Request when the caller does not
	// supply one.
	DefaultRequestTimeout time.Duration

	// HandshakeTimeout bounds how long Initiate waits for ack/done.
	HandshakeTimeout time.Duration

	// HandshakeValidator optionally rejects inbound handshake inits.
	HandshakeValidator Validator

	// PresenceInterval is the heartbeat/cleanup cadence. 0 disables the
	// background loop (Start() still sends one join message).
	PresenceInterval time.Duration

	// PresenceTimeout is the staleness threshold for eviction.
	PresenceTimeout time.Duration

	// CausalBufferCapacity bounds the causal orderer's pending buffer.
	// 0 = unbounded.
	CausalBufferCapacity int

	// DefaultStreamChunkSize overrides DefaultChunkSize for outgoing
	// stream writers when non-zero.
	DefaultStreamChunkSize int

	// MaxPayloadSize bounds the marshalled size, in bytes, of a single
	// Handle/Signal/Request/BroadcastRequest payload. 0 = unbounded.
	// Checked synchronously before the operation proceeds; the stream
	// sub-protocol has its own chunk-size limit and is unaffected.
	MaxPayloadSize int
}

// defaultMaxPayloadSize is the marshalled-byte ceiling DefaultConfiguration
// applies to Handle/Signal/Request/BroadcastRequest payloads: 1 MiB.
const defaultMaxPayloadSize = 1 << 20

// DefaultConfiguration returns a Config built with sensible functional
// defaults for every timeout and limit, keyed only by peer identity.
func DefaultConfiguration(peerID string) *Config {
	return &Config{
		PeerID:                peerID,
		Logger:                definition.NewDefaultLogger(),
		SameOrigin:            "",
		AllowAllOrigins:       true,
		MaxPeers:              0,
		MaxPendingRequests:    0,
		DefaultRequestTimeout: 5 * time.Second,
		HandshakeTimeout:      5 * time.Second,
		PresenceInterval:      10 * time.Second,
		PresenceTimeout:       30 * time.Second,
		CausalBufferCapacity:  256,
		MaxPayloadSize:        defaultMaxPayloadSize,
	}
}

// SecureConfiguration returns DefaultConfiguration(peerID) with
// AllowAllOrigins turned off and AllowedOrigins set to allowedOrigins.
// The list is used as given: an empty list is not rejected, and a `*`
// entry is not refused but compiled as a bounded wildcard pattern like
// any other `*`-bearing entry.
func SecureConfiguration(peerID string, allowedOrigins []string) *Config {
	cfg := DefaultConfiguration(peerID)
	cfg.AllowAllOrigins = false
	cfg.AllowedOrigins = allowedOrigins
	return cfg
}

type handlerSecurity struct {
	allowedPeers    map[string]struct{}
	rateLimitPerSec int
	validatePayload func(payload any) error
}

// HandleOptions configures a single Handle registration.
type HandleOptions struct {
	AllowedPeers    []string
	RateLimit       int
	ValidatePayload func(payload any) error
}

func (o HandleOptions) toSecurity() handlerSecurity {
	sec := handlerSecurity{rateLimitPerSec: o.RateLimit, validatePayload: o.ValidatePayload}
	if len(o.AllowedPeers) > 0 {
		sec.allowedPeers = make(map[string]struct{}, len(o.AllowedPeers))
		for _, p := range o.AllowedPeers {
			sec.allowedPeers[p] = struct{}{}
		}
	}
	return sec
}

// RequestOptions configures a single Request call.
type RequestOptions struct {
	Timeout      time.Duration
	DefaultValue any
	HasDefault   bool
}

// BroadcastRequestOptions configures a single BroadcastRequest call.
type BroadcastRequestOptions struct {
	Timeout      time.Duration
	Exclude      map[string]struct{}
	IgnoreErrors bool
}

// SignalOptions configures a single Signal call.
type SignalOptions struct {
	Exclude map[string]struct{}
}
