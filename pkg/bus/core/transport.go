package core

import "github.com/crossbus-go/bus/pkg/bus/types"

// Transport is the interface a concrete transport (frame messaging,
// same-origin channel, inter-tab channel, worker channel, socket) must
// implement to be wired into the facade via Bus.AddTransport. No
// concrete transport ships in this module: transports are external
// collaborators.
type Transport interface {
	// Send delivers a single envelope toward whatever this transport
	// connects to.
	Send(envelope types.Envelope) error

	// Listen returns the channel of envelopes arriving from this
	// transport. Closed when the transport shuts down.
	Listen() <-chan types.Envelope

	// Close releases the transport's resources. Idempotent.
	Close() error
}
