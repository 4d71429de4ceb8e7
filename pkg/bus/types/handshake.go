package types

import "time"

// HandshakePhase is the per-identifier handshake state.
type HandshakePhase string

const (
	PhaseIdle     HandshakePhase = "idle"
	PhaseInitSent HandshakePhase = "init-sent"
	PhaseAckSent  HandshakePhase = "ack-sent"
	PhaseDone     HandshakePhase = "done"
	PhaseFailed   HandshakePhase = "failed"
)

// RemotePeerInfo is the snapshot produced on handshake success.
type RemotePeerInfo struct {
	PeerID       string
	Origin       string
	Meta         map[string]any
	Capabilities []string
	ConnectedAt  time.Time
}

// HandshakeInit is the payload of a hsk_init message.
type HandshakeInit struct {
	HandshakeID  string         `json:"handshakeId"`
	PeerID       string         `json:"peerId"`
	Origin       string         `json:"origin"`
	Meta         map[string]any `json:"meta,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Timestamp    int64          `json:"timestamp"`
	Challenge    string         `json:"challenge,omitempty"`
}

// HandshakeAck is the payload of a hsk_ack message.
type HandshakeAck struct {
	HandshakeID string `json:"handshakeId"`
	PeerID      string `json:"peerId"`
	Accept      bool   `json:"accept"`
	Reason      string `json:"reason,omitempty"`
	Response    string `json:"response,omitempty"`
}

// HandshakeComplete is the payload of a hsk_done message.
type HandshakeComplete struct {
	HandshakeID string `json:"handshakeId"`
	PeerID      string `json:"peerId"`
	Confirmed   bool   `json:"confirmed"`
	Success     bool   `json:"success"`
}

// HandshakeRecord is the pending-handshake bookkeeping entry.
type HandshakeRecord struct {
	HandshakeID string
	Phase       HandshakePhase
	Remote      *RemotePeerInfo
	CreatedAt   time.Time

	// Continuation resolved/rejected once the handshake finishes.
	Resolve func(info RemotePeerInfo)
	Reject  func(err error)

	timer *time.Timer
}

func (h *HandshakeRecord) SetTimer(t *time.Timer) { h.timer = t }
func (h *HandshakeRecord) Timer() *time.Timer      { return h.timer }
