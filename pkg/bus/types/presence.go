package types

// PresenceSubtype is the pt field of a presence message.
type PresenceSubtype string

const (
	PresenceJoin      PresenceSubtype = "join"
	PresenceLeave     PresenceSubtype = "leave"
	PresenceHeartbeat PresenceSubtype = "heartbeat"
	PresenceUpdate    PresenceSubtype = "update"
)

// PresencePayload is the payload shape for kind "presence".
type PresencePayload struct {
	Subtype PresenceSubtype `json:"pt"`
	PeerID  string          `json:"peerId"`
	Status  string          `json:"status,omitempty"`
	Meta    map[string]any  `json:"meta,omitempty"`
	Timestamp int64         `json:"ts"`
}
