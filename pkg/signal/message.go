package signal

import "encoding/json"

// Message types carried by the signaling envelope.
const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeJoined       = "joined"
	TypeLeft         = "left"
	TypeID           = "id"
)

// ServerSrc is the src value for relay-originated envelopes.
const ServerSrc = "server"

// Envelope is a signaling message. The relay never inspects Payload;
// SDP and ICE contents are forwarded verbatim and any negotiation
// failure surfaces at the peer session layer.
type Envelope struct {
	Src     string          `json:"src"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// serverEnvelope builds a relay-originated envelope with a string payload.
func serverEnvelope(msgType, payload string) Envelope {
	raw, _ := json.Marshal(payload)
	return Envelope{Src: ServerSrc, Type: msgType, Payload: raw}
}
