// Package signaling implements the rendezvous broker: devices attach
// over a duplex connection, authenticate, and exchange typed JSON
// control messages addressed by device id (spec §4.6).
package signaling

import "encoding/json"

// MaxMessageSize is the largest signaling message the broker accepts.
const MaxMessageSize = 64 * 1024

// Message discriminator values, per the signaling message table.
const (
	TypeOffer                 = "offer"
	TypeAnswer                = "answer"
	TypeICECandidate          = "ice-candidate"
	TypeConnectRequest        = "connect-request"
	TypeConnectRequestRecvd   = "connect-request-received"
	TypeConnectAck            = "connect-ack"
	TypeConnectAckRecvd       = "connect-ack-received"
	TypeConnected             = "connected"
	TypeAck                   = "ack"
	TypeError                 = "error"
)

// Envelope is the minimum shape every signaling message carries: a
// discriminator plus whatever routing fields the type requires.
// Payload fields specific to a type are decoded from the same raw
// bytes by the caller as needed — the broker itself only inspects
// type, target_device_id, and sender_device_id.
type Envelope struct {
	Type            string          `json:"type"`
	TargetDeviceID  string          `json:"target_device_id,omitempty"`
	SenderDeviceID  string          `json:"sender_device_id,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	PreferredTransport string       `json:"preferred_transport,omitempty"`
	Transport       string          `json:"transport,omitempty"`
	Status          string          `json:"status,omitempty"`
	RelaySessionID  string          `json:"relay_session_id,omitempty"`
	DeviceID        string          `json:"device_id,omitempty"`
	Message         string          `json:"message,omitempty"`
}

// Validate checks that an inbound envelope is well-formed enough to
// route: every message the broker accepts from a peer must carry both
// a type and a target_device_id, matching the signaling endpoint's
// unconditional "type" not in message or "target_device_id" not in
// message rejection — there is no message type the broker forwards
// without knowing who it's for.
func Validate(raw []byte) (Envelope, error) {
	if len(raw) > MaxMessageSize {
		return Envelope{}, errOversized
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, errMalformed
	}
	if env.Type == "" {
		return Envelope{}, errMissingType
	}
	if env.TargetDeviceID == "" {
		return Envelope{}, errMissingTarget
	}
	return env, nil
}

// ErrorMessage builds a broker→peer error envelope.
func ErrorMessage(msg string) Envelope {
	return Envelope{Type: TypeError, Message: msg}
}

// AckMessage builds a broker→peer delivery acknowledgment.
func AckMessage() Envelope {
	return Envelope{Type: TypeAck}
}

// ConnectedMessage builds the post-attach confirmation.
func ConnectedMessage(deviceID string) Envelope {
	return Envelope{Type: TypeConnected, DeviceID: deviceID}
}
