// Package protocol defines the JSON envelopes exchanged over a device
// connection. Inbound traffic is binary scan frames (see internal/codec);
// everything outbound is one of these envelopes.
package protocol

import "encoding/json"

// Envelope types.
const (
	TypeAck   = "ack"
	TypeError = "error"
)

// Envelope is the outbound message wrapper.
type Envelope struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Welcome is the ack payload sent once after a successful connect.
type Welcome struct {
	Message    string `json:"message"`
	DeviceID   string `json:"deviceId"`
	ServerTime int64  `json:"serverTime"`
}

// ScanAck is the ack payload sent for each received scan. Stored is false
// for validation failures, queue rejections, and storage failures alike.
type ScanAck struct {
	ScanID   string `json:"scanId"`
	Received int64  `json:"received"`
	Stored   bool   `json:"stored"`
}

// NewAck wraps a payload in an ack envelope.
func NewAck(payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: TypeAck, Data: data}, nil
}

// NewError wraps a message in an error envelope.
func NewError(msg string) Envelope {
	return Envelope{Type: TypeError, Error: msg}
}
