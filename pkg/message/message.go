// Package message defines the signaling envelope exchanged between peers and the relay.
//
// An envelope is addressed by destination identity and carries an opaque payload that
// the relay never inspects. Each envelope type declares which fields it requires, so
// decoding rejects unknown types and routable envelopes without a destination.
package message

import (
	"github.com/goccy/go-json"
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/signalrelay/internal/sentinel"
)

// Type is the envelope kind.
type Type string

// Envelope kinds.
const (
	Open      Type = "OPEN"
	Leave     Type = "LEAVE"
	Candidate Type = "CANDIDATE"
	Offer     Type = "OFFER"
	Answer    Type = "ANSWER"
	Expire    Type = "EXPIRE"
	Heartbeat Type = "HEARTBEAT"
	IDTaken   Type = "ID_TAKEN"
	Error     Type = "ERROR"
)

// ErrorCode is the reason carried by an ERROR envelope.
type ErrorCode string

// Error codes sent to clients before the relay closes their socket.
const (
	InvalidParameters ErrorCode = "INVALID_WS_PARAMETERS"
	InvalidKey        ErrorCode = "INVALID_KEY"
	ConnectionLimit   ErrorCode = "CONNECTION_LIMIT_EXCEED"
)

// IDTakenText is the human readable reason sent along with ID_TAKEN.
const IDTakenText = "ID is taken"

// Routable reports whether envelopes of this kind are forwarded to a destination peer.
func (t Type) Routable() bool {
	switch t {
	case Offer, Answer, Candidate, Leave, Expire:
		return true
	case Open, Heartbeat, IDTaken, Error:
		return false
	}

	return false
}

// Valid reports whether t is one of the known kinds.
func (t Type) Valid() bool {
	switch t {
	case Open, Leave, Candidate, Offer, Answer, Expire, Heartbeat, IDTaken, Error:
		return true
	}

	return false
}

// String returns the wire name.
func (t Type) String() string { return string(t) }

// Message is a signaling envelope. Values are treated as immutable: the With* helpers
// return modified copies.
type Message struct {
	Type    Type            `json:"type"              msgpack:"type"`
	Src     string          `json:"src,omitempty"     msgpack:"src"`
	Dst     string          `json:"dst,omitempty"     msgpack:"dst"`
	Payload json.RawMessage `json:"payload,omitempty" msgpack:"payload"`
}

// New builds an envelope. The payload is marshaled to JSON; a nil payload is omitted.
func New(t Type, src, dst string, payload any) (Message, error) {
	msg := Message{Type: t, Src: src, Dst: dst}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, ewrap.Wrap(err, "marshal payload")
		}

		msg.Payload = raw
	}

	return msg, msg.Validate()
}

// WithSource returns a copy of m whose source is forced to src.
func (m Message) WithSource(src string) Message {
	m.Src = src
	m.Payload = append(json.RawMessage(nil), m.Payload...)

	return m
}

// Validate checks the fields required by the envelope kind.
func (m Message) Validate() error {
	if !m.Type.Valid() {
		return ewrap.Wrap(sentinel.ErrUnknownMessageType, string(m.Type))
	}

	if m.Type.Routable() && m.Dst == "" {
		return ewrap.Wrap(sentinel.ErrMissingDestination, string(m.Type))
	}

	return nil
}

// Parse decodes a frame received from a client or from the bus.
// Decoding failures are reported as ErrMalformedMessage.
func Parse(data []byte) (Message, error) {
	var msg Message

	err := json.Unmarshal(data, &msg)
	if err != nil {
		return Message{}, ewrap.Wrap(sentinel.ErrMalformedMessage, err.Error())
	}

	err = msg.Validate()
	if err != nil {
		return Message{}, ewrap.Wrap(sentinel.ErrMalformedMessage, err.Error())
	}

	return msg, nil
}

// Encode returns the JSON wire form of m.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, ewrap.Wrap(err, "failed to encode message")
	}

	return data, nil
}

type reason struct {
	Msg string `json:"msg"`
}

// NewOpen returns the OPEN acknowledgement sent after a successful registration.
func NewOpen() Message { return Message{Type: Open} }

// NewIDTaken returns the ID_TAKEN rejection.
func NewIDTaken() Message { return control(IDTaken, IDTakenText) }

// NewError returns an ERROR envelope carrying code.
func NewError(code ErrorCode) Message { return control(Error, string(code)) }

func control(t Type, msg string) Message {
	raw, _ := json.Marshal(reason{Msg: msg}) //nolint:errchkjson

	return Message{Type: t, Payload: raw}
}

// Reason extracts the payload msg field of a control envelope.
func (m Message) Reason() string {
	var r reason

	if len(m.Payload) == 0 || json.Unmarshal(m.Payload, &r) != nil {
		return ""
	}

	return r.Msg
}
