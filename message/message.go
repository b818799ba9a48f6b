// Package message implements the relay wire envelope: a typed message with
// four fields (message_type, message, destination, from) encoded as a JSON
// object.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrDecode reports a payload that is not a well-formed envelope.
	ErrDecode = errors.New("decode error")
	// ErrValidation reports a well-formed envelope whose content is invalid.
	ErrValidation = errors.New("validation error")
)

// Kind is the message_type code of an envelope.
type Kind int

const (
	KindClientToClient  Kind = 1 // Direct message between two clients
	KindClientToServer  Kind = 2 // Informational message for the server
	KindServerToClient  Kind = 3 // Informational message for a client
	KindDirectoryUpdate Kind = 4 // Full directory of connected clients
	KindDisconnect      Kind = 5 // Client is about to close its connection
	KindAliasUpdate     Kind = 6 // Client sets its display alias
	KindAssignedID      Kind = 7 // Server tells a client its identifier
)

// Valid reports whether k is a known code.
func (k Kind) Valid() bool {
	return k >= KindClientToClient && k <= KindAssignedID
}

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindClientToClient:
		return "ClientToClient"
	case KindClientToServer:
		return "ClientToServer"
	case KindServerToClient:
		return "ServerToClient"
	case KindDirectoryUpdate:
		return "DirectoryUpdate"
	case KindDisconnect:
		return "DisconnectNotice"
	case KindAliasUpdate:
		return "AliasUpdate"
	case KindAssignedID:
		return "AssignedId"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Message is one envelope. An empty Destination or Origin is encoded as null.
type Message struct {
	Kind        Kind
	Body        string
	Destination string
	Origin      string
}

// New builds a validated Message.
//
// Returns:
//   - ErrValidation if kind is unknown, or if a ClientToClient message has
//     neither a destination nor an origin
func New(kind Kind, body, destination, origin string) (Message, error) {
	m := Message{Kind: kind, Body: body, Destination: destination, Origin: origin}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}

	return m, nil
}

// Validate checks the invariants enforced by New.
func (m Message) Validate() error {
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: unknown message type %d", ErrValidation, int(m.Kind))
	}

	if m.Kind == KindClientToClient && m.Destination == "" && m.Origin == "" {
		return fmt.Errorf("%w: client to client message needs a destination or an origin", ErrValidation)
	}

	return nil
}

// envelope is the JSON shape on the wire. Raw fields let Decode tell an
// absent key from an explicit null.
type envelope struct {
	Type        json.RawMessage `json:"message_type"`
	Message     json.RawMessage `json:"message"`
	Destination json.RawMessage `json:"destination"`
	From        json.RawMessage `json:"from"`
}

type wireEnvelope struct {
	Type        int     `json:"message_type"`
	Message     string  `json:"message"`
	Destination *string `json:"destination"`
	From        *string `json:"from"`
}

// Encode serializes m. All four fields are always present.
func (m Message) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	return json.Marshal(wireEnvelope{
		Type:        int(m.Kind),
		Message:     m.Body,
		Destination: nullable(m.Destination),
		From:        nullable(m.Origin),
	})
}

// Encode serializes m. See Message.Encode.
func Encode(m Message) ([]byte, error) {
	return m.Encode()
}

// Decode parses a payload produced by Encode (or by a peer speaking the same
// protocol).
//
// Returns:
//   - ErrDecode if data is not exactly one JSON object, a field is missing,
//     or message_type is not a known integer code
//   - ErrValidation if the envelope parses but violates a Message invariant
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	for _, field := range []struct {
		name string
		raw  json.RawMessage
	}{
		{"message_type", env.Type},
		{"message", env.Message},
		{"destination", env.Destination},
		{"from", env.From},
	} {
		if len(field.raw) == 0 {
			return Message{}, fmt.Errorf("%w: missing field %q", ErrDecode, field.name)
		}
	}

	var code int
	if err := json.Unmarshal(env.Type, &code); err != nil {
		return Message{}, fmt.Errorf("%w: message_type: %v", ErrDecode, err)
	}

	if !Kind(code).Valid() {
		return Message{}, fmt.Errorf("%w: unknown message_type %d", ErrDecode, code)
	}

	var body string
	if err := json.Unmarshal(env.Message, &body); err != nil {
		return Message{}, fmt.Errorf("%w: message: %v", ErrDecode, err)
	}

	destination, err := optional(env.Destination)
	if err != nil {
		return Message{}, fmt.Errorf("%w: destination: %v", ErrDecode, err)
	}

	origin, err := optional(env.From)
	if err != nil {
		return Message{}, fmt.Errorf("%w: from: %v", ErrDecode, err)
	}

	return New(Kind(code), body, destination, origin)
}

func optional(raw json.RawMessage) (string, error) {
	var s *string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}

	if s == nil {
		return "", nil
	}

	return *s, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}
