package message

import (
	"encoding/json"
	"fmt"
)

// DirectoryEntry describes one connected client in a DirectoryUpdate body.
type DirectoryEntry struct {
	ID      string `json:"id"`
	Alias   string `json:"alias"`
	Address string `json:"peer_address"`
}

// EncodeDirectory renders entries as the body of a DirectoryUpdate message.
// A nil slice is rendered as an empty array.
func EncodeDirectory(entries []DirectoryEntry) (string, error) {
	if entries == nil {
		entries = []DirectoryEntry{}
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("encoding directory: %w", err)
	}

	return string(data), nil
}

// DecodeDirectory parses the body of a DirectoryUpdate message.
func DecodeDirectory(body string) ([]DirectoryEntry, error) {
	var entries []DirectoryEntry
	if err := json.Unmarshal([]byte(body), &entries); err != nil {
		return nil, fmt.Errorf("%w: directory: %v", ErrDecode, err)
	}

	return entries, nil
}

// AssignedID tells a client its identifier.
func AssignedID(id string) Message {
	return Message{Kind: KindAssignedID, Body: id}
}

// Directory builds a DirectoryUpdate carrying entries.
func Directory(entries []DirectoryEntry) (Message, error) {
	body, err := EncodeDirectory(entries)
	if err != nil {
		return Message{}, err
	}

	return Message{Kind: KindDirectoryUpdate, Body: body}, nil
}

// Disconnect builds a DisconnectNotice.
func Disconnect() Message {
	return Message{Kind: KindDisconnect}
}

// Alias builds an AliasUpdate setting the sender's alias to name.
func Alias(name string) Message {
	return Message{Kind: KindAliasUpdate, Body: name}
}

// Notice builds a ClientToServer message.
func Notice(body string) Message {
	return Message{Kind: KindClientToServer, Body: body}
}

// Direct builds a ClientToClient message addressed to destination. The server
// fills in the origin.
//
// Returns:
//   - ErrValidation if destination is empty
func Direct(destination, body string) (Message, error) {
	if destination == "" {
		return Message{}, fmt.Errorf("%w: missing destination", ErrValidation)
	}

	return New(KindClientToClient, body, destination, "")
}
