package message

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind(t *testing.T) {
	t.Run("codes one to seven are valid", func(t *testing.T) {
		for code := 1; code <= 7; code++ {
			assert.True(t, Kind(code).Valid(), code)
		}
		assert.False(t, Kind(0).Valid())
		assert.False(t, Kind(8).Valid())
	})

	t.Run("names", func(t *testing.T) {
		assert.Equal(t, "ClientToClient", KindClientToClient.String())
		assert.Equal(t, "AssignedId", KindAssignedID.String())
		assert.Equal(t, "Kind(42)", Kind(42).String())
	})
}

func TestNew_Validation(t *testing.T) {
	t.Run("client to client without destination and origin fails", func(t *testing.T) {
		_, err := New(KindClientToClient, "hi", "", "")
		assert.ErrorIs(t, err, ErrValidation)
		assert.NotErrorIs(t, err, ErrDecode)
	})

	t.Run("client to client with destination only succeeds", func(t *testing.T) {
		m, err := New(KindClientToClient, "hi", "b", "")
		require.NoError(t, err)
		assert.Equal(t, "b", m.Destination)
	})

	t.Run("client to client with origin only succeeds", func(t *testing.T) {
		_, err := New(KindClientToClient, "hi", "", "a")
		require.NoError(t, err)
	})

	t.Run("other kinds need neither", func(t *testing.T) {
		_, err := New(KindClientToServer, "hi", "", "")
		require.NoError(t, err)
	})

	t.Run("unknown kind fails", func(t *testing.T) {
		_, err := New(Kind(9), "", "", "")
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestEncode_AllFieldsPresent(t *testing.T) {
	data, err := Notice("hello").Encode()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, map[string]any{
		"message_type": float64(2),
		"message":      "hello",
		"destination":  nil,
		"from":         nil,
	}, raw)
}

func TestEncode_RejectsInvalid(t *testing.T) {
	_, err := Encode(Message{Kind: KindClientToClient, Body: "x"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRoundTrip(t *testing.T) {
	messages := []Message{
		{Kind: KindClientToClient, Body: "hi bob", Destination: "b", Origin: "a"},
		{Kind: KindClientToClient, Body: "", Destination: "b"},
		{Kind: KindClientToClient, Body: "x", Origin: "a"},
		{Kind: KindClientToServer, Body: "hello server"},
		{Kind: KindServerToClient, Body: "hello client", Destination: "a"},
		{Kind: KindDirectoryUpdate, Body: `[{"id":"a","alias":"","peer_address":"127.0.0.1:1"}]`},
		{Kind: KindDisconnect},
		{Kind: KindAliasUpdate, Body: "bob"},
		{Kind: KindAssignedID, Body: "4b6a"},
		{Kind: KindClientToServer, Body: "unicode ✓ \"quotes\" \n newline"},
	}

	for _, m := range messages {
		t.Run(m.Kind.String(), func(t *testing.T) {
			data, err := m.Encode()
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			if diff := cmp.Diff(m, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	decodeErrors := map[string]string{
		"not json":              `hello`,
		"truncated":             `{"message_type": 1`,
		"array":                 `[1, 2]`,
		"null":                  `null`,
		"missing message_type":  `{"message":"x","destination":null,"from":null}`,
		"missing message":       `{"message_type":2,"destination":null,"from":null}`,
		"missing destination":   `{"message_type":2,"message":"x","from":null}`,
		"missing from":          `{"message_type":2,"message":"x","destination":null}`,
		"string message_type":   `{"message_type":"2","message":"x","destination":null,"from":null}`,
		"float message_type":    `{"message_type":2.5,"message":"x","destination":null,"from":null}`,
		"unknown message_type":  `{"message_type":8,"message":"x","destination":null,"from":null}`,
		"zero message_type":     `{"message_type":0,"message":"x","destination":null,"from":null}`,
		"numeric destination":   `{"message_type":1,"message":"x","destination":5,"from":null}`,
		"object message":        `{"message_type":2,"message":{},"destination":null,"from":null}`,
		"empty payload":         ``,
		"trailing garbage":      `{"message_type":2,"message":"x","destination":null,"from":null} not json at all`,
		"two envelopes":         `{"message_type":2,"message":"x","destination":null,"from":null}{"message_type":2,"message":"y","destination":null,"from":null}`,
	}

	for name, payload := range decodeErrors {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(payload))
			assert.ErrorIs(t, err, ErrDecode)
			assert.NotErrorIs(t, err, ErrValidation)
		})
	}

	t.Run("client to client without destination and from is a validation error", func(t *testing.T) {
		_, err := Decode([]byte(`{"message_type":1,"message":"x","destination":null,"from":null}`))
		assert.ErrorIs(t, err, ErrValidation)
		assert.NotErrorIs(t, err, ErrDecode)
	})

	t.Run("empty strings count as absent identifiers", func(t *testing.T) {
		_, err := Decode([]byte(`{"message_type":1,"message":"x","destination":"","from":""}`))
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestDirectory(t *testing.T) {
	entries := []DirectoryEntry{
		{ID: "a", Alias: "", Address: "127.0.0.1:5001"},
		{ID: "b", Alias: "bob", Address: "127.0.0.1:5002"},
	}

	m, err := Directory(entries)
	require.NoError(t, err)
	assert.Equal(t, KindDirectoryUpdate, m.Kind)

	got, err := DecodeDirectory(m.Body)
	require.NoError(t, err)
	assert.Equal(t, entries, got)

	t.Run("nil renders as empty array", func(t *testing.T) {
		body, err := EncodeDirectory(nil)
		require.NoError(t, err)
		assert.Equal(t, "[]", body)
	})

	t.Run("malformed body is a decode error", func(t *testing.T) {
		_, err := DecodeDirectory("{")
		assert.ErrorIs(t, err, ErrDecode)
	})
}

func TestBuilders(t *testing.T) {
	assert.Equal(t, Message{Kind: KindAssignedID, Body: "id"}, AssignedID("id"))
	assert.Equal(t, Message{Kind: KindAliasUpdate, Body: "bob"}, Alias("bob"))
	assert.Equal(t, Message{Kind: KindDisconnect}, Disconnect())

	m, err := Direct("b", "hi")
	require.NoError(t, err)
	assert.Equal(t, Message{Kind: KindClientToClient, Body: "hi", Destination: "b"}, m)

	_, err = Direct("", "hi")
	assert.ErrorIs(t, err, ErrValidation)
}
