package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDefaultsFromRegistry(t *testing.T) {
	err := New(PeerNotFound, map[string]any{"peerId": "hub"})
	require.Equal(t, PeerNotFound, err.Kind)
	require.Equal(t, registry[PeerNotFound].message, err.Message)
	require.False(t, err.Retryable)
	require.Equal(t, "hub", err.Details["peerId"])
}

func TestWrapAttachesCause(t *testing.T) {
	cause := stderrors.New("boom")
	err := Wrap(SendFailed, cause, nil)
	require.ErrorContains(t, err, "boom")
	require.Equal(t, cause.Error(), err.Cause().Error())
}

func TestIsMatchesKindThroughWrapping(t *testing.T) {
	err := New(ResponseTimeout, nil)
	var wrapped error = fmt.Errorf("request failed: %w", err)
	require.True(t, Is(wrapped, ResponseTimeout))
	require.False(t, Is(wrapped, HandshakeTimeout))
	require.False(t, Is(stderrors.New("plain"), ResponseTimeout))
}

func TestMarshalJSONCarriesSuggestionAndCause(t *testing.T) {
	err := Wrap(HandshakeRejected, stderrors.New("bad signature"), map[string]any{"reason": "no"})
	raw, jsonErr := json.Marshal(err)
	require.NoError(t, jsonErr)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, string(HandshakeRejected), decoded["kind"])
	require.NotEmpty(t, decoded["suggestion"])
	require.Contains(t, decoded["cause"], "bad signature")
}

func TestFromCodeRoundTripsAndDefaults(t *testing.T) {
	require.Equal(t, PeerExists, FromCode(string(PeerExists)))
	require.Equal(t, HandlerError, FromCode("not-a-real-code"))
}

func TestEveryRegisteredKindHasAMessage(t *testing.T) {
	for kind, d := range registry {
		require.NotEmpty(t, d.message, "kind %s missing a message", kind)
		require.NotEmpty(t, d.suggestion, "kind %s missing a suggestion", kind)
	}
}
