package weberr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsMatchesKindThroughWrapping(t *testing.T) {
	base := New(KindRateLimited, "relayclient.Send", errors.New("too many requests"))
	wrapped := fmt.Errorf("dispatch: %w", base)

	require.True(t, Is(wrapped, KindRateLimited))
	require.False(t, Is(wrapped, KindSendTimeout))
}

func TestErrorsIsAgainstSentinel(t *testing.T) {
	err := New(KindExchangeExpired, "handshake.Decode", nil)
	require.True(t, errors.Is(err, OfKind(KindExchangeExpired)))
	require.False(t, errors.Is(err, OfKind(KindExchangeReplayed)))
}

func TestUnwrapExposesUnderlyingCause(t *testing.T) {
	cause := errors.New("disk full")
	err := New(KindStorageIO, "securestore.Open", cause)
	require.ErrorIs(t, err, cause)
}
