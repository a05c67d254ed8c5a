package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"webbook/internal/cryptoprim"
)

func TestEncodeDecodeLinkRoundTrip(t *testing.T) {
	seed, err := cryptoprim.RandomBytes(32)
	require.NoError(t, err)
	now := time.Now()

	payload := LinkPayload{Seed: seed, DisplayName: "Ada", DeviceIndex: 2}
	qr, linkKey, err := EncodeLink(payload, now)
	require.NoError(t, err)

	decoded, err := DecodeLink(qr, linkKey, now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, seed, decoded.Seed)
	require.Equal(t, "Ada", decoded.DisplayName)
	require.Equal(t, 2, decoded.DeviceIndex)
}

func TestDecodeLinkRejectsExpired(t *testing.T) {
	seed, err := cryptoprim.RandomBytes(32)
	require.NoError(t, err)
	now := time.Now()

	qr, linkKey, err := EncodeLink(LinkPayload{Seed: seed, DeviceIndex: 1}, now)
	require.NoError(t, err)

	_, err = DecodeLink(qr, linkKey, now.Add(11*time.Minute))
	require.ErrorIs(t, err, ErrLinkExpired)
}

func TestDecodeLinkRejectsWrongKey(t *testing.T) {
	seed, err := cryptoprim.RandomBytes(32)
	require.NoError(t, err)
	now := time.Now()

	qr, _, err := EncodeLink(LinkPayload{Seed: seed, DeviceIndex: 1}, now)
	require.NoError(t, err)

	wrongKey, err := cryptoprim.RandomBytes(32)
	require.NoError(t, err)

	_, err = DecodeLink(qr, wrongKey, now)
	require.ErrorIs(t, err, ErrLinkInvalid)
}

func TestReplayGuardRejectsSecondRedemption(t *testing.T) {
	g := NewReplayGuard()
	now := time.Now()
	require.NoError(t, g.CheckAndMark("qr-1", now))
	require.ErrorIs(t, g.CheckAndMark("qr-1", now), ErrLinkReplayed)
}
