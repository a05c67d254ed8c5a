package handshake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"webbook/internal/cryptoprim"
)

func TestEncodeDecodeBundleRoundTrip(t *testing.T) {
	signPub, signPriv, err := cryptoprim.GenerateSigningKeyPair()
	require.NoError(t, err)
	idPub, _, err := cryptoprim.GenerateExchangeKeyPair()
	require.NoError(t, err)
	otkPub, _, err := cryptoprim.GenerateExchangeKeyPair()
	require.NoError(t, err)

	now := time.Now().UTC()
	qr, err := EncodeBundle(signPub, signPriv, idPub, otkPub, now)
	require.NoError(t, err)
	require.True(t, len(qr) > len(qrURLPrefix))

	bundle, err := DecodeBundle(qr, now.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, idPub, bundle.IdentityDHKey)
	require.Equal(t, otkPub, bundle.OneTimePrekey)
}

func TestDecodeBundleRejectsExpired(t *testing.T) {
	signPub, signPriv, err := cryptoprim.GenerateSigningKeyPair()
	require.NoError(t, err)
	idPub, _, err := cryptoprim.GenerateExchangeKeyPair()
	require.NoError(t, err)
	otkPub, _, err := cryptoprim.GenerateExchangeKeyPair()
	require.NoError(t, err)

	now := time.Now().UTC()
	qr, err := EncodeBundle(signPub, signPriv, idPub, otkPub, now)
	require.NoError(t, err)

	_, err = DecodeBundle(qr, now.Add(6*time.Minute))
	require.ErrorIs(t, err, ErrExchangeExpired)
}

func TestDecodeBundleRejectsTamperedSignature(t *testing.T) {
	signPub, signPriv, err := cryptoprim.GenerateSigningKeyPair()
	require.NoError(t, err)
	idPub, _, err := cryptoprim.GenerateExchangeKeyPair()
	require.NoError(t, err)
	otkPub, _, err := cryptoprim.GenerateExchangeKeyPair()
	require.NoError(t, err)

	now := time.Now().UTC()
	qr, err := EncodeBundle(signPub, signPriv, idPub, otkPub, now)
	require.NoError(t, err)

	tampered := []byte(qr)
	tampered[len(tampered)-1] ^= 0x01
	_, err = DecodeBundle(string(tampered), now)
	require.ErrorIs(t, err, ErrExchangeInvalid)
}

func TestReplayGuardRejectsRepeatedOneTimePrekey(t *testing.T) {
	g := NewReplayGuard()
	now := time.Now().UTC()
	otk := []byte("one-time-prekey-bytes-32-long!!")

	require.NoError(t, g.CheckAndMark(otk, now))
	err := g.CheckAndMark(otk, now.Add(time.Second))
	require.ErrorIs(t, err, ErrExchangeReplayed)
}

func TestInitiatorAndResponderDeriveSameSharedSecret(t *testing.T) {
	// Initiator's long-term identity DH key and one-time prekey.
	ikAPub, ikAPriv, err := cryptoprim.GenerateExchangeKeyPair()
	require.NoError(t, err)
	otkAPub, otkAPriv, err := cryptoprim.GenerateExchangeKeyPair()
	require.NoError(t, err)

	// Responder's long-term identity DH key and fresh ephemeral.
	ikBPub, ikBPriv, err := cryptoprim.GenerateExchangeKeyPair()
	require.NoError(t, err)
	ephB, err := GenerateEphemeral()
	require.NoError(t, err)

	bundle := Bundle{IdentityDHKey: ikAPub, OneTimePrekey: otkAPub}

	responderSecret, err := ResponderSharedSecret(ikBPriv, ephB, bundle)
	require.NoError(t, err)

	initiatorSecret, err := InitiatorSharedSecret(ikAPriv, otkAPriv, ikBPub, ephB.PublicKey)
	require.NoError(t, err)

	require.Equal(t, responderSecret, initiatorSecret)
	require.Len(t, responderSecret, 32)
}
