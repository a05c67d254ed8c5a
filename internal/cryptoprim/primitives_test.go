package cryptoprim

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := GenerateSigningKeyPair()
	require.NoError(t, err)

	msg := []byte("exchange payload")
	sig := Sign(priv, msg)
	require.True(t, Verify(pub, msg, sig))
	require.False(t, Verify(pub, append(msg, 'x'), sig))
}

func TestDHAgreementSymmetric(t *testing.T) {
	aPub, aPriv, err := GenerateExchangeKeyPair()
	require.NoError(t, err)
	bPub, bPriv, err := GenerateExchangeKeyPair()
	require.NoError(t, err)

	secretA, err := DH(aPriv, bPub)
	require.NoError(t, err)
	secretB, err := DH(bPriv, aPub)
	require.NoError(t, err)
	require.Equal(t, secretA, secretB)
}

func TestHKDFDomainSeparation(t *testing.T) {
	ikm := []byte("master-seed-material-32-bytes!!")
	a, err := HKDF(ikm, nil, "webbook/identity/v1", 32)
	require.NoError(t, err)
	b, err := HKDF(ikm, nil, "webbook/exchange/v1", 32)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestAEADRoundTripAndTamperDetection(t *testing.T) {
	key, err := RandomBytes(32)
	require.NoError(t, err)
	nonce, ct, err := SealAESGCM(key, []byte("hello"), []byte("aad"))
	require.NoError(t, err)

	pt, err := OpenAESGCM(key, nonce, ct, []byte("aad"))
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), pt)

	_, err = OpenAESGCM(key, nonce, ct, []byte("wrong-aad"))
	require.ErrorIs(t, err, ErrInvalidTag)

	tampered := append([]byte(nil), ct...)
	tampered[0] ^= 0xFF
	_, err = OpenAESGCM(key, nonce, tampered, []byte("aad"))
	require.ErrorIs(t, err, ErrInvalidTag)
}

func TestPBKDF2RejectsWeakIterationCount(t *testing.T) {
	_, err := PBKDF2Key([]byte("pw"), []byte("salt"), 1000, 32)
	require.ErrorIs(t, err, ErrWeakKey)

	key, err := PBKDF2Key([]byte("pw"), []byte("salt"), MinPBKDF2Iterations, 32)
	require.NoError(t, err)
	require.Len(t, key, 32)
}
