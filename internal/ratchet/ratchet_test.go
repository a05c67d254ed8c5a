package ratchet

import (
	"testing"

	"github.com/stretchr/testify/require"

	"webbook/internal/cryptoprim"
)

func newPair(t *testing.T) (*State, *State) {
	t.Helper()
	secret, err := cryptoprim.RandomBytes(32)
	require.NoError(t, err)

	respPub, respPriv, err := cryptoprim.GenerateExchangeKeyPair()
	require.NoError(t, err)

	responder, err := NewResponder(secret, respPub, respPriv)
	require.NoError(t, err)
	initiator, err := NewInitiator(secret, respPub)
	require.NoError(t, err)
	return initiator, responder
}

func TestInitiatorToResponderRoundTrip(t *testing.T) {
	initiator, responder := newPair(t)

	header, ciphertext, err := initiator.Encrypt([]byte("hello responder"))
	require.NoError(t, err)

	plaintext, err := responder.Decrypt(header, ciphertext)
	require.NoError(t, err)
	require.Equal(t, "hello responder", string(plaintext))
}

func TestBidirectionalConversation(t *testing.T) {
	initiator, responder := newPair(t)

	h1, ct1, err := initiator.Encrypt([]byte("ping"))
	require.NoError(t, err)
	pt1, err := responder.Decrypt(h1, ct1)
	require.NoError(t, err)
	require.Equal(t, "ping", string(pt1))

	h2, ct2, err := responder.Encrypt([]byte("pong"))
	require.NoError(t, err)
	pt2, err := initiator.Decrypt(h2, ct2)
	require.NoError(t, err)
	require.Equal(t, "pong", string(pt2))

	h3, ct3, err := initiator.Encrypt([]byte("ping again"))
	require.NoError(t, err)
	pt3, err := responder.Decrypt(h3, ct3)
	require.NoError(t, err)
	require.Equal(t, "ping again", string(pt3))
}

func TestOutOfOrderDeliveryWithinSameChain(t *testing.T) {
	initiator, responder := newPair(t)

	h1, ct1, err := initiator.Encrypt([]byte("first"))
	require.NoError(t, err)
	h2, ct2, err := initiator.Encrypt([]byte("second"))
	require.NoError(t, err)
	h3, ct3, err := initiator.Encrypt([]byte("third"))
	require.NoError(t, err)

	pt3, err := responder.Decrypt(h3, ct3)
	require.NoError(t, err)
	require.Equal(t, "third", string(pt3))

	pt1, err := responder.Decrypt(h1, ct1)
	require.NoError(t, err)
	require.Equal(t, "first", string(pt1))

	pt2, err := responder.Decrypt(h2, ct2)
	require.NoError(t, err)
	require.Equal(t, "second", string(pt2))
}

func TestReplayOfSameMessageFailsAfterFirstDecrypt(t *testing.T) {
	initiator, responder := newPair(t)

	header, ciphertext, err := initiator.Encrypt([]byte("once only"))
	require.NoError(t, err)

	_, err = responder.Decrypt(header, ciphertext)
	require.NoError(t, err)

	_, err = responder.Decrypt(header, ciphertext)
	require.Error(t, err)
}

func TestTamperedCiphertextFailsAEAD(t *testing.T) {
	initiator, responder := newPair(t)

	header, ciphertext, err := initiator.Encrypt([]byte("integrity check"))
	require.NoError(t, err)

	tampered := append([]byte(nil), ciphertext...)
	tampered[len(tampered)-1] ^= 0xFF

	_, err = responder.Decrypt(header, tampered)
	require.ErrorIs(t, err, ErrAEADFailed)
}

func TestSkippedKeyEvictedBeyondBoundIsUnavailable(t *testing.T) {
	initiator, responder := newPair(t)

	const total = 2*maxSkippedKeys + 1
	headers := make([]Header, total)
	ciphertexts := make([][]byte, total)
	for i := 0; i < total; i++ {
		h, ct, err := initiator.Encrypt([]byte("msg"))
		require.NoError(t, err)
		headers[i] = h
		ciphertexts[i] = ct
	}

	// Consume message 0 in order, then two hops of <=maxSkippedKeys each so
	// neither alone trips ErrOutOfOrderTooFar, but together they push the
	// skipped-key cache (bounded at maxSkippedKeys) past message 1's key.
	_, err := responder.Decrypt(headers[0], ciphertexts[0])
	require.NoError(t, err)
	_, err = responder.Decrypt(headers[maxSkippedKeys], ciphertexts[maxSkippedKeys])
	require.NoError(t, err)
	_, err = responder.Decrypt(headers[2*maxSkippedKeys], ciphertexts[2*maxSkippedKeys])
	require.NoError(t, err)

	_, err = responder.Decrypt(headers[1], ciphertexts[1])
	require.ErrorIs(t, err, ErrMessageUnavailable)
}

func TestMarshalUnmarshalPreservesConversation(t *testing.T) {
	initiator, responder := newPair(t)

	h1, ct1, err := initiator.Encrypt([]byte("before snapshot"))
	require.NoError(t, err)
	_, err = responder.Decrypt(h1, ct1)
	require.NoError(t, err)

	blob, err := initiator.Marshal()
	require.NoError(t, err)
	restored, err := Unmarshal(blob)
	require.NoError(t, err)

	h2, ct2, err := restored.Encrypt([]byte("after restore"))
	require.NoError(t, err)
	pt2, err := responder.Decrypt(h2, ct2)
	require.NoError(t, err)
	require.Equal(t, "after restore", string(pt2))
}
