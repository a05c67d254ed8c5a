package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHelloRoundTrip(t *testing.T) {
	var h Hello
	copy(h.PubKey[:], bytes.Repeat([]byte{0xAA}, 32))
	copy(h.Nonce[:], bytes.Repeat([]byte{0xBB}, 16))
	copy(h.Signature[:], bytes.Repeat([]byte{0xCC}, 64))

	raw, err := Encode(h)
	require.NoError(t, err)
	require.Equal(t, byte(TagHello), raw[0])

	tag, decoded, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, TagHello, tag)
	require.Equal(t, h, decoded)
}

func TestSendRoundTrip(t *testing.T) {
	var s Send
	copy(s.RecipientPubKey[:], bytes.Repeat([]byte{0x01}, 32))
	copy(s.MessageID[:], bytes.Repeat([]byte{0x04}, 16))
	s.Ciphertext = []byte("encrypted payload bytes")

	raw, err := Encode(s)
	require.NoError(t, err)

	tag, decoded, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, TagSend, tag)
	require.Equal(t, s, decoded)
}

func TestSendRejectsOversizeCiphertext(t *testing.T) {
	var s Send
	s.Ciphertext = make([]byte, MaxCiphertextSize+1)
	_, err := Encode(s)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDeliverRoundTrip(t *testing.T) {
	var d Deliver
	copy(d.MessageID[:], bytes.Repeat([]byte{0x02}, 16))
	copy(d.SenderPubKey[:], bytes.Repeat([]byte{0x03}, 32))
	d.Ciphertext = []byte("deliver me")

	raw, err := Encode(d)
	require.NoError(t, err)
	tag, decoded, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, TagDeliver, tag)
	require.Equal(t, d, decoded)
}

func TestErrorFrameRoundTrip(t *testing.T) {
	ef := ErrorFrame{Code: ErrorCodeRateLimited, Message: "slow down"}
	raw, err := Encode(ef)
	require.NoError(t, err)
	tag, decoded, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, TagError, tag)
	require.Equal(t, ef, decoded)
}

func TestPingPongAreBareTags(t *testing.T) {
	tag, body, err := Decode(EncodePing())
	require.NoError(t, err)
	require.Equal(t, TagPing, tag)
	require.Nil(t, body)
}

func TestDecodeRejectsTruncatedSend(t *testing.T) {
	var s Send
	copy(s.RecipientPubKey[:], bytes.Repeat([]byte{0x01}, 32))
	s.Ciphertext = []byte("hello")
	raw, err := Encode(s)
	require.NoError(t, err)

	_, _, err = Decode(raw[:len(raw)-2])
	require.ErrorIs(t, err, ErrFrameTooLarge)
}
