// Package handshake implements the X3DH bootstrap exchanged over a QR
// code (§4.5): payload encode/decode, ephemeral generation, and the
// multi-DH shared-secret derivation seeding the Double Ratchet root.
//
// The QR payload carries three 32-byte keys. The first authenticates the
// payload (an Ed25519 signature verification key); the remaining two feed
// the X3DH Diffie-Hellman math as the long-term identity key (IK) and a
// fresh one-time key (EK), mirroring how the source session code built its
// shared secret from a small, fixed set of DH pairs rather than a fixed
// count of named prekeys.
package handshake

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"time"

	"webbook/internal/cryptoprim"
)

const (
	qrMagic      = "wb"
	qrVersion    = byte(2)
	qrURLPrefix  = "wb://"
	x3dhInfo     = "WebBook_X3DH"
	exchangeTTL  = 5 * time.Minute
	payloadBytes = 2 + 1 + 32 + 32 + 32 + 8 + 64 // = 171
)

var (
	ErrExchangeInvalid  = errors.New("handshake: exchange invalid")
	ErrExchangeExpired  = errors.New("handshake: exchange expired")
	ErrExchangeReplayed = errors.New("handshake: exchange replayed")
)

// Bundle is the decoded content of an exchange QR payload.
type Bundle struct {
	SigningPubKey  []byte // Ed25519, verifies the payload signature
	IdentityDHKey  []byte // X25519, long-term (IK)
	OneTimePrekey  []byte // X25519, single-use (EK)
	Timestamp      time.Time
	Signature      []byte
}

// EphemeralKeyPair is a fresh, single-use X25519 keypair: E_A on the
// initiator side, E_B on the responder side.
type EphemeralKeyPair struct {
	PublicKey  []byte
	PrivateKey []byte
}

// GenerateEphemeral produces a fresh one-time X25519 keypair.
func GenerateEphemeral() (EphemeralKeyPair, error) {
	pub, priv, err := cryptoprim.GenerateExchangeKeyPair()
	if err != nil {
		return EphemeralKeyPair{}, err
	}
	return EphemeralKeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// EncodeBundle builds and signs the QR payload, returning the
// "wb://"-prefixed base64url string the initiator displays. signingPriv
// authenticates the payload; identityDHPub is the long-term X25519 key;
// oneTimePrekeyPub is a fresh, single-use X25519 key discarded after use.
func EncodeBundle(signingPub, signingPriv, identityDHPub, oneTimePrekeyPub []byte, now time.Time) (string, error) {
	if len(signingPub) != 32 || len(identityDHPub) != 32 || len(oneTimePrekeyPub) != 32 {
		return "", ErrExchangeInvalid
	}
	buf := make([]byte, 0, payloadBytes-64)
	buf = append(buf, qrMagic...)
	buf = append(buf, qrVersion)
	buf = append(buf, signingPub...)
	buf = append(buf, identityDHPub...)
	buf = append(buf, oneTimePrekeyPub...)

	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(now.Unix()))
	buf = append(buf, ts...)

	sig := cryptoprim.Sign(signingPriv, buf)
	buf = append(buf, sig...)

	return qrURLPrefix + base64.URLEncoding.EncodeToString(buf), nil
}

// DecodeBundle parses and signature-verifies a QR payload produced by
// EncodeBundle, rejecting anything older than exchangeTTL.
func DecodeBundle(qr string, now time.Time) (Bundle, error) {
	if !strings.HasPrefix(qr, qrURLPrefix) {
		return Bundle{}, ErrExchangeInvalid
	}
	raw, err := base64.URLEncoding.DecodeString(strings.TrimPrefix(qr, qrURLPrefix))
	if err != nil || len(raw) != payloadBytes {
		return Bundle{}, ErrExchangeInvalid
	}
	if string(raw[0:2]) != qrMagic || raw[2] != qrVersion {
		return Bundle{}, ErrExchangeInvalid
	}

	signingPub := raw[3:35]
	identityDHKey := raw[35:67]
	oneTimePrekey := raw[67:99]
	tsBytes := raw[99:107]
	sig := raw[107:171]

	if !cryptoprim.Verify(signingPub, raw[:107], sig) {
		return Bundle{}, ErrExchangeInvalid
	}

	ts := time.Unix(int64(binary.BigEndian.Uint64(tsBytes)), 0).UTC()
	if now.Sub(ts) > exchangeTTL || ts.After(now.Add(time.Minute)) {
		return Bundle{}, ErrExchangeExpired
	}

	return Bundle{
		SigningPubKey: append([]byte(nil), signingPub...),
		IdentityDHKey: append([]byte(nil), identityDHKey...),
		OneTimePrekey: append([]byte(nil), oneTimePrekey...),
		Timestamp:     ts,
		Signature:     append([]byte(nil), sig...),
	}, nil
}

// ReplayGuard tracks one-time prekeys already consumed by a responder so
// that a repeated scan of the same bundle raises ErrExchangeReplayed.
// Entries older than exchangeTTL are pruned lazily.
type ReplayGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewReplayGuard returns an empty guard.
func NewReplayGuard() *ReplayGuard {
	return &ReplayGuard{seen: make(map[string]time.Time)}
}

// CheckAndMark returns ErrExchangeReplayed if oneTimePrekey has already
// been consumed within the exchange TTL; otherwise it records it as seen.
func (g *ReplayGuard) CheckAndMark(oneTimePrekey []byte, now time.Time) error {
	key := string(oneTimePrekey)
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, seenAt := range g.seen {
		if now.Sub(seenAt) > exchangeTTL {
			delete(g.seen, k)
		}
	}
	if _, ok := g.seen[key]; ok {
		return ErrExchangeReplayed
	}
	g.seen[key] = now
	return nil
}

// InitiatorSharedSecret computes the shared secret from the initiator's
// side, given the responder's ephemeral public key learned from the
// relayed handshake response.
func InitiatorSharedSecret(identityDHPriv, oneTimePrekeyPriv, responderIdentityDHPub, responderEphemeralPub []byte) ([]byte, error) {
	// Term order must mirror ResponderSharedSecret exactly: DH(a,b) and
	// DH(b,a) agree on value but the HKDF input is order-sensitive.
	dh1, err := cryptoprim.DH(oneTimePrekeyPriv, responderIdentityDHPub) // == DH(IK_B, EK_A)
	if err != nil {
		return nil, err
	}
	dh2, err := cryptoprim.DH(identityDHPriv, responderEphemeralPub) // == DH(EK_B, IK_A)
	if err != nil {
		return nil, err
	}
	dh3, err := cryptoprim.DH(oneTimePrekeyPriv, responderEphemeralPub) // == DH(EK_B, EK_A)
	if err != nil {
		return nil, err
	}
	return combine(dh1, dh2, dh3)
}

// ResponderSharedSecret computes the shared secret from the responder's
// side (§4.5): DH1 pairs the responder's long-term key with the
// initiator's one-time key, DH2 pairs the responder's fresh ephemeral
// with the initiator's long-term key, DH3 pairs both ephemerals.
func ResponderSharedSecret(identityDHPriv []byte, ephemeral EphemeralKeyPair, bundle Bundle) ([]byte, error) {
	dh1, err := cryptoprim.DH(identityDHPriv, bundle.OneTimePrekey)
	if err != nil {
		return nil, err
	}
	dh2, err := cryptoprim.DH(ephemeral.PrivateKey, bundle.IdentityDHKey)
	if err != nil {
		return nil, err
	}
	dh3, err := cryptoprim.DH(ephemeral.PrivateKey, bundle.OneTimePrekey)
	if err != nil {
		return nil, err
	}
	return combine(dh1, dh2, dh3)
}

func combine(dh1, dh2, dh3 []byte) ([]byte, error) {
	ikm := make([]byte, 0, len(dh1)+len(dh2)+len(dh3))
	ikm = append(ikm, dh1...)
	ikm = append(ikm, dh2...)
	ikm = append(ikm, dh3...)
	return cryptoprim.HKDF(ikm, nil, x3dhInfo, 32)
}
