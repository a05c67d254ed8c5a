package device

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
	linkMagic     = "WBDL"
	linkVersion   = byte(1)
	linkTTL       = 10 * time.Minute
	linkURLPrefix = "wblink://"
)

var (
	ErrLinkInvalid = errors.New("device: link payload invalid")
	ErrLinkExpired = errors.New("device: link expired")
	ErrLinkReplayed = errors.New("device: link nonce already used")
)

// LinkPayload is the secret carried inside a device-link QR code: the
// master seed plus enough metadata for the new device to self-register.
type LinkPayload struct {
	Seed        []byte
	DisplayName string
	DeviceIndex int
	IssuedAt    time.Time
}

// EncodeLink seals payload under a freshly generated random link key L
// and returns both the QR string and L (conveyed to the new device over
// a second, independent channel — e.g. typed in alongside the QR scan).
func EncodeLink(payload LinkPayload, now time.Time) (qr string, linkKey []byte, err error) {
	linkKey, err = cryptoprim.RandomBytes(32)
	if err != nil {
		return "", nil, err
	}

	body, err := marshalLinkPayload(payload, now)
	if err != nil {
		return "", nil, err
	}

	nonce, ciphertext, err := cryptoprim.SealAESGCM(linkKey, body, []byte(linkMagic))
	if err != nil {
		return "", nil, err
	}

	frame := make([]byte, 0, len(linkMagic)+1+len(nonce)+len(ciphertext))
	frame = append(frame, linkMagic...)
	frame = append(frame, linkVersion)
	frame = append(frame, nonce...)
	frame = append(frame, ciphertext...)

	return linkURLPrefix + base64.RawURLEncoding.EncodeToString(frame), linkKey, nil
}

// DecodeLink opens a QR string given the separately-conveyed link key,
// rejecting expired payloads.
func DecodeLink(qr string, linkKey []byte, now time.Time) (LinkPayload, error) {
	if !strings.HasPrefix(qr, linkURLPrefix) {
		return LinkPayload{}, ErrLinkInvalid
	}
	frame, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(qr, linkURLPrefix))
	if err != nil {
		return LinkPayload{}, ErrLinkInvalid
	}
	if len(frame) < len(linkMagic)+1+cryptoprim.AEADNonceSize {
		return LinkPayload{}, ErrLinkInvalid
	}
	if string(frame[:len(linkMagic)]) != linkMagic || frame[len(linkMagic)] != linkVersion {
		return LinkPayload{}, ErrLinkInvalid
	}
	rest := frame[len(linkMagic)+1:]
	nonce, ciphertext := rest[:cryptoprim.AEADNonceSize], rest[cryptoprim.AEADNonceSize:]

	body, err := cryptoprim.OpenAESGCM(linkKey, nonce, ciphertext, []byte(linkMagic))
	if err != nil {
		return LinkPayload{}, ErrLinkInvalid
	}

	payload, issuedAt, err := unmarshalLinkPayload(body)
	if err != nil {
		return LinkPayload{}, ErrLinkInvalid
	}
	if now.Sub(issuedAt) > linkTTL {
		return LinkPayload{}, ErrLinkExpired
	}
	return payload, nil
}

// marshalLinkPayload / unmarshalLinkPayload use a small fixed binary
// layout rather than JSON: seed(32) | issuedAt_unix(8) | deviceIndex(4) |
// nameLen(2) | name.
func marshalLinkPayload(p LinkPayload, now time.Time) ([]byte, error) {
	if len(p.Seed) != 32 {
		return nil, ErrLinkInvalid
	}
	name := []byte(p.DisplayName)
	buf := make([]byte, 0, 32+8+4+2+len(name))
	buf = append(buf, p.Seed...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(now.Unix()))
	buf = append(buf, ts[:]...)
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(p.DeviceIndex))
	buf = append(buf, idx[:]...)
	var nl [2]byte
	binary.BigEndian.PutUint16(nl[:], uint16(len(name)))
	buf = append(buf, nl[:]...)
	buf = append(buf, name...)
	return buf, nil
}

func unmarshalLinkPayload(buf []byte) (LinkPayload, time.Time, error) {
	if len(buf) < 32+8+4+2 {
		return LinkPayload{}, time.Time{}, ErrLinkInvalid
	}
	seed := append([]byte(nil), buf[:32]...)
	issuedAt := time.Unix(int64(binary.BigEndian.Uint64(buf[32:40])), 0).UTC()
	idx := int(binary.BigEndian.Uint32(buf[40:44]))
	nameLen := int(binary.BigEndian.Uint16(buf[44:46]))
	if len(buf) != 46+nameLen {
		return LinkPayload{}, time.Time{}, ErrLinkInvalid
	}
	name := string(buf[46 : 46+nameLen])
	return LinkPayload{Seed: seed, DisplayName: name, DeviceIndex: idx}, issuedAt, nil
}

// ReplayGuard blocks reuse of a link nonce, preventing a captured QR
// from being redeemed twice (§4.12 edge case).
type ReplayGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewReplayGuard returns an empty guard.
func NewReplayGuard() *ReplayGuard {
	return &ReplayGuard{seen: make(map[string]time.Time)}
}

// CheckAndMark rejects a link whose fingerprint was already redeemed and
// records this one, evicting entries older than linkTTL.
func (g *ReplayGuard) CheckAndMark(qr string, now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for k, seenAt := range g.seen {
		if now.Sub(seenAt) > linkTTL {
			delete(g.seen, k)
		}
	}

	if _, ok := g.seen[qr]; ok {
		return ErrLinkReplayed
	}
	g.seen[qr] = now
	return nil
}
