package device

import (
	"encoding/json"
	"fmt"
	"time"

	"webbook/internal/cryptoprim"
	"webbook/internal/ratchet"
	"webbook/pkg/models"
)

// SyncPayload is one inter-device reconciliation message: a snapshot of
// the sender's own card, contact list, and the version vector it was
// produced under (§4.13).
type SyncPayload struct {
	Card      models.Card       `json:"card"`
	Contacts  []models.Contact  `json:"contacts"`
	Vector    models.VersionVector `json:"vector"`
	Device    string            `json:"device"`
	Timestamp time.Time         `json:"timestamp"`
}

// Resolution is the outcome of reconciling a local and remote snapshot.
type Resolution struct {
	Apply  bool
	Merged SyncPayload
}

// Reconcile decides how to combine a locally-held snapshot with one
// received from a peer device, using version-vector dominance and
// falling back to last-writer-wins (by timestamp, then device id) on a
// genuine concurrent edit (§4.13 conflict resolution).
func Reconcile(local, remote SyncPayload) Resolution {
	if remote.Vector.Dominates(local.Vector) {
		return Resolution{Apply: true, Merged: remote}
	}
	if local.Vector.Dominates(remote.Vector) || local.Vector.Equal(remote.Vector) {
		return Resolution{Apply: false, Merged: local}
	}

	// Concurrent: last-writer-wins by timestamp, device id as tiebreaker.
	winner := local
	if remote.Timestamp.After(local.Timestamp) ||
		(remote.Timestamp.Equal(local.Timestamp) && remote.Device > local.Device) {
		winner = remote
	}
	winner.Vector = local.Vector.Merge(remote.Vector)
	return Resolution{Apply: true, Merged: winner}
}

// Pairing ratchet-encrypts/decrypts SyncPayloads exchanged between two
// of the user's own devices, reusing the same Double Ratchet construction
// as contact messaging (§4.6) over a device-pair-specific session.
type Pairing struct {
	state *ratchet.State
}

// NewPairing wraps an already-established ratchet state for one device pair.
func NewPairing(state *ratchet.State) *Pairing { return &Pairing{state: state} }

// Seal encrypts a SyncPayload for transmission to the paired device.
func (p *Pairing) Seal(payload SyncPayload) (ratchet.Header, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return ratchet.Header{}, nil, err
	}
	return p.state.Encrypt(body)
}

// Open decrypts a SyncPayload received from the paired device.
func (p *Pairing) Open(header ratchet.Header, sealed []byte) (SyncPayload, error) {
	body, err := p.state.Decrypt(header, sealed)
	if err != nil {
		return SyncPayload{}, err
	}
	var payload SyncPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return SyncPayload{}, err
	}
	return payload, nil
}

// Marshal serializes the pairing's ratchet state for durable storage
// between `device sync` runs (it is not a long-lived connection).
func (p *Pairing) Marshal() ([]byte, error) {
	return p.state.Marshal()
}

// SealedPayload is the JSON frame a device-sync message becomes on the
// wire: the Double Ratchet header alongside the sealed SyncPayload,
// mirroring the contact sync envelope's wire shape.
type SealedPayload struct {
	Header ratchet.Header `json:"header"`
	Sealed []byte         `json:"sealed"`
}

// PairingSeed derives the shared ratchet secret for the pair (selfIndex,
// peerIndex) of one identity's own devices. Both devices already share
// storageKey (it protects each one's local vault), so this needs no
// interactive exchange; the device-index pair pins it to one specific
// pairing regardless of which side derives it.
func PairingSeed(storageKey []byte, selfIndex, peerIndex int) ([]byte, error) {
	lo, hi := selfIndex, peerIndex
	if lo > hi {
		lo, hi = hi, lo
	}
	return cryptoprim.HKDF(storageKey, nil, fmt.Sprintf("webbook.device-pairing:%d:%d", lo, hi), 32)
}

// BootstrapPairing derives a fresh Pairing for (selfIndex, peerIndex).
// The lower device index is always the ratchet initiator; both devices
// compute the same responder DH keypair independently by deriving it
// from storageKey rather than exchanging it, so no bootstrap message
// ever needs to cross the relay.
func BootstrapPairing(storageKey []byte, selfIndex, peerIndex int) (*Pairing, error) {
	seed, err := PairingSeed(storageKey, selfIndex, peerIndex)
	if err != nil {
		return nil, err
	}
	lo, hi := selfIndex, peerIndex
	if lo > hi {
		lo, hi = hi, lo
	}
	dhSeed, err := cryptoprim.HKDF(storageKey, nil, fmt.Sprintf("webbook.device-pairing-dh:%d:%d", lo, hi), 32)
	if err != nil {
		return nil, err
	}
	respPub, respPriv, err := cryptoprim.ExchangeKeyPairFromSeed(dhSeed)
	if err != nil {
		return nil, err
	}

	var st *ratchet.State
	if selfIndex < peerIndex {
		st, err = ratchet.NewInitiator(seed, respPub)
	} else {
		st, err = ratchet.NewResponder(seed, respPub, respPriv)
	}
	if err != nil {
		return nil, err
	}
	return NewPairing(st), nil
}
