// Package ratchet implements the per-contact Double Ratchet (§4.6): a
// genuine Diffie-Hellman ratchet layered over symmetric chain-key
// advancement, with a bounded out-of-order skipped-message-key cache.
package ratchet

import (
	"encoding/binary"
	"encoding/json"
	"errors"

	"webbook/internal/cryptoprim"
)

const (
	infoRoot   = "WebBook_Root"
	infoChain  = "WebBook_CK"
	infoMsgKey = "WebBook_MK"

	// maxSkippedKeys bounds the total skipped-message-key cache across all
	// chains for one contact's ratchet (§3, §4.6). Oldest entries are
	// evicted first once the bound is reached.
	maxSkippedKeys = 1000
)

var (
	ErrOutOfOrderTooFar = errors.New("ratchet: message number too far ahead of current chain")
	ErrInvalidHeader    = errors.New("ratchet: invalid message header")
	ErrAEADFailed       = errors.New("ratchet: decrypt or verify failed")
	ErrMessageUnavailable = errors.New("ratchet: message key unavailable (evicted or already used)")
)

// Header is the per-message ratchet header. It is authenticated (via AAD)
// but never encrypted (§4.6).
type Header struct {
	DHPub []byte
	PN    uint32
	N     uint32
}

// Bytes returns the canonical authenticated encoding of the header.
func (h Header) Bytes() []byte {
	buf := make([]byte, 0, len(h.DHPub)+8)
	buf = append(buf, h.DHPub...)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], h.PN)
	buf = append(buf, n[:]...)
	binary.BigEndian.PutUint32(n[:], h.N)
	buf = append(buf, n[:]...)
	return buf
}

type skippedKey struct {
	dhPub string
	n     uint32
}

// State is one contact's full Double Ratchet state (§3 Double-Ratchet
// state). It is not safe for concurrent use; callers serialize access
// (typically behind the sync controller's single-writer lock).
type State struct {
	rootKey      []byte
	dhPriv       []byte
	dhPub        []byte
	remoteDHPub  []byte // nil until the first receive (responder) or always set (initiator)
	sendChainKey []byte
	sendN        uint32
	recvChainKey []byte
	recvN        uint32
	pn           uint32

	skipped    map[skippedKey][]byte
	skipOrder  []skippedKey
}

// NewInitiator seeds a ratchet for the side that completes the X3DH
// handshake already knowing the peer's first ratchet public key (the
// responder's handshake ephemeral). It can send immediately.
func NewInitiator(sharedSecret, remoteDHPub []byte) (*State, error) {
	dhPub, dhPriv, err := cryptoprim.GenerateExchangeKeyPair()
	if err != nil {
		return nil, err
	}
	s := &State{
		rootKey:     append([]byte(nil), sharedSecret...),
		dhPriv:      dhPriv,
		dhPub:       dhPub,
		remoteDHPub: append([]byte(nil), remoteDHPub...),
		skipped:     make(map[skippedKey][]byte),
	}
	dhOut, err := cryptoprim.DH(dhPriv, remoteDHPub)
	if err != nil {
		return nil, err
	}
	newRoot, sendChain, err := kdfRootStep(s.rootKey, dhOut)
	if err != nil {
		return nil, err
	}
	s.rootKey = newRoot
	s.sendChainKey = sendChain
	return s, nil
}

// NewResponder seeds a ratchet for the side whose own ephemeral keypair
// (already published in the handshake) becomes the initial ratchet
// keypair. It cannot send until it has received the initiator's first
// message and learned the initiator's ratchet public key.
func NewResponder(sharedSecret, dhPub, dhPriv []byte) (*State, error) {
	return &State{
		rootKey: append([]byte(nil), sharedSecret...),
		dhPriv:  append([]byte(nil), dhPriv...),
		dhPub:   append([]byte(nil), dhPub...),
		skipped: make(map[skippedKey][]byte),
	}, nil
}

// Encrypt advances the sending chain and seals plaintext, returning the
// authenticated header alongside the ciphertext (nonce-prefixed AEAD
// output). Encrypt fails with ErrInvalidHeader if no sending chain has
// been established yet (a responder that has not yet received anything).
func (s *State) Encrypt(plaintext []byte) (Header, []byte, error) {
	if s.sendChainKey == nil {
		return Header{}, nil, ErrInvalidHeader
	}
	mk, err := cryptoprim.HKDF(s.sendChainKey, nil, infoMsgKey, 32)
	if err != nil {
		return Header{}, nil, err
	}
	nextChain, err := cryptoprim.HKDF(s.sendChainKey, nil, infoChain, 32)
	if err != nil {
		return Header{}, nil, err
	}

	header := Header{DHPub: append([]byte(nil), s.dhPub...), PN: s.pn, N: s.sendN}
	aad := header.Bytes()
	nonce, ciphertext, err := cryptoprim.SealAESGCM(mk, plaintext, aad)
	if err != nil {
		return Header{}, nil, err
	}

	s.sendChainKey = nextChain
	s.sendN++
	cryptoprim.Zero(mk)
	return header, append(nonce, ciphertext...), nil
}

// Decrypt authenticates and decrypts an incoming message, performing a DH
// ratchet step if the header carries a new remote public key, and
// consuming or deriving skipped-message keys as needed (§4.6).
func (s *State) Decrypt(header Header, sealed []byte) ([]byte, error) {
	if len(header.DHPub) != 32 || len(sealed) < cryptoprim.AEADNonceSize {
		return nil, ErrInvalidHeader
	}

	if mk, ok := s.takeSkipped(header.DHPub, header.N); ok {
		return s.open(mk, header, sealed)
	}

	sameChain := s.remoteDHPub != nil && string(header.DHPub) == string(s.remoteDHPub)
	if sameChain && header.N < s.recvN {
		// The key for this message number was already derived once, and is
		// no longer in the skipped cache: either already consumed, or
		// evicted by the maxSkippedKeys FIFO bound (§8). It is unrecoverable;
		// falling through would derive the wrong key off the current chain.
		return nil, ErrMessageUnavailable
	}

	if !sameChain {
		if err := s.skipRemaining(s.recvChainKey, s.recvN, header.PN); err != nil {
			return nil, err
		}
		if err := s.dhRatchetStep(header.DHPub); err != nil {
			return nil, err
		}
	}

	if err := s.skipRemaining(s.recvChainKey, s.recvN, header.N); err != nil {
		return nil, err
	}

	mk, err := cryptoprim.HKDF(s.recvChainKey, nil, infoMsgKey, 32)
	if err != nil {
		return nil, err
	}
	nextChain, err := cryptoprim.HKDF(s.recvChainKey, nil, infoChain, 32)
	if err != nil {
		return nil, err
	}
	plaintext, err := s.open(mk, header, sealed)
	if err != nil {
		return nil, err
	}
	s.recvChainKey = nextChain
	s.recvN = header.N + 1
	return plaintext, nil
}

func (s *State) open(mk []byte, header Header, sealed []byte) ([]byte, error) {
	nonce, ciphertext := sealed[:cryptoprim.AEADNonceSize], sealed[cryptoprim.AEADNonceSize:]
	plaintext, err := cryptoprim.OpenAESGCM(mk, nonce, ciphertext, header.Bytes())
	if err != nil {
		return nil, ErrAEADFailed
	}
	return plaintext, nil
}

// skipRemaining advances chainKey from currentN up to (but not including)
// targetN, caching each derived message key as skipped. A nil chainKey
// (no chain established yet) with targetN == 0 is a no-op.
func (s *State) skipRemaining(chainKey []byte, currentN, targetN uint32) error {
	if targetN < currentN {
		return nil
	}
	if targetN-currentN > maxSkippedKeys {
		return ErrOutOfOrderTooFar
	}
	if chainKey == nil {
		return nil
	}
	ck := chainKey
	for n := currentN; n < targetN; n++ {
		mk, err := cryptoprim.HKDF(ck, nil, infoMsgKey, 32)
		if err != nil {
			return err
		}
		nextCK, err := cryptoprim.HKDF(ck, nil, infoChain, 32)
		if err != nil {
			return err
		}
		s.storeSkipped(s.remoteDHPub, n, mk)
		ck = nextCK
	}
	s.recvChainKey = ck
	s.recvN = targetN
	return nil
}

func (s *State) dhRatchetStep(newRemoteDHPub []byte) error {
	// s.dhPriv is always set (generated at NewInitiator/NewResponder); on
	// a responder's first receive it plays the role of the "old" ratchet
	// key against the initiator's freshly-learned public key.
	dhOut, err := cryptoprim.DH(s.dhPriv, newRemoteDHPub)
	if err != nil {
		return err
	}
	newRoot, recvChain, err := kdfRootStep(s.rootKey, dhOut)
	if err != nil {
		return err
	}
	s.rootKey = newRoot
	s.recvChainKey = recvChain
	s.remoteDHPub = append([]byte(nil), newRemoteDHPub...)
	s.pn = s.sendN
	s.recvN = 0
	s.sendN = 0

	dhPub, dhPriv, err := cryptoprim.GenerateExchangeKeyPair()
	if err != nil {
		return err
	}
	dhOut, err = cryptoprim.DH(dhPriv, s.remoteDHPub)
	if err != nil {
		return err
	}
	newRoot, sendChain, err := kdfRootStep(s.rootKey, dhOut)
	if err != nil {
		return err
	}
	s.rootKey = newRoot
	s.sendChainKey = sendChain
	s.dhPriv = dhPriv
	s.dhPub = dhPub
	return nil
}

func (s *State) storeSkipped(dhPub []byte, n uint32, key []byte) {
	k := skippedKey{dhPub: string(dhPub), n: n}
	s.skipped[k] = key
	s.skipOrder = append(s.skipOrder, k)
	for len(s.skipOrder) > maxSkippedKeys {
		oldest := s.skipOrder[0]
		s.skipOrder = s.skipOrder[1:]
		delete(s.skipped, oldest)
	}
}

func (s *State) takeSkipped(dhPub []byte, n uint32) ([]byte, bool) {
	k := skippedKey{dhPub: string(dhPub), n: n}
	mk, ok := s.skipped[k]
	if !ok {
		return nil, false
	}
	delete(s.skipped, k)
	for i, sk := range s.skipOrder {
		if sk == k {
			s.skipOrder = append(s.skipOrder[:i], s.skipOrder[i+1:]...)
			break
		}
	}
	return mk, true
}

func kdfRootStep(rootKey, dhOut []byte) (newRoot, chainKey []byte, err error) {
	out, err := cryptoprim.HKDF(dhOut, rootKey, infoRoot, 64)
	if err != nil {
		return nil, nil, err
	}
	return out[:32], out[32:], nil
}

// serializedState is the JSON-safe persistence representation of State.
type serializedState struct {
	RootKey      []byte          `json:"root_key"`
	DHPriv       []byte          `json:"dh_priv"`
	DHPub        []byte          `json:"dh_pub"`
	RemoteDHPub  []byte          `json:"remote_dh_pub,omitempty"`
	SendChainKey []byte          `json:"send_chain_key,omitempty"`
	SendN        uint32          `json:"send_n"`
	RecvChainKey []byte          `json:"recv_chain_key,omitempty"`
	RecvN        uint32          `json:"recv_n"`
	PN           uint32          `json:"pn"`
	Skipped      []skippedEntry  `json:"skipped,omitempty"`
}

type skippedEntry struct {
	DHPub []byte `json:"dh_pub"`
	N     uint32 `json:"n"`
	Key   []byte `json:"key"`
}

// Marshal serializes the ratchet state for persistence (§4.4: the caller
// must persist before acknowledging any message that advanced the state).
func (s *State) Marshal() ([]byte, error) {
	out := serializedState{
		RootKey:      s.rootKey,
		DHPriv:       s.dhPriv,
		DHPub:        s.dhPub,
		RemoteDHPub:  s.remoteDHPub,
		SendChainKey: s.sendChainKey,
		SendN:        s.sendN,
		RecvChainKey: s.recvChainKey,
		RecvN:        s.recvN,
		PN:           s.pn,
	}
	for _, k := range s.skipOrder {
		out.Skipped = append(out.Skipped, skippedEntry{DHPub: []byte(k.dhPub), N: k.n, Key: s.skipped[k]})
	}
	return json.Marshal(out)
}

// Unmarshal restores a ratchet state previously produced by Marshal.
func Unmarshal(data []byte) (*State, error) {
	var in serializedState
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	s := &State{
		rootKey:      in.RootKey,
		dhPriv:       in.DHPriv,
		dhPub:        in.DHPub,
		remoteDHPub:  in.RemoteDHPub,
		sendChainKey: in.SendChainKey,
		sendN:        in.SendN,
		recvChainKey: in.RecvChainKey,
		recvN:        in.RecvN,
		pn:           in.PN,
		skipped:      make(map[skippedKey][]byte, len(in.Skipped)),
	}
	for _, e := range in.Skipped {
		k := skippedKey{dhPub: string(e.DHPub), n: e.N}
		s.skipped[k] = e.Key
		s.skipOrder = append(s.skipOrder, k)
	}
	return s, nil
}
