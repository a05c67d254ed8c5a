// Package cryptoprim wraps the single audited cryptographic suite every
// other webbook package builds on: Ed25519 signatures, X25519 key
// agreement, HKDF-SHA256 derivation, AES-256-GCM authenticated encryption,
// PBKDF2-HMAC-SHA256 password stretching, and a CSPRNG. No custom
// constructions live here — everything is a thin, constant-time call into
// crypto/ed25519, golang.org/x/crypto/curve25519, golang.org/x/crypto/hkdf
// and golang.org/x/crypto/pbkdf2, plus crypto/aes + crypto/cipher for the
// AEAD (the standard library is the only home for AES-GCM in this corpus;
// see DESIGN.md).
package cryptoprim

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

var (
	ErrInvalidSignature = errors.New("cryptoprim: invalid signature")
	ErrInvalidTag        = errors.New("cryptoprim: invalid aead tag")
	ErrWeakKey           = errors.New("cryptoprim: key material too short")
	ErrRandomFailure     = errors.New("cryptoprim: random generation failed")
)

// AEADNonceSize is the fixed nonce length used for every AES-256-GCM seal.
const AEADNonceSize = 12

// MinPBKDF2Iterations is the invariant floor on password stretching work.
const MinPBKDF2Iterations = 600_000

// RandomBytes returns n cryptographically secure random bytes.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, ErrRandomFailure
	}
	return buf, nil
}

// GenerateSigningKeyPair creates a new Ed25519 keypair.
func GenerateSigningKeyPair() (pub ed25519.PublicKey, priv ed25519.PrivateKey, err error) {
	pub, priv, err = ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, ErrRandomFailure
	}
	return pub, priv, nil
}

// SigningKeyPairFromSeed derives a deterministic Ed25519 keypair from a
// 32-byte seed, as used throughout identity key derivation.
func SigningKeyPairFromSeed(seed []byte) (pub ed25519.PublicKey, priv ed25519.PrivateKey, err error) {
	if len(seed) != ed25519.SeedSize {
		return nil, nil, ErrWeakKey
	}
	priv = ed25519.NewKeyFromSeed(seed)
	pub = priv.Public().(ed25519.PublicKey)
	return pub, priv, nil
}

// Sign produces a deterministic Ed25519 signature over msg.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify checks an Ed25519 signature in constant time (as provided by the
// standard library implementation).
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// GenerateExchangeKeyPair creates a fresh X25519 keypair.
func GenerateExchangeKeyPair() (pub, priv []byte, err error) {
	priv, err = RandomBytes(32)
	if err != nil {
		return nil, nil, err
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// ExchangeKeyPairFromSeed derives a deterministic X25519 keypair from a
// 32-byte seed (used for per-device and per-contact exchange keys).
func ExchangeKeyPairFromSeed(seed []byte) (pub, priv []byte, err error) {
	if len(seed) != 32 {
		return nil, nil, ErrWeakKey
	}
	priv = append([]byte(nil), seed...)
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// DH performs an X25519 Diffie-Hellman agreement, returning 32 bytes of
// shared secret.
func DH(priv, pub []byte) ([]byte, error) {
	if len(priv) != 32 || len(pub) != 32 {
		return nil, ErrWeakKey
	}
	out, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HKDF derives outLen bytes from ikm using HKDF-SHA256 with the given salt
// and domain-separated info string.
func HKDF(ikm, salt []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, ikm, salt, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

// PBKDF2Key stretches a password into a symmetric key using
// PBKDF2-HMAC-SHA256. iterations must be at least MinPBKDF2Iterations.
func PBKDF2Key(password, salt []byte, iterations, keyLen int) ([]byte, error) {
	if iterations < MinPBKDF2Iterations {
		return nil, ErrWeakKey
	}
	return pbkdf2.Key(password, salt, iterations, keyLen, sha256.New), nil
}

// SealAESGCM encrypts plaintext with AES-256-GCM under key, returning a
// fresh random 12-byte nonce prepended to the ciphertext+tag.
func SealAESGCM(key, plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce, err = RandomBytes(AEADNonceSize)
	if err != nil {
		return nil, nil, err
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, aad)
	return nonce, ciphertext, nil
}

// OpenAESGCM decrypts a nonce+ciphertext pair produced by SealAESGCM.
func OpenAESGCM(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != AEADNonceSize {
		return nil, ErrInvalidTag
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrInvalidTag
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, ErrWeakKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Zero overwrites a sensitive buffer with zeros in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
