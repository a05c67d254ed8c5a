// Package securestore implements the encrypted-at-rest local store (C4):
// a password-protected envelope format for snapshot blobs, and a
// transactional SQLite table store for the live vault (identity, cards,
// contacts, ratchets, pending updates, device state).
package securestore

import (
	"encoding/json"
	"errors"
	"strings"

	"webbook/internal/cryptoprim"
)

const (
	envelopeVersion = 1
	saltSize        = 16
	filePrefix      = "WBENC1\n"
)

var (
	ErrAuthFailed = errors.New("securestore: authentication failed")
	ErrInvalid    = errors.New("securestore: envelope is invalid")
	ErrLegacyData = errors.New("securestore: legacy or foreign data")
)

// Envelope is the password-protected container for an arbitrary snapshot
// blob: PBKDF2-HMAC-SHA256 key derivation (§4.1) feeding AES-256-GCM (§4.1).
type Envelope struct {
	Version    uint32 `json:"version"`
	Iterations int    `json:"iterations"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Encrypt seals plaintext behind passphrase and prepends the file prefix
// used to distinguish envelopes from legacy/foreign data on disk.
func Encrypt(passphrase string, plaintext []byte) ([]byte, error) {
	env, err := EncryptEnvelope(passphrase, plaintext)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte(filePrefix), raw...), nil
}

// EncryptEnvelope is Encrypt without the file-prefix framing.
func EncryptEnvelope(passphrase string, plaintext []byte) (*Envelope, error) {
	salt, err := cryptoprim.RandomBytes(saltSize)
	if err != nil {
		return nil, err
	}
	key, err := cryptoprim.PBKDF2Key([]byte(passphrase), salt, cryptoprim.MinPBKDF2Iterations, 32)
	if err != nil {
		return nil, err
	}
	defer cryptoprim.Zero(key)

	nonce, ciphertext, err := cryptoprim.SealAESGCM(key, plaintext, nil)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Version:    envelopeVersion,
		Iterations: cryptoprim.MinPBKDF2Iterations,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

// Decrypt reverses Encrypt.
func Decrypt(passphrase string, data []byte) ([]byte, error) {
	if !strings.HasPrefix(string(data), filePrefix) {
		return nil, ErrLegacyData
	}
	data = data[len(filePrefix):]
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrInvalid
	}
	return DecryptEnvelope(passphrase, &env)
}

// DecryptEnvelope reverses EncryptEnvelope.
func DecryptEnvelope(passphrase string, env *Envelope) ([]byte, error) {
	if !isValidEnvelope(env) {
		return nil, ErrInvalid
	}
	iterations := env.Iterations
	if iterations < cryptoprim.MinPBKDF2Iterations {
		iterations = cryptoprim.MinPBKDF2Iterations
	}
	key, err := cryptoprim.PBKDF2Key([]byte(passphrase), env.Salt, iterations, 32)
	if err != nil {
		return nil, err
	}
	defer cryptoprim.Zero(key)

	plaintext, err := cryptoprim.OpenAESGCM(key, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func isValidEnvelope(env *Envelope) bool {
	if env == nil {
		return false
	}
	if env.Version != envelopeVersion {
		return false
	}
	if len(env.Salt) != saltSize || len(env.Nonce) != cryptoprim.AEADNonceSize || len(env.Ciphertext) == 0 {
		return false
	}
	return true
}
