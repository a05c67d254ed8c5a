package identity

import (
	"crypto/ed25519"
	"time"
)

// DerivedKeys holds the full set of keys deterministically derived from a
// master seed via domain-separated HKDF expansion (§3, §4.2).
type DerivedKeys struct {
	SigningPublicKey   ed25519.PublicKey
	SigningPrivateKey  ed25519.PrivateKey
	ExchangePublicKey  []byte // X25519, 32 bytes
	ExchangePrivateKey []byte // X25519, 32 bytes
	StorageKey         []byte // AES-256-GCM key for the encrypted store (C4)
}

// BackupEnvelope is the on-disk/exported representation of an encrypted
// identity backup (§4.2): version byte, salt, nonce, ciphertext.
type BackupEnvelope struct {
	Version    uint8  `json:"version"`
	Iterations int    `json:"iterations"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// backupPayload is the plaintext sealed inside a BackupEnvelope.
type backupPayload struct {
	Seed        []byte    `json:"seed"`
	DisplayName string    `json:"display_name"`
	DeviceIndex int       `json:"device_index"`
	CreatedAt   time.Time `json:"created_at"`
}

const backupEnvelopeVersion uint8 = 1
