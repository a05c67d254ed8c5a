// Package identity implements the master seed, its derived keypairs, and
// their lifecycle (§3 Identity, §4.2). A Manager is the single serializer
// for the master seed per the concurrency model (§5): every mutating
// operation takes the write lock; the key accessors return copies so
// callers never hold a live reference to the seed.
package identity

import (
	"crypto/ed25519"
	"errors"
	"sync"
	"time"

	"webbook/internal/cryptoprim"
	"webbook/pkg/models"
)

var (
	ErrAlreadyInitialized = errors.New("identity: already initialized")
	ErrNotInitialized     = errors.New("identity: not initialized")
)

// Manager owns the master seed and its derived keys exclusively; no other
// package may hold a copy of the seed outside of an explicit backup export.
type Manager struct {
	mu          sync.RWMutex
	initialized bool
	seed        []byte
	keys        *DerivedKeys
	identityID  string
	createdAt   time.Time
}

// NewManager returns an uninitialized identity manager. Call Create or
// Restore before any other operation.
func NewManager() *Manager {
	return &Manager{}
}

// Create generates a fresh 32-byte master seed via the CSPRNG, derives all
// keys, and becomes the vault's identity. It may only be called once; a
// restore is the only way to replace an existing identity (§3 lifecycle).
func (m *Manager) Create() (models.Identity, error) {
	m.mu.RLock()
	initialized := m.initialized
	m.mu.RUnlock()
	if initialized {
		return models.Identity{}, ErrAlreadyInitialized
	}
	seed, err := cryptoprim.RandomBytes(32)
	if err != nil {
		return models.Identity{}, err
	}
	return m.adopt(seed)
}

// Restore replaces the current identity (if any) with one derived from an
// existing 32-byte seed, typically recovered via ImportBackup or a device
// link transfer (§4.12).
func (m *Manager) Restore(seed []byte) (models.Identity, error) {
	if len(seed) != 32 {
		return models.Identity{}, cryptoprim.ErrWeakKey
	}
	return m.adopt(append([]byte(nil), seed...))
}

func (m *Manager) adopt(seed []byte) (models.Identity, error) {
	keys, err := DeriveKeys(seed)
	if err != nil {
		return models.Identity{}, err
	}
	id, err := BuildIdentityID(keys.SigningPublicKey)
	if err != nil {
		return models.Identity{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		cryptoprim.Zero(m.seed)
	}
	m.seed = seed
	m.keys = keys
	m.identityID = id
	m.createdAt = time.Now().UTC()
	m.initialized = true

	return m.identityLocked(), nil
}

// Identity returns the public projection of the current identity.
func (m *Manager) Identity() (models.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return models.Identity{}, ErrNotInitialized
	}
	return m.identityLocked(), nil
}

func (m *Manager) identityLocked() models.Identity {
	return models.Identity{
		ID:                m.identityID,
		SigningPublicKey:  append([]byte(nil), m.keys.SigningPublicKey...),
		ExchangePublicKey: append([]byte(nil), m.keys.ExchangePublicKey...),
		CreatedAt:         m.createdAt,
	}
}

// SigningKeyPair returns a copy of the current signing keypair, used by
// callers that must sign on the caller's behalf (cards, device certs,
// X3DH QR payloads).
func (m *Manager) SigningKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return nil, nil, ErrNotInitialized
	}
	return append(ed25519.PublicKey(nil), m.keys.SigningPublicKey...),
		append(ed25519.PrivateKey(nil), m.keys.SigningPrivateKey...), nil
}

// ExchangeKeyPair returns a copy of the long-term X25519 keypair.
func (m *Manager) ExchangeKeyPair() (pub, priv []byte, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return nil, nil, ErrNotInitialized
	}
	return append([]byte(nil), m.keys.ExchangePublicKey...),
		append([]byte(nil), m.keys.ExchangePrivateKey...), nil
}

// StorageKey returns the symmetric key protecting the encrypted store (C4).
func (m *Manager) StorageKey() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return nil, ErrNotInitialized
	}
	return append([]byte(nil), m.keys.StorageKey...), nil
}

// DeriveDeviceKey derives the per-device signing keypair for device index n
// (§3, §4.2 derive_device_key(index)).
func (m *Manager) DeriveDeviceKey(index int) (pub, priv []byte, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return nil, nil, ErrNotInitialized
	}
	return DeriveDeviceSigningKey(m.seed, index)
}

// ExportSeedForLink returns a copy of the raw master seed for sealing into
// a device-link QR payload (§4.12); unlike ExportBackup it is not
// password-protected, since the link protocol itself supplies the AEAD key.
func (m *Manager) ExportSeedForLink() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return nil, ErrNotInitialized
	}
	return append([]byte(nil), m.seed...), nil
}

// ExportBackup seals the master seed behind a password-derived key
// (§4.2 export_backup).
func (m *Manager) ExportBackup(displayName string, deviceIndex int, password string) (*BackupEnvelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return nil, ErrNotInitialized
	}
	return ExportBackup(m.seed, displayName, deviceIndex, password, cryptoprim.MinPBKDF2Iterations)
}

// ImportBackupAndRestore decrypts env and adopts the recovered seed as the
// current identity (§4.2 import_backup).
func (m *Manager) ImportBackupAndRestore(env *BackupEnvelope, password string) (models.Identity, string, int, error) {
	seed, displayName, deviceIndex, _, err := ImportBackup(env, password)
	if err != nil {
		return models.Identity{}, "", 0, err
	}
	defer cryptoprim.Zero(seed)
	id, err := m.Restore(seed)
	return id, displayName, deviceIndex, err
}
