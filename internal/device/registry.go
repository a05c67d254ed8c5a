// Package device implements multi-device linking and the signed device
// registry (§4.11), the QR-sealed link handoff (§4.12), and inter-device
// card sync via version vectors (§4.13).
package device

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"time"

	"webbook/pkg/models"
)

var (
	ErrIndexReused      = errors.New("device: index already present in registry")
	ErrVersionNotNewer  = errors.New("device: version must strictly increase")
	ErrBadSignature     = errors.New("device: registry signature invalid")
	ErrDeviceNotFound   = errors.New("device: not found in registry")
)

// registrySigningPayload is the canonical, signature-excluded projection
// of a registry, mirroring card's signingPayload pattern.
type registrySigningPayload struct {
	Devices []models.Device `json:"devices"`
	Version uint64          `json:"version"`
}

func canonicalRegistryBytes(r models.DeviceRegistry) ([]byte, error) {
	return json.Marshal(registrySigningPayload{Devices: r.Devices, Version: r.Version})
}

// SignRegistry signs r in place under the root identity signing key.
func SignRegistry(r *models.DeviceRegistry, signingKey ed25519.PrivateKey) error {
	payload, err := canonicalRegistryBytes(*r)
	if err != nil {
		return err
	}
	r.Signature = ed25519.Sign(signingKey, payload)
	return nil
}

// VerifyRegistry checks r's signature under signingPub.
func VerifyRegistry(r models.DeviceRegistry, signingPub ed25519.PublicKey) error {
	payload, err := canonicalRegistryBytes(r)
	if err != nil {
		return err
	}
	if len(r.Signature) == 0 || !ed25519.Verify(signingPub, payload, r.Signature) {
		return ErrBadSignature
	}
	return nil
}

// Manager owns the root identity's view of its device registry: adding,
// revoking, and re-signing (§4.11 invariants: strictly increasing
// version, never-reused index).
type Manager struct {
	signingKey ed25519.PrivateKey
	signingPub ed25519.PublicKey
	registry   models.DeviceRegistry
}

// NewManager seeds a Manager for a brand-new registry (first device).
func NewManager(signingPub ed25519.PublicKey, signingKey ed25519.PrivateKey, first models.Device) (*Manager, error) {
	m := &Manager{
		signingPub: signingPub,
		signingKey: signingKey,
		registry:   models.DeviceRegistry{Devices: []models.Device{first}, Version: 1},
	}
	if err := SignRegistry(&m.registry, signingKey); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadManager wraps an already-signed registry for further mutation.
func LoadManager(signingPub ed25519.PublicKey, signingKey ed25519.PrivateKey, registry models.DeviceRegistry) (*Manager, error) {
	if err := VerifyRegistry(registry, signingPub); err != nil {
		return nil, err
	}
	return &Manager{signingPub: signingPub, signingKey: signingKey, registry: registry}, nil
}

// Registry returns the current signed registry.
func (m *Manager) Registry() models.DeviceRegistry { return m.registry }

func (m *Manager) usedIndexes() map[int]bool {
	used := make(map[int]bool, len(m.registry.Devices))
	for _, d := range m.registry.Devices {
		used[d.Index] = true
	}
	return used
}

// NextIndex returns the lowest index not yet used by any device record,
// live or revoked (indexes are never reused, §4.11).
func (m *Manager) NextIndex() int {
	used := m.usedIndexes()
	for i := 0; ; i++ {
		if !used[i] {
			return i
		}
	}
}

// AddDevice appends a new device record, bumps the version, and re-signs.
func (m *Manager) AddDevice(d models.Device) error {
	if m.usedIndexes()[d.Index] {
		return ErrIndexReused
	}
	m.registry.Devices = append(m.registry.Devices, d)
	return m.bumpAndSign()
}

// RevokeDevice marks a device revoked without freeing its index.
func (m *Manager) RevokeDevice(deviceID string, now time.Time) error {
	for i := range m.registry.Devices {
		if m.registry.Devices[i].DeviceID == deviceID {
			m.registry.Devices[i].Revoked = true
			m.registry.Devices[i].RevokedAt = now
			return m.bumpAndSign()
		}
	}
	return ErrDeviceNotFound
}

func (m *Manager) bumpAndSign() error {
	newVersion := m.registry.Version + 1
	if newVersion <= m.registry.Version {
		return ErrVersionNotNewer
	}
	m.registry.Version = newVersion
	return SignRegistry(&m.registry, m.signingKey)
}

// Apply adopts candidate as the current registry if its version strictly
// dominates the current one and its signature verifies; used when
// receiving a registry update from another device (§4.13).
func (m *Manager) Apply(candidate models.DeviceRegistry) error {
	if candidate.Version <= m.registry.Version {
		return ErrVersionNotNewer
	}
	if err := VerifyRegistry(candidate, m.signingPub); err != nil {
		return err
	}
	m.registry = candidate
	return nil
}
