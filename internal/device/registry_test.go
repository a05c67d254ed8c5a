package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"webbook/internal/cryptoprim"
	"webbook/pkg/models"
)

func TestNewManagerSignsInitialRegistry(t *testing.T) {
	pub, priv, err := cryptoprim.GenerateSigningKeyPair()
	require.NoError(t, err)

	m, err := NewManager(pub, priv, models.Device{DeviceID: "d0", Index: 0, Name: "laptop"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), m.Registry().Version)
	require.NoError(t, VerifyRegistry(m.Registry(), pub))
}

func TestAddDeviceBumpsVersionAndRejectsReusedIndex(t *testing.T) {
	pub, priv, err := cryptoprim.GenerateSigningKeyPair()
	require.NoError(t, err)
	m, err := NewManager(pub, priv, models.Device{DeviceID: "d0", Index: 0})
	require.NoError(t, err)

	require.NoError(t, m.AddDevice(models.Device{DeviceID: "d1", Index: m.NextIndex()}))
	require.Equal(t, uint64(2), m.Registry().Version)

	err = m.AddDevice(models.Device{DeviceID: "d2", Index: 0})
	require.ErrorIs(t, err, ErrIndexReused)
}

func TestRevokeDeviceNeverFreesIndex(t *testing.T) {
	pub, priv, err := cryptoprim.GenerateSigningKeyPair()
	require.NoError(t, err)
	m, err := NewManager(pub, priv, models.Device{DeviceID: "d0", Index: 0})
	require.NoError(t, err)
	require.NoError(t, m.AddDevice(models.Device{DeviceID: "d1", Index: 1}))

	require.NoError(t, m.RevokeDevice("d1", time.Now()))
	require.Equal(t, 2, m.NextIndex())

	err = m.AddDevice(models.Device{DeviceID: "d2", Index: 1})
	require.ErrorIs(t, err, ErrIndexReused)
}

func TestLoadManagerRejectsTamperedRegistry(t *testing.T) {
	pub, priv, err := cryptoprim.GenerateSigningKeyPair()
	require.NoError(t, err)
	m, err := NewManager(pub, priv, models.Device{DeviceID: "d0", Index: 0})
	require.NoError(t, err)

	tampered := m.Registry()
	tampered.Devices[0].Name = "tampered"

	_, err = LoadManager(pub, priv, tampered)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestApplyRejectsNonNewerVersion(t *testing.T) {
	pub, priv, err := cryptoprim.GenerateSigningKeyPair()
	require.NoError(t, err)
	m, err := NewManager(pub, priv, models.Device{DeviceID: "d0", Index: 0})
	require.NoError(t, err)

	err = m.Apply(m.Registry())
	require.ErrorIs(t, err, ErrVersionNotNewer)
}
