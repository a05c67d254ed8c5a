package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManagerCreateProducesStableIdentityID(t *testing.T) {
	m := NewManager()
	id, err := m.Create()
	require.NoError(t, err)
	require.NotEmpty(t, id.ID)
	require.Len(t, id.SigningPublicKey, 32)
	require.Len(t, id.ExchangePublicKey, 32)

	again, err := m.Identity()
	require.NoError(t, err)
	require.Equal(t, id, again)
}

func TestManagerDeriveDeviceKeyIsDeterministic(t *testing.T) {
	m := NewManager()
	_, err := m.Create()
	require.NoError(t, err)

	pub1, _, err := m.DeriveDeviceKey(0)
	require.NoError(t, err)
	pub2, _, err := m.DeriveDeviceKey(0)
	require.NoError(t, err)
	require.Equal(t, pub1, pub2)

	pub3, _, err := m.DeriveDeviceKey(1)
	require.NoError(t, err)
	require.NotEqual(t, pub1, pub3)
}

func TestManagerExportImportBackupRoundTrip(t *testing.T) {
	m := NewManager()
	id, err := m.Create()
	require.NoError(t, err)

	env, err := m.ExportBackup("laptop", 0, "correct horse battery staple")
	require.NoError(t, err)

	restored := NewManager()
	gotID, displayName, deviceIndex, err := restored.ImportBackupAndRestore(env, "correct horse battery staple")
	require.NoError(t, err)
	require.Equal(t, id.ID, gotID.ID)
	require.Equal(t, "laptop", displayName)
	require.Equal(t, 0, deviceIndex)
}

func TestManagerImportBackupWrongPasswordFails(t *testing.T) {
	m := NewManager()
	_, err := m.Create()
	require.NoError(t, err)

	env, err := m.ExportBackup("phone", 1, "right-password")
	require.NoError(t, err)

	restored := NewManager()
	_, _, _, err = restored.ImportBackupAndRestore(env, "wrong-password")
	require.ErrorIs(t, err, ErrBackupAuthFailed)
}

func TestManagerOperationsBeforeInitReturnErrNotInitialized(t *testing.T) {
	m := NewManager()
	_, err := m.Identity()
	require.ErrorIs(t, err, ErrNotInitialized)

	_, _, err = m.SigningKeyPair()
	require.ErrorIs(t, err, ErrNotInitialized)

	_, err = m.StorageKey()
	require.ErrorIs(t, err, ErrNotInitialized)
}
