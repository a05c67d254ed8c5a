package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"webbook/internal/cryptoprim"
	"webbook/internal/ratchet"
	"webbook/pkg/models"
)

func TestReconcileAppliesDominatingRemote(t *testing.T) {
	local := SyncPayload{Vector: models.VersionVector{"laptop": 1}, Device: "laptop"}
	remote := SyncPayload{Vector: models.VersionVector{"laptop": 2}, Device: "phone"}

	res := Reconcile(local, remote)
	require.True(t, res.Apply)
	require.Equal(t, remote, res.Merged)
}

func TestReconcileKeepsLocalWhenLocalDominates(t *testing.T) {
	local := SyncPayload{Vector: models.VersionVector{"laptop": 3}}
	remote := SyncPayload{Vector: models.VersionVector{"laptop": 1}}

	res := Reconcile(local, remote)
	require.False(t, res.Apply)
}

func TestReconcileConcurrentUsesLastWriterWins(t *testing.T) {
	now := time.Now()
	local := SyncPayload{
		Vector:    models.VersionVector{"laptop": 2, "phone": 1},
		Timestamp: now,
		Device:    "laptop",
	}
	remote := SyncPayload{
		Vector:    models.VersionVector{"laptop": 1, "phone": 2},
		Timestamp: now.Add(time.Second),
		Device:    "phone",
	}

	res := Reconcile(local, remote)
	require.True(t, res.Apply)
	require.Equal(t, "phone", res.Merged.Device)
	require.Equal(t, uint64(2), res.Merged.Vector["laptop"])
	require.Equal(t, uint64(2), res.Merged.Vector["phone"])
}

func TestPairingSealOpenRoundTrip(t *testing.T) {
	secret, err := cryptoprim.RandomBytes(32)
	require.NoError(t, err)
	respPub, respPriv, err := cryptoprim.GenerateExchangeKeyPair()
	require.NoError(t, err)

	initSt, err := ratchet.NewInitiator(secret, respPub)
	require.NoError(t, err)
	respSt, err := ratchet.NewResponder(secret, respPub, respPriv)
	require.NoError(t, err)

	sender := NewPairing(initSt)
	receiver := NewPairing(respSt)

	payload := SyncPayload{Device: "laptop", Vector: models.VersionVector{"laptop": 1}, Timestamp: time.Now()}
	header, sealed, err := sender.Seal(payload)
	require.NoError(t, err)

	got, err := receiver.Open(header, sealed)
	require.NoError(t, err)
	require.Equal(t, "laptop", got.Device)
}

func TestBootstrapPairingIsSymmetricAndIndexOrderIndependent(t *testing.T) {
	storageKey, err := cryptoprim.RandomBytes(32)
	require.NoError(t, err)

	laptop, err := BootstrapPairing(storageKey, 0, 1)
	require.NoError(t, err)
	phone, err := BootstrapPairing(storageKey, 1, 0)
	require.NoError(t, err)

	payload := SyncPayload{Device: "device-0", Vector: models.VersionVector{"device-0": 1}, Timestamp: time.Now()}
	header, sealed, err := laptop.Seal(payload)
	require.NoError(t, err)

	got, err := phone.Open(header, sealed)
	require.NoError(t, err)
	require.Equal(t, "device-0", got.Device)
}

func TestPairingSeedMatchesRegardlessOfArgumentOrder(t *testing.T) {
	storageKey, err := cryptoprim.RandomBytes(32)
	require.NoError(t, err)

	a, err := PairingSeed(storageKey, 0, 2)
	require.NoError(t, err)
	b, err := PairingSeed(storageKey, 2, 0)
	require.NoError(t, err)
	require.Equal(t, a, b)
}
