package pending

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"webbook/pkg/models"
)

type memStore struct {
	items map[string]models.PendingUpdate
}

func newMemStore() *memStore { return &memStore{items: make(map[string]models.PendingUpdate)} }

func (m *memStore) UpsertPending(p models.PendingUpdate) error {
	m.items[p.ID] = p
	return nil
}
func (m *memStore) DeletePending(id string) error {
	delete(m.items, id)
	return nil
}
func (m *memStore) ListPending() ([]models.PendingUpdate, error) {
	out := make([]models.PendingUpdate, 0, len(m.items))
	for _, v := range m.items {
		out = append(out, v)
	}
	return out, nil
}

type fakeKeys struct {
	keys map[string][]byte
	fail map[string]bool
}

func (f *fakeKeys) RelayPubKeyFor(contactID string) ([]byte, error) {
	if f.fail[contactID] {
		return nil, errors.New("unknown contact")
	}
	return f.keys[contactID], nil
}

type fakeSender struct {
	failContacts map[string]bool
	sent         []string
}

func (f *fakeSender) Send(ctx context.Context, recipientPubKey []byte, ciphertext []byte) ([16]byte, error) {
	var id [16]byte
	key := string(recipientPubKey)
	if f.failContacts[key] {
		return id, errors.New("send failed")
	}
	f.sent = append(f.sent, string(ciphertext))
	return id, nil
}

func TestEnqueueThenDispatchDeliversAndRemoves(t *testing.T) {
	store := newMemStore()
	sender := &fakeSender{failContacts: map[string]bool{}}
	keys := &fakeKeys{keys: map[string][]byte{"alice": []byte("alice-key")}}
	ob := New(store, sender, keys, nil)

	id, err := ob.Enqueue("alice", models.UpdateCardUpdate, []byte("payload"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	delivered, err := ob.DispatchOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, delivered)
	require.Empty(t, store.items)
	require.Equal(t, []string{"payload"}, sender.sent)
}

func TestDispatchFailureReschedulesWithoutBlockingOthers(t *testing.T) {
	store := newMemStore()
	sender := &fakeSender{failContacts: map[string]bool{"bob-key": true}}
	keys := &fakeKeys{keys: map[string][]byte{"alice": []byte("alice-key"), "bob": []byte("bob-key")}}
	ob := New(store, sender, keys, nil)

	_, err := ob.Enqueue("bob", models.UpdateCardUpdate, []byte("to-bob"))
	require.NoError(t, err)
	_, err = ob.Enqueue("alice", models.UpdateCardUpdate, []byte("to-alice"))
	require.NoError(t, err)

	delivered, err := ob.DispatchOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, delivered)
	require.Len(t, store.items, 1)

	for _, item := range store.items {
		require.Equal(t, models.StatusPending, item.Status)
		require.Equal(t, 1, item.RetryCount)
		require.False(t, item.NextRetryAt.IsZero())
	}
}

func TestItemFailsPermanentlyAfterMaxRetries(t *testing.T) {
	store := newMemStore()
	sender := &fakeSender{failContacts: map[string]bool{"bob-key": true}}
	keys := &fakeKeys{keys: map[string][]byte{"bob": []byte("bob-key")}}
	ob := New(store, sender, keys, nil)
	tick := time.Unix(0, 0)
	ob.nowFunc = func() time.Time {
		tick = tick.Add(2 * time.Hour)
		return tick
	}

	_, err := ob.Enqueue("bob", models.UpdateCardUpdate, []byte("to-bob"))
	require.NoError(t, err)

	for i := 0; i < maxRetries; i++ {
		_, err := ob.DispatchOnce(context.Background())
		require.NoError(t, err)
	}

	require.Len(t, store.items, 1)
	for _, item := range store.items {
		require.Equal(t, models.StatusFailed, item.Status)
		require.Equal(t, maxRetries, item.RetryCount)
	}
}

func TestRecoverInFlightRevertsSendingToPending(t *testing.T) {
	store := newMemStore()
	store.items["x"] = models.PendingUpdate{ID: "x", ContactID: "alice", Status: models.StatusSending}
	ob := New(store, &fakeSender{}, &fakeKeys{}, nil)

	require.NoError(t, ob.RecoverInFlight())
	require.Equal(t, models.StatusPending, store.items["x"].Status)
}

func TestUnresolvableContactKeyReschedulesWithoutPanicking(t *testing.T) {
	store := newMemStore()
	keys := &fakeKeys{fail: map[string]bool{"ghost": true}}
	ob := New(store, &fakeSender{}, keys, nil)

	_, err := ob.Enqueue("ghost", models.UpdateCardUpdate, []byte("x"))
	require.NoError(t, err)

	delivered, err := ob.DispatchOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, delivered)
}
