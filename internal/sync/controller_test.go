package sync

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"webbook/internal/card"
	"webbook/internal/cryptoprim"
	"webbook/internal/ratchet"
	"webbook/pkg/models"
)

type testSigner struct{ pub, priv []byte }

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	pub, priv, err := cryptoprim.GenerateSigningKeyPair()
	require.NoError(t, err)
	return &testSigner{pub: pub, priv: priv}
}

func (s *testSigner) SigningKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return s.pub, s.priv, nil
}

type memStore struct {
	contacts map[string]models.Contact
	ratchets map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{contacts: map[string]models.Contact{}, ratchets: map[string][]byte{}}
}

func (m *memStore) GetContact(id string) (models.Contact, []byte, error) {
	c, ok := m.contacts[id]
	if !ok {
		return models.Contact{}, nil, errNotFound
	}
	return c, []byte("shared-key"), nil
}
func (m *memStore) ListContacts() ([]models.Contact, error) {
	out := make([]models.Contact, 0, len(m.contacts))
	for _, c := range m.contacts {
		out = append(out, c)
	}
	return out, nil
}
func (m *memStore) UpsertContact(c models.Contact, sharedKey []byte) error {
	m.contacts[c.ID] = c
	return nil
}
func (m *memStore) SaveRatchetState(contactID string, stateBlob []byte, isInitiator bool) error {
	m.ratchets[contactID] = stateBlob
	return nil
}
func (m *memStore) LoadRatchetState(contactID string) ([]byte, bool, error) {
	blob, ok := m.ratchets[contactID]
	if !ok {
		return nil, false, errNotFound
	}
	return blob, true, nil
}

type stubErr string

func (e stubErr) Error() string { return string(e) }

const errNotFound = stubErr("not found")

type memOutbox struct {
	items map[string][]byte
}

func newMemOutbox() *memOutbox { return &memOutbox{items: map[string][]byte{}} }

func (o *memOutbox) Enqueue(contactID string, kind models.PendingUpdateKind, ciphertext []byte) (string, error) {
	o.items[contactID] = ciphertext
	return contactID, nil
}
func (o *memOutbox) DispatchOnce(ctx context.Context) (int, error) { return len(o.items), nil }

func setupContactWithRatchet(t *testing.T, store *memStore, contactID string, ownerSigner *testSigner) (*ratchet.State, *ratchet.State) {
	t.Helper()
	secret, err := cryptoprim.RandomBytes(32)
	require.NoError(t, err)
	respPub, respPriv, err := cryptoprim.GenerateExchangeKeyPair()
	require.NoError(t, err)

	ownerSide, err := ratchet.NewInitiator(secret, respPub)
	require.NoError(t, err)
	contactSide, err := ratchet.NewResponder(secret, respPub, respPriv)
	require.NoError(t, err)

	// Bootstrap: the responder cannot send until it has received the
	// initiator's first message and learned its ratchet public key.
	h0, ct0, err := ownerSide.Encrypt([]byte("handshake-complete"))
	require.NoError(t, err)
	_, err = contactSide.Decrypt(h0, ct0)
	require.NoError(t, err)

	blob, err := ownerSide.Marshal()
	require.NoError(t, err)
	store.ratchets[contactID] = blob
	store.contacts[contactID] = models.Contact{ID: contactID, RemoteSigningKey: ownerSigner.pub}

	return ownerSide, contactSide
}

func TestPushCardUpdateEnqueuesForEachContact(t *testing.T) {
	signer := newTestSigner(t)
	cardMgr := card.NewManager(signer)
	require.NoError(t, cardMgr.SetDisplayName("Ada"))
	_, err := cardMgr.AddField(models.FieldEmail, "work", "ada@example.com", models.Visibility{Kind: models.VisibilityEveryone})
	require.NoError(t, err)

	store := newMemStore()
	setupContactWithRatchet(t, store, "bob", signer)
	outbox := newMemOutbox()

	ctrl := New(cardMgr, store, outbox, nil, nil)
	require.NoError(t, ctrl.PushCardUpdate(context.Background(), signer))

	require.Contains(t, outbox.items, "bob")
}

func TestHandleDeliverDecryptsAndUpdatesContact(t *testing.T) {
	signer := newTestSigner(t)
	remoteSigner := newTestSigner(t)
	cardMgr := card.NewManager(signer)
	require.NoError(t, cardMgr.SetDisplayName("Ada"))

	store := newMemStore()
	ownerSide, contactSide := setupContactWithRatchet(t, store, "bob", remoteSigner)
	_ = ownerSide
	outbox := newMemOutbox()
	ctrl := New(cardMgr, store, outbox, nil, nil)

	remoteCardMgr := card.NewManager(remoteSigner)
	require.NoError(t, remoteCardMgr.SetDisplayName("Bob"))
	bobCard := remoteCardMgr.Card()

	bodyJSON, err := json.Marshal(bobCard)
	require.NoError(t, err)
	env := envelope{Kind: models.UpdateCardUpdate, Body: bodyJSON}
	envJSON, err := json.Marshal(env)
	require.NoError(t, err)

	header, sealed, err := contactSide.Encrypt(envJSON)
	require.NoError(t, err)
	wm := wireMessage{Header: header, Sealed: sealed}
	raw, err := json.Marshal(wm)
	require.NoError(t, err)

	require.NoError(t, ctrl.HandleDeliver(remoteSigner.pub, raw, time.Now()))

	updated, _, err := store.GetContact("bob")
	require.NoError(t, err)
	require.Equal(t, "Bob", updated.Card.DisplayName)
}

func TestHandleDeliverUnknownSenderReturnsSentinel(t *testing.T) {
	signer := newTestSigner(t)
	cardMgr := card.NewManager(signer)
	store := newMemStore()
	outbox := newMemOutbox()
	ctrl := New(cardMgr, store, outbox, nil, nil)

	err := ctrl.HandleDeliver([]byte("nobody"), []byte("{}"), time.Now())
	require.ErrorIs(t, err, ErrUnknownSender)
}
