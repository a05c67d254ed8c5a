// Package sync orchestrates the outbound and inbound pipelines that
// keep contacts' cards up to date: visibility-filtered projection,
// ratchet encryption, durable enqueue, relay dispatch, and the inverse
// path for inbound deliveries (§4.10).
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"webbook/internal/card"
	"webbook/internal/handshake"
	"webbook/internal/ratchet"
	"webbook/internal/weberr"
	"webbook/pkg/models"
)

// Store is the subset of securestore.Store the controller needs.
type Store interface {
	GetContact(id string) (models.Contact, []byte, error)
	ListContacts() ([]models.Contact, error)
	UpsertContact(c models.Contact, sharedKey []byte) error
	SaveRatchetState(contactID string, stateBlob []byte, isInitiator bool) error
	LoadRatchetState(contactID string) (stateBlob []byte, isInitiator bool, err error)
}

// Outbox is the subset of pending.Outbox the controller drives.
type Outbox interface {
	Enqueue(contactID string, kind models.PendingUpdateKind, ciphertext []byte) (string, error)
	DispatchOnce(ctx context.Context) (int, error)
}

// Signer mirrors card.Signer so the controller can re-project cards.
type Signer = card.Signer

// envelope is the JSON structure sealed as one ratchet-encrypted
// payload: the application kind and body. The ratchet header travels
// beside it, outside the AEAD, in wireMessage.
type envelope struct {
	Kind models.PendingUpdateKind `json:"kind"`
	Body json.RawMessage          `json:"body"`
}

// wireMessage is what actually crosses the relay: the Double Ratchet
// header alongside the sealed envelope.
type wireMessage struct {
	Header ratchet.Header `json:"header"`
	Sealed []byte         `json:"sealed"`
}

// Controller wires together card projection, per-contact ratchets, the
// durable outbox, and the relay client into one sync pipeline.
type Controller struct {
	cardMgr *card.Manager
	store   Store
	outbox  Outbox
	hub     *Hub
	log     *slog.Logger

	ratchets map[string]*ratchet.State
}

// New builds a Controller. hub may be nil to disable event publication.
func New(cardMgr *card.Manager, store Store, outbox Outbox, hub *Hub, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub(256)
	}
	return &Controller{
		cardMgr:  cardMgr,
		store:    store,
		outbox:   outbox,
		hub:      hub,
		log:      log,
		ratchets: make(map[string]*ratchet.State),
	}
}

// Events exposes the controller's notification hub.
func (c *Controller) Events() *Hub { return c.hub }

func (c *Controller) ratchetFor(contactID string) (*ratchet.State, error) {
	if st, ok := c.ratchets[contactID]; ok {
		return st, nil
	}
	blob, _, err := c.store.LoadRatchetState(contactID)
	if err != nil {
		return nil, weberr.New(weberr.KindStorageIO, "sync.ratchetFor", err)
	}
	st, err := ratchet.Unmarshal(blob)
	if err != nil {
		return nil, weberr.New(weberr.KindRatchetOutOfOrder, "sync.ratchetFor", err)
	}
	c.ratchets[contactID] = st
	return st, nil
}

func (c *Controller) persistRatchet(contactID string, st *ratchet.State, isInitiator bool) error {
	blob, err := st.Marshal()
	if err != nil {
		return weberr.New(weberr.KindStorageIO, "sync.persistRatchet", err)
	}
	if err := c.store.SaveRatchetState(contactID, blob, isInitiator); err != nil {
		return weberr.New(weberr.KindStorageIO, "sync.persistRatchet", err)
	}
	return nil
}

// PushCardUpdate projects the owner's current card for every known
// contact, ratchet-encrypts the projection, and durably enqueues it for
// relay delivery. It does not block on network I/O.
func (c *Controller) PushCardUpdate(ctx context.Context, signer Signer) error {
	c.hub.Publish(EventSyncStarted, nil)

	contacts, err := c.store.ListContacts()
	if err != nil {
		c.hub.Publish(EventSyncFailed, err.Error())
		return weberr.New(weberr.KindStorageIO, "sync.PushCardUpdate", err)
	}

	own := c.cardMgr.Card()
	sent := 0
	for _, contact := range contacts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		projected, err := card.Project(own, contact.ID, signer)
		if err != nil {
			c.log.Warn("sync: projection failed", "contact_id", contact.ID, "error", err)
			continue
		}
		if err := c.enqueueEnvelope(contact.ID, models.UpdateCardUpdate, projected); err != nil {
			c.log.Warn("sync: enqueue failed", "contact_id", contact.ID, "error", err)
			continue
		}
		sent++
		c.hub.Publish(EventSyncProgress, sent)
	}

	c.hub.Publish(EventSyncCompleted, sent)
	return nil
}

// nameExchangeBody is the payload of a ratchet-encrypted name_exchange
// envelope: the sender's own display name, sent as the handshake's
// first application message once a ratchet state exists (§4.5).
type nameExchangeBody struct {
	DisplayName string `json:"display_name"`
}

// SendDisplayName ratchet-encrypts and enqueues the caller's display
// name to contactID. It requires an established ratchet (AdoptHandshake
// must have run for contactID first) since, unlike the plaintext X3DH
// bootstrap frame, this is real application content and must never
// cross the relay unencrypted.
func (c *Controller) SendDisplayName(contactID, displayName string) error {
	return c.enqueueEnvelope(contactID, models.UpdateNameExchange, nameExchangeBody{DisplayName: displayName})
}

func (c *Controller) enqueueEnvelope(contactID string, kind models.PendingUpdateKind, body any) error {
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return err
	}
	env := envelope{Kind: kind, Body: bodyJSON}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return err
	}

	st, err := c.ratchetFor(contactID)
	if err != nil {
		return err
	}
	header, sealed, err := st.Encrypt(envJSON)
	if err != nil {
		return weberr.New(weberr.KindAEADFailed, "sync.enqueueEnvelope", err)
	}
	if err := c.persistRatchet(contactID, st, false); err != nil {
		return err
	}

	wm := wireMessage{Header: header, Sealed: sealed}
	wireJSON, err := json.Marshal(wm)
	if err != nil {
		return err
	}

	if _, err := c.outbox.Enqueue(contactID, kind, wireJSON); err != nil {
		return weberr.New(weberr.KindStorageIO, "sync.enqueueEnvelope", err)
	}
	return nil
}

// Dispatch drains the outbox once, actually sending any ready items to
// the relay.
func (c *Controller) Dispatch(ctx context.Context) (int, error) {
	n, err := c.outbox.DispatchOnce(ctx)
	if err != nil {
		c.hub.Publish(EventSyncFailed, err.Error())
		return 0, err
	}
	return n, nil
}

// ErrUnknownSender is returned by HandleDeliver when an inbound message
// cannot be attributed to any known contact or an in-flight handshake.
var ErrUnknownSender = errors.New("sync: unknown sender")

// HandleDeliver applies one inbound relay message: decrypts it through
// the sender's ratchet and, for a card_update payload, updates the
// cached contact record. The caller is responsible for ack'ing the
// relay only after this returns successfully (§4.10 durability order).
func (c *Controller) HandleDeliver(senderSigningKey []byte, raw []byte, now time.Time) error {
	contacts, err := c.store.ListContacts()
	if err != nil {
		return weberr.New(weberr.KindStorageIO, "sync.HandleDeliver", err)
	}

	var contactID string
	for _, ct := range contacts {
		if string(ct.RemoteSigningKey) == string(senderSigningKey) {
			contactID = ct.ID
			break
		}
	}
	if contactID == "" {
		return ErrUnknownSender
	}

	var wm wireMessage
	if err := json.Unmarshal(raw, &wm); err != nil {
		return weberr.New(weberr.KindAEADFailed, "sync.HandleDeliver", err)
	}

	st, err := c.ratchetFor(contactID)
	if err != nil {
		return err
	}
	plaintext, err := st.Decrypt(wm.Header, wm.Sealed)
	if err != nil {
		return weberr.New(weberr.KindRatchetOutOfOrder, "sync.HandleDeliver", err)
	}
	if err := c.persistRatchet(contactID, st, true); err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return weberr.New(weberr.KindAEADFailed, "sync.HandleDeliver", err)
	}

	switch env.Kind {
	case models.UpdateCardUpdate:
		var projected models.Card
		if err := json.Unmarshal(env.Body, &projected); err != nil {
			return weberr.New(weberr.KindAEADFailed, "sync.HandleDeliver", err)
		}
		if err := card.Verify(projected); err != nil {
			return weberr.New(weberr.KindAEADFailed, "sync.HandleDeliver", err)
		}
		contact, sharedKey, err := c.store.GetContact(contactID)
		if err != nil {
			return weberr.New(weberr.KindStorageIO, "sync.HandleDeliver", err)
		}
		contact.Card = projected
		contact.LastSyncAt = now
		if err := c.store.UpsertContact(contact, sharedKey); err != nil {
			return weberr.New(weberr.KindStorageIO, "sync.HandleDeliver", err)
		}
		c.hub.Publish(EventContactUpdated, contactID)
	case models.UpdateNameExchange:
		var body nameExchangeBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return weberr.New(weberr.KindAEADFailed, "sync.HandleDeliver", err)
		}
		contact, sharedKey, err := c.store.GetContact(contactID)
		if err != nil {
			return weberr.New(weberr.KindStorageIO, "sync.HandleDeliver", err)
		}
		contact.DisplayName = body.DisplayName
		if err := c.store.UpsertContact(contact, sharedKey); err != nil {
			return weberr.New(weberr.KindStorageIO, "sync.HandleDeliver", err)
		}
		c.hub.Publish(EventContactUpdated, contactID)
	default:
		c.log.Warn("sync: unhandled envelope kind", "kind", env.Kind)
	}
	return nil
}

// AdoptHandshake establishes a fresh contact and ratchet from a decoded
// X3DH bundle's shared secret, for the case where HandleDeliver reports
// ErrUnknownSender and the caller has resolved the sender via an
// out-of-band QR exchange (§4.5/§4.10 interplay).
func (c *Controller) AdoptHandshake(contactID string, bundle handshake.Bundle, sharedSecret, ephemeralDHPub, ephemeralDHPriv []byte, asResponder bool, now time.Time) error {
	var st *ratchet.State
	var err error
	if asResponder {
		st, err = ratchet.NewResponder(sharedSecret, ephemeralDHPub, ephemeralDHPriv)
	} else {
		// The ratchet's first remote DH pub is the bundle's one-time
		// prekey (the other side's X3DH ephemeral), not its long-term
		// identity key: the identity key never rotates, so ratcheting
		// against it would defeat forward secrecy from message one.
		st, err = ratchet.NewInitiator(sharedSecret, bundle.OneTimePrekey)
	}
	if err != nil {
		return weberr.New(weberr.KindExchangeInvalid, "sync.AdoptHandshake", err)
	}

	contact := models.Contact{
		ID:               contactID,
		RemoteSigningKey: bundle.SigningPubKey,
		AddedAt:          now,
		LastSyncAt:       now,
	}
	if err := c.store.UpsertContact(contact, sharedSecret); err != nil {
		return weberr.New(weberr.KindStorageIO, "sync.AdoptHandshake", err)
	}
	if err := c.persistRatchet(contactID, st, !asResponder); err != nil {
		return err
	}
	c.ratchets[contactID] = st
	c.hub.Publish(EventContactAdded, contactID)
	return nil
}
