// Package pending implements the durable outbound queue (§4.9): every
// contact-bound message (card update, visibility change, name exchange) is persisted
// before it is ever handed to the relay, so a crash mid-send loses
// nothing and a dead contact doesn't block delivery to live ones.
package pending

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"webbook/internal/weberr"
	"webbook/pkg/models"
)

const (
	maxRetries      = 10
	baseRetrySecs   = 60
	maxRetrySecs    = 3600
	jitterFraction  = 0.2
)

// Store is the subset of securestore.Store the outbox depends on.
type Store interface {
	UpsertPending(p models.PendingUpdate) error
	DeletePending(id string) error
	ListPending() ([]models.PendingUpdate, error)
}

// Sender delivers one ciphertext to a contact's relay address and
// blocks until the relay acknowledges or the attempt fails.
type Sender interface {
	Send(ctx context.Context, recipientPubKey []byte, ciphertext []byte) ([16]byte, error)
}

// ContactKeys resolves a contact's current relay (signing) public key.
type ContactKeys interface {
	RelayPubKeyFor(contactID string) ([]byte, error)
}

// Outbox is the in-memory view over the durable pending_updates table,
// responsible for enqueueing, ordering, and retry scheduling.
type Outbox struct {
	mu      sync.Mutex
	store   Store
	sender  Sender
	keys    ContactKeys
	log     *slog.Logger
	nowFunc func() time.Time
}

// New builds an Outbox over store, dispatching through sender and
// resolving contact relay keys via keys.
func New(store Store, sender Sender, keys ContactKeys, log *slog.Logger) *Outbox {
	if log == nil {
		log = slog.Default()
	}
	return &Outbox{store: store, sender: sender, keys: keys, log: log, nowFunc: time.Now}
}

// Enqueue persists a new outbound item in Pending status and returns its id.
func (o *Outbox) Enqueue(contactID string, kind models.PendingUpdateKind, ciphertext []byte) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := uuid.NewString()
	item := models.PendingUpdate{
		ID:         id,
		ContactID:  contactID,
		Kind:       kind,
		Ciphertext: ciphertext,
		CreatedAt:  o.nowFunc(),
		Status:     models.StatusPending,
	}
	if err := o.store.UpsertPending(item); err != nil {
		return "", weberr.New(weberr.KindStorageIO, "pending.Enqueue", err)
	}
	return id, nil
}

// RecoverInFlight reverts any item left in Sending status back to
// Pending, for crash recovery at startup (§4.9 edge case).
func (o *Outbox) RecoverInFlight() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	items, err := o.store.ListPending()
	if err != nil {
		return weberr.New(weberr.KindStorageIO, "pending.RecoverInFlight", err)
	}
	for _, item := range items {
		if item.Status != models.StatusSending {
			continue
		}
		item.Status = models.StatusPending
		if err := o.store.UpsertPending(item); err != nil {
			return weberr.New(weberr.KindStorageIO, "pending.RecoverInFlight", err)
		}
	}
	return nil
}

// deliverableOrder returns ready-to-send items sorted for dispatch:
// per-contact FIFO, globally ordered by creation time.
func deliverableOrder(items []models.PendingUpdate, now time.Time) []models.PendingUpdate {
	var ready []models.PendingUpdate
	for _, item := range items {
		if item.Status == models.StatusFailed {
			continue
		}
		if !item.NextRetryAt.IsZero() && now.Before(item.NextRetryAt) {
			continue
		}
		ready = append(ready, item)
	}
	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	return ready
}

// DispatchOnce attempts delivery of every currently-ready item once,
// returning the number successfully delivered (and removed from the
// outbox). A contact whose key can't be resolved or whose send fails
// is rescheduled and does not block the others.
func (o *Outbox) DispatchOnce(ctx context.Context) (int, error) {
	o.mu.Lock()
	items, err := o.store.ListPending()
	o.mu.Unlock()
	if err != nil {
		return 0, weberr.New(weberr.KindStorageIO, "pending.DispatchOnce", err)
	}

	delivered := 0
	for _, item := range deliverableOrder(items, o.nowFunc()) {
		if o.dispatchOne(ctx, item) {
			delivered++
		}
	}
	return delivered, nil
}

func (o *Outbox) dispatchOne(ctx context.Context, item models.PendingUpdate) bool {
	recipientKey, err := o.keys.RelayPubKeyFor(item.ContactID)
	if err != nil {
		o.log.Warn("pending: cannot resolve contact key", "contact_id", item.ContactID, "error", err)
		o.reschedule(item, err)
		return false
	}

	o.mu.Lock()
	item.Status = models.StatusSending
	_ = o.store.UpsertPending(item)
	o.mu.Unlock()

	_, err = o.sender.Send(ctx, recipientKey, item.Ciphertext)
	if err != nil {
		o.log.Warn("pending: send failed", "contact_id", item.ContactID, "retry_count", item.RetryCount, "error", err)
		o.reschedule(item, err)
		return false
	}

	o.mu.Lock()
	_ = o.store.DeletePending(item.ID)
	o.mu.Unlock()
	return true
}

func (o *Outbox) reschedule(item models.PendingUpdate, cause error) {
	item.RetryCount++
	item.LastError = cause.Error()

	if item.RetryCount >= maxRetries {
		item.Status = models.StatusFailed
	} else {
		item.Status = models.StatusPending
		item.NextRetryAt = o.nowFunc().Add(backoffDelay(item.RetryCount))
	}

	o.mu.Lock()
	_ = o.store.UpsertPending(item)
	o.mu.Unlock()
}

// backoffDelay computes next_retry_at = now + min(60*2^n, 3600) ± 20% jitter.
func backoffDelay(retryCount int) time.Duration {
	secs := baseRetrySecs << uint(retryCount)
	if secs > maxRetrySecs || secs <= 0 {
		secs = maxRetrySecs
	}
	jitter := 1 + (rand.Float64()*2-1)*jitterFraction
	return time.Duration(float64(secs)*jitter) * time.Second
}

// Pending returns a snapshot of all items currently queued or failed.
func (o *Outbox) Pending() ([]models.PendingUpdate, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	items, err := o.store.ListPending()
	if err != nil {
		return nil, weberr.New(weberr.KindStorageIO, "pending.Pending", err)
	}
	return items, nil
}
