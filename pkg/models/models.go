// Package models holds the plain value types shared across webbook's
// packages: identity, card, contact, pending-update, and device records.
// These are the command/event surface the platform adapters (CLI, UI
// bindings) sit on top of; the core never depends back on an adapter.
package models

import "time"

// FieldType enumerates the supported contact-card field kinds.
type FieldType string

const (
	FieldPhone   FieldType = "phone"
	FieldEmail   FieldType = "email"
	FieldSocial  FieldType = "social"
	FieldAddress FieldType = "address"
	FieldWebsite FieldType = "website"
	FieldCustom  FieldType = "custom"
)

// VisibilityKind enumerates the three visibility policies a field may carry.
type VisibilityKind string

const (
	VisibilityEveryone  VisibilityKind = "everyone"
	VisibilityAllowlist VisibilityKind = "allowlist"
	VisibilityNobody    VisibilityKind = "nobody"
)

// Visibility resolves, per field, which contacts may see it.
type Visibility struct {
	Kind      VisibilityKind `json:"kind"`
	Allowlist []string       `json:"allowlist,omitempty"`
}

// Admits reports whether contactID may see a field carrying this visibility.
func (v Visibility) Admits(contactID string) bool {
	switch v.Kind {
	case VisibilityEveryone:
		return true
	case VisibilityNobody:
		return false
	case VisibilityAllowlist:
		for _, id := range v.Allowlist {
			if id == contactID {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Field is a single entry on a contact card.
type Field struct {
	ID         string     `json:"id"`
	Type       FieldType  `json:"type"`
	Label      string     `json:"label"`
	Value      string     `json:"value"`
	Visibility Visibility `json:"visibility"`
}

// Card is the owner's (or a contact's cached) set of publishable fields.
type Card struct {
	DisplayName  string    `json:"display_name"`
	Fields       []Field   `json:"fields"`
	LastModified time.Time `json:"last_modified"`
	SignerPubKey []byte    `json:"signer_pub_key"`
	Signature    []byte    `json:"signature"`
}

// Identity is the public projection of a user's master identity.
type Identity struct {
	ID                string    `json:"id"`
	SigningPublicKey  []byte    `json:"signing_public_key"`
	ExchangePublicKey []byte    `json:"exchange_public_key"`
	CreatedAt         time.Time `json:"created_at"`
}

// Contact is one entry in the user's address book.
type Contact struct {
	ID                 string                `json:"id"`
	RemoteSigningKey   []byte                `json:"remote_signing_key"`
	RemoteExchangeKey  []byte                `json:"remote_exchange_key"`
	DisplayName        string                `json:"display_name"`
	Card               Card                  `json:"card"`
	Verified           bool                  `json:"verified"`
	AddedAt            time.Time             `json:"added_at"`
	LastSyncAt         time.Time             `json:"last_sync_at"`
	VisibilityOverride map[string]Visibility `json:"visibility_override,omitempty"`
}

// PendingUpdateKind enumerates the outbox item kinds.
type PendingUpdateKind string

const (
	UpdateCardUpdate       PendingUpdateKind = "card_update"
	UpdateVisibilityChange PendingUpdateKind = "visibility_change"
	UpdateNameExchange     PendingUpdateKind = "name_exchange"
	UpdateDeviceSync       PendingUpdateKind = "device_sync"
)

// PendingStatus enumerates outbox item lifecycle states.
type PendingStatus string

const (
	StatusPending PendingStatus = "pending"
	StatusSending PendingStatus = "sending"
	StatusFailed  PendingStatus = "failed"
)

// PendingUpdate is a durable outbound item awaiting relay delivery.
type PendingUpdate struct {
	ID          string            `json:"id"`
	ContactID   string            `json:"contact_id"`
	Kind        PendingUpdateKind `json:"kind"`
	Ciphertext  []byte            `json:"ciphertext"`
	CreatedAt   time.Time         `json:"created_at"`
	RetryCount  int               `json:"retry_count"`
	Status      PendingStatus     `json:"status"`
	LastError   string            `json:"last_error"`
	NextRetryAt time.Time         `json:"next_retry_at"`
}

// Device is one record in the user's signed device registry.
type Device struct {
	DeviceID   string    `json:"device_id"`
	Index      int       `json:"index"`
	Name       string    `json:"name"`
	SigningKey []byte    `json:"signing_key"`
	AddedAt    time.Time `json:"added_at"`
	Revoked    bool      `json:"revoked"`
	RevokedAt  time.Time `json:"revoked_at,omitempty"`
}

// DeviceRegistry is the whole signed list of a user's devices.
type DeviceRegistry struct {
	Devices   []Device `json:"devices"`
	Version   uint64   `json:"version"`
	Signature []byte   `json:"signature"`
}

// VersionVector carries causal history for inter-device reconciliation.
type VersionVector map[string]uint64

// Dominates reports whether v causally dominates other: every component of
// other is matched or exceeded by v, and at least one is strictly greater
// (or v carries a device other doesn't).
func (v VersionVector) Dominates(other VersionVector) bool {
	strictlyGreater := false
	for device, otherCount := range other {
		if v[device] < otherCount {
			return false
		}
		if v[device] > otherCount {
			strictlyGreater = true
		}
	}
	for device, count := range v {
		if _, ok := other[device]; !ok && count > 0 {
			strictlyGreater = true
		}
	}
	return strictlyGreater
}

// Concurrent reports whether neither vector dominates the other.
func (v VersionVector) Concurrent(other VersionVector) bool {
	return !v.Dominates(other) && !other.Dominates(v) && !v.Equal(other)
}

// Equal reports whether v and other carry identical counters.
func (v VersionVector) Equal(other VersionVector) bool {
	if len(v) != len(other) {
		return false
	}
	for k, val := range v {
		if other[k] != val {
			return false
		}
	}
	return true
}

// Merge returns the component-wise maximum of v and other.
func (v VersionVector) Merge(other VersionVector) VersionVector {
	out := make(VersionVector, len(v)+len(other))
	for k, val := range v {
		out[k] = val
	}
	for k, val := range other {
		if val > out[k] {
			out[k] = val
		}
	}
	return out
}

// RelayBlob is the server-side opaque store-and-forward record.
type RelayBlob struct {
	ID         string    `json:"id"`
	Recipient  []byte    `json:"recipient"`
	Sender     []byte    `json:"sender"`
	Ciphertext []byte    `json:"ciphertext"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiryAt   time.Time `json:"expiry_at"`
}
