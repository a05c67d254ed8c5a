// Package card implements the owner's contact card: field mutation,
// validation, visibility rules, signing, and per-contact projection (§4.3).
package card

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"webbook/pkg/models"
)

var (
	ErrEmptyDisplayName = errors.New("card: display name must be 1-100 characters after trimming")
	ErrEmptyLabel       = errors.New("card: field label must not be empty")
	ErrInvalidValue     = errors.New("card: field value failed type validation")
	ErrFieldNotFound    = errors.New("card: field not found")
	ErrDuplicateFieldID = errors.New("card: duplicate field id")
	ErrUnsigned         = errors.New("card: card is not signed")
	ErrBadSignature     = errors.New("card: signature verification failed")
	ErrCardTooLarge     = errors.New("card: exceeds 64 KiB")
)

var allowedWebsiteSchemes = map[string]bool{"http": true, "https": true}

// maxCardBytes is the §8 boundary on a card's canonical signed payload.
const maxCardBytes = 64 * 1024

// Signer supplies the identity signing keypair. identity.Manager satisfies
// this without card importing identity, avoiding a cross-package cycle.
type Signer interface {
	SigningKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error)
}

// Manager owns the user's own card and signs it on every mutation (§4.3).
type Manager struct {
	signer Signer
	card   models.Card
}

// NewManager starts from an empty, unsigned card.
func NewManager(signer Signer) *Manager {
	return &Manager{signer: signer}
}

// LoadManager restores a Manager around a previously persisted, signed card.
func LoadManager(signer Signer, card models.Card) *Manager {
	return &Manager{signer: signer, card: card}
}

// Card returns a copy of the current signed card.
func (m *Manager) Card() models.Card {
	return cloneCard(m.card)
}

// SetDisplayName validates and applies a new display name, then re-signs.
func (m *Manager) SetDisplayName(name string) error {
	trimmed := strings.TrimSpace(name)
	if len(trimmed) == 0 || utf8.RuneCountInString(trimmed) > 100 {
		return ErrEmptyDisplayName
	}
	m.card.DisplayName = trimmed
	return m.resign()
}

// AddField validates and appends a new field, then re-signs.
func (m *Manager) AddField(fieldType models.FieldType, label, value string, visibility models.Visibility) (models.Field, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return models.Field{}, ErrEmptyLabel
	}
	if err := validateValue(fieldType, value); err != nil {
		return models.Field{}, err
	}
	field := models.Field{
		ID:         uuid.NewString(),
		Type:       fieldType,
		Label:      label,
		Value:      value,
		Visibility: visibility,
	}
	m.card.Fields = append(m.card.Fields, field)
	if err := m.resign(); err != nil {
		return models.Field{}, err
	}
	return field, nil
}

// UpdateField mutates label/value/visibility of an existing field by id.
// Any of label, value, visibility may be nil to leave that aspect unchanged.
func (m *Manager) UpdateField(id string, label, value *string, visibility *models.Visibility) error {
	idx := m.indexOf(id)
	if idx < 0 {
		return ErrFieldNotFound
	}
	field := m.card.Fields[idx]
	if label != nil {
		trimmed := strings.TrimSpace(*label)
		if trimmed == "" {
			return ErrEmptyLabel
		}
		field.Label = trimmed
	}
	if value != nil {
		if err := validateValue(field.Type, *value); err != nil {
			return err
		}
		field.Value = *value
	}
	if visibility != nil {
		field.Visibility = *visibility
	}
	m.card.Fields[idx] = field
	return m.resign()
}

// SetVisibility updates only the visibility rule of an existing field.
func (m *Manager) SetVisibility(id string, visibility models.Visibility) error {
	return m.UpdateField(id, nil, nil, &visibility)
}

// RemoveField deletes a field by id, then re-signs.
func (m *Manager) RemoveField(id string) error {
	idx := m.indexOf(id)
	if idx < 0 {
		return ErrFieldNotFound
	}
	m.card.Fields = append(m.card.Fields[:idx], m.card.Fields[idx+1:]...)
	return m.resign()
}

func (m *Manager) indexOf(id string) int {
	for i, f := range m.card.Fields {
		if f.ID == id {
			return i
		}
	}
	return -1
}

func (m *Manager) resign() error {
	m.card.LastModified = time.Now().UTC()
	return Sign(&m.card, m.signer)
}

// signingPayload excludes SignerPubKey/Signature: those fields are the
// output of signing, not part of the signed content.
type signingPayload struct {
	DisplayName  string         `json:"display_name"`
	Fields       []models.Field `json:"fields"`
	LastModified int64          `json:"last_modified"`
}

func canonicalBytes(c models.Card) ([]byte, error) {
	return json.Marshal(signingPayload{
		DisplayName:  c.DisplayName,
		Fields:       c.Fields,
		LastModified: c.LastModified.UnixNano(),
	})
}

// Sign computes the card's self-signature in place using signer's keypair
// (§4.3: "card bytes signed == card bytes at rest").
func Sign(c *models.Card, signer Signer) error {
	pub, priv, err := signer.SigningKeyPair()
	if err != nil {
		return err
	}
	payload, err := canonicalBytes(*c)
	if err != nil {
		return err
	}
	if len(payload) > maxCardBytes {
		return ErrCardTooLarge
	}
	c.SignerPubKey = append([]byte(nil), pub...)
	c.Signature = ed25519.Sign(priv, payload)
	return nil
}

// Verify checks a card's self-signature against its carried signer key.
func Verify(c models.Card) error {
	if len(c.Signature) == 0 || len(c.SignerPubKey) == 0 {
		return ErrUnsigned
	}
	payload, err := canonicalBytes(c)
	if err != nil {
		return err
	}
	if !ed25519.Verify(c.SignerPubKey, payload, c.Signature) {
		return ErrBadSignature
	}
	return nil
}

// Project returns the subset of c visible to contactID, re-signed with
// signer's identity key before the caller encrypts it (§4.3 Projection).
func Project(c models.Card, contactID string, signer Signer) (models.Card, error) {
	filtered := models.Card{
		DisplayName: c.DisplayName,
	}
	for _, f := range c.Fields {
		if f.Visibility.Admits(contactID) {
			filtered.Fields = append(filtered.Fields, f)
		}
	}
	filtered.LastModified = time.Now().UTC()
	if err := Sign(&filtered, signer); err != nil {
		return models.Card{}, err
	}
	return filtered, nil
}

func validateValue(fieldType models.FieldType, value string) error {
	switch fieldType {
	case models.FieldEmail:
		if _, err := mail.ParseAddress(value); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
	case models.FieldPhone:
		if !isPhoneLike(value) {
			return ErrInvalidValue
		}
	case models.FieldWebsite:
		u, err := url.Parse(value)
		if err != nil || u.Scheme == "" || !allowedWebsiteSchemes[strings.ToLower(u.Scheme)] || u.Host == "" {
			return ErrInvalidValue
		}
	case models.FieldSocial, models.FieldAddress, models.FieldCustom:
		if strings.TrimSpace(value) == "" {
			return ErrInvalidValue
		}
	default:
		return fmt.Errorf("%w: unknown field type %q", ErrInvalidValue, fieldType)
	}
	return nil
}

func isPhoneLike(value string) bool {
	digits := 0
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' || r == '-' || r == ' ' || r == '(' || r == ')' || r == '.':
			// common punctuation, allowed
		default:
			return false
		}
	}
	return digits >= 3
}

func cloneCard(c models.Card) models.Card {
	out := c
	out.Fields = append([]models.Field(nil), c.Fields...)
	out.SignerPubKey = append([]byte(nil), c.SignerPubKey...)
	out.Signature = append([]byte(nil), c.Signature...)
	return out
}
