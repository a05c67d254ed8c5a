package card

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"webbook/internal/cryptoprim"
	"webbook/pkg/models"
)

type testSigner struct {
	pub  []byte
	priv []byte
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	pub, priv, err := cryptoprim.GenerateSigningKeyPair()
	require.NoError(t, err)
	return &testSigner{pub: pub, priv: priv}
}

func (s *testSigner) SigningKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return s.pub, s.priv, nil
}

func TestAddFieldSignsCard(t *testing.T) {
	m := NewManager(newTestSigner(t))
	require.NoError(t, m.SetDisplayName("Ada Lovelace"))

	field, err := m.AddField(models.FieldEmail, "work", "ada@example.com", models.Visibility{Kind: models.VisibilityEveryone})
	require.NoError(t, err)
	require.NotEmpty(t, field.ID)

	c := m.Card()
	require.Len(t, c.Fields, 1)
	require.NoError(t, Verify(c))
}

func TestAddFieldRejectsInvalidEmail(t *testing.T) {
	m := NewManager(newTestSigner(t))
	_, err := m.AddField(models.FieldEmail, "home", "not-an-email", models.Visibility{Kind: models.VisibilityEveryone})
	require.ErrorIs(t, err, ErrInvalidValue)
}

func TestAddFieldRejectsBadWebsiteScheme(t *testing.T) {
	m := NewManager(newTestSigner(t))
	_, err := m.AddField(models.FieldWebsite, "site", "javascript:alert(1)", models.Visibility{Kind: models.VisibilityEveryone})
	require.ErrorIs(t, err, ErrInvalidValue)
}

func TestSetVisibilityThenNobodyHidesField(t *testing.T) {
	m := NewManager(newTestSigner(t))
	field, err := m.AddField(models.FieldEmail, "work", "a@x.com", models.Visibility{Kind: models.VisibilityEveryone})
	require.NoError(t, err)

	require.NoError(t, m.SetVisibility(field.ID, models.Visibility{Kind: models.VisibilityNobody}))

	projected, err := Project(m.Card(), "contact-1", m.signer)
	require.NoError(t, err)
	require.Empty(t, projected.Fields)

	require.NoError(t, m.SetVisibility(field.ID, models.Visibility{Kind: models.VisibilityEveryone}))
	projected, err = Project(m.Card(), "contact-1", m.signer)
	require.NoError(t, err)
	require.Len(t, projected.Fields, 1)
	require.Equal(t, "a@x.com", projected.Fields[0].Value)
}

func TestProjectionRespectsAllowlist(t *testing.T) {
	m := NewManager(newTestSigner(t))
	_, err := m.AddField(models.FieldPhone, "mobile", "+1 555-0100", models.Visibility{
		Kind:      models.VisibilityAllowlist,
		Allowlist: []string{"contact-A"},
	})
	require.NoError(t, err)

	projA, err := Project(m.Card(), "contact-A", m.signer)
	require.NoError(t, err)
	require.Len(t, projA.Fields, 1)

	projB, err := Project(m.Card(), "contact-B", m.signer)
	require.NoError(t, err)
	require.Empty(t, projB.Fields)
}

func TestRemoveFieldDropsIt(t *testing.T) {
	m := NewManager(newTestSigner(t))
	field, err := m.AddField(models.FieldCustom, "note", "hello", models.Visibility{Kind: models.VisibilityEveryone})
	require.NoError(t, err)

	require.NoError(t, m.RemoveField(field.ID))
	require.Empty(t, m.Card().Fields)

	require.ErrorIs(t, m.RemoveField(field.ID), ErrFieldNotFound)
}

func TestVerifyDetectsTamperedCard(t *testing.T) {
	m := NewManager(newTestSigner(t))
	require.NoError(t, m.SetDisplayName("Grace Hopper"))
	c := m.Card()
	c.DisplayName = "Tampered"
	require.ErrorIs(t, Verify(c), ErrBadSignature)
}

func TestSetDisplayNameRejectsEmpty(t *testing.T) {
	m := NewManager(newTestSigner(t))
	require.ErrorIs(t, m.SetDisplayName("   "), ErrEmptyDisplayName)
}
