package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"webbook/internal/handshake"
	"webbook/internal/securestore"
	"webbook/internal/weberr"
	"webbook/pkg/models"
)

// exchangeResponseType tags an ad hoc reply sent outside the normal
// ratchet-wrapped sync envelope, letting the side that generated the QR
// complete its own half of the handshake once the scanner replies (§4.5).
const exchangeResponseType = "webbook.exchange.response"

type exchangeResponse struct {
	Type          string `json:"type"`
	SigningPub    []byte `json:"signing_pub"`
	IdentityDHPub []byte `json:"identity_dh_pub"`
	EphemeralPub  []byte `json:"ephemeral_pub"`
}

// pendingExchange is the sidecar recording the QR-generating side's own
// ephemeral keypair between `exchange start` and the scanner's reply
// arriving over sync. Only one exchange may be in flight at a time.
type pendingExchange struct {
	ContactID     string    `json:"contact_id"`
	EphemeralPub  []byte    `json:"ephemeral_pub"`
	EphemeralPriv []byte    `json:"ephemeral_priv"`
	CreatedAt     time.Time `json:"created_at"`
}

func pendingExchangePath(storagePath string) string {
	return storagePath + ".pending-exchange"
}

func savePendingExchange(a *appContext, password string, pe pendingExchange) error {
	if err := securestore.WriteEncryptedJSON(pendingExchangePath(a.cfg.StoragePath), password, pe); err != nil {
		return weberr.New(weberr.KindStorageIO, "webbook.savePendingExchange", err)
	}
	return nil
}

func loadPendingExchange(a *appContext, password string) (pendingExchange, error) {
	var pe pendingExchange
	raw, err := securestore.ReadDecryptedFile(pendingExchangePath(a.cfg.StoragePath), password)
	if err != nil {
		return pe, weberr.New(weberr.KindStorageIO, "webbook.loadPendingExchange", err)
	}
	if err := json.Unmarshal(raw, &pe); err != nil {
		return pe, weberr.New(weberr.KindStorageIO, "webbook.loadPendingExchange", err)
	}
	return pe, nil
}

func exchangeCommand() *cli.Command {
	return &cli.Command{
		Name:  "exchange",
		Usage: "exchange contact cards with another device via QR",
		Subcommands: []*cli.Command{
			{
				Name:  "start",
				Usage: "generate a QR code to be scanned by the other side",
				Action: func(c *cli.Context) error {
					a, err := openVault(c)
					if err != nil {
						return err
					}
					defer a.Close()
					password, err := requirePassword(c)
					if err != nil {
						return err
					}

					signingPub, signingPriv, err := a.idMgr.SigningKeyPair()
					if err != nil {
						return weberr.New(weberr.KindValidation, "webbook.exchange.start", err)
					}
					identityDHPub, _, err := a.idMgr.ExchangeKeyPair()
					if err != nil {
						return weberr.New(weberr.KindValidation, "webbook.exchange.start", err)
					}
					ephemeral, err := handshake.GenerateEphemeral()
					if err != nil {
						return weberr.New(weberr.KindValidation, "webbook.exchange.start", err)
					}

					qr, err := handshake.EncodeBundle(signingPub, signingPriv, identityDHPub, ephemeral.PublicKey, time.Now())
					if err != nil {
						return weberr.New(weberr.KindExchangeInvalid, "webbook.exchange.start", err)
					}

					pe := pendingExchange{
						ContactID:     uuid.New().String(),
						EphemeralPub:  ephemeral.PublicKey,
						EphemeralPriv: ephemeral.PrivateKey,
						CreatedAt:     time.Now().UTC(),
					}
					if err := savePendingExchange(a, password, pe); err != nil {
						return err
					}

					fmt.Println(qr)
					return nil
				},
			},
			{
				Name:      "complete",
				Usage:     "scan the other side's QR code and establish the contact",
				ArgsUsage: "<qr>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return weberr.New(weberr.KindValidation, "webbook.exchange.complete", fmt.Errorf("expected <qr>"))
					}
					a, err := openVault(c)
					if err != nil {
						return err
					}
					defer a.Close()

					bundle, err := handshake.DecodeBundle(c.Args().First(), time.Now())
					if err != nil {
						return weberr.New(weberr.KindExchangeInvalid, "webbook.exchange.complete", err)
					}

					_, identityDHPriv, err := a.idMgr.ExchangeKeyPair()
					if err != nil {
						return weberr.New(weberr.KindValidation, "webbook.exchange.complete", err)
					}

					ephemeral, err := handshake.GenerateEphemeral()
					if err != nil {
						return weberr.New(weberr.KindValidation, "webbook.exchange.complete", err)
					}

					sharedSecret, err := handshake.ResponderSharedSecret(identityDHPriv, ephemeral, bundle)
					if err != nil {
						return weberr.New(weberr.KindExchangeInvalid, "webbook.exchange.complete", err)
					}

					// The scanner becomes the ratchet initiator: it is
					// the side with something to say first (its own
					// display name), and only a ratchet initiator can
					// encrypt before receiving anything (§4.5/§4.10).
					contactID := uuid.New().String()
					ctl := newSyncController(a)
					if err := ctl.AdoptHandshake(contactID, bundle, sharedSecret, nil, nil, false, time.Now()); err != nil {
						return weberr.New(weberr.KindExchangeInvalid, "webbook.exchange.complete", err)
					}

					signingPub, _, err := a.idMgr.SigningKeyPair()
					if err != nil {
						return weberr.New(weberr.KindValidation, "webbook.exchange.complete", err)
					}
					identityDHPub, _, err := a.idMgr.ExchangeKeyPair()
					if err != nil {
						return weberr.New(weberr.KindValidation, "webbook.exchange.complete", err)
					}
					// This bootstrap frame necessarily crosses the relay
					// in plaintext: it is how the QR-generating side
					// learns the scanner's public keys at all, the same
					// way the QR bundle itself is plaintext. It carries
					// no application content, only key material already
					// implied by a completed X3DH exchange.
					resp := exchangeResponse{
						Type:          exchangeResponseType,
						SigningPub:    signingPub,
						IdentityDHPub: identityDHPub,
						EphemeralPub:  ephemeral.PublicKey,
					}
					respJSON, err := json.Marshal(resp)
					if err != nil {
						return weberr.New(weberr.KindValidation, "webbook.exchange.complete", err)
					}
					if _, err := a.outbox.Enqueue(contactID, models.UpdateNameExchange, respJSON); err != nil {
						return weberr.New(weberr.KindStorageIO, "webbook.exchange.complete", err)
					}

					// The display name itself is real application
					// content and goes through the ratchet, established
					// above, like any other sync envelope.
					if err := ctl.SendDisplayName(contactID, a.cardMgr.Card().DisplayName); err != nil {
						return weberr.New(weberr.KindExchangeInvalid, "webbook.exchange.complete", err)
					}

					fmt.Printf("contact %s established, reply queued for delivery\n", contactID)
					return nil
				},
			},
		},
	}
}

// completeInitiatorSide is invoked from the sync receive loop when an
// exchangeResponse arrives for the pending exchange this side started.
func completeInitiatorSide(a *appContext, password string, resp exchangeResponse) error {
	pe, err := loadPendingExchange(a, password)
	if err != nil {
		return err
	}

	_, identityDHPriv, err := a.idMgr.ExchangeKeyPair()
	if err != nil {
		return weberr.New(weberr.KindValidation, "webbook.completeInitiatorSide", err)
	}
	sharedSecret, err := handshake.InitiatorSharedSecret(identityDHPriv, pe.EphemeralPriv, resp.IdentityDHPub, resp.EphemeralPub)
	if err != nil {
		return weberr.New(weberr.KindExchangeInvalid, "webbook.completeInitiatorSide", err)
	}

	// The generator is the ratchet responder: it has nothing to say
	// until the scanner's first encrypted message arrives, and it
	// ratchets using the same ephemeral keypair it already generated
	// and saved in `exchange start` (pe.EphemeralPub/Priv).
	remoteBundle := handshake.Bundle{SigningPubKey: resp.SigningPub}
	ctl := newSyncController(a)
	if err := ctl.AdoptHandshake(pe.ContactID, remoteBundle, sharedSecret, pe.EphemeralPub, pe.EphemeralPriv, true, time.Now()); err != nil {
		return weberr.New(weberr.KindExchangeInvalid, "webbook.completeInitiatorSide", err)
	}
	return nil
}
