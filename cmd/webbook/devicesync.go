package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"webbook/internal/device"
	"webbook/internal/ratchet"
	"webbook/internal/relayclient"
	"webbook/internal/securestore"
	"webbook/internal/weberr"
	"webbook/pkg/models"
)

const deviceSyncTimeout = 15 * time.Second

// deviceSyncCommand reconciles the owner's card display name, contact
// list and version vector with every other non-revoked device in this
// device's own signed registry (§4.13). The registry itself is not part
// of the exchanged payload, so a device is a sync peer only once it is
// listed in the local registry.
func deviceSyncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "reconcile card and contacts with this identity's other linked devices",
		Action: func(c *cli.Context) error {
			a, err := openVault(c)
			if err != nil {
				return err
			}
			defer a.Close()

			storageKey, err := a.idMgr.StorageKey()
			if err != nil {
				return weberr.New(weberr.KindValidation, "webbook.device.sync", err)
			}
			_, selfIndex, _, _, err := a.store.LoadDeviceInfo()
			if err != nil {
				return weberr.New(weberr.KindStorageIO, "webbook.device.sync", err)
			}
			selfDeviceID := fmt.Sprintf("device-%d", selfIndex)

			var peers []models.Device
			for _, d := range a.deviceMgr.Registry().Devices {
				if d.Revoked || d.Index == selfIndex {
					continue
				}
				peers = append(peers, d)
			}
			if len(peers) == 0 {
				fmt.Println("no other linked devices to sync with")
				return nil
			}

			local, err := buildLocalSyncPayload(a, selfDeviceID)
			if err != nil {
				return err
			}

			signingPub, signingPriv, err := a.idMgr.DeriveDeviceKey(selfIndex)
			if err != nil {
				return weberr.New(weberr.KindValidation, "webbook.device.sync", err)
			}

			ctx, cancel := context.WithTimeout(c.Context, deviceSyncTimeout)
			defer cancel()

			relay := relayclient.New(a.cfg.RelayURL, signingPub, signingPriv, a.log)

			applied := 0
			relay.OnDeliver = func(d relayclient.Deliver) {
				ok, err := applyInboundDeviceSync(a, storageKey, selfIndex, d)
				if err != nil {
					a.log.Warn("device sync: inbound reconcile failed", "error", err)
					return
				}
				if ok {
					applied++
				}
			}

			connected := make(chan struct{}, 1)
			relay.OnStateChange = func(s relayclient.State) {
				if s == relayclient.StateConnected {
					select {
					case connected <- struct{}{}:
					default:
					}
				}
			}

			runErr := make(chan error, 1)
			go func() { runErr <- relay.Run(ctx) }()

			select {
			case <-connected:
			case <-ctx.Done():
				return weberr.New(weberr.KindConnectionLost, "webbook.device.sync", fmt.Errorf("relay never connected"))
			}

			for _, peer := range peers {
				if err := sendDeviceSync(ctx, a, relay, storageKey, selfIndex, peer, local); err != nil {
					a.log.Warn("device sync: send failed", "peer", peer.DeviceID, "error", err)
				}
			}

			cancel()
			<-runErr

			fmt.Printf("synced with %d device(s), applied %d incoming update(s)\n", len(peers), applied)
			return nil
		},
	}
}

func buildLocalSyncPayload(a *appContext, selfDeviceID string) (device.SyncPayload, error) {
	vector, err := a.store.LoadVersionVector()
	if err != nil {
		return device.SyncPayload{}, weberr.New(weberr.KindStorageIO, "webbook.device.sync", err)
	}
	vector = vector.Merge(models.VersionVector{selfDeviceID: vector[selfDeviceID] + 1})
	if err := a.store.SaveVersionVector(vector); err != nil {
		return device.SyncPayload{}, weberr.New(weberr.KindStorageIO, "webbook.device.sync", err)
	}

	contacts, err := a.store.ListContacts()
	if err != nil {
		return device.SyncPayload{}, weberr.New(weberr.KindStorageIO, "webbook.device.sync", err)
	}

	return device.SyncPayload{
		Card:      a.cardMgr.Card(),
		Contacts:  contacts,
		Vector:    vector,
		Device:    selfDeviceID,
		Timestamp: time.Now().UTC(),
	}, nil
}

// devicePairingFor loads a durable Pairing for peerDeviceID, bootstrapping
// one deterministically on first use (see device.BootstrapPairing).
func devicePairingFor(store *securestore.Store, storageKey []byte, selfIndex, peerIndex int, peerDeviceID string) (*device.Pairing, error) {
	contactID := "device:" + peerDeviceID
	if blob, _, err := store.LoadRatchetState(contactID); err == nil {
		if st, uerr := ratchet.Unmarshal(blob); uerr == nil {
			return device.NewPairing(st), nil
		}
	}
	return device.BootstrapPairing(storageKey, selfIndex, peerIndex)
}

func savePairingState(store *securestore.Store, peerDeviceID string, pairing *device.Pairing, isInitiator bool) error {
	blob, err := pairing.Marshal()
	if err != nil {
		return weberr.New(weberr.KindStorageIO, "webbook.device.sync", err)
	}
	if err := store.SaveRatchetState("device:"+peerDeviceID, blob, isInitiator); err != nil {
		return weberr.New(weberr.KindStorageIO, "webbook.device.sync", err)
	}
	return nil
}

func sendDeviceSync(ctx context.Context, a *appContext, relay *relayclient.Client, storageKey []byte, selfIndex int, peer models.Device, local device.SyncPayload) error {
	pairing, err := devicePairingFor(a.store, storageKey, selfIndex, peer.Index, peer.DeviceID)
	if err != nil {
		return err
	}
	header, sealed, err := pairing.Seal(local)
	if err != nil {
		return err
	}
	if err := savePairingState(a.store, peer.DeviceID, pairing, selfIndex < peer.Index); err != nil {
		return err
	}

	frame, err := json.Marshal(device.SealedPayload{Header: header, Sealed: sealed})
	if err != nil {
		return err
	}
	_, err = relay.Send(ctx, peer.SigningKey, frame)
	return err
}

// applyInboundDeviceSync decrypts and reconciles one inbound device-sync
// message, reporting whether a reconciled result was written locally:
// the remote snapshot when it dominates, or on a concurrent edit the
// last-writer-wins snapshot (local or remote) with the merged vector.
func applyInboundDeviceSync(a *appContext, storageKey []byte, selfIndex int, d relayclient.Deliver) (bool, error) {
	var peer models.Device
	found := false
	for _, cand := range a.deviceMgr.Registry().Devices {
		if string(cand.SigningKey) == string(d.SenderPubKey[:]) {
			peer = cand
			found = true
			break
		}
	}
	if !found {
		return false, fmt.Errorf("webbook: device sync from unregistered device")
	}

	var frame device.SealedPayload
	if err := json.Unmarshal(d.Ciphertext, &frame); err != nil {
		return false, fmt.Errorf("webbook: malformed device sync frame: %w", err)
	}

	pairing, err := devicePairingFor(a.store, storageKey, selfIndex, peer.Index, peer.DeviceID)
	if err != nil {
		return false, err
	}
	remote, err := pairing.Open(frame.Header, frame.Sealed)
	if err != nil {
		return false, err
	}
	if err := savePairingState(a.store, peer.DeviceID, pairing, selfIndex < peer.Index); err != nil {
		return false, err
	}

	selfDeviceID := fmt.Sprintf("device-%d", selfIndex)
	local, err := buildLocalSyncPayload(a, selfDeviceID)
	if err != nil {
		return false, err
	}

	resolution := device.Reconcile(local, remote)
	if !resolution.Apply {
		return false, nil
	}

	for _, contact := range resolution.Merged.Contacts {
		_, sharedKey, err := a.store.GetContact(contact.ID)
		if err != nil {
			sharedKey = nil
		}
		if err := a.store.UpsertContact(contact, sharedKey); err != nil {
			return false, weberr.New(weberr.KindStorageIO, "webbook.device.sync", err)
		}
	}
	if resolution.Merged.Card.DisplayName != "" && resolution.Merged.Card.DisplayName != a.cardMgr.Card().DisplayName {
		if err := a.cardMgr.SetDisplayName(resolution.Merged.Card.DisplayName); err != nil {
			return false, weberr.New(weberr.KindValidation, "webbook.device.sync", err)
		}
		if err := a.store.SaveOwnCard(a.cardMgr.Card()); err != nil {
			return false, weberr.New(weberr.KindStorageIO, "webbook.device.sync", err)
		}
	}
	if err := a.store.SaveVersionVector(resolution.Merged.Vector); err != nil {
		return false, weberr.New(weberr.KindStorageIO, "webbook.device.sync", err)
	}

	return true, nil
}
