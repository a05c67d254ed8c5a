package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"webbook/internal/device"
	"webbook/internal/identity"
	"webbook/internal/securestore"
	"webbook/internal/weberr"
	"webbook/pkg/models"
)

func deviceCommand() *cli.Command {
	return &cli.Command{
		Name:  "device",
		Usage: "manage linked devices",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list devices in the signed registry",
				Action: func(c *cli.Context) error {
					a, err := openVault(c)
					if err != nil {
						return err
					}
					defer a.Close()
					return printJSON(a.deviceMgr.Registry())
				},
			},
			{
				Name:  "link",
				Usage: "generate a QR code to link a new device",
				Action: func(c *cli.Context) error {
					a, err := openVault(c)
					if err != nil {
						return err
					}
					defer a.Close()

					ownIdentity, err := a.idMgr.Identity()
					if err != nil {
						return weberr.New(weberr.KindValidation, "webbook.device.link", err)
					}
					seed, err := a.idMgr.ExportSeedForLink()
					if err != nil {
						return weberr.New(weberr.KindValidation, "webbook.device.link", err)
					}

					payload := device.LinkPayload{
						Seed:        seed,
						DisplayName: a.cardMgr.Card().DisplayName,
						DeviceIndex: a.deviceMgr.NextIndex(),
						IssuedAt:    time.Now().UTC(),
					}
					qr, linkKey, err := device.EncodeLink(payload, time.Now())
					if err != nil {
						return weberr.New(weberr.KindValidation, "webbook.device.link", err)
					}

					fmt.Printf("identity: %s\n", ownIdentity.ID)
					fmt.Printf("qr:       %s\n", qr)
					fmt.Printf("link-key: %x\n", linkKey)
					fmt.Println("convey the link key to the new device over a separate channel")
					return nil
				},
			},
			{
				Name:      "accept",
				Usage:     "accept a device link, restoring the identity onto this device",
				ArgsUsage: "<qr> <link-key-hex>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return weberr.New(weberr.KindValidation, "webbook.device.accept", fmt.Errorf("expected <qr> <link-key-hex>"))
					}
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					password, err := requirePassword(c)
					if err != nil {
						return err
					}
					if _, statErr := os.Stat(vaultPathFor(cfg.StoragePath)); statErr == nil {
						return weberr.New(weberr.KindValidation, "webbook.device.accept",
							fmt.Errorf("vault already exists at %s", cfg.StoragePath))
					}

					linkKey, err := hex.DecodeString(c.Args().Get(1))
					if err != nil {
						return weberr.New(weberr.KindValidation, "webbook.device.accept", err)
					}
					payload, err := device.DecodeLink(c.Args().First(), linkKey, time.Now())
					if err != nil {
						return weberr.New(weberr.KindExchangeInvalid, "webbook.device.accept", err)
					}

					idMgr := identity.NewManager()
					if _, err := idMgr.Restore(payload.Seed); err != nil {
						return weberr.New(weberr.KindValidation, "webbook.device.accept", err)
					}

					env, err := idMgr.ExportBackup(payload.DisplayName, payload.DeviceIndex, password)
					if err != nil {
						return weberr.New(weberr.KindBackupAuthFailed, "webbook.device.accept", err)
					}
					if err := writeVaultFile(vaultPathFor(cfg.StoragePath), env); err != nil {
						return err
					}

					storageKey, err := idMgr.StorageKey()
					if err != nil {
						return weberr.New(weberr.KindValidation, "webbook.device.accept", err)
					}
					store, err := securestore.Open(cfg.StoragePath, storageKey)
					if err != nil {
						return weberr.New(weberr.KindStorageIO, "webbook.device.accept", err)
					}
					defer store.Close()

					signingPub, signingPriv, err := idMgr.SigningKeyPair()
					if err != nil {
						return weberr.New(weberr.KindValidation, "webbook.device.accept", err)
					}
					devicePub, _, err := idMgr.DeriveDeviceKey(payload.DeviceIndex)
					if err != nil {
						return weberr.New(weberr.KindValidation, "webbook.device.accept", err)
					}
					self := models.Device{
						DeviceID:   fmt.Sprintf("device-%d", payload.DeviceIndex),
						Index:      payload.DeviceIndex,
						Name:       payload.DisplayName,
						SigningKey: devicePub,
						AddedAt:    time.Now().UTC(),
					}
					deviceMgr, err := device.NewManager(signingPub, signingPriv, self)
					if err != nil {
						return weberr.New(weberr.KindValidation, "webbook.device.accept", err)
					}
					if err := store.SaveDeviceRegistry(deviceMgr.Registry()); err != nil {
						return weberr.New(weberr.KindStorageIO, "webbook.device.accept", err)
					}
					if err := store.SaveDeviceInfo(self.SigningKey, self.Index, self.Name, self.AddedAt); err != nil {
						return weberr.New(weberr.KindStorageIO, "webbook.device.accept", err)
					}

					fmt.Printf("device %s registered; its local registry lists this device only\n", self.DeviceID)
					return nil
				},
			},
			deviceSyncCommand(),
			{
				Name:      "revoke",
				Usage:     "revoke a device from the registry",
				ArgsUsage: "<device-id>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return weberr.New(weberr.KindValidation, "webbook.device.revoke", fmt.Errorf("expected <device-id>"))
					}
					a, err := openVault(c)
					if err != nil {
						return err
					}
					defer a.Close()

					if err := a.deviceMgr.RevokeDevice(c.Args().First(), time.Now().UTC()); err != nil {
						return weberr.New(weberr.KindValidation, "webbook.device.revoke", err)
					}
					if err := a.store.SaveDeviceRegistry(a.deviceMgr.Registry()); err != nil {
						return weberr.New(weberr.KindStorageIO, "webbook.device.revoke", err)
					}
					return nil
				},
			},
		},
	}
}
