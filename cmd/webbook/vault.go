package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"webbook/internal/card"
	"webbook/internal/config"
	"webbook/internal/device"
	"webbook/internal/identity"
	"webbook/internal/pending"
	"webbook/internal/securestore"
	"webbook/internal/sync"
	"webbook/internal/weberr"
	"webbook/pkg/models"
)

// contactKeysKeeper resolves a contact's relay routing key from the
// store, satisfying pending.ContactKeys.
type contactKeysKeeper struct {
	store *securestore.Store
}

func (k contactKeysKeeper) RelayPubKeyFor(contactID string) ([]byte, error) {
	contact, _, err := k.store.GetContact(contactID)
	if err != nil {
		return nil, err
	}
	return contact.RemoteSigningKey, nil
}

// newSyncController builds a Controller bound to the open vault. Callers
// that need to dispatch to the relay build their own pending.Outbox with
// a live Sender instead (see cmd/webbook's sync command).
func newSyncController(a *appContext) *sync.Controller {
	return sync.New(a.cardMgr, a.store, a.outbox, nil, a.log)
}

var errPasswordRequired = errors.New("webbook: --password (or WEBBOOK_PASSWORD) is required")

// appContext bundles the open vault a command operates on.
type appContext struct {
	cfg       config.ClientConfig
	store     *securestore.Store
	idMgr     *identity.Manager
	cardMgr   *card.Manager
	deviceMgr *device.Manager
	outbox    *pending.Outbox
	log       *slog.Logger
	vaultPath string
}

func (a *appContext) Close() {
	if a.store != nil {
		_ = a.store.Close()
	}
}

func vaultPathFor(storagePath string) string {
	return storagePath + ".vault"
}

func loadConfig(c *cli.Context) (config.ClientConfig, error) {
	cfg, err := config.LoadClientConfig(c.String("config"))
	if err != nil {
		return cfg, weberr.New(weberr.KindStorageIO, "webbook.loadConfig", err)
	}
	if db := c.String("db"); db != "" {
		cfg.StoragePath = db
	}
	return cfg, nil
}

func requirePassword(c *cli.Context) (string, error) {
	pw := c.String("password")
	if pw == "" {
		return "", weberr.New(weberr.KindValidation, "webbook.requirePassword", errPasswordRequired)
	}
	return pw, nil
}

// createVault initializes a brand-new identity, card, and on-disk vault.
func createVault(c *cli.Context, displayName string) (*appContext, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	password, err := requirePassword(c)
	if err != nil {
		return nil, err
	}

	if _, statErr := os.Stat(vaultPathFor(cfg.StoragePath)); statErr == nil {
		return nil, weberr.New(weberr.KindValidation, "webbook.createVault",
			fmt.Errorf("vault already exists at %s", cfg.StoragePath))
	}

	idMgr := identity.NewManager()
	if _, err := idMgr.Create(); err != nil {
		return nil, weberr.New(weberr.KindValidation, "webbook.createVault", err)
	}

	env, err := idMgr.ExportBackup(displayName, 0, password)
	if err != nil {
		return nil, weberr.New(weberr.KindBackupAuthFailed, "webbook.createVault", err)
	}
	if err := writeVaultFile(vaultPathFor(cfg.StoragePath), env); err != nil {
		return nil, err
	}

	storageKey, err := idMgr.StorageKey()
	if err != nil {
		return nil, weberr.New(weberr.KindValidation, "webbook.createVault", err)
	}
	store, err := securestore.Open(cfg.StoragePath, storageKey)
	if err != nil {
		return nil, weberr.New(weberr.KindStorageIO, "webbook.createVault", err)
	}

	cardMgr := card.NewManager(idMgr)
	if err := cardMgr.SetDisplayName(displayName); err != nil {
		store.Close()
		return nil, weberr.New(weberr.KindValidation, "webbook.createVault", err)
	}
	if err := store.SaveOwnCard(cardMgr.Card()); err != nil {
		store.Close()
		return nil, weberr.New(weberr.KindStorageIO, "webbook.createVault", err)
	}

	signingPub, signingPriv, err := idMgr.SigningKeyPair()
	if err != nil {
		store.Close()
		return nil, weberr.New(weberr.KindValidation, "webbook.createVault", err)
	}
	devicePub, _, err := idMgr.DeriveDeviceKey(0)
	if err != nil {
		store.Close()
		return nil, weberr.New(weberr.KindValidation, "webbook.createVault", err)
	}
	first := models.Device{
		DeviceID:   fmt.Sprintf("device-%d", 0),
		Index:      0,
		Name:       displayName,
		SigningKey: devicePub,
		AddedAt:    time.Now().UTC(),
	}
	deviceMgr, err := device.NewManager(signingPub, signingPriv, first)
	if err != nil {
		store.Close()
		return nil, weberr.New(weberr.KindValidation, "webbook.createVault", err)
	}
	if err := store.SaveDeviceRegistry(deviceMgr.Registry()); err != nil {
		store.Close()
		return nil, weberr.New(weberr.KindStorageIO, "webbook.createVault", err)
	}
	if err := store.SaveDeviceInfo(first.SigningKey, 0, displayName, first.AddedAt); err != nil {
		store.Close()
		return nil, weberr.New(weberr.KindStorageIO, "webbook.createVault", err)
	}
	if err := store.SaveIdentityBackup(mustMarshal(env), displayName, time.Now().UTC()); err != nil {
		store.Close()
		return nil, weberr.New(weberr.KindStorageIO, "webbook.createVault", err)
	}

	return &appContext{
		cfg:       cfg,
		store:     store,
		idMgr:     idMgr,
		cardMgr:   cardMgr,
		deviceMgr: deviceMgr,
		outbox:    pending.New(store, nil, contactKeysKeeper{store}, nil),
		log:       defaultLogger(),
		vaultPath: vaultPathFor(cfg.StoragePath),
	}, nil
}

// openVault unlocks an existing vault: decrypt the sidecar backup with
// the supplied password, restore the identity, derive the storage key,
// and open the encrypted store.
func openVault(c *cli.Context) (*appContext, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	password, err := requirePassword(c)
	if err != nil {
		return nil, err
	}

	env, err := readVaultFile(vaultPathFor(cfg.StoragePath))
	if err != nil {
		return nil, weberr.New(weberr.KindStorageIO, "webbook.openVault", err)
	}

	idMgr := identity.NewManager()
	if _, _, _, err := idMgr.ImportBackupAndRestore(env, password); err != nil {
		return nil, weberr.New(weberr.KindBackupAuthFailed, "webbook.openVault", err)
	}

	storageKey, err := idMgr.StorageKey()
	if err != nil {
		return nil, weberr.New(weberr.KindValidation, "webbook.openVault", err)
	}
	store, err := securestore.Open(cfg.StoragePath, storageKey)
	if err != nil {
		return nil, weberr.New(weberr.KindStorageIO, "webbook.openVault", err)
	}

	ownCard, err := store.LoadOwnCard()
	if err != nil {
		store.Close()
		return nil, weberr.New(weberr.KindStorageIO, "webbook.openVault", err)
	}
	cardMgr := card.LoadManager(idMgr, ownCard)

	signingPub, signingPriv, err := idMgr.SigningKeyPair()
	if err != nil {
		store.Close()
		return nil, weberr.New(weberr.KindValidation, "webbook.openVault", err)
	}
	registry, err := store.LoadDeviceRegistry()
	if err != nil {
		store.Close()
		return nil, weberr.New(weberr.KindStorageIO, "webbook.openVault", err)
	}
	deviceMgr, err := device.LoadManager(signingPub, signingPriv, registry)
	if err != nil {
		store.Close()
		return nil, weberr.New(weberr.KindValidation, "webbook.openVault", err)
	}

	return &appContext{
		cfg:       cfg,
		store:     store,
		idMgr:     idMgr,
		cardMgr:   cardMgr,
		deviceMgr: deviceMgr,
		outbox:    pending.New(store, nil, contactKeysKeeper{store}, nil),
		log:       defaultLogger(),
		vaultPath: vaultPathFor(cfg.StoragePath),
	}, nil
}

func writeVaultFile(path string, env *identity.BackupEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return weberr.New(weberr.KindValidation, "webbook.writeVaultFile", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return weberr.New(weberr.KindStorageIO, "webbook.writeVaultFile", err)
	}
	return nil
}

func readVaultFile(path string) (*identity.BackupEnvelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var env identity.BackupEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
