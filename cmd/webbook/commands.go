package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"webbook/internal/weberr"
	"webbook/pkg/models"
)

func initCommand() *cli.Command {
	return &cli.Command{
		Name:      "init",
		Usage:     "create a new identity and local vault",
		ArgsUsage: "<display-name>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return weberr.New(weberr.KindValidation, "webbook.init", fmt.Errorf("expected exactly one argument: display name"))
			}
			a, err := createVault(c, c.Args().First())
			if err != nil {
				return err
			}
			defer a.Close()
			identity, err := a.idMgr.Identity()
			if err != nil {
				return weberr.New(weberr.KindValidation, "webbook.init", err)
			}
			fmt.Printf("identity %s created\n", identity.ID)
			return nil
		},
	}
}

func cardCommand() *cli.Command {
	return &cli.Command{
		Name:  "card",
		Usage: "manage the owner's contact card",
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "add a field to the owner's card",
				ArgsUsage: "<type> <label> <value>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "visibility", Value: "everyone", Usage: "everyone|nobody|allowlist:id1,id2"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 3 {
						return weberr.New(weberr.KindValidation, "webbook.card.add", fmt.Errorf("expected <type> <label> <value>"))
					}
					a, err := openVault(c)
					if err != nil {
						return err
					}
					defer a.Close()

					visibility, err := parseVisibility(c.String("visibility"))
					if err != nil {
						return weberr.New(weberr.KindValidation, "webbook.card.add", err)
					}
					field, err := a.cardMgr.AddField(models.FieldType(c.Args().Get(0)), c.Args().Get(1), c.Args().Get(2), visibility)
					if err != nil {
						return weberr.New(weberr.KindValidation, "webbook.card.add", err)
					}
					if err := a.store.SaveOwnCard(a.cardMgr.Card()); err != nil {
						return weberr.New(weberr.KindStorageIO, "webbook.card.add", err)
					}
					fmt.Println(field.ID)
					return nil
				},
			},
			{
				Name:      "edit",
				Usage:     "edit a field's value",
				ArgsUsage: "<field-id> <value>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return weberr.New(weberr.KindValidation, "webbook.card.edit", fmt.Errorf("expected <field-id> <value>"))
					}
					a, err := openVault(c)
					if err != nil {
						return err
					}
					defer a.Close()

					value := c.Args().Get(1)
					if err := a.cardMgr.UpdateField(c.Args().Get(0), nil, &value, nil); err != nil {
						return weberr.New(weberr.KindValidation, "webbook.card.edit", err)
					}
					if err := a.store.SaveOwnCard(a.cardMgr.Card()); err != nil {
						return weberr.New(weberr.KindStorageIO, "webbook.card.edit", err)
					}
					return nil
				},
			},
			{
				Name:      "remove",
				Usage:     "remove a field",
				ArgsUsage: "<field-id>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return weberr.New(weberr.KindValidation, "webbook.card.remove", fmt.Errorf("expected <field-id>"))
					}
					a, err := openVault(c)
					if err != nil {
						return err
					}
					defer a.Close()

					if err := a.cardMgr.RemoveField(c.Args().First()); err != nil {
						return weberr.New(weberr.KindValidation, "webbook.card.remove", err)
					}
					if err := a.store.SaveOwnCard(a.cardMgr.Card()); err != nil {
						return weberr.New(weberr.KindStorageIO, "webbook.card.remove", err)
					}
					return nil
				},
			},
			{
				Name:  "show",
				Usage: "print the owner's card as JSON",
				Action: func(c *cli.Context) error {
					a, err := openVault(c)
					if err != nil {
						return err
					}
					defer a.Close()
					return printJSON(a.cardMgr.Card())
				},
			},
		},
	}
}

func contactsCommand() *cli.Command {
	return &cli.Command{
		Name:  "contacts",
		Usage: "inspect the address book",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list all contacts",
				Action: func(c *cli.Context) error {
					a, err := openVault(c)
					if err != nil {
						return err
					}
					defer a.Close()
					contacts, err := a.store.ListContacts()
					if err != nil {
						return weberr.New(weberr.KindStorageIO, "webbook.contacts.list", err)
					}
					return printJSON(contacts)
				},
			},
			{
				Name:      "show",
				Usage:     "show a single contact",
				ArgsUsage: "<contact-id>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return weberr.New(weberr.KindValidation, "webbook.contacts.show", fmt.Errorf("expected <contact-id>"))
					}
					a, err := openVault(c)
					if err != nil {
						return err
					}
					defer a.Close()
					contact, _, err := a.store.GetContact(c.Args().First())
					if err != nil {
						return weberr.New(weberr.KindStorageIO, "webbook.contacts.show", err)
					}
					return printJSON(contact)
				},
			},
			{
				Name:      "search",
				Usage:     "search contacts by display name substring",
				ArgsUsage: "<query>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return weberr.New(weberr.KindValidation, "webbook.contacts.search", fmt.Errorf("expected <query>"))
					}
					a, err := openVault(c)
					if err != nil {
						return err
					}
					defer a.Close()
					contacts, err := a.store.ListContacts()
					if err != nil {
						return weberr.New(weberr.KindStorageIO, "webbook.contacts.search", err)
					}
					query := strings.ToLower(c.Args().First())
					var matched []models.Contact
					for _, ct := range contacts {
						if strings.Contains(strings.ToLower(ct.DisplayName), query) {
							matched = append(matched, ct)
						}
					}
					return printJSON(matched)
				},
			},
			{
				Name:      "verify",
				Usage:     "verify a contact's cached card signature",
				ArgsUsage: "<contact-id>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return weberr.New(weberr.KindValidation, "webbook.contacts.verify", fmt.Errorf("expected <contact-id>"))
					}
					a, err := openVault(c)
					if err != nil {
						return err
					}
					defer a.Close()
					contact, _, err := a.store.GetContact(c.Args().First())
					if err != nil {
						return weberr.New(weberr.KindStorageIO, "webbook.contacts.verify", err)
					}
					if err := verifyContactCard(contact); err != nil {
						return weberr.New(weberr.KindAEADFailed, "webbook.contacts.verify", err)
					}
					fmt.Println("signature valid")
					return nil
				},
			},
			{
				Name:      "remove",
				Usage:     "remove a contact",
				ArgsUsage: "<contact-id>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return weberr.New(weberr.KindValidation, "webbook.contacts.remove", fmt.Errorf("expected <contact-id>"))
					}
					a, err := openVault(c)
					if err != nil {
						return err
					}
					defer a.Close()
					if err := a.store.DeleteContact(c.Args().First()); err != nil {
						return weberr.New(weberr.KindStorageIO, "webbook.contacts.remove", err)
					}
					return nil
				},
			},
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "export an encrypted identity backup to a file",
		ArgsUsage: "<file>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return weberr.New(weberr.KindValidation, "webbook.export", fmt.Errorf("expected <file>"))
			}
			a, err := openVault(c)
			if err != nil {
				return err
			}
			defer a.Close()

			password, err := requirePassword(c)
			if err != nil {
				return err
			}
			_, deviceIndex, _, _, err := a.store.LoadDeviceInfo()
			if err != nil {
				return weberr.New(weberr.KindStorageIO, "webbook.export", err)
			}
			env, err := a.idMgr.ExportBackup(a.cardMgr.Card().DisplayName, deviceIndex, password)
			if err != nil {
				return weberr.New(weberr.KindBackupAuthFailed, "webbook.export", err)
			}
			if err := writeVaultFile(c.Args().First(), env); err != nil {
				return err
			}
			return nil
		},
	}
}

func importCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "restore an identity from an encrypted backup file",
		ArgsUsage: "<file>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return weberr.New(weberr.KindValidation, "webbook.import", fmt.Errorf("expected <file>"))
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			password, err := requirePassword(c)
			if err != nil {
				return err
			}
			env, err := readVaultFile(c.Args().First())
			if err != nil {
				return weberr.New(weberr.KindStorageIO, "webbook.import", err)
			}
			if err := writeVaultFile(vaultPathFor(cfg.StoragePath), env); err != nil {
				return err
			}

			a, err := openVault(c)
			if err != nil {
				return err
			}
			defer a.Close()
			identity, err := a.idMgr.Identity()
			if err != nil {
				return weberr.New(weberr.KindValidation, "webbook.import", err)
			}
			fmt.Printf("identity %s restored\n", identity.ID)
			return nil
		},
	}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return weberr.New(weberr.KindValidation, "webbook.printJSON", err)
	}
	fmt.Println(string(data))
	return nil
}
