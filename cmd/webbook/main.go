// Command webbook is the CLI client binary exposing every WebBook
// surface: identity setup, card editing, contact exchange, sync, and
// device linking (§6).
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"webbook/internal/platform/applog"
	"webbook/internal/securestore"
	"webbook/internal/weberr"
)

func main() {
	app := &cli.App{
		Name:  "webbook",
		Usage: "privacy-preserving contact card exchange",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to config.yaml"},
			&cli.StringFlag{Name: "db", Usage: "override storage path from config"},
			&cli.StringFlag{Name: "password", EnvVars: []string{"WEBBOOK_PASSWORD"}, Usage: "vault password"},
		},
		Commands: []*cli.Command{
			initCommand(),
			cardCommand(),
			contactsCommand(),
			exchangeCommand(),
			syncCommand(),
			deviceCommand(),
			exportCommand(),
			importCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "webbook:", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps an error to the exit code contract in §6: 0 success,
// 1 user error, 2 cryptographic failure, 3 storage failure, 4 network
// failure.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	var werr *weberr.Error
	if errors.As(err, &werr) {
		switch werr.Kind {
		case weberr.KindValidation:
			return 1
		case weberr.KindBackupAuthFailed,
			weberr.KindExchangeInvalid,
			weberr.KindExchangeExpired,
			weberr.KindExchangeReplayed,
			weberr.KindRatchetOutOfOrder,
			weberr.KindAEADFailed:
			return 2
		case weberr.KindStorageIO, weberr.KindStorageAuthFailed, weberr.KindSchemaMismatch:
			return 3
		case weberr.KindSendTimeout, weberr.KindConnectionLost, weberr.KindRateLimited:
			return 4
		case weberr.KindCancelled:
			return 1
		}
	}
	if errors.Is(err, securestore.ErrAuthFailed) {
		return 2
	}
	if errors.Is(err, securestore.ErrStorageIO) || errors.Is(err, securestore.ErrStorageSchemaMismatch) {
		return 3
	}
	return 1
}

func defaultLogger() *slog.Logger {
	return applog.New("webbook", slog.LevelWarn, os.Stderr)
}
