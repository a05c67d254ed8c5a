package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"webbook/internal/pending"
	"webbook/internal/relayclient"
	"webbook/internal/sync"
	"webbook/internal/weberr"
)

const syncDispatchInterval = 10 * time.Second

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "push card updates and receive contact updates via the relay",
		Subcommands: []*cli.Command{
			{
				Name:  "push",
				Usage: "project the owner's card to every contact and enqueue deliveries",
				Action: func(c *cli.Context) error {
					a, err := openVault(c)
					if err != nil {
						return err
					}
					defer a.Close()

					ctl := newSyncController(a)
					if err := ctl.PushCardUpdate(c.Context, a.idMgr); err != nil {
						return weberr.New(weberr.KindValidation, "webbook.sync.push", err)
					}
					return nil
				},
			},
			{
				Name:  "run",
				Usage: "connect to the relay and run the dispatch/receive loop until interrupted",
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
						return weberr.New(weberr.KindValidation, "webbook.sync.run", err)
					}

					relay := relayclient.New(a.cfg.RelayURL, signingPub, signingPriv, a.log)
					outbox := pending.New(a.store, relay, contactKeysKeeper{a.store}, a.log)
					ctl := sync.New(a.cardMgr, a.store, outbox, nil, a.log)

					if err := outbox.RecoverInFlight(); err != nil {
						return weberr.New(weberr.KindStorageIO, "webbook.sync.run", err)
					}

					relay.OnDeliver = func(d relayclient.Deliver) {
						if err := handleInboundDeliver(a, password, ctl, d); err != nil {
							a.log.Warn("sync: inbound delivery failed", "error", err)
							return
						}
						if err := relay.AckDeliver(d.MessageID); err != nil {
							a.log.Warn("sync: ack delivery failed", "error", err)
						}
					}

					ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
					defer stop()

					errCh := make(chan error, 1)
					go func() { errCh <- relay.Run(ctx) }()

					ticker := time.NewTicker(syncDispatchInterval)
					defer ticker.Stop()

					for {
						select {
						case <-ctx.Done():
							<-errCh
							return nil
						case err := <-errCh:
							if errors.Is(err, context.Canceled) {
								return nil
							}
							return weberr.New(weberr.KindConnectionLost, "webbook.sync.run", err)
						case <-ticker.C:
							if _, err := ctl.Dispatch(ctx); err != nil {
								a.log.Warn("sync: dispatch failed", "error", err)
							}
						}
					}
				},
			},
		},
	}
}

func handleInboundDeliver(a *appContext, password string, ctl *sync.Controller, d relayclient.Deliver) error {
	var probe struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(d.Ciphertext, &probe) == nil && probe.Type == exchangeResponseType {
		var resp exchangeResponse
		if err := json.Unmarshal(d.Ciphertext, &resp); err != nil {
			return fmt.Errorf("webbook: malformed exchange response: %w", err)
		}
		return completeInitiatorSide(a, password, resp)
	}
	return ctl.HandleDeliver(d.SenderPubKey[:], d.Ciphertext, time.Now())
}
