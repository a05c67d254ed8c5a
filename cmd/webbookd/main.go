// Command webbookd is the zero-knowledge relay server (§4.14): it
// authenticates connections, forwards live traffic, and holds undelivered
// ciphertext until the recipient reconnects or the retention window
// expires.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"webbook/internal/config"
	"webbook/internal/relayserver"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	addr := flag.String("addr", "", "listen address override")
	flag.Parse()

	if *showVersion {
		fmt.Printf("webbookd version=%s commit=%s\n", version, commit)
		return
	}

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "webbookd: failed to initialize logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.LoadRelayConfig(*configPath)
	if err != nil {
		log.Fatal("webbookd failed to load config", zap.Error(err))
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	blobs, err := relayserver.OpenBlobStore(cfg.BlobDBPath)
	if err != nil {
		log.Fatal("webbookd failed to open blob store", zap.Error(err))
	}
	defer blobs.Close()

	srv := relayserver.New(relayserver.Config{
		Addr:           cfg.Addr,
		BlobDBPath:     cfg.BlobDBPath,
		MaxConnections: cfg.MaxConnections,
		Version:        version,
	}, blobs, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("webbookd starting", zap.String("addr", cfg.Addr))
	if err := srv.Run(ctx); err != nil {
		log.Fatal("webbookd failed", zap.Error(err))
	}
	log.Info("webbookd stopped")
}
