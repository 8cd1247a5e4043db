// Command pair links the WhatsApp account used by the whatsmeow provider. It
// prints a QR code to scan from the phone's linked devices screen.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/lalithlochan/partyline/internal/config"
	"github.com/lalithlochan/partyline/internal/observ"
	"github.com/lalithlochan/partyline/internal/whatsapp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := whatsapp.Open(ctx, whatsapp.Config{StoreDir: cfg.WhatsAppStoreDir, Debug: cfg.Debug}, logger)
	if err != nil {
		return err
	}
	defer client.Disconnect()

	if client.Paired() {
		logger.Info("device already paired", zap.String("store", cfg.WhatsAppStoreDir))
		return nil
	}

	if err := client.Pair(ctx, os.Stdout); err != nil {
		return fmt.Errorf("pairing failed: %w", err)
	}
	logger.Info("device paired", zap.String("store", cfg.WhatsAppStoreDir))
	return nil
}
