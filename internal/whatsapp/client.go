// Package whatsapp sends and receives messages as a linked WhatsApp device.
// It is the alternative to the Twilio provider for small deployments that
// do not have a business account.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
)

// ErrNotPaired is returned by Connect when the device has not been linked yet.
var ErrNotPaired = errors.New("whatsapp device is not paired, run the pair command first")

type Config struct {
	StoreDir string
	Debug    bool
}

// Client is a linked-device session backed by a sqlite session store.
type Client struct {
	wa     *whatsmeow.Client
	logger *zap.Logger
}

// Open loads (or creates) the device session in cfg.StoreDir. whatsmeow logs
// through zerolog; everything this package logs itself goes through zap.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if err := os.MkdirAll(cfg.StoreDir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	level := zerolog.WarnLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	zl := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("component", "whatsmeow").Logger()

	dsn := fmt.Sprintf("file:%s/whatsmeow.db?_foreign_keys=on", cfg.StoreDir)
	container, err := sqlstore.New(ctx, "sqlite3", dsn, waLog.Zerolog(zl.With().Str("module", "store").Logger()))
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}

	return &Client{
		wa:     whatsmeow.NewClient(device, waLog.Zerolog(zl.With().Str("module", "client").Logger())),
		logger: logger,
	}, nil
}

// Paired reports whether the session store holds a linked device.
func (c *Client) Paired() bool {
	return c.wa.Store.ID != nil
}

func (c *Client) Connect() error {
	if !c.Paired() {
		return ErrNotPaired
	}
	if err := c.wa.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	c.logger.Info("whatsapp connected", zap.String("device", c.wa.Store.ID.String()))
	return nil
}

func (c *Client) Disconnect() {
	c.wa.Disconnect()
}

// Pair links this session to a phone by printing QR codes to out until one
// is scanned. It returns once the phone confirmed the link.
func (c *Client) Pair(ctx context.Context, out io.Writer) error {
	if c.Paired() {
		return nil
	}

	qrChan, err := c.wa.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("get qr channel: %w", err)
	}
	if err := c.wa.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	for evt := range qrChan {
		switch evt.Event {
		case "code":
			if err := writeQR(out, evt.Code); err != nil {
				return err
			}
		case "success":
			c.logger.Info("whatsapp device paired", zap.String("device", c.wa.Store.ID.String()))
			return nil
		default:
			if evt.Error != nil {
				return fmt.Errorf("pairing failed: %w", evt.Error)
			}
			return fmt.Errorf("pairing failed: %s", evt.Event)
		}
	}
	return errors.New("pairing aborted")
}

func writeQR(out io.Writer, code string) error {
	q, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		_, err = fmt.Fprintf(out, "QR code: %s\n", code)
		return err
	}
	_, err = fmt.Fprintf(out, "\n%s\nScan the code in WhatsApp under Settings > Linked Devices.\n", q.ToSmallString(false))
	return err
}
