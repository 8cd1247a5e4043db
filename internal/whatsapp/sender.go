package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/lalithlochan/partyline/internal/db"
	"github.com/lalithlochan/partyline/internal/provider"
)

// ErrNotOnWhatsApp is returned for numbers without a WhatsApp account.
var ErrNotOnWhatsApp = errors.New("number is not on whatsapp")

type messenger interface {
	IsOnWhatsApp(ctx context.Context, phones []string) ([]types.IsOnWhatsAppResponse, error)
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
}

// Sender delivers the rendered body as a plain conversation message. Linked
// devices cannot use provider templates, so ContentSID is ignored.
type Sender struct {
	wa     messenger
	logger *zap.Logger
}

func NewSender(c *Client) *Sender {
	return &Sender{wa: c.wa, logger: c.logger}
}

func (s *Sender) Send(ctx context.Context, msg provider.Outbound) (*provider.SendResult, error) {
	phone := strings.TrimPrefix(msg.To, "+")

	resp, err := s.wa.IsOnWhatsApp(ctx, []string{"+" + phone})
	if err != nil {
		return nil, fmt.Errorf("check number: %w", err)
	}
	if len(resp) == 0 || !resp[0].IsIn {
		return nil, fmt.Errorf("%w: %s", ErrNotOnWhatsApp, msg.To)
	}
	jid := resp[0].JID

	sent, err := s.wa.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(msg.Body),
	})
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	s.logger.Debug("whatsapp message sent",
		zap.String("provider_id", string(sent.ID)),
		zap.String("jid", jid.String()),
	)
	return &provider.SendResult{ProviderID: string(sent.ID), Status: db.DeliverySent}, nil
}

func (s *Sender) SupportsChannel(channel string) bool {
	return channel == db.ChannelWhatsApp
}
