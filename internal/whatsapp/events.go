package whatsapp

import (
	"context"
	"errors"
	"time"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"

	"github.com/lalithlochan/partyline/internal/db"
	"github.com/lalithlochan/partyline/internal/inbound"
)

// Inbound receives what arrives over the linked device.
type Inbound interface {
	HandleStatus(ctx context.Context, cb inbound.StatusCallback) (*db.Delivery, error)
	HandleReply(ctx context.Context, r inbound.Reply) (inbound.Command, error)
}

const handleTimeout = 30 * time.Second

// Listen forwards receipts and incoming texts to in.
func (c *Client) Listen(in Inbound) {
	h := &eventHandler{in: in, logger: c.logger}
	c.wa.AddEventHandler(h.handle)
}

type eventHandler struct {
	in     Inbound
	logger *zap.Logger
}

func (h *eventHandler) handle(evt any) {
	switch evt := evt.(type) {
	case *events.Receipt:
		h.receipt(evt)
	case *events.Message:
		h.message(evt)
	case *events.Connected:
		h.logger.Info("whatsapp session connected")
	case *events.Disconnected:
		h.logger.Warn("whatsapp session disconnected")
	case *events.LoggedOut:
		h.logger.Error("whatsapp device logged out, pair again")
	}
}

func receiptStatus(t types.ReceiptType) (string, bool) {
	switch t {
	case types.ReceiptTypeDelivered:
		return db.DeliveryDelivered, true
	case types.ReceiptTypeRead, types.ReceiptTypeReadSelf:
		return db.DeliveryRead, true
	}
	return "", false
}

func (h *eventHandler) receipt(evt *events.Receipt) {
	status, ok := receiptStatus(evt.Type)
	if !ok || evt.IsFromMe {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	for _, id := range evt.MessageIDs {
		_, err := h.in.HandleStatus(ctx, inbound.StatusCallback{ProviderID: string(id), Status: status})
		if errors.Is(err, db.ErrNotFound) {
			// receipts for messages this service did not send
			continue
		}
		if err != nil {
			h.logger.Error("failed to apply receipt", zap.String("provider_id", string(id)), zap.Error(err))
		}
	}
}

func messageText(evt *events.Message) string {
	if evt.Message == nil {
		return ""
	}
	if text := evt.Message.GetConversation(); text != "" {
		return text
	}
	return evt.Message.GetExtendedTextMessage().GetText()
}

func (h *eventHandler) message(evt *events.Message) {
	if evt.Info.IsFromMe || evt.Info.IsGroup || evt.Info.Sender.Server != types.DefaultUserServer {
		return
	}
	text := messageText(evt)
	if text == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	cmd, err := h.in.HandleReply(ctx, inbound.Reply{From: "+" + evt.Info.Sender.User, Body: text})
	if errors.Is(err, db.ErrNotFound) {
		h.logger.Info("message from unknown number", zap.String("from", evt.Info.Sender.User))
		return
	}
	if err != nil {
		h.logger.Error("failed to handle reply", zap.String("command", string(cmd)), zap.Error(err))
	}
}
