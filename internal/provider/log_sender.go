package provider

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/partyline/internal/db"
)

// LogSender logs messages instead of sending them (development)
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg Outbound) (*SendResult, error) {
	id := "LOG" + uuid.NewString()
	s.logger.Info("logging message (development mode)",
		zap.String("provider_id", id),
		zap.String("channel", msg.channel()),
		zap.String("to", msg.To),
		zap.String("content_sid", msg.ContentSID),
		zap.String("body", msg.Body),
	)
	return &SendResult{ProviderID: id, Status: db.DeliveryQueued}, nil
}

func (s *LogSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelWhatsApp || channel == db.ChannelSMS
}
