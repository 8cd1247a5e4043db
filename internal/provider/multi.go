package provider

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// MultiSender routes messages to the first sender supporting their channel.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router over the given senders
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes the message to the appropriate sender based on channel
func (m *MultiSender) Send(ctx context.Context, msg Outbound) (*SendResult, error) {
	ch := msg.channel()
	for _, sender := range m.senders {
		if sender.SupportsChannel(ch) {
			m.logger.Debug("routing message to sender",
				zap.String("channel", ch),
				zap.String("to", msg.To),
			)
			return sender.Send(ctx, msg)
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrUnsupportedChannel, ch)
}

// SupportsChannel checks if any underlying sender supports the channel
func (m *MultiSender) SupportsChannel(channel string) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}
