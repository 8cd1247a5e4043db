package provider

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// AllowlistSender only lets messages to known numbers through. It guards
// debug deployments against messaging real guests.
type AllowlistSender struct {
	next    Sender
	allowed map[string]struct{}
	logger  *zap.Logger
}

// NewAllowlistSender wraps next so only the given numbers are contacted.
func NewAllowlistSender(next Sender, numbers []string, logger *zap.Logger) *AllowlistSender {
	allowed := make(map[string]struct{}, len(numbers))
	for _, n := range numbers {
		allowed[n] = struct{}{}
	}
	return &AllowlistSender{next: next, allowed: allowed, logger: logger}
}

func (a *AllowlistSender) Send(ctx context.Context, msg Outbound) (*SendResult, error) {
	if _, ok := a.allowed[msg.To]; !ok {
		a.logger.Info("recipient not in debug allowlist, skipping",
			zap.String("to", msg.To),
		)
		return nil, fmt.Errorf("%w: %s not in debug allowlist", ErrSuppressed, msg.To)
	}
	return a.next.Send(ctx, msg)
}

func (a *AllowlistSender) SupportsChannel(channel string) bool {
	return a.next.SupportsChannel(channel)
}
