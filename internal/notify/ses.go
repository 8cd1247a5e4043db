// Package notify emails the organisers about things they should know, such as
// a guest opting out of WhatsApp messages.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

// SESAPI is the part of the SES client the notifier uses.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SESConfig struct {
	Region    string
	FromEmail string
	AdminTo   []string
}

// SESNotifier sends plain-text emails to the admin list.
type SESNotifier struct {
	client SESAPI
	from   string
	to     []string
	logger *zap.Logger
}

func NewSESNotifier(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESNotifier, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return NewSESNotifierWithClient(ses.NewFromConfig(awsCfg), cfg.FromEmail, cfg.AdminTo, logger), nil
}

// NewSESNotifierWithClient wraps an existing client.
func NewSESNotifierWithClient(client SESAPI, from string, to []string, logger *zap.Logger) *SESNotifier {
	return &SESNotifier{
		client: client,
		from:   from,
		to:     to,
		logger: logger,
	}
}

// NotifyAdmins emails subject and body to every admin address.
func (s *SESNotifier) NotifyAdmins(ctx context.Context, subject, body string) error {
	if len(s.to) == 0 {
		return nil
	}
	if subject == "" || body == "" {
		return errors.New("admin email needs a subject and a body")
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: s.to,
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("admin email sent via SES",
		zap.String("subject", subject),
		zap.Int("recipients", len(s.to)),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
