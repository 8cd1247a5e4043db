package provider

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/partyline/internal/db"
)

// SNSAPI is the subset of the SNS client used for SMS.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSender sends SMS through AWS SNS. SNS has no delivery callbacks, so the
// returned status is final as far as the ledger is concerned.
type SNSSender struct {
	client   SNSAPI
	senderID string
	logger   *zap.Logger
}

type SNSConfig struct {
	Region   string
	SenderID string // alphanumeric sender shown on the handset, optional
}

// NewSNSSender creates an SMS sender from the default AWS config chain
func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return NewSNSSenderWithClient(sns.NewFromConfig(awsCfg), cfg.SenderID, logger), nil
}

// NewSNSSenderWithClient uses an existing SNS client
func NewSNSSenderWithClient(client SNSAPI, senderID string, logger *zap.Logger) *SNSSender {
	return &SNSSender{client: client, senderID: senderID, logger: logger}
}

// Send publishes the rendered body as a transactional SMS
func (s *SNSSender) Send(ctx context.Context, msg Outbound) (*SendResult, error) {
	if ch := msg.channel(); ch != db.ChannelSMS {
		return nil, fmt.Errorf("%w: sns sender only supports sms, got %s", ErrUnsupportedChannel, ch)
	}
	if msg.To == "" {
		return nil, fmt.Errorf("sms has no recipient")
	}
	if msg.Body == "" {
		return nil, fmt.Errorf("sms has no body")
	}

	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {
			DataType:    aws.String("String"),
			StringValue: aws.String("Transactional"),
		},
	}
	if s.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(s.senderID),
		}
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(msg.To),
		Message:           aws.String(msg.Body),
		MessageAttributes: attrs,
	})
	if err != nil {
		return nil, fmt.Errorf("sns publish failed: %w", err)
	}

	id := aws.ToString(result.MessageId)
	s.logger.Info("SMS sent via SNS",
		zap.String("to", msg.To),
		zap.String("message_id", id),
	)

	return &SendResult{ProviderID: id, Status: db.DeliverySent}, nil
}

// SupportsChannel checks if this sender supports the SMS channel
func (s *SNSSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelSMS
}
