package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/partyline/internal/db"
)

const (
	defaultAPIBase     = "https://api.twilio.com"
	defaultContentBase = "https://content.twilio.com"
)

// TwilioConfig holds credentials and endpoints for the Twilio REST APIs.
type TwilioConfig struct {
	AccountSID          string
	AuthToken           string
	From                string // WhatsApp sender, e.g. "+14155238886"
	MessagingServiceSID string
	Timeout             time.Duration

	// Overridable for tests
	APIBaseURL     string
	ContentBaseURL string
}

// TwilioClient sends WhatsApp messages and manages content templates
// through the Twilio REST APIs.
type TwilioClient struct {
	cfg    TwilioConfig
	client *http.Client
	logger *zap.Logger
}

// NewTwilioClient creates a Twilio client
func NewTwilioClient(cfg TwilioConfig, logger *zap.Logger) *TwilioClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase
	}
	if cfg.ContentBaseURL == "" {
		cfg.ContentBaseURL = defaultContentBase
	}

	return &TwilioClient{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

type twilioMessage struct {
	SID          string  `json:"sid"`
	Status       string  `json:"status"`
	ErrorCode    *int    `json:"error_code"`
	ErrorMessage *string `json:"error_message"`
}

type twilioError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func whatsAppAddress(phone string) string {
	if strings.HasPrefix(phone, "whatsapp:") {
		return phone
	}
	return "whatsapp:" + phone
}

// Send posts a message to the Messages API.
func (c *TwilioClient) Send(ctx context.Context, msg Outbound) (*SendResult, error) {
	if ch := msg.channel(); ch != db.ChannelWhatsApp {
		return nil, fmt.Errorf("%w: twilio sender only supports whatsapp, got %s", ErrUnsupportedChannel, ch)
	}
	if msg.To == "" {
		return nil, fmt.Errorf("message has no recipient")
	}

	form := url.Values{}
	form.Set("To", whatsAppAddress(msg.To))
	if c.cfg.MessagingServiceSID != "" {
		form.Set("MessagingServiceSid", c.cfg.MessagingServiceSID)
	} else {
		form.Set("From", whatsAppAddress(c.cfg.From))
	}
	if msg.Body != "" {
		form.Set("Body", msg.Body)
	}
	if msg.ContentSID != "" {
		vars := msg.Variables
		if vars == nil {
			vars = map[string]string{}
		}
		encoded, err := json.Marshal(vars)
		if err != nil {
			return nil, fmt.Errorf("encode content variables: %w", err)
		}
		form.Set("ContentSid", msg.ContentSID)
		form.Set("ContentVariables", string(encoded))
	}
	if msg.StatusCallbackURL != "" {
		form.Set("StatusCallback", msg.StatusCallbackURL)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.cfg.APIBaseURL, c.cfg.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create twilio request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out twilioMessage
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	if out.ErrorCode != nil && *out.ErrorCode != 0 {
		msgText := ""
		if out.ErrorMessage != nil {
			msgText = *out.ErrorMessage
		}
		return nil, &APIError{StatusCode: http.StatusOK, Code: *out.ErrorCode, Message: msgText}
	}

	c.logger.Info("whatsapp message accepted by twilio",
		zap.String("sid", out.SID),
		zap.String("status", out.Status),
		zap.String("to", msg.To),
		zap.Bool("template", msg.ContentSID != ""),
	)

	return &SendResult{ProviderID: out.SID, Status: out.Status}, nil
}

// SupportsChannel reports WhatsApp support only
func (c *TwilioClient) SupportsChannel(channel string) bool {
	return channel == db.ChannelWhatsApp
}

func (c *TwilioClient) postJSON(ctx context.Context, endpoint string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create twilio request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *TwilioClient) do(req *http.Request, out any) error {
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "partyline/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("twilio request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read twilio response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var te twilioError
		if json.Unmarshal(body, &te) == nil && te.Message != "" {
			apiErr.Code = te.Code
			apiErr.Message = te.Message
		}
		return apiErr
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode twilio response: %w", err)
	}
	return nil
}
