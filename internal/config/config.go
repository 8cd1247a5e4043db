package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Provider names accepted in MESSAGE_PROVIDER
const (
	ProviderTwilio   = "twilio"
	ProviderWhatsApp = "whatsmeow"
	ProviderLog      = "log"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string
	Debug    bool

	// Database
	DatabaseURL string
	DBHost      string
	DBPort      int
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string

	// Redis config, optional. Empty RedisHost disables claims and rate limits.
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS Services
	AWSRegion    string
	SQSQueueURL  string // dispatch requests; empty runs dispatches inline
	SNSRegion    string
	SNSTopicARN  string // delivery and preference events; empty disables
	SMSEnabled   bool   // route the sms channel through SNS
	SESFromEmail string
	AdminEmails  []string
	AdminPhone   string // receives "server is ready" outside debug mode

	// Messaging provider
	Provider             string
	TwilioAccountSID     string
	TwilioAuthToken      string
	TwilioFrom           string
	TwilioMessagingSID   string
	ValidateSignatures   bool
	WhatsAppStoreDir     string
	DebugNumbersAllowed  []string
	PublicURL            string // base URL for deep links and status callbacks
	SendTimeout          time.Duration
	BreakerMaxFailures   int
	BreakerResetTimeout  time.Duration
	WebhookRateLimit     int
	WebhookRateWindow    time.Duration
	CatalogDir           string
	TemplateLanguageCode string

	// Dispatching
	DispatchInterval    time.Duration
	ApprovalInterval    time.Duration
	DispatchConcurrency int
	MaxFailedAttempts   int
	SilenceWindow       time.Duration
	WaitDelay           time.Duration
	ClaimTTL            time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "partyline",
		DBName:    "partyline",
		DBSSLMode: "disable",

		RedisPort: 6379,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@partyline.local",

		Provider:             ProviderLog,
		ValidateSignatures:   true,
		WhatsAppStoreDir:     "./data",
		PublicURL:            "http://localhost:8080",
		SendTimeout:          15 * time.Second,
		BreakerMaxFailures:   5,
		BreakerResetTimeout:  30 * time.Second,
		WebhookRateLimit:     600,
		WebhookRateWindow:    time.Minute,
		TemplateLanguageCode: "en",

		DispatchInterval:    5 * time.Minute,
		ApprovalInterval:    15 * time.Minute,
		DispatchConcurrency: 4,
		MaxFailedAttempts:   5,
		SilenceWindow:       7 * 24 * time.Hour,
		WaitDelay:           10 * time.Second,
		ClaimTTL:            10 * time.Minute,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	if debug := os.Getenv("DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err != nil {
			return nil, fmt.Errorf("invalid DEBUG: %w", err)
		}
		cfg.Debug = d
	}

	// Database config
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	cfg.RedisHost = os.Getenv("REDIS_HOST")

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// AWS config
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	cfg.SQSQueueURL = os.Getenv("SQS_QUEUE_URL")

	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	cfg.SNSTopicARN = os.Getenv("SNS_TOPIC_ARN")

	if sms := os.Getenv("SMS_ENABLED"); sms != "" {
		b, err := strconv.ParseBool(sms)
		if err != nil {
			return nil, fmt.Errorf("invalid SMS_ENABLED: %w", err)
		}
		cfg.SMSEnabled = b
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	cfg.AdminEmails = splitList(os.Getenv("ADMIN_EMAILS"))
	cfg.AdminPhone = strings.TrimSpace(os.Getenv("ADMIN_PHONE"))

	// Messaging provider
	if p := os.Getenv("MESSAGE_PROVIDER"); p != "" {
		switch p {
		case ProviderTwilio, ProviderWhatsApp, ProviderLog:
			cfg.Provider = p
		default:
			return nil, fmt.Errorf("invalid MESSAGE_PROVIDER: %q", p)
		}
	}

	cfg.TwilioAccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	cfg.TwilioAuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	cfg.TwilioFrom = os.Getenv("TWILIO_FROM")
	cfg.TwilioMessagingSID = os.Getenv("TWILIO_MESSAGING_SERVICE_SID")

	if cfg.Provider == ProviderTwilio && (cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "") {
		return nil, fmt.Errorf("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN are required for the twilio provider")
	}

	if v := os.Getenv("VALIDATE_SIGNATURES"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid VALIDATE_SIGNATURES: %w", err)
		}
		cfg.ValidateSignatures = b
	}

	if dir := os.Getenv("WHATSAPP_STORE_DIR"); dir != "" {
		cfg.WhatsAppStoreDir = dir
	}

	cfg.DebugNumbersAllowed = splitList(os.Getenv("DEBUG_NUMBERS_ALLOWED"))

	if u := os.Getenv("PUBLIC_URL"); u != "" {
		cfg.PublicURL = strings.TrimRight(u, "/")
	}

	cfg.CatalogDir = os.Getenv("CATALOG_DIR")

	if lang := os.Getenv("TEMPLATE_LANGUAGE"); lang != "" {
		cfg.TemplateLanguageCode = lang
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"SEND_TIMEOUT", &cfg.SendTimeout},
		{"BREAKER_RESET_TIMEOUT", &cfg.BreakerResetTimeout},
		{"WEBHOOK_RATE_WINDOW", &cfg.WebhookRateWindow},
		{"DISPATCH_INTERVAL", &cfg.DispatchInterval},
		{"APPROVAL_INTERVAL", &cfg.ApprovalInterval},
		{"SILENCE_WINDOW", &cfg.SilenceWindow},
		{"WAIT_DELAY", &cfg.WaitDelay},
		{"CLAIM_TTL", &cfg.ClaimTTL},
	}
	for _, d := range durations {
		v := os.Getenv(d.name)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"BREAKER_MAX_FAILURES", &cfg.BreakerMaxFailures},
		{"WEBHOOK_RATE_LIMIT", &cfg.WebhookRateLimit},
		{"DISPATCH_CONCURRENCY", &cfg.DispatchConcurrency},
		{"MAX_FAILED_ATTEMPTS", &cfg.MaxFailedAttempts},
	}
	for _, i := range ints {
		v := os.Getenv(i.name)
		if v == "" {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", i.name, err)
		}
		if parsed < 0 {
			return nil, fmt.Errorf("invalid %s: must not be negative", i.name)
		}
		*i.dst = parsed
	}

	return cfg, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
