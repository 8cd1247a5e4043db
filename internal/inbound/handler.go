// Package inbound handles what the messaging provider sends back: delivery
// status callbacks and free-text replies from guests.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/partyline/internal/db"
	"github.com/lalithlochan/partyline/internal/metrics"
	"github.com/lalithlochan/partyline/internal/provider"
	"github.com/lalithlochan/partyline/internal/schedule"
	"github.com/lalithlochan/partyline/internal/sns"
	"github.com/lalithlochan/partyline/internal/templates"
)

// ErrInvalidCallback is returned for callbacks missing required fields.
var ErrInvalidCallback = errors.New("invalid callback")

// Command is what an inbound reply was understood as.
type Command string

const (
	CommandStop    Command = "stop"
	CommandStart   Command = "start"
	CommandUnknown Command = "unknown"
)

// ParseCommand normalises a reply body into a command.
func ParseCommand(body string) Command {
	switch strings.ToLower(strings.TrimSpace(body)) {
	case "stop":
		return CommandStop
	case "start":
		return CommandStart
	}
	return CommandUnknown
}

// People looks up and updates contacts.
type People interface {
	GetPersonByPhone(ctx context.Context, phone string) (*db.Person, error)
	SetWhatsAppNotifications(ctx context.Context, personID uuid.UUID, enabled bool) error
}

// StatusLedger applies provider status reports.
type StatusLedger interface {
	UpdateStatus(ctx context.Context, providerID, status, errorCode string) (*db.Delivery, error)
}

// EventPublisher announces state changes to other systems.
type EventPublisher interface {
	Publish(ctx context.Context, evt sns.Event) (string, error)
}

// AdminNotifier tells the organisers about subscription changes.
type AdminNotifier interface {
	NotifyAdmins(ctx context.Context, subject, body string) error
}

// StatusCallback is a provider delivery report.
type StatusCallback struct {
	ProviderID string
	Status     string
	ErrorCode  string
}

// Reply is a free-text message received from a phone number.
type Reply struct {
	From string
	Body string
}

// Handler is the inbound state machine.
type Handler struct {
	people  People
	ledger  StatusLedger
	sender  provider.Sender
	catalog *templates.CatalogStore
	events  EventPublisher
	admins  AdminNotifier
	logger  *zap.Logger
}

// New creates a handler. Replies go out through sender without touching the
// delivery ledger.
func New(people People, ledger StatusLedger, sender provider.Sender, catalog *templates.CatalogStore, logger *zap.Logger) *Handler {
	return &Handler{
		people:  people,
		ledger:  ledger,
		sender:  sender,
		catalog: catalog,
		logger:  logger,
	}
}

// WithEvents publishes status and subscription events through p.
func (h *Handler) WithEvents(p EventPublisher) *Handler {
	h.events = p
	return h
}

// WithAdminNotifier emails admins about opt-outs and opt-ins through n.
func (h *Handler) WithAdminNotifier(n AdminNotifier) *Handler {
	h.admins = n
	return h
}

// HandleStatus stores the latest reported status of a delivery. The
// provider's vocabulary is kept, lower-cased; every report is accepted.
func (h *Handler) HandleStatus(ctx context.Context, cb StatusCallback) (*db.Delivery, error) {
	providerID := strings.TrimSpace(cb.ProviderID)
	status := strings.ToLower(strings.TrimSpace(cb.Status))
	if providerID == "" || status == "" {
		return nil, fmt.Errorf("%w: provider id and status are required", ErrInvalidCallback)
	}
	errorCode := strings.TrimSpace(cb.ErrorCode)

	rec, err := h.ledger.UpdateStatus(ctx, providerID, status, errorCode)
	if err != nil {
		return nil, err
	}
	metrics.RecordWebhookStatus(status)

	h.logger.Info("delivery status updated",
		zap.String("provider_id", providerID),
		zap.String("status", status),
		zap.String("error_code", errorCode),
	)

	h.publish(ctx, sns.Event{
		Type:       sns.EventDeliveryStatus,
		PersonID:   rec.PersonID.String(),
		EventID:    rec.EventID.String(),
		MessageID:  rec.MessageID.String(),
		ProviderID: providerID,
		Status:     status,
		ErrorCode:  errorCode,
	})
	return rec, nil
}

// HandleReply interprets a guest's reply. Unknown senders yield
// db.ErrNotFound so orphaned traffic stays visible.
func (h *Handler) HandleReply(ctx context.Context, r Reply) (Command, error) {
	phone, ok := schedule.NormalizePhone(strings.TrimPrefix(strings.TrimSpace(r.From), "whatsapp:"))
	if !ok {
		return "", fmt.Errorf("sender %q: %w", r.From, db.ErrNotFound)
	}

	person, err := h.people.GetPersonByPhone(ctx, phone)
	if err != nil {
		return "", err
	}

	cmd := ParseCommand(r.Body)
	metrics.RecordCommand(string(cmd))
	catalog := h.catalog.Catalog()

	var replyKey string
	switch cmd {
	case CommandStop, CommandStart:
		enabled := cmd == CommandStart
		if err := h.people.SetWhatsAppNotifications(ctx, person.ID, enabled); err != nil {
			return cmd, fmt.Errorf("update preference: %w", err)
		}
		replyKey = templates.TextStartReply
		evtType, mailKey, subject := sns.EventOptIn, templates.TextOptInEmail, "WhatsApp opt-in"
		if !enabled {
			replyKey = templates.TextStopReply
			evtType, mailKey, subject = sns.EventOptOut, templates.TextOptOutEmail, "WhatsApp opt-out"
		}

		h.logger.Info("notification preference changed",
			zap.String("person_id", person.ID.String()),
			zap.Bool("whatsapp", enabled),
		)
		h.publish(ctx, sns.Event{Type: evtType, PersonID: person.ID.String()})
		h.notifyAdmins(ctx, subject, catalog.Text(mailKey), person, phone)
	default:
		replyKey = templates.TextUnknownReply
		h.logger.Info("unrecognised reply",
			zap.String("person_id", person.ID.String()),
		)
	}

	out := provider.Outbound{
		Channel: db.ChannelWhatsApp,
		To:      phone,
		Body:    catalog.Text(replyKey),
	}
	if _, err := h.sender.Send(ctx, out); err != nil {
		h.logger.Error("failed to send reply",
			zap.String("person_id", person.ID.String()),
			zap.String("command", string(cmd)),
			zap.Error(err),
		)
		return cmd, fmt.Errorf("send reply: %w", err)
	}
	return cmd, nil
}

func (h *Handler) publish(ctx context.Context, evt sns.Event) {
	if h.events == nil {
		return
	}
	if _, err := h.events.Publish(ctx, evt); err != nil {
		h.logger.Warn("failed to publish event",
			zap.String("type", string(evt.Type)),
			zap.Error(err),
		)
	}
}

func (h *Handler) notifyAdmins(ctx context.Context, subject, text string, person *db.Person, phone string) {
	if h.admins == nil || text == "" {
		return
	}
	body, err := templates.Format(text, map[string]string{
		"name":  person.FullName(),
		"phone": phone,
	})
	if err != nil {
		h.logger.Warn("admin email text does not render", zap.Error(err))
		return
	}
	if err := h.admins.NotifyAdmins(ctx, subject, body); err != nil {
		h.logger.Warn("failed to notify admins", zap.Error(err))
	}
}
