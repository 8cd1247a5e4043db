package db

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyDelivered is returned when a successful delivery for the same
	// (message, person, event, channel) key is already in the ledger.
	ErrAlreadyDelivered = errors.New("delivery already recorded")
)

// Event is a party people get invited to.
type Event struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Edition   string    `json:"edition"`
	StartsAt  time.Time `json:"starts_at"`
	Location  *string   `json:"location,omitempty"`
	Closed    bool      `json:"closed"`
	Private   bool      `json:"private"`
	MaxPeople int       `json:"max_people"`
	CreatedAt time.Time `json:"created_at"`
}

// Person is a contact that can be invited to events.
type Person struct {
	ID                    uuid.UUID `json:"id"`
	FirstName             string    `json:"first_name"`
	LastName              string    `json:"last_name"`
	PhoneNumber           *string   `json:"phone_number,omitempty"`
	WhatsAppNotifications bool      `json:"whatsapp_notifications"`
	EmailNotifications    bool      `json:"email_notifications"`
	CreatedAt             time.Time `json:"created_at"`
}

// FullName joins first and last name.
func (p *Person) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// RSVP status constants. An invitation without an answer has RSVPUnset.
const (
	RSVPUnset = ""
	RSVPYes   = "yes"
	RSVPNo    = "no"
	RSVPMaybe = "maybe"
)

// Invitation links a person to an event together with their answer.
type Invitation struct {
	ID        uuid.UUID `json:"id"`
	EventID   uuid.UUID `json:"event_id"`
	PersonID  uuid.UUID `json:"person_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Invitee is an invitation joined with the invited person.
type Invitee struct {
	Person *Person
	Status string
}

// InvitationTitle marks the message class exempt from the non-responder rule.
const InvitationTitle = "Invitation"

// Message is a notification scheduled for one event.
type Message struct {
	ID            uuid.UUID      `json:"id"`
	EventID       uuid.UUID      `json:"event_id"`
	TemplateID    *uuid.UUID     `json:"template_id,omitempty"`
	Title         string         `json:"title"`
	Text          string         `json:"text"`
	DueAt         *time.Time     `json:"due_at,omitempty"`
	SendThreshold *time.Duration `json:"send_threshold,omitempty"`
	Draft         bool           `json:"draft"`
	Autosend      bool           `json:"autosend"`
	CreatedAt     time.Time      `json:"created_at"`

	// Template is populated by ListMessages when TemplateID is set.
	Template *MessageTemplate `json:"-"`
}

// IsInvitation reports whether the message is the invitation itself.
func (m *Message) IsInvitation() bool {
	return strings.EqualFold(strings.TrimSpace(m.Title), InvitationTitle)
}

// Template provider states
const (
	TemplateNotSubmitted = "NOT_SUBMITTED"
	TemplatePending      = "PENDING"
	TemplateApproved     = "APPROVED"
	TemplateRejected     = "REJECTED"
)

// Template categories accepted by the provider
const (
	CategoryUtility        = "UTILITY"
	CategoryMarketing      = "MARKETING"
	CategoryAuthentication = "AUTHENTICATION"
)

// MessageTemplate is a reusable message definition that may be submitted to
// the provider for approval.
type MessageTemplate struct {
	ID                    uuid.UUID         `json:"id"`
	FriendlyName          string            `json:"friendly_name"`
	Language              string            `json:"language"`
	Title                 string            `json:"title"`
	Text                  string            `json:"text"`
	Variables             map[string]string `json:"variables"`
	SendThreshold         *time.Duration    `json:"send_threshold,omitempty"`
	SendDelta             *time.Duration    `json:"send_delta,omitempty"`
	Draft                 bool              `json:"draft"`
	Autosend              bool              `json:"autosend"`
	IsDefaultEventMessage bool              `json:"is_default_event_message"`
	Category              string            `json:"category"`
	ProviderID            *string           `json:"provider_id,omitempty"`
	Status                string            `json:"status"`
	RejectionReason       *string           `json:"rejection_reason,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// Approved reports whether the provider accepted the template and assigned it an ID.
func (t *MessageTemplate) Approved() bool {
	return t.Status == TemplateApproved && t.ProviderID != nil && *t.ProviderID != ""
}

// Channel constants
const (
	ChannelWhatsApp = "whatsapp"
	ChannelSMS      = "sms"
	ChannelEmail    = "email"
	ChannelTelegram = "telegram"
)

// DeliveryKey identifies one message for one person at one event over one channel.
type DeliveryKey struct {
	MessageID uuid.UUID
	EventID   uuid.UUID
	PersonID  uuid.UUID
	Channel   string
}

// Delivery is one ledger row: a single send attempt and its provider status.
type Delivery struct {
	ID           uuid.UUID `json:"id"`
	MessageID    uuid.UUID `json:"message_id"`
	EventID      uuid.UUID `json:"event_id"`
	PersonID     uuid.UUID `json:"person_id"`
	Channel      string    `json:"channel"`
	Sent         bool      `json:"sent"`
	SentAt       time.Time `json:"sent_at"`
	ProviderID   *string   `json:"provider_id,omitempty"`
	Status       *string   `json:"status,omitempty"`
	Error        bool      `json:"error"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	Forced       bool      `json:"forced"`
}

// Key returns the idempotency key of the record.
func (d *Delivery) Key() DeliveryKey {
	return DeliveryKey{
		MessageID: d.MessageID,
		EventID:   d.EventID,
		PersonID:  d.PersonID,
		Channel:   d.Channel,
	}
}

// Delivery statuses reported by the provider
const (
	DeliveryQueued      = "queued"
	DeliverySent        = "sent"
	DeliveryDelivered   = "delivered"
	DeliveryRead        = "read"
	DeliveryFailed      = "failed"
	DeliveryUndelivered = "undelivered"
)
