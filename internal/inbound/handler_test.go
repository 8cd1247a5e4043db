package inbound

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/partyline/internal/db"
	"github.com/lalithlochan/partyline/internal/provider"
	"github.com/lalithlochan/partyline/internal/schedule"
	"github.com/lalithlochan/partyline/internal/sns"
	"github.com/lalithlochan/partyline/internal/templates"
)

type mockPeople struct {
	byPhone map[string]*db.Person
}

func (m *mockPeople) GetPersonByPhone(ctx context.Context, phone string) (*db.Person, error) {
	if p, ok := m.byPhone[phone]; ok {
		return p, nil
	}
	return nil, db.ErrNotFound
}

func (m *mockPeople) SetWhatsAppNotifications(ctx context.Context, personID uuid.UUID, enabled bool) error {
	for _, p := range m.byPhone {
		if p.ID == personID {
			p.WhatsAppNotifications = enabled
			return nil
		}
	}
	return db.ErrNotFound
}

type mockLedger struct {
	records map[string]*db.Delivery
}

func (m *mockLedger) UpdateStatus(ctx context.Context, providerID, status, errorCode string) (*db.Delivery, error) {
	rec, ok := m.records[providerID]
	if !ok {
		return nil, db.ErrNotFound
	}
	rec.Status = &status
	rec.Error = errorCode != ""
	return rec, nil
}

type mockSender struct {
	sent []provider.Outbound
	err  error
}

func (m *mockSender) Send(ctx context.Context, msg provider.Outbound) (*provider.SendResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.sent = append(m.sent, msg)
	return &provider.SendResult{ProviderID: "SMreply"}, nil
}

func (m *mockSender) SupportsChannel(channel string) bool { return true }

type mockEvents struct{ events []sns.Event }

func (m *mockEvents) Publish(ctx context.Context, evt sns.Event) (string, error) {
	m.events = append(m.events, evt)
	return "evt", nil
}

type mockAdmins struct{ bodies []string }

func (m *mockAdmins) NotifyAdmins(ctx context.Context, subject, body string) error {
	m.bodies = append(m.bodies, body)
	return nil
}

func newTestHandler() (*Handler, *mockPeople, *mockSender, *mockEvents, *mockAdmins) {
	phone := "+31612345678"
	ann := &db.Person{ID: uuid.New(), FirstName: "Ann", LastName: "Smith", PhoneNumber: &phone, WhatsAppNotifications: true}
	people := &mockPeople{byPhone: map[string]*db.Person{phone: ann}}
	sender := &mockSender{}
	events := &mockEvents{}
	admins := &mockAdmins{}

	h := New(people, &mockLedger{records: map[string]*db.Delivery{}}, sender,
		templates.StaticCatalog(templates.DefaultCatalog()), zap.NewNop()).
		WithEvents(events).
		WithAdminNotifier(admins)
	return h, people, sender, events, admins
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		body string
		want Command
	}{
		{"stop", CommandStop},
		{"  STOP \n", CommandStop},
		{"Start", CommandStart},
		{"stop please", CommandUnknown},
		{"", CommandUnknown},
	}
	for _, tt := range tests {
		if got := ParseCommand(tt.body); got != tt.want {
			t.Errorf("ParseCommand(%q) = %s, want %s", tt.body, got, tt.want)
		}
	}
}

func TestHandleReply_UnsubscribeRoundTrip(t *testing.T) {
	h, people, sender, events, admins := newTestHandler()
	ctx := context.Background()
	ann := people.byPhone["+31612345678"]
	invitees := []*db.Invitee{{Person: ann, Status: db.RSVPYes}}

	cmd, err := h.HandleReply(ctx, Reply{From: "whatsapp:+31 6 1234 5678", Body: " Stop "})
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if cmd != CommandStop || ann.WhatsAppNotifications {
		t.Fatalf("stop should disable notifications, cmd=%s enabled=%v", cmd, ann.WhatsAppNotifications)
	}
	if len(schedule.Recipients(invitees, nil)) != 0 {
		t.Fatal("unsubscribed person must not be a recipient")
	}
	if !strings.Contains(sender.sent[0].Body, "no longer receive") || sender.sent[0].To != "+31612345678" {
		t.Fatalf("unexpected confirmation %+v", sender.sent[0])
	}
	if len(admins.bodies) != 1 || admins.bodies[0] != "Ann Smith (+31612345678) unsubscribed from WhatsApp notifications." {
		t.Fatalf("unexpected admin mail %v", admins.bodies)
	}
	if len(events.events) != 1 || events.events[0].Type != sns.EventOptOut {
		t.Fatalf("unexpected events %+v", events.events)
	}

	cmd, err = h.HandleReply(ctx, Reply{From: "whatsapp:+31612345678", Body: "START"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if cmd != CommandStart || !ann.WhatsAppNotifications {
		t.Fatal("start should enable notifications")
	}
	if len(schedule.Recipients(invitees, nil)) != 1 {
		t.Fatal("resubscribed person should be a recipient again")
	}
}

func TestHandleReply_Unknown(t *testing.T) {
	h, people, sender, _, admins := newTestHandler()

	cmd, err := h.HandleReply(context.Background(), Reply{From: "+31612345678", Body: "how do I get there?"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd != CommandUnknown {
		t.Fatalf("cmd = %s", cmd)
	}
	if !people.byPhone["+31612345678"].WhatsAppNotifications {
		t.Fatal("preference must not change")
	}
	if !strings.Contains(sender.sent[0].Body, "did not understand") {
		t.Fatalf("unexpected reply %q", sender.sent[0].Body)
	}
	if len(admins.bodies) != 0 {
		t.Fatal("admins should not be notified")
	}
}

func TestHandleReply_UnknownSender(t *testing.T) {
	h, _, sender, _, _ := newTestHandler()

	for _, from := range []string{"whatsapp:+31699999999", "not-a-number"} {
		if _, err := h.HandleReply(context.Background(), Reply{From: from, Body: "stop"}); !errors.Is(err, db.ErrNotFound) {
			t.Fatalf("%s: expected ErrNotFound, got %v", from, err)
		}
	}
	if len(sender.sent) != 0 {
		t.Fatal("nothing should be sent to unknown senders")
	}
}

func TestHandleReply_SendFailure(t *testing.T) {
	h, people, sender, _, _ := newTestHandler()
	sender.err = errors.New("provider down")

	cmd, err := h.HandleReply(context.Background(), Reply{From: "+31612345678", Body: "stop"})
	if err == nil {
		t.Fatal("expected the reply failure to be returned")
	}
	if cmd != CommandStop || people.byPhone["+31612345678"].WhatsAppNotifications {
		t.Fatal("the preference change must stick even if the reply fails")
	}
}

func TestHandleStatus(t *testing.T) {
	h, _, _, events, _ := newTestHandler()
	ledger := h.ledger.(*mockLedger)
	ledger.records["SM1"] = &db.Delivery{ID: uuid.New(), Sent: true}

	rec, err := h.HandleStatus(context.Background(), StatusCallback{ProviderID: "SM1", Status: "Delivered"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *rec.Status != "delivered" || rec.Error {
		t.Fatalf("unexpected record %+v", rec)
	}

	rec, err = h.HandleStatus(context.Background(), StatusCallback{ProviderID: "SM1", Status: "undelivered", ErrorCode: "63016"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rec.Error {
		t.Fatal("error code should set the error flag")
	}

	// a late "sent" after "undelivered" is still accepted
	rec, _ = h.HandleStatus(context.Background(), StatusCallback{ProviderID: "SM1", Status: "sent"})
	if *rec.Status != "sent" || rec.Error {
		t.Fatalf("latest report should win, got %+v", rec)
	}

	if len(events.events) != 3 || events.events[1].ErrorCode != "63016" {
		t.Fatalf("unexpected events %+v", events.events)
	}
}

func TestHandleStatus_Errors(t *testing.T) {
	h, _, _, _, _ := newTestHandler()

	if _, err := h.HandleStatus(context.Background(), StatusCallback{ProviderID: "SMx", Status: "sent"}); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := h.HandleStatus(context.Background(), StatusCallback{Status: "sent"}); !errors.Is(err, ErrInvalidCallback) {
		t.Fatalf("expected ErrInvalidCallback, got %v", err)
	}
}
