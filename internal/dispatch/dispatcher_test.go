package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/partyline/internal/db"
	"github.com/lalithlochan/partyline/internal/provider"
	"github.com/lalithlochan/partyline/internal/redis"
)

var testNow = time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC)

type mockStore struct {
	events   map[uuid.UUID]*db.Event
	next     *db.Event
	messages []*db.Message
	invitees []*db.Invitee
}

func (m *mockStore) GetEvent(ctx context.Context, id uuid.UUID) (*db.Event, error) {
	if e, ok := m.events[id]; ok {
		return e, nil
	}
	return nil, db.ErrNotFound
}

func (m *mockStore) NextOpenEvent(ctx context.Context, now time.Time) (*db.Event, error) {
	if m.next == nil {
		return nil, db.ErrNotFound
	}
	return m.next, nil
}

func (m *mockStore) ListMessages(ctx context.Context, eventID uuid.UUID) ([]*db.Message, error) {
	return m.messages, nil
}

func (m *mockStore) ListInvitees(ctx context.Context, eventID uuid.UUID) ([]*db.Invitee, error) {
	return m.invitees, nil
}

// mockLedger mimics the partial unique index: one unforced success per key.
type mockLedger struct {
	mu      sync.Mutex
	records []*db.Delivery
}

func (m *mockLedger) HasDelivered(ctx context.Context, key db.DeliveryKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.Sent && r.Key() == key {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockLedger) RecordSuccess(ctx context.Context, key db.DeliveryKey, providerID string, forced bool) (*db.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !forced {
		for _, r := range m.records {
			if r.Sent && !r.Forced && r.Key() == key {
				return nil, db.ErrAlreadyDelivered
			}
		}
	}
	rec := &db.Delivery{
		ID: uuid.New(), MessageID: key.MessageID, EventID: key.EventID, PersonID: key.PersonID,
		Channel: key.Channel, Sent: true, ProviderID: &providerID, Forced: forced,
	}
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *mockLedger) RecordFailure(ctx context.Context, key db.DeliveryKey, errMsg string) (*db.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := &db.Delivery{
		ID: uuid.New(), MessageID: key.MessageID, EventID: key.EventID, PersonID: key.PersonID,
		Channel: key.Channel, Error: true, ErrorMessage: &errMsg,
	}
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *mockLedger) FailureCount(ctx context.Context, key db.DeliveryKey) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.Key() != key {
			continue
		}
		if r.Sent {
			n = 0
		} else if r.Error {
			n++
		}
	}
	return n, nil
}

func (m *mockLedger) GetDeliveries(ctx context.Context, ids []uuid.UUID) ([]*db.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.Delivery
	for _, id := range ids {
		for _, r := range m.records {
			if r.ID == id {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (m *mockLedger) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.Sent {
			n++
		}
	}
	return n
}

type mockSender struct {
	mu      sync.Mutex
	sent    []provider.Outbound
	failFor map[string]error
}

func (m *mockSender) Send(ctx context.Context, msg provider.Outbound) (*provider.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failFor[msg.To]; ok {
		return nil, err
	}
	m.sent = append(m.sent, msg)
	return &provider.SendResult{ProviderID: fmt.Sprintf("SM%d", len(m.sent)), Status: "queued"}, nil
}

func (m *mockSender) SupportsChannel(channel string) bool { return true }

func (m *mockSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type mockClaims struct {
	mu       sync.Mutex
	held     map[string]string
	released int
}

func (m *mockClaims) Claim(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[key]; ok {
		return "", redis.ErrClaimHeld
	}
	token := uuid.NewString()
	m.held[key] = token
	return token, nil
}

func (m *mockClaims) Release(ctx context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] == token {
		delete(m.held, key)
		m.released++
	}
	return nil
}

type fixture struct {
	event  *db.Event
	store  *mockStore
	ledger *mockLedger
	sender *mockSender
	d      *Dispatcher
}

func person(first, phone string) *db.Person {
	return &db.Person{ID: uuid.New(), FirstName: first, PhoneNumber: &phone, WhatsAppNotifications: true}
}

func message(title, text string, dueAgo time.Duration) *db.Message {
	due := testNow.Add(-dueAgo)
	return &db.Message{ID: uuid.New(), Title: title, Text: text, DueAt: &due, Autosend: true}
}

func newFixture(t *testing.T, startsIn time.Duration, claims Claimer) *fixture {
	t.Helper()
	event := &db.Event{ID: uuid.New(), Name: "Summer Party", Edition: "2026-summer", StartsAt: testNow.Add(startsIn)}
	store := &mockStore{events: map[uuid.UUID]*db.Event{event.ID: event}, next: event}
	ledger := &mockLedger{}
	sender := &mockSender{failFor: map[string]error{}}

	d := New(store, ledger, sender, claims, Config{
		PublicURL:         "https://party.example/",
		StatusCallbackURL: "https://party.example/v1/webhooks/status",
		Concurrency:       2,
		MaxFailedAttempts: 3,
		SilenceWindow:     7 * 24 * time.Hour,
		WaitDelay:         time.Millisecond,
		Now:               func() time.Time { return testNow },
	}, zap.NewNop())

	return &fixture{event: event, store: store, ledger: ledger, sender: sender, d: d}
}

func (f *fixture) invite(p *db.Person, status string) {
	f.store.invitees = append(f.store.invitees, &db.Invitee{Person: p, Status: status})
}

func TestRun_Idempotent(t *testing.T) {
	f := newFixture(t, 30*24*time.Hour, nil)
	f.store.messages = []*db.Message{message("Reminder", "Hi {name}, see you at {party}", time.Hour)}
	f.invite(person("Ann", "+31 6 1234 5678"), db.RSVPYes)
	f.invite(person("Bob", "+31612345679"), db.RSVPMaybe)

	report, err := f.d.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if report.Sent != 2 || f.sender.count() != 2 {
		t.Fatalf("first run sent %d (sender %d), want 2", report.Sent, f.sender.count())
	}

	report, err = f.d.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.Sent != 0 || report.AlreadySent != 2 {
		t.Fatalf("second run: sent=%d already=%d", report.Sent, report.AlreadySent)
	}
	if f.sender.count() != 2 || f.ledger.sentCount() != 2 {
		t.Fatalf("second run must not send again: sender=%d ledger=%d", f.sender.count(), f.ledger.sentCount())
	}
}

func TestRun_ForceResends(t *testing.T) {
	f := newFixture(t, 30*24*time.Hour, nil)
	f.store.messages = []*db.Message{message("Reminder", "Hi {name}", time.Hour)}
	f.invite(person("Ann", "+31612345678"), db.RSVPYes)

	if _, err := f.d.Run(context.Background(), Options{}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	report, err := f.d.Run(context.Background(), Options{Force: true})
	if err != nil {
		t.Fatalf("forced run: %v", err)
	}
	if report.Sent != 1 || f.sender.count() != 2 || f.ledger.sentCount() != 2 {
		t.Fatalf("forced run: sent=%d sender=%d ledger=%d", report.Sent, f.sender.count(), f.ledger.sentCount())
	}
	if !report.Deliveries[0].Forced {
		t.Fatal("resend should be recorded as forced")
	}
}

func TestRun_DryRunHasNoSideEffects(t *testing.T) {
	f := newFixture(t, 30*24*time.Hour, &mockClaims{held: map[string]string{}})
	f.store.messages = []*db.Message{message("Reminder", "Hi {name}", time.Hour)}
	f.invite(person("Ann", "+31612345678"), db.RSVPYes)

	report, err := f.d.Run(context.Background(), Options{DryRun: true})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if report.Planned != 1 {
		t.Fatalf("planned = %d, want 1", report.Planned)
	}
	if f.sender.count() != 0 || len(f.ledger.records) != 0 {
		t.Fatal("dry run must not send or record")
	}
}

func TestRun_SilenceWindow(t *testing.T) {
	f := newFixture(t, 3*24*time.Hour, nil)
	reminder := message("Reminder", "Hi {name}", time.Hour)
	invitation := message("invitation", "You are invited, {name}: {url}", 2*time.Hour)
	f.store.messages = []*db.Message{reminder, invitation}
	ann := person("Ann", "+31612345678")
	f.invite(ann, db.RSVPUnset)

	report, err := f.d.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Silenced != 1 || report.Sent != 1 {
		t.Fatalf("silenced=%d sent=%d, want 1/1", report.Silenced, report.Sent)
	}
	if f.sender.sent[0].Body != "You are invited, Ann: https://party.example/party/2026-summer?visitor_id="+ann.ID.String() {
		t.Fatalf("unexpected body %q", f.sender.sent[0].Body)
	}
}

func TestRun_SilenceWindowIgnoresResponders(t *testing.T) {
	f := newFixture(t, 3*24*time.Hour, nil)
	f.store.messages = []*db.Message{message("Reminder", "Hi {name}", time.Hour)}
	f.invite(person("Ann", "+31612345678"), db.RSVPMaybe)

	report, _ := f.d.Run(context.Background(), Options{})
	if report.Sent != 1 {
		t.Fatalf("responders are not silenced, sent=%d", report.Sent)
	}
}

func TestRun_FailureDoesNotAbortBatch(t *testing.T) {
	f := newFixture(t, 30*24*time.Hour, &mockClaims{held: map[string]string{}})
	f.store.messages = []*db.Message{message("Reminder", "Hi {name}", time.Hour)}
	f.invite(person("Ann", "+31612345678"), db.RSVPYes)
	f.invite(person("Bob", "+31612345679"), db.RSVPYes)
	f.sender.failFor["+31612345678"] = errors.New("connection reset")

	report, err := f.d.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Failed != 1 || report.Sent != 1 {
		t.Fatalf("failed=%d sent=%d, want 1/1", report.Failed, report.Sent)
	}

	var failures int
	for _, r := range f.ledger.records {
		if r.Error {
			failures++
			if !strings.Contains(*r.ErrorMessage, "connection reset") {
				t.Fatalf("unexpected error message %q", *r.ErrorMessage)
			}
		}
	}
	if failures != 1 {
		t.Fatalf("failure records = %d, want 1", failures)
	}

	// the failed pair is retried on the next run
	delete(f.sender.failFor, "+31612345678")
	report, _ = f.d.Run(context.Background(), Options{})
	if report.Sent != 1 || report.AlreadySent != 1 {
		t.Fatalf("retry run: sent=%d already=%d", report.Sent, report.AlreadySent)
	}
}

func TestRun_RetryLimit(t *testing.T) {
	f := newFixture(t, 30*24*time.Hour, nil)
	f.store.messages = []*db.Message{message("Reminder", "Hi {name}", time.Hour)}
	f.invite(person("Ann", "+31612345678"), db.RSVPYes)
	f.sender.failFor["+31612345678"] = errors.New("timeout")

	for i := 0; i < 3; i++ {
		if _, err := f.d.Run(context.Background(), Options{}); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	report, _ := f.d.Run(context.Background(), Options{})
	if report.GaveUp != 1 || report.Failed != 0 {
		t.Fatalf("gave_up=%d failed=%d, want 1/0", report.GaveUp, report.Failed)
	}
}

func TestRun_SuppressedIsNotAFailure(t *testing.T) {
	f := newFixture(t, 30*24*time.Hour, nil)
	f.store.messages = []*db.Message{message("Reminder", "Hi {name}", time.Hour)}
	f.invite(person("Ann", "+31612345678"), db.RSVPYes)
	f.sender.failFor["+31612345678"] = fmt.Errorf("allowlist: %w", provider.ErrSuppressed)

	report, _ := f.d.Run(context.Background(), Options{})
	if report.Suppressed != 1 || len(f.ledger.records) != 0 {
		t.Fatalf("suppressed=%d records=%d", report.Suppressed, len(f.ledger.records))
	}
}

func TestRun_ClaimHeldElsewhere(t *testing.T) {
	claims := &mockClaims{held: map[string]string{}}
	f := newFixture(t, 30*24*time.Hour, claims)
	msg := message("Reminder", "Hi {name}", time.Hour)
	f.store.messages = []*db.Message{msg}
	ann := person("Ann", "+31612345678")
	f.invite(ann, db.RSVPYes)

	key := claimKey(db.DeliveryKey{MessageID: msg.ID, EventID: f.event.ID, PersonID: ann.ID, Channel: db.ChannelWhatsApp})
	claims.held[key] = "other-run"

	report, _ := f.d.Run(context.Background(), Options{})
	if report.AlreadySent != 1 || f.sender.count() != 0 {
		t.Fatalf("already=%d sender=%d", report.AlreadySent, f.sender.count())
	}
}

func TestRun_ApprovedTemplate(t *testing.T) {
	f := newFixture(t, 30*24*time.Hour, nil)
	sid := "HX123"
	tmpl := &db.MessageTemplate{
		ID:         uuid.New(),
		Text:       "Hi {name}, join {party}: {url}",
		Variables:  map[string]string{"name": "friend"},
		Status:     db.TemplateApproved,
		ProviderID: &sid,
	}
	msg := message("Reminder", "ignored", time.Hour)
	msg.TemplateID = &tmpl.ID
	msg.Template = tmpl
	f.store.messages = []*db.Message{msg}
	ann := person("Ann", "+31612345678")
	f.invite(ann, db.RSVPYes)

	if _, err := f.d.Run(context.Background(), Options{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	out := f.sender.sent[0]
	if out.ContentSID != "HX123" {
		t.Fatalf("content sid = %q", out.ContentSID)
	}
	link := "https://party.example/party/2026-summer?visitor_id=" + ann.ID.String()
	if out.Variables["1"] != "Ann" || out.Variables["2"] != "Summer Party" || out.Variables["3"] != link {
		t.Fatalf("unexpected variables %v", out.Variables)
	}
	if out.Body != "Hi Ann, join Summer Party: "+link {
		t.Fatalf("unexpected body %q", out.Body)
	}
	if out.StatusCallbackURL == "" {
		t.Fatal("status callback must be set")
	}
}

func TestRun_UnapprovedTemplateSkipsMessage(t *testing.T) {
	f := newFixture(t, 30*24*time.Hour, nil)
	tmpl := &db.MessageTemplate{ID: uuid.New(), Text: "Hi {name}", Status: db.TemplatePending}
	pending := message("Reminder", "Hi {name}", time.Hour)
	pending.TemplateID = &tmpl.ID
	pending.Template = tmpl
	broken := message("Broken", "Hi {nickname}", time.Hour)
	plain := message("Note", "Hi {name}", time.Hour)
	f.store.messages = []*db.Message{pending, broken, plain}
	f.invite(person("Ann", "+31612345678"), db.RSVPYes)

	report, err := f.d.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Misconfigured != 2 || report.Sent != 1 {
		t.Fatalf("misconfigured=%d sent=%d, want 2/1", report.Misconfigured, report.Sent)
	}
}

func TestRun_Filters(t *testing.T) {
	f := newFixture(t, 30*24*time.Hour, nil)
	draft := message("Draft", "Hi {name}", time.Hour)
	draft.Draft = true
	other := message("Other", "Hi {name}", time.Hour)
	f.store.messages = []*db.Message{draft, other}
	ann := person("Ann", "+31612345678")
	bob := person("Bob", "+31612345679")
	f.invite(ann, db.RSVPYes)
	f.invite(bob, db.RSVPYes)

	report, err := f.d.Run(context.Background(), Options{
		Messages:   []uuid.UUID{draft.ID},
		Recipients: []uuid.UUID{bob.ID},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Sent != 1 || f.sender.sent[0].To != "+31612345679" {
		t.Fatalf("filtered run sent=%d to=%v", report.Sent, f.sender.sent)
	}
}

func TestRun_Errors(t *testing.T) {
	f := newFixture(t, 30*24*time.Hour, nil)
	f.store.messages = []*db.Message{message("Reminder", "Hi", time.Hour)}
	f.invite(person("Ann", "+31612345678"), db.RSVPYes)

	closed := &db.Event{ID: uuid.New(), Edition: "old", Closed: true}
	f.store.events[closed.ID] = closed

	tests := []struct {
		name string
		opts Options
		want error
	}{
		{"unknown event", Options{EventID: uuid.New()}, db.ErrNotFound},
		{"closed event", Options{EventID: closed.ID}, ErrEventClosed},
		{"unknown message", Options{Messages: []uuid.UUID{uuid.New()}}, db.ErrNotFound},
		{"unknown person", Options{Recipients: []uuid.UUID{uuid.New()}}, db.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.d.Run(context.Background(), tt.opts); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	f.store.next = nil
	if _, err := f.d.Run(context.Background(), Options{}); !errors.Is(err, ErrNoEvent) {
		t.Fatalf("expected ErrNoEvent, got %v", err)
	}
}

func TestRun_UnsubscribedExcluded(t *testing.T) {
	f := newFixture(t, 30*24*time.Hour, nil)
	f.store.messages = []*db.Message{message("Reminder", "Hi {name}", time.Hour)}
	ann := person("Ann", "+31612345678")
	ann.WhatsAppNotifications = false
	f.invite(ann, db.RSVPYes)
	f.invite(person("Bob", "+31612345679"), db.RSVPNo)

	report, _ := f.d.Run(context.Background(), Options{})
	if report.Recipients != 0 || f.sender.count() != 0 {
		t.Fatalf("recipients=%d sender=%d", report.Recipients, f.sender.count())
	}
}

func TestRun_WaitRefreshesRecords(t *testing.T) {
	f := newFixture(t, 30*24*time.Hour, nil)
	f.store.messages = []*db.Message{message("Reminder", "Hi {name}", time.Hour)}
	f.invite(person("Ann", "+31612345678"), db.RSVPYes)

	report, err := f.d.Run(context.Background(), Options{Wait: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Deliveries) != 1 || !report.Deliveries[0].Sent {
		t.Fatalf("unexpected deliveries %+v", report.Deliveries)
	}
}
