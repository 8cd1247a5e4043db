package schedule

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/partyline/internal/db"
)

func strPtr(s string) *string { return &s }

func durPtr(d time.Duration) *time.Duration { return &d }

func timePtr(t time.Time) *time.Time { return &t }

func invitee(id string, status, phone string, whatsapp bool) *db.Invitee {
	p := &db.Person{
		ID:                    uuid.MustParse(id),
		FirstName:             "Guest",
		WhatsAppNotifications: whatsapp,
	}
	if phone != "" {
		p.PhoneNumber = strPtr(phone)
	}
	return &db.Invitee{Person: p, Status: status}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"+31 6 1234-5678", "+31612345678", true},
		{"+1 (555) 010.0000", "+15550100000", true},
		{"0612345678", "0612345678", false},
		{"+123", "+123", false},
		{"+1234567890123456", "+1234567890123456", false},
		{"+31abc45678", "+31abc45678", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := NormalizePhone(tt.in)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("NormalizePhone(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestRecipients(t *testing.T) {
	invitees := []*db.Invitee{
		invitee("00000000-0000-0000-0000-000000000005", db.RSVPYes, "+31612345675", true),
		invitee("00000000-0000-0000-0000-000000000001", db.RSVPMaybe, "+31612345671", true),
		invitee("00000000-0000-0000-0000-000000000003", db.RSVPUnset, "+31612345673", true),
		invitee("00000000-0000-0000-0000-000000000002", db.RSVPNo, "+31612345672", true),
		invitee("00000000-0000-0000-0000-000000000004", db.RSVPYes, "+31612345674", false),
		invitee("00000000-0000-0000-0000-000000000006", db.RSVPYes, "", true),
		invitee("00000000-0000-0000-0000-000000000007", db.RSVPYes, "not-a-phone", true),
	}

	got := Recipients(invitees, nil)

	want := []string{
		"00000000-0000-0000-0000-000000000001",
		"00000000-0000-0000-0000-000000000003",
		"00000000-0000-0000-0000-000000000005",
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d recipients, got %d", len(want), len(got))
	}
	for i, r := range got {
		if r.Person.ID.String() != want[i] {
			t.Errorf("recipient %d = %s, want %s", i, r.Person.ID, want[i])
		}
	}
}

func TestRecipients_DeclinedNeverIncluded(t *testing.T) {
	declined := invitee("00000000-0000-0000-0000-000000000002", db.RSVPNo, "+31612345672", true)

	got := Recipients([]*db.Invitee{declined}, []uuid.UUID{declined.Person.ID})
	if len(got) != 0 {
		t.Fatalf("declined invitee must be excluded even when filtered for, got %d", len(got))
	}
}

func TestRecipients_Filter(t *testing.T) {
	a := invitee("00000000-0000-0000-0000-00000000000a", db.RSVPYes, "+31612345670", true)
	b := invitee("00000000-0000-0000-0000-00000000000b", db.RSVPYes, "+31612345671", true)
	disabled := invitee("00000000-0000-0000-0000-00000000000c", db.RSVPYes, "+31612345672", false)

	got := Recipients([]*db.Invitee{a, b, disabled}, []uuid.UUID{b.Person.ID, disabled.Person.ID})
	if len(got) != 1 || got[0].Person.ID != b.Person.ID {
		t.Fatalf("expected only b, got %+v", got)
	}
}

func TestDueMessages_Threshold(t *testing.T) {
	due := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	m := &db.Message{
		ID:            uuid.New(),
		Title:         "Reminder",
		DueAt:         timePtr(due),
		SendThreshold: durPtr(24 * time.Hour),
		Autosend:      true,
	}

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"before due", due.Add(-time.Minute), false},
		{"at due", due, true},
		{"within threshold", due.Add(12 * time.Hour), true},
		{"at threshold edge", due.Add(24 * time.Hour), true},
		{"past threshold", due.Add(25 * time.Hour), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DueMessages([]*db.Message{m}, tt.now, nil)
			if (len(got) == 1) != tt.want {
				t.Errorf("selected = %v, want %v", len(got) == 1, tt.want)
			}
		})
	}
}

func TestDueMessages_Gates(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	past := timePtr(now.Add(-time.Hour))

	draft := &db.Message{ID: uuid.New(), Title: "draft", DueAt: past, Draft: true, Autosend: true}
	manual := &db.Message{ID: uuid.New(), Title: "manual", DueAt: past}
	noDue := &db.Message{ID: uuid.New(), Title: "no due", Autosend: true}
	old := &db.Message{ID: uuid.New(), Title: "old", DueAt: timePtr(now.Add(-30 * 24 * time.Hour)), Autosend: true}

	if got := DueMessages([]*db.Message{draft, manual, noDue}, now, nil); len(got) != 0 {
		t.Fatalf("expected no due messages, got %d", len(got))
	}

	if got := DueMessages([]*db.Message{old}, now, nil); len(got) != 1 {
		t.Fatalf("messages without threshold never expire, got %d", len(got))
	}

	got := DueMessages([]*db.Message{draft, manual, noDue}, now, []uuid.UUID{draft.ID, noDue.ID})
	if len(got) != 2 {
		t.Fatalf("filter should bypass draft gate, got %d", len(got))
	}
	if got[0].ID != draft.ID || got[1].ID != noDue.ID {
		t.Errorf("unexpected order: %s, %s", got[0].Title, got[1].Title)
	}
}

func TestDueMessages_FilterStillHonoursDueTime(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	future := &db.Message{ID: uuid.New(), DueAt: timePtr(now.Add(time.Hour))}
	stale := &db.Message{
		ID:            uuid.New(),
		DueAt:         timePtr(now.Add(-48 * time.Hour)),
		SendThreshold: durPtr(time.Hour),
	}

	if got := DueMessages([]*db.Message{future, stale}, now, []uuid.UUID{future.ID, stale.ID}); len(got) != 0 {
		t.Fatalf("expected none, got %d", len(got))
	}
}

func TestDueMessages_Order(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	same := timePtr(now.Add(-2 * time.Hour))

	late := &db.Message{ID: uuid.MustParse("00000000-0000-0000-0000-000000000001"), DueAt: timePtr(now.Add(-time.Hour)), Autosend: true}
	tieB := &db.Message{ID: uuid.MustParse("00000000-0000-0000-0000-00000000000b"), DueAt: same, Autosend: true}
	tieA := &db.Message{ID: uuid.MustParse("00000000-0000-0000-0000-00000000000a"), DueAt: same, Autosend: true}

	got := DueMessages([]*db.Message{late, tieB, tieA}, now, nil)
	if len(got) != 3 {
		t.Fatalf("expected 3, got %d", len(got))
	}
	if got[0] != tieA || got[1] != tieB || got[2] != late {
		t.Errorf("unexpected order: %s %s %s", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestWithinSilenceWindow(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		starts time.Time
		window time.Duration
		want   bool
	}{
		{"three days away", now.Add(3 * 24 * time.Hour), DefaultSilenceWindow, true},
		{"ten days away", now.Add(10 * 24 * time.Hour), DefaultSilenceWindow, false},
		{"exactly seven days", now.Add(7 * 24 * time.Hour), DefaultSilenceWindow, false},
		{"disabled", now.Add(time.Hour), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := &db.Event{StartsAt: tt.starts}
			if got := WithinSilenceWindow(ev, now, tt.window); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
