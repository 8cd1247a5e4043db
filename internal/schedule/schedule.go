// Package schedule decides who gets notified and which messages are due.
// Everything here is a pure function of its inputs.
package schedule

import (
	"bytes"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/partyline/internal/db"
)

// DefaultSilenceWindow is how close to the event non-responders stop
// receiving anything but the invitation.
const DefaultSilenceWindow = 7 * 24 * time.Hour

// Recipient is an invitee eligible for notifications.
type Recipient struct {
	Person *db.Person
	Status string
}

// NormalizePhone strips spaces, dashes, dots and parentheses. The result is
// valid when it is a '+' followed by 8 to 15 digits.
func NormalizePhone(phone string) (string, bool) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(phone) {
		switch r {
		case ' ', '-', '(', ')', '.':
			continue
		}
		b.WriteRune(r)
	}
	n := b.String()

	if len(n) < 9 || len(n) > 16 || n[0] != '+' {
		return n, false
	}
	for _, c := range n[1:] {
		if c < '0' || c > '9' {
			return n, false
		}
	}
	return n, true
}

// ValidPhone reports whether phone can be messaged.
func ValidPhone(phone string) bool {
	_, ok := NormalizePhone(phone)
	return ok
}

func rsvpEligible(status string) bool {
	switch status {
	case db.RSVPYes, db.RSVPMaybe, db.RSVPUnset:
		return true
	}
	return false
}

// Recipients returns the invitees that may be messaged: not declined,
// WhatsApp enabled and a valid phone number. A non-empty filter keeps only
// those person IDs. The result is ordered by person ID.
func Recipients(invitees []*db.Invitee, filter []uuid.UUID) []Recipient {
	var allowed map[uuid.UUID]struct{}
	if len(filter) > 0 {
		allowed = make(map[uuid.UUID]struct{}, len(filter))
		for _, id := range filter {
			allowed[id] = struct{}{}
		}
	}

	var out []Recipient
	for _, inv := range invitees {
		p := inv.Person
		if p == nil || !rsvpEligible(inv.Status) || !p.WhatsAppNotifications {
			continue
		}
		if p.PhoneNumber == nil || !ValidPhone(*p.PhoneNumber) {
			continue
		}
		if allowed != nil {
			if _, ok := allowed[p.ID]; !ok {
				continue
			}
		}
		out = append(out, Recipient{Person: p, Status: inv.Status})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return bytes.Compare(out[i].Person.ID[:], out[j].Person.ID[:]) < 0
	})
	return out
}

// DueMessages returns the messages that should go out at now, earliest due
// first.
//
// Without a filter a message must be published (not a draft), marked for
// autosend, past its due time and not older than its send threshold. A
// non-empty filter restricts the candidates to those IDs and skips the
// draft and autosend checks; a filtered message without a due time counts as
// due now.
func DueMessages(msgs []*db.Message, now time.Time, filter []uuid.UUID) []*db.Message {
	var wanted map[uuid.UUID]struct{}
	if len(filter) > 0 {
		wanted = make(map[uuid.UUID]struct{}, len(filter))
		for _, id := range filter {
			wanted[id] = struct{}{}
		}
	}

	var due []*db.Message
	for _, m := range msgs {
		if wanted != nil {
			if _, ok := wanted[m.ID]; !ok {
				continue
			}
			if m.DueAt == nil {
				due = append(due, m)
				continue
			}
		} else if m.Draft || !m.Autosend || m.DueAt == nil {
			continue
		}

		if m.DueAt.After(now) {
			continue
		}
		if Expired(m, now) {
			continue
		}
		due = append(due, m)
	}

	dueAt := func(m *db.Message) time.Time {
		if m.DueAt == nil {
			return now
		}
		return *m.DueAt
	}
	sort.SliceStable(due, func(i, j int) bool {
		a, b := dueAt(due[i]), dueAt(due[j])
		if !a.Equal(b) {
			return a.Before(b)
		}
		return bytes.Compare(due[i].ID[:], due[j].ID[:]) < 0
	})
	return due
}

// Expired reports whether the message's send threshold has passed.
// Messages without a due time or threshold never expire.
func Expired(m *db.Message, now time.Time) bool {
	if m.DueAt == nil || m.SendThreshold == nil {
		return false
	}
	return m.DueAt.Before(now.Add(-*m.SendThreshold))
}

// WithinSilenceWindow reports whether the event starts less than window from
// now. A non-positive window disables the rule.
func WithinSilenceWindow(event *db.Event, now time.Time, window time.Duration) bool {
	if window <= 0 {
		return false
	}
	return event.StartsAt.Sub(now) < window
}
