package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// Repository handles database operations for events, people, messages and
// the delivery ledger
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const eventColumns = `id, name, edition, starts_at, location, closed, private, max_people, created_at`

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	err := row.Scan(
		&e.ID,
		&e.Name,
		&e.Edition,
		&e.StartsAt,
		&e.Location,
		&e.Closed,
		&e.Private,
		&e.MaxPeople,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetEvent retrieves an event by ID
func (r *Repository) GetEvent(ctx context.Context, id uuid.UUID) (*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE id = $1`

	event, err := scanEvent(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query event: %w", err)
	}
	return event, nil
}

// NextOpenEvent returns the nearest open event starting after now.
func (r *Repository) NextOpenEvent(ctx context.Context, now time.Time) (*Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM events
		WHERE NOT closed AND starts_at > $1
		ORDER BY starts_at ASC
		LIMIT 1
	`

	event, err := scanEvent(r.db.Pool().QueryRow(ctx, query, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("upcoming event: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query upcoming event: %w", err)
	}
	return event, nil
}

// CreateEvent inserts the event. When inviteEveryone is set every known
// person gets an unanswered invitation in the same transaction; the number
// of invitations created is returned.
func (r *Repository) CreateEvent(ctx context.Context, event *Event, inviteEveryone bool) (int, error) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	invited := 0
	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO events (id, name, edition, starts_at, location, closed, private, max_people)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING created_at
		`,
			event.ID,
			event.Name,
			event.Edition,
			event.StartsAt,
			event.Location,
			event.Closed,
			event.Private,
			event.MaxPeople,
		).Scan(&event.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		if !inviteEveryone {
			return nil
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO invitations (id, event_id, person_id)
			SELECT gen_random_uuid(), $1, p.id FROM people p
			ON CONFLICT (person_id, event_id) DO NOTHING
		`, event.ID)
		if err != nil {
			return fmt.Errorf("fan out invitations: %w", err)
		}
		invited = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		r.logger.Error("failed to create event",
			zap.Error(err),
			zap.String("event_id", event.ID.String()),
		)
		return 0, err
	}

	r.logger.Info("event created",
		zap.String("event_id", event.ID.String()),
		zap.String("edition", event.Edition),
		zap.Int("invited", invited),
	)
	return invited, nil
}

const personColumns = `p.id, p.first_name, p.last_name, p.phone_number, p.whatsapp_notifications, p.email_notifications, p.created_at`

func scanPerson(row pgx.Row, extra ...any) (*Person, error) {
	var p Person
	dest := []any{
		&p.ID,
		&p.FirstName,
		&p.LastName,
		&p.PhoneNumber,
		&p.WhatsAppNotifications,
		&p.EmailNotifications,
		&p.CreatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPersonByPhone finds a person by phone number. Stored numbers are
// compared with their separators stripped, so phone must be normalised.
func (r *Repository) GetPersonByPhone(ctx context.Context, phone string) (*Person, error) {
	query := `SELECT ` + personColumns + ` FROM people p
		WHERE regexp_replace(p.phone_number, '[[:space:]().-]', '', 'g') = $1
		LIMIT 1`

	person, err := scanPerson(r.db.Pool().QueryRow(ctx, query, phone))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("person with phone %s: %w", phone, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query person by phone: %w", err)
	}
	return person, nil
}

// SetWhatsAppNotifications toggles the WhatsApp preference of a person.
func (r *Repository) SetWhatsAppNotifications(ctx context.Context, personID uuid.UUID, enabled bool) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE people SET whatsapp_notifications = $1 WHERE id = $2`,
		enabled, personID,
	)
	if err != nil {
		return fmt.Errorf("update notification preference: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("person %s: %w", personID, ErrNotFound)
	}

	r.logger.Info("whatsapp notifications updated",
		zap.String("person_id", personID.String()),
		zap.Bool("enabled", enabled),
	)
	return nil
}

// ListInvitees returns every invitation of the event joined with its person.
func (r *Repository) ListInvitees(ctx context.Context, eventID uuid.UUID) ([]*Invitee, error) {
	query := `
		SELECT ` + personColumns + `, COALESCE(i.status, '')
		FROM invitations i
		JOIN people p ON p.id = i.person_id
		WHERE i.event_id = $1
		ORDER BY p.id
	`

	rows, err := r.db.Pool().Query(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("query invitees: %w", err)
	}
	defer rows.Close()

	var invitees []*Invitee
	for rows.Next() {
		var status string
		person, err := scanPerson(rows, &status)
		if err != nil {
			return nil, fmt.Errorf("scan invitee: %w", err)
		}
		invitees = append(invitees, &Invitee{Person: person, Status: status})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return invitees, nil
}

// GetOrCreateInvitation returns the invitation of the person to the event,
// creating an unanswered one when missing. created reports which happened.
func (r *Repository) GetOrCreateInvitation(ctx context.Context, eventID, personID uuid.UUID) (*Invitation, bool, error) {
	var inv Invitation
	var status *string

	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO invitations (id, event_id, person_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (person_id, event_id) DO NOTHING
		RETURNING id, event_id, person_id, status, updated_at
	`, uuid.New(), eventID, personID).Scan(&inv.ID, &inv.EventID, &inv.PersonID, &status, &inv.UpdatedAt)

	created := true
	if errors.Is(err, pgx.ErrNoRows) {
		created = false
		err = r.db.Pool().QueryRow(ctx, `
			SELECT id, event_id, person_id, status, updated_at
			FROM invitations
			WHERE event_id = $1 AND person_id = $2
		`, eventID, personID).Scan(&inv.ID, &inv.EventID, &inv.PersonID, &status, &inv.UpdatedAt)
	}
	if isForeignKeyViolation(err) {
		return nil, false, fmt.Errorf("invitation for event %s person %s: %w", eventID, personID, ErrNotFound)
	}
	if err != nil {
		return nil, false, fmt.Errorf("get or create invitation: %w", err)
	}
	if status != nil {
		inv.Status = *status
	}

	if created {
		r.logger.Info("invitation created",
			zap.String("event_id", eventID.String()),
			zap.String("person_id", personID.String()),
		)
	}
	return &inv, created, nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
