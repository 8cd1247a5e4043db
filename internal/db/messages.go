package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Durations are stored as whole seconds.
func durationToSeconds(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	s := int64(*d / time.Second)
	return &s
}

func secondsToDuration(s *int64) *time.Duration {
	if s == nil {
		return nil
	}
	d := time.Duration(*s) * time.Second
	return &d
}

const templateColumns = `t.id, t.friendly_name, t.language, t.title, t.text, t.variables,
	t.send_threshold_seconds, t.send_delta_seconds, t.draft, t.autosend,
	t.is_default_event_message, t.category, t.provider_id, t.status,
	t.rejection_reason, t.created_at, t.updated_at`

func scanTemplate(row pgx.Row) (*MessageTemplate, error) {
	var t MessageTemplate
	var vars []byte
	var threshold, delta *int64

	err := row.Scan(
		&t.ID,
		&t.FriendlyName,
		&t.Language,
		&t.Title,
		&t.Text,
		&vars,
		&threshold,
		&delta,
		&t.Draft,
		&t.Autosend,
		&t.IsDefaultEventMessage,
		&t.Category,
		&t.ProviderID,
		&t.Status,
		&t.RejectionReason,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.SendThreshold = secondsToDuration(threshold)
	t.SendDelta = secondsToDuration(delta)
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &t.Variables); err != nil {
			return nil, fmt.Errorf("decode template variables: %w", err)
		}
	}
	return &t, nil
}

func (r *Repository) queryTemplates(ctx context.Context, where string, args ...any) ([]*MessageTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM message_templates t ` + where + ` ORDER BY t.friendly_name`

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	var out []*MessageTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// GetTemplate retrieves a template by ID
func (r *Repository) GetTemplate(ctx context.Context, id uuid.UUID) (*MessageTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM message_templates t WHERE t.id = $1`

	t, err := scanTemplate(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}
	return t, nil
}

// ListDefaultTemplates returns the templates every new event receives a message from.
func (r *Repository) ListDefaultTemplates(ctx context.Context) ([]*MessageTemplate, error) {
	return r.queryTemplates(ctx, `WHERE t.is_default_event_message`)
}

// ListTemplatesByStatus returns templates in the given provider state.
func (r *Repository) ListTemplatesByStatus(ctx context.Context, status string) ([]*MessageTemplate, error) {
	return r.queryTemplates(ctx, `WHERE t.status = $1`, status)
}

// CreateTemplate inserts a template. A template with the same friendly name
// is left untouched and created is false.
func (r *Repository) CreateTemplate(ctx context.Context, t *MessageTemplate) (bool, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = TemplateNotSubmitted
	}
	if t.Category == "" {
		t.Category = CategoryUtility
	}
	if t.Language == "" {
		t.Language = "en"
	}

	vars, err := json.Marshal(t.Variables)
	if err != nil {
		return false, fmt.Errorf("encode template variables: %w", err)
	}
	if t.Variables == nil {
		vars = []byte("{}")
	}

	err = r.db.Pool().QueryRow(ctx, `
		INSERT INTO message_templates (
			id, friendly_name, language, title, text, variables,
			send_threshold_seconds, send_delta_seconds, draft, autosend,
			is_default_event_message, category, provider_id, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (friendly_name) DO NOTHING
		RETURNING created_at, updated_at
	`,
		t.ID,
		t.FriendlyName,
		t.Language,
		t.Title,
		t.Text,
		vars,
		durationToSeconds(t.SendThreshold),
		durationToSeconds(t.SendDelta),
		t.Draft,
		t.Autosend,
		t.IsDefaultEventMessage,
		t.Category,
		t.ProviderID,
		t.Status,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert template: %w", err)
	}

	r.logger.Info("template created",
		zap.String("template_id", t.ID.String()),
		zap.String("friendly_name", t.FriendlyName),
	)
	return true, nil
}

// UpdateTemplateProviderState stores the provider ID, approval status and
// rejection reason of a template. A nil providerID keeps the stored one.
func (r *Repository) UpdateTemplateProviderState(ctx context.Context, id uuid.UUID, providerID *string, status string, rejectionReason *string) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE message_templates
		SET provider_id = COALESCE($1, provider_id),
			status = $2,
			rejection_reason = $3,
			updated_at = NOW()
		WHERE id = $4
	`, providerID, status, rejectionReason, id)
	if err != nil {
		return fmt.Errorf("update template state: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("template %s: %w", id, ErrNotFound)
	}

	r.logger.Info("template provider state updated",
		zap.String("template_id", id.String()),
		zap.String("status", status),
	)
	return nil
}

// ListMessages returns every message of the event with its template attached.
func (r *Repository) ListMessages(ctx context.Context, eventID uuid.UUID) ([]*Message, error) {
	query := `
		SELECT m.id, m.event_id, m.template_id, m.title, m.text, m.due_at,
			m.send_threshold_seconds, m.draft, m.autosend, m.created_at
		FROM messages m
		WHERE m.event_id = $1
		ORDER BY m.due_at ASC NULLS LAST, m.id
	`

	rows, err := r.db.Pool().Query(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	templateIDs := make(map[uuid.UUID]struct{})
	for rows.Next() {
		var m Message
		var threshold *int64
		err := rows.Scan(
			&m.ID,
			&m.EventID,
			&m.TemplateID,
			&m.Title,
			&m.Text,
			&m.DueAt,
			&threshold,
			&m.Draft,
			&m.Autosend,
			&m.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.SendThreshold = secondsToDuration(threshold)
		if m.TemplateID != nil {
			templateIDs[*m.TemplateID] = struct{}{}
		}
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	if len(templateIDs) == 0 {
		return messages, nil
	}

	ids := make([]uuid.UUID, 0, len(templateIDs))
	for id := range templateIDs {
		ids = append(ids, id)
	}
	tpls, err := r.queryTemplates(ctx, `WHERE t.id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]*MessageTemplate, len(tpls))
	for _, t := range tpls {
		byID[t.ID] = t
	}
	for _, m := range messages {
		if m.TemplateID != nil {
			m.Template = byID[*m.TemplateID]
		}
	}
	return messages, nil
}

// CreateMessage inserts a message. A message with the same title already on
// the event is left untouched and created is false.
func (r *Repository) CreateMessage(ctx context.Context, m *Message) (bool, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}

	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO messages (
			id, event_id, template_id, title, text, due_at,
			send_threshold_seconds, draft, autosend
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_id, title) DO NOTHING
		RETURNING created_at
	`,
		m.ID,
		m.EventID,
		m.TemplateID,
		m.Title,
		m.Text,
		m.DueAt,
		durationToSeconds(m.SendThreshold),
		m.Draft,
		m.Autosend,
	).Scan(&m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if isForeignKeyViolation(err) {
		return false, fmt.Errorf("message for event %s: %w", m.EventID, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}

	r.logger.Info("message created",
		zap.String("message_id", m.ID.String()),
		zap.String("event_id", m.EventID.String()),
		zap.String("title", m.Title),
	)
	return true, nil
}
