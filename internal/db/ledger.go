package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const deliveryColumns = `id, message_id, event_id, person_id, channel, sent, sent_at,
	provider_id, status, error, error_message, forced`

func scanDelivery(row pgx.Row) (*Delivery, error) {
	var d Delivery
	err := row.Scan(
		&d.ID,
		&d.MessageID,
		&d.EventID,
		&d.PersonID,
		&d.Channel,
		&d.Sent,
		&d.SentAt,
		&d.ProviderID,
		&d.Status,
		&d.Error,
		&d.ErrorMessage,
		&d.Forced,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// HasDelivered reports whether a successful delivery exists for key.
func (r *Repository) HasDelivered(ctx context.Context, key DeliveryKey) (bool, error) {
	var exists bool
	err := r.db.Pool().QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM deliveries
			WHERE message_id = $1 AND event_id = $2 AND person_id = $3 AND channel = $4 AND sent
		)
	`, key.MessageID, key.EventID, key.PersonID, key.Channel).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check delivery: %w", err)
	}
	return exists, nil
}

// RecordSuccess stores a successful send. When a non-forced success already
// exists for key the insert is dropped and ErrAlreadyDelivered is returned.
func (r *Repository) RecordSuccess(ctx context.Context, key DeliveryKey, providerID string, forced bool) (*Delivery, error) {
	var pid *string
	if providerID != "" {
		pid = &providerID
	}

	query := `
		INSERT INTO deliveries (
			id, message_id, event_id, person_id, channel, sent, provider_id, forced
		) VALUES ($1, $2, $3, $4, $5, TRUE, $6, $7)
		ON CONFLICT DO NOTHING
		RETURNING ` + deliveryColumns

	d, err := scanDelivery(r.db.Pool().QueryRow(ctx, query,
		uuid.New(), key.MessageID, key.EventID, key.PersonID, key.Channel, pid, forced,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		r.logger.Info("delivery already recorded",
			zap.String("message_id", key.MessageID.String()),
			zap.String("person_id", key.PersonID.String()),
			zap.String("channel", key.Channel),
		)
		return nil, ErrAlreadyDelivered
	}
	if err != nil {
		r.logger.Error("failed to record delivery",
			zap.Error(err),
			zap.String("message_id", key.MessageID.String()),
			zap.String("person_id", key.PersonID.String()),
		)
		return nil, fmt.Errorf("insert delivery: %w", err)
	}
	return d, nil
}

// RecordFailure stores a failed attempt. Failures never block later retries.
func (r *Repository) RecordFailure(ctx context.Context, key DeliveryKey, errMsg string) (*Delivery, error) {
	query := `
		INSERT INTO deliveries (
			id, message_id, event_id, person_id, channel, sent, error, error_message
		) VALUES ($1, $2, $3, $4, $5, FALSE, TRUE, $6)
		RETURNING ` + deliveryColumns

	d, err := scanDelivery(r.db.Pool().QueryRow(ctx, query,
		uuid.New(), key.MessageID, key.EventID, key.PersonID, key.Channel, errMsg,
	))
	if err != nil {
		return nil, fmt.Errorf("insert failed delivery: %w", err)
	}
	return d, nil
}

// UpdateStatus applies a provider status callback. The latest report always
// wins and the error flag follows the presence of an error code.
func (r *Repository) UpdateStatus(ctx context.Context, providerID, status, errorCode string) (*Delivery, error) {
	var errMsg *string
	if errorCode != "" {
		errMsg = &errorCode
	}

	query := `
		UPDATE deliveries
		SET status = $1, error = $2, error_message = $3
		WHERE provider_id = $4
		RETURNING ` + deliveryColumns

	d, err := scanDelivery(r.db.Pool().QueryRow(ctx, query, status, errorCode != "", errMsg, providerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("delivery with provider id %s: %w", providerID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("update delivery status: %w", err)
	}
	return d, nil
}

// FailureCount counts failed attempts for key since its most recent success.
func (r *Repository) FailureCount(ctx context.Context, key DeliveryKey) (int, error) {
	var count int
	err := r.db.Pool().QueryRow(ctx, `
		SELECT COUNT(*) FROM deliveries d
		WHERE d.message_id = $1 AND d.event_id = $2 AND d.person_id = $3 AND d.channel = $4
			AND NOT d.sent AND d.error
			AND d.sent_at > COALESCE((
				SELECT MAX(s.sent_at) FROM deliveries s
				WHERE s.message_id = $1 AND s.event_id = $2 AND s.person_id = $3 AND s.channel = $4 AND s.sent
			), '-infinity'::timestamptz)
	`, key.MessageID, key.EventID, key.PersonID, key.Channel).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count failed deliveries: %w", err)
	}
	return count, nil
}

// GetDeliveries reloads ledger records by ID.
func (r *Repository) GetDeliveries(ctx context.Context, ids []uuid.UUID) ([]*Delivery, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE id = ANY($1) ORDER BY sent_at`

	rows, err := r.db.Pool().Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var out []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}
