package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"pushpay-service/internal/model"
)

// WebhookEventRepository is the Postgres replay store. Rows are only ever
// inserted or deleted; an id whose record is older than the horizon may be
// claimed again, which replaces the expired row with a new one.
type WebhookEventRepository struct {
	pool    *pgxpool.Pool
	horizon time.Duration
	clock   clockwork.Clock
}

func NewWebhookEventRepository(pool *pgxpool.Pool, horizon time.Duration, clock clockwork.Clock) *WebhookEventRepository {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &WebhookEventRepository{pool: pool, horizon: horizon, clock: clock}
}

func (r *WebhookEventRepository) Claim(ctx context.Context, rec model.WebhookEventRecord) (bool, error) {
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = r.clock.Now()
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `DELETE FROM webhook_events WHERE event_id = $1 AND received_at < $2`,
		rec.EventID, rec.ReceivedAt.Add(-r.horizon))
	if err != nil {
		return false, errors.Wrapf(err, "expire webhook event %s", rec.EventID)
	}

	query := `INSERT INTO webhook_events (event_id, event_name, local_reference, client_ip, user_agent, received_at)
	          VALUES ($1, $2, $3, $4, $5, $6)
	          ON CONFLICT (event_id) DO NOTHING`
	tag, err := tx.Exec(ctx, query, rec.EventID, rec.EventName, rec.LocalReference, rec.ClientIP, rec.UserAgent,
		rec.ReceivedAt)
	if err != nil {
		return false, errors.Wrapf(err, "insert webhook event %s", rec.EventID)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, errors.Wrap(err, "commit transaction")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *WebhookEventRepository) Release(ctx context.Context, eventID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM webhook_events WHERE event_id = $1`, eventID)
	return err
}

func (r *WebhookEventRepository) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM webhook_events WHERE received_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *WebhookEventRepository) GetByID(ctx context.Context, eventID string) (*model.WebhookEventRecord, error) {
	query := `SELECT event_id, event_name, local_reference, client_ip, user_agent, received_at
	          FROM webhook_events WHERE event_id = $1`
	var rec model.WebhookEventRecord
	err := r.pool.QueryRow(ctx, query, eventID).Scan(&rec.EventID, &rec.EventName, &rec.LocalReference,
		&rec.ClientIP, &rec.UserAgent, &rec.ReceivedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
