package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"paperflow/internal/domain"
)

// OutboxRepository хранит события пайплайна до их публикации в брокер.
// Запись захватывается арендой (claimed_until), чтобы её не отправили
// одновременно два процесса; публикация идёт вне транзакции.
type OutboxRepository struct {
	db *sqlx.DB
}

func NewOutboxRepository(db *sqlx.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Claim захватывает одну запись. Уже опубликованная или занятая запись -> ErrNotFound.
func (r *OutboxRepository) Claim(ctx context.Context, id int64, lease time.Duration) (*domain.OutboxEntry, error) {
	var entry domain.OutboxEntry
	err := r.db.GetContext(ctx, &entry, `
        UPDATE pipeline_outbox
        SET claimed_until = CURRENT_TIMESTAMP + $2 * INTERVAL '1 second',
            attempts = attempts + 1
        WHERE id = $1
          AND published_at IS NULL
          AND (claimed_until IS NULL OR claimed_until < CURRENT_TIMESTAMP)
        RETURNING id, queue, payload, attempts`,
		id, lease.Seconds(),
	)
	if err != nil {
		return nil, mapError(err, fmt.Sprintf("claim outbox event %d", id))
	}
	return &entry, nil
}

// ClaimPending захватывает неопубликованные записи старше grace
func (r *OutboxRepository) ClaimPending(ctx context.Context, grace, lease time.Duration, limit int) ([]domain.OutboxEntry, error) {
	entries := []domain.OutboxEntry{}
	err := r.db.SelectContext(ctx, &entries, `
        UPDATE pipeline_outbox
        SET claimed_until = CURRENT_TIMESTAMP + $2 * INTERVAL '1 second',
            attempts = attempts + 1
        WHERE id IN (
            SELECT id FROM pipeline_outbox
            WHERE published_at IS NULL
              AND created_at < CURRENT_TIMESTAMP - $1 * INTERVAL '1 second'
              AND (claimed_until IS NULL OR claimed_until < CURRENT_TIMESTAMP)
            ORDER BY id
            LIMIT $3
            FOR UPDATE SKIP LOCKED
        )
        RETURNING id, queue, payload, attempts`,
		grace.Seconds(), lease.Seconds(), limit,
	)
	if err != nil {
		return nil, mapError(err, "claim pending outbox events")
	}
	return entries, nil
}

func (r *OutboxRepository) MarkPublished(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `
        UPDATE pipeline_outbox
        SET published_at = CURRENT_TIMESTAMP, claimed_until = NULL, last_error = NULL
        WHERE id = $1`, id)
	return mapError(err, "mark outbox event published")
}

// MarkFailed снимает аренду, чтобы запись подобрал следующий проход relay
func (r *OutboxRepository) MarkFailed(ctx context.Context, id int64, reason string) error {
	_, err := r.db.ExecContext(ctx, `
        UPDATE pipeline_outbox
        SET claimed_until = NULL, last_error = $2
        WHERE id = $1`, id, reason)
	return mapError(err, "mark outbox event failed")
}

// DeletePublished чистит опубликованные записи старше retention
func (r *OutboxRepository) DeletePublished(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
        DELETE FROM pipeline_outbox
        WHERE published_at IS NOT NULL
          AND published_at < CURRENT_TIMESTAMP - $1 * INTERVAL '1 second'`,
		retention.Seconds(),
	)
	if err != nil {
		return 0, mapError(err, "delete published outbox events")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
