package service

import (
	"context"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"paperflow/internal/broker"
	"paperflow/internal/config"
	"paperflow/internal/domain"
	"paperflow/internal/logger"
)

const outboxRetention = 24 * time.Hour

type OutboxStore interface {
	Claim(ctx context.Context, id int64, lease time.Duration) (*domain.OutboxEntry, error)
	ClaimPending(ctx context.Context, grace, lease time.Duration, limit int) ([]domain.OutboxEntry, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, reason string) error
	DeletePublished(ctx context.Context, retention time.Duration) (int64, error)
}

type RawPublisher interface {
	PublishRaw(ctx context.Context, queue string, body []byte, headers amqp.Table) error
	Connected() bool
}

// OutboxRelay переносит события из pipeline_outbox в брокер. Захват записи
// и отметка о публикации - отдельные короткие запросы, сама публикация
// выполняется вне транзакции.
type OutboxRelay struct {
	store    OutboxStore
	pub      RawPublisher
	lease    time.Duration
	interval time.Duration
	batch    int
	log      *logger.Logger
}

func NewOutboxRelay(store OutboxStore, pub RawPublisher, cfg config.PipelineConfig, log *logger.Logger) *OutboxRelay {
	return &OutboxRelay{
		store:    store,
		pub:      pub,
		lease:    cfg.OutboxLease,
		interval: cfg.OutboxInterval,
		batch:    cfg.OutboxBatch,
		log:      log.With("component", "outbox_relay"),
	}
}

// Dispatch публикует одну запись. Запись, уже опубликованную или занятую
// другим процессом, пропускает без ошибки. Без соединения с брокером сразу
// возвращает broker.ErrNotConnected и оставляет запись для Run.
func (r *OutboxRelay) Dispatch(ctx context.Context, id int64) error {
	if !r.pub.Connected() {
		return broker.ErrNotConnected
	}
	entry, err := r.store.Claim(ctx, id, r.lease)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	return r.publish(ctx, *entry)
}

func (r *OutboxRelay) publish(ctx context.Context, entry domain.OutboxEntry) error {
	if err := r.pub.PublishRaw(ctx, entry.Queue, entry.Payload, nil); err != nil {
		// Аренду снимаем в любом случае, даже если запрос отменён
		if markErr := r.store.MarkFailed(context.WithoutCancel(ctx), entry.ID, err.Error()); markErr != nil {
			r.log.Error("failed to release outbox event", "outbox_id", entry.ID, "error", markErr)
		}
		return err
	}
	if err := r.store.MarkPublished(context.WithoutCancel(ctx), entry.ID); err != nil {
		// Запись опубликуется повторно после истечения аренды; консьюмеры идемпотентны
		r.log.Error("failed to mark outbox event published", "outbox_id", entry.ID, "error", err)
		return err
	}
	r.log.Debug("outbox event published", "outbox_id", entry.ID, "queue", entry.Queue, "attempts", entry.Attempts)
	return nil
}

// RelayPending публикует зависшие записи и возвращает число отправленных
func (r *OutboxRelay) RelayPending(ctx context.Context) (int, error) {
	entries, err := r.store.ClaimPending(ctx, r.interval, r.lease, r.batch)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, entry := range entries {
		if err := r.publish(ctx, entry); err != nil {
			r.log.Warn("failed to relay outbox event", "outbox_id", entry.ID, "queue", entry.Queue, "error", err)
			continue
		}
		sent++
	}
	return sent, nil
}

// Run периодически отправляет неопубликованные события и чистит старые
func (r *OutboxRelay) Run(ctx context.Context) {
	relayTicker := time.NewTicker(r.interval)
	defer relayTicker.Stop()
	cleanupTicker := time.NewTicker(time.Hour)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-relayTicker.C:
			sent, err := r.RelayPending(ctx)
			if err != nil {
				r.log.Error("outbox relay pass failed", "error", err)
				continue
			}
			if sent > 0 {
				r.log.Info("relayed pending outbox events", "count", sent)
			}
		case <-cleanupTicker.C:
			n, err := r.store.DeletePublished(ctx, outboxRetention)
			if err != nil {
				r.log.Error("outbox cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				r.log.Info("removed published outbox events", "count", n)
			}
		}
	}
}
