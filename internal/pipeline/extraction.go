package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"paperflow/internal/broker"
	"paperflow/internal/domain"
	"paperflow/internal/logger"
)

// Fetcher скачивает объект во временный файл; cleanup удаляет его
type Fetcher interface {
	Fetch(ctx context.Context, bucket, key string) (path string, cleanup func(), err error)
}

// Extractor извлекает текст из локального файла
type Extractor interface {
	Extract(ctx context.Context, path, contentType string) (string, error)
}

type ExtractionStage struct {
	fetcher   Fetcher
	extractor Extractor
	pub       Publisher
	log       *logger.Logger
}

func NewExtractionStage(fetcher Fetcher, extractor Extractor, pub Publisher, log *logger.Logger) *ExtractionStage {
	return &ExtractionStage{
		fetcher:   fetcher,
		extractor: extractor,
		pub:       pub,
		log:       log.With("component", "extraction_stage"),
	}
}

func (s *ExtractionStage) Handle(ctx context.Context, body []byte) error {
	msg, err := decode[domain.UploadStarted](body)
	if err != nil {
		return err
	}
	log := s.log.With("document_id", msg.DocumentID, "version_id", msg.VersionID, "object_key", msg.ObjectKey)

	path, cleanup, err := s.fetcher.Fetch(ctx, msg.Bucket, msg.ObjectKey)
	if err != nil {
		// Объект удалён вместе с документом или адресован не в тот бакет
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrValidation) {
			return broker.Permanent(err)
		}
		return fmt.Errorf("failed to fetch object: %w", err)
	}
	defer cleanup()

	started := time.Now()
	text, err := s.extractor.Extract(ctx, path, msg.ContentType)
	if err != nil {
		if errors.Is(err, domain.ErrUnsupportedType) {
			return broker.Permanent(err)
		}
		return fmt.Errorf("extraction failed: %w", err)
	}
	log.Info("text extracted", "chars", len(text), "elapsed", time.Since(started))

	// Публикуем до ack входного сообщения: падение даст дубль, а не потерю
	next := domain.ExtractionCompleted{
		DocumentID:        msg.DocumentID,
		VersionID:         msg.VersionID,
		DiffBaseVersionID: msg.DiffBaseVersionID,
		ExtractedText:     text,
	}
	if err := s.pub.Publish(ctx, domain.QueueExtractionFinished, next); err != nil {
		return fmt.Errorf("failed to publish extraction result: %w", err)
	}
	return nil
}
