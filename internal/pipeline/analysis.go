package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"paperflow/internal/broker"
	"paperflow/internal/domain"
	"paperflow/internal/logger"
)

type Analyzer interface {
	Summarize(ctx context.Context, text string) (string, error)
	Classify(ctx context.Context, text string) (domain.Tag, error)
	ChangeSummary(ctx context.Context, oldText, newText string) (string, error)
}

// TextSource - узкий read-only доступ к тексту базовой версии
type TextSource interface {
	GetExtractedText(ctx context.Context, versionID int64) (*domain.ExtractedText, error)
}

// BaseWait ограничивает ожидание базовой версии, которая ещё не прошла
// merge. Ожидание заканчивается, когда сообщение повторили Attempts раз
// или базовая версия старше MaxAge; нулевое значение не ограничивает.
type BaseWait struct {
	Attempts int
	MaxAge   time.Duration
}

func (w BaseWait) exhausted(attempt int, age time.Duration) bool {
	if w.Attempts > 0 && attempt >= w.Attempts {
		return true
	}
	return w.MaxAge > 0 && age >= w.MaxAge
}

type AnalysisStage struct {
	analyzer Analyzer
	texts    TextSource
	pub      Publisher
	wait     BaseWait
	log      *logger.Logger

	now func() time.Time
}

func NewAnalysisStage(analyzer Analyzer, texts TextSource, pub Publisher, wait BaseWait, log *logger.Logger) *AnalysisStage {
	return &AnalysisStage{
		analyzer: analyzer,
		texts:    texts,
		pub:      pub,
		wait:     wait,
		log:      log.With("component", "analysis_stage"),
		now:      time.Now,
	}
}

// Handle выполняет шаги строго по порядку; при ошибке любого шага
// ничего не публикуется. Базовая версия читается до обращений к модели.
func (s *AnalysisStage) Handle(ctx context.Context, body []byte) error {
	msg, err := decode[domain.ExtractionCompleted](body)
	if err != nil {
		return err
	}
	log := s.log.With("document_id", msg.DocumentID, "version_id", msg.VersionID)

	var base *domain.ExtractedText
	if msg.DiffBaseVersionID != nil {
		base, err = s.diffBase(ctx, log, *msg.DiffBaseVersionID)
		if err != nil {
			return err
		}
	}

	summary, err := s.analyzer.Summarize(ctx, msg.ExtractedText)
	if err != nil {
		return fmt.Errorf("summarize failed: %w", err)
	}

	tag, err := s.analyzer.Classify(ctx, msg.ExtractedText)
	if err != nil {
		return fmt.Errorf("classify failed: %w", err)
	}

	changeSummary := domain.InitialVersionSummary
	if base != nil {
		changeSummary, err = s.changeSummary(ctx, base, msg.ExtractedText)
		if err != nil {
			return err
		}
	}

	next := domain.AnalysisCompleted{
		DocumentID:    msg.DocumentID,
		VersionID:     msg.VersionID,
		Summary:       summary,
		Tag:           tag,
		ExtractedText: msg.ExtractedText,
		ChangeSummary: changeSummary,
	}
	if err := s.pub.Publish(ctx, domain.QueueAnalysisFinished, next); err != nil {
		return fmt.Errorf("failed to publish analysis result: %w", err)
	}

	log.Info("analysis completed", "tag", tag, "has_diff_base", msg.DiffBaseVersionID != nil)
	return nil
}

// diffBase возвращает текст базовой версии. Пока база не прошла merge,
// сообщение откладывается; когда лимит ожидания исчерпан, возвращается
// то, что есть, чтобы сбой одной версии не держал следующие.
func (s *AnalysisStage) diffBase(ctx context.Context, log *logger.Logger, baseID int64) (*domain.ExtractedText, error) {
	base, err := s.texts.GetExtractedText(ctx, baseID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, broker.Permanent(fmt.Errorf("diff base version %d: %w", baseID, err))
		}
		return nil, fmt.Errorf("failed to fetch diff base text: %w", err)
	}
	if base.Ready {
		return base, nil
	}

	attempt := broker.Attempt(ctx)
	var age time.Duration
	if !base.CreatedAt.IsZero() {
		age = s.now().Sub(base.CreatedAt)
	}
	if !s.wait.exhausted(attempt, age) {
		return nil, fmt.Errorf("%w: version %d", domain.ErrBaseNotReady, baseID)
	}

	log.Warn("diff base never reached merge, comparing without waiting",
		"diff_base_version_id", baseID, "attempt", attempt, "base_age", age)
	return base, nil
}

func (s *AnalysisStage) changeSummary(ctx context.Context, base *domain.ExtractedText, newText string) (string, error) {
	if !base.Ready && strings.TrimSpace(base.ExtractedText) == "" {
		return domain.BaseUnavailableSummary, nil
	}
	out, err := s.analyzer.ChangeSummary(ctx, base.ExtractedText, newText)
	if err != nil {
		return "", fmt.Errorf("change summary failed: %w", err)
	}
	return out, nil
}
