package pipeline

import (
	"context"
	"errors"
	"fmt"

	"paperflow/internal/broker"
	"paperflow/internal/domain"
	"paperflow/internal/logger"
)

// ResultSink записывает результат анализа на адресованную версию
type ResultSink interface {
	ApplyAnalysis(ctx context.Context, msg domain.AnalysisCompleted) error
}

type MergeStage struct {
	sink ResultSink
	log  *logger.Logger
}

func NewMergeStage(sink ResultSink, log *logger.Logger) *MergeStage {
	return &MergeStage{sink: sink, log: log.With("component", "merge_stage")}
}

func (s *MergeStage) Handle(ctx context.Context, body []byte) error {
	msg, err := decode[domain.AnalysisCompleted](body)
	if err != nil {
		return err
	}

	err = s.sink.ApplyAnalysis(ctx, *msg)
	switch {
	case err == nil:
		s.log.Info("analysis merged", "document_id", msg.DocumentID, "version_id", msg.VersionID, "tag", msg.Tag)
		return nil
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrDocumentMismatch),
		errors.Is(err, domain.ErrValidation):
		return broker.Permanent(err)
	default:
		return fmt.Errorf("failed to merge analysis: %w", err)
	}
}
