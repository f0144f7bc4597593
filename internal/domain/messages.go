package domain

import (
	"fmt"
)

// Имена очередей пайплайна
const (
	QueueDocuments          = "documents"
	QueueExtractionFinished = "extraction-finished"
	QueueAnalysisFinished   = "analysis-finished"
)

// InitialVersionSummary записывается в changeSummary первой версии документа
const InitialVersionSummary = "Initial version."

// BaseUnavailableSummary записывается, когда базовая версия так и не
// получила текст и сравнивать не с чем
const BaseUnavailableSummary = "Previous version is unavailable for comparison."

// UploadStarted публикуется после коммита транзакции загрузки
type UploadStarted struct {
	DocumentID        int64  `json:"documentId"`
	VersionID         int64  `json:"versionId"`
	VersionNumber     int    `json:"versionNumber"`
	DiffBaseVersionID *int64 `json:"diffBaseVersionId"`
	Bucket            string `json:"bucket"`
	ObjectKey         string `json:"objectKey"`
	FileName          string `json:"fileName"`
	ContentType       string `json:"contentType"`
}

func (m *UploadStarted) Validate() error {
	if m.DocumentID <= 0 || m.VersionID <= 0 {
		return fmt.Errorf("%w: documentId and versionId are required", ErrValidation)
	}
	if m.ObjectKey == "" {
		return fmt.Errorf("%w: objectKey is required", ErrValidation)
	}
	return nil
}

// ExtractionCompleted несёт извлечённый текст и diffBaseVersionId без изменений
type ExtractionCompleted struct {
	DocumentID        int64  `json:"documentId"`
	VersionID         int64  `json:"versionId"`
	DiffBaseVersionID *int64 `json:"diffBaseVersionId"`
	ExtractedText     string `json:"extractedText"`
}

func (m *ExtractionCompleted) Validate() error {
	if m.DocumentID <= 0 || m.VersionID <= 0 {
		return fmt.Errorf("%w: documentId and versionId are required", ErrValidation)
	}
	return nil
}

type AnalysisCompleted struct {
	DocumentID    int64  `json:"documentId"`
	VersionID     int64  `json:"versionId"`
	Summary       string `json:"summary"`
	Tag           Tag    `json:"tag"`
	ExtractedText string `json:"extractedText"`
	ChangeSummary string `json:"changeSummary"`
}

func (m *AnalysisCompleted) Validate() error {
	if m.DocumentID <= 0 || m.VersionID <= 0 {
		return fmt.Errorf("%w: documentId and versionId are required", ErrValidation)
	}
	if !m.Tag.Valid() {
		return fmt.Errorf("%w: unknown tag %q", ErrValidation, m.Tag)
	}
	return nil
}

func (m *AnalysisCompleted) Result() AnalysisResult {
	return AnalysisResult{
		DocumentID:    m.DocumentID,
		VersionID:     m.VersionID,
		Summary:       m.Summary,
		Tag:           m.Tag,
		ExtractedText: m.ExtractedText,
		ChangeSummary: m.ChangeSummary,
	}
}

// OutboxEntry - событие, ожидающее публикации в брокер
type OutboxEntry struct {
	ID       int64  `db:"id"`
	Queue    string `db:"queue"`
	Payload  []byte `db:"payload"`
	Attempts int    `db:"attempts"`
}
