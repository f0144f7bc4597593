package domain

import (
	"time"
)

type DocumentVersion struct {
	ID                int64      `json:"id" db:"id"`
	DocumentID        int64      `json:"documentId" db:"document_id"`
	DiffBaseVersionID *int64     `json:"diffBaseVersionId" db:"diff_base_version_id"`
	VersionNumber     int        `json:"versionNumber" db:"version_number"`
	ObjectKey         string     `json:"objectKey" db:"object_key"`
	ContentType       string     `json:"contentType" db:"content_type"`
	SizeBytes         int64      `json:"sizeBytes" db:"size_bytes"`
	Content           string     `json:"ocrText" db:"content"`
	SummarizedContent string     `json:"summarizedContent" db:"summarized_content"`
	ChangeSummary     string     `json:"changeSummary" db:"change_summary"`
	Tag               Tag        `json:"tag" db:"tag"`
	CreatedAt         time.Time  `json:"createdAt" db:"created_at"`
	AnalyzedAt        *time.Time `json:"analyzedAt,omitempty" db:"analyzed_at"`
	RequeueCount      int        `json:"-" db:"requeue_count"`
	LastRequeuedAt    *time.Time `json:"-" db:"last_requeued_at"`
}

// VersionSummary представляет версию без извлечённого текста
type VersionSummary struct {
	ID                int64  `json:"id" db:"id"`
	DocumentID        int64  `json:"documentId" db:"document_id"`
	VersionNumber     int    `json:"versionNumber" db:"version_number"`
	DiffBaseVersionID *int64 `json:"diffBaseVersionId" db:"diff_base_version_id"`
	ContentType       string `json:"contentType" db:"content_type"`
	SizeBytes         int64  `json:"sizeBytes" db:"size_bytes"`
	Tag               Tag    `json:"tag" db:"tag"`
	SummarizedContent string `json:"summarizedContent" db:"summarized_content"`
	ChangeSummary     string `json:"changeSummary" db:"change_summary"`
}

// ExtractedText отдаётся стадии анализа через узкий read-only эндпоинт
type ExtractedText struct {
	VersionID     int64     `json:"versionId"`
	ExtractedText string    `json:"extractedText"`
	CreatedAt     time.Time `json:"createdAt"`

	// Ready выставляется, когда версия прошла merge и текст окончательный
	Ready bool `json:"ready"`
}

// AnalysisResult - поля, которые merge записывает на адресованную версию
type AnalysisResult struct {
	DocumentID    int64
	VersionID     int64
	Summary       string
	Tag           Tag
	ExtractedText string
	ChangeSummary string
}

// IsAnalyzed сообщает, достигла ли версия терминального состояния пайплайна
func (v *DocumentVersion) IsAnalyzed() bool {
	return v.AnalyzedAt != nil
}
