package domain

import (
	"time"
)

// Document группирует версии по имени файла
type Document struct {
	ID               int64     `json:"id" db:"id"`
	FileName         string    `json:"fileName" db:"file_name"`
	CreatedAt        time.Time `json:"createdAt" db:"created_at"`
	CurrentVersionID *int64    `json:"currentVersionId" db:"current_version_id"`
}

// DocumentListItem представляет документ в списке вместе с текущей версией
type DocumentListItem struct {
	Document
	Current *VersionSummary `json:"currentVersion,omitempty"`
}

// DocumentDetails представляет документ со всеми версиями (новые первыми)
type DocumentDetails struct {
	Document
	Versions []VersionSummary `json:"versions"`
}

// NewVersion описывает входные данные для транзакции загрузки
type NewVersion struct {
	FileName    string
	ObjectKey   string
	ContentType string
	SizeBytes   int64
	Bucket      string
}

// UploadResult представляет результат загрузки новой версии
type UploadResult struct {
	DocumentID        int64  `json:"documentId"`
	FileName          string `json:"fileName"`
	CurrentVersionID  int64  `json:"currentVersionId"`
	VersionID         int64  `json:"versionId"`
	VersionNumber     int    `json:"versionNumber"`
	DiffBaseVersionID *int64 `json:"diffBaseVersionId"`
	ObjectKey         string `json:"objectKey"`

	// OutboxID указывает на запись UploadStarted в pipeline_outbox
	OutboxID int64 `json:"-"`
}

// BlobRef связывает версию с её объектом в хранилище
type BlobRef struct {
	VersionID int64  `db:"id"`
	ObjectKey string `db:"object_key"`
}
