package domain

import "errors"

var (
	ErrValidation      = errors.New("validation failed")
	ErrUnsupportedType = errors.New("unsupported document type")
	ErrEmptyFile       = errors.New("file is empty")
	ErrFileTooLarge    = errors.New("file size exceeds maximum allowed size")

	ErrStorage     = errors.New("object storage operation failed")
	ErrPersistence = errors.New("database operation failed")

	ErrNotFound               = errors.New("not found")
	ErrVersionMismatch        = errors.New("version does not belong to document")
	ErrDocumentMismatch       = errors.New("message document does not own version")
	ErrConcurrentModification = errors.New("document was modified concurrently")
	ErrBlobRemoval            = errors.New("failed to remove stored objects")
	ErrDocumentDeleting       = errors.New("document is being deleted")

	// ErrBaseNotReady - у базовой версии ещё нет окончательного текста
	ErrBaseNotReady = errors.New("diff base version is not analyzed yet")
)
