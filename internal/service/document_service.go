package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"paperflow/internal/domain"
	"paperflow/internal/logger"
	"paperflow/internal/objectstore"
)

const (
	maxFileNameLength   = 255
	maxUploadAttempts   = 5
	blobRemovalParallel = 4
	compensationTimeout = 30 * time.Second
	dispatchTimeout     = 5 * time.Second
)

// Допустимые типы документов и соответствующие расширения
var acceptedTypes = map[string][]string{
	"application/pdf": {".pdf"},
	"image/png":       {".png"},
	"image/jpeg":      {".jpg", ".jpeg"},
	"image/tiff":      {".tif", ".tiff"},
}

// DocumentStore - хранилище документов и версий
type DocumentStore interface {
	CreateVersion(ctx context.Context, nv domain.NewVersion) (*domain.UploadResult, error)
	GetDocument(ctx context.Context, id int64) (*domain.Document, error)
	ListDocuments(ctx context.Context) ([]domain.DocumentListItem, error)
	ListVersions(ctx context.Context, documentID int64) ([]domain.VersionSummary, error)
	GetVersion(ctx context.Context, id int64) (*domain.DocumentVersion, error)
	GetExtractedText(ctx context.Context, versionID int64) (*domain.ExtractedText, error)
	SetCurrentVersion(ctx context.Context, documentID, versionID int64) error
	BeginDelete(ctx context.Context, documentID int64) ([]domain.BlobRef, error)
	AbortDelete(ctx context.Context, documentID int64) error
	DeleteDocument(ctx context.Context, documentID int64, expectedVersions []int64) error
	ApplyAnalysis(ctx context.Context, res domain.AnalysisResult) error
}

// EventDispatcher публикует событие из outbox сразу после коммита
type EventDispatcher interface {
	Dispatch(ctx context.Context, outboxID int64) error
}

type UploadInput struct {
	FileName    string
	ContentType string
	Body        io.Reader
}

// DocumentService координирует загрузку, удаление и запись результатов пайплайна
type DocumentService struct {
	store          DocumentStore
	objects        objectstore.Storage
	dispatcher     EventDispatcher
	maxUploadBytes int64
	log            *logger.Logger

	// dispatchTimeout ограничивает публикацию после коммита
	dispatchTimeout time.Duration

	// retryBackOff создаёт задержки между повторами транзакции загрузки
	retryBackOff func() backoff.BackOff
}

func NewDocumentService(
	store DocumentStore,
	objects objectstore.Storage,
	dispatcher EventDispatcher,
	maxUploadBytes int64,
	log *logger.Logger,
) *DocumentService {
	return &DocumentService{
		store:          store,
		objects:        objects,
		dispatcher:     dispatcher,
		maxUploadBytes: maxUploadBytes,
		log:            log.With("component", "document_service"),

		dispatchTimeout: dispatchTimeout,
		retryBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 20 * time.Millisecond
			b.MaxInterval = 500 * time.Millisecond
			return b
		},
	}
}

// Upload создаёт новую версию документа. Порядок: проверка, объект в
// хранилище, транзакция в базе, публикация события (best effort).
func (s *DocumentService) Upload(ctx context.Context, in UploadInput) (*domain.UploadResult, error) {
	fileName := filepath.Base(strings.TrimSpace(in.FileName))
	if fileName == "" || fileName == "." || fileName == string(filepath.Separator) {
		return nil, fmt.Errorf("%w: file name is required", domain.ErrValidation)
	}
	if len(fileName) > maxFileNameLength {
		return nil, fmt.Errorf("%w: file name is longer than %d bytes", domain.ErrValidation, maxFileNameLength)
	}

	data, err := io.ReadAll(io.LimitReader(in.Body, s.maxUploadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read upload: %v", domain.ErrValidation, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, domain.ErrEmptyFile)
	}
	if int64(len(data)) > s.maxUploadBytes {
		return nil, fmt.Errorf("%w: %w: max size is %d bytes", domain.ErrValidation, domain.ErrFileTooLarge, s.maxUploadBytes)
	}

	contentType, err := resolveContentType(fileName, in.ContentType, data)
	if err != nil {
		return nil, err
	}

	objectKey := uuid.NewString() + strings.ToLower(filepath.Ext(fileName))
	log := s.log.With("file_name", fileName, "object_key", objectKey)

	// Объект пишется до любых изменений в базе
	if err := s.objects.Put(ctx, objectKey, data, contentType); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}

	nv := domain.NewVersion{
		FileName:    fileName,
		ObjectKey:   objectKey,
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
		Bucket:      s.objects.Bucket(),
	}

	attempt := 0
	result, err := backoff.Retry(ctx, func() (*domain.UploadResult, error) {
		attempt++
		res, err := s.store.CreateVersion(ctx, nv)
		if err != nil {
			if errors.Is(err, domain.ErrConcurrentModification) {
				log.Debug("upload transaction conflicted, retrying", "attempt", attempt, "error", err)
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return res, nil
	}, backoff.WithBackOff(s.retryBackOff()), backoff.WithMaxTries(maxUploadAttempts))
	if err != nil {
		s.compensate(ctx, log, objectKey)
		if errors.Is(err, domain.ErrPersistence) || errors.Is(err, domain.ErrDocumentDeleting) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}

	log = log.With("document_id", result.DocumentID, "version_id", result.VersionID)
	log.Info("document version created", "version_number", result.VersionNumber)

	// Событие уже лежит в outbox: если брокер недоступен, его отправит relay
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.dispatchTimeout)
	defer cancel()
	if err := s.dispatcher.Dispatch(dctx, result.OutboxID); err != nil {
		log.Warn("failed to publish upload event, relay will retry", "outbox_id", result.OutboxID, "error", err)
	}

	return result, nil
}

// compensate удаляет осиротевший объект; ошибка только логируется
func (s *DocumentService) compensate(ctx context.Context, log *logger.Logger, objectKey string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	if err := s.objects.Delete(cctx, objectKey); err != nil {
		log.Error("failed to remove orphaned object", "error", err)
		return
	}
	log.Info("removed orphaned object after failed upload transaction")
}

func resolveContentType(fileName, declared string, data []byte) (string, error) {
	detected := mimetype.Detect(data)
	ext := strings.ToLower(filepath.Ext(fileName))

	mediaType := ""
	if declared != "" {
		parsed, _, err := mime.ParseMediaType(declared)
		if err != nil {
			return "", fmt.Errorf("%w: %w: malformed content type %q", domain.ErrValidation, domain.ErrUnsupportedType, declared)
		}
		mediaType = strings.ToLower(parsed)
	}

	// Обобщённый тип допускается, если расширение и содержимое согласованы
	if mediaType == "" || mediaType == "application/octet-stream" {
		for candidate, exts := range acceptedTypes {
			if slices.Contains(exts, ext) && detected.Is(candidate) {
				return candidate, nil
			}
		}
		return "", fmt.Errorf("%w: %w: cannot determine type of %q", domain.ErrValidation, domain.ErrUnsupportedType, fileName)
	}

	if _, ok := acceptedTypes[mediaType]; !ok {
		return "", fmt.Errorf("%w: %w: %s", domain.ErrValidation, domain.ErrUnsupportedType, mediaType)
	}
	if !detected.Is(mediaType) {
		return "", fmt.Errorf("%w: %w: content is %s, declared %s",
			domain.ErrValidation, domain.ErrUnsupportedType, detected.String(), mediaType)
	}
	return mediaType, nil
}

// Delete удаляет документ целиком. Документ сначала помечается удаляемым,
// чтобы новые версии не появились между удалением объектов и строк. Если не
// удалось удалить хотя бы один объект, отметка снимается, строки остаются и
// возвращается ErrBlobRemoval.
func (s *DocumentService) Delete(ctx context.Context, documentID int64) error {
	log := s.log.With("document_id", documentID)

	refs, err := s.store.BeginDelete(ctx, documentID)
	if err != nil {
		return err
	}

	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed []string
	)
	g.SetLimit(blobRemovalParallel)
	for _, ref := range refs {
		g.Go(func() error {
			if err := s.objects.Delete(ctx, ref.ObjectKey); err != nil {
				log.Error("failed to remove version object", "version_id", ref.VersionID, "object_key", ref.ObjectKey, "error", err)
				mu.Lock()
				failed = append(failed, ref.ObjectKey)
				mu.Unlock()
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if abortErr := s.store.AbortDelete(context.WithoutCancel(ctx), documentID); abortErr != nil {
			log.Error("failed to clear deleting mark", "error", abortErr)
		}
		return fmt.Errorf("%w: %d of %d objects: %v", domain.ErrBlobRemoval, len(failed), len(refs), err)
	}

	versionIDs := make([]int64, 0, len(refs))
	for _, ref := range refs {
		versionIDs = append(versionIDs, ref.VersionID)
	}
	if err := s.store.DeleteDocument(ctx, documentID, versionIDs); err != nil {
		return err
	}

	log.Info("document deleted", "versions", len(refs))
	return nil
}

func (s *DocumentService) SetCurrentVersion(ctx context.Context, documentID, versionID int64) error {
	if err := s.store.SetCurrentVersion(ctx, documentID, versionID); err != nil {
		return err
	}
	s.log.Info("current version changed", "document_id", documentID, "version_id", versionID)
	return nil
}

// ApplyAnalysis записывает результат анализа на версию из сообщения
func (s *DocumentService) ApplyAnalysis(ctx context.Context, msg domain.AnalysisCompleted) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	return s.store.ApplyAnalysis(ctx, msg.Result())
}

func (s *DocumentService) List(ctx context.Context) ([]domain.DocumentListItem, error) {
	return s.store.ListDocuments(ctx)
}

func (s *DocumentService) Get(ctx context.Context, documentID int64) (*domain.DocumentDetails, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	versions, err := s.store.ListVersions(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return &domain.DocumentDetails{Document: *doc, Versions: versions}, nil
}

func (s *DocumentService) ListVersions(ctx context.Context, documentID int64) ([]domain.VersionSummary, error) {
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	return s.store.ListVersions(ctx, documentID)
}

func (s *DocumentService) GetVersion(ctx context.Context, versionID int64) (*domain.DocumentVersion, error) {
	return s.store.GetVersion(ctx, versionID)
}

func (s *DocumentService) GetExtractedText(ctx context.Context, versionID int64) (*domain.ExtractedText, error) {
	return s.store.GetExtractedText(ctx, versionID)
}

// OpenVersion открывает объект версии для скачивания
func (s *DocumentService) OpenVersion(ctx context.Context, versionID int64) (*domain.DocumentVersion, objectstore.Object, error) {
	v, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, nil, err
	}
	obj, err := s.objects.Get(ctx, v.ObjectKey)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	return v, obj, nil
}

// OpenCurrent открывает объект текущей версии документа
func (s *DocumentService) OpenCurrent(ctx context.Context, documentID int64) (*domain.Document, *domain.DocumentVersion, objectstore.Object, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, nil, nil, err
	}
	if doc.CurrentVersionID == nil {
		return nil, nil, nil, fmt.Errorf("%w: document %d has no versions", domain.ErrNotFound, documentID)
	}
	v, obj, err := s.OpenVersion(ctx, *doc.CurrentVersionID)
	if err != nil {
		return nil, nil, nil, err
	}
	return doc, v, obj, nil
}
