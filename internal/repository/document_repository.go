package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"paperflow/internal/domain"
)

type DocumentRepository struct {
	db *sqlx.DB
}

func NewDocumentRepository(db *sqlx.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// CreateVersion в одной транзакции находит или создаёт документ, добавляет
// версию, переставляет текущий указатель и кладёт UploadStarted в outbox.
func (r *DocumentRepository) CreateVersion(ctx context.Context, nv domain.NewVersion) (*domain.UploadResult, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, mapError(err, "begin upload transaction")
	}
	defer tx.Rollback()

	var documentID int64
	err = tx.QueryRowxContext(ctx, `
        INSERT INTO documents (file_name)
        VALUES ($1)
        ON CONFLICT (file_name) DO UPDATE SET file_name = EXCLUDED.file_name
        RETURNING id`, nv.FileName).Scan(&documentID)
	if err != nil {
		return nil, mapError(err, "find or create document")
	}

	// Блокируем строку документа: параллельные загрузки того же имени ждут здесь
	var (
		diffBase *int64
		deleting bool
	)
	err = tx.QueryRowxContext(ctx,
		`SELECT current_version_id, deleting_since IS NOT NULL FROM documents WHERE id = $1 FOR UPDATE`,
		documentID,
	).Scan(&diffBase, &deleting)
	if err != nil {
		return nil, mapError(err, "lock document")
	}
	if deleting {
		return nil, fmt.Errorf("%w: document %d", domain.ErrDocumentDeleting, documentID)
	}

	var nextNumber int
	err = tx.GetContext(ctx, &nextNumber,
		`SELECT COALESCE(MAX(version_number), 0) + 1 FROM document_versions WHERE document_id = $1`,
		documentID,
	)
	if err != nil {
		return nil, mapError(err, "read version high-water mark")
	}

	var versionID int64
	err = tx.QueryRowxContext(ctx, `
        INSERT INTO document_versions (
            document_id, diff_base_version_id, version_number,
            object_key, content_type, size_bytes
        ) VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING id`,
		documentID, diffBase, nextNumber, nv.ObjectKey, nv.ContentType, nv.SizeBytes,
	).Scan(&versionID)
	if err != nil {
		return nil, mapError(err, "insert version")
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE documents SET current_version_id = $1 WHERE id = $2`,
		versionID, documentID,
	); err != nil {
		return nil, mapError(err, "update current version")
	}

	outboxID, err := insertOutbox(ctx, tx, domain.QueueDocuments, domain.UploadStarted{
		DocumentID:        documentID,
		VersionID:         versionID,
		VersionNumber:     nextNumber,
		DiffBaseVersionID: diffBase,
		Bucket:            nv.Bucket,
		ObjectKey:         nv.ObjectKey,
		FileName:          nv.FileName,
		ContentType:       nv.ContentType,
	})
	if err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, mapError(err, "commit upload transaction")
	}

	return &domain.UploadResult{
		DocumentID:        documentID,
		FileName:          nv.FileName,
		CurrentVersionID:  versionID,
		VersionID:         versionID,
		VersionNumber:     nextNumber,
		DiffBaseVersionID: diffBase,
		ObjectKey:         nv.ObjectKey,
		OutboxID:          outboxID,
	}, nil
}

func (r *DocumentRepository) GetDocument(ctx context.Context, id int64) (*domain.Document, error) {
	var doc domain.Document
	err := r.db.GetContext(ctx, &doc,
		`SELECT id, file_name, created_at, current_version_id FROM documents WHERE id = $1`, id)
	if err != nil {
		return nil, mapError(err, "get document")
	}
	return &doc, nil
}

const versionSummaryColumns = `
    id, document_id, version_number, diff_base_version_id, content_type,
    size_bytes, tag, summarized_content, change_summary`

// ListDocuments возвращает документы вместе со сводкой текущей версии
func (r *DocumentRepository) ListDocuments(ctx context.Context) ([]domain.DocumentListItem, error) {
	var docs []domain.Document
	err := r.db.SelectContext(ctx, &docs,
		`SELECT id, file_name, created_at, current_version_id FROM documents ORDER BY file_name`)
	if err != nil {
		return nil, mapError(err, "list documents")
	}

	currentIDs := make([]int64, 0, len(docs))
	for _, d := range docs {
		if d.CurrentVersionID != nil {
			currentIDs = append(currentIDs, *d.CurrentVersionID)
		}
	}

	byID := make(map[int64]domain.VersionSummary, len(currentIDs))
	if len(currentIDs) > 0 {
		var current []domain.VersionSummary
		err = r.db.SelectContext(ctx, &current,
			`SELECT `+versionSummaryColumns+` FROM document_versions WHERE id = ANY($1)`,
			pq.Array(currentIDs),
		)
		if err != nil {
			return nil, mapError(err, "list current versions")
		}
		for _, v := range current {
			byID[v.ID] = v
		}
	}

	items := make([]domain.DocumentListItem, 0, len(docs))
	for _, d := range docs {
		item := domain.DocumentListItem{Document: d}
		if d.CurrentVersionID != nil {
			if v, ok := byID[*d.CurrentVersionID]; ok {
				item.Current = &v
			}
		}
		items = append(items, item)
	}
	return items, nil
}

// ListVersions возвращает версии документа, новые первыми
func (r *DocumentRepository) ListVersions(ctx context.Context, documentID int64) ([]domain.VersionSummary, error) {
	versions := []domain.VersionSummary{}
	err := r.db.SelectContext(ctx, &versions,
		`SELECT `+versionSummaryColumns+`
         FROM document_versions
         WHERE document_id = $1
         ORDER BY version_number DESC`,
		documentID,
	)
	if err != nil {
		return nil, mapError(err, "list versions")
	}
	return versions, nil
}

func (r *DocumentRepository) GetVersion(ctx context.Context, id int64) (*domain.DocumentVersion, error) {
	var v domain.DocumentVersion
	err := r.db.GetContext(ctx, &v, `SELECT * FROM document_versions WHERE id = $1`, id)
	if err != nil {
		return nil, mapError(err, "get version")
	}
	return &v, nil
}

func (r *DocumentRepository) GetExtractedText(ctx context.Context, versionID int64) (*domain.ExtractedText, error) {
	var row struct {
		ID        int64     `db:"id"`
		Content   string    `db:"content"`
		Ready     bool      `db:"ready"`
		CreatedAt time.Time `db:"created_at"`
	}
	err := r.db.GetContext(ctx, &row, `
        SELECT id, content, analyzed_at IS NOT NULL AS ready, created_at
        FROM document_versions
        WHERE id = $1`, versionID)
	if err != nil {
		return nil, mapError(err, "get extracted text")
	}
	return &domain.ExtractedText{
		VersionID:     row.ID,
		ExtractedText: row.Content,
		Ready:         row.Ready,
		CreatedAt:     row.CreatedAt,
	}, nil
}

// SetCurrentVersion переставляет текущий указатель на версию того же документа
func (r *DocumentRepository) SetCurrentVersion(ctx context.Context, documentID, versionID int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapError(err, "begin transaction")
	}
	defer tx.Rollback()

	var locked int64
	if err = tx.GetContext(ctx, &locked,
		`SELECT id FROM documents WHERE id = $1 FOR UPDATE`, documentID); err != nil {
		return mapError(err, "lock document")
	}

	var owner int64
	if err = tx.GetContext(ctx, &owner,
		`SELECT document_id FROM document_versions WHERE id = $1`, versionID); err != nil {
		return mapError(err, "get version owner")
	}
	if owner != documentID {
		return fmt.Errorf("%w: version %d belongs to document %d", domain.ErrVersionMismatch, versionID, owner)
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE documents SET current_version_id = $1 WHERE id = $2`, versionID, documentID); err != nil {
		return mapError(err, "update current version")
	}

	return mapError(tx.Commit(), "commit")
}

// BeginDelete помечает документ удаляемым и возвращает его объекты. Пока
// отметка стоит, CreateVersion для этого документа возвращает ErrDocumentDeleting.
func (r *DocumentRepository) BeginDelete(ctx context.Context, documentID int64) ([]domain.BlobRef, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, mapError(err, "begin transaction")
	}
	defer tx.Rollback()

	var locked int64
	if err = tx.GetContext(ctx, &locked,
		`SELECT id FROM documents WHERE id = $1 FOR UPDATE`, documentID); err != nil {
		return nil, mapError(err, "lock document")
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE documents SET deleting_since = COALESCE(deleting_since, CURRENT_TIMESTAMP) WHERE id = $1`,
		documentID); err != nil {
		return nil, mapError(err, "mark document deleting")
	}

	refs := []domain.BlobRef{}
	if err = tx.SelectContext(ctx, &refs,
		`SELECT id, object_key FROM document_versions WHERE document_id = $1 ORDER BY id`, documentID); err != nil {
		return nil, mapError(err, "list blob refs")
	}

	if err = tx.Commit(); err != nil {
		return nil, mapError(err, "commit")
	}
	return refs, nil
}

// AbortDelete снимает отметку удаления, загрузки снова принимаются
func (r *DocumentRepository) AbortDelete(ctx context.Context, documentID int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE documents SET deleting_since = NULL WHERE id = $1`, documentID)
	return mapError(err, "clear deleting mark")
}

// DeleteDocument удаляет документ и все его версии. expectedVersions - набор
// версий, чьи объекты уже удалены; если за это время набор изменился,
// возвращается ErrConcurrentModification и база не трогается.
func (r *DocumentRepository) DeleteDocument(ctx context.Context, documentID int64, expectedVersions []int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapError(err, "begin transaction")
	}
	defer tx.Rollback()

	var locked int64
	if err = tx.GetContext(ctx, &locked,
		`SELECT id FROM documents WHERE id = $1 FOR UPDATE`, documentID); err != nil {
		return mapError(err, "lock document")
	}

	var actual []int64
	if err = tx.SelectContext(ctx, &actual,
		`SELECT id FROM document_versions WHERE document_id = $1 ORDER BY id`, documentID); err != nil {
		return mapError(err, "list versions")
	}
	expected := slices.Clone(expectedVersions)
	slices.Sort(expected)
	if !slices.Equal(actual, expected) {
		return fmt.Errorf("%w: document %d gained or lost versions during delete", domain.ErrConcurrentModification, documentID)
	}

	// Сначала снимаем ссылку на текущую версию, иначе FK не даст удалить версии
	if _, err = tx.ExecContext(ctx,
		`UPDATE documents SET current_version_id = NULL WHERE id = $1`, documentID); err != nil {
		return mapError(err, "clear current version")
	}
	if _, err = tx.ExecContext(ctx,
		`DELETE FROM document_versions WHERE document_id = $1`, documentID); err != nil {
		return mapError(err, "delete versions")
	}
	if _, err = tx.ExecContext(ctx, `
        DELETE FROM pipeline_outbox
        WHERE published_at IS NULL AND (payload->>'documentId')::bigint = $1`, documentID); err != nil {
		return mapError(err, "delete pending events")
	}
	if _, err = tx.ExecContext(ctx,
		`DELETE FROM documents WHERE id = $1`, documentID); err != nil {
		return mapError(err, "delete document")
	}

	return mapError(tx.Commit(), "commit")
}

// ApplyAnalysis записывает результаты анализа на адресованную версию.
// Повторное применение того же результата даёт те же значения полей.
func (r *DocumentRepository) ApplyAnalysis(ctx context.Context, res domain.AnalysisResult) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapError(err, "begin transaction")
	}
	defer tx.Rollback()

	var owner int64
	if err = tx.GetContext(ctx, &owner,
		`SELECT document_id FROM document_versions WHERE id = $1 FOR UPDATE`, res.VersionID); err != nil {
		return mapError(err, "lock version")
	}
	if owner != res.DocumentID {
		return fmt.Errorf("%w: version %d belongs to document %d, message says %d",
			domain.ErrDocumentMismatch, res.VersionID, owner, res.DocumentID)
	}

	_, err = tx.ExecContext(ctx, `
        UPDATE document_versions
        SET content = $1,
            summarized_content = $2,
            tag = $3,
            change_summary = $4,
            analyzed_at = COALESCE(analyzed_at, CURRENT_TIMESTAMP)
        WHERE id = $5`,
		res.ExtractedText, res.Summary, res.Tag, res.ChangeSummary, res.VersionID,
	)
	if err != nil {
		return mapError(err, "apply analysis")
	}

	return mapError(tx.Commit(), "commit")
}

type stalledVersion struct {
	ID                int64  `db:"id"`
	DocumentID        int64  `db:"document_id"`
	VersionNumber     int    `db:"version_number"`
	DiffBaseVersionID *int64 `db:"diff_base_version_id"`
	ObjectKey         string `db:"object_key"`
	ContentType       string `db:"content_type"`
	FileName          string `db:"file_name"`
}

// RequeueStalled кладёт в outbox повторный UploadStarted для версий, не
// дошедших до merge за stallAfter. Возвращает id новых записей outbox.
func (r *DocumentRepository) RequeueStalled(ctx context.Context, stallAfter time.Duration, maxRequeues, limit int, bucket string) ([]int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, mapError(err, "begin transaction")
	}
	defer tx.Rollback()

	var stalled []stalledVersion
	err = tx.SelectContext(ctx, &stalled, `
        SELECT v.id, v.document_id, v.version_number, v.diff_base_version_id,
               v.object_key, v.content_type, d.file_name
        FROM document_versions v
        JOIN documents d ON d.id = v.document_id
        WHERE v.analyzed_at IS NULL
          AND v.requeue_count < $1
          AND COALESCE(v.last_requeued_at, v.created_at) < CURRENT_TIMESTAMP - $2 * INTERVAL '1 second'
        ORDER BY v.id
        LIMIT $3
        FOR UPDATE OF v SKIP LOCKED`,
		maxRequeues, stallAfter.Seconds(), limit,
	)
	if err != nil {
		return nil, mapError(err, "find stalled versions")
	}

	ids := make([]int64, 0, len(stalled))
	for _, v := range stalled {
		id, err := insertOutbox(ctx, tx, domain.QueueDocuments, domain.UploadStarted{
			DocumentID:        v.DocumentID,
			VersionID:         v.ID,
			VersionNumber:     v.VersionNumber,
			DiffBaseVersionID: v.DiffBaseVersionID,
			Bucket:            bucket,
			ObjectKey:         v.ObjectKey,
			FileName:          v.FileName,
			ContentType:       v.ContentType,
		})
		if err != nil {
			return nil, err
		}
		if _, err = tx.ExecContext(ctx, `
            UPDATE document_versions
            SET requeue_count = requeue_count + 1, last_requeued_at = CURRENT_TIMESTAMP
            WHERE id = $1`, v.ID); err != nil {
			return nil, mapError(err, "mark requeued")
		}
		ids = append(ids, id)
	}

	if err = tx.Commit(); err != nil {
		return nil, mapError(err, "commit")
	}
	return ids, nil
}

func insertOutbox(ctx context.Context, tx *sqlx.Tx, queue string, msg any) (int64, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to encode %s event: %w", queue, err)
	}

	var id int64
	// jsonb принимает текст; []byte lib/pq отправил бы как bytea
	err = tx.QueryRowxContext(ctx,
		`INSERT INTO pipeline_outbox (queue, payload) VALUES ($1, $2) RETURNING id`,
		queue, string(payload),
	).Scan(&id)
	if err != nil {
		return 0, mapError(err, "insert outbox event")
	}
	return id, nil
}
