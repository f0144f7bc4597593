package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"sync"
	"time"

	"paperflow/internal/domain"
	"paperflow/internal/objectstore"
)

type fakeStore struct {
	mu sync.Mutex

	docs     map[int64]*domain.Document
	byName   map[string]int64
	versions map[int64]*domain.DocumentVersion
	deleting map[int64]bool

	nextDocID     int64
	nextVersionID int64
	nextOutboxID  int64

	// createErrs возвращаются по одной на каждый вызов CreateVersion
	createErrs  []error
	createCalls int
	deleteCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:     make(map[int64]*domain.Document),
		byName:   make(map[string]int64),
		versions: make(map[int64]*domain.DocumentVersion),
		deleting: make(map[int64]bool),
	}
}

func (f *fakeStore) CreateVersion(_ context.Context, nv domain.NewVersion) (*domain.UploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createCalls++
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	docID, ok := f.byName[nv.FileName]
	if !ok {
		f.nextDocID++
		docID = f.nextDocID
		f.byName[nv.FileName] = docID
		f.docs[docID] = &domain.Document{ID: docID, FileName: nv.FileName, CreatedAt: time.Now()}
	}
	doc := f.docs[docID]
	if f.deleting[docID] {
		return nil, fmt.Errorf("%w: document %d", domain.ErrDocumentDeleting, docID)
	}

	next := 1
	for _, v := range f.versions {
		if v.DocumentID == docID && v.VersionNumber >= next {
			next = v.VersionNumber + 1
		}
	}

	f.nextVersionID++
	f.nextOutboxID++
	v := &domain.DocumentVersion{
		ID:                f.nextVersionID,
		DocumentID:        docID,
		DiffBaseVersionID: doc.CurrentVersionID,
		VersionNumber:     next,
		ObjectKey:         nv.ObjectKey,
		ContentType:       nv.ContentType,
		SizeBytes:         nv.SizeBytes,
		Tag:               domain.TagUnclassified,
		CreatedAt:         time.Now(),
	}
	f.versions[v.ID] = v
	diffBase := doc.CurrentVersionID
	id := v.ID
	doc.CurrentVersionID = &id

	return &domain.UploadResult{
		DocumentID:        docID,
		FileName:          nv.FileName,
		CurrentVersionID:  v.ID,
		VersionID:         v.ID,
		VersionNumber:     next,
		DiffBaseVersionID: diffBase,
		ObjectKey:         nv.ObjectKey,
		OutboxID:          f.nextOutboxID,
	}, nil
}

func (f *fakeStore) GetDocument(_ context.Context, id int64) (*domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: document %d", domain.ErrNotFound, id)
	}
	cp := *doc
	return &cp, nil
}

func (f *fakeStore) ListDocuments(context.Context) ([]domain.DocumentListItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []domain.DocumentListItem
	for _, d := range f.docs {
		items = append(items, domain.DocumentListItem{Document: *d})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].FileName < items[j].FileName })
	return items, nil
}

func (f *fakeStore) ListVersions(_ context.Context, documentID int64) ([]domain.VersionSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.VersionSummary
	for _, v := range f.versions {
		if v.DocumentID == documentID {
			out = append(out, domain.VersionSummary{
				ID:            v.ID,
				DocumentID:    v.DocumentID,
				VersionNumber: v.VersionNumber,
				Tag:           v.Tag,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber > out[j].VersionNumber })
	return out, nil
}

func (f *fakeStore) GetVersion(_ context.Context, id int64) (*domain.DocumentVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.versions[id]
	if !ok {
		return nil, fmt.Errorf("%w: version %d", domain.ErrNotFound, id)
	}
	cp := *v
	return &cp, nil
}

func (f *fakeStore) GetExtractedText(ctx context.Context, versionID int64) (*domain.ExtractedText, error) {
	v, err := f.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	return &domain.ExtractedText{VersionID: v.ID, ExtractedText: v.Content, Ready: v.IsAnalyzed()}, nil
}

func (f *fakeStore) SetCurrentVersion(_ context.Context, documentID, versionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[documentID]
	if !ok {
		return domain.ErrNotFound
	}
	v, ok := f.versions[versionID]
	if !ok {
		return domain.ErrNotFound
	}
	if v.DocumentID != documentID {
		return domain.ErrVersionMismatch
	}
	doc.CurrentVersionID = &versionID
	return nil
}

func (f *fakeStore) BeginDelete(_ context.Context, documentID int64) ([]domain.BlobRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[documentID]; !ok {
		return nil, fmt.Errorf("%w: document %d", domain.ErrNotFound, documentID)
	}
	f.deleting[documentID] = true
	var refs []domain.BlobRef
	for _, v := range f.versions {
		if v.DocumentID == documentID {
			refs = append(refs, domain.BlobRef{VersionID: v.ID, ObjectKey: v.ObjectKey})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].VersionID < refs[j].VersionID })
	return refs, nil
}

func (f *fakeStore) AbortDelete(_ context.Context, documentID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.deleting, documentID)
	return nil
}

func (f *fakeStore) DeleteDocument(_ context.Context, documentID int64, expected []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	doc, ok := f.docs[documentID]
	if !ok {
		return domain.ErrNotFound
	}
	var actual []int64
	for _, v := range f.versions {
		if v.DocumentID == documentID {
			actual = append(actual, v.ID)
		}
	}
	slices.Sort(actual)
	exp := slices.Clone(expected)
	slices.Sort(exp)
	if !slices.Equal(actual, exp) {
		return domain.ErrConcurrentModification
	}
	for _, id := range actual {
		delete(f.versions, id)
	}
	delete(f.byName, doc.FileName)
	delete(f.docs, documentID)
	delete(f.deleting, documentID)
	return nil
}

func (f *fakeStore) ApplyAnalysis(_ context.Context, res domain.AnalysisResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.versions[res.VersionID]
	if !ok {
		return fmt.Errorf("%w: version %d", domain.ErrNotFound, res.VersionID)
	}
	if v.DocumentID != res.DocumentID {
		return domain.ErrDocumentMismatch
	}
	v.Content = res.ExtractedText
	v.SummarizedContent = res.Summary
	v.Tag = res.Tag
	v.ChangeSummary = res.ChangeSummary
	if v.AnalyzedAt == nil {
		now := time.Now()
		v.AnalyzedAt = &now
	}
	return nil
}

type fakeObjects struct {
	mu         sync.Mutex
	objects    map[string][]byte
	putErr     error
	failDelete map[string]bool
	// failAllDeletes ломает удаление любого ключа
	failAllDeletes bool
	deleted        []string
	// beforeDelete вызывается до удаления, вне блокировки
	beforeDelete func(key string)
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte), failDelete: make(map[string]bool)}
}

func (f *fakeObjects) Bucket() string { return "documents" }

func (f *fakeObjects) Put(_ context.Context, key string, data []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.objects[key] = slices.Clone(data)
	return nil
}

func (f *fakeObjects) Get(_ context.Context, key string) (objectstore.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: object %s", domain.ErrNotFound, key)
	}
	return &memObject{Reader: bytes.NewReader(data), size: int64(len(data))}, nil
}

func (f *fakeObjects) Delete(_ context.Context, key string) error {
	if f.beforeDelete != nil {
		f.beforeDelete(key)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAllDeletes || f.failDelete[key] {
		return errors.New("storage unavailable")
	}
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeObjects) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

type memObject struct {
	*bytes.Reader
	size int64
}

func (o *memObject) Close() error         { return nil }
func (o *memObject) ContentLength() int64 { return o.size }
func (o *memObject) ContentType() string  { return "application/octet-stream" }

var _ io.ReadCloser = (*memObject)(nil)

type fakeDispatcher struct {
	mu  sync.Mutex
	err error
	ids []int64
	// block заставляет Dispatch ждать отмены контекста
	block bool
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, id int64) error {
	f.mu.Lock()
	f.ids = append(f.ids, id)
	block, err := f.block, f.err
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}
