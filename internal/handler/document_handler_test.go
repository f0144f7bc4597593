package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paperflow/internal/domain"
	"paperflow/internal/logger"
	"paperflow/internal/objectstore"
	"paperflow/internal/service"
)

type fakeDocuments struct {
	uploadErr  error
	uploaded   service.UploadInput
	uploadBody string

	deleteErr  error
	deleted    int64
	setErr     error
	setCurrent [2]int64

	text *domain.ExtractedText
	blob string
}

func (f *fakeDocuments) Upload(_ context.Context, in service.UploadInput) (*domain.UploadResult, error) {
	f.uploaded = in
	body, _ := io.ReadAll(in.Body)
	f.uploadBody = string(body)
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	return &domain.UploadResult{DocumentID: 3, FileName: in.FileName, CurrentVersionID: 9, VersionID: 9, VersionNumber: 2}, nil
}

func (f *fakeDocuments) Delete(_ context.Context, id int64) error {
	f.deleted = id
	return f.deleteErr
}

func (f *fakeDocuments) SetCurrentVersion(_ context.Context, documentID, versionID int64) error {
	f.setCurrent = [2]int64{documentID, versionID}
	return f.setErr
}

func (f *fakeDocuments) List(context.Context) ([]domain.DocumentListItem, error) {
	return nil, nil
}

func (f *fakeDocuments) Get(_ context.Context, id int64) (*domain.DocumentDetails, error) {
	if id != 3 {
		return nil, domain.ErrNotFound
	}
	return &domain.DocumentDetails{Document: domain.Document{ID: 3, FileName: "отчёт.pdf"}}, nil
}

func (f *fakeDocuments) ListVersions(context.Context, int64) ([]domain.VersionSummary, error) {
	return []domain.VersionSummary{{ID: 9, DocumentID: 3, VersionNumber: 2}}, nil
}

func (f *fakeDocuments) GetVersion(_ context.Context, id int64) (*domain.DocumentVersion, error) {
	return &domain.DocumentVersion{ID: id, DocumentID: 3, VersionNumber: 2}, nil
}

func (f *fakeDocuments) GetExtractedText(_ context.Context, id int64) (*domain.ExtractedText, error) {
	if f.text == nil {
		return nil, fmt.Errorf("%w: version %d", domain.ErrNotFound, id)
	}
	return f.text, nil
}

func (f *fakeDocuments) OpenVersion(_ context.Context, id int64) (*domain.DocumentVersion, objectstore.Object, error) {
	v := &domain.DocumentVersion{ID: id, DocumentID: 3, VersionNumber: 2, ContentType: "application/pdf"}
	return v, blob{Reader: strings.NewReader(f.blob), size: int64(len(f.blob))}, nil
}

func (f *fakeDocuments) OpenCurrent(ctx context.Context, id int64) (*domain.Document, *domain.DocumentVersion, objectstore.Object, error) {
	details, err := f.Get(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	v, obj, _ := f.OpenVersion(ctx, 9)
	return &details.Document, v, obj, nil
}

type blob struct {
	*strings.Reader
	size int64
}

func (b blob) Close() error         { return nil }
func (b blob) ContentLength() int64 { return b.size }
func (b blob) ContentType() string  { return "application/octet-stream" }

func newTestRouter(docs *fakeDocuments) http.Handler {
	h := NewDocumentHandler(docs, 1<<20, logger.NewNop())
	return NewRouter(h, map[string]HealthCheck{}, 0, logger.NewNop())
}

func multipartBody(t *testing.T, field, name, content string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	require.NoError(t, mw.WriteField("comment", "ignored"))
	fw, err := mw.CreateFormFile(field, name)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return buf, mw.FormDataContentType()
}

func TestUpload(t *testing.T) {
	docs := &fakeDocuments{}
	router := newTestRouter(docs)

	body, ct := multipartBody(t, "file", "report.pdf", "%PDF-1.7")
	req := httptest.NewRequest(http.MethodPost, "/v1/documents", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "/v1/documents/3", rec.Header().Get("Location"))
	assert.Equal(t, "report.pdf", docs.uploaded.FileName)
	assert.Equal(t, "%PDF-1.7", docs.uploadBody)

	var res domain.UploadResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, int64(9), res.VersionID)
	assert.Equal(t, 2, res.VersionNumber)
}

func TestUploadRequiresFileField(t *testing.T) {
	router := newTestRouter(&fakeDocuments{})

	body, ct := multipartBody(t, "attachment", "report.pdf", "%PDF-1.7")
	req := httptest.NewRequest(http.MethodPost, "/v1/documents", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/documents", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadErrorStatuses(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"too large", fmt.Errorf("%w: %w", domain.ErrValidation, domain.ErrFileTooLarge), http.StatusRequestEntityTooLarge},
		{"unsupported", fmt.Errorf("%w: %w", domain.ErrValidation, domain.ErrUnsupportedType), http.StatusUnsupportedMediaType},
		{"empty", fmt.Errorf("%w: %w", domain.ErrValidation, domain.ErrEmptyFile), http.StatusBadRequest},
		{"storage", fmt.Errorf("%w: timeout", domain.ErrStorage), http.StatusBadGateway},
		{"persistence", fmt.Errorf("%w: deadlock", domain.ErrPersistence), http.StatusInternalServerError},
		{"document being deleted", fmt.Errorf("%w: document 3", domain.ErrDocumentDeleting), http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&fakeDocuments{uploadErr: tt.err})
			body, ct := multipartBody(t, "file", "a.pdf", "x")
			req := httptest.NewRequest(http.MethodPost, "/v1/documents", body)
			req.Header.Set("Content-Type", ct)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestPersistenceErrorDetailsAreHidden(t *testing.T) {
	router := newTestRouter(&fakeDocuments{uploadErr: fmt.Errorf("%w: pq: password authentication failed", domain.ErrPersistence)})
	body, ct := multipartBody(t, "file", "a.pdf", "x")
	req := httptest.NewRequest(http.MethodPost, "/v1/documents", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")
}

func TestDelete(t *testing.T) {
	docs := &fakeDocuments{}
	router := newTestRouter(docs)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/documents/3", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, int64(3), docs.deleted)

	docs.deleteErr = fmt.Errorf("%w: 1 of 2 objects", domain.ErrBlobRemoval)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/documents/3", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/documents/abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetCurrent(t *testing.T) {
	docs := &fakeDocuments{}
	router := newTestRouter(docs)

	req := httptest.NewRequest(http.MethodPut, "/v1/documents/3/current", strings.NewReader(`{"versionId": 7}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, [2]int64{3, 7}, docs.setCurrent)

	docs.setErr = domain.ErrVersionMismatch
	req = httptest.NewRequest(http.MethodPut, "/v1/documents/3/current", strings.NewReader(`{"versionId": 8}`))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)

	req = httptest.NewRequest(http.MethodPut, "/v1/documents/3/current", strings.NewReader(`{}`))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExtractedText(t *testing.T) {
	docs := &fakeDocuments{}
	router := newTestRouter(docs)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/extracted-text?versionId=5", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	docs.text = &domain.ExtractedText{
		VersionID: 5, ExtractedText: "hello", Ready: true,
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/extracted-text?versionId=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"versionId":5,"extractedText":"hello","createdAt":"2026-03-01T12:00:00Z","ready":true}`, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/extracted-text", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDownloadCurrent(t *testing.T) {
	router := newTestRouter(&fakeDocuments{blob: "%PDF-1.7 body"})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/documents/3/download", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "%PDF-1.7 body", rec.Body.String())
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, "13", rec.Header().Get("Content-Length"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename="document"`)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "filename*=UTF-8''%D0%BE%D1%82%D1%87%D1%91%D1%82.pdf")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/documents/4/download", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListReturnsEmptyArray(t *testing.T) {
	router := newTestRouter(&fakeDocuments{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/documents", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHealth(t *testing.T) {
	h := NewDocumentHandler(&fakeDocuments{}, 1<<20, logger.NewNop())
	router := NewRouter(h, map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
		"broker":   func(context.Context) error { return errors.New("disconnected") },
	}, 0, logger.NewNop())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"database":"ok","broker":"disconnected"}`, rec.Body.String())
}
