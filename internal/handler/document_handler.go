package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"paperflow/internal/domain"
	"paperflow/internal/logger"
	"paperflow/internal/objectstore"
	"paperflow/internal/service"
)

// DocumentService - операции, которые REST-слой вызывает у сервиса документов
type DocumentService interface {
	Upload(ctx context.Context, in service.UploadInput) (*domain.UploadResult, error)
	Delete(ctx context.Context, documentID int64) error
	SetCurrentVersion(ctx context.Context, documentID, versionID int64) error
	List(ctx context.Context) ([]domain.DocumentListItem, error)
	Get(ctx context.Context, documentID int64) (*domain.DocumentDetails, error)
	ListVersions(ctx context.Context, documentID int64) ([]domain.VersionSummary, error)
	GetVersion(ctx context.Context, versionID int64) (*domain.DocumentVersion, error)
	GetExtractedText(ctx context.Context, versionID int64) (*domain.ExtractedText, error)
	OpenVersion(ctx context.Context, versionID int64) (*domain.DocumentVersion, objectstore.Object, error)
	OpenCurrent(ctx context.Context, documentID int64) (*domain.Document, *domain.DocumentVersion, objectstore.Object, error)
}

type DocumentHandler struct {
	documents      DocumentService
	maxUploadBytes int64
	log            *logger.Logger
}

type setCurrentRequest struct {
	VersionID int64 `json:"versionId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// multipartOverhead - запас на заголовки multipart поверх размера файла
const multipartOverhead = 1 << 20

func NewDocumentHandler(documents DocumentService, maxUploadBytes int64, log *logger.Logger) *DocumentHandler {
	return &DocumentHandler{
		documents:      documents,
		maxUploadBytes: maxUploadBytes,
		log:            log.With("component", "document_handler"),
	}
}

// Routes регистрирует маршруты документов внутри /v1
func (h *DocumentHandler) Routes(r chi.Router) {
	r.Route("/documents", func(r chi.Router) {
		r.Post("/", h.Upload)
		r.Get("/", h.List)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Delete("/", h.Delete)
			r.Get("/versions", h.ListVersions)
			r.Get("/download", h.DownloadCurrent)
			r.Put("/current", h.SetCurrent)
		})
	})

	r.Route("/versions/{id}", func(r chi.Router) {
		r.Get("/", h.GetVersion)
		r.Get("/download", h.DownloadVersion)
	})

	r.Get("/extracted-text", h.ExtractedText)
}

// Upload принимает multipart-поле "file". Файл читается потоком, без
// промежуточного сохранения на диск.
func (h *DocumentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+multipartOverhead)

	reader, err := r.MultipartReader()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "multipart/form-data body is required"})
		return
	}

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: `form field "file" is required`})
			return
		}
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: domain.ErrFileTooLarge.Error()})
				return
			}
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed multipart body"})
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}

		result, err := h.documents.Upload(r.Context(), service.UploadInput{
			FileName:    part.FileName(),
			ContentType: part.Header.Get("Content-Type"),
			Body:        part,
		})
		part.Close()
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		w.Header().Set("Location", fmt.Sprintf("/v1/documents/%d", result.DocumentID))
		writeJSON(w, http.StatusCreated, result)
		return
	}
}

func (h *DocumentHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.documents.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []domain.DocumentListItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *DocumentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	details, err := h.documents.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (h *DocumentHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	versions, err := h.documents.ListVersions(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if versions == nil {
		versions = []domain.VersionSummary{}
	}
	writeJSON(w, http.StatusOK, versions)
}

// Delete удаляет документ вместе со всеми версиями. Если хотя бы один объект
// не удалось убрать из хранилища, записи в базе остаются.
func (h *DocumentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.documents.Delete(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DocumentHandler) SetCurrent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req setCurrentRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil || req.VersionID <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "body must be {\"versionId\": <positive integer>}"})
		return
	}
	if err := h.documents.SetCurrentVersion(r.Context(), id, req.VersionID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DocumentHandler) GetVersion(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	v, err := h.documents.GetVersion(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ExtractedText - узкий read-only эндпоинт для стадии анализа
func (h *DocumentHandler) ExtractedText(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.URL.Query().Get("versionId"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "versionId query parameter is required"})
		return
	}
	text, err := h.documents.GetExtractedText(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, text)
}

func (h *DocumentHandler) DownloadCurrent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	doc, v, obj, err := h.documents.OpenCurrent(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer obj.Close()
	h.stream(w, r, doc.FileName, v, obj)
}

func (h *DocumentHandler) DownloadVersion(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	v, obj, err := h.documents.OpenVersion(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer obj.Close()

	name := fmt.Sprintf("version-%d", v.VersionNumber)
	if details, err := h.documents.Get(r.Context(), v.DocumentID); err == nil {
		name = fmt.Sprintf("v%d-%s", v.VersionNumber, details.FileName)
	}
	h.stream(w, r, name, v, obj)
}

func (h *DocumentHandler) stream(w http.ResponseWriter, r *http.Request, fileName string, v *domain.DocumentVersion, obj objectstore.Object) {
	encodedName := url.PathEscape(fileName)
	asciiName := strings.ReplaceAll(fileName, `"`, `\"`)
	if !isASCII(asciiName) {
		asciiName = "document"
	}

	contentType := v.ContentType
	if contentType == "" {
		contentType = obj.ContentType()
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, asciiName, encodedName))
	if n := obj.ContentLength(); n > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(n, 10))
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, obj); err != nil {
		h.log.Warn("download interrupted", "version_id", v.ID, "path", r.URL.Path, "error", err)
	}
}

func (h *DocumentHandler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid id"})
		return 0, false
	}
	return id, true
}

// statusFor сопоставляет доменные ошибки с HTTP-кодами.
// Порядок важен: ErrFileTooLarge и ErrUnsupportedType обёрнуты в ErrValidation.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrVersionMismatch), errors.Is(err, domain.ErrConcurrentModification),
		errors.Is(err, domain.ErrDocumentDeleting):
		return http.StatusConflict
	case errors.Is(err, domain.ErrStorage), errors.Is(err, domain.ErrBlobRemoval):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *DocumentHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
	} else {
		h.log.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// клиент мог уже отключиться, писать больше некуда
	_ = json.NewEncoder(w).Encode(body)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}
