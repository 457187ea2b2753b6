package ingestion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/your-org/lungscreen/internal/validation"
	"github.com/your-org/lungscreen/pkg/metrics"
	"github.com/your-org/lungscreen/pkg/storage/objectstore"
)

// HTTPConfig tunes request parsing and cross-origin access.
type HTTPConfig struct {
	// FieldMaxBytes caps each text field of the upload form.
	FieldMaxBytes int64
	// OverheadBytes is allowed on top of the size limit for multipart framing and text fields.
	OverheadBytes  int64
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// HTTPHandler exposes REST endpoints for the ingestion service.
type HTTPHandler struct {
	service        *Service
	logger         *zap.Logger
	fieldMaxBytes  int64
	overheadBytes  int64
	allowedOrigins []string
	requestTimeout time.Duration
	router         chi.Router
}

type uploadResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	File    fileResponse `json:"file"`
}

type fileResponse struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// NewHTTPHandler constructs the HTTP handler and wires routes.
func NewHTTPHandler(service *Service, logger *zap.Logger, cfg HTTPConfig) *HTTPHandler {
	if cfg.FieldMaxBytes <= 0 {
		cfg.FieldMaxBytes = 4 << 10
	}
	if cfg.OverheadBytes <= 0 {
		cfg.OverheadBytes = 1 << 20
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Minute
	}

	h := &HTTPHandler{
		service:        service,
		logger:         logger,
		fieldMaxBytes:  cfg.FieldMaxBytes,
		overheadBytes:  cfg.OverheadBytes,
		allowedOrigins: cfg.AllowedOrigins,
		requestTimeout: cfg.RequestTimeout,
	}
	h.buildRouter()
	return h
}

func (h *HTTPHandler) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	if len(h.allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: h.allowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			MaxAge:         300,
		}))
	}
	r.Use(middleware.Timeout(h.requestTimeout))

	r.Get("/healthz", h.handleHealth)
	r.Post("/upload", h.handleUpload)
	r.Post("/api/v1/uploads", h.handleUpload)
	r.Get("/api/images/{key}", h.handleGetImage)
	r.Delete("/api/images/{key}", h.handleDeleteImage)

	h.router = r
}

// Router exposes the configured chi router.
func (h *HTTPHandler) Router() http.Handler {
	return h.router
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *HTTPHandler) handleUpload(w http.ResponseWriter, r *http.Request) {
	bodyLimit := h.service.MaxSizeBytes() + h.overheadBytes
	body := &limitedBody{ReadCloser: http.MaxBytesReader(w, r.Body, bodyLimit)}
	r.Body = body

	form, err := h.readUploadForm(r)
	if err != nil {
		if body.exceeded {
			err = fmt.Errorf("%w: request body exceeds %d bytes", validation.ErrPayloadTooLarge, bodyLimit)
		}
		if errors.Is(err, errInvalidForm) {
			metrics.UploadsTotal.WithLabelValues("invalid_form").Inc()
			h.logger.Info("upload rejected: invalid multipart form", zap.Error(err))
			writeError(w, http.StatusBadRequest, msgInvalidForm)
			return
		}
		h.writeUploadError(w, r, err)
		return
	}

	result, err := h.service.ProcessUpload(r.Context(), bytes.NewReader(form.data), int64(len(form.data)), UploadOptions{
		Filename:    form.fileName,
		ContentType: form.contentType,
		PatientID:   form.patientID,
		StudyID:     form.studyID,
	})
	if err != nil {
		h.writeUploadError(w, r, err)
		return
	}

	metrics.UploadsTotal.WithLabelValues(outcomeLabel(nil)).Inc()
	metrics.UploadBytes.Observe(float64(result.Object.SizeBytes))

	writeJSON(w, http.StatusOK, uploadResponse{
		Success: true,
		Message: msgUploadSucceeded,
		File: fileResponse{
			ID:          result.Object.Key,
			URL:         result.Object.URL,
			FileName:    result.Record.FileName,
			ContentType: result.Record.DeclaredContentType,
			Size:        result.Object.SizeBytes,
		},
	})
}

var errInvalidForm = errors.New("invalid multipart form")

type uploadForm struct {
	fileName    string
	contentType string
	data        []byte
	patientID   string
	studyID     string
}

// readUploadForm streams the multipart body. The file part's type is checked
// from its header before any of its bytes are read, then the part is read up
// to the size limit. Text fields may come before or after the file; the last
// value of a repeated field wins.
func (h *HTTPHandler) readUploadForm(r *http.Request) (*uploadForm, error) {
	mr, err := r.MultipartReader()
	if errors.Is(err, http.ErrNotMultipart) {
		return nil, ErrMissingFile
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidForm, err)
	}

	var (
		form    uploadForm
		hasFile bool
	)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errInvalidForm, err)
		}

		switch part.FormName() {
		case "file":
			if hasFile {
				break
			}
			contentType := part.Header.Get("Content-Type")
			if err := h.service.CheckType(contentType); err != nil {
				part.Close()
				return nil, err
			}
			data, err := readPayload(part, h.service.MaxSizeBytes())
			if err != nil {
				part.Close()
				return nil, err
			}
			form.fileName = part.FileName()
			form.contentType = contentType
			form.data = data
			hasFile = true
		case "patientId":
			if form.patientID, err = h.readField(part); err != nil {
				part.Close()
				return nil, err
			}
		case "studyId":
			if form.studyID, err = h.readField(part); err != nil {
				part.Close()
				return nil, err
			}
		}
		part.Close()
	}

	if !hasFile {
		return nil, ErrMissingFile
	}
	return &form, nil
}

func (h *HTTPHandler) readField(part io.Reader) (string, error) {
	value, err := io.ReadAll(io.LimitReader(part, h.fieldMaxBytes+1))
	if err != nil {
		return "", fmt.Errorf("%w: %w", errInvalidForm, err)
	}
	if int64(len(value)) > h.fieldMaxBytes {
		return "", fmt.Errorf("%w: field exceeds %d bytes", errInvalidForm, h.fieldMaxBytes)
	}
	return string(value), nil
}

func (h *HTTPHandler) writeUploadError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := describeUploadError(err, h.service.MaxSizeBytes())
	metrics.UploadsTotal.WithLabelValues(outcomeLabel(err)).Inc()

	fields := []zap.Field{
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	}
	if IsClientError(err) {
		h.logger.Info("upload rejected", fields...)
	} else {
		h.logger.Error("upload failed", fields...)
	}
	writeError(w, status, msg)
}

func (h *HTTPHandler) handleGetImage(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !objectstore.ValidKey(key) {
		writeError(w, http.StatusNotFound, msgImageNotFound)
		return
	}

	data, contentType, err := h.service.FetchObject(r.Context(), key)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, msgImageNotFound)
			return
		}
		h.logger.Error("retrieve failed", zap.String("key", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, msgRetrieveFailed)
		return
	}

	if contentType == "" {
		contentType = detectContentType(data)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	// Keys are never reused, so the payload behind a URL never changes.
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	w.Write(data) //nolint:errcheck
}

func (h *HTTPHandler) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !objectstore.ValidKey(key) {
		writeError(w, http.StatusNotFound, msgImageNotFound)
		return
	}

	if err := h.service.DeleteObject(r.Context(), key); err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, msgImageNotFound)
			return
		}
		h.logger.Error("delete failed", zap.String("key", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, msgDeleteFailed)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// limitedBody remembers whether the size cap was hit; multipart parsing
// does not always keep the *http.MaxBytesError in its error chain.
type limitedBody struct {
	io.ReadCloser
	exceeded bool
}

func (b *limitedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	var tooLarge *http.MaxBytesError
	if err != nil && errors.As(err, &tooLarge) {
		b.exceeded = true
	}
	return n, err
}

// detectContentType sniffs objects stored without a content type; DICOM Part 10 files carry "DICM"
// after a 128 byte preamble, which net/http does not know about.
func detectContentType(data []byte) string {
	if len(data) >= 132 && string(data[128:132]) == "DICM" {
		return "application/dicom"
	}
	return http.DetectContentType(data)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"error": msg,
	})
}
