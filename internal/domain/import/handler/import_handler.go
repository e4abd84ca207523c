package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/FACorreiaa/marketplace-ledger/internal/domain/import/parser"
	"github.com/FACorreiaa/marketplace-ledger/internal/domain/import/repository"
	importservice "github.com/FACorreiaa/marketplace-ledger/internal/domain/import/service"
	"github.com/FACorreiaa/marketplace-ledger/pkg/interceptors"
)

// ImportService is the part of the import service the handler calls
type ImportService interface {
	Submit(ctx context.Context, req importservice.SubmitRequest) (*importservice.SubmitResult, error)
	GetJob(ctx context.Context, tenantID, jobID uuid.UUID) (*repository.ImportJob, error)
	ListJobs(ctx context.Context, tenantID uuid.UUID, limit int) ([]*repository.ImportJob, error)
}

// ImportHandler serves the upload trigger and job polling endpoints
type ImportHandler struct {
	importSvc      ImportService
	maxUploadBytes int64
	logger         *slog.Logger
}

// NewImportHandler creates a new import handler
func NewImportHandler(importSvc ImportService, maxUploadBytes int64, logger *slog.Logger) *ImportHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 32 << 20
	}
	return &ImportHandler{
		importSvc:      importSvc,
		maxUploadBytes: maxUploadBytes,
		logger:         logger,
	}
}

// Register mounts the routes. upload wraps the upload endpoint, typically
// with a rate limiter.
func (h *ImportHandler) Register(r *mux.Router, upload func(http.Handler) http.Handler) {
	var uploadHandler http.Handler = http.HandlerFunc(h.Upload)
	if upload != nil {
		uploadHandler = upload(uploadHandler)
	}
	r.Handle("/imports", uploadHandler).Methods(http.MethodPost)
	r.HandleFunc("/imports", h.ListJobs).Methods(http.MethodGet)
	r.HandleFunc("/imports/{id}", h.GetJob).Methods(http.MethodGet)
	r.HandleFunc("/channels", h.ListChannels).Methods(http.MethodGet)
}

// Upload accepts a multipart report (file, channel, account_label) and
// answers 202 with the queued job.
func (h *ImportHandler) Upload(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := interceptors.GetTenantIDFromContext(r.Context())
	if !ok {
		interceptors.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			interceptors.WriteError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", h.maxUploadBytes))
			return
		}
		interceptors.WriteError(w, http.StatusBadRequest, "expected a multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		interceptors.WriteError(w, http.StatusBadRequest, "missing 'file' field")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxUploadBytes+1))
	if err != nil {
		interceptors.WriteError(w, http.StatusBadRequest, "could not read upload")
		return
	}
	if int64(len(data)) > h.maxUploadBytes {
		interceptors.WriteError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", h.maxUploadBytes))
		return
	}

	result, err := h.importSvc.Submit(r.Context(), importservice.SubmitRequest{
		TenantID:     tenantID,
		Channel:      r.FormValue("channel"),
		AccountLabel: r.FormValue("account_label"),
		Filename:     header.Filename,
		ContentType:  header.Header.Get("Content-Type"),
		Data:         data,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	interceptors.WriteJSON(w, http.StatusAccepted, result)
}

// GetJob returns one job snapshot
func (h *ImportHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := interceptors.GetTenantIDFromContext(r.Context())
	if !ok {
		interceptors.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	jobID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		interceptors.WriteError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := h.importSvc.GetJob(r.Context(), tenantID, jobID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	interceptors.WriteJSON(w, http.StatusOK, job)
}

// ListJobs returns the tenant's recent jobs, newest first
func (h *ImportHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := interceptors.GetTenantIDFromContext(r.Context())
	if !ok {
		interceptors.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			interceptors.WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	jobs, err := h.importSvc.ListJobs(r.Context(), tenantID, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*repository.ImportJob{}
	}
	interceptors.WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type channelInfo struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// ListChannels returns the supported sales channels
func (h *ImportHandler) ListChannels(w http.ResponseWriter, _ *http.Request) {
	channels := parser.Channels()
	out := make([]channelInfo, len(channels))
	for i, c := range channels {
		out[i] = channelInfo{ID: c.String(), Label: c.Label()}
	}
	interceptors.WriteJSON(w, http.StatusOK, map[string]any{"channels": out})
}

func (h *ImportHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, parser.ErrUnknownChannel):
		interceptors.WriteError(w, http.StatusBadRequest, err.Error())
	case parser.IsUnsupportedFormat(err):
		interceptors.WriteError(w, http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, repository.ErrJobNotFound):
		interceptors.WriteError(w, http.StatusNotFound, "import job not found")
	default:
		h.logger.ErrorContext(r.Context(), "import request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		interceptors.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
