package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/marketplace-ledger/internal/domain/import/parser"
	"github.com/FACorreiaa/marketplace-ledger/internal/domain/import/repository"
	importservice "github.com/FACorreiaa/marketplace-ledger/internal/domain/import/service"
	"github.com/FACorreiaa/marketplace-ledger/pkg/interceptors"
)

type fakeService struct {
	submitted *importservice.SubmitRequest
	submitErr error
	job       *repository.ImportJob
	jobs      []*repository.ImportJob
	getErr    error
	limit     int
}

func (f *fakeService) Submit(_ context.Context, req importservice.SubmitRequest) (*importservice.SubmitResult, error) {
	f.submitted = &req
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &importservice.SubmitResult{
		Job:   &repository.ImportJob{ID: uuid.New(), TenantID: req.TenantID, Status: repository.StatusPending, TotalRows: 1},
		Novel: 1,
	}, nil
}

func (f *fakeService) GetJob(_ context.Context, _, _ uuid.UUID) (*repository.ImportJob, error) {
	return f.job, f.getErr
}

func (f *fakeService) ListJobs(_ context.Context, _ uuid.UUID, limit int) ([]*repository.ImportJob, error) {
	f.limit = limit
	return f.jobs, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRouter(svc ImportService, maxUpload int64) *mux.Router {
	r := mux.NewRouter()
	NewImportHandler(svc, maxUpload, testLogger()).Register(r.PathPrefix("/api/v1").Subrouter(), nil)
	return r
}

func multipartUpload(t *testing.T, fields map[string]string, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if filename != "" {
		part, err := w.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &body, w.FormDataContentType()
}

func serve(router http.Handler, req *http.Request, tenant uuid.UUID) *httptest.ResponseRecorder {
	if tenant != uuid.Nil {
		req = req.WithContext(interceptors.WithTenantID(req.Context(), tenant))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestUpload_Accepted(t *testing.T) {
	svc := &fakeService{}
	tenant := uuid.New()
	body, contentType := multipartUpload(t, map[string]string{"channel": "shopee", "account_label": "Loja"}, "pedidos.csv", []byte("a,b\n1,2\n"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports", body)
	req.Header.Set("Content-Type", contentType)
	rec := serve(newRouter(svc, 1<<20), req, tenant)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.NotNil(t, svc.submitted)
	assert.Equal(t, tenant, svc.submitted.TenantID)
	assert.Equal(t, "shopee", svc.submitted.Channel)
	assert.Equal(t, "Loja", svc.submitted.AccountLabel)
	assert.Equal(t, "pedidos.csv", svc.submitted.Filename)
	assert.Equal(t, "a,b\n1,2\n", string(svc.submitted.Data))

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, float64(1), got["novel"])
	assert.Equal(t, "pending", got["job"].(map[string]any)["status"])
}

func TestUpload_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"unsupported format", &parser.UnsupportedFormatError{Filename: "x.png", Reason: "binary"}, http.StatusUnsupportedMediaType},
		{"unknown channel", &parser.UnsupportedFormatError{Filename: "x.csv", Err: parser.ErrUnknownChannel}, http.StatusBadRequest},
		{"internal", errors.New("db down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{submitErr: tt.err}
			body, contentType := multipartUpload(t, nil, "x.csv", []byte("x"))
			req := httptest.NewRequest(http.MethodPost, "/api/v1/imports", body)
			req.Header.Set("Content-Type", contentType)

			rec := serve(newRouter(svc, 1<<20), req, uuid.New())
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestUpload_BadRequests(t *testing.T) {
	svc := &fakeService{}
	router := newRouter(svc, 16)

	t.Run("unauthenticated", func(t *testing.T) {
		body, contentType := multipartUpload(t, nil, "x.csv", []byte("x"))
		req := httptest.NewRequest(http.MethodPost, "/api/v1/imports", body)
		req.Header.Set("Content-Type", contentType)
		assert.Equal(t, http.StatusUnauthorized, serve(router, req, uuid.Nil).Code)
	})

	t.Run("missing file", func(t *testing.T) {
		body, contentType := multipartUpload(t, map[string]string{"channel": "outro"}, "", nil)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/imports", body)
		req.Header.Set("Content-Type", contentType)
		assert.Equal(t, http.StatusBadRequest, serve(router, req, uuid.New()).Code)
	})

	t.Run("too large", func(t *testing.T) {
		body, contentType := multipartUpload(t, nil, "x.csv", bytes.Repeat([]byte("a"), 64))
		req := httptest.NewRequest(http.MethodPost, "/api/v1/imports", body)
		req.Header.Set("Content-Type", contentType)
		assert.Equal(t, http.StatusRequestEntityTooLarge, serve(router, req, uuid.New()).Code)
	})

	assert.Nil(t, svc.submitted)
}

func TestGetJob(t *testing.T) {
	jobID := uuid.New()
	svc := &fakeService{job: &repository.ImportJob{ID: jobID, Status: repository.StatusRunning, TotalRows: 1200, RowsProcessed: 500}}
	router := newRouter(svc, 0)

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/imports/"+jobID.String(), nil), uuid.New())
	require.Equal(t, http.StatusOK, rec.Code)
	var job repository.ImportJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, 500, job.RowsProcessed)
	assert.Equal(t, 1200, job.TotalRows)

	svc.getErr = repository.ErrJobNotFound
	rec = serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/imports/"+jobID.String(), nil), uuid.New())
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/imports/not-a-uuid", nil), uuid.New())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListJobs(t *testing.T) {
	svc := &fakeService{}
	router := newRouter(svc, 0)

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/imports?limit=5", nil), uuid.New())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, svc.limit)
	assert.JSONEq(t, `{"jobs":[]}`, rec.Body.String())

	rec = serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/imports?limit=abc", nil), uuid.New())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListChannels(t *testing.T) {
	rec := serve(newRouter(&fakeService{}, 0), httptest.NewRequest(http.MethodGet, "/api/v1/channels", nil), uuid.Nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Channels []channelInfo `json:"channels"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Channels, len(parser.Channels()))
	ids := make([]string, len(got.Channels))
	for i, c := range got.Channels {
		ids[i] = c.ID
	}
	assert.Contains(t, ids, "outro")
	assert.Contains(t, ids, "mercado_livre")
}
