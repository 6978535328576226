package server

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
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/receipts-reconcile/constants"
	"github.com/joseph-ayodele/receipts-reconcile/internal/async"
	"github.com/joseph-ayodele/receipts-reconcile/internal/boundary"
	"github.com/joseph-ayodele/receipts-reconcile/internal/common"
	"github.com/joseph-ayodele/receipts-reconcile/internal/entity"
	"github.com/joseph-ayodele/receipts-reconcile/internal/extract"
	"github.com/joseph-ayodele/receipts-reconcile/internal/pipeline"
	"github.com/joseph-ayodele/receipts-reconcile/internal/repository"
	"github.com/joseph-ayodele/receipts-reconcile/internal/storage"
	"github.com/joseph-ayodele/receipts-reconcile/internal/upload"
)

var authCfg = common.AuthConfig{JWTSecret: "test-secret", Issuer: "receipts-test"}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func ptr[T any](v T) *T { return &v }

type env struct {
	srv    *httptest.Server
	repo   *repository.Memory
	client *boundary.Client
	token  string
}

func cornerStore(context.Context, extract.Input) (extract.Result, error) {
	total := decimal.RequireFromString("42.10")
	return extract.Result{Vendor: ptr("Corner Store"), Total: &total, Confidence: ptr(0.93)}, nil
}

func newEnv(t *testing.T, ex extract.Extractor, budget time.Duration) *env {
	t.Helper()
	repo := repository.NewMemory()
	blobs, err := storage.NewLocal(t.TempDir(), quiet())
	require.NoError(t, err)
	proc := pipeline.NewProcessor(repo, blobs, ex, quiet())
	queue := async.NewQueue(proc, quiet(), async.WithWorkers(2))
	t.Cleanup(func() { _ = queue.Shutdown(context.Background()) })

	receipts := NewReceiptsHandler(ReceiptsDeps{
		Repo:            repo,
		Blobs:           blobs,
		Queue:           queue,
		Watcher:         proc,
		Uploads:         upload.New(upload.WithMaxBytes(1 << 20)),
		ImmediateBudget: budget,
		Logger:          quiet(),
	})
	health := NewHealthHandler(map[string]ReadinessChecker{
		"repository": ReadinessFunc(func(context.Context) error { return nil }),
	})
	srv := httptest.NewServer(NewRouter(receipts, health, NewJWTAuth(authCfg, quiet()), quiet()))
	t.Cleanup(srv.Close)

	token, err := IssueToken(authCfg, "operator-1", time.Hour)
	require.NoError(t, err)
	return &env{
		srv:    srv,
		repo:   repo,
		token:  token,
		client: boundary.New(srv.URL, quiet(), boundary.WithTokenProvider(boundary.StaticToken(token))),
	}
}

func jpegUpload(fields map[string]string) boundary.Upload {
	return boundary.Upload{Filename: "receipt.jpg", MediaType: "image/jpeg", Data: []byte("jpeg bytes"), Fields: fields}
}

func (e *env) do(t *testing.T, method, path, contentType string, body io.Reader, auth bool) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func errorCode(t *testing.T, body []byte) (string, map[string]string) {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(body, &env))
	return env.Error.Code, env.Error.Fields
}

func multipartBody(t *testing.T, filename, contentType string, data []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		h := make(map[string][]string)
		h["Content-Disposition"] = []string{`form-data; name="file"; filename="` + filename + `"`}
		h["Content-Type"] = []string{contentType}
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadAnswersCompletedWithinBudget(t *testing.T) {
	e := newEnv(t, extract.Func(cornerStore), 2*time.Second)

	n, err := e.client.Ingest(context.Background(), jpegUpload(map[string]string{"category": "meals"}))
	require.NoError(t, err)
	rec := n.Record
	assert.Equal(t, constants.ReceiptStatusCompleted, rec.Status)
	assert.True(t, rec.OCRCompleted)
	require.NotNil(t, rec.Vendor)
	assert.Equal(t, "Corner Store", *rec.Vendor)
	require.NotNil(t, rec.Total)
	assert.Equal(t, "42.10", rec.Total.StringFixed(2))
	require.NotNil(t, rec.Category)
	assert.Equal(t, "Food", *rec.Category)
}

func TestUploadDeferredThenStatusCompletes(t *testing.T) {
	release := make(chan struct{})
	e := newEnv(t, extract.Func(func(ctx context.Context, in extract.Input) (extract.Result, error) {
		<-release
		return cornerStore(ctx, in)
	}), 0)

	n, err := e.client.Ingest(context.Background(), jpegUpload(nil))
	require.NoError(t, err)
	assert.Equal(t, constants.ReceiptStatusProcessing, n.Record.Status)
	id := n.Record.ID

	st, err := e.client.Status(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, st.Record.OCRCompleted)

	close(release)
	require.Eventually(t, func() bool {
		st, err = e.client.Status(context.Background(), id)
		return err == nil && st.Record.OCRCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, constants.ReceiptStatusCompleted, st.Record.Status)
	require.NotNil(t, st.Record.Vendor)
	assert.Equal(t, "Corner Store", *st.Record.Vendor)
	require.NotNil(t, st.Record.Total)
	assert.True(t, decimal.RequireFromString("42.10").Equal(*st.Record.Total))
}

func TestUploadRejectsUnsupportedAndOversizedFiles(t *testing.T) {
	e := newEnv(t, extract.Func(cornerStore), 0)

	body, ct := multipartBody(t, "notes.txt", "text/plain", []byte("hello"), nil)
	resp, data := e.do(t, http.MethodPost, "/api/v1/receipts/upload", ct, body, true)
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	code, _ := errorCode(t, data)
	assert.Equal(t, CodeUnsupported, code)

	body, ct = multipartBody(t, "big.pdf", "application/pdf", bytes.Repeat([]byte("x"), (1<<20)+10), nil)
	resp, data = e.do(t, http.MethodPost, "/api/v1/receipts/upload", ct, body, true)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	code, _ = errorCode(t, data)
	assert.Equal(t, CodeTooLarge, code)

	body, ct = multipartBody(t, "", "", nil, map[string]string{"notes": "no file"})
	resp, data = e.do(t, http.MethodPost, "/api/v1/receipts/upload", ct, body, true)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	_, fields := errorCode(t, data)
	assert.Contains(t, fields, "file")
}

func TestBearerTokenRequired(t *testing.T) {
	e := newEnv(t, extract.Func(cornerStore), 0)

	resp, data := e.do(t, http.MethodGet, "/api/v1/receipts/anything", "", nil, false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	code, _ := errorCode(t, data)
	assert.Equal(t, CodeUnauthorized, code)

	anon := boundary.New(e.srv.URL, quiet())
	_, err := anon.Get(context.Background(), "anything")
	assert.ErrorIs(t, err, common.ErrUnauthorized)

	expired, err := IssueToken(authCfg, "operator-1", -time.Hour)
	require.NoError(t, err)
	stale := boundary.New(e.srv.URL, quiet(), boundary.WithTokenProvider(boundary.StaticToken(expired)))
	_, err = stale.Get(context.Background(), "anything")
	assert.ErrorIs(t, err, common.ErrUnauthorized)

	resp, _ = e.do(t, http.MethodGet, "/health/live", "", nil, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPurchaserSubmitIsPublicAndPending(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	e := newEnv(t, extract.Func(func(ctx context.Context, in extract.Input) (extract.Result, error) {
		<-release
		return cornerStore(ctx, in)
	}), 0)

	anon := boundary.New(e.srv.URL, quiet())
	u := jpegUpload(map[string]string{
		"purchaser_name":  "Ada  Lovelace",
		"purchaser_email": "ada@example.org",
		"event_purpose":   "Spring fair",
	})
	u.Public = true
	n, err := anon.Ingest(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, constants.ReceiptStatusPending, n.Record.Status)
	require.NotNil(t, n.Record.Purchaser)
	assert.Equal(t, "Ada Lovelace", n.Record.Purchaser.Name)
	assert.Equal(t, "ada@example.org", n.Record.Purchaser.Email)
}

func TestPurchaserSubmitValidatesFields(t *testing.T) {
	e := newEnv(t, extract.Func(cornerStore), 0)

	body, ct := multipartBody(t, "receipt.jpg", "image/jpeg", []byte("jpeg"), map[string]string{
		"purchaser_name":  "Ada",
		"purchaser_email": "not-an-email",
	})
	resp, data := e.do(t, http.MethodPost, "/api/v1/receipts/purchaser-submit", ct, body, false)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	code, fields := errorCode(t, data)
	assert.Equal(t, CodeValidation, code)
	assert.Equal(t, "must be a valid email address", fields["purchaser_email"])
}

func seed(t *testing.T, e *env, rec entity.ReceiptRecord) {
	t.Helper()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	require.NoError(t, e.repo.Create(context.Background(), rec))
}

func TestCorrectionReplaceAndPatch(t *testing.T) {
	e := newEnv(t, extract.Func(cornerStore), 0)
	total := decimal.RequireFromString("42.10")
	seed(t, e, entity.ReceiptRecord{
		ID:           "r-1",
		Status:       constants.ReceiptStatusCompleted,
		OCRCompleted: true,
		Vendor:       ptr("Corner Store"),
		Total:        &total,
		Notes:        ptr("from OCR"),
	})

	fixed := decimal.RequireFromString("45.00")
	n, err := e.client.Update(context.Background(), "r-1", entity.Correction{
		Vendor:         ptr("  Corner   Store  "),
		Total:          &fixed,
		ManuallyEdited: true,
	})
	require.NoError(t, err)
	rec := n.Record
	assert.Equal(t, constants.ReceiptStatusReviewed, rec.Status)
	assert.True(t, rec.ManuallyEdited)
	assert.Equal(t, "Corner Store", *rec.Vendor)
	assert.Equal(t, "45.00", rec.Total.StringFixed(2))
	assert.Nil(t, rec.Notes, "PUT clears fields sent as null")

	resp, data := e.do(t, http.MethodPatch, "/api/v1/receipts/r-1", "application/json",
		strings.NewReader(`{"notes":"team lunch","category":"catering"}`), true)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	patched, err := boundary.NormalizeRecord(data)
	require.NoError(t, err)
	assert.Equal(t, "Corner Store", *patched.Record.Vendor, "PATCH leaves absent fields alone")
	assert.Equal(t, "team lunch", *patched.Record.Notes)
	assert.Equal(t, "Food", *patched.Record.Category)
}

func TestCorrectionReportsFieldErrors(t *testing.T) {
	e := newEnv(t, extract.Func(cornerStore), 0)
	seed(t, e, entity.ReceiptRecord{ID: "r-1", Status: constants.ReceiptStatusCompleted, OCRCompleted: true})

	resp, data := e.do(t, http.MethodPut, "/api/v1/receipts/r-1", "application/json",
		strings.NewReader(`{"total":"abc","date":"2024-13-01","colour":"red"}`), true)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	_, fields := errorCode(t, data)
	assert.Equal(t, "must be a decimal amount", fields["total"])
	assert.Equal(t, "must be a YYYY-MM-DD date", fields["date"])
	assert.Equal(t, "is not an editable field", fields["colour"])

	resp, data = e.do(t, http.MethodPut, "/api/v1/receipts/r-1", "application/json",
		strings.NewReader(`{"total":"-1","items":[{"description":"","amount":"1.005"}]}`), true)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	_, fields = errorCode(t, data)
	assert.Equal(t, "is required", fields["items[0].description"])

	resp, data = e.do(t, http.MethodPut, "/api/v1/receipts/r-1", "application/json",
		strings.NewReader(`{"total":"-1","items":[{"description":"Milk","amount":"1.005"}]}`), true)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	_, fields = errorCode(t, data)
	assert.Equal(t, "must not be negative", fields["total"])
	assert.Equal(t, "must have at most 2 decimal places", fields["items[0].amount"])

	resp, data = e.do(t, http.MethodPatch, "/api/v1/receipts/r-1", "application/json",
		strings.NewReader(`{"currency":"dollars"}`), true)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	_, fields = errorCode(t, data)
	assert.Equal(t, "must be 3 uppercase letters (ISO 4217)", fields["currency"])

	resp, data = e.do(t, http.MethodPatch, "/api/v1/receipts/r-1", "application/json",
		strings.NewReader(`{"currency_code":" eur "}`), true)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var rec entity.ReceiptRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	require.NotNil(t, rec.Currency)
	assert.Equal(t, "EUR", *rec.Currency)

	_, err := e.client.Update(context.Background(), "missing", entity.Correction{Vendor: ptr("x")})
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestReprocessFailedRecord(t *testing.T) {
	calls := 0
	e := newEnv(t, extract.Func(func(ctx context.Context, in extract.Input) (extract.Result, error) {
		calls++
		if calls == 1 {
			return extract.Result{}, errors.New("blurry image")
		}
		return cornerStore(ctx, in)
	}), 2*time.Second)

	n, err := e.client.Ingest(context.Background(), jpegUpload(nil))
	require.NoError(t, err)
	assert.Equal(t, constants.ReceiptStatusFailed, n.Record.Status)

	n, err = e.client.Reprocess(context.Background(), n.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.ReceiptStatusProcessing, n.Record.Status)

	id := n.Record.ID
	require.Eventually(t, func() bool {
		st, err := e.client.Status(context.Background(), id)
		return err == nil && st.Record.Status == constants.ReceiptStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReprocessInFlightConflicts(t *testing.T) {
	e := newEnv(t, extract.Func(cornerStore), 0)
	seed(t, e, entity.ReceiptRecord{ID: "r-1", Status: constants.ReceiptStatusProcessing})

	_, err := e.client.Reprocess(context.Background(), "r-1")
	assert.ErrorIs(t, err, common.ErrConflict)
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t, extract.Func(cornerStore), 0)

	resp, data := e.do(t, http.MethodGet, "/health/ready", "", nil, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), `"repository"`)

	_, _ = e.do(t, http.MethodGet, "/api/v1/receipts/r-404/status", "", nil, true)
	resp, data = e.do(t, http.MethodGet, "/metrics", "", nil, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), `receipts_http_requests_total{method="GET",path="/api/v1/receipts/{id}/status",status="404"}`)
}

func TestReadinessFailure(t *testing.T) {
	h := NewHealthHandler(map[string]ReadinessChecker{
		"database": ReadinessFunc(func(context.Context) error { return errors.New("connection refused") }),
	})
	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}
