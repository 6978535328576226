// Package boundary is the HTTP client for the receipts extraction and persistence service.
// Every response is normalized into entity.ReceiptRecord before it leaves this package.
package boundary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/receipts-reconcile/internal/common"
	"github.com/joseph-ayodele/receipts-reconcile/internal/entity"
)

const maxResponseBytes = 4 << 20

// TokenProvider returns the bearer credential for a call. It belongs to the auth
// collaborator, which may refresh or cache as it sees fit.
type TokenProvider func(ctx context.Context) (string, error)

// StaticToken returns a TokenProvider that always yields token.
func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) { return token, nil }
}

// UnauthorizedHandler is told about 401 answers so the auth collaborator can refresh or
// redirect. The call still fails with a RejectedError.
type UnauthorizedHandler func(ctx context.Context, op string)

// Client talks to the receipts boundary.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	timeout        time.Duration
	tokens         TokenProvider
	onUnauthorized UnauthorizedHandler
	logger         *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout bounds each request. An injected http.Client is copied, not modified.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithTokenProvider(tp TokenProvider) Option {
	return func(c *Client) { c.tokens = tp }
}

func WithUnauthorizedHandler(h UnauthorizedHandler) Option {
	return func(c *Client) { c.onUnauthorized = h }
}

func New(baseURL string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 10
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second, Transport: transport},
		logger:     logger.With(slog.String("component", "boundary_client")),
	}
	for _, o := range opts {
		o(c)
	}
	if c.timeout > 0 {
		hc := *c.httpClient
		hc.Timeout = c.timeout
		c.httpClient = &hc
	}
	return c
}

// Upload is one multipart ingestion request.
type Upload struct {
	Filename  string
	MediaType string
	Data      []byte
	Fields    map[string]string
	// Public selects the purchaser submission endpoint, which takes no bearer credential.
	Public bool
}

// Ingest submits a receipt file. The returned record has status completed (the boundary
// extracted synchronously) or processing/pending (poll for the result).
func (c *Client) Ingest(ctx context.Context, u Upload) (Normalized, error) {
	op := "ingest"
	path := "/api/v1/receipts/upload"
	if u.Public {
		op = "purchaser_submit"
		path = "/api/v1/receipts/purchaser-submit"
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range u.Fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return Normalized{}, fmt.Errorf("%s: write field %s: %w", op, k, err)
		}
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(u.Filename)))
	h.Set("Content-Type", u.MediaType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return Normalized{}, fmt.Errorf("%s: create file part: %w", op, err)
	}
	if _, err := part.Write(u.Data); err != nil {
		return Normalized{}, fmt.Errorf("%s: write file part: %w", op, err)
	}
	if err := mw.Close(); err != nil {
		return Normalized{}, fmt.Errorf("%s: close multipart: %w", op, err)
	}

	body, err := c.do(ctx, op, http.MethodPost, path, &buf, mw.FormDataContentType(), !u.Public)
	if err != nil {
		return Normalized{}, err
	}
	return c.decode(op, body)
}

// Status fetches the extraction status of one record.
func (c *Client) Status(ctx context.Context, id string) (Normalized, error) {
	body, err := c.do(ctx, "status", http.MethodGet, "/api/v1/receipts/"+url.PathEscape(id)+"/status", http.NoBody, "", true)
	if err != nil {
		return Normalized{}, err
	}
	n, err := c.decode("status", body)
	if err == nil && n.Record.ID == "" {
		n.Record.ID = id
	}
	return n, err
}

// Get fetches the full record.
func (c *Client) Get(ctx context.Context, id string) (Normalized, error) {
	body, err := c.do(ctx, "get", http.MethodGet, "/api/v1/receipts/"+url.PathEscape(id), http.NoBody, "", true)
	if err != nil {
		return Normalized{}, err
	}
	return c.decode("get", body)
}

// Update replaces the editable field set of a record with an operator correction.
func (c *Client) Update(ctx context.Context, id string, corr entity.Correction) (Normalized, error) {
	payload, err := json.Marshal(corr)
	if err != nil {
		return Normalized{}, fmt.Errorf("update: encode correction: %w", err)
	}
	body, err := c.do(ctx, "update", http.MethodPut, "/api/v1/receipts/"+url.PathEscape(id), bytes.NewReader(payload), "application/json", true)
	if err != nil {
		return Normalized{}, err
	}
	return c.decode("update", body)
}

// Reprocess asks the boundary to run extraction again.
func (c *Client) Reprocess(ctx context.Context, id string) (Normalized, error) {
	body, err := c.do(ctx, "reprocess", http.MethodPost, "/api/v1/receipts/"+url.PathEscape(id)+"/reprocess", http.NoBody, "", true)
	if err != nil {
		return Normalized{}, err
	}
	return c.decode("reprocess", body)
}

func (c *Client) decode(op string, body []byte) (Normalized, error) {
	n, err := NormalizeRecord(body)
	if err != nil {
		c.logger.Error("boundary.decode.failed", "op", op, "error", err)
		return Normalized{}, &FaultError{Op: op, StatusCode: http.StatusOK, Code: "INVALID_RESPONSE", Message: "response could not be understood", Cause: err}
	}
	if len(n.Dropped) > 0 {
		c.logger.Warn("boundary.decode.dropped_fields", "op", op, "receipt_id", n.Record.ID, "fields", n.Dropped)
	}
	return n, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body io.Reader, contentType string, authenticated bool) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	reqID := common.RequestIDFromContext(ctx)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	req.Header.Set("X-Request-ID", reqID)

	if authenticated && c.tokens != nil {
		token, err := c.tokens(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: obtain credential: %w", op, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("boundary.http.transport_error", "op", op, "req_id", reqID, "duration_ms", time.Since(start).Milliseconds(), "error", err)
		return nil, &TransportError{Op: op, Cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Op: op, Cause: fmt.Errorf("read body: %w", err)}
	}

	c.logger.Debug("boundary.http.response",
		"op", op,
		"req_id", reqID,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
		"bytes", len(data),
	)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		env := parseEnvelope(data)
		if resp.StatusCode == http.StatusUnauthorized && c.onUnauthorized != nil {
			c.onUnauthorized(ctx, op)
		}
		rej := &RejectedError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Code:       orDefault(env.Code, defaultRejectCode(resp.StatusCode)),
			Message:    orDefault(env.Message, http.StatusText(resp.StatusCode)),
			Fields:     env.Fields,
		}
		c.logger.Info("boundary.http.rejected", "op", op, "req_id", reqID, "status", resp.StatusCode, "code", rej.Code)
		return nil, rej
	default:
		env := parseEnvelope(data)
		c.logger.Error("boundary.http.fault", "op", op, "req_id", reqID, "status", resp.StatusCode, "code", env.Code)
		return nil, &FaultError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Code:       orDefault(env.Code, "SERVER_ERROR"),
			Message:    orDefault(env.Message, http.StatusText(resp.StatusCode)),
		}
	}
}

type envelope struct {
	Code    string
	Message string
	Fields  map[string]string
}

// parseEnvelope understands {"error":{"code","message","fields"}} and FastAPI-style
// {"detail": "..."} / {"detail":[{"loc":[...],"msg":"..."}]} bodies.
func parseEnvelope(data []byte) envelope {
	var raw struct {
		Error *struct {
			Code    string            `json:"code"`
			Message string            `json:"message"`
			Fields  map[string]string `json:"fields"`
		} `json:"error"`
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return envelope{}
	}
	if raw.Error != nil {
		return envelope{Code: raw.Error.Code, Message: raw.Error.Message, Fields: raw.Error.Fields}
	}
	if len(raw.Detail) == 0 {
		return envelope{}
	}
	var msg string
	if err := json.Unmarshal(raw.Detail, &msg); err == nil {
		return envelope{Message: msg}
	}
	var items []struct {
		Loc []any  `json:"loc"`
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(raw.Detail, &items); err != nil || len(items) == 0 {
		return envelope{}
	}
	env := envelope{Code: "VALIDATION_ERROR", Message: "validation failed", Fields: map[string]string{}}
	for _, it := range items {
		field := "body"
		if len(it.Loc) > 0 {
			field = fmt.Sprint(it.Loc[len(it.Loc)-1])
		}
		if _, seen := env.Fields[field]; !seen {
			env.Fields[field] = it.Msg
		}
	}
	return env
}

func defaultRejectCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusRequestEntityTooLarge:
		return "FILE_TOO_LARGE"
	case http.StatusUnsupportedMediaType:
		return "UNSUPPORTED_MEDIA_TYPE"
	case http.StatusUnprocessableEntity:
		return "VALIDATION_ERROR"
	}
	return "BAD_REQUEST"
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }
