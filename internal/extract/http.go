package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const maxOutputBytes = 1 << 20

// HTTPExtractor posts the file to an OCR service and decodes its JSON answer. Transport
// errors and 5xx answers are retried a bounded number of times.
type HTTPExtractor struct {
	url        string
	client     *http.Client
	maxRetries uint64
	logger     *slog.Logger
}

type HTTPOption func(*HTTPExtractor)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(e *HTTPExtractor) {
		if c != nil {
			e.client = c
		}
	}
}

func WithMaxRetries(n uint64) HTTPOption {
	return func(e *HTTPExtractor) { e.maxRetries = n }
}

func NewHTTPExtractor(url string, timeout time.Duration, logger *slog.Logger, opts ...HTTPOption) *HTTPExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &HTTPExtractor{
		url:        url,
		client:     &http.Client{Timeout: timeout},
		maxRetries: 2,
		logger:     logger.With(slog.String("component", "extract_http")),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *HTTPExtractor) Extract(ctx context.Context, in Input) (Result, error) {
	var body []byte
	attempt := 0
	op := func() error {
		attempt++
		b, retry, err := e.post(ctx, in)
		if err != nil {
			e.logger.Warn("extract.http.attempt_failed", "file", in.Filename, "attempt", attempt, "error", err)
			if !retry {
				return backoff.Permanent(err)
			}
			return err
		}
		body = b
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), e.maxRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return Result{}, err
	}
	return Decode(body, e.logger)
}

func (e *HTTPExtractor) post(ctx context.Context, in Input) ([]byte, bool, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, in.Filename))
	h.Set("Content-Type", in.MediaType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, false, err
	}
	if _, err := part.Write(in.Data); err != nil {
		return nil, false, err
	}
	if err := mw.Close(); err != nil {
		return nil, false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, &buf)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, fmt.Errorf("ocr service: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxOutputBytes))
	if err != nil {
		return nil, true, fmt.Errorf("ocr service: read body: %w", err)
	}
	e.logger.Debug("extract.http.response", "file", in.Filename, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())
	switch {
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("ocr service: status %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return nil, false, fmt.Errorf("ocr service: status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	return data, false, nil
}
