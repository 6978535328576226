package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/receipts-reconcile/constants"
	"github.com/joseph-ayodele/receipts-reconcile/internal/boundary"
	"github.com/joseph-ayodele/receipts-reconcile/internal/capture"
	"github.com/joseph-ayodele/receipts-reconcile/internal/draft"
	"github.com/joseph-ayodele/receipts-reconcile/internal/ingest"
	"github.com/joseph-ayodele/receipts-reconcile/internal/poller"
	"github.com/joseph-ayodele/receipts-reconcile/internal/upload"
)

type fakeClock struct {
	mu    sync.Mutex
	start time.Time
	now   time.Time
}

func newFakeClock() *fakeClock {
	t := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	return &fakeClock{start: t, now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (c *fakeClock) offset() time.Duration { return c.Now().Sub(c.start) }

// fakeService is a scripted receipts boundary.
type fakeService struct {
	t       *testing.T
	clock   *fakeClock
	uploads atomic.Int32
	polls   atomic.Int32
	// status returns the status body for the nth poll (1-based).
	status func(n int32) string
	// hang makes status requests wait for the caller to go away.
	hang bool
	// immediate answers uploads with an already extracted record.
	immediate bool

	mu        sync.Mutex
	pollAt    []time.Duration
	corrected map[string]any
}

func (f *fakeService) pollOffsets() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.pollAt...)
}

func (f *fakeService) correction() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.corrected
}

func (f *fakeService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/receipts/upload", func(w http.ResponseWriter, r *http.Request) {
		f.uploads.Add(1)
		require.NoError(f.t, r.ParseMultipartForm(32<<20))
		file, hdr, err := r.FormFile("file")
		require.NoError(f.t, err)
		n, _ := io.Copy(io.Discard, file)
		w.WriteHeader(http.StatusCreated)
		if f.immediate {
			_, _ = io.WriteString(w, `{"id":"r-1","status":"completed","ocr_completed":true,
				"extracted_vendor":"Acme Market","extracted_total":"42.50"}`)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "r-1", "status": "processing", "ocr_completed": false,
			"filename": hdr.Filename, "mime_type": hdr.Header.Get("Content-Type"), "file_size": n,
		})
	})
	mux.HandleFunc("GET /api/v1/receipts/r-1/status", func(w http.ResponseWriter, r *http.Request) {
		n := f.polls.Add(1)
		if f.hang {
			<-r.Context().Done()
			return
		}
		f.mu.Lock()
		f.pollAt = append(f.pollAt, f.clock.offset())
		f.mu.Unlock()
		_, _ = io.WriteString(w, f.status(n))
	})
	mux.HandleFunc("POST /api/v1/receipts/r-1/reprocess", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"id":"r-1","status":"processing","ocr_completed":false}`)
	})
	mux.HandleFunc("PUT /api/v1/receipts/r-1", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.corrected = body
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "r-1", "status": "reviewed", "ocr_completed": true,
			"extracted_vendor": body["vendor"], "extracted_total": body["total"],
			"manually_edited": body["manually_edited"],
		})
	})
	return mux
}

const processingBody = `{"id":"r-1","status":"processing","ocr_completed":false}`

const completedBody = `{"id":"r-1","status":"completed","ocr_completed":true,"uploaded_at":"2024-03-01T09:00:00Z",
	"extracted_data":{"vendor":"Corner Store","total":"42.10","date":"2024-02-28"}}`

func setup(t *testing.T, status func(n int32) string, cam *capture.Camera) (*Workflow, *fakeService, *fakeClock) {
	t.Helper()
	return setupService(t, &fakeService{t: t, status: status}, cam)
}

func setupService(t *testing.T, svc *fakeService, cam *capture.Camera) (*Workflow, *fakeService, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	svc.clock = clock
	srv := httptest.NewServer(svc.handler())
	t.Cleanup(srv.Close)

	client := boundary.New(srv.URL, nil, boundary.WithTokenProvider(boundary.StaticToken("tok")))
	w, err := New(Deps{Client: client, Camera: cam, Poller: []poller.Option{poller.WithClock(clock)}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w, svc, clock
}

func jpegFile(size int) capture.CandidateFile {
	return capture.CandidateFile{Name: "receipt.jpg", MediaType: "image/jpeg", Size: int64(size), Data: make([]byte, size)}
}

func TestDeferredExtractionThenCommit(t *testing.T) {
	w, svc, _ := setup(t, func(n int32) string {
		if n < 3 {
			return processingBody
		}
		return completedBody
	}, nil)
	ctx := context.Background()

	r, err := w.Ingest(ctx, jpegFile(2<<20), ingest.Hints{})
	require.NoError(t, err)
	assert.Equal(t, ingest.Deferred, r.Disposition())
	assert.Equal(t, "r-1", r.RecordID())
	assert.Nil(t, r.Draft())
	require.NotNil(t, r.Session())

	d, err := r.Await(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, []time.Duration{0, 2 * time.Second, 4 * time.Second}, svc.pollOffsets())
	assert.Equal(t, constants.PollStateCompleted, r.Outcome().State)
	assert.Equal(t, "Corner Store", d.Values().Vendor)
	assert.Equal(t, "42.10", d.Values().Amount)
	assert.Equal(t, "2024-02-28", d.Values().Date)
	assert.False(t, d.IsDirty())

	require.NoError(t, d.SetAmount("45.00"))
	assert.True(t, d.CanCommit())
	rec, err := r.Commit(ctx)
	require.NoError(t, err)

	assert.Equal(t, "45", svc.correction()["total"])
	assert.Equal(t, true, svc.correction()["manually_edited"])
	assert.True(t, rec.ManuallyEdited)
	assert.True(t, rec.Total.Equal(decimal.RequireFromString("45.00")))
	cached, ok := w.Cache().Get("r-1")
	require.True(t, ok)
	assert.True(t, cached.ManuallyEdited)
	assert.Equal(t, 0, w.Desk().Len())
	assert.Nil(t, r.Draft())
}

func TestOversizedPDFNeverReachesBoundary(t *testing.T) {
	w, svc, _ := setup(t, func(int32) string { return processingBody }, nil)
	_, err := w.Ingest(context.Background(), capture.CandidateFile{Name: "scan.pdf", MediaType: "application/pdf", Size: 15 << 20}, ingest.Hints{})
	assert.ErrorIs(t, err, upload.ErrTooLarge)
	assert.Equal(t, int32(0), svc.uploads.Load())
}

func TestTimeoutOffersManualEntry(t *testing.T) {
	w, svc, clock := setup(t, func(int32) string { return processingBody }, nil)
	ctx := context.Background()

	r, err := w.Ingest(ctx, jpegFile(1024), ingest.Hints{})
	require.NoError(t, err)
	d, err := r.Await(ctx)
	require.NoError(t, err)

	assert.Equal(t, constants.PollStateTimedOut, r.Outcome().State)
	assert.Equal(t, 60*time.Second, clock.offset())
	assert.Equal(t, int32(30), svc.polls.Load())
	assert.True(t, d.ManualEntry())
	assert.Equal(t, draft.Values{}, d.Values())
	assert.False(t, w.Poller().Active("r-1"))
}

func TestRetryAfterFailedExtraction(t *testing.T) {
	w, _, _ := setup(t, func(n int32) string {
		if n == 1 {
			return `{"id":"r-1","status":"failed","ocr_completed":false}`
		}
		return completedBody
	}, nil)
	ctx := context.Background()

	r, err := w.Ingest(ctx, jpegFile(1024), ingest.Hints{})
	require.NoError(t, err)
	d, err := r.Await(ctx)
	assert.ErrorIs(t, err, poller.ErrExtractionFailed)
	require.NotNil(t, d)
	assert.True(t, d.ManualEntry())

	require.NoError(t, r.Retry(ctx))
	assert.Nil(t, r.Draft())
	d, err = r.Await(ctx)
	require.NoError(t, err)
	assert.False(t, d.ManualEntry())
	assert.Equal(t, "Corner Store", d.Values().Vendor)
	assert.Equal(t, constants.PollStateCompleted, r.Outcome().State)
}

func TestRetryKeepsEditedManualDraft(t *testing.T) {
	w, _, _ := setup(t, func(n int32) string {
		if n == 1 {
			return `{"id":"r-1","status":"failed","ocr_completed":false}`
		}
		return completedBody
	}, nil)
	ctx := context.Background()

	r, err := w.Ingest(ctx, jpegFile(1024), ingest.Hints{})
	require.NoError(t, err)
	d, _ := r.Await(ctx)
	require.NoError(t, d.SetVendor("Typed By Hand"))

	require.NoError(t, r.Retry(ctx))
	got, err := r.Await(ctx)
	assert.ErrorIs(t, err, draft.ErrDirtyDraft)
	assert.Same(t, d, got)
	assert.Equal(t, "Typed By Hand", got.Values().Vendor)
}

func TestResumeCompletedRecordSeedsDraft(t *testing.T) {
	w, _, _ := setup(t, func(int32) string { return completedBody }, nil)
	ctx := context.Background()

	r, err := w.Ingest(ctx, jpegFile(1024), ingest.Hints{})
	require.NoError(t, err)
	_, err = r.Await(ctx)
	require.NoError(t, err)

	again, err := w.Resume(ctx, "r-1")
	require.NoError(t, err)
	assert.Same(t, r.Draft(), again.Draft())
}

type fakeStream struct {
	frame  []byte
	closed *atomic.Int32
}

func (s *fakeStream) Frame(context.Context) ([]byte, error) { return s.frame, nil }

func (s *fakeStream) Close() error {
	s.closed.Add(1)
	return nil
}

type fakeDevice struct {
	frame  []byte
	opened atomic.Int32
	closed atomic.Int32
}

func (d *fakeDevice) Open(context.Context, capture.FacingMode) (capture.Stream, error) {
	d.opened.Add(1)
	return &fakeStream{frame: d.frame, closed: &d.closed}, nil
}

func tinyJPEG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8)), nil))
	return buf.Bytes()
}

func TestCaptureAndClose(t *testing.T) {
	dev := &fakeDevice{frame: tinyJPEG(t)}
	cam := capture.NewCamera(capture.Exclusive(dev), nil)
	w, _, _ := setupService(t, &fakeService{t: t, hang: true}, cam)
	ctx := context.Background()

	f, err := w.Capture(ctx, capture.FacingBack)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", f.MediaType)
	assert.Equal(t, capture.SourceCamera, f.Source)
	assert.False(t, cam.Active())

	r, err := w.Ingest(ctx, f, ingest.Hints{})
	require.NoError(t, err)
	require.NoError(t, cam.Start(ctx, capture.FacingFront))
	require.True(t, cam.Active())

	require.NoError(t, w.Close())
	assert.False(t, cam.Active())
	assert.Equal(t, dev.opened.Load(), dev.closed.Load())
	assert.Equal(t, 0, w.Poller().ActiveCount())
	assert.Equal(t, 0, w.Desk().Len())

	o, err := r.Session().Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, constants.PollStateCancelled, o.State)

	_, err = w.Ingest(ctx, f, ingest.Hints{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, w.Close())
}

func TestCaptureWithoutCamera(t *testing.T) {
	w, _, _ := setup(t, func(int32) string { return processingBody }, nil)
	_, err := w.Capture(context.Background(), capture.FacingBack)
	assert.True(t, errors.Is(err, ErrNoCamera))
}

func TestImmediateSubmissionStartsNoSession(t *testing.T) {
	w, svc, _ := setupService(t, &fakeService{t: t, immediate: true}, nil)
	ctx := context.Background()

	r, err := w.Ingest(ctx, jpegFile(2<<20), ingest.Hints{})
	require.NoError(t, err)

	assert.Equal(t, ingest.Immediate, r.Disposition())
	assert.Nil(t, r.Session())
	assert.Equal(t, 0, w.Poller().ActiveCount())
	require.NotNil(t, r.Draft())
	assert.Equal(t, "Acme Market", r.Draft().Values().Vendor)
	assert.Equal(t, "42.50", r.Draft().Values().Amount)

	d, err := r.Await(ctx)
	require.NoError(t, err)
	assert.Same(t, r.Draft(), d)
	assert.Zero(t, svc.polls.Load())
}
