package ingest

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/receipts-reconcile/constants"
	"github.com/joseph-ayodele/receipts-reconcile/internal/boundary"
	"github.com/joseph-ayodele/receipts-reconcile/internal/capture"
	"github.com/joseph-ayodele/receipts-reconcile/internal/entity"
	"github.com/joseph-ayodele/receipts-reconcile/internal/upload"
)

type fakeClient struct {
	calls int
	last  boundary.Upload
	resp  boundary.Normalized
	err   error
}

func (c *fakeClient) Ingest(_ context.Context, u boundary.Upload) (boundary.Normalized, error) {
	c.calls++
	c.last = u
	return c.resp, c.err
}

func jpeg(size int) capture.CandidateFile {
	return capture.CandidateFile{Name: "r.jpg", MediaType: "image/jpeg", Size: int64(size), Data: make([]byte, size)}
}

func TestInvalidFilesNeverReachTheNetwork(t *testing.T) {
	client := &fakeClient{}
	s := NewSubmitter(client, upload.New(), nil)

	cases := []capture.CandidateFile{
		{Name: "big.pdf", MediaType: "application/pdf", Size: 15 << 20},
		{Name: "notes.txt", MediaType: "text/plain", Size: 10, Data: []byte("0123456789")},
		{Name: "r.heic", MediaType: "image/heic", Size: 10, Data: make([]byte, 10)},
	}
	for _, f := range cases {
		_, err := s.Submit(context.Background(), f, Hints{})
		var v *upload.Violation
		assert.True(t, errors.As(err, &v), f.Name)
	}
	assert.Equal(t, 0, client.calls)
}

func TestTooLargePDFScenario(t *testing.T) {
	client := &fakeClient{}
	s := NewSubmitter(client, upload.New(), nil)
	_, err := s.Submit(context.Background(), capture.CandidateFile{Name: "big.pdf", MediaType: "application/pdf", Size: 15 << 20}, Hints{})
	assert.ErrorIs(t, err, upload.ErrTooLarge)
	assert.Equal(t, 0, client.calls)
}

func TestDispositions(t *testing.T) {
	cases := []struct {
		status constants.ReceiptStatus
		ocr    bool
		want   Disposition
	}{
		{constants.ReceiptStatusCompleted, true, Immediate},
		{constants.ReceiptStatusCompleted, false, Deferred},
		{constants.ReceiptStatusProcessing, false, Deferred},
		{constants.ReceiptStatusPending, false, Deferred},
		{constants.ReceiptStatusFailed, false, Failed},
	}
	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			client := &fakeClient{resp: boundary.Normalized{Record: entity.ReceiptRecord{ID: "r-1", Status: tc.status, OCRCompleted: tc.ocr}}}
			out, err := NewSubmitter(client, nil, nil).Submit(context.Background(), jpeg(2<<20), Hints{})
			require.NoError(t, err)
			assert.Equal(t, tc.want, out.Disposition)
			assert.Equal(t, "r-1", out.Record.ID)
			assert.Equal(t, 1, client.calls)
		})
	}
}

func TestHintsAreSent(t *testing.T) {
	client := &fakeClient{resp: boundary.Normalized{Record: entity.ReceiptRecord{ID: "r-1", Status: constants.ReceiptStatusProcessing}}}
	s := NewSubmitter(client, nil, nil)
	_, err := s.Submit(context.Background(), jpeg(10), Hints{Category: "groceries", VendorName: " Acme ", Notes: ""})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"category": "Food", "vendor_name": "Acme"}, client.last.Fields)
	assert.False(t, client.last.Public)
	assert.Equal(t, "image/jpeg", client.last.MediaType)
}

func TestPurchaserHintsUsePublicEndpoint(t *testing.T) {
	client := &fakeClient{resp: boundary.Normalized{Record: entity.ReceiptRecord{ID: "r-1", Status: constants.ReceiptStatusPending}}}
	s := NewSubmitter(client, nil, nil)
	_, err := s.Submit(context.Background(), jpeg(10), Hints{Purchaser: &entity.Purchaser{Name: "Ann", Email: "ann@example.org"}})
	require.NoError(t, err)
	assert.True(t, client.last.Public)
	assert.Equal(t, "Ann", client.last.Fields["purchaser_name"])
}

func TestBoundaryErrorsPassThroughDistinctly(t *testing.T) {
	errs := []error{
		&boundary.TransportError{Op: "ingest", Cause: errors.New("dial tcp: refused")},
		&boundary.RejectedError{Op: "ingest", StatusCode: http.StatusUnsupportedMediaType, Code: "UNSUPPORTED_MEDIA_TYPE"},
		&boundary.FaultError{Op: "ingest", StatusCode: http.StatusInternalServerError},
	}
	kinds := []string{"transport", "rejected", "fault"}
	for i, e := range errs {
		client := &fakeClient{err: e}
		_, err := NewSubmitter(client, nil, nil).Submit(context.Background(), jpeg(10), Hints{})
		assert.Equal(t, kinds[i], boundary.Kind(err))
	}
}

func TestMissingIdentifierIsFault(t *testing.T) {
	client := &fakeClient{resp: boundary.Normalized{Record: entity.ReceiptRecord{Status: constants.ReceiptStatusProcessing}}}
	_, err := NewSubmitter(client, nil, nil).Submit(context.Background(), jpeg(10), Hints{})
	assert.Equal(t, "fault", boundary.Kind(err))
	assert.ErrorIs(t, err, boundary.ErrMalformedResponse)
}
