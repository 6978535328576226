package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/receipts-reconcile/internal/common"
)

func TestLocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := New(ctx, common.StorageConfig{Backend: "local", LocalDir: t.TempDir()}, nil)
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "2024/03/r-1.jpg", "image/jpeg", []byte("jpeg bytes")))
	got, err := store.Get(ctx, "2024/03/r-1.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg bytes"), got)

	require.NoError(t, store.Delete(ctx, "2024/03/r-1.jpg"))
	_, err = store.Get(ctx, "2024/03/r-1.jpg")
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.NoError(t, store.Delete(ctx, "2024/03/r-1.jpg"))
}

func TestLocalRejectsEscapingKeys(t *testing.T) {
	store, err := NewLocal(t.TempDir(), nil)
	require.NoError(t, err)
	err = store.Put(context.Background(), "../outside.jpg", "image/jpeg", []byte("x"))
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestUnknownBackend(t *testing.T) {
	_, err := New(context.Background(), common.StorageConfig{Backend: "ftp"}, nil)
	assert.Error(t, err)
}
