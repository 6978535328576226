package commands

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/receipts-reconcile/internal/boundary"
	"github.com/joseph-ayodele/receipts-reconcile/internal/common"
	"github.com/joseph-ayodele/receipts-reconcile/internal/extract"
)

func TestLoadProfileMissingFileIsEmpty(t *testing.T) {
	p, err := LoadProfile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, &Profile{}, p)
}

func TestSaveAndLoadProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "receiptctl", "config.yaml")
	in := &Profile{
		APIURL:       "https://receipts.example.org",
		Token:        "secret",
		PollInterval: 3 * time.Second,
		PollTimeout:  90 * time.Second,
		Camera:       CameraProfile{Command: "fswebcam", Back: "/dev/video2"},
		Log:          LogProfile{Level: "debug"},
	}
	require.NoError(t, SaveProfile(path, in))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	out, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestLoadProfileRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("poll_interval: [not a duration"), 0o600))

	_, err := LoadProfile(path)
	assert.ErrorContains(t, err, "parsing profile")
}

func TestProfileApplyOverridesOnlySetValues(t *testing.T) {
	cfg := &common.Config{
		Client: common.ClientConfig{
			BaseURL:      "http://localhost:8080",
			Token:        "from-env",
			PollInterval: 2 * time.Second,
			PollTimeout:  60 * time.Second,
			CameraFront:  "/dev/video1",
		},
		Upload: common.UploadConfig{MaxBytes: 10 << 20},
	}
	p := &Profile{APIURL: "https://receipts.example.org", PollTimeout: 2 * time.Minute, Camera: CameraProfile{Back: "/dev/video3"}}

	p.Apply(cfg)

	assert.Equal(t, "https://receipts.example.org", cfg.Client.BaseURL)
	assert.Equal(t, "from-env", cfg.Client.Token)
	assert.Equal(t, 2*time.Second, cfg.Client.PollInterval)
	assert.Equal(t, 2*time.Minute, cfg.Client.PollTimeout)
	assert.Equal(t, "/dev/video1", cfg.Client.CameraFront)
	assert.Equal(t, "/dev/video3", cfg.Client.CameraBack)
	assert.Equal(t, int64(10<<20), cfg.Upload.MaxBytes)
}

func TestFlagsOverrideProfile(t *testing.T) {
	c := newCLI(t, extract.Func(cornerStore), 0)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, SaveProfile(path, &Profile{APIURL: "http://127.0.0.1:1", Token: c.token}))
	const id = "3c1c6a4e-9d7b-4e43-9a59-1f3a9a0e2b11"
	store := filepath.Join(t.TempDir(), "receiptctl.db")

	// The profile's token is used and the flag's URL wins: the server answers 404.
	err := Execute(context.Background(), []string{"status", id, "--profile", path, "--store", store, "--api-url", c.url}, io.Discard, io.Discard)
	assert.ErrorIs(t, err, common.ErrNotFound)

	// Without the flag the profile's unreachable URL is used.
	err = Execute(context.Background(), []string{"status", id, "--profile", path, "--store", store}, io.Discard, io.Discard)
	var te *boundary.TransportError
	assert.ErrorAs(t, err, &te)
}
