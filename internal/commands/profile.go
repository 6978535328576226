package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joseph-ayodele/receipts-reconcile/internal/common"
)

// Profile is the optional ~/.config/receiptctl/config.yaml. Set values override the
// environment; flags override both.
type Profile struct {
	APIURL         string        `yaml:"api_url,omitempty"`
	Token          string        `yaml:"token,omitempty"`
	Store          string        `yaml:"store,omitempty"`
	Timeout        time.Duration `yaml:"timeout,omitempty"`
	PollInterval   time.Duration `yaml:"poll_interval,omitempty"`
	PollTimeout    time.Duration `yaml:"poll_timeout,omitempty"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes,omitempty"`
	Camera         CameraProfile `yaml:"camera,omitempty"`
	Log            LogProfile    `yaml:"log,omitempty"`
}

type CameraProfile struct {
	Command string `yaml:"command,omitempty"`
	Front   string `yaml:"front,omitempty"`
	Back    string `yaml:"back,omitempty"`
}

type LogProfile struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// DefaultProfilePath is receiptctl/config.yaml under the user config directory.
func DefaultProfilePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "receiptctl", "config.yaml")
}

// LoadProfile reads path. A missing file yields an empty profile.
func LoadProfile(path string) (*Profile, error) {
	p := &Profile{}
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading profile: %w", err)
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parsing profile %s: %w", path, err)
	}
	return p, nil
}

// SaveProfile writes p with owner-only permissions since it may hold a token.
func SaveProfile(path string, p *Profile) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling profile: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating profile directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing profile: %w", err)
	}
	return nil
}

// Apply copies every set value onto cfg.
func (p *Profile) Apply(cfg *common.Config) {
	setString(&cfg.Client.BaseURL, p.APIURL)
	setString(&cfg.Client.Token, p.Token)
	setString(&cfg.Client.StorePath, p.Store)
	setString(&cfg.Client.CameraCommand, p.Camera.Command)
	setString(&cfg.Client.CameraFront, p.Camera.Front)
	setString(&cfg.Client.CameraBack, p.Camera.Back)
	setString(&cfg.Log.Level, p.Log.Level)
	setString(&cfg.Log.Format, p.Log.Format)
	if p.Timeout > 0 {
		cfg.Client.Timeout = p.Timeout
	}
	if p.PollInterval > 0 {
		cfg.Client.PollInterval = p.PollInterval
	}
	if p.PollTimeout > 0 {
		cfg.Client.PollTimeout = p.PollTimeout
	}
	if p.MaxUploadBytes > 0 {
		cfg.Upload.MaxBytes = p.MaxUploadBytes
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
