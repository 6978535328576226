package common

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joseph-ayodele/receipts-reconcile/constants"
)

// Config holds all application configuration
type Config struct {
	Log        LogConfig
	Database   DatabaseConfig
	Server     ServerConfig
	Storage    StorageConfig
	Extraction ExtractionConfig
	Auth       AuthConfig
	Upload     UploadConfig
	Client     ClientConfig
}

// LogConfig selects the slog handler used by the binaries.
type LogConfig struct {
	Level  string
	Format string // text | json
}

// DatabaseConfig holds database-related configuration. An empty DSN selects the in-memory repository.
type DatabaseConfig struct {
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
	AutoMigrate      bool
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HTTPAddr        string
	GRPCAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// ImmediateBudget is how long an upload waits for extraction before answering "processing".
	ImmediateBudget time.Duration
}

// StorageConfig selects the blob backend for uploaded receipt files.
type StorageConfig struct {
	Backend    string // local | s3
	LocalDir   string
	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3Prefix   string

	// Static credentials; empty falls back to the default AWS credential chain.
	S3AccessKey string
	S3SecretKey string
}

// ExtractionConfig configures the OCR black box and the worker queue in front of it.
type ExtractionConfig struct {
	Mode       string // http | command
	ServiceURL string
	Command    string
	Timeout    time.Duration
	Workers    int
	QueueSize  int
}

// AuthConfig holds bearer token verification settings.
type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

// UploadConfig holds the upload constraints shared by client and server.
type UploadConfig struct {
	MaxBytes int64
}

// ClientConfig configures receiptctl's connection to the boundary.
type ClientConfig struct {
	BaseURL       string
	Token         string
	Timeout       time.Duration
	PollInterval  time.Duration
	PollTimeout   time.Duration
	StorePath     string
	CameraCommand string
	CameraFront   string
	CameraBack    string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			DSN:              getEnv("DB_URL", ""),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 2),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
			AutoMigrate:      getEnvAsBool("DB_AUTO_MIGRATE", true),
		},
		Server: ServerConfig{
			HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
			GRPCAddr:        getEnv("GRPC_ADDR", ":9090"),
			ReadTimeout:     getEnvAsDuration("HTTP_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("HTTP_WRITE_TIMEOUT", 60*time.Second),
			IdleTimeout:     getEnvAsDuration("HTTP_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
			ImmediateBudget: getEnvAsDuration("IMMEDIATE_EXTRACTION_BUDGET", 0),
		},
		Storage: StorageConfig{
			Backend:     getEnv("STORAGE_BACKEND", "local"),
			LocalDir:    getEnv("STORAGE_DIR", "./uploads"),
			S3Bucket:    getEnv("S3_BUCKET", ""),
			S3Region:    getEnv("S3_REGION", "us-east-1"),
			S3Endpoint:  getEnv("S3_ENDPOINT", ""),
			S3Prefix:    getEnv("S3_PREFIX", "receipts/"),
			S3AccessKey: getEnv("S3_ACCESS_KEY_ID", ""),
			S3SecretKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
		},
		Extraction: ExtractionConfig{
			Mode:       getEnv("OCR_MODE", "http"),
			ServiceURL: getEnv("OCR_SERVICE_URL", ""),
			Command:    getEnv("OCR_COMMAND", ""),
			Timeout:    getEnvAsDuration("OCR_TIMEOUT", 45*time.Second),
			Workers:    getEnvAsInt("OCR_WORKERS", 4),
			QueueSize:  getEnvAsInt("OCR_QUEUE_SIZE", 256),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			Issuer:    getEnv("JWT_ISSUER", "receipts-reconcile"),
		},
		Upload: UploadConfig{
			MaxBytes: getEnvAsInt64("MAX_UPLOAD_BYTES", constants.DefaultMaxUploadBytes),
		},
		Client: ClientConfig{
			BaseURL:       getEnv("RECEIPTS_API_URL", "http://localhost:8080"),
			Token:         getEnv("RECEIPTS_TOKEN", ""),
			Timeout:       getEnvAsDuration("RECEIPTS_HTTP_TIMEOUT", 30*time.Second),
			PollInterval:  getEnvAsDuration("POLL_INTERVAL", 2*time.Second),
			PollTimeout:   getEnvAsDuration("POLL_TIMEOUT", 60*time.Second),
			StorePath:     getEnv("RECEIPTS_STORE", "receiptctl.db"),
			CameraCommand: getEnv("CAMERA_COMMAND", "fswebcam"),
			CameraFront:   getEnv("CAMERA_FRONT_DEVICE", "/dev/video1"),
			CameraBack:    getEnv("CAMERA_BACK_DEVICE", "/dev/video0"),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func configError(msg string) error {
	return NewAppError("CONFIG_ERROR", msg, ErrInvalidInput)
}

// ValidateServer validates the settings receiptsd needs.
func (c *Config) ValidateServer() error {
	if c.Server.HTTPAddr == "" {
		return configError("HTTP_ADDR is required")
	}
	if c.Auth.JWTSecret == "" {
		return configError("JWT_SECRET is required")
	}
	if c.Upload.MaxBytes <= 0 {
		return configError("MAX_UPLOAD_BYTES must be positive")
	}
	switch strings.ToLower(c.Storage.Backend) {
	case "local":
		if c.Storage.LocalDir == "" {
			return configError("STORAGE_DIR is required for the local backend")
		}
	case "s3":
		if c.Storage.S3Bucket == "" {
			return configError("S3_BUCKET is required for the s3 backend")
		}
	default:
		return configError("STORAGE_BACKEND must be local or s3")
	}
	switch strings.ToLower(c.Extraction.Mode) {
	case "http":
		if c.Extraction.ServiceURL == "" {
			return configError("OCR_SERVICE_URL is required when OCR_MODE=http")
		}
	case "command":
		if c.Extraction.Command == "" {
			return configError("OCR_COMMAND is required when OCR_MODE=command")
		}
	default:
		return configError("OCR_MODE must be http or command")
	}
	return nil
}

// ValidateClient validates the settings receiptctl needs.
func (c *Config) ValidateClient() error {
	if c.Client.BaseURL == "" {
		return configError("RECEIPTS_API_URL is required")
	}
	if c.Upload.MaxBytes <= 0 {
		return configError("MAX_UPLOAD_BYTES must be positive")
	}
	if c.Client.PollInterval <= 0 {
		return configError("POLL_INTERVAL must be positive")
	}
	if c.Client.PollTimeout < c.Client.PollInterval {
		return configError("POLL_TIMEOUT must be at least POLL_INTERVAL")
	}
	return nil
}
