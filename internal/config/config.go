// Package config handles loading and parsing of Driftdesk configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the Driftdesk upload service.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Auth    AuthConfig    `yaml:"auth"`
	Upload  UploadConfig  `yaml:"upload"`
	Storage StorageConfig `yaml:"storage"`
	Catalog CatalogConfig `yaml:"catalog"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeout is the graceful shutdown timeout in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is the log output format: text, json.
	Format string `yaml:"format"`
}

// AuthConfig holds identity-boundary settings.
type AuthConfig struct {
	// JWTSecret is the HS256 signing secret for bearer tokens.
	JWTSecret string `yaml:"jwt_secret"`
	// TokenTTL is the issued-token validity in minutes.
	TokenTTL int `yaml:"token_ttl"`
}

// UploadConfig holds upload-engine settings.
type UploadConfig struct {
	// HighWaterMark is the per-upload streaming buffer bound in bytes.
	// A chunk producer is paused once this many bytes are queued ahead of
	// the storage writer.
	HighWaterMark int `yaml:"high_water_mark"`
	// ReadChunkSize is the size in bytes of individual reads from the
	// inbound request body.
	ReadChunkSize int `yaml:"read_chunk_size"`
	// MaxUploadSize is the maximum declared upload size in bytes.
	MaxUploadSize int64 `yaml:"max_upload_size"`
	// IdleTTL is the inactivity window in seconds after which an upload
	// session is reaped.
	IdleTTL int `yaml:"idle_ttl"`
	// ReapInterval is the cadence in seconds of the idle-session reaper.
	ReapInterval int `yaml:"reap_interval"`
}

// StorageConfig holds blob store backend settings.
type StorageConfig struct {
	// Backend is the blob store backend type: "local", "gcs", "s3", "azure".
	Backend string      `yaml:"backend"`
	Local   LocalConfig `yaml:"local"`
	GCS     GCSConfig   `yaml:"gcs"`
	S3      S3Config    `yaml:"s3"`
	Azure   AzureConfig `yaml:"azure"`
}

// LocalConfig holds local content-store settings.
type LocalConfig struct {
	// RootDir is the base directory for stored objects.
	RootDir string `yaml:"root_dir"`
}

// GCSConfig holds Google Cloud Storage backend settings.
type GCSConfig struct {
	// Bucket is the upstream GCS bucket name.
	Bucket string `yaml:"bucket"`
	// Prefix is the optional key prefix for all objects in the bucket.
	Prefix string `yaml:"prefix"`
	// ChunkSize is the GCS resumable-upload chunk size in bytes.
	ChunkSize int `yaml:"chunk_size"`
}

// S3Config holds AWS S3 backend settings.
type S3Config struct {
	// Bucket is the upstream S3 bucket name.
	Bucket string `yaml:"bucket"`
	// Region is the AWS region of the upstream bucket.
	Region string `yaml:"region"`
	// Prefix is the optional key prefix for all objects in the bucket.
	Prefix string `yaml:"prefix"`
	// EndpointURL optionally overrides the S3 endpoint (e.g. for MinIO).
	EndpointURL string `yaml:"endpoint_url"`
	// UsePathStyle enables path-style addressing for custom endpoints.
	UsePathStyle bool `yaml:"use_path_style"`
	// AccessKeyID and SecretAccessKey optionally override the default
	// AWS credential chain.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// AzureConfig holds Azure Blob Storage backend settings.
type AzureConfig struct {
	// Container is the upstream Azure Blob container name.
	Container string `yaml:"container"`
	// Account is the storage account name, used to construct the account
	// URL https://{account}.blob.core.windows.net when AccountURL is unset.
	Account string `yaml:"account"`
	// AccountURL is the full storage account URL.
	AccountURL string `yaml:"account_url"`
	// Prefix is the optional blob name prefix.
	Prefix string `yaml:"prefix"`
}

// CatalogConfig holds file-catalog store settings.
type CatalogConfig struct {
	// Engine is the catalog backend engine: "sqlite", "memory".
	Engine string       `yaml:"engine"`
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// SQLiteConfig holds SQLite-specific catalog settings.
type SQLiteConfig struct {
	// Path is the filesystem path for the SQLite database file.
	Path string `yaml:"path"`
}

// Load reads a YAML configuration file from the given path and returns a
// parsed Config. It applies sensible defaults for unset values. If the
// primary path fails, it falls back to driftdesk.example.yaml in the same
// directory or parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "driftdesk.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "driftdesk.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Auth: AuthConfig{
			TokenTTL: 60,
		},
		Upload: UploadConfig{
			HighWaterMark: 256 * 1024,
			ReadChunkSize: 64 * 1024,
			MaxUploadSize: 5 * 1024 * 1024 * 1024,
			IdleTTL:       1800,
			ReapInterval:  120,
		},
		Storage: StorageConfig{
			Backend: "local",
			Local: LocalConfig{
				RootDir: "./data/objects",
			},
		},
		Catalog: CatalogConfig{
			Engine: "sqlite",
			SQLite: SQLiteConfig{
				Path: "./data/catalog.db",
			},
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = 60
	}
	if cfg.Upload.HighWaterMark == 0 {
		cfg.Upload.HighWaterMark = 256 * 1024
	}
	if cfg.Upload.ReadChunkSize == 0 {
		cfg.Upload.ReadChunkSize = 64 * 1024
	}
	if cfg.Upload.MaxUploadSize == 0 {
		cfg.Upload.MaxUploadSize = 5 * 1024 * 1024 * 1024
	}
	if cfg.Upload.IdleTTL == 0 {
		cfg.Upload.IdleTTL = 1800
	}
	if cfg.Upload.ReapInterval == 0 {
		cfg.Upload.ReapInterval = 120
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "local"
	}
	if cfg.Storage.Local.RootDir == "" {
		cfg.Storage.Local.RootDir = "./data/objects"
	}
	if cfg.Catalog.Engine == "" {
		cfg.Catalog.Engine = "sqlite"
	}
	if cfg.Catalog.SQLite.Path == "" {
		cfg.Catalog.SQLite.Path = "./data/catalog.db"
	}
}
