// Package main is the entry point for the Driftdesk resumable upload server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/driftdesk/driftdesk/internal/auth"
	"github.com/driftdesk/driftdesk/internal/blobstore"
	"github.com/driftdesk/driftdesk/internal/catalog"
	"github.com/driftdesk/driftdesk/internal/config"
	"github.com/driftdesk/driftdesk/internal/logging"
	"github.com/driftdesk/driftdesk/internal/metrics"
	"github.com/driftdesk/driftdesk/internal/server"
	"github.com/driftdesk/driftdesk/internal/upload"
)

func main() {
	configPath := flag.String("config", "driftdesk.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 8080)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	shutdownTimeout := flag.Int("shutdown-timeout", 0, "graceful shutdown timeout in seconds (default: from config or 30)")
	maxUploadSize := flag.Int64("max-upload-size", 0, "maximum upload size in bytes (default: from config or 5368709120)")
	issueToken := flag.String("issue-token", "", "print a bearer token for the given owner id and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = *shutdownTimeout
	}
	if *maxUploadSize != 0 {
		cfg.Upload.MaxUploadSize = *maxUploadSize
	}

	if cfg.Auth.JWTSecret == "" {
		fmt.Fprintf(os.Stderr, "auth.jwt_secret is required\n")
		os.Exit(1)
	}

	// Operator convenience: mint a token for a client and exit.
	if *issueToken != "" {
		token, err := auth.GenerateToken(*issueToken, []byte(cfg.Auth.JWTSecret),
			time.Duration(cfg.Auth.TokenTTL)*time.Minute)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	// Initialize structured logging.
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	metrics.Register()

	// Initialize the file catalog.
	var cat catalog.Store
	switch cfg.Catalog.Engine {
	case "memory":
		cat = catalog.NewMemoryStore()
		slog.Info("Catalog initialized", "engine", "memory")
	default:
		dbPath := cfg.Catalog.SQLite.Path
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create catalog directory: %v\n", err)
			os.Exit(1)
		}
		sqliteCat, err := catalog.NewSQLiteStore(dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize catalog: %v\n", err)
			os.Exit(1)
		}
		cat = sqliteCat
		slog.Info("Catalog initialized", "engine", "sqlite", "path", dbPath)
	}
	defer cat.Close()

	// Initialize the blob store backend based on config.
	var store blobstore.Store
	switch cfg.Storage.Backend {
	case "gcs":
		if cfg.Storage.GCS.Bucket == "" {
			fmt.Fprintf(os.Stderr, "storage.gcs.bucket is required when backend is 'gcs'\n")
			os.Exit(1)
		}
		gcsStore, gcsErr := blobstore.NewGCSStore(context.Background(),
			cfg.Storage.GCS.Bucket, cfg.Storage.GCS.Prefix, cfg.Storage.GCS.ChunkSize)
		if gcsErr != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize GCS blob store: %v\n", gcsErr)
			os.Exit(1)
		}
		store = gcsStore
		slog.Info("Blob store initialized", "backend", "gcs",
			"bucket", cfg.Storage.GCS.Bucket, "prefix", cfg.Storage.GCS.Prefix)
	case "s3":
		if cfg.Storage.S3.Bucket == "" {
			fmt.Fprintf(os.Stderr, "storage.s3.bucket is required when backend is 's3'\n")
			os.Exit(1)
		}
		region := cfg.Storage.S3.Region
		if region == "" {
			region = "us-east-1"
		}
		s3Store, s3Err := blobstore.NewS3Store(context.Background(),
			cfg.Storage.S3.Bucket, region, cfg.Storage.S3.Prefix,
			cfg.Storage.S3.EndpointURL, cfg.Storage.S3.UsePathStyle,
			cfg.Storage.S3.AccessKeyID, cfg.Storage.S3.SecretAccessKey)
		if s3Err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize S3 blob store: %v\n", s3Err)
			os.Exit(1)
		}
		store = s3Store
		slog.Info("Blob store initialized", "backend", "s3",
			"bucket", cfg.Storage.S3.Bucket, "region", region, "prefix", cfg.Storage.S3.Prefix)
	case "azure":
		if cfg.Storage.Azure.Container == "" {
			fmt.Fprintf(os.Stderr, "storage.azure.container is required when backend is 'azure'\n")
			os.Exit(1)
		}
		accountURL := cfg.Storage.Azure.AccountURL
		if accountURL == "" {
			if cfg.Storage.Azure.Account == "" {
				fmt.Fprintf(os.Stderr, "storage.azure.account or storage.azure.account_url is required when backend is 'azure'\n")
				os.Exit(1)
			}
			accountURL = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Storage.Azure.Account)
		}
		azureStore, azureErr := blobstore.NewAzureStore(context.Background(),
			cfg.Storage.Azure.Container, accountURL, cfg.Storage.Azure.Prefix)
		if azureErr != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize Azure blob store: %v\n", azureErr)
			os.Exit(1)
		}
		store = azureStore
		slog.Info("Blob store initialized", "backend", "azure",
			"container", cfg.Storage.Azure.Container, "account", accountURL)
	default:
		rootDir := cfg.Storage.Local.RootDir
		if err := os.MkdirAll(rootDir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create storage root directory: %v\n", err)
			os.Exit(1)
		}
		localStore, localErr := blobstore.NewLocalStore(rootDir)
		if localErr != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize local blob store: %v\n", localErr)
			os.Exit(1)
		}
		// Crash-only recovery: clean orphan temp files from incomplete writes.
		if err := localStore.CleanTempFiles(); err != nil {
			slog.Warn("Failed to clean temp files", "error", err)
		}
		store = localStore
		slog.Info("Blob store initialized", "backend", "local", "root", rootDir)
	}

	// Wire the upload engine and its idle-session reaper.
	registry := upload.NewRegistry()
	engine := upload.NewEngine(registry, store, upload.EngineConfig{
		HighWaterMark: cfg.Upload.HighWaterMark,
		ReadChunkSize: cfg.Upload.ReadChunkSize,
		MaxUploadSize: cfg.Upload.MaxUploadSize,
	})

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	go engine.RunReaper(reaperCtx,
		time.Duration(cfg.Upload.ReapInterval)*time.Second,
		time.Duration(cfg.Upload.IdleTTL)*time.Second)

	srv, err := server.New(cfg,
		server.WithUploadEngine(engine),
		server.WithBlobStore(store),
		server.WithCatalog(cat))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Driftdesk listening", "addr", addr)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// SIGTERM/SIGINT handler: stop accepting connections, wait for in-flight
	// requests with a timeout, then exit. Interrupted uploads recover on the
	// next boot: the local store drops orphan temp files, and cloud backends
	// expire uncommitted parts on their own.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		slog.Info("Server stopped")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}
