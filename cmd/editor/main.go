package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"inkwell/editor/internal/app"
	"inkwell/editor/internal/auth"
	"inkwell/editor/internal/blob"
	"inkwell/editor/internal/compactor"
	"inkwell/editor/internal/config"
	"inkwell/editor/internal/mailer"
	"inkwell/editor/internal/permission"
	"inkwell/editor/internal/registry"
	"inkwell/editor/internal/revoke"
	"inkwell/editor/internal/session"
	"inkwell/editor/internal/snapshot"
	"inkwell/editor/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	if cfg.JWTSecret == "" && cfg.AuthServiceURL == "" {
		log.Fatalf("either JWT_SECRET or AUTH_SERVICE_URL must be set")
	}
	if cfg.Production() && strings.TrimSpace(cfg.AllowedOrigins) == "*" {
		log.Fatalf("ALLOWED_ORIGINS must name explicit origins in production")
	}

	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	data := store.NewPostgresStore(db)

	blobs, err := blob.New(cfg.MinioEndpoint, cfg.MinioUser, cfg.MinioPassword, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalf("object storage connection failed: %v", err)
	}
	for _, bucket := range []string{cfg.SnapshotBucket, cfg.AttachmentBucket} {
		if err := blobs.EnsureBucket(ctx, bucket); err != nil {
			log.Fatalf("ensure bucket %s: %v", bucket, err)
		}
	}

	revocations, err := revoke.NewRedisStore(cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer revocations.Close()

	verifier := auth.NewVerifier(auth.Options{
		Secret:         []byte(cfg.JWTSecret),
		AuthServiceURL: cfg.AuthServiceURL,
		Revocations:    revocations,
	})

	perms := permission.NewOracle(data)
	snapshots := snapshot.New(data, blobs, cfg.SnapshotBucket, cfg.SnapshotSizeLimit)

	reg := registry.New(snapshots, data, registry.Config{
		Debounce:    cfg.Debounce,
		MaxDebounce: cfg.MaxDebounce,
		Threshold:   cfg.SnapshotThreshold,
	})

	worker := compactor.New(data, snapshots, compactor.Options{
		Interval:   cfg.WorkerInterval,
		Threshold:  cfg.SnapshotThreshold,
		Quarantine: reg.Quarantine,
	})
	reg.SetCompactionSignal(worker.Kick)

	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	go worker.Run(workerCtx)

	ws := session.NewServer(verifier, perms, data, reg, session.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		PingInterval:   cfg.PingInterval,
	})

	mail := mailer.NewService(mailer.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
		BaseURL:  cfg.BaseURL,
	})
	if mail.IsConfigured() {
		log.Printf("share invitations enabled via %s", cfg.SMTPHost)
	}

	service := app.NewService(cfg, data, blobs, perms, verifier, reg, worker, mail, revocations)

	restServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           app.NewHTTPServer(service, cfg).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	// No read or write timeouts here: WebSocket connections are long lived
	// and liveness is handled by the session server's ping loop.
	wsServer := &http.Server{
		Addr:              cfg.WSAddr,
		Handler:           ws.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("REST API listening on %s", cfg.HTTPAddr)
		if err := restServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("rest server failed: %v", err)
		}
	}()
	go func() {
		log.Printf("collaboration endpoint listening on %s", cfg.WSAddr)
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ws server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Stop accepting upgrades first, then drain live sessions so every
	// replica flushes its buffered updates before the registry closes.
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("ws listener shutdown error: %v", err)
	}
	ws.Shutdown(shutdownCtx)
	if err := reg.Shutdown(shutdownCtx); err != nil {
		log.Printf("registry shutdown error: %v", err)
	}
	stopWorker()

	if err := restServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("rest shutdown error: %v", err)
	}
}
