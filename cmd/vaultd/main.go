package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/domainvault/vault/internal/app/migrate"
	"github.com/domainvault/vault/internal/blob"
	"github.com/domainvault/vault/internal/cache"
	"github.com/domainvault/vault/internal/config"
	"github.com/domainvault/vault/internal/crypto"
	httpx "github.com/domainvault/vault/internal/http"
	"github.com/domainvault/vault/internal/logger"
	"github.com/domainvault/vault/internal/repository/postgres"
	"github.com/domainvault/vault/internal/service/backup"
	"github.com/domainvault/vault/internal/service/deploy"
	"github.com/domainvault/vault/internal/service/vault"
	"github.com/domainvault/vault/internal/ws"
)

func main() {
	cfg := config.LoadVaultConfig()
	log := logger.New("vaultd", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	masterKey, err := crypto.LoadOrCreateMasterKey(filepath.Join(cfg.VaultRoot, "master.key"))
	if err != nil {
		log.Error("master key unavailable", "error", err)
		os.Exit(1)
	}
	keys, err := crypto.NewKeyring(masterKey)
	if err != nil {
		log.Error("keyring setup failed", "error", err)
		os.Exit(1)
	}

	blobs, err := blob.NewFilesystemStore(filepath.Join(cfg.VaultRoot, "blobs"))
	if err != nil {
		log.Error("blob store setup failed", "error", err)
		os.Exit(1)
	}

	var domainCache cache.DomainCache = cache.Noop{}
	if addr := strings.TrimSpace(cfg.CacheRedisAddr); addr != "" {
		redisCache, err := cache.NewRedisCache(addr, cfg.CacheRedisPass, cfg.CacheRedisDB, cfg.CacheTTL, log)
		if err != nil {
			log.Warn("redis domain cache unavailable", "error", err)
		} else {
			domainCache = redisCache
		}
	}
	defer domainCache.Close()

	repo := postgres.New(pool)
	eventHub := ws.NewHub()

	vaultSvc := vault.New(repo, repo, repo, repo, blobs, keys, domainCache, log, cfg.AutoBackupEvery)
	deploySvc := deploy.New(vaultSvc, repo, repo, eventHub, log, cfg.DeployRoot, cfg.DeployTimeout)
	backupSvc := backup.New(repo, repo, repo, repo, blobs, keys, log, filepath.Join(cfg.VaultRoot, "backups"))
	vaultSvc.SetExporter(backupSvc)

	if cfg.BackupInterval > 0 {
		go backupSvc.RunScheduled(ctx, cfg.BackupInterval)
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateRedisPass, cfg.RateRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, vaultSvc, deploySvc, backupSvc, eventHub, limiter, cfg.OperatorToken, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("vault server starting", "addr", cfg.Addr, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("vault server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
