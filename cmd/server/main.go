package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"mediagate/internal/cache"
	cachesqlite "mediagate/internal/cache/sqlite"
	"mediagate/internal/config"
	"mediagate/internal/extractor"
	apphttp "mediagate/internal/http"
	"mediagate/internal/reaper"
	"mediagate/internal/slideshow"
	"mediagate/internal/token"
	"mediagate/internal/vpn"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	codec, err := token.New(cfg.Token.Key)
	if err != nil {
		logger.Fatalf("token codec: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metaCache := buildCache(ctx, cfg, logger)

	classifier := extractor.NewClassifier(cfg.Extract.BlockedMarkers)
	engine := extractor.NewCommandEngine(cfg.Extract.Binary, cfg.Extract.CookiesPath, classifier, logger)
	pool := extractor.NewPool(cfg.Extract.MaxWorkers, time.Duration(cfg.Extract.TimeoutSeconds)*time.Second)

	vpnCtl := vpn.NewController(logger)
	vpnCtl.Register(vpn.Instance{
		ID:      cfg.VPN.InstanceID,
		Region:  cfg.VPN.InstanceRegion,
		Control: vpn.NewGluetunClient(cfg.VPN.ControlPort, cfg.VPN.Username, cfg.VPN.Password),
	})

	// Shared pooled client for CDN relays and slideshow asset fetches.
	httpClient := &http.Client{
		Timeout: time.Duration(cfg.Download.TimeoutSeconds) * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	assembler := slideshow.NewAssembler(cfg.Download.TempDir, logger)

	cleanupMaxAge := time.Duration(cfg.Cleanup.MaxAgeSeconds) * time.Second
	sweeper := reaper.NewScheduler(cfg.Download.TempDir, cleanupMaxAge,
		time.Duration(cfg.Cleanup.IntervalMinutes)*time.Minute, logger)
	sweeper.Start(ctx)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	handler := apphttp.NewHandler(
		apphttp.Config{
			BaseURL:           cfg.Server.BaseURL,
			TokenTTL:          time.Duration(cfg.Token.TTLMinutes) * time.Minute,
			AllowedDomains:    cfg.Extract.AllowedDomains,
			ExtractTimeout:    time.Duration(cfg.Extract.TimeoutSeconds) * time.Second,
			DownloadTimeout:   time.Duration(cfg.Download.TimeoutSeconds) * time.Second,
			TempDir:           cfg.Download.TempDir,
			CleanupMaxAge:     cleanupMaxAge,
			InstanceID:        cfg.VPN.InstanceID,
			InstanceRegion:    cfg.VPN.InstanceRegion,
			AdminPasswordHash: cfg.Admin.PasswordHash,
			AdminJWTSecret:    cfg.Admin.JWTSecret,
			AdminTokenTTL:     time.Duration(cfg.Admin.TokenTTLMinutes) * time.Minute,
		},
		codec, engine, pool, metaCache, vpnCtl, assembler, httpClient, logger,
	)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	sweeper.Shutdown()

	logger.Info("bye")
}

// buildCache opens the sqlite-backed metadata cache. The cache is an
// accelerator: on any failure the gateway runs without it rather than
// refusing to start.
func buildCache(ctx context.Context, cfg config.Config, logger *logrus.Logger) *cache.MetadataCache {
	store, err := cachesqlite.Open(cfg.Cache.Path)
	if err != nil {
		logger.Warnf("metadata cache disabled: %v", err)
		return nil
	}
	if err := store.Init(ctx); err != nil {
		logger.Warnf("metadata cache disabled: %v", err)
		return nil
	}
	logger.Infof("metadata cache at %s, ttl %ds", cfg.Cache.Path, cfg.Cache.TTLSeconds)
	return cache.New(store, time.Duration(cfg.Cache.TTLSeconds)*time.Second, logger)
}
