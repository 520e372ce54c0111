package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jmerrifield20/fraudledger/internal/config"
	"github.com/jmerrifield20/fraudledger/internal/handler"
	"github.com/jmerrifield20/fraudledger/internal/identity"
	"github.com/jmerrifield20/fraudledger/internal/integrity"
	"github.com/jmerrifield20/fraudledger/internal/ledger"
	"github.com/jmerrifield20/fraudledger/internal/metrics"
	"github.com/jmerrifield20/fraudledger/internal/webhooks"
)

func main() {
	v := config.New()
	logger := newLogger(v.GetString("app.env"))
	defer logger.Sync() //nolint:errcheck

	if err := run(v, logger); err != nil {
		logger.Fatal("ledgerd exited with error", zap.Error(err))
	}
}

func newLogger(env string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if strings.EqualFold(env, config.EnvDev) {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func run(v *viper.Viper, logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	cfg, err := config.Load(v, logger)
	if err != nil {
		return err
	}
	if err := cfg.Validate(logger); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	key, err := cfg.Key()
	if err != nil {
		return err
	}
	chainer, err := ledger.NewChainer(key)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Store ────────────────────────────────────────────────────────────────
	store, err := ledger.NewStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// ── Ledger ───────────────────────────────────────────────────────────────
	l := ledger.New(store, chainer, logger,
		ledger.WithMaxRetries(cfg.MaxRetries),
		ledger.WithMetrics(metrics.Recorder{}),
	)

	checker := integrity.New(l, integrity.Config{CheckInterval: cfg.IntegrityInterval}, logger)
	alerts := webhooks.NewDispatcher(webhooks.Config{URLs: cfg.AlertURLs, Secret: cfg.AlertSecret}, logger)
	if alerts.Enabled() {
		alerts.SetMetricsRecorder(metrics.AlertDelivered)
		checker.SetAlert(alerts.Alert)
	}
	if cfg.VerifyOnStart {
		if res := checker.CheckNow(ctx); res != nil && res.Valid {
			logger.Info("ledger verified at startup",
				zap.Int("blocks", res.BlocksChecked),
				zap.Int64("last_block", res.LastVerifiedBlock),
			)
		} else {
			logger.Warn("ledger integrity check at startup FAILED; serving anyway, see /healthz")
		}
	}

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handler.RequestID())

	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", handler.RequestIDHeader},
		ExposeHeaders:    []string{"Content-Length", handler.RequestIDHeader},
		AllowCredentials: !containsWildcard(cfg.CORSOrigins),
		MaxAge:           12 * time.Hour,
	}))
	router.Use(handler.SecurityHeaders())
	router.Use(handler.BodyLimit(cfg.BodyLimit))
	if cfg.RateLimitRPS > 0 {
		router.Use(handler.RateLimiter(ctx, handler.RateLimitConfig{
			RPS:    cfg.RateLimitRPS,
			Exempt: []string{"/healthz", "/metrics"},
		}))
	}
	router.Use(metrics.PrometheusMiddleware())
	router.Use(handler.RequestLogger(logger))

	handler.NewHealthHandler(l, checker).Register(router)
	router.GET("/metrics", metrics.Handler())

	ledgerHandler := handler.NewLedgerHandler(l, logger)
	if cfg.JWTSecret != "" {
		tokens, err := identity.NewTokenIssuer([]byte(cfg.JWTSecret), cfg.JWTIssuer, 0)
		if err != nil {
			return err
		}
		ledgerHandler.SetWriteAuth(identity.RequireToken(tokens, identity.ScopeAppend))
	} else {
		logger.Warn("auth.jwt_secret is not set; append endpoints are unauthenticated")
	}
	ledgerHandler.Register(router.Group("/api/v1"))

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Run until signalled ──────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("ledgerd HTTP listening",
			zap.Int("port", cfg.Port),
			zap.String("storage", cfg.Store.Driver),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http listen: %w", err)
		}
		return nil
	})
	if cfg.IntegrityInterval > 0 {
		g.Go(func() error {
			checker.Start(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down ledgerd...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("ledgerd stopped")
	return nil
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}
