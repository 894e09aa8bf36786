package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/lesion-check/internal/assets"
	"github.com/example/lesion-check/internal/auth"
	"github.com/example/lesion-check/internal/config"
	"github.com/example/lesion-check/internal/handlers"
	"github.com/example/lesion-check/internal/imageprocessor"
	"github.com/example/lesion-check/internal/logging"
	"github.com/example/lesion-check/internal/metrics"
	"github.com/example/lesion-check/internal/model"
	"github.com/example/lesion-check/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN, Environment: cfg.AppEnv}); err != nil {
			logger.Fatal("sentry init failed", zap.Error(err))
		}
		defer sentry.Flush(2 * time.Second)
	}

	preprocessor, err := imageprocessor.NewPreprocessor(cfg.ResizeFilter)
	if err != nil {
		logger.Fatal("invalid preprocessing settings", zap.Error(err))
	}

	loader := model.NewLoader(model.Options{
		SharedLibraryPath: cfg.OnnxRuntimeLib,
		InputName:         cfg.ModelInputName,
		OutputName:        cfg.ModelOutputName,
		Threads:           cfg.ModelThreads,
		Serialize:         cfg.ModelSerialize,
	}, logger)
	classifier, err := loader.Load(cfg.ModelPath)
	if err != nil {
		logger.Fatal("failed to load model", zap.String("path", cfg.ModelPath), zap.Error(err))
	}
	defer func() {
		if err := classifier.Close(); err != nil {
			logger.Warn("failed to close model", zap.Error(err))
		}
		if err := model.ReleaseRuntime(); err != nil {
			logger.Warn("failed to release onnx runtime", zap.Error(err))
		}
	}()

	cache, closeCache := initCache(cfg, logger)
	defer closeCache()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	pipelineMetrics, err := metrics.NewPipelineMetrics(registry)
	if err != nil {
		logger.Fatal("failed to register metrics", zap.Error(err))
	}

	uc := usecase.NewClassificationUseCase(preprocessor, classifier, cache, pipelineMetrics, logger, usecase.Options{ResultTTL: cfg.CacheTTL})

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	r.Use(handlers.RequestLogger(logger.Named("http")), gin.Recovery())
	if cfg.SentryDSN != "" {
		r.Use(handlers.SentryHub())
	}
	r.MaxMultipartMemory = handlers.MaxUploadSize

	handlers.RegisterRoutes(r, uc, handlers.Options{
		Auth:      auth.Bearer(cfg.JWTSecret, cfg.JWTAudience),
		RateLimit: handlers.RateLimit(cfg.PredictRateLimit, cfg.PredictRateBurst, logger.Named("ratelimit")),
		Metrics:   promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		Sample:    assets.NewSampleImage(cfg.SampleImagePath),
		ModelPath: classifier.Path(),
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("lesion classification API listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.Bool("auth", cfg.JWTSecret != ""),
		zap.Bool("redis", cfg.RedisAddr != ""),
	)
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// initCache connects to Redis when configured and falls back to process memory otherwise.
func initCache(cfg *config.Config, logger *zap.Logger) (usecase.Cache, func()) {
	if cfg.RedisAddr == "" {
		logger.Info("using in-memory result cache")
		return usecase.NewMemoryCache(cfg.CacheTTL, 2*cfg.CacheTTL), func() {}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis connection failed", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	return usecase.NewRedisCache(client), func() {
		if err := client.Close(); err != nil {
			logger.Warn("failed to close redis client", zap.Error(err))
		}
	}
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
