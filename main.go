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

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/fibroscan/internal/auth"
	"github.com/example/fibroscan/internal/config"
	"github.com/example/fibroscan/internal/handlers"
	"github.com/example/fibroscan/internal/imagestore"
	"github.com/example/fibroscan/internal/inference"
	"github.com/example/fibroscan/internal/logging"
	"github.com/example/fibroscan/internal/progress"
	"github.com/example/fibroscan/internal/repository"
	"github.com/example/fibroscan/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	backend := initImageBackend(ctx, cfg, logger)
	store := imagestore.NewStore(backend, cfg.ImageTTL, logger)

	deps := session.Dependencies{
		Store:  store,
		Client: inference.NewHTTPClient(cfg.InferenceEndpoint, cfg.InferenceTimeout, nil, logger),
		Simulator: func() *progress.Simulator {
			sim := progress.NewSimulator()
			sim.Interval = cfg.ProgressInterval
			return sim
		}(),
		Logger:       logger,
		DisplayDelay: cfg.DisplayDelay,
		ModelVersion: cfg.ModelVersion,
	}
	if cfg.DatabaseDSN != "" {
		repo := repository.NewAttemptRepository(initDatabase(ctx, cfg.DatabaseDSN, logger), logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		deps.Recorder = repo
	} else {
		logger.Info("attempt telemetry disabled, no database configured")
	}

	registry := session.NewRegistry(deps)
	stopJanitor := startJanitor(registry, cfg.SessionIdleTimeout, logger)
	defer stopJanitor()

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: newRouter(registry, cfg.SessionSecret, logger),
	}

	logger.Info("FibroScan API listening",
		zap.String("addr", cfg.Addr),
		zap.String("inference_endpoint", cfg.InferenceEndpoint),
	)
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	registry.CloseAll(closeCtx)
}

func initImageBackend(ctx context.Context, cfg config.Config, logger *zap.Logger) imagestore.Backend {
	if cfg.RedisAddr == "" {
		logger.Info("display handles kept in memory, no redis configured")
		return imagestore.NewMemoryBackend()
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(redisCtx).Err(); err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	return imagestore.NewRedisBackend(client)
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func newRouter(registry *session.Registry, secret string, logger *zap.Logger) *gin.Engine {
	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize

	issue := func(sessionID string) (string, error) {
		return auth.IssueSessionToken(secret, sessionID, auth.DefaultTokenTTL, time.Now())
	}
	handlers.RegisterRoutes(r, registry, issue, auth.SessionMiddleware(secret), logger)
	return r
}

// startJanitor expires idle sessions until the returned stop func is called.
func startJanitor(registry *session.Registry, idle time.Duration, logger *zap.Logger) func() {
	if idle <= 0 {
		return func() {}
	}
	interval := idle / 4
	if interval < time.Second {
		interval = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := registry.ExpireIdle(ctx, idle, now); n > 0 {
					logger.Debug("janitor pass", zap.Int("expired", n), zap.Int("live", registry.Len()))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
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
