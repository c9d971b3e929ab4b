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

	"github.com/etourism/face-gateway/internal/auth"
	"github.com/etourism/face-gateway/internal/frclient"
	"github.com/etourism/face-gateway/internal/handlers"
	"github.com/etourism/face-gateway/internal/ingest"
	"github.com/etourism/face-gateway/internal/logging"
	"github.com/etourism/face-gateway/internal/repository"
	"github.com/etourism/face-gateway/internal/usecase"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger, err := logging.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	backendURL := os.Getenv("BACKEND_URL")
	developerKey := os.Getenv("DEVELOPER_KEY")
	if backendURL == "" || developerKey == "" {
		logger.Fatal("BACKEND_URL and DEVELOPER_KEY must be set")
	}

	db := initDatabase(ctx, logger)
	repo := repository.NewFaceEventRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, logger)

	client := frclient.New(backendURL, developerKey, logger)
	cache := usecase.NewRedisCache(redisClient)
	uc := usecase.NewFaceUseCase(repo, cache, client, logger)
	ingestor := ingest.New(getEnv("FACE_IMAGE_DIR", "face_images"))

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize

	var adminGate gin.HandlerFunc
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		adminGate = auth.JWTMiddleware(secret, os.Getenv("JWT_AUDIENCE"))
	}

	api := &handlers.API{
		UseCase:                uc,
		Ingestor:               ingestor,
		HistoricalCollectionID: os.Getenv("HISTORICAL_COLLECTION_ID"),
		ReservedCollectionID:   os.Getenv("RESERVED_COLLECTION_ID"),
	}
	handlers.RegisterRoutes(r, api, adminGate)

	addr := getEnv("LISTEN_ADDR", ":8080")
	server := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	logger.Info("face gateway listening", zap.String("addr", addr))
	if err := serveHTTPServer(server, 15*time.Second, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, zapLogger *zap.Logger) *gorm.DB {
	dsn := getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=facegateway port=5432 sslmode=disable")
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, zapLogger *zap.Logger) *redis.Client {
	addr := getEnv("REDIS_ADDR", "redis:6379")
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
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

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
