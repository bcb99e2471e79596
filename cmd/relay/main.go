package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"e2ee-relay/internal/config"
	"e2ee-relay/internal/db"
	apihttp "e2ee-relay/internal/http"
	"e2ee-relay/internal/repository"
	"e2ee-relay/internal/service"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: loading .env: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	policy, err := service.ParseDeliveryPolicy(cfg.DeliveryPolicy)
	if err != nil {
		logger.Fatal("delivery policy", zap.Error(err))
	}

	var redisClient *redis.Client
	if addr := cfg.RedisAddr(); addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := client.Ping(ctxPing).Err(); err != nil {
			logger.Warn("redis ping failed, using in-memory stores", zap.String("addr", addr), zap.Error(err))
			_ = client.Close()
		} else {
			redisClient = client
			defer redisClient.Close()
		}
		cancel()
	}

	presenceDir := service.NewMemoryPresenceDirectory()
	if redisClient != nil {
		presenceDir = service.NewRedisPresenceDirectory(redisClient)
	} else {
		logger.Warn("presence is local to this process")
	}

	keyDir := service.NewMemoryKeyDirectory()
	if cfg.KeyDirectory == config.KeyDirectoryRedis {
		if redisClient != nil {
			keyDir = service.NewRedisKeyDirectory(redisClient)
		} else {
			logger.Warn("KEY_DIRECTORY=redis but redis is unavailable, keys kept in memory")
		}
	}

	var pending repository.PendingMessageRepository
	if policy == service.PersistAndRelay && cfg.DatabaseURL != "" {
		pool, err := openPendingStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("db connect", zap.Error(err))
		}
		defer pool.Close()
		pending = repository.NewPgPendingMessageRepository(pool)
	} else if policy == service.PersistAndRelay {
		logger.Warn("DATABASE_URL not set, pending messages kept in memory")
	}

	var limiter service.HandshakeLimiter
	if cfg.HandshakeLimit > 0 {
		window := time.Duration(cfg.HandshakeWindowSeconds) * time.Second
		if redisClient != nil {
			limiter = service.NewRedisHandshakeLimiter(redisClient, window, cfg.HandshakeLimit)
		} else {
			limiter = service.NewMemoryHandshakeLimiter(window, cfg.HandshakeLimit)
		}
	}

	hub := apihttp.NewHub(logger)
	jwtSvc := service.NewJWTService(cfg.JWTSecret, cfg.JWTIssuer)
	presenceSvc := service.NewPresenceService(logger, presenceDir, keyDir, hub)
	keySvc := service.NewKeyService(logger, keyDir, hub)
	relaySvc := service.NewRelayService(logger, presenceDir, hub, policy, pending)
	wsHandler := apihttp.NewWSHandler(logger, hub, presenceSvc, keySvc, relaySvc, apihttp.WSOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		EventRate:      cfg.EventRate,
		EventBurst:     cfg.EventBurst,
		MaxFrameBytes:  cfg.MaxFrameBytes,
	})
	router := apihttp.NewRouter(logger, jwtSvc, limiter, cfg.TrustedProxies, wsHandler)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}()

	logger.Info("starting relay",
		zap.String("port", cfg.HTTPPort),
		zap.String("delivery_policy", relaySvc.Policy().String()),
		zap.String("key_directory", cfg.KeyDirectory),
		zap.Bool("redis", redisClient != nil),
	)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
}

func openPendingStore(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := db.NewPool(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.Ping(ctxInit, pool); err != nil {
		pool.Close()
		return nil, err
	}
	if err := db.EnsureSchema(ctxInit, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
