package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/partnerhub/messaging-backend/internal/common"
	"github.com/partnerhub/messaging-backend/internal/config"
	"github.com/partnerhub/messaging-backend/internal/handler"
	"github.com/partnerhub/messaging-backend/internal/middleware"
	"github.com/partnerhub/messaging-backend/internal/migration"
	"github.com/partnerhub/messaging-backend/internal/presence"
	"github.com/partnerhub/messaging-backend/internal/repository"
	"github.com/partnerhub/messaging-backend/internal/routes"
	"github.com/partnerhub/messaging-backend/internal/service"
	"github.com/partnerhub/messaging-backend/internal/ws"
	pkgcache "github.com/partnerhub/messaging-backend/pkg/cache"
	"github.com/partnerhub/messaging-backend/pkg/jwt"
	pkglogger "github.com/partnerhub/messaging-backend/pkg/logger"
	pkgredis "github.com/partnerhub/messaging-backend/pkg/redis"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// @title           Partner Messaging API
// @version         1.0
// @description     Direct and partnership messaging with realtime delivery
//
// @BasePath        /api
//
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	dotenvFiles := config.LoadDotEnv()

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "local"
	}
	pkglogger.InitStructured(env)
	pkglogger.Info("APP_ENV=%s, loaded env files: %v", env, dotenvFiles)

	// 설정 로드
	configPath := config.ConfigPath()
	pkglogger.Info("Loading config from: %s", configPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	config.LogResolved(cfg)
	gin.SetMode(cfg.Server.Mode)

	// MySQL 연결
	db, err := initDB(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	pkglogger.Info("Connected to MySQL")
	if err := migration.Run(db); err != nil {
		pkglogger.Warn("Migration warning: %v", err)
	}

	// Redis 연결 (optional)
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = pkgredis.NewClient(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
		)
		if err != nil {
			pkglogger.Warn("Failed to connect to Redis: %v (continuing as a single instance)", err)
			redisClient = nil
		} else {
			pkglogger.Info("Connected to Redis")
		}
	}

	var cacheService pkgcache.Service
	if redisClient != nil {
		cacheService = pkgcache.NewService(redisClient)
	}

	// Repositories
	messageRepo := repository.NewMessageRepository(db)
	directoryRepo := repository.NewCachedDirectoryRepository(
		repository.NewDirectoryRepository(db), cacheService, cfg.DirectoryCache.TTL())

	// Realtime
	registry := presence.NewRegistry()
	hub := ws.NewHub(registry, redisClient, ws.HubConfig{
		Channel:        cfg.Realtime.Channel,
		SendBufferSize: cfg.Realtime.SendBufferSize,
	})
	notifier := service.NewNotifier(hub, cfg.Realtime.PublishTimeout())

	// Services
	messageService := service.NewMessageService(messageRepo, directoryRepo, notifier, service.MessageOptions{
		Attachments:      common.NewAttachmentValidator(config.SplitList(cfg.Messaging.AttachmentHosts)),
		SystemSenderID:   cfg.Messaging.SystemSenderID,
		DefaultPageSize:  cfg.Messaging.DefaultPageSize,
		MaxPageSize:      cfg.Messaging.MaxPageSize,
		MaxContentLength: cfg.Messaging.MaxContentLength,
	})
	realtimeService := service.NewRealtimeService(messageRepo, directoryRepo, registry, notifier, cfg.Realtime.PresenceFanout)
	hub.OnPresence(realtimeService.PresenceChanged)
	go hub.Run()

	// Handlers
	jwtManager := jwt.NewManager(cfg.JWT.Secret, cfg.JWT.ExpiresIn)
	messageHandler := handler.NewMessageHandler(messageService, realtimeService)
	wsHandler := handler.NewWSHandler(hub, realtimeService, config.SplitList(cfg.Realtime.AllowedOrigins))

	// Gin 라우터 생성
	router := gin.New()
	router.Use(gin.Recovery())

	allowOrigins := config.SplitList(cfg.CORS.AllowOrigins)
	if len(allowOrigins) == 0 {
		allowOrigins = []string{"http://localhost:3000"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"},
		AllowCredentials: true,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		ExposeHeaders:    []string{"X-Request-ID", "X-RateLimit-Remaining", "Retry-After"},
		MaxAge:           12 * time.Hour,
	}))

	// Middleware
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.Metrics())
	router.Use(middleware.RequestLogger())

	routes.Setup(router, messageHandler, wsHandler, jwtManager, routes.Options{
		RedisClient:   redisClient,
		SendPerMinute: cfg.RateLimit.SendPerMinute,
	})

	router.NoRoute(func(c *gin.Context) {
		common.ErrorResponse(c, http.StatusNotFound, "Route not found", nil)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go reportDBStats(ctx, db)

	// 서버 시작
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		pkglogger.Info("Server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	pkglogger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		pkglogger.Error("HTTP shutdown: %v", err)
	}
	// In-flight broadcasts finish before the hub closes its connections
	notifier.Wait()
	hub.Stop()

	if redisClient != nil {
		_ = redisClient.Close()
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// reportDBStats feeds the connection pool gauge until ctx ends
func reportDBStats(ctx context.Context, db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			middleware.SetDBConnectionsOpen(sqlDB.Stats().OpenConnections)
		}
	}
}

// initDB MySQL 연결 초기화
func initDB(cfg *config.Config) (*gorm.DB, error) {
	logLevel := gormlogger.Warn
	if cfg.Server.Mode == gin.DebugMode {
		logLevel = gormlogger.Info
	}

	db, err := gorm.Open(mysql.Open(cfg.Database.GetDSN()), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(logLevel),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)

	return db, nil
}
