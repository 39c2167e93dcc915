package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"virtual_space_service/internal/chat/app"
	"virtual_space_service/internal/chat/domain"
	"virtual_space_service/internal/chat/repository"
	"virtual_space_service/internal/chat/router"
	spacerepo "virtual_space_service/internal/space/repository"
	"virtual_space_service/pkg/config"
	"virtual_space_service/pkg/database"
	"virtual_space_service/pkg/health"
	"virtual_space_service/pkg/logger"
	"virtual_space_service/pkg/middlewares"
	testtool "virtual_space_service/pkg/test_tool"
	"virtual_space_service/pkg/token"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	fiber_log "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func main() {
	logger.Log = logger.Initialize(config.EnvConfig.ChatService, config.EnvConfig.ChatServiceLogPath)
	cfg := config.LoadConfig[config.Chat](config.EnvConfig.ChatService, config.EnvConfig.ChatServiceYAMLPath)
	cfg.ApplyDefaults()
	logger.Log.SetDebugMode(config.IsLocal())
	defer logger.Log.Sync()
	token.SetSecret(cfg.JWTSecret)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Mongo (訊息 / 聊天室)
	uri := cfg.MongoSQL.MongoURI()
	mongo, err := database.NewMongoDB(ctx,
		database.Connection{
			ConnectStr:    uri,
			RetryCount:    cfg.MongoSQL.RetryCount,
			RetryInterval: time.Duration(cfg.MongoSQL.RetryInterval),
		},
		cfg.MongoSQL.Database)
	if err != nil {
		logger.Log.Fatal(
			"Unable to connect to mongoDB database after retries",
			zap.String("host", cfg.MongoSQL.Host),
			zap.Error(err),
		)
	}
	defer mongo.Close(context.Background())

	if err := repository.EnsureRoomIndexes(ctx, mongo.Database); err != nil {
		logger.Log.Fatal("ensure chatroom indexes", zap.Error(err))
	}
	if err := repository.EnsureMessageIndexes(ctx, mongo.Database); err != nil {
		logger.Log.Fatal("ensure message indexes", zap.Error(err))
	}

	// 2. Redis (cache / typing / Pub/Sub)
	redisClient, err := connectRedis(cfg.Redis)
	if err != nil {
		logger.Log.Fatal(fmt.Sprintf("connect redis err : %v", err))
	}
	defer redisClient.Close()

	// 3. PostgreSQL (space 成員, 與 ws_service 共用)
	pgPool, err := database.NewDatabaseConnection(database.Connection{
		ConnectStr:    cfg.PostgreSQL.PostgresURL(),
		RetryCount:    cfg.PostgreSQL.RetryCount,
		RetryInterval: time.Duration(cfg.PostgreSQL.RetryInterval),
	})
	if err != nil {
		logger.Log.Fatal(
			"Unable to connect to postgreSQL database after retries",
			zap.String("host", cfg.PostgreSQL.Host),
			zap.Error(err),
		)
	}
	defer pgPool.Close()

	// 4. analytics stream
	analytics := newAnalytics(cfg.Analytics)
	defer analytics.Close()

	// 5. 初始化 Repository
	roomRepo := repository.NewMongoRoomRepository(mongo.Database)
	msgRepo := repository.NewMongoMessageRepository(mongo.Database)
	cache := repository.NewRedisMessageCache(redisClient, cfg.CacheSize, cfg.CacheTTL)
	typing := repository.NewTypingRepository(database.NewRedisRepository[domain.TypingIndicator](redisClient))
	pubsub := repository.NewRedisPubSub(redisClient)
	spaces := spacerepo.NewSpaceRepository(pgPool)

	// 6. 初始化 UseCases
	roomUC := app.NewRoomUseCase(roomRepo, spaces)
	msgUC := app.NewMessageUseCase(msgRepo, cache, typing, pubsub, analytics, app.MessageSettings{
		MaxLength: cfg.MaxMessageLength,
		CacheSize: cfg.CacheSize,
		TypingTTL: cfg.TypingTTL,
	})
	conns := app.NewConnectionManager(instanceID(), pubsub)
	h := app.NewChatWebsocketHandler(roomUC, msgUC, conns, pubsub, 30*time.Second, 0)

	if err := h.Listen(ctx); err != nil {
		logger.Log.Fatal("subscribe room channels", zap.Error(err))
	}
	conns.StartHeartbeat(ctx, cfg.Heartbeat, cfg.IdleTimeout, h.Teardown)

	hs, err := health.Start(":"+cfg.GRPCPort, config.EnvConfig.ChatService)
	if err != nil {
		logger.Log.Fatal("start health server", zap.Error(err))
	}
	defer hs.Stop()

	testtool.StartPprof()

	// 7. 啟動 Fiber
	r := fiber.New(fiber.Config{DisableStartupMessage: config.IsProduction()})
	file, err := os.OpenFile(fmt.Sprintf("%s/access.log", config.EnvConfig.ChatServiceLogPath), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}
	defer file.Close()

	r.Use(fiber_log.New(fiber_log.Config{
		Output: file,
	}))

	router.RegisterRoutes(r, cfg.AllowedOrigin, middlewares.AuthConfig{DemoAuth: cfg.DemoAuth}, h)

	go func() {
		<-ctx.Done()
		logger.Log.Info("shutting down chat service")
		hs.SetServing(false)
		if err := r.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.Log.Warn("fiber shutdown", zap.Error(err))
		}
	}()

	hs.SetServing(true)
	port := ":" + cfg.Port
	logger.Log.Info("Chat Service listening", zap.String("port", port))
	if err := r.Listen(port); err != nil {
		logger.Log.Fatal("Failed to start Fiber", zap.Error(err))
	}

	// 等待 analytics 轉送完成再關閉 writer
	msgUC.Wait()
}

// connectRedis addr 有設定時直連, 否則走 sentinel
func connectRedis(c config.RedisConfig) (*redis.Client, error) {
	if c.Addr != "" {
		return database.NewRedisSingleClient(c.Addr, c.RedisDB)
	}
	masterName, sentinel := config.GetRedisSetting()
	return database.NewRedisClient(masterName, sentinel, c.RedisDB)
}

func newAnalytics(c config.AnalyticsConfig) repository.AnalyticsPublisher {
	switch c.Driver {
	case "kafka":
		w, err := database.NewKafkaWriterWithRetry(database.KafkaConnection{
			Brokers:       c.Brokers,
			Topic:         c.Topic,
			RetryCount:    c.RetryCount,
			RetryInterval: time.Duration(c.RetryInterval),
		})
		if err != nil {
			logger.Log.Fatal("connect kafka", zap.Strings("brokers", c.Brokers), zap.Error(err))
		}
		return repository.NewKafkaAnalytics(w)
	case "rabbitmq":
		repo, err := database.DialRabbitRepository(database.Connection{
			ConnectStr:    c.AMQPURL,
			RetryCount:    c.RetryCount,
			RetryInterval: time.Duration(c.RetryInterval),
		})
		if err != nil {
			logger.Log.Fatal("connect rabbitmq", zap.Error(err))
		}
		pub, err := repository.NewRabbitAnalytics(repo, c.Exchange)
		if err != nil {
			logger.Log.Fatal("declare analytics exchange", zap.String("exchange", c.Exchange), zap.Error(err))
		}
		return pub
	default:
		logger.Log.Info("analytics disabled", zap.String("driver", c.Driver))
		return repository.NewNopAnalytics()
	}
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		return uuid.New().String()
	}
	return host + "-" + uuid.New().String()[:8]
}
