package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"virtual_space_service/internal/space/app"
	"virtual_space_service/internal/space/domain"
	"virtual_space_service/internal/space/repository"
	"virtual_space_service/internal/space/router"
	"virtual_space_service/pkg/config"
	"virtual_space_service/pkg/database"
	"virtual_space_service/pkg/health"
	"virtual_space_service/pkg/logger"
	testtool "virtual_space_service/pkg/test_tool"
	"virtual_space_service/pkg/token"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	fiber_log "github.com/gofiber/fiber/v2/middleware/logger"
	"go.uber.org/zap"
)

func main() {
	logger.Log = logger.Initialize(config.EnvConfig.WSService, config.EnvConfig.WSServiceLogPath)
	cfg := config.LoadConfig[config.WS](config.EnvConfig.WSService, config.EnvConfig.WSServiceYAMLPath)
	cfg.ApplyDefaults()
	logger.Log.SetDebugMode(config.IsLocal())
	defer logger.Log.Sync()
	token.SetSecret(cfg.JWTSecret)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. PostgreSQL, space 由 pgx 讀取
	pgConn := database.Connection{
		ConnectStr:    cfg.PostgreSQL.PostgresURL(),
		RetryCount:    cfg.PostgreSQL.RetryCount,
		RetryInterval: time.Duration(cfg.PostgreSQL.RetryInterval),
	}
	pgPool, err := database.NewDatabaseConnection(pgConn)
	if err != nil {
		logger.Log.Fatal(
			"Unable to connect to postgreSQL database after retries",
			zap.String("host", cfg.PostgreSQL.Host),
			zap.Error(err),
		)
	}
	defer pgPool.Close()

	if err := repository.EnsureSchema(ctx, pgPool); err != nil {
		logger.Log.Fatal("ensure space schema", zap.Error(err))
	}

	// 2. gorm, video call 歷史
	pgConn.ConnectStr = cfg.PostgreSQL.PostgresDSN()
	gormDB, err := database.NewPGConnection(pgConn)
	if err != nil {
		logger.Log.Fatal("Unable to open gorm connection", zap.Error(err))
	}
	callRepo := repository.NewCallRepository(gormDB)
	if err := callRepo.AutoMigrate(); err != nil {
		logger.Log.Fatal("migrate video call history", zap.Error(err))
	}
	// 上一個 process 留下的 active 紀錄, 直接結束
	now := time.Now()
	if n, err := callRepo.CloseStale(ctx, now, now); err != nil {
		logger.Log.Warn("close stale video calls", zap.Error(err))
	} else if n > 0 {
		logger.Log.Info("closed stale video calls", zap.Int64("count", n))
	}

	// 3. Redis (presence mirror)
	redisClient, err := connectRedis(cfg.Redis)
	if err != nil {
		logger.Log.Fatal(fmt.Sprintf("connect redis err : %v", err))
	}
	defer redisClient.Close()

	// 4. 初始化 Repository / Service
	spaces := repository.NewSpaceRepository(pgPool)
	presence := app.NewPresenceMirror(database.NewRedisRepository[domain.PresenceEntry](redisClient), cfg.Presence.TTL)

	history := app.NewHistoryWriter(callRepo, 256)
	go history.Run(ctx)

	registry := app.NewRoomRegistry()
	calls := app.NewVideoCallManager(registry, history, app.ProximitySettings{
		VideoCallRange: cfg.Proximity.VideoCallRange,
		ProximityRange: cfg.Proximity.ProximityRange,
		TileSize:       cfg.Proximity.TileSize,
		CallTimeout:    cfg.Proximity.CallTimeout,
	})
	svc := app.NewSpaceService(spaces, registry, presence, calls, app.ServiceSettings{
		RegistrySweep: cfg.RegistrySweep,
		ProximityScan: cfg.Proximity.ScanInterval,
		CallCleanup:   cfg.Proximity.CallCleanup,
	})
	go svc.Run(ctx)

	h := app.NewSpaceWebsocketHandler(svc, cfg.PingInterval, cfg.Presence.Refresh, 0)

	hs, err := health.Start(":"+cfg.GRPCPort, config.EnvConfig.WSService)
	if err != nil {
		logger.Log.Fatal("start health server", zap.Error(err))
	}
	defer hs.Stop()

	testtool.StartPprof()

	// 5. 啟動 Fiber
	r := fiber.New(fiber.Config{DisableStartupMessage: config.IsProduction()})
	file, err := os.OpenFile(fmt.Sprintf("%s/access.log", config.EnvConfig.WSServiceLogPath), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}
	defer file.Close()

	r.Use(fiber_log.New(fiber_log.Config{
		Output: file,
	}))

	router.RegisterRoutes(r, cfg.AllowedOrigin, h)

	go func() {
		<-ctx.Done()
		logger.Log.Info("shutting down ws service")
		hs.SetServing(false)
		if err := r.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.Log.Warn("fiber shutdown", zap.Error(err))
		}
	}()

	hs.SetServing(true)
	port := ":" + cfg.Port
	logger.Log.Info("WS Service listening", zap.String("port", port))
	if err := r.Listen(port); err != nil {
		logger.Log.Fatal("Failed to start Fiber", zap.Error(err))
	}
}

// connectRedis addr 有設定時直連, 否則走 sentinel
func connectRedis(c config.RedisConfig) (*redis.Client, error) {
	if c.Addr != "" {
		return database.NewRedisSingleClient(c.Addr, c.RedisDB)
	}
	masterName, sentinel := config.GetRedisSetting()
	return database.NewRedisClient(masterName, sentinel, c.RedisDB)
}
