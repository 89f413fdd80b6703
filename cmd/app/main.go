package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"agent_arena/internal/config"
	"agent_arena/internal/db"
	"agent_arena/internal/engine"
	arenaHTTP "agent_arena/internal/http"
	"agent_arena/internal/http/middleware"
	"agent_arena/internal/logger"
	"agent_arena/internal/matchmaking"
	"agent_arena/internal/repository"
	"agent_arena/internal/service"
	"agent_arena/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version устанавливается при сборке
var Version = "dev"

func main() {
	cfg := config.Load()

	// Инициализация структурированного логгера
	logger.Init(cfg.LogLevel, cfg.LogFormat == "json")
	log := logger.Get()

	dbPool := db.Connect(cfg.DatabaseURL)
	defer dbPool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.Migrate(ctx, dbPool); err != nil {
		cancel()
		logger.Fatal("migration failed", "error", err)
	}
	cancel()

	// Хранилища и распределенный лок поверх Postgres
	roomRepo := repository.NewRoomRepository(dbPool)
	partRepo := repository.NewParticipantRepository(dbPool)
	pointRepo := repository.NewPointLogRepository(dbPool)
	lockRepo := repository.NewLockRepository(dbPool, cfg.LockStaleAfter)

	// Зрительский хаб: движок публикует события комнат в WebSocket
	hub := ws.NewHub()

	eng := engine.New(roomRepo, partRepo, pointRepo, lockRepo, hub, cfg.PhaseTimeout)
	factory := service.NewRoomFactory(roomRepo, eng, lockRepo)
	arena := service.NewArenaService(
		matchmaking.NewQueue(),
		partRepo,
		pointRepo,
		factory,
		eng,
		lockRepo,
		cfg.QueueWaitTimeout,
	)

	rateLimitPerMinute := 120
	if v := os.Getenv("RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			rateLimitPerMinute = n
		}
	}
	middleware.InitRedisRateLimiter(cfg.RedisAddr, cfg.RedisPass, rateLimitPerMinute)

	r := gin.Default()

	// CORS для прода и связи фронта с бэкендом(разные домены)
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		}
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	wsHandler := ws.NewWSHandler(hub, eng)
	arenaHTTP.RegisterRoutes(r, arena, wsHandler, cfg.JWTSecret, Version)

	srv := &http.Server{
		Addr:    ":" + cfg.AppPort,
		Handler: r,
	}

	go func() {
		log.Info("server started", "port", cfg.AppPort, "version", Version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", "error", err)
		}
	}()

	// Супервизор таймаутов: добивает фазы упавших или молчащих агентов
	watcher := service.NewTimeoutWatcher(roomRepo, eng, cfg.SweepInterval)
	go watcher.Start()
	log.Info("timeout watcher запущен", "interval", cfg.SweepInterval)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	watcher.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server forced to shutdown", "error", err)
	}

	log.Info("server exited")
}
