package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"jamlink/internal/core/domain"
	"jamlink/internal/core/ports"
	"jamlink/internal/core/services"
	httphandlers "jamlink/internal/handlers/http"
	"jamlink/internal/infrastructure/middleware"
	"jamlink/internal/infrastructure/monitoring"
	"jamlink/internal/infrastructure/repositories/memory"
	redisrepo "jamlink/internal/infrastructure/repositories/redis"
	signalserver "jamlink/internal/infrastructure/signal"
	"jamlink/pkg/config"
	"jamlink/pkg/logger"
	"jamlink/pkg/slug"
	"jamlink/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if cfg == nil || err != nil {
		cfg = config.Default()
	}

	zlog, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zlog.Sync()
	slog := zlog.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "jamlink-signal",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		slog.Fatalw("tracing init failed", "error", err)
	}

	collector := monitoring.NewPrometheusCollector()

	var roomRepo ports.RoomRepository
	if cfg.Redis.Enabled {
		client, err := redisrepo.NewClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, slog)
		if err != nil {
			slog.Fatalw("redis connect failed", "error", err)
		}
		defer client.Close()
		roomRepo = redisrepo.NewRoomRepository(client)
	} else {
		roomRepo = memory.NewRoomRepository()
	}
	presenceRepo := memory.NewPresenceRepository()

	slugs, err := slug.NewGenerator(cfg.Rooms.SlugLength)
	if err != nil {
		slog.Fatalw("slug generator", "error", err)
	}

	roomService := services.NewRoomService(roomRepo, presenceRepo, slugs, domain.Instrument(cfg.Rooms.DefaultInstrument), collector, slog)
	presenceService := services.NewPresenceService(presenceRepo, collector, slog)

	roomService.StartReaper(cfg.Rooms.EmptyTTL, cfg.Rooms.ReapInterval)
	defer roomService.StopReaper()

	wsServer := signalserver.NewServer(roomService, presenceService, collector, slog)
	wsServer.SetTimeouts(cfg.Signal.PingInterval, cfg.Signal.PongTimeout, cfg.Signal.WriteTimeout)

	iceServers := make([]signalserver.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, server := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, signalserver.ICEServer{
			URLs:       server.URLs,
			Username:   server.Username,
			Credential: server.Credential,
		})
	}
	wsServer.SetICEServers(iceServers)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	roomHandler := httphandlers.NewRoomHandler(roomService, presenceService)
	roomHandler.SetupRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"peers":  wsServer.ConnectedPeers(),
		})
	})
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	wsHandler := middleware.NewWSConnectRateLimit(cfg, wsServer.HandleWebSocket)
	router.GET("/ws", gin.WrapF(wsHandler))

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Infow("signaling server listening", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Fatalw("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Errorw("shutdown failed", "error", err)
	}
	if err := tp.Shutdown(ctx); err != nil {
		slog.Errorw("tracing shutdown failed", "error", err)
	}
}
