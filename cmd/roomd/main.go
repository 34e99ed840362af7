package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/internal/core/services"
	httphandlers "meshroom/internal/handlers/http"
	"meshroom/internal/identity"
	"meshroom/internal/infrastructure/media"
	"meshroom/internal/infrastructure/middleware"
	"meshroom/internal/infrastructure/monitoring"
	"meshroom/internal/infrastructure/reliability"
	memorystore "meshroom/internal/infrastructure/store/memory"
	redisstore "meshroom/internal/infrastructure/store/redis"
	"meshroom/internal/infrastructure/transport"
	"meshroom/pkg/circuitbreaker"
	"meshroom/pkg/config"
	"meshroom/pkg/logger"
	"meshroom/pkg/retry"
	"meshroom/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

func main() {
	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/meshroom/config.yaml",
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
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "meshroom",
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	store, err := buildStore(cfg, log)
	if err != nil {
		log.Fatalw("failed to initialize store", "error", err)
	}

	var metrics services.Metrics = services.NopMetrics()
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector()
	}

	source, err := buildMediaSource(cfg, log)
	if err != nil {
		log.Fatalw("failed to initialize local media", "error", err)
	}
	var mediaSource ports.MediaSource
	if source != nil {
		mediaSource = source
		if err := startRTPIngest(cfg, source, log); err != nil {
			log.Fatalw("failed to start rtp ingest", "error", err)
		}
	}

	transportFactory := transport.NewFactory(iceServers(cfg), log)

	self := domain.Participant{
		UserID:      domain.UserID(cfg.Room.UserID),
		DisplayName: cfg.Room.DisplayName,
	}

	membership := services.NewMembershipService(store, metrics, log)
	signaling := services.NewSignalingService(store, services.SignalingConfig{
		CandidateRate:  cfg.Signaling.CandidateRate,
		CandidateBurst: cfg.Signaling.CandidateBurst,
	}, metrics, log)
	mesh := services.NewMeshOrchestrator(membership, signaling, transportFactory, mediaSource,
		services.MeshConfig{NegotiationTimeout: cfg.WebRTC.NegotiationTimeout}, metrics, log)
	session := services.NewSessionService(self, membership, mesh, mediaSource, store, metrics, log)

	health := monitoring.NewHealthChecker()
	health.AddCheck("store", func(ctx context.Context) error {
		_, err := store.List(ctx, "rooms")
		return err
	}, 2*time.Second)

	router := buildRouter(cfg, session, membership, health, log)

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Infow("starting server", "address", cfg.Server.Address)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server failed", "error", err)
		}
	}()

	// With a configured room the session joins at startup; otherwise joining
	// is driven through the API.
	if cfg.Room.ID != "" {
		joinCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := retry.Do(joinCtx, retry.DefaultConfig(), func() error {
			return session.Join(joinCtx, domain.RoomID(cfg.Room.ID))
		})
		cancel()
		if err != nil {
			log.Fatalw("failed to join room", "room_id", cfg.Room.ID, "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := session.Leave(shutdownCtx); err != nil {
		log.Warnw("session teardown incomplete", "error", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnw("server shutdown failed", "error", err)
	}
	if err := membership.Close(); err != nil {
		log.Warnw("membership close failed", "error", err)
	}
	if err := store.Close(); err != nil {
		log.Warnw("store close failed", "error", err)
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Warnw("tracer shutdown failed", "error", err)
	}

	log.Infow("shutdown complete")
}

func buildStore(cfg *config.Config, log *zap.SugaredLogger) (ports.Store, error) {
	var backend ports.Store
	switch cfg.Store.Backend {
	case "redis":
		client, err := redisstore.NewClient(
			cfg.Store.Redis.Address,
			cfg.Store.Redis.Password,
			cfg.Store.Redis.DB,
			cfg.Store.Redis.PoolSize,
			log,
		)
		if err != nil {
			return nil, err
		}
		backend = redisstore.NewStore(client, log)
	default:
		backend = memorystore.NewStore()
	}

	return reliability.NewStoreWrapper(backend, circuitbreaker.DefaultConfig(), log), nil
}

func buildMediaSource(cfg *config.Config, log *zap.SugaredLogger) (*media.Source, error) {
	if !cfg.Media.AudioEnabled && !cfg.Media.VideoEnabled {
		if !cfg.Media.AllowReceiveOnly {
			return nil, domain.ErrMediaUnavailable
		}
		log.Infow("starting receive-only, no local media")
		return nil, nil
	}
	return media.NewSource(cfg.Media.AudioEnabled, cfg.Media.VideoEnabled)
}

// startRTPIngest opens local UDP listeners for an external capture pipeline.
func startRTPIngest(cfg *config.Config, source *media.Source, log *zap.SugaredLogger) error {
	ingest := media.NewRTPIngest(source, log)

	if cfg.Media.AudioRTPPort > 0 {
		conn, err := net.ListenPacket("udp", fmt.Sprintf("127.0.0.1:%d", cfg.Media.AudioRTPPort))
		if err != nil {
			return err
		}
		log.Infow("audio rtp ingest listening", "port", cfg.Media.AudioRTPPort)
		go ingest.ServeAudio(conn, 48000)
	}
	if cfg.Media.VideoRTPPort > 0 {
		conn, err := net.ListenPacket("udp", fmt.Sprintf("127.0.0.1:%d", cfg.Media.VideoRTPPort))
		if err != nil {
			return err
		}
		log.Infow("video rtp ingest listening", "port", cfg.Media.VideoRTPPort)
		go ingest.ServeVideo(conn, 90000)
	}
	return nil
}

func iceServers(cfg *config.Config) []webrtc.ICEServer {
	if len(cfg.WebRTC.ICEServers) == 0 {
		return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	servers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers
}

func buildRouter(
	cfg *config.Config,
	session ports.SessionService,
	membership ports.MembershipService,
	health *monitoring.HealthChecker,
	log *zap.SugaredLogger,
) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Identity.Secret != "" {
		verifier := identity.NewVerifier(cfg.Identity.Secret)
		router.Use(middleware.AuthMiddleware(verifier, cfg.Identity.Required))
	}

	stateFeed := httphandlers.NewStateFeed(session, log)
	handler := httphandlers.NewRoomHandler(session, membership, health, domain.RoomID(cfg.Room.ID))
	handler.SetupRoutes(router, stateFeed, cfg.Monitoring.PrometheusEnabled)

	return router
}
