package main

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"
	"airwave/internal/core/services"
	httphandlers "airwave/internal/handlers/http"
	"airwave/internal/infrastructure/middleware"
	"airwave/internal/infrastructure/monitoring"
	"airwave/internal/infrastructure/reliability"
	"airwave/internal/infrastructure/repositories"
	eventsignal "airwave/internal/infrastructure/signal"
	webrtcinfra "airwave/internal/infrastructure/webrtc"
	"airwave/pkg/circuitbreaker"
	"airwave/pkg/config"
	"airwave/pkg/logger"
	"airwave/pkg/retry"
	"airwave/pkg/tracing"
	"airwave/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
)

// loadConfig reads the first config file found. Without one, defaults and
// environment overrides apply.
func loadConfig() (*config.Config, error) {
	configPaths := []string{
		"configs/config.yaml",
		"/etc/airwave/config.yaml",
		"config.yaml",
	}
	if path := os.Getenv("AIRWAVE_CONFIG"); path != "" {
		configPaths = []string{path}
	}

	for _, path := range configPaths {
		if _, err := os.Stat(path); err == nil {
			return config.Load(path)
		}
	}
	return config.Load("")
}

func newParticipant(cfg *config.Config) (domain.Participant, error) {
	name := cfg.Participant.DisplayName
	if name != "" {
		if err := validation.ValidateDisplayName(name); err != nil {
			return domain.Participant{}, err
		}
	}
	self := domain.NewParticipant(name)
	if cfg.Participant.ID != "" {
		if err := validation.ValidateID(cfg.Participant.ID, "participant.id"); err != nil {
			return domain.Participant{}, err
		}
		self.ID = domain.ParticipantID(cfg.Participant.ID)
	}
	return self, nil
}

func main() {
	startTime := time.Now()
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "airwave: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "airwave",
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: "production",
		SampleRate:  cfg.Tracing.SamplingRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	self, err := newParticipant(cfg)
	if err != nil {
		log.Fatalw("invalid participant configuration", "error", err)
	}
	log = log.With("participant_id", self.ID)
	log.Infow("participant created", "display_name", self.DisplayName)

	// Relay
	relay := repositories.NewRelay(cfg, log)
	var breakerState func() circuitbreaker.State
	if cfg.Reliability.Retry.Enabled || cfg.Reliability.CircuitBreaker.Enabled {
		cbConfig := circuitbreaker.DefaultConfig()
		if cfg.Reliability.CircuitBreaker.Enabled {
			cbConfig.FailureThreshold = cfg.Reliability.CircuitBreaker.FailureThreshold
			cbConfig.SuccessThreshold = cfg.Reliability.CircuitBreaker.SuccessThreshold
			cbConfig.Timeout = cfg.Reliability.CircuitBreaker.Timeout
		} else {
			cbConfig.FailureThreshold = math.MaxInt
		}
		wrapper := reliability.NewRelayWrapper(relay, retry.Config{
			Enabled:      cfg.Reliability.Retry.Enabled,
			MaxAttempts:  cfg.Reliability.Retry.MaxAttempts,
			InitialDelay: cfg.Reliability.Retry.InitialDelay,
			MaxDelay:     cfg.Reliability.Retry.MaxDelay,
			Multiplier:   cfg.Reliability.Retry.Multiplier,
			Jitter:       true,
		}, cbConfig, log)
		relay = wrapper
		breakerState = wrapper.BreakerState
	}

	// Monitoring
	var collector *monitoring.PrometheusCollector
	if cfg.Monitoring.PrometheusEnabled {
		collector = monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	// Media
	iceServers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	transportConfig := webrtcinfra.Config{
		ICEServers:           iceServers,
		ICECandidatePoolSize: cfg.WebRTC.ICECandidatePoolSize,
	}
	transportConfig.PortRange.Min = cfg.WebRTC.PortRange.Min
	transportConfig.PortRange.Max = cfg.WebRTC.PortRange.Max

	var mediaMetrics webrtcinfra.MediaMetrics
	if collector != nil {
		mediaMetrics = collector
	}
	transports, err := webrtcinfra.NewTransportFactory(transportConfig, mediaMetrics, log)
	if err != nil {
		log.Fatalw("failed to create transport factory", "error", err)
	}
	capture := webrtcinfra.NewOggCapture(webrtcinfra.CaptureConfig{
		Source:        cfg.Capture.Source,
		Loop:          cfg.Capture.Loop,
		FrameDuration: cfg.Capture.FrameDuration,
	}, log)

	// Signaling
	engineConfig := services.DefaultEngineConfig()
	engineConfig.NegotiationTimeout = cfg.Engine.NegotiationTimeout
	engineConfig.EventBuffer = cfg.Engine.EventBuffer
	var signalingMetrics ports.SignalingMetrics
	if collector != nil {
		signalingMetrics = collector
	}
	engine := services.NewSignalingEngine(self, relay, transports, capture, signalingMetrics, engineConfig, log)

	presenceConfig := services.DefaultPresenceConfig()
	presenceConfig.RefreshInterval = cfg.Presence.RefreshInterval
	presence := services.NewPresenceCoordinator(self, relay, engine, presenceConfig, log)

	session := services.NewSessionFacade(self, engine, presence, log)
	session.Start(context.Background())

	// Health
	health := monitoring.NewHealthChecker()
	health.AddRelayCheck(relay, 30*time.Second, 2*time.Second)
	health.AddEngineCheck(engine, 0, 2*time.Second)
	if breakerState != nil {
		health.AddBreakerCheck(breakerState, 0)
	}
	healthCtx, stopHealth := context.WithCancel(context.Background())
	defer stopHealth()
	health.StartBackgroundChecks(healthCtx, func(name string, err error) {
		log.Warnw("health check failed", "check", name, "error", err)
	})

	// HTTP
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLogger(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
	)

	api := router.Group("/")
	api.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	httphandlers.NewSessionHandler(session).SetupRoutes(api)

	events := eventsignal.NewEventServer(session, log)
	events.SetPingInterval(cfg.Server.PingInterval)
	events.SetPongTimeout(cfg.Server.PongTimeout)
	events.SetupRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":         "healthy",
			"timestamp":      time.Now(),
			"uptime":         time.Since(startTime).String(),
			"participant_id": self.ID,
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		status := health.CheckAll(ctx)
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting Airwave on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down Airwave...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Leave and stop first so remote participants see the presence rows go.
	if err := session.Close(shutdownCtx); err != nil {
		log.Errorw("Error closing session", "error", err)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	if err := multierr.Combine(relay.Close(), tp.Shutdown(shutdownCtx)); err != nil {
		log.Errorw("Error releasing resources", "error", err)
	}

	log.Info("Airwave stopped")
}
