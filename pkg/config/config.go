package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// ICEServer is one STUN/TURN entry handed to the native transport.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
	} `yaml:"server"`

	Participant struct {
		ID          string `yaml:"id"`
		DisplayName string `yaml:"display_name"`
	} `yaml:"participant"`

	Engine struct {
		NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
		EventBuffer        int           `yaml:"event_buffer"`
	} `yaml:"engine"`

	Capture struct {
		Source        string        `yaml:"source"`
		Loop          bool          `yaml:"loop"`
		FrameDuration time.Duration `yaml:"frame_duration"`
	} `yaml:"capture"`

	WebRTC struct {
		ICEServers           []ICEServer `yaml:"ice_servers"`
		ICECandidatePoolSize uint8       `yaml:"ice_candidate_pool_size"`
		PortRange            struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Relay struct {
		Backend            string `yaml:"backend"` // memory | redis
		KeyPrefix          string `yaml:"key_prefix"`
		SubscriptionBuffer int    `yaml:"subscription_buffer"`
		Redis              struct {
			Address  string `yaml:"address"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			PoolSize int    `yaml:"pool_size"`
		} `yaml:"redis"`
	} `yaml:"relay"`

	Reliability struct {
		Retry struct {
			Enabled      bool          `yaml:"enabled"`
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
			Multiplier   float64       `yaml:"multiplier"`
		} `yaml:"retry"`
		CircuitBreaker struct {
			Enabled          bool          `yaml:"enabled"`
			FailureThreshold int           `yaml:"failure_threshold"`
			SuccessThreshold int           `yaml:"success_threshold"`
			Timeout          time.Duration `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`

	Presence struct {
		RefreshInterval time.Duration `yaml:"refresh_interval"`
	} `yaml:"presence"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		SamplingRate   float64 `yaml:"sampling_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}
	if c.Server.PingInterval <= 0 {
		return fmt.Errorf("server.ping_interval must be > 0")
	}
	if c.Server.PongTimeout <= c.Server.PingInterval {
		return fmt.Errorf("server.pong_timeout must be greater than server.ping_interval")
	}

	// Engine
	if c.Engine.NegotiationTimeout < 0 {
		return fmt.Errorf("engine.negotiation_timeout must be >= 0")
	}
	if c.Engine.EventBuffer <= 0 {
		return fmt.Errorf("engine.event_buffer must be > 0")
	}

	// Capture
	if c.Capture.FrameDuration <= 0 {
		return fmt.Errorf("capture.frame_duration must be > 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	for i, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
	}

	// Relay
	switch c.Relay.Backend {
	case "memory":
	case "redis":
		if c.Relay.Redis.Address == "" {
			return fmt.Errorf("relay.redis.address must not be empty when relay.backend=redis")
		}
		if c.Relay.Redis.PoolSize <= 0 {
			return fmt.Errorf("relay.redis.pool_size must be > 0 when relay.backend=redis")
		}
	default:
		return fmt.Errorf("relay.backend must be memory or redis, got %q", c.Relay.Backend)
	}
	if c.Relay.SubscriptionBuffer <= 0 {
		return fmt.Errorf("relay.subscription_buffer must be > 0")
	}

	// Reliability
	if c.Reliability.Retry.Enabled {
		if c.Reliability.Retry.MaxAttempts <= 0 {
			return fmt.Errorf("reliability.retry.max_attempts must be > 0 when retry is enabled")
		}
		if c.Reliability.Retry.Multiplier < 1 {
			return fmt.Errorf("reliability.retry.multiplier must be >= 1")
		}
	}
	if c.Reliability.CircuitBreaker.Enabled {
		if c.Reliability.CircuitBreaker.FailureThreshold <= 0 {
			return fmt.Errorf("reliability.circuit_breaker.failure_threshold must be > 0")
		}
		if c.Reliability.CircuitBreaker.Timeout <= 0 {
			return fmt.Errorf("reliability.circuit_breaker.timeout must be > 0")
		}
	}

	// Presence
	if c.Presence.RefreshInterval < 0 {
		return fmt.Errorf("presence.refresh_interval must be >= 0")
	}

	// Tracing
	if c.Tracing.Enabled && c.Tracing.JaegerEndpoint == "" {
		return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing.enabled=true")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate must be within [0, 1]")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file %s: %w", configPath, err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second
	cfg.Server.PingInterval = 30 * time.Second
	cfg.Server.PongTimeout = 60 * time.Second

	cfg.Engine.NegotiationTimeout = 30 * time.Second
	cfg.Engine.EventBuffer = 64

	cfg.Capture.Source = "microphone.ogg"
	cfg.Capture.Loop = true
	cfg.Capture.FrameDuration = 20 * time.Millisecond

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
		"stun:stun2.l.google.com:19302",
		"stun:stun3.l.google.com:19302",
		"stun:stun4.l.google.com:19302",
	}}}
	cfg.WebRTC.ICECandidatePoolSize = 10

	cfg.Relay.Backend = "memory"
	cfg.Relay.KeyPrefix = "airwave"
	cfg.Relay.SubscriptionBuffer = 256
	cfg.Relay.Redis.Address = "localhost:6379"
	cfg.Relay.Redis.PoolSize = 10

	cfg.Reliability.Retry.Enabled = true
	cfg.Reliability.Retry.MaxAttempts = 3
	cfg.Reliability.Retry.InitialDelay = 100 * time.Millisecond
	cfg.Reliability.Retry.MaxDelay = 2 * time.Second
	cfg.Reliability.Retry.Multiplier = 2.0
	cfg.Reliability.CircuitBreaker.Enabled = true
	cfg.Reliability.CircuitBreaker.FailureThreshold = 5
	cfg.Reliability.CircuitBreaker.SuccessThreshold = 2
	cfg.Reliability.CircuitBreaker.Timeout = 30 * time.Second

	cfg.Presence.RefreshInterval = time.Minute

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.SamplingRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.RequestsPerSecond = 20
	cfg.RateLimiting.Burst = 40

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("AIRWAVE_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("AIRWAVE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if name := os.Getenv("AIRWAVE_DISPLAY_NAME"); name != "" {
		c.Participant.DisplayName = name
	}
	if src := os.Getenv("AIRWAVE_CAPTURE_SOURCE"); src != "" {
		c.Capture.Source = src
	}
	if backend := os.Getenv("AIRWAVE_RELAY_BACKEND"); backend != "" {
		c.Relay.Backend = backend
	}
	if addr := os.Getenv("AIRWAVE_REDIS_ADDRESS"); addr != "" {
		c.Relay.Redis.Address = addr
	}
	if timeout := os.Getenv("AIRWAVE_NEGOTIATION_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			c.Engine.NegotiationTimeout = d
		}
	}
	if db := os.Getenv("AIRWAVE_REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			c.Relay.Redis.DB = n
		}
	}
}
