package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Room struct {
		ID          string `yaml:"id"`
		UserID      string `yaml:"user_id"`
		DisplayName string `yaml:"display_name"`
	} `yaml:"room"`

	Identity struct {
		// Secret verifies room tokens issued by the platform. The client
		// never issues tokens itself.
		Secret   string `yaml:"secret"`
		Required bool   `yaml:"required"`
	} `yaml:"identity"`

	Store struct {
		// Backend is "memory" or "redis".
		Backend string `yaml:"backend"`
		Redis   struct {
			Address  string `yaml:"address"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			PoolSize int    `yaml:"pool_size"`
		} `yaml:"redis"`
	} `yaml:"store"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		// NegotiationTimeout closes a peer session stuck in connecting.
		// Zero disables the timeout.
		NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
	} `yaml:"webrtc"`

	Media struct {
		// AllowReceiveOnly lets a session start without local capture.
		AllowReceiveOnly bool `yaml:"allow_receive_only"`
		AudioEnabled     bool `yaml:"audio_enabled"`
		VideoEnabled     bool `yaml:"video_enabled"`
		// RTP ingest ports for an external capture pipeline; 0 disables.
		AudioRTPPort int `yaml:"audio_rtp_port"`
		VideoRTPPort int `yaml:"video_rtp_port"`
	} `yaml:"media"`

	Signaling struct {
		// CandidateRate caps ICE-candidate publishes per peer per second.
		CandidateRate  float64 `yaml:"candidate_rate"`
		CandidateBurst int     `yaml:"candidate_burst"`
	} `yaml:"signaling"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limiting"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled    bool    `yaml:"enabled"`
		JaegerURL  string  `yaml:"jaeger_url"`
		SampleRate float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
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

	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.Redis.Address == "" {
			return fmt.Errorf("store.redis.address must not be empty when backend=redis")
		}
		if c.Store.Redis.PoolSize <= 0 {
			return fmt.Errorf("store.redis.pool_size must be > 0 when backend=redis")
		}
	default:
		return fmt.Errorf("store.backend must be one of: memory, redis")
	}

	if c.WebRTC.NegotiationTimeout < 0 {
		return fmt.Errorf("webrtc.negotiation_timeout must be >= 0")
	}

	if c.Media.AudioRTPPort < 0 || c.Media.AudioRTPPort > 65535 {
		return fmt.Errorf("media.audio_rtp_port must be a valid port")
	}
	if c.Media.VideoRTPPort < 0 || c.Media.VideoRTPPort > 65535 {
		return fmt.Errorf("media.video_rtp_port must be a valid port")
	}

	if c.Signaling.CandidateRate <= 0 {
		return fmt.Errorf("signaling.candidate_rate must be > 0")
	}
	if c.Signaling.CandidateBurst <= 0 {
		return fmt.Errorf("signaling.candidate_burst must be > 0")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
	}

	if c.Identity.Required && c.Identity.Secret == "" {
		return fmt.Errorf("identity.secret must not be empty when identity.required=true")
	}

	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing is enabled")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in [0, 1]")
		}
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	return nil
}

// Load reads configuration from a YAML file, applies defaults and env
// overrides. A missing file is not an error: defaults are used.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
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
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Store.Backend = "memory"
	cfg.Store.Redis.Address = "localhost:6379"
	cfg.Store.Redis.PoolSize = 10

	cfg.WebRTC.NegotiationTimeout = 30 * time.Second

	cfg.Media.AllowReceiveOnly = true
	cfg.Media.AudioEnabled = true
	cfg.Media.VideoEnabled = true

	cfg.Signaling.CandidateRate = 20
	cfg.Signaling.CandidateBurst = 40

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.RequestsPerSecond = 50
	cfg.RateLimiting.Burst = 100

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("MESHROOM_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if room := os.Getenv("MESHROOM_ROOM_ID"); room != "" {
		c.Room.ID = room
	}
	if user := os.Getenv("MESHROOM_USER_ID"); user != "" {
		c.Room.UserID = user
	}
	if name := os.Getenv("MESHROOM_DISPLAY_NAME"); name != "" {
		c.Room.DisplayName = name
	}
	if backend := os.Getenv("MESHROOM_STORE_BACKEND"); backend != "" {
		c.Store.Backend = backend
	}
	if addr := os.Getenv("MESHROOM_REDIS_ADDRESS"); addr != "" {
		c.Store.Redis.Address = addr
	}
	if level := os.Getenv("MESHROOM_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("MESHROOM_IDENTITY_SECRET"); secret != "" {
		c.Identity.Secret = secret
	}
}
