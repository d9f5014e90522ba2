// Package config provides layered configuration for the orchestrator:
// compiled-in defaults, an optional config.yaml, and environment variables
// under the KANDEV_ prefix, each later layer overriding the earlier ones,
// adapted from the platform's common config loader.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DatabaseConfig describes the State Store's PostgreSQL connection.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxConns        int32
	MinConns        int32
	ConnectTimeout  time.Duration
}

// DSN builds the pgx connection string from the config fields.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// NATSConfig describes the Task Broker / Streaming Bus NATS connection.
type NATSConfig struct {
	URL            string
	StreamName     string // JetStream stream carrying run-start jobs
	ConsumerName   string // durable pull consumer name
	KVBucket       string // loaded from config but not read by any component; the NATS Streaming Bus uses fixed bucket names
	ReconnectWait  time.Duration
	MaxReconnects  int
}

// OrchestratorConfig holds the Run Coordinator's timing knobs. These are
// SPEC_FULL.md's Open Question resolutions made configurable rather than
// hard-coded, per DESIGN.md.
type OrchestratorConfig struct {
	LockTTL                  time.Duration // T_LOCK
	HeartbeatTTL             time.Duration // T_HB
	HeartbeatEventStride     int           // refresh heartbeat every N events
	ResponseListTTL          time.Duration // T_RESP
	DrainTimeout             time.Duration // T_DRAIN
	StopPollTimeout          time.Duration // SW control-channel subscription setup bound
	StopWatcherHeartbeatRate time.Duration // SW time-based heartbeat + lock refresh period (P)
}

// StatusWriterConfig holds the Status Writer's retry policy.
type StatusWriterConfig struct {
	Retries   int
	BaseDelay time.Duration
}

// ServerConfig controls the subscriber-facing WebSocket relay's HTTP listener.
type ServerConfig struct {
	Port int
}

// LoggingConfig controls the logger.
type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

// Config aggregates every sub-config the orchestrator needs at startup.
type Config struct {
	Database     DatabaseConfig
	NATS         NATSConfig
	Orchestrator OrchestratorConfig
	StatusWriter StatusWriterConfig
	Server       ServerConfig
	Logging      LoggingConfig

	// OTelEndpoint, if set, is the OTLP/HTTP collector endpoint tracing
	// spans are exported to. Empty disables tracing (a no-op tracer is
	// used).
	OTelEndpoint string

	// InstanceID identifies this worker process for lock/heartbeat keys. If
	// empty at Load time, the caller must assign one (typically uuid.New()).
	InstanceID string
}

// Load reads configuration from defaults, environment, and config.yaml (if
// present in "." or "/etc/kandev/"), validates it, and returns it.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath behaves like Load but additionally searches explicitPath for
// a config file, taking precedence over the default search paths.
func LoadWithPath(explicitPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("KANDEV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if explicitPath != "" {
		v.AddConfigPath(explicitPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/kandev/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:           v.GetString("database.host"),
			Port:           v.GetInt("database.port"),
			User:           v.GetString("database.user"),
			Password:       v.GetString("database.password"),
			Name:           v.GetString("database.name"),
			SSLMode:        v.GetString("database.sslmode"),
			MaxConns:       int32(v.GetInt("database.max_conns")),
			MinConns:       int32(v.GetInt("database.min_conns")),
			ConnectTimeout: v.GetDuration("database.connect_timeout"),
		},
		NATS: NATSConfig{
			URL:           v.GetString("nats.url"),
			StreamName:    v.GetString("nats.stream_name"),
			ConsumerName:  v.GetString("nats.consumer_name"),
			KVBucket:      v.GetString("nats.kv_bucket"),
			ReconnectWait: v.GetDuration("nats.reconnect_wait"),
			MaxReconnects: v.GetInt("nats.max_reconnects"),
		},
		Orchestrator: OrchestratorConfig{
			LockTTL:                  v.GetDuration("orchestrator.lock_ttl"),
			HeartbeatTTL:             v.GetDuration("orchestrator.heartbeat_ttl"),
			HeartbeatEventStride:     v.GetInt("orchestrator.heartbeat_event_stride"),
			ResponseListTTL:          v.GetDuration("orchestrator.response_list_ttl"),
			DrainTimeout:             v.GetDuration("orchestrator.drain_timeout"),
			StopPollTimeout:          v.GetDuration("orchestrator.stop_poll_timeout"),
			StopWatcherHeartbeatRate: v.GetDuration("orchestrator.stopwatcher_heartbeat_period"),
		},
		StatusWriter: StatusWriterConfig{
			Retries:   v.GetInt("statuswriter.retries"),
			BaseDelay: v.GetDuration("statuswriter.base_delay"),
		},
		Server: ServerConfig{
			Port: v.GetInt("server.port"),
		},
		Logging: LoggingConfig{
			Level:      v.GetString("logging.level"),
			Format:     v.GetString("logging.format"),
			OutputPath: v.GetString("logging.output_path"),
		},
		OTelEndpoint: v.GetString("otel.endpoint"),
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "kandev")
	v.SetDefault("database.name", "kandev")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.connect_timeout", 10*time.Second)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.stream_name", "RUN_JOBS")
	v.SetDefault("nats.consumer_name", "orchestrator")
	v.SetDefault("nats.kv_bucket", "run_streaming_bus")
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.max_reconnects", -1)

	// T_LOCK defaults to 2h: an upper bound on a single run's duration, not
	// the source's 24h response-list TTL (SPEC_FULL.md §9 Open Questions).
	v.SetDefault("orchestrator.lock_ttl", 2*time.Hour)
	v.SetDefault("orchestrator.heartbeat_ttl", 5*time.Minute)
	v.SetDefault("orchestrator.heartbeat_event_stride", 50)
	v.SetDefault("orchestrator.response_list_ttl", 24*time.Hour)
	v.SetDefault("orchestrator.drain_timeout", 30*time.Second)
	v.SetDefault("orchestrator.stop_poll_timeout", 500*time.Millisecond)
	v.SetDefault("orchestrator.stopwatcher_heartbeat_period", 30*time.Second)

	v.SetDefault("statuswriter.retries", 3)
	v.SetDefault("statuswriter.base_delay", 500*time.Millisecond)

	v.SetDefault("server.port", 8083)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")

	v.SetDefault("otel.endpoint", "")
}

func validate(cfg *Config) error {
	if cfg.Database.Host == "" || cfg.Database.Name == "" || cfg.Database.User == "" {
		return fmt.Errorf("config: database host, name, and user are required")
	}
	if cfg.Database.Port < 1 || cfg.Database.Port > 65535 {
		return fmt.Errorf("config: database.port out of range: %d", cfg.Database.Port)
	}

	if cfg.Orchestrator.LockTTL <= 0 {
		return fmt.Errorf("config: orchestrator.lock_ttl must be positive")
	}
	if cfg.Orchestrator.HeartbeatTTL <= 0 {
		return fmt.Errorf("config: orchestrator.heartbeat_ttl must be positive")
	}
	if cfg.Orchestrator.HeartbeatEventStride < 1 {
		return fmt.Errorf("config: orchestrator.heartbeat_event_stride must be >= 1")
	}
	if cfg.Orchestrator.ResponseListTTL <= 0 {
		return fmt.Errorf("config: orchestrator.response_list_ttl must be positive")
	}
	if cfg.Orchestrator.DrainTimeout <= 0 {
		return fmt.Errorf("config: orchestrator.drain_timeout must be positive")
	}
	if cfg.Orchestrator.StopPollTimeout <= 0 || cfg.Orchestrator.StopPollTimeout > 500*time.Millisecond {
		return fmt.Errorf("config: orchestrator.stop_poll_timeout must be in (0, 500ms] per the stop-latency bound")
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("config: server.port out of range: %d", cfg.Server.Port)
	}

	if cfg.StatusWriter.Retries < 1 {
		return fmt.Errorf("config: statuswriter.retries must be >= 1")
	}
	if cfg.StatusWriter.BaseDelay <= 0 {
		return fmt.Errorf("config: statuswriter.base_delay must be positive")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: logging.level invalid: %q", cfg.Logging.Level)
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("config: logging.format invalid: %q", cfg.Logging.Format)
	}

	return nil
}
