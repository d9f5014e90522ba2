package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConfig() *Config {
	cfg := &Config{
		Database: DatabaseConfig{Host: "localhost", Port: 5432, User: "kandev", Name: "kandev"},
		Orchestrator: OrchestratorConfig{
			LockTTL:              time.Hour,
			HeartbeatTTL:         time.Minute,
			HeartbeatEventStride: 10,
			ResponseListTTL:      time.Hour,
			DrainTimeout:         time.Second,
			StopPollTimeout:      100 * time.Millisecond,
		},
		Server:       ServerConfig{Port: 8083},
		StatusWriter: StatusWriterConfig{Retries: 3, BaseDelay: time.Millisecond},
		Logging:      LoggingConfig{Level: "info", Format: "json"},
	}
	return cfg
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	assert.NoError(t, validate(baseConfig()))
}

func TestValidateRejectsMissingDatabaseFields(t *testing.T) {
	cfg := baseConfig()
	cfg.Database.Host = ""
	assert.Error(t, validate(cfg), "validate() should reject an empty database.host")
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := baseConfig()
	cfg.Database.Port = 70000
	assert.Error(t, validate(cfg), "validate() should reject an out-of-range database.port")
}

func TestValidateRejectsBadServerPort(t *testing.T) {
	cfg := baseConfig()
	cfg.Server.Port = 0
	assert.Error(t, validate(cfg), "validate() should reject server.port = 0")
}

func TestValidateRejectsNonPositiveOrchestratorDurations(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.Orchestrator.LockTTL = 0 },
		func(c *Config) { c.Orchestrator.HeartbeatTTL = 0 },
		func(c *Config) { c.Orchestrator.HeartbeatEventStride = 0 },
		func(c *Config) { c.Orchestrator.ResponseListTTL = 0 },
		func(c *Config) { c.Orchestrator.DrainTimeout = 0 },
	}
	for i, mutate := range cases {
		cfg := baseConfig()
		mutate(cfg)
		assert.Errorf(t, validate(cfg), "case %d: validate() should reject the mutated field", i)
	}
}

func TestValidateEnforcesStopPollTimeoutBound(t *testing.T) {
	cfg := baseConfig()
	cfg.Orchestrator.StopPollTimeout = 501 * time.Millisecond
	assert.Error(t, validate(cfg), "validate() should reject stop_poll_timeout above 500ms")

	cfg = baseConfig()
	cfg.Orchestrator.StopPollTimeout = 0
	assert.Error(t, validate(cfg), "validate() should reject stop_poll_timeout = 0")
}

func TestValidateRejectsBadStatusWriterConfig(t *testing.T) {
	cfg := baseConfig()
	cfg.StatusWriter.Retries = 0
	assert.Error(t, validate(cfg), "validate() should reject statuswriter.retries < 1")

	cfg = baseConfig()
	cfg.StatusWriter.BaseDelay = 0
	assert.Error(t, validate(cfg), "validate() should reject statuswriter.base_delay <= 0")
}

func TestValidateRejectsUnknownLoggingLevel(t *testing.T) {
	cfg := baseConfig()
	cfg.Logging.Level = "verbose"
	assert.Error(t, validate(cfg), "validate() should reject an unknown logging.level")
}

func TestValidateRejectsUnknownLoggingFormat(t *testing.T) {
	cfg := baseConfig()
	cfg.Logging.Format = "xml"
	assert.Error(t, validate(cfg), "validate() should reject an unknown logging.format")
}

func TestLoadWithPathAppliesDefaultsAndValidates(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, cfg.NATS.URL, "default nats.url should be empty (dev mode)")
	assert.Equal(t, 2*time.Hour, cfg.Orchestrator.LockTTL)
	assert.Equal(t, 8083, cfg.Server.Port)
}
