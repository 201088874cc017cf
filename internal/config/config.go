package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the full server configuration, loaded from a yaml file with
// env overrides for secrets.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	NATS      NATSConfig      `yaml:"nats"`
	Inference InferenceConfig `yaml:"inference"`
	Rounds    RoundsConfig    `yaml:"rounds"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type NATSConfig struct {
	URL           string        `yaml:"url"`
	StreamName    string        `yaml:"stream_name"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	ConsumerName  string        `yaml:"consumer_name"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

type InferenceConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	Model          string        `yaml:"model"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	// TimeoutCeiling is how long a pending result may sit before the
	// recovery detector raises ai_timeout.
	TimeoutCeiling time.Duration `yaml:"timeout_ceiling"`
}

type RoundsConfig struct {
	DefaultDecisionWindow time.Duration `yaml:"default_decision_window"`
	DefaultExtendWindow   time.Duration `yaml:"default_extend_window"`
	UrgentThreshold       time.Duration `yaml:"urgent_threshold"`
	SchedulerBatchSize    int32         `yaml:"scheduler_batch_size"`
}

type RecoveryConfig struct {
	ScanInterval time.Duration `yaml:"scan_interval"`
	// RetainedDeltas bounds the per-session delta log the gateway keeps for
	// get_session_deltas; older versions force a full resync.
	RetainedDeltas int `yaml:"retained_deltas"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Load reads and parses the yaml config at path, then applies env
// overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyEnv()
	return cfg, nil
}

// Default returns the built-in defaults; a missing config file is not an
// error for local runs.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			StreamName:    "CONCLAVE_EVENTS",
			SubjectPrefix: "conclave.events",
			ConsumerName:  "conclave-gateway",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Inference: InferenceConfig{
			Model:          "gpt-4o-mini",
			RequestTimeout: 120 * time.Second,
			MaxAttempts:    3,
			TimeoutCeiling: 3 * time.Minute,
		},
		Rounds: RoundsConfig{
			DefaultDecisionWindow: 90 * time.Second,
			DefaultExtendWindow:   30 * time.Second,
			UrgentThreshold:       15 * time.Second,
			SchedulerBatchSize:    32,
		},
		Recovery: RecoveryConfig{
			ScanInterval:   10 * time.Second,
			RetainedDeltas: 256,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("INFERENCE_API_KEY"); v != "" {
		c.Inference.APIKey = v
	}
	if v := os.Getenv("INFERENCE_BASE_URL"); v != "" {
		c.Inference.BaseURL = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
}
