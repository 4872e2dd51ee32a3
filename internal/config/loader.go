package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// LogLevel is a validated process log level.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

var validLogLevels = []string{string(LogDebug), string(LogInfo), string(LogWarn), string(LogError)}

// Load reads the YAML configuration file at path and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults sets the spec-named defaults before YAML decoding overlays
// explicit values on top.
func applyDefaults(cfg *Config) {
	cfg.Discord.Prefix = "!"
	cfg.Models.Temperature = 0.7
	cfg.Models.MaxResponseLength = 1800
	cfg.Models.MaxContextMessages = 20
	cfg.Agent.MaxIterations = 10
	cfg.Agent.MaxExecutionTimeSeconds = 30
	cfg.Agent.OuterDeadlineSeconds = 45
	cfg.Voice.AloneTimeoutSeconds = 300
	cfg.STT.SilenceDurationMs = 500
	cfg.Queue.Capacity = 50
	cfg.Queue.WorkerTimeoutSeconds = 60
	cfg.Models.EmbeddingModelID = "text-embedding-3-small"
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !slices.Contains(validLogLevels, cfg.Server.LogLevel) {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: %v", cfg.Server.LogLevel, validLogLevels))
	}

	if cfg.Discord.Token == "" {
		errs = append(errs, errors.New("discord.token is required"))
	}
	if cfg.Discord.Prefix == "" {
		errs = append(errs, errors.New("discord.prefix must not be empty"))
	}

	if cfg.Database.PostgresDSN == "" {
		errs = append(errs, errors.New("database.postgres_dsn is required"))
	}

	if cfg.Models.TextModelID == "" {
		errs = append(errs, errors.New("models.text_model_id is required"))
	}
	if cfg.Models.Temperature < 0 || cfg.Models.Temperature > 2 {
		errs = append(errs, fmt.Errorf("models.temperature %.2f is out of range [0, 2]", cfg.Models.Temperature))
	}
	if cfg.Models.MaxResponseLength <= 0 {
		errs = append(errs, errors.New("models.max_response_length must be positive"))
	}
	if cfg.Models.EmbeddingModelID == "" {
		errs = append(errs, errors.New("models.embedding_model_id is required"))
	}

	if cfg.Agent.MaxIterations <= 0 {
		errs = append(errs, errors.New("agent.max_iterations must be positive"))
	}
	if cfg.Agent.MaxExecutionTimeSeconds <= 0 {
		errs = append(errs, errors.New("agent.max_execution_time_seconds must be positive"))
	}

	if cfg.Queue.Capacity <= 0 {
		errs = append(errs, errors.New("queue.capacity must be positive"))
	}

	if cfg.STT.Enabled && cfg.STT.ModelSize == "" {
		errs = append(errs, errors.New("stt.model_size is required when stt.enabled is true"))
	}
	if cfg.STT.Enabled && cfg.STT.ServerURL == "" {
		errs = append(errs, errors.New("stt.server_url is required when stt.enabled is true"))
	}

	return errors.Join(errs...)
}

// VectorDSN returns the effective vector-store DSN, falling back to the
// relational DSN when a dedicated one was not configured.
func (c *Config) VectorDSN() string {
	if c.Database.VectorDSN != "" {
		return c.Database.VectorDSN
	}
	return c.Database.PostgresDSN
}

// IsValid reports whether lvl is one of the known log levels.
func (lvl LogLevel) IsValid() bool {
	return slices.Contains(validLogLevels, string(lvl))
}
