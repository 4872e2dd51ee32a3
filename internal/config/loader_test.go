package config_test

import (
	"strings"
	"testing"

	"github.com/felixsoderstrom/indexbot/internal/config"
)

const validYAML = `
discord:
  token: "Bot abc123"
database:
  postgres_dsn: "postgres://localhost/indexbot"
models:
  text_model_id: "gpt-4o-mini"
`

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Discord.Prefix != "!" {
		t.Errorf("Discord.Prefix default: want %q, got %q", "!", cfg.Discord.Prefix)
	}
	if cfg.Models.Temperature != 0.7 {
		t.Errorf("Models.Temperature default: want 0.7, got %v", cfg.Models.Temperature)
	}
	if cfg.Agent.MaxIterations != 10 {
		t.Errorf("Agent.MaxIterations default: want 10, got %d", cfg.Agent.MaxIterations)
	}
	if cfg.Queue.Capacity != 50 {
		t.Errorf("Queue.Capacity default: want 50, got %d", cfg.Queue.Capacity)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	yaml := validYAML + "\nbogus_field: true\n"
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Error("LoadFromReader: expected error for unknown field, got nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr bool
	}{
		{
			name:    "missing discord token",
			mutate:  func(c *config.Config) { c.Discord.Token = "" },
			wantErr: true,
		},
		{
			name:    "missing postgres dsn",
			mutate:  func(c *config.Config) { c.Database.PostgresDSN = "" },
			wantErr: true,
		},
		{
			name:    "temperature out of range",
			mutate:  func(c *config.Config) { c.Models.Temperature = 3 },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			mutate:  func(c *config.Config) { c.Server.LogLevel = "verbose" },
			wantErr: true,
		},
		{
			name:    "stt enabled without model size",
			mutate:  func(c *config.Config) { c.STT.Enabled = true },
			wantErr: true,
		},
		{
			name:    "stt enabled with model size but no server url",
			mutate:  func(c *config.Config) { c.STT.Enabled = true; c.STT.ModelSize = "base.en" },
			wantErr: true,
		},
		{
			name: "stt enabled with model size and server url",
			mutate: func(c *config.Config) {
				c.STT.Enabled = true
				c.STT.ModelSize = "base.en"
				c.STT.ServerURL = "http://localhost:8081"
			},
			wantErr: false,
		},
		{
			name:    "missing embedding model id",
			mutate:  func(c *config.Config) { c.Models.EmbeddingModelID = "" },
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
			if err != nil {
				t.Fatalf("base config: %v", err)
			}
			tc.mutate(cfg)

			err = config.Validate(cfg)
			if tc.wantErr && err == nil {
				t.Error("Validate: expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("Validate: unexpected error: %v", err)
			}
		})
	}
}

func TestVectorDSN_FallsBackToPostgres(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if got := cfg.VectorDSN(); got != cfg.Database.PostgresDSN {
		t.Errorf("VectorDSN fallback: want %q, got %q", cfg.Database.PostgresDSN, got)
	}

	cfg.Database.VectorDSN = "postgres://vector-host/db"
	if got := cfg.VectorDSN(); got != "postgres://vector-host/db" {
		t.Errorf("VectorDSN explicit: want explicit DSN, got %q", got)
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	if !config.LogInfo.IsValid() {
		t.Error("LogInfo should be valid")
	}
	if config.LogLevel("verbose").IsValid() {
		t.Error("unknown level should not be valid")
	}
}
