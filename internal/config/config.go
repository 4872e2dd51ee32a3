// Package config provides the process configuration schema, the YAML loader,
// and the Config Registry: the authoritative, process-wide mapping of
// server_id to ServerConfig that gates every pipeline and agent operation.
package config

import "github.com/felixsoderstrom/indexbot/internal/types"

// Config is the root process configuration, loaded once at startup from a
// YAML file and never mutated afterwards (per-server policy lives in the
// Registry/Store instead, since it is mutated at runtime through the setup flow).
type Config struct {
	Server   ServerSettings   `yaml:"server"`
	Discord  DiscordSettings  `yaml:"discord"`
	Database DatabaseSettings `yaml:"database"`
	Models   ModelSettings    `yaml:"models"`
	Agent    AgentSettings    `yaml:"agent"`
	Voice    VoiceSettings    `yaml:"voice"`
	STT      STTSettings      `yaml:"stt"`
	Queue    QueueSettings    `yaml:"queue"`
}

// ServerSettings holds process-level logging and debug settings.
type ServerSettings struct {
	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`

	// Debug enables verbose diagnostic logging in addition to LogLevel.
	Debug bool `yaml:"debug"`

	// ListenAddr is the address the health/metrics HTTP server binds to
	// (e.g. ":8080"). Empty disables the HTTP server entirely.
	ListenAddr string `yaml:"listen_addr"`
}

// DiscordSettings holds the bot token and the DM command prefix.
type DiscordSettings struct {
	// Token is the Discord bot token (e.g., "Bot MTIz...").
	Token string `yaml:"token"`

	// Prefix is the DM command prefix, e.g. "!".
	Prefix string `yaml:"prefix"`
}

// DatabaseSettings holds the relational and vector store connection settings.
// Both point at the same PostgreSQL instance in the reference deployment but
// are kept distinct so the vector store can be pointed elsewhere.
type DatabaseSettings struct {
	// PostgresDSN is the PostgreSQL connection string for the Conversation
	// Store and the Config Registry's durable backing table.
	PostgresDSN string `yaml:"postgres_dsn"`

	// VectorDSN is the PostgreSQL+pgvector connection string for the Vector
	// Store Facade. Defaults to PostgresDSN when empty.
	VectorDSN string `yaml:"vector_dsn"`
}

// ModelSettings names the models used by the Model Gateway and their
// sampling parameters.
type ModelSettings struct {
	// TextModelID is the chat-completion model used for the Agent Runner.
	TextModelID string `yaml:"text_model_id"`

	// VisionModelID is the model used for image captioning.
	VisionModelID string `yaml:"vision_model_id"`

	// EmbeddingModelID is the model used for text embedding. A server's
	// ServerConfig.EmbeddingModelID records which model its stored vectors
	// were embedded with; this is the model new embeddings are produced
	// with going forward.
	EmbeddingModelID string `yaml:"embedding_model_id"`

	// Temperature controls the text model's output randomness.
	Temperature float64 `yaml:"temperature"`

	// MaxResponseLength caps the character length of an agent response
	// (spec default 1800).
	MaxResponseLength int `yaml:"max_response_length"`

	// MaxContextMessages caps how many ConvTurn rows are read back for
	// audit/search formatting (the agent itself is stateless per request).
	MaxContextMessages int `yaml:"max_context_messages"`
}

// AgentSettings bounds the Agent Runner's tool-calling loop.
type AgentSettings struct {
	// MaxIterations caps tool-call round trips (spec default 10).
	MaxIterations int `yaml:"max_iterations"`

	// MaxExecutionTime bounds the executor's own wall clock, in seconds
	// (spec default 30).
	MaxExecutionTimeSeconds int `yaml:"max_execution_time_seconds"`

	// OuterDeadlineSeconds is the hard outer deadline applied by the Agent
	// Runner around each Respond call (spec default 45); the Queue Worker's
	// own chat timeout is separate.
	OuterDeadlineSeconds int `yaml:"outer_deadline_seconds"`
}

// VoiceSettings configures the Voice Manager's alone-timer.
type VoiceSettings struct {
	// AloneTimeoutSeconds is how long a created voice channel waits for the
	// requesting user to join before it is torn down (spec default 300).
	AloneTimeoutSeconds int `yaml:"alone_timeout_seconds"`
}

// STTSettings configures the Audio Sink's Whisper transcription backend.
type STTSettings struct {
	// Enabled toggles voice transcription entirely.
	Enabled bool `yaml:"enabled"`

	// ServerURL is the whisper.cpp server endpoint transcription requests are
	// sent to (e.g. "http://localhost:8081").
	ServerURL string `yaml:"server_url"`

	// SilenceDurationMs is the consecutive-silence duration that flushes an
	// accumulated utterance to transcription (spec default configurable).
	SilenceDurationMs int `yaml:"silence_duration_ms"`

	// ModelSize selects the Whisper model (e.g. "base.en", "small").
	ModelSize string `yaml:"model_size"`

	// Device selects the inference device the whisper.cpp server itself runs
	// on (e.g. "cpu", "cuda"). Informational: it describes how ServerURL was
	// deployed, not a value passed to the client.
	Device string `yaml:"device"`

	// ComputeType selects the Whisper quantization/precision (e.g. "int8")
	// the whisper.cpp server was built with. Informational, see Device.
	ComputeType string `yaml:"compute_type"`
}

// QueueSettings bounds the Request Queue.
type QueueSettings struct {
	// Capacity is the max number of non-terminal QueueRequests (spec default 50).
	Capacity int `yaml:"capacity"`

	// WorkerTimeoutSeconds is the overall chat-dispatch timeout enforced by
	// the Queue Worker (spec default 60).
	WorkerTimeoutSeconds int `yaml:"worker_timeout_seconds"`
}

// SetupResult is what a terminal setup flow yields for a newly seen server.
// Both fields are immutable once persisted, per the ServerConfig lifecycle.
type SetupResult struct {
	ErrorPolicy      types.ErrorPolicy
	EmbeddingModelID string
}

// SetupPrompter is the external terminal-setup collaborator invoked by
// ensure_configured for servers seen for the first time. Its concrete
// implementation (an interactive terminal wizard) is out of scope for this
// module; only the call contract is implemented here.
type SetupPrompter interface {
	PromptSetup(serverID, serverName string) (SetupResult, error)
}
