// Command indexbot is the main entry point for the message-indexing Discord
// bot: it ingests server messages into a per-server searchable index and
// answers questions about them over DM via a retrieval-augmented agent.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/felixsoderstrom/indexbot/internal/agent"
	"github.com/felixsoderstrom/indexbot/internal/audiosink"
	"github.com/felixsoderstrom/indexbot/internal/cleanup"
	"github.com/felixsoderstrom/indexbot/internal/config"
	"github.com/felixsoderstrom/indexbot/internal/convstore"
	"github.com/felixsoderstrom/indexbot/internal/discordaudio"
	"github.com/felixsoderstrom/indexbot/internal/discordbot"
	"github.com/felixsoderstrom/indexbot/internal/extract"
	"github.com/felixsoderstrom/indexbot/internal/gateway"
	"github.com/felixsoderstrom/indexbot/internal/health"
	"github.com/felixsoderstrom/indexbot/internal/observe"
	"github.com/felixsoderstrom/indexbot/internal/pipeline"
	"github.com/felixsoderstrom/indexbot/internal/queue"
	"github.com/felixsoderstrom/indexbot/internal/resilience"
	"github.com/felixsoderstrom/indexbot/internal/types"
	"github.com/felixsoderstrom/indexbot/internal/vectorstore"
	"github.com/felixsoderstrom/indexbot/internal/voice"
	"github.com/felixsoderstrom/indexbot/internal/worker"
	embeddingsopenai "github.com/felixsoderstrom/indexbot/pkg/provider/embeddings/openai"
	llmopenai "github.com/felixsoderstrom/indexbot/pkg/provider/llm/openai"
	"github.com/felixsoderstrom/indexbot/pkg/provider/stt/whisper"
	visionopenai "github.com/felixsoderstrom/indexbot/pkg/provider/vision/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "indexbot: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "indexbot: %v\n", err)
		}
		return 1
	}

	levelVar := new(slog.LevelVar)
	levelVar.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)
	slog.Info("indexbot starting", "config", *configPath, "log_level", cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: "dev"})
	if err != nil {
		slog.Error("failed to init observability provider", "error", err)
		return 1
	}
	defer shutdownOTel(context.Background())

	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		slog.Error("OPENAI_API_KEY must be set")
		return 1
	}

	textProvider, err := llmopenai.New(apiKey, cfg.Models.TextModelID)
	if err != nil {
		slog.Error("failed to construct text provider", "error", err)
		return 1
	}
	// Circuit-break the Agent Runner's critical path: a string of chat
	// failures opens the breaker so a degraded OpenAI backend fails fast
	// instead of letting every queued request hang out to its own timeout.
	textWithBreaker := resilience.NewLLMFallback(textProvider, "openai-chat", resilience.FallbackConfig{})
	visionProvider, err := visionopenai.New(apiKey, cfg.Models.VisionModelID)
	if err != nil {
		slog.Error("failed to construct vision provider", "error", err)
		return 1
	}
	embedProvider, err := embeddingsopenai.New(apiKey, cfg.Models.EmbeddingModelID)
	if err != nil {
		slog.Error("failed to construct embeddings provider", "error", err)
		return 1
	}

	gw := gateway.New(textWithBreaker, visionProvider, embedProvider)
	if err := gw.Prewarm(ctx); err != nil {
		slog.Warn("gateway prewarm failed, continuing", "error", err)
	}

	configStore, err := config.NewStore(ctx, cfg.Database.PostgresDSN)
	if err != nil {
		slog.Error("failed to open config store", "error", err)
		return 1
	}
	prompter := newNoninteractivePrompter(cfg.Models.EmbeddingModelID)
	registry, err := config.NewRegistry(ctx, configStore, prompter)
	if err != nil {
		slog.Error("failed to load config registry", "error", err)
		return 1
	}

	// Hot-reload the fields spec.md's ServerConfig lifecycle allows to
	// change without a restart: process log level, and the embedding model
	// newly onboarded servers are set up with. error_policy/embedding_model_id
	// on already-configured servers stay immutable, per config.Registry's
	// own contract.
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		diff := config.Diff(old, new)
		if diff.LogLevelChanged {
			levelVar.Set(slogLevel(diff.NewLogLevel))
			slog.Info("config reload: log level changed", "log_level", diff.NewLogLevel)
		}
		if diff.ModelsChanged {
			prompter.setEmbeddingModelID(new.Models.EmbeddingModelID)
			slog.Info("config reload: models changed", "embedding_model_id", new.Models.EmbeddingModelID)
		}
		if diff.QueueChanged {
			slog.Warn("config reload: queue settings changed, restart required to take effect")
		}
	})
	if err != nil {
		slog.Error("failed to start config watcher", "error", err)
		return 1
	}
	defer watcher.Stop()

	vstore, err := vectorstore.NewStore(ctx, cfg.VectorDSN(), gw.EmbeddingDimensions())
	if err != nil {
		slog.Error("failed to open vector store", "error", err)
		return 1
	}
	cstore, err := convstore.NewStore(ctx, cfg.Database.PostgresDSN)
	if err != nil {
		slog.Error("failed to open conversation store", "error", err)
		return 1
	}

	extractor := extract.New(gw)
	pl := pipeline.New(registry, extractor, gw, vstore)

	// Read each already-configured server's resumption state from the
	// Vector Store Facade before the Message Pipeline accepts any traffic,
	// per spec §4.2's resumption policy. There is no historical-backfill
	// loop yet to feed ResumeAfter/NeedsFullScan into; this only logs the
	// decision so it is visible at startup.
	for _, sc := range registry.Servers() {
		state, err := pipeline.ResolveResumeState(ctx, vstore, sc.ServerID)
		if err != nil {
			slog.Warn("failed to resolve resume state", "server_id", sc.ServerID, "error", err)
			continue
		}
		slog.Info("resume state resolved", "server_id", sc.ServerID,
			"needs_full_scan", state.NeedsFullScan, "message_count", state.MessageCount,
			"resume_after", state.ResumeAfter)
	}

	runner := agent.NewRunner(gw, vstore,
		agent.WithMaxIterations(cfg.Agent.MaxIterations),
		agent.WithMaxExecutionTime(time.Duration(cfg.Agent.MaxExecutionTimeSeconds)*time.Second),
		agent.WithOuterDeadline(time.Duration(cfg.Agent.OuterDeadlineSeconds)*time.Second),
		agent.WithMaxResponseChars(cfg.Models.MaxResponseLength),
	)

	session, err := discordbot.NewSession(cfg.Discord.Token)
	if err != nil {
		slog.Error("failed to construct discord session", "error", err)
		return 1
	}
	notifier := discordbot.NewNotifier(session)

	q := queue.New(notifier, queue.WithCapacity(cfg.Queue.Capacity))

	discordClient := discordaudio.New(session)
	voiceMgr := voice.New(discordClient, cstore, voice.WithAloneTimeout(time.Duration(cfg.Voice.AloneTimeoutSeconds)*time.Second))
	if err := voiceMgr.RecoverOpenSessions(ctx); err != nil {
		slog.Warn("failed to recover open voice sessions", "error", err)
	}

	// The Audio Sink (utterance buffering + transcription) is constructed
	// whenever STT is enabled; wiring live AudioFrames from an active voice
	// connection into it is internal/discordbot's capture-loop addition,
	// not yet built.
	if cfg.STT.Enabled {
		sttProvider, err := whisper.New(cfg.STT.ServerURL,
			whisper.WithModel(cfg.STT.ModelSize),
			whisper.WithSilenceThresholdMs(cfg.STT.SilenceDurationMs))
		if err != nil {
			slog.Error("failed to construct stt provider", "error", err)
			return 1
		}
		sttWithBreaker := resilience.NewSTTFallback(sttProvider, "whisper", resilience.FallbackConfig{})
		_ = audiosink.New(cstore, sttWithBreaker)
	}

	w := worker.New(q, runner, voiceMgr, cstore, notifier,
		worker.WithChatTimeout(time.Duration(cfg.Queue.WorkerTimeoutSeconds)*time.Second))
	w.Start(ctx)

	bot, err := discordbot.New(session, discordbot.Config{
		Token:         cfg.Discord.Token,
		Prefix:        cfg.Discord.Prefix,
		FrameworkMode: "openai",
	}, q, cstore, registry, vstore, pl)
	if err != nil {
		slog.Error("failed to start discord bot", "error", err)
		return 1
	}

	var httpServer *http.Server
	if cfg.Server.ListenAddr != "" {
		mux := http.NewServeMux()
		healthHandler := health.New(
			health.Checker{Name: "config_store", Check: func(ctx context.Context) error { return nil }},
			health.Checker{Name: "gateway", Check: func(ctx context.Context) error {
				h := gw.HealthCheck(ctx)
				if !h.Text.Healthy {
					return h.Text.Err
				}
				return nil
			}},
		)
		healthHandler.Register(mux)
		httpServer = &http.Server{Addr: cfg.Server.ListenAddr, Handler: observe.Middleware(observe.DefaultMetrics())(mux)}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server failed", "error", err)
			}
		}()
		slog.Info("health/metrics server listening", "addr", cfg.Server.ListenAddr)
	}

	slog.Info("indexbot ready — press Ctrl+C to shut down")
	<-ctx.Done()
	slog.Info("shutdown signal received, stopping…")

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
	}
	_ = bot.Close()

	coordinator := cleanup.New(w, voiceMgr, gw, []cleanup.StoreCloser{vstore, cstore, configStore})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	results := coordinator.Run(shutdownCtx)
	for _, r := range results {
		if r.Err != nil {
			slog.Error("shutdown step failed", "step", r.Name, "error", r.Err)
		} else {
			slog.Info("shutdown step ok", "step", r.Name)
		}
	}

	if !cleanup.Success(results) {
		return cleanup.ExitCode(results)
	}
	slog.Info("goodbye")
	return 0
}

// noninteractivePrompter is the default SetupPrompter used when no real
// terminal setup wizard is wired in: newly seen servers get the
// conservative defaults (skip on extraction failure, gateway's configured
// text-embedding model) rather than blocking on operator input.
// embeddingModelID is an atomic.Value so a config reload can update the
// default applied to servers onboarded after the reload, without racing
// concurrent EnsureConfigured calls.
type noninteractivePrompter struct {
	embeddingModelID atomic.Value
}

func newNoninteractivePrompter(embeddingModelID string) *noninteractivePrompter {
	p := &noninteractivePrompter{}
	p.embeddingModelID.Store(embeddingModelID)
	return p
}

func (p *noninteractivePrompter) setEmbeddingModelID(id string) {
	p.embeddingModelID.Store(id)
}

func (p *noninteractivePrompter) PromptSetup(serverID, serverName string) (config.SetupResult, error) {
	return config.SetupResult{
		ErrorPolicy:      types.PolicySkip,
		EmbeddingModelID: p.embeddingModelID.Load().(string),
	}, nil
}

func slogLevel(level string) slog.Level {
	switch config.LogLevel(level) {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
