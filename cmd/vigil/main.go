// Command vigil is the realtime therapy-session transcription and crisis
// guardrail server.
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
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/clearpath-health/vigil/internal/config"
	"github.com/clearpath-health/vigil/internal/health"
	"github.com/clearpath-health/vigil/internal/observe"
	"github.com/clearpath-health/vigil/internal/resilience"
	"github.com/clearpath-health/vigil/internal/risk"
	"github.com/clearpath-health/vigil/internal/server"
	"github.com/clearpath-health/vigil/internal/store"
	"github.com/clearpath-health/vigil/internal/stream"
	"github.com/clearpath-health/vigil/pkg/provider/llm"
	"github.com/clearpath-health/vigil/pkg/provider/llm/anyllm"
	llmopenai "github.com/clearpath-health/vigil/pkg/provider/llm/openai"
	"github.com/clearpath-health/vigil/pkg/provider/stt"
	"github.com/clearpath-health/vigil/pkg/provider/stt/assemblyai"
	"github.com/clearpath-health/vigil/pkg/provider/stt/deepgram"
	sttopenai "github.com/clearpath-health/vigil/pkg/provider/stt/openai"
	"github.com/clearpath-health/vigil/pkg/provider/stt/whisper"
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
			fmt.Fprintf(os.Stderr, "vigil: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "vigil: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server)
	slog.SetDefault(logger)

	slog.Info("vigil starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "vigil",
		Environment: os.Getenv("VIGIL_ENV"),
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// Created after InitProvider so the instruments bind to the Prometheus
	// bridge rather than a no-op provider.
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg)

	chain, llmProvider, err := buildProviders(cfg, reg, logger)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Storage (optional) ────────────────────────────────────────────────────
	var (
		db     *store.Store
		mgrOps []stream.ManagerOption
	)
	checkers := []health.Checker{
		health.STTChecker(chain),
		health.LLMChecker(llmProvider),
	}
	if cfg.Storage.PostgresDSN != "" {
		db, err = store.New(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			slog.Error("failed to connect to database", "err", err)
			return 1
		}
		defer db.Close()
		mgrOps = append(mgrOps, stream.WithStore(db))
		checkers = append(checkers, health.DatabaseChecker(db))
		slog.Info("transcript persistence enabled")
	}

	// ── Pipeline ──────────────────────────────────────────────────────────────
	guardrail := risk.NewGuardrail(llmProvider,
		risk.WithLogger(logger),
		risk.WithWindow(cfg.Risk.WindowSeconds, cfg.Risk.WindowWords),
		risk.WithTimeout(time.Duration(cfg.Risk.TimeoutSeconds)*time.Second),
	)

	mgrOps = append(mgrOps,
		stream.WithLogger(logger),
		stream.WithMetrics(metrics),
	)
	manager := stream.NewManager(stream.Config{
		SampleRate:    cfg.Audio.SampleRate,
		ChunkMS:       cfg.Audio.ChunkMS,
		RiskThreshold: cfg.Risk.Threshold,
		BatchEvery:    cfg.Session.BatchEvery,
		WindowChunks:  cfg.Session.WindowChunks,
		MaxChunks:     cfg.Audio.RetainedChunks,
		TempDir:       cfg.Audio.TempDir,
	}, chain, guardrail, mgrOps...)
	defer manager.Close()

	srv := server.New(manager,
		server.WithLogger(logger),
		server.WithMetrics(metrics),
		server.WithHealth(health.New(checkers...)),
		server.WithOriginPatterns([]string{"*"}),
		server.WithTranscriber(chain, cfg.Audio.TempDir),
		server.WithGuardrail(guardrail, cfg.Risk.Threshold),
	)

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready", "addr", cfg.Server.ListenAddr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("assemblyai", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []assemblyai.Option{
			assemblyai.WithSampleRate(cfg.Audio.SampleRate),
		}
		if cfg.Session.MaxRealtimeStreams > 0 {
			opts = append(opts, assemblyai.WithMaxStreams(int64(cfg.Session.MaxRealtimeStreams)))
		}
		if config.OptBool(entry.Options, "format_turns") {
			opts = append(opts, assemblyai.WithFormatTurns(true))
		}
		if ep := config.OptString(entry.Options, "stream_endpoint"); ep != "" {
			opts = append(opts, assemblyai.WithStreamEndpoint(ep))
		}
		if entry.BaseURL != "" {
			opts = append(opts, assemblyai.WithAPIEndpoint(entry.BaseURL))
		}
		return assemblyai.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []deepgram.Option{
			deepgram.WithSampleRate(cfg.Audio.SampleRate),
		}
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := config.OptString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if cfg.Session.MaxRealtimeStreams > 0 {
			opts = append(opts, deepgram.WithMaxStreams(int64(cfg.Session.MaxRealtimeStreams)))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithAPIEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = config.OptString(entry.Options, "model_path")
		}
		opts := []whisper.Option{
			whisper.WithSampleRate(cfg.Audio.SampleRate),
		}
		if lang := config.OptString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(modelPath, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []sttopenai.Option
		if entry.Model != "" {
			opts = append(opts, sttopenai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, sttopenai.WithBaseURL(entry.BaseURL))
		}
		return sttopenai.New(entry.APIKey, opts...)
	})

	// ── LLM ───────────────────────────────────────────────────────────────────
	// gemini, anthropic, deepseek, mistral, groq, llamacpp, llamafile share
	// the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"gemini", "anthropic",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// openai uses the native SDK client rather than the any-llm bridge.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []llmopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(entry.BaseURL))
		}
		return llmopenai.New(entry.APIKey, entry.Model, opts...)
	})
}

// buildProviders instantiates the STT fallback chain and the risk LLM from
// the configuration. A missing LLM entry is allowed: the guardrail then runs
// on keyword scoring alone.
func buildProviders(cfg *config.Config, reg *config.Registry, logger *slog.Logger) (stt.Provider, llm.Provider, error) {
	if len(cfg.Providers.STT) == 0 {
		return nil, nil, fmt.Errorf("no stt providers configured")
	}

	providers := make([]stt.Provider, 0, len(cfg.Providers.STT))
	for _, entry := range cfg.Providers.STT {
		p, err := reg.CreateSTT(entry)
		if err != nil {
			return nil, nil, fmt.Errorf("create stt provider %q: %w", entry.Name, err)
		}
		providers = append(providers, p)
		slog.Info("provider created", "kind", "stt", "name", entry.Name)
	}

	chain, err := resilience.NewChain(resilience.BreakerConfig{}, logger, providers...)
	if err != nil {
		return nil, nil, err
	}

	var llmProvider llm.Provider
	if name := cfg.Providers.LLM.Name; name != "" {
		llmProvider, err = reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return nil, nil, fmt.Errorf("create llm provider %q: %w", name, err)
		}
		slog.Info("provider created", "kind", "llm", "name", name, "model", cfg.Providers.LLM.Model)
	} else {
		slog.Warn("no llm provider configured, risk scoring uses keyword fallback only")
	}

	return chain, llmProvider, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(cfg config.ServerConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel.SlogLevel()}
	if cfg.LogFormat == config.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
