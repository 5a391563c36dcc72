package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-meditation/internal/assembler"
	"github.com/loqalabs/loqa-meditation/internal/audio"
	"github.com/loqalabs/loqa-meditation/internal/config"
	"github.com/loqalabs/loqa-meditation/internal/eventstore"
	"github.com/loqalabs/loqa-meditation/internal/service"
	"github.com/loqalabs/loqa-meditation/internal/tts"
)

// Pipeline bundles the generation components shared by the daemon and the CLI.
type Pipeline struct {
	Engine    tts.Engine
	Models    *tts.ModelRegistry
	Assembler *assembler.Assembler
	Generator *service.Generator
	Store     *eventstore.Store
}

// BuildEngine selects the engine backend named by cfg.Mode.
func BuildEngine(cfg config.EngineConfig) (tts.Engine, error) {
	switch cfg.Mode {
	case "", "mock":
		return tts.NewMockEngine(cfg.SampleRate), nil
	case "exec":
		return tts.NewExecEngine(tts.ExecOptions{
			Command:     cfg.Command,
			Version:     cfg.Version,
			IsHalf:      cfg.IsHalf,
			SampleSteps: cfg.SampleSteps,
		})
	case "http":
		return tts.NewHTTPEngine(tts.HTTPOptions{
			Endpoint:    cfg.Endpoint,
			SampleSteps: cfg.SampleSteps,
			Timeout:     time.Duration(cfg.TimeoutSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("unsupported engine mode %q", cfg.Mode)
	}
}

// NewPipeline opens the event store and wires engine, model registry,
// assembler and generator from cfg. Configured models are loaded eagerly.
func NewPipeline(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Pipeline, error) {
	engine, err := BuildEngine(cfg.Engine)
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}

	policy, err := assembler.ParseMismatchPolicy(cfg.Generation.MismatchPolicy)
	if err != nil {
		return nil, err
	}

	store, err := eventstore.Open(ctx, cfg.EventStore, logger)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	if err := store.Ensure(); err != nil {
		store.Close()
		return nil, err
	}

	models := tts.NewModelRegistry(engine, tts.ModelSelection{SoVITS: cfg.Models.SoVITS, GPT: cfg.Models.GPT}, logger)
	if cfg.Models.SoVITS != "" || cfg.Models.GPT != "" {
		if err := models.Preload(ctx); err != nil {
			logger.Warn("failed to preload models", slog.String("error", err.Error()))
		}
	}

	decoder := audio.NewFFmpegDecoder(cfg.Audio.FFmpegPath, cfg.Audio.FFprobePath)
	asm, err := assembler.New(assembler.Options{
		Synthesizer: engine,
		Models:      models,
		Normalizer:  audio.NewNormalizer(decoder, cfg.Generation.TempDir),
		Policy:      policy,
		Logger:      logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	logger.Info("generation pipeline ready",
		slog.String("engine", cfg.Engine.Mode),
		slog.String("mismatch_policy", string(policy)),
		slog.String("default_preset", cfg.Generation.DefaultPreset),
	)

	return &Pipeline{
		Engine:    engine,
		Models:    models,
		Assembler: asm,
		Generator: service.NewGenerator(asm, store, cfg.Generation, logger),
		Store:     store,
	}, nil
}

func (p *Pipeline) Close() error {
	if p == nil || p.Store == nil {
		return nil
	}
	return p.Store.Close()
}
