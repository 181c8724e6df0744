package gateway

import (
	"context"
	"fmt"

	"github.com/vnorme/vnorme-bot/internal/assistant"
	"github.com/vnorme/vnorme-bot/internal/clock"
	"github.com/vnorme/vnorme-bot/internal/config"
	"github.com/vnorme/vnorme-bot/internal/extract"
	"github.com/vnorme/vnorme-bot/internal/llm"
	"github.com/vnorme/vnorme-bot/internal/profile"
	"github.com/vnorme/vnorme-bot/internal/prompts"
	"github.com/vnorme/vnorme-bot/internal/retention"
)

// GeneratorFactory creates the reply generator (allows mocking in tests)
type GeneratorFactory func(cfg *config.Config) (llm.Generator, error)

// MediaFactory creates the transcription and vision collaborators.
type MediaFactory func(cfg *config.Config) (llm.Transcriber, llm.Vision, error)

// DefaultGeneratorFactory builds the SDK-backed generator for the configured provider.
func DefaultGeneratorFactory(cfg *config.Config) (llm.Generator, error) {
	return llm.NewGenerator(cfg)
}

// DefaultMediaFactory builds the OpenAI media client for both roles.
func DefaultMediaFactory(cfg *config.Config) (llm.Transcriber, llm.Vision, error) {
	c, err := llm.NewMediaClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	return c, c, nil
}

// Runtime is the conversation core shared by the server and the CLI: store,
// retention and the assistant wired to its collaborators.
type Runtime struct {
	Store     *profile.MemoryStore
	Backend   retention.Backend
	Retention *retention.Manager
	Assistant *assistant.Assistant
	Prompts   prompts.Pack
	Hydrated  int
}

type RuntimeOptions struct {
	GeneratorFactory GeneratorFactory
	MediaFactory     MediaFactory
	Clock            clock.Clock
}

// NewRuntime opens the snapshot backend, hydrates the store and builds the
// assistant.
func NewRuntime(ctx context.Context, cfg *config.Config, opts RuntimeOptions) (*Runtime, error) {
	durations, err := cfg.Retention.Durations()
	if err != nil {
		return nil, fmt.Errorf("retention settings: %w", err)
	}
	loc, err := cfg.Agent.Location()
	if err != nil {
		return nil, err
	}
	pack, err := prompts.Load(cfg.Prompts.File)
	if err != nil {
		return nil, err
	}

	genFactory := opts.GeneratorFactory
	if genFactory == nil {
		genFactory = DefaultGeneratorFactory
	}
	gen, err := genFactory(cfg)
	if err != nil {
		return nil, fmt.Errorf("create generator: %w", err)
	}
	mediaFactory := opts.MediaFactory
	if mediaFactory == nil {
		mediaFactory = DefaultMediaFactory
	}
	transcriber, vision, err := mediaFactory(cfg)
	if err != nil {
		return nil, fmt.Errorf("create media client: %w", err)
	}

	backend, err := retention.OpenBackend(cfg.Retention.Backend, cfg.Retention.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	store := profile.NewMemoryStore()
	mgr := retention.NewManager(store, backend, retention.Options{
		Policy: profile.ExpiryPolicy{
			InactivityTTL: durations.InactivityTTL,
			MaxAge:        durations.MaxRecordAge,
		},
		Debounce: durations.PersistDebounce,
		Clock:    clk,
	})

	rt := &Runtime{
		Store:     store,
		Backend:   backend,
		Retention: mgr,
		Prompts:   pack,
	}
	rt.Hydrated = mgr.Hydrate(ctx)

	rt.Assistant = assistant.New(assistant.Options{
		Store:           store,
		Retention:       mgr,
		Generator:       gen,
		Transcriber:     transcriber,
		Vision:          vision,
		Prompts:         pack,
		Assisted:        extract.NewAssisted(gen),
		Clock:           clk,
		Location:        loc,
		HistoryLimit:    cfg.Agent.HistoryLimit,
		MaxTokens:       cfg.Agent.MaxTokens,
		Temperature:     cfg.Agent.Temperature,
		PhotoDailyLimit: cfg.Agent.PhotoDailyLimit,
	})
	return rt, nil
}

// Close flushes pending changes and releases the backend.
func (r *Runtime) Close(ctx context.Context) error {
	return r.Retention.Close(ctx)
}
