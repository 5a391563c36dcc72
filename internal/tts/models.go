package tts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// ModelSelection names the weights for the engine's two model slots. Empty
// fields mean "keep whatever is loaded".
type ModelSelection struct {
	SoVITS string `json:"sovits,omitempty" yaml:"sovits"`
	GPT    string `json:"gpt,omitempty" yaml:"gpt"`
}

// ModelRegistry remembers which weights the engine currently holds and only
// asks the loader to swap a slot when the requested weights differ.
type ModelRegistry struct {
	loader ModelLoader
	log    *slog.Logger

	mu      sync.Mutex
	current ModelSelection
}

// NewModelRegistry records initial as the loaded selection without loading it.
func NewModelRegistry(loader ModelLoader, initial ModelSelection, log *slog.Logger) *ModelRegistry {
	return &ModelRegistry{
		loader:  loader,
		current: initial,
		log:     log.With(slog.String("component", "model-registry")),
	}
}

// Current returns the selection believed to be loaded.
func (r *ModelRegistry) Current() ModelSelection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Ensure swaps each slot whose requested weights differ from the loaded ones.
// A slot's state is updated only after its load succeeds.
func (r *ModelRegistry) Ensure(ctx context.Context, want ModelSelection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if want.SoVITS != "" && want.SoVITS != r.current.SoVITS {
		r.log.Info("switching sovits weights", slog.String("from", r.current.SoVITS), slog.String("to", want.SoVITS))
		if err := r.loader.LoadSoVITS(ctx, want.SoVITS); err != nil {
			return fmt.Errorf("load sovits weights %q: %w", want.SoVITS, err)
		}
		r.current.SoVITS = want.SoVITS
	}
	if want.GPT != "" && want.GPT != r.current.GPT {
		r.log.Info("switching gpt weights", slog.String("from", r.current.GPT), slog.String("to", want.GPT))
		if err := r.loader.LoadGPT(ctx, want.GPT); err != nil {
			return fmt.Errorf("load gpt weights %q: %w", want.GPT, err)
		}
		r.current.GPT = want.GPT
	}
	return nil
}

// Preload forces the configured selection into the engine at startup.
func (r *ModelRegistry) Preload(ctx context.Context) error {
	r.mu.Lock()
	want := r.current
	r.current = ModelSelection{}
	r.mu.Unlock()
	return r.Ensure(ctx, want)
}
