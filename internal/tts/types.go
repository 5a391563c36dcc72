package tts

import (
	"context"

	"github.com/loqalabs/loqa-meditation/internal/audio"
)

// Request carries everything the voice-cloning engine needs for one synthesis.
type Request struct {
	RequestID      string
	RefAudioPath   string
	PromptText     string
	PromptLanguage string
	Text           string
	TextLanguage   string
	SplitMode      SplitMode
	TopK           int
	TopP           float64
	Temperature    float64
	Speed          float64
	PauseSeconds   float64
	SampleSteps    int
	RefFree        bool
	FreezeTone     bool
	SuperResolve   bool
}

// Segment is one chunk of synthesized audio in emission order.
type Segment struct {
	Sequence int
	audio.Buffer
}

// Synthesizer is the contract for producing audio. The segment channel is closed
// when the engine is done; at most one error is delivered on the error channel.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (<-chan Segment, <-chan error)
}

// ModelLoader swaps the weights loaded into the engine.
type ModelLoader interface {
	LoadSoVITS(ctx context.Context, id string) error
	LoadGPT(ctx context.Context, id string) error
}

// Engine is a backend that both synthesizes and accepts model swaps.
type Engine interface {
	Synthesizer
	ModelLoader
}
