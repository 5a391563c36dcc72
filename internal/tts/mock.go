package tts

import (
	"context"
	"math"
	"sync"
	"unicode/utf8"

	"github.com/loqalabs/loqa-meditation/internal/audio"
)

// mockSynth emits one quiet tone per text slice so the pipeline can run without
// an engine attached.
type mockSynth struct {
	sampleRate int

	mu     sync.Mutex
	sovits string
	gpt    string
}

// NewMockEngine returns an Engine producing deterministic placeholder audio.
func NewMockEngine(sampleRate int) Engine {
	if sampleRate <= 0 {
		sampleRate = 32000
	}
	return &mockSynth{sampleRate: sampleRate}
}

func (m *mockSynth) LoadSoVITS(_ context.Context, id string) error {
	m.mu.Lock()
	m.sovits = id
	m.mu.Unlock()
	return nil
}

func (m *mockSynth) LoadGPT(_ context.Context, id string) error {
	m.mu.Lock()
	m.gpt = id
	m.mu.Unlock()
	return nil
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (<-chan Segment, <-chan error) {
	segments := make(chan Segment)
	errs := make(chan error, 1)
	go func() {
		defer close(segments)
		defer close(errs)
		for i, piece := range SplitText(req.Text, req.SplitMode) {
			seg := Segment{Sequence: i, Buffer: m.tone(piece, req.Speed, req.PauseSeconds)}
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case segments <- seg:
			}
		}
	}()
	return segments, errs
}

// tone lasts 60ms per rune scaled by speed, followed by pause seconds of silence.
func (m *mockSynth) tone(text string, speed, pause float64) audio.Buffer {
	if speed <= 0 {
		speed = 1
	}
	voiced := int(float64(utf8.RuneCountInString(text)) * 0.06 / speed * float64(m.sampleRate))
	silent := int(pause * float64(m.sampleRate))
	samples := make([]float32, voiced+silent)
	for i := 0; i < voiced; i++ {
		samples[i] = float32(0.1 * math.Sin(2*math.Pi*220*float64(i)/float64(m.sampleRate)))
	}
	return audio.Buffer{SampleRate: m.sampleRate, Samples: samples}
}
