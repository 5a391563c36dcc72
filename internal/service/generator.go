package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-meditation/internal/assembler"
	"github.com/loqalabs/loqa-meditation/internal/audio"
	"github.com/loqalabs/loqa-meditation/internal/config"
	"github.com/loqalabs/loqa-meditation/internal/eventstore"
	"github.com/loqalabs/loqa-meditation/internal/preset"
	"github.com/loqalabs/loqa-meditation/internal/tts"
)

// ErrBusy is returned when the caller gives up waiting for the generation slot.
var ErrBusy = errors.New("generator busy")

// ErrShuttingDown is returned for bus requests that arrive after Close.
var ErrShuttingDown = errors.New("generator shutting down")

// Assembler renders one request into a waveform.
type Assembler interface {
	Assemble(ctx context.Context, req assembler.Request, progress assembler.ProgressFunc) (audio.Buffer, error)
}

// Input is a generation request before preset resolution.
type Input struct {
	RequestID    string
	Source       string
	Text         string
	RefAudioPath string
	RefText      string
	TextLanguage string
	RefLanguage  string
	SplitMode    string
	Preset       string
	Overrides    preset.Overrides
	Models       tts.ModelSelection
}

// Result is a finished generation.
type Result struct {
	RequestID string
	Preset    preset.Name
	Params    preset.Parameters
	Audio     audio.Buffer
	Segments  int
}

// Generator resolves presets, serializes access to the engine and records job
// history around each assembly.
type Generator struct {
	asm      Assembler
	store    *eventstore.Store
	defaults config.GenerationConfig
	slot     chan struct{}
	log      *slog.Logger
}

func NewGenerator(asm Assembler, store *eventstore.Store, defaults config.GenerationConfig, log *slog.Logger) *Generator {
	return &Generator{
		asm:      asm,
		store:    store,
		defaults: defaults,
		slot:     make(chan struct{}, 1),
		log:      log.With(slog.String("component", "generator")),
	}
}

// Resolve turns in into an assembler request without running it.
func (g *Generator) Resolve(in Input) (assembler.Request, preset.Name, error) {
	presetInput := in.Preset
	if strings.TrimSpace(presetInput) == "" {
		presetInput = g.defaults.DefaultPreset
	}
	name, err := preset.Parse(presetInput)
	if err != nil {
		return assembler.Request{}, "", err
	}
	params, err := preset.Resolve(name)
	if err != nil {
		return assembler.Request{}, "", err
	}
	params = in.Overrides.Apply(params)

	splitInput := in.SplitMode
	if strings.TrimSpace(splitInput) == "" {
		splitInput = g.defaults.SplitMode
	}
	mode, err := tts.ParseSplitMode(splitInput)
	if err != nil {
		return assembler.Request{}, "", &assembler.InvalidParametersError{Cause: err}
	}

	return assembler.Request{
		RequestID:    in.RequestID,
		Text:         in.Text,
		RefAudioPath: in.RefAudioPath,
		RefText:      in.RefText,
		TextLanguage: firstNonEmpty(in.TextLanguage, g.defaults.TextLanguage),
		RefLanguage:  firstNonEmpty(in.RefLanguage, g.defaults.ReferenceLanguage),
		SplitMode:    mode,
		Params:       params,
		Models:       in.Models,
	}, name, nil
}

// Generate runs one request. Only one generation holds the engine at a time;
// waiting callers give up when ctx ends.
func (g *Generator) Generate(ctx context.Context, in Input, progress assembler.ProgressFunc) (Result, error) {
	if in.RequestID == "" {
		in.RequestID = uuid.NewString()
	}
	req, name, err := g.Resolve(in)
	if err != nil {
		return Result{RequestID: in.RequestID}, err
	}

	select {
	case g.slot <- struct{}{}:
	case <-ctx.Done():
		return Result{RequestID: in.RequestID}, fmt.Errorf("%w: %v", ErrBusy, ctx.Err())
	}
	defer func() { <-g.slot }()

	g.recordJob(ctx, in.RequestID, name, in.Source, "running")
	g.recordEvent(ctx, in.RequestID, eventstore.TypeStarted, map[string]any{
		"preset":     name,
		"params":     req.Params,
		"split_mode": req.SplitMode,
		"text_runes": len([]rune(req.Text)),
		"models":     req.Models,
	})

	segments := 0
	buf, err := g.asm.Assemble(ctx, req, func(p assembler.Progress) {
		segments = p.Emitted
		g.recordEvent(ctx, in.RequestID, eventstore.TypeSegment, map[string]any{
			"sequence":    p.Sequence,
			"sample_rate": p.SampleRate,
			"samples":     p.Samples,
			"fraction":    p.Fraction,
		})
		if progress != nil {
			progress(p)
		}
	})
	if err != nil {
		g.log.Error("generation failed",
			slog.String("request_id", in.RequestID),
			slog.String("kind", Kind(err)),
			slogError(err))
		g.recordEvent(ctx, in.RequestID, eventstore.TypeFailed, map[string]any{
			"error": err.Error(),
			"kind":  Kind(err),
		})
		g.recordJob(ctx, in.RequestID, name, in.Source, "failed")
		return Result{RequestID: in.RequestID, Preset: name, Params: req.Params}, err
	}

	g.recordEvent(ctx, in.RequestID, eventstore.TypeCompleted, map[string]any{
		"segments":         segments,
		"sample_rate":      buf.SampleRate,
		"duration_seconds": buf.Duration().Seconds(),
	})
	g.recordJob(ctx, in.RequestID, name, in.Source, "completed")
	return Result{
		RequestID: in.RequestID,
		Preset:    name,
		Params:    req.Params,
		Audio:     buf,
		Segments:  segments,
	}, nil
}

// WriteOutput stores a finished result as <output_dir>/meditation_<id>.wav.
func (g *Generator) WriteOutput(res Result) (string, error) {
	if err := os.MkdirAll(g.defaults.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(g.defaults.OutputDir, OutputFilename(res.RequestID))
	if err := audio.WriteWAVFile(path, res.Audio); err != nil {
		return "", err
	}
	return path, nil
}

// History returns the recorded job and its events.
func (g *Generator) History(ctx context.Context, jobID string) (eventstore.Job, []eventstore.Event, error) {
	job, err := g.store.GetJob(ctx, jobID)
	if err != nil {
		return eventstore.Job{}, nil, err
	}
	events, err := g.store.ListJobEvents(ctx, jobID, 1000)
	if err != nil {
		return eventstore.Job{}, nil, err
	}
	return job, events, nil
}

func OutputFilename(requestID string) string {
	return "meditation_" + requestID + ".wav"
}

func (g *Generator) recordJob(ctx context.Context, id string, name preset.Name, source, state string) {
	if g.store == nil {
		return
	}
	job := eventstore.Job{ID: id, Preset: string(name), Source: source, State: state}
	if err := g.store.AppendJob(context.WithoutCancel(ctx), job); err != nil {
		g.log.Warn("failed to record job", slog.String("request_id", id), slogError(err))
	}
}

func (g *Generator) recordEvent(ctx context.Context, id, eventType string, payload map[string]any) {
	if g.store == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		g.log.Warn("failed to encode event", slog.String("type", eventType), slogError(err))
		return
	}
	evt := eventstore.Event{JobID: id, Type: eventType, Payload: data}
	if err := g.store.AppendEvent(context.WithoutCancel(ctx), evt); err != nil {
		g.log.Warn("failed to record event", slog.String("request_id", id), slog.String("type", eventType), slogError(err))
	}
}

// Kind classifies err for clients, adding "busy" to the assembler's kinds.
func Kind(err error) string {
	if errors.Is(err, ErrBusy) || errors.Is(err, ErrShuttingDown) {
		return "busy"
	}
	return assembler.ErrorKind(err)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
