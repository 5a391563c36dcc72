package assembler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/loqa-meditation/internal/audio"
	"github.com/loqalabs/loqa-meditation/internal/preset"
	"github.com/loqalabs/loqa-meditation/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-meditation/assembler"

// MismatchPolicy decides what happens when segments disagree on sample rate.
type MismatchPolicy string

const (
	// MismatchLegacy logs a warning and concatenates raw samples under the first
	// segment's rate. Known defect: later segments play back at the wrong pitch
	// and speed. Kept for compatibility with existing output.
	MismatchLegacy MismatchPolicy = "legacy"
	// MismatchReject fails the request with a SampleRateMismatchError.
	MismatchReject MismatchPolicy = "reject"
)

func ParseMismatchPolicy(s string) (MismatchPolicy, error) {
	switch MismatchPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", MismatchLegacy:
		return MismatchLegacy, nil
	case MismatchReject:
		return MismatchReject, nil
	default:
		return "", fmt.Errorf("unknown sample rate mismatch policy %q", s)
	}
}

// ModelSwitcher makes sure the requested weights are loaded before synthesis.
// tts.ModelRegistry satisfies it.
type ModelSwitcher interface {
	Ensure(ctx context.Context, sel tts.ModelSelection) error
}

// Request is one generation: what to say, whose voice, and how.
type Request struct {
	RequestID    string
	Text         string
	RefAudioPath string
	RefText      string
	TextLanguage string
	RefLanguage  string
	SplitMode    tts.SplitMode
	Params       preset.Parameters
	Models       tts.ModelSelection
	SampleSteps  int
	RefFree      bool
	FreezeTone   bool
	SuperResolve bool
}

// Progress is reported after every emitted segment.
type Progress struct {
	Fraction   float64
	Emitted    int
	Estimate   int
	Sequence   int
	SampleRate int
	Samples    int
}

type ProgressFunc func(Progress)

type Options struct {
	Synthesizer tts.Synthesizer
	Models      ModelSwitcher
	Normalizer  *audio.Normalizer
	Policy      MismatchPolicy
	Logger      *slog.Logger
}

type Assembler struct {
	synth      tts.Synthesizer
	models     ModelSwitcher
	normalizer *audio.Normalizer
	policy     MismatchPolicy
	log        *slog.Logger
	tracer     trace.Tracer

	generations metric.Int64Counter
	segments    metric.Int64Counter
	duration    metric.Float64Histogram
}

func New(opts Options) (*Assembler, error) {
	if opts.Synthesizer == nil {
		return nil, errors.New("assembler requires a synthesizer")
	}
	policy := opts.Policy
	if policy == "" {
		policy = MismatchLegacy
	}
	normalizer := opts.Normalizer
	if normalizer == nil {
		normalizer = audio.NewNormalizer(nil, "")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Assembler{
		synth:      opts.Synthesizer,
		models:     opts.Models,
		normalizer: normalizer,
		policy:     policy,
		log:        logger.With(slog.String("component", "assembler")),
		tracer:     otel.Tracer(instrumentationName),
	}
	if err := a.initMetrics(otel.Meter(instrumentationName)); err != nil {
		a.log.Warn("failed to initialize metrics", slogError(err))
	}
	return a, nil
}

func (a *Assembler) initMetrics(meter metric.Meter) error {
	var err error
	if a.generations, err = meter.Int64Counter("meditation.generations",
		metric.WithDescription("Generation requests by outcome")); err != nil {
		return err
	}
	if a.segments, err = meter.Int64Counter("meditation.segments",
		metric.WithDescription("Audio segments received from the engine")); err != nil {
		return err
	}
	a.duration, err = meter.Float64Histogram("meditation.generation.duration",
		metric.WithDescription("Wall time of a generation"), metric.WithUnit("s"))
	return err
}

// Assemble validates req, prepares the reference audio, loads the requested
// models and concatenates the engine's segments into one buffer. Either the
// full waveform or an error is returned, never a partial result.
func (a *Assembler) Assemble(ctx context.Context, req Request, progress ProgressFunc) (buf audio.Buffer, err error) {
	start := time.Now()
	ctx, span := a.tracer.Start(ctx, "meditation.assemble", trace.WithAttributes(
		attribute.String("request_id", req.RequestID),
		attribute.String("split_mode", string(req.SplitMode)),
	))
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = ErrorKind(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		a.record(ctx, outcome, time.Since(start))
	}()

	if err := validate(req); err != nil {
		return audio.Buffer{}, err
	}

	ref, err := a.normalizer.Prepare(ctx, req.RefAudioPath)
	if err != nil {
		return audio.Buffer{}, &AudioDecodeError{Cause: err}
	}
	defer func() {
		if relErr := ref.Release(); relErr != nil {
			a.log.Warn("failed to remove temporary reference audio", slog.String("path", ref.Path), slogError(relErr))
		}
	}()
	if ref.Temporary() {
		a.log.Debug("reference audio converted", slog.String("source", ref.Source), slog.String("path", ref.Path))
	}

	if a.models != nil {
		if err := a.models.Ensure(ctx, req.Models); err != nil {
			return audio.Buffer{}, &SynthesisError{Cause: err}
		}
	}

	estimate := tts.EstimateSegments(req.Text, req.SplitMode)
	a.log.Info("generation started",
		slog.String("request_id", req.RequestID),
		slog.Int("text_runes", len([]rune(req.Text))),
		slog.String("split_mode", string(req.SplitMode)),
		slog.Float64("speed", req.Params.Speed),
		slog.Int("top_k", req.Params.TopK),
		slog.Float64("top_p", req.Params.TopP),
		slog.Float64("temperature", req.Params.Temperature),
		slog.Float64("pause_seconds", req.Params.PauseSeconds),
		slog.Int("estimated_segments", estimate),
	)

	segments, err := a.collect(ctx, ref.Path, req, estimate, progress)
	if err != nil {
		a.log.Error("synthesis aborted", slog.String("request_id", req.RequestID), slogError(err))
		return audio.Buffer{}, &SynthesisError{Cause: err}
	}

	buf, err = merge(segments, a.policy, a.log)
	if err != nil {
		return audio.Buffer{}, err
	}
	a.log.Info("generation merged",
		slog.String("request_id", req.RequestID),
		slog.Int("segments", len(segments)),
		slog.Int("sample_rate", buf.SampleRate),
		slog.Float64("duration_seconds", buf.Duration().Seconds()),
	)
	return buf, nil
}

func validate(req Request) error {
	if strings.TrimSpace(req.Text) == "" {
		return &MissingInputError{Field: "text"}
	}
	if strings.TrimSpace(req.RefAudioPath) == "" {
		return &MissingInputError{Field: "reference_audio"}
	}
	info, err := os.Stat(req.RefAudioPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &NotFoundError{Path: req.RefAudioPath}
	case err != nil:
		return &AudioDecodeError{Cause: fmt.Errorf("stat reference audio: %w", err)}
	case info.IsDir():
		return &NotFoundError{Path: req.RefAudioPath}
	}
	if strings.TrimSpace(req.RefText) == "" {
		return &MissingInputError{Field: "reference_text"}
	}
	if err := req.Params.Validate(); err != nil {
		return &InvalidParametersError{Cause: err}
	}
	return nil
}

// collect pulls the engine stream to completion. The first error aborts and
// drops everything received so far.
func (a *Assembler) collect(ctx context.Context, refPath string, req Request, estimate int, progress ProgressFunc) ([]tts.Segment, error) {
	segCh, errCh := a.synth.Synthesize(ctx, tts.Request{
		RequestID:      req.RequestID,
		RefAudioPath:   refPath,
		PromptText:     req.RefText,
		PromptLanguage: req.RefLanguage,
		Text:           req.Text,
		TextLanguage:   req.TextLanguage,
		SplitMode:      req.SplitMode,
		TopK:           req.Params.TopK,
		TopP:           req.Params.TopP,
		Temperature:    req.Params.Temperature,
		Speed:          req.Params.Speed,
		PauseSeconds:   req.Params.PauseSeconds,
		SampleSteps:    req.SampleSteps,
		RefFree:        req.RefFree,
		FreezeTone:     req.FreezeTone,
		SuperResolve:   req.SuperResolve,
	})

	var segments []tts.Segment
	for segCh != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return nil, err
			}
		case seg, ok := <-segCh:
			if !ok {
				segCh = nil
				continue
			}
			segments = append(segments, seg)
			if a.segments != nil {
				a.segments.Add(ctx, 1)
			}
			a.log.Debug("segment received",
				slog.String("request_id", req.RequestID),
				slog.Int("sequence", seg.Sequence),
				slog.Int("sample_rate", seg.SampleRate),
				slog.Int("samples", len(seg.Samples)),
			)
			if progress != nil {
				progress(Progress{
					Fraction:   fraction(len(segments), estimate),
					Emitted:    len(segments),
					Estimate:   estimate,
					Sequence:   seg.Sequence,
					SampleRate: seg.SampleRate,
					Samples:    len(seg.Samples),
				})
			}
		}
	}
	if errCh != nil {
		if err := <-errCh; err != nil {
			return nil, err
		}
	}
	return segments, nil
}

// fraction maps emitted segments onto the 0.3..0.9 band of the progress bar.
func fraction(emitted, estimate int) float64 {
	if estimate < 1 {
		estimate = 1
	}
	return 0.3 + 0.6*min(float64(emitted)/float64(estimate), 1)
}

func merge(segments []tts.Segment, policy MismatchPolicy, log *slog.Logger) (audio.Buffer, error) {
	switch len(segments) {
	case 0:
		return audio.Buffer{}, ErrEmptyResult
	case 1:
		return segments[0].Buffer, nil
	}

	rate := segments[0].SampleRate
	total := 0
	for i, seg := range segments {
		if seg.SampleRate != rate {
			if policy == MismatchReject {
				return audio.Buffer{}, &SampleRateMismatchError{Want: rate, Got: seg.SampleRate, Index: i}
			}
			log.Warn("segment sample rate differs, concatenating anyway",
				slog.Int("index", i),
				slog.Int("want", rate),
				slog.Int("got", seg.SampleRate),
			)
		}
		total += len(seg.Samples)
	}

	samples := make([]float32, 0, total)
	for _, seg := range segments {
		samples = append(samples, seg.Samples...)
	}
	return audio.Buffer{SampleRate: rate, Samples: samples}, nil
}

func (a *Assembler) record(ctx context.Context, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if a.generations != nil {
		a.generations.Add(ctx, 1, attrs)
	}
	if a.duration != nil {
		a.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

// ErrorKind classifies err for status reporting. Unknown errors are "internal".
func ErrorKind(err error) string {
	var (
		missing  *MissingInputError
		notFound *NotFoundError
		invalid  *InvalidParametersError
		decode   *AudioDecodeError
		synth    *SynthesisError
		mismatch *SampleRateMismatchError
	)
	switch {
	case errors.As(err, &missing):
		return "missing_input"
	case errors.As(err, &notFound):
		return "not_found"
	case errors.Is(err, preset.ErrUnknownPreset):
		return "unknown_preset"
	case errors.As(err, &invalid):
		return "invalid_parameters"
	case errors.As(err, &decode):
		return "audio_decode_failed"
	case errors.As(err, &mismatch):
		return "sample_rate_mismatch"
	case errors.Is(err, ErrEmptyResult):
		return "empty_result"
	case errors.As(err, &synth):
		return "synthesis_failed"
	default:
		return "internal"
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
