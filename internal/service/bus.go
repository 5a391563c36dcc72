package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-meditation/internal/assembler"
	"github.com/loqalabs/loqa-meditation/internal/bus"
	"github.com/loqalabs/loqa-meditation/internal/preset"
	"github.com/loqalabs/loqa-meditation/internal/protocol"
	"github.com/loqalabs/loqa-meditation/internal/tts"
	"github.com/nats-io/nats.go"
)

const busQueueGroup = "meditation-generators"

// BusService answers generation requests arriving over NATS. Each request is
// rendered to generation.output_dir and answered with a GenerateStatus.
type BusService struct {
	bus    *bus.Client
	gen    *Generator
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription
	wg     sync.WaitGroup
	ready  atomic.Bool

	mu     sync.Mutex
	closed bool
}

func NewBusService(parent context.Context, busClient *bus.Client, gen *Generator, log *slog.Logger) *BusService {
	ctx, cancel := context.WithCancel(parent)
	return &BusService{
		bus:    busClient,
		gen:    gen,
		log:    log.With(slog.String("component", "bus-service")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *BusService) Start() error {
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectGenerateRequest, busQueueGroup, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe generate requests: %w", err)
	}
	s.sub = sub
	s.ready.Store(true)
	s.log.Info("listening for generation requests", slog.String("subject", protocol.SubjectGenerateRequest))
	return nil
}

// Close stops accepting requests, cancels running generations and waits for
// their replies to be sent.
func (s *BusService) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.ready.Store(false)
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *BusService) Healthy() bool {
	return s.ready.Load() && s.bus.Healthy()
}

func (s *BusService) handleRequest(msg *nats.Msg) {
	var req protocol.GenerateRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warn("failed to decode generate request", slogError(err))
		s.respond(msg, protocol.GenerateStatus{
			State: protocol.StateFailed,
			Error: err.Error(),
			Kind:  "bad_request",
		})
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.respond(msg, failedStatus(req.RequestID, ErrShuttingDown))
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.respond(msg, s.generate(req))
	}()
}

func (s *BusService) generate(req protocol.GenerateRequest) protocol.GenerateStatus {
	in := Input{
		RequestID:    req.RequestID,
		Source:       "bus",
		Text:         req.Text,
		RefAudioPath: req.ReferenceAudio,
		RefText:      req.ReferenceText,
		TextLanguage: req.TextLanguage,
		RefLanguage:  req.ReferenceLanguage,
		SplitMode:    req.SplitMode,
		Preset:       req.Preset,
		Overrides: preset.Overrides{
			Speed:        req.Speed,
			TopK:         req.TopK,
			TopP:         req.TopP,
			Temperature:  req.Temperature,
			PauseSeconds: req.PauseSeconds,
		},
		Models: tts.ModelSelection{SoVITS: req.SoVITSModel, GPT: req.GPTModel},
	}

	res, err := s.gen.Generate(s.ctx, in, func(p assembler.Progress) {
		update := protocol.GenerateProgress{
			RequestID: req.RequestID,
			Fraction:  p.Fraction,
			Emitted:   p.Emitted,
			Estimate:  p.Estimate,
			Timestamp: time.Now().UTC(),
		}
		if err := s.bus.PublishJSON(protocol.SubjectGenerateProgress, update); err != nil {
			s.log.Warn("failed to publish progress", slog.String("request_id", req.RequestID), slogError(err))
		}
	})
	if err != nil {
		return failedStatus(req.RequestID, err)
	}

	path, err := s.gen.WriteOutput(res)
	if err != nil {
		s.log.Error("failed to write output", slog.String("request_id", req.RequestID), slogError(err))
		return failedStatus(req.RequestID, err)
	}
	s.log.Info("generation written", slog.String("request_id", req.RequestID), slog.String("path", path))
	return protocol.GenerateStatus{
		RequestID:       req.RequestID,
		State:           protocol.StateCompleted,
		OutputPath:      path,
		SampleRate:      res.Audio.SampleRate,
		DurationSeconds: res.Audio.Duration().Seconds(),
		Segments:        res.Segments,
		Timestamp:       time.Now().UTC(),
	}
}

func failedStatus(requestID string, err error) protocol.GenerateStatus {
	return protocol.GenerateStatus{
		RequestID: requestID,
		State:     protocol.StateFailed,
		Error:     err.Error(),
		Kind:      Kind(err),
		Timestamp: time.Now().UTC(),
	}
}

func (s *BusService) respond(msg *nats.Msg, status protocol.GenerateStatus) {
	if msg.Reply == "" {
		return
	}
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(status)
	if err != nil {
		s.log.Warn("failed to encode status", slogError(err))
		return
	}
	if err := msg.Respond(payload); err != nil {
		s.log.Warn("failed to send status", slog.String("request_id", status.RequestID), slogError(err))
	}
}
