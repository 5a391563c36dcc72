package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-meditation/internal/assembler"
	"github.com/loqalabs/loqa-meditation/internal/audio"
	"github.com/loqalabs/loqa-meditation/internal/bus"
	"github.com/loqalabs/loqa-meditation/internal/config"
	"github.com/loqalabs/loqa-meditation/internal/eventstore"
	"github.com/loqalabs/loqa-meditation/internal/natsserver"
	"github.com/loqalabs/loqa-meditation/internal/preset"
	"github.com/loqalabs/loqa-meditation/internal/protocol"
	"github.com/loqalabs/loqa-meditation/internal/tts"
	"github.com/nats-io/nats.go"
)

const sampleText = "现在，让我们开始今天的冥想练习。请找一个舒适的姿势坐下。"

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type failingSynth struct{}

func (failingSynth) Synthesize(context.Context, tts.Request) (<-chan tts.Segment, <-chan error) {
	segs := make(chan tts.Segment)
	errs := make(chan error, 1)
	errs <- errors.New("engine crashed")
	close(errs)
	close(segs)
	return segs, errs
}

type fixture struct {
	gen     *Generator
	store   *eventstore.Store
	outDir  string
	refPath string
}

func newFixture(t *testing.T, synth tts.Synthesizer) fixture {
	t.Helper()
	log := newLogger()
	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "session",
	}, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	asm, err := assembler.New(assembler.Options{Synthesizer: synth, Logger: log})
	if err != nil {
		t.Fatalf("new assembler: %v", err)
	}

	defaults := config.Default().Generation
	defaults.OutputDir = t.TempDir()

	refPath := filepath.Join(t.TempDir(), "reference.wav")
	ref := audio.Buffer{SampleRate: 32000, Samples: make([]float32, 3200)}
	if err := audio.WriteWAVFile(refPath, ref); err != nil {
		t.Fatalf("write reference: %v", err)
	}

	return fixture{
		gen:     NewGenerator(asm, store, defaults, log),
		store:   store,
		outDir:  defaults.OutputDir,
		refPath: refPath,
	}
}

func TestGenerateAppliesPresetAndOverrides(t *testing.T) {
	f := newFixture(t, tts.NewMockEngine(32000))
	pause := 0.8
	res, err := f.gen.Generate(context.Background(), Input{
		Text:         sampleText,
		RefAudioPath: f.refPath,
		RefText:      "参考文本。",
		Preset:       "deep_relaxation",
		Overrides:    preset.Overrides{PauseSeconds: &pause},
	}, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.RequestID == "" || res.Preset != preset.DeepRelaxation {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Params.Speed != 0.85 || res.Params.PauseSeconds != 0.8 {
		t.Fatalf("overrides not applied: %+v", res.Params)
	}
	if res.Segments != 2 || res.Audio.SampleRate != 32000 || res.Audio.Empty() {
		t.Fatalf("unexpected audio: segments=%d rate=%d", res.Segments, res.Audio.SampleRate)
	}

	job, events, err := f.gen.History(context.Background(), res.RequestID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if job.State != "completed" || job.Preset != "deep-relaxation" {
		t.Fatalf("unexpected job %+v", job)
	}
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	want := []string{eventstore.TypeStarted, eventstore.TypeSegment, eventstore.TypeSegment, eventstore.TypeCompleted}
	if len(types) != len(want) {
		t.Fatalf("unexpected events %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestGenerateRejectsUnknownPreset(t *testing.T) {
	f := newFixture(t, tts.NewMockEngine(32000))
	_, err := f.gen.Generate(context.Background(), Input{Text: sampleText, RefAudioPath: f.refPath, RefText: "x", Preset: "rave"}, nil)
	if !errors.Is(err, preset.ErrUnknownPreset) || Kind(err) != "unknown_preset" {
		t.Fatalf("expected unknown preset, got %v", err)
	}
}

func TestGenerateBusyWhenSlotHeld(t *testing.T) {
	f := newFixture(t, tts.NewMockEngine(32000))
	f.gen.slot <- struct{}{}
	defer func() { <-f.gen.slot }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.gen.Generate(ctx, Input{Text: sampleText, RefAudioPath: f.refPath, RefText: "x"}, nil)
	if !errors.Is(err, ErrBusy) || Kind(err) != "busy" {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestGenerateRecordsFailure(t *testing.T) {
	f := newFixture(t, failingSynth{})
	res, err := f.gen.Generate(context.Background(), Input{Text: sampleText, RefAudioPath: f.refPath, RefText: "x"}, nil)
	if Kind(err) != "synthesis_failed" {
		t.Fatalf("expected synthesis failure, got %v", err)
	}
	job, events, err := f.gen.History(context.Background(), res.RequestID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if job.State != "failed" || events[len(events)-1].Type != eventstore.TypeFailed {
		t.Fatalf("failure not recorded: %+v %+v", job, events)
	}
}

func newServer(t *testing.T, f fixture) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	NewHTTPHandler(f.gen, t.TempDir(), filepath.Dir(f.refPath), newLogger()).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func multipartBody(t *testing.T, fields map[string]string, upload string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if upload != "" {
		data, err := os.ReadFile(upload)
		if err != nil {
			t.Fatal(err)
		}
		fw, err := mw.CreateFormFile("reference_audio", filepath.Base(upload))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &body, mw.FormDataContentType()
}

func TestHTTPPresets(t *testing.T) {
	srv := newServer(t, newFixture(t, tts.NewMockEngine(32000)))
	resp, err := http.Get(srv.URL + "/api/presets")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got presetsResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || len(got.Presets) != 6 || got.Default != preset.CalmSoothing {
		t.Fatalf("unexpected presets response %d %+v", resp.StatusCode, got)
	}
	if len(got.SplitModes) != 6 || got.SplitModes[3].Label != "按中文句号。切" {
		t.Fatalf("unexpected split modes %+v", got.SplitModes)
	}
}

func TestHTTPGenerateWithUpload(t *testing.T) {
	f := newFixture(t, tts.NewMockEngine(32000))
	srv := newServer(t, f)
	body, contentType := multipartBody(t, map[string]string{
		"text":           sampleText,
		"reference_text": "参考文本。",
		"preset":         "sleep-guide",
		"speed":          "0.9",
	}, f.refPath)

	resp, err := http.Post(srv.URL+"/api/generate", contentType, body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		t.Fatalf("status %d: %s", resp.StatusCode, msg)
	}
	if resp.Header.Get("Content-Type") != "audio/wav" || resp.Header.Get("X-Preset") != "sleep-guide" {
		t.Fatalf("unexpected headers %v", resp.Header)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	buf, err := audio.DecodeWAVBytes(data)
	if err != nil {
		t.Fatalf("decode response wav: %v", err)
	}
	if buf.SampleRate != 32000 || buf.Empty() {
		t.Fatalf("unexpected audio rate=%d samples=%d", buf.SampleRate, len(buf.Samples))
	}

	jobResp, err := http.Get(srv.URL + "/api/jobs/" + resp.Header.Get("X-Request-ID"))
	if err != nil {
		t.Fatal(err)
	}
	defer jobResp.Body.Close()
	var job jobResponse
	if err := json.NewDecoder(jobResp.Body).Decode(&job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.State != "completed" || job.Source != "http" || len(job.Events) == 0 {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestHTTPGenerateErrors(t *testing.T) {
	tests := []struct {
		name   string
		synth  tts.Synthesizer
		fields func(ref string) map[string]string
		status int
		kind   string
	}{
		{"missing text", tts.NewMockEngine(32000), func(ref string) map[string]string {
			return map[string]string{"reference_audio_path": ref, "reference_text": "x"}
		}, http.StatusBadRequest, "missing_input"},
		{"unknown preset", tts.NewMockEngine(32000), func(ref string) map[string]string {
			return map[string]string{"text": sampleText, "reference_audio_path": ref, "reference_text": "x", "preset": "rave"}
		}, http.StatusBadRequest, "unknown_preset"},
		{"bad override", tts.NewMockEngine(32000), func(ref string) map[string]string {
			return map[string]string{"text": sampleText, "reference_audio_path": ref, "reference_text": "x", "top_k": "many"}
		}, http.StatusBadRequest, "bad_request"},
		{"out of range override", tts.NewMockEngine(32000), func(ref string) map[string]string {
			return map[string]string{"text": sampleText, "reference_audio_path": ref, "reference_text": "x", "temperature": "1.5"}
		}, http.StatusBadRequest, "invalid_parameters"},
		{"reference missing on disk", tts.NewMockEngine(32000), func(ref string) map[string]string {
			return map[string]string{"text": sampleText, "reference_audio_path": filepath.Join(filepath.Dir(ref), "missing.wav"), "reference_text": "x"}
		}, http.StatusNotFound, "not_found"},
		{"reference outside reference dir", tts.NewMockEngine(32000), func(string) map[string]string {
			return map[string]string{"text": sampleText, "reference_audio_path": "/etc/passwd", "reference_text": "x"}
		}, http.StatusForbidden, "forbidden_path"},
		{"reference path traversal", tts.NewMockEngine(32000), func(ref string) map[string]string {
			return map[string]string{"text": sampleText, "reference_audio_path": "../" + filepath.Base(ref), "reference_text": "x"}
		}, http.StatusForbidden, "forbidden_path"},
		{"engine failure", failingSynth{}, func(ref string) map[string]string {
			return map[string]string{"text": sampleText, "reference_audio_path": ref, "reference_text": "x"}
		}, http.StatusBadGateway, "synthesis_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.synth)
			srv := newServer(t, f)
			body, contentType := multipartBody(t, tt.fields(f.refPath), "")
			resp, err := http.Post(srv.URL+"/api/generate", contentType, body)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			var got errorResponse
			if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if resp.StatusCode != tt.status || got.Kind != tt.kind {
				t.Fatalf("got %d %+v, want %d %s", resp.StatusCode, got, tt.status, tt.kind)
			}
		})
	}
}

func TestHTTPReferencePathDisabledWithoutDir(t *testing.T) {
	f := newFixture(t, tts.NewMockEngine(32000))
	mux := http.NewServeMux()
	NewHTTPHandler(f.gen, t.TempDir(), "", newLogger()).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	body, contentType := multipartBody(t, map[string]string{
		"text":                 sampleText,
		"reference_audio_path": f.refPath,
		"reference_text":       "x",
	}, "")
	resp, err := http.Post(srv.URL+"/api/generate", contentType, body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestHTTPUnknownJob(t *testing.T) {
	srv := newServer(t, newFixture(t, tts.NewMockEngine(32000)))
	resp, err := http.Get(srv.URL + "/api/jobs/does-not-exist")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestBusRequestReply(t *testing.T) {
	log := newLogger()
	busCfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, ConnectTimeout: 2000}
	srv, err := natsserver.Start(busCfg, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	busCfg.Servers = []string{srv.ClientURL()}

	client, err := bus.Connect(context.Background(), "meditation-test", busCfg, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	f := newFixture(t, tts.NewMockEngine(32000))
	svc := NewBusService(context.Background(), client, f.gen, log)
	if err := svc.Start(); err != nil {
		t.Fatalf("start bus service: %v", err)
	}
	t.Cleanup(svc.Close)

	progress := make(chan *protocol.GenerateProgress, 16)
	sub, err := client.Conn().Subscribe(protocol.SubjectGenerateProgress, func(msg *nats.Msg) {
		var p protocol.GenerateProgress
		if json.Unmarshal(msg.Data, &p) == nil {
			progress <- &p
		}
	})
	if err != nil {
		t.Fatalf("subscribe progress: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var status protocol.GenerateStatus
	err = client.RequestJSON(ctx, protocol.SubjectGenerateRequest, protocol.GenerateRequest{
		RequestID:      "bus-job-1",
		Text:           sampleText,
		ReferenceAudio: f.refPath,
		ReferenceText:  "参考文本。",
		Preset:         "mindful-awareness",
	}, &status)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if status.State != protocol.StateCompleted || status.RequestID != "bus-job-1" || status.Segments != 2 {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.OutputPath != filepath.Join(f.outDir, "meditation_bus-job-1.wav") {
		t.Fatalf("unexpected output path %s", status.OutputPath)
	}
	if _, err := audio.ReadWAVFile(status.OutputPath); err != nil {
		t.Fatalf("read output: %v", err)
	}

	select {
	case p := <-progress:
		if p.RequestID != "bus-job-1" || p.Estimate != 2 {
			t.Fatalf("unexpected progress %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no progress published")
	}

	var failed protocol.GenerateStatus
	err = client.RequestJSON(ctx, protocol.SubjectGenerateRequest, protocol.GenerateRequest{
		ReferenceAudio: f.refPath,
		ReferenceText:  "x",
	}, &failed)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if failed.State != protocol.StateFailed || failed.Kind != "missing_input" {
		t.Fatalf("expected missing_input failure, got %+v", failed)
	}
}

func TestBusServiceIgnoresRequestsAfterClose(t *testing.T) {
	log := newLogger()
	busCfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, ConnectTimeout: 2000}
	srv, err := natsserver.Start(busCfg, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	busCfg.Servers = []string{srv.ClientURL()}

	client, err := bus.Connect(context.Background(), "meditation-test", busCfg, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	f := newFixture(t, tts.NewMockEngine(32000))
	svc := NewBusService(context.Background(), client, f.gen, log)
	if err := svc.Start(); err != nil {
		t.Fatalf("start bus service: %v", err)
	}
	if !svc.Healthy() {
		t.Fatal("expected healthy service after start")
	}
	svc.Close()
	svc.Close()
	if svc.Healthy() {
		t.Fatal("expected unhealthy service after close")
	}

	data, err := json.Marshal(protocol.GenerateRequest{
		RequestID:      "late-job",
		Text:           sampleText,
		ReferenceAudio: f.refPath,
		ReferenceText:  "参考文本。",
	})
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	svc.handleRequest(&nats.Msg{Subject: protocol.SubjectGenerateRequest, Data: data})
	svc.wg.Wait()

	if _, _, err := f.gen.History(context.Background(), "late-job"); err == nil {
		t.Fatal("expected no job to be recorded after close")
	}
	if _, err := os.Stat(filepath.Join(f.outDir, OutputFilename("late-job"))); !os.IsNotExist(err) {
		t.Fatalf("expected no output after close, got %v", err)
	}
}
