package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loqalabs/loqa-meditation/internal/audio"
)

// HTTPOptions configures a client for an engine exposing the inference HTTP API
// (POST /tts, GET /set_gpt_weights, GET /set_sovits_weights).
type HTTPOptions struct {
	Endpoint    string
	SampleSteps int
	Timeout     time.Duration
}

type httpSynth struct {
	base string
	opts HTTPOptions
	http *http.Client
}

type httpTTSRequest struct {
	Text             string  `json:"text"`
	TextLang         string  `json:"text_lang"`
	RefAudioPath     string  `json:"ref_audio_path"`
	PromptText       string  `json:"prompt_text"`
	PromptLang       string  `json:"prompt_lang"`
	TopK             int     `json:"top_k"`
	TopP             float64 `json:"top_p"`
	Temperature      float64 `json:"temperature"`
	TextSplitMethod  string  `json:"text_split_method"`
	SpeedFactor      float64 `json:"speed_factor"`
	FragmentInterval float64 `json:"fragment_interval"`
	SampleSteps      int     `json:"sample_steps,omitempty"`
	SuperSampling    bool    `json:"super_sampling"`
	MediaType        string  `json:"media_type"`
	StreamingMode    bool    `json:"streaming_mode"`
}

type httpErrorBody struct {
	Message   string `json:"message"`
	Exception string `json:"Exception"`
}

// NewHTTPEngine returns an Engine backed by a running inference server.
func NewHTTPEngine(opts HTTPOptions) (Engine, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.Endpoint), "/")
	if base == "" {
		return nil, fmt.Errorf("tts endpoint empty")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse tts endpoint: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &httpSynth{base: base, opts: opts, http: &http.Client{Timeout: timeout}}, nil
}

func (h *httpSynth) LoadSoVITS(ctx context.Context, id string) error {
	return h.setWeights(ctx, "/set_sovits_weights", id)
}

func (h *httpSynth) LoadGPT(ctx context.Context, id string) error {
	return h.setWeights(ctx, "/set_gpt_weights", id)
}

func (h *httpSynth) setWeights(ctx context.Context, path, id string) error {
	u := h.base + path + "?" + url.Values{"weights_path": {id}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(path, resp)
	}
	return nil
}

// Synthesize issues a single non-streaming request; the server returns the
// whole utterance as one WAV, which becomes one segment.
func (h *httpSynth) Synthesize(ctx context.Context, req Request) (<-chan Segment, <-chan error) {
	segments := make(chan Segment, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(segments)
		defer close(errs)

		seg, err := h.synthesize(ctx, req)
		if err != nil {
			errs <- err
			return
		}
		segments <- seg
	}()
	return segments, errs
}

func (h *httpSynth) synthesize(ctx context.Context, req Request) (Segment, error) {
	steps := req.SampleSteps
	if steps == 0 {
		steps = h.opts.SampleSteps
	}
	body, err := json.Marshal(httpTTSRequest{
		Text:             req.Text,
		TextLang:         req.TextLanguage,
		RefAudioPath:     req.RefAudioPath,
		PromptText:       req.PromptText,
		PromptLang:       req.PromptLanguage,
		TopK:             req.TopK,
		TopP:             req.TopP,
		Temperature:      req.Temperature,
		TextSplitMethod:  req.SplitMode.CutMethod(),
		SpeedFactor:      req.Speed,
		FragmentInterval: req.PauseSeconds,
		SampleSteps:      steps,
		SuperSampling:    req.SuperResolve,
		MediaType:        "wav",
		StreamingMode:    false,
	})
	if err != nil {
		return Segment{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.base+"/tts", bytes.NewReader(body))
	if err != nil {
		return Segment{}, fmt.Errorf("build tts request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.http.Do(httpReq)
	if err != nil {
		return Segment{}, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Segment{}, responseError("/tts", resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Segment{}, fmt.Errorf("read tts response: %w", err)
	}
	buf, err := audio.DecodeWAVBytes(data)
	if err != nil {
		return Segment{}, err
	}
	return Segment{Sequence: 0, Buffer: buf}, nil
}

func responseError(path string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	var body httpErrorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Message != "" {
		if body.Exception != "" {
			return fmt.Errorf("%s returned %d: %s: %s", path, resp.StatusCode, body.Message, body.Exception)
		}
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, body.Message)
	}
	return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
}
