package service

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-meditation/internal/audio"
	"github.com/loqalabs/loqa-meditation/internal/preset"
	"github.com/loqalabs/loqa-meditation/internal/tts"
)

const maxUploadBytes = 64 << 20

// HTTPHandler exposes presets, generation and job history over HTTP.
type HTTPHandler struct {
	gen     *Generator
	tempDir string
	refDir  string
	log     *slog.Logger
}

// NewHTTPHandler builds the API. reference_audio_path is honoured only for
// files under refDir; with an empty refDir callers must upload the audio.
func NewHTTPHandler(gen *Generator, tempDir, refDir string, log *slog.Logger) *HTTPHandler {
	return &HTTPHandler{
		gen:     gen,
		tempDir: tempDir,
		refDir:  refDir,
		log:     log.With(slog.String("component", "http")),
	}
}

// Register mounts the API routes on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/presets", h.handlePresets)
	mux.HandleFunc("POST /api/generate", h.handleGenerate)
	mux.HandleFunc("GET /api/jobs/{id}", h.handleJob)
}

type presetsResponse struct {
	Default    preset.Name     `json:"default"`
	Presets    []preset.Preset `json:"presets"`
	SplitModes []splitModeInfo `json:"split_modes"`
}

type splitModeInfo struct {
	Name  tts.SplitMode `json:"name"`
	Label string        `json:"label"`
}

func (h *HTTPHandler) handlePresets(w http.ResponseWriter, _ *http.Request) {
	resp := presetsResponse{Default: preset.Default, Presets: preset.All()}
	if name, err := preset.Parse(h.gen.defaults.DefaultPreset); err == nil {
		resp.Default = name
	}
	for _, m := range tts.SplitModes() {
		resp.SplitModes = append(resp.SplitModes, splitModeInfo{Name: m, Label: m.EngineLabel()})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeError(w, "", badRequest(fmt.Errorf("parse form: %w", err)))
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	in, err := inputFromForm(r)
	if err != nil {
		writeError(w, "", err)
		return
	}
	in.Source = "http"

	file, header, err := r.FormFile("reference_audio")
	switch {
	case err == nil:
		defer file.Close()
		path, err := h.saveUpload(file, header)
		if err != nil {
			h.log.Error("failed to store upload", slogError(err))
			writeError(w, "", err)
			return
		}
		defer os.Remove(path)
		in.RefAudioPath = path
	case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
		path, err := h.referencePath(r.FormValue("reference_audio_path"))
		if err != nil {
			h.log.Warn("rejected reference path", slog.String("path", r.FormValue("reference_audio_path")))
			writeError(w, "", err)
			return
		}
		in.RefAudioPath = path
	default:
		writeError(w, "", badRequest(err))
		return
	}

	res, err := h.gen.Generate(r.Context(), in, nil)
	if err != nil {
		writeError(w, res.RequestID, err)
		return
	}

	data, err := audio.EncodeWAVBytes(res.Audio)
	if err != nil {
		h.log.Error("failed to encode wav", slog.String("request_id", res.RequestID), slogError(err))
		writeError(w, res.RequestID, err)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", OutputFilename(res.RequestID)))
	w.Header().Set("X-Request-ID", res.RequestID)
	w.Header().Set("X-Preset", string(res.Preset))
	w.Header().Set("X-Segments", strconv.Itoa(res.Segments))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type jobResponse struct {
	ID        string          `json:"id"`
	Preset    string          `json:"preset"`
	Source    string          `json:"source"`
	State     string          `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Events    []eventResponse `json:"events"`
}

type eventResponse struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (h *HTTPHandler) handleJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, events, err := h.gen.History(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "job not found", Kind: "not_found", RequestID: id})
		return
	}
	if err != nil {
		h.log.Error("failed to load job", slog.String("job_id", id), slogError(err))
		writeError(w, id, err)
		return
	}
	resp := jobResponse{
		ID:        job.ID,
		Preset:    job.Preset,
		Source:    job.Source,
		State:     job.State,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
	for _, e := range events {
		resp.Events = append(resp.Events, eventResponse{Type: e.Type, Payload: json.RawMessage(e.Payload), CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, resp)
}

// saveUpload copies the uploaded reference into tempDir, keeping its extension
// so MP3 input is still recognized.
func (h *HTTPHandler) saveUpload(file multipart.File, header *multipart.FileHeader) (string, error) {
	ext := strings.ToLower(filepath.Ext(header.Filename))
	out, err := os.CreateTemp(h.tempDir, "meditation_upload_*"+ext)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", fmt.Errorf("store upload: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", fmt.Errorf("close upload: %w", err)
	}
	return out.Name(), nil
}

// referencePath resolves raw against refDir and refuses anything that lands
// outside it, symlinks included.
func (h *HTTPHandler) referencePath(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	if h.refDir == "" {
		return "", &forbiddenPathError{Path: raw}
	}
	root, err := filepath.Abs(h.refDir)
	if err != nil {
		return "", err
	}
	path := raw
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	path = filepath.Clean(path)
	if !within(root, path) {
		return "", &forbiddenPathError{Path: raw}
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		realRoot, err := filepath.EvalSymlinks(root)
		if err != nil || !within(realRoot, resolved) {
			return "", &forbiddenPathError{Path: raw}
		}
	}
	return path, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || rel == ".." {
		return false
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func inputFromForm(r *http.Request) (Input, error) {
	in := Input{
		Text:         r.FormValue("text"),
		RefText:      r.FormValue("reference_text"),
		TextLanguage: r.FormValue("text_language"),
		RefLanguage:  r.FormValue("reference_language"),
		SplitMode:    r.FormValue("split_mode"),
		Preset:       r.FormValue("preset"),
		Models: tts.ModelSelection{
			SoVITS: r.FormValue("sovits_model"),
			GPT:    r.FormValue("gpt_model"),
		},
	}
	var err error
	if in.Overrides.Speed, err = formFloat(r, "speed"); err != nil {
		return in, err
	}
	if in.Overrides.TopK, err = formInt(r, "top_k"); err != nil {
		return in, err
	}
	if in.Overrides.TopP, err = formFloat(r, "top_p"); err != nil {
		return in, err
	}
	if in.Overrides.Temperature, err = formFloat(r, "temperature"); err != nil {
		return in, err
	}
	if in.Overrides.PauseSeconds, err = formFloat(r, "pause_seconds"); err != nil {
		return in, err
	}
	return in, nil
}

func formFloat(r *http.Request, key string) (*float64, error) {
	raw := strings.TrimSpace(r.FormValue(key))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, badRequest(fmt.Errorf("%s: %w", key, err))
	}
	return &v, nil
}

func formInt(r *http.Request, key string) (*int, error) {
	raw := strings.TrimSpace(r.FormValue(key))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, badRequest(fmt.Errorf("%s: %w", key, err))
	}
	return &v, nil
}

type badRequestError struct {
	cause error
}

func (e *badRequestError) Error() string { return e.cause.Error() }
func (e *badRequestError) Unwrap() error { return e.cause }

func badRequest(err error) error { return &badRequestError{cause: err} }

type forbiddenPathError struct {
	Path string
}

func (e *forbiddenPathError) Error() string {
	return fmt.Sprintf("reference_audio_path %q is not under the reference directory", e.Path)
}

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, requestID string, err error) {
	kind := Kind(err)
	var bad *badRequestError
	var forbidden *forbiddenPathError
	switch {
	case errors.As(err, &bad):
		kind = "bad_request"
	case errors.As(err, &forbidden):
		kind = "forbidden_path"
	}
	writeJSON(w, statusForKind(kind), errorResponse{Error: err.Error(), Kind: kind, RequestID: requestID})
}

func statusForKind(kind string) int {
	switch kind {
	case "bad_request", "missing_input", "invalid_parameters", "unknown_preset":
		return http.StatusBadRequest
	case "forbidden_path":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "audio_decode_failed", "empty_result", "sample_rate_mismatch":
		return http.StatusUnprocessableEntity
	case "synthesis_failed":
		return http.StatusBadGateway
	case "busy":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
