package protocol

import "time"

// GenerateRequest asks the service to render one meditation track. Parameter
// fields left nil fall back to the named preset.
type GenerateRequest struct {
	RequestID         string   `json:"request_id,omitempty"`
	Text              string   `json:"text"`
	ReferenceAudio    string   `json:"reference_audio"`
	ReferenceText     string   `json:"reference_text"`
	TextLanguage      string   `json:"text_language,omitempty"`
	ReferenceLanguage string   `json:"reference_language,omitempty"`
	SplitMode         string   `json:"split_mode,omitempty"`
	Preset            string   `json:"preset,omitempty"`
	Speed             *float64 `json:"speed,omitempty"`
	TopK              *int     `json:"top_k,omitempty"`
	TopP              *float64 `json:"top_p,omitempty"`
	Temperature       *float64 `json:"temperature,omitempty"`
	PauseSeconds      *float64 `json:"pause_seconds,omitempty"`
	SoVITSModel       string   `json:"sovits_model,omitempty"`
	GPTModel          string   `json:"gpt_model,omitempty"`
}

// GenerateProgress is published after each segment the engine emits.
type GenerateProgress struct {
	RequestID string    `json:"request_id"`
	Fraction  float64   `json:"fraction"`
	Emitted   int       `json:"emitted"`
	Estimate  int       `json:"estimate"`
	Timestamp time.Time `json:"timestamp"`
}

// GenerateStatus is the reply to a GenerateRequest.
type GenerateStatus struct {
	RequestID       string    `json:"request_id"`
	State           string    `json:"state"`
	OutputPath      string    `json:"output_path,omitempty"`
	SampleRate      int       `json:"sample_rate,omitempty"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	Segments        int       `json:"segments,omitempty"`
	Error           string    `json:"error,omitempty"`
	Kind            string    `json:"kind,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

const (
	StateCompleted = "completed"
	StateFailed    = "failed"
)

const (
	SubjectGenerateRequest  = "meditation.generate.request"
	SubjectGenerateProgress = "meditation.generate.progress"
)
