package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-meditation/internal/preset"
	"github.com/loqalabs/loqa-meditation/internal/tts"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel      string `yaml:"log_level"`
	TraceExporter string `yaml:"trace_exporter"` // auto, otlp, stdout, none
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	ServiceName string           `yaml:"service_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Engine      EngineConfig     `yaml:"engine"`
	Models      ModelsConfig     `yaml:"models"`
	Generation  GenerationConfig `yaml:"generation"`
	Audio       AudioConfig      `yaml:"audio"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type EngineConfig struct {
	Mode           string `yaml:"mode"` // mock, exec, http
	Command        string `yaml:"command"`
	Endpoint       string `yaml:"endpoint"`
	Version        string `yaml:"version"`
	IsHalf         bool   `yaml:"is_half"`
	SampleSteps    int    `yaml:"sample_steps"`
	SampleRate     int    `yaml:"sample_rate"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type ModelsConfig struct {
	SoVITS string `yaml:"sovits"`
	GPT    string `yaml:"gpt"`
}

type GenerationConfig struct {
	DefaultPreset     string `yaml:"default_preset"`
	TextLanguage      string `yaml:"text_language"`
	ReferenceLanguage string `yaml:"reference_language"`
	SplitMode         string `yaml:"split_mode"`
	MismatchPolicy    string `yaml:"mismatch_policy"`
	TempDir           string `yaml:"temp_dir"`
	OutputDir         string `yaml:"output_dir"`
	// ReferenceDir confines reference_audio_path on the HTTP API. Empty
	// disables server-side paths there; uploads still work.
	ReferenceDir string `yaml:"reference_dir"`
}

type AudioConfig struct {
	FFmpegPath  string `yaml:"ffmpeg_path"`
	FFprobePath string `yaml:"ffprobe_path"`
}

func Default() Config {
	return Config{
		ServiceName: "loqa-meditation",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 9873,
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			TraceExporter: "auto",
			OTLPEndpoint:  "",
			OTLPInsecure:  true,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "meditation-node-1",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/meditation-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxJobs:       5000,
		},
		Engine: EngineConfig{
			Mode:           "mock",
			Endpoint:       "http://127.0.0.1:9880",
			Version:        "v2ProPlus",
			IsHalf:         true,
			SampleSteps:    8,
			SampleRate:     32000,
			TimeoutSeconds: 600,
		},
		Generation: GenerationConfig{
			DefaultPreset:     string(preset.Default),
			TextLanguage:      "中文",
			ReferenceLanguage: "中文",
			SplitMode:         string(tts.DefaultSplitMode),
			MismatchPolicy:    "legacy",
			OutputDir:         "./output",
		},
		Audio: AudioConfig{
			FFmpegPath:  "ffmpeg",
			FFprobePath: "ffprobe",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServiceName, "MEDITATION_SERVICE_NAME")
	overrideString(&cfg.Environment, "MEDITATION_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "MEDITATION_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "MEDITATION_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "MEDITATION_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.TraceExporter, "MEDITATION_TELEMETRY_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "MEDITATION_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "MEDITATION_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "MEDITATION_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "MEDITATION_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "MEDITATION_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "MEDITATION_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "MEDITATION_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "MEDITATION_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "MEDITATION_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "MEDITATION_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "MEDITATION_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "MEDITATION_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "MEDITATION_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "MEDITATION_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "MEDITATION_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "MEDITATION_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "MEDITATION_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxJobs, "MEDITATION_EVENT_STORE_MAX_JOBS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "MEDITATION_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Engine.Mode, "MEDITATION_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "MEDITATION_ENGINE_COMMAND")
	overrideString(&cfg.Engine.Endpoint, "MEDITATION_ENGINE_ENDPOINT")
	overrideString(&cfg.Engine.Version, "MEDITATION_ENGINE_VERSION")
	overrideBool(&cfg.Engine.IsHalf, "MEDITATION_ENGINE_IS_HALF")
	overrideInt(&cfg.Engine.SampleSteps, "MEDITATION_ENGINE_SAMPLE_STEPS")
	overrideInt(&cfg.Engine.SampleRate, "MEDITATION_ENGINE_SAMPLE_RATE")
	overrideInt(&cfg.Engine.TimeoutSeconds, "MEDITATION_ENGINE_TIMEOUT_SECONDS")
	overrideString(&cfg.Models.SoVITS, "MEDITATION_MODELS_SOVITS")
	overrideString(&cfg.Models.GPT, "MEDITATION_MODELS_GPT")
	overrideString(&cfg.Generation.DefaultPreset, "MEDITATION_GENERATION_DEFAULT_PRESET")
	overrideString(&cfg.Generation.TextLanguage, "MEDITATION_GENERATION_TEXT_LANGUAGE")
	overrideString(&cfg.Generation.ReferenceLanguage, "MEDITATION_GENERATION_REFERENCE_LANGUAGE")
	overrideString(&cfg.Generation.SplitMode, "MEDITATION_GENERATION_SPLIT_MODE")
	overrideString(&cfg.Generation.MismatchPolicy, "MEDITATION_GENERATION_MISMATCH_POLICY")
	overrideString(&cfg.Generation.TempDir, "MEDITATION_GENERATION_TEMP_DIR")
	overrideString(&cfg.Generation.ReferenceDir, "MEDITATION_GENERATION_REFERENCE_DIR")
	overrideString(&cfg.Generation.OutputDir, "MEDITATION_GENERATION_OUTPUT_DIR")
	overrideString(&cfg.Audio.FFmpegPath, "MEDITATION_AUDIO_FFMPEG_PATH")
	overrideString(&cfg.Audio.FFprobePath, "MEDITATION_AUDIO_FFPROBE_PATH")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
	}
	switch cfg.Telemetry.TraceExporter {
	case "", "auto", "stdout", "none":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of auto|otlp|stdout|none")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.EventStore.MaxJobs < 0 {
		return errors.New("event_store.max_jobs must be >= 0")
	}
	switch cfg.Engine.Mode {
	case "mock", "exec", "http":
	default:
		return errors.New("engine.mode must be one of mock|exec|http")
	}
	if cfg.Engine.Mode == "exec" && strings.TrimSpace(cfg.Engine.Command) == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	if cfg.Engine.Mode == "http" && strings.TrimSpace(cfg.Engine.Endpoint) == "" {
		return errors.New("engine.endpoint must be set when mode=http")
	}
	if cfg.Engine.SampleRate <= 0 {
		return errors.New("engine.sample_rate must be positive")
	}
	if cfg.Engine.SampleSteps < 0 {
		return errors.New("engine.sample_steps must be >= 0")
	}
	if cfg.Engine.TimeoutSeconds < 0 {
		return errors.New("engine.timeout_seconds must be >= 0")
	}
	if _, err := preset.Parse(cfg.Generation.DefaultPreset); err != nil {
		return fmt.Errorf("generation.default_preset: %w", err)
	}
	if _, err := tts.ParseSplitMode(cfg.Generation.SplitMode); err != nil {
		return fmt.Errorf("generation.split_mode: %w", err)
	}
	switch strings.ToLower(cfg.Generation.MismatchPolicy) {
	case "", "legacy", "reject":
	default:
		return errors.New("generation.mismatch_policy must be one of legacy|reject")
	}
	if cfg.Generation.OutputDir == "" {
		return errors.New("generation.output_dir must not be empty")
	}
	return nil
}
