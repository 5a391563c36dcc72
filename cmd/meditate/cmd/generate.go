package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-meditation/internal/assembler"
	"github.com/loqalabs/loqa-meditation/internal/audio"
	"github.com/loqalabs/loqa-meditation/internal/bus"
	"github.com/loqalabs/loqa-meditation/internal/config"
	"github.com/loqalabs/loqa-meditation/internal/preset"
	"github.com/loqalabs/loqa-meditation/internal/protocol"
	"github.com/loqalabs/loqa-meditation/internal/runtime"
	"github.com/loqalabs/loqa-meditation/internal/service"
	"github.com/loqalabs/loqa-meditation/internal/tts"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

type generateFlags struct {
	text         string
	textFile     string
	refAudio     string
	refText      string
	textLanguage string
	refLanguage  string
	splitMode    string
	preset       string
	speed        float64
	topK         int
	topP         float64
	temperature  float64
	pause        float64
	sovits       string
	gpt          string
	out          string
	remote       string
	timeout      time.Duration
}

var genFlags generateFlags

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Render a meditation script to WAV",
	Long: `Render a meditation script with a cloned reference voice.

Examples:
  meditate generate --text-file script.txt --ref-audio voice.wav --ref-text "..." --out calm.wav
  meditate generate --text "..." --ref-audio voice.mp3 --ref-text "..." --preset sleep-guide --pause 0.8
  meditate generate --remote nats://127.0.0.1:4222 --text "..." --ref-audio /shared/voice.wav --ref-text "..."`,
	RunE: runGenerate,
}

func init() {
	rootCmd.AddCommand(generateCmd)

	f := generateCmd.Flags()
	f.StringVar(&genFlags.text, "text", "", "Meditation script")
	f.StringVar(&genFlags.textFile, "text-file", "", "Read the meditation script from a file")
	f.StringVar(&genFlags.refAudio, "ref-audio", "", "Reference voice recording (WAV or MP3)")
	f.StringVar(&genFlags.refText, "ref-text", "", "Transcript of the reference recording")
	f.StringVar(&genFlags.textLanguage, "text-language", "", "Script language (config default when empty)")
	f.StringVar(&genFlags.refLanguage, "ref-language", "", "Reference language (config default when empty)")
	f.StringVar(&genFlags.splitMode, "split", "", "Text split mode, see 'meditate presets'")
	f.StringVar(&genFlags.preset, "preset", "", "Preset name (config default when empty)")
	f.Float64Var(&genFlags.speed, "speed", 0, "Override speech speed")
	f.IntVar(&genFlags.topK, "top-k", 0, "Override top_k")
	f.Float64Var(&genFlags.topP, "top-p", 0, "Override top_p")
	f.Float64Var(&genFlags.temperature, "temperature", 0, "Override temperature")
	f.Float64Var(&genFlags.pause, "pause", 0, "Override pause between sentences in seconds")
	f.StringVar(&genFlags.sovits, "sovits", "", "SoVITS weights to load before synthesis")
	f.StringVar(&genFlags.gpt, "gpt", "", "GPT weights to load before synthesis")
	f.StringVarP(&genFlags.out, "out", "o", "", "Output WAV path (generation.output_dir when empty)")
	f.StringVar(&genFlags.remote, "remote", "", "NATS URL of a running meditated node")
	f.DurationVar(&genFlags.timeout, "timeout", 30*time.Minute, "Give up after this long")
}

func runGenerate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	text := genFlags.text
	if genFlags.textFile != "" {
		data, err := os.ReadFile(genFlags.textFile)
		if err != nil {
			return fmt.Errorf("read text file: %w", err)
		}
		text = string(data)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, genFlags.timeout)
	defer cancel()

	in := service.Input{
		RequestID:    uuid.NewString(),
		Source:       "cli",
		Text:         text,
		RefAudioPath: genFlags.refAudio,
		RefText:      genFlags.refText,
		TextLanguage: genFlags.textLanguage,
		RefLanguage:  genFlags.refLanguage,
		SplitMode:    genFlags.splitMode,
		Preset:       genFlags.preset,
		Overrides:    overridesFromFlags(cmd),
		Models:       tts.ModelSelection{SoVITS: genFlags.sovits, GPT: genFlags.gpt},
	}

	if genFlags.remote != "" {
		return generateRemote(ctx, cmd, cfg, in)
	}

	pipeline, err := runtime.NewPipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	res, err := pipeline.Generator.Generate(ctx, in, func(p assembler.Progress) {
		fmt.Fprintf(cmd.ErrOrStderr(), "\rsegments %d/%d  %3.0f%%", p.Emitted, p.Estimate, p.Fraction*100)
	})
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("generation failed (%s): %w", service.Kind(err), err)
	}

	path := genFlags.out
	if path == "" {
		path, err = pipeline.Generator.WriteOutput(res)
	} else {
		err = audio.WriteWAVFile(path, res.Audio)
	}
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s  preset=%s segments=%d duration=%s\n",
		path, res.Preset, res.Segments, res.Audio.Duration().Round(time.Millisecond))
	return nil
}

func generateRemote(ctx context.Context, cmd *cobra.Command, cfg config.Config, in service.Input) error {
	busCfg := cfg.Bus
	busCfg.Enabled = true
	busCfg.Servers = []string{genFlags.remote}

	client, err := bus.Connect(ctx, "meditate-cli", busCfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer client.Close()

	sub, err := client.Conn().Subscribe(protocol.SubjectGenerateProgress, func(msg *nats.Msg) {
		var p protocol.GenerateProgress
		if err := json.Unmarshal(msg.Data, &p); err != nil || p.RequestID != in.RequestID {
			return
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "\rsegments %d/%d  %3.0f%%", p.Emitted, p.Estimate, p.Fraction*100)
	})
	if err != nil {
		return fmt.Errorf("subscribe progress: %w", err)
	}
	defer sub.Unsubscribe()

	req := protocol.GenerateRequest{
		RequestID:         in.RequestID,
		Text:              in.Text,
		ReferenceAudio:    in.RefAudioPath,
		ReferenceText:     in.RefText,
		TextLanguage:      in.TextLanguage,
		ReferenceLanguage: in.RefLanguage,
		SplitMode:         in.SplitMode,
		Preset:            in.Preset,
		Speed:             in.Overrides.Speed,
		TopK:              in.Overrides.TopK,
		TopP:              in.Overrides.TopP,
		Temperature:       in.Overrides.Temperature,
		PauseSeconds:      in.Overrides.PauseSeconds,
		SoVITSModel:       in.Models.SoVITS,
		GPTModel:          in.Models.GPT,
	}
	var status protocol.GenerateStatus
	err = client.RequestJSON(ctx, protocol.SubjectGenerateRequest, req, &status)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if status.State != protocol.StateCompleted {
		return fmt.Errorf("generation failed (%s): %s", status.Kind, status.Error)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s  segments=%d duration=%.1fs\n", status.OutputPath, status.Segments, status.DurationSeconds)
	return nil
}

func overridesFromFlags(cmd *cobra.Command) preset.Overrides {
	var o preset.Overrides
	f := cmd.Flags()
	if f.Changed("speed") {
		o.Speed = &genFlags.speed
	}
	if f.Changed("top-k") {
		o.TopK = &genFlags.topK
	}
	if f.Changed("top-p") {
		o.TopP = &genFlags.topP
	}
	if f.Changed("temperature") {
		o.Temperature = &genFlags.temperature
	}
	if f.Changed("pause") {
		o.PauseSeconds = &genFlags.pause
	}
	return o
}
