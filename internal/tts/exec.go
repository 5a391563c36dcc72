package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/loqalabs/loqa-meditation/internal/audio"
	"github.com/mattn/go-shellwords"
)

// ExecOptions configures the subprocess engine bridge.
type ExecOptions struct {
	Command     string
	Version     string
	IsHalf      bool
	SampleSteps int
}

// execSynth drives a bridge script speaking newline-delimited JSON. A request is
// written to stdin; each stdout line carries one segment or an error.
type execSynth struct {
	cmd  []string
	env  []string
	opts ExecOptions
	mu   sync.Mutex
}

type execRequest struct {
	Op             string  `json:"op"`
	Weights        string  `json:"weights,omitempty"`
	RefAudioPath   string  `json:"ref_wav_path,omitempty"`
	PromptText     string  `json:"prompt_text,omitempty"`
	PromptLanguage string  `json:"prompt_language,omitempty"`
	Text           string  `json:"text,omitempty"`
	TextLanguage   string  `json:"text_language,omitempty"`
	HowToCut       string  `json:"how_to_cut,omitempty"`
	TopK           int     `json:"top_k,omitempty"`
	TopP           float64 `json:"top_p,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
	RefFree        bool    `json:"ref_free"`
	Speed          float64 `json:"speed,omitempty"`
	IfFreeze       bool    `json:"if_freeze"`
	SampleSteps    int     `json:"sample_steps,omitempty"`
	IfSR           bool    `json:"if_sr"`
	PauseSecond    float64 `json:"pause_second,omitempty"`
}

type execResponse struct {
	SampleRate int    `json:"sample_rate"`
	PCMBase64  string `json:"pcm_base64"`
	Error      string `json:"error"`
	Done       bool   `json:"done"`
}

// NewExecEngine parses the bridge command line. The engine environment receives
// version and is_half the way the upstream inference scripts expect them.
func NewExecEngine(opts ExecOptions) (Engine, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(opts.Command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	env := append(os.Environ(), "is_half="+strconv.FormatBool(opts.IsHalf))
	if opts.Version != "" {
		env = append(env, "version="+opts.Version)
	}
	return &execSynth{cmd: args, env: env, opts: opts}, nil
}

func (e *execSynth) LoadSoVITS(ctx context.Context, id string) error {
	return e.load(ctx, "load_sovits", id)
}

func (e *execSynth) LoadGPT(ctx context.Context, id string) error {
	return e.load(ctx, "load_gpt", id)
}

func (e *execSynth) load(ctx context.Context, op, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := json.Marshal(execRequest{Op: op, Weights: id})
	if err != nil {
		return err
	}
	cmd := e.command(ctx)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w: %s", op, id, err, stderr.String())
	}
	return nil
}

func (e *execSynth) Synthesize(ctx context.Context, req Request) (<-chan Segment, <-chan error) {
	e.mu.Lock()
	segments := make(chan Segment)
	errs := make(chan error, 1)
	go func() {
		defer close(segments)
		defer close(errs)
		defer e.mu.Unlock()

		steps := req.SampleSteps
		if steps == 0 {
			steps = e.opts.SampleSteps
		}
		data, err := json.Marshal(execRequest{
			Op:             "synthesize",
			RefAudioPath:   req.RefAudioPath,
			PromptText:     req.PromptText,
			PromptLanguage: req.PromptLanguage,
			Text:           req.Text,
			TextLanguage:   req.TextLanguage,
			HowToCut:       req.SplitMode.EngineLabel(),
			TopK:           req.TopK,
			TopP:           req.TopP,
			Temperature:    req.Temperature,
			RefFree:        req.RefFree,
			Speed:          req.Speed,
			IfFreeze:       req.FreezeTone,
			SampleSteps:    steps,
			IfSR:           req.SuperResolve,
			PauseSecond:    req.PauseSeconds,
		})
		if err != nil {
			errs <- err
			return
		}

		cmd := e.command(ctx)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			errs <- err
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			errs <- err
			return
		}
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Start(); err != nil {
			errs <- err
			return
		}

		if _, err := stdin.Write(data); err != nil {
			errs <- err
			_ = cmd.Process.Kill()
			cmd.Wait()
			return
		}
		stdin.Close()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
		sequence := 0
		finished := false
		for !finished && scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			seg, done, err := decodeExecLine(line)
			if err != nil {
				errs <- err
				_ = cmd.Process.Kill()
				cmd.Wait()
				return
			}
			if done {
				finished = true
				continue
			}
			seg.Sequence = sequence
			sequence++
			select {
			case segments <- seg:
			case <-ctx.Done():
				errs <- ctx.Err()
				_ = cmd.Process.Kill()
				cmd.Wait()
				return
			}
		}
		if scanErr := scanner.Err(); scanErr != nil {
			_ = cmd.Process.Kill()
			cmd.Wait()
			errs <- fmt.Errorf("read tts output: %w", scanErr)
			return
		}

		// Output after the done line is discarded so the bridge never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, stdout)
		if err := cmd.Wait(); err != nil {
			if ctx.Err() != nil {
				errs <- ctx.Err()
				return
			}
			errs <- fmt.Errorf("tts command failed: %w: %s", err, stderr.String())
		}
	}()
	return segments, errs
}

func (e *execSynth) command(ctx context.Context) *exec.Cmd {
	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Env = e.env
	return cmd
}

// decodeExecLine turns one bridge line into a segment. PCM is 16-bit little endian mono.
func decodeExecLine(line []byte) (Segment, bool, error) {
	var resp execResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return Segment{}, false, fmt.Errorf("decode tts line: %w", err)
	}
	if resp.Error != "" {
		return Segment{}, false, errors.New(resp.Error)
	}
	if resp.Done {
		return Segment{}, true, nil
	}
	if resp.SampleRate <= 0 {
		return Segment{}, false, fmt.Errorf("tts line missing sample_rate")
	}
	pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
	if err != nil {
		return Segment{}, false, fmt.Errorf("decode pcm: %w", err)
	}
	if len(pcm)%2 != 0 {
		return Segment{}, false, fmt.Errorf("pcm payload not aligned")
	}
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		samples[i] = audio.Int16ToFloat(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return Segment{Buffer: audio.Buffer{SampleRate: resp.SampleRate, Samples: samples}}, false, nil
}
