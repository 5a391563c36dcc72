package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
)

// Decoder turns a compressed audio file into PCM at its native sample rate.
type Decoder interface {
	Decode(ctx context.Context, path string) (Buffer, error)
}

// FFmpegDecoder decodes through the ffprobe/ffmpeg binaries.
type FFmpegDecoder struct {
	FFmpegPath  string
	FFprobePath string
}

func NewFFmpegDecoder(ffmpegPath, ffprobePath string) *FFmpegDecoder {
	return &FFmpegDecoder{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath}
}

// Decode keeps the source sample rate and downmixes to mono float32.
func (d *FFmpegDecoder) Decode(ctx context.Context, path string) (Buffer, error) {
	rate, err := d.probeSampleRate(ctx, path)
	if err != nil {
		return Buffer{}, err
	}

	cmd := exec.CommandContext(ctx, d.ffmpeg(),
		"-i", path,
		"-f", "f32le",
		"-acodec", "pcm_f32le",
		"-ac", "1",
		"-ar", strconv.Itoa(rate),
		"-loglevel", "error",
		"pipe:1",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return Buffer{}, fmt.Errorf("ffmpeg decode %s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}
	return Buffer{SampleRate: rate, Samples: decodeFloat32LE(out)}, nil
}

func (d *FFmpegDecoder) probeSampleRate(ctx context.Context, path string) (int, error) {
	cmd := exec.CommandContext(ctx, d.ffprobe(),
		"-v", "error",
		"-select_streams", "a:0",
		"-show_entries", "stream=sample_rate",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	return parseProbeRate(string(out))
}

func (d *FFmpegDecoder) ffmpeg() string {
	if d.FFmpegPath == "" {
		return "ffmpeg"
	}
	return d.FFmpegPath
}

func (d *FFmpegDecoder) ffprobe() string {
	if d.FFprobePath == "" {
		return "ffprobe"
	}
	return d.FFprobePath
}

func parseProbeRate(out string) (int, error) {
	line := strings.TrimSpace(out)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	rate, err := strconv.Atoi(line)
	if err != nil {
		return 0, fmt.Errorf("parse sample rate %q: %w", line, err)
	}
	if rate <= 0 {
		return 0, fmt.Errorf("invalid sample rate %d", rate)
	}
	return rate, nil
}

// decodeFloat32LE drops a trailing partial sample, if any.
func decodeFloat32LE(raw []byte) []float32 {
	samples := make([]float32, len(raw)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return samples
}
