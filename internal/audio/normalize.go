package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Reference is a reference-audio path ready for the engine. When the source had
// to be converted, Path points at a temporary WAV owned by the Reference.
type Reference struct {
	Path   string
	Source string
	temp   bool
}

// Temporary reports whether Path is a converted file that Release deletes.
func (r *Reference) Temporary() bool { return r != nil && r.temp }

// Release deletes the temporary WAV, if one was created. Safe to call more than once.
func (r *Reference) Release() error {
	if r == nil || !r.temp {
		return nil
	}
	r.temp = false
	if err := os.Remove(r.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Normalizer converts compressed reference audio into uncompressed WAV.
type Normalizer struct {
	decoder Decoder
	tempDir string
}

func NewNormalizer(decoder Decoder, tempDir string) *Normalizer {
	return &Normalizer{decoder: decoder, tempDir: tempDir}
}

// NeedsConversion reports whether path is MP3-encoded, judged by extension.
func NeedsConversion(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".mp3")
}

// Prepare returns path untouched for WAV input and a temporary WAV otherwise.
// The caller must Release the result.
func (n *Normalizer) Prepare(ctx context.Context, path string) (*Reference, error) {
	if !NeedsConversion(path) {
		return &Reference{Path: path, Source: path}, nil
	}
	if n.decoder == nil {
		return nil, errors.New("no audio decoder configured")
	}

	pcm, err := n.decoder.Decode(ctx, path)
	if err != nil {
		return nil, err
	}

	file, err := os.CreateTemp(n.tempDir, "meditation_ref_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	ref := &Reference{Path: file.Name(), Source: path, temp: true}
	if err := EncodeWAV(file, pcm); err != nil {
		file.Close()
		_ = ref.Release()
		return nil, err
	}
	if err := file.Close(); err != nil {
		_ = ref.Release()
		return nil, fmt.Errorf("close temp wav: %w", err)
	}
	return ref, nil
}
