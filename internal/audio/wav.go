package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const wavBitDepth = 16

// EncodeWAV writes buf as a 16-bit mono PCM WAV file.
func EncodeWAV(w io.WriteSeeker, buf Buffer) error {
	if buf.SampleRate <= 0 {
		return fmt.Errorf("encode wav: invalid sample rate %d", buf.SampleRate)
	}
	ib := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: buf.SampleRate},
		Data:           make([]int, len(buf.Samples)),
		SourceBitDepth: wavBitDepth,
	}
	for i, s := range buf.Samples {
		ib.Data[i] = int(FloatToInt16(s))
	}

	enc := wav.NewEncoder(w, buf.SampleRate, wavBitDepth, 1, 1)
	if err := enc.Write(ib); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// EncodeWAVBytes renders buf into an in-memory WAV file.
func EncodeWAVBytes(buf Buffer) ([]byte, error) {
	var ws writeSeeker
	if err := EncodeWAV(&ws, buf); err != nil {
		return nil, err
	}
	return ws.buf, nil
}

// WriteWAVFile creates (or truncates) path and writes buf into it.
func WriteWAVFile(path string, buf Buffer) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav file: %w", err)
	}
	if err := EncodeWAV(f, buf); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// DecodeWAV reads a PCM WAV stream. Multi-channel input is averaged down to mono.
func DecodeWAV(r io.ReadSeeker) (Buffer, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Buffer{}, errors.New("decode wav: not a valid wav stream")
	}
	ib, err := dec.FullPCMBuffer()
	if err != nil {
		return Buffer{}, fmt.Errorf("decode wav: %w", err)
	}
	channels := int(dec.NumChans)
	if channels <= 0 {
		channels = 1
	}
	depth := int(dec.BitDepth)
	if depth <= 0 {
		depth = wavBitDepth
	}
	scale := float32(int64(1) << (depth - 1))

	frames := len(ib.Data) / channels
	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += float32(ib.Data[i*channels+c]) / scale
		}
		samples[i] = sum / float32(channels)
	}
	return Buffer{SampleRate: int(dec.SampleRate), Samples: samples}, nil
}

// DecodeWAVBytes is DecodeWAV over an in-memory payload.
func DecodeWAVBytes(data []byte) (Buffer, error) {
	return DecodeWAV(bytes.NewReader(data))
}

// ReadWAVFile decodes the WAV file at path.
func ReadWAVFile(path string) (Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return Buffer{}, err
	}
	defer f.Close()
	return DecodeWAV(f)
}

// writeSeeker is the minimal io.WriteSeeker the wav encoder needs to patch
// its header sizes after the data chunk is written.
type writeSeeker struct {
	buf []byte
	pos int
}

func (w *writeSeeker) Write(p []byte) (int, error) {
	end := w.pos + len(p)
	if end > len(w.buf) {
		if end > cap(w.buf) {
			grown := make([]byte, end, 2*end)
			copy(grown, w.buf)
			w.buf = grown
		} else {
			w.buf = w.buf[:end]
		}
	}
	copy(w.buf[w.pos:], p)
	w.pos = end
	return len(p), nil
}

func (w *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(w.pos) + offset
	case io.SeekEnd:
		abs = int64(len(w.buf)) + offset
	default:
		return 0, errors.New("seek: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("seek: negative position")
	}
	w.pos = int(abs)
	return abs, nil
}
