package assembler

import (
	"errors"
	"fmt"
)

// ErrEmptyResult is returned when the engine finishes without emitting a segment.
var ErrEmptyResult = errors.New("synthesis produced no audio segments")

// MissingInputError reports a required request field that was left empty.
type MissingInputError struct {
	Field string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("missing required input %q", e.Field)
}

// NotFoundError reports a reference audio path that does not exist.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("reference audio not found: %s", e.Path)
}

type InvalidParametersError struct {
	Cause error
}

func (e *InvalidParametersError) Error() string {
	return fmt.Sprintf("invalid generation parameters: %v", e.Cause)
}

func (e *InvalidParametersError) Unwrap() error { return e.Cause }

// AudioDecodeError wraps a failure converting the reference audio.
type AudioDecodeError struct {
	Cause error
}

func (e *AudioDecodeError) Error() string {
	return fmt.Sprintf("reference audio decode failed: %v", e.Cause)
}

func (e *AudioDecodeError) Unwrap() error { return e.Cause }

// SynthesisError wraps an engine failure, including a failed model swap.
type SynthesisError struct {
	Cause error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesis failed: %v", e.Cause)
}

func (e *SynthesisError) Unwrap() error { return e.Cause }

// SampleRateMismatchError is returned under MismatchReject when segment Index
// reports a rate other than the first segment's.
type SampleRateMismatchError struct {
	Want  int
	Got   int
	Index int
}

func (e *SampleRateMismatchError) Error() string {
	return fmt.Sprintf("segment %d sample rate %d differs from %d", e.Index, e.Got, e.Want)
}
