// Package audio defines the canonical audio representation flowing through
// the conversation pipeline — frames of little-endian 16-bit mono PCM — and
// the pure codec/resampling functions that convert between wire encodings and
// that canonical form.
package audio

import (
	"fmt"
	"time"
)

// Encoding identifies a wire audio encoding.
type Encoding string

const (
	// EncodingLinear16 is uncompressed little-endian 16-bit PCM.
	EncodingLinear16 Encoding = "linear16"

	// EncodingMulaw is G.711 µ-law companded 8-bit audio (telephony).
	EncodingMulaw Encoding = "mulaw"

	// EncodingOpus is the Opus compressed codec. Opus is stateful; use
	// [NewOpusCoder] rather than the stateless Decode/Encode functions.
	EncodingOpus Encoding = "opus"
)

// IsValid reports whether e is a known encoding.
func (e Encoding) IsValid() bool {
	switch e {
	case EncodingLinear16, EncodingMulaw, EncodingOpus:
		return true
	}
	return false
}

// Frame is a single immutable chunk of audio in the canonical internal
// representation: little-endian 16-bit mono PCM. Frames are produced by
// transport ingestion or by the synthesizer stage and consumed exactly once
// by the next stage. Producers must not retain or mutate Data after handing
// the frame off.
type Frame struct {
	// Data is little-endian int16 mono PCM.
	Data []byte

	// SampleRate in Hz (e.g., 8000 for telephony µ-law, 16000 for STT).
	SampleRate int

	// Seq increases monotonically per producer within a session.
	Seq uint64

	// CapturedAt marks when the frame entered the pipeline.
	CapturedAt time.Time
}

// Duration returns the playback duration of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	samples := len(f.Data) / 2
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Config describes one direction of a session's audio format. It is
// negotiated once at session start and immutable afterwards.
type Config struct {
	// SampleRate in Hz.
	SampleRate int

	// Encoding is the wire encoding for this direction.
	Encoding Encoding

	// ChunkDurationMs is the expected duration of each wire chunk in
	// milliseconds. Zero means the sender's chunking is not constrained.
	ChunkDurationMs int
}

// Validate checks that the config holds a usable combination of values.
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate %d must be positive", c.SampleRate)
	}
	if !c.Encoding.IsValid() {
		return &CodecError{Op: "validate", Encoding: c.Encoding, Reason: "unsupported encoding"}
	}
	if c.ChunkDurationMs < 0 {
		return fmt.Errorf("audio: chunk duration %dms must not be negative", c.ChunkDurationMs)
	}
	return nil
}

// CodecError reports malformed input or an unsupported encoding. Callers
// drop the offending chunk, log, and continue the session.
type CodecError struct {
	// Op is the failing operation ("decode", "encode", "validate").
	Op string

	// Encoding is the wire encoding involved.
	Encoding Encoding

	// Reason describes what was wrong with the input.
	Reason string
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("audio: %s %s: %s", e.Op, e.Encoding, e.Reason)
}
