// Package energy provides a lightweight energy-based VAD engine. It classifies
// frames by their RMS amplitude with a short majority-vote window to smooth
// out transient spikes, and needs no model weights or cgo. It implements the
// vad.Engine interface.
//
// The detector is tuned for 16-bit PCM conversational audio: an RMS reference
// of 300 maps to a speech probability of 0.5, so the default thresholds in
// vad.Config work unchanged.
package energy

import (
	"errors"
	"fmt"
	"math"

	"github.com/ribu-singh/Vocode-Backend/pkg/provider/vad"
)

const (
	// defaultRMSRef is the RMS amplitude that maps to probability 0.5.
	defaultRMSRef = 300.0

	// defaultWindowFrames is the size of the majority-vote smoothing window.
	defaultWindowFrames = 4
)

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithRMSReference sets the RMS amplitude that maps to speech probability 0.5.
// Raise it for noisy input channels, lower it for quiet ones.
func WithRMSReference(rms float64) Option {
	return func(e *Engine) {
		e.rmsRef = rms
	}
}

// WithWindow sets the number of recent frames in the majority-vote window.
func WithWindow(frames int) Option {
	return func(e *Engine) {
		e.windowFrames = frames
	}
}

// Engine implements vad.Engine using frame RMS energy.
type Engine struct {
	rmsRef       float64
	windowFrames int
}

// New creates a new energy VAD Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		rmsRef:       defaultRMSRef,
		windowFrames: defaultWindowFrames,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: sample rate %d must be positive", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: frame size %dms must be positive", cfg.FrameSizeMs)
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy: speech threshold %g out of range [0,1]", cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %g must be in [0, speech threshold]", cfg.SilenceThreshold)
	}

	return &session{
		cfg:        cfg,
		rmsRef:     e.rmsRef,
		frameBytes: cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2,
		window:     make([]float64, 0, e.windowFrames),
		windowCap:  e.windowFrames,
	}, nil
}

// session is a single-stream energy VAD session. Not safe for concurrent use.
type session struct {
	cfg        vad.Config
	rmsRef     float64
	frameBytes int

	window    []float64
	windowCap int
	inSpeech  bool
	closed    bool
}

// ProcessFrame implements vad.SessionHandle.
func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if s.closed {
		return vad.VADEvent{}, errors.New("energy: session is closed")
	}
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("energy: frame is %d bytes, expected %d", len(frame), s.frameBytes)
	}

	prob := s.probability(frame)

	if len(s.window) == s.windowCap {
		copy(s.window, s.window[1:])
		s.window[len(s.window)-1] = prob
	} else {
		s.window = append(s.window, prob)
	}

	speechVotes, silenceVotes := 0, 0
	for _, p := range s.window {
		if p >= s.cfg.SpeechThreshold {
			speechVotes++
		}
		if p <= s.cfg.SilenceThreshold {
			silenceVotes++
		}
	}
	majority := s.windowCap/2 + 1

	event := vad.VADEvent{Probability: prob}
	switch {
	case !s.inSpeech && speechVotes >= majority:
		s.inSpeech = true
		event.Type = vad.VADSpeechStart
	case s.inSpeech && silenceVotes >= majority:
		s.inSpeech = false
		event.Type = vad.VADSpeechEnd
	case s.inSpeech:
		event.Type = vad.VADSpeechContinue
	default:
		event.Type = vad.VADSilence
	}
	return event, nil
}

// probability maps the frame's RMS amplitude onto [0,1) such that
// RMS == rmsRef gives 0.5.
func (s *session) probability(frame []byte) float64 {
	var sum float64
	samples := len(frame) / 2
	for i := 0; i < samples; i++ {
		v := float64(int16(frame[i*2]) | int16(frame[i*2+1])<<8)
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(samples))
	return rms / (rms + s.rmsRef)
}

// Reset implements vad.SessionHandle.
func (s *session) Reset() {
	s.window = s.window[:0]
	s.inSpeech = false
}

// Close implements vad.SessionHandle.
func (s *session) Close() error {
	s.closed = true
	return nil
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)
