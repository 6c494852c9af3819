// Package synthesizer turns agent text increments into canonical audio
// frames. It wraps a [tts.Provider], forwarding text as it arrives so audio
// starts before the full reply is known, and resamples provider output to
// the session's output rate. Provider failures retry with the text that was
// not yet forwarded; an exhausted budget truncates the stream instead of
// silently dropping the turn.
package synthesizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ribu-singh/Vocode-Backend/internal/observe"
	"github.com/ribu-singh/Vocode-Backend/pkg/audio"
	"github.com/ribu-singh/Vocode-Backend/pkg/provider/tts"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 100 * time.Millisecond
	defaultTimeout     = 30 * time.Second

	frameBuffer = 32
)

// Error wraps a provider failure with its retry classification.
type Error struct {
	// Op names the failing operation.
	Op string

	// Retryable marks transient failures worth another attempt.
	Retryable bool

	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("synthesizer: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Config holds the synthesizer stage settings.
type Config struct {
	// OutputSampleRate is the session's output rate in Hz. Provider audio is
	// resampled to it when the rates differ.
	OutputSampleRate int

	// MaxAttempts bounds retries for failed provider streams. Default 3.
	MaxAttempts int

	// Timeout bounds one whole synthesis call. Default 30s.
	Timeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
}

// Option configures a [Stage].
type Option func(*Stage)

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stage) {
		s.log = l
	}
}

// WithMetrics attaches metric instruments for latency accounting.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Stage) {
		s.metrics = m
	}
}

// Stage is the synthesizer pipeline stage. Safe for concurrent use; each
// Synthesize call owns its own Stream.
type Stage struct {
	provider tts.Provider
	voice    tts.VoiceProfile
	cfg      Config
	log      *slog.Logger
	metrics  *observe.Metrics
}

// New creates a synthesizer stage over the given provider and voice.
func New(provider tts.Provider, voice tts.VoiceProfile, cfg Config, opts ...Option) (*Stage, error) {
	cfg.applyDefaults()
	if cfg.OutputSampleRate <= 0 {
		return nil, errors.New("synthesizer: output sample rate must be positive")
	}
	s := &Stage{
		provider: provider,
		voice:    voice,
		cfg:      cfg,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Stream is one in-flight synthesis. Frames carry canonical PCM at the
// configured output rate with monotonically increasing sequence numbers.
type Stream struct {
	frames chan audio.Frame
	cancel context.CancelFunc

	mu        sync.Mutex
	err       error
	truncated bool
	cancelled bool
}

// Frames returns the ordered audio frames. The channel closes when the
// synthesis completes, truncates, or is cancelled.
func (t *Stream) Frames() <-chan audio.Frame {
	return t.frames
}

// Cancel aborts the synthesis. Idempotent; Frames closes promptly and
// undelivered audio is discarded.
func (t *Stream) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
	t.cancel()
}

// Truncated reports whether the stream ended early after exhausting the
// provider retry budget. Valid after Frames closes.
func (t *Stream) Truncated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.truncated
}

// Err returns the terminal error, if any, after Frames closes. A cancelled
// stream reports nil.
func (t *Stream) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return nil
	}
	return t.err
}

// Synthesize starts converting text increments into audio. The text channel
// is owned by the caller and must be closed to finish the utterance.
func (s *Stage) Synthesize(ctx context.Context, text <-chan string) (*Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	st := &Stream{
		frames: make(chan audio.Frame, frameBuffer),
		cancel: cancel,
	}
	go s.run(ctx, text, st)
	return st, nil
}

// run drives provider attempts until the text is fully spoken, the retry
// budget runs out, or the stream is cancelled.
func (s *Stage) run(ctx context.Context, text <-chan string, st *Stream) {
	defer st.cancel()
	defer close(st.frames)

	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.SynthesisDuration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds())
		}
	}()

	var seq uint64
	var pending []string
	textOpen := true
	delay := defaultBaseDelay

	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return
			}
		}

		done, err := s.attempt(ctx, text, st, &seq, &pending, &textOpen)
		if done {
			return
		}
		if err != nil {
			s.log.Warn("synthesis stream failed, retrying with remaining text",
				"attempt", attempt+1, "pending_fragments", len(pending), "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}

	s.log.Error("synthesis exhausted retries, truncating turn audio")
	st.mu.Lock()
	st.truncated = true
	st.err = &Error{Op: "synthesize", Retryable: false, Err: errors.New("retry budget exhausted")}
	st.mu.Unlock()
}

// attempt runs one provider stream. It forwards buffered and newly arriving
// text, emits resampled frames, and reports done=true when the utterance
// completed or was cancelled.
func (s *Stage) attempt(ctx context.Context, text <-chan string, st *Stream, seq *uint64, pending *[]string, textOpen *bool) (done bool, err error) {
	provText := make(chan string)
	audioCh, err := s.provider.SynthesizeStream(ctx, provText, s.voice)
	if err != nil {
		close(provText)
		return false, &Error{Op: "start stream", Retryable: true, Err: err}
	}

	providerRate := s.provider.OutputSampleRate()

	// Forward text: replay what a failed attempt left behind, then live
	// increments. Fragments stay in pending until forwarded.
	abort := make(chan struct{})
	var abortOnce sync.Once
	stopForwarder := func() { abortOnce.Do(func() { close(abort) }) }
	forwarderDone := make(chan struct{})
	defer func() {
		stopForwarder()
		<-forwarderDone
	}()
	go func() {
		defer close(forwarderDone)
		defer close(provText)
		for {
			var next string
			if len(*pending) > 0 {
				next = (*pending)[0]
			} else if *textOpen {
				select {
				case <-ctx.Done():
					return
				case <-abort:
					return
				case frag, ok := <-text:
					if !ok {
						*textOpen = false
						return
					}
					*pending = append(*pending, frag)
					next = frag
				}
			} else {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-abort:
				return
			case provText <- next:
				*pending = (*pending)[1:]
			}
		}
	}()

	for chunk := range audioCh {
		if len(chunk) == 0 {
			continue
		}
		f := audio.Frame{
			Data:       chunk,
			SampleRate: providerRate,
			Seq:        *seq,
			CapturedAt: time.Now(),
		}
		if providerRate != s.cfg.OutputSampleRate {
			f = audio.Resample(f, s.cfg.OutputSampleRate)
		}
		select {
		case st.frames <- f:
			*seq++
		case <-ctx.Done():
			return true, nil
		}
	}
	stopForwarder()
	<-forwarderDone

	if ctx.Err() != nil {
		return true, nil
	}
	if !*textOpen && len(*pending) == 0 {
		// Provider closed after the full utterance was forwarded.
		return true, nil
	}
	return false, &Error{Op: "stream", Retryable: true, Err: errors.New("provider stream ended early")}
}
