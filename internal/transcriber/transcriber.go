// Package transcriber turns the inbound audio stream into turn-scoped
// transcript events. It wraps a streaming [stt.Provider], assigns turn IDs,
// and hides provider stream failures behind transparent reconnects with a
// bounded audio buffer.
package transcriber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ribu-singh/Vocode-Backend/internal/observe"
	"github.com/ribu-singh/Vocode-Backend/internal/resilience"
	"github.com/ribu-singh/Vocode-Backend/pkg/audio"
	"github.com/ribu-singh/Vocode-Backend/pkg/provider/stt"
)

const (
	defaultMaxBufferedMs = 3000
	defaultMaxReconnects = 5

	// eventBuffer sizes the Events channel. The orchestrator loop drains it
	// continuously; the buffer only absorbs short scheduling stalls.
	eventBuffer = 64
)

// WarningDegraded marks an Event reporting dropped audio during a provider
// outage. The turn continues with whatever audio survived.
const WarningDegraded = "degraded_transcription"

var (
	// ErrUnavailable is returned after the reconnect budget is exhausted.
	// It is fatal for the session.
	ErrUnavailable = errors.New("transcriber: provider unavailable")

	// ErrStopped is returned by Send after Stop.
	ErrStopped = errors.New("transcriber: stage stopped")

	// ErrNotStarted is returned by Send before Start.
	ErrNotStarted = errors.New("transcriber: stage not started")
)

// Event is one transcript update. Partials for a turn refine monotonically;
// exactly one final closes each turn. A non-empty Warning field marks a
// degradation notice instead of a transcript update.
type Event struct {
	TurnID     uint64
	Text       string
	IsFinal    bool
	Confidence float64
	EmittedAt  time.Time

	// Warning is empty for transcript events, [WarningDegraded] for
	// degradation notices.
	Warning string
}

// TurnAllocator hands out session-wide strictly increasing turn IDs.
type TurnAllocator interface {
	Next() uint64
}

// Config holds the transcriber stage settings.
type Config struct {
	// SampleRate and Encoding describe the audio pushed via Send.
	SampleRate int
	Encoding   string

	// Language is the BCP-47 transcription language hint.
	Language string

	// EndpointingMs is the provider's utterance-end silence window.
	EndpointingMs int

	// MaxBufferedMs bounds the audio buffered while reconnecting.
	// Default 3000.
	MaxBufferedMs int

	// MaxReconnects bounds consecutive failed reconnect attempts before the
	// stage gives up. Default 5.
	MaxReconnects int
}

func (c *Config) applyDefaults() {
	if c.MaxBufferedMs <= 0 {
		c.MaxBufferedMs = defaultMaxBufferedMs
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = defaultMaxReconnects
	}
}

// Option configures a [Stage].
type Option func(*Stage)

// WithMetrics attaches metric instruments for dropped-frame accounting.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Stage) {
		s.metrics = m
	}
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stage) {
		s.log = l
	}
}

// Stage is the transcriber pipeline stage. Create with [New], feed with
// Send, consume Events, and release with Stop. Safe for one sender and one
// consumer goroutine.
type Stage struct {
	provider stt.Provider
	turns    TurnAllocator
	cfg      Config
	metrics  *observe.Metrics
	log      *slog.Logger

	events chan Event

	mu      sync.Mutex
	buf     []audio.Frame
	bufMs   int
	started bool
	stopped bool
	fatal   error

	notify chan struct{}
	stopCh chan struct{}
	done   chan struct{}

	stopOnce sync.Once

	// Turn tracking. Touched only by the reader goroutine of the session
	// that is current at the time; sessions never overlap.
	openTurn    uint64
	lastPartial string
}

// New creates a transcriber stage over the given provider. Turn IDs come
// from the shared allocator so user and agent turns interleave in order.
func New(provider stt.Provider, turns TurnAllocator, cfg Config, opts ...Option) *Stage {
	cfg.applyDefaults()
	s := &Stage{
		provider: provider,
		turns:    turns,
		cfg:      cfg,
		log:      slog.Default(),
		events:   make(chan Event, eventBuffer),
		notify:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Events returns the transcript event stream. The channel closes after Stop
// or a fatal stage error; check Err afterwards.
func (s *Stage) Events() <-chan Event {
	return s.events
}

// Err returns the fatal stage error, if any, after Events closes.
func (s *Stage) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// Start opens the provider stream and launches the stage goroutines.
func (s *Stage) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("transcriber: already started")
	}
	s.started = true
	s.mu.Unlock()

	sess, err := s.connect(ctx)
	if err != nil {
		s.setFatal(err)
		close(s.events)
		close(s.done)
		return err
	}

	go s.run(ctx, sess)
	return nil
}

// Send queues one canonical PCM frame for transcription. It never blocks:
// when the internal buffer is full, the oldest audio is dropped and a
// [WarningDegraded] event is emitted.
func (s *Stage) Send(f audio.Frame) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}

	s.buf = append(s.buf, f)
	s.bufMs += int(f.Duration() / time.Millisecond)

	var droppedMs int
	var dropped int
	for s.bufMs > s.cfg.MaxBufferedMs && len(s.buf) > 1 {
		oldest := s.buf[0]
		s.buf = s.buf[1:]
		ms := int(oldest.Duration() / time.Millisecond)
		s.bufMs -= ms
		droppedMs += ms
		dropped++
	}
	s.mu.Unlock()

	if dropped > 0 {
		s.log.Warn("transcriber buffer overflow, dropping oldest audio",
			"dropped_frames", dropped, "dropped_ms", droppedMs)
		if s.metrics != nil {
			s.metrics.RecordDroppedFrames(context.Background(), "transcriber", int64(dropped))
		}
		s.emit(Event{Warning: WarningDegraded, EmittedAt: time.Now()})
	}

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Stop flushes buffered audio, lets the provider emit the pending final, and
// closes the event stream. Idempotent.
func (s *Stage) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		wasStarted := s.started
		s.stopped = true
		s.mu.Unlock()
		close(s.stopCh)
		if wasStarted {
			<-s.done
		}
	})
}

// connect opens a provider stream with bounded exponential backoff.
func (s *Stage) connect(ctx context.Context) (stt.SessionHandle, error) {
	scfg := stt.StreamConfig{
		SampleRate:    s.cfg.SampleRate,
		Encoding:      s.cfg.Encoding,
		Language:      s.cfg.Language,
		EndpointingMs: s.cfg.EndpointingMs,
	}

	var sess stt.SessionHandle
	err := resilience.Retry(ctx, resilience.RetryConfig{MaxAttempts: s.cfg.MaxReconnects}, func(attempt int) error {
		var err error
		sess, err = s.provider.StartStream(ctx, scfg)
		if err != nil {
			s.log.Warn("transcriber stream connect failed",
				"attempt", attempt+1, "error", err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return sess, nil
}

// run owns the provider session lifecycle: it pumps buffered audio into the
// current session, translates transcript results into events, and reconnects
// on stream failure until the budget is exhausted or the stage stops.
func (s *Stage) run(ctx context.Context, sess stt.SessionHandle) {
	defer close(s.done)
	defer close(s.events)

	for {
		readerDone := make(chan struct{})
		go func() {
			defer close(readerDone)
			s.readResults(sess)
		}()

		stopping := s.feed(ctx, sess, readerDone)
		_ = sess.Close()
		<-readerDone

		if stopping {
			// Clean stop. Guarantee the pending final.
			if s.openTurn != 0 {
				s.emit(Event{
					TurnID:    s.openTurn,
					Text:      s.lastPartial,
					IsFinal:   true,
					EmittedAt: time.Now(),
				})
				s.openTurn = 0
			}
			return
		}

		s.log.Warn("transcriber stream lost, reconnecting")
		var err error
		sess, err = s.connect(ctx)
		if err != nil {
			s.setFatal(err)
			return
		}
	}
}

// feed sends buffered audio to sess until the stage stops (returns true) or
// the stream fails (returns false).
func (s *Stage) feed(ctx context.Context, sess stt.SessionHandle, readerDone <-chan struct{}) (stopping bool) {
	for {
		select {
		case <-ctx.Done():
			return true
		case <-s.stopCh:
			_ = s.flush(sess)
			return true
		case <-readerDone:
			return false
		case <-s.notify:
			if err := s.flush(sess); err != nil {
				return false
			}
		}
	}
}

// flush sends all buffered frames to the session, requeueing on failure.
func (s *Stage) flush(sess stt.SessionHandle) error {
	for {
		s.mu.Lock()
		if len(s.buf) == 0 {
			s.mu.Unlock()
			return nil
		}
		f := s.buf[0]
		s.buf = s.buf[1:]
		s.bufMs -= int(f.Duration() / time.Millisecond)
		s.mu.Unlock()

		if err := sess.SendAudio(f.Data); err != nil {
			s.mu.Lock()
			s.buf = append([]audio.Frame{f}, s.buf...)
			s.bufMs += int(f.Duration() / time.Millisecond)
			s.mu.Unlock()
			return err
		}
	}
}

// readResults translates provider transcripts into turn-scoped events until
// both result channels close.
func (s *Stage) readResults(sess stt.SessionHandle) {
	partials, finals := sess.Partials(), sess.Finals()
	for partials != nil || finals != nil {
		select {
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			s.handleTranscript(t, false)
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			s.handleTranscript(t, true)
		}
	}
}

func (s *Stage) handleTranscript(t stt.Transcript, isFinal bool) {
	if t.Text == "" && !isFinal {
		return
	}

	if s.openTurn == 0 {
		s.openTurn = s.turns.Next()
	}
	ev := Event{
		TurnID:     s.openTurn,
		Text:       t.Text,
		IsFinal:    isFinal,
		Confidence: t.Confidence,
		EmittedAt:  time.Now(),
	}
	if isFinal {
		if ev.Text == "" {
			ev.Text = s.lastPartial
		}
		s.openTurn = 0
		s.lastPartial = ""
	} else {
		s.lastPartial = t.Text
	}
	s.emit(ev)
}

// emit delivers on the events channel without blocking the stage forever: a
// consumer that stalls past the buffer loses the oldest semantics anyway, so
// warnings may be dropped but transcript events block until consumed.
func (s *Stage) emit(ev Event) {
	if ev.Warning != "" {
		select {
		case s.events <- ev:
		default:
		}
		return
	}
	s.events <- ev
}

func (s *Stage) setFatal(err error) {
	s.mu.Lock()
	s.fatal = err
	s.mu.Unlock()
	s.log.Error("transcriber stage failed", "error", err)
}
