// Package agent generates the agent's reply for a finalized user turn. It
// wraps an [llm.Provider] and exposes each reply as a lazy, cancellable
// stream of text increments. Provider failures degrade to a configured
// fallback sentence rather than silence.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ribu-singh/Vocode-Backend/internal/observe"
	"github.com/ribu-singh/Vocode-Backend/pkg/provider/llm"
)

const (
	defaultMaxAttempts      = 3
	defaultBaseDelay        = 100 * time.Millisecond
	defaultTimeout          = 30 * time.Second
	defaultMaxHistoryTokens = 4000
	defaultFallbackText     = "Sorry, I'm having trouble responding right now."

	incrementBuffer = 16
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
	return fmt.Sprintf("agent: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Config holds the agent stage settings.
type Config struct {
	// SystemPrompt is prepended to every request.
	SystemPrompt string

	// Temperature and MaxTokens are passed through to the provider.
	Temperature float64
	MaxTokens   int

	// MaxHistoryTokens bounds the conversation history sent per request;
	// oldest messages are trimmed first. Default 4000.
	MaxHistoryTokens int

	// MaxAttempts bounds retries for retryable failures. Default 3.
	MaxAttempts int

	// Timeout bounds each generation call. Default 30s.
	Timeout time.Duration

	// FallbackText is spoken when generation fails outright.
	// Default "Sorry, I'm having trouble responding right now."
	FallbackText string
}

func (c *Config) applyDefaults() {
	if c.MaxHistoryTokens <= 0 {
		c.MaxHistoryTokens = defaultMaxHistoryTokens
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.FallbackText == "" {
		c.FallbackText = defaultFallbackText
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

// WithMetrics attaches metric instruments for latency and error accounting.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Stage) {
		s.metrics = m
	}
}

// WithRetryClassifier overrides how provider errors are classified. The
// default treats every failure except context cancellation as retryable.
func WithRetryClassifier(f func(error) bool) Option {
	return func(s *Stage) {
		s.retryable = f
	}
}

// Stage is the agent pipeline stage. Safe for concurrent use; each Generate
// call owns its own Response.
type Stage struct {
	provider  llm.Provider
	cfg       Config
	log       *slog.Logger
	metrics   *observe.Metrics
	retryable func(error) bool
}

// New creates an agent stage over the given provider.
func New(provider llm.Provider, cfg Config, opts ...Option) *Stage {
	cfg.applyDefaults()
	s := &Stage{
		provider:  provider,
		cfg:       cfg,
		log:       slog.Default(),
		retryable: defaultRetryable,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func defaultRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var aerr *Error
	if errors.As(err, &aerr) {
		return aerr.Retryable
	}
	return true
}

// Response is one in-flight agent reply. Increments are delivered in order
// on a single channel that closes when the reply ends; a reply is never
// restarted after its first increment.
type Response struct {
	incs   chan string
	cancel context.CancelFunc

	mu        sync.Mutex
	err       error
	fallback  bool
	cancelled bool
}

// Increments returns the ordered text increments of the reply. The channel
// closes when the reply completes, fails, or is cancelled.
func (r *Response) Increments() <-chan string {
	return r.incs
}

// Err returns the terminal error, if any, after Increments closes. A
// cancelled reply reports nil.
func (r *Response) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return nil
	}
	return r.err
}

// Fallback reports whether the reply is the configured fallback text rather
// than generated output.
func (r *Response) Fallback() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fallback
}

// Cancel aborts the upstream request. Idempotent; pending increments are
// discarded and Increments closes promptly.
func (r *Response) Cancel() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
	r.cancel()
}

// Generate starts a reply for the finalized user text. History holds the
// prior finalized turns in order, oldest first, already mapped to chat
// messages; it is trimmed to the configured token budget before sending.
func (s *Stage) Generate(ctx context.Context, userText string, history []llm.Message) (*Response, error) {
	if userText == "" {
		return nil, errors.New("agent: empty user text")
	}

	trimmed := s.trimHistory(history)
	messages := make([]llm.Message, 0, len(trimmed)+1)
	messages = append(messages, trimmed...)
	messages = append(messages, llm.Message{Role: "user", Content: userText})

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	resp := &Response{
		incs:   make(chan string, incrementBuffer),
		cancel: cancel,
	}
	go s.generate(ctx, messages, resp)
	return resp, nil
}

func (s *Stage) generate(ctx context.Context, messages []llm.Message, resp *Response) {
	defer resp.cancel()
	defer close(resp.incs)

	start := time.Now()
	req := llm.CompletionRequest{
		Messages:     messages,
		Temperature:  s.cfg.Temperature,
		MaxTokens:    s.cfg.MaxTokens,
		SystemPrompt: s.cfg.SystemPrompt,
	}

	delay := defaultBaseDelay
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				s.finish(ctx, resp, ctx.Err(), start)
				return
			}
		}

		emitted, err := s.streamOnce(ctx, req, resp)
		if err == nil {
			s.finish(ctx, resp, nil, start)
			return
		}
		lastErr = err

		if emitted {
			// Text already reached the client; restarting would repeat it.
			s.log.Warn("agent stream failed mid-reply, finalizing partial output", "error", err)
			s.finish(ctx, resp, err, start)
			return
		}
		if !s.retryable(err) {
			break
		}
		s.log.Warn("agent generation failed, retrying", "attempt", attempt+1, "error", err)
	}

	if ctx.Err() != nil {
		s.finish(ctx, resp, ctx.Err(), start)
		return
	}

	// Degrade: speak the fallback line instead of staying silent.
	s.log.Error("agent generation exhausted retries, using fallback", "error", lastErr)
	if s.metrics != nil {
		s.metrics.RecordProviderError(context.WithoutCancel(ctx), "llm", "agent")
	}
	resp.mu.Lock()
	resp.fallback = true
	resp.err = lastErr
	resp.mu.Unlock()
	select {
	case resp.incs <- s.cfg.FallbackText:
	case <-ctx.Done():
	}
	if s.metrics != nil {
		s.metrics.AgentDuration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds())
	}
}

// streamOnce runs a single provider stream, forwarding increments. Reports
// whether any increment was delivered.
func (s *Stage) streamOnce(ctx context.Context, req llm.CompletionRequest, resp *Response) (emitted bool, err error) {
	chunks, err := s.provider.StreamCompletion(ctx, req)
	if err != nil {
		return false, &Error{Op: "stream completion", Retryable: s.retryable(err), Err: err}
	}

	for {
		select {
		case <-ctx.Done():
			return emitted, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return emitted, nil
			}
			if chunk.FinishReason == "error" {
				return emitted, &Error{Op: "stream completion", Retryable: true, Err: errors.New(chunk.Text)}
			}
			if chunk.Text == "" {
				continue
			}
			select {
			case resp.incs <- chunk.Text:
				emitted = true
			case <-ctx.Done():
				return emitted, ctx.Err()
			}
		}
	}
}

func (s *Stage) finish(ctx context.Context, resp *Response, err error, start time.Time) {
	resp.mu.Lock()
	resp.err = err
	resp.mu.Unlock()
	if s.metrics != nil {
		s.metrics.AgentDuration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds())
	}
}

// trimHistory drops the oldest messages until the history fits the token
// budget. Falls back to the full history when token counting fails.
func (s *Stage) trimHistory(history []llm.Message) []llm.Message {
	trimmed := history
	for len(trimmed) > 0 {
		n, err := s.provider.CountTokens(trimmed)
		if err != nil {
			s.log.Warn("token counting failed, sending untrimmed history", "error", err)
			return history
		}
		if n <= s.cfg.MaxHistoryTokens {
			break
		}
		trimmed = trimmed[1:]
	}
	return trimmed
}
