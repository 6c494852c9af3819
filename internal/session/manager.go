// Package session owns the lifecycle of voice conversations: it turns an
// accepted transport plus its opening configuration message into a running
// conversation, routes inbound events to it, and releases every per-session
// resource on stop, disconnect, or fatal error.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ribu-singh/Vocode-Backend/internal/agent"
	"github.com/ribu-singh/Vocode-Backend/internal/conversation"
	"github.com/ribu-singh/Vocode-Backend/internal/observe"
	"github.com/ribu-singh/Vocode-Backend/internal/resilience"
	"github.com/ribu-singh/Vocode-Backend/internal/synthesizer"
	"github.com/ribu-singh/Vocode-Backend/internal/transcriber"
	"github.com/ribu-singh/Vocode-Backend/internal/transport"
	"github.com/ribu-singh/Vocode-Backend/pkg/audio"
	"github.com/ribu-singh/Vocode-Backend/pkg/provider/llm"
	"github.com/ribu-singh/Vocode-Backend/pkg/provider/stt"
	"github.com/ribu-singh/Vocode-Backend/pkg/provider/tts"
	"github.com/ribu-singh/Vocode-Backend/pkg/provider/vad"
)

// archiveTimeout bounds the final archive flush during teardown.
const archiveTimeout = 5 * time.Second

// ErrUnknownConversation is returned when an event references a conversation
// that is not active.
var ErrUnknownConversation = errors.New("session: unknown conversation")

// ProviderSet bundles the speech and language backends shared by all
// sessions.
type ProviderSet struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
	VAD vad.Engine
}

// Config holds manager-wide session defaults.
type Config struct {
	// Agent configures the reply generation stage.
	Agent agent.Config

	// Voice is the synthesis voice for agent speech.
	Voice tts.VoiceProfile

	// Language and EndpointingMs are passed to the transcriber stage.
	Language      string
	EndpointingMs int

	// Greeting, when non-empty, is spoken at the start of every session.
	Greeting string

	// OutboundBufferMs bounds undelivered outbound audio per session.
	OutboundBufferMs int

	// BargeIn tunes interruption detection.
	BargeIn conversation.BargeInConfig

	// DefaultInput and DefaultOutput fill in whatever the client's opening
	// message leaves unspecified.
	DefaultInput  audio.Config
	DefaultOutput audio.Config

	// ArchiveInterval is the period between mid-session archive flushes.
	ArchiveInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.DefaultInput.SampleRate == 0 {
		c.DefaultInput = audio.Config{SampleRate: 16000, Encoding: audio.EncodingLinear16, ChunkDurationMs: 20}
	}
	if c.DefaultOutput.SampleRate == 0 {
		c.DefaultOutput = audio.Config{SampleRate: 16000, Encoding: audio.EncodingLinear16, ChunkDurationMs: 20}
	}
}

// ManagerOption configures a [Manager].
type ManagerOption func(*Manager)

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = l
	}
}

// WithMetrics attaches metric instruments.
func WithMetrics(mt *observe.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithArchive enables durable turn storage. Archive failures are logged,
// never fatal.
func WithArchive(sink TurnSink) ManagerOption {
	return func(m *Manager) {
		m.archive = sink
	}
}

// Session is one active conversation and the resources it owns.
type Session struct {
	// ID is the conversation identifier, client-chosen or generated.
	ID string

	// Input and Output are the negotiated audio formats.
	Input  audio.Config
	Output audio.Config

	// StartedAt is when the session was accepted.
	StartedAt time.Time

	orch     *conversation.Orchestrator
	archiver *Archiver
	cancel   context.CancelFunc
	log      *slog.Logger

	// closers are released in reverse order during teardown.
	closers  []func() error
	stopOnce sync.Once
}

// Manager maps conversation IDs to active sessions.
// All exported methods are safe for concurrent use.
type Manager struct {
	providers ProviderSet
	cfg       Config
	archive   TurnSink
	log       *slog.Logger
	metrics   *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Manager with the given backends and defaults. The
// STT, LLM, and TTS providers are wrapped in circuit breakers shared by all
// sessions, so a failing backend is cut off instead of being hammered by
// every new conversation.
func NewManager(providers ProviderSet, cfg Config, opts ...ManagerOption) *Manager {
	cfg.applyDefaults()
	fb := resilience.FallbackConfig{}
	providers.STT = resilience.NewSTTFallback(providers.STT, "stt", fb)
	providers.LLM = resilience.NewLLMFallback(providers.LLM, "llm", fb)
	providers.TTS = resilience.NewTTSFallback(providers.TTS, "tts", fb)
	m := &Manager{
		providers: providers,
		cfg:       cfg,
		log:       slog.Default(),
		sessions:  make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnConnect accepts a new conversation: it negotiates the audio formats from
// the opening message, assembles and starts the pipeline, and confirms
// readiness to the client. Reconnecting with the ID of a live conversation is
// rejected.
func (m *Manager) OnConnect(ctx context.Context, start transport.AudioConfigStartMessage, tr transport.Transport) (*Session, error) {
	id := start.ConversationID
	if id == "" {
		id = uuid.NewString()
	}

	input := mergeAudioConfig(start.InputAudioConfig, m.cfg.DefaultInput)
	output := mergeAudioConfig(start.OutputAudioConfig, m.cfg.DefaultOutput)
	if err := input.Validate(); err != nil {
		return nil, fmt.Errorf("session: input audio config: %w", err)
	}
	if err := output.Validate(); err != nil {
		return nil, fmt.Errorf("session: output audio config: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		return nil, fmt.Errorf("session: conversation %q is already active", id)
	}

	log := m.log.With("conversation_id", id)

	turns := &conversation.TurnAllocator{}
	// Inbound audio is decoded to PCM16 before it reaches the transcriber,
	// so the provider stream is always described as linear16 regardless of
	// the wire encoding.
	ts := transcriber.New(m.providers.STT, turns, transcriber.Config{
		SampleRate:    input.SampleRate,
		Encoding:      string(audio.EncodingLinear16),
		Language:      m.cfg.Language,
		EndpointingMs: m.cfg.EndpointingMs,
	}, transcriber.WithLogger(log), transcriber.WithMetrics(m.metrics))
	ag := agent.New(m.providers.LLM, m.cfg.Agent, agent.WithLogger(log), agent.WithMetrics(m.metrics))
	syn, err := synthesizer.New(m.providers.TTS, m.cfg.Voice, synthesizer.Config{
		OutputSampleRate: output.SampleRate,
	}, synthesizer.WithLogger(log), synthesizer.WithMetrics(m.metrics))
	if err != nil {
		return nil, fmt.Errorf("session: synthesizer: %w", err)
	}

	orch, err := conversation.New(conversation.Config{
		ConversationID:      id,
		Input:               input,
		Output:              output,
		Greeting:            m.cfg.Greeting,
		SubscribeTranscript: start.SubscribeTranscript,
		OutboundBufferMs:    m.cfg.OutboundBufferMs,
		BargeIn:             m.cfg.BargeIn,
	}, tr, ts, ag, syn, m.providers.VAD, turns,
		conversation.WithLogger(log), conversation.WithMetrics(m.metrics))
	if err != nil {
		return nil, fmt.Errorf("session: conversation: %w", err)
	}

	// Ready must be the first outbound message; the orchestrator's greeting
	// pipeline starts writing audio as soon as it is launched.
	if err := tr.Send(transport.NewReadyMessage(id)); err != nil {
		return nil, fmt.Errorf("session: send ready: %w", err)
	}

	if err := orch.Start(ctx); err != nil {
		return nil, fmt.Errorf("session: start conversation: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		ID:        id,
		Input:     input,
		Output:    output,
		StartedAt: time.Now(),
		orch:      orch,
		cancel:    cancel,
		log:       log,
		closers:   []func() error{tr.Close},
	}

	if m.archive != nil {
		sess.archiver = NewArchiver(ArchiverConfig{
			Source:         orch,
			Sink:           m.archive,
			ConversationID: id,
			Interval:       m.cfg.ArchiveInterval,
			Logger:         log,
		})
		sess.archiver.Start(sessionCtx)
	}

	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(context.Background(), 1)
	}

	m.sessions[id] = sess

	// Reap the session if the conversation dies on its own, e.g. when the
	// transcriber exhausts its reconnect budget.
	go func() {
		<-orch.Done()
		if err := orch.Err(); err != nil {
			log.Error("conversation ended with error", "error", err)
		}
		m.remove(id)
	}()

	log.Info("session started",
		"input_rate", input.SampleRate, "input_encoding", input.Encoding,
		"output_rate", output.SampleRate, "output_encoding", output.Encoding,
		"subscribe_transcript", start.SubscribeTranscript,
	)
	return sess, nil
}

// OnInboundAudio routes one wire audio chunk to its conversation.
func (m *Manager) OnInboundAudio(id string, wire []byte) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	return sess.orch.OnAudio(wire)
}

// OnStop ends a conversation at the client's request. Stopping an unknown or
// already-stopped conversation is a no-op.
func (m *Manager) OnStop(id string) {
	m.remove(id)
}

// OnDisconnect cleans up after a transport that went away without a stop
// message.
func (m *Manager) OnDisconnect(id string) {
	m.remove(id)
}

// ActiveCount returns the number of live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close stops every active session. Used during daemon shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.remove(id)
	}
}

// remove drops the session from the registry and releases its resources.
// Idempotent.
func (m *Manager) remove(id string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		m.teardown(sess)
	}
}

// teardown releases everything a session owns: the conversation pipeline,
// the final archive flush, then the registered closers in reverse order.
func (m *Manager) teardown(sess *Session) {
	sess.stopOnce.Do(func() {
		if sess.archiver != nil {
			sess.archiver.Stop()
		}
		sess.cancel()
		sess.orch.Stop()

		if sess.archiver != nil {
			ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
			defer cancel()
			if err := sess.archiver.FlushNow(ctx); err != nil {
				sess.log.Warn("final turn archive flush failed", "error", err)
			}
		}

		for i := len(sess.closers) - 1; i >= 0; i-- {
			if err := sess.closers[i](); err != nil {
				sess.log.Warn("session closer failed", "index", i, "error", err)
			}
		}

		if m.metrics != nil {
			m.metrics.ActiveSessions.Add(context.Background(), -1)
		}
		sess.log.Info("session stopped")
	})
}

// mergeAudioConfig overlays the client's wire config on the server defaults.
func mergeAudioConfig(wire transport.AudioConfig, def audio.Config) audio.Config {
	cfg := def
	if wire.SamplingRate > 0 {
		cfg.SampleRate = wire.SamplingRate
	}
	if wire.AudioEncoding != "" {
		cfg.Encoding = audio.Encoding(wire.AudioEncoding)
	}
	if wire.ChunkSize > 0 && cfg.SampleRate > 0 {
		bytesPerSample := 2
		if cfg.Encoding == audio.EncodingMulaw {
			bytesPerSample = 1
		}
		cfg.ChunkDurationMs = wire.ChunkSize * 1000 / (cfg.SampleRate * bytesPerSample)
	}
	return cfg
}
