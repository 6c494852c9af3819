// Package conversation implements the turn-taking core of a voice session:
// a single event loop that moves the conversation between user speech and
// agent replies, enforces ordering and cancellation rules, detects barge-in,
// and feeds the client through a bounded single-writer outbound queue.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ribu-singh/Vocode-Backend/internal/agent"
	"github.com/ribu-singh/Vocode-Backend/internal/observe"
	"github.com/ribu-singh/Vocode-Backend/internal/synthesizer"
	"github.com/ribu-singh/Vocode-Backend/internal/transcriber"
	"github.com/ribu-singh/Vocode-Backend/internal/transport"
	"github.com/ribu-singh/Vocode-Backend/pkg/audio"
	"github.com/ribu-singh/Vocode-Backend/pkg/provider/llm"
	"github.com/ribu-singh/Vocode-Backend/pkg/provider/vad"
)

// State is the orchestrator's conversation state.
type State string

const (
	StateIdle           State = "idle"
	StateUserSpeaking   State = "user_speaking"
	StateUserFinalizing State = "user_finalizing"
	StateAgentResponding State = "agent_responding"
	StateInterrupted    State = "interrupted"
	StateClosing        State = "closing"
	StateClosed         State = "closed"
)

const inboundQueueSize = 256

// ErrClosed is returned by OnAudio after the orchestrator shuts down.
var ErrClosed = errors.New("conversation: orchestrator closed")

// Config holds per-session orchestrator settings.
type Config struct {
	// ConversationID identifies the session in logs, metrics, and the
	// turn archive.
	ConversationID string

	// Input and Output are the session's negotiated audio formats.
	Input  audio.Config
	Output audio.Config

	// Greeting, when non-empty, is synthesized as the first agent turn
	// before any user speech.
	Greeting string

	// SubscribeTranscript mirrors finalized turns to the client as
	// transcript messages.
	SubscribeTranscript bool

	// OutboundBufferMs bounds undelivered outbound audio. Default 400.
	OutboundBufferMs int

	// BargeIn tunes interruption detection.
	BargeIn BargeInConfig
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.log = l
	}
}

// WithMetrics attaches metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// agentResult reports a finished agent pipeline back to the event loop.
type agentResult struct {
	turnID    uint64
	text      string
	fallback  bool
	truncated bool
	err       error
}

// activeAgentTurn is the in-flight agent reply with its cancellation handles.
type activeAgentTurn struct {
	turn      Turn
	resp      *agent.Response // nil for the greeting turn
	stream    *synthesizer.Stream
	cancelled bool

	// abort releases the text fan-out worker once speech forwarding is
	// over, so a reply whose synthesis ends early cannot wedge on a full
	// text channel.
	abort     chan struct{}
	abortOnce sync.Once

	mu   sync.Mutex
	text strings.Builder
}

func (a *activeAgentTurn) stopText() {
	a.abortOnce.Do(func() { close(a.abort) })
}

func (a *activeAgentTurn) appendText(s string) {
	a.mu.Lock()
	a.text.WriteString(s)
	a.mu.Unlock()
}

func (a *activeAgentTurn) textSoFar() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.text.String()
}

// Orchestrator wires the transcriber, agent, and synthesizer stages into one
// conversation. All state transitions happen on a single event-loop
// goroutine; stage I/O runs in worker goroutines so interruptions are always
// deliverable.
type Orchestrator struct {
	cfg      Config
	tr       transport.Transport
	ts       *transcriber.Stage
	agent    *agent.Stage
	synth    *synthesizer.Stage
	detector *bargeInDetector
	turns    *TurnAllocator
	out      *outboundQueue
	log      *slog.Logger
	metrics  *observe.Metrics

	frames    chan audio.Frame
	agentDone chan agentResult
	stopCh    chan struct{}
	done      chan struct{}
	stopOnce  sync.Once

	inSeq     atomic.Uint64
	startedAt time.Time

	// opusIn decodes inbound Opus packets. Nil for stateless input
	// encodings. Touched only by OnAudio's caller.
	opusIn *audio.OpusCoder

	// Event-loop state. Touched only by run().
	state       State
	active      *activeAgentTurn
	superseded  map[uint64]*activeAgentTurn
	userTurnID  uint64
	userText    string
	lastFinalAt time.Time
	history     []llm.Message

	mu       sync.Mutex
	err      error
	archived []Turn
}

// New assembles an orchestrator from its stages. The turn allocator must be
// shared with the transcriber stage so user and agent turn IDs interleave in
// session order.
func New(cfg Config, tr transport.Transport, ts *transcriber.Stage, ag *agent.Stage, syn *synthesizer.Stage, engine vad.Engine, turns *TurnAllocator, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Input.Validate(); err != nil {
		return nil, fmt.Errorf("conversation: input config: %w", err)
	}
	if err := cfg.Output.Validate(); err != nil {
		return nil, fmt.Errorf("conversation: output config: %w", err)
	}

	detector, err := newBargeInDetector(engine, cfg.Input.SampleRate, cfg.BargeIn)
	if err != nil {
		return nil, err
	}

	var opusIn *audio.OpusCoder
	if cfg.Input.Encoding == audio.EncodingOpus {
		opusIn, err = audio.NewOpusCoder(cfg.Input.SampleRate, opusFrameMs(cfg.Input.ChunkDurationMs))
		if err != nil {
			return nil, fmt.Errorf("conversation: input coder: %w", err)
		}
	}

	o := &Orchestrator{
		cfg:        cfg,
		tr:         tr,
		ts:         ts,
		agent:      ag,
		synth:      syn,
		detector:   detector,
		turns:      turns,
		log:        slog.Default(),
		frames:     make(chan audio.Frame, inboundQueueSize),
		agentDone:  make(chan agentResult, 1),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
		state:      StateIdle,
		superseded: make(map[uint64]*activeAgentTurn),
		opusIn:     opusIn,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With("conversation_id", cfg.ConversationID)
	o.out = newOutboundQueue(tr, cfg.OutboundBufferMs, o.log, o.metrics)
	return o, nil
}

// Start launches the transcriber, the outbound writer, and the event loop,
// then speaks the configured greeting.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.startedAt = time.Now()
	if err := o.ts.Start(ctx); err != nil {
		return fmt.Errorf("conversation: transcriber start: %w", err)
	}
	o.out.start()
	go o.run(ctx)
	return nil
}

// OnAudio ingests one wire-encoded audio chunk from the client. Malformed
// chunks are dropped and logged; the session continues.
func (o *Orchestrator) OnAudio(wire []byte) error {
	select {
	case <-o.done:
		return ErrClosed
	default:
	}

	var (
		f   audio.Frame
		err error
	)
	if o.opusIn != nil {
		f, err = o.opusIn.Decode(wire, o.inSeq.Add(1))
		f.CapturedAt = time.Now()
	} else {
		f, err = audio.Decode(wire, o.cfg.Input.Encoding, o.cfg.Input.SampleRate, o.inSeq.Add(1), time.Now())
	}
	if err != nil {
		o.log.Warn("dropping malformed inbound audio chunk", "error", err)
		return nil
	}

	select {
	case o.frames <- f:
	default:
		o.log.Warn("inbound frame queue full, dropping frame")
		if o.metrics != nil {
			o.metrics.RecordDroppedFrames(context.Background(), "inbound", 1)
		}
	}
	return nil
}

// Stop closes the conversation. Idempotent; blocks until the event loop and
// all stage workers have exited.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopCh)
	})
	<-o.done
}

// Done closes when the orchestrator has fully shut down.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Err returns the fatal error that ended the conversation, if any.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Turns returns the finalized and cancelled turns recorded so far.
func (o *Orchestrator) Turns() []Turn {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Turn, len(o.archived))
	copy(out, o.archived)
	return out
}

func (o *Orchestrator) run(ctx context.Context) {
	defer o.shutdown()

	if o.cfg.Greeting != "" {
		o.startGreeting(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return

		case f := <-o.frames:
			o.handleFrame(ctx, f)

		case ev, ok := <-o.ts.Events():
			if !ok {
				if err := o.ts.Err(); err != nil {
					o.setErr(err)
				}
				return
			}
			o.handleTranscript(ctx, ev)

		case res := <-o.agentDone:
			o.finalizeAgentTurn(res)
		}
	}
}

// handleFrame forwards user audio to the transcriber and, while the agent is
// speaking, gates it through the barge-in detector.
func (o *Orchestrator) handleFrame(ctx context.Context, f audio.Frame) {
	if err := o.ts.Send(f); err != nil && !errors.Is(err, transcriber.ErrStopped) {
		o.log.Warn("transcriber send failed", "error", err)
	}

	if o.state != StateAgentResponding {
		return
	}
	triggered, err := o.detector.onAudio(f.Data)
	if err != nil {
		o.log.Warn("barge-in detection failed", "error", err)
		return
	}
	if triggered {
		o.interrupt("speech onset")
		o.state = StateInterrupted
	}
}

// handleTranscript applies one transcriber event to the state machine.
func (o *Orchestrator) handleTranscript(ctx context.Context, ev transcriber.Event) {
	if ev.Warning != "" {
		o.log.Warn("transcription degraded", "warning", ev.Warning)
		return
	}

	if ev.IsFinal {
		o.handleUserFinal(ctx, ev)
		return
	}

	switch o.state {
	case StateIdle, StateInterrupted:
		o.state = StateUserSpeaking
		o.userTurnID = ev.TurnID
	case StateUserSpeaking:
		o.userTurnID = ev.TurnID
	case StateAgentResponding:
		if o.active != nil && o.detector.isEcho(ev.Text, o.active.textSoFar()) {
			o.log.Debug("discarding transcript echo of agent speech", "text", ev.Text)
			return
		}
		o.interrupt("user transcript during agent speech")
		o.state = StateUserSpeaking
		o.userTurnID = ev.TurnID
	}
}

// handleUserFinal closes the user turn and starts the agent reply. A final
// that arrives while the agent is still speaking wins over the reply in
// progress.
func (o *Orchestrator) handleUserFinal(ctx context.Context, ev transcriber.Event) {
	if o.state == StateAgentResponding {
		o.interrupt("user final during agent speech")
	}
	if ev.Text == "" {
		o.state = StateIdle
		return
	}

	o.state = StateUserFinalizing
	o.lastFinalAt = ev.EmittedAt

	userTurn := Turn{
		ID:        ev.TurnID,
		Speaker:   SpeakerUser,
		State:     TurnFinalized,
		Text:      ev.Text,
		StartedAt: ev.EmittedAt,
		EndedAt:   time.Now(),
	}
	o.record(userTurn)
	o.history = append(o.history, llm.Message{Role: "user", Content: ev.Text})
	if o.cfg.SubscribeTranscript {
		o.out.push(transport.NewTranscriptMessage(ev.Text, transport.SenderHuman, o.elapsed()), ev.TurnID, 0)
	}

	o.startAgentTurn(ctx, ev.Text)
}

// startAgentTurn launches the generation → synthesis → outbound pipeline
// for the finalized user text.
func (o *Orchestrator) startAgentTurn(ctx context.Context, userText string) {
	history := make([]llm.Message, len(o.history)-1)
	copy(history, o.history[:len(o.history)-1])

	resp, err := o.agent.Generate(ctx, userText, history)
	if err != nil {
		o.log.Error("agent generation could not start", "error", err)
		o.state = StateIdle
		return
	}
	o.launchPipeline(ctx, resp, "")
}

// startGreeting synthesizes the configured greeting as the first agent turn.
func (o *Orchestrator) startGreeting(ctx context.Context) {
	o.launchPipeline(ctx, nil, o.cfg.Greeting)
}

// launchPipeline runs the agent reply workers: text fan-out and speech
// forwarding, joined in the background. Exactly one agentResult is posted.
func (o *Orchestrator) launchPipeline(ctx context.Context, resp *agent.Response, fixedText string) {
	turnID := o.turns.Next()
	at := &activeAgentTurn{
		turn:  Turn{ID: turnID, Speaker: SpeakerAgent, State: TurnOpen, StartedAt: time.Now()},
		resp:  resp,
		abort: make(chan struct{}),
	}

	textCh := make(chan string, 16)
	stream, err := o.synth.Synthesize(ctx, textCh)
	if err != nil {
		o.log.Error("synthesis could not start", "error", err)
		if resp != nil {
			resp.Cancel()
		}
		o.state = StateIdle
		return
	}
	at.stream = stream
	if prev := o.active; prev != nil {
		// A cancelled reply is still winding down; park it so its result
		// can be recorded when the workers finish.
		o.superseded[prev.turn.ID] = prev
	}
	o.active = at
	o.state = StateAgentResponding
	o.detector.reset()
	if o.metrics != nil {
		o.metrics.ActiveConversations.Add(context.Background(), 1)
	}

	finalAt := o.lastFinalAt

	var g errgroup.Group

	// Text fan-out: agent increments feed both the synthesizer and the
	// echo guard.
	g.Go(func() error {
		defer close(textCh)
		if resp == nil {
			at.appendText(fixedText)
			select {
			case textCh <- fixedText:
			case <-ctx.Done():
			case <-at.abort:
			}
			return nil
		}
		for inc := range resp.Increments() {
			at.appendText(inc)
			select {
			case textCh <- inc:
			case <-ctx.Done():
				return nil
			case <-at.abort:
				return nil
			}
		}
		return nil
	})

	// Speech forwarding: synthesized frames become outbound audio messages.
	// Opus output gets a coder per reply; the client decodes each reply as
	// a fresh packet stream.
	var opusOut *audio.OpusCoder
	if o.cfg.Output.Encoding == audio.EncodingOpus {
		var err error
		opusOut, err = audio.NewOpusCoder(o.cfg.Output.SampleRate, opusFrameMs(o.cfg.Output.ChunkDurationMs))
		if err != nil {
			o.log.Error("output coder unavailable, dropping reply audio", "error", err)
		}
	}
	g.Go(func() error {
		defer at.stopText()
		first := true
		for f := range stream.Frames() {
			if first {
				first = false
				if o.metrics != nil && !finalAt.IsZero() {
					o.metrics.TurnLatency.Record(context.Background(), time.Since(finalAt).Seconds())
				}
			}
			if o.cfg.Output.Encoding == audio.EncodingOpus {
				o.pushOpus(opusOut, f.Data, turnID)
				continue
			}
			wire, err := audio.Encode(f, o.cfg.Output.Encoding)
			if err != nil {
				o.log.Warn("dropping unencodable outbound frame", "error", err)
				continue
			}
			o.out.push(transport.NewAudioMessage(wire), turnID, int(f.Duration()/time.Millisecond))
		}
		if opusOut != nil {
			if packet, err := opusOut.Flush(); err != nil {
				o.log.Warn("dropping unencodable outbound frame", "error", err)
			} else if packet != nil {
				o.out.push(transport.NewAudioMessage(packet), turnID, int(opusOut.FrameDuration()/time.Millisecond))
			}
		}
		return nil
	})

	go func() {
		_ = g.Wait()
		res := agentResult{
			turnID:    turnID,
			text:      at.textSoFar(),
			truncated: stream.Truncated(),
		}
		if resp != nil {
			res.fallback = resp.Fallback()
			res.err = errors.Join(resp.Err(), stream.Err())
		} else {
			res.err = stream.Err()
		}
		o.agentDone <- res
	}()
}

// pushOpus buffers reply PCM into the coder and queues every complete packet
// it yields.
func (o *Orchestrator) pushOpus(coder *audio.OpusCoder, pcm []byte, turnID uint64) {
	if coder == nil {
		return
	}
	packets, err := coder.Push(pcm)
	if err != nil {
		o.log.Warn("dropping unencodable outbound frame", "error", err)
		return
	}
	durationMs := int(coder.FrameDuration() / time.Millisecond)
	for _, packet := range packets {
		o.out.push(transport.NewAudioMessage(packet), turnID, durationMs)
	}
}

// opusFrameMs maps a negotiated chunk duration onto a legal Opus frame
// duration, defaulting to 20 ms.
func opusFrameMs(chunkMs int) int {
	switch chunkMs {
	case 5, 10, 20, 40, 60:
		return chunkMs
	}
	return 20
}

// interrupt cancels the in-flight agent reply and drops its undelivered
// audio.
func (o *Orchestrator) interrupt(reason string) {
	at := o.active
	if at == nil || at.cancelled {
		return
	}
	at.cancelled = true
	o.log.Info("barge-in, cancelling agent reply", "turn_id", at.turn.ID, "reason", reason)
	if at.resp != nil {
		at.resp.Cancel()
	}
	at.stream.Cancel()
	at.stopText()
	o.out.dropTurn(at.turn.ID)
	if o.metrics != nil {
		o.metrics.RecordBargeIn(context.Background(), o.cfg.ConversationID)
	}
}

// finalizeAgentTurn records the finished reply and returns to idle unless a
// newer state took over. Results from superseded pipelines are recorded as
// cancelled turns with whatever text they produced.
func (o *Orchestrator) finalizeAgentTurn(res agentResult) {
	at := o.active
	wasActive := at != nil && at.turn.ID == res.turnID
	if wasActive {
		o.active = nil
	} else if parked, ok := o.superseded[res.turnID]; ok {
		at = parked
		delete(o.superseded, res.turnID)
	} else {
		return
	}
	if o.metrics != nil {
		o.metrics.ActiveConversations.Add(context.Background(), -1)
	}

	at.turn.Text = res.text
	at.turn.EndedAt = time.Now()
	if at.cancelled {
		at.turn.State = TurnCancelled
	} else {
		at.turn.State = TurnFinalized
	}
	o.record(at.turn)

	if res.err != nil && !at.cancelled {
		o.log.Warn("agent turn ended degraded",
			"turn_id", res.turnID, "truncated", res.truncated, "fallback", res.fallback, "error", res.err)
	}

	if res.text != "" {
		o.history = append(o.history, llm.Message{Role: "assistant", Content: res.text})
		if o.cfg.SubscribeTranscript && !at.cancelled {
			o.out.push(transport.NewTranscriptMessage(res.text, transport.SenderBot, o.elapsed()), res.turnID, 0)
		}
	}
	if o.metrics != nil && !at.cancelled {
		o.metrics.RecordAgentUtterance(context.Background(), o.cfg.ConversationID)
	}

	if wasActive && o.state == StateAgentResponding {
		o.state = StateIdle
	}
}

// record appends a closed turn to the archive snapshot.
func (o *Orchestrator) record(t Turn) {
	o.mu.Lock()
	o.archived = append(o.archived, t)
	o.mu.Unlock()
}

// elapsed returns seconds since session start for transcript timestamps.
func (o *Orchestrator) elapsed() float64 {
	return time.Since(o.startedAt).Seconds()
}

func (o *Orchestrator) setErr(err error) {
	o.mu.Lock()
	o.err = err
	o.mu.Unlock()
}

// shutdown runs the CLOSING → CLOSED sequence: cancel the in-flight reply,
// stop the stages, and release the detector.
func (o *Orchestrator) shutdown() {
	o.state = StateClosing
	o.interrupt("session closing")

	// Unblock the transcriber's flush by draining its remaining events.
	go func() {
		for range o.ts.Events() {
		}
	}()
	o.ts.Stop()

	// Wait for every in-flight pipeline to post its result so cancelled
	// turns still land in the archive.
	for o.active != nil || len(o.superseded) > 0 {
		o.finalizeAgentTurn(<-o.agentDone)
	}

	o.out.stop()
	o.detector.close()
	o.state = StateClosed
	close(o.done)
}
