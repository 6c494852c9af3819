package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ribu-singh/Vocode-Backend/internal/conversation"
)

// defaultArchiveInterval is the default period between archive flushes.
const defaultArchiveInterval = 30 * time.Second

// TurnSource yields the closed turns recorded so far. Implemented by
// [conversation.Orchestrator].
type TurnSource interface {
	Turns() []conversation.Turn
}

// TurnSink persists closed turns. Implemented by [store.TurnArchive].
type TurnSink interface {
	ArchiveTurns(ctx context.Context, conversationID string, turns []conversation.Turn) error
}

// Archiver periodically flushes a conversation's closed turns to durable
// storage, so long sessions survive a process crash with at most one
// interval of loss. Writes are upserts; re-flushing already-archived turns
// is harmless.
//
// All methods are safe for concurrent use.
type Archiver struct {
	source         TurnSource
	sink           TurnSink
	conversationID string
	interval       time.Duration
	log            *slog.Logger

	mu sync.Mutex
	// lastCount tracks how many turns have already been flushed so that
	// quiet ticks skip the database round trip.
	lastCount int
	done      chan struct{}
	stopOnce  sync.Once
}

// ArchiverConfig configures an [Archiver].
type ArchiverConfig struct {
	// Source yields the turns to persist.
	Source TurnSource

	// Sink receives them.
	Sink TurnSink

	// ConversationID identifies the conversation in the archive.
	ConversationID string

	// Interval is how often to flush. Defaults to 30 seconds if zero.
	Interval time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// NewArchiver creates a new [Archiver] with the given configuration.
func NewArchiver(cfg ArchiverConfig) *Archiver {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultArchiveInterval
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Archiver{
		source:         cfg.Source,
		sink:           cfg.Sink,
		conversationID: cfg.ConversationID,
		interval:       interval,
		log:            log,
		done:           make(chan struct{}),
	}
}

// Start begins periodic flushing in a background goroutine. The goroutine
// runs until [Archiver.Stop] is called or ctx is cancelled.
func (a *Archiver) Start(ctx context.Context) {
	go a.loop(ctx)
}

// Stop halts the flush loop. Safe to call multiple times.
func (a *Archiver) Stop() {
	a.stopOnce.Do(func() {
		close(a.done)
	})
}

// FlushNow performs an immediate flush of any turns closed since the last
// one.
func (a *Archiver) FlushNow(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flush(ctx)
}

func (a *Archiver) loop(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case <-ticker.C:
			a.mu.Lock()
			if err := a.flush(ctx); err != nil {
				a.log.Warn("periodic turn archive flush failed",
					"conversation_id", a.conversationID,
					"error", err,
				)
			}
			a.mu.Unlock()
		}
	}
}

// flush writes turns not yet archived. Must be called with a.mu held.
func (a *Archiver) flush(ctx context.Context) error {
	turns := a.source.Turns()
	if len(turns) <= a.lastCount {
		return nil
	}
	if err := a.sink.ArchiveTurns(ctx, a.conversationID, turns[a.lastCount:]); err != nil {
		return err
	}
	a.lastCount = len(turns)
	return nil
}
