package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ribu-singh/Vocode-Backend/internal/conversation"
	"github.com/ribu-singh/Vocode-Backend/internal/session"
)

// fakeSource is a TurnSource whose turns tests append to.
type fakeSource struct {
	mu    sync.Mutex
	turns []conversation.Turn
}

func (s *fakeSource) Turns() []conversation.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]conversation.Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

func (s *fakeSource) add(t conversation.Turn) {
	s.mu.Lock()
	s.turns = append(s.turns, t)
	s.mu.Unlock()
}

func TestArchiverFlushesOnlyNewTurns(t *testing.T) {
	source := &fakeSource{}
	sink := newRecordingSink()
	arch := session.NewArchiver(session.ArchiverConfig{
		Source:         source,
		Sink:           sink,
		ConversationID: "conv-1",
		Interval:       time.Hour,
	})
	ctx := context.Background()

	source.add(conversation.Turn{ID: 1, Speaker: conversation.SpeakerUser, Text: "one"})
	if err := arch.FlushNow(ctx); err != nil {
		t.Fatalf("FlushNow: %v", err)
	}
	if got := sink.archived("conv-1"); len(got) != 1 || got[0].Text != "one" {
		t.Fatalf("archived = %+v, want one turn %q", got, "one")
	}

	// Nothing new: no write.
	if err := arch.FlushNow(ctx); err != nil {
		t.Fatalf("FlushNow: %v", err)
	}
	if got := sink.archived("conv-1"); len(got) != 1 {
		t.Fatalf("re-flush duplicated turns: %+v", got)
	}

	source.add(conversation.Turn{ID: 2, Speaker: conversation.SpeakerAgent, Text: "two"})
	if err := arch.FlushNow(ctx); err != nil {
		t.Fatalf("FlushNow: %v", err)
	}
	got := sink.archived("conv-1")
	if len(got) != 2 || got[1].Text != "two" {
		t.Fatalf("archived = %+v, want the delta appended", got)
	}
}

func TestArchiverFlushesPeriodically(t *testing.T) {
	source := &fakeSource{}
	sink := newRecordingSink()
	arch := session.NewArchiver(session.ArchiverConfig{
		Source:         source,
		Sink:           sink,
		ConversationID: "conv-1",
		Interval:       10 * time.Millisecond,
	})
	source.add(conversation.Turn{ID: 1, Text: "tick"})

	arch.Start(context.Background())
	defer arch.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.archived("conv-1")) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a periodic flush")
}

func TestArchiverKeepsDeltaAfterSinkFailure(t *testing.T) {
	source := &fakeSource{}
	sink := &failingSink{err: errors.New("connection refused")}
	arch := session.NewArchiver(session.ArchiverConfig{
		Source:         source,
		Sink:           sink,
		ConversationID: "conv-1",
		Interval:       time.Hour,
	})
	ctx := context.Background()
	source.add(conversation.Turn{ID: 1, Text: "keep me"})

	if err := arch.FlushNow(ctx); err == nil {
		t.Fatal("FlushNow succeeded against a failing sink")
	}

	// After the sink recovers, the unflushed turn must still be written.
	sink.setErr(nil)
	if err := arch.FlushNow(ctx); err != nil {
		t.Fatalf("FlushNow after recovery: %v", err)
	}
	if got := sink.count(); got != 1 {
		t.Errorf("sink received %d turns, want 1", got)
	}
}

// failingSink returns a configurable error and counts successful writes.
type failingSink struct {
	mu    sync.Mutex
	err   error
	wrote int
}

func (s *failingSink) ArchiveTurns(_ context.Context, _ string, turns []conversation.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.wrote += len(turns)
	return nil
}

func (s *failingSink) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *failingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wrote
}

func TestArchiverStopIsIdempotent(t *testing.T) {
	arch := session.NewArchiver(session.ArchiverConfig{
		Source:         &fakeSource{},
		Sink:           newRecordingSink(),
		ConversationID: "conv-1",
	})
	arch.Start(context.Background())
	arch.Stop()
	arch.Stop()
}
