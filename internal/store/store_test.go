package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ribu-singh/Vocode-Backend/internal/conversation"
	"github.com/ribu-singh/Vocode-Backend/internal/store"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if VOCODE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VOCODE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOCODE_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestArchive creates a fresh TurnArchive over a clean table and closes it
// when the test finishes.
func newTestArchive(t *testing.T) *store.TurnArchive {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS conversation_turns"); err != nil {
		t.Fatalf("drop table: %v", err)
	}

	archive, err := store.NewTurnArchive(ctx, dsn)
	if err != nil {
		t.Fatalf("NewTurnArchive: %v", err)
	}
	t.Cleanup(archive.Close)
	return archive
}

func sampleTurns(now time.Time) []conversation.Turn {
	return []conversation.Turn{
		{ID: 1, Speaker: conversation.SpeakerUser, State: conversation.TurnFinalized, Text: "hello there", StartedAt: now, EndedAt: now.Add(time.Second)},
		{ID: 2, Speaker: conversation.SpeakerAgent, State: conversation.TurnFinalized, Text: "hi, how can I help?", StartedAt: now.Add(time.Second), EndedAt: now.Add(3 * time.Second)},
		{ID: 3, Speaker: conversation.SpeakerAgent, State: conversation.TurnCancelled, Text: "let me also", StartedAt: now.Add(4 * time.Second), EndedAt: now.Add(5 * time.Second)},
	}
}

func TestArchiveAndReadBack(t *testing.T) {
	archive := newTestArchive(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	if err := archive.ArchiveTurns(ctx, "conv-1", sampleTurns(now)); err != nil {
		t.Fatalf("ArchiveTurns: %v", err)
	}

	got, err := archive.Turns(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d turns, want 3", len(got))
	}
	if got[0].Text != "hello there" || got[0].Speaker != conversation.SpeakerUser {
		t.Errorf("first turn = %+v", got[0])
	}
	if got[2].State != conversation.TurnCancelled {
		t.Errorf("third turn state = %q, want %q", got[2].State, conversation.TurnCancelled)
	}
}

func TestArchiveIsIdempotent(t *testing.T) {
	archive := newTestArchive(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	turns := sampleTurns(now)

	if err := archive.ArchiveTurns(ctx, "conv-1", turns); err != nil {
		t.Fatalf("ArchiveTurns: %v", err)
	}
	turns[2].State = conversation.TurnFinalized
	if err := archive.ArchiveTurns(ctx, "conv-1", turns); err != nil {
		t.Fatalf("ArchiveTurns (retry): %v", err)
	}

	got, err := archive.Turns(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d turns after re-archive, want 3", len(got))
	}
	if got[2].State != conversation.TurnFinalized {
		t.Errorf("re-archived turn state = %q, want %q", got[2].State, conversation.TurnFinalized)
	}
}

func TestTurnsScopedByConversation(t *testing.T) {
	archive := newTestArchive(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := archive.ArchiveTurns(ctx, "conv-a", sampleTurns(now)); err != nil {
		t.Fatalf("ArchiveTurns: %v", err)
	}
	if err := archive.ArchiveTurns(ctx, "conv-b", sampleTurns(now)[:1]); err != nil {
		t.Fatalf("ArchiveTurns: %v", err)
	}

	got, err := archive.Turns(ctx, "conv-b")
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("got %d turns for conv-b, want 1", len(got))
	}

	empty, err := archive.Turns(ctx, "conv-missing")
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("got %d turns for unknown conversation, want 0", len(empty))
	}
}

func TestArchiveNothingIsNoop(t *testing.T) {
	archive := newTestArchive(t)
	if err := archive.ArchiveTurns(context.Background(), "conv-1", nil); err != nil {
		t.Errorf("ArchiveTurns(nil) = %v, want nil", err)
	}
}
