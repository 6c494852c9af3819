// Package store persists finished conversations to PostgreSQL. Archival is a
// best-effort concern: the session manager logs and continues when a write
// fails, so a database outage never takes down live conversations.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ribu-singh/Vocode-Backend/internal/conversation"
)

const ddlConversationTurns = `
CREATE TABLE IF NOT EXISTS conversation_turns (
    id              BIGSERIAL    PRIMARY KEY,
    conversation_id TEXT         NOT NULL,
    turn_id         BIGINT       NOT NULL,
    speaker         TEXT         NOT NULL,
    state           TEXT         NOT NULL,
    text            TEXT         NOT NULL DEFAULT '',
    started_at      TIMESTAMPTZ  NOT NULL,
    ended_at        TIMESTAMPTZ  NOT NULL,
    archived_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),

    UNIQUE (conversation_id, turn_id)
);

CREATE INDEX IF NOT EXISTS idx_conversation_turns_conversation
    ON conversation_turns (conversation_id, turn_id);
`

// TurnArchive writes closed turns to a conversation_turns table.
//
// All methods are safe for concurrent use.
type TurnArchive struct {
	pool *pgxpool.Pool
}

// NewTurnArchive connects to the PostgreSQL database at dsn and ensures the
// archive table exists.
func NewTurnArchive(ctx context.Context, dsn string) (*TurnArchive, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("turn archive: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("turn archive: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("turn archive: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, ddlConversationTurns); err != nil {
		pool.Close()
		return nil, fmt.Errorf("turn archive: migrate: %w", err)
	}

	return &TurnArchive{pool: pool}, nil
}

// ArchiveTurns writes all turns of a conversation in one batch. Re-archiving
// a turn overwrites the earlier row, so retrying after a partial failure is
// safe.
func (a *TurnArchive) ArchiveTurns(ctx context.Context, conversationID string, turns []conversation.Turn) error {
	if len(turns) == 0 {
		return nil
	}

	const q = `
		INSERT INTO conversation_turns
		    (conversation_id, turn_id, speaker, state, text, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (conversation_id, turn_id) DO UPDATE
		SET speaker = EXCLUDED.speaker,
		    state   = EXCLUDED.state,
		    text    = EXCLUDED.text,
		    ended_at = EXCLUDED.ended_at`

	batch := &pgx.Batch{}
	for _, turn := range turns {
		batch.Queue(q,
			conversationID,
			int64(turn.ID),
			string(turn.Speaker),
			string(turn.State),
			turn.Text,
			turn.StartedAt,
			turn.EndedAt,
		)
	}

	br := a.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range turns {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("turn archive: write turns for %s: %w", conversationID, err)
		}
	}
	return nil
}

// Turns returns the archived turns of a conversation in session order.
func (a *TurnArchive) Turns(ctx context.Context, conversationID string) ([]conversation.Turn, error) {
	const q = `
		SELECT turn_id, speaker, state, text, started_at, ended_at
		FROM   conversation_turns
		WHERE  conversation_id = $1
		ORDER  BY turn_id`

	rows, err := a.pool.Query(ctx, q, conversationID)
	if err != nil {
		return nil, fmt.Errorf("turn archive: query turns for %s: %w", conversationID, err)
	}
	defer rows.Close()

	var out []conversation.Turn
	for rows.Next() {
		var (
			turnID         int64
			speaker, state string
			text           string
			started, ended time.Time
		)
		if err := rows.Scan(&turnID, &speaker, &state, &text, &started, &ended); err != nil {
			return nil, fmt.Errorf("turn archive: scan turn: %w", err)
		}
		out = append(out, conversation.Turn{
			ID:        uint64(turnID),
			Speaker:   conversation.Speaker(speaker),
			State:     conversation.TurnState(state),
			Text:      text,
			StartedAt: started,
			EndedAt:   ended,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("turn archive: read turns for %s: %w", conversationID, err)
	}
	return out, nil
}

// Ping verifies database connectivity. Used by readiness probes.
func (a *TurnArchive) Ping(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

// Close releases the underlying connection pool.
func (a *TurnArchive) Close() {
	a.pool.Close()
}
