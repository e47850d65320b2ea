package signal

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"callsig/pkg/utils"

	"github.com/google/uuid"
)

// NOTE: This repository assumes the call_signals table created by EnsureSchema.
// created_at is assigned by Postgres, never by the client.

const schema = `
CREATE TABLE IF NOT EXISTS call_signals (
	id          UUID PRIMARY KEY,
	session_id  UUID NOT NULL,
	caller_id   TEXT NOT NULL,
	callee_id   TEXT NOT NULL,
	signal_type TEXT NOT NULL,
	signal_data TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS call_signals_pair_idx
	ON call_signals (caller_id, callee_id, created_at DESC)
	WHERE signal_type = 'offer';
CREATE INDEX IF NOT EXISTS call_signals_session_idx ON call_signals (session_id);
CREATE INDEX IF NOT EXISTS call_signals_created_idx ON call_signals (created_at);
`

// PostgresRepo stores signals in Postgres through database/sql.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// EnsureSchema creates the call_signals table and its indexes if missing.
func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	return utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, schema)
		return err
	})
}

func (r *PostgresRepo) Insert(ctx context.Context, s Signal) (Signal, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	const q = `
INSERT INTO call_signals (id, session_id, caller_id, callee_id, signal_type, signal_data)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING created_at
`
	if err := r.db.QueryRowContext(ctx, q,
		s.ID,
		s.SessionID,
		s.CallerID,
		s.CalleeID,
		string(s.Type),
		s.Data,
	).Scan(&s.CreatedAt); err != nil {
		return Signal{}, err
	}
	return s, nil
}

func (r *PostgresRepo) LatestOffer(ctx context.Context, callerID, calleeID string) (Signal, error) {
	// An offer is consumed once any answer, end or reject exists for its session.
	const q = `
SELECT o.id, o.session_id, o.caller_id, o.callee_id, o.signal_type, o.signal_data, o.created_at
FROM call_signals o
WHERE o.signal_type = 'offer'
  AND o.caller_id = $1
  AND o.callee_id = $2
  AND NOT EXISTS (
    SELECT 1 FROM call_signals c
    WHERE c.session_id = o.session_id
      AND c.signal_type IN ('answer', 'call-end', 'call-reject')
  )
ORDER BY o.created_at DESC
LIMIT 1
`
	var s Signal
	var typ string
	if err := r.db.QueryRowContext(ctx, q, callerID, calleeID).Scan(
		&s.ID,
		&s.SessionID,
		&s.CallerID,
		&s.CalleeID,
		&typ,
		&s.Data,
		&s.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Signal{}, ErrNotFound
		}
		return Signal{}, err
	}
	s.Type = Type(typ)
	return s, nil
}

func (r *PostgresRepo) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM call_signals WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
