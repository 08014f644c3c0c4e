package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/pypay/service/metrics"
	"github.com/brojonat/pypay/service/transfer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Store persists transfer sessions. The full session is kept as JSON; the
// columns next to it exist for filtering.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// If metrics is nil, no metrics will be recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		metrics: m,
	}
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *Store) record(operation string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordDBQuery(operation, "transfer_sessions", time.Since(start).Seconds(), err)
	}
}

const upsertSession = `
INSERT INTO transfer_sessions (
    id, holder, recipient, destination_ledger_id, phase, failure_reason, expiry, data, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE SET
    phase          = EXCLUDED.phase,
    failure_reason = EXCLUDED.failure_reason,
    expiry         = EXCLUDED.expiry,
    data           = EXCLUDED.data,
    updated_at     = EXCLUDED.updated_at`

// SaveSession inserts or replaces a session.
func (s *Store) SaveSession(ctx context.Context, sess transfer.Session) (err error) {
	start := time.Now()
	defer func() { s.record("save_session", start, err) }()

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	var reason pgtype.Text
	if sess.LastError != nil {
		reason = pgtype.Text{String: string(sess.LastError.Reason), Valid: true}
	}
	var expiry pgtype.Timestamptz
	if !sess.Expiry.IsZero() {
		expiry = pgtype.Timestamptz{Time: sess.Expiry, Valid: true}
	}

	_, err = s.pool.Exec(ctx, upsertSession,
		sess.ID,
		sess.Holder.Hex(),
		sess.Request.Recipient.Hex(),
		int64(sess.Request.DestinationLedger),
		string(sess.Phase),
		reason,
		expiry,
		data,
		sess.CreatedAt,
		sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession returns a session by id, or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (_ *transfer.Session, err error) {
	start := time.Now()
	defer func() { s.record("get_session", start, err) }()

	var data []byte
	err = s.pool.QueryRow(ctx, `SELECT data FROM transfer_sessions WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return decodeSession(data)
}

// ListSessions returns the holder's most recent sessions first.
func (s *Store) ListSessions(ctx context.Context, holder common.Address, limit int32) (_ []transfer.Session, err error) {
	start := time.Now()
	defer func() { s.record("list_sessions", start, err) }()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT data FROM transfer_sessions
		WHERE holder = $1
		ORDER BY created_at DESC
		LIMIT $2`, holder.Hex(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return collectSessions(rows)
}

// ListIncompleteSessions returns sessions that never reached a terminal phase.
func (s *Store) ListIncompleteSessions(ctx context.Context) (_ []transfer.Session, err error) {
	start := time.Now()
	defer func() { s.record("list_incomplete_sessions", start, err) }()

	rows, err := s.pool.Query(ctx, `
		SELECT data FROM transfer_sessions
		WHERE phase NOT IN ('succeeded', 'failed')
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list incomplete sessions: %w", err)
	}
	return collectSessions(rows)
}

func collectSessions(rows pgx.Rows) ([]transfer.Session, error) {
	blobs, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}
	out := make([]transfer.Session, 0, len(blobs))
	for _, data := range blobs {
		sess, err := decodeSession(data)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, nil
}

func decodeSession(data []byte) (*transfer.Session, error) {
	var sess transfer.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &sess, nil
}
