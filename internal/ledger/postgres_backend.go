package ledger

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/jackc/pgx/v5"

	"github.com/policygate/policygate/internal/common/database"
)

// PostgresBackend stores entries in the audit_ledger table. The payload is
// kept as TEXT so the exact hashed bytes come back unchanged.
type PostgresBackend struct {
	db *database.PostgresDB
}

// NewPostgresBackend creates the table if needed
func NewPostgresBackend(ctx context.Context, db *database.PostgresDB) (*PostgresBackend, error) {
	b := &PostgresBackend{db: db}
	if err := b.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return b, nil
}

func (b *PostgresBackend) initSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS audit_ledger (
			idx BIGINT PRIMARY KEY,
			entry_type VARCHAR(32) NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			trace_id TEXT NOT NULL DEFAULT '',
			policy_version_id BIGINT NOT NULL DEFAULT 0,
			effect VARCHAR(16) NOT NULL DEFAULT '',
			payload TEXT NOT NULL,
			prev_hash CHAR(64) NOT NULL,
			hash CHAR(64) NOT NULL UNIQUE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_ledger_trace_id ON audit_ledger(trace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_ledger_ts ON audit_ledger(ts)`,
	}
	for _, query := range queries {
		if _, err := b.db.Pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}
	return nil
}

const entryColumns = `idx, entry_type, ts, trace_id, policy_version_id, effect, payload, prev_hash, hash`

// Append implements Backend. The primary key on idx rejects a second writer
// racing for the same position.
func (b *PostgresBackend) Append(ctx context.Context, e Entry) error {
	_, err := b.db.Pool.Exec(ctx,
		`INSERT INTO audit_ledger (`+entryColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.Index, string(e.Type), e.Timestamp, e.TraceID, e.PolicyVersionID, e.Effect, string(e.Payload), e.PrevHash, e.Hash,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry %d: %w", e.Index, err)
	}
	return nil
}

// Tail implements Backend
func (b *PostgresBackend) Tail(ctx context.Context) (Entry, bool, error) {
	row := b.db.Pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM audit_ledger ORDER BY idx DESC LIMIT 1`)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read ledger tail: %w", err)
	}
	return e, true, nil
}

// Scan implements Backend
func (b *PostgresBackend) Scan(ctx context.Context, from, to int64) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		rows, err := b.db.Pool.Query(ctx,
			`SELECT `+entryColumns+` FROM audit_ledger WHERE idx >= $1 AND idx < $2 ORDER BY idx`, from, to)
		if err != nil {
			yield(Entry{}, fmt.Errorf("scan ledger: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				yield(Entry{}, fmt.Errorf("scan ledger row: %w", err))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Entry{}, fmt.Errorf("scan ledger: %w", err))
		}
	}
}

// Ping checks the database connection
func (b *PostgresBackend) Ping(ctx context.Context) error {
	return b.db.Ping(ctx)
}

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	var entryType, payload string
	err := row.Scan(&e.Index, &entryType, &e.Timestamp, &e.TraceID, &e.PolicyVersionID, &e.Effect, &payload, &e.PrevHash, &e.Hash)
	if err != nil {
		return Entry{}, err
	}
	e.Type = EntryType(entryType)
	e.Payload = []byte(payload)
	return e, nil
}
