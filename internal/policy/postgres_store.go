package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/policygate/policygate/internal/common/database"
)

// advisoryLockKey serializes publish and rollback across every gateway
// process sharing the database
const advisoryLockKey int64 = 0x706f6c6963790001

// PostgresStore persists versions in PostgreSQL. Each version is one row;
// policy_active holds the single active pointer.
type PostgresStore struct {
	db     *database.PostgresDB
	logger *zap.Logger
	now    func() time.Time

	// compiled predicates by version id; rule content never changes
	compiled sync.Map
}

// NewPostgresStore creates the schema if needed and returns the store
func NewPostgresStore(ctx context.Context, db *database.PostgresDB, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &PostgresStore{
		db:     db,
		logger: logger.With(zap.String("component", "policy_store")),
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS policy_versions (
			id BIGINT PRIMARY KEY,
			rules JSONB NOT NULL,
			author TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			status VARCHAR(20) NOT NULL CHECK (status IN ('active', 'superseded', 'rolledback'))
		)`,

		// at most one active row, enforced by the database as well
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_policy_versions_single_active
			ON policy_versions ((status)) WHERE status = 'active'`,

		`CREATE TABLE IF NOT EXISTS policy_active (
			singleton BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (singleton),
			version_id BIGINT NOT NULL REFERENCES policy_versions(id),
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, query := range queries {
		if _, err := s.db.Pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}
	return nil
}

// Publish implements Store
func (s *PostgresStore) Publish(ctx context.Context, rules []Rule, author string, commit CommitFunc) (*Version, error) {
	compiled, err := validateRules(rules)
	if err != nil {
		return nil, err
	}

	rulesJSON, err := json.Marshal(rules)
	if err != nil {
		return nil, fmt.Errorf("marshal rules: %w", err)
	}

	var published *Version
	err = s.withWriteLock(ctx, func(tx pgx.Tx) error {
		var id int64
		if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) + 1 FROM policy_versions`).Scan(&id); err != nil {
			return unavailable("next version id", err)
		}

		previous, err := activeID(ctx, tx)
		if err != nil {
			return err
		}

		v := newVersion(id, rules, author, compiled)
		v.CreatedAt = s.now()
		v.Status = StatusActive

		if _, err := tx.Exec(ctx, `UPDATE policy_versions SET status = 'superseded' WHERE status = 'active'`); err != nil {
			return unavailable("demote active version", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO policy_versions (id, rules, author, created_at, status) VALUES ($1, $2, $3, $4, $5)`,
			v.ID, rulesJSON, v.Author, v.CreatedAt, string(v.Status),
		); err != nil {
			return unavailable("insert version", err)
		}
		if err := setActive(ctx, tx, v.ID, v.CreatedAt); err != nil {
			return err
		}

		if commit != nil {
			if err := commit(ctx, Change{Kind: ChangePublished, Version: v, PreviousID: previous, Actor: author}); err != nil {
				return err
			}
		}

		published = v
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.compiled.Store(published.ID, published.compiled)
	s.logger.Info("Policy version published",
		zap.Int64("version_id", published.ID),
		zap.String("author", author),
		zap.Int("rules", len(rules)),
	)
	return published, nil
}

// Rollback implements Store
func (s *PostgresStore) Rollback(ctx context.Context, toID int64, actor string, commit CommitFunc) (*Version, error) {
	var target *Version
	err := s.withWriteLock(ctx, func(tx pgx.Tx) error {
		v, err := s.loadVersion(ctx, tx, toID)
		if err != nil {
			return err
		}

		previous, err := activeID(ctx, tx)
		if err != nil {
			return err
		}

		if previous == toID {
			if commit != nil {
				if err := commit(ctx, Change{Kind: ChangeRolledBack, Version: v, PreviousID: previous, NoOp: true, Actor: actor}); err != nil {
					return err
				}
			}
			target = v
			return nil
		}

		if _, err := tx.Exec(ctx, `UPDATE policy_versions SET status = 'superseded' WHERE status = 'active'`); err != nil {
			return unavailable("demote active version", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE policy_versions SET status = 'active' WHERE id = $1`, toID); err != nil {
			return unavailable("activate version", err)
		}
		if err := setActive(ctx, tx, toID, s.now()); err != nil {
			return err
		}

		v = v.withStatus(StatusActive)
		if commit != nil {
			if err := commit(ctx, Change{Kind: ChangeRolledBack, Version: v, PreviousID: previous, Actor: actor}); err != nil {
				return err
			}
		}
		target = v
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Policy rolled back",
		zap.Int64("version_id", target.ID),
		zap.String("actor", actor),
	)
	return target, nil
}

// GetActive implements Store
func (s *PostgresStore) GetActive(ctx context.Context) (*Version, error) {
	id, err := activeID(ctx, s.db.Pool)
	if err != nil {
		return nil, err
	}
	if id == 0 {
		return nil, ErrNoActivePolicy
	}
	return s.loadVersion(ctx, s.db.Pool, id)
}

// GetVersion implements Store
func (s *PostgresStore) GetVersion(ctx context.Context, id int64) (*Version, error) {
	return s.loadVersion(ctx, s.db.Pool, id)
}

// ListVersions implements Store
func (s *PostgresStore) ListVersions(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, author, created_at, status, jsonb_array_length(rules)
		FROM policy_versions
		ORDER BY id
	`)
	if err != nil {
		return nil, unavailable("list versions", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var status string
		if err := rows.Scan(&sum.ID, &sum.Author, &sum.CreatedAt, &status, &sum.RuleCount); err != nil {
			return nil, unavailable("scan version", err)
		}
		sum.Status = Status(status)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list versions", err)
	}
	return out, nil
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// withWriteLock runs fn in a transaction holding the store-wide advisory lock
func (s *PostgresStore) withWriteLock(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return unavailable("begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryLockKey); err != nil {
		return unavailable("acquire writer lock", err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return unavailable("commit transaction", err)
	}
	return nil
}

// querier is satisfied by both the pool and a transaction
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func activeID(ctx context.Context, q querier) (int64, error) {
	var id int64
	err := q.QueryRow(ctx, `SELECT version_id FROM policy_active WHERE singleton`).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("read active pointer", err)
	}
	return id, nil
}

func setActive(ctx context.Context, tx pgx.Tx, id int64, at time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO policy_active (singleton, version_id, updated_at) VALUES (TRUE, $1, $2)
		ON CONFLICT (singleton) DO UPDATE SET version_id = EXCLUDED.version_id, updated_at = EXCLUDED.updated_at
	`, id, at)
	if err != nil {
		return unavailable("update active pointer", err)
	}
	return nil
}

func (s *PostgresStore) loadVersion(ctx context.Context, q querier, id int64) (*Version, error) {
	v := &Version{ID: id}
	var rulesJSON []byte
	var status string

	err := q.QueryRow(ctx,
		`SELECT rules, author, created_at, status FROM policy_versions WHERE id = $1`, id,
	).Scan(&rulesJSON, &v.Author, &v.CreatedAt, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &UnknownVersionError{ID: id}
	}
	if err != nil {
		return nil, unavailable("load version", err)
	}
	v.Status = Status(status)

	if err := json.Unmarshal(rulesJSON, &v.Rules); err != nil {
		return nil, &InternalPolicyError{VersionID: id, Err: &MalformedRuleError{Err: fmt.Errorf("decode rules: %w", err)}}
	}

	if cached, ok := s.compiled.Load(id); ok {
		v.compiled = cached.([]compiledRule)
		return v, nil
	}

	// Leave a corrupt version uncompiled so evaluation reports it
	if err := Prepare(v); err != nil {
		s.logger.Error("Stored policy version does not compile",
			zap.Int64("version_id", id),
			zap.Error(err),
		)
		return v, nil
	}
	s.compiled.Store(id, v.compiled)
	return v, nil
}

// unavailable tags a backend failure so callers can tell it from a domain
// error. Context errors pass through untouched so deadlines stay visible.
func unavailable(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w", op, errors.Join(ErrStoreUnavailable, err))
}
