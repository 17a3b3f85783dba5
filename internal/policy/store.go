package policy

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Store is append-only versioned storage for rule sets. Publish and
// Rollback are mutually exclusive; reads never block on writers.
type Store interface {
	// Publish validates rules, creates the next version and makes it active.
	// commit runs before the change is visible and may veto it.
	Publish(ctx context.Context, rules []Rule, author string, commit CommitFunc) (*Version, error)

	// Rollback re-activates an earlier version. Rolling back to the active
	// version changes nothing but still runs commit with Change.NoOp set.
	Rollback(ctx context.Context, toID int64, actor string, commit CommitFunc) (*Version, error)

	// GetActive returns the active version or ErrNoActivePolicy
	GetActive(ctx context.Context) (*Version, error)

	// GetVersion returns a version by id or *UnknownVersionError
	GetVersion(ctx context.Context, id int64) (*Version, error)

	// ListVersions returns all versions in id order
	ListVersions(ctx context.Context) ([]Summary, error)
}

// snapshot is an immutable view of the whole store. Writers build a new
// snapshot and swap the pointer.
type snapshot struct {
	versions []*Version // versions[i].ID == i+1
	active   *Version
}

// MemoryStore keeps versions in process memory
type MemoryStore struct {
	mu    sync.Mutex // serializes writers
	state atomic.Pointer[snapshot]
	now   func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{now: func() time.Time { return time.Now().UTC() }}
	s.state.Store(&snapshot{})
	return s
}

// Publish implements Store
func (s *MemoryStore) Publish(ctx context.Context, rules []Rule, author string, commit CommitFunc) (*Version, error) {
	compiled, err := validateRules(rules)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cur := s.state.Load()
	v := newVersion(int64(len(cur.versions))+1, rules, author, compiled)
	v.CreatedAt = s.now()
	v.Status = StatusActive

	next := &snapshot{versions: make([]*Version, len(cur.versions), len(cur.versions)+1), active: v}
	copy(next.versions, cur.versions)

	var previous int64
	if cur.active != nil {
		previous = cur.active.ID
		next.versions[previous-1] = cur.active.withStatus(StatusSuperseded)
	}
	next.versions = append(next.versions, v)

	if commit != nil {
		if err := commit(ctx, Change{Kind: ChangePublished, Version: v, PreviousID: previous, Actor: author}); err != nil {
			return nil, err
		}
	}

	s.state.Store(next)
	return v, nil
}

// Restore loads history recorded elsewhere, typically the audit ledger,
// into an empty store. Versions must be numbered 1..n in order; ids,
// authors and timestamps are kept. activeID 0 leaves nothing active.
// Rules are compiled on first evaluation.
func (s *MemoryStore) Restore(versions []Version, activeID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.state.Load().versions) > 0 {
		return errors.New("restore into a store that already holds versions")
	}
	if activeID < 0 || activeID > int64(len(versions)) {
		return &UnknownVersionError{ID: activeID}
	}

	next := &snapshot{versions: make([]*Version, len(versions))}
	for i, v := range versions {
		if v.ID != int64(i+1) {
			return fmt.Errorf("restore: version at position %d has id %d", i, v.ID)
		}
		restored := &Version{
			ID:        v.ID,
			Rules:     slices.Clone(v.Rules),
			Author:    v.Author,
			CreatedAt: v.CreatedAt,
			Status:    StatusSuperseded,
		}
		if v.ID == activeID {
			restored.Status = StatusActive
			next.active = restored
		}
		next.versions[i] = restored
	}
	s.state.Store(next)
	return nil
}

// Rollback implements Store
func (s *MemoryStore) Rollback(ctx context.Context, toID int64, actor string, commit CommitFunc) (*Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cur := s.state.Load()
	if toID < 1 || toID > int64(len(cur.versions)) {
		return nil, &UnknownVersionError{ID: toID}
	}

	if cur.active != nil && cur.active.ID == toID {
		if commit != nil {
			if err := commit(ctx, Change{Kind: ChangeRolledBack, Version: cur.active, PreviousID: toID, NoOp: true, Actor: actor}); err != nil {
				return nil, err
			}
		}
		return cur.active, nil
	}

	target := cur.versions[toID-1].withStatus(StatusActive)

	next := &snapshot{versions: make([]*Version, len(cur.versions)), active: target}
	copy(next.versions, cur.versions)
	next.versions[toID-1] = target

	var previous int64
	if cur.active != nil {
		previous = cur.active.ID
		next.versions[previous-1] = cur.active.withStatus(StatusSuperseded)
	}

	if commit != nil {
		if err := commit(ctx, Change{Kind: ChangeRolledBack, Version: target, PreviousID: previous, Actor: actor}); err != nil {
			return nil, err
		}
	}

	s.state.Store(next)
	return target, nil
}

// GetActive implements Store
func (s *MemoryStore) GetActive(ctx context.Context) (*Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if active := s.state.Load().active; active != nil {
		return active, nil
	}
	return nil, ErrNoActivePolicy
}

// GetVersion implements Store
func (s *MemoryStore) GetVersion(ctx context.Context, id int64) (*Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	versions := s.state.Load().versions
	if id < 1 || id > int64(len(versions)) {
		return nil, &UnknownVersionError{ID: id}
	}
	return versions[id-1], nil
}

// ListVersions implements Store
func (s *MemoryStore) ListVersions(ctx context.Context) ([]Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	versions := s.state.Load().versions
	out := make([]Summary, 0, len(versions))
	for _, v := range versions {
		out = append(out, v.Summary())
	}
	return out, nil
}

// Ping lets health checks treat the memory store like any other backend
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}
