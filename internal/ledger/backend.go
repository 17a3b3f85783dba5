package ledger

import (
	"context"
	"iter"
	"sync"
)

// Backend persists entries. The ledger is its only writer and always
// appends in index order.
type Backend interface {
	// Append stores e durably before returning
	Append(ctx context.Context, e Entry) error

	// Tail returns the last stored entry; ok is false for an empty backend
	Tail(ctx context.Context) (e Entry, ok bool, err error)

	// Scan yields entries with from <= Index < to in index order
	Scan(ctx context.Context, from, to int64) iter.Seq2[Entry, error]
}

// MemoryBackend keeps entries in a slice. It is for tests and development.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryBackend creates an empty backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Append implements Backend
func (b *MemoryBackend) Append(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	b.entries = append(b.entries, e)
	b.mu.Unlock()
	return nil
}

// Tail implements Backend
func (b *MemoryBackend) Tail(ctx context.Context) (Entry, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.entries) == 0 {
		return Entry{}, false, nil
	}
	return b.entries[len(b.entries)-1], true, nil
}

// Scan implements Backend
func (b *MemoryBackend) Scan(ctx context.Context, from, to int64) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		b.mu.RLock()
		// elements are never modified once appended, so the header copy is a
		// consistent snapshot
		entries := b.entries
		b.mu.RUnlock()

		end := min(to, int64(len(entries)))
		for i := max(from, 0); i < end; i++ {
			if err := ctx.Err(); err != nil {
				yield(Entry{}, err)
				return
			}
			if !yield(entries[i], nil) {
				return
			}
		}
	}
}

// Tamper overwrites the entry at index. Tests use it to break the chain.
func (b *MemoryBackend) Tamper(index int64, fn func(e *Entry)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.entries[index])
}
