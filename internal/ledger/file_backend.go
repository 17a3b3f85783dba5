package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/policygate/policygate/pkg/storage"
)

var errStopScan = errors.New("stop scan")

// FileBackend stores one JSON entry per line
type FileBackend struct {
	store *storage.FileAppendOnlyStore
}

// NewFileBackend opens (or creates) the JSONL ledger at path
func NewFileBackend(path string) (*FileBackend, error) {
	store, err := storage.NewFileAppendOnlyStore(path)
	if err != nil {
		return nil, err
	}
	return &FileBackend{store: store}, nil
}

// Append implements Backend
func (b *FileBackend) Append(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry %d: %w", e.Index, err)
	}
	return b.store.Append(line)
}

// Tail implements Backend
func (b *FileBackend) Tail(ctx context.Context) (Entry, bool, error) {
	var last []byte
	err := b.store.Scan(func(line []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = append(last[:0], line...)
		return nil
	})
	if err != nil {
		return Entry{}, false, err
	}
	if last == nil {
		return Entry{}, false, nil
	}

	var e Entry
	if err := json.Unmarshal(last, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode last ledger line: %w", err)
	}
	return e, true, nil
}

// Scan implements Backend. Lines are decoded in order; the position in the
// file is the index, so a missing or reordered line shows up in verification.
func (b *FileBackend) Scan(ctx context.Context, from, to int64) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		var pos int64
		err := b.store.Scan(func(line []byte) error {
			defer func() { pos++ }()
			if pos >= to {
				return errStopScan
			}
			if pos < from {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			var e Entry
			if err := json.Unmarshal(line, &e); err != nil {
				return fmt.Errorf("decode ledger line %d: %w", pos, err)
			}
			if !yield(e, nil) {
				return errStopScan
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStopScan) {
			yield(Entry{}, err)
		}
	}
}

// Close releases the file
func (b *FileBackend) Close() error {
	return b.store.Close()
}
