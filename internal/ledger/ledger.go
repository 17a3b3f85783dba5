package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/policygate/policygate/internal/common/events"
)

var (
	appendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "policygate",
			Name:      "ledger_appends_total",
			Help:      "Entries appended to the audit ledger",
		},
		[]string{"type"},
	)

	appendFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "policygate",
			Name:      "ledger_append_failures_total",
			Help:      "Appends that could not be persisted",
		},
	)

	appendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "policygate",
			Name:      "ledger_append_duration_seconds",
			Help:      "Time spent persisting one ledger entry",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
	)

	entriesGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "policygate",
			Name:      "ledger_entries",
			Help:      "Number of entries in the audit ledger",
		},
	)
)

// tail is the last link the next append chains onto
type tail struct {
	next int64  // index of the next entry
	hash string // hash of entry next-1, or GenesisHash
}

// Ledger is the single writer of a Backend
type Ledger struct {
	mu      sync.Mutex // serializes Append
	tail    atomic.Pointer[tail]
	backend Backend
	hasher  hasher
	bus     events.Bus
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Ledger
type Option func(*Ledger)

// WithHMACSecret keys entry hashes with HMAC-SHA256
func WithHMACSecret(secret string) Option {
	return func(l *Ledger) { l.hasher.secret = []byte(secret) }
}

// WithEventBus publishes every appended entry to bus without waiting for
// subscribers
func WithEventBus(bus events.Bus) Option {
	return func(l *Ledger) { l.bus = bus }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) { l.logger = logger.With(zap.String("component", "ledger")) }
}

// WithClock overrides the timestamp source
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Open loads the current tail from backend and returns a ledger ready to
// append. Only one Ledger may write to a backend at a time.
func Open(ctx context.Context, backend Backend, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		backend: backend,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	last, ok, err := backend.Tail(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger tail: %w", err)
	}
	t := &tail{next: 0, hash: GenesisHash}
	if ok {
		t = &tail{next: last.Index + 1, hash: last.Hash}
	}
	l.tail.Store(t)
	entriesGauge.Set(float64(t.next))

	l.logger.Info("Ledger opened", zap.Int64("entries", t.next))
	return l, nil
}

// Append is the only write operation. It chains rec onto the tail, persists
// it and returns the stored entry. A persistence failure is a *WriteError
// and leaves the tail unchanged.
func (l *Ledger) Append(ctx context.Context, rec Record) (Entry, error) {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		appendFailuresTotal.Inc()
		return Entry{}, &WriteError{Type: rec.Type, Err: fmt.Errorf("marshal payload: %w", err)}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.tail.Load()
	e := Entry{
		Index:           cur.next,
		Type:            rec.Type,
		Timestamp:       l.now().UTC().Truncate(time.Microsecond),
		TraceID:         rec.TraceID,
		PolicyVersionID: rec.PolicyVersionID,
		Effect:          rec.Effect,
		Payload:         payload,
		PrevHash:        cur.hash,
	}
	e.Hash = l.hasher.sum(&e)

	start := time.Now()
	if err := l.backend.Append(ctx, e); err != nil {
		appendFailuresTotal.Inc()
		l.logger.Error("Ledger append failed",
			zap.Int64("index", e.Index),
			zap.String("type", string(e.Type)),
			zap.String("trace_id", e.TraceID),
			zap.Error(err),
		)
		return Entry{}, &WriteError{Type: rec.Type, Err: err}
	}
	appendDuration.Observe(time.Since(start).Seconds())

	l.tail.Store(&tail{next: e.Index + 1, hash: e.Hash})
	appendsTotal.WithLabelValues(string(e.Type)).Inc()
	entriesGauge.Set(float64(e.Index + 1))

	l.publish(e)
	return e, nil
}

func (l *Ledger) publish(e Entry) {
	if l.bus == nil {
		return
	}
	body, err := json.Marshal(e)
	if err != nil {
		l.logger.Warn("Failed to encode entry for sinks", zap.Int64("index", e.Index), zap.Error(err))
		return
	}
	evt := events.NewEvent(eventType(e.Type), "ledger", body).
		WithTraceID(e.TraceID).
		WithMetadata("index", fmt.Sprint(e.Index))
	if !l.bus.PublishAsync(evt) {
		l.logger.Debug("Sink queue full, entry not forwarded", zap.Int64("index", e.Index))
	}
}

func eventType(t EntryType) string {
	switch t {
	case TypePolicyPublished:
		return events.EventPolicyPublished
	case TypePolicyRolledBack:
		return events.EventPolicyRolledBack
	default:
		return events.EventDecision
	}
}

// Len returns the number of entries appended so far
func (l *Ledger) Len() int64 {
	return l.tail.Load().next
}

// ValidationResult is the outcome of VerifyChain
type ValidationResult struct {
	Valid         bool   `json:"valid"`
	BrokenAtIndex *int64 `json:"brokenAtIndex,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Checked       int64  `json:"checked"`
}

// Err returns an *IntegrityError for an invalid result, nil otherwise
func (r ValidationResult) Err() error {
	if r.Valid || r.BrokenAtIndex == nil {
		return nil
	}
	return &IntegrityError{Index: *r.BrokenAtIndex, Reason: r.Reason}
}

// VerifyChain recomputes every hash from genesis to the tail as of the
// call. It never writes; the returned error is for backend failures only.
func (l *Ledger) VerifyChain(ctx context.Context) (ValidationResult, error) {
	end := l.tail.Load().next
	prev := GenesisHash
	var i int64

	broken := func(reason string) (ValidationResult, error) {
		idx := i
		return ValidationResult{Valid: false, BrokenAtIndex: &idx, Reason: reason, Checked: i}, nil
	}

	for e, err := range l.backend.Scan(ctx, 0, end) {
		if err != nil {
			return ValidationResult{}, err
		}
		switch {
		case e.Index != i:
			return broken(fmt.Sprintf("expected index %d, found %d", i, e.Index))
		case e.PrevHash != prev:
			return broken("prevHash does not match the previous entry")
		case !l.hasher.verify(&e):
			return broken("hash does not match entry contents")
		}
		prev = e.Hash
		i++
	}

	if i != end {
		return broken(fmt.Sprintf("expected %d entries, found %d", end, i))
	}
	return ValidationResult{Valid: true, Checked: i}, nil
}

// Filter selects entries for Query. Zero fields match everything.
type Filter struct {
	TraceID         string
	PolicyVersionID *int64 // 0 selects entries that used no version
	Effect          string
	Type            EntryType
	From            time.Time // inclusive
	To              time.Time // exclusive
}

// Match reports whether e passes the filter
func (f Filter) Match(e Entry) bool {
	if f.TraceID != "" && e.TraceID != f.TraceID {
		return false
	}
	if f.PolicyVersionID != nil && e.PolicyVersionID != *f.PolicyVersionID {
		return false
	}
	if f.Effect != "" && e.Effect != f.Effect {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.Timestamp.Before(f.To) {
		return false
	}
	return true
}

// Query lazily yields matching entries in append order. Every range over
// the returned sequence rescans from the start up to the tail at that moment.
func (l *Ledger) Query(ctx context.Context, f Filter) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		end := l.tail.Load().next
		for e, err := range l.backend.Scan(ctx, 0, end) {
			if err != nil {
				yield(Entry{}, err)
				return
			}
			if !f.Match(e) {
				continue
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Find returns the first entry of type t carrying traceID
func (l *Ledger) Find(ctx context.Context, t EntryType, traceID string) (Entry, error) {
	for e, err := range l.Query(ctx, Filter{TraceID: traceID, Type: t}) {
		if err != nil {
			return Entry{}, err
		}
		return e, nil
	}
	return Entry{}, ErrNotFound
}
