// Package policy holds versioned rule sets and the first-match evaluator
// that turns a request into an allow or deny.
package policy

import (
	"context"
	"time"
)

// Effect is the outcome a rule produces
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Valid reports whether e is one of the two known effects
func (e Effect) Valid() bool {
	return e == EffectAllow || e == EffectDeny
}

// Status is the lifecycle state of a version
type Status string

const (
	StatusActive     Status = "active"
	StatusSuperseded Status = "superseded"
	StatusRolledBack Status = "rolledback"
)

// NoMatch is reported as the matched rule when default deny applied
const NoMatch = "none"

// Rule is one ordered entry of a version
type Rule struct {
	Name     string `json:"name" yaml:"name"`
	When     string `json:"when" yaml:"when"`
	Effect   Effect `json:"effect" yaml:"effect"`
	Citation string `json:"citation,omitempty" yaml:"citation,omitempty"`
}

// Version is an immutable published rule set. Status is a snapshot taken
// when the version was read; the store owns the live value.
type Version struct {
	ID        int64     `json:"id"`
	Rules     []Rule    `json:"rules"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
	Status    Status    `json:"status"`

	compiled []compiledRule
}

// Summary is the shape returned by admin operations
type Summary struct {
	ID        int64     `json:"id"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
	Status    Status    `json:"status"`
	RuleCount int       `json:"ruleCount"`
}

// Summary returns the admin view of v
func (v *Version) Summary() Summary {
	return Summary{
		ID:        v.ID,
		Author:    v.Author,
		CreatedAt: v.CreatedAt,
		Status:    v.Status,
		RuleCount: len(v.Rules),
	}
}

// withStatus returns a shallow copy carrying a different status. Rules and
// compiled predicates are shared since neither is ever mutated.
func (v *Version) withStatus(s Status) *Version {
	cp := *v
	cp.Status = s
	return &cp
}

// Input is everything a predicate may look at
type Input struct {
	Subject    string            `json:"subject"`
	Roles      []string          `json:"roles"`
	Attributes map[string]string `json:"attributes"`
	Action     string            `json:"action"`
	Resource   string            `json:"resource"`
	Context    map[string]string `json:"context"`
}

// Result is the outcome of evaluating one input against one version
type Result struct {
	Effect      Effect `json:"effect"`
	MatchedRule string `json:"matchedRule"`
}

// ChangeKind names what a store mutation did
type ChangeKind string

const (
	ChangePublished  ChangeKind = "published"
	ChangeRolledBack ChangeKind = "rolledback"
)

// Change describes a mutation that is about to become visible
type Change struct {
	Kind ChangeKind
	// Version is the version that will be active afterwards
	Version *Version
	// PreviousID is the version active before the change, 0 when there was none
	PreviousID int64
	// NoOp is set for a rollback to the version that is already active
	NoOp bool
	// Actor is whoever requested the change
	Actor string
}

// CommitFunc is called by the store while it holds the writer lock, after
// the new state is decided and before it becomes visible. A non-nil error
// aborts the change.
type CommitFunc func(ctx context.Context, change Change) error
