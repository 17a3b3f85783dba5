// Package gateway is the single entry point for access decisions. It ties
// identity resolution, the active policy version, the evaluator and the
// audit ledger together and never releases a decision that was not written
// to the ledger first.
package gateway

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/policygate/policygate/internal/identity"
	"github.com/policygate/policygate/internal/policy"
)

// ErrTimeout marks a dependency that exceeded its time budget
var ErrTimeout = errors.New("dependency exceeded its time budget")

// NotApplicable is the wire form of a decision that consulted no version
const NotApplicable = "N/A"

// VersionRef is a policy version id that marshals as "N/A" when zero.
// Version ids start at 1, so zero never names a real version.
type VersionRef int64

// MarshalJSON implements json.Marshaler
func (r VersionRef) MarshalJSON() ([]byte, error) {
	if r == 0 {
		return []byte(`"` + NotApplicable + `"`), nil
	}
	return strconv.AppendInt(nil, int64(r), 10), nil
}

// UnmarshalJSON accepts an integer or "N/A"
func (r *VersionRef) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte(`"`+NotApplicable+`"`)) || bytes.Equal(data, []byte("null")) {
		*r = 0
		return nil
	}
	id, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("policyVersionId: want integer or %q, got %s", NotApplicable, data)
	}
	*r = VersionRef(id)
	return nil
}

// String implements fmt.Stringer
func (r VersionRef) String() string {
	if r == 0 {
		return NotApplicable
	}
	return strconv.FormatInt(int64(r), 10)
}

// Cause names why a decision was denied without a rule deciding it
type Cause string

const (
	CauseResolution       Cause = "ResolutionError"
	CauseTimeout          Cause = "TimeoutError"
	CauseNoActivePolicy   Cause = "NoActivePolicyError"
	CauseStoreUnavailable Cause = "StoreUnavailable"
	CauseInternalPolicy   Cause = "InternalPolicyError"
	CauseMalformedRequest Cause = "MalformedRequestError"
)

// Stage is a step of the per-call state machine
type Stage string

const (
	StageReceived         Stage = "RECEIVED"
	StageIdentityResolved Stage = "IDENTITY_RESOLVED"
	StagePolicyLoaded     Stage = "POLICY_LOADED"
	StageEvaluated        Stage = "EVALUATED"
	StageAudited          Stage = "AUDITED"
	StageReturned         Stage = "RETURNED"
)

// Request is one access question
type Request struct {
	Token    string            `json:"token"`
	Action   string            `json:"action"`
	Resource string            `json:"resource"`
	Context  map[string]string `json:"context"`
}

// Decision is the audited answer. It is built once per Decide call and is
// what the ledger stores as the DECISION payload.
type Decision struct {
	TraceID         string             `json:"traceId"`
	Identity        *identity.Identity `json:"identity"`
	Action          string             `json:"action"`
	Resource        string             `json:"resource"`
	Context         map[string]string  `json:"context"`
	PolicyVersionID VersionRef         `json:"policyVersionId"`
	Effect          policy.Effect      `json:"effect"`
	MatchedRule     string             `json:"matchedRule"`
	Cause           Cause              `json:"cause,omitempty"`
	// Reason is the failure detail behind Cause. It stays in the ledger and
	// is not returned to callers.
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Response is the caller's view of a decision
type Response struct {
	TraceID         string        `json:"traceId"`
	Effect          policy.Effect `json:"effect"`
	MatchedRule     string        `json:"matchedRule"`
	PolicyVersionID VersionRef    `json:"policyVersionId"`
	Timestamp       time.Time     `json:"timestamp"`
	Cause           Cause         `json:"cause,omitempty"`
}

// Response returns the caller's view of d
func (d *Decision) Response() Response {
	return Response{
		TraceID:         d.TraceID,
		Effect:          d.Effect,
		MatchedRule:     d.MatchedRule,
		PolicyVersionID: d.PolicyVersionID,
		Timestamp:       d.Timestamp,
		Cause:           d.Cause,
	}
}

// Input rebuilds the evaluator input the decision was made from
func (d *Decision) Input() policy.Input {
	in := policy.Input{
		Action:   d.Action,
		Resource: d.Resource,
		Context:  d.Context,
	}
	if d.Identity != nil {
		in.Subject = d.Identity.Subject
		in.Roles = d.Identity.Roles
		in.Attributes = d.Identity.Attributes
	}
	return in
}

// PolicyEvent is the ledger payload of a publish or rollback
type PolicyEvent struct {
	Kind              policy.ChangeKind `json:"kind"`
	VersionID         int64             `json:"versionId"`
	PreviousVersionID int64             `json:"previousVersionId,omitempty"`
	Actor             string            `json:"actor"`
	NoOp              bool              `json:"noOp,omitempty"`
	Rules             []policy.Rule     `json:"rules,omitempty"`
}
