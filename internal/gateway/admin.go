package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/policygate/policygate/internal/ledger"
	"github.com/policygate/policygate/internal/policy"
)

// Publish creates and activates a new version. The POLICY_PUBLISHED entry
// is written before the version becomes visible; if it cannot be written
// the publish fails and nothing changes.
func (g *Gateway) Publish(ctx context.Context, rules []policy.Rule, author string) (*policy.Version, error) {
	v, err := g.store.Publish(ctx, rules, author, g.auditChange)
	if err != nil {
		return nil, err
	}
	g.logger.Info("Policy version published",
		zap.Int64("version", v.ID),
		zap.String("author", author),
		zap.Int("rules", len(v.Rules)))
	return v, nil
}

// Rollback re-activates an earlier version. A rollback to the version that
// is already active changes nothing but is still audited.
func (g *Gateway) Rollback(ctx context.Context, toID int64, actor string) (*policy.Version, error) {
	v, err := g.store.Rollback(ctx, toID, actor, g.auditChange)
	if err != nil {
		return nil, err
	}
	g.logger.Info("Policy rolled back",
		zap.Int64("version", v.ID),
		zap.String("actor", actor))
	return v, nil
}

// auditChange is the store commit hook
func (g *Gateway) auditChange(ctx context.Context, ch policy.Change) error {
	ev := PolicyEvent{
		Kind:              ch.Kind,
		VersionID:         ch.Version.ID,
		PreviousVersionID: ch.PreviousID,
		Actor:             ch.Actor,
		NoOp:              ch.NoOp,
	}
	rec := ledger.Record{
		TraceID:         uuid.NewString(),
		PolicyVersionID: ch.Version.ID,
		Payload:         &ev,
	}
	switch ch.Kind {
	case policy.ChangePublished:
		rec.Type = ledger.TypePolicyPublished
		ev.Rules = slices.Clone(ch.Version.Rules)
		if ev.Rules == nil {
			ev.Rules = []policy.Rule{}
		}
	case policy.ChangeRolledBack:
		rec.Type = ledger.TypePolicyRolledBack
	default:
		return fmt.Errorf("unknown policy change %q", ch.Kind)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.AuditTimeout)
	defer cancel()
	_, err := g.ledger.Append(ctx, rec)
	return err
}

// Active returns the active version
func (g *Gateway) Active(ctx context.Context) (*policy.Version, error) {
	return g.store.GetActive(ctx)
}

// Version returns version id
func (g *Gateway) Version(ctx context.Context, id int64) (*policy.Version, error) {
	return g.store.GetVersion(ctx, id)
}

// Versions lists every version in id order
func (g *Gateway) Versions(ctx context.Context) ([]policy.Summary, error) {
	return g.store.ListVersions(ctx)
}

// Rego renders version id as a Rego module
func (g *Gateway) Rego(ctx context.Context, id int64) (string, error) {
	v, err := g.store.GetVersion(ctx, id)
	if err != nil {
		return "", err
	}
	return policy.ToRego(v)
}

// Audit lazily yields ledger entries matching f
func (g *Gateway) Audit(ctx context.Context, f ledger.Filter) iter.Seq2[ledger.Entry, error] {
	return g.ledger.Query(ctx, f)
}

// VerifyChain checks the whole ledger
func (g *Gateway) VerifyChain(ctx context.Context) (ledger.ValidationResult, error) {
	return g.ledger.VerifyChain(ctx)
}

// ReplayResult compares a recorded decision with a fresh evaluation of the
// same input against the same version
type ReplayResult struct {
	TraceID         string         `json:"traceId"`
	EntryIndex      int64          `json:"entryIndex"`
	PolicyVersionID VersionRef     `json:"policyVersionId"`
	Recorded        policy.Result  `json:"recorded"`
	Cause           Cause          `json:"cause,omitempty"`
	Replayed        *policy.Result `json:"replayed,omitempty"`
	Rego            *policy.Result `json:"rego,omitempty"`
	Reproduced      bool           `json:"reproduced"`
	Note            string         `json:"note,omitempty"`
}

// Replay re-evaluates the decision recorded under traceID. The version's
// Rego rendering is evaluated too, as an independent check of the built-in
// evaluator. Replay reads only; it appends nothing.
func (g *Gateway) Replay(ctx context.Context, traceID string) (*ReplayResult, error) {
	entry, err := g.ledger.Find(ctx, ledger.TypeDecision, traceID)
	if err != nil {
		return nil, err
	}
	var d Decision
	if err := json.Unmarshal(entry.Payload, &d); err != nil {
		return nil, fmt.Errorf("decode decision %d: %w", entry.Index, err)
	}

	res := &ReplayResult{
		TraceID:         traceID,
		EntryIndex:      entry.Index,
		PolicyVersionID: d.PolicyVersionID,
		Recorded:        policy.Result{Effect: d.Effect, MatchedRule: d.MatchedRule},
		Cause:           d.Cause,
	}
	if d.PolicyVersionID == 0 {
		res.Note = "no policy version was consulted"
		return res, nil
	}

	v, err := g.store.GetVersion(ctx, int64(d.PolicyVersionID))
	if err != nil {
		return nil, err
	}

	replayed, err := policy.Evaluate(v, d.Input())
	if err != nil {
		res.Note = err.Error()
		var ipe *policy.InternalPolicyError
		res.Reproduced = d.Cause == CauseInternalPolicy && errors.As(err, &ipe)
		return res, nil
	}
	res.Replayed = &replayed
	res.Reproduced = replayed == res.Recorded && d.Cause == ""

	rego, err := policy.NewRegoEvaluator(ctx, v)
	if err != nil {
		res.Note = fmt.Sprintf("rego cross-check unavailable: %v", err)
		return res, nil
	}
	regoRes, err := rego.Evaluate(ctx, d.Input())
	if err != nil {
		res.Note = fmt.Sprintf("rego cross-check failed: %v", err)
		return res, nil
	}
	res.Rego = &regoRes
	if regoRes != replayed {
		res.Reproduced = false
		res.Note = "rego rendering disagrees with the evaluator"
		g.logger.Error("Rego cross-check disagreement",
			zap.String("trace_id", traceID),
			zap.Int64("policy_version", v.ID),
			zap.String("evaluator_rule", replayed.MatchedRule),
			zap.String("rego_rule", regoRes.MatchedRule))
	}
	return res, nil
}
