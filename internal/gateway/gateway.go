package gateway

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/policygate/policygate/internal/common/logger"
	"github.com/policygate/policygate/internal/identity"
	"github.com/policygate/policygate/internal/ledger"
	"github.com/policygate/policygate/internal/policy"
)

var (
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "policygate",
			Name:      "decisions_total",
			Help:      "Audited decisions by effect and fail-closed cause",
		},
		[]string{"effect", "cause"},
	)

	decisionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "policygate",
			Name:      "decision_duration_seconds",
			Help:      "Time from request to audited decision",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
	)

	unauditedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "policygate",
			Name:      "decisions_unaudited_total",
			Help:      "Decisions withheld because the ledger append failed",
		},
	)
)

var tracer = otel.Tracer("github.com/policygate/policygate/internal/gateway")

// Config bounds the time spent on each dependency of a decision
type Config struct {
	ResolveTimeout time.Duration
	PolicyTimeout  time.Duration
	// AuditTimeout bounds the ledger write. The write is detached from the
	// caller's context so a disconnecting client cannot cancel it.
	AuditTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = 2 * time.Second
	}
	if c.PolicyTimeout <= 0 {
		c.PolicyTimeout = time.Second
	}
	if c.AuditTimeout <= 0 {
		c.AuditTimeout = 5 * time.Second
	}
}

// Gateway answers access requests and runs audited policy changes
type Gateway struct {
	resolver identity.Resolver
	store    policy.Store
	ledger   *ledger.Ledger
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// New wires a gateway. Zero timeouts take defaults.
func New(resolver identity.Resolver, store policy.Store, l *ledger.Ledger, cfg Config, logger *zap.Logger) *Gateway {
	cfg.setDefaults()
	return &Gateway{
		resolver: resolver,
		store:    store,
		ledger:   l,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "gateway")),
		now:      time.Now,
	}
}

// Decide resolves, loads, evaluates and audits one request. Every failure
// before the audit becomes a deny with a Cause; the only error returned is
// a *ledger.WriteError, in which case no decision exists.
func (g *Gateway) Decide(ctx context.Context, req Request) (*Decision, error) {
	start := time.Now()
	d := &Decision{
		TraceID:     uuid.NewString(),
		Identity:    (&identity.Identity{}).Clone(),
		Action:      req.Action,
		Resource:    req.Resource,
		Context:     maps.Clone(req.Context),
		Effect:      policy.EffectDeny,
		MatchedRule: policy.NoMatch,
	}
	if d.Context == nil {
		d.Context = map[string]string{}
	}

	ctx, span := tracer.Start(ctx, "gateway.Decide", trace.WithAttributes(
		attribute.String("policygate.trace_id", d.TraceID),
		attribute.String("policygate.action", req.Action),
		attribute.String("policygate.resource", req.Resource),
	))
	defer span.End()

	log := logger.WithTraceContext(g.logger, ctx).With(zap.String("decision_trace_id", d.TraceID))
	stage := StageReceived
	g.evaluate(ctx, req.Token, d, &stage, log)

	if err := g.complete(ctx, d, &stage, start, log); err != nil {
		return nil, err
	}
	return d, nil
}

// Reject audits a deny for a decision request whose body could not be
// decoded. No identity is resolved and no policy version is consulted. As
// with Decide, the only error returned is a *ledger.WriteError.
func (g *Gateway) Reject(ctx context.Context, reason string) (*Decision, error) {
	start := time.Now()
	d := &Decision{
		TraceID:     uuid.NewString(),
		Identity:    (&identity.Identity{}).Clone(),
		Context:     map[string]string{},
		Effect:      policy.EffectDeny,
		MatchedRule: policy.NoMatch,
		Cause:       CauseMalformedRequest,
		Reason:      reason,
	}

	ctx, span := tracer.Start(ctx, "gateway.Reject", trace.WithAttributes(
		attribute.String("policygate.trace_id", d.TraceID),
	))
	defer span.End()

	log := logger.WithTraceContext(g.logger, ctx).With(zap.String("decision_trace_id", d.TraceID))
	log.Info("Decision request rejected", zap.String("reason", reason))

	stage := StageReceived
	if err := g.complete(ctx, d, &stage, start, log); err != nil {
		return nil, err
	}
	return d, nil
}

// complete stamps and audits d, then records its outcome
func (g *Gateway) complete(ctx context.Context, d *Decision, stage *Stage, start time.Time, log *zap.Logger) error {
	span := trace.SpanFromContext(ctx)

	d.Timestamp = g.now().UTC().Truncate(time.Microsecond)
	if err := g.audit(ctx, d); err != nil {
		unauditedTotal.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "audit failed")
		log.Error("Decision withheld, ledger append failed",
			zap.String("stage", string(*stage)),
			zap.Error(err))
		return err
	}
	enter(ctx, stage, StageAudited)

	cause := string(d.Cause)
	if cause == "" {
		cause = "none"
	}
	decisionsTotal.WithLabelValues(string(d.Effect), cause).Inc()
	decisionDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.String("policygate.effect", string(d.Effect)),
		attribute.String("policygate.matched_rule", d.MatchedRule),
		attribute.String("policygate.cause", cause),
	)

	log.Debug("Decision audited",
		zap.String("effect", string(d.Effect)),
		zap.String("matched_rule", d.MatchedRule),
		zap.Stringer("policy_version", d.PolicyVersionID),
		zap.String("cause", string(d.Cause)))

	enter(ctx, stage, StageReturned)
	return nil
}

// evaluate fills in d up to EVALUATED, recording the cause of the first
// failing stage
func (g *Gateway) evaluate(ctx context.Context, token string, d *Decision, stage *Stage, log *zap.Logger) {
	id, err := withBudget(ctx, "identity.resolve", g.cfg.ResolveTimeout, func(ctx context.Context) (*identity.Identity, error) {
		return g.resolver.Resolve(ctx, token)
	})
	switch {
	case err == nil && id == nil:
		err = &identity.ResolutionError{Resolver: "gateway", Reason: "resolver returned no identity"}
	case err != nil && !errors.Is(err, ErrTimeout) && !identity.IsResolutionError(err):
		err = &identity.ResolutionError{Resolver: "gateway", Reason: "resolver failed", Err: err}
	}
	if err != nil {
		d.Cause, d.Reason = CauseResolution, err.Error()
		if errors.Is(err, ErrTimeout) {
			d.Cause = CauseTimeout
		}
		log.Info("Identity resolution failed", zap.String("cause", string(d.Cause)), zap.Error(err))
		return
	}
	d.Identity = id.Clone()
	enter(ctx, stage, StageIdentityResolved)

	v, err := withBudget(ctx, "policy.load", g.cfg.PolicyTimeout, g.store.GetActive)
	if err != nil {
		d.Reason = err.Error()
		switch {
		case errors.Is(err, ErrTimeout):
			d.Cause = CauseTimeout
		case errors.Is(err, policy.ErrNoActivePolicy):
			d.Cause = CauseNoActivePolicy
		default:
			d.Cause = CauseStoreUnavailable
		}
		log.Warn("Active policy unavailable", zap.String("cause", string(d.Cause)), zap.Error(err))
		return
	}
	d.PolicyVersionID = VersionRef(v.ID)
	enter(ctx, stage, StagePolicyLoaded)

	_, span := tracer.Start(ctx, "policy.evaluate", trace.WithAttributes(attribute.Int64("policygate.policy_version", v.ID)))
	res, err := policy.Evaluate(v, d.Input())
	span.End()
	if err != nil {
		d.Cause, d.Reason = CauseInternalPolicy, err.Error()
		log.Error("Active policy failed to evaluate; stored rules are corrupt",
			zap.Int64("policy_version", v.ID),
			zap.Error(err))
		return
	}
	d.Effect, d.MatchedRule = res.Effect, res.MatchedRule
	enter(ctx, stage, StageEvaluated)
}

func enter(ctx context.Context, stage *Stage, next Stage) {
	*stage = next
	trace.SpanFromContext(ctx).AddEvent(string(next))
}

// audit appends d as a DECISION entry
func (g *Gateway) audit(ctx context.Context, d *Decision) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.AuditTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "ledger.append")
	defer span.End()

	_, err := g.ledger.Append(ctx, ledger.Record{
		Type:            ledger.TypeDecision,
		TraceID:         d.TraceID,
		PolicyVersionID: int64(d.PolicyVersionID),
		Effect:          string(d.Effect),
		Payload:         d,
	})
	return err
}

// withBudget runs fn under its own deadline and gives up when the deadline
// passes, even if fn ignores its context. Running out of time, including
// the caller going away, is reported as ErrTimeout.
func withBudget[T any](ctx context.Context, name string, budget time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := tracer.Start(ctx, name)
	defer span.End()

	var zero T
	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "cancelled")
		return zero, fmt.Errorf("%w: %s not started: %w", ErrTimeout, name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && ctx.Err() != nil {
			return zero, fmt.Errorf("%w: %s after %s: %w", ErrTimeout, name, budget, r.err)
		}
		if r.err != nil {
			span.RecordError(r.err)
		}
		return r.v, r.err
	case <-ctx.Done():
		span.SetStatus(codes.Error, "timeout")
		return zero, fmt.Errorf("%w: %s after %s", ErrTimeout, name, budget)
	}
}
