package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/policygate/policygate/internal/common/errors"
	"github.com/policygate/policygate/internal/identity"
	"github.com/policygate/policygate/internal/ledger"
	"github.com/policygate/policygate/internal/policy"
)

// Handlers exposes the gateway over HTTP
type Handlers struct {
	gw     *Gateway
	logger *zap.Logger
}

// NewHandlers creates the HTTP handlers for gw
func NewHandlers(gw *Gateway, logger *zap.Logger) *Handlers {
	return &Handlers{gw: gw, logger: logger.With(zap.String("component", "gateway_http"))}
}

// PublishRequest is the body of POST /v1/admin/policies
type PublishRequest struct {
	Rules  []policy.Rule `json:"rules"`
	Author string        `json:"author"`
}

// RollbackRequest is the body of POST /v1/admin/policies/rollback
type RollbackRequest struct {
	ToVersionID int64  `json:"toVersionId"`
	Actor       string `json:"actor,omitempty"`
}

// Decide handles POST /v1/decide. The token may come from the body or from
// an Authorization: Bearer header.
func (h *Handlers) Decide(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		h.reject(c, err)
		return
	}
	if req.Token == "" {
		req.Token = identity.BearerToken(c.GetHeader("Authorization"))
	}

	d, err := h.gw.Decide(c.Request.Context(), req)
	if err != nil {
		apperrors.HandleError(c, apperrors.LedgerWrite(err))
		return
	}

	c.Set("decision_trace_id", d.TraceID)
	c.Header("X-Trace-ID", d.TraceID)
	c.JSON(StatusFor(d.Cause), d.Response())
}

// reject audits a deny for an undecodable body and answers 400 with the
// decision's trace id
func (h *Handlers) reject(c *gin.Context, bindErr error) {
	d, err := h.gw.Reject(c.Request.Context(), "invalid decision request: "+bindErr.Error())
	if err != nil {
		apperrors.HandleError(c, apperrors.LedgerWrite(err))
		return
	}
	c.Set("decision_trace_id", d.TraceID)
	c.Header("X-Trace-ID", d.TraceID)
	c.JSON(StatusFor(d.Cause), d.Response())
}

// StatusFor maps a decision cause to the HTTP status of its response.
// Every completed decision, allow or deny, is 200 unless the body was
// malformed, identity resolution failed, the store was unreachable or the
// stored policy is corrupt.
func StatusFor(cause Cause) int {
	switch cause {
	case CauseMalformedRequest:
		return http.StatusBadRequest
	case CauseResolution:
		return http.StatusUnauthorized
	case CauseStoreUnavailable:
		return http.StatusServiceUnavailable
	case CauseInternalPolicy:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}

// Publish handles POST /v1/admin/policies
func (h *Handlers) Publish(c *gin.Context) {
	var req PublishRequest
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if strings.Contains(err.Error(), "unknown field") {
			apperrors.HandleError(c, apperrors.InvalidRule("", err.Error(), err))
			return
		}
		apperrors.HandleError(c, apperrors.BadRequest("invalid publish request").WithDetails(err.Error()))
		return
	}
	if strings.TrimSpace(req.Author) == "" {
		apperrors.HandleError(c, apperrors.ValidationError("author is required"))
		return
	}
	if req.Rules == nil {
		req.Rules = []policy.Rule{}
	}

	v, err := h.gw.Publish(c.Request.Context(), req.Rules, req.Author)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, v.Summary())
}

// Rollback handles POST /v1/admin/policies/rollback
func (h *Handlers) Rollback(c *gin.Context) {
	var req RollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.HandleError(c, apperrors.BadRequest("invalid rollback request").WithDetails(err.Error()))
		return
	}
	if req.Actor == "" {
		req.Actor = "admin"
	}

	v, err := h.gw.Rollback(c.Request.Context(), req.ToVersionID, req.Actor)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v.Summary())
}

// ListVersions handles GET /v1/admin/policies
func (h *Handlers) ListVersions(c *gin.Context) {
	versions, err := h.gw.Versions(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions})
}

// GetActive handles GET /v1/admin/policies/active
func (h *Handlers) GetActive(c *gin.Context) {
	v, err := h.gw.Active(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// GetVersion handles GET /v1/admin/policies/:id
func (h *Handlers) GetVersion(c *gin.Context) {
	id, ok := versionParam(c)
	if !ok {
		return
	}
	v, err := h.gw.Version(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// GetRego handles GET /v1/admin/policies/:id/rego
func (h *Handlers) GetRego(c *gin.Context) {
	id, ok := versionParam(c)
	if !ok {
		return
	}
	module, err := h.gw.Rego(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(module))
}

// QueryAudit handles GET /v1/admin/audit and streams matching entries as
// newline delimited JSON
func (h *Handlers) QueryAudit(c *gin.Context) {
	f, err := ParseFilter(c.Request.URL.Query())
	if err != nil {
		apperrors.HandleError(c, apperrors.BadRequest("invalid audit filter").WithDetails(err.Error()))
		return
	}

	enc := json.NewEncoder(c.Writer)
	started := false
	n := 0
	for e, err := range h.gw.Audit(c.Request.Context(), f) {
		if err != nil {
			if !started {
				h.fail(c, err)
				return
			}
			h.logger.Error("Audit stream aborted", zap.Int("sent", n), zap.Error(err))
			_ = enc.Encode(gin.H{"error": err.Error()})
			return
		}
		if !started {
			c.Header("Content-Type", "application/x-ndjson")
			c.Status(http.StatusOK)
			started = true
		}
		if err := enc.Encode(e); err != nil {
			return
		}
		n++
		if n%100 == 0 {
			c.Writer.Flush()
		}
	}
	if !started {
		c.Header("Content-Type", "application/x-ndjson")
		c.Status(http.StatusOK)
		c.Writer.WriteHeaderNow()
	}
}

// ParseFilter reads an audit filter from query parameters: traceId,
// policyVersionId (an id or N/A), effect, type, from and to (RFC 3339).
func ParseFilter(q map[string][]string) (ledger.Filter, error) {
	get := func(k string) string {
		if v := q[k]; len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}

	f := ledger.Filter{
		TraceID: get("traceId"),
		Effect:  get("effect"),
		Type:    ledger.EntryType(strings.ToUpper(get("type"))),
	}
	if raw := get("policyVersionId"); raw != "" {
		var id int64
		if raw != NotApplicable {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || parsed < 1 {
				return f, fmt.Errorf("policyVersionId must be a positive integer or %s", NotApplicable)
			}
			id = parsed
		}
		f.PolicyVersionID = &id
	}
	switch f.Type {
	case "", ledger.TypeDecision, ledger.TypePolicyPublished, ledger.TypePolicyRolledBack:
	default:
		return f, fmt.Errorf("unknown entry type %q", f.Type)
	}
	for _, p := range []struct {
		key string
		dst *time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		raw := get(p.key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return f, fmt.Errorf("%s: %w", p.key, err)
		}
		*p.dst = t
	}
	return f, nil
}

// VerifyAudit handles GET /v1/admin/audit/verify
func (h *Handlers) VerifyAudit(c *gin.Context) {
	res, err := h.gw.VerifyChain(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if !res.Valid {
		h.logger.Error("LEDGER INTEGRITY FAILURE reported to operator",
			zap.Int64p("broken_at", res.BrokenAtIndex),
			zap.String("reason", res.Reason))
	}
	c.JSON(http.StatusOK, res)
}

// Replay handles POST /v1/admin/audit/replay/:traceId
func (h *Handlers) Replay(c *gin.Context) {
	res, err := h.gw.Replay(c.Request.Context(), c.Param("traceId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func versionParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		apperrors.HandleError(c, apperrors.BadRequest("version id must be an integer"))
		return 0, false
	}
	return id, true
}

// fail converts domain errors into the shared error envelope
func (h *Handlers) fail(c *gin.Context, err error) {
	var (
		invalid *policy.InvalidRuleError
		unknown *policy.UnknownVersionError
		write   *ledger.WriteError
	)
	switch {
	case errors.As(err, &invalid):
		apperrors.HandleError(c, apperrors.InvalidRule(invalid.Rule, invalid.Reason, err))
	case errors.As(err, &unknown):
		apperrors.HandleError(c, apperrors.UnknownVersion(unknown.ID, err))
	case errors.Is(err, policy.ErrNoActivePolicy):
		apperrors.HandleError(c, apperrors.NoActivePolicy(err))
	case errors.As(err, &write):
		h.logger.Error("Ledger write failed", zap.Error(err))
		apperrors.HandleError(c, apperrors.LedgerWrite(err))
	case errors.Is(err, policy.ErrStoreUnavailable):
		apperrors.HandleError(c, apperrors.Unavailable("Policy store unavailable", err))
	case errors.Is(err, ledger.ErrNotFound):
		apperrors.HandleError(c, apperrors.NotFound("Decision"))
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		apperrors.HandleError(c, apperrors.Wrap(err, apperrors.ErrTimeout, "Request timed out", http.StatusGatewayTimeout))
	default:
		h.logger.Error("Unhandled error", zap.String("path", c.FullPath()), zap.Error(err))
		apperrors.HandleError(c, apperrors.Internal("An unexpected error occurred", err))
	}
}
