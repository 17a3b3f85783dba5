package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/policygate/policygate/internal/gateway"
	"github.com/policygate/policygate/internal/ledger"
)

// AuditQuery narrows an audit listing. Zero fields do not filter.
type AuditQuery struct {
	TraceID string
	Effect  string
	Type    ledger.EntryType
	// PolicyVersionID filters by version; point it at 0 for decisions that
	// consulted no version
	PolicyVersionID *int64
	From, To        time.Time
}

func (q AuditQuery) values() url.Values {
	v := url.Values{}
	if q.TraceID != "" {
		v.Set("traceId", q.TraceID)
	}
	if q.Effect != "" {
		v.Set("effect", q.Effect)
	}
	if q.Type != "" {
		v.Set("type", string(q.Type))
	}
	if q.PolicyVersionID != nil {
		if *q.PolicyVersionID == 0 {
			v.Set("policyVersionId", gateway.NotApplicable)
		} else {
			v.Set("policyVersionId", strconv.FormatInt(*q.PolicyVersionID, 10))
		}
	}
	if !q.From.IsZero() {
		v.Set("from", q.From.UTC().Format(time.RFC3339Nano))
	}
	if !q.To.IsZero() {
		v.Set("to", q.To.UTC().Format(time.RFC3339Nano))
	}
	return v
}

// Audit streams matching ledger entries in append order. The request is
// made when the sequence is ranged over; an error ends the sequence.
func (c *Client) Audit(ctx context.Context, q AuditQuery) iter.Seq2[ledger.Entry, error] {
	return func(yield func(ledger.Entry, error) bool) {
		req, err := c.newRequest(ctx, http.MethodGet, "/v1/admin/audit", q.values(), nil)
		if err != nil {
			yield(ledger.Entry{}, err)
			return
		}
		resp, err := c.send(req)
		if err != nil {
			yield(ledger.Entry{}, err)
			return
		}
		defer func() { _ = resp.Body.Close() }()

		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}
			var probe struct {
				Error string `json:"error"`
			}
			if json.Unmarshal(line, &probe) == nil && probe.Error != "" {
				yield(ledger.Entry{}, fmt.Errorf("audit stream aborted by server: %s", probe.Error))
				return
			}
			var e ledger.Entry
			if err := json.Unmarshal(line, &e); err != nil {
				yield(ledger.Entry{}, fmt.Errorf("decoding audit entry: %w", err))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(ledger.Entry{}, fmt.Errorf("reading audit stream: %w", err))
		}
	}
}

// Verify asks the gateway to check the whole ledger chain
func (c *Client) Verify(ctx context.Context) (*ledger.ValidationResult, error) {
	var res ledger.ValidationResult
	if err := c.doJSON(ctx, http.MethodGet, "/v1/admin/audit/verify", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Replay re-evaluates a recorded decision against the version it used
func (c *Client) Replay(ctx context.Context, traceID string) (*gateway.ReplayResult, error) {
	var res gateway.ReplayResult
	if err := c.doJSON(ctx, http.MethodPost, "/v1/admin/audit/replay/"+url.PathEscape(traceID), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
