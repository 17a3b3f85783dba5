package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/open-policy-agent/opa/rego"
)

// RegoPackage is the package every exported module declares
const RegoPackage = "policygate"

// RegoQuery evaluates to {"effect": ..., "matchedRule": ...}
const RegoQuery = "data." + RegoPackage + ".decision"

// ToRego renders v as a Rego module with the same first-match, default-deny
// semantics as Evaluate. Each predicate node becomes a boolean rule that
// defaults to false, so missing input compares unequal just like it does here.
func ToRego(v *Version) (string, error) {
	rules := v.compiled
	if rules == nil {
		var err error
		if rules, err = compileStored(v.Rules); err != nil {
			return "", &InternalPolicyError{VersionID: v.ID, Err: err}
		}
	}

	g := &regoGen{}
	g.printf("# policy version %d\n", v.ID)
	g.printf("package %s\n\nimport rego.v1\n\n", RegoPackage)
	g.printf("default decision := {\"effect\": %s, \"matchedRule\": %s}\n", quote(string(EffectDeny)), quote(NoMatch))

	roots := make([]string, len(rules))
	var conds strings.Builder
	for i, r := range rules {
		roots[i] = g.node(&conds, r.pred)
	}

	for i, r := range rules {
		head := "decision :="
		if i > 0 {
			head = "} else :="
		} else {
			g.printf("\n")
		}
		g.printf("%s {\"effect\": %s, \"matchedRule\": %s} if {\n\t%s\n", head, quote(string(r.effect)), quote(r.name), roots[i])
	}
	if len(rules) > 0 {
		g.printf("}\n")
	}

	g.b.WriteString(conds.String())
	return g.b.String(), nil
}

type regoGen struct {
	b strings.Builder
	n int
}

func (g *regoGen) printf(format string, args ...any) {
	fmt.Fprintf(&g.b, format, args...)
}

// node writes the rule(s) for n into out and returns the rule name
func (g *regoGen) node(out *strings.Builder, n node) string {
	name := fmt.Sprintf("cond_%d", g.n)
	g.n++

	fmt.Fprintf(out, "\ndefault %s := false\n", name)
	body := func(lines ...string) {
		fmt.Fprintf(out, "\n%s if {\n", name)
		for _, l := range lines {
			fmt.Fprintf(out, "\t%s\n", l)
		}
		out.WriteString("}\n")
	}

	switch n := n.(type) {
	case constNode:
		if n.v {
			body("true")
		}
	case notNode:
		x := g.node(out, n.x)
		body("not " + x)
	case andNode:
		l, r := g.node(out, n.left), g.node(out, n.right)
		body(l, r)
	case orNode:
		l, r := g.node(out, n.left), g.node(out, n.right)
		body(l)
		body(r)
	case eqNode:
		test := membership(n.f, []string{n.value})
		if n.negated {
			body("not " + test)
		} else {
			body(test)
		}
	case inNode:
		body(membership(n.f, n.values))
	}
	return name
}

// membership renders "field takes one of values"
func membership(f field, values []string) string {
	if len(values) == 1 && f.kind != fieldRole {
		return regoRef(f) + " == " + quote(values[0])
	}
	list := make([]string, len(values))
	for i, v := range values {
		list[i] = quote(v)
	}
	set := "[" + strings.Join(list, ", ") + "]"
	if f.kind == fieldRole {
		return fmt.Sprintf("count({r | some r in input.roles; r in %s}) > 0", set)
	}
	return regoRef(f) + " in " + set
}

func regoRef(f field) string {
	switch f.kind {
	case fieldAction:
		return "input.action"
	case fieldResource:
		return "input.resource"
	case fieldSubject:
		return "input.subject"
	case fieldAttribute:
		return "input.attributes[" + quote(f.key) + "]"
	case fieldContext:
		return "input.context[" + quote(f.key) + "]"
	}
	return "input.roles"
}

// quote produces a JSON string literal, which Rego accepts as is
func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// RegoEvaluator evaluates a version through OPA instead of the native
// evaluator. Replay uses it to cross-check recorded decisions.
type RegoEvaluator struct {
	versionID int64
	query     rego.PreparedEvalQuery
}

// NewRegoEvaluator compiles v's Rego rendition
func NewRegoEvaluator(ctx context.Context, v *Version) (*RegoEvaluator, error) {
	module, err := ToRego(v)
	if err != nil {
		return nil, err
	}

	query, err := rego.New(
		rego.Query(RegoQuery),
		rego.Module(fmt.Sprintf("policygate_v%d.rego", v.ID), module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare rego for version %d: %w", v.ID, err)
	}

	return &RegoEvaluator{versionID: v.ID, query: query}, nil
}

// Evaluate runs in through OPA
func (e *RegoEvaluator) Evaluate(ctx context.Context, in Input) (Result, error) {
	rs, err := e.query.Eval(ctx, rego.EvalInput(regoInput(in)))
	if err != nil {
		return Result{}, fmt.Errorf("evaluate rego for version %d: %w", e.versionID, err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Result{}, fmt.Errorf("rego for version %d produced no decision", e.versionID)
	}

	out, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Result{}, fmt.Errorf("rego for version %d produced %T", e.versionID, rs[0].Expressions[0].Value)
	}
	effect, _ := out["effect"].(string)
	matched, _ := out["matchedRule"].(string)
	return Result{Effect: Effect(effect), MatchedRule: matched}, nil
}

func regoInput(in Input) map[string]interface{} {
	roles := make([]interface{}, 0, len(in.Roles))
	for _, r := range in.Roles {
		roles = append(roles, r)
	}
	return map[string]interface{}{
		"subject":    in.Subject,
		"roles":      roles,
		"attributes": stringMap(in.Attributes),
		"action":     in.Action,
		"resource":   in.Resource,
		"context":    stringMap(in.Context),
	}
}

func stringMap(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
