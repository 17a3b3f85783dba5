package policy

import (
	"fmt"
	"slices"
)

type compiledRule struct {
	name   string
	effect Effect
	pred   node
}

// ValidateRules checks a candidate rule list the way Publish does without
// publishing it. Errors are *InvalidRuleError.
func ValidateRules(rules []Rule) error {
	_, err := validateRules(rules)
	return err
}

func validateRules(rules []Rule) ([]compiledRule, error) {
	seen := make(map[string]bool, len(rules))
	compiled := make([]compiledRule, 0, len(rules))

	for i, r := range rules {
		if r.Name == "" {
			return nil, &InvalidRuleError{Reason: fmt.Sprintf("rule at position %d has no name", i)}
		}
		if seen[r.Name] {
			return nil, &InvalidRuleError{Rule: r.Name, Reason: "duplicate rule name"}
		}
		seen[r.Name] = true

		if !r.Effect.Valid() {
			return nil, &InvalidRuleError{Rule: r.Name, Reason: fmt.Sprintf("effect must be allow or deny, got %q", r.Effect)}
		}

		pred, err := compile(r.When)
		if err != nil {
			return nil, &InvalidRuleError{Rule: r.Name, Reason: err.Error(), Err: err}
		}
		compiled = append(compiled, compiledRule{name: r.Name, effect: r.Effect, pred: pred})
	}

	return compiled, nil
}

// newVersion builds a version with copied rules and compiled predicates
func newVersion(id int64, rules []Rule, author string, compiled []compiledRule) *Version {
	return &Version{
		ID:       id,
		Rules:    slices.Clone(rules),
		Author:   author,
		compiled: compiled,
	}
}

// Evaluate runs in against v's rules in order. The first rule whose
// predicate holds decides; when none does the result is deny with
// matched rule "none". Evaluate has no side effects.
//
// A version loaded without compiled predicates (for example straight from a
// database row) is compiled here; a predicate that fails to compile yields an
// *InternalPolicyError wrapping *MalformedRuleError.
func Evaluate(v *Version, in Input) (Result, error) {
	rules := v.compiled
	if rules == nil && len(v.Rules) > 0 {
		var err error
		rules, err = compileStored(v.Rules)
		if err != nil {
			return Result{Effect: EffectDeny, MatchedRule: NoMatch}, &InternalPolicyError{VersionID: v.ID, Err: err}
		}
	}

	for _, r := range rules {
		if r.pred.eval(in) {
			return Result{Effect: r.effect, MatchedRule: r.name}, nil
		}
	}
	return Result{Effect: EffectDeny, MatchedRule: NoMatch}, nil
}

// compileStored compiles rules that already passed publish validation.
// Any failure here means the stored data changed underneath us.
func compileStored(rules []Rule) ([]compiledRule, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		pred, err := compile(r.When)
		if err != nil {
			return nil, &MalformedRuleError{Rule: r.Name, Err: err}
		}
		if !r.Effect.Valid() {
			return nil, &MalformedRuleError{Rule: r.Name, Err: fmt.Errorf("invalid effect %q", r.Effect)}
		}
		compiled = append(compiled, compiledRule{name: r.Name, effect: r.Effect, pred: pred})
	}
	return compiled, nil
}

// Prepare compiles a version read from storage so later evaluations skip
// parsing. It fails with *MalformedRuleError when a stored rule is corrupt.
func Prepare(v *Version) error {
	compiled, err := compileStored(v.Rules)
	if err != nil {
		return err
	}
	v.compiled = compiled
	return nil
}
