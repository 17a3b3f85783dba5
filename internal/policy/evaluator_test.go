package policy

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustVersion(t *testing.T, id int64, rules ...Rule) *Version {
	t.Helper()
	compiled, err := validateRules(rules)
	require.NoError(t, err)
	v := newVersion(id, rules, "test", compiled)
	v.Status = StatusActive
	return v
}

func TestEvaluate_FirstMatchWins(t *testing.T) {
	v := mustVersion(t, 1,
		Rule{Name: "deny-guests", When: `role == guest`, Effect: EffectDeny},
		Rule{Name: "admins", When: `role == admin`, Effect: EffectAllow},
		Rule{Name: "analysts", When: `role == analyst`, Effect: EffectDeny},
	)

	res, err := Evaluate(v, sampleInput())
	require.NoError(t, err)
	assert.Equal(t, EffectAllow, res.Effect)
	assert.Equal(t, "admins", res.MatchedRule)
}

func TestEvaluate_DefaultDeny(t *testing.T) {
	v := mustVersion(t, 1, Rule{Name: "r1", When: `role == admin`, Effect: EffectAllow})

	res, err := Evaluate(v, Input{Roles: []string{"citizen"}})
	require.NoError(t, err)
	assert.Equal(t, Result{Effect: EffectDeny, MatchedRule: NoMatch}, res)
}

func TestEvaluate_ZeroRules(t *testing.T) {
	v := mustVersion(t, 2)

	res, err := Evaluate(v, sampleInput())
	require.NoError(t, err)
	assert.Equal(t, Result{Effect: EffectDeny, MatchedRule: NoMatch}, res)
}

func TestEvaluate_AlwaysTrueShadowsLaterRules(t *testing.T) {
	v := mustVersion(t, 1,
		Rule{Name: "catch-all", When: `true`, Effect: EffectDeny},
		Rule{Name: "admins", When: `role == admin`, Effect: EffectAllow},
	)

	res, err := Evaluate(v, sampleInput())
	require.NoError(t, err)
	assert.Equal(t, "catch-all", res.MatchedRule)
	assert.Equal(t, EffectDeny, res.Effect)
}

func TestEvaluate_Deterministic(t *testing.T) {
	v := mustVersion(t, 1,
		Rule{Name: "secret-edit", When: `clearance == "Secret" AND action == "edit:policy:section12"`, Effect: EffectAllow},
		Rule{Name: "readers", When: `action == read`, Effect: EffectAllow},
	)
	in := sampleInput()

	first, err := Evaluate(v, in)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := Evaluate(v, in)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, "readers", first.MatchedRule)
}

func TestEvaluate_CorruptStoredRule(t *testing.T) {
	// as if loaded from storage without passing validation
	v := &Version{
		ID:     7,
		Rules:  []Rule{{Name: "broken", When: `role ==`, Effect: EffectAllow}},
		Status: StatusActive,
	}

	res, err := Evaluate(v, sampleInput())
	require.Error(t, err)
	assert.Equal(t, Result{Effect: EffectDeny, MatchedRule: NoMatch}, res)

	var internal *InternalPolicyError
	require.True(t, errors.As(err, &internal))
	assert.Equal(t, int64(7), internal.VersionID)

	var malformed *MalformedRuleError
	require.True(t, errors.As(err, &malformed))
	assert.Equal(t, "broken", malformed.Rule)
}

func TestPrepare(t *testing.T) {
	v := &Version{ID: 1, Rules: []Rule{{Name: "r1", When: `role == admin`, Effect: EffectAllow}}}
	require.NoError(t, Prepare(v))
	assert.Len(t, v.compiled, 1)

	bad := &Version{ID: 2, Rules: []Rule{{Name: "r1", When: `role == admin`, Effect: "maybe"}}}
	var malformed *MalformedRuleError
	assert.ErrorAs(t, Prepare(bad), &malformed)
}

func TestValidateRules(t *testing.T) {
	tests := []struct {
		name   string
		rules  []Rule
		reason string
	}{
		{
			name:   "no name",
			rules:  []Rule{{When: "true", Effect: EffectAllow}},
			reason: "has no name",
		},
		{
			name: "duplicate",
			rules: []Rule{
				{Name: "r1", When: "true", Effect: EffectAllow},
				{Name: "r1", When: "false", Effect: EffectDeny},
			},
			reason: "duplicate rule name",
		},
		{
			name:   "bad effect",
			rules:  []Rule{{Name: "r1", When: "true", Effect: "permit"}},
			reason: "effect must be allow or deny",
		},
		{
			name:   "unknown field",
			rules:  []Rule{{Name: "r1", When: `department == it`, Effect: EffectAllow}},
			reason: "unknown field",
		},
		{
			name:   "nested too deep",
			rules:  []Rule{{Name: "r1", When: strings.Repeat("(", 10000) + "true" + strings.Repeat(")", 10000), Effect: EffectAllow}},
			reason: "predicate is 20004 bytes",
		},
		{
			name:   "negated too deep",
			rules:  []Rule{{Name: "r1", When: strings.Repeat("!", 100) + "true", Effect: EffectAllow}},
			reason: "nests deeper than 64 levels",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRules(tt.rules)
			require.Error(t, err)
			assert.True(t, IsInvalidRule(err))
			assert.Contains(t, err.Error(), tt.reason)
		})
	}

	assert.NoError(t, ValidateRules(nil))
}
