package policy

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToRego_Shape(t *testing.T) {
	v := mustVersion(t, 3,
		Rule{Name: "admins", When: `role == admin`, Effect: EffectAllow},
		Rule{Name: "no-fbi", When: `agency == fbi`, Effect: EffectDeny},
	)

	src, err := ToRego(v)
	require.NoError(t, err)
	assert.Contains(t, src, "package policygate")
	assert.Contains(t, src, `default decision := {"effect": "deny", "matchedRule": "none"}`)
	assert.Contains(t, src, `"matchedRule": "admins"`)
	assert.Contains(t, src, "} else :=")
	assert.Contains(t, src, `input.attributes["agency"] == "fbi"`)
}

func TestToRego_CorruptVersion(t *testing.T) {
	_, err := ToRego(&Version{ID: 4, Rules: []Rule{{Name: "x", When: "((", Effect: EffectAllow}}})
	var internal *InternalPolicyError
	assert.ErrorAs(t, err, &internal)
}

// The Rego rendition must agree with Evaluate on every input
func TestRegoEvaluator_AgreesWithEvaluate(t *testing.T) {
	ctx := context.Background()

	versions := []*Version{
		mustVersion(t, 1),
		mustVersion(t, 2,
			Rule{Name: "r1", When: `role == admin`, Effect: EffectAllow},
		),
		mustVersion(t, 3,
			Rule{Name: "block-guests", When: `role == guest`, Effect: EffectDeny},
			Rule{Name: "secret-edit", When: `clearance == "Secret" AND action == "edit:policy:section12"`, Effect: EffectAllow},
			Rule{Name: "web-readers", When: `action == read AND context.channel in [web, kiosk]`, Effect: EffectAllow},
			Rule{Name: "not-dhs", When: `NOT agency == dhs OR attr.missing != x`, Effect: EffectDeny},
		),
		mustVersion(t, 4,
			Rule{Name: "never", When: `false`, Effect: EffectAllow},
			Rule{Name: "none-of", When: `resource in []`, Effect: EffectAllow},
			Rule{Name: "roles", When: `role in [auditor, analyst] && subject != root`, Effect: EffectAllow},
			Rule{Name: "always", When: `true`, Effect: EffectDeny},
		),
	}

	inputs := []Input{
		{},
		sampleInput(),
		{Roles: []string{"guest"}, Action: "read", Context: map[string]string{"channel": "web"}},
		{Roles: []string{"citizen"}, Attributes: map[string]string{"clearance": "Secret"}, Action: "edit:policy:section12"},
		{Subject: "root", Roles: []string{"auditor"}, Attributes: map[string]string{"agency": "dhs", "missing": "x"}},
		{Subject: "bob", Roles: []string{"analyst"}, Attributes: map[string]string{"agency": "fbi"}},
	}

	for _, v := range versions {
		re, err := NewRegoEvaluator(ctx, v)
		require.NoError(t, err)

		for i, in := range inputs {
			t.Run(fmt.Sprintf("v%d/input%d", v.ID, i), func(t *testing.T) {
				want, err := Evaluate(v, in)
				require.NoError(t, err)

				got, err := re.Evaluate(ctx, in)
				require.NoError(t, err)
				assert.Equal(t, want, got)
			})
		}
	}
}
