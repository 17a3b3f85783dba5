package policy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleInput() Input {
	return Input{
		Subject:    "alice",
		Roles:      []string{"admin", "analyst"},
		Attributes: map[string]string{"agency": "dhs", "clearance": "Secret"},
		Action:     "read",
		Resource:   "doc:1",
		Context:    map[string]string{"channel": "web"},
	}
}

func TestCompile_Valid(t *testing.T) {
	tests := []string{
		`role == admin`,
		`role=="disa-admin"`,
		`clearance == "Secret" AND action == "edit:policy:section12"`,
		`NOT (agency == dhs) || context.channel in [web, 'mobile']`,
		`attr.department != finance`,
		`identity.org-unit == ops`,
		`true`,
		`resource in []`,
		`!role == guest && subject == "a b"`,
	}

	for _, src := range tests {
		t.Run(src, func(t *testing.T) {
			_, err := compile(src)
			assert.NoError(t, err)
		})
	}
}

func TestCompile_Invalid(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"empty", ``, "empty predicate"},
		{"blank", `   `, "empty predicate"},
		{"missing literal", `role ==`, "expected a literal"},
		{"unknown field", `foo == bar`, `unknown field "foo"`},
		{"dangling and", `role == admin AND`, "expected a field"},
		{"unclosed paren", `(role == admin`, `expected ")"`},
		{"single equals", `role = admin`, "unexpected character"},
		{"empty key", `attr. == x`, "invalid key"},
		{"unterminated string", `role == "admin`, "unterminated string"},
		{"missing operator", `role admin`, "expected ==, != or in"},
		{"trailing tokens", `role == admin admin`, "unexpected"},
		{"unclosed list", `role in [a, b`, `expected ","`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := compile(tt.src)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPredicateEval(t *testing.T) {
	in := sampleInput()

	tests := []struct {
		src  string
		want bool
	}{
		{`role == admin`, true},
		{`role == citizen`, false},
		{`role != citizen`, true},
		{`role != admin`, false},
		{`role in [citizen, analyst]`, true},
		{`clearance == Secret`, true},
		{`clearance == "TopSecret"`, false},
		{`agency == dhs`, true},
		{`attr.agency == dhs`, true},

		// missing attributes never match and never fail
		{`attr.missing == x`, false},
		{`attr.missing != x`, true},
		{`attr.missing in [x, y]`, false},
		{`context.ip == "10.0.0.1"`, false},

		{`context.channel in [web, mobile]`, true},
		{`NOT role == citizen`, true},
		{`not role == admin`, false},
		{`role == citizen OR action == read`, true},
		{`role == admin AND action == write`, false},
		{`role == admin and action == read`, true},

		// AND binds tighter than OR
		{`action == write OR action == read AND resource == nope`, false},
		{`action == read OR action == write AND resource == nope`, true},
		{`(action == read OR action == write) AND resource == nope`, false},

		{`subject == alice && !(agency == fbi)`, true},
		{`resource in []`, false},
		{`TRUE`, true},
		{`false`, false},
		{`resource == "doc:1"`, true},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			n, err := compile(tt.src)
			require.NoError(t, err)
			assert.Equal(t, tt.want, n.eval(in))
		})
	}
}

func TestPredicateEval_EmptyInput(t *testing.T) {
	n, err := compile(`role == admin OR clearance != Secret`)
	require.NoError(t, err)

	// no roles, no attributes: the != side holds
	assert.True(t, n.eval(Input{}))
}

func TestLex_EscapedQuote(t *testing.T) {
	n, err := compile(`subject == "al\"ice"`)
	require.NoError(t, err)
	assert.True(t, n.eval(Input{Subject: `al"ice`}))
}

func TestCompile_NestingLimits(t *testing.T) {
	nested := func(n int) string {
		return strings.Repeat("(", n) + "role == admin" + strings.Repeat(")", n)
	}

	n, err := compile(nested(maxPredicateDepth))
	require.NoError(t, err)
	assert.True(t, n.eval(sampleInput()))

	_, err = compile(nested(maxPredicateDepth + 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nests deeper than")

	n, err = compile(strings.Repeat("NOT ", maxPredicateDepth) + "role == admin")
	require.NoError(t, err)
	assert.True(t, n.eval(sampleInput()))

	_, err = compile(strings.Repeat("!", maxPredicateDepth+1) + "true")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nests deeper than")

	// Siblings do not add depth.
	siblings := strings.Repeat("(role == admin) AND ", 40) + "(true)"
	_, err = compile(siblings)
	assert.NoError(t, err)

	_, err = compile(strings.Repeat("(", 1<<20))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit is 4096")
}
