package policy

import (
	"fmt"
	"strings"
)

type fieldKind int

const (
	fieldAction fieldKind = iota
	fieldResource
	fieldSubject
	fieldRole
	fieldAttribute
	fieldContext
)

// field is a resolved reference into Input. Only names from the fixed
// schema below can be constructed.
type field struct {
	kind fieldKind
	key  string // attribute or context key
	name string // as written in the rule
}

// fixedFields maps the bare names a predicate may use
var fixedFields = map[string]field{
	"action":   {kind: fieldAction},
	"resource": {kind: fieldResource},
	"subject":  {kind: fieldSubject},
	"role":     {kind: fieldRole},
	"roles":    {kind: fieldRole},

	// identity attribute shorthands
	"agency":    {kind: fieldAttribute, key: "agency"},
	"clearance": {kind: fieldAttribute, key: "clearance"},
}

// keyed prefixes address map entries; the rest of the name is the key
var keyedPrefixes = map[string]fieldKind{
	"attr.":     fieldAttribute,
	"identity.": fieldAttribute,
	"context.":  fieldContext,
}

// FieldNames lists the schema for documentation and error messages
func FieldNames() []string {
	return []string{"action", "resource", "subject", "role", "agency", "clearance", "attr.<key>", "identity.<key>", "context.<key>"}
}

func parseField(name string) (field, error) {
	if f, ok := fixedFields[name]; ok {
		f.name = name
		return f, nil
	}

	for prefix, kind := range keyedPrefixes {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		key := strings.TrimPrefix(name, prefix)
		if key == "" || !isSafeKey(key) {
			return field{}, fmt.Errorf("invalid key in field %q", name)
		}
		return field{kind: kind, key: key, name: name}, nil
	}

	return field{}, &unknownFieldError{name: name}
}

// isSafeKey allows alphanumerics, underscore, hyphen and dot
func isSafeKey(key string) bool {
	for _, r := range key {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '_' || r == '-' || r == '.') {
			return false
		}
	}
	return true
}

// values returns the field's values for in. A missing attribute or context
// key yields ok=false; roles are multi-valued and never missing, only empty.
func (f field) values(in Input) (vals []string, ok bool) {
	switch f.kind {
	case fieldAction:
		return []string{in.Action}, true
	case fieldResource:
		return []string{in.Resource}, true
	case fieldSubject:
		return []string{in.Subject}, true
	case fieldRole:
		return in.Roles, true
	case fieldAttribute:
		v, ok := in.Attributes[f.key]
		if !ok {
			return nil, false
		}
		return []string{v}, true
	case fieldContext:
		v, ok := in.Context[f.key]
		if !ok {
			return nil, false
		}
		return []string{v}, true
	}
	return nil, false
}

type unknownFieldError struct {
	name string
}

func (e *unknownFieldError) Error() string {
	return fmt.Sprintf("unknown field %q (allowed: %s)", e.name, strings.Join(FieldNames(), ", "))
}
