// Package vars implements the variable scope of one workflow invocation:
// named bindings, reference resolution inside declarative JSON fragments, and
// merge/pick operations with defined override precedence.
//
// Reference syntax is ${{name}} with an optional dotted path into nested
// objects (${{doc.id}}). A string that consists of exactly one reference
// resolves to the bound value of any type; references embedded in a larger
// string are stringified in place. Unresolved references resolve to absence,
// not an error: map entries whose value is an unresolved bare reference are
// dropped, so callers can distinguish absence from an explicit null.
package vars

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	refOpen  = "${{"
	refClose = "}}"
)

// absent marks a binding that could not be resolved. It never escapes the
// package: ResolveParams converts it to a dropped map key or a nil element.
type absent struct{}

// Vars is the mutable key->value scope of a single workflow invocation (or one
// recursion level of an inline child workflow). It is exclusively owned by one
// interpreter invocation and is never accessed concurrently.
type Vars struct {
	values map[string]any
}

// New creates a scope from the merge of the given maps, later maps taking
// precedence on key collision. All inputs are deep-copied.
func New(maps ...map[string]any) *Vars {
	v := &Vars{values: make(map[string]any)}
	for _, m := range maps {
		for k, val := range m {
			v.values[k] = deepCopy(val)
		}
	}
	return v
}

// Set binds or rebinds a name. Last write wins; there are no merge semantics.
func (v *Vars) Set(name string, value any) {
	v.values[name] = deepCopy(value)
}

// Lookup returns the binding for name and whether it exists.
func (v *Vars) Lookup(name string) (any, bool) {
	val, ok := v.values[name]
	return val, ok
}

// Pick returns a copy of the bindings for the given names. Names absent from
// the scope are omitted rather than bound to nil, so a step may legitimately
// run with a partially populated optional parameter.
func (v *Vars) Pick(names []string) map[string]any {
	out := make(map[string]any, len(names))
	for _, name := range names {
		if val, ok := v.values[name]; ok {
			out[name] = deepCopy(val)
		}
	}
	return out
}

// Resolve returns the fully resolved snapshot of all current bindings.
func (v *Vars) Resolve() map[string]any {
	out := make(map[string]any, len(v.values))
	for k, val := range v.values {
		out[k] = deepCopy(val)
	}
	return out
}

// Len returns the number of bindings.
func (v *Vars) Len() int { return len(v.values) }

// ResolveParams deep-walks objects, arrays and strings, replacing each
// ${{...}} reference with its bound value. Map entries resolving to absence
// are dropped; absent array elements become nil; a top-level absent value
// resolves to nil.
func (v *Vars) ResolveParams(value any) any {
	resolved := v.resolveValue(value)
	if _, gone := resolved.(absent); gone {
		return nil
	}
	return resolved
}

func (v *Vars) resolveValue(value any) any {
	switch val := value.(type) {
	case string:
		return v.resolveString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			r := v.resolveValue(inner)
			if _, gone := r.(absent); gone {
				continue
			}
			out[k] = r
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			r := v.resolveValue(inner)
			if _, gone := r.(absent); gone {
				r = nil
			}
			out[i] = r
		}
		return out
	default:
		return deepCopy(val)
	}
}

// resolveString handles both the bare-reference and the templated form.
func (v *Vars) resolveString(s string) any {
	if ref, ok := bareReference(s); ok {
		val, found := v.resolvePath(ref)
		if !found {
			return absent{}
		}
		return deepCopy(val)
	}

	if !strings.Contains(s, refOpen) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	rest := s
	for {
		idx := strings.Index(rest, refOpen)
		if idx == -1 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:idx])
		end := strings.Index(rest[idx:], refClose)
		if end == -1 {
			// Unclosed marker: treat the remainder as a literal.
			b.WriteString(rest[idx:])
			break
		}
		ref := strings.TrimSpace(rest[idx+len(refOpen) : idx+end])
		if val, found := v.resolvePath(ref); found {
			b.WriteString(stringify(val))
		}
		rest = rest[idx+end+len(refClose):]
	}
	return b.String()
}

// resolvePath looks up a bare name or a dotted path into a bound value.
// Direct key lookup runs first so bindings whose names contain dots win over
// path traversal.
func (v *Vars) resolvePath(ref string) (any, bool) {
	if ref == "" {
		return nil, false
	}
	if val, ok := v.values[ref]; ok {
		return val, true
	}
	segments := strings.Split(ref, ".")
	current, ok := v.values[segments[0]]
	if !ok {
		return nil, false
	}
	for _, seg := range segments[1:] {
		m, isMap := current.(map[string]any)
		if !isMap {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// bareReference reports whether s is exactly one ${{...}} reference.
func bareReference(s string) (string, bool) {
	if !strings.HasPrefix(s, refOpen) || !strings.HasSuffix(s, refClose) {
		return "", false
	}
	inner := s[len(refOpen) : len(s)-len(refClose)]
	if strings.Contains(inner, refOpen) || strings.Contains(inner, refClose) {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

// stringify renders a resolved value for embedding inside a larger string.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64, int, int64:
		return fmt.Sprintf("%v", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// HasReference reports whether a value tree contains any ${{...}} reference.
func HasReference(value any) bool {
	switch val := value.(type) {
	case string:
		return strings.Contains(val, refOpen)
	case map[string]any:
		for _, inner := range val {
			if HasReference(inner) {
				return true
			}
		}
	case []any:
		for _, inner := range val {
			if HasReference(inner) {
				return true
			}
		}
	}
	return false
}

// deepCopy recursively copies maps and slices. Primitives are value types.
func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(val))
		for k, inner := range val {
			cp[k] = deepCopy(inner)
		}
		return cp
	case []any:
		cp := make([]any, len(val))
		for i, inner := range val {
			cp[i] = deepCopy(inner)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
