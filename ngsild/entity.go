// Package ngsild models NGSI-LD entities as JSON documents in their normalized, compacted form.
package ngsild

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/c360/ctxfed/errors"
)

// Member names with NGSI-LD core meaning
const (
	KeyID         = "id"
	KeyType       = "type"
	KeyScope      = "scope"
	KeyContext    = "@context"
	KeyCreatedAt  = "createdAt"
	KeyModifiedAt = "modifiedAt"
	KeyDeletedAt  = "deletedAt"
	KeyObservedAt = "observedAt"
	KeyDatasetID  = "datasetId"
)

// Fixed members are never overwritten once set: the first writer wins.
var fixedMembers = map[string]bool{
	KeyID:         true,
	KeyContext:    true,
	KeyCreatedAt:  true,
	KeyModifiedAt: true,
	KeyDeletedAt:  true,
}

// List members are merged as a set union.
var listMembers = map[string]bool{
	KeyType:  true,
	KeyScope: true,
}

// IsFixedMember reports whether name is an identity or system member (id, @context, timestamps).
func IsFixedMember(name string) bool { return fixedMembers[name] }

// IsListMember reports whether name is merged as a set union (type, scope).
func IsListMember(name string) bool { return listMembers[name] }

// IsCoreMember reports whether name is not an attribute.
func IsCoreMember(name string) bool { return fixedMembers[name] || listMembers[name] }

// Entity is a normalized NGSI-LD entity. Attribute values are the JSON values as decoded by
// encoding/json: objects for single instances, arrays of objects for multi-instance attributes.
type Entity map[string]any

// DecodeEntity parses a single entity; the document must be an object with a string id.
func DecodeEntity(data []byte) (Entity, error) {
	var e Entity
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&e); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidPayload, err), "ngsild", "DecodeEntity", "decode entity")
	}
	if err := e.check(); err != nil {
		return nil, err
	}
	return e, nil
}

// DecodeEntities parses a JSON array of entities.
func DecodeEntities(data []byte) ([]Entity, error) {
	var list []Entity
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&list); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidPayload, err), "ngsild", "DecodeEntities", "decode entity list")
	}
	for i, e := range list {
		if err := e.check(); err != nil {
			return nil, errors.Wrap(err, "ngsild", "DecodeEntities", fmt.Sprintf("entity %d", i))
		}
	}
	return list, nil
}

func (e Entity) check() error {
	if e == nil {
		return errors.WrapInvalid(errors.ErrInvalidPayload, "ngsild", "check", "entity is null")
	}
	if e.ID() == "" {
		return errors.WrapInvalid(errors.ErrInvalidPayload, "ngsild", "check", "entity id missing")
	}
	return nil
}

// ID returns the entity id or "".
func (e Entity) ID() string {
	id, _ := e[KeyID].(string)
	return id
}

// Types returns the declared entity types.
func (e Entity) Types() []string {
	return StringList(e[KeyType])
}

// AttributeNames returns the sorted names of all non-core members.
func (e Entity) AttributeNames() []string {
	names := make([]string, 0, len(e))
	for k := range e {
		if !IsCoreMember(k) {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

// HasOnlyCore reports whether the entity carries no attributes.
func (e Entity) HasOnlyCore() bool {
	for k := range e {
		if !IsCoreMember(k) {
			return false
		}
	}
	return true
}

// WithOnly returns a copy holding the core members plus the named attributes.
func (e Entity) WithOnly(attrs []string) Entity {
	keep := make(map[string]bool, len(attrs))
	for _, a := range attrs {
		keep[a] = true
	}
	out := make(Entity, len(keep)+4)
	for k, v := range e {
		if IsCoreMember(k) || keep[k] {
			out[k] = deepCopy(v)
		}
	}
	return out
}

// Without returns a copy lacking the named attributes. Core members are always kept.
func (e Entity) Without(attrs []string) Entity {
	drop := make(map[string]bool, len(attrs))
	for _, a := range attrs {
		if !IsCoreMember(a) {
			drop[a] = true
		}
	}
	out := make(Entity, len(e))
	for k, v := range e {
		if !drop[k] {
			out[k] = deepCopy(v)
		}
	}
	return out
}

// Clone returns a deep copy.
func (e Entity) Clone() Entity {
	if e == nil {
		return nil
	}
	return deepCopy(map[string]any(e)).(map[string]any)
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case Entity:
		return Entity(deepCopy(map[string]any(t)).(map[string]any))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = deepCopy(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = deepCopy(inner)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// StringList reads a JSON member that may be a single string or an array of strings.
func StringList(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// UnionList merges two string-or-array members keeping first-seen order. A single
// resulting value is returned as a plain string.
func UnionList(a, b any) any {
	seen := make(map[string]bool)
	var out []string
	for _, s := range append(StringList(a), StringList(b)...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		if a != nil {
			return a
		}
		return b
	case 1:
		return out[0]
	default:
		items := make([]any, len(out))
		for i, s := range out {
			items[i] = s
		}
		return items
	}
}

// TypeNames splits an NGSI-LD type selection expression ("A,B", "(A;B)|C") into the
// distinct type names it mentions.
func TypeNames(expr string) []string {
	fields := strings.FieldsFunc(expr, func(r rune) bool {
		switch r {
		case ',', ';', '|', '(', ')', ' ':
			return true
		}
		return false
	})
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}
