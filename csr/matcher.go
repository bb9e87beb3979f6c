package csr

import (
	"regexp"
	"time"

	"github.com/c360/ctxfed/ngsild"
	"github.com/c360/ctxfed/pkg/cache"
)

// Filters describe the target of one request. Empty fields do not constrain.
type Filters struct {
	IDs        []string
	IDPattern  string
	TypeQuery  string
	Operations []Operation
	Attrs      []string
}

// IsZero reports whether f constrains nothing.
func (f Filters) IsZero() bool {
	return len(f.IDs) == 0 && f.IDPattern == "" && f.TypeQuery == "" && len(f.Operations) == 0 && len(f.Attrs) == 0
}

// MatchUnit pairs one matching EntityInfo with its registration. Entity is the zero value
// when the information block carries no entity filter.
type MatchUnit struct {
	Registration *Registration
	Info         RegistrationInfo
	Entity       EntityInfo
}

// AttributeNames returns the attribute allow-list of the unit; nil means all attributes.
func (u MatchUnit) AttributeNames() []string {
	return u.Info.AttributeNames()
}

// Matcher evaluates Filters against registrations. It holds no registration state; compiled
// id patterns are cached across calls.
type Matcher struct {
	patterns *cache.LRU[*regexp.Regexp]
	now      func() time.Time
}

// NewMatcher creates a matcher caching up to patternCacheSize compiled patterns.
func NewMatcher(patternCacheSize int) *Matcher {
	// without a metrics registry NewLRU cannot fail
	patterns, _ := cache.NewLRU[*regexp.Regexp](patternCacheSize)
	return &Matcher{patterns: patterns, now: time.Now}
}

// Match expands every applicable registration into its matching units, in registration order.
func (m *Matcher) Match(regs []*Registration, f Filters) []MatchUnit {
	var units []MatchUnit
	for _, reg := range regs {
		units = append(units, m.matchRegistration(reg, f)...)
	}
	return units
}

// Matches reports whether reg applies to f through at least one of its entity infos.
func (m *Matcher) Matches(reg *Registration, f Filters) bool {
	return len(m.matchRegistration(reg, f)) > 0
}

// Distinct returns the registrations behind units, one entry per registration id, in
// first-seen order.
func Distinct(units []MatchUnit) []*Registration {
	seen := make(map[string]bool, len(units))
	out := make([]*Registration, 0, len(units))
	for _, u := range units {
		if !seen[u.Registration.ID] {
			seen[u.Registration.ID] = true
			out = append(out, u.Registration)
		}
	}
	return out
}

func (m *Matcher) matchRegistration(reg *Registration, f Filters) []MatchUnit {
	if reg == nil || reg.Expired(m.now()) || !operationsMatch(reg, f.Operations) {
		return nil
	}

	typeNames := ngsild.TypeNames(f.TypeQuery)
	var units []MatchUnit
	for _, info := range reg.Information {
		if !attrsMatch(info, f.Attrs) {
			continue
		}
		if len(info.Entities) == 0 {
			units = append(units, MatchUnit{Registration: reg, Info: info})
			continue
		}
		for _, ei := range info.Entities {
			if !typesMatch(ei, typeNames) || !m.idMatches(ei, f) {
				continue
			}
			single := info
			single.Entities = []EntityInfo{ei}
			units = append(units, MatchUnit{Registration: reg, Info: single, Entity: ei})
		}
	}
	return units
}

func operationsMatch(reg *Registration, requested []Operation) bool {
	if len(requested) == 0 {
		return true
	}
	for _, op := range requested {
		if reg.Supports(op) {
			return true
		}
	}
	return false
}

func attrsMatch(info RegistrationInfo, attrs []string) bool {
	allowed := info.AttributeNames()
	if len(attrs) == 0 || allowed == nil {
		return true
	}
	return intersects(allowed, attrs)
}

func typesMatch(ei EntityInfo, typeNames []string) bool {
	if len(typeNames) == 0 || len(ei.Types) == 0 {
		return true
	}
	return intersects(ei.Types, typeNames)
}

func (m *Matcher) idMatches(ei EntityInfo, f Filters) bool {
	if ei.IsWildcard() {
		return true
	}
	if len(f.IDs) > 0 {
		return len(m.MatchingIDs(ei, f.IDs)) > 0
	}
	if f.IDPattern != "" {
		// two patterns are not proven disjoint, so a pattern-declaring info always matches
		if ei.IDPattern != "" {
			return true
		}
		re, ok := m.compile(f.IDPattern)
		return !ok || re.MatchString(ei.ID)
	}
	return true
}

// MatchingIDs returns the ids among ids selected by ei.
func (m *Matcher) MatchingIDs(ei EntityInfo, ids []string) []string {
	if ei.IsWildcard() {
		return ids
	}
	var out []string
	for _, id := range ids {
		switch {
		case ei.ID != "":
			if ei.ID == id {
				out = append(out, id)
			}
		default:
			if re, ok := m.compile(ei.IDPattern); ok && re.MatchString(id) {
				out = append(out, id)
			}
		}
	}
	return out
}

func (m *Matcher) compile(pattern string) (*regexp.Regexp, bool) {
	re, err := m.patterns.GetOrCreate(pattern, func() (*regexp.Regexp, error) {
		return regexp.Compile(pattern)
	})
	return re, err == nil
}

func intersects(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if set[s] {
			return true
		}
	}
	return false
}

// Intersect returns the members of a also present in b, in a's order.
func Intersect(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, s := range b {
		set[s] = true
	}
	var out []string
	for _, s := range a {
		if set[s] {
			out = append(out, s)
		}
	}
	return out
}
