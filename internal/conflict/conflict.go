// Package conflict detects overlapping resource claims between content
// sources and resolves them with an explicit strategy.
package conflict

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/bnema/ardysactl/internal/vpk"
)

// Severity of a conflict
type Severity int

const (
	Low Severity = iota
	Medium
	High
	Critical
)

func (s Severity) String() string {
	switch s {
	case Low:
		return "Low"
	case Medium:
		return "Medium"
	case High:
		return "High"
	}
	return "Critical"
}

// MarshalText implements encoding.TextMarshaler
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Type of a conflict
type Type string

const (
	ResourceOverwrite      Type = "resource-overwrite"
	IncompatibleDependency Type = "incompatible-dependency"
)

// Strategy is a resolution strategy
type Strategy string

const (
	HigherPriority Strategy = "HigherPriority"
	MostRecent     Strategy = "MostRecent"
	Merge          Strategy = "Merge"
	KeepExisting   Strategy = "KeepExisting"
	UseNew         Strategy = "UseNew"
	Interactive    Strategy = "Interactive"
)

// Strategies lists every strategy in presentation order
var Strategies = []Strategy{HigherPriority, MostRecent, Merge, KeepExisting, UseNew, Interactive}

// ParseStrategy parses a strategy name
func ParseStrategy(s string) (Strategy, error) {
	for _, st := range Strategies {
		if strings.EqualFold(s, string(st)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown conflict strategy %q", s)
}

var descriptions = map[Strategy]string{
	HigherPriority: "Keep the content with the higher priority",
	MostRecent:     "Keep the most recently updated content",
	Merge:          "Keep all content, higher priority entries win per file",
	KeepExisting:   "Keep what is currently installed",
	UseNew:         "Replace with the newly selected content",
	Interactive:    "Ask me",
}

// Option is one way to resolve a conflict
type Option struct {
	Strategy    Strategy `json:"strategy"`
	Description string   `json:"description"`
}

// Source is the conflict view of a content source
type Source struct {
	ID           string
	Name         string
	Priority     int
	UpdatedAt    time.Time
	Claims       []string
	Incompatible []string
	Installed    bool
}

// Conflict is a group of sources claiming the same resource, or a pair of
// sources that cannot coexist
type Conflict struct {
	ID          string   `json:"id"`
	Severity    Severity `json:"severity"`
	Type        Type     `json:"type"`
	Description string   `json:"description"`
	Resource    string   `json:"resource"`
	Paths       []string `json:"paths"`
	Sources     []string `json:"sources"`
	Options     []Option `json:"options"`
}

// Offers reports whether s is one of the conflict's options
func (c Conflict) Offers(s Strategy) bool {
	for _, o := range c.Options {
		if o.Strategy == s {
			return true
		}
	}
	return false
}

// OptionsFor returns the options offered at a severity
func OptionsFor(sev Severity) []Option {
	var list []Strategy
	switch sev {
	case Critical:
		list = []Strategy{Interactive}
	case High:
		list = []Strategy{HigherPriority, MostRecent, Interactive}
	default:
		list = Strategies
	}

	out := make([]Option, 0, len(list))
	for _, s := range list {
		out = append(out, Option{Strategy: s, Description: descriptions[s]})
	}
	return out
}

func isGlob(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}

// Matcher matches archive paths against glob patterns. A pattern without a
// slash matches the base name at any depth.
type Matcher struct {
	globs []matcherGlob
}

type matcherGlob struct {
	g        glob.Glob
	baseOnly bool
}

// NewMatcher compiles patterns
func NewMatcher(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		m.globs = append(m.globs, matcherGlob{g: g, baseOnly: !strings.Contains(p, "/")})
	}
	return m, nil
}

// Match reports whether p matches any pattern
func (m *Matcher) Match(p string) bool {
	if m == nil {
		return false
	}
	base := path.Base(p)
	for _, mg := range m.globs {
		if mg.g.Match(p) || (mg.baseOnly && mg.g.Match(base)) {
			return true
		}
	}
	return false
}

type claim struct {
	key     string
	glob    glob.Glob
	sample  string
	sources map[string]bool
}

// overlaps reports whether two claims can name the same path. Two globs
// overlap when either matches a sample path of the other, which misses
// overlaps that only show up outside the samples.
func (c *claim) overlaps(o *claim) bool {
	switch {
	case c.glob == nil && o.glob == nil:
		return false
	case o.glob == nil:
		return c.glob.Match(o.key)
	case c.glob == nil:
		return o.glob.Match(c.key)
	}
	return c.glob.Match(o.sample) || o.glob.Match(c.sample)
}

// sample builds one concrete path matched by pattern
func sample(pattern string) string {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '*':
			for i+1 < len(pattern) && pattern[i+1] == '*' {
				i++
			}
			b.WriteByte('x')
		case '?':
			b.WriteByte('x')
		case '[':
			j := strings.IndexByte(pattern[i:], ']')
			if j < 0 {
				b.WriteString(pattern[i:])
				return b.String()
			}
			class := pattern[i+1 : i+j]
			switch {
			case class == "" || class[0] == '!':
				b.WriteByte('~')
			default:
				b.WriteByte(class[0])
			}
			i += j
		case '{':
			j := strings.IndexByte(pattern[i:], '}')
			if j < 0 {
				b.WriteString(pattern[i:])
				return b.String()
			}
			alt := pattern[i+1 : i+j]
			if k := strings.IndexByte(alt, ','); k >= 0 {
				alt = alt[:k]
			}
			b.WriteString(sample(alt))
			i += j
		case '\\':
			if i+1 < len(pattern) {
				i++
				b.WriteByte(pattern[i])
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Detect groups the claims of sources by resource. Equal claims of different
// sources, and overlapping claims of different sources, form one group; every
// group with two or more sources is one conflict. A glob overlaps a concrete
// claim it matches and another glob when they share a sample path.
// Declared incompatibilities produce one conflict per pair.
func Detect(sources []Source, loadBearing *Matcher) []Conflict {
	claims := make(map[string]*claim)
	var keys []string

	for _, src := range sources {
		for _, raw := range src.Claims {
			key := normalizeClaim(raw)
			if key == "" {
				continue
			}
			c, ok := claims[key]
			if !ok {
				c = &claim{key: key, sources: make(map[string]bool)}
				if isGlob(key) {
					if g, err := glob.Compile(key, '/'); err == nil {
						c.glob = g
						c.sample = sample(key)
					}
				}
				claims[key] = c
				keys = append(keys, key)
			}
			c.sources[src.ID] = true
		}
	}
	sort.Strings(keys)

	uf := newUnionFind(keys)
	for _, gk := range keys {
		gc := claims[gk]
		if gc.glob == nil {
			continue
		}
		for _, ck := range keys {
			cc := claims[ck]
			if ck == gk || !gc.overlaps(cc) {
				continue
			}
			if differentSources(gc.sources, cc.sources) {
				uf.union(gk, ck)
			}
		}
	}

	groups := make(map[string][]string)
	for _, k := range keys {
		root := uf.find(k)
		groups[root] = append(groups[root], k)
	}

	var out []Conflict
	for _, members := range groups {
		involved := make(map[string]bool)
		for _, k := range members {
			for id := range claims[k].sources {
				involved[id] = true
			}
		}
		if len(involved) < 2 {
			continue
		}

		sort.Strings(members)
		resource := members[0]
		for _, k := range members {
			if claims[k].glob == nil {
				resource = k
				break
			}
		}

		ids := sortedKeys(involved)
		lb := false
		for _, k := range members {
			if loadBearing.Match(k) {
				lb = true
				break
			}
		}
		sev := overwriteSeverity(len(ids), lb)

		desc := fmt.Sprintf("%d selections write %s", len(ids), resource)
		if len(members) > 1 {
			desc = fmt.Sprintf("%d selections write %d overlapping paths under %s", len(ids), len(members), resource)
		}
		if lb {
			desc += " (affects game stability)"
		}

		out = append(out, Conflict{
			ID:          "overwrite:" + resource,
			Severity:    sev,
			Type:        ResourceOverwrite,
			Description: desc,
			Resource:    resource,
			Paths:       members,
			Sources:     ids,
			Options:     OptionsFor(sev),
		})
	}

	out = append(out, incompatible(sources)...)

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Severity != out[j].Severity {
			return out[i].Severity > out[j].Severity
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func incompatible(sources []Source) []Conflict {
	byID := make(map[string]Source, len(sources))
	for _, s := range sources {
		byID[s.ID] = s
	}

	seen := make(map[string]bool)
	var out []Conflict
	for _, s := range sources {
		for _, other := range s.Incompatible {
			o, ok := byID[other]
			if !ok || other == s.ID {
				continue
			}
			a, b := s.ID, other
			if b < a {
				a, b = b, a
			}
			id := "incompatible:" + a + "+" + b
			if seen[id] {
				continue
			}
			seen[id] = true

			out = append(out, Conflict{
				ID:          id,
				Severity:    High,
				Type:        IncompatibleDependency,
				Description: fmt.Sprintf("%s cannot be installed together with %s", displayName(s), displayName(o)),
				Resource:    a + "+" + b,
				Sources:     []string{a, b},
				Options:     OptionsFor(High),
			})
		}
	}
	return out
}

func overwriteSeverity(n int, loadBearing bool) Severity {
	var sev Severity
	switch {
	case n >= 4:
		sev = High
	case n == 3:
		sev = Medium
	default:
		sev = Low
	}
	if loadBearing {
		if n >= 3 {
			return Critical
		}
		sev++
	}
	return sev
}

func normalizeClaim(s string) string {
	return vpk.NormalizePath(strings.TrimSpace(s))
}

func displayName(s Source) string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

func differentSources(a, b map[string]bool) bool {
	for id := range a {
		for other := range b {
			if id != other {
				return true
			}
		}
	}
	return false
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type unionFind struct {
	parent map[string]string
}

func newUnionFind(keys []string) *unionFind {
	uf := &unionFind{parent: make(map[string]string, len(keys))}
	for _, k := range keys {
		uf.parent[k] = k
	}
	return uf
}

func (u *unionFind) find(k string) string {
	for u.parent[k] != k {
		u.parent[k] = u.parent[u.parent[k]]
		k = u.parent[k]
	}
	return k
}

func (u *unionFind) union(a, b string) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if rb < ra {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
}
