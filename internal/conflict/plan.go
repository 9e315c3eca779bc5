package conflict

import (
	"github.com/gobwas/glob"

	"github.com/bnema/ardysactl/internal/vpk"
)

// Plan turns resolved claims into per-source write filters for a merge
type Plan struct {
	// Exclude holds sources dropped entirely
	Exclude map[string]bool
	blocked map[string][]pathRule
}

type pathRule struct {
	exact string
	glob  glob.Glob
}

func (r pathRule) match(p string) bool {
	if r.glob != nil {
		return r.glob.Match(p)
	}
	return r.exact == p
}

// NewPlan builds a plan. Losers of an incompatibility are excluded; losers of
// an overwrite may not write the contested paths.
func NewPlan(resolved []ResolvedClaim) *Plan {
	p := &Plan{
		Exclude: make(map[string]bool),
		blocked: make(map[string][]pathRule),
	}
	for _, r := range resolved {
		losers := r.Excluded()
		if r.Type == IncompatibleDependency {
			for _, id := range losers {
				p.Exclude[id] = true
			}
			continue
		}

		var rules []pathRule
		for _, raw := range r.Paths {
			key := normalizeClaim(raw)
			rule := pathRule{exact: key}
			if isGlob(key) {
				if g, err := glob.Compile(key, '/'); err == nil {
					rule.glob = g
				}
			}
			rules = append(rules, rule)
		}
		for _, id := range losers {
			p.blocked[id] = append(p.blocked[id], rules...)
		}
	}
	return p
}

// Allow reports whether source id may write archive path p
func (p *Plan) Allow(id, path string) bool {
	if p == nil {
		return true
	}
	if p.Exclude[id] {
		return false
	}
	rules := p.blocked[id]
	if len(rules) == 0 {
		return true
	}
	path = vpk.NormalizePath(path)
	for _, r := range rules {
		if r.match(path) {
			return false
		}
	}
	return true
}
