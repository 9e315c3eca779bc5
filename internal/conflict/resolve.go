package conflict

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bnema/ardysactl/internal/errs"
)

// ResolvedClaim is the outcome of resolving one conflict
type ResolvedClaim struct {
	ConflictID string   `json:"conflict_id"`
	Type       Type     `json:"type"`
	Strategy   Strategy `json:"strategy"`
	Paths      []string `json:"paths"`
	// Involved lists every source of the conflict
	Involved []string `json:"involved"`
	// Winners may write the resource; the rest of Involved may not
	Winners []string `json:"winners"`
}

// Excluded returns the involved sources that lost
func (r ResolvedClaim) Excluded() []string {
	win := make(map[string]bool, len(r.Winners))
	for _, w := range r.Winners {
		win[w] = true
	}
	var out []string
	for _, id := range r.Involved {
		if !win[id] {
			out = append(out, id)
		}
	}
	return out
}

// Decider supplies an interactive choice for a conflict
type Decider interface {
	Decide(ctx context.Context, c Conflict) (Option, error)
}

// DeciderFunc adapts a function to Decider
type DeciderFunc func(ctx context.Context, c Conflict) (Option, error)

func (f DeciderFunc) Decide(ctx context.Context, c Conflict) (Option, error) {
	return f(ctx, c)
}

// Resolve applies a non-interactive option to c. sources must contain every
// source of the conflict.
func Resolve(c Conflict, opt Option, sources []Source) (ResolvedClaim, error) {
	if !c.Offers(opt.Strategy) {
		return ResolvedClaim{}, fmt.Errorf("%w: %s is not offered for %s", errs.ErrConflictUnresolved, opt.Strategy, c.ID)
	}
	if opt.Strategy == Interactive {
		return ResolvedClaim{}, fmt.Errorf("%w: %s needs a decision", errs.ErrConflictUnresolved, c.ID)
	}

	involved := make([]Source, 0, len(c.Sources))
	byID := make(map[string]Source, len(sources))
	for _, s := range sources {
		byID[s.ID] = s
	}
	for _, id := range c.Sources {
		s, ok := byID[id]
		if !ok {
			return ResolvedClaim{}, fmt.Errorf("%w: unknown source %s in %s", errs.ErrConflictUnresolved, id, c.ID)
		}
		involved = append(involved, s)
	}
	sort.Slice(involved, func(i, j int) bool { return involved[i].ID < involved[j].ID })

	res := ResolvedClaim{
		ConflictID: c.ID,
		Type:       c.Type,
		Strategy:   opt.Strategy,
		Paths:      c.Paths,
		Involved:   append([]string(nil), c.Sources...),
	}

	switch opt.Strategy {
	case HigherPriority:
		res.Winners = []string{pick(involved, byPriority).ID}
	case MostRecent:
		res.Winners = []string{pick(involved, byRecency).ID}
	case Merge:
		ordered := append([]Source(nil), involved...)
		sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })
		for _, s := range ordered {
			res.Winners = append(res.Winners, s.ID)
		}
	case KeepExisting:
		installed := filter(involved, func(s Source) bool { return s.Installed })
		if len(installed) > 0 {
			res.Winners = []string{pick(installed, byPriority).ID}
		} else {
			res.Winners = []string{pick(involved, byLowestPriority).ID}
		}
	case UseNew:
		fresh := filter(involved, func(s Source) bool { return !s.Installed })
		if len(fresh) == 0 {
			fresh = involved
		}
		res.Winners = []string{pick(fresh, byPriority).ID}
	default:
		return ResolvedClaim{}, fmt.Errorf("%w: unknown strategy %q", errs.ErrConflictUnresolved, opt.Strategy)
	}
	return res, nil
}

// Policy controls ResolveAll
type Policy struct {
	Strategy Strategy
	Decider  Decider
	// Timeout bounds each interactive decision
	Timeout time.Duration
}

// ResolveAll resolves every conflict. When the policy strategy is not offered
// for a conflict the decider is asked. Without a decider the conflict stays
// unresolved; a decision that does not arrive in time cancels the resolution.
func ResolveAll(ctx context.Context, conflicts []Conflict, sources []Source, policy Policy) ([]ResolvedClaim, error) {
	out := make([]ResolvedClaim, 0, len(conflicts))
	for _, c := range conflicts {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrCancelled, err)
		}

		opt := Option{Strategy: policy.Strategy}
		if !c.Offers(policy.Strategy) || policy.Strategy == Interactive {
			decided, err := decide(ctx, c, policy)
			if err != nil {
				return nil, err
			}
			opt = decided
		}

		r, err := Resolve(c, opt, sources)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func decide(ctx context.Context, c Conflict, policy Policy) (Option, error) {
	if policy.Decider == nil {
		return Option{}, fmt.Errorf("%w: %s: no one to ask", errs.ErrConflictUnresolved, c.ID)
	}

	timeout := policy.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type answer struct {
		opt Option
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		opt, err := policy.Decider.Decide(dctx, c)
		ch <- answer{opt, err}
	}()

	select {
	case <-dctx.Done():
		return Option{}, fmt.Errorf("%w: %s: %w: no decision received", errs.ErrConflictUnresolved, c.ID, errs.ErrCancelled)
	case a := <-ch:
		if a.err != nil {
			if errors.Is(a.err, context.Canceled) || errors.Is(a.err, context.DeadlineExceeded) || errs.IsCancelled(a.err) {
				return Option{}, fmt.Errorf("%w: %s: %w", errs.ErrConflictUnresolved, c.ID, errs.ErrCancelled)
			}
			return Option{}, fmt.Errorf("%w: %s: %v", errs.ErrConflictUnresolved, c.ID, a.err)
		}
		if a.opt.Strategy == Interactive {
			return Option{}, fmt.Errorf("%w: %s: decision must name a strategy", errs.ErrConflictUnresolved, c.ID)
		}
		return a.opt, nil
	}
}

type less func(a, b Source) bool

func byPriority(a, b Source) bool      { return a.Priority > b.Priority }
func byLowestPriority(a, b Source) bool { return a.Priority < b.Priority }
func byRecency(a, b Source) bool       { return a.UpdatedAt.After(b.UpdatedAt) }

// pick returns the best source by better; ties go to the smallest id.
// list must be sorted by id.
func pick(list []Source, better less) Source {
	best := list[0]
	for _, s := range list[1:] {
		if better(s, best) {
			best = s
		}
	}
	return best
}

func filter(list []Source, keep func(Source) bool) []Source {
	var out []Source
	for _, s := range list {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}
