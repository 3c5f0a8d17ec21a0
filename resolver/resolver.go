// Copyright 2025 The Pipenv Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package resolver selects one concrete version per package name, satisfying
every specifier, marker and extras constraint, or fails with a structured
conflict explanation.

The algorithm is a backtracking constraint solver in the mould of pip's
vendored resolvelib: the working state is an explicit stack of (pins,
criteria) snapshots rather than recursion, so backtracking is popping states,
cancellation is a loop check, and the requirement chains needed for conflict
explanations are already first-class data. Requirements carrying an exact
reference (VCS, path, URL) have exactly one candidate and are pinned before
the general search begins.

The solver itself is single-threaded; it suspends only inside the candidate
provider, whose fetches may be concurrent.
*/
package resolver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/golang/groupcache/lru"
	"go.uber.org/zap"

	"github.com/pypa/pipenv-sub002/index"
	"github.com/pypa/pipenv-sub002/marker"
	"github.com/pypa/pipenv-sub002/requirement"
)

// RefResolver turns an exact reference into its single fixed candidate, for
// example by looking up a VCS revision. Implementations live outside this
// package; see the vcs package.
type RefResolver interface {
	ResolveRef(ctx context.Context, req requirement.Requirement) (index.Candidate, error)
}

// Options configures one resolution run. The zero value is usable.
type Options struct {
	// AllowPrereleases admits pre-release versions globally. Individual
	// requirements may override this in either direction.
	AllowPrereleases bool
	// Environments are the marker environments to lock for. A requirement
	// whose marker fails in every environment is dropped. Empty means the
	// default environment.
	Environments []marker.Environment
	// RefResolver resolves exact references. Required only when the input
	// contains VCS, path or URL requirements.
	RefResolver RefResolver
	// MaxRounds bounds the solving loop; zero means the pip-compatible
	// default of 200000 iterations.
	MaxRounds int
	// Logger receives solver trace events. Nil disables logging.
	Logger *zap.Logger
}

// Resolution is a successful assignment of candidates to package names.
type Resolution struct {
	// Candidates maps each canonical package name to its selected
	// candidate. Every decided package appears exactly once.
	Candidates map[string]index.Candidate
	// Extras records the extras activated per package, sorted.
	Extras map[string][]string
	// Markers records, per package, the marker expression under which the
	// package is needed, or "" when it is needed unconditionally.
	Markers map[string]string
	// Warnings carries the non-fatal source failures seen while fetching.
	Warnings []index.Warning
}

// ErrTooDeep is returned when the solving loop exceeds its round budget.
var ErrTooDeep = errors.New("resolution aborted after too many rounds")

// prefetcher is implemented by providers able to warm their caches
// concurrently.
type prefetcher interface {
	Prefetch(ctx context.Context, reqs []requirement.Requirement)
}

// Resolver runs resolutions against a candidate provider. The parsed marker
// cache is shared across runs; all per-run state lives on the stack of the
// Resolve call.
type Resolver struct {
	provider index.Provider
	opts     Options
	markers  *lru.Cache
	log      *zap.Logger
}

// New creates a Resolver.
func New(provider index.Provider, opts Options) *Resolver {
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = 200000
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		provider: provider,
		opts:     opts,
		markers:  lru.New(10000),
		log:      log,
	}
}

// parseMarker parses with a small cache; dependency metadata repeats the same
// marker strings constantly.
func (r *Resolver) parseMarker(raw string) (*marker.Marker, error) {
	if v, ok := r.markers.Get(raw); ok {
		return v.(*marker.Marker), nil
	}
	m, err := marker.Parse(raw)
	if err != nil {
		return nil, err
	}
	r.markers.Add(raw, m)
	return m, nil
}

// Resolve finds a satisfying assignment for the given requirements. On
// failure it returns a *ConflictError carrying the causal chains, or ctx's
// error if the run was cancelled. The returned Resolution is independent of
// the resolver and safe to retain.
func (r *Resolver) Resolve(ctx context.Context, reqs []requirement.Requirement) (*Resolution, error) {
	ru := &run{
		r:             r,
		userRequested: make(map[string]int, len(reqs)),
		refCandidates: make(map[string]index.Candidate),
	}
	for i, req := range reqs {
		if _, ok := ru.userRequested[req.Name]; !ok {
			ru.userRequested[req.Name] = i
		}
	}

	st, err := ru.solve(ctx, reqs, r.opts.MaxRounds)
	if err != nil {
		return nil, err
	}
	return ru.result(st)
}

// run is the state of one Resolve call.
type run struct {
	r *Resolver
	// states is a stack of solver states with the current one at the end.
	// Each state is a consistent snapshot to backtrack to.
	states []*state
	// userRequested holds the input order of the top-level requirements,
	// used to prioritize direct dependencies.
	userRequested map[string]int
	// refCandidates caches resolved exact references by package name.
	refCandidates map[string]index.Candidate
}

// state is one snapshot of the search: the pinned candidates, the accumulated
// criteria and the extras already expanded for each pin. Pushing a state is
// the decision point; popping it is the backtrack.
type state struct {
	pins     *pinMap
	criteria *criteria
	// expanded maps a pinned package to the extras key its dependencies
	// were expanded with. A pin whose criterion has since gained extras
	// is re-expanded without re-selection.
	expanded map[string]string
}

func (s *state) clone() *state {
	expanded := make(map[string]string, len(s.expanded))
	for k, v := range s.expanded {
		expanded[k] = v
	}
	return &state{
		pins:     s.pins.Clone(),
		criteria: s.criteria.Copy(),
		expanded: expanded,
	}
}

func (ru *run) state() *state {
	if len(ru.states) == 0 {
		return nil
	}
	return ru.states[len(ru.states)-1]
}

func (ru *run) pushNewState() {
	ru.states = append(ru.states, ru.state().clone())
}

// allowPre reports whether pre-release versions are admitted for the
// requirement: the per-package override wins, then the run-level policy.
func (ru *run) allowPre(req requirement.Requirement) bool {
	if req.AllowPrereleases != nil {
		return *req.AllowPrereleases
	}
	return ru.r.opts.AllowPrereleases
}

// resolveRef produces the fixed candidate for an exact reference, caching per
// package name.
func (ru *run) resolveRef(ctx context.Context, req requirement.Requirement) (index.Candidate, error) {
	if c, ok := ru.refCandidates[req.Name]; ok {
		return c, nil
	}
	if ru.r.opts.RefResolver == nil {
		return index.Candidate{}, fmt.Errorf("%s: no resolver configured for %s references", req.Name, req.Ref.Kind)
	}
	c, err := ru.r.opts.RefResolver.ResolveRef(ctx, req)
	if err != nil {
		return index.Candidate{}, fmt.Errorf("resolving %s reference for %s: %w", req.Ref.Kind, req.Name, err)
	}
	ru.refCandidates[req.Name] = c
	return c, nil
}

// matches returns the candidates satisfying the requirement in ascending
// version order. Stable releases are preferred: pre-releases appear only when
// the policy admits them or no stable version satisfies the specifier.
func (ru *run) matches(ctx context.Context, req requirement.Requirement) ([]index.Candidate, error) {
	if req.IsPinned() {
		c, err := ru.resolveRef(ctx, req)
		if err != nil {
			return nil, err
		}
		return []index.Candidate{c}, nil
	}
	stable, err := ru.r.provider.Matching(ctx, req)
	if err != nil {
		return nil, err
	}
	if !ru.allowPre(req) && len(stable) > 0 {
		return stable, nil
	}
	all, err := ru.r.provider.Versions(ctx, req)
	if err != nil {
		// The stable set was already obtained; don't fail the run over
		// the wider one.
		return stable, nil
	}
	full := matchingWithPrereleases(all, req)
	if len(full) > 0 {
		return full, nil
	}
	return stable, nil
}

// matchesWith is matches with the pre-release policy forced on, used when
// another requirement on the same package already admitted pre-releases.
func (ru *run) matchesWith(ctx context.Context, req requirement.Requirement, pre bool) ([]index.Candidate, error) {
	if !pre || req.IsPinned() {
		return ru.matches(ctx, req)
	}
	all, err := ru.r.provider.Versions(ctx, req)
	if err != nil {
		return nil, err
	}
	return matchingWithPrereleases(all, req), nil
}

func matchingWithPrereleases(all []index.Candidate, req requirement.Requirement) []index.Candidate {
	var out []index.Candidate
	for _, c := range all {
		if req.Matches(c.Version, true) {
			out = append(out, c)
		}
	}
	return out
}

// findMatches computes the candidates satisfying every cause on a package, in
// ascending version order. When several causes are present and any of them
// admits pre-releases, every cause is re-matched with pre-releases included
// before intersecting, so one cause's stable-only list cannot veto another
// cause's pre-release pin. An empty stable intersection gets one pre-release
// retry: pre-releases are only skipped while a stable version satisfies the
// whole merged constraint.
func (ru *run) findMatches(ctx context.Context, name string, causes []cause, incompatible map[string]bool) ([]index.Candidate, error) {
	anyPre := false
	if len(causes) > 1 {
		for _, cs := range causes {
			if ru.allowPre(cs.req) || cs.req.AdmitsPrereleases() {
				anyPre = true
				break
			}
		}
	}
	matches, err := ru.intersection(ctx, causes, incompatible, anyPre)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 && !anyPre && len(causes) > 1 {
		matches, err = ru.intersection(ctx, causes, incompatible, true)
		if err != nil {
			return nil, err
		}
	}
	if len(matches) == 0 {
		return nil, conflictError{name: name, causes: causes}
	}
	return matches, nil
}

// intersection matches each cause under one pre-release policy and intersects
// the results, with known-incompatible versions removed.
func (ru *run) intersection(ctx context.Context, causes []cause, incompatible map[string]bool, pre bool) ([]index.Candidate, error) {
	first, err := ru.matchesWith(ctx, causes[0].req, pre)
	if err != nil {
		return nil, err
	}
	matches := make([]index.Candidate, 0, len(first))
	for _, c := range first {
		if !incompatible[c.Version] {
			matches = append(matches, c)
		}
	}
	if len(matches) == 0 {
		return nil, conflictError{
			name:         causes[0].req.Name,
			noCandidates: true,
			causes:       causes[:1],
		}
	}
	for _, cs := range causes[1:] {
		mvs, err := ru.matchesWith(ctx, cs.req, pre)
		if err != nil {
			return nil, err
		}
		matches = intersectCandidates(matches, mvs)
	}
	return matches, nil
}

// intersectCandidates keeps only candidates present in both slices, comparing
// by version. Both inputs are sorted ascending; a may be mutated.
func intersectCandidates(a, b []index.Candidate) []index.Candidate {
	w := 0
	for _, av := range a {
		found := false
		for i, bv := range b {
			if av.Version == bv.Version {
				b = b[i+1:]
				found = true
				break
			}
		}
		if found {
			a[w] = av
			w++
		}
	}
	return a[:w]
}

// mergeIntoCriterion inserts a new requirement with its provenance into the
// current criteria, recomputing the candidate intersection. It does not
// modify the current state; the updated criterion is returned for the caller
// to commit. An empty intersection is a conflict.
func (ru *run) mergeIntoCriterion(ctx context.Context, cs cause) (string, criterion, error) {
	name := cs.req.Name
	crit, _ := ru.state().criteria.Get(name)
	// The same requirement from the same parent merges to nothing new.
	for i := range crit.causes {
		old := crit.causes[i]
		if old.parent == cs.parent && old.req.String() == cs.req.String() {
			return name, crit, nil
		}
	}
	// The causes slice is shared between state snapshots; never append in
	// place.
	causes := make([]cause, len(crit.causes)+1)
	copy(causes, crit.causes)
	causes[len(crit.causes)] = cs

	var candidates []index.Candidate
	if ref, ok := crit.pinnedRef(); ok {
		// An exact reference is fixed; later specifiers don't narrow it.
		candidates = []index.Candidate{ref}
	} else if cs.req.IsPinned() {
		c, err := ru.resolveRef(ctx, cs.req)
		if err != nil {
			return "", criterion{}, err
		}
		candidates = []index.Candidate{c}
	} else {
		ms, err := ru.findMatches(ctx, name, causes, crit.incompatible)
		if err != nil {
			return "", criterion{}, err
		}
		candidates = ms
	}

	newCrit := crit.copy()
	newCrit.causes = causes
	newCrit.candidates = candidates
	for _, e := range cs.req.Extras {
		newCrit.extras[e] = true
	}
	return name, newCrit, nil
}

// isSatisfied reports whether the current pin for the criterion's package,
// if any, remains a viable candidate with all requested extras expanded.
func (ru *run) isSatisfied(name string, crit criterion) bool {
	s := ru.state()
	pin, ok := s.pins.Get(name)
	if !ok {
		return false
	}
	if s.expanded[name] != extrasKey(crit.extras) {
		// An extra was activated after the pin; its requirements still
		// need expanding, though the pin itself may survive.
		return false
	}
	for _, c := range crit.candidates {
		if c.Version == pin.Version {
			return true
		}
	}
	return false
}

// expand collects the criteria updates for a candidate's dependencies,
// filtered by marker evaluation under the active extras and target
// environments. The current state is left untouched.
func (ru *run) expand(ctx context.Context, cand index.Candidate, extras map[string]bool) (map[string]criterion, error) {
	deps, err := ru.r.provider.Requires(ctx, cand)
	if err != nil {
		return nil, err
	}
	parent := cand.Key()
	var live []requirement.Requirement
	for _, d := range deps {
		if d.Marker != "" {
			m, err := ru.r.parseMarker(d.Marker)
			if err != nil {
				return nil, fmt.Errorf("dependency %q of %s: %w", d.String(), parent, err)
			}
			if !m.EvalAny(ru.r.opts.Environments, extras) {
				continue
			}
		}
		live = append(live, d)
	}
	if p, ok := ru.r.provider.(prefetcher); ok && len(live) > 1 {
		// Warm the caches for sibling dependencies while the solver
		// works through them one at a time.
		go p.Prefetch(ctx, live)
	}
	updates := make(map[string]criterion)
	for _, d := range live {
		name, crit, err := ru.mergeIntoCriterion(ctx, cause{req: d, parent: parent, parentName: cand.Name})
		if err != nil {
			return nil, err
		}
		updates[name] = crit
	}
	return updates, nil
}

// preferenceKey orders the unsatisfied criteria: packages under the tightest
// constraints are attempted first, then direct dependencies in declaration
// order, then alphabetically for determinism.
type preferenceKey struct {
	restrictive int
	order       int
	name        string
}

func (a preferenceKey) less(b preferenceKey) bool {
	if a.restrictive != b.restrictive {
		return a.restrictive < b.restrictive
	}
	if a.order != b.order {
		return a.order < b.order
	}
	return a.name < b.name
}

func (ru *run) preference(name string) preferenceKey {
	key := preferenceKey{name: name, restrictive: 3}
	crit, _ := ru.state().criteria.Get(name)
	if _, ok := crit.pinnedRef(); ok {
		key.restrictive = 0
	} else {
		for _, cs := range crit.causes {
			if strings.Contains(cs.req.Constraint, "==") {
				key.restrictive = 1
				break
			}
			if cs.req.Constraint != "" {
				key.restrictive = 2
				break
			}
		}
	}
	key.order = math.MaxInt32
	if i, ok := ru.userRequested[name]; ok {
		key.order = i
	}
	return key
}

// attemptToPin tries the criterion's candidates until one's dependencies can
// be merged without conflict. The current pin, when still viable, is tried
// first so an already-decided version is kept stable; otherwise candidates
// are attempted newest-first. The returned conflicts are the causes for
// backtracking; a nil slice means a pin was committed.
func (ru *run) attemptToPin(ctx context.Context, name string) ([]conflictError, error) {
	s := ru.state()
	crit, _ := s.criteria.Get(name)

	order := make([]index.Candidate, 0, len(crit.candidates))
	if pin, ok := s.pins.Get(name); ok {
		for _, c := range crit.candidates {
			if c.Version == pin.Version {
				order = append(order, c)
				break
			}
		}
	}
	for i := len(crit.candidates) - 1; i >= 0; i-- {
		c := crit.candidates[i]
		if len(order) > 0 && order[0].Version == c.Version {
			continue
		}
		order = append(order, c)
	}

	var causes []conflictError
	for _, candidate := range order {
		updates, err := ru.expand(ctx, candidate, crit.extras)
		if err != nil {
			var ce conflictError
			if errors.As(err, &ce) {
				// This candidate's dependencies conflict with the
				// requirements gathered so far; try the next one.
				ru.r.log.Debug("candidate rejected",
					zap.String("candidate", candidate.Key()),
					zap.String("conflict", ce.Error()))
				causes = append(causes, ce)
				continue
			}
			return nil, err
		}
		s.pins.Set(name, candidate)
		for n, c := range updates {
			s.criteria.Put(n, c)
		}
		s.expanded[name] = extrasKey(crit.extras)
		ru.r.log.Debug("pinned", zap.String("candidate", candidate.Key()))
		return nil, nil
	}
	return causes, nil
}

// backtrack unwinds the state stack to the most recent point where ruling out
// the failing pin leaves every affected criterion with at least one
// candidate. It reports false when every alternative is exhausted.
func (ru *run) backtrack(ctx context.Context) (bool, error) {
	for len(ru.states) >= 3 {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		// Remove the state that triggered backtracking; the one now on
		// top holds the pin that caused the trouble. Re-create it
		// without that pin.
		ru.states = ru.states[:len(ru.states)-1]
		broken := ru.state()
		ru.states = ru.states[:len(ru.states)-1]
		name, candidate := broken.pins.Pop()
		ru.r.log.Debug("backtracking",
			zap.String("candidate", candidate.Key()))

		type incompat struct {
			name     string
			versions map[string]bool
		}
		var incompats []incompat
		for _, pair := range *broken.criteria {
			incompats = append(incompats, incompat{
				name:     pair.name,
				versions: pair.crit.incompatible,
			})
		}
		// Record the newly discovered bad version.
		incompats = append(incompats, incompat{
			name:     name,
			versions: map[string]bool{candidate.Version: true},
		})

		ru.pushNewState()
		ok := true
		for _, inc := range incompats {
			if len(inc.versions) == 0 {
				continue
			}
			crit, found := ru.state().criteria.Get(inc.name)
			if !found {
				continue
			}
			all := make(map[string]bool, len(inc.versions)+len(crit.incompatible))
			for v := range inc.versions {
				all[v] = true
			}
			for v := range crit.incompatible {
				all[v] = true
			}
			var remaining []index.Candidate
			for _, c := range crit.candidates {
				if !all[c.Version] {
					remaining = append(remaining, c)
				}
			}
			if len(remaining) == 0 {
				ok = false
				break
			}
			newCrit := crit.copy()
			newCrit.incompatible = all
			newCrit.candidates = remaining
			ru.state().criteria.Put(inc.name, newCrit)
		}
		if ok {
			return true, nil
		}
		// This level cannot absorb the new incompatibilities; keep
		// unwinding.
		ru.states = ru.states[:len(ru.states)-1]
	}
	return false, nil
}

// solve runs the main loop for at most maxRounds iterations.
func (ru *run) solve(ctx context.Context, reqs []requirement.Requirement, maxRounds int) (*state, error) {
	if len(ru.states) != 0 {
		return nil, errors.New("already resolved")
	}
	ru.states = []*state{{
		pins:     newPinMap(len(reqs)),
		criteria: newCriteria(),
		expanded: make(map[string]string),
	}}

	// Build the initial criteria from the top-level requirements.
	st := ru.state()
	for _, req := range reqs {
		name, crit, err := ru.mergeIntoCriterion(ctx, cause{req: req})
		if err != nil {
			var ce conflictError
			if errors.As(err, &ce) {
				return nil, export(ce)
			}
			return nil, err
		}
		st.criteria.Put(name, crit)
	}
	// Keep a copy of the first state so there is always something to
	// backtrack to.
	ru.pushNewState()

	var unsatisfied []string
	for i := 0; i < maxRounds; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st := ru.state()
		unsatisfied = unsatisfied[:0]
		for _, pair := range *st.criteria {
			if !ru.isSatisfied(pair.name, pair.crit) {
				unsatisfied = append(unsatisfied, pair.name)
			}
		}
		if len(unsatisfied) == 0 {
			return st, nil
		}

		// Address the most constrained criterion first.
		minName := unsatisfied[0]
		min := ru.preference(minName)
		for _, name := range unsatisfied[1:] {
			if key := ru.preference(name); key.less(min) {
				minName, min = name, key
			}
		}
		failures, err := ru.attemptToPin(ctx, minName)
		if err != nil {
			return nil, err
		}
		if len(failures) == 0 {
			// The pin worked. Backtracking manages the stack itself,
			// so only push on success.
			ru.pushNewState()
			continue
		}
		if ok, err := ru.backtrack(ctx); err != nil {
			return nil, err
		} else if !ok {
			return nil, export(failures...)
		}
	}
	return nil, ErrTooDeep
}

// result converts the final state into a Resolution, dropping any pins that
// are no longer reachable from the top-level requirements. Backtracking does
// not always clean up pins that forced downgrades elsewhere, so reachability
// is recomputed here.
func (ru *run) result(st *state) (*Resolution, error) {
	res := &Resolution{
		Candidates: make(map[string]index.Candidate),
		Extras:     make(map[string][]string),
		Markers:    make(map[string]string),
		Warnings:   ru.r.provider.Warnings(),
	}
	connected := make(map[string]int) // 0 unknown, 1 visiting, 2 connected, 3 dead
	var reach func(name string) bool
	reach = func(name string) bool {
		switch connected[name] {
		case 2:
			return true
		case 1, 3:
			return false
		}
		connected[name] = 1
		crit, ok := st.criteria.Get(name)
		if !ok {
			connected[name] = 3
			return false
		}
		for _, cs := range crit.causes {
			if cs.parent == "" {
				connected[name] = 2
				return true
			}
			parentPin, ok := st.pins.Get(cs.parentName)
			if !ok || parentPin.Key() != cs.parent {
				continue
			}
			if reach(cs.parentName) {
				connected[name] = 2
				return true
			}
		}
		connected[name] = 3
		return false
	}

	st.pins.Iterate(func(name string, c index.Candidate) {
		// Reset dead-end memos between roots: a "dead" verdict may
		// only reflect the path, not the node.
		for n, v := range connected {
			if v == 1 || v == 3 {
				delete(connected, n)
			}
		}
		if !reach(name) {
			return
		}
		res.Candidates[name] = c
		crit, _ := st.criteria.Get(name)
		if len(crit.extras) > 0 {
			extras := make([]string, 0, len(crit.extras))
			for e := range crit.extras {
				extras = append(extras, e)
			}
			sort.Strings(extras)
			res.Extras[name] = extras
		}
		res.Markers[name] = ru.combinedMarker(st, crit.causes)
	})
	return res, nil
}

// combinedMarker derives the marker to record for a locked package: when
// every requirement path to the package is conditional, the conditions are
// joined with "or"; any unconditional path means the package is always
// needed. Causes whose imposing candidate was backtracked away no longer
// apply and are skipped. Markers guarded on an extra count as unconditional,
// since the extra was decided during this resolution and has no meaning at
// install time.
func (ru *run) combinedMarker(st *state, causes []cause) string {
	var parts []string
	seen := make(map[string]bool)
	for _, cs := range causes {
		if cs.parent != "" {
			parentPin, ok := st.pins.Get(cs.parentName)
			if !ok || parentPin.Key() != cs.parent {
				continue
			}
		}
		if cs.req.Marker == "" {
			return ""
		}
		if m, err := ru.r.parseMarker(cs.req.Marker); err == nil && len(m.Extras()) > 0 {
			return ""
		}
		if !seen[cs.req.Marker] {
			seen[cs.req.Marker] = true
			parts = append(parts, cs.req.Marker)
		}
	}
	if len(parts) == 1 {
		return parts[0]
	}
	sort.Strings(parts)
	for i, p := range parts {
		parts[i] = "(" + p + ")"
	}
	return strings.Join(parts, " or ")
}
