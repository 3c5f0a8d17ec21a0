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

package resolver

import (
	"sort"
	"strings"

	"github.com/pypa/pipenv-sub002/index"
	"github.com/pypa/pipenv-sub002/requirement"
)

// cause is one requirement on a package together with the decision that
// imposed it. An empty parent means a top-level declaration. The chain of
// causes is what conflict explanations are built from.
type cause struct {
	req requirement.Requirement
	// parent is the "name==version" of the candidate whose dependencies
	// imposed req, or "" for a top-level requirement.
	parent string
	// parentName is the package name of the parent, for conflict
	// reporting.
	parentName string
}

// criterion captures everything known about one package: the accumulated
// requirements with their provenance, the requested extras, the versions
// known not to work, and the candidates that may still work. Candidates only
// ever shrink as requirements accumulate and backtracking rules versions out;
// incompatibilities grow correspondingly.
type criterion struct {
	// causes may be shared between criterion values on the state stack
	// and must not be mutated in place.
	causes []cause
	// extras is the union of all extras requested across causes.
	extras map[string]bool
	// incompatible holds versions discovered not to work, keyed by
	// version string.
	incompatible map[string]bool
	// candidates holds the remaining viable candidates in ascending
	// version order.
	candidates []index.Candidate
}

// pinnedRef returns the exact-reference candidate in this criterion, if any.
// A ref candidate is fixed and exempt from specifier intersection.
func (c criterion) pinnedRef() (index.Candidate, bool) {
	for _, cand := range c.candidates {
		if cand.Ref != nil {
			return cand, true
		}
	}
	return index.Candidate{}, false
}

// copy clones the criterion. The causes and candidates slices are reused; the
// maps are copied since they are mutated during backtracking.
func (c criterion) copy() criterion {
	extras := make(map[string]bool, len(c.extras))
	for k, v := range c.extras {
		extras[k] = v
	}
	incompatible := make(map[string]bool, len(c.incompatible))
	for k, v := range c.incompatible {
		incompatible[k] = v
	}
	return criterion{
		causes:       c.causes,
		extras:       extras,
		incompatible: incompatible,
		candidates:   c.candidates,
	}
}

// extrasKey is a canonical string form of an extras set, used to record which
// extras have been expanded for a pinned candidate.
func extrasKey(extras map[string]bool) string {
	if len(extras) == 0 {
		return ""
	}
	keys := make([]string, 0, len(extras))
	for k := range extras {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

// criteria is an ordered collection of criterion values keyed by package
// name. It is kept sorted so copies and lookups are cheap and iteration is
// deterministic.
type criteria []criterionPair

type criterionPair struct {
	name string
	crit criterion
}

func newCriteria() *criteria {
	c := criteria([]criterionPair{})
	return &c
}

func (c *criteria) Copy() *criteria {
	d := make(criteria, len(*c))
	copy(d, *c)
	return &d
}

func (c *criteria) Put(name string, crit criterion) {
	cs := *c
	i := sort.Search(len(cs), func(i int) bool {
		return cs[i].name >= name
	})
	switch {
	case i < len(cs) && cs[i].name == name:
		cs[i].crit = crit
	case i < len(cs):
		cs = append(cs[:i+1], cs[i:]...)
		cs[i] = criterionPair{name: name, crit: crit}
	default:
		cs = append(cs, criterionPair{name: name, crit: crit})
	}
	*c = cs
}

func (c criteria) Get(name string) (criterion, bool) {
	i := sort.Search(len(c), func(i int) bool {
		return c[i].name >= name
	})
	if i < len(c) && c[i].name == name {
		return c[i].crit, true
	}
	return criterion{}, false
}
