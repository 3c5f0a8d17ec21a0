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
	"fmt"
	"sort"
	"strings"

	"github.com/pypa/pipenv-sub002/requirement"
)

// Cause is one link in the chain of requirements behind a conflict: a
// requirement and the package (if any) whose selected version imposed it.
type Cause struct {
	Requirement requirement.Requirement
	// RequiredBy is the "name==version" of the candidate that imposed the
	// requirement, or empty for a top-level declaration.
	RequiredBy string
}

func (c Cause) String() string {
	by := "the project"
	if c.RequiredBy != "" {
		by = c.RequiredBy
	}
	return fmt.Sprintf("%s (required by %s)", c.Requirement, by)
}

// Conflict describes one unsatisfiable package: the requirements that cannot
// be met simultaneously, with their provenance.
type Conflict struct {
	// Package is the canonical name of the package the requirements
	// disagree about.
	Package string
	// NoCandidates is set when the package offers no candidates at all
	// for the first requirement, as opposed to an empty intersection.
	NoCandidates bool
	// Causes are the requirements involved, in the order they were
	// discovered.
	Causes []Cause
}

func (c Conflict) String() string {
	var sb strings.Builder
	if c.NoCandidates {
		fmt.Fprintf(&sb, "no versions of %s at all for:", c.Package)
	} else {
		fmt.Fprintf(&sb, "incompatible requirements on %s:", c.Package)
	}
	for _, cause := range c.Causes {
		sb.WriteString("\n  ")
		sb.WriteString(cause.String())
	}
	return sb.String()
}

// ConflictError is returned when no satisfying assignment exists. It carries
// the full causal structure so callers can render their own explanation; the
// Error text is a readable default.
type ConflictError struct {
	Conflicts []Conflict
}

func (e *ConflictError) Error() string {
	var sb strings.Builder
	sb.WriteString("resolution impossible:")
	for _, c := range e.Conflicts {
		sb.WriteString("\n")
		sb.WriteString(c.String())
	}
	return sb.String()
}

// Involved returns the sorted set of package names that participate in the
// conflict: the contested packages, every package whose selection imposed a
// constraint, and the top-level requirement names.
func (e *ConflictError) Involved() []string {
	set := make(map[string]bool)
	for _, c := range e.Conflicts {
		set[c.Package] = true
		for _, cause := range c.Causes {
			if cause.RequiredBy == "" {
				continue
			}
			name, _, _ := strings.Cut(cause.RequiredBy, "==")
			set[name] = true
		}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// conflictError is the internal signal that a set of requirements on one
// package cannot be satisfied. It drives backtracking and is only converted
// to the exported ConflictError when every alternative is exhausted.
type conflictError struct {
	name         string
	noCandidates bool
	causes       []cause
}

func (e conflictError) Error() string {
	reqs := make([]string, len(e.causes))
	for i, c := range e.causes {
		reqs[i] = c.req.String()
	}
	if e.noCandidates {
		return fmt.Sprintf("no candidates at all for: %s %q", e.name, strings.Join(reqs, ","))
	}
	return fmt.Sprintf("requirements conflict: %s: %q", e.name, strings.Join(reqs, ","))
}

// export converts internal conflicts to the exported error form.
func export(conflicts ...conflictError) *ConflictError {
	e := &ConflictError{}
	for _, c := range conflicts {
		conflict := Conflict{Package: c.name, NoCandidates: c.noCandidates}
		for _, cs := range c.causes {
			conflict.Causes = append(conflict.Causes, Cause{
				Requirement: cs.req,
				RequiredBy:  cs.parent,
			})
		}
		e.Conflicts = append(e.Conflicts, conflict)
	}
	return e
}
