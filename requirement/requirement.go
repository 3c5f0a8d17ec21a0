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
Package requirement defines the canonical in-memory form of a package
requirement and the parsing that produces it.

A Requirement is an abstract constraint: a canonical package name, a PEP 440
specifier set, optional extras, an optional PEP 508 environment marker, an
optional named index restriction and an optional exact reference (VCS, local
path or direct URL). Exact references bypass version selection entirely; they
have exactly one candidate and are pinned before the general solver runs.
*/
package requirement

import (
	"fmt"
	"slices"
	"strings"

	"deps.dev/util/pypi"
	"deps.dev/util/semver"

	"github.com/pypa/pipenv-sub002/marker"
)

// Category names a dependency group in the declarative input and the lock
// document.
type Category string

const (
	Default Category = "default"
	Develop Category = "develop"
)

// RefKind discriminates the forms an exact reference can take.
type RefKind int

const (
	// RefVCS is a version control reference: repository URL plus revision.
	RefVCS RefKind = iota + 1
	// RefPath is a local filesystem path, possibly editable.
	RefPath
	// RefURL is a direct URL to a distribution file.
	RefURL
)

func (k RefKind) String() string {
	switch k {
	case RefVCS:
		return "vcs"
	case RefPath:
		return "path"
	case RefURL:
		return "url"
	}
	return "unknown"
}

// ExactRef pins a requirement to a single candidate outside the normal
// index-backed resolution: a VCS repository at a revision, a local path, or a
// direct artifact URL.
type ExactRef struct {
	Kind RefKind
	// URL is the repository URL, local path or artifact URL depending on
	// Kind.
	URL string
	// VCS names the version control system ("git", "hg", ...). Only set
	// for RefVCS.
	VCS string
	// Revision is the requested branch, tag or commit. For a resolved
	// reference it is a full commit hash.
	Revision string
	// Editable marks a path or VCS requirement installed in development
	// mode.
	Editable bool
}

// Requirement is the canonical form of one requirement declaration.
type Requirement struct {
	// Name is the canonical (PEP 503) package name.
	Name string
	// Extras are the requested extras, sorted and canonicalized.
	Extras []string
	// Constraint is the PEP 440 specifier set, e.g. ">=1.0,<2.0". Empty
	// means any version.
	Constraint string
	// Marker is the raw PEP 508 environment marker, already validated.
	Marker string
	// Index restricts resolution to the named source, if set.
	Index string
	// AllowPrereleases overrides the run-level pre-release policy for this
	// package when non-nil.
	AllowPrereleases *bool
	// Ref is the exact reference, if this requirement bypasses normal
	// resolution.
	Ref *ExactRef
	// Category is the dependency group this requirement belongs to.
	Category Category
}

// ParseError reports a malformed requirement declaration. Per the engine's
// failure policy it is fatal for the whole run: the requirement model is fully
// evaluated up front.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %q: %s", e.Input, e.Reason)
}

func parseErrorf(input, format string, args ...any) *ParseError {
	return &ParseError{Input: input, Reason: fmt.Sprintf(format, args...)}
}

// Parse normalizes a single requirement line ("name[extra1,extra2]>=1.0;
// marker") into a Requirement. The name is canonicalized, extras are split and
// sorted, and the specifier and marker are validated eagerly so downstream
// code never re-checks shape.
func Parse(raw string, cat Category) (Requirement, error) {
	d, err := pypi.ParseDependency(raw)
	if err != nil {
		return Requirement{}, parseErrorf(raw, "%v", err)
	}
	r := Requirement{
		Name:       d.Name,
		Constraint: strings.ReplaceAll(d.Constraint, " ", ""),
		Marker:     d.Environment,
		Category:   cat,
	}
	if d.Extras != "" {
		for _, e := range strings.Split(d.Extras, ",") {
			e = strings.TrimSpace(e)
			if e == "" {
				return Requirement{}, parseErrorf(raw, "empty extra name")
			}
			r.Extras = append(r.Extras, pypi.CanonPackageName(e))
		}
		slices.Sort(r.Extras)
		r.Extras = slices.Compact(r.Extras)
	}
	if err := r.validate(raw); err != nil {
		return Requirement{}, err
	}
	return r, nil
}

// wildcardConstraint reports whether the constraint means "any version".
// Pipfiles and requirement lines spell that as "*", "==*" or "===*".
func wildcardConstraint(c string) bool {
	switch c {
	case "", "*", "==*", "===*":
		return true
	}
	return false
}

// validate checks the specifier and marker parse. Wildcard-only constraints
// ("*", "==*", "===*") are normalized to the empty constraint; Pipfiles use
// them to mean "any version".
func (r *Requirement) validate(raw string) error {
	if r.Name == "" {
		return parseErrorf(raw, "empty package name")
	}
	if wildcardConstraint(r.Constraint) {
		r.Constraint = ""
	}
	if r.Constraint != "" {
		if _, err := semver.PyPI.ParseConstraint(r.Constraint); err != nil {
			return parseErrorf(raw, "invalid specifier %q: %v", r.Constraint, err)
		}
	}
	if r.Marker != "" {
		m, err := marker.Parse(r.Marker)
		if err != nil {
			return parseErrorf(raw, "invalid marker %q: %v", r.Marker, err)
		}
		// A requirement whose marker mentions its own extras is
		// self-referential and can never be decided consistently.
		for _, e := range m.Extras() {
			if pypi.CanonPackageName(e) == r.Name {
				return parseErrorf(raw, "self-referential marker %q", r.Marker)
			}
		}
	}
	return nil
}

// Matches reports whether the given concrete version satisfies the
// requirement's specifier set. An empty constraint matches any version.
// Pre-releases are only admitted when the constraint itself mentions one or
// pre is true.
func (r Requirement) Matches(version string, pre bool) bool {
	if r.Constraint == "" {
		if pre {
			return true
		}
		v, err := semver.PyPI.Parse(version)
		if err != nil {
			return false
		}
		return !v.IsPrerelease()
	}
	c, err := semver.PyPI.ParseConstraint(r.Constraint)
	if err != nil {
		return false
	}
	v, err := semver.PyPI.Parse(version)
	if err != nil {
		return false
	}
	if pre || c.HasPrerelease() {
		return c.MatchVersionPrerelease(v)
	}
	return c.MatchVersion(v)
}

// AdmitsPrereleases reports whether the specifier set itself names a
// pre-release version, which admits pre-releases for this requirement
// regardless of the run-level policy.
func (r Requirement) AdmitsPrereleases() bool {
	if r.Constraint == "" {
		return false
	}
	c, err := semver.PyPI.ParseConstraint(r.Constraint)
	if err != nil {
		return false
	}
	return c.HasPrerelease()
}

// IsPinned reports whether the requirement carries an exact reference and
// therefore bypasses index-backed resolution.
func (r Requirement) IsPinned() bool { return r.Ref != nil }

// String renders the requirement in PEP 508 form, primarily for diagnostics
// and fingerprinting.
func (r Requirement) String() string {
	var sb strings.Builder
	sb.WriteString(r.Name)
	if len(r.Extras) > 0 {
		sb.WriteByte('[')
		sb.WriteString(strings.Join(r.Extras, ","))
		sb.WriteByte(']')
	}
	if r.Constraint != "" {
		sb.WriteString(r.Constraint)
	}
	if r.Marker != "" {
		sb.WriteString("; ")
		sb.WriteString(r.Marker)
	}
	return sb.String()
}

// WithExtras returns a copy of the requirement with the given extras
// activated in addition to any already present.
func (r Requirement) WithExtras(extras []string) Requirement {
	if len(extras) == 0 {
		return r
	}
	merged := append(slices.Clone(r.Extras), extras...)
	slices.Sort(merged)
	r.Extras = slices.Compact(merged)
	return r
}
