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

package requirement

import (
	"slices"
	"strings"

	"deps.dev/util/pypi"

	"github.com/pypa/pipenv-sub002/pipfile"
)

// FromPipfileEntry converts one Pipfile package entry into a Requirement.
// The table form may carry an exact reference (git, path or file key); at
// most one of those is allowed. Validation matches Parse.
func FromPipfileEntry(name string, e pipfile.Package, cat Category) (Requirement, error) {
	r := Requirement{
		Name:             pypi.CanonPackageName(name),
		Constraint:       strings.ReplaceAll(e.Version, " ", ""),
		Marker:           e.Markers,
		Index:            e.Index,
		AllowPrereleases: e.AllowPrereleases,
		Category:         cat,
	}
	for _, x := range e.Extras {
		x = strings.TrimSpace(x)
		if x == "" {
			return Requirement{}, parseErrorf(name, "empty extra name")
		}
		r.Extras = append(r.Extras, pypi.CanonPackageName(x))
	}
	slices.Sort(r.Extras)
	r.Extras = slices.Compact(r.Extras)

	refs := 0
	if e.Git != "" {
		refs++
		r.Ref = &ExactRef{
			Kind:     RefVCS,
			URL:      e.Git,
			VCS:      "git",
			Revision: e.Ref,
			Editable: e.Editable,
		}
	}
	if e.Path != "" {
		refs++
		r.Ref = &ExactRef{Kind: RefPath, URL: e.Path, Editable: e.Editable}
	}
	if e.File != "" {
		refs++
		r.Ref = &ExactRef{Kind: RefURL, URL: e.File}
	}
	if refs > 1 {
		return Requirement{}, parseErrorf(name, "git, path and file are mutually exclusive")
	}
	if r.Ref != nil && !wildcardConstraint(r.Constraint) {
		return Requirement{}, parseErrorf(name, "a version specifier cannot be combined with an exact reference")
	}
	if r.Ref != nil {
		r.Constraint = ""
	}
	if err := r.validate(name); err != nil {
		return Requirement{}, err
	}
	return r, nil
}
