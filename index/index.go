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
Package index supplies candidate versions and their metadata to the resolver.

The Provider interface describes how to enumerate the concrete versions of a
package, match them against a requirement and fetch a version's direct
dependencies. HTTPProvider queries package indexes over their JSON API with
per-run caching, request deduplication and bounded retry; LocalProvider serves
a fixed in-memory universe and is the basis of most resolver tests.
*/
package index

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"deps.dev/util/pypi"
	"deps.dev/util/semver"

	"github.com/pypa/pipenv-sub002/requirement"
)

// Artifact is a single downloadable distribution file of a candidate.
type Artifact struct {
	Filename string
	URL      string
	// Hashes holds content digests known from index metadata, keyed by
	// algorithm ("sha256", "md5", ...), hex encoded.
	Hashes map[string]string
	// Tags are the PEP 425 platform compatibility tags for a wheel, or
	// ["sdist"] for a source distribution. An sdist is acceptable on any
	// platform.
	Tags []string
}

// IsSdist reports whether the artifact is a source distribution.
func (a Artifact) IsSdist() bool {
	return len(a.Tags) == 1 && a.Tags[0] == "sdist"
}

// Candidate is one concrete version of a package: its full requirement
// surface before marker evaluation narrows it per platform, the extras it
// provides and its distributable artifacts. A Candidate is immutable once
// constructed from index metadata.
type Candidate struct {
	Name    string
	Version string
	// Requires holds the version's direct dependencies when the provider
	// has them in hand; resolvers fetch them through Provider.Requires,
	// which may populate this lazily.
	Requires []requirement.Requirement
	// Extras are the optional feature sets this version provides.
	Extras []string
	// Artifacts are the downloadable distributions. A selected candidate
	// must retain at least one artifact acceptable on the target
	// platforms, or its resolution fails.
	Artifacts []Artifact
	// Source names the index that supplied this candidate.
	Source string
	// Ref is set when the candidate was produced from an exact reference
	// (VCS, path or URL) rather than index metadata. Such candidates are
	// fixed: specifier sets do not apply to them.
	Ref *requirement.ExactRef
}

// Key returns a stable identifier for the candidate's package and version.
func (c Candidate) Key() string { return c.Name + "==" + c.Version }

func (c Candidate) String() string { return c.Key() }

// Warning is a non-fatal condition accumulated during provision, surfaced on
// the final result rather than failing the run.
type Warning struct {
	Source  string
	Package string
	Err     error
}

func (w Warning) String() string {
	return fmt.Sprintf("source %q, package %q: %v", w.Source, w.Package, w.Err)
}

// SourceUnavailable reports an index that could not serve a package: network
// failure after retries, malformed metadata, or missing credentials. It is
// non-fatal as long as another source can supply candidates.
type SourceUnavailable struct {
	Source  string
	Package string
	Err     error
}

func (e *SourceUnavailable) Error() string {
	return fmt.Sprintf("source %q unavailable for %q: %v", e.Source, e.Package, e.Err)
}

func (e *SourceUnavailable) Unwrap() error { return e.Err }

// Provider supplies candidates and dependency metadata for resolution.
// Implementations must return candidates in ascending PEP 440 order,
// deterministically, regardless of how the underlying data arrived.
type Provider interface {
	// Versions returns every concrete version of the package the
	// requirement's sources offer, pre-releases included.
	Versions(ctx context.Context, req requirement.Requirement) ([]Candidate, error)
	// Matching returns the candidates satisfying the requirement's
	// specifier set. Pre-releases are excluded unless the specifier
	// itself mentions one.
	Matching(ctx context.Context, req requirement.Requirement) ([]Candidate, error)
	// Requires returns the direct dependencies of the candidate.
	Requires(ctx context.Context, c Candidate) ([]requirement.Requirement, error)
	// Warnings reports the non-fatal source failures seen so far.
	Warnings() []Warning
}

// sortCandidates orders candidates ascending by PEP 440 version, falling back
// to lexicographic order for unparseable versions. The resolver walks the
// slice backwards to prefer the newest.
func sortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		vi, erri := semver.PyPI.Parse(cs[i].Version)
		vj, errj := semver.PyPI.Parse(cs[j].Version)
		if erri != nil || errj != nil {
			return cs[i].Version < cs[j].Version
		}
		return vi.Compare(vj) < 0
	})
}

// mergeBySources combines per-source candidate lists. The first listed source
// wins when two sources offer the same version.
func mergeBySources(lists [][]Candidate) []Candidate {
	seen := make(map[string]bool)
	var out []Candidate
	for _, cs := range lists {
		for _, c := range cs {
			key := pypi.CanonVersion(c.Version)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, c)
		}
	}
	sortCandidates(out)
	return out
}

// matchingOf filters candidates by the requirement's specifier. Pre-releases
// are admitted when pre is true or when the specifier names one.
func matchingOf(cs []Candidate, req requirement.Requirement, pre bool) []Candidate {
	var out []Candidate
	for _, c := range cs {
		if req.Matches(c.Version, pre) {
			out = append(out, c)
		}
	}
	return out
}

// tagsForFilename derives platform tags from a distribution filename: wheel
// names carry PEP 425 tags, anything else is treated as an sdist.
func tagsForFilename(filename string) []string {
	if !strings.HasSuffix(filename, ".whl") {
		return []string{"sdist"}
	}
	info, err := pypi.ParseWheelName(filename)
	if err != nil {
		return []string{"sdist"}
	}
	var tags []string
	for _, t := range info.Platforms {
		tags = append(tags, fmt.Sprintf("%s-%s-%s", t.Python, t.ABI, t.Platform))
	}
	return tags
}
