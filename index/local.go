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

package index

import (
	"context"
	"fmt"

	"deps.dev/util/pypi"

	"github.com/pypa/pipenv-sub002/requirement"
)

// LocalProvider serves a fixed, in-memory package universe. It backs the
// resolver's tests and offline use; its ordering guarantees are identical to
// the network provider's.
type LocalProvider struct {
	// versions holds every concrete candidate of each package, ascending.
	versions map[string][]Candidate
	warnings []Warning
}

// NewLocalProvider creates a new, empty LocalProvider.
func NewLocalProvider() *LocalProvider {
	return &LocalProvider{versions: make(map[string][]Candidate)}
}

// Add inserts a candidate along with its direct dependencies, replacing any
// existing candidate of the same version. The version list is kept sorted.
func (p *LocalProvider) Add(c Candidate, requires ...requirement.Requirement) {
	c.Name = pypi.CanonPackageName(c.Name)
	c.Requires = append([]requirement.Requirement(nil), requires...)
	if c.Source == "" {
		c.Source = "local"
	}
	if len(c.Artifacts) == 0 {
		// Synthesize an sdist so every candidate is installable; tests
		// that exercise artifact handling add their own.
		c.Artifacts = []Artifact{{
			Filename: fmt.Sprintf("%s-%s.tar.gz", c.Name, c.Version),
			URL:      fmt.Sprintf("https://local.invalid/%s/%s-%s.tar.gz", c.Name, c.Name, c.Version),
			Hashes:   map[string]string{"sha256": fakeDigest(c.Name + c.Version)},
			Tags:     []string{"sdist"},
		}}
	}
	vs := p.versions[c.Name]
	replaced := false
	for i, v := range vs {
		if v.Version == c.Version {
			vs[i] = c
			replaced = true
			break
		}
	}
	if !replaced {
		vs = append(vs, c)
	}
	sortCandidates(vs)
	p.versions[c.Name] = vs
	// Make sure dependency packages exist, even with no versions, so
	// lookups distinguish unknown packages from exhausted ones.
	for _, d := range requires {
		if _, ok := p.versions[d.Name]; !ok {
			p.versions[d.Name] = []Candidate{}
		}
	}
}

// AddVersion is a shorthand for Add with just a name and version.
func (p *LocalProvider) AddVersion(name, version string, requires ...requirement.Requirement) {
	p.Add(Candidate{Name: name, Version: version}, requires...)
}

// Versions implements Provider.
func (p *LocalProvider) Versions(ctx context.Context, req requirement.Requirement) ([]Candidate, error) {
	vs, ok := p.versions[req.Name]
	if !ok {
		return nil, fmt.Errorf("package %q: not found", req.Name)
	}
	return append([]Candidate(nil), vs...), nil
}

// Matching implements Provider.
func (p *LocalProvider) Matching(ctx context.Context, req requirement.Requirement) ([]Candidate, error) {
	vs, err := p.Versions(ctx, req)
	if err != nil {
		return nil, err
	}
	return matchingOf(vs, req, false), nil
}

// Requires implements Provider, returning the stored direct dependencies.
func (p *LocalProvider) Requires(ctx context.Context, c Candidate) ([]requirement.Requirement, error) {
	if c.Ref != nil {
		return c.Requires, nil
	}
	for _, v := range p.versions[c.Name] {
		if v.Version == c.Version {
			return append([]requirement.Requirement(nil), v.Requires...), nil
		}
	}
	return nil, fmt.Errorf("version %v: not found", c)
}

// Warnings implements Provider.
func (p *LocalProvider) Warnings() []Warning {
	return append([]Warning(nil), p.warnings...)
}

// fakeDigest derives a deterministic placeholder digest for synthesized
// artifacts.
func fakeDigest(seed string) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 64)
	h := uint64(14695981039346656037)
	for i := range out {
		for _, b := range []byte(seed) {
			h ^= uint64(b)
			h *= 1099511628211
		}
		h += uint64(i)
		out[i] = hexdigits[h%16]
	}
	return string(out)
}
