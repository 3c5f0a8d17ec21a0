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

package lock

import (
	"fmt"
	"sort"

	"github.com/pypa/pipenv-sub002/index"
	"github.com/pypa/pipenv-sub002/requirement"
	"github.com/pypa/pipenv-sub002/resolver"
	"github.com/pypa/pipenv-sub002/source"
)

// BuildInput is one resolved dependency category with its collected hashes.
type BuildInput struct {
	Resolution *resolver.Resolution
	// Hashes maps package name to its sorted "algorithm:hex" list.
	Hashes map[string][]string
}

// Build assembles a Document from the per-category resolutions. It is a pure
// transformation: no I/O, deterministic output. The default and develop
// categories resolve independently, so Build verifies they did not pin the
// same package to different versions before vouching for the document.
func Build(def, dev BuildInput, sources []source.Source, fingerprint string, requires map[string]string) (*Document, error) {
	if err := consistent(def.Resolution, dev.Resolution); err != nil {
		return nil, err
	}
	d := &Document{
		Meta: Meta{
			Hash:        Hash{SHA256: fingerprint},
			PipfileSpec: SpecVersion,
			Requires:    requires,
			Sources:     MetaSources(sources),
		},
		Default: entries(def),
		Develop: entries(dev),
	}
	if d.Meta.Requires == nil {
		d.Meta.Requires = map[string]string{}
	}
	return d, nil
}

func entries(in BuildInput) map[string]Entry {
	out := map[string]Entry{}
	if in.Resolution == nil {
		return out
	}
	for name, c := range in.Resolution.Candidates {
		out[name] = entryOf(c, in.Resolution, in.Hashes[name])
	}
	return out
}

func entryOf(c index.Candidate, res *resolver.Resolution, hashes []string) Entry {
	e := Entry{
		Extras:  res.Extras[c.Name],
		Markers: res.Markers[c.Name],
	}
	if c.Ref != nil {
		e.Editable = c.Ref.Editable
		switch c.Ref.Kind {
		case requirement.RefVCS:
			e.Git = c.Ref.URL
			e.Ref = c.Ref.Revision
		case requirement.RefPath:
			e.Path = c.Ref.URL
		case requirement.RefURL:
			e.File = c.Ref.URL
		}
		return e
	}
	e.Version = "==" + c.Version
	e.Index = c.Source
	e.Hashes = append([]string(nil), hashes...)
	sort.Strings(e.Hashes)
	return e
}

// consistent rejects resolutions that pinned a shared package to diverging
// versions across categories; installing both sets into one environment would
// be unsatisfiable.
func consistent(def, dev *resolver.Resolution) error {
	if def == nil || dev == nil {
		return nil
	}
	var clashes []string
	for name, dc := range def.Candidates {
		if vc, ok := dev.Candidates[name]; ok && vc.Version != dc.Version {
			clashes = append(clashes, fmt.Sprintf("%s (default %s, develop %s)", name, dc.Version, vc.Version))
		}
	}
	if len(clashes) == 0 {
		return nil
	}
	sort.Strings(clashes)
	return fmt.Errorf("categories disagree on pinned versions: %v", clashes)
}
