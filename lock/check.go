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
	"errors"
	"fmt"

	"github.com/pypa/pipenv-sub002/requirement"
	"github.com/pypa/pipenv-sub002/source"
)

// ErrStale signals that a lock document no longer matches its declarative
// inputs and needs re-resolution.
var ErrStale = errors.New("lock file is out of date")

// Check reports whether the document is stale against the current
// requirements, sources, python requirements and pre-release policy. It
// recomputes the fingerprint with the same normalization Build used and never
// touches the network, so it is cheap enough to run on every invocation. The
// mismatch list names what drifted, for diagnostics.
func Check(doc *Document, reqs []requirement.Requirement, sources []source.Source, requires map[string]string, allowPre bool) (bool, []string, error) {
	fp, err := Fingerprint(reqs, sources, requires, allowPre)
	if err != nil {
		return false, nil, err
	}
	if doc.Meta.Hash.SHA256 == fp {
		return false, nil, nil
	}
	var mismatches []string
	if !sourcesEqual(doc.Meta.Sources, MetaSources(sources)) {
		mismatches = append(mismatches, "sources")
	}
	if !requiresEqual(doc.Meta.Requires, requires) {
		mismatches = append(mismatches, "requires")
	}
	if len(mismatches) == 0 {
		mismatches = append(mismatches, "requirements")
	}
	mismatches = append(mismatches, fmt.Sprintf("hash (%s != %s)", short(doc.Meta.Hash.SHA256), short(fp)))
	return true, mismatches, nil
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

func sourcesEqual(a, b []SourceMeta) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func requiresEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
