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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/pypa/pipenv-sub002/requirement"
	"github.com/pypa/pipenv-sub002/source"
)

// reqDigest is the normalized form of one requirement for fingerprinting.
// Only declarative inputs participate; resolved values (commit hashes,
// selected versions) never do, otherwise locking would invalidate its own
// fingerprint.
type reqDigest struct {
	AllowPrereleases *bool    `json:"allow_prereleases,omitempty"`
	Constraint       string   `json:"constraint,omitempty"`
	Editable         bool     `json:"editable,omitempty"`
	Extras           []string `json:"extras,omitempty"`
	File             string   `json:"file,omitempty"`
	Git              string   `json:"git,omitempty"`
	Index            string   `json:"index,omitempty"`
	Markers          string   `json:"markers,omitempty"`
	Path             string   `json:"path,omitempty"`
	Ref              string   `json:"ref,omitempty"`
}

// fingerprintDoc is the canonical JSON structure hashed by Fingerprint.
type fingerprintDoc struct {
	Meta struct {
		AllowPrereleases bool              `json:"allow_prereleases"`
		Requires         map[string]string `json:"requires"`
		Sources          []SourceMeta      `json:"sources"`
	} `json:"_meta"`
	Default map[string]reqDigest `json:"default"`
	Develop map[string]reqDigest `json:"develop"`
}

func digestOf(r requirement.Requirement) reqDigest {
	d := reqDigest{
		AllowPrereleases: r.AllowPrereleases,
		Constraint:       r.Constraint,
		Extras:           r.Extras,
		Index:            r.Index,
		Markers:          r.Marker,
	}
	if r.Ref != nil {
		d.Editable = r.Ref.Editable
		switch r.Ref.Kind {
		case requirement.RefVCS:
			d.Git = r.Ref.URL
			d.Ref = r.Ref.Revision
		case requirement.RefPath:
			d.Path = r.Ref.URL
		case requirement.RefURL:
			d.File = r.Ref.URL
		}
	}
	return d
}

// MetaSources converts sources to their persistable credential-free form, in
// declaration order.
func MetaSources(sources []source.Source) []SourceMeta {
	out := make([]SourceMeta, len(sources))
	for i, s := range sources {
		r := s.Redacted()
		out[i] = SourceMeta{Name: r.Name, URL: r.URL, VerifySSL: r.VerifyTLS}
	}
	return out
}

// Fingerprint computes the SHA-256 content hash over the normalized
// requirement model, source configuration, python requirements and the
// global pre-release policy. Every input that can change what a resolution
// produces participates; resolved values never do. Later invocations
// recompute it from current inputs to detect drift without resolving
// anything.
func Fingerprint(reqs []requirement.Requirement, sources []source.Source, requires map[string]string, allowPre bool) (string, error) {
	var doc fingerprintDoc
	doc.Meta.AllowPrereleases = allowPre
	doc.Meta.Requires = requires
	if doc.Meta.Requires == nil {
		doc.Meta.Requires = map[string]string{}
	}
	doc.Meta.Sources = MetaSources(sources)
	doc.Default = map[string]reqDigest{}
	doc.Develop = map[string]reqDigest{}
	for _, r := range reqs {
		switch r.Category {
		case requirement.Develop:
			doc.Develop[r.Name] = digestOf(r)
		default:
			doc.Default[r.Name] = digestOf(r)
		}
	}
	// Compact JSON with sorted object keys is the canonical byte form.
	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
