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
Package lock assembles, fingerprints, serializes and verifies the lock
document: the record of one successful resolution per dependency category,
with pinned versions, artifact hashes, markers and credential-free source
configuration.

Serialization is deterministic. Map keys sort, hash lists sort, struct keys
have a fixed order, so identical inputs give byte-identical documents and
lock file diffs stay readable. Writing is all-or-nothing via a temp file and
rename.
*/
package lock

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SpecVersion is the lock format generation this package reads and writes.
const SpecVersion = 6

// Entry is one locked package. JSON field order is alphabetical; together
// with sorted map keys this fixes the serialized form. Exactly one of
// Version or a reference field group (Git/Ref, Path, File) is set.
type Entry struct {
	Editable bool     `json:"editable,omitempty"`
	Extras   []string `json:"extras,omitempty"`
	File     string   `json:"file,omitempty"`
	Git      string   `json:"git,omitempty"`
	// Hashes are "algorithm:hex" strings, sorted. Reference entries have
	// none.
	Hashes  []string `json:"hashes,omitempty"`
	Index   string   `json:"index,omitempty"`
	Markers string   `json:"markers,omitempty"`
	Path    string   `json:"path,omitempty"`
	// Ref is the resolved full commit hash of a VCS entry.
	Ref string `json:"ref,omitempty"`
	// Version is an exact "==X.Y" pin.
	Version string `json:"version,omitempty"`
}

// SourceMeta is a source as persisted: never with credentials, only with
// ${VAR} placeholders at most.
type SourceMeta struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	VerifySSL bool   `json:"verify_ssl"`
}

// Hash wraps the requirement fingerprint under its algorithm name.
type Hash struct {
	SHA256 string `json:"sha256"`
}

// Meta is the document's _meta section.
type Meta struct {
	Hash        Hash              `json:"hash"`
	PipfileSpec int               `json:"pipfile-spec"`
	Requires    map[string]string `json:"requires"`
	Sources     []SourceMeta      `json:"sources"`
}

// Document is a complete lock file.
type Document struct {
	Meta    Meta             `json:"_meta"`
	Default map[string]Entry `json:"default"`
	Develop map[string]Entry `json:"develop"`
}

// Marshal renders the document in its canonical serialized form.
func (d *Document) Marshal() ([]byte, error) {
	if d.Default == nil {
		d.Default = map[string]Entry{}
	}
	if d.Develop == nil {
		d.Develop = map[string]Entry{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "    ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Read loads a lock document from disk.
func Read(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &d, nil
}

// Write serializes the document and atomically replaces the file at path. A
// crash mid-write leaves either the old document or the new one, never a
// truncated mix.
func Write(path string, d *Document) error {
	data, err := d.Marshal()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
