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

// Package pipfile reads the declarative Pipfile TOML format: the configured
// package sources, the default and development package tables, the python
// version requirement and the project-level settings. It is a pure data
// model; turning entries into requirements is the requirement package's job.
package pipfile

import (
	"fmt"
	"os"
	"sort"

	"github.com/pelletier/go-toml/v2"
)

// Source is one entry of the [[source]] array.
type Source struct {
	Name      string `toml:"name"`
	URL       string `toml:"url"`
	VerifySSL *bool  `toml:"verify_ssl"`
}

// Package is one entry of [packages] or [dev-packages]. In TOML the entry is
// either a bare specifier string (`requests = ">=2.0"`) or an inline table;
// both decode into this one shape, with Version holding the specifier.
type Package struct {
	Version          string
	Extras           []string
	Markers          string
	Index            string
	Git              string
	Ref              string
	Path             string
	File             string
	Editable         bool
	AllowPrereleases *bool
}

// Settings is the [pipenv] table.
type Settings struct {
	AllowPrereleases bool `toml:"allow_prereleases"`
}

// Pipfile is the parsed document. Package maps preserve nothing about TOML
// order; consumers sort by name.
type Pipfile struct {
	Sources     []Source
	Packages    map[string]Package
	DevPackages map[string]Package
	Requires    map[string]string
	Settings    Settings
}

// rawPipfile matches the TOML shape before the string-or-table package
// entries are normalized.
type rawPipfile struct {
	Source      []Source       `toml:"source"`
	Packages    map[string]any `toml:"packages"`
	DevPackages map[string]any `toml:"dev-packages"`
	Requires    map[string]any `toml:"requires"`
	Pipenv      Settings       `toml:"pipenv"`
}

// Load reads and parses a Pipfile from disk.
func Load(path string) (*Pipfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Parse parses Pipfile TOML.
func Parse(data []byte) (*Pipfile, error) {
	var raw rawPipfile
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	p := &Pipfile{
		Sources:  raw.Source,
		Requires: make(map[string]string, len(raw.Requires)),
		Settings: raw.Pipenv,
	}
	for k, v := range raw.Requires {
		p.Requires[k] = fmt.Sprint(v)
	}
	var err error
	if p.Packages, err = packageTable(raw.Packages); err != nil {
		return nil, fmt.Errorf("packages: %w", err)
	}
	if p.DevPackages, err = packageTable(raw.DevPackages); err != nil {
		return nil, fmt.Errorf("dev-packages: %w", err)
	}
	return p, nil
}

// Names returns the package names of the requested table, sorted.
func (p *Pipfile) Names(dev bool) []string {
	table := p.Packages
	if dev {
		table = p.DevPackages
	}
	names := make([]string, 0, len(table))
	for n := range table {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func packageTable(raw map[string]any) (map[string]Package, error) {
	out := make(map[string]Package, len(raw))
	for name, v := range raw {
		pkg, err := packageEntry(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[name] = pkg
	}
	return out, nil
}

func packageEntry(v any) (Package, error) {
	switch e := v.(type) {
	case string:
		return Package{Version: e}, nil
	case map[string]any:
		var pkg Package
		for key, val := range e {
			var err error
			switch key {
			case "version":
				err = setString(&pkg.Version, val)
			case "extras":
				err = setStrings(&pkg.Extras, val)
			case "markers":
				err = setString(&pkg.Markers, val)
			case "index":
				err = setString(&pkg.Index, val)
			case "git":
				err = setString(&pkg.Git, val)
			case "ref":
				err = setString(&pkg.Ref, val)
			case "path":
				err = setString(&pkg.Path, val)
			case "file":
				err = setString(&pkg.File, val)
			case "editable":
				err = setBool(&pkg.Editable, val)
			case "allow_prereleases":
				var b bool
				if err = setBool(&b, val); err == nil {
					pkg.AllowPrereleases = &b
				}
			default:
				// Unknown keys are tolerated, the format has grown
				// fields over the years.
			}
			if err != nil {
				return Package{}, fmt.Errorf("%s: %w", key, err)
			}
		}
		return pkg, nil
	default:
		return Package{}, fmt.Errorf("unsupported entry type %T", v)
	}
}

func setString(dst *string, v any) error {
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("expected string, got %T", v)
	}
	*dst = s
	return nil
}

func setBool(dst *bool, v any) error {
	b, ok := v.(bool)
	if !ok {
		return fmt.Errorf("expected bool, got %T", v)
	}
	*dst = b
	return nil
}

func setStrings(dst *[]string, v any) error {
	vs, ok := v.([]any)
	if !ok {
		return fmt.Errorf("expected array of strings, got %T", v)
	}
	out := make([]string, 0, len(vs))
	for _, item := range vs {
		s, ok := item.(string)
		if !ok {
			return fmt.Errorf("expected string element, got %T", item)
		}
		out = append(out, s)
	}
	*dst = out
	return nil
}
