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
Package source resolves named package sources.

A Source describes one package index: a name, a URL and a TLS verification
flag. Credentials are never stored directly; they appear inside the URL as
${ENV_VAR} placeholders and are expanded from the process environment at
lookup time only. The placeholder form is what gets written into lock
documents, so secrets never land on disk.
*/
package source

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/pypa/pipenv-sub002/requirement"
)

// Source is one configured package index.
type Source struct {
	Name      string
	URL       string
	VerifyTLS bool
}

// Credentials are the expanded username and password for a source.
type Credentials struct {
	Username string
	Password string
}

// CredentialError reports a credential placeholder whose environment variable
// is unset. It is fatal for the affected source only; resolution may continue
// against other sources unless a requirement pinned this one.
type CredentialError struct {
	Source   string
	Variable string
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("source %q: environment variable %s is not set", e.Source, e.Variable)
}

// NotFoundError reports a requirement naming a source that is not configured.
type NotFoundError struct {
	Source string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no source named %q is configured", e.Source)
}

// placeholderRE matches ${VAR} environment variable placeholders, the same
// shape pip accepts in index URLs.
var placeholderRE = regexp.MustCompile(`\$\{([A-Z0-9_]+)\}`)

// Registry holds the configured sources in declaration order and resolves
// which of them may serve a given requirement.
type Registry struct {
	sources []Source
	byName  map[string]Source
	// env is the environment lookup, replaceable in tests.
	env func(string) (string, bool)
}

// NewRegistry builds a registry from the declared sources. Source names must
// be unique within one resolution session.
func NewRegistry(sources []Source) (*Registry, error) {
	r := &Registry{
		sources: append([]Source(nil), sources...),
		byName:  make(map[string]Source, len(sources)),
		env:     os.LookupEnv,
	}
	for _, s := range sources {
		if s.Name == "" {
			return nil, fmt.Errorf("source with URL %q has no name", s.URL)
		}
		if _, dup := r.byName[s.Name]; dup {
			return nil, fmt.Errorf("duplicate source name %q", s.Name)
		}
		r.byName[s.Name] = s
	}
	return r, nil
}

// SetEnv replaces the environment lookup function. Intended for tests.
func (r *Registry) SetEnv(env func(string) (string, bool)) { r.env = env }

// All returns the configured sources in declaration order.
func (r *Registry) All() []Source { return append([]Source(nil), r.sources...) }

// Get returns the source with the given name.
func (r *Registry) Get(name string) (Source, error) {
	s, ok := r.byName[name]
	if !ok {
		return Source{}, &NotFoundError{Source: name}
	}
	return s, nil
}

// For resolves the ordered list of sources that may serve the requirement: the
// single named source if the requirement restricts itself to one, otherwise
// every configured source in declared order. The first-listed source wins
// candidate ties downstream.
func (r *Registry) For(req requirement.Requirement) ([]Source, error) {
	if req.Index != "" {
		s, err := r.Get(req.Index)
		if err != nil {
			return nil, err
		}
		return []Source{s}, nil
	}
	if len(r.sources) == 0 {
		return nil, fmt.Errorf("no sources configured")
	}
	return r.All(), nil
}

// FetchURL returns the source URL with any credential placeholders expanded,
// ready for network use. The expansion happens here and nowhere else; the
// placeholder form is what every persistent artifact sees.
func (r *Registry) FetchURL(s Source) (string, error) {
	expanded, err := r.expand(s)
	if err != nil {
		return "", err
	}
	return expanded, nil
}

// Credentials extracts the expanded userinfo from the source URL, if any.
func (r *Registry) Credentials(s Source) (*Credentials, error) {
	expanded, err := r.expand(s)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(expanded)
	if err != nil {
		return nil, fmt.Errorf("source %q: invalid URL: %v", s.Name, err)
	}
	if u.User == nil {
		return nil, nil
	}
	pw, _ := u.User.Password()
	return &Credentials{Username: u.User.Username(), Password: pw}, nil
}

func (r *Registry) expand(s Source) (string, error) {
	return ExpandVars(s.URL, s.Name, r.env)
}

// ExpandVars substitutes ${VAR} placeholders in a URL using the given
// environment lookup. An unset variable is a *CredentialError naming it; the
// subject is used as the error's source name. VCS requirement URLs share
// this expansion with index source URLs.
func ExpandVars(rawURL, subject string, env func(string) (string, bool)) (string, error) {
	var missing string
	expanded := placeholderRE.ReplaceAllStringFunc(rawURL, func(m string) string {
		name := placeholderRE.FindStringSubmatch(m)[1]
		if v, ok := env(name); ok {
			return v
		}
		if missing == "" {
			missing = name
		}
		return m
	})
	if missing != "" {
		return "", &CredentialError{Source: subject, Variable: missing}
	}
	return expanded, nil
}

// Redacted returns a copy of the source safe for persistence: credential
// placeholders are kept verbatim, but any literal userinfo that slipped into
// the URL is stripped.
func (s Source) Redacted() Source {
	u, err := url.Parse(s.URL)
	if err != nil || u.User == nil {
		return s
	}
	if strings.Contains(u.User.String(), "${") {
		// Placeholders are the supported form, keep them.
		return s
	}
	u.User = nil
	s.URL = u.String()
	return s
}
