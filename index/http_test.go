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
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/pypa/pipenv-sub002/requirement"
	"github.com/pypa/pipenv-sub002/source"
)

// fakeIndex serves a minimal JSON API for a fixed package universe.
type fakeIndex struct {
	reqs     atomic.Int64
	projects map[string]string
	versions map[string]string
	status   map[string]int // per-path status overrides, consumed once
}

func (f *fakeIndex) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.reqs.Add(1)
		if code, ok := f.status[r.URL.Path]; ok {
			delete(f.status, r.URL.Path)
			w.WriteHeader(code)
			return
		}
		if body, ok := f.projects[r.URL.Path]; ok {
			fmt.Fprint(w, body)
			return
		}
		if body, ok := f.versions[r.URL.Path]; ok {
			fmt.Fprint(w, body)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}
}

const alphaProject = `{
	"info": {"name": "alpha"},
	"releases": {
		"1.0": [{"filename": "alpha-1.0.tar.gz", "url": "https://files/alpha-1.0.tar.gz",
			"digests": {"sha256": "aaa1"}}],
		"1.5": [{"filename": "alpha-1.5.tar.gz", "url": "https://files/alpha-1.5.tar.gz",
			"digests": {"sha256": "aaa2"}},
			{"filename": "alpha-1.5-py3-none-any.whl", "url": "https://files/alpha-1.5-py3-none-any.whl",
			"digests": {"sha256": "aaa3"}}],
		"2.0a1": [{"filename": "alpha-2.0a1.tar.gz", "url": "https://files/alpha-2.0a1.tar.gz",
			"digests": {"sha256": "aaa4"}}],
		"0.9": [{"filename": "alpha-0.9.tar.gz", "url": "https://files/a.tar.gz",
			"digests": {"sha256": "aaa5"}, "yanked": true}]
	}
}`

func newTestProvider(t *testing.T, srv *httptest.Server) *HTTPProvider {
	t.Helper()
	reg, err := source.NewRegistry([]source.Source{
		{Name: "pypi", URL: srv.URL + "/simple", VerifyTLS: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	return NewHTTPProvider(reg, Config{Timeout: 5 * time.Second})
}

func TestVersions(t *testing.T) {
	idx := &fakeIndex{projects: map[string]string{"/pypi/alpha/json": alphaProject}}
	srv := httptest.NewServer(idx.handler())
	defer srv.Close()
	p := newTestProvider(t, srv)

	got, err := p.Versions(context.Background(), requirement.Requirement{Name: "alpha"})
	if err != nil {
		t.Fatalf("Versions: %v", err)
	}
	// Ascending order, yanked files dropped with their release.
	var versions []string
	for _, c := range got {
		versions = append(versions, c.Version)
	}
	if diff := cmp.Diff([]string{"1.0", "1.5", "2.0a1"}, versions); diff != "" {
		t.Errorf("Versions order: (-want +got):\n%s", diff)
	}
	if got[1].Artifacts[1].Tags[0] != "py3-none-any" {
		t.Errorf("wheel tags = %v, want py3-none-any", got[1].Artifacts[1].Tags)
	}
	if got[0].Source != "pypi" {
		t.Errorf("Source = %q, want pypi", got[0].Source)
	}
}

func TestMatchingExcludesPrereleases(t *testing.T) {
	idx := &fakeIndex{projects: map[string]string{"/pypi/alpha/json": alphaProject}}
	srv := httptest.NewServer(idx.handler())
	defer srv.Close()
	p := newTestProvider(t, srv)

	got, err := p.Matching(context.Background(), requirement.Requirement{Name: "alpha", Constraint: ">=1.0"})
	if err != nil {
		t.Fatalf("Matching: %v", err)
	}
	var versions []string
	for _, c := range got {
		versions = append(versions, c.Version)
	}
	if diff := cmp.Diff([]string{"1.0", "1.5"}, versions); diff != "" {
		t.Errorf("Matching: (-want +got):\n%s", diff)
	}
}

func TestPerRunCache(t *testing.T) {
	idx := &fakeIndex{projects: map[string]string{"/pypi/alpha/json": alphaProject}}
	srv := httptest.NewServer(idx.handler())
	defer srv.Close()
	p := newTestProvider(t, srv)

	ctx := context.Background()
	req := requirement.Requirement{Name: "alpha"}
	if _, err := p.Versions(ctx, req); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Versions(ctx, req); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Matching(ctx, requirement.Requirement{Name: "alpha", Constraint: "==1.5"}); err != nil {
		t.Fatal(err)
	}
	if n := idx.reqs.Load(); n != 1 {
		t.Errorf("index saw %d requests, want 1 (per-run cache)", n)
	}
}

func TestRetryOnServerError(t *testing.T) {
	idx := &fakeIndex{
		projects: map[string]string{"/pypi/alpha/json": alphaProject},
		status:   map[string]int{"/pypi/alpha/json": http.StatusInternalServerError},
	}
	srv := httptest.NewServer(idx.handler())
	defer srv.Close()
	p := newTestProvider(t, srv)

	got, err := p.Versions(context.Background(), requirement.Requirement{Name: "alpha"})
	if err != nil {
		t.Fatalf("Versions after transient 500: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("got %d candidates, want 3", len(got))
	}
	if n := idx.reqs.Load(); n != 2 {
		t.Errorf("index saw %d requests, want 2 (one retry)", n)
	}
}

func TestMissingPackage(t *testing.T) {
	idx := &fakeIndex{projects: map[string]string{}}
	srv := httptest.NewServer(idx.handler())
	defer srv.Close()
	p := newTestProvider(t, srv)

	// 404 is an answer, not a failure: the package just has no versions
	// here.
	got, err := p.Versions(context.Background(), requirement.Requirement{Name: "ghost"})
	if err != nil {
		t.Fatalf("Versions: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d candidates, want 0", len(got))
	}
	if ws := p.Warnings(); len(ws) != 0 {
		t.Errorf("unexpected warnings: %v", ws)
	}
}

func TestSourceUnavailableWarns(t *testing.T) {
	idx := &fakeIndex{projects: map[string]string{"/pypi/alpha/json": alphaProject}}
	good := httptest.NewServer(idx.handler())
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer bad.Close()

	reg, err := source.NewRegistry([]source.Source{
		{Name: "broken", URL: bad.URL + "/simple", VerifyTLS: true},
		{Name: "pypi", URL: good.URL + "/simple", VerifyTLS: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	p := NewHTTPProvider(reg, Config{Timeout: 5 * time.Second})

	got, err := p.Versions(context.Background(), requirement.Requirement{Name: "alpha"})
	if err != nil {
		t.Fatalf("Versions with one broken source: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("got %d candidates, want 3 from the working source", len(got))
	}
	ws := p.Warnings()
	if len(ws) != 1 || ws[0].Source != "broken" {
		t.Fatalf("Warnings = %v, want one for broken", ws)
	}

	// The same failure on a requirement pinned to the broken source is
	// fatal.
	_, err = p.Versions(context.Background(), requirement.Requirement{Name: "alpha", Index: "broken"})
	var su *SourceUnavailable
	if !errors.As(err, &su) {
		t.Errorf("pinned source failure: error %v is not a *SourceUnavailable", err)
	}
}

func TestAllSourcesFailed(t *testing.T) {
	reg, err := source.NewRegistry([]source.Source{
		{Name: "private", URL: "https://${PRIVATE_TOKEN}@pypi.example.com/simple", VerifyTLS: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	reg.SetEnv(func(string) (string, bool) { return "", false })
	p := NewHTTPProvider(reg, Config{Timeout: 5 * time.Second})

	// With every source down there is no viable fallback: the first
	// failure surfaces instead of an empty candidate list.
	got, err := p.Versions(context.Background(), requirement.Requirement{Name: "alpha"})
	if err == nil {
		t.Fatalf("Versions with no working source: got %v, want error", got)
	}
	var su *SourceUnavailable
	if !errors.As(err, &su) || su.Source != "private" {
		t.Fatalf("error %v is not a *SourceUnavailable for private", err)
	}
	var ce *source.CredentialError
	if !errors.As(err, &ce) || ce.Variable != "PRIVATE_TOKEN" {
		t.Errorf("error %v does not name the unset variable PRIVATE_TOKEN", err)
	}
}

func TestFirstSourceWinsTies(t *testing.T) {
	idxA := &fakeIndex{projects: map[string]string{"/pypi/alpha/json": alphaProject}}
	idxB := &fakeIndex{projects: map[string]string{"/pypi/alpha/json": alphaProject}}
	srvA := httptest.NewServer(idxA.handler())
	defer srvA.Close()
	srvB := httptest.NewServer(idxB.handler())
	defer srvB.Close()

	reg, err := source.NewRegistry([]source.Source{
		{Name: "first", URL: srvA.URL + "/simple", VerifyTLS: true},
		{Name: "second", URL: srvB.URL + "/simple", VerifyTLS: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	p := NewHTTPProvider(reg, Config{Timeout: 5 * time.Second})

	got, err := p.Versions(context.Background(), requirement.Requirement{Name: "alpha"})
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range got {
		if c.Source != "first" {
			t.Errorf("version %s attributed to %q, want first", c.Version, c.Source)
		}
	}
}

func TestRequires(t *testing.T) {
	idx := &fakeIndex{
		projects: map[string]string{"/pypi/alpha/json": alphaProject},
		versions: map[string]string{
			"/pypi/alpha/1.5/json": `{"info": {"name": "alpha",
				"requires_dist": ["beta>=1.0", "gamma; sys_platform == \"win32\""]}}`,
		},
	}
	srv := httptest.NewServer(idx.handler())
	defer srv.Close()
	p := newTestProvider(t, srv)

	got, err := p.Requires(context.Background(), Candidate{Name: "alpha", Version: "1.5", Source: "pypi"})
	if err != nil {
		t.Fatalf("Requires: %v", err)
	}
	if len(got) != 2 || got[0].Name != "beta" || got[0].Constraint != ">=1.0" {
		t.Fatalf("Requires = %v", got)
	}
	if got[1].Marker == "" {
		t.Errorf("marker lost on %v", got[1])
	}
}

func TestRequiresOfRefCandidate(t *testing.T) {
	p := NewHTTPProvider(mustRegistry(t), Config{})
	dep, err := requirement.Parse("beta>=1.0", "")
	if err != nil {
		t.Fatal(err)
	}
	c := Candidate{
		Name:     "alpha",
		Version:  "abc123",
		Requires: []requirement.Requirement{dep},
		Ref:      &requirement.ExactRef{Kind: requirement.RefVCS, URL: "https://x/y.git"},
	}
	got, err := p.Requires(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Name != "beta" {
		t.Errorf("Requires(ref) = %v, want the attached metadata", got)
	}
}

func mustRegistry(t *testing.T) *source.Registry {
	t.Helper()
	reg, err := source.NewRegistry([]source.Source{{Name: "pypi", URL: "https://pypi.invalid/simple", VerifyTLS: true}})
	if err != nil {
		t.Fatal(err)
	}
	return reg
}
