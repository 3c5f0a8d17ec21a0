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

package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/pypa/pipenv-sub002/index"
	"github.com/pypa/pipenv-sub002/marker"
	"github.com/pypa/pipenv-sub002/requirement"
)

func req(t *testing.T, raw string) requirement.Requirement {
	t.Helper()
	r, err := requirement.Parse(raw, requirement.Default)
	if err != nil {
		t.Fatalf("Parse(%q): %v", raw, err)
	}
	return r
}

func reqs(t *testing.T, raws ...string) []requirement.Requirement {
	t.Helper()
	out := make([]requirement.Requirement, len(raws))
	for i, raw := range raws {
		out[i] = req(t, raw)
	}
	return out
}

// pins extracts the name->version assignment of a resolution.
func pins(res *Resolution) map[string]string {
	out := make(map[string]string, len(res.Candidates))
	for name, c := range res.Candidates {
		out[name] = c.Version
	}
	return out
}

func resolve(t *testing.T, p index.Provider, opts Options, raws ...string) (*Resolution, error) {
	t.Helper()
	return New(p, opts).Resolve(context.Background(), reqs(t, raws...))
}

func TestSimplePin(t *testing.T) {
	p := index.NewLocalProvider()
	p.AddVersion("alpha", "1.0")
	p.AddVersion("alpha", "1.5")
	p.AddVersion("alpha", "2.0a1")

	res, err := resolve(t, p, Options{}, "alpha>=1.0")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// Newest stable wins; the pre-release needs opting in.
	want := map[string]string{"alpha": "1.5"}
	if diff := cmp.Diff(want, pins(res)); diff != "" {
		t.Errorf("pins: (-want +got):\n%s", diff)
	}
}

func TestTransitiveChain(t *testing.T) {
	p := index.NewLocalProvider()
	p.AddVersion("app", "1.0", reqs(t, "web>=2.0", "db")...)
	p.AddVersion("web", "2.0", req(t, "ssl>=1.0"))
	p.AddVersion("web", "2.1", req(t, "ssl>=1.1"))
	p.AddVersion("db", "5.0")
	p.AddVersion("ssl", "1.0")
	p.AddVersion("ssl", "1.1")

	res, err := resolve(t, p, Options{}, "app")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := map[string]string{"app": "1.0", "web": "2.1", "db": "5.0", "ssl": "1.1"}
	if diff := cmp.Diff(want, pins(res)); diff != "" {
		t.Errorf("pins: (-want +got):\n%s", diff)
	}
}

func TestBacktracking(t *testing.T) {
	// The newest a needs c==2.0, but b insists on c==1.0: the solver must
	// give up on a 2.0 and fall back to a 1.0. The d dependency exists
	// only under a 2.0 and must not leak into the result.
	p := index.NewLocalProvider()
	p.AddVersion("a", "1.0", req(t, "c==1.0"))
	p.AddVersion("a", "2.0", reqs(t, "c==2.0", "d==1.0")...)
	p.AddVersion("b", "1.0", req(t, "c==1.0"))
	p.AddVersion("c", "1.0")
	p.AddVersion("c", "2.0")
	p.AddVersion("d", "1.0")

	res, err := resolve(t, p, Options{}, "a", "b")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := map[string]string{"a": "1.0", "b": "1.0", "c": "1.0"}
	if diff := cmp.Diff(want, pins(res)); diff != "" {
		t.Errorf("pins: (-want +got):\n%s", diff)
	}
}

func TestConflictNamesBothCulprits(t *testing.T) {
	p := index.NewLocalProvider()
	p.AddVersion("x", "1.0", req(t, "shared>=2.0"))
	p.AddVersion("y", "1.0", req(t, "shared<2.0"))
	p.AddVersion("shared", "1.0")
	p.AddVersion("shared", "2.0")

	_, err := resolve(t, p, Options{}, "x", "y")
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Resolve: error %v is not a *ConflictError", err)
	}
	involved := conflict.Involved()
	for _, want := range []string{"shared", "x", "y"} {
		found := false
		for _, name := range involved {
			if name == want {
				found = true
			}
		}
		if !found {
			t.Errorf("Involved() = %v, missing %q", involved, want)
		}
	}
}

func TestNoCandidates(t *testing.T) {
	p := index.NewLocalProvider()
	p.AddVersion("only", "1.0")

	_, err := resolve(t, p, Options{}, "only>=3.0")
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Resolve: error %v is not a *ConflictError", err)
	}
	if len(conflict.Conflicts) != 1 || !conflict.Conflicts[0].NoCandidates {
		t.Errorf("Conflicts = %+v, want one no-candidates conflict", conflict.Conflicts)
	}
}

func TestExtras(t *testing.T) {
	p := index.NewLocalProvider()
	p.AddVersion("server", "1.0", reqs(t,
		"httptools",
		`uvloop; extra == "standard"`,
	)...)
	p.AddVersion("httptools", "0.6")
	p.AddVersion("uvloop", "0.19")

	// Without the extra the conditional dependency stays out.
	res, err := resolve(t, p, Options{}, "server")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := res.Candidates["uvloop"]; ok {
		t.Errorf("uvloop resolved without its extra")
	}

	// With it, the dependency appears and the extras are recorded.
	res, err = resolve(t, p, Options{}, "server[standard]")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := res.Candidates["uvloop"]; !ok {
		t.Errorf("uvloop missing with the standard extra, got %v", pins(res))
	}
	if diff := cmp.Diff([]string{"standard"}, res.Extras["server"]); diff != "" {
		t.Errorf("Extras: (-want +got):\n%s", diff)
	}

	// Same answer on a rerun.
	again, err := resolve(t, p, Options{}, "server[standard]")
	if err != nil {
		t.Fatalf("Resolve again: %v", err)
	}
	if diff := cmp.Diff(pins(res), pins(again)); diff != "" {
		t.Errorf("extras resolution not stable: (-first +second):\n%s", diff)
	}
}

func TestExtraActivatedAfterPin(t *testing.T) {
	// b activates an extra on server only after server is already pinned
	// through a. The pin must survive, but the extra's dependency must
	// still be expanded.
	p := index.NewLocalProvider()
	p.AddVersion("a", "1.0", req(t, "server"))
	p.AddVersion("b", "1.0", req(t, "server[standard]"))
	p.AddVersion("server", "1.0", req(t, `uvloop; extra == "standard"`))
	p.AddVersion("uvloop", "0.19")

	res, err := resolve(t, p, Options{}, "a", "b")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := res.Candidates["uvloop"]; !ok {
		t.Errorf("uvloop missing after late extra activation, got %v", pins(res))
	}
	if diff := cmp.Diff([]string{"standard"}, res.Extras["server"]); diff != "" {
		t.Errorf("Extras: (-want +got):\n%s", diff)
	}
}

func TestMarkerFiltering(t *testing.T) {
	p := index.NewLocalProvider()
	p.AddVersion("cli", "1.0", req(t, `colorama; sys_platform == "win32"`))
	p.AddVersion("colorama", "0.4")

	// The default environment is linux; the dependency is filtered out.
	res, err := resolve(t, p, Options{}, "cli")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := res.Candidates["colorama"]; ok {
		t.Errorf("colorama resolved for linux")
	}

	// Locking for windows keeps it, and the marker lands on the entry.
	win := marker.Environment{"sys_platform": "win32", "python_version": "3.11"}
	res, err = resolve(t, p, Options{Environments: []marker.Environment{win}}, "cli")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := res.Candidates["colorama"]; !ok {
		t.Fatalf("colorama missing for win32, got %v", pins(res))
	}
	if want := `sys_platform == "win32"`; res.Markers["colorama"] != want {
		t.Errorf("Markers[colorama] = %q, want %q", res.Markers["colorama"], want)
	}
}

func TestPrereleases(t *testing.T) {
	p := index.NewLocalProvider()
	p.AddVersion("alpha", "1.5")
	p.AddVersion("alpha", "2.0a1")

	// Globally allowed: the pre-release is newest.
	res, err := resolve(t, p, Options{AllowPrereleases: true}, "alpha>=1.0")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := res.Candidates["alpha"].Version; got != "2.0a1" {
		t.Errorf("with AllowPrereleases: pinned %s, want 2.0a1", got)
	}

	// No stable version satisfies: fall back to pre-releases without any
	// opt-in.
	res, err = resolve(t, p, Options{}, "alpha>=2.0a0")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := res.Candidates["alpha"].Version; got != "2.0a1" {
		t.Errorf("forced pre-release: pinned %s, want 2.0a1", got)
	}

	// The per-package override beats the global policy.
	f := false
	rr := req(t, "alpha>=1.0")
	rr.AllowPrereleases = &f
	res, err = New(p, Options{AllowPrereleases: true}).Resolve(context.Background(), []requirement.Requirement{rr})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := res.Candidates["alpha"].Version; got != "1.5" {
		t.Errorf("per-package override: pinned %s, want 1.5", got)
	}
}

func TestMixedPrereleaseRequirements(t *testing.T) {
	// Only a pre-release satisfies one requirement while a stable version
	// satisfies the other; the merged constraint must admit the
	// pre-release instead of reporting a conflict.
	p := index.NewLocalProvider()
	p.AddVersion("x", "0.5")
	p.AddVersion("x", "2.0a1")

	for _, order := range [][]string{
		{"x>=2.0a0", "x>=0.1"},
		{"x>=0.1", "x>=2.0a0"},
	} {
		res, err := resolve(t, p, Options{}, order...)
		if err != nil {
			t.Fatalf("Resolve(%v): %v", order, err)
		}
		if got := res.Candidates["x"].Version; got != "2.0a1" {
			t.Errorf("Resolve(%v): pinned %s, want 2.0a1", order, got)
		}
	}
}

func TestPrereleaseFallbackAcrossRequirements(t *testing.T) {
	// Neither specifier names a pre-release, but no stable version
	// satisfies both; pre-releases are only skipped while a stable
	// version satisfies the whole merged constraint.
	p := index.NewLocalProvider()
	p.AddVersion("y", "0.5")
	p.AddVersion("y", "0.7a1")

	res, err := resolve(t, p, Options{}, "y>=0.6", "y<1.0")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := res.Candidates["y"].Version; got != "0.7a1" {
		t.Errorf("pinned %s, want 0.7a1", got)
	}
}

func TestMarkerSurvivesReselection(t *testing.T) {
	// a 2.0 needs colorama unconditionally, but b forces a back to 1.0,
	// which does not need it at all. The only live path to colorama is
	// b's conditional one, so its marker must land on the entry.
	p := index.NewLocalProvider()
	p.AddVersion("a", "1.0")
	p.AddVersion("a", "2.0", req(t, "colorama"))
	p.AddVersion("b", "1.0", reqs(t, "a<2.0", `colorama; sys_platform == "win32"`)...)
	p.AddVersion("colorama", "0.4")

	win := marker.Environment{"sys_platform": "win32", "python_version": "3.11"}
	res, err := resolve(t, p, Options{Environments: []marker.Environment{win}}, "a", "b")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := map[string]string{"a": "1.0", "b": "1.0", "colorama": "0.4"}
	if diff := cmp.Diff(want, pins(res)); diff != "" {
		t.Fatalf("pins: (-want +got):\n%s", diff)
	}
	if want := `sys_platform == "win32"`; res.Markers["colorama"] != want {
		t.Errorf("Markers[colorama] = %q, want %q", res.Markers["colorama"], want)
	}
}

// stubRefResolver resolves every reference to a fixed commit.
type stubRefResolver struct {
	requires []requirement.Requirement
}

func (s *stubRefResolver) ResolveRef(ctx context.Context, r requirement.Requirement) (index.Candidate, error) {
	ref := *r.Ref
	ref.Revision = "0123456789abcdef0123456789abcdef01234567"
	return index.Candidate{
		Name:     r.Name,
		Version:  ref.Revision,
		Requires: s.requires,
		Ref:      &ref,
	}, nil
}

func TestExactRef(t *testing.T) {
	p := index.NewLocalProvider()
	p.AddVersion("click", "8.0")
	p.AddVersion("flask", "2.0") // index copy must lose to the reference

	stub := &stubRefResolver{requires: reqs(t, "click")}
	flask := requirement.Requirement{
		Name:     "flask",
		Ref:      &requirement.ExactRef{Kind: requirement.RefVCS, URL: "https://github.com/pallets/flask.git", VCS: "git", Revision: "main"},
		Category: requirement.Default,
	}

	res, err := New(p, Options{RefResolver: stub}).Resolve(context.Background(),
		append([]requirement.Requirement{flask}, req(t, "click>=8.0")))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got := res.Candidates["flask"]
	if got.Ref == nil || got.Ref.Revision != "0123456789abcdef0123456789abcdef01234567" {
		t.Fatalf("flask candidate = %+v, want resolved reference", got)
	}
	if _, ok := res.Candidates["click"]; !ok {
		t.Errorf("dependency of the reference candidate not resolved")
	}
}

func TestCancellation(t *testing.T) {
	p := index.NewLocalProvider()
	p.AddVersion("alpha", "1.0")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(p, Options{}).Resolve(ctx, reqs(t, "alpha"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Resolve on cancelled ctx: %v, want context.Canceled", err)
	}
}

func TestTooDeep(t *testing.T) {
	p := index.NewLocalProvider()
	p.AddVersion("a", "1.0", req(t, "b"))
	p.AddVersion("b", "1.0", req(t, "c"))
	p.AddVersion("c", "1.0")

	_, err := New(p, Options{MaxRounds: 1}).Resolve(context.Background(), reqs(t, "a"))
	if !errors.Is(err, ErrTooDeep) {
		t.Errorf("Resolve with MaxRounds=1: %v, want ErrTooDeep", err)
	}
}

func TestDeterministicAcrossRuns(t *testing.T) {
	p := index.NewLocalProvider()
	p.AddVersion("app", "1.0", reqs(t, "left>=1.0", "right>=1.0")...)
	for _, v := range []string{"1.0", "1.1", "1.2"} {
		p.AddVersion("left", v, req(t, "base"))
		p.AddVersion("right", v, req(t, "base"))
	}
	p.AddVersion("base", "3.0")

	first, err := resolve(t, p, Options{}, "app")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := resolve(t, p, Options{}, "app")
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(pins(first), pins(again)); diff != "" {
			t.Fatalf("run %d diverged: (-first +again):\n%s", i, diff)
		}
	}
}
