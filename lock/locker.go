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
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/pypa/pipenv-sub002/artifact"
	"github.com/pypa/pipenv-sub002/index"
	"github.com/pypa/pipenv-sub002/marker"
	"github.com/pypa/pipenv-sub002/pipfile"
	"github.com/pypa/pipenv-sub002/requirement"
	"github.com/pypa/pipenv-sub002/resolver"
	"github.com/pypa/pipenv-sub002/source"
	"github.com/pypa/pipenv-sub002/vcs"
)

// Options configures a Locker. The zero value locks both categories for the
// default environment.
type Options struct {
	// AllowPrereleases admits pre-release versions globally, in addition
	// to the Pipfile's own [pipenv] allow_prereleases setting.
	AllowPrereleases bool
	// Categories restricts locking to the named dependency groups. Empty
	// locks default and develop.
	Categories []requirement.Category
	// TargetPlatforms are the platform tags hashes must cover; see
	// artifact.Config.Targets.
	TargetPlatforms []string
	// Environments are the marker environments to lock for.
	Environments []marker.Environment
	// ClearCache discards warmed metadata between resolution attempts of
	// the same category instead of reusing it.
	ClearCache bool
	// RetryOlderOnHashError re-resolves with the offending version
	// excluded when a candidate's artifacts cannot be hashed, instead of
	// failing the run.
	RetryOlderOnHashError bool
	// Workers bounds concurrent metadata fetches and downloads.
	Workers int
	// Logger receives progress events. Nil disables logging.
	Logger *zap.Logger
	// RefResolver resolves exact references; nil uses the git-backed
	// default.
	RefResolver resolver.RefResolver
}

// Locker runs the whole pipeline: Pipfile in, lock document out. Each
// dependency category is resolved independently with its own metadata cache;
// only the HTTP connection pool is shared.
type Locker struct {
	pf       *pipfile.Pipfile
	registry *source.Registry
	sources  []source.Source
	opts     Options
	log      *zap.Logger

	// newProvider is swapped out in tests.
	newProvider func() index.Provider
}

// maxHashRetries bounds how many candidate versions are excluded and
// re-resolved before a hash failure becomes fatal.
const maxHashRetries = 3

// NewLocker validates the Pipfile's source configuration and prepares a
// Locker.
func NewLocker(pf *pipfile.Pipfile, opts Options) (*Locker, error) {
	sources := make([]source.Source, len(pf.Sources))
	for i, s := range pf.Sources {
		verify := true
		if s.VerifySSL != nil {
			verify = *s.VerifySSL
		}
		sources[i] = source.Source{Name: s.Name, URL: s.URL, VerifyTLS: verify}
	}
	reg, err := source.NewRegistry(sources)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.RefResolver == nil {
		opts.RefResolver = &vcs.Resolver{Logger: log}
	}
	l := &Locker{pf: pf, registry: reg, sources: sources, opts: opts, log: log}
	l.newProvider = func() index.Provider {
		return index.NewHTTPProvider(reg, index.Config{Workers: opts.Workers, Logger: log})
	}
	return l, nil
}

// Requirements evaluates the full requirement model up front. Any malformed
// declaration fails here, before network work starts.
func (l *Locker) Requirements() ([]requirement.Requirement, error) {
	var out []requirement.Requirement
	for _, cat := range []requirement.Category{requirement.Default, requirement.Develop} {
		table, dev := l.pf.Packages, false
		if cat == requirement.Develop {
			table, dev = l.pf.DevPackages, true
		}
		for _, name := range l.pf.Names(dev) {
			r, err := requirement.FromPipfileEntry(name, table[name], cat)
			if err != nil {
				return nil, err
			}
			out = append(out, r)
		}
	}
	return out, nil
}

// Lock resolves, collects hashes, builds the document and atomically writes
// it to path. When the existing document is still fresh and force is false,
// it is returned untouched without any resolution work.
func (l *Locker) Lock(ctx context.Context, path string, force bool) (*Document, error) {
	reqs, err := l.Requirements()
	if err != nil {
		return nil, err
	}
	fp, err := Fingerprint(reqs, l.sources, l.pf.Requires, l.allowPre())
	if err != nil {
		return nil, err
	}
	if !force {
		if existing, err := Read(path); err == nil && existing.Meta.Hash.SHA256 == fp {
			l.log.Info("lock file up to date", zap.String("path", path))
			return existing, nil
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			l.log.Warn("existing lock file unreadable, relocking", zap.Error(err))
		}
	}

	var def, dev BuildInput
	for _, cat := range l.categories() {
		var catReqs []requirement.Requirement
		for _, r := range reqs {
			if r.Category == cat {
				catReqs = append(catReqs, r)
			}
		}
		in, err := l.resolveCategory(ctx, cat, catReqs)
		if err != nil {
			return nil, fmt.Errorf("locking %s: %w", cat, err)
		}
		if cat == requirement.Develop {
			dev = in
		} else {
			def = in
		}
	}

	doc, err := Build(def, dev, l.sources, fp, l.pf.Requires)
	if err != nil {
		return nil, err
	}
	if err := Write(path, doc); err != nil {
		return nil, err
	}
	l.log.Info("lock file written", zap.String("path", path),
		zap.Int("default", len(doc.Default)), zap.Int("develop", len(doc.Develop)))
	return doc, nil
}

// Check reads the document at path and reports staleness against the current
// Pipfile, without any network access.
func (l *Locker) Check(path string) (bool, []string, error) {
	doc, err := Read(path)
	if err != nil {
		return false, nil, err
	}
	reqs, err := l.Requirements()
	if err != nil {
		return false, nil, err
	}
	return Check(doc, reqs, l.sources, l.pf.Requires, l.allowPre())
}

// allowPre is the effective global pre-release policy: the run option or the
// Pipfile's own setting.
func (l *Locker) allowPre() bool {
	return l.opts.AllowPrereleases || l.pf.Settings.AllowPrereleases
}

func (l *Locker) categories() []requirement.Category {
	if len(l.opts.Categories) > 0 {
		return l.opts.Categories
	}
	return []requirement.Category{requirement.Default, requirement.Develop}
}

// resolveCategory resolves one category and collects its hashes. When a
// candidate's artifacts cannot be hashed and the retry policy allows, the
// version is excluded and resolution runs again, which makes the solver fall
// back to an older release.
func (l *Locker) resolveCategory(ctx context.Context, cat requirement.Category, reqs []requirement.Requirement) (BuildInput, error) {
	collector := artifact.New(artifact.Config{
		Targets: l.opts.TargetPlatforms,
		Workers: l.opts.Workers,
		Logger:  l.log,
	})
	excluded := make(map[string]bool)
	provider := l.newProvider()
	for attempt := 0; ; attempt++ {
		if l.opts.ClearCache && attempt > 0 {
			provider = l.newProvider()
		}
		var p index.Provider = provider
		if len(excluded) > 0 {
			p = &excludeProvider{Provider: provider, excluded: excluded}
		}
		res, err := resolver.New(p, resolver.Options{
			AllowPrereleases: l.allowPre(),
			Environments:     l.opts.Environments,
			RefResolver:      l.opts.RefResolver,
			Logger:           l.log,
		}).Resolve(ctx, reqs)
		if err != nil {
			return BuildInput{}, err
		}
		hashes, err := collector.CollectAll(ctx, res.Candidates)
		if err != nil {
			var he *artifact.HashError
			if errors.As(err, &he) && l.opts.RetryOlderOnHashError && attempt < maxHashRetries {
				l.log.Warn("excluding unhashable candidate",
					zap.String("candidate", he.Candidate), zap.Error(he.Err))
				excluded[he.Candidate] = true
				continue
			}
			return BuildInput{}, err
		}
		return BuildInput{Resolution: res, Hashes: hashes}, nil
	}
}

// excludeProvider hides specific candidate versions from the solver.
type excludeProvider struct {
	index.Provider
	excluded map[string]bool
}

func (p *excludeProvider) Versions(ctx context.Context, req requirement.Requirement) ([]index.Candidate, error) {
	return p.filter(p.Provider.Versions(ctx, req))
}

func (p *excludeProvider) Matching(ctx context.Context, req requirement.Requirement) ([]index.Candidate, error) {
	return p.filter(p.Provider.Matching(ctx, req))
}

func (p *excludeProvider) filter(cs []index.Candidate, err error) ([]index.Candidate, error) {
	if err != nil {
		return nil, err
	}
	out := make([]index.Candidate, 0, len(cs))
	for _, c := range cs {
		if !p.excluded[c.Key()] {
			out = append(out, c)
		}
	}
	return out, nil
}
