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

// Package vcs resolves exact references to their single fixed candidate. For
// git references the requested branch, tag or abbreviated commit is pinned to
// a full commit hash by listing the remote's advertised refs, the equivalent
// of git ls-remote; nothing is cloned. Path and URL references pass through
// unchanged.
package vcs

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"
	"go.uber.org/zap"

	"github.com/pypa/pipenv-sub002/index"
	"github.com/pypa/pipenv-sub002/requirement"
	"github.com/pypa/pipenv-sub002/source"
)

// Resolver resolves exact references ahead of version resolution. The zero
// value is usable; Env and Logger default to the process environment and a
// no-op logger.
type Resolver struct {
	// Env looks up environment variables for ${VAR} placeholders in
	// repository URLs. Nil means os.LookupEnv.
	Env func(string) (string, bool)
	// Logger receives lookup events. Nil disables logging.
	Logger *zap.Logger

	// lister is swapped out in tests.
	lister func(ctx context.Context, url string) ([]*plumbing.Reference, error)
}

func (r *Resolver) env() func(string) (string, bool) {
	if r.Env != nil {
		return r.Env
	}
	return os.LookupEnv
}

func (r *Resolver) log() *zap.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return zap.NewNop()
}

// ResolveRef returns the single candidate for a requirement carrying an exact
// reference. VCS references come back with Revision pinned to a full commit
// hash; the candidate's version is that hash. The original URL, placeholders
// included, is preserved on the returned reference so it can be persisted
// without leaking credentials.
func (r *Resolver) ResolveRef(ctx context.Context, req requirement.Requirement) (index.Candidate, error) {
	if req.Ref == nil {
		return index.Candidate{}, fmt.Errorf("%s: not an exact reference", req.Name)
	}
	ref := *req.Ref
	switch ref.Kind {
	case requirement.RefVCS:
		if ref.VCS != "git" {
			return index.Candidate{}, fmt.Errorf("%s: unsupported version control system %q", req.Name, ref.VCS)
		}
		hash, err := r.pinRevision(ctx, req.Name, ref)
		if err != nil {
			return index.Candidate{}, err
		}
		ref.Revision = hash
		return index.Candidate{
			Name:    req.Name,
			Version: hash,
			Extras:  req.Extras,
			Ref:     &ref,
		}, nil
	case requirement.RefPath, requirement.RefURL:
		return index.Candidate{
			Name:    req.Name,
			Version: ref.Revision,
			Extras:  req.Extras,
			Ref:     &ref,
		}, nil
	}
	return index.Candidate{}, fmt.Errorf("%s: unknown reference kind", req.Name)
}

// pinRevision maps the requested revision to a full commit hash using the
// remote's advertised references.
func (r *Resolver) pinRevision(ctx context.Context, name string, ref requirement.ExactRef) (string, error) {
	url, err := source.ExpandVars(ref.URL, name, r.env())
	if err != nil {
		return "", err
	}
	refs, err := r.listRemote(ctx, url)
	if err != nil {
		return "", fmt.Errorf("%s: listing %q: %w", name, ref.URL, err)
	}

	rev := ref.Revision
	if isFullHash(rev) {
		return rev, nil
	}
	// Try, in order: the requested name as a tag, as a branch, as an
	// advertised ref verbatim, and finally the remote HEAD when no
	// revision was given. Peeled tag refs point at the commit the
	// annotated tag wraps and win over the tag object itself.
	wanted := []plumbing.ReferenceName{
		plumbing.ReferenceName("refs/tags/" + rev + "^{}"),
		plumbing.NewTagReferenceName(rev),
		plumbing.NewBranchReferenceName(rev),
		plumbing.ReferenceName(rev),
	}
	if rev == "" {
		wanted = []plumbing.ReferenceName{plumbing.HEAD, plumbing.Master}
	}
	byName := make(map[plumbing.ReferenceName]*plumbing.Reference, len(refs))
	for _, ar := range refs {
		byName[ar.Name()] = ar
	}
	for _, w := range wanted {
		ar, ok := byName[w]
		if !ok {
			continue
		}
		if ar.Type() == plumbing.SymbolicReference {
			if target, ok := byName[ar.Target()]; ok {
				ar = target
			} else {
				continue
			}
		}
		r.log().Debug("revision pinned",
			zap.String("package", name),
			zap.String("revision", rev),
			zap.String("commit", ar.Hash().String()))
		return ar.Hash().String(), nil
	}
	// An abbreviated commit hash doesn't appear in the advertised refs;
	// accept it only when it prefixes one of them.
	if isAbbrevHash(rev) {
		for _, ar := range refs {
			if strings.HasPrefix(ar.Hash().String(), rev) {
				return ar.Hash().String(), nil
			}
		}
		return "", fmt.Errorf("%s: revision %q is not an advertised ref; use a branch, tag or full commit hash", name, rev)
	}
	return "", fmt.Errorf("%s: revision %q not found in %q", name, rev, ref.URL)
}

func (r *Resolver) listRemote(ctx context.Context, url string) ([]*plumbing.Reference, error) {
	if r.lister != nil {
		return r.lister(ctx, url)
	}
	rem := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: "origin",
		URLs: []string{url},
	})
	return rem.ListContext(ctx, &git.ListOptions{})
}

func isFullHash(s string) bool {
	return len(s) == 40 && isHex(s)
}

func isAbbrevHash(s string) bool {
	return len(s) >= 7 && len(s) < 40 && isHex(s)
}

func isHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
