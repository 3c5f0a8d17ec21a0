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

// Package artifact collects content hashes for resolved candidates. Index
// metadata usually already carries digests; an artifact is only downloaded
// when its known digests all use a disallowed algorithm. The output is the
// "algorithm:hex" hash list a lock entry records.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pypa/pipenv-sub002/index"
)

// ErrNoArtifacts means a selected candidate has no artifact acceptable for
// the configured target platforms. Such a candidate cannot be locked.
var ErrNoArtifacts = errors.New("no acceptable artifacts")

// HashError reports that an artifact of a candidate could not be hashed. It
// is fatal for that candidate; the caller decides whether to fail the run or
// exclude the version and resolve again.
type HashError struct {
	Candidate string
	Artifact  string
	Err       error
}

func (e *HashError) Error() string {
	return fmt.Sprintf("hashing %s of %s: %v", e.Artifact, e.Candidate, e.Err)
}

func (e *HashError) Unwrap() error { return e.Err }

// allowedAlgorithms are the digest algorithms a lock file may record.
// Weaker algorithms in index metadata (notably MD5 from legacy indexes) are
// ignored and the artifact is re-hashed from a download instead.
var allowedAlgorithms = []string{"sha256", "sha384", "sha512"}

// Config configures a Collector. The zero value accepts every platform and
// uses the default HTTP client.
type Config struct {
	// Targets are the platform tags to lock for, e.g.
	// "manylinux_2_17_x86_64" or "win_amd64". A wheel is acceptable when
	// its platform is "any" or appears here. Source distributions are
	// always acceptable. Empty accepts everything.
	Targets []string
	// Workers bounds concurrent downloads; zero means 4.
	Workers int
	// Client is the HTTP client for downloads. Nil uses a client with a
	// 60 second timeout.
	Client *http.Client
	// Logger receives download events. Nil disables logging.
	Logger *zap.Logger
}

// Collector computes the hash list for candidates. Safe for concurrent use.
type Collector struct {
	cfg     Config
	client  *http.Client
	log     *zap.Logger
	targets map[string]bool
}

// New creates a Collector.
func New(cfg Config) *Collector {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	targets := make(map[string]bool, len(cfg.Targets))
	for _, t := range cfg.Targets {
		targets[t] = true
	}
	return &Collector{cfg: cfg, client: client, log: log, targets: targets}
}

// Collect returns the sorted, de-duplicated "algorithm:hex" hashes covering
// every acceptable artifact of the candidate. Reference candidates (VCS,
// path, URL) have no index artifacts and yield a nil list. A candidate with
// no acceptable artifact fails with ErrNoArtifacts; an artifact that cannot
// be hashed fails with a *HashError.
func (c *Collector) Collect(ctx context.Context, cand index.Candidate) ([]string, error) {
	if cand.Ref != nil {
		return nil, nil
	}
	var accepted []index.Artifact
	for _, a := range cand.Artifacts {
		if c.acceptable(a) {
			accepted = append(accepted, a)
		}
	}
	if len(accepted) == 0 {
		return nil, fmt.Errorf("%s: %w", cand.Key(), ErrNoArtifacts)
	}

	hashes := make([]string, len(accepted))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for i, a := range accepted {
		i, a := i, a
		if h, ok := knownDigest(a); ok {
			hashes[i] = h
			continue
		}
		g.Go(func() error {
			h, err := c.download(ctx, a)
			if err != nil {
				return &HashError{Candidate: cand.Key(), Artifact: a.Filename, Err: err}
			}
			hashes[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(hashes)
	out := hashes[:0]
	for i, h := range hashes {
		if i == 0 || h != hashes[i-1] {
			out = append(out, h)
		}
	}
	return out, nil
}

// CollectAll collects hashes for a whole resolution, bounded by the worker
// limit across candidates. On error the partial result is discarded.
func (c *Collector) CollectAll(ctx context.Context, cands map[string]index.Candidate) (map[string][]string, error) {
	var mu sync.Mutex
	out := make(map[string][]string, len(cands))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for name, cand := range cands {
		name, cand := name, cand
		g.Go(func() error {
			hs, err := c.Collect(ctx, cand)
			if err != nil {
				return err
			}
			mu.Lock()
			out[name] = hs
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// acceptable reports whether the artifact can be used on at least one target
// platform. Sdists build anywhere.
func (c *Collector) acceptable(a index.Artifact) bool {
	if a.IsSdist() {
		return true
	}
	if len(c.targets) == 0 {
		return true
	}
	for _, tag := range a.Tags {
		// Tags are python-abi-platform triples.
		i := strings.LastIndex(tag, "-")
		if i < 0 {
			continue
		}
		platform := tag[i+1:]
		if platform == "any" || c.targets[platform] {
			return true
		}
	}
	return false
}

// knownDigest picks the strongest allowed digest already present in the
// index metadata.
func knownDigest(a index.Artifact) (string, bool) {
	for i := len(allowedAlgorithms) - 1; i >= 0; i-- {
		alg := allowedAlgorithms[i]
		if v, ok := a.Hashes[alg]; ok && v != "" {
			return alg + ":" + strings.ToLower(v), true
		}
	}
	return "", false
}

// download fetches the artifact and returns its SHA-256 digest. Transient
// failures are retried a few times with exponential backoff.
func (c *Collector) download(ctx context.Context, a index.Artifact) (string, error) {
	c.log.Debug("downloading for hash", zap.String("artifact", a.Filename))
	op := func() (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
		if err != nil {
			return "", backoff.Permanent(err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return "", backoff.Permanent(ctx.Err())
			}
			return "", err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode >= 500:
			return "", fmt.Errorf("server status %s", resp.Status)
		default:
			return "", backoff.Permanent(fmt.Errorf("status %s", resp.Status))
		}
		h := sha256.New()
		if _, err := io.Copy(h, resp.Body); err != nil {
			return "", err
		}
		return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
	}
	return backoff.RetryWithData(op, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMaxInterval(5*time.Second),
	), 3), ctx))
}
