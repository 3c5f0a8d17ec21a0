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
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"deps.dev/util/pypi"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/pypa/pipenv-sub002/requirement"
	"github.com/pypa/pipenv-sub002/source"
)

// Config controls one HTTPProvider.
type Config struct {
	// Workers bounds the number of concurrent metadata fetches.
	Workers int
	// MaxRetries bounds the retry attempts for transient index failures.
	MaxRetries uint64
	// Timeout applies per HTTP request.
	Timeout time.Duration
	// Logger receives fetch and retry events. Nil means no logging.
	Logger *zap.Logger
}

func (c *Config) fill() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// HTTPProvider fetches candidate metadata from package indexes over their
// JSON API. The response cache is keyed by (source, package [, version]) and
// lives for exactly one resolution run: long sessions must not observe a
// mixture of index states, and concurrent runs must not share metadata.
// Fetches for the same key are deduplicated so concurrent callers await a
// single in-flight request. The underlying http.Client (and so the connection
// pool) may be shared across runs via SharedTransport.
type HTTPProvider struct {
	registry *source.Registry
	cfg      Config
	client   *http.Client
	insecure *http.Client

	sf    singleflight.Group
	mu    sync.Mutex
	cache map[string]any

	warnMu   sync.Mutex
	warnings []Warning
}

// SharedTransport is the connection pool shared by providers constructed
// without an explicit client. Separate resolution runs get separate caches
// but may reuse these connections.
var SharedTransport = &http.Transport{MaxIdleConnsPerHost: 8}

// NewHTTPProvider builds a provider over the registry's sources. Each call
// creates a fresh cache; create one provider per resolution run.
func NewHTTPProvider(reg *source.Registry, cfg Config) *HTTPProvider {
	cfg.fill()
	insecureTransport := SharedTransport.Clone()
	insecureTransport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	return &HTTPProvider{
		registry: reg,
		cfg:      cfg,
		client:   &http.Client{Transport: SharedTransport, Timeout: cfg.Timeout},
		insecure: &http.Client{Transport: insecureTransport, Timeout: cfg.Timeout},
		cache:    make(map[string]any),
	}
}

// errNotFound marks a package or version absent from a source. It is not a
// source failure: the source simply offers zero candidates.
var errNotFound = errors.New("not found")

// Versions implements Provider, merging the candidate lists of every source
// allowed to serve the requirement. Source failures become warnings unless the
// requirement pinned itself to the failing source, or no source could answer
// at all.
func (p *HTTPProvider) Versions(ctx context.Context, req requirement.Requirement) ([]Candidate, error) {
	sources, err := p.registry.For(req)
	if err != nil {
		return nil, err
	}
	pinned := req.Index != ""
	var (
		lists    [][]Candidate
		answered bool
		firstErr error
	)
	for _, src := range sources {
		cs, err := p.projectVersions(ctx, src, req.Name)
		switch {
		case err == nil:
			answered = true
			lists = append(lists, cs)
		case errors.Is(err, errNotFound):
			// Absent from this source; nothing to report.
			answered = true
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, err
		default:
			su := &SourceUnavailable{Source: src.Name, Package: req.Name, Err: err}
			if pinned {
				return nil, su
			}
			p.warn(Warning{Source: src.Name, Package: req.Name, Err: su})
			p.cfg.Logger.Warn("source unavailable",
				zap.String("source", src.Name),
				zap.String("package", req.Name),
				zap.Error(err))
			if firstErr == nil {
				firstErr = su
			}
		}
	}
	if !answered {
		// Every source failed; there is no viable fallback.
		return nil, firstErr
	}
	return mergeBySources(lists), nil
}

// Matching implements Provider.
func (p *HTTPProvider) Matching(ctx context.Context, req requirement.Requirement) ([]Candidate, error) {
	vs, err := p.Versions(ctx, req)
	if err != nil {
		return nil, err
	}
	return matchingOf(vs, req, false), nil
}

// Requires implements Provider, fetching the per-version dependency metadata
// from the source that supplied the candidate.
func (p *HTTPProvider) Requires(ctx context.Context, c Candidate) ([]requirement.Requirement, error) {
	if c.Ref != nil {
		// Reference candidates are never in an index; their metadata
		// was attached when the reference was resolved.
		return c.Requires, nil
	}
	src, err := p.registry.Get(c.Source)
	if err != nil {
		return nil, err
	}
	key := strings.Join([]string{src.Name, c.Name, c.Version}, "\x00")
	v, err := p.once(ctx, key, func(ctx context.Context) (any, error) {
		return p.fetchRequires(ctx, src, c.Name, c.Version)
	})
	if err != nil {
		return nil, fmt.Errorf("requirements of %v: %w", c, err)
	}
	return v.([]requirement.Requirement), nil
}

// Prefetch warms the project cache for the given requirements using a bounded
// worker pool. Errors are deliberately dropped here; they resurface on the
// blocking fetch for whichever package the resolver actually needs.
func (p *HTTPProvider) Prefetch(ctx context.Context, reqs []requirement.Requirement) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	seen := make(map[string]bool)
	for _, req := range reqs {
		if req.IsPinned() || seen[req.Name] {
			continue
		}
		seen[req.Name] = true
		req := req
		g.Go(func() error {
			sources, err := p.registry.For(req)
			if err != nil {
				return nil
			}
			for _, src := range sources {
				p.projectVersions(ctx, src, req.Name)
			}
			return nil
		})
	}
	g.Wait()
}

// Warnings implements Provider.
func (p *HTTPProvider) Warnings() []Warning {
	p.warnMu.Lock()
	defer p.warnMu.Unlock()
	return append([]Warning(nil), p.warnings...)
}

func (p *HTTPProvider) warn(w Warning) {
	p.warnMu.Lock()
	defer p.warnMu.Unlock()
	p.warnings = append(p.warnings, w)
}

// projectVersions returns one source's candidates for a package, ascending.
func (p *HTTPProvider) projectVersions(ctx context.Context, src source.Source, name string) ([]Candidate, error) {
	key := strings.Join([]string{src.Name, name}, "\x00")
	v, err := p.once(ctx, key, func(ctx context.Context) (any, error) {
		return p.fetchProject(ctx, src, name)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Candidate), nil
}

// once runs fetch at most one time per key: results are cached for the life
// of the provider and concurrent callers of the same key share one in-flight
// request.
func (p *HTTPProvider) once(ctx context.Context, key string, fetch func(context.Context) (any, error)) (any, error) {
	p.mu.Lock()
	if v, ok := p.cache[key]; ok {
		p.mu.Unlock()
		return v, nil
	}
	p.mu.Unlock()
	v, err, _ := p.sf.Do(key, func() (any, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.cache[key] = v
		p.mu.Unlock()
		return v, nil
	})
	return v, err
}

// projectResponse is the JSON API project document
// (https://warehouse.pypa.io/api-reference/json.html).
type projectResponse struct {
	Info     infoResponse              `json:"info"`
	Releases map[string][]fileResponse `json:"releases"`
}

type infoResponse struct {
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	RequiresDist  []string `json:"requires_dist"`
	ProvidesExtra []string `json:"provides_extra"`
}

type fileResponse struct {
	Filename string            `json:"filename"`
	URL      string            `json:"url"`
	Digests  map[string]string `json:"digests"`
	Yanked   bool              `json:"yanked"`
}

// apiRoot normalizes a source URL to its JSON API root. Pipfiles
// conventionally point at the simple index; the warehouse convention puts the
// JSON API under /pypi on the same host.
func apiRoot(url string) string {
	url = strings.TrimRight(url, "/")
	if strings.HasSuffix(url, "/simple") {
		url = strings.TrimSuffix(url, "/simple") + "/pypi"
	}
	return url
}

func (p *HTTPProvider) fetchProject(ctx context.Context, src source.Source, name string) ([]Candidate, error) {
	var doc projectResponse
	url, err := p.registry.FetchURL(src)
	if err != nil {
		return nil, err
	}
	url = fmt.Sprintf("%s/%s/json", apiRoot(url), name)
	if err := p.getJSON(ctx, src, url, &doc); err != nil {
		return nil, err
	}
	var out []Candidate
	for version, files := range doc.Releases {
		c := Candidate{
			Name:    pypi.CanonPackageName(name),
			Version: version,
			Source:  src.Name,
		}
		for _, f := range files {
			if f.Yanked {
				continue
			}
			c.Artifacts = append(c.Artifacts, Artifact{
				Filename: f.Filename,
				URL:      f.URL,
				Hashes:   f.Digests,
				Tags:     tagsForFilename(f.Filename),
			})
		}
		if len(c.Artifacts) == 0 {
			continue
		}
		out = append(out, c)
	}
	sortCandidates(out)
	return out, nil
}

func (p *HTTPProvider) fetchRequires(ctx context.Context, src source.Source, name, version string) ([]requirement.Requirement, error) {
	var doc projectResponse
	url, err := p.registry.FetchURL(src)
	if err != nil {
		return nil, err
	}
	url = fmt.Sprintf("%s/%s/%s/json", apiRoot(url), name, version)
	if err := p.getJSON(ctx, src, url, &doc); err != nil {
		return nil, err
	}
	var reqs []requirement.Requirement
	for _, line := range doc.Info.RequiresDist {
		r, err := requirement.Parse(line, "")
		if err != nil {
			// Malformed metadata is a non-transient source problem
			// for this version.
			return nil, fmt.Errorf("metadata for %s %s: %w", name, version, err)
		}
		reqs = append(reqs, r)
	}
	return reqs, nil
}

// getJSON performs one logical GET with bounded exponential backoff on
// transient failures. Timeouts and 5xx responses retry; 404 maps to
// errNotFound and any other failure is permanent.
func (p *HTTPProvider) getJSON(ctx context.Context, src source.Source, url string, out any) error {
	client := p.client
	if !src.VerifyTLS {
		client = p.insecure
	}
	attempt := 0
	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			p.cfg.Logger.Debug("index fetch retry",
				zap.String("url", url), zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusOK:
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(body, out); err != nil {
				return backoff.Permanent(fmt.Errorf("malformed index response: %v", err))
			}
			return nil
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(errNotFound)
		case resp.StatusCode >= 500:
			p.cfg.Logger.Debug("index fetch retry",
				zap.String("url", url), zap.Int("attempt", attempt), zap.Int("status", resp.StatusCode))
			return fmt.Errorf("index returned %s", resp.Status)
		default:
			return backoff.Permanent(fmt.Errorf("index returned %s", resp.Status))
		}
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(200*time.Millisecond),
		backoff.WithMaxInterval(5*time.Second),
	), p.cfg.MaxRetries), ctx)
	return backoff.Retry(op, bo)
}
