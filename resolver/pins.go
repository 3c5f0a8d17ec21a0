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

import "github.com/pypa/pipenv-sub002/index"

// pinMap maps package names to their pinned candidates while remembering
// insertion order, so backtracking can remove the most recent decision in
// constant time.
type pinMap struct {
	m     map[string]index.Candidate
	stack []string // insertion order of the map keys
}

func newPinMap(capacity int) *pinMap {
	return &pinMap{
		m:     make(map[string]index.Candidate, capacity),
		stack: make([]string, 0, capacity),
	}
}

func (p *pinMap) Len() int { return len(p.m) }

func (p *pinMap) Get(name string) (index.Candidate, bool) {
	c, ok := p.m[name]
	return c, ok
}

// Set pins a candidate. A re-pinned name counts as newly inserted.
func (p *pinMap) Set(name string, c index.Candidate) {
	for i, n := range p.stack {
		if n == name {
			p.stack = append(p.stack[:i], p.stack[i+1:]...)
			break
		}
	}
	p.m[name] = c
	p.stack = append(p.stack, name)
}

// Pop removes and returns the most recently pinned entry.
func (p *pinMap) Pop() (string, index.Candidate) {
	if len(p.stack) == 0 {
		return "", index.Candidate{}
	}
	name := p.stack[len(p.stack)-1]
	c := p.m[name]
	delete(p.m, name)
	p.stack = p.stack[:len(p.stack)-1]
	return name, c
}

// Iterate applies f to all pins in insertion order.
func (p *pinMap) Iterate(f func(string, index.Candidate)) {
	for _, name := range p.stack {
		f(name, p.m[name])
	}
}

func (p *pinMap) Clone() *pinMap {
	q := &pinMap{
		m:     make(map[string]index.Candidate, len(p.m)),
		stack: append([]string(nil), p.stack...),
	}
	for name, c := range p.m {
		q.m[name] = c
	}
	return q
}
