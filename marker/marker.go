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
Package marker parses and evaluates PEP 508 environment markers
(https://www.python.org/dev/peps/pep-0508/#environment-markers).

Unlike a marker evaluated against the running interpreter, a parsed Marker
here is a pure expression: variable values are supplied at evaluation time
through an Environment, so the same marker can be checked against several
target environments during a cross-platform lock.

The relevant parts of the grammar are:

	marker       = marker_or
	marker_or    = marker_and wsp* 'or' marker_or
	             | marker_and
	marker_and   = marker_expr wsp* 'and' marker_and
	             | marker_expr
	marker_expr  = marker_var marker_op marker_var
	             | wsp* '(' marker ')'
	marker_var   = wsp* (env_var | python_str)
	marker_op    = version_cmp | (wsp* 'in') | (wsp* 'not' wsp+ 'in')
	version_cmp  = wsp* ('<=' | '<' | '!=' | '==' | '>=' | '>' | '~=' | '===')

The marker_or and marker_and rules allow chains without parentheses, which
reflects what pip actually accepts.
*/
package marker

import (
	"fmt"
	"strings"

	"deps.dev/util/semver"
)

// Environment supplies values for the PEP 508 marker variables
// (python_version, sys_platform, os_name, ...). Missing variables evaluate as
// the empty string, matching pip's behaviour for undefined lookups.
type Environment map[string]string

// Default returns the environment the engine targets when the caller does not
// configure any: a recent CPython on linux. Lock runs that should describe the
// host or another platform pass their own Environment instead.
func Default() Environment {
	return Environment{
		"os_name":                        "posix",
		"sys_platform":                   "linux",
		"platform_machine":               "x86_64",
		"platform_python_implementation": "CPython",
		"platform_release":               "",
		"platform_system":                "Linux",
		"platform_version":               "",
		"python_version":                 "3.11",
		"python_full_version":            "3.11.9",
		"implementation_name":            "cpython",
		"implementation_version":         "3.11.9",
	}
}

// knownVariables holds the variable names the grammar admits, other than the
// special "extra".
var knownVariables = map[string]bool{
	"os_name":                        true,
	"sys_platform":                   true,
	"platform_machine":               true,
	"platform_python_implementation": true,
	"platform_release":               true,
	"platform_system":                true,
	"platform_version":               true,
	"python_version":                 true,
	"python_full_version":            true,
	"implementation_name":            true,
	"implementation_version":         true,
}

// Marker is a parsed environment marker.
type Marker struct {
	raw  string
	root node
}

// Parse parses a marker expression. The result is immutable and safe for
// concurrent evaluation.
func Parse(raw string) (*Marker, error) {
	p := &parser{input: raw}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	p.skipWsp()
	if p.pos < len(p.input) {
		return nil, p.expected("EOF")
	}
	return &Marker{raw: raw, root: n}, nil
}

// String returns the marker as originally written.
func (m *Marker) String() string { return m.raw }

// Eval evaluates the marker against the given environment and set of active
// extras.
func (m *Marker) Eval(env Environment, extras map[string]bool) bool {
	return m.root.eval(env, extras)
}

// EvalAny reports whether the marker holds in at least one of the given
// environments. Used when locking for multiple target platforms: a
// requirement stays live if any target needs it. With no environments the
// default environment is used.
func (m *Marker) EvalAny(envs []Environment, extras map[string]bool) bool {
	if len(envs) == 0 {
		return m.Eval(Default(), extras)
	}
	for _, env := range envs {
		if m.Eval(env, extras) {
			return true
		}
	}
	return false
}

// Extras returns the extra names the marker compares against, in the order
// they appear. Callers use this to detect self-referential markers and to
// know which extras can activate the requirement.
func (m *Marker) Extras() []string {
	var out []string
	m.root.walk(func(n node) {
		e, ok := n.(expr)
		if !ok {
			return
		}
		if e.left.name == "extra" {
			out = append(out, e.right.value)
		} else if e.right.name == "extra" {
			out = append(out, e.left.value)
		}
	})
	return out
}

// node is one node of the parsed expression tree.
type node interface {
	eval(env Environment, extras map[string]bool) bool
	walk(f func(node))
}

// orNode joins two subexpressions with logical OR.
type orNode struct{ left, right node }

func (n orNode) eval(env Environment, extras map[string]bool) bool {
	return n.left.eval(env, extras) || n.right.eval(env, extras)
}

func (n orNode) walk(f func(node)) {
	f(n)
	n.left.walk(f)
	n.right.walk(f)
}

// andNode joins two subexpressions with logical AND.
type andNode struct{ left, right node }

func (n andNode) eval(env Environment, extras map[string]bool) bool {
	return n.left.eval(env, extras) && n.right.eval(env, extras)
}

func (n andNode) walk(f func(node)) {
	f(n)
	n.left.walk(f)
	n.right.walk(f)
}

// variable is a marker_var: a named environment variable or a string literal.
type variable struct {
	name  string // set only for variables
	value string // literal value; for variables, resolved at eval time
}

func (v variable) String() string {
	if v.name != "" {
		return v.name
	}
	return fmt.Sprintf("%q", v.value)
}

// resolve produces the concrete string value for this operand under env.
func (v variable) resolve(env Environment) string {
	if v.name == "" {
		return v.value
	}
	return env[v.name]
}

// expr is a binary comparison between two marker_vars. As per PEP 508, a
// version comparison is preferred whenever both operands parse as PEP 440
// versions; otherwise the comparison falls back to Python string semantics.
type expr struct {
	op          op
	left, right variable
}

func (e expr) walk(f func(node)) { f(e) }

func (e expr) eval(env Environment, extras map[string]bool) bool {
	// extra comparisons check membership in the active extras set. Only ==
	// is admitted by the parser.
	if e.left.name == "extra" || e.right.name == "extra" {
		v := e.left
		if e.left.name == "extra" {
			v = e.right
		}
		return extras[v.value]
	}
	lv, rv := e.left.resolve(env), e.right.resolve(env)
	// Try a version comparison first. === forces string comparison per PEP
	// 440 and in/not-in are string-only.
	if e.op.versionCapable() {
		if c, err := semver.PyPI.ParseConstraint(e.op.String() + rv); err == nil {
			if l, err := semver.PyPI.Parse(lv); err == nil {
				return c.MatchVersionPrerelease(l)
			}
		}
	}
	switch e.op {
	case opLessEqual:
		return lv <= rv
	case opLess:
		return lv < rv
	case opNotEqual:
		return lv != rv
	case opEqualEqual, opArbitraryEqual:
		return lv == rv
	case opGreaterEqual:
		return lv >= rv
	case opGreater:
		return lv > rv
	case opTildeEqual:
		// ~= requires version operands; with a non-version operand the
		// expression cannot hold.
		return false
	case opIn:
		return strings.Contains(rv, lv)
	case opNotIn:
		return !strings.Contains(rv, lv)
	}
	return false
}

// op covers everything from marker_op in the grammar.
type op byte

const (
	opUnknown op = iota
	opLessEqual
	opLess
	opNotEqual
	opEqualEqual
	opGreaterEqual
	opGreater
	opTildeEqual
	opArbitraryEqual // ===
	opIn
	opNotIn
)

func (o op) String() string {
	switch o {
	case opLessEqual:
		return "<="
	case opLess:
		return "<"
	case opNotEqual:
		return "!="
	case opEqualEqual:
		return "=="
	case opGreaterEqual:
		return ">="
	case opGreater:
		return ">"
	case opTildeEqual:
		return "~="
	case opArbitraryEqual:
		return "==="
	case opIn:
		return "in"
	case opNotIn:
		return "not in"
	}
	return "?"
}

// versionCapable reports whether the operator may compare PEP 440 versions.
func (o op) versionCapable() bool {
	switch o {
	case opLessEqual, opLess, opNotEqual, opEqualEqual, opGreaterEqual, opGreater, opTildeEqual:
		return true
	}
	return false
}

// opsByLength holds all fixed-spelling operators in descending length order so
// the parser can greedily try the longest first ("not in" is handled apart).
var opsByLength = []op{
	opArbitraryEqual,
	opLessEqual,
	opNotEqual,
	opEqualEqual,
	opGreaterEqual,
	opTildeEqual,
	opIn,
	opLess,
	opGreater,
}

// parser is a recursive descent parser over an ASCII marker string.
type parser struct {
	input string
	pos   int
}

func (p *parser) skipWsp() bool {
	start := p.pos
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
	return p.pos > start
}

// accept consumes the literal s if it is next in the input.
func (p *parser) accept(s string) bool {
	if !strings.HasPrefix(p.input[p.pos:], s) {
		return false
	}
	p.pos += len(s)
	return true
}

const eof byte = 255

func (p *parser) peek() byte {
	if p.pos >= len(p.input) {
		return eof
	}
	return p.input[p.pos]
}

func (p *parser) expected(want string) error {
	rest := p.input[p.pos:]
	if len(rest) > 10 {
		rest = rest[:10]
	}
	if rest == "" {
		rest = "EOF"
	}
	return fmt.Errorf("marker: expected %s, found %q", want, rest)
}

func (p *parser) parseOr() (node, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	p.skipWsp()
	if !p.accept("or") {
		return l, nil
	}
	r, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	return orNode{left: l, right: r}, nil
}

func (p *parser) parseAnd() (node, error) {
	l, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	p.skipWsp()
	if !p.accept("and") {
		return l, nil
	}
	r, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	return andNode{left: l, right: r}, nil
}

func (p *parser) parseExpr() (node, error) {
	p.skipWsp()
	if p.accept("(") {
		m, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.accept(")") {
			return nil, p.expected("closing )")
		}
		return m, nil
	}
	l, err := p.parseVar()
	if err != nil {
		return nil, err
	}
	o, err := p.parseOp()
	if err != nil {
		return nil, err
	}
	r, err := p.parseVar()
	if err != nil {
		return nil, err
	}
	if (l.name == "extra" || r.name == "extra") && o != opEqualEqual {
		// setuptools only ever generates equality checks on extra, so
		// anything else is rejected, mirroring pip.
		return nil, fmt.Errorf("marker: extra can only be compared with '==', got: %s %s %s", l, o, r)
	}
	if o == opTildeEqual && l.name == "" && r.name == "" {
		// Two literals under ~= must both be versions; check now since
		// no environment can change them.
		if _, err := semver.PyPI.ParseConstraint("~=" + r.value); err != nil {
			return nil, fmt.Errorf("marker: ~= must compare versions, got %s ~= %s", l, r)
		}
	}
	return expr{op: o, left: l, right: r}, nil
}

// parseVar parses a marker_var: a quoted literal or a known variable name.
func (p *parser) parseVar() (variable, error) {
	p.skipWsp()
	if s, err := p.parseStr(); err == nil {
		return variable{value: s}, nil
	}
	switch p.peek() {
	case 'e', 'i', 'o', 'p', 's':
		// Possibly a variable name, continue on to check.
	default:
		return variable{}, p.expected("string or variable name")
	}
	if p.accept("extra") {
		return variable{name: "extra"}, nil
	}
	// None of the names are prefixes of one another, so any try order
	// works.
	for n := range knownVariables {
		if p.accept(n) {
			return variable{name: n}, nil
		}
	}
	return variable{}, p.expected("string or variable name")
}

// parseStr loosely parses a python_str literal. The grammar restricts what may
// appear inside the quotes but pip itself does not care, so neither do we.
func (p *parser) parseStr() (string, error) {
	q := p.peek()
	if q != '\'' && q != '"' {
		return "", p.expected("string literal")
	}
	i := strings.IndexByte(p.input[p.pos+1:], q)
	if i < 0 {
		return "", p.expected(fmt.Sprintf("%q terminating a string", q))
	}
	val := p.input[p.pos+1 : p.pos+i+1]
	p.pos += i + 2
	return val, nil
}

func (p *parser) parseOp() (op, error) {
	p.skipWsp()
	for _, o := range opsByLength {
		if p.accept(o.String()) {
			return o, nil
		}
	}
	if !p.accept("not") {
		return opUnknown, p.expected("comparison operator")
	}
	if !p.skipWsp() {
		return opUnknown, p.expected("whitespace, in the middle of 'not in'")
	}
	if !p.accept("in") {
		return opUnknown, p.expected("in after not")
	}
	return opNotIn, nil
}
