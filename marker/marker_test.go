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

package marker

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func env(pairs ...string) Environment {
	e := Environment{}
	for i := 0; i+1 < len(pairs); i += 2 {
		e[pairs[i]] = pairs[i+1]
	}
	return e
}

func TestEval(t *testing.T) {
	linux := env("sys_platform", "linux", "python_version", "3.11", "os_name", "posix")
	windows := env("sys_platform", "win32", "python_version", "3.8", "os_name", "nt")
	for _, test := range []struct {
		marker string
		env    Environment
		extras map[string]bool
		want   bool
	}{
		{`sys_platform == "linux"`, linux, nil, true},
		{`sys_platform == "linux"`, windows, nil, false},
		{`sys_platform != "win32"`, linux, nil, true},
		// Version comparisons follow PEP 440, not string order.
		{`python_version >= "3.10"`, linux, nil, true},
		{`python_version >= "3.10"`, windows, nil, false},
		{`python_version < "3.9"`, windows, nil, true},
		{`python_version ~= "3.8"`, windows, nil, true},
		// String operands compare as strings.
		{`os_name in "posix java"`, linux, nil, true},
		{`"win" not in sys_platform`, linux, nil, true},
		{`"win" not in sys_platform`, windows, nil, false},
		// Boolean structure: and binds tighter than or.
		{`sys_platform == "win32" or sys_platform == "linux" and python_version >= "3.10"`, linux, nil, true},
		{`sys_platform == "win32" or sys_platform == "linux" and python_version >= "3.10"`, windows, nil, true},
		{`(sys_platform == "win32" or sys_platform == "linux") and python_version < "3.0"`, linux, nil, false},
		// Extras.
		{`extra == "redis"`, linux, map[string]bool{"redis": true}, true},
		{`extra == "redis"`, linux, nil, false},
		{`extra == "redis" and python_version >= "3.10"`, linux, map[string]bool{"redis": true}, true},
		// Undefined variables resolve to the empty string.
		{`implementation_name == ""`, env(), nil, true},
	} {
		t.Run(test.marker, func(t *testing.T) {
			m, err := Parse(test.marker)
			if err != nil {
				t.Fatalf("Parse(%q): %v", test.marker, err)
			}
			if got := m.Eval(test.env, test.extras); got != test.want {
				t.Errorf("Eval(%q) = %v, want %v", test.marker, got, test.want)
			}
		})
	}
}

func TestEvalAny(t *testing.T) {
	m, err := Parse(`sys_platform == "win32"`)
	if err != nil {
		t.Fatal(err)
	}
	linux := env("sys_platform", "linux")
	windows := env("sys_platform", "win32")
	if got := m.EvalAny([]Environment{linux, windows}, nil); !got {
		t.Errorf("EvalAny(linux, windows) = false, want true")
	}
	if got := m.EvalAny([]Environment{linux}, nil); got {
		t.Errorf("EvalAny(linux) = true, want false")
	}
	// No environments means the default one, which is linux.
	if got := m.EvalAny(nil, nil); got {
		t.Errorf("EvalAny(default) = true, want false")
	}
}

func TestExtras(t *testing.T) {
	m, err := Parse(`extra == "redis" or extra == "msgpack" and python_version >= "3.8"`)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"redis", "msgpack"}
	if diff := cmp.Diff(want, m.Extras()); diff != "" {
		t.Errorf("Extras(): (-want +got):\n%s", diff)
	}
}

func TestParseErrors(t *testing.T) {
	for _, raw := range []string{
		"",
		"and",
		`sys_platform == `,
		`sys_platform = "linux"`,
		`unknown_variable == "x"`,
		`(sys_platform == "linux"`,
		// Extras only support equality.
		`extra >= "redis"`,
	} {
		t.Run(raw, func(t *testing.T) {
			if _, err := Parse(raw); err == nil {
				t.Errorf("Parse(%q): expected error", raw)
			}
		})
	}
}

func TestStringRoundTrip(t *testing.T) {
	raw := `python_version >= "3.8" and sys_platform != "win32"`
	m, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if m.String() != raw {
		t.Errorf("String() = %q, want %q", m.String(), raw)
	}
}
