/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package hostname

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want Name
		ok   bool
	}{
		{name: "bare", raw: "OLD-PC", want: Name{Host: "old-pc"}, ok: true},
		{name: "fqdn", raw: "Host.Corp.Local", want: Name{Host: "host", Domain: "corp.local"}, ok: true},
		{name: "trailing dot", raw: "web01.example.com.", want: Name{Host: "web01", Domain: "example.com"}, ok: true},
		{name: "default domain stripped", raw: "desk.LOCAL", want: Name{Host: "desk"}, ok: true},
		{name: "workgroup domain stripped", raw: "desk.workgroup", want: Name{Host: "desk"}, ok: true},
		{name: "whitespace", raw: "  box  ", want: Name{Host: "box"}, ok: true},
		{name: "empty", raw: "", ok: false},
		{name: "localhost", raw: "LocalHost", ok: false},
		{name: "localhost fqdn", raw: "localhost.localdomain", ok: false},
		{name: "workgroup", raw: "WORKGROUP", ok: false},
		{name: "n/a", raw: "N/A", ok: false},
		{name: "leading dot", raw: ".corp.local", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := Normalize(tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompareAsymmetry(t *testing.T) {
	t.Parallel()

	assert.True(t, Compare(Name{Host: "host", Domain: "corp.local"}, Name{Host: "host"}))
	assert.True(t, Compare(Name{Host: "host"}, Name{Host: "host", Domain: "corp.local"}))
	assert.False(t, Compare(Name{Host: "hosta"}, Name{Host: "hostb"}))
	assert.False(t, Compare(Name{Host: "host", Domain: "a.com"}, Name{Host: "host", Domain: "b.com"}))
	assert.True(t, Compare(Name{Host: "host", Domain: "a.com"}, Name{Host: "host", Domain: "a.com"}))
	assert.False(t, Compare(Name{}, Name{}))
}

func TestCompareRaw(t *testing.T) {
	t.Parallel()

	assert.True(t, CompareRaw("HOST", "host.corp.local"))
	assert.False(t, CompareRaw("hostA", "hostB"))
	assert.False(t, CompareRaw("localhost", "localhost"))
}

func TestDedupeKeepsFQDN(t *testing.T) {
	t.Parallel()

	in := []Name{
		{Host: "new-pc"},
		{Host: "new-pc", Domain: "corp.local"},
		{Host: "other"},
		{Host: "other"},
	}

	assert.Equal(t, []Name{{Host: "new-pc", Domain: "corp.local"}, {Host: "other"}}, Dedupe(in))
}

func TestNameString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "new-pc", Name{Host: "new-pc"}.String())
	assert.Equal(t, "a.b.c", Name{Host: "a", Domain: "b.c"}.String())
}
