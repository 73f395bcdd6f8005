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

// Package hostname turns heterogeneous hostname strings into comparable
// (host, domain) pairs.
package hostname

import (
	"strings"
)

// placeholders are values connectors report when no real hostname is known.
var placeholders = map[string]struct{}{
	"":          {},
	"localhost": {},
	"workgroup": {},
	"n/a":       {},
}

// defaultDomains are workgroup suffixes that carry no domain information.
var defaultDomains = map[string]struct{}{
	"local":     {},
	"workgroup": {},
}

// Name is a normalized hostname. Domain is empty for bare hostnames.
type Name struct {
	Host   string
	Domain string
}

func (n Name) IsZero() bool {
	return n.Host == ""
}

func (n Name) String() string {
	if n.Domain == "" {
		return n.Host
	}

	return n.Host + "." + n.Domain
}

// Normalize lower-cases raw and splits it at the first dot into a host label
// and a domain label. Only that one split is made; "a.b.corp.local" keeps
// "b.corp.local" as its domain. Placeholder values return false.
func Normalize(raw string) (Name, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimSuffix(s, ".")

	if _, ok := placeholders[s]; ok {
		return Name{}, false
	}

	host, domain, _ := strings.Cut(s, ".")
	if _, ok := placeholders[host]; ok {
		return Name{}, false
	}

	if _, ok := defaultDomains[domain]; ok {
		domain = ""
	}

	return Name{Host: host, Domain: domain}, true
}

// Compare reports whether a and b name the same host: the host labels are
// identical and the domains are identical or one of them is empty. Two
// different non-empty domains never match.
func Compare(a, b Name) bool {
	if a.IsZero() || b.IsZero() || a.Host != b.Host {
		return false
	}

	return a.Domain == b.Domain || a.Domain == "" || b.Domain == ""
}

// CompareRaw normalizes both inputs and compares them.
func CompareRaw(a, b string) bool {
	na, ok := Normalize(a)
	if !ok {
		return false
	}

	nb, ok := Normalize(b)
	if !ok {
		return false
	}

	return Compare(na, nb)
}

// Dedupe drops exact duplicates and any bare name whose FQDN form is also
// present, keeping first-seen order.
func Dedupe(names []Name) []Name {
	out := make([]Name, 0, len(names))
	seen := make(map[Name]struct{}, len(names))

	for _, n := range names {
		if n.IsZero() {
			continue
		}

		if _, dup := seen[n]; dup {
			continue
		}

		if n.Domain == "" && hasQualified(names, n.Host) {
			continue
		}

		seen[n] = struct{}{}
		out = append(out, n)
	}

	return out
}

func hasQualified(names []Name, host string) bool {
	for _, n := range names {
		if n.Host == host && n.Domain != "" {
			return true
		}
	}

	return false
}
