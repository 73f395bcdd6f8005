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

// Package identitymap derives correlation keys from adapter records.
package identitymap

import (
	"regexp"
	"slices"
	"strings"

	"github.com/carverauto/assetradar/pkg/hostname"
	"github.com/carverauto/assetradar/pkg/models"
)

// Kind identifies the identifier class a key was derived from.
type Kind string

const (
	KindHostname Kind = "hostname"
	KindMAC      Kind = "mac"
	KindSerial   Kind = "serial"
	// KindNativeID joins records reported by two instances of the same
	// connector for the same native id.
	KindNativeID Kind = "native_id"
)

// ReasonKind maps a key kind to the audit reason it produces.
func (k Kind) ReasonKind() models.ReasonKind {
	switch k {
	case KindHostname:
		return models.ReasonHostname
	case KindMAC:
		return models.ReasonMAC
	case KindSerial:
		return models.ReasonSerial
	default:
		return models.ReasonLogic
	}
}

// Key is one correlation key. Hostname keys index on the host label only;
// Domain is carried so matches can be confirmed with hostname.Compare.
type Key struct {
	Kind   Kind
	Value  string
	Domain string
}

func (k Key) String() string {
	return string(k.Kind) + ":" + k.Value
}

// Hostname returns the normalized name a hostname key was built from.
func (k Key) Hostname() hostname.Name {
	return hostname.Name{Host: k.Value, Domain: k.Domain}
}

// CompareKeys orders keys by kind then value then domain.
func CompareKeys(a, b Key) int {
	if c := strings.Compare(string(a.Kind), string(b.Kind)); c != 0 {
		return c
	}

	if c := strings.Compare(a.Value, b.Value); c != 0 {
		return c
	}

	return strings.Compare(a.Domain, b.Domain)
}

var (
	macRe       = regexp.MustCompile(`(?i)\b[0-9a-f]{2}(?:[:-][0-9a-f]{2}){5}\b`)
	macDottedRe = regexp.MustCompile(`(?i)\b[0-9a-f]{4}\.[0-9a-f]{4}\.[0-9a-f]{4}\b`)
	macBareRe   = regexp.MustCompile(`(?i)^[0-9a-f]{12}$`)
)

var invalidMACs = map[string]struct{}{
	"00:00:00:00:00:00": {},
	"FF:FF:FF:FF:FF:FF": {},
}

var serialPlaceholders = map[string]struct{}{
	"":                       {},
	"0":                      {},
	"N/A":                    {},
	"NA":                     {},
	"NONE":                   {},
	"UNKNOWN":                {},
	"DEFAULT STRING":         {},
	"TO BE FILLED BY O.E.M.": {},
	"SYSTEM SERIAL NUMBER":   {},
}

// BuildKeys derives the correlation keys of a record, sorted and deduplicated.
func BuildKeys(ae *models.AdapterEntity) []Key {
	if ae == nil {
		return nil
	}

	keys := make([]Key, 0, 4)

	if name, ok := hostname.Normalize(ae.Data.Hostname); ok {
		keys = append(keys, Key{Kind: KindHostname, Value: name.Host, Domain: name.Domain})
	}

	for _, raw := range ae.Data.MACAddresses {
		for _, mac := range ParseMACList(raw) {
			keys = append(keys, Key{Kind: KindMAC, Value: mac})
		}
	}

	if serial, ok := NormalizeSerial(ae.Data.SerialNumber); ok {
		keys = append(keys, Key{Kind: KindSerial, Value: serial})
	}

	if ae.NativeID != "" {
		keys = append(keys, Key{Kind: KindNativeID, Value: ae.PluginName() + "|" + ae.NativeID})
	}

	slices.SortFunc(keys, CompareKeys)

	return slices.Compact(keys)
}

// NormalizeSerial upper-cases a serial number and rejects vendor placeholders.
func NormalizeSerial(raw string) (string, bool) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if _, ok := serialPlaceholders[s]; ok {
		return "", false
	}

	return s, true
}

// NormalizeMAC returns the upper-case colon form of a single MAC address, or
// "" when raw is not a usable MAC.
func NormalizeMAC(raw string) string {
	macs := ParseMACList(raw)
	if len(macs) != 1 {
		return ""
	}

	return macs[0]
}

// ParseMACList extracts every MAC from s in colon, dash, dotted, or bare form.
// All-zero and broadcast addresses are dropped.
func ParseMACList(s string) []string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil
	}

	var matches []string

	if macBareRe.MatchString(trimmed) {
		matches = []string{trimmed}
	} else {
		matches = append(matches, macRe.FindAllString(trimmed, -1)...)
		matches = append(matches, macDottedRe.FindAllString(trimmed, -1)...)
	}

	if len(matches) == 0 {
		return nil
	}

	out := make([]string, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))

	for _, match := range matches {
		mac := canonicalMAC(match)
		if _, bad := invalidMACs[mac]; bad {
			continue
		}

		if _, ok := seen[mac]; ok {
			continue
		}

		seen[mac] = struct{}{}
		out = append(out, mac)
	}

	return out
}

func canonicalMAC(s string) string {
	hex := strings.ToUpper(strings.NewReplacer(":", "", "-", "", ".", "").Replace(s))

	var b strings.Builder

	b.Grow(17)

	for i := 0; i < len(hex); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}

		b.WriteString(hex[i : i+2])
	}

	return b.String()
}

// MACs returns the normalized MACs of a record.
func MACs(ae *models.AdapterEntity) []string {
	var out []string

	for _, raw := range ae.Data.MACAddresses {
		out = append(out, ParseMACList(raw)...)
	}

	slices.Sort(out)

	return slices.Compact(out)
}
