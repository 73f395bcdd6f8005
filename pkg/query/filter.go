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

package query

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/carverauto/assetradar/pkg/hostname"
	"github.com/carverauto/assetradar/pkg/identitymap"
	"github.com/carverauto/assetradar/pkg/models"
)

// Filter selects entities. Empty members match everything; set members are
// combined with AND.
type Filter struct {
	IDs []string `json:"ids,omitempty"`
	// Labels must all be present.
	Labels []string `json:"labels,omitempty"`
	// AnyLabel requires at least one of its labels.
	AnyLabel []string `json:"any_label,omitempty"`
	// Adapters requires a member from any of the plugin names.
	Adapters []string `json:"adapters,omitempty"`
	// Hostname matches members with hostname.Compare semantics.
	Hostname string `json:"hostname,omitempty"`
	MAC      string `json:"mac,omitempty"`
	Serial   string `json:"serial,omitempty"`
	// Field matches when any resolved value of the named field equals the
	// given value.
	Field map[string]any `json:"field,omitempty"`
}

// needsView reports whether matching requires the projected view. Labels
// do, since record-level label tags count as entity labels.
func (f *Filter) needsView() bool {
	return len(f.Labels) > 0 || len(f.AnyLabel) > 0 || len(f.Adapters) > 0 ||
		f.Hostname != "" || f.MAC != "" || f.Serial != "" || len(f.Field) > 0
}

// hash is a stable digest of the filter used in cache keys.
func (f *Filter) hash() (string, error) {
	// json.Marshal sorts map keys, which keeps equal filters on one key
	b, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("hash filter: %w", err)
	}

	sum := sha256.Sum256(b)

	return hex.EncodeToString(sum[:16]), nil
}

func (f *Filter) matchEntity(e *models.Entity) bool {
	return len(f.IDs) == 0 || slices.Contains(f.IDs, e.InternalAxonID)
}

func (f *Filter) matchLabels(labels []string) bool {
	for _, l := range f.Labels {
		if !slices.Contains(labels, l) {
			return false
		}
	}

	return len(f.AnyLabel) == 0 || slices.ContainsFunc(f.AnyLabel, func(l string) bool { return slices.Contains(labels, l) })
}

func (f *Filter) matchView(v *models.CanonicalView) bool {
	if !f.matchLabels(v.Labels) {
		return false
	}

	if len(f.Adapters) > 0 && !slices.ContainsFunc(f.Adapters, func(a string) bool { return slices.Contains(v.Adapters, a) }) {
		return false
	}

	if f.Hostname != "" && !anyString(v.Fields["hostname"], func(s string) bool { return hostname.CompareRaw(f.Hostname, s) }) {
		return false
	}

	if f.MAC != "" {
		want := identitymap.NormalizeMAC(f.MAC)
		if want == "" || !anyString(v.Fields["mac_addresses"], func(s string) bool { return identitymap.NormalizeMAC(s) == want }) {
			return false
		}
	}

	if f.Serial != "" && !anyString(v.Fields["serial_number"], func(s string) bool { return strings.EqualFold(s, f.Serial) }) {
		return false
	}

	for name, want := range f.Field {
		if !slices.ContainsFunc(v.Fields[name], func(fv models.FieldValue) bool { return fieldEquals(fv, want) }) {
			return false
		}
	}

	return true
}

func anyString(values []models.FieldValue, match func(string) bool) bool {
	for _, fv := range values {
		switch fv.Type {
		case models.FieldString:
			if match(fv.String) {
				return true
			}
		case models.FieldStringList:
			if slices.ContainsFunc(fv.Strings, match) {
				return true
			}
		}
	}

	return false
}

func fieldEquals(fv models.FieldValue, want any) bool {
	if fv.Type == models.FieldStringList {
		if s, ok := want.(string); ok {
			return slices.Contains(fv.Strings, s)
		}
	}

	got := fv.Value()

	switch w := want.(type) {
	case int:
		return got == int64(w)
	case float64:
		i, ok := got.(int64)

		return ok && float64(i) == w
	default:
		return reflect.DeepEqual(got, want)
	}
}
