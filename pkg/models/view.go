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

package models

import "time"

// Specific data entry types.
const (
	SpecificEntityData  = "entitydata"
	SpecificAdapterData = "adapterdata"
)

// SpecificDatum is one member payload or one adapterdata tag in a view.
type SpecificDatum struct {
	Type        string    `json:"type"`
	PluginName  string    `json:"plugin_name"`
	SourceID    string    `json:"plugin_unique_name"`
	NativeID    string    `json:"native_id,omitempty"`
	AccurateFor time.Time `json:"accurate_for_datetime"`
	Data        any       `json:"data"`
}

// AdapterMeta is the provenance of one member, parallel to AdaptersData.
type AdapterMeta struct {
	SourceID        string     `json:"plugin_unique_name"`
	NativeID        string     `json:"native_id"`
	CapturedAt      time.Time  `json:"captured_at"`
	LastSeen        *time.Time `json:"last_seen,omitempty"`
	Properties      []string   `json:"adapter_properties,omitempty"`
	ConnectionLabel string     `json:"connection_label,omitempty"`
	Labels          []string   `json:"labels,omitempty"`
}

// CanonicalView is the fused read model for one Entity.
type CanonicalView struct {
	InternalAxonID     string                   `json:"internal_axon_id"`
	Kind               EntityKind               `json:"entity_kind"`
	Adapters           []string                 `json:"adapters"`
	AdapterCount       int                      `json:"adapter_list_length"`
	SpecificData       []SpecificDatum          `json:"specific_data"`
	AdaptersData       map[string][]AdapterData `json:"adapters_data"`
	AdaptersMeta       map[string][]AdapterMeta `json:"adapters_meta"`
	GenericData        []Tag                    `json:"generic_data"`
	Fields             map[string][]FieldValue  `json:"fields"`
	Labels             []string                 `json:"labels"`
	CorrelationReasons []CorrelationReason      `json:"correlation_reasons"`
	HasNotes           bool                     `json:"has_notes"`
	AccurateFor        time.Time                `json:"accurate_for_datetime"`
	Errors             []string                 `json:"errors,omitempty"`
}

// Partial reports whether the view was produced with omitted steps.
func (v *CanonicalView) Partial() bool {
	return len(v.Errors) > 0
}
