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

// Package models holds the data types shared across assetradar packages.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// ErrUnknownEntityKind is returned when an entity kind string is not recognized.
var ErrUnknownEntityKind = errors.New("unknown entity kind")

// EntityKind discriminates device inventory from user inventory.
type EntityKind string

const (
	KindDevices EntityKind = "devices"
	KindUsers   EntityKind = "users"
)

// EntityKinds lists every supported kind in a stable order.
var EntityKinds = []EntityKind{KindDevices, KindUsers}

func (k EntityKind) Valid() bool {
	return k == KindDevices || k == KindUsers
}

// ParseEntityKind accepts singular or plural forms in any case.
func ParseEntityKind(s string) (EntityKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "device", "devices":
		return KindDevices, nil
	case "user", "users":
		return KindUsers, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEntityKind, s)
	}
}

func (k *EntityKind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}

	parsed, err := ParseEntityKind(s)
	if err != nil {
		return err
	}

	*k = parsed

	return nil
}

// AdapterRef identifies one raw record by its source connection and the
// source's own identifier.
type AdapterRef struct {
	SourceID string `json:"source_id"`
	NativeID string `json:"native_id"`
}

func (r AdapterRef) String() string {
	return r.SourceID + "/" + r.NativeID
}

func (r AdapterRef) IsZero() bool {
	return r.SourceID == "" && r.NativeID == ""
}

// CompareRefs orders refs by source then native id.
func CompareRefs(a, b AdapterRef) int {
	if c := strings.Compare(a.SourceID, b.SourceID); c != 0 {
		return c
	}

	return strings.Compare(a.NativeID, b.NativeID)
}

// DeviceFields carries device-only attributes.
type DeviceFields struct {
	OSType       string `json:"os_type,omitempty"`
	OSVersion    string `json:"os_version,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	Domain       string `json:"domain,omitempty"`
}

// UserFields carries user-only attributes.
type UserFields struct {
	Username    string `json:"username,omitempty"`
	Domain      string `json:"domain,omitempty"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	IsAdmin     bool   `json:"is_admin,omitempty"`
}

// AdapterData is the normalized payload a connector reports for one asset.
// Exactly one of Device or User is set, matching the record's kind. Extra
// holds adapter-declared fields resolved through the FieldRegistry.
type AdapterData struct {
	Hostname          string         `json:"hostname,omitempty"`
	MACAddresses      []string       `json:"mac_addresses,omitempty"`
	IPAddresses       []string       `json:"ip_addresses,omitempty"`
	SerialNumber      string         `json:"serial_number,omitempty"`
	LastSeen          *time.Time     `json:"last_seen,omitempty"`
	AdapterProperties []string       `json:"adapter_properties,omitempty"`
	Device            *DeviceFields  `json:"device,omitempty"`
	User              *UserFields    `json:"user,omitempty"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// Clone returns a deep copy. Extra values are copied shallowly.
func (d AdapterData) Clone() AdapterData {
	out := d
	out.MACAddresses = slices.Clone(d.MACAddresses)
	out.IPAddresses = slices.Clone(d.IPAddresses)
	out.AdapterProperties = slices.Clone(d.AdapterProperties)
	out.Extra = maps.Clone(d.Extra)

	if d.LastSeen != nil {
		ls := *d.LastSeen
		out.LastSeen = &ls
	}

	if d.Device != nil {
		dev := *d.Device
		out.Device = &dev
	}

	if d.User != nil {
		u := *d.User
		out.User = &u
	}

	return out
}

// AdapterEntity is one raw record as reported by one source connection at one
// point in time. Records are superseded by the next fetch for the same ref,
// only Tags and PendingDelete change in place.
type AdapterEntity struct {
	SourceID      string          `json:"source_id"`
	SourceName    string          `json:"source_name,omitempty"`
	NativeID      string          `json:"native_id"`
	Kind          EntityKind      `json:"entity_kind"`
	CapturedAt    time.Time       `json:"captured_at"`
	Data          AdapterData     `json:"payload"`
	Raw           json.RawMessage `json:"raw,omitempty"`
	PendingDelete bool            `json:"pending_delete,omitempty"`
	Tags          []Tag           `json:"tags,omitempty"`
}

func (a *AdapterEntity) Ref() AdapterRef {
	return AdapterRef{SourceID: a.SourceID, NativeID: a.NativeID}
}

// PluginName returns the connector type that produced the record.
func (a *AdapterEntity) PluginName() string {
	if a.SourceName != "" {
		return a.SourceName
	}

	return PluginNameFromSourceID(a.SourceID)
}

// PluginNameFromSourceID strips a trailing numeric instance suffix, so
// "active_directory_adapter_0" becomes "active_directory_adapter".
func PluginNameFromSourceID(sourceID string) string {
	idx := strings.LastIndexByte(sourceID, '_')
	if idx <= 0 || idx == len(sourceID)-1 {
		return sourceID
	}

	for _, r := range sourceID[idx+1:] {
		if r < '0' || r > '9' {
			return sourceID
		}
	}

	return sourceID[:idx]
}

// LastSeen returns the payload's last-seen time, or the zero time.
func (a *AdapterEntity) LastSeen() time.Time {
	if a.Data.LastSeen == nil {
		return time.Time{}
	}

	return *a.Data.LastSeen
}

// HasProperty reports whether the connector flagged the record with p,
// compared case-insensitively.
func (a *AdapterEntity) HasProperty(p string) bool {
	for _, prop := range a.Data.AdapterProperties {
		if strings.EqualFold(prop, p) {
			return true
		}
	}

	return false
}

func (a *AdapterEntity) Clone() *AdapterEntity {
	if a == nil {
		return nil
	}

	out := *a
	out.Data = a.Data.Clone()
	out.Raw = slices.Clone(a.Raw)
	out.Tags = CloneTags(a.Tags)

	return &out
}
