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

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	ErrUnknownField      = errors.New("unknown field")
	ErrFieldTypeConflict = errors.New("field already declared with a different type")
	ErrInvalidFieldType  = errors.New("invalid field type")
	ErrFieldValue        = errors.New("field value does not match declared type")
)

// FieldType is the closed set of value shapes a field may carry.
type FieldType string

const (
	FieldString     FieldType = "string"
	FieldStringList FieldType = "string_list"
	FieldInt        FieldType = "int"
	FieldBool       FieldType = "bool"
	FieldTime       FieldType = "time"
)

func (t FieldType) Valid() bool {
	switch t {
	case FieldString, FieldStringList, FieldInt, FieldBool, FieldTime:
		return true
	default:
		return false
	}
}

// FieldDescriptor describes one canonical or adapter-declared field.
type FieldDescriptor struct {
	Name    string    `json:"name"`
	Title   string    `json:"title,omitempty"`
	Type    FieldType `json:"type"`
	Dynamic bool      `json:"dynamic,omitempty"`
	Source  string    `json:"source,omitempty"`
}

// FieldValue is a resolved, typed field value. Only the member matching Type is set.
type FieldValue struct {
	Name    string    `json:"name"`
	Type    FieldType `json:"type"`
	String  string    `json:"string,omitempty"`
	Strings []string  `json:"strings,omitempty"`
	Int     int64     `json:"int,omitempty"`
	Bool    bool      `json:"bool,omitempty"`
	Time    time.Time `json:"time,omitempty"`
}

// Value returns the populated member as an untyped value.
func (v FieldValue) Value() any {
	switch v.Type {
	case FieldString:
		return v.String
	case FieldStringList:
		return v.Strings
	case FieldInt:
		return v.Int
	case FieldBool:
		return v.Bool
	case FieldTime:
		return v.Time
	default:
		return nil
	}
}

var commonFields = []FieldDescriptor{
	{Name: "hostname", Title: "Host Name", Type: FieldString},
	{Name: "mac_addresses", Title: "MAC Addresses", Type: FieldStringList},
	{Name: "ip_addresses", Title: "IP Addresses", Type: FieldStringList},
	{Name: "serial_number", Title: "Serial Number", Type: FieldString},
	{Name: "last_seen", Title: "Last Seen", Type: FieldTime},
	{Name: "adapter_properties", Title: "Adapter Properties", Type: FieldStringList},
}

var deviceFields = []FieldDescriptor{
	{Name: "os_type", Title: "OS Type", Type: FieldString},
	{Name: "os_version", Title: "OS Version", Type: FieldString},
	{Name: "manufacturer", Title: "Manufacturer", Type: FieldString},
	{Name: "model", Title: "Model", Type: FieldString},
	{Name: "domain", Title: "Domain", Type: FieldString},
}

var userFields = []FieldDescriptor{
	{Name: "username", Title: "User Name", Type: FieldString},
	{Name: "domain", Title: "Domain", Type: FieldString},
	{Name: "email", Title: "Mail", Type: FieldString},
	{Name: "display_name", Title: "Display Name", Type: FieldString},
	{Name: "is_admin", Title: "Is Admin", Type: FieldBool},
}

// FieldRegistry is the per-kind catalog of known fields. Adapters extend it at
// runtime with Declare; projection resolves extra payload fields against it.
type FieldRegistry struct {
	kind EntityKind

	mu     sync.RWMutex
	fields map[string]FieldDescriptor
}

// NewFieldRegistry returns a registry seeded with the built-in fields for kind.
func NewFieldRegistry(kind EntityKind) *FieldRegistry {
	r := &FieldRegistry{kind: kind, fields: make(map[string]FieldDescriptor)}

	builtins := slices.Clone(commonFields)
	if kind == KindUsers {
		builtins = append(builtins, userFields...)
	} else {
		builtins = append(builtins, deviceFields...)
	}

	for _, d := range builtins {
		r.fields[d.Name] = d
	}

	return r
}

func (r *FieldRegistry) Kind() EntityKind {
	return r.kind
}

// Declare adds adapter-declared fields. Redeclaring a name with the same type
// is a no-op; a different type is rejected.
func (r *FieldRegistry) Declare(descs ...FieldDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range descs {
		if !d.Type.Valid() {
			return fmt.Errorf("%w: %q for field %q", ErrInvalidFieldType, d.Type, d.Name)
		}

		if existing, ok := r.fields[d.Name]; ok {
			if existing.Type != d.Type {
				return fmt.Errorf("%w: %q is %s, not %s", ErrFieldTypeConflict, d.Name, existing.Type, d.Type)
			}

			continue
		}

		d.Dynamic = true
		r.fields[d.Name] = d
	}

	return nil
}

func (r *FieldRegistry) Lookup(name string) (FieldDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.fields[name]

	return d, ok
}

// Descriptors returns every known field ordered by name.
func (r *FieldRegistry) Descriptors() []FieldDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]FieldDescriptor, 0, len(r.fields))
	for _, d := range r.fields {
		out = append(out, d)
	}

	slices.SortFunc(out, func(a, b FieldDescriptor) int { return strings.Compare(a.Name, b.Name) })

	return out
}

// Dynamic returns only the adapter-declared fields ordered by name.
func (r *FieldRegistry) Dynamic() []FieldDescriptor {
	return slices.DeleteFunc(r.Descriptors(), func(d FieldDescriptor) bool { return !d.Dynamic })
}

// Resolve converts a raw payload value to the declared type of name.
func (r *FieldRegistry) Resolve(name string, raw any) (FieldValue, error) {
	d, ok := r.Lookup(name)
	if !ok {
		return FieldValue{}, fmt.Errorf("%w: %s.%s", ErrUnknownField, r.kind, name)
	}

	v := FieldValue{Name: name, Type: d.Type}

	var err error

	switch d.Type {
	case FieldString:
		v.String, err = asString(raw)
	case FieldStringList:
		v.Strings, err = asStringList(raw)
	case FieldInt:
		v.Int, err = asInt(raw)
	case FieldBool:
		v.Bool, err = asBool(raw)
	case FieldTime:
		v.Time, err = asTime(raw)
	default:
		err = ErrInvalidFieldType
	}

	if err != nil {
		return FieldValue{}, fmt.Errorf("%w: %s (%s): %w", ErrFieldValue, name, d.Type, err)
	}

	return v, nil
}

// FieldRegistries holds one registry per entity kind.
type FieldRegistries struct {
	devices *FieldRegistry
	users   *FieldRegistry
}

func NewFieldRegistries() *FieldRegistries {
	return &FieldRegistries{
		devices: NewFieldRegistry(KindDevices),
		users:   NewFieldRegistry(KindUsers),
	}
}

// For returns the registry for kind; unknown kinds get the device registry.
func (f *FieldRegistries) For(kind EntityKind) *FieldRegistry {
	if kind == KindUsers {
		return f.users
	}

	return f.devices
}

var errUnsupportedValue = errors.New("unsupported value")

func asString(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return "", fmt.Errorf("%w %T", errUnsupportedValue, raw)
	}
}

func asStringList(raw any) ([]string, error) {
	switch v := raw.(type) {
	case []string:
		return slices.Clone(v), nil
	case string:
		return []string{v}, nil
	case []any:
		out := make([]string, 0, len(v))

		for _, item := range v {
			s, err := asString(item)
			if err != nil {
				return nil, err
			}

			out = append(out, s)
		}

		return out, nil
	default:
		return nil, fmt.Errorf("%w %T", errUnsupportedValue, raw)
	}
}

func asInt(raw any) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%w: non-integral %v", errUnsupportedValue, v)
		}

		return int64(v), nil
	case json.Number:
		return v.Int64()
	case string:
		return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	default:
		return 0, fmt.Errorf("%w %T", errUnsupportedValue, raw)
	}
}

func asBool(raw any) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(v))
	default:
		return false, fmt.Errorf("%w %T", errUnsupportedValue, raw)
	}
}

func asTime(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case string:
		return time.Parse(time.RFC3339, v)
	default:
		return time.Time{}, fmt.Errorf("%w %T", errUnsupportedValue, raw)
	}
}
