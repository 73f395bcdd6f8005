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

// Package ingest turns connector output into stored, correlated records.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/carverauto/assetradar/pkg/models"
	"github.com/carverauto/assetradar/pkg/store"
)

// wireRecord is the document connectors publish for one raw record.
type wireRecord struct {
	SourceID   string          `json:"source_id"`
	SourceName string          `json:"source_name"`
	NativeID   string          `json:"native_id"`
	EntityKind string          `json:"entity_kind"`
	CapturedAt *time.Time      `json:"captured_at"`
	Payload    json.RawMessage `json:"payload"`
	Raw        json.RawMessage `json:"raw"`
}

// Decode parses one connector document. Every failure is a *DataShapeError.
func Decode(data []byte) (*models.AdapterEntity, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, &DataShapeError{Err: ErrEmptyMessage}
	}

	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &DataShapeError{Err: err}
	}

	shapeErr := func(field string, err error) error {
		return &DataShapeError{SourceID: w.SourceID, NativeID: w.NativeID, Field: field, Err: err}
	}

	switch {
	case w.SourceID == "":
		return nil, shapeErr("source_id", ErrMissingField)
	case w.NativeID == "":
		return nil, shapeErr("native_id", ErrMissingField)
	case w.EntityKind == "":
		return nil, shapeErr("entity_kind", ErrMissingField)
	case w.CapturedAt == nil || w.CapturedAt.IsZero():
		return nil, shapeErr("captured_at", ErrMissingField)
	case len(w.Payload) == 0 || bytes.Equal(w.Payload, []byte("null")):
		return nil, shapeErr("payload", ErrMissingField)
	}

	kind, err := models.ParseEntityKind(w.EntityKind)
	if err != nil {
		return nil, shapeErr("entity_kind", err)
	}

	var payload models.AdapterData
	if err := json.Unmarshal(w.Payload, &payload); err != nil {
		return nil, shapeErr("payload", err)
	}

	ae := &models.AdapterEntity{
		SourceID:   w.SourceID,
		SourceName: w.SourceName,
		NativeID:   w.NativeID,
		Kind:       kind,
		CapturedAt: w.CapturedAt.UTC(),
		Data:       payload,
	}

	if len(w.Raw) > 0 && !bytes.Equal(w.Raw, []byte("null")) {
		ae.Raw = w.Raw
	}

	if err := Validate(ae); err != nil {
		return nil, err
	}

	return ae, nil
}

// Validate checks a decoded or in-process record before it reaches the store.
func Validate(ae *models.AdapterEntity) error {
	if err := store.ValidateAdapterEntity(ae); err != nil {
		if ae == nil {
			return &DataShapeError{Err: err}
		}

		return &DataShapeError{SourceID: ae.SourceID, NativeID: ae.NativeID, Err: err}
	}

	shapeErr := func(field string, err error) error {
		return &DataShapeError{SourceID: ae.SourceID, NativeID: ae.NativeID, Field: field, Err: err}
	}

	switch ae.Kind {
	case models.KindDevices:
		if ae.Data.User != nil {
			return shapeErr("payload.user", ErrPayloadMismatch)
		}
	case models.KindUsers:
		if ae.Data.Device != nil {
			return shapeErr("payload.device", ErrPayloadMismatch)
		}
	}

	if ae.CapturedAt.IsZero() {
		return shapeErr("captured_at", ErrMissingField)
	}

	for i, mac := range ae.Data.MACAddresses {
		if mac == "" {
			return shapeErr(fmt.Sprintf("payload.mac_addresses[%d]", i), ErrInvalidAttribute)
		}
	}

	for i, prop := range ae.Data.AdapterProperties {
		if prop == "" {
			return shapeErr(fmt.Sprintf("payload.adapter_properties[%d]", i), ErrInvalidAttribute)
		}
	}

	return nil
}

// classify maps a correlation failure onto the ingest error taxonomy.
func classify(ae *models.AdapterEntity, err error) error {
	if errors.Is(err, store.ErrInvalidRecord) && !IsDataShape(err) {
		return &DataShapeError{SourceID: ae.SourceID, NativeID: ae.NativeID, Err: err}
	}

	return err
}
