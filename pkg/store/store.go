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

// Package store defines the adapter-entity and entity stores shared by the
// ingestion workers, the correlation engine, and read clients.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carverauto/assetradar/pkg/identitymap"
	"github.com/carverauto/assetradar/pkg/models"
)

// KeyMatch is one record carrying a correlation key. EntityID is the entity
// the record is currently assigned to, or empty.
type KeyMatch struct {
	Ref      models.AdapterRef
	EntityID string
	Domain   string
}

// AdapterStore holds raw per-source records keyed by (source id, native id).
// Records are written only together with their entity, see CommitCorrelation.
type AdapterStore interface {
	GetAdapterEntity(ctx context.Context, kind models.EntityKind, ref models.AdapterRef) (*models.AdapterEntity, error)
	// GetAdapterEntities returns the records that exist, in ref order.
	GetAdapterEntities(ctx context.Context, kind models.EntityKind, refs []models.AdapterRef) ([]*models.AdapterEntity, error)
	ListAdapterEntities(ctx context.Context, kind models.EntityKind) ([]*models.AdapterEntity, error)
	// FindByKey returns every current record carrying key. Hostname keys
	// match on the host label only.
	FindByKey(ctx context.Context, kind models.EntityKind, key identitymap.Key) ([]KeyMatch, error)
	UpsertAdapterTag(ctx context.Context, kind models.EntityKind, ref models.AdapterRef, tag models.Tag) (changed bool, err error)
	SetPendingDelete(ctx context.Context, kind models.EntityKind, refs []models.AdapterRef, pending bool) error
	// PurgeAdapterEntities removes records captured before the cutoff and
	// returns their refs. Entity membership is left to the caller.
	PurgeAdapterEntities(ctx context.Context, kind models.EntityKind, capturedBefore time.Time) ([]models.AdapterRef, error)
}

// EntityGetter reads one entity by id.
type EntityGetter interface {
	GetEntity(ctx context.Context, kind models.EntityKind, id string) (*models.Entity, error)
}

// EntityStore holds canonical entities and the adapter to entity assignment.
type EntityStore interface {
	EntityGetter
	GetEntities(ctx context.Context, kind models.EntityKind, ids []string) ([]*models.Entity, error)
	// ListEntities returns live entities ordered by id.
	ListEntities(ctx context.Context, kind models.EntityKind) ([]*models.Entity, error)
	EntityIDForAdapter(ctx context.Context, kind models.EntityKind, ref models.AdapterRef) (string, error)
	// CommitEntities atomically writes entities guarded by their Version:
	// zero means the entity must not exist yet, otherwise the stored version
	// must match. Stored versions are incremented and the adapter assignment
	// is rebuilt from the members of every written entity. A stale version
	// fails the whole commit with a *CorrelationConflictError.
	CommitEntities(ctx context.Context, kind models.EntityKind, entities []*models.Entity) error
	// CommitCorrelation stores record, superseding the stored record for its
	// ref, and writes entities as CommitEntities does, all or nothing. Tags
	// already attached to the previous record are carried forward. A record
	// captured before the stored one fails with ErrStaleRecord, and a record
	// left without an entity fails with ErrUnassignedRecord.
	CommitCorrelation(ctx context.Context, kind models.EntityKind, record *models.AdapterEntity, entities []*models.Entity) (superseded bool, err error)
}

// MetadataStore holds field metadata and connection labels.
type MetadataStore interface {
	FieldsMetadata(ctx context.Context, kind models.EntityKind) ([]models.FieldDescriptor, error)
	DeclareFields(ctx context.Context, kind models.EntityKind, descs []models.FieldDescriptor) error
	ConnectionLabels(ctx context.Context) (map[string]string, error)
	SetConnectionLabel(ctx context.Context, sourceID, label string) error
}

// Store is the full node-local store.
type Store interface {
	AdapterStore
	EntityStore
	MetadataStore
	// Snapshot returns a consistent copy of every collection.
	Snapshot(ctx context.Context) (*models.NodeSnapshot, error)
}

const maxTombstoneHops = 64

var errTombstoneLoop = errors.New("tombstone chain does not terminate")

// ResolveEntity follows merge tombstones from id to the surviving entity.
func ResolveEntity(ctx context.Context, s EntityGetter, kind models.EntityKind, id string) (*models.Entity, error) {
	for range maxTombstoneHops {
		e, err := s.GetEntity(ctx, kind, id)
		if err != nil {
			return nil, err
		}

		if e.TombstonedInto == "" {
			return e, nil
		}

		id = e.TombstonedInto
	}

	return nil, fmt.Errorf("%w: %s", errTombstoneLoop, id)
}

// ValidateCommitRecord checks record and that it belongs to kind.
func ValidateCommitRecord(kind models.EntityKind, record *models.AdapterEntity) error {
	if err := ValidateAdapterEntity(record); err != nil {
		return err
	}

	if record.Kind != kind {
		return fmt.Errorf("%w: %s record in a %s commit", ErrInvalidRecord, record.Kind, kind)
	}

	return nil
}

// ValidateAdapterEntity checks the fields every record must carry.
func ValidateAdapterEntity(ae *models.AdapterEntity) error {
	switch {
	case ae == nil:
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	case ae.SourceID == "":
		return fmt.Errorf("%w: missing source_id", ErrInvalidRecord)
	case ae.NativeID == "":
		return fmt.Errorf("%w: missing native_id", ErrInvalidRecord)
	case !ae.Kind.Valid():
		return fmt.Errorf("%w: entity kind %q", ErrInvalidRecord, ae.Kind)
	default:
		return nil
	}
}
