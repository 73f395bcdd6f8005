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

package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/carverauto/assetradar/pkg/identitymap"
	"github.com/carverauto/assetradar/pkg/models"
)

type kindState struct {
	adapters    map[models.AdapterRef]*models.AdapterEntity
	adapterKeys map[models.AdapterRef][]identitymap.Key
	// keyIndex maps kind:value to the records carrying it and their domain.
	keyIndex   map[string]map[models.AdapterRef]string
	entities   map[string]*models.Entity
	assignment map[models.AdapterRef]string
	fields     map[string]models.FieldDescriptor
}

func newKindState() *kindState {
	return &kindState{
		adapters:    make(map[models.AdapterRef]*models.AdapterEntity),
		adapterKeys: make(map[models.AdapterRef][]identitymap.Key),
		keyIndex:    make(map[string]map[models.AdapterRef]string),
		entities:    make(map[string]*models.Entity),
		assignment:  make(map[models.AdapterRef]string),
		fields:      make(map[string]models.FieldDescriptor),
	}
}

// MemoryStore is an in-process Store. Reads return clones.
type MemoryStore struct {
	nodeID string

	mu         sync.RWMutex
	kinds      map[models.EntityKind]*kindState
	connLabels map[string]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store identified as nodeID in snapshots.
func NewMemoryStore(nodeID string) *MemoryStore {
	kinds := make(map[models.EntityKind]*kindState, len(models.EntityKinds))
	for _, k := range models.EntityKinds {
		kinds[k] = newKindState()
	}

	return &MemoryStore{
		nodeID:     nodeID,
		kinds:      kinds,
		connLabels: make(map[string]string),
	}
}

func (m *MemoryStore) state(kind models.EntityKind) (*kindState, error) {
	st, ok := m.kinds[kind]
	if !ok {
		return nil, models.ErrUnknownEntityKind
	}

	return st, nil
}

// putLocked stores record over the one with the same ref, carrying its tags
// forward.
func (st *kindState) putLocked(record *models.AdapterEntity) (bool, error) {
	ref := record.Ref()

	existing, superseded := st.adapters[ref]
	if superseded {
		if record.CapturedAt.Before(existing.CapturedAt) {
			return false, ErrStaleRecord
		}

		record.Tags = models.MergeTags(existing.Tags, record.Tags)
		st.unindexLocked(ref)
	}

	st.adapters[ref] = record
	st.indexLocked(record)

	return superseded, nil
}

func (st *kindState) indexLocked(ae *models.AdapterEntity) {
	ref := ae.Ref()
	keys := identitymap.BuildKeys(ae)
	st.adapterKeys[ref] = keys

	for _, k := range keys {
		bucket := st.keyIndex[k.String()]
		if bucket == nil {
			bucket = make(map[models.AdapterRef]string)
			st.keyIndex[k.String()] = bucket
		}

		bucket[ref] = k.Domain
	}
}

func (st *kindState) unindexLocked(ref models.AdapterRef) {
	for _, k := range st.adapterKeys[ref] {
		bucket, ok := st.keyIndex[k.String()]
		if !ok {
			continue
		}

		delete(bucket, ref)

		if len(bucket) == 0 {
			delete(st.keyIndex, k.String())
		}
	}

	delete(st.adapterKeys, ref)
}

func (m *MemoryStore) GetAdapterEntity(_ context.Context, kind models.EntityKind, ref models.AdapterRef) (*models.AdapterEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, err := m.state(kind)
	if err != nil {
		return nil, err
	}

	ae, ok := st.adapters[ref]
	if !ok {
		return nil, ErrNotFound
	}

	return ae.Clone(), nil
}

func (m *MemoryStore) GetAdapterEntities(_ context.Context, kind models.EntityKind, refs []models.AdapterRef) ([]*models.AdapterEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, err := m.state(kind)
	if err != nil {
		return nil, err
	}

	out := make([]*models.AdapterEntity, 0, len(refs))

	for _, ref := range refs {
		if ae, ok := st.adapters[ref]; ok {
			out = append(out, ae.Clone())
		}
	}

	return out, nil
}

func (m *MemoryStore) ListAdapterEntities(_ context.Context, kind models.EntityKind) ([]*models.AdapterEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, err := m.state(kind)
	if err != nil {
		return nil, err
	}

	return sortedAdapters(st.adapters), nil
}

func sortedAdapters(in map[models.AdapterRef]*models.AdapterEntity) []*models.AdapterEntity {
	out := make([]*models.AdapterEntity, 0, len(in))
	for _, ae := range in {
		out = append(out, ae.Clone())
	}

	slices.SortFunc(out, func(a, b *models.AdapterEntity) int { return models.CompareRefs(a.Ref(), b.Ref()) })

	return out
}

func (m *MemoryStore) FindByKey(_ context.Context, kind models.EntityKind, key identitymap.Key) ([]KeyMatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, err := m.state(kind)
	if err != nil {
		return nil, err
	}

	bucket := st.keyIndex[key.String()]
	out := make([]KeyMatch, 0, len(bucket))

	for ref, domain := range bucket {
		out = append(out, KeyMatch{Ref: ref, EntityID: st.assignment[ref], Domain: domain})
	}

	slices.SortFunc(out, func(a, b KeyMatch) int { return models.CompareRefs(a.Ref, b.Ref) })

	return out, nil
}

func (m *MemoryStore) UpsertAdapterTag(_ context.Context, kind models.EntityKind, ref models.AdapterRef, tag models.Tag) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.state(kind)
	if err != nil {
		return false, err
	}

	ae, ok := st.adapters[ref]
	if !ok {
		return false, ErrNotFound
	}

	tags, changed := models.UpsertTag(ae.Tags, tag)
	if changed {
		updated := ae.Clone()
		updated.Tags = tags
		st.adapters[ref] = updated
	}

	return changed, nil
}

func (m *MemoryStore) SetPendingDelete(_ context.Context, kind models.EntityKind, refs []models.AdapterRef, pending bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.state(kind)
	if err != nil {
		return err
	}

	for _, ref := range refs {
		ae, ok := st.adapters[ref]
		if !ok || ae.PendingDelete == pending {
			continue
		}

		updated := ae.Clone()
		updated.PendingDelete = pending
		st.adapters[ref] = updated
	}

	return nil
}

func (m *MemoryStore) PurgeAdapterEntities(_ context.Context, kind models.EntityKind, capturedBefore time.Time) ([]models.AdapterRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.state(kind)
	if err != nil {
		return nil, err
	}

	var purged []models.AdapterRef

	for ref, ae := range st.adapters {
		if !ae.CapturedAt.Before(capturedBefore) {
			continue
		}

		st.unindexLocked(ref)
		delete(st.adapters, ref)

		purged = append(purged, ref)
	}

	slices.SortFunc(purged, models.CompareRefs)

	return purged, nil
}

func (m *MemoryStore) GetEntity(_ context.Context, kind models.EntityKind, id string) (*models.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, err := m.state(kind)
	if err != nil {
		return nil, err
	}

	e, ok := st.entities[id]
	if !ok {
		return nil, ErrNotFound
	}

	return e.Clone(), nil
}

func (m *MemoryStore) GetEntities(_ context.Context, kind models.EntityKind, ids []string) ([]*models.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, err := m.state(kind)
	if err != nil {
		return nil, err
	}

	out := make([]*models.Entity, 0, len(ids))

	for _, id := range ids {
		if e, ok := st.entities[id]; ok {
			out = append(out, e.Clone())
		}
	}

	return out, nil
}

func (m *MemoryStore) ListEntities(_ context.Context, kind models.EntityKind) ([]*models.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, err := m.state(kind)
	if err != nil {
		return nil, err
	}

	out := make([]*models.Entity, 0, len(st.entities))

	for _, e := range st.entities {
		if e.Live() {
			out = append(out, e.Clone())
		}
	}

	slices.SortFunc(out, func(a, b *models.Entity) int { return strings.Compare(a.InternalAxonID, b.InternalAxonID) })

	return out, nil
}

func (m *MemoryStore) EntityIDForAdapter(_ context.Context, kind models.EntityKind, ref models.AdapterRef) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, err := m.state(kind)
	if err != nil {
		return "", err
	}

	id, ok := st.assignment[ref]
	if !ok {
		return "", ErrNotFound
	}

	return id, nil
}

func (m *MemoryStore) CommitEntities(_ context.Context, kind models.EntityKind, entities []*models.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.state(kind)
	if err != nil {
		return err
	}

	if err := st.checkVersionsLocked(kind, entities); err != nil {
		return err
	}

	st.writeEntitiesLocked(kind, entities)

	return nil
}

func (m *MemoryStore) CommitCorrelation(
	_ context.Context, kind models.EntityKind, record *models.AdapterEntity, entities []*models.Entity,
) (bool, error) {
	if err := ValidateCommitRecord(kind, record); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.state(kind)
	if err != nil {
		return false, err
	}

	ref := record.Ref()

	if existing, ok := st.adapters[ref]; ok && record.CapturedAt.Before(existing.CapturedAt) {
		return false, ErrStaleRecord
	}

	if err := st.checkVersionsLocked(kind, entities); err != nil {
		return false, err
	}

	if !st.assignedAfterLocked(ref, entities) {
		return false, fmt.Errorf("%w: %s", ErrUnassignedRecord, ref)
	}

	st.writeEntitiesLocked(kind, entities)

	return st.putLocked(record.Clone())
}

func (st *kindState) checkVersionsLocked(kind models.EntityKind, entities []*models.Entity) error {
	var stale []string

	for _, e := range entities {
		current, exists := st.entities[e.InternalAxonID]

		switch {
		case e.Version == 0 && exists:
			stale = append(stale, e.InternalAxonID)
		case e.Version != 0 && (!exists || current.Version != e.Version):
			stale = append(stale, e.InternalAxonID)
		}
	}

	if len(stale) > 0 {
		return &CorrelationConflictError{Kind: kind, IDs: stale}
	}

	return nil
}

// assignedAfterLocked reports whether ref still belongs to an entity once
// entities are written.
func (st *kindState) assignedAfterLocked(ref models.AdapterRef, entities []*models.Entity) bool {
	current, assigned := st.assignment[ref]

	for _, e := range entities {
		if e.HasMember(ref) {
			return true
		}

		if e.InternalAxonID == current {
			assigned = false
		}
	}

	return assigned
}

func (st *kindState) writeEntitiesLocked(kind models.EntityKind, entities []*models.Entity) {
	for _, e := range entities {
		stored := e.Clone()
		stored.Kind = kind
		stored.Version = e.Version + 1

		if prev, ok := st.entities[e.InternalAxonID]; ok {
			for _, ref := range prev.Members {
				if st.assignment[ref] == prev.InternalAxonID && !stored.HasMember(ref) {
					delete(st.assignment, ref)
				}
			}
		}

		st.entities[stored.InternalAxonID] = stored
	}

	// assignments are written after every entity so a member moved between
	// two entities in one commit ends up on the one that lists it
	for _, e := range entities {
		for _, ref := range e.Members {
			st.assignment[ref] = e.InternalAxonID
		}
	}
}

func (m *MemoryStore) FieldsMetadata(_ context.Context, kind models.EntityKind) ([]models.FieldDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, err := m.state(kind)
	if err != nil {
		return nil, err
	}

	out := slices.Collect(maps.Values(st.fields))
	slices.SortFunc(out, func(a, b models.FieldDescriptor) int { return strings.Compare(a.Name, b.Name) })

	return out, nil
}

func (m *MemoryStore) DeclareFields(_ context.Context, kind models.EntityKind, descs []models.FieldDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.state(kind)
	if err != nil {
		return err
	}

	for _, d := range descs {
		st.fields[d.Name] = d
	}

	return nil
}

func (m *MemoryStore) ConnectionLabels(_ context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return maps.Clone(m.connLabels), nil
}

func (m *MemoryStore) SetConnectionLabel(_ context.Context, sourceID, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if label == "" {
		delete(m.connLabels, sourceID)

		return nil
	}

	m.connLabels[sourceID] = label

	return nil
}

func (m *MemoryStore) Snapshot(_ context.Context) (*models.NodeSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := &models.NodeSnapshot{
		NodeID:           m.nodeID,
		TakenAt:          time.Now().UTC(),
		Entities:         make(map[models.EntityKind][]*models.Entity, len(m.kinds)),
		Adapters:         make(map[models.EntityKind][]*models.AdapterEntity, len(m.kinds)),
		Fields:           make(map[models.EntityKind][]models.FieldDescriptor, len(m.kinds)),
		ConnectionLabels: maps.Clone(m.connLabels),
	}

	for kind, st := range m.kinds {
		entities := make([]*models.Entity, 0, len(st.entities))
		for _, e := range st.entities {
			entities = append(entities, e.Clone())
		}

		slices.SortFunc(entities, func(a, b *models.Entity) int { return strings.Compare(a.InternalAxonID, b.InternalAxonID) })

		fields := slices.Collect(maps.Values(st.fields))
		slices.SortFunc(fields, func(a, b models.FieldDescriptor) int { return strings.Compare(a.Name, b.Name) })

		snap.Entities[kind] = entities
		snap.Adapters[kind] = sortedAdapters(st.adapters)
		snap.Fields[kind] = fields
	}

	return snap, nil
}
