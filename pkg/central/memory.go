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

package central

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/carverauto/assetradar/pkg/models"
	"github.com/carverauto/assetradar/pkg/store"
)

// collection is one immutable generation. It is never modified after it
// becomes live; a new write builds a new collection.
type collection struct {
	data     *Dataset
	entities map[string]*models.Entity
	adapters map[models.AdapterRef]*models.AdapterEntity
	indexed  bool
}

func (c *collection) buildIndexes() {
	c.entities = make(map[string]*models.Entity, len(c.data.Entities))
	for _, e := range c.data.Entities {
		c.entities[e.InternalAxonID] = e
	}

	c.adapters = make(map[models.AdapterRef]*models.AdapterEntity, len(c.data.Adapters))
	for _, ae := range c.data.Adapters {
		c.adapters[ae.Ref()] = ae
	}

	c.indexed = true
}

type slot struct {
	live     atomic.Pointer[collection]
	shadow   *collection
	previous *collection
}

// MemoryBackend keeps every generation in process. Swap is a pointer store,
// so readers never block on a promotion.
type MemoryBackend struct {
	mu    sync.Mutex
	slots map[models.CollectionName]*slot
	meta  *models.PromotionMeta
}

var _ Backend = (*MemoryBackend)(nil)

func NewMemoryBackend() *MemoryBackend {
	slots := make(map[models.CollectionName]*slot, len(models.Collections))
	for _, name := range models.Collections {
		slots[name] = &slot{}
	}

	return &MemoryBackend{slots: slots}
}

func (m *MemoryBackend) slot(name models.CollectionName) (*slot, error) {
	s, ok := m.slots[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}

	return s, nil
}

func (m *MemoryBackend) ResetShadow(_ context.Context, name models.CollectionName) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.slot(name)
	if err != nil {
		return err
	}

	s.shadow = &collection{data: &Dataset{Name: name}}

	return nil
}

func (m *MemoryBackend) WriteShadow(_ context.Context, ds *Dataset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.slot(ds.Name)
	if err != nil {
		return err
	}

	s.shadow = &collection{data: cloneDataset(ds)}

	return nil
}

func (m *MemoryBackend) BuildIndexes(_ context.Context, name models.CollectionName, target Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.slot(name)
	if err != nil {
		return err
	}

	switch target {
	case TargetShadow:
		if s.shadow == nil {
			return fmt.Errorf("%w: %s", ErrNoShadow, name)
		}

		s.shadow.buildIndexes()
	case TargetLive:
		live := s.live.Load()
		if live == nil || live.indexed {
			return nil
		}

		rebuilt := &collection{data: live.data}
		rebuilt.buildIndexes()
		s.live.Store(rebuilt)
	}

	return nil
}

func (m *MemoryBackend) Swap(_ context.Context, name models.CollectionName) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.slot(name)
	if err != nil {
		return err
	}

	if s.shadow == nil {
		return fmt.Errorf("%w: %s", ErrNoShadow, name)
	}

	s.previous = s.live.Swap(s.shadow)
	s.shadow = nil

	return nil
}

func (m *MemoryBackend) SwapBack(_ context.Context, name models.CollectionName) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.slot(name)
	if err != nil {
		return err
	}

	if s.previous == nil {
		return fmt.Errorf("%w: %s", ErrNoPrevious, name)
	}

	s.previous = s.live.Swap(s.previous)

	return nil
}

func (m *MemoryBackend) live(name models.CollectionName) (*collection, error) {
	s, err := m.slot(name)
	if err != nil {
		return nil, err
	}

	c := s.live.Load()
	if c == nil {
		c = &collection{data: &Dataset{Name: name}}
		c.buildIndexes()
	}

	return c, nil
}

func (m *MemoryBackend) Live(_ context.Context, name models.CollectionName) (*Dataset, error) {
	c, err := m.live(name)
	if err != nil {
		return nil, err
	}

	return cloneDataset(c.data), nil
}

func (m *MemoryBackend) Entity(_ context.Context, name models.CollectionName, id string) (*models.Entity, error) {
	c, err := m.live(name)
	if err != nil {
		return nil, err
	}

	e, ok := c.entities[id]
	if !ok {
		return nil, store.ErrNotFound
	}

	return e.Clone(), nil
}

func (m *MemoryBackend) AdapterEntities(_ context.Context, name models.CollectionName, refs []models.AdapterRef) ([]*models.AdapterEntity, error) {
	c, err := m.live(name)
	if err != nil {
		return nil, err
	}

	out := make([]*models.AdapterEntity, 0, len(refs))

	for _, ref := range refs {
		if ae, ok := c.adapters[ref]; ok {
			out = append(out, ae.Clone())
		}
	}

	return out, nil
}

func (m *MemoryBackend) LoadMeta(context.Context) (*models.PromotionMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.meta == nil {
		return &models.PromotionMeta{State: models.PromotionUninitialized}, nil
	}

	return cloneMeta(m.meta), nil
}

func (m *MemoryBackend) SaveMeta(_ context.Context, meta *models.PromotionMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.meta = cloneMeta(meta)

	return nil
}

func cloneDataset(ds *Dataset) *Dataset {
	out := &Dataset{Name: ds.Name, Fields: slices.Clone(ds.Fields), Labels: maps.Clone(ds.Labels)}

	if ds.Entities != nil {
		out.Entities = make([]*models.Entity, len(ds.Entities))
		for i, e := range ds.Entities {
			out.Entities[i] = e.Clone()
		}
	}

	if ds.Adapters != nil {
		out.Adapters = make([]*models.AdapterEntity, len(ds.Adapters))
		for i, ae := range ds.Adapters {
			out.Adapters[i] = ae.Clone()
		}
	}

	return out
}

func cloneMeta(meta *models.PromotionMeta) *models.PromotionMeta {
	out := *meta
	out.Indexed = maps.Clone(meta.Indexed)
	out.Promoted = slices.Clone(meta.Promoted)
	out.Failed = maps.Clone(meta.Failed)

	return &out
}
