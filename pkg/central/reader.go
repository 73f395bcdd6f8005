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

	"github.com/carverauto/assetradar/pkg/models"
)

// Reader serves the live collections. It satisfies the read side used by
// the query service, so views can be served from the central store instead
// of a node store.
type Reader struct {
	backend Backend
}

func NewReader(backend Backend) *Reader {
	return &Reader{backend: backend}
}

// GetEntity returns a live or tombstoned entity by id.
func (r *Reader) GetEntity(ctx context.Context, kind models.EntityKind, id string) (*models.Entity, error) {
	return r.backend.Entity(ctx, models.EntitiesCollection(kind), id)
}

// ListEntities returns the live entities of kind ordered by id.
func (r *Reader) ListEntities(ctx context.Context, kind models.EntityKind) ([]*models.Entity, error) {
	ds, err := r.backend.Live(ctx, models.EntitiesCollection(kind))
	if err != nil {
		return nil, err
	}

	out := make([]*models.Entity, 0, len(ds.Entities))

	for _, e := range ds.Entities {
		if e.Live() {
			out = append(out, e)
		}
	}

	return out, nil
}

func (r *Reader) GetAdapterEntities(ctx context.Context, kind models.EntityKind, refs []models.AdapterRef) ([]*models.AdapterEntity, error) {
	return r.backend.AdapterEntities(ctx, models.AdaptersCollection(kind), refs)
}

func (r *Reader) FieldsMetadata(ctx context.Context, kind models.EntityKind) ([]models.FieldDescriptor, error) {
	ds, err := r.backend.Live(ctx, models.FieldsCollection(kind))
	if err != nil {
		return nil, err
	}

	return ds.Fields, nil
}

func (r *Reader) ConnectionLabels(ctx context.Context) (map[string]string, error) {
	ds, err := r.backend.Live(ctx, models.CollectionConnectionLabels)
	if err != nil {
		return nil, err
	}

	if ds.Labels == nil {
		return map[string]string{}, nil
	}

	return ds.Labels, nil
}

// Count returns the number of documents in a live collection.
func (r *Reader) Count(ctx context.Context, name models.CollectionName) (int, error) {
	ds, err := r.backend.Live(ctx, name)
	if err != nil {
		return 0, err
	}

	return ds.Len(), nil
}
