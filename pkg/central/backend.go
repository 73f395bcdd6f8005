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

// Package central merges the snapshots of every collector node into shadow
// collections and promotes them over the live ones that readers use.
package central

import (
	"context"
	"slices"

	"github.com/carverauto/assetradar/pkg/models"
)

// Target selects the shadow or the live generation of a collection.
type Target string

const (
	TargetShadow Target = "shadow"
	TargetLive   Target = "live"
)

// Dataset is the content of one logical collection. Only the member
// matching the collection is set.
type Dataset struct {
	Name     models.CollectionName
	Entities []*models.Entity
	Adapters []*models.AdapterEntity
	Fields   []models.FieldDescriptor
	Labels   map[string]string
}

// Len returns the number of documents in the dataset.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}

	return len(d.Entities) + len(d.Adapters) + len(d.Fields) + len(d.Labels)
}

// Backend stores the three generations (shadow, live, previous) of each
// collection. Swap must be a single atomic step: a reader sees either the
// old or the new live collection, never a missing or partial one.
type Backend interface {
	ResetShadow(ctx context.Context, name models.CollectionName) error
	WriteShadow(ctx context.Context, ds *Dataset) error
	BuildIndexes(ctx context.Context, name models.CollectionName, target Target) error
	// Swap replaces live with shadow and keeps the old live as previous.
	Swap(ctx context.Context, name models.CollectionName) error
	// SwapBack restores previous as live.
	SwapBack(ctx context.Context, name models.CollectionName) error

	// Live returns the live dataset, empty when nothing was promoted yet.
	Live(ctx context.Context, name models.CollectionName) (*Dataset, error)
	Entity(ctx context.Context, name models.CollectionName, id string) (*models.Entity, error)
	AdapterEntities(ctx context.Context, name models.CollectionName, refs []models.AdapterRef) ([]*models.AdapterEntity, error)

	LoadMeta(ctx context.Context) (*models.PromotionMeta, error)
	SaveMeta(ctx context.Context, meta *models.PromotionMeta) error
}

func validCollection(name models.CollectionName) bool {
	return slices.Contains(models.Collections, name)
}
