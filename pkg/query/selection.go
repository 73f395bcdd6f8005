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
	"context"
	"errors"
	"slices"

	"github.com/carverauto/assetradar/pkg/models"
	"github.com/carverauto/assetradar/pkg/store"
)

// Selection picks the entities a bulk operation applies to.
//
// With Include set, the selection is exactly IDs and the filter is ignored.
// With Include unset, the selection is every entity matching the filter
// except IDs: "select all, then untick a few". An empty IDs list with
// Include set selects nothing.
type Selection struct {
	IDs     []string `json:"ids"`
	Include bool     `json:"include"`
}

// ResolveSelection returns the sorted ids sel designates.
func (s *Service) ResolveSelection(ctx context.Context, kind models.EntityKind, filter Filter, sel Selection) ([]string, error) {
	if sel.Include {
		ids := slices.Clone(sel.IDs)
		slices.Sort(ids)

		return slices.Compact(ids), nil
	}

	matched, err := s.match(ctx, kind, filter)
	if err != nil {
		return nil, err
	}

	return slices.DeleteFunc(slices.Clone(matched), func(id string) bool {
		return slices.Contains(sel.IDs, id)
	}), nil
}

// AddLabels adds labels to the selected entities and returns how many changed.
func (s *Service) AddLabels(ctx context.Context, kind models.EntityKind, filter Filter, sel Selection, labels []string) (int, error) {
	return s.bulk(ctx, kind, filter, sel, func(ids []string) (int, error) {
		return s.mutator.UpdateLabels(ctx, kind, ids, labels, true)
	})
}

// RemoveLabels removes labels from the selected entities.
func (s *Service) RemoveLabels(ctx context.Context, kind models.EntityKind, filter Filter, sel Selection, labels []string) (int, error) {
	return s.bulk(ctx, kind, filter, sel, func(ids []string) (int, error) {
		return s.mutator.UpdateLabels(ctx, kind, ids, labels, false)
	})
}

// UpsertTag writes tag onto every selected entity. Selected ids that no
// longer exist are skipped.
func (s *Service) UpsertTag(ctx context.Context, kind models.EntityKind, filter Filter, sel Selection, tag models.Tag) (int, error) {
	return s.bulk(ctx, kind, filter, sel, func(ids []string) (int, error) {
		changed := 0

		var errs []error

		for _, id := range ids {
			did, err := s.mutator.UpsertEntityTag(ctx, kind, id, tag)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}

			if err != nil {
				errs = append(errs, err)

				continue
			}

			if did {
				changed++
			}
		}

		return changed, errors.Join(errs...)
	})
}

// DeleteEntities tombstones the selected entities.
func (s *Service) DeleteEntities(ctx context.Context, kind models.EntityKind, filter Filter, sel Selection) (int, error) {
	return s.bulk(ctx, kind, filter, sel, func(ids []string) (int, error) {
		return s.mutator.DeleteEntities(ctx, kind, ids)
	})
}

func (s *Service) bulk(ctx context.Context, kind models.EntityKind, filter Filter, sel Selection, apply func([]string) (int, error)) (int, error) {
	if s.mutator == nil {
		return 0, ErrNoMutator
	}

	ids, err := s.ResolveSelection(ctx, kind, filter, sel)
	if err != nil {
		return 0, err
	}

	if len(ids) == 0 {
		return 0, nil
	}

	n, err := apply(ids)

	s.Invalidate(kind)

	s.logger.Info().
		Str("kind", string(kind)).
		Int("selected", len(ids)).
		Int("changed", n).
		Bool("include", sel.Include).
		Msg("Bulk operation applied")

	return n, err
}
