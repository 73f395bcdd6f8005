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

package correlation

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/carverauto/assetradar/pkg/models"
	"github.com/carverauto/assetradar/pkg/store"
)

// BatchResult tallies the outcomes of a batch of decisions.
type BatchResult struct {
	Created   int
	Joined    int
	Merged    int
	Unchanged int
	Stale     int
	Failed    int
	Errors    []error
}

func (b *BatchResult) add(res *Result, err error) {
	if err != nil {
		b.Failed++
		b.Errors = append(b.Errors, err)

		return
	}

	switch res.Outcome {
	case OutcomeCreated:
		b.Created++
	case OutcomeJoined:
		b.Joined++
	case OutcomeMerged:
		b.Merged++
	case OutcomeUnchanged:
		b.Unchanged++
	case OutcomeStale:
		b.Stale++
	}
}

// Err joins every per-record failure.
func (b *BatchResult) Err() error {
	return errors.Join(b.Errors...)
}

// CorrelateBatch correlates records in order. A failed record does not stop
// the batch.
func (e *Engine) CorrelateBatch(ctx context.Context, records []*models.AdapterEntity) *BatchResult {
	out := &BatchResult{}

	for _, ae := range records {
		if ctx.Err() != nil {
			out.add(nil, ctx.Err())

			break
		}

		out.add(e.Correlate(ctx, ae))
	}

	return out
}

// Rerun re-correlates every stored record of kind that is not pending
// delete. It converges to the same grouping as incremental ingestion.
func (e *Engine) Rerun(ctx context.Context, kind models.EntityKind) (*BatchResult, error) {
	records, err := e.store.ListAdapterEntities(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("list %s adapter entities: %w", kind, err)
	}

	out := &BatchResult{}

	for _, ae := range records {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		if ae.PendingDelete {
			continue
		}

		out.add(e.Recorrelate(ctx, kind, ae.Ref()))
	}

	e.logger.Info().
		Str("kind", string(kind)).
		Int("created", out.Created).
		Int("joined", out.Joined).
		Int("merged", out.Merged).
		Int("failed", out.Failed).
		Msg("Correlation rerun finished")

	return out, nil
}

// RemoveMembers drops refs from the entities holding them. An entity left
// without members is deleted.
func (e *Engine) RemoveMembers(ctx context.Context, kind models.EntityKind, refs []models.AdapterRef) error {
	byEntity := make(map[string][]models.AdapterRef)

	for _, ref := range refs {
		id, err := e.store.EntityIDForAdapter(ctx, kind, ref)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}

		if err != nil {
			return err
		}

		byEntity[id] = append(byEntity[id], ref)
	}

	ids := make([]string, 0, len(byEntity))
	for id := range byEntity {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	var errs []error

	for _, id := range ids {
		removed := byEntity[id]

		err := e.mutateEntity(ctx, kind, id, func(ent *models.Entity) *models.CorrelationEvent {
			changed := false
			for _, ref := range removed {
				changed = ent.RemoveMember(ref) || changed
			}

			if !changed {
				return nil
			}

			ev := &models.CorrelationEvent{
				Type:    models.EventMemberRemoved,
				OldIDs:  []string{ent.InternalAxonID},
				NewID:   ent.InternalAxonID,
				Reason:  models.CorrelationReason{Kind: models.ReasonLogic, Detail: "adapter records removed"},
				Members: removed,
			}

			if len(ent.Members) == 0 && ent.Live() {
				ent.Tombstoned = true
				ev.Type = models.EventEntityDeleted
				ev.Reason.Detail = "last member removed"
			}

			return ev
		})
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// DeleteEntities tombstones the given entities and marks their member
// records pending delete. Unknown and already deleted ids are skipped.
func (e *Engine) DeleteEntities(ctx context.Context, kind models.EntityKind, ids []string) (int, error) {
	deleted := 0

	var errs []error

	for _, id := range ids {
		var members []models.AdapterRef

		err := e.mutateEntity(ctx, kind, id, func(ent *models.Entity) *models.CorrelationEvent {
			if !ent.Live() {
				return nil
			}

			ent.Tombstoned = true
			members = slices.Clone(ent.Members)

			return &models.CorrelationEvent{
				Type:    models.EventEntityDeleted,
				OldIDs:  []string{ent.InternalAxonID},
				NewID:   ent.InternalAxonID,
				Reason:  models.CorrelationReason{Kind: models.ReasonManual, Detail: "deleted by operator"},
				Members: members,
			}
		})
		if errors.Is(err, store.ErrNotFound) {
			continue
		}

		if err != nil {
			errs = append(errs, err)

			continue
		}

		if members == nil {
			continue
		}

		if err := e.store.SetPendingDelete(ctx, kind, members, true); err != nil {
			errs = append(errs, fmt.Errorf("mark members of %s pending delete: %w", id, err))

			continue
		}

		deleted++
	}

	return deleted, errors.Join(errs...)
}

// UpdateLabels adds or removes labels on live entities and returns how many
// entities changed.
func (e *Engine) UpdateLabels(ctx context.Context, kind models.EntityKind, ids, labels []string, add bool) (int, error) {
	changed := 0

	var errs []error

	for _, id := range ids {
		var did bool

		err := e.mutateEntity(ctx, kind, id, func(ent *models.Entity) *models.CorrelationEvent {
			did = false

			if !ent.Live() {
				return nil
			}

			if add {
				did = ent.AddLabels(labels...)
			} else {
				did = ent.RemoveLabels(labels...)
			}

			if !did {
				return nil
			}

			return &models.CorrelationEvent{}
		})
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
}

// UpsertEntityTag writes tag onto the live entity id, replacing any tag with
// the same (Owner, Name). It reports whether the entity changed.
func (e *Engine) UpsertEntityTag(ctx context.Context, kind models.EntityKind, id string, tag models.Tag) (bool, error) {
	if !tag.Type.Valid() || tag.Owner == "" || tag.Name == "" {
		return false, fmt.Errorf("%w: tag %q/%q of type %q", store.ErrInvalidRecord, tag.Owner, tag.Name, tag.Type)
	}

	if tag.AccurateFor.IsZero() {
		tag.AccurateFor = e.now()
	}

	var did bool

	err := e.mutateEntity(ctx, kind, id, func(ent *models.Entity) *models.CorrelationEvent {
		did = false

		if !ent.Live() {
			return nil
		}

		ent.Tags, did = models.UpsertTag(ent.Tags, tag)
		if !did {
			return nil
		}

		return &models.CorrelationEvent{}
	})
	if err != nil {
		return false, err
	}

	return did, nil
}

// mutateEntity applies fn to the current version of id and commits it,
// retrying once on a version conflict. fn returns nil to skip the write.
// Returned events with a Type are published after the commit.
func (e *Engine) mutateEntity(
	ctx context.Context, kind models.EntityKind, id string, fn func(*models.Entity) *models.CorrelationEvent,
) error {
	attempt := func() (*models.CorrelationEvent, error) {
		ent, err := e.store.GetEntity(ctx, kind, id)
		if err != nil {
			return nil, err
		}

		ev := fn(ent)
		if ev == nil {
			return nil, nil
		}

		now := e.now()
		ent.AccurateFor = now

		if err := e.store.CommitEntities(ctx, kind, []*models.Entity{ent}); err != nil {
			return nil, err
		}

		ev.Kind = kind
		ev.At = now
		ev.Reason.At = now

		return ev, nil
	}

	ev, err := attempt()
	if errors.Is(err, store.ErrConflict) {
		ev, err = attempt()
	}

	if err != nil {
		return fmt.Errorf("update entity %s: %w", id, err)
	}

	if ev != nil && ev.Type != "" {
		e.publish(ctx, []*models.CorrelationEvent{ev})
	}

	return nil
}
