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

// Package correlation decides which adapter records describe the same asset.
// The deterministic pass runs inline with ingestion; the reimage analysis is
// a periodic batch job that only annotates.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/assetradar/pkg/events"
	"github.com/carverauto/assetradar/pkg/hostname"
	"github.com/carverauto/assetradar/pkg/identitymap"
	"github.com/carverauto/assetradar/pkg/logger"
	"github.com/carverauto/assetradar/pkg/models"
	"github.com/carverauto/assetradar/pkg/store"
)

// Outcome is what one correlation decision did.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeJoined    Outcome = "joined"
	OutcomeMerged    Outcome = "merged"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeStale     Outcome = "stale"
)

// Result describes the decision taken for one record.
type Result struct {
	Ref        models.AdapterRef
	Kind       models.EntityKind
	EntityID   string
	Outcome    Outcome
	Superseded bool
	Absorbed   []string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithIDGenerator overrides how new internal_axon_ids are minted.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		e.newID = fn
	}
}

// WithLockStripes sets the number of per-key lock stripes.
func WithLockStripes(n int) Option {
	return func(e *Engine) {
		e.locks = newKeyLocks(n)
	}
}

// Engine owns Entity membership. It is safe for concurrent use.
type Engine struct {
	store     store.Store
	publisher events.Publisher
	logger    logger.Logger
	locks     *keyLocks
	now       func() time.Time
	newID     func() string
}

// NewEngine wires an engine over st. A nil publisher drops events.
func NewEngine(st store.Store, pub events.Publisher, log logger.Logger, opts ...Option) *Engine {
	if pub == nil {
		pub = events.NopPublisher{}
	}

	e := &Engine{
		store:     st,
		publisher: pub,
		logger:    log,
		locks:     newKeyLocks(defaultLockStripes),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     NewInternalAxonID,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// NewInternalAxonID mints a fresh opaque entity id.
func NewInternalAxonID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Correlate stores ae, superseding the previous record for its ref, and
// places it in exactly one live Entity. The record and the membership change
// are committed together. Re-running it on unchanged input changes no entity
// and emits no events.
func (e *Engine) Correlate(ctx context.Context, ae *models.AdapterEntity) (*Result, error) {
	if err := store.ValidateAdapterEntity(ae); err != nil {
		return nil, err
	}

	keys := identitymap.BuildKeys(ae)

	unlock := e.locks.Lock(keys)
	defer unlock()

	res, err := e.decideWithRetry(ctx, ae.Kind, ae.Ref(), ae, keys)
	if errors.Is(err, store.ErrStaleRecord) {
		recordDecision(ctx, ae.Kind, OutcomeStale)

		return &Result{Ref: ae.Ref(), Kind: ae.Kind, Outcome: OutcomeStale}, nil
	}

	return res, err
}

// Recorrelate re-runs the decision for a stored record without rewriting it.
func (e *Engine) Recorrelate(ctx context.Context, kind models.EntityKind, ref models.AdapterRef) (*Result, error) {
	ae, err := e.store.GetAdapterEntity(ctx, kind, ref)
	if err != nil {
		return nil, err
	}

	keys := identitymap.BuildKeys(ae)

	unlock := e.locks.Lock(keys)
	defer unlock()

	return e.decideWithRetry(ctx, kind, ref, nil, keys)
}

func (e *Engine) decideWithRetry(
	ctx context.Context, kind models.EntityKind, ref models.AdapterRef, record *models.AdapterEntity, keys []identitymap.Key,
) (*Result, error) {
	res, evts, err := e.decide(ctx, kind, ref, record, keys)
	if errors.Is(err, store.ErrConflict) {
		identitymap.RecordConflict(ctx, "retry")
		e.logger.Debug().Str("ref", ref.String()).Err(err).Msg("Membership conflict, retrying on a fresh read")

		res, evts, err = e.decide(ctx, kind, ref, record, keys)
		if errors.Is(err, store.ErrConflict) {
			identitymap.RecordConflict(ctx, "exhausted")
		}
	}

	if err != nil {
		return nil, fmt.Errorf("correlate %s: %w", ref, err)
	}

	recordDecision(ctx, kind, res.Outcome)
	e.publish(ctx, evts)

	return res, nil
}

// commit writes the planned entities, together with record when the
// decision came from a new observation.
func (e *Engine) commit(ctx context.Context, kind models.EntityKind, record *models.AdapterEntity, writes []*models.Entity) (bool, error) {
	if record == nil {
		if len(writes) == 0 {
			return false, nil
		}

		return false, e.store.CommitEntities(ctx, kind, writes)
	}

	return e.store.CommitCorrelation(ctx, kind, record, writes)
}

// decide reads the current state, plans the membership change, and commits
// it guarded by entity versions.
func (e *Engine) decide(
	ctx context.Context, kind models.EntityKind, ref models.AdapterRef, record *models.AdapterEntity, keys []identitymap.Key,
) (*Result, []*models.CorrelationEvent, error) {
	current, holder, err := e.currentEntity(ctx, kind, ref)
	if err != nil {
		return nil, nil, err
	}

	matched, err := e.matchingEntities(ctx, kind, ref, keys)
	if err != nil {
		return nil, nil, err
	}

	live, err := e.liveEntities(ctx, kind, matched, current)
	if err != nil {
		return nil, nil, err
	}

	now := e.now()
	res := &Result{Ref: ref, Kind: kind}

	var (
		writes []*models.Entity
		event  *models.CorrelationEvent
	)

	switch len(live) {
	case 0:
		ent := &models.Entity{
			InternalAxonID: e.newID(),
			Kind:           kind,
			Members:        []models.AdapterRef{ref},
			AccurateFor:    now,
			CreatedAt:      now,
		}

		writes = append(writes, ent)
		res.Outcome = OutcomeCreated
		res.EntityID = ent.InternalAxonID
		event = &models.CorrelationEvent{
			Type:    models.EventEntityCreated,
			NewID:   ent.InternalAxonID,
			Reason:  models.CorrelationReason{Kind: models.ReasonLogic, Detail: "no matching entity", At: now},
			Members: []models.AdapterRef{ref},
		}
	case 1:
		target := live[0]
		res.EntityID = target.InternalAxonID

		if target.HasMember(ref) && holder == nil {
			res.Outcome = OutcomeUnchanged

			if res.Superseded, err = e.commit(ctx, kind, record, nil); err != nil {
				return nil, nil, err
			}

			return res, nil, nil
		}

		key := matched[target.InternalAxonID]
		reason := models.CorrelationReason{
			Kind:   key.Kind.ReasonKind(),
			Key:    key.String(),
			Detail: "joined " + ref.String(),
			At:     now,
		}

		target.AddMember(ref)
		target.CorrelationReasons = append(target.CorrelationReasons, reason)
		target.AccurateFor = now

		writes = append(writes, target)
		res.Outcome = OutcomeJoined
		event = &models.CorrelationEvent{
			Type:    models.EventMemberJoined,
			NewID:   target.InternalAxonID,
			Reason:  reason,
			Members: []models.AdapterRef{ref},
		}
	default:
		survivor, absorbed := pickSurvivor(live)
		reason := mergeReason(matched, live, now)

		for _, a := range absorbed {
			absorb(survivor, a, now)
			writes = append(writes, a)
			res.Absorbed = append(res.Absorbed, a.InternalAxonID)
		}

		survivor.AddMember(ref)
		survivor.CorrelationReasons = append(survivor.CorrelationReasons, reason)
		survivor.AccurateFor = now

		writes = append(writes, survivor)
		res.Outcome = OutcomeMerged
		res.EntityID = survivor.InternalAxonID
		event = &models.CorrelationEvent{
			Type:    models.EventEntityMerged,
			OldIDs:  slices.Clone(res.Absorbed),
			NewID:   survivor.InternalAxonID,
			Reason:  reason,
			Members: []models.AdapterRef{ref},
		}
	}

	if holder != nil {
		holder.RemoveMember(ref)
		writes = append(writes, holder)
		event.OldIDs = append(event.OldIDs, holder.InternalAxonID)
	}

	if res.Superseded, err = e.commit(ctx, kind, record, writes); err != nil {
		return nil, nil, err
	}

	event.Kind = kind
	event.At = now

	return res, []*models.CorrelationEvent{event}, nil
}

// currentEntity returns the live entity holding ref, or the non-live entity
// still listing it (a deleted entity whose record came back).
func (e *Engine) currentEntity(ctx context.Context, kind models.EntityKind, ref models.AdapterRef) (current, holder *models.Entity, err error) {
	id, err := e.store.EntityIDForAdapter(ctx, kind, ref)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil
	}

	if err != nil {
		return nil, nil, err
	}

	ent, err := e.store.GetEntity(ctx, kind, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil
	}

	if err != nil {
		return nil, nil, err
	}

	if ent.Live() {
		return ent, nil, nil
	}

	return nil, ent, nil
}

// matchingEntities maps each entity sharing a key with ref to the first key
// that matched it. A bare hostname that matches members under two different
// domains is ambiguous and ignored.
func (e *Engine) matchingEntities(
	ctx context.Context, kind models.EntityKind, ref models.AdapterRef, keys []identitymap.Key,
) (map[string]identitymap.Key, error) {
	out := make(map[string]identitymap.Key)

	for _, key := range keys {
		matches, err := e.store.FindByKey(ctx, kind, key)
		if err != nil {
			return nil, fmt.Errorf("find by key %s: %w", key, err)
		}

		ids := make([]string, 0, len(matches))
		domains := make(map[string]struct{})

		for _, m := range matches {
			if m.Ref == ref || m.EntityID == "" {
				continue
			}

			if key.Kind == identitymap.KindHostname {
				if !hostname.Compare(key.Hostname(), hostname.Name{Host: key.Value, Domain: m.Domain}) {
					continue
				}

				if m.Domain != "" {
					domains[m.Domain] = struct{}{}
				}
			}

			ids = append(ids, m.EntityID)
		}

		if len(domains) > 1 {
			e.logger.Debug().Str("key", key.String()).Int("domains", len(domains)).
				Msg("Ignoring bare hostname matching several domains")

			ids = nil
		}

		identitymap.RecordKeyLookup(ctx, key.Kind, len(ids))

		for _, id := range ids {
			if _, seen := out[id]; !seen {
				out[id] = key
			}
		}
	}

	return out, nil
}

// liveEntities loads matched entities plus current, resolving merge
// tombstones and dropping deleted ones.
func (e *Engine) liveEntities(
	ctx context.Context, kind models.EntityKind, matched map[string]identitymap.Key, current *models.Entity,
) ([]*models.Entity, error) {
	byID := make(map[string]*models.Entity)

	if current != nil {
		byID[current.InternalAxonID] = current
	}

	for id := range matched {
		if _, ok := byID[id]; ok {
			continue
		}

		ent, err := store.ResolveEntity(ctx, e.store, kind, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}

		if err != nil {
			return nil, err
		}

		if !ent.Live() {
			continue
		}

		if ent.InternalAxonID != id {
			if key, ok := matched[id]; ok {
				if _, has := matched[ent.InternalAxonID]; !has {
					matched[ent.InternalAxonID] = key
				}
			}
		}

		byID[ent.InternalAxonID] = ent
	}

	out := make([]*models.Entity, 0, len(byID))
	for _, ent := range byID {
		out = append(out, ent)
	}

	slices.SortFunc(out, compareAge)

	return out, nil
}

// compareAge orders entities oldest first, ties broken by id.
func compareAge(a, b *models.Entity) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}

	return strings.Compare(a.InternalAxonID, b.InternalAxonID)
}

// pickSurvivor keeps the oldest entity so ids already handed to clients stay valid.
func pickSurvivor(live []*models.Entity) (*models.Entity, []*models.Entity) {
	sorted := slices.Clone(live)
	slices.SortFunc(sorted, compareAge)

	return sorted[0], sorted[1:]
}

func mergeReason(matched map[string]identitymap.Key, live []*models.Entity, now time.Time) models.CorrelationReason {
	ids := make([]string, 0, len(live))
	keySet := make(map[identitymap.Key]struct{})

	for _, ent := range live {
		ids = append(ids, ent.InternalAxonID)

		if k, ok := matched[ent.InternalAxonID]; ok {
			keySet[k] = struct{}{}
		}
	}

	keys := make([]identitymap.Key, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}

	slices.SortFunc(keys, identitymap.CompareKeys)
	slices.Sort(ids)

	reason := models.CorrelationReason{Kind: models.ReasonLogic, PriorIDs: ids, At: now}

	if len(keys) > 0 {
		reason.Kind = keys[0].Kind.ReasonKind()
		reason.Key = keys[0].String()

		names := make([]string, len(keys))
		for i, k := range keys {
			names[i] = k.String()
		}

		reason.Detail = "bridged by " + strings.Join(names, ", ")
	}

	return reason
}

// absorb folds a into survivor and tombstones a.
func absorb(survivor, a *models.Entity, now time.Time) {
	for _, ref := range a.Members {
		survivor.AddMember(ref)
	}

	survivor.Tags = models.MergeTags(survivor.Tags, a.Tags)
	survivor.AddLabels(a.Labels...)
	survivor.HasNotes = survivor.HasNotes || a.HasNotes
	survivor.CorrelationReasons = append(survivor.CorrelationReasons, a.CorrelationReasons...)

	a.Members = nil
	a.TombstonedInto = survivor.InternalAxonID
	a.AccurateFor = now
}

func (e *Engine) publish(ctx context.Context, evts []*models.CorrelationEvent) {
	for _, ev := range evts {
		if err := e.publisher.PublishCorrelation(ctx, ev); err != nil {
			e.logger.Warn().Err(err).
				Str("type", string(ev.Type)).
				Str("entity", ev.NewID).
				Msg("Failed to publish correlation event")
		}
	}
}
