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

// Package query serves canonical views of entities to read clients and
// applies operator bulk actions.
package query

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/carverauto/assetradar/pkg/logger"
	"github.com/carverauto/assetradar/pkg/models"
	"github.com/carverauto/assetradar/pkg/projection"
	"github.com/carverauto/assetradar/pkg/store"
	"github.com/carverauto/assetradar/pkg/viewcache"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
	defaultTTL   = 30 * time.Second
)

var ErrNoMutator = errors.New("bulk operations are not available on this source")

// Source is the read side views are built from. Both the node store and the
// central reader implement it.
type Source interface {
	GetEntity(ctx context.Context, kind models.EntityKind, id string) (*models.Entity, error)
	// ListEntities returns live entities ordered by id.
	ListEntities(ctx context.Context, kind models.EntityKind) ([]*models.Entity, error)
	GetAdapterEntities(ctx context.Context, kind models.EntityKind, refs []models.AdapterRef) ([]*models.AdapterEntity, error)
	ConnectionLabels(ctx context.Context) (map[string]string, error)
}

// Mutator applies operator actions to entities. The correlation engine
// implements it.
type Mutator interface {
	UpdateLabels(ctx context.Context, kind models.EntityKind, ids, labels []string, add bool) (int, error)
	DeleteEntities(ctx context.Context, kind models.EntityKind, ids []string) (int, error)
	UpsertEntityTag(ctx context.Context, kind models.EntityKind, id string, tag models.Tag) (bool, error)
}

// Cache is the subset of the view cache the service relies on.
type Cache interface {
	GetOrCompute(ctx context.Context, key string, ttl time.Duration, fn viewcache.ComputeFunc) (any, error)
	InvalidatePrefix(prefix string)
}

// Options controls paging and error handling of Find.
type Options struct {
	IgnoreErrors bool `json:"ignore_errors"`
	Offset       int  `json:"offset,omitempty"`
	Limit        int  `json:"limit,omitempty"`
	Descending   bool `json:"descending,omitempty"`
}

// Option configures a Service.
type Option func(*Service)

// WithTTL sets how long totals and views stay cached.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithMutator enables bulk operations.
func WithMutator(m Mutator) Option {
	return func(s *Service) {
		s.mutator = m
	}
}

// Service answers view queries over a Source.
type Service struct {
	source  Source
	mutator Mutator
	fields  *models.FieldRegistries
	cache   Cache
	logger  logger.Logger
	ttl     time.Duration
}

func NewService(source Source, fields *models.FieldRegistries, cache Cache, log logger.Logger, opts ...Option) *Service {
	if fields == nil {
		fields = models.NewFieldRegistries()
	}

	s := &Service{
		source: source,
		fields: fields,
		cache:  cache,
		logger: log,
		ttl:    defaultTTL,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Result is one page of a query. Views can be ranged over any number of
// times; each pass re-reads the page from the source.
type Result struct {
	Total int
	IDs   []string

	svc          *Service
	kind         models.EntityKind
	ignoreErrors bool
}

// Views yields the page's views in order. In strict mode an entity that
// fails to project yields (nil, err) and iteration continues with the next
// entity. An entity removed since the query ran is skipped.
func (r *Result) Views(ctx context.Context) iter.Seq2[*models.CanonicalView, error] {
	return func(yield func(*models.CanonicalView, error) bool) {
		for _, id := range r.IDs {
			if err := ctx.Err(); err != nil {
				yield(nil, err)

				return
			}

			view, err := r.svc.view(ctx, r.kind, id, r.ignoreErrors)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}

			if !yield(view, err) {
				return
			}
		}
	}
}

// Find matches filter against the live entities of kind and returns one page.
func (s *Service) Find(ctx context.Context, kind models.EntityKind, filter Filter, opts Options) (*Result, error) {
	if !kind.Valid() {
		return nil, models.ErrUnknownEntityKind
	}

	ids, err := s.match(ctx, kind, filter)
	if err != nil {
		return nil, err
	}

	page := paginate(ids, opts)

	return &Result{
		Total:        len(ids),
		IDs:          page,
		svc:          s,
		kind:         kind,
		ignoreErrors: opts.IgnoreErrors,
	}, nil
}

// Count returns the number of entities matching filter.
func (s *Service) Count(ctx context.Context, kind models.EntityKind, filter Filter) (int, error) {
	ids, err := s.match(ctx, kind, filter)
	if err != nil {
		return 0, err
	}

	return len(ids), nil
}

// Get returns the view of one entity. A merged-away id resolves to the
// entity it was merged into.
func (s *Service) Get(ctx context.Context, kind models.EntityKind, id string, ignoreErrors bool) (*models.CanonicalView, error) {
	if !kind.Valid() {
		return nil, models.ErrUnknownEntityKind
	}

	ent, err := store.ResolveEntity(ctx, s.source, kind, id)
	if err != nil {
		return nil, fmt.Errorf("entity %s: %w", id, err)
	}

	if !ent.Live() {
		return nil, fmt.Errorf("entity %s: %w", id, store.ErrNotFound)
	}

	return s.view(ctx, kind, ent.InternalAxonID, ignoreErrors)
}

func paginate(ids []string, opts Options) []string {
	ordered := slices.Clone(ids)
	if opts.Descending {
		slices.Reverse(ordered)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	limit = min(limit, maxLimit)

	offset := max(opts.Offset, 0)
	if offset >= len(ordered) {
		return []string{}
	}

	return ordered[offset:min(offset+limit, len(ordered))]
}

// Invalidate drops the cached matches and views of kind. Call it after
// writes that bypass the service, such as tagging jobs.
func (s *Service) Invalidate(kind models.EntityKind) {
	s.cache.InvalidatePrefix(fmt.Sprintf("match:%s:", kind))
	s.cache.InvalidatePrefix(fmt.Sprintf("view:%s:", kind))
}

// match returns the sorted ids of every live entity matching filter. The
// list is cached per kind and filter.
func (s *Service) match(ctx context.Context, kind models.EntityKind, filter Filter) ([]string, error) {
	hash, err := filter.hash()
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("match:%s:%s", kind, hash)

	v, err := s.cache.GetOrCompute(ctx, key, s.ttl, func(ctx context.Context) (any, error) {
		return s.computeMatch(ctx, kind, filter)
	})
	if err != nil {
		return nil, err
	}

	ids, ok := v.([]string)
	if !ok {
		return nil, fmt.Errorf("%w: key %s holds %T", viewcache.ErrTypeMismatch, key, v)
	}

	return ids, nil
}

func (s *Service) computeMatch(ctx context.Context, kind models.EntityKind, filter Filter) ([]string, error) {
	entities, err := s.source.ListEntities(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}

	ids := make([]string, 0, len(entities))

	for _, e := range entities {
		if !filter.matchEntity(e) {
			continue
		}

		if filter.needsView() {
			view, err := s.view(ctx, kind, e.InternalAxonID, true)
			if err != nil {
				return nil, err
			}

			if !filter.matchView(view) {
				continue
			}
		}

		ids = append(ids, e.InternalAxonID)
	}

	slices.Sort(ids)

	return ids, nil
}

// view projects one entity, cached per id and error mode.
func (s *Service) view(ctx context.Context, kind models.EntityKind, id string, ignoreErrors bool) (*models.CanonicalView, error) {
	key := fmt.Sprintf("view:%s:%s:%t", kind, id, ignoreErrors)

	v, err := s.cache.GetOrCompute(ctx, key, s.ttl, func(ctx context.Context) (any, error) {
		return s.project(ctx, kind, id, ignoreErrors)
	})
	if err != nil {
		return nil, err
	}

	view, ok := v.(*models.CanonicalView)
	if !ok {
		return nil, fmt.Errorf("%w: key %s holds %T", viewcache.ErrTypeMismatch, key, v)
	}

	return view, nil
}

func (s *Service) project(ctx context.Context, kind models.EntityKind, id string, ignoreErrors bool) (*models.CanonicalView, error) {
	ent, err := s.source.GetEntity(ctx, kind, id)
	if err != nil {
		return nil, err
	}

	members, err := s.source.GetAdapterEntities(ctx, kind, ent.Members)
	if err != nil {
		return nil, fmt.Errorf("members of %s: %w", id, err)
	}

	labels, err := s.source.ConnectionLabels(ctx)
	if err != nil {
		return nil, fmt.Errorf("connection labels: %w", err)
	}

	view, err := projection.NewProjector(s.fields, labels).Project(ent, members, ignoreErrors)
	if err != nil {
		s.logger.Debug().Err(err).Str("entity", id).Msg("Projection failed")

		return nil, err
	}

	return view, nil
}
