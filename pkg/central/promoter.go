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
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/carverauto/assetradar/pkg/logger"
	"github.com/carverauto/assetradar/pkg/models"
)

// Invalidator drops computed views after the live collections change.
type Invalidator interface {
	InvalidateAll()
}

type nopInvalidator struct{}

func (nopInvalidator) InvalidateAll() {}

// Status is the promotion state plus the outcome of the last promotion.
type Status struct {
	State      models.PromotionState            `json:"state"`
	Generation int64                            `json:"generation"`
	IndexedAt  time.Time                        `json:"indexed_at,omitempty"`
	PromotedAt time.Time                        `json:"promoted_at,omitempty"`
	Promoted   []models.CollectionName          `json:"promoted,omitempty"`
	Failed     map[models.CollectionName]string `json:"failed,omitempty"`
	Degraded   bool                             `json:"degraded"`
}

// PromoterOption configures a Promoter.
type PromoterOption func(*Promoter)

func WithPromoterClock(now func() time.Time) PromoterOption {
	return func(p *Promoter) {
		p.now = now
	}
}

// Promoter owns the UNINITIALIZED → INDEXED → PROMOTING → LIVE state
// machine. Shadow builds, promotions and rollbacks never overlap; a trigger
// arriving while one runs is rejected rather than queued.
type Promoter struct {
	backend Backend
	cache   Invalidator
	logger  logger.Logger
	now     func() time.Time

	job sync.Mutex

	mu      sync.RWMutex
	meta    *models.PromotionMeta
	running error
}

// NewPromoter loads the persisted metadata. A promotion interrupted by a
// restart is reported as LIVE and degraded.
func NewPromoter(ctx context.Context, backend Backend, cache Invalidator, log logger.Logger, opts ...PromoterOption) (*Promoter, error) {
	if cache == nil {
		cache = nopInvalidator{}
	}

	p := &Promoter{
		backend: backend,
		cache:   cache,
		logger:  log,
		now:     func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(p)
	}

	meta, err := backend.LoadMeta(ctx)
	if err != nil {
		return nil, fmt.Errorf("load promotion metadata: %w", err)
	}

	if meta.State == "" {
		meta.State = models.PromotionUninitialized
	}

	if meta.State == models.PromotionPromoting {
		p.logger.Error().Int64("generation", meta.Generation).
			Msg("Previous promotion was interrupted, collections may be partially promoted")

		meta.State = models.PromotionLive
		if meta.Failed == nil {
			meta.Failed = make(map[models.CollectionName]string)
		}

		for _, name := range models.Collections {
			if !slices.Contains(meta.Promoted, name) {
				meta.Failed[name] = "interrupted"
			}
		}
	}

	p.meta = meta

	return p, nil
}

// acquire takes the job slot for job. When another job holds it, that
// job's in-progress error is returned.
func (p *Promoter) acquire(job error) (func(), error) {
	if !p.job.TryLock() {
		p.mu.RLock()
		defer p.mu.RUnlock()

		if p.running != nil {
			return nil, p.running
		}

		return nil, job
	}

	p.mu.Lock()
	p.running = job
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		p.running = nil
		p.mu.Unlock()

		p.job.Unlock()
	}, nil
}

func (p *Promoter) State() models.PromotionState {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.meta.State
}

func (p *Promoter) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return Status{
		State:      p.meta.State,
		Generation: p.meta.Generation,
		IndexedAt:  p.meta.IndexedAt,
		PromotedAt: p.meta.PromotedAt,
		Promoted:   slices.Clone(p.meta.Promoted),
		Failed:     maps.Clone(p.meta.Failed),
		Degraded:   len(p.meta.Failed) > 0,
	}
}

// update applies fn to a copy of the metadata, persists it, then publishes it.
func (p *Promoter) update(ctx context.Context, fn func(*models.PromotionMeta)) error {
	p.mu.RLock()
	next := cloneMeta(p.meta)
	p.mu.RUnlock()

	fn(next)

	if err := p.backend.SaveMeta(ctx, next); err != nil {
		return fmt.Errorf("save promotion metadata: %w", err)
	}

	p.mu.Lock()
	p.meta = next
	p.mu.Unlock()

	return nil
}

func (p *Promoter) markIndexed(ctx context.Context) error {
	now := p.now()

	return p.update(ctx, func(m *models.PromotionMeta) {
		m.State = models.PromotionIndexed
		m.IndexedAt = now
		m.Indexed = make(map[models.CollectionName]bool, len(models.Collections))

		for _, name := range models.Collections {
			m.Indexed[name] = true
		}
	})
}

// StartPromotion swaps every indexed shadow collection over its live one.
// Each swap runs to completion even if ctx is cancelled; cancellation is
// honored between collections. A collection that fails to swap is logged
// and reported in the returned error while its siblings are still promoted.
func (p *Promoter) StartPromotion(ctx context.Context) error {
	release, err := p.acquire(ErrPromotionInProgress)
	if err != nil {
		return err
	}
	defer release()

	if state := p.State(); state != models.PromotionIndexed {
		return fmt.Errorf("%w: state is %s", ErrNotIndexed, state)
	}

	p.mu.RLock()
	indexed := maps.Clone(p.meta.Indexed)
	p.mu.RUnlock()

	if err := p.update(ctx, func(m *models.PromotionMeta) { m.State = models.PromotionPromoting }); err != nil {
		return err
	}

	start := p.now()
	swapCtx := context.WithoutCancel(ctx)

	var (
		promoted []models.CollectionName
		errs     []error
	)

	failed := make(map[models.CollectionName]string)

	for _, name := range models.Collections {
		if ctx.Err() != nil {
			failed[name] = "cancelled"

			continue
		}

		if !indexed[name] {
			failed[name] = ErrNotIndexed.Error()
			errs = append(errs, &PromotionError{Collection: name, Op: "promote", Err: ErrNotIndexed})

			continue
		}

		if err := p.backend.Swap(swapCtx, name); err != nil {
			perr := &PromotionError{Collection: name, Op: "swap", Err: err}
			p.logger.Error().Err(err).Bool("critical", true).Str("collection", string(name)).
				Msg("Collection promotion failed, live data for it is left on the previous generation")

			failed[name] = err.Error()
			errs = append(errs, perr)
			recordSwapFailure(ctx, name)

			continue
		}

		if err := p.backend.BuildIndexes(swapCtx, name, TargetLive); err != nil {
			p.logger.Error().Err(err).Str("collection", string(name)).Msg("Failed to index promoted collection")

			failed[name] = err.Error()
			errs = append(errs, &PromotionError{Collection: name, Op: "index", Err: err})
		}

		promoted = append(promoted, name)
	}

	p.cache.InvalidateAll()

	now := p.now()

	// the swaps already happened, so the state is saved even when the
	// caller's context is gone
	if err := p.update(swapCtx, func(m *models.PromotionMeta) {
		m.State = models.PromotionLive
		m.Generation++
		m.PromotedAt = now
		m.Promoted = promoted
		m.Failed = failed
		m.Indexed = nil
	}); err != nil {
		errs = append(errs, err)
	}

	recordPromotion(ctx, len(failed) > 0, now.Sub(start))

	ev := p.logger.Info()
	if len(failed) > 0 {
		ev = p.logger.Warn().Bool("degraded", true)
	}

	ev.Int("promoted", len(promoted)).
		Int("failed", len(failed)).
		Dur("duration", now.Sub(start)).
		Msg("Promotion finished")

	if ctx.Err() != nil {
		errs = append(errs, ctx.Err())
	}

	return errors.Join(errs...)
}

// RollbackToPrevious swaps the retained previous generation back into
// place for the collections the last run promoted. Collections that failed
// to promote are still on their previous generation and are left alone,
// and their failures stay in the status.
func (p *Promoter) RollbackToPrevious(ctx context.Context) error {
	release, err := p.acquire(ErrRollbackInProgress)
	if err != nil {
		return err
	}
	defer release()

	p.mu.RLock()
	promoted := slices.Clone(p.meta.Promoted)
	failed := maps.Clone(p.meta.Failed)
	p.mu.RUnlock()

	if failed == nil {
		failed = make(map[models.CollectionName]string)
	}

	swapCtx := context.WithoutCancel(ctx)

	var (
		restored []models.CollectionName
		errs     []error
	)

	for _, name := range promoted {
		if ctx.Err() != nil {
			break
		}

		err := p.backend.SwapBack(swapCtx, name)
		if errors.Is(err, ErrNoPrevious) {
			continue
		}

		if err != nil {
			p.logger.Error().Err(err).Bool("critical", true).Str("collection", string(name)).Msg("Rollback of collection failed")

			failed[name] = err.Error()
			errs = append(errs, &PromotionError{Collection: name, Op: "rollback", Err: err})

			continue
		}

		// an index failure belonged to the generation just rolled away
		delete(failed, name)

		restored = append(restored, name)
	}

	p.cache.InvalidateAll()

	if err := p.update(swapCtx, func(m *models.PromotionMeta) {
		if len(restored) > 0 {
			m.State = models.PromotionLive
			m.Generation++
			m.PromotedAt = p.now()
			m.Promoted = restored
		}

		m.Failed = failed
	}); err != nil {
		errs = append(errs, err)
	}

	p.logger.Warn().Int("restored", len(restored)).Int("failed", len(failed)).Msg("Rolled back to previous generation")

	if ctx.Err() != nil {
		errs = append(errs, ctx.Err())
	}

	return errors.Join(errs...)
}
