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

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carverauto/assetradar/pkg/central"
	"github.com/carverauto/assetradar/pkg/correlation"
	"github.com/carverauto/assetradar/pkg/logger"
	"github.com/carverauto/assetradar/pkg/models"
)

const (
	JobReimage   = "reimage_analysis"
	JobPromotion = "central_promotion"
	JobRetention = "adapter_retention"
	JobRerun     = "correlation_rerun"
)

type ReimageRunner interface {
	Run(ctx context.Context, kind models.EntityKind) (*correlation.ReimageReport, error)
}

type ShadowBuilder interface {
	BuildShadow(ctx context.Context, nodes []central.NodeSource) (*central.BuildReport, error)
}

type Promoter interface {
	StartPromotion(ctx context.Context) error
}

// LiveCounter reports the size of a live central collection.
type LiveCounter interface {
	Count(ctx context.Context, name models.CollectionName) (int, error)
}

type Rerunner interface {
	Rerun(ctx context.Context, kind models.EntityKind) (*correlation.BatchResult, error)
}

type Purger interface {
	PurgeAdapterEntities(ctx context.Context, kind models.EntityKind, capturedBefore time.Time) ([]models.AdapterRef, error)
}

type MemberRemover interface {
	RemoveMembers(ctx context.Context, kind models.EntityKind, refs []models.AdapterRef) error
}

// ReimageJob tags reimaged records of every kind in kinds.
func ReimageJob(r ReimageRunner, kinds []models.EntityKind, interval time.Duration, log logger.Logger) Job {
	return Job{
		Name:     JobReimage,
		Interval: interval,
		Run: func(ctx context.Context) error {
			var errs []error

			for _, kind := range kinds {
				rep, err := r.Run(ctx, kind)
				if err != nil {
					errs = append(errs, fmt.Errorf("reimage %s: %w", kind, err))

					continue
				}

				log.Info().Str("kind", string(kind)).
					Int("groups", rep.Groups).
					Int("labeled", rep.Labeled).
					Int("failed", rep.Failed).
					Msg("Reimage analysis finished")
			}

			return errors.Join(errs...)
		},
	}
}

// PromotionJob rebuilds the central shadow from nodes and promotes it.
// A build or promotion already in flight makes the run a no-op.
func PromotionJob(
	b ShadowBuilder, p Promoter, live LiveCounter, nodes func() []central.NodeSource, interval time.Duration, log logger.Logger,
) Job {
	return Job{
		Name:     JobPromotion,
		Interval: interval,
		Run: func(ctx context.Context) error {
			rep, err := b.BuildShadow(ctx, nodes())
			if errors.Is(err, central.ErrShadowBuildInProgress) || errors.Is(err, central.ErrPromotionInProgress) {
				log.Debug().Err(err).Msg("Central job busy, skipping")

				return nil
			}

			if err != nil {
				return fmt.Errorf("build shadow: %w", err)
			}

			docs := 0
			for _, n := range rep.Documents {
				docs += n
			}

			log.Info().Int("nodes", rep.Nodes).Int("documents", docs).Dur("duration", rep.Duration).
				Msg("Shadow collections indexed")

			err = p.StartPromotion(ctx)
			if errors.Is(err, central.ErrPromotionInProgress) {
				return nil
			}

			if live != nil {
				logLiveCounts(ctx, live, log)
			}

			return err
		},
	}
}

func logLiveCounts(ctx context.Context, live LiveCounter, log logger.Logger) {
	ev := log.Info()

	for _, kind := range models.EntityKinds {
		name := models.EntitiesCollection(kind)

		n, err := live.Count(ctx, name)
		if err != nil {
			log.Warn().Err(err).Str("collection", string(name)).Msg("Failed to count live collection")

			continue
		}

		ev = ev.Int(string(name), n)
	}

	ev.Msg("Live collections")
}

// RetentionJob purges records not refreshed within window and drops them
// from their entities.
func RetentionJob(
	p Purger, rm MemberRemover, kinds []models.EntityKind, window, interval time.Duration, clock Clock, log logger.Logger,
) Job {
	if clock == nil {
		clock = realClock{}
	}

	return Job{
		Name:     JobRetention,
		Interval: interval,
		Run: func(ctx context.Context) error {
			cutoff := clock.Now().Add(-window)

			var errs []error

			for _, kind := range kinds {
				refs, err := p.PurgeAdapterEntities(ctx, kind, cutoff)
				if err != nil {
					errs = append(errs, fmt.Errorf("purge %s: %w", kind, err))

					continue
				}

				if len(refs) == 0 {
					continue
				}

				if err := rm.RemoveMembers(ctx, kind, refs); err != nil {
					errs = append(errs, fmt.Errorf("remove purged %s members: %w", kind, err))
				}

				log.Info().Str("kind", string(kind)).Int("purged", len(refs)).Time("cutoff", cutoff).
					Msg("Purged expired adapter records")
			}

			return errors.Join(errs...)
		},
	}
}

// RerunJob re-correlates every stored record of each kind, for example after
// the correlation rules changed. A zero interval only runs it on demand.
func RerunJob(r Rerunner, kinds []models.EntityKind, interval time.Duration) Job {
	return Job{
		Name:     JobRerun,
		Interval: interval,
		Run: func(ctx context.Context) error {
			var errs []error

			for _, kind := range kinds {
				res, err := r.Rerun(ctx, kind)
				if err != nil {
					errs = append(errs, fmt.Errorf("rerun %s: %w", kind, err))

					continue
				}

				if err := res.Err(); err != nil {
					errs = append(errs, fmt.Errorf("rerun %s: %d records failed: %w", kind, res.Failed, err))
				}
			}

			return errors.Join(errs...)
		},
	}
}
