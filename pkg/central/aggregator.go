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
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/carverauto/assetradar/pkg/logger"
	"github.com/carverauto/assetradar/pkg/models"
)

const defaultFetchWorkers = 4

// NodeSource yields a consistent snapshot of one collector node.
type NodeSource interface {
	Snapshot(ctx context.Context) (*models.NodeSnapshot, error)
}

// BuildReport summarizes one shadow build.
type BuildReport struct {
	Nodes     int
	Documents map[models.CollectionName]int
	Duration  time.Duration
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithFetchWorkers bounds how many node snapshots are read concurrently.
func WithFetchWorkers(n int) AggregatorOption {
	return func(a *Aggregator) {
		if n > 0 {
			a.workers = n
		}
	}
}

// Aggregator builds the shadow collections from node snapshots.
type Aggregator struct {
	backend  Backend
	promoter *Promoter
	logger   logger.Logger
	workers  int
}

func NewAggregator(backend Backend, promoter *Promoter, log logger.Logger, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		backend:  backend,
		promoter: promoter,
		logger:   log,
		workers:  defaultFetchWorkers,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// BuildShadow rebuilds every shadow collection from nodes and moves the
// state to INDEXED. Live collections are untouched. A node that cannot be
// read fails the whole build, since a shadow missing a node would drop its
// assets on promotion.
func (a *Aggregator) BuildShadow(ctx context.Context, nodes []NodeSource) (*BuildReport, error) {
	release, err := a.promoter.acquire(ErrShadowBuildInProgress)
	if err != nil {
		return nil, err
	}
	defer release()

	start := a.promoter.now()

	for _, name := range models.Collections {
		if err := a.backend.ResetShadow(ctx, name); err != nil {
			return nil, fmt.Errorf("reset shadow %s: %w", name, err)
		}
	}

	snapshots := make([]*models.NodeSnapshot, len(nodes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)

	for i, node := range nodes {
		g.Go(func() error {
			snap, err := node.Snapshot(gctx)
			if err != nil {
				return fmt.Errorf("snapshot node %d: %w", i, err)
			}

			snapshots[i] = snap

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		a.logger.Error().Err(err).Msg("Shadow build aborted")

		return nil, err
	}

	slices.SortStableFunc(snapshots, func(x, y *models.NodeSnapshot) int { return strings.Compare(x.NodeID, y.NodeID) })

	datasets := a.merge(snapshots)
	report := &BuildReport{Nodes: len(nodes), Documents: make(map[models.CollectionName]int, len(datasets))}

	for _, ds := range datasets {
		if err := a.backend.WriteShadow(ctx, ds); err != nil {
			return nil, fmt.Errorf("write shadow %s: %w", ds.Name, err)
		}

		if err := a.backend.BuildIndexes(ctx, ds.Name, TargetShadow); err != nil {
			return nil, fmt.Errorf("index shadow %s: %w", ds.Name, err)
		}

		report.Documents[ds.Name] = ds.Len()
	}

	if err := a.promoter.markIndexed(ctx); err != nil {
		return nil, err
	}

	report.Duration = a.promoter.now().Sub(start)

	a.logger.Info().
		Int("nodes", report.Nodes).
		Int("devices", report.Documents[models.CollectionDevices]).
		Int("users", report.Documents[models.CollectionUsers]).
		Dur("duration", report.Duration).
		Msg("Shadow collections indexed")

	return report, nil
}

// merge folds node snapshots, ordered by node id, into one dataset per
// collection.
func (a *Aggregator) merge(snapshots []*models.NodeSnapshot) []*Dataset {
	out := make([]*Dataset, 0, len(models.Collections))

	for _, kind := range models.EntityKinds {
		out = append(out,
			&Dataset{Name: models.EntitiesCollection(kind), Entities: mergeEntities(snapshots, kind)},
			&Dataset{Name: models.AdaptersCollection(kind), Adapters: mergeAdapters(snapshots, kind)},
			&Dataset{Name: models.FieldsCollection(kind), Fields: a.mergeFields(snapshots, kind)},
		)
	}

	labels := make(map[string]string)

	for _, snap := range snapshots {
		maps.Copy(labels, snap.ConnectionLabels)
	}

	out = append(out, &Dataset{Name: models.CollectionConnectionLabels, Labels: labels})

	return out
}

// mergeAdapters keeps the newest capture of every record.
func mergeAdapters(snapshots []*models.NodeSnapshot, kind models.EntityKind) []*models.AdapterEntity {
	byRef := make(map[models.AdapterRef]*models.AdapterEntity)

	for _, snap := range snapshots {
		for _, ae := range snap.Adapters[kind] {
			if prev, ok := byRef[ae.Ref()]; ok && !ae.CapturedAt.After(prev.CapturedAt) {
				continue
			}

			byRef[ae.Ref()] = ae
		}
	}

	out := slices.Collect(maps.Values(byRef))
	slices.SortFunc(out, func(x, y *models.AdapterEntity) int { return models.CompareRefs(x.Ref(), y.Ref()) })

	return out
}

// mergeEntities keeps the newest copy of every entity. On a tie a tombstoned
// copy wins, so a delete on one node is not undone by another.
func mergeEntities(snapshots []*models.NodeSnapshot, kind models.EntityKind) []*models.Entity {
	byID := make(map[string]*models.Entity)

	for _, snap := range snapshots {
		for _, e := range snap.Entities[kind] {
			prev, ok := byID[e.InternalAxonID]
			if ok && !newerEntity(e, prev) {
				continue
			}

			byID[e.InternalAxonID] = e
		}
	}

	out := slices.Collect(maps.Values(byID))
	slices.SortFunc(out, func(x, y *models.Entity) int { return strings.Compare(x.InternalAxonID, y.InternalAxonID) })

	return out
}

func newerEntity(candidate, current *models.Entity) bool {
	if c := candidate.AccurateFor.Compare(current.AccurateFor); c != 0 {
		return c > 0
	}

	if candidate.Live() != current.Live() {
		return !candidate.Live()
	}

	return candidate.Version > current.Version
}

func (a *Aggregator) mergeFields(snapshots []*models.NodeSnapshot, kind models.EntityKind) []models.FieldDescriptor {
	byName := make(map[string]models.FieldDescriptor)

	for _, snap := range snapshots {
		for _, d := range snap.Fields[kind] {
			prev, ok := byName[d.Name]
			if !ok {
				byName[d.Name] = d

				continue
			}

			if prev.Type != d.Type {
				a.logger.Warn().
					Str("node", snap.NodeID).
					Str("field", d.Name).
					Str("kept", string(prev.Type)).
					Str("dropped", string(d.Type)).
					Msg("Conflicting field type across nodes")
			}
		}
	}

	out := slices.Collect(maps.Values(byName))
	slices.SortFunc(out, func(x, y models.FieldDescriptor) int { return strings.Compare(x.Name, y.Name) })

	return out
}
