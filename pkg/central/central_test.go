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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/assetradar/pkg/logger"
	"github.com/carverauto/assetradar/pkg/models"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type staticNode struct {
	snap *models.NodeSnapshot
	err  error
}

func (n staticNode) Snapshot(context.Context) (*models.NodeSnapshot, error) {
	return n.snap, n.err
}

type countingCache struct {
	calls atomic.Int32
}

func (c *countingCache) InvalidateAll() {
	c.calls.Add(1)
}

func snapshot(node string, entities []*models.Entity, adapters []*models.AdapterEntity) *models.NodeSnapshot {
	return &models.NodeSnapshot{
		NodeID:   node,
		TakenAt:  t0,
		Entities: map[models.EntityKind][]*models.Entity{models.KindDevices: entities},
		Adapters: map[models.EntityKind][]*models.AdapterEntity{models.KindDevices: adapters},
		Fields: map[models.EntityKind][]models.FieldDescriptor{
			models.KindDevices: {{Name: "agent_version", Type: models.FieldString, Dynamic: true}},
		},
		ConnectionLabels: map[string]string{"csv_0": node},
	}
}

func ent(id string, at time.Time, members ...models.AdapterRef) *models.Entity {
	return &models.Entity{InternalAxonID: id, Kind: models.KindDevices, Members: members, AccurateFor: at, CreatedAt: t0}
}

func rec(source, native, host string, at time.Time) *models.AdapterEntity {
	return &models.AdapterEntity{SourceID: source, NativeID: native, Kind: models.KindDevices, CapturedAt: at,
		Data: models.AdapterData{Hostname: host}}
}

type fixture struct {
	backend    Backend
	promoter   *Promoter
	aggregator *Aggregator
	reader     *Reader
	cache      *countingCache
}

func newFixture(t *testing.T, backend Backend) *fixture {
	t.Helper()

	if backend == nil {
		backend = NewMemoryBackend()
	}

	cache := &countingCache{}

	p, err := NewPromoter(context.Background(), backend, cache, logger.NewTestLogger(), WithPromoterClock(func() time.Time { return t0 }))
	require.NoError(t, err)

	return &fixture{
		backend:    backend,
		promoter:   p,
		aggregator: NewAggregator(backend, p, logger.NewTestLogger(), WithFetchWorkers(2)),
		reader:     NewReader(backend),
		cache:      cache,
	}
}

func twoNodes() []NodeSource {
	ref1 := models.AdapterRef{SourceID: "csv_0", NativeID: "1"}
	ref2 := models.AdapterRef{SourceID: "ad_0", NativeID: "2"}

	nodeA := snapshot("node-a",
		[]*models.Entity{ent("e1", t0, ref1), ent("e2", t0.Add(time.Hour), ref2)},
		[]*models.AdapterEntity{rec("csv_0", "1", "old-name", t0), rec("ad_0", "2", "pc2", t0)},
	)

	deleted := ent("e2", t0.Add(time.Hour), ref2)
	deleted.Tombstoned = true

	nodeB := snapshot("node-b",
		[]*models.Entity{ent("e1", t0.Add(time.Minute), ref1), deleted},
		[]*models.AdapterEntity{rec("csv_0", "1", "new-name", t0.Add(time.Minute))},
	)

	// listed out of node-id order on purpose
	return []NodeSource{staticNode{snap: nodeB}, staticNode{snap: nodeA}}
}

func TestBuildShadowThenPromote(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, nil)

	assert.Equal(t, models.PromotionUninitialized, f.promoter.State())
	require.ErrorIs(t, f.promoter.StartPromotion(ctx), ErrNotIndexed)

	report, err := f.aggregator.BuildShadow(ctx, twoNodes())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Nodes)
	assert.Equal(t, 2, report.Documents[models.CollectionDevices])
	assert.Equal(t, models.PromotionIndexed, f.promoter.State())

	live, err := f.reader.ListEntities(ctx, models.KindDevices)
	require.NoError(t, err)
	assert.Empty(t, live, "shadow is not visible before promotion")

	require.NoError(t, f.promoter.StartPromotion(ctx))

	status := f.promoter.Status()
	assert.Equal(t, models.PromotionLive, status.State)
	assert.Equal(t, int64(1), status.Generation)
	assert.False(t, status.Degraded)
	assert.Len(t, status.Promoted, len(models.Collections))
	assert.Equal(t, int32(1), f.cache.calls.Load())

	live, err = f.reader.ListEntities(ctx, models.KindDevices)
	require.NoError(t, err)
	require.Len(t, live, 1, "the tombstone from node-b wins the tie")
	assert.Equal(t, "e1", live[0].InternalAxonID)
	assert.Equal(t, t0.Add(time.Minute), live[0].AccurateFor)

	recs, err := f.reader.GetAdapterEntities(ctx, models.KindDevices, []models.AdapterRef{{SourceID: "csv_0", NativeID: "1"}})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "new-name", recs[0].Data.Hostname)

	labels, err := f.reader.ConnectionLabels(ctx)
	require.NoError(t, err)
	assert.Equal(t, "node-b", labels["csv_0"], "last node in id order wins")

	fields, err := f.reader.FieldsMetadata(ctx, models.KindDevices)
	require.NoError(t, err)
	assert.Len(t, fields, 1)

	n, err := f.reader.Count(ctx, models.CollectionDevicesAdapters)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.ErrorIs(t, f.promoter.StartPromotion(ctx), ErrNotIndexed, "a shadow is promoted once")
}

func TestBuildShadowNodeFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	boom := errors.New("node unreachable")

	_, err := f.aggregator.BuildShadow(context.Background(), []NodeSource{staticNode{err: boom}})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, models.PromotionUninitialized, f.promoter.State())
}

type faultyBackend struct {
	*MemoryBackend

	failSwap models.CollectionName
	onSwap   func(models.CollectionName)
}

func (b *faultyBackend) Swap(ctx context.Context, name models.CollectionName) error {
	if b.onSwap != nil {
		b.onSwap(name)
	}

	if name == b.failSwap {
		return errors.New("rename failed")
	}

	return b.MemoryBackend.Swap(ctx, name)
}

func TestPromotionPartialFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, &faultyBackend{MemoryBackend: NewMemoryBackend(), failSwap: models.CollectionDevicesAdapters})

	_, err := f.aggregator.BuildShadow(ctx, twoNodes())
	require.NoError(t, err)

	err = f.promoter.StartPromotion(ctx)
	require.Error(t, err)

	var perr *PromotionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, models.CollectionDevicesAdapters, perr.Collection)

	status := f.promoter.Status()
	assert.Equal(t, models.PromotionLive, status.State)
	assert.True(t, status.Degraded)
	assert.Contains(t, status.Failed, models.CollectionDevicesAdapters)
	assert.Len(t, status.Promoted, len(models.Collections)-1)

	live, err := f.reader.ListEntities(ctx, models.KindDevices)
	require.NoError(t, err)
	assert.Len(t, live, 1, "siblings are promoted")

	n, err := f.reader.Count(ctx, models.CollectionDevicesAdapters)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConcurrentTriggersAreCoalesced(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})

	var once sync.Once

	backend := &faultyBackend{MemoryBackend: NewMemoryBackend()}
	backend.onSwap = func(models.CollectionName) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	f := newFixture(t, backend)

	_, err := f.aggregator.BuildShadow(ctx, twoNodes())
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() { done <- f.promoter.StartPromotion(ctx) }()

	<-entered
	assert.Equal(t, models.PromotionPromoting, f.promoter.State())
	require.ErrorIs(t, f.promoter.StartPromotion(ctx), ErrPromotionInProgress)

	_, err = f.aggregator.BuildShadow(ctx, twoNodes())
	require.ErrorIs(t, err, ErrPromotionInProgress)
	require.ErrorIs(t, f.promoter.RollbackToPrevious(ctx), ErrPromotionInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, models.PromotionLive, f.promoter.State())
}

func TestPromotionCancelledBetweenCollections(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := &faultyBackend{MemoryBackend: NewMemoryBackend()}
	backend.onSwap = func(models.CollectionName) { cancel() }

	f := newFixture(t, backend)

	_, err := f.aggregator.BuildShadow(context.Background(), twoNodes())
	require.NoError(t, err)

	err = f.promoter.StartPromotion(ctx)
	require.ErrorIs(t, err, context.Canceled)

	status := f.promoter.Status()
	assert.Equal(t, models.PromotionLive, status.State)
	assert.Equal(t, []models.CollectionName{models.CollectionDevices}, status.Promoted, "the running swap completes")
	assert.Len(t, status.Failed, len(models.Collections)-1)
	assert.True(t, status.Degraded)
}

func TestRollbackToPrevious(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, nil)

	first := []NodeSource{staticNode{snap: snapshot("node-a", []*models.Entity{ent("gen1", t0)}, nil)}}
	second := []NodeSource{staticNode{snap: snapshot("node-a", []*models.Entity{ent("gen2", t0)}, nil)}}

	for _, nodes := range [][]NodeSource{first, second} {
		_, err := f.aggregator.BuildShadow(ctx, nodes)
		require.NoError(t, err)
		require.NoError(t, f.promoter.StartPromotion(ctx))
	}

	live, err := f.reader.ListEntities(ctx, models.KindDevices)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "gen2", live[0].InternalAxonID)

	require.NoError(t, f.promoter.RollbackToPrevious(ctx))

	live, err = f.reader.ListEntities(ctx, models.KindDevices)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "gen1", live[0].InternalAxonID)
	assert.Equal(t, int64(3), f.promoter.Status().Generation)
	assert.Equal(t, int32(3), f.cache.calls.Load())
}

func TestRollbackLeavesFailedCollectionsInPlace(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := &faultyBackend{MemoryBackend: NewMemoryBackend()}
	f := newFixture(t, backend)

	gen := func(id string, records int) []NodeSource {
		adapters := make([]*models.AdapterEntity, 0, records)
		for i := range records {
			adapters = append(adapters, rec("csv_0", fmt.Sprint(i), "host", t0))
		}

		return []NodeSource{staticNode{snap: snapshot("node-a", []*models.Entity{ent(id, t0)}, adapters)}}
	}

	tests := []struct {
		nodes    []NodeSource
		failSwap models.CollectionName
	}{
		{nodes: gen("gen1", 1)},
		{nodes: gen("gen2", 2)},
		{nodes: gen("gen3", 3), failSwap: models.CollectionDevicesAdapters},
	}

	for _, tt := range tests {
		backend.failSwap = tt.failSwap

		_, err := f.aggregator.BuildShadow(ctx, tt.nodes)
		require.NoError(t, err)

		err = f.promoter.StartPromotion(ctx)
		if tt.failSwap != "" {
			require.Error(t, err)
		} else {
			require.NoError(t, err)
		}
	}

	require.NoError(t, f.promoter.RollbackToPrevious(ctx))

	live, err := f.reader.ListEntities(ctx, models.KindDevices)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "gen2", live[0].InternalAxonID)

	n, err := f.reader.Count(ctx, models.CollectionDevicesAdapters)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "the collection that never promoted stays on gen2")

	status := f.promoter.Status()
	assert.True(t, status.Degraded)
	assert.Contains(t, status.Failed, models.CollectionDevicesAdapters)
	assert.NotContains(t, status.Promoted, models.CollectionDevicesAdapters)
	assert.Len(t, status.Promoted, len(models.Collections)-1)
}

func TestReadersNeverSeeMissingCollection(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, nil)
	nodes := twoNodes()

	_, err := f.aggregator.BuildShadow(ctx, nodes)
	require.NoError(t, err)
	require.NoError(t, f.promoter.StartPromotion(ctx))

	stop := make(chan struct{})

	var (
		wg     sync.WaitGroup
		misses atomic.Int32
	)

	for range 4 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for {
				select {
				case <-stop:
					return
				default:
				}

				live, err := f.reader.ListEntities(ctx, models.KindDevices)
				if err != nil || len(live) != 1 {
					misses.Add(1)
				}
			}
		}()
	}

	for range 20 {
		_, err := f.aggregator.BuildShadow(ctx, nodes)
		require.NoError(t, err)
		require.NoError(t, f.promoter.StartPromotion(ctx))
	}

	close(stop)
	wg.Wait()

	assert.Zero(t, misses.Load())
}

func TestNewPromoterRecoversInterruptedPromotion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := NewMemoryBackend()

	require.NoError(t, backend.SaveMeta(ctx, &models.PromotionMeta{
		Generation: 4,
		State:      models.PromotionPromoting,
		Promoted:   []models.CollectionName{models.CollectionDevices},
	}))

	p, err := NewPromoter(ctx, backend, nil, logger.NewTestLogger())
	require.NoError(t, err)

	status := p.Status()
	assert.Equal(t, models.PromotionLive, status.State)
	assert.True(t, status.Degraded)
	assert.NotContains(t, status.Failed, models.CollectionDevices)
	assert.Contains(t, status.Failed, models.CollectionUsers)
}
