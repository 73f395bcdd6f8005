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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/assetradar/pkg/correlation"
	"github.com/carverauto/assetradar/pkg/logger"
	"github.com/carverauto/assetradar/pkg/models"
	"github.com/carverauto/assetradar/pkg/projection"
	"github.com/carverauto/assetradar/pkg/store"
	"github.com/carverauto/assetradar/pkg/viewcache"
)

var captured = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	store  *store.MemoryStore
	engine *correlation.Engine
	cache  *viewcache.Cache
	svc    *Service
	ids    map[string]string
}

func record(source, native, host, mac, serial string) *models.AdapterEntity {
	ae := &models.AdapterEntity{
		SourceID:   source,
		NativeID:   native,
		Kind:       models.KindDevices,
		CapturedAt: captured,
		Data: models.AdapterData{
			Hostname:     host,
			SerialNumber: serial,
			Device:       &models.DeviceFields{OSType: "Linux"},
		},
	}

	if mac != "" {
		ae.Data.MACAddresses = []string{mac}
	}

	return ae
}

// newEnv ingests three assets: pc1 (two sources), pc2, and srv1.
func newEnv(t *testing.T) *env {
	t.Helper()

	ctx := context.Background()
	st := store.NewMemoryStore("node-test")
	eng := correlation.NewEngine(st, nil, logger.NewTestLogger())
	cache := viewcache.New(time.Minute, time.Minute)

	e := &env{
		store:  st,
		engine: eng,
		cache:  cache,
		svc:    NewService(st, nil, cache, logger.NewTestLogger(), WithMutator(eng)),
		ids:    make(map[string]string),
	}

	for name, records := range map[string][]*models.AdapterEntity{
		"pc1":  {record("active_directory_adapter_0", "1", "pc1.corp.local", "AA:BB:CC:00:00:01", ""), record("csv_adapter_0", "a", "PC1", "", "SN-1")},
		"pc2":  {record("active_directory_adapter_0", "2", "pc2.corp.local", "AA:BB:CC:00:00:02", "")},
		"srv1": {record("csv_adapter_0", "b", "srv1", "", "SN-3")},
	} {
		for _, ae := range records {
			res, err := eng.Correlate(ctx, ae)
			require.NoError(t, err)

			e.ids[name] = res.EntityID
		}
	}

	return e
}

func collect(t *testing.T, res *Result) []*models.CanonicalView {
	t.Helper()

	var out []*models.CanonicalView

	for v, err := range res.Views(context.Background()) {
		require.NoError(t, err)
		out = append(out, v)
	}

	return out
}

func TestFindFilters(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{name: "everything", filter: Filter{}, want: []string{"pc1", "pc2", "srv1"}},
		{name: "bare hostname matches fqdn", filter: Filter{Hostname: "PC1"}, want: []string{"pc1"}},
		{name: "adapter", filter: Filter{Adapters: []string{"active_directory_adapter"}}, want: []string{"pc1", "pc2"}},
		{name: "mac in any form", filter: Filter{MAC: "aa-bb-cc-00-00-02"}, want: []string{"pc2"}},
		{name: "serial", filter: Filter{Serial: "sn-3"}, want: []string{"srv1"}},
		{name: "field", filter: Filter{Field: map[string]any{"os_type": "Linux"}}, want: []string{"pc1", "pc2", "srv1"}},
		{name: "field miss", filter: Filter{Field: map[string]any{"os_type": "Windows"}}, want: nil},
		{name: "ids", filter: Filter{IDs: []string{e.ids["pc2"]}}, want: []string{"pc2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			res, err := e.svc.Find(context.Background(), models.KindDevices, tt.filter, Options{})
			require.NoError(t, err)

			want := make([]string, 0, len(tt.want))
			for _, name := range tt.want {
				want = append(want, e.ids[name])
			}

			var got []string
			for _, v := range collect(t, res) {
				got = append(got, v.InternalAxonID)
			}

			assert.ElementsMatch(t, want, got)
			assert.Equal(t, len(tt.want), res.Total)
		})
	}
}

func TestFindPagingAndRestart(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	res, err := e.svc.Find(ctx, models.KindDevices, Filter{}, Options{Offset: 1, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	require.Len(t, res.IDs, 1)

	first := collect(t, res)
	second := collect(t, res)
	assert.Equal(t, first, second, "the sequence can be ranged again")

	desc, err := e.svc.Find(ctx, models.KindDevices, Filter{}, Options{Descending: true, Limit: 10})
	require.NoError(t, err)
	asc, err := e.svc.Find(ctx, models.KindDevices, Filter{}, Options{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, asc.IDs[0], desc.IDs[2])

	past, err := e.svc.Find(ctx, models.KindDevices, Filter{}, Options{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, collect(t, past))

	_, err = e.svc.Find(ctx, "printers", Filter{}, Options{})
	require.ErrorIs(t, err, models.ErrUnknownEntityKind)
}

func TestStrictErrorsStayPerEntity(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	_, err := e.store.UpsertAdapterTag(ctx, models.KindDevices, models.AdapterRef{SourceID: "csv_adapter_0", NativeID: "b"},
		models.Tag{Type: "bogus", Owner: "gui", Name: "x", Value: true})
	require.NoError(t, err)

	res, err := e.svc.Find(ctx, models.KindDevices, Filter{}, Options{})
	require.NoError(t, err)

	var (
		views  int
		failed []error
	)

	for v, err := range res.Views(ctx) {
		if err != nil {
			failed = append(failed, err)

			continue
		}

		views++
		assert.NotNil(t, v)
	}

	assert.Equal(t, 2, views)
	require.Len(t, failed, 1)

	var perr *projection.ProjectionError
	require.ErrorAs(t, failed[0], &perr)
	assert.Equal(t, e.ids["srv1"], perr.EntityID)

	lenient, err := e.svc.Find(ctx, models.KindDevices, Filter{}, Options{IgnoreErrors: true})
	require.NoError(t, err)

	partial := 0
	for _, v := range collect(t, lenient) {
		if v.Partial() {
			partial++
		}
	}

	assert.Equal(t, 1, partial)

	_, err = e.svc.Get(ctx, models.KindDevices, e.ids["srv1"], false)
	require.ErrorAs(t, err, &perr)
}

func TestGetFollowsMerges(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	// a record carrying pc2's MAC and srv1's serial bridges the two
	_, err := e.engine.Correlate(ctx, record("scanner_0", "x", "", "AA:BB:CC:00:00:02", "SN-3"))
	require.NoError(t, err)

	e.svc.Invalidate(models.KindDevices)

	a, err := e.svc.Get(ctx, models.KindDevices, e.ids["pc2"], false)
	require.NoError(t, err)
	b, err := e.svc.Get(ctx, models.KindDevices, e.ids["srv1"], false)
	require.NoError(t, err)

	assert.Equal(t, a.InternalAxonID, b.InternalAxonID)
	assert.Equal(t, 3, a.AdapterCount)

	_, err = e.svc.Get(ctx, models.KindDevices, "nope", false)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSelectionContract(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	adFilter := Filter{Adapters: []string{"active_directory_adapter"}}

	tests := []struct {
		name string
		sel  Selection
		want []string
	}{
		{name: "include lists ids and ignores the filter", sel: Selection{IDs: []string{e.ids["srv1"]}, Include: true}, want: []string{"srv1"}},
		{name: "include with no ids selects nothing", sel: Selection{Include: true}, want: nil},
		{name: "exclude selects the filter minus ids", sel: Selection{IDs: []string{e.ids["pc1"]}}, want: []string{"pc2"}},
		{name: "exclude with no ids selects the whole filter", sel: Selection{}, want: []string{"pc1", "pc2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := e.svc.ResolveSelection(ctx, models.KindDevices, adFilter, tt.sel)
			require.NoError(t, err)

			want := make([]string, 0, len(tt.want))
			for _, name := range tt.want {
				want = append(want, e.ids[name])
			}

			assert.ElementsMatch(t, want, got)
		})
	}
}

func TestBulkOperations(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	adFilter := Filter{Adapters: []string{"active_directory_adapter"}}

	// warm the cache so the mutation has something to invalidate
	before, err := e.svc.Count(ctx, models.KindDevices, Filter{Labels: []string{"managed"}})
	require.NoError(t, err)
	assert.Zero(t, before)

	n, err := e.svc.AddLabels(ctx, models.KindDevices, adFilter, Selection{}, []string{"managed"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	after, err := e.svc.Count(ctx, models.KindDevices, Filter{Labels: []string{"managed"}})
	require.NoError(t, err)
	assert.Equal(t, 2, after)

	n, err = e.svc.RemoveLabels(ctx, models.KindDevices, Filter{}, Selection{IDs: []string{e.ids["pc1"]}, Include: true}, []string{"managed"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	view, err := e.svc.Get(ctx, models.KindDevices, e.ids["pc2"], false)
	require.NoError(t, err)
	assert.Equal(t, []string{"managed"}, view.Labels)

	n, err = e.svc.DeleteEntities(ctx, models.KindDevices, Filter{}, Selection{IDs: []string{e.ids["srv1"]}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	remaining, err := e.svc.Count(ctx, models.KindDevices, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	readOnly := NewService(e.store, nil, e.cache, logger.NewTestLogger())
	_, err = readOnly.DeleteEntities(ctx, models.KindDevices, Filter{}, Selection{})
	require.ErrorIs(t, err, ErrNoMutator)
}

func TestUpsertTagFeedsGenericData(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	pc1 := Selection{IDs: []string{e.ids["pc1"]}, Include: true}

	// warm the cache so the writes have something to invalidate
	_, err := e.svc.Get(ctx, models.KindDevices, e.ids["pc1"], false)
	require.NoError(t, err)

	tags := []models.Tag{
		{Type: models.TagData, Owner: "gui", Name: "owner", Value: "alice"},
		{Type: models.TagData, Owner: "gui", Name: "decommissioned", Value: false},
		{Type: models.TagLabel, Owner: "gui", Name: "critical", Value: true},
	}

	for _, tag := range tags {
		n, err := e.svc.UpsertTag(ctx, models.KindDevices, Filter{}, pc1, tag)
		require.NoError(t, err)
		assert.Equal(t, 1, n, tag.Name)
	}

	view, err := e.svc.Get(ctx, models.KindDevices, e.ids["pc1"], false)
	require.NoError(t, err)

	names := make([]string, 0, len(view.GenericData))
	for _, d := range view.GenericData {
		names = append(names, d.Name)
	}

	assert.Equal(t, []string{"owner"}, names)
	assert.Contains(t, view.Labels, "critical")

	n, err := e.svc.UpsertTag(ctx, models.KindDevices, Filter{}, Selection{IDs: []string{"gone"}, Include: true}, tags[0])
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFilterHashIsStable(t *testing.T) {
	t.Parallel()

	a := Filter{Field: map[string]any{"b": 1, "a": "x"}, Labels: []string{"l"}}
	b := Filter{Labels: []string{"l"}, Field: map[string]any{"a": "x", "b": 1}}

	ha, err := a.hash()
	require.NoError(t, err)
	hb, err := b.hash()
	require.NoError(t, err)
	assert.Equal(t, ha, hb)

	hc, err := (&Filter{Labels: []string{"other"}}).hash()
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc, fmt.Sprintf("%s vs %s", ha, hc))
}

func TestReimageLabelIsQueryable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := store.NewMemoryStore("node-test")
	eng := correlation.NewEngine(st, nil, logger.NewTestLogger())
	svc := NewService(st, nil, viewcache.New(time.Minute, time.Minute), logger.NewTestLogger())

	agent := func(native, host string, lastSeen time.Time) *models.AdapterEntity {
		ae := record("active_directory_adapter_0", native, host, "AA:BB:CC:DD:EE:FF", "")
		ae.Data.LastSeen = &lastSeen
		ae.Data.AdapterProperties = []string{"Agent"}

		return ae
	}

	_, err := eng.Correlate(ctx, agent("m1", "OLD-PC", captured.Add(-10*24*time.Hour)))
	require.NoError(t, err)
	res, err := eng.Correlate(ctx, agent("m2", "NEW-PC", captured.Add(-24*time.Hour)))
	require.NoError(t, err)

	label := Filter{Labels: []string{"Reimaged by new-pc"}}

	n, err := svc.Count(ctx, models.KindDevices, label)
	require.NoError(t, err)
	assert.Zero(t, n)

	analyzer := correlation.NewReimageAnalyzer(st, correlation.DefaultReimageConfig(), logger.NewTestLogger(),
		func() time.Time { return captured })

	report, err := analyzer.Run(ctx, models.KindDevices)
	require.NoError(t, err)
	require.Equal(t, 1, report.Labeled)

	svc.Invalidate(models.KindDevices)

	view, err := svc.Get(ctx, models.KindDevices, res.EntityID, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"Reimaged by new-pc"}, view.Labels)
	assert.Equal(t, 2, len(view.AdaptersMeta["active_directory_adapter"]))

	found, err := svc.Find(ctx, models.KindDevices, label, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, found.Total)
	assert.Equal(t, []string{res.EntityID}, found.IDs)

	anyCount, err := svc.Count(ctx, models.KindDevices, Filter{AnyLabel: []string{"other", "Reimaged by new-pc"}})
	require.NoError(t, err)
	assert.Equal(t, 1, anyCount)
}
