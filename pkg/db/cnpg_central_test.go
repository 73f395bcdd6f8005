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

package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/assetradar/pkg/central"
	"github.com/carverauto/assetradar/pkg/models"
)

func TestTablesFor(t *testing.T) {
	t.Parallel()

	tables, err := tablesFor(models.CollectionDevicesAdapters)
	require.NoError(t, err)
	assert.Equal(t, "central_devices_adapters", tables.live)
	assert.Equal(t, "central_devices_adapters_shadow", tables.shadow)
	assert.Equal(t, "central_devices_adapters_previous", tables.previous)
	assert.Equal(t, "central_devices_adapters_swap", tables.scratch)

	_, err = tablesFor("printers")
	require.ErrorIs(t, err, central.ErrUnknownCollection)
}

func TestEveryCollectionHasShape(t *testing.T) {
	t.Parallel()

	for _, name := range models.Collections {
		_, err := collectionShape(name)
		require.NoError(t, err, name)
	}
}

func TestIdentQuotesTableName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `"central_devices"`, ident("central_devices"))
	assert.Equal(t, `"we""ird"`, ident(`we"ird`))
}

// rowsToDataset replays datasetRows output through appendDoc, the same path
// WriteShadow and Live take through the database.
func rowsToDataset(t *testing.T, name models.CollectionName, rows [][]any) *central.Dataset {
	t.Helper()

	out := &central.Dataset{Name: name}

	for _, row := range rows {
		require.Len(t, row, 3)

		id, ok := row[0].(string)
		require.True(t, ok)

		doc, ok := row[2].([]byte)
		require.True(t, ok)

		require.NoError(t, appendDoc(out, id, doc))
	}

	return out
}

func TestDatasetRowsRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ds   *central.Dataset
	}{
		{
			name: "entities",
			ds: &central.Dataset{
				Name: models.CollectionDevices,
				Entities: []*models.Entity{{
					InternalAxonID: "dev-1",
					Kind:           models.KindDevices,
					Members:        []models.AdapterRef{{SourceID: "ad", NativeID: "n1"}},
					Labels:         []string{"prod"},
					Version:        3,
				}},
			},
		},
		{
			name: "adapters",
			ds: &central.Dataset{
				Name: models.CollectionUsersAdapters,
				Adapters: []*models.AdapterEntity{{
					SourceID: "okta",
					NativeID: "u-7",
					Kind:     models.KindUsers,
				}},
			},
		},
		{
			name: "fields",
			ds: &central.Dataset{
				Name:   models.CollectionDevicesFields,
				Fields: []models.FieldDescriptor{{Name: "hostname", Type: models.FieldString}},
			},
		},
		{
			name: "labels",
			ds: &central.Dataset{
				Name:   models.CollectionConnectionLabels,
				Labels: map[string]string{"ad": "Corp AD", "okta": "Okta"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rows, err := datasetRows(tt.ds)
			require.NoError(t, err)
			require.Len(t, rows, tt.ds.Len())

			assert.Equal(t, tt.ds, rowsToDataset(t, tt.ds.Name, rows))
		})
	}
}

func TestDatasetRowsAdapterKey(t *testing.T) {
	t.Parallel()

	rows, err := datasetRows(&central.Dataset{
		Name:     models.CollectionDevicesAdapters,
		Adapters: []*models.AdapterEntity{{SourceID: "ad", NativeID: "n1", Kind: models.KindDevices}},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "ad", rows[0][0])
	assert.Equal(t, "n1", rows[0][1])
}

func TestStaleEntities(t *testing.T) {
	t.Parallel()

	current := map[string]int64{"a": 2, "b": 1}

	stale := staleEntities([]*models.Entity{
		{InternalAxonID: "a", Version: 2},
		{InternalAxonID: "b", Version: 4},
		{InternalAxonID: "c", Version: 0},
		{InternalAxonID: "a", Version: 0},
		{InternalAxonID: "d", Version: 1},
	}, current)

	assert.Equal(t, []string{"b", "a", "d"}, stale)
}
