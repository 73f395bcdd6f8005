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

package identitymap

import (
	"context"
	"testing"

	"github.com/carverauto/assetradar/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildKeys(t *testing.T) {
	ae := &models.AdapterEntity{
		SourceID: "csv_0",
		NativeID: "1",
		Data: models.AdapterData{
			Hostname:     "Desk-01.Corp.Example.com",
			MACAddresses: []string{"aa-bb-cc-dd-ee-ff", "AA:BB:CC:DD:EE:FF", "00:00:00:00:00:00"},
			SerialNumber: " abc123 ",
		},
	}

	keys := BuildKeys(ae)

	assert.Equal(t, []Key{
		{Kind: KindHostname, Value: "desk-01", Domain: "corp.example.com"},
		{Kind: KindMAC, Value: "AA:BB:CC:DD:EE:FF"},
		{Kind: KindNativeID, Value: "csv|1"},
		{Kind: KindSerial, Value: "ABC123"},
	}, keys)
}

func TestBuildKeysSkipsPlaceholders(t *testing.T) {
	ae := &models.AdapterEntity{
		Data: models.AdapterData{
			Hostname:     "localhost",
			SerialNumber: "To Be Filled By O.E.M.",
			MACAddresses: []string{"ff:ff:ff:ff:ff:ff", "not-a-mac"},
		},
	}

	assert.Empty(t, BuildKeys(ae))
}

func TestBuildKeysNil(t *testing.T) {
	assert.Nil(t, BuildKeys(nil))
}

func TestParseMACList(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "colon", in: "aa:bb:cc:dd:ee:ff", want: []string{"AA:BB:CC:DD:EE:FF"}},
		{name: "bare", in: "aabbccddeeff", want: []string{"AA:BB:CC:DD:EE:FF"}},
		{name: "dotted", in: "aabb.ccdd.eeff", want: []string{"AA:BB:CC:DD:EE:FF"}},
		{name: "list", in: "aa:bb:cc:dd:ee:ff, 11-22-33-44-55-66", want: []string{"AA:BB:CC:DD:EE:FF", "11:22:33:44:55:66"}},
		{name: "empty", in: "  ", want: nil},
		{name: "garbage", in: "zz:zz", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseMACList(tt.in))
		})
	}
}

func TestNormalizeMAC(t *testing.T) {
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", NormalizeMAC("aa-bb-cc-dd-ee-ff"))
	assert.Empty(t, NormalizeMAC("aa:bb:cc:dd:ee:ff 11:22:33:44:55:66"))
}

func TestKeyString(t *testing.T) {
	key := Key{Kind: KindMAC, Value: "AA:BB:CC:DD:EE:FF"}
	assert.Equal(t, "mac:AA:BB:CC:DD:EE:FF", key.String())
}

func TestReasonKind(t *testing.T) {
	assert.Equal(t, models.ReasonSerial, KindSerial.ReasonKind())
	assert.Equal(t, models.ReasonLogic, Kind("other").ReasonKind())
}

func TestMetricsDoNotPanicWithoutProvider(t *testing.T) {
	require.NotPanics(t, func() {
		RecordKeyLookup(context.Background(), KindMAC, 2)
		RecordConflict(context.Background(), "stale_version")
	})
}
