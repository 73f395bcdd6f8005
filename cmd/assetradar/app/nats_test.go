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

package app

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/assetradar/pkg/events"
	"github.com/carverauto/assetradar/pkg/logger"
	"github.com/carverauto/assetradar/pkg/models"
	"github.com/carverauto/assetradar/pkg/natsutil"
	"github.com/carverauto/assetradar/pkg/query"
)

func runJetStreamServer(t *testing.T) *server.Server {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}

	srv, err := server.NewServer(opts)
	require.NoError(t, err)

	go srv.Start()

	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		t.Fatalf("embedded NATS server not ready for connections")
	}

	require.Eventually(t, func() bool {
		return srv.JetStreamEnabled()
	}, 5*time.Second, 50*time.Millisecond, "embedded NATS server not ready for JetStream")

	t.Cleanup(srv.Shutdown)

	return srv
}

func TestConsumerIngestsConnectorRecords(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	srv := runJetStreamServer(t)

	cfg := DefaultConfig()
	cfg.Central.Enabled = false
	cfg.NATS = &natsutil.Config{URL: srv.ClientURL(), Name: "assetradar-test"}
	cfg.Consumer.Enabled = true
	cfg.Consumer.FetchWait = models.Duration(200 * time.Millisecond)

	a, err := New(ctx, &cfg, logger.NewTestLogger())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	created := a.Events.Subscribe(8)

	serveCtx, stop := context.WithCancel(ctx)
	served := make(chan error, 1)

	go func() { served <- a.Serve(serveCtx) }()

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	js, err := jetstream.New(nc)
	require.NoError(t, err)

	doc := []byte(`{
		"source_id": "ad_0",
		"source_name": "active_directory",
		"native_id": "CN=PC1",
		"entity_kind": "devices",
		"captured_at": "2025-06-01T12:00:00Z",
		"payload": {"hostname": "pc1", "mac_addresses": ["00:11:22:33:44:55"]}
	}`)

	_, err = js.Publish(ctx, "inventory.adapter_entities.ad_0", doc)
	require.NoError(t, err)

	_, err = js.Publish(ctx, "inventory.adapter_entities.ad_0", []byte(`{"source_id": "ad_0"}`))
	require.NoError(t, err)

	select {
	case evt := <-created:
		assert.Equal(t, models.EventEntityCreated, evt.Type)
		assert.Equal(t, models.KindDevices, evt.Kind)
	case <-ctx.Done():
		t.Fatal("no correlation event for the ingested record")
	}

	res, err := a.Query.Find(ctx, models.KindDevices, query.Filter{}, query.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)

	require.Eventually(t, func() bool {
		stream, err := js.Stream(ctx, events.DefaultStream)
		if err != nil {
			return false
		}

		info, err := stream.Info(ctx)

		return err == nil && info.State.Msgs >= 1
	}, 5*time.Second, 50*time.Millisecond, "correlation event not published to JetStream")

	stop()

	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
