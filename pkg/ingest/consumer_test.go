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

package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/assetradar/pkg/logger"
	"github.com/carverauto/assetradar/pkg/store"
)

type fakeMsg struct {
	data      []byte
	delivered uint64
	acks      int
	naks      int
}

func (m *fakeMsg) Data() []byte    { return m.data }
func (m *fakeMsg) Subject() string { return "inventory.adapter_entities.devices" }

func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{NumDelivered: m.delivered}, nil
}

func (m *fakeMsg) Ack() error {
	m.acks++

	return nil
}

func (m *fakeMsg) Nak() error {
	m.naks++

	return nil
}

func doc(source, native string) []byte {
	return fmt.Appendf(nil,
		`{"source_id":%q,"native_id":%q,"entity_kind":"devices","captured_at":"2025-06-01T12:00:00Z","payload":{"hostname":"h-%s"}}`,
		source, native, native)
}

func TestConsumerAcksByRecordOutcome(t *testing.T) {
	t.Parallel()

	c := newScriptedCorrelator()
	c.always["a_0/flaky"] = store.Transient("commit", errors.New("timeout"))
	c.always["a_0/doomed"] = store.Transient("commit", errors.New("timeout"))

	cfg := fastConfig()
	cfg.RetryMaxTries = 1

	p := NewPipeline(c, cfg, logger.NewTestLogger())
	cons := newConsumer(ConsumerConfig{MaxDeliver: 3}, nil, p, logger.NewTestLogger())

	good := &fakeMsg{data: doc("a_0", "1"), delivered: 1}
	other := &fakeMsg{data: doc("b_0", "2"), delivered: 1}
	malformed := &fakeMsg{data: []byte(`{"source_id":"a_0"}`), delivered: 1}
	garbage := &fakeMsg{data: []byte("not json"), delivered: 1}
	flaky := &fakeMsg{data: doc("a_0", "flaky"), delivered: 1}
	doomed := &fakeMsg{data: doc("a_0", "doomed"), delivered: 3}

	cons.handleBatch(context.Background(), []message{good, other, malformed, garbage, flaky, doomed})

	for name, m := range map[string]*fakeMsg{"good": good, "other": other, "malformed": malformed, "garbage": garbage, "doomed": doomed} {
		assert.Equal(t, 1, m.acks, name)
		assert.Zero(t, m.naks, name)
	}

	assert.Zero(t, flaky.acks)
	assert.Equal(t, 1, flaky.naks)

	assert.Equal(t, []string{"1", "flaky", "doomed"}, c.ordered["a_0"])
	assert.Equal(t, []string{"2"}, c.ordered["b_0"])
}

func TestConsumerAcksDuplicateRefs(t *testing.T) {
	t.Parallel()

	c := newScriptedCorrelator()
	p := NewPipeline(c, fastConfig(), logger.NewTestLogger())
	cons := newConsumer(ConsumerConfig{}, nil, p, logger.NewTestLogger())

	first := &fakeMsg{data: doc("a_0", "1"), delivered: 1}
	second := &fakeMsg{data: doc("a_0", "1"), delivered: 1}

	cons.handleBatch(context.Background(), []message{first, second})

	assert.Equal(t, 1, first.acks)
	assert.Equal(t, 1, second.acks)
	assert.Equal(t, 2, c.callCount("a_0/1"))
}

func TestConsumerLeavesBatchOnCancel(t *testing.T) {
	t.Parallel()

	c := newScriptedCorrelator()
	p := NewPipeline(c, fastConfig(), logger.NewTestLogger())
	cons := newConsumer(ConsumerConfig{}, nil, p, logger.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	msg := &fakeMsg{data: doc("a_0", "1"), delivered: 1}
	cons.handleBatch(ctx, []message{msg})

	assert.Zero(t, msg.acks)
	assert.Zero(t, msg.naks)
}

func TestNewConsumerRequiresPipeline(t *testing.T) {
	t.Parallel()

	_, err := NewConsumer(context.Background(), nil, ConsumerConfig{}, nil, logger.NewTestLogger())
	require.ErrorIs(t, err, errNoPipeline)
}
