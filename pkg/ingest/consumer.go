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
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/carverauto/assetradar/pkg/logger"
	"github.com/carverauto/assetradar/pkg/models"
	"github.com/carverauto/assetradar/pkg/natsutil"
)

const (
	DefaultSubject = "inventory.adapter_entities.>"

	defaultStream          = "INVENTORY"
	defaultDurable         = "assetradar-ingest"
	defaultMaxPullMessages = 100
	defaultPullExpiry      = 30 * time.Second
	defaultAckWait         = 60 * time.Second
	defaultMaxDeliver      = 3
	defaultMaxAckPending   = 1000
	fetchErrorPause        = time.Second
)

var errNoPipeline = errors.New("ingest consumer requires a pipeline")

// ConsumerConfig describes the durable pull consumer connectors feed.
type ConsumerConfig struct {
	Stream        string          `json:"stream"`
	Durable       string          `json:"durable"`
	Subject       string          `json:"subject"`
	BatchSize     int             `json:"batch_size"`
	FetchWait     models.Duration `json:"fetch_wait"`
	AckWait       models.Duration `json:"ack_wait"`
	MaxDeliver    int             `json:"max_deliver"`
	MaxAckPending int             `json:"max_ack_pending"`
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.Stream == "" {
		c.Stream = defaultStream
	}

	if c.Durable == "" {
		c.Durable = defaultDurable
	}

	if c.Subject == "" {
		c.Subject = DefaultSubject
	}

	if c.BatchSize <= 0 {
		c.BatchSize = defaultMaxPullMessages
	}

	if c.FetchWait <= 0 {
		c.FetchWait = models.Duration(defaultPullExpiry)
	}

	if c.AckWait <= 0 {
		c.AckWait = models.Duration(defaultAckWait)
	}

	if c.MaxDeliver <= 0 {
		c.MaxDeliver = defaultMaxDeliver
	}

	if c.MaxAckPending <= 0 {
		c.MaxAckPending = defaultMaxAckPending
	}

	return c
}

// message is the part of jetstream.Msg the consumer relies on.
type message interface {
	Data() []byte
	Subject() string
	Metadata() (*jetstream.MsgMetadata, error)
	Ack() error
	Nak() error
}

// Consumer pulls connector records from JetStream and feeds the pipeline.
type Consumer struct {
	cfg      ConsumerConfig
	consumer jetstream.Consumer
	pipeline *Pipeline
	logger   logger.Logger
}

// NewConsumer ensures the stream and durable consumer exist.
func NewConsumer(
	ctx context.Context, js jetstream.JetStream, cfg ConsumerConfig, pipeline *Pipeline, log logger.Logger,
) (*Consumer, error) {
	if pipeline == nil {
		return nil, errNoPipeline
	}

	cfg = cfg.withDefaults()

	if _, err := natsutil.EnsureStream(ctx, js, cfg.Stream, cfg.Subject); err != nil {
		return nil, err
	}

	log.Info().Str("stream", cfg.Stream).Str("consumer", cfg.Durable).Msg("Creating/getting pull consumer")

	consumer, err := js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait.Std(),
		MaxDeliver:    cfg.MaxDeliver,
		MaxAckPending: cfg.MaxAckPending,
		FilterSubject: cfg.Subject,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer %s: %w", cfg.Durable, err)
	}

	return newConsumer(cfg, consumer, pipeline, log), nil
}

func newConsumer(cfg ConsumerConfig, c jetstream.Consumer, pipeline *Pipeline, log logger.Logger) *Consumer {
	return &Consumer{
		cfg:      cfg.withDefaults(),
		consumer: c,
		pipeline: pipeline,
		logger:   log,
	}
}

// Run fetches and processes batches until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info().Str("stream", c.cfg.Stream).Str("consumer", c.cfg.Durable).Msg("Starting pull consumer")

	for {
		if ctx.Err() != nil {
			c.logger.Info().Msg("Stopping message processing due to context cancellation")

			return nil
		}

		batch, err := c.consumer.Fetch(c.cfg.BatchSize, jetstream.FetchMaxWait(c.cfg.FetchWait.Std()))
		if err != nil {
			c.logger.Warn().Err(err).Msg("Failed to fetch messages")

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(fetchErrorPause):
			}

			continue
		}

		var msgs []message
		for msg := range batch.Messages() {
			msgs = append(msgs, msg)
		}

		if fetchErr := batch.Error(); fetchErr != nil && !errors.Is(fetchErr, jetstream.ErrNoMessages) {
			c.logger.Debug().Err(fetchErr).Msg("Fetch error")
		}

		if len(msgs) > 0 {
			c.handleBatch(ctx, msgs)
		}
	}
}

// handleBatch decodes msgs, groups them by source, and acks each message
// according to the outcome of its record.
func (c *Consumer) handleBatch(ctx context.Context, msgs []message) {
	batches := make(map[string][]*models.AdapterEntity)
	byRef := make(map[models.AdapterRef][]message)

	for _, msg := range msgs {
		ae, err := Decode(msg.Data())
		if err != nil {
			c.logger.Warn().Str("subject", msg.Subject()).Err(err).Msg("Dropping malformed adapter record")
			c.ack(msg)

			continue
		}

		batches[ae.SourceID] = append(batches[ae.SourceID], ae)
		byRef[ae.Ref()] = append(byRef[ae.Ref()], msg)
	}

	if len(batches) == 0 {
		return
	}

	report, err := c.pipeline.Ingest(ctx, batches)
	if err != nil {
		// Unacked messages are redelivered after AckWait.
		c.logger.Warn().Err(err).Msg("Ingest interrupted, leaving batch for redelivery")

		return
	}

	failed := make(map[models.AdapterRef]RecordFailure, len(report.Failures))
	for _, f := range report.Failures {
		failed[f.Ref] = f
	}

	for ref, refMsgs := range byRef {
		f, ok := failed[ref]

		for _, msg := range refMsgs {
			switch {
			case !ok || f.Malformed:
				c.ack(msg)
			default:
				c.retryOrDrop(msg, f.Err)
			}
		}
	}
}

func (c *Consumer) retryOrDrop(msg message, cause error) {
	if md, err := msg.Metadata(); err == nil && md.NumDelivered >= uint64(c.cfg.MaxDeliver) {
		c.logger.Error().Str("subject", msg.Subject()).Uint64("deliveries", md.NumDelivered).Err(cause).
			Msg("Max deliveries reached, acknowledging message")
		c.ack(msg)

		return
	}

	if err := msg.Nak(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to nak message")
	}
}

func (c *Consumer) ack(msg message) {
	if err := msg.Ack(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to ack message")
	}
}
