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

// Package events publishes correlation notifications for every entity
// membership change.
package events

//go:generate mockgen -destination=mock_publisher.go -package=events github.com/carverauto/assetradar/pkg/events Publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/carverauto/assetradar/pkg/logger"
	"github.com/carverauto/assetradar/pkg/models"
)

const (
	// SubjectPrefix is followed by the entity kind.
	SubjectPrefix = "inventory.correlation"
	// DefaultStream captures every correlation subject.
	DefaultStream = "INVENTORY_CORRELATION"

	eventSource = "assetradar/correlation"
	typePrefix  = "com.carverauto.assetradar."
)

// Publisher delivers correlation events to downstream consumers.
type Publisher interface {
	PublishCorrelation(ctx context.Context, event *models.CorrelationEvent) error
}

// CloudEvent is the CloudEvents 1.0 JSON envelope.
type CloudEvent struct {
	SpecVersion     string      `json:"specversion"`
	ID              string      `json:"id"`
	Source          string      `json:"source"`
	Type            string      `json:"type"`
	DataContentType string      `json:"datacontenttype"`
	Subject         string      `json:"subject,omitempty"`
	Time            *time.Time  `json:"time,omitempty"`
	Data            interface{} `json:"data,omitempty"`
}

// Subject returns the JetStream subject for events of kind.
func Subject(kind models.EntityKind) string {
	return SubjectPrefix + "." + string(kind)
}

// NewCloudEvent wraps a correlation event in its envelope.
func NewCloudEvent(event *models.CorrelationEvent) CloudEvent {
	at := event.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	return CloudEvent{
		SpecVersion:     "1.0",
		ID:              uuid.New().String(),
		Source:          eventSource,
		Type:            typePrefix + string(event.Type),
		DataContentType: "application/json",
		Subject:         Subject(event.Kind),
		Time:            &at,
		Data:            event,
	}
}

// JetStreamPublisher publishes CloudEvents to JetStream.
type JetStreamPublisher struct {
	js     jetstream.JetStream
	logger logger.Logger
}

func NewJetStreamPublisher(js jetstream.JetStream, log logger.Logger) *JetStreamPublisher {
	return &JetStreamPublisher{js: js, logger: log}
}

func (p *JetStreamPublisher) PublishCorrelation(ctx context.Context, event *models.CorrelationEvent) error {
	ce := NewCloudEvent(event)

	payload, err := json.Marshal(ce)
	if err != nil {
		return fmt.Errorf("failed to marshal correlation event: %w", err)
	}

	ack, err := p.js.Publish(ctx, ce.Subject, payload)
	if err != nil {
		return fmt.Errorf("failed to publish correlation event: %w", err)
	}

	p.logger.Debug().
		Str("event_id", ce.ID).
		Str("subject", ce.Subject).
		Uint64("seq", ack.Sequence).
		Msg("Published correlation event")

	return nil
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) PublishCorrelation(context.Context, *models.CorrelationEvent) error {
	return nil
}

// ChannelPublisher fans events out to in-process subscribers. Slow
// subscribers lose events rather than block correlation.
type ChannelPublisher struct {
	mu     sync.RWMutex
	subs   []chan *models.CorrelationEvent
	closed bool
}

func NewChannelPublisher() *ChannelPublisher {
	return &ChannelPublisher{}
}

// Subscribe returns a channel receiving every subsequent event.
func (c *ChannelPublisher) Subscribe(buffer int) <-chan *models.CorrelationEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan *models.CorrelationEvent, buffer)
	if c.closed {
		close(ch)

		return ch
	}

	c.subs = append(c.subs, ch)

	return ch
}

func (c *ChannelPublisher) PublishCorrelation(_ context.Context, event *models.CorrelationEvent) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, ch := range c.subs {
		select {
		case ch <- event:
		default:
		}
	}

	return nil
}

// Close closes every subscriber channel.
func (c *ChannelPublisher) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true

	for _, ch := range c.subs {
		close(ch)
	}

	c.subs = nil
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) PublishCorrelation(ctx context.Context, event *models.CorrelationEvent) error {
	var errs []error

	for _, p := range m {
		if err := p.PublishCorrelation(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
