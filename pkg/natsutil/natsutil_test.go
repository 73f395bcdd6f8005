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

package natsutil

import (
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/assetradar/pkg/logger"
)

var errTestFixture = errors.New("boom")

func TestEnsureSubjectList(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		subjects []string
		subject  string
		want     []string
	}{
		{
			name:    "adds subject when list empty",
			subject: "inventory.correlation.devices",
			want:    []string{"inventory.correlation.devices"},
		},
		{
			name:     "keeps list when wildcard matches",
			subjects: []string{"inventory.correlation.*"},
			subject:  "inventory.correlation.devices",
			want:     []string{"inventory.correlation.*"},
		},
		{
			name:     "keeps list when greater wildcard matches",
			subjects: []string{"inventory.>"},
			subject:  "inventory.correlation.devices",
			want:     []string{"inventory.>"},
		},
		{
			name:     "appends when unmatched",
			subjects: []string{"inventory.adapter_entities.>"},
			subject:  "inventory.correlation.devices",
			want:     []string{"inventory.adapter_entities.>", "inventory.correlation.devices"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := ensureSubjectList(append([]string(nil), tc.subjects...), tc.subject)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMatchesSubject(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		pattern  string
		subject  string
		expected bool
	}{
		{"exact match", "inventory.correlation.users", "inventory.correlation.users", true},
		{"single wildcard", "inventory.*.users", "inventory.correlation.users", true},
		{"greater wildcard", "inventory.>", "inventory.correlation.users", true},
		{"greater wildcard needs a token", "inventory.>", "inventory", false},
		{"no match length", "inventory.*", "inventory.correlation.users", false},
		{"no match tokens", "logs.syslog.*", "inventory.correlation.users", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.expected, matchesSubject(tc.pattern, tc.subject))
		})
	}
}

func TestIsStreamMissingErr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"jetstream no stream response", jetstream.ErrNoStreamResponse, true},
		{"jetstream stream not found", jetstream.ErrStreamNotFound, true},
		{"nats no stream response", nats.ErrNoStreamResponse, true},
		{"nats stream not found", nats.ErrStreamNotFound, true},
		{"nats no responders", nats.ErrNoResponders, true},
		{"other error", errTestFixture, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.expected, isStreamMissingErr(tc.err))
		})
	}
}

func TestConnectRequiresURL(t *testing.T) {
	t.Parallel()

	_, _, err := Connect(Config{}, logger.NewTestLogger())
	require.ErrorIs(t, err, errURLRequired)
}
