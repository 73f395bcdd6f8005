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

package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewParsesLevel(t *testing.T) {
	l, err := New(&Config{Level: "warn", Output: "stderr"})
	require.NoError(t, err)

	zl := l.WithComponent("x")
	assert.Equal(t, zerolog.WarnLevel, zl.GetLevel())
}

func TestNewDebugOverridesLevel(t *testing.T) {
	l, err := New(&Config{Level: "error", Debug: true})
	require.NoError(t, err)

	zl := l.WithComponent("x")
	assert.Equal(t, zerolog.DebugLevel, zl.GetLevel())
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(&Config{Level: "loud"})
	require.Error(t, err)
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer

	l := NewWriterLogger(&buf, zerolog.DebugLevel)
	cl := l.WithFields(map[string]interface{}{"source_id": "csv_0"})
	cl.Info().Str("component", "ingest").Msg("hello")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "csv_0", line["source_id"])
	assert.Equal(t, "ingest", line["component"])
	assert.Equal(t, "hello", line["message"])
}

func TestSetDebug(t *testing.T) {
	var buf bytes.Buffer

	l := NewWriterLogger(&buf, zerolog.InfoLevel)
	l.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())

	l.SetDebug(true)
	l.Debug().Msg("shown")
	assert.NotZero(t, buf.Len())
}

func TestDefaultConfigFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DEBUG", "yes")

	cfg := DefaultConfig()
	assert.Equal(t, "debug", cfg.Level)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "stdout", cfg.Output)
}
