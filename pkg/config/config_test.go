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

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/assetradar/pkg/logger"
	"github.com/carverauto/assetradar/pkg/models"
)

var errBadConfig = errors.New("bad config")

type retentionSection struct {
	Window  models.Duration `json:"window"`
	Enabled bool            `json:"enabled"`
}

type natsSection struct {
	URL string `json:"url"`
}

type testConfig struct {
	NodeID    string           `json:"node_id"`
	Workers   int              `json:"workers"`
	Tries     uint             `json:"tries"`
	Ratio     float64          `json:"ratio"`
	Timeout   time.Duration    `json:"timeout"`
	Kinds     []string         `json:"kinds"`
	Retention retentionSection `json:"retention"`
	NATS      *natsSection     `json:"nats,omitempty"`
	Ignored   string
}

func (c *testConfig) Validate() error {
	if c.NodeID == "invalid" {
		return errBadConfig
	}

	return nil
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestLoadAndValidateFile(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "")

	path := writeConfig(t, `{"node_id": "edge-1", "workers": 8, "retention": {"window": "30d", "enabled": true}}`)

	var cfg testConfig
	require.NoError(t, NewConfig(logger.NewTestLogger()).LoadAndValidate(context.Background(), path, &cfg))

	assert.Equal(t, "edge-1", cfg.NodeID)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 30*24*time.Hour, cfg.Retention.Window.Std())
	assert.True(t, cfg.Retention.Enabled)
	assert.Nil(t, cfg.NATS)
}

func TestLoadAndValidateRunsValidator(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "file")

	path := writeConfig(t, `{"node_id": "invalid"}`)

	var cfg testConfig
	err := NewConfig(nil).LoadAndValidate(context.Background(), path, &cfg)
	require.ErrorIs(t, err, errBadConfig)
}

func TestLoadAndValidateErrors(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "")

	c := NewConfig(nil)

	require.ErrorIs(t, c.LoadAndValidate(context.Background(), "x", nil), errInvalidConfigPtr)

	var cfg testConfig
	require.ErrorIs(t, c.LoadAndValidate(context.Background(), filepath.Join(t.TempDir(), "missing.json"), &cfg), errConfigRead)
}

func TestFileLoaderIsStrict(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path func(t *testing.T) string
		want error
	}{
		{name: "no path", path: func(*testing.T) string { return "" }, want: errNoConfigPath},
		{name: "missing file", path: func(t *testing.T) string { return filepath.Join(t.TempDir(), "missing.json") }, want: errConfigRead},
		{name: "truncated document", path: func(t *testing.T) string { return writeConfig(t, `{"node_id":`) }, want: errConfigDecode},
		{name: "misspelled key", path: func(t *testing.T) string { return writeConfig(t, `{"node_idd": "edge-1"}`) }, want: errConfigDecode},
		{name: "two documents", path: func(t *testing.T) string { return writeConfig(t, `{"node_id": "a"} {"node_id": "b"}`) }, want: errTrailingConfig},
		{name: "valid", path: func(t *testing.T) string { return writeConfig(t, `{"node_id": "edge-1"}`) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var cfg testConfig

			err := (&FileConfigLoader{}).Load(context.Background(), tt.path(t), &cfg)
			if tt.want == nil {
				require.NoError(t, err)
				assert.Equal(t, "edge-1", cfg.NodeID)

				return
			}

			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLoadAndValidateUnknownSource(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "consul")

	var cfg testConfig
	err := NewConfig(nil).LoadAndValidate(context.Background(), "", &cfg)
	require.ErrorIs(t, err, errInvalidConfigSource)
}

func TestEnvLoader(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "env")
	t.Setenv("CONFIG_ENV_PREFIX", "AR_TEST_")
	t.Setenv("AR_TEST_NODE_ID", "edge-2")
	t.Setenv("AR_TEST_WORKERS", "3")
	t.Setenv("AR_TEST_TRIES", "5")
	t.Setenv("AR_TEST_RATIO", "0.25")
	t.Setenv("AR_TEST_TIMEOUT", "1500ms")
	t.Setenv("AR_TEST_KINDS", "devices, users")
	t.Setenv("AR_TEST_RETENTION_WINDOW", "2h")
	t.Setenv("AR_TEST_RETENTION_ENABLED", "true")
	t.Setenv("AR_TEST_NATS_URL", "nats://nats:4222")

	var cfg testConfig
	require.NoError(t, NewConfig(nil).LoadAndValidate(context.Background(), "", &cfg))

	assert.Equal(t, "edge-2", cfg.NodeID)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, uint(5), cfg.Tries)
	assert.InDelta(t, 0.25, cfg.Ratio, 1e-9)
	assert.Equal(t, 1500*time.Millisecond, cfg.Timeout)
	assert.Equal(t, []string{"devices", "users"}, cfg.Kinds)
	assert.Equal(t, 2*time.Hour, cfg.Retention.Window.Std())
	assert.True(t, cfg.Retention.Enabled)
	require.NotNil(t, cfg.NATS)
	assert.Equal(t, "nats://nats:4222", cfg.NATS.URL)
}

func TestEnvLoaderJSONDocument(t *testing.T) {
	t.Setenv("AR_DOC_CONFIG_JSON", `{"node_id": "from-json", "workers": 2}`)
	t.Setenv("AR_DOC_NODE_ID", "ignored")

	var cfg testConfig
	require.NoError(t, NewEnvConfigLoader(nil, "AR_DOC_").Load(context.Background(), "", &cfg))

	assert.Equal(t, "from-json", cfg.NodeID)
	assert.Equal(t, 2, cfg.Workers)
}

func TestEnvLoaderRejectsBadValues(t *testing.T) {
	t.Setenv("AR_BAD_WORKERS", "many")
	t.Setenv("AR_BAD_RETENTION_ENABLED", "perhaps")

	var cfg testConfig
	err := NewEnvConfigLoader(nil, "AR_BAD_").Load(context.Background(), "", &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AR_BAD_WORKERS")
	assert.Contains(t, err.Error(), "AR_BAD_RETENTION_ENABLED")
}

func TestEnvLoaderRequiresStructPointer(t *testing.T) {
	t.Parallel()

	loader := NewEnvConfigLoader(nil, "AR_PTR_")

	var cfg testConfig
	require.ErrorIs(t, loader.Load(context.Background(), "", cfg), ErrDstMustBeNonNilPointer)

	n := 1
	require.ErrorIs(t, loader.Load(context.Background(), "", &n), ErrDstMustBePointerToStruct)
}
