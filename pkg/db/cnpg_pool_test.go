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
)

func TestBuildCNPGConnURL(t *testing.T) {
	t.Parallel()

	tlsCfg := &TLSConfig{CertFile: "client.crt", KeyFile: "client.key", CAFile: "ca.crt"}

	tests := []struct {
		name     string
		cfg      Config
		wantHost string
		wantSSL  string
		wantErr  error
	}{
		{
			name:     "defaults port and disables ssl without tls",
			cfg:      Config{Host: "cnpg-rw", Database: "assetradar"},
			wantHost: "cnpg-rw:5432",
			wantSSL:  "disable",
		},
		{
			name:     "tls defaults to verify-full",
			cfg:      Config{Host: "cnpg-rw", Port: 6432, Database: "assetradar", TLS: tlsCfg},
			wantHost: "cnpg-rw:6432",
			wantSSL:  "verify-full",
		},
		{
			name:     "explicit ssl mode kept",
			cfg:      Config{Host: "cnpg-rw", Database: "assetradar", SSLMode: "require"},
			wantHost: "cnpg-rw:5432",
			wantSSL:  "require",
		},
		{
			name:    "tls with ssl disabled rejected",
			cfg:     Config{Host: "cnpg-rw", Database: "assetradar", SSLMode: "disable", TLS: tlsCfg},
			wantErr: ErrCNPGTLSDisabled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			u, err := buildCNPGConnURL(&tt.cfg)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, u.Host)
			assert.Equal(t, "/assetradar", u.Path)
			assert.Equal(t, tt.wantSSL, u.Query().Get("sslmode"))
		})
	}
}

func TestBuildCNPGConnURLCredentials(t *testing.T) {
	t.Parallel()

	u, err := buildCNPGConnURL(&Config{
		Host:            "cnpg-rw",
		Database:        "assetradar",
		Username:        "radar",
		Password:        "s3cr:t",
		ApplicationName: "assetradar-node",
	})
	require.NoError(t, err)

	assert.Equal(t, "radar", u.User.Username())

	pw, ok := u.User.Password()
	require.True(t, ok)
	assert.Equal(t, "s3cr:t", pw)
	assert.Equal(t, "assetradar-node", u.Query().Get("application_name"))
}

func TestResolveCertPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/etc/assetradar/cnpg/ca.crt", resolveCertPath("/etc/assetradar/cnpg", "ca.crt"))
	assert.Equal(t, "/abs/ca.crt", resolveCertPath("/etc/assetradar/cnpg", "/abs/ca.crt"))
	assert.Equal(t, "ca.crt", resolveCertPath("", "ca.crt"))
	assert.Empty(t, resolveCertPath("/etc", ""))
}

func TestBuildCNPGTLSConfigRequiresAllFiles(t *testing.T) {
	t.Parallel()

	cfg, err := buildCNPGTLSConfig(&Config{Host: "h"})
	require.NoError(t, err)
	assert.Nil(t, cfg)

	_, err = buildCNPGTLSConfig(&Config{Host: "h", TLS: &TLSConfig{CertFile: "c"}})
	require.ErrorIs(t, err, ErrCNPGTLSIncomplete)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	err := (&Config{}).Validate()
	require.ErrorIs(t, err, ErrCNPGHostRequired)
	require.ErrorIs(t, err, ErrCNPGDatabaseRequired)

	require.NoError(t, (&Config{Host: "h", Database: "d"}).Validate())
}
