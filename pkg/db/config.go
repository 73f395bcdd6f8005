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

// Package db persists the node store and the central collections in
// PostgreSQL (CloudNativePG) through pgx.
package db

import (
	"errors"

	"github.com/carverauto/assetradar/pkg/models"
)

var (
	ErrCNPGHostRequired     = errors.New("cnpg: host is required")
	ErrCNPGDatabaseRequired = errors.New("cnpg: database is required")
)

// TLSConfig holds client certificate paths. Relative paths resolve against
// Config.CertDir.
type TLSConfig struct {
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
	CAFile   string `json:"ca_file"`
}

// Config describes the CNPG cluster connection.
type Config struct {
	Host               string            `json:"host"`
	Port               int               `json:"port"`
	Database           string            `json:"database"`
	Username           string            `json:"username"`
	Password           string            `json:"password"`
	SSLMode            string            `json:"ssl_mode"`
	ApplicationName    string            `json:"application_name"`
	CertDir            string            `json:"cert_dir"`
	TLS                *TLSConfig        `json:"tls,omitempty"`
	MaxConnections     int32             `json:"max_connections"`
	MinConnections     int32             `json:"min_connections"`
	MaxConnLifetime    models.Duration   `json:"max_conn_lifetime"`
	HealthCheckPeriod  models.Duration   `json:"health_check_period"`
	StatementTimeout   models.Duration   `json:"statement_timeout"`
	ExtraRuntimeParams map[string]string `json:"extra_runtime_params,omitempty"`
}

func (c *Config) Validate() error {
	var errs []error

	if c.Host == "" {
		errs = append(errs, ErrCNPGHostRequired)
	}

	if c.Database == "" {
		errs = append(errs, ErrCNPGDatabaseRequired)
	}

	return errors.Join(errs...)
}
