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
	"errors"
	"fmt"
	"time"

	"github.com/carverauto/assetradar/pkg/config"
	"github.com/carverauto/assetradar/pkg/correlation"
	"github.com/carverauto/assetradar/pkg/db"
	"github.com/carverauto/assetradar/pkg/ingest"
	"github.com/carverauto/assetradar/pkg/logger"
	"github.com/carverauto/assetradar/pkg/models"
	"github.com/carverauto/assetradar/pkg/natsutil"
	"github.com/carverauto/assetradar/pkg/viewcache"
)

const (
	BackendMemory = "memory"
	BackendCNPG   = "cnpg"

	defaultNodeID          = "local"
	defaultCentralInterval = time.Hour
	defaultRetentionWindow = 30 * 24 * time.Hour
	defaultRetentionEvery  = 6 * time.Hour
)

var (
	errNodeIDRequired      = errors.New("node_id is required")
	errUnknownBackend      = errors.New("unknown backend")
	errCNPGRequired        = errors.New("cnpg settings are required for the cnpg backend")
	errConsumerNeedsNATS   = errors.New("consumer requires nats settings")
	errCentralNodeID       = errors.New("central node id is required")
	errDuplicateNode       = errors.New("duplicate central node id")
	errNonPositiveInterval = errors.New("interval must be positive")
	errNegativeInterval    = errors.New("interval must not be negative")
)

// StoreConfig selects the node store.
type StoreConfig struct {
	Backend string     `json:"backend"`
	CNPG    *db.Config `json:"cnpg,omitempty"`
}

// NodeConfig names a remote collector node whose store central reads.
type NodeConfig struct {
	ID   string    `json:"id"`
	CNPG db.Config `json:"cnpg"`
}

// CentralConfig controls aggregation and promotion. A cnpg backend without
// its own connection settings shares the node store's cluster.
type CentralConfig struct {
	Enabled      bool            `json:"enabled"`
	Backend      string          `json:"backend"`
	CNPG         *db.Config      `json:"cnpg,omitempty"`
	Interval     models.Duration `json:"interval"`
	FetchWorkers int             `json:"fetch_workers"`
	IncludeLocal bool            `json:"include_local"`
	Nodes        []NodeConfig    `json:"nodes,omitempty"`
}

type CacheConfig struct {
	TTL             models.Duration `json:"ttl"`
	CleanupInterval models.Duration `json:"cleanup_interval"`
}

type RetentionConfig struct {
	Enabled  bool            `json:"enabled"`
	Window   models.Duration `json:"window"`
	Interval models.Duration `json:"interval"`
}

type QueryConfig struct {
	TTL models.Duration `json:"ttl"`
}

// ConsumerConfig enables the connector intake consumer.
type ConsumerConfig struct {
	Enabled bool `json:"enabled"`
	ingest.ConsumerConfig
}

// Config is the assetradar service configuration.
type Config struct {
	NodeID      string                                         `json:"node_id"`
	Logging     *logger.Config                                 `json:"logging"`
	Store       StoreConfig                                    `json:"store"`
	NATS        *natsutil.Config                               `json:"nats,omitempty"`
	Consumer    ConsumerConfig                                 `json:"consumer"`
	Ingest      ingest.Config                                  `json:"ingest"`
	Correlation correlation.Config                             `json:"correlation"`
	Central     CentralConfig                                  `json:"central"`
	Cache       CacheConfig                                    `json:"cache"`
	Retention   RetentionConfig                                `json:"retention"`
	Query       QueryConfig                                    `json:"query"`
	Fields      map[models.EntityKind][]models.FieldDescriptor `json:"fields,omitempty"`
}

// DefaultConfig returns a single in-memory node with central enabled over
// itself.
func DefaultConfig() Config {
	return Config{
		NodeID:      defaultNodeID,
		Logging:     logger.DefaultConfig(),
		Store:       StoreConfig{Backend: BackendMemory},
		Ingest:      ingest.DefaultConfig(),
		Correlation: correlation.DefaultConfig(),
		Central: CentralConfig{
			Enabled:      true,
			Backend:      BackendMemory,
			Interval:     models.Duration(defaultCentralInterval),
			IncludeLocal: true,
		},
		Cache: CacheConfig{
			TTL:             models.Duration(viewcache.DefaultTTL),
			CleanupInterval: models.Duration(viewcache.DefaultCleanupInterval),
		},
		Retention: RetentionConfig{
			Enabled:  true,
			Window:   models.Duration(defaultRetentionWindow),
			Interval: models.Duration(defaultRetentionEvery),
		},
	}
}

// LoadConfig reads path over the defaults and validates the result.
func LoadConfig(ctx context.Context, path string, log logger.Logger) (*Config, error) {
	cfg := DefaultConfig()

	if err := config.NewConfig(log).LoadAndValidate(ctx, path, &cfg); err != nil {
		return nil, err
	}

	// the env loader allocates every nested pointer it walks
	if cfg.NATS != nil && cfg.NATS.URL == "" {
		cfg.NATS = nil
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.NodeID == "" {
		errs = append(errs, errNodeIDRequired)
	}

	errs = append(errs, validateBackend("store", c.Store.Backend, c.Store.CNPG))

	if c.Consumer.Enabled && (c.NATS == nil || c.NATS.URL == "") {
		errs = append(errs, errConsumerNeedsNATS)
	}

	if c.Central.Enabled {
		errs = append(errs, c.validateCentral())
	}

	if c.Correlation.Reimage.Enabled && c.Correlation.Reimage.Interval <= 0 {
		errs = append(errs, fmt.Errorf("reimage: %w", errNonPositiveInterval))
	}

	if c.Correlation.RerunInterval < 0 {
		errs = append(errs, fmt.Errorf("correlation rerun: %w", errNegativeInterval))
	}

	if c.Retention.Enabled && (c.Retention.Window <= 0 || c.Retention.Interval <= 0) {
		errs = append(errs, fmt.Errorf("retention: %w", errNonPositiveInterval))
	}

	for kind := range c.Fields {
		if !kind.Valid() {
			errs = append(errs, fmt.Errorf("fields: %w: %q", models.ErrUnknownEntityKind, kind))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) validateCentral() error {
	var errs []error

	cnpg := c.Central.CNPG
	if cnpg == nil {
		cnpg = c.Store.CNPG
	}

	errs = append(errs, validateBackend("central", c.Central.Backend, cnpg))

	if c.Central.Interval <= 0 {
		errs = append(errs, fmt.Errorf("central: %w", errNonPositiveInterval))
	}

	seen := map[string]struct{}{c.NodeID: {}}

	for i := range c.Central.Nodes {
		node := &c.Central.Nodes[i]

		if node.ID == "" {
			errs = append(errs, fmt.Errorf("central node %d: %w", i, errCentralNodeID))

			continue
		}

		if _, dup := seen[node.ID]; dup {
			errs = append(errs, fmt.Errorf("%w: %s", errDuplicateNode, node.ID))
		}

		seen[node.ID] = struct{}{}

		if err := node.CNPG.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("central node %s: %w", node.ID, err))
		}
	}

	return errors.Join(errs...)
}

func validateBackend(name, backend string, cnpg *db.Config) error {
	switch backend {
	case BackendMemory:
		return nil
	case BackendCNPG:
		if cnpg == nil {
			return fmt.Errorf("%s: %w", name, errCNPGRequired)
		}

		if err := cnpg.Validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}

		return nil
	default:
		return fmt.Errorf("%s: %w: %q", name, errUnknownBackend, backend)
	}
}
