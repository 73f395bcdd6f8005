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

package correlation

import "github.com/carverauto/assetradar/pkg/models"

// Config holds the engine and analysis settings loaded by the binary.
type Config struct {
	LockStripes int           `json:"lock_stripes"`
	Reimage     ReimageConfig `json:"reimage"`

	// RerunInterval schedules a full re-correlation. Zero runs it only on
	// demand.
	RerunInterval models.Duration `json:"rerun_interval"`
}

func DefaultConfig() Config {
	return Config{
		LockStripes: defaultLockStripes,
		Reimage:     DefaultReimageConfig(),
	}
}

// Options converts the config into engine options.
func (c Config) Options() []Option {
	if c.LockStripes <= 0 {
		return nil
	}

	return []Option{WithLockStripes(c.LockStripes)}
}
