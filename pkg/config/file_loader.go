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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	errNoConfigPath   = errors.New("no configuration file given")
	errConfigRead     = errors.New("read configuration file")
	errConfigDecode   = errors.New("decode configuration file")
	errTrailingConfig = errors.New("unexpected data after the configuration document")
)

// FileConfigLoader loads configuration from a local JSON file. Decoding is
// strict: a misspelled key fails the load instead of silently keeping its
// default.
type FileConfigLoader struct{}

func (*FileConfigLoader) Load(_ context.Context, path string, dst interface{}) error {
	if path == "" {
		return errNoConfigPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w %s: %w", errConfigRead, path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w %s: %w", errConfigDecode, path, err)
	}

	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w %s: %w", errConfigDecode, path, errTrailingConfig)
	}

	return nil
}
