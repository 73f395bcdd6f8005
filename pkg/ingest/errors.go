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
	"errors"
	"fmt"
)

var (
	ErrEmptyMessage     = errors.New("empty message received")
	ErrMissingField     = errors.New("required field missing")
	ErrPayloadMismatch  = errors.New("payload does not match entity kind")
	ErrInvalidAttribute = errors.New("invalid attribute value")
)

// DataShapeError reports a record that cannot be ingested as delivered.
// Such records are skipped and never retried.
type DataShapeError struct {
	SourceID string
	NativeID string
	Field    string
	Err      error
}

func (e *DataShapeError) Error() string {
	ref := e.SourceID + "/" + e.NativeID
	if e.Field == "" {
		return fmt.Sprintf("malformed record %s: %v", ref, e.Err)
	}

	return fmt.Sprintf("malformed record %s: %s: %v", ref, e.Field, e.Err)
}

func (e *DataShapeError) Unwrap() error {
	return e.Err
}

// IsDataShape reports whether err is, or wraps, a DataShapeError.
func IsDataShape(err error) bool {
	var ds *DataShapeError

	return errors.As(err, &ds)
}
