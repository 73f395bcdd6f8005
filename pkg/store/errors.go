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

package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/carverauto/assetradar/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("entity version conflict")
	ErrInvalidRecord = errors.New("invalid adapter record")
	ErrStaleRecord   = errors.New("record is older than the stored version")

	ErrUnassignedRecord = errors.New("record would not belong to any entity")
)

// TransientStoreError wraps an I/O failure against the backing store that
// is worth retrying.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store error during %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientStoreError unless it is nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}

	return &TransientStoreError{Op: op, Err: err}
}

// IsTransient reports whether err, or anything it wraps, is a TransientStoreError.
func IsTransient(err error) bool {
	var t *TransientStoreError

	return errors.As(err, &t)
}

// CorrelationConflictError reports a lost compare-and-swap race on entity
// versions. It matches ErrConflict with errors.Is.
type CorrelationConflictError struct {
	Kind models.EntityKind
	IDs  []string
}

func (e *CorrelationConflictError) Error() string {
	return fmt.Sprintf("correlation conflict on %s entities [%s]", e.Kind, strings.Join(e.IDs, ","))
}

func (e *CorrelationConflictError) Unwrap() error {
	return ErrConflict
}
