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

package projection

import (
	"errors"
	"fmt"

	"github.com/carverauto/assetradar/pkg/models"
)

var (
	ErrMalformedMember = errors.New("malformed member record")
	ErrKindMismatch    = errors.New("member payload does not match entity kind")
	ErrUnknownTagType  = errors.New("unknown tag type")
)

// Projection steps named in errors.
const (
	StepMembers = "members"
	StepFields  = "fields"
	StepTags    = "tags"
)

// ProjectionError reports the first failed step of a strict projection.
type ProjectionError struct {
	EntityID string
	Step     string
	Ref      models.AdapterRef
	Err      error
}

func (e *ProjectionError) Error() string {
	if e.Ref.IsZero() {
		return fmt.Sprintf("project entity %s: %s: %v", e.EntityID, e.Step, e.Err)
	}

	return fmt.Sprintf("project entity %s: %s %s: %v", e.EntityID, e.Step, e.Ref, e.Err)
}

func (e *ProjectionError) Unwrap() error {
	return e.Err
}
